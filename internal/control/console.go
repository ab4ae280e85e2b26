package control

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"sds/internal/engine"
)

// Console reads one command per line:
//
//	q  stop the search and return
//	c  print the largest clusters
//	w  write a snapshot
//	s  print the run status
//
// Anything else is echoed back upper-cased.
type Console[H comparable] struct {
	svc *Service[H]
	in  io.Reader
	out io.Writer
}

func NewConsole[H comparable](svc *Service[H], in io.Reader, out io.Writer) *Console[H] {
	return &Console[H]{svc: svc, in: in, out: out}
}

// Serve handles commands until q, the end of input or ctx is done. A
// blocked read is abandoned when ctx ends.
func (c *Console[H]) Serve(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			if quit := c.Handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// Handle runs a single command and reports whether it was q.
func (c *Console[H]) Handle(ctx context.Context, line string) bool {
	switch cmd := strings.TrimSpace(line); cmd {
	case "q":
		fmt.Fprintln(c.out, "'q' received, stopping")
		c.svc.Stop()
		return true
	case "c":
		ctrl := c.svc.cfg.Controller
		snap := c.svc.Clusters(0)
		fmt.Fprintln(c.out, engine.FormatActivity(ctrl.Iteration(), ctrl.Activity(), snap.Clusters, c.svc.cfg.Format))
	case "w":
		res, err := c.svc.WriteSnapshot(ctx)
		if err != nil {
			fmt.Fprintln(c.out, "snapshot failed:", err)
			break
		}
		if res.Path != "" {
			fmt.Fprintln(c.out, "wrote swarm status to", res.Path)
		}
		if res.ID != "" {
			fmt.Fprintln(c.out, "stored snapshot", res.ID)
		}
	case "s":
		st := c.svc.Status()
		fmt.Fprintf(c.out, "run %s iteration %d running=%t agents=%d clusters=%d activity=%0.3f\n",
			st.RunID, st.Iteration, st.Running, st.Agents, st.Clusters, st.Activity)
	default:
		fmt.Fprintln(c.out, "You said:", strings.ToUpper(cmd))
	}
	return false
}
