package engine

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"sds/internal/swarm"
)

// Report is the periodic progress record handed to a Reporter.
type Report[H comparable] struct {
	RunID     string
	Iteration int
	Agents    int
	Live      int
	Activity  float64
	Clusters  swarm.ClusterTable[H]
}

type Reporter[H comparable] func(Report[H])

// FormatReport renders one progress line: the iteration, the clustered
// share of the swarm and the top clusters as hyp:count pairs. top <= 0
// lists every cluster.
func FormatReport[H comparable](iteration, agents int, table swarm.ClusterTable[H], top int, format func(H) string) string {
	activity := 0.0
	if agents > 0 {
		activity = float64(table.Total()) / float64(agents)
	}
	return FormatActivity(iteration, activity, table.Top(top), format)
}

// FormatActivity renders a progress line for an activity measured elsewhere,
// so entries may be a capped subset of the clusters.
func FormatActivity[H comparable](iteration int, activity float64, entries []swarm.ClusterEntry[H], format func(H) string) string {
	if format == nil {
		format = func(h H) string { return fmt.Sprint(h) }
	}
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = format(e.Hypothesis) + ":" + fmt.Sprint(e.Count)
	}
	return fmt.Sprintf("%4d Activity: %0.3f. %s", iteration, activity, strings.Join(parts, ", "))
}

// WriterReporter prints FormatReport lines to w.
func WriterReporter[H comparable](w io.Writer, top int, format func(H) string) Reporter[H] {
	return func(r Report[H]) {
		fmt.Fprintln(w, FormatReport(r.Iteration, r.Agents, r.Clusters, top, format))
	}
}

// LogReporter emits reports as structured log records.
func LogReporter[H comparable](logger *slog.Logger, top int) Reporter[H] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(r Report[H]) {
		largest := 0
		if r.Clusters.Len() > 0 {
			largest = r.Clusters.Entries()[0].Count
		}
		logger.Info("swarm report",
			"run_id", r.RunID,
			"iteration", r.Iteration,
			"activity", r.Activity,
			"live", r.Live,
			"clusters", r.Clusters.Len(),
			"largest_cluster", largest,
			"top", fmt.Sprint(r.Clusters.Top(top)),
		)
	}
}

// Chain calls each non-nil reporter in order.
func Chain[H comparable](reporters ...Reporter[H]) Reporter[H] {
	return func(r Report[H]) {
		for _, rep := range reporters {
			if rep != nil {
				rep(r)
			}
		}
	}
}
