// Package control exposes a running search to an operator, either as line
// commands on a terminal or as HTTP routes.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"sds/internal/storage"
	"sds/internal/swarm"
)

var ErrNoSnapshotTarget = errors.New("no snapshot file or store configured")

// Controller is the part of an engine the operator can reach.
type Controller[H comparable] interface {
	RunID() string
	Iteration() int
	Running() bool
	// Activity is the fraction of active agents over the whole swarm.
	Activity() float64
	Stop()
	Snapshot(top int) swarm.Snapshot[H]
}

type Config[H comparable] struct {
	Controller Controller[H]
	// SnapshotPath receives snapshots written on request.
	SnapshotPath string
	// Store, when set, also keeps every requested snapshot.
	Store storage.Store
	// Top caps the clusters listed and written; zero keeps all.
	Top    int
	Format func(H) string
	Logger *slog.Logger
}

type Status struct {
	RunID     string  `json:"run_id"`
	Iteration int     `json:"iteration"`
	Running   bool    `json:"running"`
	Agents    int     `json:"agents"`
	Clusters  int     `json:"clusters"`
	Activity  float64 `json:"activity"`
}

type SnapshotResult struct {
	Path       string `json:"path,omitempty"`
	ID         string `json:"id,omitempty"`
	Iteration  int    `json:"iteration"`
	AgentCount int    `json:"agent_count"`
	Clusters   int    `json:"clusters"`
}

// Service carries out operator commands. Console and the HTTP handler
// are thin front ends over it.
type Service[H comparable] struct {
	cfg    Config[H]
	logger *slog.Logger
}

func NewService[H comparable](cfg Config[H]) (*Service[H], error) {
	if cfg.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if cfg.Top < 0 {
		return nil, fmt.Errorf("top must be >= 0, got %d", cfg.Top)
	}
	if cfg.Format == nil {
		cfg.Format = func(h H) string { return fmt.Sprint(h) }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service[H]{cfg: cfg, logger: logger.With("run_id", cfg.Controller.RunID())}, nil
}

func (s *Service[H]) Status() Status {
	c := s.cfg.Controller
	snap := c.Snapshot(0)
	return Status{
		RunID:     c.RunID(),
		Iteration: c.Iteration(),
		Running:   c.Running(),
		Agents:    snap.AgentCount,
		Clusters:  len(snap.Clusters),
		Activity:  c.Activity(),
	}
}

// Clusters captures the top clusters; top <= 0 uses the configured cap.
func (s *Service[H]) Clusters(top int) swarm.Snapshot[H] {
	if top <= 0 {
		top = s.cfg.Top
	}
	return s.cfg.Controller.Snapshot(top)
}

// WriteSnapshot writes the current clusters to the snapshot file and the
// store, whichever are configured.
func (s *Service[H]) WriteSnapshot(ctx context.Context) (SnapshotResult, error) {
	if s.cfg.SnapshotPath == "" && s.cfg.Store == nil {
		return SnapshotResult{}, ErrNoSnapshotTarget
	}
	iteration := s.cfg.Controller.Iteration()
	snap := s.cfg.Controller.Snapshot(s.cfg.Top)
	res := SnapshotResult{
		Iteration:  iteration,
		AgentCount: snap.AgentCount,
		Clusters:   len(snap.Clusters),
	}
	if s.cfg.SnapshotPath != "" {
		if err := storage.WriteSnapshotFile(s.cfg.SnapshotPath, snap); err != nil {
			return SnapshotResult{}, err
		}
		res.Path = s.cfg.SnapshotPath
	}
	if s.cfg.Store != nil {
		rec, err := storage.SaveSnapshot(ctx, s.cfg.Store, s.cfg.Controller.RunID(), iteration, snap)
		if err != nil {
			return SnapshotResult{}, err
		}
		res.ID = rec.ID
	}
	s.logger.Info("snapshot written", "path", res.Path, "id", res.ID, "iteration", iteration)
	return res, nil
}

func (s *Service[H]) Stop() {
	s.logger.Info("stop requested", "iteration", s.cfg.Controller.Iteration())
	s.cfg.Controller.Stop()
}
