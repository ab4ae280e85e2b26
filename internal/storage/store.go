package storage

import (
	"context"

	"sds/internal/model"
)

// Store persists run outputs: cluster snapshots, run summaries and
// per-iteration traces.
type Store interface {
	Init(ctx context.Context) error
	SaveSnapshot(ctx context.Context, snapshot model.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (model.Snapshot, bool, error)
	// ListSnapshots returns snapshots oldest first. An empty runID lists all.
	ListSnapshots(ctx context.Context, runID string) ([]model.Snapshot, error)
	SaveRunSummary(ctx context.Context, summary model.RunSummary) error
	GetRunSummary(ctx context.Context, runID string) (model.RunSummary, bool, error)
	ListRunSummaries(ctx context.Context) ([]model.RunSummary, error)
	SaveTrace(ctx context.Context, runID string, trace []model.IterationRecord) error
	GetTrace(ctx context.Context, runID string) ([]model.IterationRecord, bool, error)
}
