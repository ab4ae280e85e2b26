package storage

import (
	"context"
	"errors"
	"slices"
	"sync"

	"sds/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	snapshots   map[string]model.Snapshot
	order       []string
	summaries   map[string]model.RunSummary
	runOrder    []string
	traces      map[string][]model.IterationRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.snapshots = make(map[string]model.Snapshot)
	s.order = nil
	s.summaries = make(map[string]model.RunSummary)
	s.runOrder = nil
	s.traces = make(map[string][]model.IterationRecord)
	return nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snapshot model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	if snapshot.ID == "" {
		return errors.New("snapshot id is required")
	}
	if _, ok := s.snapshots[snapshot.ID]; !ok {
		s.order = append(s.order, snapshot.ID)
	}
	snapshot.Clusters = slices.Clone(snapshot.Clusters)
	s.snapshots[snapshot.ID] = snapshot
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, id string) (model.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.snapshots[id]
	return snapshot, ok, nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, runID string) ([]model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Snapshot, 0, len(s.order))
	for _, id := range s.order {
		snapshot := s.snapshots[id]
		if runID != "" && snapshot.RunID != runID {
			continue
		}
		out = append(out, snapshot)
	}
	return out, nil
}

func (s *MemoryStore) SaveRunSummary(_ context.Context, summary model.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	if _, ok := s.summaries[summary.RunID]; !ok {
		s.runOrder = append(s.runOrder, summary.RunID)
	}
	s.summaries[summary.RunID] = summary
	return nil
}

func (s *MemoryStore) GetRunSummary(_ context.Context, runID string) (model.RunSummary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, ok := s.summaries[runID]
	return summary, ok, nil
}

func (s *MemoryStore) ListRunSummaries(_ context.Context) ([]model.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RunSummary, 0, len(s.runOrder))
	for _, id := range s.runOrder {
		out = append(out, s.summaries[id])
	}
	return out, nil
}

func (s *MemoryStore) SaveTrace(_ context.Context, runID string, trace []model.IterationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.traces[runID] = slices.Clone(trace)
	return nil
}

func (s *MemoryStore) GetTrace(_ context.Context, runID string) ([]model.IterationRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trace, ok := s.traces[runID]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(trace), true, nil
}
