package stats

import (
	"slices"
	"sync"

	"sds/internal/engine"
	"sds/internal/model"
)

// TraceRecorder collects one IterationRecord per engine report.
type TraceRecorder[H comparable] struct {
	mu      sync.Mutex
	records []model.IterationRecord
}

func NewTraceRecorder[H comparable]() *TraceRecorder[H] {
	return &TraceRecorder[H]{}
}

func (t *TraceRecorder[H]) Reporter() engine.Reporter[H] {
	return t.Record
}

func (t *TraceRecorder[H]) Record(r engine.Report[H]) {
	rec := model.IterationRecord{
		Iteration: r.Iteration,
		Activity:  r.Activity,
		Clusters:  r.Clusters.Len(),
		Live:      r.Live,
	}
	if r.Agents > 0 && r.Clusters.Len() > 0 {
		rec.LargestShare = float64(r.Clusters.Entries()[0].Count) / float64(r.Agents)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, rec)
}

func (t *TraceRecorder[H]) Records() []model.IterationRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.records)
}

func (t *TraceRecorder[H]) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = nil
}
