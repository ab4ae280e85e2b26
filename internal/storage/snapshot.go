package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"sds/internal/model"
	"sds/internal/swarm"
)

// WriteSnapshot writes {"agent_count": n, "clusters": [[hyp, count], ...]}.
func WriteSnapshot[H comparable](w io.Writer, snap swarm.Snapshot[H]) error {
	if snap.Clusters == nil {
		snap.Clusters = []swarm.ClusterEntry[H]{}
	}
	return json.NewEncoder(w).Encode(snap)
}

func ReadSnapshot[H comparable](r io.Reader) (swarm.Snapshot[H], error) {
	var snap swarm.Snapshot[H]
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return swarm.Snapshot[H]{}, err
	}
	return snap, nil
}

// WriteSnapshotFile replaces path with the encoded snapshot.
func WriteSnapshotFile[H comparable](path string, snap swarm.Snapshot[H]) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := WriteSnapshot(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write snapshot %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// NewSnapshotRecord encodes a swarm snapshot for a Store.
func NewSnapshotRecord[H comparable](runID string, iteration int, snap swarm.Snapshot[H]) (model.Snapshot, error) {
	clusters := make([]model.Cluster, len(snap.Clusters))
	for i, e := range snap.Clusters {
		raw, err := json.Marshal(e.Hypothesis)
		if err != nil {
			return model.Snapshot{}, fmt.Errorf("encode hypothesis %v: %w", e.Hypothesis, err)
		}
		clusters[i] = model.Cluster{Hypothesis: raw, Count: e.Count}
	}
	return model.Snapshot{
		VersionedRecord: CurrentVersion(),
		ID:              uuid.NewString(),
		RunID:           runID,
		Iteration:       iteration,
		AgentCount:      snap.AgentCount,
		Clusters:        clusters,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// SnapshotFromRecord decodes a stored snapshot back into typed clusters.
func SnapshotFromRecord[H comparable](rec model.Snapshot) (swarm.Snapshot[H], error) {
	entries := make([]swarm.ClusterEntry[H], len(rec.Clusters))
	for i, c := range rec.Clusters {
		if err := json.Unmarshal(c.Hypothesis, &entries[i].Hypothesis); err != nil {
			return swarm.Snapshot[H]{}, fmt.Errorf("decode snapshot %s cluster %d: %w", rec.ID, i, err)
		}
		entries[i].Count = c.Count
	}
	return swarm.Snapshot[H]{AgentCount: rec.AgentCount, Clusters: entries}, nil
}

// SaveSnapshot encodes snap and saves it, returning the stored record.
func SaveSnapshot[H comparable](ctx context.Context, store Store, runID string, iteration int, snap swarm.Snapshot[H]) (model.Snapshot, error) {
	rec, err := NewSnapshotRecord(runID, iteration, snap)
	if err != nil {
		return model.Snapshot{}, err
	}
	if err := store.SaveSnapshot(ctx, rec); err != nil {
		return model.Snapshot{}, fmt.Errorf("save snapshot %s: %w", rec.ID, err)
	}
	return rec, nil
}
