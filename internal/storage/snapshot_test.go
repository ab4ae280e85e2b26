package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"sds/internal/swarm"
)

func TestWriteSnapshotFormat(t *testing.T) {
	var buf bytes.Buffer
	snap := swarm.Snapshot[int]{AgentCount: 4, Clusters: []swarm.ClusterEntry[int]{{Hypothesis: 12, Count: 3}}}
	if err := WriteSnapshot(&buf, snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got, want := buf.String(), "{\"agent_count\":4,\"clusters\":[[12,3]]}\n"; got != want {
		t.Fatalf("unexpected encoding: got %q want %q", got, want)
	}

	buf.Reset()
	if err := WriteSnapshot(&buf, swarm.Snapshot[int]{AgentCount: 4}); err != nil {
		t.Fatalf("write empty: %v", err)
	}
	if got, want := buf.String(), "{\"agent_count\":4,\"clusters\":[]}\n"; got != want {
		t.Fatalf("unexpected empty encoding: got %q want %q", got, want)
	}
}

func TestWriteSnapshotFileCreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "clusters.json")
	snap := swarm.Snapshot[string]{AgentCount: 2, Clusters: []swarm.ClusterEntry[string]{{Hypothesis: "a", Count: 2}}}
	if err := WriteSnapshotFile(path, snap); err != nil {
		t.Fatalf("write file: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	got, err := ReadSnapshot[string](f)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.AgentCount != 2 || got.Clusters[0].Hypothesis != "a" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestSaveSnapshotStoresTypedClusters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	snap := swarm.Snapshot[float64]{AgentCount: 5, Clusters: []swarm.ClusterEntry[float64]{{Hypothesis: 0.25, Count: 4}}}
	rec, err := SaveSnapshot(ctx, store, "run-9", 40, snap)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if rec.ID == "" || rec.SchemaVersion != CurrentSchemaVersion {
		t.Fatalf("unexpected record: %+v", rec)
	}

	loaded, ok, err := store.GetSnapshot(ctx, rec.ID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%t err=%v", ok, err)
	}
	typed, err := SnapshotFromRecord[float64](loaded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if typed.Clusters[0].Hypothesis != 0.25 || typed.Clusters[0].Count != 4 {
		t.Fatalf("unexpected clusters: %+v", typed.Clusters)
	}

	if _, err := SnapshotFromRecord[int](loaded); err == nil {
		t.Fatal("expected error decoding a float hypothesis as int")
	}
}
