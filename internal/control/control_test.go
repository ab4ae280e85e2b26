package control

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sds/internal/metrics"
	"sds/internal/storage"
	"sds/internal/swarm"
)

type fakeController struct {
	stopped  atomic.Bool
	snap     swarm.Snapshot[string]
	activity float64
}

func (f *fakeController) RunID() string {
	return "run-1"
}

func (f *fakeController) Iteration() int {
	return 12
}

func (f *fakeController) Running() bool {
	return !f.stopped.Load()
}

func (f *fakeController) Activity() float64 {
	return f.activity
}

func (f *fakeController) Stop() {
	f.stopped.Store(true)
}

func (f *fakeController) Snapshot(top int) swarm.Snapshot[string] {
	out := f.snap
	if top > 0 && top < len(out.Clusters) {
		out.Clusters = out.Clusters[:top]
	}
	return out
}

func newFake() *fakeController {
	return &fakeController{
		snap: swarm.Snapshot[string]{
			AgentCount: 6,
			Clusters: []swarm.ClusterEntry[string]{
				{Hypothesis: "hello", Count: 3},
				{Hypothesis: "help", Count: 1},
			},
		},
		activity: 4.0 / 6.0,
	}
}

func newService(t *testing.T, cfg Config[string]) *Service[string] {
	t.Helper()
	svc, err := NewService(cfg)
	require.NoError(t, err)
	return svc
}

func TestNewServiceValidates(t *testing.T) {
	_, err := NewService(Config[string]{})
	require.Error(t, err)
	_, err = NewService(Config[string]{Controller: newFake(), Top: -1})
	require.Error(t, err)
}

func TestServiceStatus(t *testing.T) {
	svc := newService(t, Config[string]{Controller: newFake()})
	st := svc.Status()
	assert.Equal(t, "run-1", st.RunID)
	assert.Equal(t, 12, st.Iteration)
	assert.True(t, st.Running)
	assert.Equal(t, 2, st.Clusters)
	assert.InDelta(t, 4.0/6.0, st.Activity, 1e-9)
}

func TestActivityIgnoresClusterCap(t *testing.T) {
	svc := newService(t, Config[string]{Controller: newFake(), Top: 1})
	assert.InDelta(t, 4.0/6.0, svc.Status().Activity, 1e-9)

	var out bytes.Buffer
	require.NoError(t, NewConsole(svc, strings.NewReader("c\n"), &out).Serve(context.Background()))
	assert.Equal(t, "  12 Activity: 0.667. hello:3\n", out.String())
}

func TestStatusActivityExcludesRemovedAgents(t *testing.T) {
	ctrl := newFake()
	ctrl.snap.Clusters = append(ctrl.snap.Clusters, swarm.ClusterEntry[string]{Hypothesis: "gone", Count: 2})
	ctrl.activity = 0.5
	svc := newService(t, Config[string]{Controller: ctrl})
	st := svc.Status()
	assert.Equal(t, 3, st.Clusters)
	assert.InDelta(t, 0.5, st.Activity, 1e-9)
}

func TestServiceWriteSnapshotToFileAndStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Init(ctx))
	path := filepath.Join(t.TempDir(), "clusters.json")

	svc := newService(t, Config[string]{Controller: newFake(), SnapshotPath: path, Store: store, Top: 1})
	res, err := svc.WriteSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, path, res.Path)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, 1, res.Clusters)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"agent_count":6,"clusters":[["hello",3]]}`, string(data))

	stored, err := store.ListSnapshots(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 12, stored[0].Iteration)
}

func TestServiceWriteSnapshotWithoutTarget(t *testing.T) {
	svc := newService(t, Config[string]{Controller: newFake()})
	_, err := svc.WriteSnapshot(context.Background())
	require.ErrorIs(t, err, ErrNoSnapshotTarget)
}

func TestConsoleCommands(t *testing.T) {
	ctrl := newFake()
	path := filepath.Join(t.TempDir(), "clusters.json")
	svc := newService(t, Config[string]{Controller: ctrl, SnapshotPath: path})

	var out bytes.Buffer
	console := NewConsole(svc, strings.NewReader("hi there\nc\nw\ns\nq\nc\n"), &out)
	require.NoError(t, console.Serve(context.Background()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5, "commands after q are not read")
	assert.Equal(t, "You said: HI THERE", lines[0])
	assert.Equal(t, "  12 Activity: 0.667. hello:3, help:1", lines[1])
	assert.Equal(t, "wrote swarm status to "+path, lines[2])
	assert.Contains(t, lines[3], "iteration 12")
	assert.Equal(t, "'q' received, stopping", lines[4])
	assert.True(t, ctrl.stopped.Load())
	assert.FileExists(t, path)
}

func TestConsoleEndOfInputDoesNotStop(t *testing.T) {
	ctrl := newFake()
	svc := newService(t, Config[string]{Controller: ctrl})
	require.NoError(t, NewConsole(svc, strings.NewReader("s\n"), io.Discard).Serve(context.Background()))
	assert.False(t, ctrl.stopped.Load())
}

func TestConsoleReturnsOnCancel(t *testing.T) {
	svc := newService(t, Config[string]{Controller: newFake()})
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, NewConsole(svc, pr, io.Discard).Serve(ctx))
}

func TestHTTPRoutes(t *testing.T) {
	ctrl := newFake()
	path := filepath.Join(t.TempDir(), "clusters.json")
	svc := newService(t, Config[string]{Controller: ctrl, SnapshotPath: path})

	reg := prometheus.NewRegistry()
	rec, err := metrics.New(metrics.Config{Registry: reg})
	require.NoError(t, err)
	rec.ObserveIteration("synchronous", 0.5, 0.25, 6)

	srv := httptest.NewServer(Handler(svc, reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/clusters?top=1")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"agent_count":6,"clusters":[["hello",3]]}`, string(body))

	resp, err = http.Get(srv.URL + "/clusters?top=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, "run-1", st.RunID)

	resp, err = http.Post(srv.URL+"/snapshot", "application/json", nil)
	require.NoError(t, err)
	var snap SnapshotResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, path, snap.Path)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "sds_swarm_activity_ratio")

	resp, err = http.Post(srv.URL+"/stop", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, ctrl.stopped.Load())
}

func TestHTTPSnapshotWithoutTarget(t *testing.T) {
	svc := newService(t, Config[string]{Controller: newFake()})
	srv := httptest.NewServer(Handler(svc, nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/snapshot", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
