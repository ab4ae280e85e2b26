package sds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"sds/internal/config"
	"sds/internal/control"
	"sds/internal/engine"
	"sds/internal/metrics"
	"sds/internal/model"
	"sds/internal/problem"
	"sds/internal/stats"
	"sds/internal/storage"
	"sds/internal/swarm"
)

const (
	defaultArtifactsDir = "runs"
	defaultExportsDir   = "exports"
	defaultDBPath       = "sds.db"
)

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
	Logger       *slog.Logger
	// Registry receives the run metrics. When nil the client keeps a
	// private registry.
	Registry prometheus.Registerer
}

type Client struct {
	store    storage.Store
	logger   *slog.Logger
	metrics  *metrics.Recorder
	gatherer prometheus.Gatherer

	artifactsDir string
	exportsDir   string
}

type RunRequest struct {
	Config config.RunConfig
	RunID  string
	// Progress receives one report line every Config.Search.ReportEvery
	// iterations.
	Progress io.Writer

	// Console, when set, is read for operator commands while the search
	// runs; replies go to ConsoleOut.
	Console    io.Reader
	ConsoleOut io.Writer
	// HTTPAddr, when set, serves the control routes for the run's
	// duration.
	HTTPAddr string
}

type RunSummary struct {
	model.RunSummary
	ArtifactsDir string
	SnapshotPath string
	SnapshotID   string
	// Top lists the largest clusters as hyp:count.
	Top   []string
	Trace []model.IterationRecord
}

type NoiseRequest struct {
	Config     config.RunConfig
	Agents     int
	Iterations int
}

type BenchmarkRequest struct {
	Config config.RunConfig
	ID     string
	Runs   int
}

type BenchmarkSummary struct {
	ID     string
	Path   string
	Report stats.BenchmarkReport
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		reg      = opts.Registry
		gatherer prometheus.Gatherer
	)
	if reg == nil {
		private := prometheus.NewRegistry()
		reg, gatherer = private, private
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	rec, err := metrics.New(metrics.Config{Registry: reg})
	if err != nil {
		return nil, err
	}

	store, err := storage.NewStore(opts.StoreKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:        store,
		logger:       logger,
		metrics:      rec,
		gatherer:     gatherer,
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
	}, nil
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// Gatherer exposes the client's metrics, or nil when the caller's
// registry cannot be gathered.
func (c *Client) Gatherer() prometheus.Gatherer {
	return c.gatherer
}

// Run executes one configured search, then stores its snapshot, summary
// and trace and writes its artifacts.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	cfg := req.Config
	if err := cfg.Validate(); err != nil {
		return RunSummary{}, err
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	switch cfg.Problem.Kind {
	case config.ProblemString:
		p, err := problem.StringSearch(cfg.Problem.Space, cfg.Problem.Model)
		if err != nil {
			return RunSummary{}, err
		}
		return runProblem(ctx, c, req, p, nil, strconv.Itoa)
	case config.ProblemSimulate:
		p, err := problem.Simulated(cfg.Problem.Scores, cfg.Search.Seed)
		if err != nil {
			return RunSummary{}, err
		}
		sw, err := problem.SimulatedSwarm(cfg.Search.Agents)
		if err != nil {
			return RunSummary{}, err
		}
		return runProblem(ctx, c, req, p, sw, strconv.Itoa)
	case config.ProblemPeak:
		pc := cfg.Problem
		p, err := problem.Peak(pc.Lo, pc.Hi, pc.Center, pc.Width, pc.Sigma)
		if err != nil {
			return RunSummary{}, err
		}
		return runProblem(ctx, c, req, p, nil, formatFloat)
	default:
		return RunSummary{}, fmt.Errorf("%w: unknown problem %q", config.ErrInvalidConfig, cfg.Problem.Kind)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func runProblem[H comparable](ctx context.Context, c *Client, req RunRequest, p engine.Problem[H], sw *swarm.Swarm[H], format func(H) string) (RunSummary, error) {
	cfg := req.Config
	ecfg, err := engine.Build(cfg.Spec(), p)
	if err != nil {
		return RunSummary{}, err
	}
	trace := stats.NewTraceRecorder[H]()
	reporters := []engine.Reporter[H]{trace.Reporter()}
	if req.Progress != nil {
		reporters = append(reporters, engine.WriterReporter(req.Progress, cfg.Search.MaxClusterReport, format))
	}
	ecfg.Swarm = sw
	ecfg.RunID = req.RunID
	ecfg.Reporter = engine.Chain(reporters...)
	ecfg.Logger = c.logger
	ecfg.Metrics = c.metrics
	ecfg.ParallelUnit = cfg.Search.ParallelUnit
	ecfg.ParallelTick = cfg.Search.ParallelTick

	e, err := engine.New(ecfg)
	if err != nil {
		return RunSummary{}, err
	}

	started := time.Now()
	res, err := serve(ctx, c, req, e, format)
	if err != nil {
		return RunSummary{}, err
	}

	record := cfg.RunRecord(res.RunID)
	summary := RunSummary{
		RunSummary: stats.NewRunSummary(record, res, e.Swarm().Len(), started),
		Trace:      trace.Records(),
	}
	for _, entry := range res.Clusters.Top(cfg.Output.Top) {
		summary.Top = append(summary.Top, format(entry.Hypothesis)+":"+strconv.Itoa(entry.Count))
	}

	snap := e.Snapshot(cfg.Output.Top)
	if cfg.Output.Snapshot != "" {
		if err := storage.WriteSnapshotFile(cfg.Output.Snapshot, snap); err != nil {
			return RunSummary{}, err
		}
		summary.SnapshotPath = cfg.Output.Snapshot
	}
	stored, err := storage.SaveSnapshot(ctx, c.store, res.RunID, res.Iterations, snap)
	if err != nil {
		return RunSummary{}, err
	}
	summary.SnapshotID = stored.ID
	if err := c.store.SaveRunSummary(ctx, summary.RunSummary); err != nil {
		return RunSummary{}, fmt.Errorf("save run summary %s: %w", res.RunID, err)
	}
	if err := c.store.SaveTrace(ctx, res.RunID, summary.Trace); err != nil {
		return RunSummary{}, fmt.Errorf("save trace %s: %w", res.RunID, err)
	}

	baseDir := c.artifactsDir
	if cfg.Output.Dir != "" {
		baseDir = cfg.Output.Dir
	}
	runDir, err := stats.WriteRunArtifacts(baseDir, stats.RunArtifacts[H]{
		Config:   record,
		Summary:  summary.RunSummary,
		Trace:    summary.Trace,
		Snapshot: snap,
	})
	if err != nil {
		return RunSummary{}, err
	}
	if err := stats.AppendRunIndex(baseDir, stats.IndexEntry(record, summary.RunSummary)); err != nil {
		return RunSummary{}, err
	}
	summary.ArtifactsDir = runDir
	return summary, nil
}

// serve runs the engine alongside any requested control surfaces. They
// are shut down when the run returns.
func serve[H comparable](ctx context.Context, c *Client, req RunRequest, e *engine.Engine[H], format func(H) string) (engine.Result[H], error) {
	if req.Console == nil && req.HTTPAddr == "" {
		return e.Run(ctx)
	}

	svc, err := control.NewService(control.Config[H]{
		Controller:   e,
		SnapshotPath: req.Config.Output.Snapshot,
		Store:        c.store,
		Top:          req.Config.Output.Top,
		Format:       format,
		Logger:       c.logger,
	})
	if err != nil {
		return engine.Result[H]{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	var res engine.Result[H]
	g.Go(func() error {
		defer cancel()
		var err error
		res, err = e.Run(gctx)
		return err
	})

	if req.Console != nil {
		out := req.ConsoleOut
		if out == nil {
			out = io.Discard
		}
		console := control.NewConsole(svc, req.Console, out)
		g.Go(func() error {
			return console.Serve(gctx)
		})
	}

	if req.HTTPAddr != "" {
		srv := &http.Server{
			Addr:              req.HTTPAddr,
			Handler:           control.Handler(svc, c.gatherer),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			c.logger.Info("control server listening", "addr", req.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("control server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return engine.Result[H]{}, err
	}
	return res, nil
}

// Noise estimates the background activity of the configured test
// strategy.
func (c *Client) Noise(ctx context.Context, req NoiseRequest) (float64, error) {
	cfg := req.Config
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	spec := cfg.Spec()
	spec.Diffusion = engine.DiffusionSpec{Kind: "passive"}
	rng := rand.New(rand.NewSource(cfg.Search.Seed))

	switch cfg.Problem.Kind {
	case config.ProblemString:
		p, err := problem.StringSearch(cfg.Problem.Space, cfg.Problem.Model)
		if err != nil {
			return 0, err
		}
		return estimateNoise(ctx, spec, p, req, rng)
	case config.ProblemSimulate:
		p, err := problem.Simulated(cfg.Problem.Scores, cfg.Search.Seed)
		if err != nil {
			return 0, err
		}
		return estimateNoise(ctx, spec, p, req, rng)
	case config.ProblemPeak:
		pc := cfg.Problem
		p, err := problem.Peak(pc.Lo, pc.Hi, pc.Center, pc.Width, pc.Sigma)
		if err != nil {
			return 0, err
		}
		return estimateNoise(ctx, spec, p, req, rng)
	default:
		return 0, fmt.Errorf("%w: unknown problem %q", config.ErrInvalidConfig, cfg.Problem.Kind)
	}
}

func estimateNoise[H comparable](ctx context.Context, spec engine.Spec, p engine.Problem[H], req NoiseRequest, rng *rand.Rand) (float64, error) {
	ecfg, err := engine.Build(spec, p)
	if err != nil {
		return 0, err
	}
	return stats.EstimateNoise(ctx, ecfg.Test, p.Hypotheses, req.Agents, req.Iterations, rng)
}

// Benchmark repeats the configured run with consecutive seeds and writes
// an aggregate report.
func (c *Client) Benchmark(ctx context.Context, req BenchmarkRequest) (BenchmarkSummary, error) {
	if req.Runs <= 0 {
		return BenchmarkSummary{}, errors.New("benchmark needs at least one run")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	baseDir := c.artifactsDir
	if req.Config.Output.Dir != "" {
		baseDir = req.Config.Output.Dir
	}

	runs := make([]stats.BenchmarkRun, 0, req.Runs)
	traces := make([][]model.IterationRecord, 0, req.Runs)
	for i := range req.Runs {
		cfg := req.Config
		cfg.Search.Seed = req.Config.Search.Seed + int64(i)
		cfg.Output.Snapshot = ""
		summary, err := c.Run(ctx, RunRequest{Config: cfg, RunID: fmt.Sprintf("%s-%d", req.ID, i)})
		if err != nil {
			return BenchmarkSummary{}, fmt.Errorf("benchmark run %d: %w", i, err)
		}
		runs = append(runs, stats.BenchmarkRunFromSummary(cfg.Search.Seed, summary.RunSummary))
		traces = append(traces, summary.Trace)
	}

	report := stats.BenchmarkReport{
		ID:          req.ID,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Config:      req.Config.RunRecord(req.ID),
		Stats:       stats.BuildBenchmarkStats(runs),
		Activity:    stats.AverageActivity(traces),
	}
	path, err := stats.WriteBenchmarkReport(baseDir, report)
	if err != nil {
		return BenchmarkSummary{}, err
	}
	return BenchmarkSummary{ID: req.ID, Path: path, Report: report}, nil
}

// Runs lists indexed runs newest first, at most limit of them.
func (c *Client) Runs(_ context.Context, limit int) ([]stats.RunIndexEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID := req.RunID
	if req.Latest {
		entries, err := stats.ListRunIndex(c.artifactsDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, errors.New("no runs available to export")
		}
		runID = entries[0].RunID
	}

	exportedDir, err := stats.ExportRunArtifacts(c.artifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// Snapshots lists stored snapshots oldest first; an empty runID lists all.
func (c *Client) Snapshots(ctx context.Context, runID string) ([]model.Snapshot, error) {
	return c.store.ListSnapshots(ctx, runID)
}

func (c *Client) RunSummary(ctx context.Context, runID string) (model.RunSummary, bool, error) {
	return c.store.GetRunSummary(ctx, runID)
}
