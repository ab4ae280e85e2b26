package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sds/internal/diffusion"
	"sds/internal/halting"
	"sds/internal/hypothesis"
	"sds/internal/iteration"
	"sds/internal/metrics"
	"sds/internal/microtest"
	"sds/internal/swarm"
)

var (
	ErrInvalidConfig = errors.New("invalid engine configuration")
	ErrRunning       = errors.New("engine is already running")
)

type Reason string

const (
	ReasonHalted        Reason = "halted"
	ReasonMaxIterations Reason = "max_iterations"
	ReasonInterrupted   Reason = "interrupted"
)

type Config[H comparable] struct {
	// Swarm is used as given. When nil a fresh swarm of Agents agents is
	// created.
	Swarm  *swarm.Swarm[H]
	Agents int

	Hypotheses hypothesis.Generator[H]
	Diffusion  diffusion.Strategy[H]
	Test       microtest.Strategy[H]

	// Mode selects a scheduler; Scheduler overrides it.
	Mode      iteration.Mode
	Scheduler iteration.Scheduler

	// Halting is consulted before every HaltingEvery-th iteration. Zero
	// HaltingEvery never consults it.
	Halting      halting.Predicate[H]
	HaltingEvery int
	// MaxIterations caps the run; zero means no cap.
	MaxIterations int

	ReportEvery int
	Reporter    Reporter[H]

	// Rand overrides Seed.
	Seed int64
	Rand *rand.Rand

	RunID   string
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Tracer  trace.Tracer

	ParallelUnit time.Duration
	ParallelTick time.Duration
}

type Result[H comparable] struct {
	RunID      string
	Iterations int
	Reason     Reason
	Clusters   swarm.ClusterTable[H]
	Activity   float64
	Largest    swarm.Cluster[H]
	Removals   map[H]int
	Elapsed    time.Duration
}

// Engine drives one swarm. With a sequential scheduler Run may be called
// again after it returns; the halting predicate is refreshed each time and
// the swarm carries over. A parallel scheduler does not restart after Stop.
type Engine[H comparable] struct {
	cfg    Config[H]
	sw     *swarm.Swarm[H]
	sched  iteration.Scheduler
	logger *slog.Logger
	tracer trace.Tracer
	mode   string

	iteration atomic.Int64
	running   atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	pending bool
}

func New[H comparable](cfg Config[H]) (*Engine[H], error) {
	if cfg.Hypotheses == nil {
		return nil, fmt.Errorf("%w: hypothesis generator is required", ErrInvalidConfig)
	}
	if cfg.Diffusion == nil {
		return nil, fmt.Errorf("%w: diffusion strategy is required", ErrInvalidConfig)
	}
	if cfg.Test == nil {
		return nil, fmt.Errorf("%w: test strategy is required", ErrInvalidConfig)
	}
	if cfg.HaltingEvery < 0 {
		return nil, fmt.Errorf("%w: halting interval must be >= 0", ErrInvalidConfig)
	}
	if cfg.MaxIterations < 0 {
		return nil, fmt.Errorf("%w: max iterations must be >= 0", ErrInvalidConfig)
	}
	if cfg.ReportEvery < 0 {
		return nil, fmt.Errorf("%w: report interval must be >= 0", ErrInvalidConfig)
	}
	if cfg.Swarm == nil {
		sw, err := swarm.New[H](cfg.Agents)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		cfg.Swarm = sw
	}
	if cfg.Halting == nil {
		cfg.Halting = halting.Never[H]()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(cfg.Seed))
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("sds/engine")
	}

	sched := cfg.Scheduler
	if sched == nil {
		var err error
		sched, err = newScheduler(cfg)
		if err != nil {
			return nil, err
		}
	}

	return &Engine[H]{
		cfg:    cfg,
		sw:     cfg.Swarm,
		sched:  sched,
		logger: cfg.Logger.With("run_id", cfg.RunID),
		tracer: cfg.Tracer,
		mode:   sched.Name(),
	}, nil
}

func newScheduler[H comparable](cfg Config[H]) (iteration.Scheduler, error) {
	icfg := iteration.Config[H]{
		Swarm:      cfg.Swarm,
		Hypotheses: cfg.Hypotheses,
		Diffusion:  cfg.Diffusion,
		Test:       cfg.Test,
		Rand:       cfg.Rand,
	}
	mode := cfg.Mode
	if mode == "" {
		mode = iteration.ModeSynchronous
	}
	var (
		sched iteration.Scheduler
		err   error
	)
	switch mode {
	case iteration.ModeSynchronous:
		sched, err = iteration.NewSynchronous(icfg)
	case iteration.ModeAsynchronous:
		sched, err = iteration.NewAsynchronous(icfg)
	case iteration.ModeParallel:
		sched, err = iteration.NewParallel(icfg, cfg.ParallelUnit, cfg.ParallelTick)
	default:
		return nil, fmt.Errorf("%w: unknown iteration mode %q", ErrInvalidConfig, mode)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return sched, nil
}

func (e *Engine[H]) RunID() string {
	return e.cfg.RunID
}

func (e *Engine[H]) Swarm() *swarm.Swarm[H] {
	return e.sw
}

// Iteration is the number of iterations completed by the current or last
// run.
// Activity is the live fraction of active agents.
func (e *Engine[H]) Activity() float64 {
	return e.sw.Activity()
}

func (e *Engine[H]) Iteration() int {
	return int(e.iteration.Load())
}

func (e *Engine[H]) Running() bool {
	return e.running.Load()
}

func (e *Engine[H]) Clusters() swarm.ClusterTable[H] {
	return e.sw.Clusters()
}

// Snapshot captures the swarm's top clusters; top <= 0 keeps all.
func (e *Engine[H]) Snapshot(top int) swarm.Snapshot[H] {
	return e.sw.Capture(top)
}

// Stop interrupts a running Run. It does not wait for the run to return.
// A Stop issued while no run is active interrupts the next one.
func (e *Engine[H]) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
		return
	}
	e.pending = true
}

// Run iterates until the halting predicate fires, the iteration cap is
// reached, or ctx is cancelled. Cancellation is not an error: the result
// carries the clusters reached so far with ReasonInterrupted.
func (e *Engine[H]) Run(ctx context.Context) (Result[H], error) {
	if !e.running.CompareAndSwap(false, true) {
		return Result[H]{}, ErrRunning
	}
	defer e.running.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	if e.pending {
		e.pending = false
		cancel()
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
		cancel()
	}()

	runCtx, span := e.tracer.Start(runCtx, "Engine.Run",
		trace.WithAttributes(
			attribute.String("sds.run_id", e.cfg.RunID),
			attribute.String("sds.mode", e.mode),
			attribute.String("sds.diffusion", e.cfg.Diffusion.Name()),
			attribute.String("sds.test", e.cfg.Test.Name()),
			attribute.Int("sds.agents", e.sw.Len()),
		),
	)
	defer span.End()

	halt := e.cfg.Halting.Fresh()
	e.iteration.Store(0)
	started := time.Now()
	e.logger.Info("run started",
		"mode", e.mode,
		"agents", e.sw.Len(),
		"diffusion", e.cfg.Diffusion.Name(),
		"test", e.cfg.Test.Name(),
		"halting", halt.Name(),
		"max_iterations", e.cfg.MaxIterations,
	)

	reason, err := e.loop(runCtx, halt, span)
	e.sched.Stop()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("run failed", "iteration", e.Iteration(), "error", err)
		return Result[H]{}, fmt.Errorf("run %s: %w", e.cfg.RunID, err)
	}

	res := e.result(reason, time.Since(started))
	span.SetAttributes(
		attribute.String("sds.reason", string(reason)),
		attribute.Int("sds.iterations", res.Iterations),
		attribute.Float64("sds.activity", res.Activity),
	)
	e.cfg.Metrics.ObserveRun(e.mode, string(reason), res.Elapsed)
	e.logger.Info("run finished",
		"reason", reason,
		"iterations", res.Iterations,
		"activity", res.Activity,
		"clusters", res.Clusters.Len(),
		"elapsed", res.Elapsed,
	)
	return res, nil
}

func (e *Engine[H]) loop(ctx context.Context, halt halting.Predicate[H], span trace.Span) (Reason, error) {
	every, limit := e.cfg.HaltingEvery, e.cfg.MaxIterations
	removed := len(e.sw.Removals())
	for i := 0; ; i++ {
		if ctx.Err() != nil {
			return ReasonInterrupted, nil
		}
		if every > 0 && i%every == 0 && halt.Evaluate(e.sw) {
			return ReasonHalted, nil
		}
		if limit > 0 && i >= limit {
			return ReasonMaxIterations, nil
		}

		if err := e.sched.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return ReasonInterrupted, nil
			}
			return "", err
		}
		done := i + 1
		e.iteration.Store(int64(done))

		largest := e.sw.LargestCluster()
		activity := e.sw.Activity()
		e.cfg.Metrics.ObserveIteration(e.mode, activity, largest.Share, e.sw.Live())
		if now := len(e.sw.Removals()); now > removed {
			e.cfg.Metrics.ObserveRemovals(e.mode, now-removed)
			removed = now
		}

		if e.cfg.ReportEvery > 0 && done%e.cfg.ReportEvery == 0 {
			report := Report[H]{
				RunID:     e.cfg.RunID,
				Iteration: done,
				Agents:    e.sw.Len(),
				Live:      e.sw.Live(),
				Activity:  activity,
				Clusters:  e.sw.Clusters(),
			}
			span.AddEvent("report", trace.WithAttributes(
				attribute.Int("sds.iteration", done),
				attribute.Float64("sds.activity", activity),
			))
			if e.cfg.Reporter != nil {
				e.cfg.Reporter(report)
			}
		}
	}
}

func (e *Engine[H]) result(reason Reason, elapsed time.Duration) Result[H] {
	return Result[H]{
		RunID:      e.cfg.RunID,
		Iterations: e.Iteration(),
		Reason:     reason,
		Clusters:   e.sw.Clusters(),
		Activity:   e.sw.Activity(),
		Largest:    e.sw.LargestCluster(),
		Removals:   e.sw.RemovalTally(),
		Elapsed:    elapsed,
	}
}
