package engine_test

import (
	"bytes"
	"context"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"sds/internal/diffusion"
	"sds/internal/engine"
	"sds/internal/halting"
	"sds/internal/hypothesis"
	"sds/internal/metrics"
	"sds/internal/microtest"
	"sds/internal/problem"
	"sds/internal/swarm"
)

func constant(v int) hypothesis.Generator[int] {
	return hypothesis.Func(func(*rand.Rand) int { return v })
}

func always(result bool) []microtest.Microtest[int] {
	return []microtest.Microtest[int]{func(int) bool { return result }}
}

func TestStringSearchFindsTheModel(t *testing.T) {
	const space = "xxhellxelloxhexhelxoxxxhelloxxx"
	p, err := problem.StringSearch(space, "hello")
	require.NoError(t, err)
	cfg, err := engine.Build(engine.Spec{
		Agents:        1000,
		Mode:          "synchronous",
		MaxIterations: 300,
		Seed:          1,
	}, p)
	require.NoError(t, err)
	e, err := engine.New(cfg)
	require.NoError(t, err)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.ReasonMaxIterations, res.Reason)
	assert.Equal(t, 300, res.Iterations)
	require.True(t, res.Largest.Set)
	assert.Contains(t, problem.Matches(space, "hello"), res.Largest.Hypothesis)
	assert.Greater(t, 2*res.Largest.Count, res.Clusters.Total(), "largest cluster holds a strict majority of active agents")
}

func TestAllFalseMicrotestsLeaveEveryAgentInactive(t *testing.T) {
	gen, err := hypothesis.IntRange(0, 20)
	require.NoError(t, err)
	cfg, err := engine.Build(engine.Spec{Agents: 50, MaxIterations: 25, Seed: 3}, engine.Problem[int]{
		Hypotheses: gen,
		Microtests: always(false),
	})
	require.NoError(t, err)
	e, err := engine.New(cfg)
	require.NoError(t, err)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Clusters.Len())
	assert.Equal(t, 0.0, res.Activity)
	assert.False(t, res.Largest.Set)
}

func TestAlwaysTrueActivatesEveryAgentAfterOneIteration(t *testing.T) {
	gen, err := hypothesis.IntRange(0, 20)
	require.NoError(t, err)
	for _, mode := range []string{"synchronous", "asynchronous"} {
		t.Run(mode, func(t *testing.T) {
			cfg, err := engine.Build(engine.Spec{Agents: 64, Mode: mode, MaxIterations: 1, Seed: 5}, engine.Problem[int]{
				Hypotheses: gen,
				Microtests: always(true),
			})
			require.NoError(t, err)
			e, err := engine.New(cfg)
			require.NoError(t, err)

			res, err := e.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, res.Iterations)
			assert.Equal(t, 1.0, res.Activity)
			assert.Equal(t, 64, res.Clusters.Total())
		})
	}
}

func TestIndependentReducingRemovesOneOfTwoAgents(t *testing.T) {
	d, err := diffusion.NewReducing(diffusion.Independent, constant(7), diffusion.QuorumConfig{})
	require.NoError(t, err)
	inner, err := microtest.NewBoolean(always(true))
	require.NoError(t, err)
	test, err := microtest.NewReducing[int](inner)
	require.NoError(t, err)

	for seed := int64(0); seed < 10; seed++ {
		sw, err := swarm.New[int](2)
		require.NoError(t, err)
		sw.Agent(0).SetHypothesis(7)
		sw.Agent(1).SetHypothesis(7)

		e, err := engine.New(engine.Config[int]{
			Swarm:         sw,
			Hypotheses:    constant(7),
			Diffusion:     d,
			Test:          test,
			Mode:          "asynchronous",
			Halting:       halting.Reducing[int](),
			HaltingEvery:  1,
			MaxIterations: 50,
			Seed:          seed,
		})
		require.NoError(t, err)

		res, err := e.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, engine.ReasonHalted, res.Reason, "seed %d", seed)
		assert.Equal(t, map[int]int{7: 1}, res.Removals, "seed %d", seed)
		assert.Equal(t, 1, sw.Live())
		assert.Equal(t, 2, res.Clusters.Count(7), "removed agents stay in the cluster count")
	}
}

func TestFixedHaltingRunsExactlyKIterations(t *testing.T) {
	gen, err := hypothesis.IntRange(0, 9)
	require.NoError(t, err)
	for _, k := range []int{0, 1, 7} {
		cfg, err := engine.Build(engine.Spec{
			Agents:  10,
			Halting: engine.HaltingSpec{Kind: "fixed", Count: k},
		}, engine.Problem[int]{Hypotheses: gen, Microtests: always(true)})
		require.NoError(t, err)
		e, err := engine.New(cfg)
		require.NoError(t, err)

		res, err := e.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, engine.ReasonHalted, res.Reason)
		assert.Equal(t, k, res.Iterations)
	}
}

func TestHaltingStateDoesNotCarryAcrossRuns(t *testing.T) {
	gen, err := hypothesis.IntRange(0, 9)
	require.NoError(t, err)
	cfg, err := engine.Build(engine.Spec{
		Agents:  10,
		Halting: engine.HaltingSpec{Kind: "fixed", Count: 3},
	}, engine.Problem[int]{Hypotheses: gen, Microtests: always(true)})
	require.NoError(t, err)
	e, err := engine.New(cfg)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := e.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, res.Iterations)
	}
}

func TestCancelledRunReturnsCurrentClusters(t *testing.T) {
	gen, err := hypothesis.IntRange(0, 9)
	require.NoError(t, err)
	var e *engine.Engine[int]
	reporter := func(r engine.Report[int]) {
		if r.Iteration == 4 {
			e.Stop()
		}
	}
	cfg, err := engine.Build(engine.Spec{Agents: 20, Seed: 2}, engine.Problem[int]{Hypotheses: gen, Microtests: always(true)})
	require.NoError(t, err)
	cfg.ReportEvery = 1
	cfg.Reporter = reporter
	e, err = engine.New(cfg)
	require.NoError(t, err)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.ReasonInterrupted, res.Reason)
	assert.Equal(t, 4, res.Iterations)
	assert.Equal(t, 20, res.Clusters.Total())
	assert.False(t, e.Running())
}

func TestStopBeforeRunInterruptsNextRun(t *testing.T) {
	gen, err := hypothesis.IntRange(0, 9)
	require.NoError(t, err)
	cfg, err := engine.Build(engine.Spec{Agents: 10, MaxIterations: 2, Seed: 4}, engine.Problem[int]{Hypotheses: gen, Microtests: always(true)})
	require.NoError(t, err)
	e, err := engine.New(cfg)
	require.NoError(t, err)

	e.Stop()
	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.ReasonInterrupted, res.Reason)
	assert.Equal(t, 0, res.Iterations)

	res, err = e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.ReasonMaxIterations, res.Reason, "a consumed stop does not linger")
}

func TestRunRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	gen, err := hypothesis.IntRange(0, 9)
	require.NoError(t, err)
	cfg, err := engine.Build(engine.Spec{Agents: 10, MaxIterations: 3, Seed: 4}, engine.Problem[int]{Hypotheses: gen, Microtests: always(true)})
	require.NoError(t, err)
	cfg.RunID = "traced"
	cfg.Tracer = tp.Tracer("engine-test")
	e, err := engine.New(cfg)
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.NoError(t, err)

	var run sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		if span.Name() == "Engine.Run" {
			run = span
		}
	}
	require.NotNil(t, run)
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range run.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "traced", attrs["sds.run_id"].AsString())
	assert.Equal(t, string(engine.ReasonMaxIterations), attrs["sds.reason"].AsString())
	assert.Equal(t, int64(3), attrs["sds.iterations"].AsInt64())
}

func TestReportCadenceAndMetrics(t *testing.T) {
	gen, err := hypothesis.IntRange(0, 9)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	rec, err := metrics.New(metrics.Config{Registry: reg})
	require.NoError(t, err)

	var seen []int
	var out bytes.Buffer
	cfg, err := engine.Build(engine.Spec{Agents: 10, MaxIterations: 5, Seed: 4}, engine.Problem[int]{Hypotheses: gen, Microtests: always(true)})
	require.NoError(t, err)
	cfg.ReportEvery = 2
	cfg.Reporter = engine.Chain[int](
		func(r engine.Report[int]) { seen = append(seen, r.Iteration) },
		engine.WriterReporter[int](&out, 3, nil),
	)
	cfg.Metrics = rec
	e, err := engine.New(cfg)
	require.NoError(t, err)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, seen)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "   2 Activity: 1.000. "))

	count, err := testutil.GatherAndCount(reg, "sds_swarm_iterations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, res.RunID, e.RunID())
	assert.NotEmpty(t, res.RunID)
}

func TestParallelRunHaltsOnActivity(t *testing.T) {
	gen, err := hypothesis.IntRange(0, 9)
	require.NoError(t, err)
	cfg, err := engine.Build(engine.Spec{
		Agents:  30,
		Mode:    "parallel",
		Halting: engine.HaltingSpec{Kind: "activity", Threshold: 0.9},
	}, engine.Problem[int]{Hypotheses: gen, Microtests: always(true)})
	require.NoError(t, err)
	cfg.ParallelUnit = time.Microsecond
	cfg.ParallelTick = time.Millisecond
	e, err := engine.New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.ReasonHalted, res.Reason)
	assert.Greater(t, res.Activity, 0.9)
}

func TestBuildScoredTest(t *testing.T) {
	gen, err := hypothesis.IntRange(0, 9)
	require.NoError(t, err)
	p := engine.Problem[int]{Hypotheses: gen, Scorers: []microtest.Scorer[int]{func(h int) float64 { return float64(h % 2) }}}
	cfg, err := engine.Build(engine.Spec{Agents: 10, Test: engine.TestSpec{Kind: "scored", Samples: 2}}, p)
	require.NoError(t, err)
	assert.Equal(t, "scored(k=2,max)", cfg.Test.Name())
}

func TestConfigErrorsFailBeforeAnyIteration(t *testing.T) {
	gen, err := hypothesis.IntRange(0, 9)
	require.NoError(t, err)
	p := engine.Problem[int]{Hypotheses: gen, Microtests: always(true)}

	_, err = engine.Build(engine.Spec{Agents: 10, Mode: "sideways"}, p)
	require.ErrorIs(t, err, engine.ErrInvalidConfig)
	_, err = engine.Build(engine.Spec{Agents: 10, Diffusion: engine.DiffusionSpec{Kind: "osmosis"}}, p)
	require.ErrorIs(t, err, engine.ErrInvalidConfig)
	_, err = engine.Build(engine.Spec{Agents: 10, Halting: engine.HaltingSpec{Kind: "weak", Target: 0.9, Tolerance: 0.2}}, p)
	require.ErrorIs(t, err, halting.ErrInvalidConfig)
	_, err = engine.Build(engine.Spec{Agents: 10}, engine.Problem[int]{Hypotheses: gen})
	require.ErrorIs(t, err, microtest.ErrNoMicrotests)
	cfg, err := engine.Build(engine.Spec{Agents: 10, Mode: "parallel", Diffusion: engine.DiffusionSpec{Kind: "active"}}, p)
	require.NoError(t, err)
	_, err = engine.New(cfg)
	require.ErrorIs(t, err, engine.ErrInvalidConfig)
}

func TestFormatReport(t *testing.T) {
	sw, err := swarm.FromClusters(10, []swarm.ClusterEntry[string]{{Hypothesis: "hello", Count: 3}, {Hypothesis: "help", Count: 2}})
	require.NoError(t, err)
	line := engine.FormatReport(3, sw.Len(), sw.Clusters(), 0, nil)
	assert.Equal(t, "   3 Activity: 0.500. hello:3, help:2", line)

	top := engine.FormatReport(12, sw.Len(), sw.Clusters(), 1, strings.ToUpper)
	assert.Equal(t, "  12 Activity: 0.500. HELLO:3", top)

	capped := engine.FormatActivity(12, sw.Activity(), sw.Clusters().Top(1), nil)
	assert.Equal(t, "  12 Activity: 0.500. hello:3", capped)
}

func TestEngineActivityCoversWholeSwarm(t *testing.T) {
	gen, err := hypothesis.IntRange(0, 9)
	require.NoError(t, err)
	cfg, err := engine.Build(engine.Spec{Agents: 10, MaxIterations: 2, Seed: 4}, engine.Problem[int]{Hypotheses: gen, Microtests: always(true)})
	require.NoError(t, err)
	e, err := engine.New(cfg)
	require.NoError(t, err)
	assert.Equal(t, 0.0, e.Activity())

	_, err = e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, e.Swarm().Activity(), e.Activity())
	assert.Equal(t, 1.0, e.Activity())
}
