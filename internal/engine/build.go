package engine

import (
	"fmt"
	"math/rand"
	"time"

	"sds/internal/diffusion"
	"sds/internal/halting"
	"sds/internal/hypothesis"
	"sds/internal/iteration"
	"sds/internal/microtest"
)

// Problem is what a search domain supplies: a hypothesis space and the
// partial evaluations over it. Boolean tests need Microtests; comparative
// tests need Scorers. Noise is only used by noisy diffusion.
type Problem[H comparable] struct {
	Hypotheses hypothesis.Generator[H]
	Microtests []microtest.Microtest[H]
	Scorers    []microtest.Scorer[H]
	Noise      hypothesis.Perturbation[H]
}

// Spec is a declarative run description. String fields use the names
// accepted by the Parse helpers of each package.
type Spec struct {
	Agents        int
	Mode          string
	MaxIterations int
	ReportEvery   int
	Seed          int64

	Diffusion DiffusionSpec
	Test      TestSpec
	Halting   HaltingSpec
}

type DiffusionSpec struct {
	Kind  string
	Polls float64
	Noisy bool

	Quorum     float64
	Memory     int
	MinSamples int
	Decay      float64
}

type TestSpec struct {
	// Kind is boolean, multitest, comparative or scored.
	Kind      string
	Samples   int
	Combine   string
	Aggregate string
}

type HaltingSpec struct {
	// Kind names one predicate: never, fixed, activity, largest-cluster,
	// unique, stable-band, threshold, stable-deviation, weak, strong,
	// elite, deadline, all-terminating, empty or reducing.
	Kind  string
	Every int

	Count     int
	Threshold float64
	Region    float64
	Window    int
	MinStable int
	Target    float64
	Tolerance float64
	Duration  time.Duration
}

// Build turns a spec and a problem into an engine configuration. The
// returned config still lacks the ambient fields (logger, metrics, tracer,
// reporter), which the caller sets before New.
func Build[H comparable](spec Spec, p Problem[H]) (Config[H], error) {
	if p.Hypotheses == nil {
		return Config[H]{}, fmt.Errorf("%w: problem has no hypothesis generator", ErrInvalidConfig)
	}
	if spec.Agents < 0 {
		return Config[H]{}, fmt.Errorf("%w: agents must be >= 0, got %d", ErrInvalidConfig, spec.Agents)
	}
	mode, err := iteration.ParseMode(spec.Mode)
	if err != nil {
		return Config[H]{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	rng := rand.New(rand.NewSource(spec.Seed))

	d, err := buildDiffusion(spec.Diffusion, p)
	if err != nil {
		return Config[H]{}, err
	}
	test, err := buildTest(spec.Test, p)
	if err != nil {
		return Config[H]{}, err
	}
	if d.Kind().Reducing() {
		if test, err = microtest.NewReducing(test); err != nil {
			return Config[H]{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	halt, err := buildHalting[H](spec.Halting, spec.Agents, rng)
	if err != nil {
		return Config[H]{}, err
	}
	every := spec.Halting.Every
	if every == 0 && spec.Halting.Kind != "" && spec.Halting.Kind != "never" {
		every = 1
	}

	return Config[H]{
		Agents:        spec.Agents,
		Hypotheses:    p.Hypotheses,
		Diffusion:     d,
		Test:          test,
		Mode:          mode,
		Halting:       halt,
		HaltingEvery:  every,
		MaxIterations: spec.MaxIterations,
		ReportEvery:   spec.ReportEvery,
		Rand:          rng,
	}, nil
}

func buildDiffusion[H comparable](spec DiffusionSpec, p Problem[H]) (diffusion.Strategy[H], error) {
	kind, err := diffusion.ParseKind(spec.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if kind.Reducing() {
		d, err := diffusion.NewReducing(kind, p.Hypotheses, diffusion.QuorumConfig{
			Quorum:     spec.Quorum,
			Memory:     spec.Memory,
			MinSamples: spec.MinSamples,
			Decay:      spec.Decay,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		return d, nil
	}

	var opts []diffusion.Option[H]
	if spec.Polls > 0 {
		opts = append(opts, diffusion.WithMultiDiffusion[H](spec.Polls))
	}
	if spec.Noisy {
		if p.Noise == nil {
			return nil, fmt.Errorf("%w: noisy diffusion needs a perturbation", ErrInvalidConfig)
		}
		opts = append(opts, diffusion.WithNoise(p.Noise))
	}
	d, err := diffusion.NewStandard(kind, p.Hypotheses, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return d, nil
}

func buildTest[H comparable](spec TestSpec, p Problem[H]) (microtest.Strategy[H], error) {
	samples := spec.Samples
	if samples == 0 {
		samples = 1
	}
	var (
		test microtest.Strategy[H]
		err  error
	)
	switch spec.Kind {
	case "", "boolean":
		if samples == 1 && spec.Combine == "" {
			test, err = microtest.NewBoolean(p.Microtests)
			break
		}
		fallthrough
	case "multitest":
		var combine microtest.Combinator
		if combine, err = microtest.CombinatorByName(spec.Combine); err != nil {
			break
		}
		test, err = microtest.NewMultitest(p.Microtests, samples, combine)
	case "comparative":
		var aggregate microtest.Aggregator
		if aggregate, err = microtest.AggregatorByName(spec.Aggregate); err != nil {
			break
		}
		test, err = microtest.NewComparative(p.Scorers, samples, aggregate)
	case "scored":
		var aggregate microtest.Aggregator
		if aggregate, err = microtest.AggregatorByName(spec.Aggregate); err != nil {
			break
		}
		test, err = microtest.NewScored(p.Scorers, samples, aggregate)
	default:
		err = fmt.Errorf("unknown test kind %q", spec.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return test, nil
}

func buildHalting[H comparable](spec HaltingSpec, agents int, rng *rand.Rand) (halting.Predicate[H], error) {
	var (
		p   halting.Predicate[H]
		err error
	)
	switch spec.Kind {
	case "", "never":
		return halting.Never[H](), nil
	case "fixed":
		p, err = wrap[H](halting.NewFixed[H](spec.Count))
	case "activity":
		p, err = wrap[H](halting.NewActivityAbove[H](spec.Threshold))
	case "largest-cluster":
		p, err = wrap[H](halting.NewLargestClusterAtLeast[H](spec.Threshold))
	case "unique":
		p, err = wrap[H](halting.NewUniqueBelow[H](spec.Count))
	case "stable-band":
		p, err = wrap[H](halting.NewStableBand[H](spec.Threshold, spec.Region, spec.MinStable))
	case "threshold":
		p, err = wrap[H](halting.NewThresholdFor[H](spec.Threshold, spec.MinStable))
	case "stable-deviation":
		p, err = wrap[H](halting.NewStableDeviation[H](spec.Window, spec.Threshold, spec.MinStable))
	case "weak":
		p, err = wrap[H](halting.NewWeak[H](spec.Target, spec.Tolerance, spec.MinStable))
	case "strong":
		p, err = wrap[H](halting.NewStrong[H](agents, spec.Target, spec.Tolerance, spec.MinStable))
	case "elite":
		p, err = wrap[H](halting.NewEliteConsensus[H](rng, agents, spec.Count))
	case "deadline":
		p, err = wrap[H](halting.NewDeadline[H](spec.Duration, nil))
	case "all-terminating":
		p = halting.AllTerminating[H]()
	case "empty":
		p = halting.Empty[H]()
	case "reducing":
		p = halting.Reducing[H]()
	default:
		err = fmt.Errorf("unknown halting kind %q", spec.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return p, nil
}

// wrap widens a concrete predicate constructor result to the interface
// without turning a nil pointer into a non-nil interface.
func wrap[H comparable, P halting.Predicate[H]](p P, err error) (halting.Predicate[H], error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}
