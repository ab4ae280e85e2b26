// Package problem holds ready-made search domains for the engine.
package problem

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"sds/internal/engine"
	"sds/internal/hypothesis"
	"sds/internal/microtest"
	"sds/internal/swarm"
)

var ErrInvalidProblem = errors.New("invalid problem definition")

// StringSearch looks for model inside space. A hypothesis is a start offset
// into space; microtest k checks the k-th character of model.
func StringSearch(space, model string) (engine.Problem[int], error) {
	if model == "" {
		return engine.Problem[int]{}, fmt.Errorf("%w: empty model", ErrInvalidProblem)
	}
	if space == "" {
		return engine.Problem[int]{}, fmt.Errorf("%w: empty search space", ErrInvalidProblem)
	}
	gen, err := hypothesis.IntRange(0, len(space)-1)
	if err != nil {
		return engine.Problem[int]{}, fmt.Errorf("%w: %w", ErrInvalidProblem, err)
	}
	tests := make([]microtest.Microtest[int], len(model))
	for offset := range tests {
		tests[offset] = func(h int) bool {
			i := h + offset
			return i < len(space) && space[i] == model[offset]
		}
	}
	return engine.Problem[int]{Hypotheses: gen, Microtests: tests}, nil
}

// Matches lists every offset at which model occurs in space.
func Matches(space, model string) []int {
	var out []int
	for i := 0; i+len(model) <= len(space); i++ {
		if space[i:i+len(model)] == model {
			out = append(out, i)
		}
	}
	return out
}

// Simulated is a synthetic domain in which hypothesis h passes its single
// microtest with probability scores[h]. New agents draw from 1..len-1;
// hypothesis 0 is reserved for the seeded agent of SimulatedSwarm.
//
// The microtest shares one random source across agents, so draws are
// serialised to keep it safe under the parallel scheduler.
func Simulated(scores []float64, seed int64) (engine.Problem[int], error) {
	if len(scores) < 2 {
		return engine.Problem[int]{}, fmt.Errorf("%w: need at least two scores, got %d", ErrInvalidProblem, len(scores))
	}
	for h, s := range scores {
		if s < 0 || s > 1 || math.IsNaN(s) {
			return engine.Problem[int]{}, fmt.Errorf("%w: score %d must be in [0, 1], got %g", ErrInvalidProblem, h, s)
		}
	}
	gen, err := hypothesis.IntRange(1, len(scores)-1)
	if err != nil {
		return engine.Problem[int]{}, fmt.Errorf("%w: %w", ErrInvalidProblem, err)
	}
	src := &lockedRand{rng: rand.New(rand.NewSource(seed))}
	test := func(h int) bool {
		if h < 0 || h >= len(scores) {
			return false
		}
		return src.Float64() < scores[h]
	}
	return engine.Problem[int]{Hypotheses: gen, Microtests: []microtest.Microtest[int]{test}}, nil
}

// SimulatedSwarm builds n agents with agent 0 active on hypothesis 0.
func SimulatedSwarm(n int) (*swarm.Swarm[int], error) {
	return swarm.FromClusters(n, []swarm.ClusterEntry[int]{{Hypothesis: 0, Count: 1}})
}

type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64()
}

// Peak is a continuous domain over [lo, hi] whose score is a Gaussian bump
// centred on center. Transfers are jittered by N(0, sigma) so the swarm can
// refine around a good value.
func Peak(lo, hi, center, width, sigma float64) (engine.Problem[float64], error) {
	if width <= 0 {
		return engine.Problem[float64]{}, fmt.Errorf("%w: peak width must be > 0, got %g", ErrInvalidProblem, width)
	}
	gen, err := hypothesis.Continuous(lo, hi)
	if err != nil {
		return engine.Problem[float64]{}, fmt.Errorf("%w: %w", ErrInvalidProblem, err)
	}
	noise, err := hypothesis.Gaussian(0, sigma)
	if err != nil {
		return engine.Problem[float64]{}, fmt.Errorf("%w: %w", ErrInvalidProblem, err)
	}
	score := func(h float64) float64 {
		d := (h - center) / width
		return math.Exp(-d * d / 2)
	}
	clamped := func(rng *rand.Rand, h float64) float64 {
		return min(hi, max(lo, noise(rng, h)))
	}
	return engine.Problem[float64]{
		Hypotheses: gen,
		Scorers:    []microtest.Scorer[float64]{score},
		Noise:      clamped,
	}, nil
}
