package stats

import (
	"context"
	"fmt"
	"math/rand"

	"sds/internal/diffusion"
	"sds/internal/hypothesis"
	"sds/internal/iteration"
	"sds/internal/microtest"
	"sds/internal/swarm"
)

const (
	DefaultNoiseAgents     = 100
	DefaultNoiseIterations = 100
)

// EstimateNoise measures the background activity of a test strategy: the
// mean share of agents that pass when every agent tests a fresh random
// hypothesis each iteration. Zero agents or iterations use the defaults.
func EstimateNoise[H comparable](ctx context.Context, test microtest.Strategy[H], dh hypothesis.Generator[H], agents, iterations int, rng *rand.Rand) (float64, error) {
	if agents == 0 {
		agents = DefaultNoiseAgents
	}
	if iterations == 0 {
		iterations = DefaultNoiseIterations
	}
	if agents < 0 || iterations < 0 {
		return 0, fmt.Errorf("noise estimate needs positive agents and iterations, got %d and %d", agents, iterations)
	}
	sw, err := swarm.New[H](agents)
	if err != nil {
		return 0, err
	}
	sched, err := iteration.NewSynchronous(iteration.Config[H]{
		Swarm:      sw,
		Hypotheses: dh,
		Diffusion:  resample[H]{dh: dh},
		Test:       test,
		Rand:       rng,
	})
	if err != nil {
		return 0, err
	}

	total := 0.0
	for range iterations {
		if err := sched.Step(ctx); err != nil {
			return 0, err
		}
		total += sw.Activity()
	}
	return total / float64(iterations), nil
}

// resample replaces every agent's hypothesis with a random one and clears
// its activity, so no hypothesis ever spreads.
type resample[H comparable] struct {
	dh hypothesis.Generator[H]
}

func (resample[H]) Name() string {
	return "resample"
}

func (resample[H]) Kind() diffusion.Kind {
	return diffusion.Passive
}

func (resample[H]) WritesPeers() bool {
	return false
}

func (r resample[H]) Diffuse(rng *rand.Rand, i int, v swarm.View[H]) {
	a := v.Agent(i)
	a.SetActive(false)
	a.SetHypothesis(r.dh(rng))
}
