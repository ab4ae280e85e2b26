package iteration

import (
	"context"

	"sds/internal/microtest"
	"sds/internal/swarm"
)

// Synchronous runs a diffusion phase for every agent against a round-start
// snapshot, then a test phase for every agent.
type Synchronous[H comparable] struct {
	cfg Config[H]

	// OnPhase, when set, is called after each phase completes.
	OnPhase func(Phase)
}

func NewSynchronous[H comparable](cfg Config[H]) (*Synchronous[H], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Synchronous[H]{cfg: cfg}, nil
}

func (*Synchronous[H]) Name() string {
	return string(ModeSynchronous)
}

func (s *Synchronous[H]) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sw, rng := s.cfg.Swarm, s.cfg.Rand

	frozen := swarm.FrozenView(sw, sw.Snapshot())
	for i := 0; i < sw.Len(); i++ {
		s.cfg.Diffusion.Diffuse(rng, i, frozen)
	}
	s.signal(PhaseDiffusion)

	live := swarm.LiveView(sw)
	if batch, ok := s.cfg.Test.(microtest.Batch[H]); ok {
		batch.TestAll(rng, live)
	} else {
		for i := 0; i < sw.Len(); i++ {
			s.cfg.Test.Test(rng, i, live)
		}
	}
	s.signal(PhaseTest)
	return nil
}

func (s *Synchronous[H]) signal(p Phase) {
	if s.OnPhase != nil {
		s.OnPhase(p)
	}
}

func (*Synchronous[H]) Stop() {}

// Asynchronous visits agents in a fresh random order each round; each agent
// diffuses and is then tested against live state.
type Asynchronous[H comparable] struct {
	cfg Config[H]
}

func NewAsynchronous[H comparable](cfg Config[H]) (*Asynchronous[H], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Asynchronous[H]{cfg: cfg}, nil
}

func (*Asynchronous[H]) Name() string {
	return string(ModeAsynchronous)
}

func (a *Asynchronous[H]) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sw, rng := a.cfg.Swarm, a.cfg.Rand
	fillUnset(sw, a.cfg.Hypotheses, rng)

	live := swarm.LiveView(sw)
	for _, i := range rng.Perm(sw.Len()) {
		a.cfg.Diffusion.Diffuse(rng, i, live)
		a.cfg.Test.Test(rng, i, live)
	}
	return nil
}

func (*Asynchronous[H]) Stop() {}
