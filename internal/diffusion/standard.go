package diffusion

import (
	"fmt"
	"math"
	"math/rand"

	"sds/internal/hypothesis"
	"sds/internal/swarm"
)

// Standard implements passive, active, context-free and context-sensitive
// diffusion, optionally with multi-diffusion and noisy transfer.
type Standard[H comparable] struct {
	kind  Kind
	dh    hypothesis.Generator[H]
	polls float64
	noise hypothesis.Perturbation[H]
}

type Option[H comparable] func(*Standard[H]) error

// WithMultiDiffusion polls floor(k) peers plus one more with probability
// frac(k) and acts on the first peer that triggers a transfer.
func WithMultiDiffusion[H comparable](k float64) Option[H] {
	return func(s *Standard[H]) error {
		if k < 0 || math.IsNaN(k) || math.IsInf(k, 0) {
			return fmt.Errorf("%w: multi-diffusion degree must be a finite value >= 0, got %g", ErrInvalidConfig, k)
		}
		s.polls = k
		return nil
	}
}

// WithNoise perturbs every transferred hypothesis.
func WithNoise[H comparable](p hypothesis.Perturbation[H]) Option[H] {
	return func(s *Standard[H]) error {
		if p == nil {
			return fmt.Errorf("%w: noise perturbation is nil", ErrInvalidConfig)
		}
		s.noise = p
		return nil
	}
}

func NewStandard[H comparable](kind Kind, dh hypothesis.Generator[H], opts ...Option[H]) (*Standard[H], error) {
	if kind.Reducing() {
		return nil, fmt.Errorf("%w: %s is a reducing kind", ErrInvalidConfig, kind)
	}
	if dh == nil {
		return nil, fmt.Errorf("%w: hypothesis generator is required", ErrInvalidConfig)
	}
	s := &Standard[H]{kind: kind, dh: dh}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func NewPassive[H comparable](dh hypothesis.Generator[H]) (*Standard[H], error) {
	return NewStandard(Passive, dh)
}

func NewActive[H comparable](dh hypothesis.Generator[H]) (*Standard[H], error) {
	return NewStandard(Active, dh)
}

func NewContextFree[H comparable](dh hypothesis.Generator[H]) (*Standard[H], error) {
	return NewStandard(ContextFree, dh)
}

func NewContextSensitive[H comparable](dh hypothesis.Generator[H]) (*Standard[H], error) {
	return NewStandard(ContextSensitive, dh)
}

func (s *Standard[H]) Kind() Kind {
	return s.kind
}

func (s *Standard[H]) Name() string {
	name := s.kind.String()
	if s.polls > 0 {
		name = fmt.Sprintf("%s(k=%g)", name, s.polls)
	}
	if s.noise != nil {
		name = "noisy-" + name
	}
	return name
}

func (s *Standard[H]) WritesPeers() bool {
	return s.kind == Active
}

func (s *Standard[H]) Diffuse(rng *rand.Rand, i int, v swarm.View[H]) {
	self := v.State(i)
	if self.Removed {
		return
	}
	if s.polls > 0 {
		s.diffuseMulti(rng, i, self, v)
		return
	}
	agent := v.Agent(i)
	j, peer, ok := v.PollOther(rng, i)
	if !ok {
		if !self.Active {
			agent.SetHypothesis(s.dh(rng))
		}
		return
	}
	if s.triggers(self, peer) {
		s.transfer(rng, i, self, j, peer, v)
		return
	}
	switch {
	case !self.Active:
		agent.SetHypothesis(s.dh(rng))
	case s.redrafts(self, peer):
		agent.SetActive(false)
		agent.SetHypothesis(s.dh(rng))
	}
}

func (s *Standard[H]) diffuseMulti(rng *rand.Rand, i int, self swarm.State[H], v swarm.View[H]) {
	polls := int(s.polls)
	if extra := s.polls - float64(polls); extra > 0 && rng.Float64() < extra {
		polls++
	}
	for n := 0; n < polls; n++ {
		j, peer, ok := v.PollOther(rng, i)
		if !ok {
			break
		}
		if s.triggers(self, peer) {
			s.transfer(rng, i, self, j, peer, v)
			return
		}
		if self.Active && s.redrafts(self, peer) {
			agent := v.Agent(i)
			agent.SetActive(false)
			agent.SetHypothesis(s.dh(rng))
			return
		}
	}
	if !self.Active || !self.Set {
		v.Agent(i).SetHypothesis(s.dh(rng))
	}
}

func (s *Standard[H]) triggers(self, peer swarm.State[H]) bool {
	pull := !self.Active && peer.Active && peer.Set
	push := s.kind == Active && self.Active && self.Set && !peer.Active
	return pull || push
}

func (s *Standard[H]) redrafts(self, peer swarm.State[H]) bool {
	if !peer.Active {
		return false
	}
	switch s.kind {
	case ContextFree:
		return true
	case ContextSensitive:
		return self.Agrees(peer)
	default:
		return false
	}
}

func (s *Standard[H]) transfer(rng *rand.Rand, i int, self swarm.State[H], j int, peer swarm.State[H], v swarm.View[H]) {
	if self.Active {
		v.Agent(j).SetHypothesis(s.perturb(rng, self.Hypothesis))
		return
	}
	v.Agent(i).SetHypothesis(s.perturb(rng, peer.Hypothesis))
}

func (s *Standard[H]) perturb(rng *rand.Rand, h H) H {
	if s.noise == nil {
		return h
	}
	return s.noise(rng, h)
}
