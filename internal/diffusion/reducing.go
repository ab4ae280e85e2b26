package diffusion

import (
	"fmt"
	"math/rand"

	"sds/internal/hypothesis"
	"sds/internal/swarm"
)

// QuorumConfig parameterises the reducing kinds.
//
// Quorum is a match count for Confirmation and Independent, and a confidence
// threshold for RunningMean and DecayedConfidence.
type QuorumConfig struct {
	Quorum     float64
	Memory     int
	MinSamples int
	Decay      float64
}

// Reducing is the quorum-sensing family. Agents accumulate evidence that
// their hypothesis is shared, become terminating at quorum, and terminating
// agents remove the agents they outcompete from the live pool.
type Reducing[H comparable] struct {
	kind Kind
	dh   hypothesis.Generator[H]
	cfg  QuorumConfig
}

func NewReducing[H comparable](kind Kind, dh hypothesis.Generator[H], cfg QuorumConfig) (*Reducing[H], error) {
	if !kind.Reducing() {
		return nil, fmt.Errorf("%w: %s is not a reducing kind", ErrInvalidConfig, kind)
	}
	if dh == nil {
		return nil, fmt.Errorf("%w: hypothesis generator is required", ErrInvalidConfig)
	}
	if cfg.Quorum < 0 {
		return nil, fmt.Errorf("%w: quorum must be >= 0, got %g", ErrInvalidConfig, cfg.Quorum)
	}

	switch kind {
	case Confirmation, Independent:
		if cfg.Quorum == 0 {
			cfg.Quorum = 1
		}
	case RunningMean:
		if cfg.Memory <= 0 {
			return nil, fmt.Errorf("%w: memory must be > 0", ErrInvalidConfig)
		}
		if cfg.MinSamples <= 0 {
			cfg.MinSamples = cfg.Memory
		}
		if cfg.MinSamples > cfg.Memory {
			return nil, fmt.Errorf("%w: min samples %d exceed memory %d", ErrInvalidConfig, cfg.MinSamples, cfg.Memory)
		}
		if cfg.Quorum <= 0 || cfg.Quorum > 1 {
			return nil, fmt.Errorf("%w: running-mean quorum must be in (0, 1], got %g", ErrInvalidConfig, cfg.Quorum)
		}
	case DecayedConfidence:
		if cfg.Decay <= 0 || cfg.Decay > 1 {
			return nil, fmt.Errorf("%w: decay must be in (0, 1], got %g", ErrInvalidConfig, cfg.Decay)
		}
		if cfg.Quorum <= 0 {
			return nil, fmt.Errorf("%w: confidence threshold must be > 0", ErrInvalidConfig)
		}
		if cfg.Decay < 1 {
			if limit := cfg.Decay / (1 - cfg.Decay); cfg.Quorum >= limit {
				return nil, fmt.Errorf("%w: threshold %g unreachable with decay %g (limit %g)", ErrInvalidConfig, cfg.Quorum, cfg.Decay, limit)
			}
		}
	}
	return &Reducing[H]{kind: kind, dh: dh, cfg: cfg}, nil
}

func (r *Reducing[H]) Kind() Kind {
	return r.kind
}

func (r *Reducing[H]) Name() string {
	return r.kind.String()
}

func (r *Reducing[H]) WritesPeers() bool {
	return true
}

func (r *Reducing[H]) Diffuse(rng *rand.Rand, i int, v swarm.View[H]) {
	sw := v.Swarm()
	if sw.Live() < 2 {
		return
	}
	agent := v.Agent(i)
	self := v.State(i)
	if self.Removed || agent.Removed() {
		return
	}
	j, peer, ok := v.PollOther(rng, i)
	if !ok {
		return
	}
	if r.encounter(rng, sw, i, self, j, peer) {
		return
	}

	if !self.Active {
		agent.SetConfidence(0)
		if r.kind == RunningMean {
			agent.Forget()
		}
		switch {
		case peer.Active && peer.Set:
			agent.SetHypothesis(peer.Hypothesis)
		case r.kind == Independent:
			agent.SetHypothesis(r.dh(rng))
			v.Agent(j).SetHypothesis(r.dh(rng))
		default:
			agent.SetHypothesis(r.dh(rng))
		}
		return
	}
	if self.Terminating {
		return
	}

	agrees := peer.Active && self.Agrees(peer)
	switch r.kind {
	case Confirmation:
		if agrees {
			r.count(agent)
		}
	case Independent:
		switch {
		case !peer.Active:
			v.Agent(j).SetHypothesis(self.Hypothesis)
		case agrees:
			r.count(agent)
			if !peer.Terminating {
				r.count(v.Agent(j))
			}
		}
	case RunningMean:
		mean, n := agent.Remember(support(agrees), r.cfg.Memory)
		confidence := 0.0
		if n >= r.cfg.MinSamples {
			confidence = mean
		}
		r.settle(agent, confidence)
	case DecayedConfidence:
		r.settle(agent, (agent.Confidence()+support(agrees))*r.cfg.Decay)
	}
}

// encounter resolves meetings involving a terminating agent. Whichever side
// is terminating, the rule is the same. Two terminating agents compete only
// when their hypotheses differ, except under Independent where any such
// meeting removes one of them.
func (r *Reducing[H]) encounter(rng *rand.Rand, sw *swarm.Swarm[H], i int, self swarm.State[H], j int, peer swarm.State[H]) bool {
	switch {
	case self.Terminating && peer.Terminating && (r.kind == Independent || !self.Agrees(peer)):
		if rng.Intn(2) == 0 {
			sw.Remove(j, self.Hypothesis)
		} else {
			sw.Remove(i, peer.Hypothesis)
		}
		return true
	case self.Terminating && displaced(self, peer):
		sw.Remove(j, self.Hypothesis)
		return true
	case peer.Terminating && displaced(peer, self):
		sw.Remove(i, peer.Hypothesis)
		return true
	}
	return false
}

// displaced reports whether a terminating agent t outcompetes o.
func displaced[H comparable](t, o swarm.State[H]) bool {
	return !o.Active || !o.Agrees(t)
}

func (r *Reducing[H]) count(a *swarm.Agent[H]) {
	r.settle(a, a.Confidence()+1)
}

func (r *Reducing[H]) settle(a *swarm.Agent[H], confidence float64) {
	a.SetConfidence(confidence)
	if confidence >= r.cfg.Quorum {
		a.MarkTerminating()
	}
}

func support(agrees bool) float64 {
	if agrees {
		return 1
	}
	return 0
}
