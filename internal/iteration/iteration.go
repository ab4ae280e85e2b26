package iteration

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"sds/internal/diffusion"
	"sds/internal/hypothesis"
	"sds/internal/microtest"
	"sds/internal/swarm"
)

var ErrInvalidConfig = errors.New("invalid iteration configuration")

// Scheduler advances a swarm by one iteration per Step.
type Scheduler interface {
	Name() string
	Step(ctx context.Context) error
	Stop()
}

type Mode string

const (
	ModeSynchronous  Mode = "synchronous"
	ModeAsynchronous Mode = "asynchronous"
	ModeParallel     Mode = "parallel"
)

func ParseMode(name string) (Mode, error) {
	switch Mode(name) {
	case "", "sync", ModeSynchronous:
		return ModeSynchronous, nil
	case "async", ModeAsynchronous:
		return ModeAsynchronous, nil
	case ModeParallel:
		return ModeParallel, nil
	default:
		return "", fmt.Errorf("%w: unknown iteration mode %q", ErrInvalidConfig, name)
	}
}

type Phase int

const (
	PhaseDiffusion Phase = iota
	PhaseTest
)

func (p Phase) String() string {
	if p == PhaseDiffusion {
		return "diffusion"
	}
	return "test"
}

type Config[H comparable] struct {
	Swarm      *swarm.Swarm[H]
	Hypotheses hypothesis.Generator[H]
	Diffusion  diffusion.Strategy[H]
	Test       microtest.Strategy[H]
	Rand       *rand.Rand
}

func (c Config[H]) validate() error {
	if c.Swarm == nil {
		return fmt.Errorf("%w: swarm is required", ErrInvalidConfig)
	}
	if c.Hypotheses == nil {
		return fmt.Errorf("%w: hypothesis generator is required", ErrInvalidConfig)
	}
	if c.Diffusion == nil {
		return fmt.Errorf("%w: diffusion strategy is required", ErrInvalidConfig)
	}
	if c.Test == nil {
		return fmt.Errorf("%w: test strategy is required", ErrInvalidConfig)
	}
	if c.Rand == nil {
		return fmt.Errorf("%w: random source is required", ErrInvalidConfig)
	}
	return nil
}

// fillUnset gives every agent without a hypothesis a fresh draw.
func fillUnset[H comparable](sw *swarm.Swarm[H], dh hypothesis.Generator[H], rng *rand.Rand) {
	for i := 0; i < sw.Len(); i++ {
		a := sw.Agent(i)
		if _, ok := a.Hypothesis(); !ok {
			a.SetHypothesis(dh(rng))
		}
	}
}
