package iteration

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sds/internal/swarm"
)

const (
	DefaultSleepUnit = time.Second
	DefaultTick      = 10 * time.Millisecond
)

// Parallel runs one goroutine per agent over a shared population. Agent
// fields are individually atomic; no lock spans a diffusion or test step.
type Parallel[H comparable] struct {
	cfg  Config[H]
	unit time.Duration
	tick time.Duration

	start  sync.Once
	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewParallel builds a parallel scheduler. unit scales each agent's random
// pause, which is drawn from N(1, 1) clipped to [0, 2]; tick is how long one
// Step waits. Zero values select the defaults.
func NewParallel[H comparable](cfg Config[H], unit, tick time.Duration) (*Parallel[H], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Diffusion.WritesPeers() {
		return nil, fmt.Errorf("%w: %s diffusion writes to peers and cannot run in parallel mode", ErrInvalidConfig, cfg.Diffusion.Name())
	}
	if unit < 0 || tick < 0 {
		return nil, fmt.Errorf("%w: sleep unit and tick must be >= 0", ErrInvalidConfig)
	}
	if unit == 0 {
		unit = DefaultSleepUnit
	}
	if tick == 0 {
		tick = DefaultTick
	}
	return &Parallel[H]{cfg: cfg, unit: unit, tick: tick}, nil
}

func (*Parallel[H]) Name() string {
	return string(ModeParallel)
}

// Step launches the agent tasks on first use, then waits one tick.
func (p *Parallel[H]) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.start.Do(func() { p.launch(ctx) })

	timer := time.NewTimer(p.tick)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Parallel[H]) launch(ctx context.Context) {
	sw, rng := p.cfg.Swarm, p.cfg.Rand
	fillUnset(sw, p.cfg.Hypotheses, rng)

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	for i := 0; i < sw.Len(); i++ {
		agentRng := rand.New(rand.NewSource(rng.Int63()))
		group.Go(func() error {
			return p.loop(groupCtx, i, agentRng)
		})
	}

	p.mu.Lock()
	p.cancel = cancel
	p.group = group
	p.mu.Unlock()
}

func (p *Parallel[H]) loop(ctx context.Context, i int, rng *rand.Rand) error {
	live := swarm.LiveView(p.cfg.Swarm)
	for {
		if ctx.Err() != nil {
			return nil
		}
		p.cfg.Diffusion.Diffuse(rng, i, live)
		p.cfg.Test.Test(rng, i, live)

		timer := time.NewTimer(p.pause(rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (p *Parallel[H]) pause(rng *rand.Rand) time.Duration {
	f := rng.NormFloat64() + 1
	f = min(2, max(0, f))
	return time.Duration(f * float64(p.unit))
}

// Stop signals every agent task to finish and returns without waiting.
func (p *Parallel[H]) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// Wait blocks until every agent task has observed Stop.
func (p *Parallel[H]) Wait() error {
	p.mu.Lock()
	group := p.group
	p.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}
