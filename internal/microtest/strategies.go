package microtest

import (
	"fmt"
	"math/rand"
	"slices"

	"sds/internal/swarm"
)

// Boolean activates an agent when one uniformly sampled microtest passes.
type Boolean[H comparable] struct {
	tests []Microtest[H]
}

func NewBoolean[H comparable](tests []Microtest[H]) (*Boolean[H], error) {
	if len(tests) == 0 {
		return nil, ErrNoMicrotests
	}
	return &Boolean[H]{tests: slices.Clone(tests)}, nil
}

func (*Boolean[H]) Name() string {
	return "boolean"
}

func (b *Boolean[H]) Test(rng *rand.Rand, i int, v swarm.View[H]) {
	agent := v.Agent(i)
	h, ok := agent.Hypothesis()
	if !ok {
		agent.SetActive(false)
		return
	}
	agent.SetActive(b.tests[rng.Intn(len(b.tests))](h))
}

// Multitest samples K microtests with replacement and combines the results.
type Multitest[H comparable] struct {
	tests   []Microtest[H]
	k       int
	combine Combinator
}

// NewMultitest builds a multitest; a zero Combinator selects All.
func NewMultitest[H comparable](tests []Microtest[H], k int, combine Combinator) (*Multitest[H], error) {
	if len(tests) == 0 {
		return nil, ErrNoMicrotests
	}
	if k < 1 {
		return nil, fmt.Errorf("%w: multitest count must be >= 1, got %d", ErrInvalidConfig, k)
	}
	if combine.Combine == nil {
		combine = All
	}
	return &Multitest[H]{tests: slices.Clone(tests), k: k, combine: combine}, nil
}

func (m *Multitest[H]) Name() string {
	return fmt.Sprintf("multitest(k=%d,%s)", m.k, m.combine.Name)
}

func (m *Multitest[H]) Test(rng *rand.Rand, i int, v swarm.View[H]) {
	agent := v.Agent(i)
	h, ok := agent.Hypothesis()
	if !ok {
		agent.SetActive(false)
		return
	}
	results := make([]bool, m.k)
	for j := range results {
		results[j] = m.tests[rng.Intn(len(m.tests))](h)
	}
	agent.SetActive(m.combine.Combine(results))
}

// Comparative activates an agent whose aggregated score strictly beats the
// score of one random peer. Built with NewScored it skips the peer and any
// nonzero score activates.
type Comparative[H comparable] struct {
	scorers   []Scorer[H]
	k         int
	aggregate Aggregator
	absolute  bool
}

// NewComparative builds a comparative test; a zero Aggregator selects Max.
func NewComparative[H comparable](scorers []Scorer[H], k int, aggregate Aggregator) (*Comparative[H], error) {
	if len(scorers) == 0 {
		return nil, ErrNoMicrotests
	}
	if k < 1 {
		return nil, fmt.Errorf("%w: multitest count must be >= 1, got %d", ErrInvalidConfig, k)
	}
	if aggregate.Aggregate == nil {
		aggregate = Max
	}
	return &Comparative[H]{scorers: slices.Clone(scorers), k: k, aggregate: aggregate}, nil
}

// NewScored builds a comparative test whose aggregated score is the
// activation itself.
func NewScored[H comparable](scorers []Scorer[H], k int, aggregate Aggregator) (*Comparative[H], error) {
	c, err := NewComparative(scorers, k, aggregate)
	if err != nil {
		return nil, err
	}
	c.absolute = true
	return c, nil
}

func (c *Comparative[H]) Name() string {
	if c.absolute {
		return fmt.Sprintf("scored(k=%d,%s)", c.k, c.aggregate.Name)
	}
	return fmt.Sprintf("comparative(k=%d,%s)", c.k, c.aggregate.Name)
}

func (c *Comparative[H]) score(rng *rand.Rand, st swarm.State[H]) float64 {
	if !st.Set {
		return unscored
	}
	scores := make([]float64, c.k)
	for j := range scores {
		scores[j] = c.scorers[rng.Intn(len(c.scorers))](st.Hypothesis)
	}
	return c.aggregate.Aggregate(scores)
}

// Test re-samples both the agent's and the peer's score.
func (c *Comparative[H]) Test(rng *rand.Rand, i int, v swarm.View[H]) {
	agent := v.Agent(i)
	own := agent.State()
	if !own.Set {
		agent.SetActive(false)
		return
	}
	if c.absolute {
		agent.SetActive(c.score(rng, own) != 0)
		return
	}
	_, peer, ok := v.PollOther(rng, i)
	if !ok {
		agent.SetActive(false)
		return
	}
	agent.SetActive(c.score(rng, own) > c.score(rng, peer))
}

// TestAll scores every agent before any comparison, then compares each agent
// against the pre-round score of one random peer.
func (c *Comparative[H]) TestAll(rng *rand.Rand, v swarm.View[H]) {
	n := v.Len()
	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		scores[i] = c.score(rng, v.Agent(i).State())
	}
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		if c.absolute {
			results[i] = scores[i] != unscored && scores[i] != 0
			continue
		}
		j, _, ok := v.PollOther(rng, i)
		results[i] = ok && scores[i] > scores[j]
	}
	for i, active := range results {
		v.Agent(i).SetActive(active)
	}
}

// Reducing runs an inner test on live, non-terminating agents only, and
// does nothing once fewer than two live agents remain.
type Reducing[H comparable] struct {
	inner Strategy[H]
}

func NewReducing[H comparable](inner Strategy[H]) (*Reducing[H], error) {
	if inner == nil {
		return nil, fmt.Errorf("%w: reducing test needs an inner test", ErrInvalidConfig)
	}
	if _, ok := inner.(Batch[H]); ok {
		return nil, fmt.Errorf("%w: reducing test needs a per-agent inner test, got %s", ErrInvalidConfig, inner.Name())
	}
	return &Reducing[H]{inner: inner}, nil
}

func (r *Reducing[H]) Name() string {
	return "reducing(" + r.inner.Name() + ")"
}

func (r *Reducing[H]) Test(rng *rand.Rand, i int, v swarm.View[H]) {
	if v.Swarm().Live() < 2 {
		return
	}
	agent := v.Agent(i)
	if agent.Removed() || agent.Terminating() {
		return
	}
	r.inner.Test(rng, i, v)
}
