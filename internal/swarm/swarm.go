package swarm

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
)

var ErrInvalidSize = errors.New("invalid swarm size")

// Removal records one agent leaving the live pool. Entries are append-only.
type Removal[H comparable] struct {
	Index      int
	Hypothesis H
}

// Swarm is a fixed-size, index-stable population of agents.
type Swarm[H comparable] struct {
	agents []*Agent[H]

	removedCount atomic.Int64

	mu       sync.Mutex
	pool     []int
	pos      []int
	removals []Removal[H]
}

// New creates n inactive agents with unset hypotheses.
func New[H comparable](n int) (*Swarm[H], error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, n)
	}
	agents := make([]*Agent[H], n)
	for i := range agents {
		agents[i] = &Agent[H]{}
	}
	return &Swarm[H]{agents: agents}, nil
}

// FromClusters builds a swarm of n agents where each table entry seeds
// Count active agents holding its hypothesis. Remaining agents are inactive
// and unset.
func FromClusters[H comparable](n int, entries []ClusterEntry[H]) (*Swarm[H], error) {
	sw, err := New[H](n)
	if err != nil {
		return nil, err
	}
	next := 0
	for _, entry := range entries {
		if entry.Count < 0 {
			return nil, fmt.Errorf("%w: negative cluster count %d", ErrInvalidSize, entry.Count)
		}
		if next+entry.Count > n {
			return nil, fmt.Errorf("%w: clusters need %d agents, swarm has %d", ErrInvalidSize, next+entry.Count, n)
		}
		for j := 0; j < entry.Count; j++ {
			a := sw.agents[next]
			a.SetHypothesis(entry.Hypothesis)
			a.SetActive(true)
			next++
		}
	}
	return sw, nil
}

func (s *Swarm[H]) Len() int {
	return len(s.agents)
}

func (s *Swarm[H]) Agent(i int) *Agent[H] {
	return s.agents[i]
}

// Snapshot copies every agent's state.
func (s *Swarm[H]) Snapshot() []State[H] {
	states := make([]State[H], len(s.agents))
	for i, a := range s.agents {
		states[i] = a.State()
	}
	return states
}

// Activity is the fraction of active agents; 0 for an empty swarm.
func (s *Swarm[H]) Activity() float64 {
	if len(s.agents) == 0 {
		return 0
	}
	active := 0
	for _, a := range s.agents {
		if a.Active() {
			active++
		}
	}
	return float64(active) / float64(len(s.agents))
}

// Clusters tabulates agents that are active or removed by hypothesis.
func (s *Swarm[H]) Clusters() ClusterTable[H] {
	return Tabulate(s.Snapshot())
}

// LargestCluster returns the biggest cluster, or the unset sentinel when
// no agent is clustered.
func (s *Swarm[H]) LargestCluster() Cluster[H] {
	table := s.Clusters()
	if table.Len() == 0 {
		return Cluster[H]{}
	}
	top := table.Entries()[0]
	return Cluster[H]{
		Hypothesis: top.Hypothesis,
		Set:        true,
		Count:      top.Count,
		Share:      float64(top.Count) / float64(len(s.agents)),
	}
}

// Live is the number of agents that have not been removed.
func (s *Swarm[H]) Live() int {
	return len(s.agents) - int(s.removedCount.Load())
}

// Terminating counts live terminating agents.
func (s *Swarm[H]) Terminating() int {
	n := 0
	for _, a := range s.agents {
		if !a.Removed() && a.Terminating() {
			n++
		}
	}
	return n
}

// PollLive picks a uniformly random live agent.
func (s *Swarm[H]) PollLive(rng *rand.Rand) (int, bool) {
	if s.removedCount.Load() == 0 {
		if len(s.agents) == 0 {
			return 0, false
		}
		return rng.Intn(len(s.agents)), true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pool) == 0 {
		return 0, false
	}
	return s.pool[rng.Intn(len(s.pool))], true
}

// PollLiveExcept picks a uniformly random live agent other than i.
func (s *Swarm[H]) PollLiveExcept(rng *rand.Rand, i int) (int, bool) {
	if s.removedCount.Load() == 0 {
		n := len(s.agents)
		if n < 2 {
			return 0, false
		}
		j := rng.Intn(n - 1)
		if j >= i {
			j++
		}
		return j, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pos[i]
	if p < 0 {
		if len(s.pool) == 0 {
			return 0, false
		}
		return s.pool[rng.Intn(len(s.pool))], true
	}
	if len(s.pool) < 2 {
		return 0, false
	}
	j := rng.Intn(len(s.pool) - 1)
	if j >= p {
		j++
	}
	return s.pool[j], true
}

// Remove freezes agent i with a final hypothesis, drops it from the live
// pool and records the removal. It reports false if i was already removed.
func (s *Swarm[H]) Remove(i int, final H) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.agents[i].remove(final) {
		return false
	}
	if s.pool == nil {
		s.pool = make([]int, len(s.agents))
		s.pos = make([]int, len(s.agents))
		for j := range s.agents {
			s.pool[j] = j
			s.pos[j] = j
		}
	}
	p := s.pos[i]
	last := s.pool[len(s.pool)-1]
	s.pool[p] = last
	s.pos[last] = p
	s.pool = s.pool[:len(s.pool)-1]
	s.pos[i] = -1
	s.removals = append(s.removals, Removal[H]{Index: i, Hypothesis: final})
	s.removedCount.Add(1)
	return true
}

// Removals returns removal records in the order they happened.
func (s *Swarm[H]) Removals() []Removal[H] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Removal[H](nil), s.removals...)
}

// RemovalTally counts removals by final hypothesis.
func (s *Swarm[H]) RemovalTally() map[H]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	tally := make(map[H]int, len(s.removals))
	for _, r := range s.removals {
		tally[r.Hypothesis]++
	}
	return tally
}
