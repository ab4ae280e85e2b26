package swarm

import "sync/atomic"

// Agent holds one candidate hypothesis and its activation. Each field is
// independently atomic: readers in parallel mode may observe a hypothesis
// and an activation written by different steps.
type Agent[H comparable] struct {
	hyp         atomic.Pointer[H]
	active      atomic.Bool
	terminating atomic.Bool
	removed     atomic.Bool

	// confidence and memory are plain fields; only sequential schedulers run
	// strategies that write them.
	confidence float64
	memory     window
}

// State is a value copy of an agent's fields.
type State[H comparable] struct {
	Hypothesis  H
	Set         bool
	Active      bool
	Terminating bool
	Removed     bool
}

// Agrees reports whether both states hold the same, set hypothesis.
func (s State[H]) Agrees(other State[H]) bool {
	return s.Set && other.Set && s.Hypothesis == other.Hypothesis
}

func (a *Agent[H]) Hypothesis() (H, bool) {
	p := a.hyp.Load()
	if p == nil {
		var zero H
		return zero, false
	}
	return *p, true
}

// SetHypothesis replaces the hypothesis. Removed agents are frozen and
// report false.
func (a *Agent[H]) SetHypothesis(h H) bool {
	if a.removed.Load() {
		return false
	}
	a.hyp.Store(&h)
	return true
}

func (a *Agent[H]) Active() bool {
	return a.active.Load()
}

// SetActive updates activation. Deactivation also clears terminating.
func (a *Agent[H]) SetActive(active bool) bool {
	if a.removed.Load() {
		return false
	}
	if !active {
		a.terminating.Store(false)
	}
	a.active.Store(active)
	return true
}

func (a *Agent[H]) Terminating() bool {
	return a.terminating.Load()
}

// MarkTerminating flags an active, live agent as terminating.
func (a *Agent[H]) MarkTerminating() bool {
	if a.removed.Load() || !a.active.Load() {
		return false
	}
	a.terminating.Store(true)
	return true
}

func (a *Agent[H]) Removed() bool {
	return a.removed.Load()
}

// Confidence is the evidence score used by quorum strategies.
func (a *Agent[H]) Confidence() float64 {
	return a.confidence
}

func (a *Agent[H]) SetConfidence(c float64) {
	a.confidence = c
}

// Remember appends a local support sample to a window of at most size
// entries and returns the window mean and length.
func (a *Agent[H]) Remember(sample float64, size int) (float64, int) {
	a.memory.push(sample, size)
	return a.memory.mean(), a.memory.count()
}

// Forget clears the sample window.
func (a *Agent[H]) Forget() {
	a.memory.reset()
}

func (a *Agent[H]) State() State[H] {
	h, ok := a.Hypothesis()
	return State[H]{
		Hypothesis:  h,
		Set:         ok,
		Active:      a.active.Load(),
		Terminating: a.terminating.Load(),
		Removed:     a.removed.Load(),
	}
}

// remove freezes the agent with a final hypothesis. Only the first call wins.
func (a *Agent[H]) remove(final H) bool {
	if !a.removed.CompareAndSwap(false, true) {
		return false
	}
	a.hyp.Store(&final)
	a.terminating.Store(false)
	a.active.Store(false)
	a.confidence = 0
	a.memory.reset()
	return true
}

type window struct {
	samples []float64
	next    int
	sum     float64
}

func (w *window) push(v float64, size int) {
	if size <= 0 {
		size = 1
	}
	if cap(w.samples) != size {
		w.reset()
		w.samples = make([]float64, 0, size)
	}
	if len(w.samples) < size {
		w.samples = append(w.samples, v)
		w.sum += v
		return
	}
	w.sum += v - w.samples[w.next]
	w.samples[w.next] = v
	w.next = (w.next + 1) % size
}

func (w *window) count() int {
	return len(w.samples)
}

func (w *window) mean() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	return w.sum / float64(len(w.samples))
}

func (w *window) reset() {
	w.samples = w.samples[:0]
	w.next = 0
	w.sum = 0
}
