package halting

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"strings"
	"time"

	"sds/internal/swarm"
)

var ErrInvalidConfig = errors.New("invalid halting configuration")

// Predicate decides whether a run should stop. Counters live on the
// instance; Fresh returns an equivalent predicate with zeroed state so that
// no memory leaks from one run into the next.
type Predicate[H comparable] interface {
	Name() string
	Evaluate(sw *swarm.Swarm[H]) bool
	Fresh() Predicate[H]
}

type never[H comparable] struct{}

// Never keeps a run going until it is stopped or hits its iteration cap.
func Never[H comparable]() Predicate[H] {
	return never[H]{}
}

func (never[H]) Name() string { return "never" }

func (never[H]) Evaluate(*swarm.Swarm[H]) bool { return false }

func (n never[H]) Fresh() Predicate[H] { return n }

// Fixed halts on its (limit+1)-th evaluation.
type Fixed[H comparable] struct {
	limit int
	calls int
}

func NewFixed[H comparable](limit int) (*Fixed[H], error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: fixed limit must be >= 0, got %d", ErrInvalidConfig, limit)
	}
	return &Fixed[H]{limit: limit}, nil
}

func (f *Fixed[H]) Name() string {
	return fmt.Sprintf("fixed(%d)", f.limit)
}

func (f *Fixed[H]) Evaluate(*swarm.Swarm[H]) bool {
	f.calls++
	return f.calls > f.limit
}

func (f *Fixed[H]) Fresh() Predicate[H] {
	return &Fixed[H]{limit: f.limit}
}

// ActivityAbove halts once global activity exceeds the threshold.
type ActivityAbove[H comparable] struct {
	threshold float64
}

func NewActivityAbove[H comparable](threshold float64) (*ActivityAbove[H], error) {
	if err := checkFraction("activity threshold", threshold); err != nil {
		return nil, err
	}
	return &ActivityAbove[H]{threshold: threshold}, nil
}

func (a *ActivityAbove[H]) Name() string {
	return fmt.Sprintf("activity>%g", a.threshold)
}

func (a *ActivityAbove[H]) Evaluate(sw *swarm.Swarm[H]) bool {
	return sw.Activity() > a.threshold
}

func (a *ActivityAbove[H]) Fresh() Predicate[H] {
	return a
}

// LargestClusterAtLeast halts once the largest cluster holds at least the
// given share of the swarm.
type LargestClusterAtLeast[H comparable] struct {
	share float64
}

func NewLargestClusterAtLeast[H comparable](share float64) (*LargestClusterAtLeast[H], error) {
	if err := checkFraction("cluster share", share); err != nil {
		return nil, err
	}
	return &LargestClusterAtLeast[H]{share: share}, nil
}

func (l *LargestClusterAtLeast[H]) Name() string {
	return fmt.Sprintf("largest-cluster>=%g", l.share)
}

func (l *LargestClusterAtLeast[H]) Evaluate(sw *swarm.Swarm[H]) bool {
	largest := sw.LargestCluster()
	return largest.Set && largest.Share >= l.share
}

func (l *LargestClusterAtLeast[H]) Fresh() Predicate[H] {
	return l
}

// UniqueBelow halts once fewer than limit distinct hypotheses are clustered.
type UniqueBelow[H comparable] struct {
	limit int
}

func NewUniqueBelow[H comparable](limit int) (*UniqueBelow[H], error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: unique limit must be >= 1, got %d", ErrInvalidConfig, limit)
	}
	return &UniqueBelow[H]{limit: limit}, nil
}

func (u *UniqueBelow[H]) Name() string {
	return fmt.Sprintf("unique<%d", u.limit)
}

func (u *UniqueBelow[H]) Evaluate(sw *swarm.Swarm[H]) bool {
	return sw.Clusters().Len() < u.limit
}

func (u *UniqueBelow[H]) Fresh() Predicate[H] {
	return u
}

// StableBand halts once activity has stayed within [lower, lower+region)
// for time consecutive evaluations.
type StableBand[H comparable] struct {
	lower, region float64
	time          int
	successes     int
}

func NewStableBand[H comparable](lower, region float64, time int) (*StableBand[H], error) {
	if err := checkFraction("band lower bound", lower); err != nil {
		return nil, err
	}
	if region < 0 || lower+region > 1 {
		return nil, fmt.Errorf("%w: band [%g, %g] exceeds [0, 1]", ErrInvalidConfig, lower, lower+region)
	}
	if time < 1 {
		return nil, fmt.Errorf("%w: band time must be >= 1, got %d", ErrInvalidConfig, time)
	}
	return &StableBand[H]{lower: lower, region: region, time: time}, nil
}

func (s *StableBand[H]) Name() string {
	return fmt.Sprintf("stable-band[%g,%g)x%d", s.lower, s.lower+s.region, s.time)
}

func (s *StableBand[H]) Evaluate(sw *swarm.Swarm[H]) bool {
	activity := sw.Activity()
	if activity < s.lower || activity >= s.lower+s.region {
		s.successes = 0
	} else {
		s.successes++
	}
	return s.successes >= s.time
}

func (s *StableBand[H]) Fresh() Predicate[H] {
	return &StableBand[H]{lower: s.lower, region: s.region, time: s.time}
}

// ThresholdFor halts once activity has been at least lower for time
// consecutive evaluations.
type ThresholdFor[H comparable] struct {
	lower     float64
	time      int
	successes int
}

func NewThresholdFor[H comparable](lower float64, time int) (*ThresholdFor[H], error) {
	if err := checkFraction("threshold", lower); err != nil {
		return nil, err
	}
	if time < 1 {
		return nil, fmt.Errorf("%w: threshold time must be >= 1, got %d", ErrInvalidConfig, time)
	}
	return &ThresholdFor[H]{lower: lower, time: time}, nil
}

func (t *ThresholdFor[H]) Name() string {
	return fmt.Sprintf("activity>=%gx%d", t.lower, t.time)
}

func (t *ThresholdFor[H]) Evaluate(sw *swarm.Swarm[H]) bool {
	if sw.Activity() < t.lower {
		t.successes = 0
	} else {
		t.successes++
	}
	return t.successes >= t.time
}

func (t *ThresholdFor[H]) Fresh() Predicate[H] {
	return &ThresholdFor[H]{lower: t.lower, time: t.time}
}

// StableDeviation halts once the standard deviation of activity over a
// sliding window has stayed at or below threshold for minStable
// consecutive evaluations.
type StableDeviation[H comparable] struct {
	window    int
	threshold float64
	minStable int

	memory []float64
	stable int
}

func NewStableDeviation[H comparable](window int, threshold float64, minStable int) (*StableDeviation[H], error) {
	if window < 1 {
		return nil, fmt.Errorf("%w: deviation window must be >= 1, got %d", ErrInvalidConfig, window)
	}
	if threshold < 0 {
		return nil, fmt.Errorf("%w: deviation threshold must be >= 0, got %g", ErrInvalidConfig, threshold)
	}
	if minStable < 1 {
		return nil, fmt.Errorf("%w: min stable iterations must be >= 1, got %d", ErrInvalidConfig, minStable)
	}
	return &StableDeviation[H]{window: window, threshold: threshold, minStable: minStable}, nil
}

func (s *StableDeviation[H]) Name() string {
	return fmt.Sprintf("stable-deviation(%d,%g,%d)", s.window, s.threshold, s.minStable)
}

func (s *StableDeviation[H]) Evaluate(sw *swarm.Swarm[H]) bool {
	s.memory = append(s.memory, sw.Activity())
	if len(s.memory) > s.window {
		s.memory = slices.Delete(s.memory, 0, len(s.memory)-s.window)
	}
	if deviation(s.memory) > s.threshold {
		s.stable = 0
		return false
	}
	s.stable++
	return s.stable >= s.minStable
}

func (s *StableDeviation[H]) Fresh() Predicate[H] {
	return &StableDeviation[H]{window: s.window, threshold: s.threshold, minStable: s.minStable}
}

func deviation(values []float64) float64 {
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	sum := 0.0
	for _, v := range values {
		sum += (v - mean) * (v - mean)
	}
	return math.Sqrt(sum / float64(len(values)))
}

// Weak halts once activity has stayed within tolerance of target for more
// than minStable consecutive evaluations.
type Weak[H comparable] struct {
	target, tolerance float64
	minStable         int
	stable            int
}

func NewWeak[H comparable](target, tolerance float64, minStable int) (*Weak[H], error) {
	if !(2*tolerance < 1 && tolerance+target <= 1 && target-tolerance >= 0) {
		return nil, fmt.Errorf("%w: weak halting needs 2*tolerance < 1, tolerance+target <= 1 and target-tolerance >= 0 (target=%g tolerance=%g)", ErrInvalidConfig, target, tolerance)
	}
	return &Weak[H]{target: target, tolerance: tolerance, minStable: minStable}, nil
}

func (w *Weak[H]) Name() string {
	return fmt.Sprintf("weak(%g±%g,%d)", w.target, w.tolerance, w.minStable)
}

func (w *Weak[H]) Evaluate(sw *swarm.Swarm[H]) bool {
	if math.Abs(sw.Activity()-w.target) < w.tolerance {
		w.stable++
	} else {
		w.stable = 0
	}
	return w.stable > w.minStable
}

func (w *Weak[H]) Fresh() Predicate[H] {
	return &Weak[H]{target: w.target, tolerance: w.tolerance, minStable: w.minStable}
}

// Strong halts once the largest cluster's agent count has stayed within
// tolerance of target for more than minStable consecutive evaluations.
type Strong[H comparable] struct {
	target, tolerance float64
	minStable         int
	stable            int
}

func NewStrong[H comparable](swarmSize int, target, tolerance float64, minStable int) (*Strong[H], error) {
	size := float64(swarmSize)
	if !(2*tolerance < size && tolerance+target <= size && target-tolerance >= 0) {
		return nil, fmt.Errorf("%w: strong halting needs 2*tolerance < %d, tolerance+target <= %d and target-tolerance >= 0 (target=%g tolerance=%g)", ErrInvalidConfig, swarmSize, swarmSize, target, tolerance)
	}
	return &Strong[H]{target: target, tolerance: tolerance, minStable: minStable}, nil
}

func (s *Strong[H]) Name() string {
	return fmt.Sprintf("strong(%g±%g,%d)", s.target, s.tolerance, s.minStable)
}

func (s *Strong[H]) Evaluate(sw *swarm.Swarm[H]) bool {
	if math.Abs(float64(sw.LargestCluster().Count)-s.target) < s.tolerance {
		s.stable++
	} else {
		s.stable = 0
	}
	return s.stable > s.minStable
}

func (s *Strong[H]) Fresh() Predicate[H] {
	return &Strong[H]{target: s.target, tolerance: s.tolerance, minStable: s.minStable}
}

// EliteConsensus halts once a fixed random sample of agents is active and
// agrees on one hypothesis.
type EliteConsensus[H comparable] struct {
	elite []int
}

func NewEliteConsensus[H comparable](rng *rand.Rand, swarmSize, eliteCount int) (*EliteConsensus[H], error) {
	if rng == nil {
		return nil, fmt.Errorf("%w: random source is required", ErrInvalidConfig)
	}
	if eliteCount < 1 || eliteCount > swarmSize {
		return nil, fmt.Errorf("%w: elite count must be in [1, %d], got %d", ErrInvalidConfig, swarmSize, eliteCount)
	}
	elite := rng.Perm(swarmSize)[:eliteCount]
	slices.Sort(elite)
	return &EliteConsensus[H]{elite: elite}, nil
}

func (e *EliteConsensus[H]) Name() string {
	return fmt.Sprintf("elite-consensus(%d)", len(e.elite))
}

func (e *EliteConsensus[H]) Evaluate(sw *swarm.Swarm[H]) bool {
	first := sw.Agent(e.elite[0]).State()
	if !first.Active || !first.Set {
		return false
	}
	for _, i := range e.elite[1:] {
		st := sw.Agent(i).State()
		if !st.Active || !st.Agrees(first) {
			return false
		}
	}
	return true
}

func (e *EliteConsensus[H]) Fresh() Predicate[H] {
	return e
}

// Deadline halts once d has elapsed since its first evaluation.
type Deadline[H comparable] struct {
	d     time.Duration
	now   func() time.Time
	start time.Time
}

// NewDeadline builds a wall-clock predicate; a nil clock uses time.Now.
func NewDeadline[H comparable](d time.Duration, clock func() time.Time) (*Deadline[H], error) {
	if d <= 0 {
		return nil, fmt.Errorf("%w: deadline must be > 0, got %s", ErrInvalidConfig, d)
	}
	if clock == nil {
		clock = time.Now
	}
	return &Deadline[H]{d: d, now: clock}, nil
}

func (d *Deadline[H]) Name() string {
	return "deadline(" + d.d.String() + ")"
}

func (d *Deadline[H]) Evaluate(*swarm.Swarm[H]) bool {
	now := d.now()
	if d.start.IsZero() {
		d.start = now
	}
	return now.Sub(d.start) > d.d
}

func (d *Deadline[H]) Fresh() Predicate[H] {
	return &Deadline[H]{d: d.d, now: d.now}
}

type allTerminating[H comparable] struct{}

// AllTerminating halts once every live agent is terminating.
func AllTerminating[H comparable]() Predicate[H] {
	return allTerminating[H]{}
}

func (allTerminating[H]) Name() string { return "all-terminating" }

func (allTerminating[H]) Evaluate(sw *swarm.Swarm[H]) bool {
	return sw.Terminating() == sw.Live()
}

func (a allTerminating[H]) Fresh() Predicate[H] { return a }

type empty[H comparable] struct{}

// Empty halts once fewer than two live agents remain to interact.
func Empty[H comparable]() Predicate[H] {
	return empty[H]{}
}

func (empty[H]) Name() string { return "empty" }

func (empty[H]) Evaluate(sw *swarm.Swarm[H]) bool {
	return sw.Live() < 2
}

func (e empty[H]) Fresh() Predicate[H] { return e }

// Reducing halts a quorum-sensing run once the swarm is empty or every live
// agent is terminating.
func Reducing[H comparable]() Predicate[H] {
	return Any(Empty[H](), AllTerminating[H]())
}

type combined[H comparable] struct {
	all   bool
	parts []Predicate[H]
}

// All halts when every predicate halts. Every predicate is evaluated on
// each call so stateful predicates keep counting.
func All[H comparable](parts ...Predicate[H]) Predicate[H] {
	return &combined[H]{all: true, parts: parts}
}

// Any halts when at least one predicate halts. Every predicate is evaluated
// on each call.
func Any[H comparable](parts ...Predicate[H]) Predicate[H] {
	return &combined[H]{parts: parts}
}

func (c *combined[H]) Name() string {
	names := make([]string, len(c.parts))
	for i, p := range c.parts {
		names[i] = p.Name()
	}
	op := "any"
	if c.all {
		op = "all"
	}
	return op + "(" + strings.Join(names, ",") + ")"
}

func (c *combined[H]) Evaluate(sw *swarm.Swarm[H]) bool {
	if len(c.parts) == 0 {
		return c.all
	}
	result := c.all
	for _, p := range c.parts {
		halt := p.Evaluate(sw)
		if c.all {
			result = result && halt
		} else {
			result = result || halt
		}
	}
	return result
}

func (c *combined[H]) Fresh() Predicate[H] {
	parts := make([]Predicate[H], len(c.parts))
	for i, p := range c.parts {
		parts[i] = p.Fresh()
	}
	return &combined[H]{all: c.all, parts: parts}
}

func checkFraction(name string, v float64) error {
	if v < 0 || v > 1 || math.IsNaN(v) {
		return fmt.Errorf("%w: %s must be in [0, 1], got %g", ErrInvalidConfig, name, v)
	}
	return nil
}
