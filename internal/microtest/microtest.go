package microtest

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"

	"sds/internal/swarm"
)

var (
	ErrNoMicrotests  = errors.New("microtests must be a non-empty indexable collection")
	ErrInvalidConfig = errors.New("invalid test configuration")
)

// Microtest is a cheap partial evaluation of a hypothesis.
type Microtest[H comparable] func(h H) bool

// Scorer is a scalar partial evaluation of a hypothesis.
type Scorer[H comparable] func(h H) float64

// Strategy decides activation for one agent from its own hypothesis.
type Strategy[H comparable] interface {
	Name() string
	Test(rng *rand.Rand, i int, v swarm.View[H])
}

// Batch is implemented by strategies whose synchronous round must see every
// agent's evidence before any activation is written.
type Batch[H comparable] interface {
	TestAll(rng *rand.Rand, v swarm.View[H])
}

type Combinator struct {
	Name    string
	Combine func(results []bool) bool
}

var (
	All = Combinator{Name: "all", Combine: func(results []bool) bool {
		for _, r := range results {
			if !r {
				return false
			}
		}
		return true
	}}
	Any = Combinator{Name: "any", Combine: func(results []bool) bool {
		return slices.Contains(results, true)
	}}
	Majority = Combinator{Name: "majority", Combine: func(results []bool) bool {
		n := 0
		for _, r := range results {
			if r {
				n++
			}
		}
		return 2*n > len(results)
	}}
)

type Aggregator struct {
	Name      string
	Aggregate func(scores []float64) float64
}

var (
	Max = Aggregator{Name: "max", Aggregate: func(scores []float64) float64 {
		return slices.Max(scores)
	}}
	Min = Aggregator{Name: "min", Aggregate: func(scores []float64) float64 {
		return slices.Min(scores)
	}}
	Mean = Aggregator{Name: "mean", Aggregate: func(scores []float64) float64 {
		sum := 0.0
		for _, s := range scores {
			sum += s
		}
		return sum / float64(len(scores))
	}}
)

// CombinatorByName resolves all, any or majority. Empty selects all.
func CombinatorByName(name string) (Combinator, error) {
	switch name {
	case "", All.Name:
		return All, nil
	case Any.Name:
		return Any, nil
	case Majority.Name:
		return Majority, nil
	default:
		return Combinator{}, fmt.Errorf("%w: unknown combinator %q", ErrInvalidConfig, name)
	}
}

// AggregatorByName resolves max, min or mean. Empty selects max.
func AggregatorByName(name string) (Aggregator, error) {
	switch name {
	case "", Max.Name:
		return Max, nil
	case Min.Name:
		return Min, nil
	case Mean.Name:
		return Mean, nil
	default:
		return Aggregator{}, fmt.Errorf("%w: unknown aggregator %q", ErrInvalidConfig, name)
	}
}

// unscored ranks below any real score.
var unscored = math.Inf(-1)
