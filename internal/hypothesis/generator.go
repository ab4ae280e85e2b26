package hypothesis

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
)

var ErrInvalidRange = errors.New("invalid hypothesis range")

// Generator draws a fresh hypothesis from the search space.
type Generator[H comparable] func(rng *rand.Rand) H

// Uniform picks uniformly from a fixed set of hypotheses.
func Uniform[H comparable](values []H) (Generator[H], error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no hypotheses to choose from", ErrInvalidRange)
	}
	values = slices.Clone(values)
	return func(rng *rand.Rand) H {
		return values[rng.Intn(len(values))]
	}, nil
}

// IntRange picks uniformly from [lo, hi].
func IntRange(lo, hi int) (Generator[int], error) {
	if hi < lo {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, lo, hi)
	}
	span := hi - lo + 1
	return func(rng *rand.Rand) int {
		return lo + rng.Intn(span)
	}, nil
}

// Continuous picks uniformly from [lo, hi).
func Continuous(lo, hi float64) (Generator[float64], error) {
	if hi < lo {
		return nil, fmt.Errorf("%w: [%g, %g)", ErrInvalidRange, lo, hi)
	}
	width := hi - lo
	return func(rng *rand.Rand) float64 {
		return lo + rng.Float64()*width
	}, nil
}

func Func[H comparable](f func(rng *rand.Rand) H) Generator[H] {
	return f
}
