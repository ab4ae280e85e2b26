package hypothesis

import (
	"fmt"
	"math/rand"
)

// Perturbation adds noise to a hypothesis during transfer.
type Perturbation[H comparable] func(rng *rand.Rand, h H) H

// Gaussian shifts a scalar hypothesis by N(mean, sigma).
func Gaussian(mean, sigma float64) (Perturbation[float64], error) {
	if sigma < 0 {
		return nil, fmt.Errorf("%w: sigma must be >= 0, got %g", ErrInvalidRange, sigma)
	}
	return func(rng *rand.Rand, h float64) float64 {
		return h + mean + rng.NormFloat64()*sigma
	}, nil
}

// Normal is Gaussian(0, 1).
func Normal() Perturbation[float64] {
	return func(rng *rand.Rand, h float64) float64 {
		return h + rng.NormFloat64()
	}
}

// Jitter moves an integer hypothesis by a uniform step in [-radius, radius]
// and clamps it to [lo, hi].
func Jitter(radius, lo, hi int) (Perturbation[int], error) {
	if radius < 0 || hi < lo {
		return nil, fmt.Errorf("%w: radius=%d range=[%d, %d]", ErrInvalidRange, radius, lo, hi)
	}
	return func(rng *rand.Rand, h int) int {
		h += rng.Intn(2*radius+1) - radius
		if h < lo {
			return lo
		}
		if h > hi {
			return hi
		}
		return h
	}, nil
}
