package diffusion

import (
	"errors"
	"fmt"
	"math/rand"

	"sds/internal/swarm"
)

var ErrInvalidConfig = errors.New("invalid diffusion configuration")

// Strategy updates agent i from a randomly polled peer. Reads go through the
// view; writes go to the live agents.
type Strategy[H comparable] interface {
	Name() string
	Kind() Kind
	Diffuse(rng *rand.Rand, i int, v swarm.View[H])
	// WritesPeers reports whether a step may mutate agents other than i.
	WritesPeers() bool
}

type Kind int

const (
	Passive Kind = iota
	Active
	ContextFree
	ContextSensitive
	Confirmation
	Independent
	RunningMean
	DecayedConfidence
)

var kindNames = map[Kind]string{
	Passive:           "passive",
	Active:            "active",
	ContextFree:       "context-free",
	ContextSensitive:  "context-sensitive",
	Confirmation:      "confirmation",
	Independent:       "independent",
	RunningMean:       "running-mean",
	DecayedConfidence: "decayed-confidence",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Reducing reports whether the kind belongs to the quorum-sensing family.
func (k Kind) Reducing() bool {
	return k >= Confirmation
}

func ParseKind(name string) (Kind, error) {
	switch name {
	case "":
		return Passive, nil
	case "qs":
		return DecayedConfidence, nil
	}
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown diffusion kind %q", ErrInvalidConfig, name)
}
