// Package sds is the public entry point to the stochastic diffusion search
// engine. It re-exports the engine's types and offers a Client that runs
// configured searches and keeps their artifacts.
package sds

import (
	"context"

	"sds/internal/engine"
	"sds/internal/halting"
	"sds/internal/swarm"
)

type (
	Swarm[H comparable]        = swarm.Swarm[H]
	Agent[H comparable]        = swarm.Agent[H]
	ClusterTable[H comparable] = swarm.ClusterTable[H]
	ClusterEntry[H comparable] = swarm.ClusterEntry[H]
	Snapshot[H comparable]     = swarm.Snapshot[H]

	Engine[H comparable]   = engine.Engine[H]
	Config[H comparable]   = engine.Config[H]
	Result[H comparable]   = engine.Result[H]
	Report[H comparable]   = engine.Report[H]
	Reporter[H comparable] = engine.Reporter[H]
	Problem[H comparable]  = engine.Problem[H]
	Spec                   = engine.Spec

	Predicate[H comparable] = halting.Predicate[H]
)

func NewSwarm[H comparable](n int) (*Swarm[H], error) {
	return swarm.New[H](n)
}

func NewEngine[H comparable](cfg Config[H]) (*Engine[H], error) {
	return engine.New(cfg)
}

// Build maps a declarative spec onto a problem.
func Build[H comparable](spec Spec, p Problem[H]) (Config[H], error) {
	return engine.Build(spec, p)
}

// Run builds an engine from cfg and runs it once.
func Run[H comparable](ctx context.Context, cfg Config[H]) (Result[H], error) {
	e, err := engine.New(cfg)
	if err != nil {
		return Result[H]{}, err
	}
	return e.Run(ctx)
}
