package swarm

import "math/rand"

// View is the read side handed to diffusion and test steps. A frozen view
// answers State from a round-start snapshot; writes always go to the live
// agents and polling always draws from the current live pool.
type View[H comparable] struct {
	sw     *Swarm[H]
	frozen []State[H]
}

// LiveView reads agents directly.
func LiveView[H comparable](sw *Swarm[H]) View[H] {
	return View[H]{sw: sw}
}

// FrozenView reads from states, which must come from sw.Snapshot.
func FrozenView[H comparable](sw *Swarm[H], states []State[H]) View[H] {
	return View[H]{sw: sw, frozen: states}
}

func (v View[H]) Swarm() *Swarm[H] {
	return v.sw
}

func (v View[H]) Frozen() bool {
	return v.frozen != nil
}

func (v View[H]) Len() int {
	return v.sw.Len()
}

func (v View[H]) State(i int) State[H] {
	if v.frozen != nil {
		return v.frozen[i]
	}
	return v.sw.agents[i].State()
}

// Agent returns the live agent for writes.
func (v View[H]) Agent(i int) *Agent[H] {
	return v.sw.agents[i]
}

// PollOther draws a live agent other than i.
func (v View[H]) PollOther(rng *rand.Rand, i int) (int, State[H], bool) {
	j, ok := v.sw.PollLiveExcept(rng, i)
	if !ok {
		return 0, State[H]{}, false
	}
	return j, v.State(j), true
}
