package diffusion

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sds/internal/swarm"
)

func terminate(t *testing.T, sw *swarm.Swarm[int], i int) {
	t.Helper()
	require.True(t, sw.Agent(i).MarkTerminating())
}

func TestDecayedConfidenceFollowsFormula(t *testing.T) {
	d, err := NewReducing(DecayedConfidence, constant(-1), QuorumConfig{Quorum: 0.7, Decay: 0.5})
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(1))

	sw := build(t, []int{1, 1}, []bool{true, true})
	sw.Agent(0).SetConfidence(0.2)
	view := swarm.LiveView(sw)

	d.Diffuse(rng, 0, view)
	assert.InDelta(t, 0.6, sw.Agent(0).Confidence(), 1e-12)
	assert.False(t, sw.Agent(0).Terminating())

	d.Diffuse(rng, 0, view)
	assert.InDelta(t, 0.8, sw.Agent(0).Confidence(), 1e-12)
	assert.True(t, sw.Agent(0).Terminating())

	differ := build(t, []int{1, 2}, []bool{true, true})
	differ.Agent(0).SetConfidence(0.2)
	d.Diffuse(rng, 0, swarm.LiveView(differ))
	assert.InDelta(t, 0.1, differ.Agent(0).Confidence(), 1e-12)
}

func TestDecayedConfidenceResetsWhenInactive(t *testing.T) {
	d, err := NewReducing(DecayedConfidence, constant(-1), QuorumConfig{Quorum: 0.5, Decay: 0.9})
	require.NoError(t, err)
	sw := build(t, []int{1, 4}, []bool{false, true})
	sw.Agent(0).SetConfidence(0.4)
	d.Diffuse(rand.New(rand.NewSource(1)), 0, swarm.LiveView(sw))
	assert.Equal(t, 0.0, sw.Agent(0).Confidence())
	h, _ := sw.Agent(0).Hypothesis()
	assert.Equal(t, 4, h)
}

func TestDecayedConfidenceRejectsUnreachableThreshold(t *testing.T) {
	_, err := NewReducing(DecayedConfidence, constant(0), QuorumConfig{Quorum: 1, Decay: 0.5})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewReducing(DecayedConfidence, constant(0), QuorumConfig{Quorum: 1, Decay: 1.5})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestTerminatingAgentRemovesDisagreeingPeer(t *testing.T) {
	d, err := NewReducing(Confirmation, constant(-1), QuorumConfig{})
	require.NoError(t, err)
	sw := build(t, []int{1, 2}, []bool{true, true})
	terminate(t, sw, 0)

	d.Diffuse(rand.New(rand.NewSource(1)), 0, swarm.LiveView(sw))

	st := sw.Agent(1).State()
	assert.True(t, st.Removed)
	assert.False(t, st.Active)
	assert.Equal(t, 1, st.Hypothesis)
	assert.Equal(t, map[int]int{1: 1}, sw.RemovalTally())
}

func TestRemovalMirrorsWhenPeerIsTerminating(t *testing.T) {
	d, err := NewReducing(Confirmation, constant(-1), QuorumConfig{})
	require.NoError(t, err)
	sw := build(t, []int{2, 1}, []bool{true, true})
	terminate(t, sw, 1)

	d.Diffuse(rand.New(rand.NewSource(1)), 0, swarm.LiveView(sw))

	st := sw.Agent(0).State()
	assert.True(t, st.Removed)
	assert.Equal(t, 1, st.Hypothesis)
	assert.True(t, sw.Agent(1).Terminating())
}

func TestRemovedAgentIsImmutable(t *testing.T) {
	d, err := NewReducing(Independent, constant(-1), QuorumConfig{})
	require.NoError(t, err)
	sw := build(t, []int{1, 2, 3}, []bool{true, true, false})
	terminate(t, sw, 0)
	require.True(t, sw.Remove(1, 1))

	rng := rand.New(rand.NewSource(5))
	view := swarm.LiveView(sw)
	for round := 0; round < 50; round++ {
		for i := 0; i < sw.Len(); i++ {
			d.Diffuse(rng, i, view)
		}
		st := sw.Agent(1).State()
		require.True(t, st.Removed)
		require.Equal(t, 1, st.Hypothesis)
		require.False(t, st.Active)
	}
	assert.Equal(t, []swarm.Removal[int]{{Index: 1, Hypothesis: 1}, {Index: 2, Hypothesis: 1}}, sw.Removals())
}

func TestBothTerminatingRemovesExactlyOne(t *testing.T) {
	d, err := NewReducing(Independent, constant(-1), QuorumConfig{})
	require.NoError(t, err)
	for seed := int64(0); seed < 10; seed++ {
		sw := build(t, []int{1, 2}, []bool{true, true})
		terminate(t, sw, 0)
		terminate(t, sw, 1)
		d.Diffuse(rand.New(rand.NewSource(seed)), 0, swarm.LiveView(sw))
		removals := sw.Removals()
		require.Len(t, removals, 1)
		survivor := 1 - removals[0].Index
		h, _ := sw.Agent(survivor).Hypothesis()
		assert.Equal(t, h, removals[0].Hypothesis)
		assert.Equal(t, 1, sw.Live())

		// Fewer than two live agents: further steps do nothing.
		d.Diffuse(rand.New(rand.NewSource(seed)), survivor, swarm.LiveView(sw))
		assert.Len(t, sw.Removals(), 1)
	}
}

func TestTerminatingAgentsThatAgreeStayLive(t *testing.T) {
	kinds := map[Kind]QuorumConfig{
		DecayedConfidence: {Quorum: 0.7, Decay: 0.5},
		Confirmation:      {},
		RunningMean:       {Quorum: 0.5, Memory: 2},
	}
	for kind, cfg := range kinds {
		d, err := NewReducing(kind, constant(-1), cfg)
		require.NoError(t, err)
		for seed := int64(0); seed < 10; seed++ {
			sw := build(t, []int{1, 1}, []bool{true, true})
			terminate(t, sw, 0)
			terminate(t, sw, 1)
			d.Diffuse(rand.New(rand.NewSource(seed)), 0, swarm.LiveView(sw))
			assert.Empty(t, sw.Removals(), "%s seed %d", kind, seed)
			assert.Equal(t, 2, sw.Live(), "%s seed %d", kind, seed)
			assert.True(t, sw.Agent(0).Terminating(), "%s seed %d", kind, seed)
			assert.True(t, sw.Agent(1).Terminating(), "%s seed %d", kind, seed)
		}
	}
}

func TestTerminatingAgentsThatDisagreeCompete(t *testing.T) {
	kinds := map[Kind]QuorumConfig{
		DecayedConfidence: {Quorum: 0.7, Decay: 0.5},
		Confirmation:      {},
		RunningMean:       {Quorum: 0.5, Memory: 2},
	}
	for kind, cfg := range kinds {
		d, err := NewReducing(kind, constant(-1), cfg)
		require.NoError(t, err)
		sw := build(t, []int{1, 2}, []bool{true, true})
		terminate(t, sw, 0)
		terminate(t, sw, 1)
		d.Diffuse(rand.New(rand.NewSource(3)), 0, swarm.LiveView(sw))
		require.Len(t, sw.Removals(), 1, "%s", kind)
		assert.Equal(t, 1, sw.Live(), "%s", kind)
	}
}

func TestIndependentTerminatingAgentsThatAgreeRemoveOne(t *testing.T) {
	d, err := NewReducing(Independent, constant(-1), QuorumConfig{})
	require.NoError(t, err)
	sw := build(t, []int{4, 4}, []bool{true, true})
	terminate(t, sw, 0)
	terminate(t, sw, 1)
	d.Diffuse(rand.New(rand.NewSource(2)), 0, swarm.LiveView(sw))
	removals := sw.Removals()
	require.Len(t, removals, 1)
	assert.Equal(t, 4, removals[0].Hypothesis)
	assert.Equal(t, 1, sw.Live())
}

func TestIndependentMatchesMakeBothTerminating(t *testing.T) {
	d, err := NewReducing(Independent, constant(-1), QuorumConfig{})
	require.NoError(t, err)
	sw := build(t, []int{4, 4}, []bool{true, true})
	d.Diffuse(rand.New(rand.NewSource(1)), 0, swarm.LiveView(sw))
	assert.True(t, sw.Agent(0).Terminating())
	assert.True(t, sw.Agent(1).Terminating())
}

func TestIndependentBothInactiveRedraftBoth(t *testing.T) {
	d, err := NewReducing(Independent, constant(8), QuorumConfig{})
	require.NoError(t, err)
	sw := build(t, []int{1, 2}, []bool{false, false})
	d.Diffuse(rand.New(rand.NewSource(1)), 0, swarm.LiveView(sw))
	for i := 0; i < 2; i++ {
		h, _ := sw.Agent(i).Hypothesis()
		assert.Equal(t, 8, h)
	}
}

func TestConfirmationCountsToQuorum(t *testing.T) {
	d, err := NewReducing(Confirmation, constant(-1), QuorumConfig{Quorum: 2})
	require.NoError(t, err)
	sw := build(t, []int{3, 3}, []bool{true, true})
	rng := rand.New(rand.NewSource(1))
	d.Diffuse(rng, 0, swarm.LiveView(sw))
	assert.False(t, sw.Agent(0).Terminating())
	d.Diffuse(rng, 0, swarm.LiveView(sw))
	assert.True(t, sw.Agent(0).Terminating())
	assert.False(t, sw.Agent(1).Terminating())
}

func TestRunningMeanWaitsForMinSamples(t *testing.T) {
	d, err := NewReducing(RunningMean, constant(-1), QuorumConfig{Quorum: 1, Memory: 3})
	require.NoError(t, err)
	sw := build(t, []int{6, 6}, []bool{true, true})
	rng := rand.New(rand.NewSource(1))
	view := swarm.LiveView(sw)

	d.Diffuse(rng, 0, view)
	d.Diffuse(rng, 0, view)
	assert.Equal(t, 0.0, sw.Agent(0).Confidence())
	assert.False(t, sw.Agent(0).Terminating())

	d.Diffuse(rng, 0, view)
	assert.Equal(t, 1.0, sw.Agent(0).Confidence())
	assert.True(t, sw.Agent(0).Terminating())
}

func TestReducingValidation(t *testing.T) {
	_, err := NewReducing(Passive, constant(0), QuorumConfig{})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewReducing(RunningMean, constant(0), QuorumConfig{Quorum: 0.5})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewReducing(RunningMean, constant(0), QuorumConfig{Quorum: 0.5, Memory: 2, MinSamples: 3})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewReducing[int](Confirmation, nil, QuorumConfig{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
