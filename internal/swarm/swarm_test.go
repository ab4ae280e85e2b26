package swarm

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSwarmStartsInactiveAndUnset(t *testing.T) {
	sw, err := New[int](5)
	require.NoError(t, err)
	require.Equal(t, 5, sw.Len())
	for i := 0; i < sw.Len(); i++ {
		st := sw.Agent(i).State()
		assert.False(t, st.Set)
		assert.False(t, st.Active)
	}
	assert.Equal(t, 0.0, sw.Activity())
	assert.Equal(t, 0, sw.Clusters().Len())
}

func TestNewSwarmRejectsNegativeSize(t *testing.T) {
	_, err := New[int](-1)
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestEmptySwarmQueries(t *testing.T) {
	sw, err := New[string](0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, sw.Activity())
	largest := sw.LargestCluster()
	assert.False(t, largest.Set)
	assert.Equal(t, 0, largest.Count)
	assert.Equal(t, 0.0, largest.Share)
	_, ok := sw.PollLive(rand.New(rand.NewSource(1)))
	assert.False(t, ok)
}

func TestClustersCountOnlyActiveAgents(t *testing.T) {
	sw, err := New[string](6)
	require.NoError(t, err)
	hyps := []string{"a", "b", "a", "c", "a", "b"}
	active := []bool{true, true, true, false, false, true}
	for i := range hyps {
		sw.Agent(i).SetHypothesis(hyps[i])
		sw.Agent(i).SetActive(active[i])
	}

	table := sw.Clusters()
	require.Equal(t, []ClusterEntry[string]{{"a", 2}, {"b", 2}}, table.Entries())
	assert.Equal(t, 4, table.Total())
	assert.Equal(t, 0, table.Count("c"))
	assert.InDelta(t, 4.0/6.0, sw.Activity(), 1e-12)

	largest := sw.LargestCluster()
	assert.True(t, largest.Set)
	assert.Equal(t, "a", largest.Hypothesis)
	assert.InDelta(t, 2.0/6.0, largest.Share, 1e-12)
	assert.Equal(t, []ClusterEntry[string]{{"a", 2}}, table.Top(1))
	assert.Len(t, table.Top(0), 2)
}

func TestClusterSumNeverExceedsActiveCount(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	sw, err := New[int](200)
	require.NoError(t, err)
	for round := 0; round < 50; round++ {
		for i := 0; i < sw.Len(); i++ {
			a := sw.Agent(i)
			if rng.Intn(3) > 0 {
				a.SetHypothesis(rng.Intn(10))
			}
			a.SetActive(rng.Intn(2) == 0)
		}
		active := int(sw.Activity()*float64(sw.Len()) + 0.5)
		total := sw.Clusters().Total()
		require.LessOrEqual(t, total, active)
		require.LessOrEqual(t, active, sw.Len())
	}
}

func TestRemoveIsOnceAndFreezesAgent(t *testing.T) {
	sw, err := New[int](3)
	require.NoError(t, err)
	a := sw.Agent(1)
	a.SetHypothesis(4)
	a.SetActive(true)
	require.True(t, a.MarkTerminating())

	require.True(t, sw.Remove(1, 9))
	require.False(t, sw.Remove(1, 11))

	st := a.State()
	assert.True(t, st.Removed)
	assert.False(t, st.Active)
	assert.False(t, st.Terminating)
	assert.Equal(t, 9, st.Hypothesis)

	assert.False(t, a.SetHypothesis(5))
	assert.False(t, a.SetActive(true))
	assert.False(t, a.MarkTerminating())
	assert.Equal(t, 9, a.State().Hypothesis)

	assert.Equal(t, []Removal[int]{{Index: 1, Hypothesis: 9}}, sw.Removals())
	assert.Equal(t, map[int]int{9: 1}, sw.RemovalTally())
	assert.Equal(t, 2, sw.Live())
}

func TestRemovedAgentsAreCountedInClustersButNeverPolled(t *testing.T) {
	sw, err := New[int](4)
	require.NoError(t, err)
	require.True(t, sw.Remove(0, 3))
	require.True(t, sw.Remove(2, 3))

	assert.Equal(t, 2, sw.Clusters().Count(3))

	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		j, ok := sw.PollLive(rng)
		require.True(t, ok)
		require.Contains(t, []int{1, 3}, j)
		k, ok := sw.PollLiveExcept(rng, 1)
		require.True(t, ok)
		require.Equal(t, 3, k)
	}

	require.True(t, sw.Remove(3, 3))
	_, ok := sw.PollLiveExcept(rng, 1)
	assert.False(t, ok)
}

func TestTerminatingRequiresActive(t *testing.T) {
	sw, err := New[int](1)
	require.NoError(t, err)
	a := sw.Agent(0)
	assert.False(t, a.MarkTerminating())
	a.SetActive(true)
	assert.True(t, a.MarkTerminating())
	a.SetActive(false)
	assert.False(t, a.Terminating())
}

func TestFromClustersSeedsActiveAgents(t *testing.T) {
	sw, err := FromClusters(5, []ClusterEntry[string]{{"x", 3}, {"y", 1}})
	require.NoError(t, err)
	assert.Equal(t, []ClusterEntry[string]{{"x", 3}, {"y", 1}}, sw.Clusters().Entries())
	assert.False(t, sw.Agent(4).State().Set)

	_, err = FromClusters(2, []ClusterEntry[string]{{"x", 3}})
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestRememberKeepsBoundedWindow(t *testing.T) {
	a := &Agent[int]{}
	mean, n := a.Remember(1, 3)
	assert.Equal(t, 1.0, mean)
	assert.Equal(t, 1, n)
	a.Remember(0, 3)
	a.Remember(1, 3)
	mean, n = a.Remember(1, 3)
	assert.Equal(t, 3, n)
	assert.InDelta(t, 2.0/3.0, mean, 1e-12)
	a.Forget()
	mean, n = a.Remember(0, 3)
	assert.Equal(t, 0.0, mean)
	assert.Equal(t, 1, n)
}

func TestFrozenViewIgnoresLiveWrites(t *testing.T) {
	sw, err := New[int](2)
	require.NoError(t, err)
	view := FrozenView(sw, sw.Snapshot())
	view.Agent(1).SetHypothesis(8)
	view.Agent(1).SetActive(true)

	assert.False(t, view.State(1).Set)
	assert.True(t, LiveView(sw).State(1).Active)
}
