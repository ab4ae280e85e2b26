package swarm

import "slices"

type ClusterEntry[H comparable] struct {
	Hypothesis H
	Count      int
}

// Cluster describes the largest cluster. Set is false for the empty
// sentinel, in which case Count and Share are zero.
type Cluster[H comparable] struct {
	Hypothesis H
	Set        bool
	Count      int
	Share      float64
}

// ClusterTable is a count-descending hypothesis tally. Equal counts keep the
// order in which the hypothesis first appears in the swarm.
type ClusterTable[H comparable] struct {
	entries []ClusterEntry[H]
}

// Tabulate counts set hypotheses held by active or removed agents.
func Tabulate[H comparable](states []State[H]) ClusterTable[H] {
	index := make(map[H]int)
	var entries []ClusterEntry[H]
	for _, st := range states {
		if !st.Set || !(st.Active || st.Removed) {
			continue
		}
		if i, ok := index[st.Hypothesis]; ok {
			entries[i].Count++
			continue
		}
		index[st.Hypothesis] = len(entries)
		entries = append(entries, ClusterEntry[H]{Hypothesis: st.Hypothesis, Count: 1})
	}
	slices.SortStableFunc(entries, func(a, b ClusterEntry[H]) int {
		return b.Count - a.Count
	})
	return ClusterTable[H]{entries: entries}
}

// NewClusterTable sorts the given entries into a table.
func NewClusterTable[H comparable](entries []ClusterEntry[H]) ClusterTable[H] {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b ClusterEntry[H]) int {
		return b.Count - a.Count
	})
	return ClusterTable[H]{entries: sorted}
}

func (t ClusterTable[H]) Len() int {
	return len(t.entries)
}

func (t ClusterTable[H]) Entries() []ClusterEntry[H] {
	return t.entries
}

// Top returns the n largest entries, or all of them when n <= 0.
func (t ClusterTable[H]) Top(n int) []ClusterEntry[H] {
	if n <= 0 || n >= len(t.entries) {
		return slices.Clone(t.entries)
	}
	return slices.Clone(t.entries[:n])
}

// Total sums all cluster sizes.
func (t ClusterTable[H]) Total() int {
	total := 0
	for _, e := range t.entries {
		total += e.Count
	}
	return total
}

func (t ClusterTable[H]) Count(h H) int {
	for _, e := range t.entries {
		if e.Hypothesis == h {
			return e.Count
		}
	}
	return 0
}

func (t ClusterTable[H]) Map() map[H]int {
	m := make(map[H]int, len(t.entries))
	for _, e := range t.entries {
		m[e.Hypothesis] = e.Count
	}
	return m
}
