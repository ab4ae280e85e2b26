package swarm

import (
	"encoding/json"
	"fmt"
)

// Snapshot is the persisted summary of a swarm: its size and the cluster
// table at capture time.
type Snapshot[H comparable] struct {
	AgentCount int               `json:"agent_count"`
	Clusters   []ClusterEntry[H] `json:"clusters"`
}

// Capture records the swarm size and its top clusters. top <= 0 keeps all.
func (s *Swarm[H]) Capture(top int) Snapshot[H] {
	return Snapshot[H]{
		AgentCount: s.Len(),
		Clusters:   s.Clusters().Top(top),
	}
}

// Table rebuilds the cluster table from the snapshot entries.
func (s Snapshot[H]) Table() ClusterTable[H] {
	return NewClusterTable(s.Clusters)
}

// MarshalJSON encodes an entry as a [hypothesis, count] pair.
func (e ClusterEntry[H]) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Hypothesis, e.Count})
}

func (e *ClusterEntry[H]) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("cluster entry: want [hypothesis, count], got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.Hypothesis); err != nil {
		return fmt.Errorf("cluster entry hypothesis: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Count); err != nil {
		return fmt.Errorf("cluster entry count: %w", err)
	}
	return nil
}
