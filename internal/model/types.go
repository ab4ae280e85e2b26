package model

import (
	"encoding/json"
	"time"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Snapshot is a stored cluster table. Hypotheses are kept as encoded JSON
// so that one store serves every hypothesis type.
type Snapshot struct {
	VersionedRecord
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Iteration  int       `json:"iteration"`
	AgentCount int       `json:"agent_count"`
	Clusters   []Cluster `json:"clusters"`
	CreatedAt  time.Time `json:"created_at"`
}

type Cluster struct {
	Hypothesis json.RawMessage `json:"hypothesis"`
	Count      int             `json:"count"`
}

// RunSummary is the outcome of one finished run.
type RunSummary struct {
	VersionedRecord
	RunID          string    `json:"run_id"`
	Mode           string    `json:"mode"`
	Diffusion      string    `json:"diffusion"`
	Test           string    `json:"test"`
	Halting        string    `json:"halting"`
	Agents         int       `json:"agents"`
	Iterations     int       `json:"iterations"`
	Reason         string    `json:"reason"`
	Activity       float64   `json:"activity"`
	LargestShare   float64   `json:"largest_share"`
	Clusters       int       `json:"clusters"`
	Removed        int       `json:"removed"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	StartedAt      time.Time `json:"started_at"`
}

// IterationRecord is one row of a run trace.
type IterationRecord struct {
	Iteration    int     `json:"iteration"`
	Activity     float64 `json:"activity"`
	LargestShare float64 `json:"largest_share"`
	Clusters     int     `json:"clusters"`
	Live         int     `json:"live"`
}
