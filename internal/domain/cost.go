package domain

import "time"

// CostEventKind distinguishes the billable activity a cost event records.
type CostEventKind string

const (
	CostKindModelCall    CostEventKind = "model-call"
	CostKindComputeSlice CostEventKind = "compute-slice"
	CostKindStorage      CostEventKind = "storage"
)

// CostEvent is one append-only accounting entry for a job. Events are
// write-once and carry a TTL; the running total in checkpoint state is
// authoritative for budget checks, the event log for audits.
type CostEvent struct {
	JobID        string
	Timestamp    time.Time
	Kind         CostEventKind
	ModelID      string
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	ExpiresAt    time.Time
}
