package domain

import (
	"time"
)

// Status is the lifecycle state of a generation job.
type Status string

// Job status constants. Terminal states are sinks: once a job reaches one,
// no further transition is legal.
const (
	StatusQueued         Status = "QUEUED"
	StatusRunning        Status = "RUNNING"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusCancelled      Status = "CANCELLED"
	StatusBudgetExceeded Status = "BUDGET_EXCEEDED"
)

// Terminal reports whether the status is a sink state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusBudgetExceeded:
		return true
	}
	return false
}

// Valid reports whether s is one of the known status constants.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusBudgetExceeded:
		return true
	}
	return false
}

// transitions enumerates the legal edges of the job state machine.
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled, StatusBudgetExceeded},
}

// CanTransition reports whether from → to is a legal state machine edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Status reasons recorded on terminal non-completed transitions.
const (
	ReasonBudgetPreCall          = "budget-pre-call"
	ReasonRestartBudgetExhausted = "restart-budget-exhausted"
	ReasonCancelledByUser        = "cancelled-by-user"
	ReasonRenderError            = "render-error"
	ReasonModelPermanent         = "model-permanent-error"
	ReasonCorruptCheckpoint      = "corrupt-checkpoint"
	ReasonCheckpointContention   = "checkpoint-contention"
	ReasonLaunchFailed           = "launch-failed"
	ReasonSeedDataUnavailable    = "seed-data-unavailable"
)

// Job is the aggregate root for a synthetic-data generation run.
//
// Ownership is split: the dispatcher owns Status, StatusReason, StatusDetail
// and Restarts; the worker owns the progress counters, which the dispatcher
// only touches when reconciling from a checkpoint read.
type Job struct {
	ID      string
	OwnerID string
	Status  Status

	// Template and input
	TemplateID      string
	TemplateVersion int
	SeedLocator     string

	// Targets and limits
	TargetRecords int64
	BudgetLimit   float64 // USD
	OutputFormat  string  // "jsonl", "csv" or "parquet"

	// Progress counters; monotonically non-decreasing.
	RecordsGenerated int64
	RecordsRejected  int64
	TokensUsed       int64
	CostAccumulated  float64

	// Terminal diagnostics, populated by the dispatcher.
	StatusReason string
	StatusDetail string

	// Restarts counts non-terminal worker exits for this job.
	Restarts int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// QueueEntry is the FIFO queue row for a QUEUED job. Sort order is
// (CreatedAt, JobID): creation time first, job id breaking ties.
type QueueEntry struct {
	JobID     string
	CreatedAt time.Time
}

// JobPatch carries counter and diagnostic updates applied alongside a status
// transition. Nil fields are left unchanged.
type JobPatch struct {
	RecordsGenerated *int64
	RecordsRejected  *int64
	TokensUsed       *int64
	CostAccumulated  *float64
	StatusReason     *string
	StatusDetail     *string
	Restarts         *int
}
