package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/plotpalette/plotpalette/internal/checkpoint"
	"github.com/plotpalette/plotpalette/internal/domain"
)

// Outcome is the conclusion of one worker attempt.
//
// Terminal outcomes name the status the dispatcher should transition the
// job to. A non-terminal outcome (preemption, infrastructure failure)
// leaves the job RUNNING for the dispatcher's restart logic.
type Outcome struct {
	Terminal bool          `json:"terminal"`
	Status   domain.Status `json:"status,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Detail   string        `json:"detail,omitempty"`

	RecordsGenerated int64 `json:"records_generated"`
	RecordsRejected  int64 `json:"records_rejected"`
}

// ReasonPreempted marks a non-terminal exit caused by the preemption
// signal. Not a job status reason; the dispatcher relaunches.
const ReasonPreempted = "preempted"

// ReasonStatusChanged marks a non-terminal exit taken when the job record
// left RUNNING under the worker, typically a cancellation applied by a
// dispatcher that holds no handle on this task.
const ReasonStatusChanged = "job-status-changed"

// reportKey is where a worker attempt leaves its outcome for the
// dispatcher to read after the task exits.
func reportKey(jobID string) string {
	return "report/" + jobID + ".json"
}

// writeReport persists the attempt outcome. Best effort: the dispatcher
// falls back to exit-code semantics when the report is missing.
func (r *Runtime) writeReport(ctx context.Context, jobID string, outcome Outcome, runErr error) {
	if runErr != nil {
		outcome = Outcome{Terminal: false, Reason: "error", Detail: runErr.Error()}
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal worker report", "job_id", jobID, "error", err)
		return
	}
	if err := r.overwriteBlob(ctx, reportKey(jobID), data); err != nil {
		slog.WarnContext(ctx, "failed to write worker report", "job_id", jobID, "error", err)
	}
}

// ReadReport fetches the last attempt outcome for a job. Used by the
// dispatcher during reconciliation. Returns domain.ErrBlobNotFound when
// no attempt has reported yet.
func ReadReport(ctx context.Context, blobs checkpoint.BlobStore, jobID string) (Outcome, error) {
	data, _, err := blobs.Get(ctx, reportKey(jobID))
	if err != nil {
		return Outcome{}, err
	}
	var out Outcome
	if err := json.Unmarshal(data, &out); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// overwriteBlob writes a key unconditionally: create when absent,
// replace otherwise.
func (r *Runtime) overwriteBlob(ctx context.Context, key string, data []byte) error {
	_, err := r.blobs.Put(ctx, key, data, "")
	if !errors.Is(err, domain.ErrTagMismatch) {
		return err
	}
	_, tag, err := r.blobs.Get(ctx, key)
	if err != nil {
		return err
	}
	_, err = r.blobs.Put(ctx, key, data, tag)
	return err
}
