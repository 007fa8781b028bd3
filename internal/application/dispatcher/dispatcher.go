// Package dispatcher owns the job lifecycle state machine: it creates and
// cancels jobs, launches worker tasks for queued jobs, supervises their
// liveness, and applies terminal status transitions. Only the dispatcher
// ever writes job status.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plotpalette/plotpalette/internal/checkpoint"
	"github.com/plotpalette/plotpalette/internal/compute"
	"github.com/plotpalette/plotpalette/internal/config"
	"github.com/plotpalette/plotpalette/internal/domain"
	"github.com/plotpalette/plotpalette/internal/export"
	"github.com/plotpalette/plotpalette/internal/ptr"
	"github.com/plotpalette/plotpalette/pkg/observability"
)

// JobStore is the dispatcher's view of job persistence. ConditionalUpdate
// must fail with domain.ErrStatusConflict when the stored status does not
// match expected, and must maintain queue/status agreement: inserting a
// QUEUED job creates its queue entry, and any transition out of QUEUED
// removes it in the same atomic step. An update with expected == next
// leaves the status in place and only applies the patch.
type JobStore interface {
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	InsertWithQueueEntry(ctx context.Context, job *domain.Job) error
	ConditionalUpdate(ctx context.Context, jobID string, expected, next domain.Status, patch domain.JobPatch) error
	PeekQueue(ctx context.Context, limit int) ([]domain.QueueEntry, error)
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]domain.Job, error)
	ListByOwner(ctx context.Context, ownerID, cursor string, limit int) ([]domain.Job, string, error)
}

// TemplateStore verifies that a job's template version exists.
type TemplateStore interface {
	Get(ctx context.Context, templateID string, version int) (*domain.Template, error)
}

// Dispatcher drives the job state machine.
type Dispatcher struct {
	jobs      JobStore
	templates TemplateStore
	runtime   compute.Runtime
	meta      checkpoint.MetadataStore
	blobs     checkpoint.BlobStore
	cfg       config.Dispatcher
	clock     func() time.Time

	mu    sync.Mutex
	tasks map[string]compute.Handle
}

// New creates a dispatcher.
func New(
	jobs JobStore,
	templates TemplateStore,
	runtime compute.Runtime,
	meta checkpoint.MetadataStore,
	blobs checkpoint.BlobStore,
	cfg config.Dispatcher,
) *Dispatcher {
	return &Dispatcher{
		jobs:      jobs,
		templates: templates,
		runtime:   runtime,
		meta:      meta,
		blobs:     blobs,
		cfg:       cfg,
		clock:     func() time.Time { return time.Now().UTC() },
		tasks:     make(map[string]compute.Handle),
	}
}

// CreateJobParams are the user-supplied attributes of a new job.
type CreateJobParams struct {
	OwnerID         string
	TemplateID      string
	TemplateVersion int
	SeedLocator     string
	TargetRecords   int64
	BudgetLimit     float64
	OutputFormat    string
}

// CreateJob validates the parameters, inserts the job as QUEUED together
// with its queue entry, and returns the stored record.
func (d *Dispatcher) CreateJob(ctx context.Context, params CreateJobParams) (*domain.Job, error) {
	if params.TargetRecords < 0 {
		return nil, fmt.Errorf("target records must be non-negative, got %d", params.TargetRecords)
	}
	if params.BudgetLimit <= 0 {
		return nil, fmt.Errorf("budget limit must be positive, got %f", params.BudgetLimit)
	}
	if _, err := export.ForFormat(params.OutputFormat); err != nil {
		return nil, err
	}
	if _, err := d.templates.Get(ctx, params.TemplateID, params.TemplateVersion); err != nil {
		return nil, err
	}

	now := d.clock()
	job := &domain.Job{
		ID:              uuid.NewString(),
		OwnerID:         params.OwnerID,
		Status:          domain.StatusQueued,
		TemplateID:      params.TemplateID,
		TemplateVersion: params.TemplateVersion,
		SeedLocator:     params.SeedLocator,
		TargetRecords:   params.TargetRecords,
		BudgetLimit:     params.BudgetLimit,
		OutputFormat:    params.OutputFormat,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := d.jobs.InsertWithQueueEntry(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	slog.InfoContext(ctx, "job created",
		"job_id", job.ID,
		"owner_id", job.OwnerID,
		"template_id", job.TemplateID,
		"target_records", job.TargetRecords,
		"budget_limit", job.BudgetLimit)
	return job, nil
}

// GetJob returns a job record.
func (d *Dispatcher) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return d.jobs.Get(ctx, jobID)
}

// ListJobs pages through an owner's jobs.
func (d *Dispatcher) ListJobs(ctx context.Context, ownerID, cursor string, limit int) ([]domain.Job, string, error) {
	return d.jobs.ListByOwner(ctx, ownerID, cursor, limit)
}

// CancelJob cancels a queued or running job. For a running job the worker
// is signalled for preemption and given the grace window to flush a final
// checkpoint before the status flips; the job becomes CANCELLED regardless
// of whether the flush finishes.
func (d *Dispatcher) CancelJob(ctx context.Context, jobID string) error {
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	switch job.Status {
	case domain.StatusQueued:
		return d.transition(ctx, jobID, domain.StatusQueued, domain.StatusCancelled, domain.JobPatch{
			StatusReason: ptr.To(domain.ReasonCancelledByUser),
		})
	case domain.StatusRunning:
		d.mu.Lock()
		handle, tracked := d.tasks[jobID]
		d.mu.Unlock()
		if tracked {
			if err := d.runtime.SignalPreempt(ctx, handle); err != nil && !errors.Is(err, domain.ErrTaskNotFound) {
				slog.WarnContext(ctx, "failed to signal preemption", "job_id", jobID, "error", err)
			}
			d.awaitExit(ctx, handle)
			d.forget(jobID, handle)
		} else {
			// No handle to preempt (launched by a previous dispatcher
			// process). The worker observes the status flip at its next
			// batch boundary and stops on its own.
			slog.InfoContext(ctx, "cancelling untracked running job", "job_id", jobID)
		}

		patch := d.counterPatch(ctx, jobID)
		patch.StatusReason = ptr.To(domain.ReasonCancelledByUser)
		return d.transition(ctx, jobID, domain.StatusRunning, domain.StatusCancelled, patch)
	default:
		return fmt.Errorf("%w: job %s is %s", domain.ErrIllegalTransition, jobID, job.Status)
	}
}

// transition applies one state machine edge through the conditional store
// update.
func (d *Dispatcher) transition(ctx context.Context, jobID string, from, to domain.Status, patch domain.JobPatch) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, from, to)
	}
	if err := d.jobs.ConditionalUpdate(ctx, jobID, from, to, patch); err != nil {
		return err
	}
	if to.Terminal() {
		observability.JobsFinished.WithLabelValues(string(to)).Inc()
	}
	slog.InfoContext(ctx, "job status transition",
		"job_id", jobID,
		"from", from,
		"to", to,
		"reason", ptr.Deref(patch.StatusReason, ""))
	return nil
}

// counterPatch reconciles the job's progress counters from the latest
// checkpoint metadata. Best effort: a missing checkpoint yields an empty
// patch.
func (d *Dispatcher) counterPatch(ctx context.Context, jobID string) domain.JobPatch {
	meta, err := d.meta.Get(ctx, jobID)
	if err != nil {
		if !errors.Is(err, domain.ErrCheckpointNotFound) {
			slog.WarnContext(ctx, "failed to read checkpoint metadata for reconciliation",
				"job_id", jobID, "error", err)
		}
		return domain.JobPatch{}
	}
	return domain.JobPatch{
		RecordsGenerated: ptr.To(meta.RecordsGenerated),
		TokensUsed:       ptr.To(meta.TokensUsed),
		CostAccumulated:  ptr.To(meta.Cost),
	}
}

// awaitExit polls a task until it exits or the grace window elapses.
func (d *Dispatcher) awaitExit(ctx context.Context, handle compute.Handle) {
	deadline := d.clock().Add(d.cfg.PreemptGrace)
	for d.clock().Before(deadline) {
		status, err := d.runtime.Status(ctx, handle)
		if err != nil || status.State == compute.StateExited || status.State == compute.StateGone {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (d *Dispatcher) track(jobID string, handle compute.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks[jobID] = handle
}

func (d *Dispatcher) forget(jobID string, handle compute.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.tasks[jobID]; ok && cur == handle {
		delete(d.tasks, jobID)
	}
}
