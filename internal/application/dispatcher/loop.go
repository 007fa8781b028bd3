package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plotpalette/plotpalette/internal/application/worker"
	"github.com/plotpalette/plotpalette/internal/compute"
	"github.com/plotpalette/plotpalette/internal/domain"
	"github.com/plotpalette/plotpalette/internal/ptr"
	"github.com/plotpalette/plotpalette/pkg/observability"
)

// dispatchBatch caps how many queued jobs one dispatch pass launches.
const dispatchBatch = 16

// reconcileBatch caps how many RUNNING jobs one reconcile pass inspects.
const reconcileBatch = 256

// Run drives the dispatch/reconcile loop until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.DispatchOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "dispatch pass failed", "error", err)
			}
			if err := d.ReconcileOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "reconcile pass failed", "error", err)
			}
		}
	}
}

// DispatchOnce launches workers for queued jobs in FIFO order. RUNNING is
// recorded only after the task is submitted to the compute runtime; if
// the status flip then fails (concurrent cancellation), the fresh task is
// signalled to stop.
func (d *Dispatcher) DispatchOnce(ctx context.Context) error {
	entries, err := d.jobs.PeekQueue(ctx, dispatchBatch)
	if err != nil {
		return fmt.Errorf("failed to peek queue: %w", err)
	}

	for _, entry := range entries {
		if err := d.launch(ctx, entry.JobID); err != nil {
			slog.ErrorContext(ctx, "failed to launch worker",
				"job_id", entry.JobID, "error", err)
		}
	}
	return nil
}

// launch submits one worker task and flips the job to RUNNING.
func (d *Dispatcher) launch(ctx context.Context, jobID string) error {
	handle, err := d.runtime.Launch(ctx, jobID, map[string]string{"PLOT_JOB_ID": jobID})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrLaunchFailed, err)
	}

	err = d.transition(ctx, jobID, domain.StatusQueued, domain.StatusRunning, domain.JobPatch{})
	if errors.Is(err, domain.ErrStatusConflict) {
		// Cancelled between peek and flip; the task must not run.
		if perr := d.runtime.SignalPreempt(ctx, handle); perr != nil {
			slog.WarnContext(ctx, "failed to stop orphan task", "job_id", jobID, "error", perr)
		}
		return nil
	}
	if err != nil {
		return err
	}

	d.track(jobID, handle)
	observability.JobsDispatched.Inc()
	slog.InfoContext(ctx, "worker launched", "job_id", jobID, "task_handle", handle)
	return nil
}

// Relaunch submits a worker for a job that is already RUNNING, used on
// restarts after a non-terminal exit.
func (d *Dispatcher) relaunch(ctx context.Context, jobID string) error {
	handle, err := d.runtime.Launch(ctx, jobID, map[string]string{"PLOT_JOB_ID": jobID})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrLaunchFailed, err)
	}
	d.track(jobID, handle)
	observability.WorkerRestarts.Inc()
	slog.InfoContext(ctx, "worker relaunched", "job_id", jobID, "task_handle", handle)
	return nil
}

// ReconcileOnce inspects every RUNNING job in the store, tracked by a
// task handle or not: exited tasks are resolved into a terminal status or
// a relaunch, live tasks are checked for heartbeat staleness, and jobs
// with no handle at all (the state a dispatcher restart leaves behind)
// are adopted back into supervision.
func (d *Dispatcher) ReconcileOnce(ctx context.Context) error {
	running, err := d.jobs.ListByStatus(ctx, domain.StatusRunning, reconcileBatch)
	if err != nil {
		return fmt.Errorf("failed to list running jobs: %w", err)
	}

	for i := range running {
		jobID := running[i].ID

		d.mu.Lock()
		handle, tracked := d.tasks[jobID]
		d.mu.Unlock()

		if !tracked {
			if err := d.superviseOrphan(ctx, jobID); err != nil {
				slog.ErrorContext(ctx, "failed to supervise orphaned job",
					"job_id", jobID, "error", err)
			}
			continue
		}

		status, err := d.runtime.Status(ctx, handle)
		if err != nil {
			slog.WarnContext(ctx, "failed to read task status", "job_id", jobID, "error", err)
			continue
		}

		switch status.State {
		case compute.StateExited, compute.StateGone:
			d.forget(jobID, handle)
			if err := d.resolveExit(ctx, jobID); err != nil {
				slog.ErrorContext(ctx, "failed to resolve worker exit",
					"job_id", jobID, "error", err)
			}
		case compute.StateStarting, compute.StateRunning:
			if d.heartbeatStale(ctx, jobID) {
				slog.WarnContext(ctx, "worker heartbeat stale, presuming dead",
					"job_id", jobID, "timeout", d.cfg.HeartbeatTimeout)
				if err := d.runtime.SignalPreempt(ctx, handle); err != nil && !errors.Is(err, domain.ErrTaskNotFound) {
					slog.WarnContext(ctx, "failed to preempt stale worker", "job_id", jobID, "error", err)
				}
				d.forget(jobID, handle)
				if err := d.restartOrFail(ctx, jobID); err != nil {
					slog.ErrorContext(ctx, "failed to restart stale worker",
						"job_id", jobID, "error", err)
				}
			}
		}
	}
	return nil
}

// superviseOrphan re-adopts a RUNNING job with no tracked task. A terminal
// report left by the worker resolves the job; otherwise the checkpoint
// heartbeat decides between leaving a still-live worker alone and
// re-launching a dead one.
func (d *Dispatcher) superviseOrphan(ctx context.Context, jobID string) error {
	report, err := worker.ReadReport(ctx, d.blobs, jobID)
	if err != nil && !errors.Is(err, domain.ErrBlobNotFound) {
		return fmt.Errorf("failed to read worker report: %w", err)
	}
	if err == nil && report.Terminal {
		return d.applyReport(ctx, jobID, report)
	}

	if !d.heartbeatStale(ctx, jobID) {
		return nil
	}
	slog.WarnContext(ctx, "untracked running job gone quiet, presuming dead",
		"job_id", jobID, "timeout", d.cfg.HeartbeatTimeout)
	return d.restartOrFail(ctx, jobID)
}

// resolveExit reads the worker's final report and applies the terminal
// transition, or restarts the job after a non-terminal exit.
func (d *Dispatcher) resolveExit(ctx context.Context, jobID string) error {
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.StatusRunning {
		// Already resolved elsewhere (cancellation path).
		return nil
	}

	report, err := worker.ReadReport(ctx, d.blobs, jobID)
	if err != nil && !errors.Is(err, domain.ErrBlobNotFound) {
		return fmt.Errorf("failed to read worker report: %w", err)
	}

	if err == nil && report.Terminal {
		return d.applyReport(ctx, jobID, report)
	}

	// Non-terminal exit: preemption, crash, or infrastructure failure.
	return d.restartOrFail(ctx, jobID)
}

// applyReport transitions a RUNNING job to the terminal status the worker
// reported.
func (d *Dispatcher) applyReport(ctx context.Context, jobID string, report worker.Outcome) error {
	patch := d.counterPatch(ctx, jobID)
	patch.RecordsRejected = ptr.To(report.RecordsRejected)
	if report.Status != domain.StatusCompleted {
		patch.StatusReason = ptr.To(report.Reason)
		patch.StatusDetail = ptr.To(report.Detail)
	}
	err := d.transition(ctx, jobID, domain.StatusRunning, report.Status, patch)
	if errors.Is(err, domain.ErrStatusConflict) {
		return nil
	}
	return err
}

// restartOrFail relaunches a RUNNING job or, when the restart budget is
// spent, fails it.
func (d *Dispatcher) restartOrFail(ctx context.Context, jobID string) error {
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.StatusRunning {
		return nil
	}

	if job.Restarts >= d.cfg.MaxWorkerRestarts {
		patch := d.counterPatch(ctx, jobID)
		patch.StatusReason = ptr.To(domain.ReasonRestartBudgetExhausted)
		patch.StatusDetail = ptr.To(fmt.Sprintf("worker exited non-terminally %d times", job.Restarts+1))
		err := d.transition(ctx, jobID, domain.StatusRunning, domain.StatusFailed, patch)
		if errors.Is(err, domain.ErrStatusConflict) {
			return nil
		}
		return err
	}

	patch := domain.JobPatch{Restarts: ptr.To(job.Restarts + 1)}
	if err := d.jobs.ConditionalUpdate(ctx, jobID, domain.StatusRunning, domain.StatusRunning, patch); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return nil
		}
		return err
	}

	slog.InfoContext(ctx, "restarting worker",
		"job_id", jobID, "restart", job.Restarts+1, "max", d.cfg.MaxWorkerRestarts)
	return d.relaunch(ctx, jobID)
}

// heartbeatStale reports whether the job's checkpoint metadata has gone
// quiet for longer than the heartbeat timeout. A job that has never
// checkpointed is judged by the job record's update time instead.
func (d *Dispatcher) heartbeatStale(ctx context.Context, jobID string) bool {
	cutoff := d.clock().Add(-d.cfg.HeartbeatTimeout)

	meta, err := d.meta.Get(ctx, jobID)
	if err == nil {
		return meta.UpdatedAt.Before(cutoff)
	}
	if !errors.Is(err, domain.ErrCheckpointNotFound) {
		slog.WarnContext(ctx, "failed to read checkpoint metadata for heartbeat",
			"job_id", jobID, "error", err)
		return false
	}

	job, jerr := d.jobs.Get(ctx, jobID)
	if jerr != nil {
		return false
	}
	return job.UpdatedAt.Before(cutoff)
}
