// Package worker implements the generation worker runtime: for one job it
// renders template steps, invokes models, accumulates records, persists
// checkpoints, and finalizes the export artifact. The worker never writes
// job status; terminal conditions are reported through the run outcome and
// the final report blob, and only the dispatcher transitions the job.
package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/plotpalette/plotpalette/internal/checkpoint"
	"github.com/plotpalette/plotpalette/internal/config"
	"github.com/plotpalette/plotpalette/internal/cost"
	"github.com/plotpalette/plotpalette/internal/domain"
	"github.com/plotpalette/plotpalette/internal/export"
	"github.com/plotpalette/plotpalette/internal/model"
	"github.com/plotpalette/plotpalette/internal/render"
)

// Compute-slice dimensions of one worker task. Sized for the standard
// worker container.
const (
	workerVCPUs    = 1.0
	workerMemoryGB = 2.0
)

// errPreempted aborts in-flight work when the preemption signal fires.
var errPreempted = errors.New("worker preempted")

// JobStore is the worker's read/patch view of job records. The worker
// updates progress counters only, never status.
type JobStore interface {
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	UpdateCounters(ctx context.Context, jobID string, patch domain.JobPatch) error
}

// TemplateStore resolves immutable template versions.
type TemplateStore interface {
	Get(ctx context.Context, templateID string, version int) (*domain.Template, error)
}

// Runtime runs generation jobs. One Run call handles one job attempt; a
// single Runtime may serve many attempts sequentially or concurrently
// (each Run is self-contained).
type Runtime struct {
	jobs      JobStore
	templates TemplateStore
	engine    *checkpoint.Engine
	blobs     checkpoint.BlobStore
	exports   *export.Writer
	seeds     render.SeedSource
	models    *model.Registry
	rates     config.RateTable
	events    cost.EventStore
	cfg       config.Worker
	clock     func() time.Time
}

// New creates a worker runtime.
func New(
	jobs JobStore,
	templates TemplateStore,
	engine *checkpoint.Engine,
	blobs checkpoint.BlobStore,
	seeds render.SeedSource,
	models *model.Registry,
	rates config.RateTable,
	events cost.EventStore,
	cfg config.Worker,
) *Runtime {
	return &Runtime{
		jobs:      jobs,
		templates: templates,
		engine:    engine,
		blobs:     blobs,
		exports:   export.NewWriter(blobs),
		seeds:     seeds,
		models:    models,
		rates:     rates,
		events:    events,
		cfg:       cfg,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// session is the per-attempt mutable state shared between the batch loop
// and the heartbeat goroutine. The mutex serializes checkpoint writes
// with heartbeat touches.
type session struct {
	mu   sync.Mutex
	snap *domain.Snapshot
	meta domain.CheckpointMeta

	// renderRetried marks that the one-shot template re-load after a
	// render error has been spent for this attempt.
	renderRetried bool
}

// Run executes one attempt of a job. The preempt channel closes when the
// host wants the worker gone; the worker then flushes one final
// checkpoint within the grace window and returns a non-terminal outcome.
//
// A returned error means an infrastructure failure before any conclusion
// was reached; the dispatcher counts it as a non-terminal exit.
func (r *Runtime) Run(ctx context.Context, jobID string, preempt <-chan struct{}) (outcome Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "worker panicked",
				"job_id", jobID,
				"panic_value", rec,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("worker panic: %v", rec)
			outcome = Outcome{}
		}
		r.writeReport(ctx, jobID, outcome, err)
	}()

	job, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load job: %w", err)
	}
	if job.Status != domain.StatusRunning {
		return Outcome{}, fmt.Errorf("job %s is %s, not %s", jobID, job.Status, domain.StatusRunning)
	}

	tmpl, err := r.templates.Get(ctx, job.TemplateID, job.TemplateVersion)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load template: %w", err)
	}

	sess, restored, err := r.resume(ctx, job)
	if err != nil {
		if failed := terminalFor(err); failed != nil {
			return *failed, nil
		}
		return Outcome{}, err
	}

	slog.InfoContext(ctx, "worker starting",
		"job_id", job.ID,
		"template_id", tmpl.ID,
		"template_version", tmpl.Version,
		"target_records", job.TargetRecords,
		"resumed", restored,
		"records_generated", sess.snap.RecordsGenerated,
		"checkpoint_version", sess.meta.Version)

	tracker := cost.NewTracker(job.ID, job.BudgetLimit, r.cfg.BudgetTolerance, r.rates, r.events)
	tracker.Restore(sess.snap.Cost, sess.snap.TokensUsed)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go r.runHeartbeat(heartbeatCtx, job.ID, sess)

	return r.generate(ctx, job, tmpl, sess, tracker, preempt)
}

// resume loads the latest checkpoint, or initializes fresh state when the
// job has never checkpointed. The RNG seed is derived from the job id so
// an attempt that dies before its first checkpoint still samples the same
// sequence on relaunch.
func (r *Runtime) resume(ctx context.Context, job *domain.Job) (*session, bool, error) {
	snap, meta, err := r.engine.Load(ctx, job.ID)
	if errors.Is(err, domain.ErrCheckpointNotFound) {
		return &session{
			snap: &domain.Snapshot{JobID: job.ID, Seed: deriveSeed(job.ID)},
			meta: domain.CheckpointMeta{JobID: job.ID},
		}, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &session{snap: snap, meta: meta}, true, nil
}

// deriveSeed maps a job id onto a stable RNG seed.
func deriveSeed(jobID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(jobID))
	return int64(h.Sum64() & (1<<63 - 1))
}

// runHeartbeat refreshes the checkpoint metadata timestamp between
// commits. Before the first commit there is no metadata row, so the job
// record's timestamp carries the liveness signal instead; a first batch
// slower than the dispatcher's staleness cutoff must not read as dead.
// Failures are logged and skipped; the next commit or tick catches up.
func (r *Runtime) runHeartbeat(ctx context.Context, jobID string, sess *session) {
	interval := r.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = config.DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sess.mu.Lock()
			if sess.meta.Version == 0 {
				sess.mu.Unlock()
				if err := r.jobs.UpdateCounters(ctx, jobID, domain.JobPatch{}); err != nil {
					slog.WarnContext(ctx, "pre-checkpoint heartbeat failed", "job_id", jobID, "error", err)
				}
				continue
			}
			meta, err := r.engine.Touch(ctx, sess.meta)
			if err != nil {
				slog.WarnContext(ctx, "heartbeat touch failed", "job_id", jobID, "error", err)
			} else {
				sess.meta = meta
			}
			sess.mu.Unlock()
		}
	}
}

// terminalFor maps fatal checkpoint errors onto terminal outcomes, or nil
// for errors that should bubble as infrastructure failures.
func terminalFor(err error) *Outcome {
	switch {
	case errors.Is(err, domain.ErrCorruptSnapshot):
		return &Outcome{
			Terminal: true,
			Status:   domain.StatusFailed,
			Reason:   domain.ReasonCorruptCheckpoint,
			Detail:   err.Error(),
		}
	case errors.Is(err, domain.ErrCheckpointContention):
		return &Outcome{
			Terminal: true,
			Status:   domain.StatusFailed,
			Reason:   domain.ReasonCheckpointContention,
			Detail:   err.Error(),
		}
	}
	return nil
}
