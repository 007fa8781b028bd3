package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/plotpalette/plotpalette/internal/cost"
	"github.com/plotpalette/plotpalette/internal/domain"
	"github.com/plotpalette/plotpalette/internal/export"
	"github.com/plotpalette/plotpalette/internal/model"
	"github.com/plotpalette/plotpalette/internal/ptr"
	"github.com/plotpalette/plotpalette/internal/render"
	"github.com/plotpalette/plotpalette/pkg/observability"
)

// generate drives the batch loop until the target is reached, the budget
// is violated, preemption fires, or an unrecoverable error occurs.
func (r *Runtime) generate(ctx context.Context, job *domain.Job, tmpl *domain.Template, sess *session, tracker *cost.Tracker, preempt <-chan struct{}) (Outcome, error) {
	if sess.snap.Completed {
		// A prior attempt finished generating but died before or during
		// the export; re-run the finalize step only.
		return r.finalize(ctx, job, sess, tracker)
	}

	numRows, err := r.numSeedRows(ctx, job.SeedLocator)
	if err != nil {
		if errors.Is(err, domain.ErrBlobNotFound) {
			return r.concludeTerminal(ctx, job, sess, tracker, seedDataOutcome(job.SeedLocator, err))
		}
		return Outcome{}, fmt.Errorf("failed to size seed data: %w", err)
	}
	if numRows == 0 && sess.snap.RecordsGenerated < job.TargetRecords {
		// An empty seed set can never produce a record; retrying the
		// attempt would only burn the restart budget.
		return r.concludeTerminal(ctx, job, sess, tracker, seedDataOutcome(job.SeedLocator,
			fmt.Errorf("seed locator has no rows")))
	}

	for sess.snap.RecordsGenerated < job.TargetRecords {
		if preempted(preempt) {
			return r.preemptFlush(ctx, job, sess, tracker)
		}
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		if r.statusChanged(ctx, job.ID) {
			slog.InfoContext(ctx, "job left RUNNING, stopping generation", "job_id", job.ID)
			return r.concludeCounters(sess, Outcome{Terminal: false, Reason: ReasonStatusChanged}), nil
		}

		batchSize := min(int64(r.cfg.CheckpointInterval), job.TargetRecords-sess.snap.RecordsGenerated)
		projected, err := tracker.ProjectBatch(tmpl, batchSize)
		if err != nil {
			return r.concludeTerminal(ctx, job, sess, tracker, Outcome{
				Terminal: true,
				Status:   domain.StatusFailed,
				Reason:   domain.ReasonRenderError,
				Detail:   err.Error(),
			})
		}
		if err := tracker.CheckBudget(projected); err != nil {
			slog.InfoContext(ctx, "batch budget pre-check failed",
				"job_id", job.ID,
				"projected", projected,
				"error", err)
			return r.concludeTerminal(ctx, job, sess, tracker, Outcome{
				Terminal: true,
				Status:   domain.StatusBudgetExceeded,
				Reason:   domain.ReasonBudgetPreCall,
				Detail:   err.Error(),
			})
		}

		batchStart := r.clock()
		stop, err := r.fillBatch(ctx, job, tmpl, sess, tracker, numRows, batchSize, preempt)
		if errors.Is(err, errPreempted) {
			return r.preemptFlush(ctx, job, sess, tracker)
		}
		if err != nil {
			return Outcome{}, err
		}
		if stop != nil {
			return r.concludeTerminal(ctx, job, sess, tracker, *stop)
		}

		if err := r.commit(ctx, job, sess, tracker, batchStart, false); err != nil {
			if failed := terminalFor(err); failed != nil {
				return r.concludeCounters(sess, *failed), nil
			}
			return Outcome{}, err
		}

		slog.InfoContext(ctx, "batch committed",
			"job_id", job.ID,
			"records_generated", sess.snap.RecordsGenerated,
			"records_rejected", sess.snap.RecordsRejected,
			"checkpoint_version", sess.meta.Version)
	}

	return r.finalize(ctx, job, sess, tracker)
}

// fillBatch generates records until the buffer holds batchSize accepted
// records or the target is reached. A non-nil Outcome is a terminal
// condition discovered mid-batch; errPreempted or a context error aborts
// without conclusion.
func (r *Runtime) fillBatch(ctx context.Context, job *domain.Job, tmpl *domain.Template, sess *session, tracker *cost.Tracker, numRows, batchSize int64, preempt <-chan struct{}) (*Outcome, error) {
	for int64(len(sess.snap.Buffer)) < batchSize && sess.snap.RecordsGenerated < job.TargetRecords {
		if preempted(preempt) {
			return nil, errPreempted
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stop, err := r.generateRecord(ctx, job, tmpl, sess, tracker, numRows, preempt)
		if stop != nil || err != nil {
			return stop, err
		}
	}
	return nil, nil
}

// generateRecord fills the next record slot: sample a seed row, run the
// template steps through the model, validate, and either buffer the
// record or count it as rejected.
func (r *Runtime) generateRecord(ctx context.Context, job *domain.Job, tmpl *domain.Template, sess *session, tracker *cost.Tracker, numRows int64, preempt <-chan struct{}) (*Outcome, error) {
	idx := sess.snap.NextIndex()

	seedRow, err := r.seedRow(ctx, job.SeedLocator, render.RowIndex(sess.snap.Seed, idx, numRows))
	if err != nil {
		if errors.Is(err, domain.ErrSeedRowOutOfRange) || errors.Is(err, domain.ErrBlobNotFound) {
			out := seedDataOutcome(job.SeedLocator, err)
			return &out, nil
		}
		return nil, fmt.Errorf("failed to fetch seed row for slot %d: %w", idx, err)
	}

	outputs := make(map[string]string, len(tmpl.Steps))
	for i := range tmpl.Steps {
		step := &tmpl.Steps[i]

		prompt, err := r.renderStep(ctx, job, tmpl, sess, step, seedRow, outputs)
		if err != nil {
			return &Outcome{
				Terminal: true,
				Status:   domain.StatusFailed,
				Reason:   domain.ReasonRenderError,
				Detail:   err.Error(),
			}, nil
		}

		client, modelID, err := r.models.ForTier(step.Tier)
		if err != nil {
			return &Outcome{
				Terminal: true,
				Status:   domain.StatusFailed,
				Reason:   domain.ReasonModelPermanent,
				Detail:   err.Error(),
			}, nil
		}

		projected, err := tracker.ProjectCall(step.Tier, step.MaxInputTokens, step.MaxOutputTokens)
		if err != nil {
			return &Outcome{
				Terminal: true,
				Status:   domain.StatusFailed,
				Reason:   domain.ReasonModelPermanent,
				Detail:   err.Error(),
			}, nil
		}
		if err := tracker.CheckBudget(projected); err != nil {
			return &Outcome{
				Terminal: true,
				Status:   domain.StatusBudgetExceeded,
				Reason:   domain.ReasonBudgetPreCall,
				Detail:   err.Error(),
			}, nil
		}

		resp, err := r.invokeModel(ctx, client, model.Request{
			ModelID:         modelID,
			Prompt:          prompt,
			MaxInputTokens:  step.MaxInputTokens,
			MaxOutputTokens: step.MaxOutputTokens,
		}, preempt)
		if err != nil {
			if errors.Is(err, errPreempted) || ctx.Err() != nil {
				return nil, err
			}
			if model.ClassOf(err) == model.ClassPermanent {
				return &Outcome{
					Terminal: true,
					Status:   domain.StatusFailed,
					Reason:   domain.ReasonModelPermanent,
					Detail:   err.Error(),
				}, nil
			}
			// Retries exhausted on a transient or quota failure: drop the
			// slot so resumes skip it instead of stalling the job on it.
			r.rejectSlot(ctx, sess, job.ID, idx, "model-exhausted", err)
			return nil, nil
		}

		if _, err := tracker.RecordModelCall(ctx, modelID, step.Tier, resp.InputTokens, resp.OutputTokens); err != nil {
			return nil, fmt.Errorf("failed to account model call: %w", err)
		}
		outputs[step.ID] = resp.Text
	}

	finalStep := tmpl.Steps[len(tmpl.Steps)-1]
	if _, err := render.Validate(outputs[finalStep.ID], tmpl.RequiredFields, r.cfg.RecordRepairs); err != nil {
		r.rejectSlot(ctx, sess, job.ID, idx, "validation", err)
		return nil, nil
	}

	sess.snap.Buffer = append(sess.snap.Buffer, domain.Record{Index: idx, Fields: outputs})
	sess.snap.AddIndex(idx)
	sess.snap.RecordsGenerated++
	observability.RecordsGenerated.Inc()
	return nil, nil
}

// renderStep renders a step prompt, spending the one-shot template
// re-load on the first render error in case the template fetch was the
// problem.
func (r *Runtime) renderStep(ctx context.Context, job *domain.Job, tmpl *domain.Template, sess *session, step *domain.TemplateStep, seedRow map[string]any, outputs map[string]string) (string, error) {
	prompt, err := render.Step(step, seedRow, outputs)
	if err == nil {
		return prompt, nil
	}
	if sess.renderRetried {
		return "", err
	}
	sess.renderRetried = true

	slog.WarnContext(ctx, "render error, re-loading template once",
		"job_id", job.ID, "step_id", step.ID, "error", err)
	fresh, loadErr := r.templates.Get(ctx, job.TemplateID, job.TemplateVersion)
	if loadErr != nil {
		return "", err
	}
	*tmpl = *fresh
	if retryStep := tmpl.Step(step.ID); retryStep != nil {
		step = retryStep
	}
	return render.Step(step, seedRow, outputs)
}

// rejectSlot drops a record slot: it joins the completed-index set so a
// resume never retries it, and advances the rejected counter.
func (r *Runtime) rejectSlot(ctx context.Context, sess *session, jobID string, idx int64, kind string, err error) {
	slog.InfoContext(ctx, "record rejected",
		"job_id", jobID,
		"record_index", idx,
		"kind", kind,
		"error", err)
	sess.snap.AddIndex(idx)
	sess.snap.RecordsRejected++
	observability.RecordsRejected.Inc()
}

// invokeModel calls the model with a per-call deadline and class-aware
// backoff. Quota failures back off four times longer than plain transient
// ones. Permanent errors return immediately.
func (r *Runtime) invokeModel(ctx context.Context, client model.Client, req model.Request, preempt <-chan struct{}) (model.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.ModelCallRetries; attempt++ {
		if attempt > 0 {
			if err := r.sleepBackoff(ctx, attempt-1, model.ClassOf(lastErr), preempt); err != nil {
				return model.Response{}, err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.ModelCallTimeout)
		resp, err := client.Invoke(callCtx, req)
		cancel()
		if err == nil {
			observability.ModelCalls.WithLabelValues(observability.ModelCallOK).Inc()
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return model.Response{}, ctxErr
		}
		switch model.ClassOf(err) {
		case model.ClassPermanent:
			observability.ModelCalls.WithLabelValues(observability.ModelCallPermanent).Inc()
			return model.Response{}, err
		case model.ClassQuota:
			observability.ModelCalls.WithLabelValues(observability.ModelCallQuota).Inc()
		default:
			observability.ModelCalls.WithLabelValues(observability.ModelCallTransient).Inc()
		}

		lastErr = err
		slog.WarnContext(ctx, "model call failed",
			"model_id", req.ModelID,
			"attempt", attempt,
			"class", model.ClassOf(err).String(),
			"error", err)
	}
	return model.Response{}, fmt.Errorf("model call retries exhausted: %w", lastErr)
}

// sleepBackoff waits out one exponential backoff step, interruptible by
// cancellation and preemption.
func (r *Runtime) sleepBackoff(ctx context.Context, attempt int, class model.Class, preempt <-chan struct{}) error {
	delay := r.cfg.BackoffBase << attempt
	if class == model.ClassQuota {
		delay *= 4
	}
	if delay > r.cfg.BackoffCap {
		delay = r.cfg.BackoffCap
	}
	delay += time.Duration((rand.Float64()*2 - 1) * r.cfg.BackoffJitter * float64(delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-preempt:
		return errPreempted
	case <-timer.C:
		return nil
	}
}

// commit is the batch boundary: flush buffered records into a batch
// artifact, then persist the checkpoint through the dual-layer engine,
// then push the counters onto the job record.
func (r *Runtime) commit(ctx context.Context, job *domain.Job, sess *session, tracker *cost.Tracker, batchStart time.Time, completed bool) error {
	if !batchStart.IsZero() {
		elapsed := r.clock().Sub(batchStart).Seconds()
		tracker.RecordComputeSlice(ctx, elapsed*workerVCPUs, elapsed*workerMemoryGB)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	snap := sess.snap
	if len(snap.Buffer) > 0 {
		data, err := marshalBatch(snap.Buffer)
		if err != nil {
			return fmt.Errorf("failed to marshal batch artifact: %w", err)
		}
		// Overwrite semantics: a re-done batch after a crash regenerates
		// identical records, so replacing the artifact is idempotent.
		if err := r.overwriteBlob(ctx, batchKey(job.ID, snap.BatchIndex+1), data); err != nil {
			return fmt.Errorf("failed to write batch artifact: %w", err)
		}
		snap.BatchIndex++
		snap.Buffer = nil
	}

	costTotal, tokens := tracker.Totals()
	snap.Cost = costTotal
	snap.TokensUsed = tokens
	if completed {
		snap.Completed = true
	}

	persisted, meta, err := r.engine.Write(ctx, snap, sess.meta)
	if err != nil {
		return err
	}
	sess.snap = persisted
	sess.meta = meta
	tracker.Restore(persisted.Cost, persisted.TokensUsed)

	patch := domain.JobPatch{
		RecordsGenerated: ptr.To(persisted.RecordsGenerated),
		RecordsRejected:  ptr.To(persisted.RecordsRejected),
		TokensUsed:       ptr.To(persisted.TokensUsed),
		CostAccumulated:  ptr.To(persisted.Cost),
	}
	if err := r.jobs.UpdateCounters(ctx, job.ID, patch); err != nil {
		// Advisory counters on the job record; the checkpoint is the
		// source of truth, so a failed push does not fail the batch.
		slog.WarnContext(ctx, "failed to push job counters",
			"job_id", job.ID, "error", err)
	}
	return nil
}

// preemptFlush writes one last checkpoint within the grace window and
// exits non-terminally. If the flush cannot finish in time the partial
// batch is abandoned; the next attempt re-does it deterministically.
func (r *Runtime) preemptFlush(ctx context.Context, job *domain.Job, sess *session, tracker *cost.Tracker) (Outcome, error) {
	slog.InfoContext(ctx, "preemption signalled, flushing final checkpoint",
		"job_id", job.ID,
		"records_generated", sess.snap.RecordsGenerated,
		"buffered", len(sess.snap.Buffer),
		"grace", r.cfg.PreemptGrace)

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PreemptGrace)
	defer cancel()

	if err := r.commit(flushCtx, job, sess, tracker, time.Time{}, false); err != nil {
		slog.WarnContext(ctx, "preemption flush failed, abandoning partial batch",
			"job_id", job.ID, "error", err)
	}
	return r.concludeCounters(sess, Outcome{Terminal: false, Reason: ReasonPreempted}), nil
}

// finalize writes the completed checkpoint, merges the batch artifacts
// into the export artifact, and reports completion.
func (r *Runtime) finalize(ctx context.Context, job *domain.Job, sess *session, tracker *cost.Tracker) (Outcome, error) {
	if !sess.snap.Completed {
		if err := r.commit(ctx, job, sess, tracker, time.Time{}, true); err != nil {
			if failed := terminalFor(err); failed != nil {
				return r.concludeCounters(sess, *failed), nil
			}
			return Outcome{}, err
		}
	}

	records, err := r.collectRecords(ctx, job.ID, sess.snap.BatchIndex)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to assemble export: %w", err)
	}

	costTotal, tokens := tracker.Totals()
	manifest := export.Manifest{
		JobID:            job.ID,
		Format:           job.OutputFormat,
		RecordsGenerated: sess.snap.RecordsGenerated,
		RecordsRejected:  sess.snap.RecordsRejected,
		TokensUsed:       tokens,
		Cost:             costTotal,
	}
	if err := r.exports.Write(ctx, manifest, records); err != nil {
		return Outcome{}, err
	}

	slog.InfoContext(ctx, "job generation completed",
		"job_id", job.ID,
		"records_generated", sess.snap.RecordsGenerated,
		"records_rejected", sess.snap.RecordsRejected,
		"cost", costTotal,
		"checkpoint_version", sess.meta.Version)

	return r.concludeCounters(sess, Outcome{Terminal: true, Status: domain.StatusCompleted}), nil
}

// concludeTerminal flushes progress best-effort and stamps the counters
// onto a terminal outcome.
func (r *Runtime) concludeTerminal(ctx context.Context, job *domain.Job, sess *session, tracker *cost.Tracker, outcome Outcome) (Outcome, error) {
	if err := r.commit(ctx, job, sess, tracker, time.Time{}, false); err != nil {
		slog.WarnContext(ctx, "terminal flush failed",
			"job_id", job.ID, "reason", outcome.Reason, "error", err)
	}
	return r.concludeCounters(sess, outcome), nil
}

func (r *Runtime) concludeCounters(sess *session, outcome Outcome) Outcome {
	outcome.RecordsGenerated = sess.snap.RecordsGenerated
	outcome.RecordsRejected = sess.snap.RecordsRejected
	return outcome
}

// collectRecords reads back the committed batch artifacts in order.
func (r *Runtime) collectRecords(ctx context.Context, jobID string, batches int64) ([]domain.Record, error) {
	var records []domain.Record
	for i := int64(1); i <= batches; i++ {
		data, _, err := r.blobs.Get(ctx, batchKey(jobID, i))
		if err != nil {
			return nil, fmt.Errorf("failed to read batch artifact %d: %w", i, err)
		}
		batch, err := unmarshalBatch(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode batch artifact %d: %w", i, err)
		}
		records = append(records, batch...)
	}
	return records, nil
}

// batchKey is the blob key of one committed batch artifact.
func batchKey(jobID string, index int64) string {
	return "batches/" + jobID + "/" + strconv.FormatInt(index, 10) + ".jsonl"
}

func marshalBatch(records []domain.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func unmarshalBatch(data []byte) ([]domain.Record, error) {
	var records []domain.Record
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var rec domain.Record
		if err := dec.Decode(&rec); err == io.EOF {
			return records, nil
		} else if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}

// preempted reports whether the preemption signal has fired.
func preempted(preempt <-chan struct{}) bool {
	select {
	case <-preempt:
		return true
	default:
		return false
	}
}

// numSeedRows sizes the seed data set, retrying transient store errors.
// A missing locator is not retried: no amount of waiting makes the data
// appear.
func (r *Runtime) numSeedRows(ctx context.Context, locator string) (int64, error) {
	var n int64
	err := retry.Do(ctx, r.storeBackoff(), func(ctx context.Context) error {
		var err error
		n, err = r.seeds.NumRows(ctx, locator)
		if errors.Is(err, domain.ErrBlobNotFound) {
			return err
		}
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	return n, err
}

// statusChanged reports whether the job record has left RUNNING. This is
// how a dispatcher with no handle on this task cancels it.
func (r *Runtime) statusChanged(ctx context.Context, jobID string) bool {
	job, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		return false
	}
	return job.Status != domain.StatusRunning
}

// seedDataOutcome is the terminal conclusion for unusable seed data.
func seedDataOutcome(locator string, err error) Outcome {
	return Outcome{
		Terminal: true,
		Status:   domain.StatusFailed,
		Reason:   domain.ReasonSeedDataUnavailable,
		Detail:   fmt.Sprintf("seed locator %q: %v", locator, err),
	}
}

// seedRow fetches one seed row, retrying transient store errors.
func (r *Runtime) seedRow(ctx context.Context, locator string, index int64) (map[string]any, error) {
	var row map[string]any
	err := retry.Do(ctx, r.storeBackoff(), func(ctx context.Context) error {
		var err error
		row, err = r.seeds.RowAt(ctx, locator, index)
		if errors.Is(err, domain.ErrSeedRowOutOfRange) {
			return err
		}
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	return row, err
}

func (r *Runtime) storeBackoff() retry.Backoff {
	b := retry.NewExponential(r.cfg.BackoffBase)
	b = retry.WithCappedDuration(r.cfg.BackoffCap, b)
	b = retry.WithJitterPercent(uint64(r.cfg.BackoffJitter*100), b)
	return retry.WithMaxRetries(uint64(r.cfg.ModelCallRetries), b)
}
