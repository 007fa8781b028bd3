// Package checkpoint implements durable job progress snapshots over a blob
// store and a metadata store, with optimistic concurrency on both layers.
//
// A write lands the snapshot blob conditional on the last-seen content tag,
// then advances the metadata row conditional on its version counter. A
// conflict on either layer means another worker instance checkpointed the
// same job; the engine re-reads the persisted state, merges it with the
// local snapshot (element-wise maximum of progress), and retries a bounded
// number of times.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plotpalette/plotpalette/internal/domain"
	"github.com/plotpalette/plotpalette/pkg/observability"
)

const defaultWriteRetries = 3

// BlobStore is the snapshot payload store. Put is conditional: with ifTag
// empty the object must not exist; otherwise the stored object's tag must
// equal ifTag. On precondition failure Put returns domain.ErrTagMismatch.
// Get returns the current payload and its tag, or domain.ErrBlobNotFound.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, ifTag string) (tag string, err error)
	Get(ctx context.Context, key string) (data []byte, tag string, err error)
}

// MetadataStore holds the per-job checkpoint pointer row. Put is
// conditional on the version counter: a write at version v succeeds only
// when the stored version is v-1 (v=1 requires no existing row), otherwise
// it returns domain.ErrVersionConflict. Get returns
// domain.ErrCheckpointNotFound for an unknown job.
type MetadataStore interface {
	Get(ctx context.Context, jobID string) (domain.CheckpointMeta, error)
	Put(ctx context.Context, meta domain.CheckpointMeta) error
}

// Engine coordinates the two-layer checkpoint protocol.
type Engine struct {
	blobs   BlobStore
	meta    MetadataStore
	retries int
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithWriteRetries overrides the conflict retry budget.
func WithWriteRetries(n int) Option {
	return func(e *Engine) { e.retries = n }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates a checkpoint engine over the given stores.
func New(blobs BlobStore, meta MetadataStore, opts ...Option) *Engine {
	e := &Engine{
		blobs:   blobs,
		meta:    meta,
		retries: defaultWriteRetries,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// blobKey is the snapshot object key for a job.
func blobKey(jobID string) string {
	return "checkpoints/" + jobID + ".json"
}

// Load reads the current checkpoint for a job. The returned metadata
// carries the blob's actual content tag, which is the precondition for the
// next Write. When the blob holds more progress than the metadata row (a
// write that landed its blob but lost the metadata race), the blob wins
// and the divergence is logged.
//
// Returns domain.ErrCheckpointNotFound when the job has never checkpointed
// and domain.ErrCorruptSnapshot when the payload fails its integrity check.
func (e *Engine) Load(ctx context.Context, jobID string) (*domain.Snapshot, domain.CheckpointMeta, error) {
	meta, metaErr := e.meta.Get(ctx, jobID)
	if metaErr != nil && !errors.Is(metaErr, domain.ErrCheckpointNotFound) {
		return nil, domain.CheckpointMeta{}, fmt.Errorf("failed to read checkpoint metadata: %w", metaErr)
	}

	data, tag, blobErr := e.blobs.Get(ctx, blobKey(jobID))
	if errors.Is(blobErr, domain.ErrBlobNotFound) {
		if metaErr != nil {
			return nil, domain.CheckpointMeta{}, domain.ErrCheckpointNotFound
		}
		// Metadata without a blob: the payload is gone.
		return nil, domain.CheckpointMeta{}, fmt.Errorf("%w: metadata at version %d but snapshot blob missing", domain.ErrCorruptSnapshot, meta.Version)
	}
	if blobErr != nil {
		return nil, domain.CheckpointMeta{}, fmt.Errorf("failed to read checkpoint blob: %w", blobErr)
	}

	snap, err := domain.DecodeSnapshot(data)
	if err != nil {
		return nil, domain.CheckpointMeta{}, err
	}
	if snap.JobID != jobID {
		return nil, domain.CheckpointMeta{}, fmt.Errorf("%w: snapshot belongs to job %s", domain.ErrCorruptSnapshot, snap.JobID)
	}

	if metaErr != nil {
		// Orphan blob from an interrupted first write. Synthesize metadata
		// so the next Write advances from version 0.
		meta = domain.CheckpointMeta{JobID: jobID}
	}
	meta.Tag = tag

	if snap.RecordsGenerated != meta.RecordsGenerated || snap.TokensUsed != meta.TokensUsed {
		slog.WarnContext(ctx, "checkpoint layers diverged, taking higher progress",
			"job_id", jobID,
			"blob_records", snap.RecordsGenerated,
			"meta_records", meta.RecordsGenerated,
			"blob_tokens", snap.TokensUsed,
			"meta_tokens", meta.TokensUsed)
		meta.RecordsGenerated = max(meta.RecordsGenerated, snap.RecordsGenerated)
		meta.TokensUsed = max(meta.TokensUsed, snap.TokensUsed)
		meta.Cost = max(meta.Cost, snap.Cost)
	}

	return snap, meta, nil
}

// Write persists a snapshot. prev must be the metadata returned by the
// last successful Load or Write for this job (zero value before the first
// checkpoint). On a tag or version conflict the engine merges the local
// snapshot with the persisted one and retries; after the retry budget is
// exhausted it returns domain.ErrCheckpointContention.
//
// The returned snapshot is the one actually persisted, which after a
// merge may hold more progress than the one passed in. Callers must adopt
// it together with the returned metadata.
func (e *Engine) Write(ctx context.Context, snap *domain.Snapshot, prev domain.CheckpointMeta) (*domain.Snapshot, domain.CheckpointMeta, error) {
	cur := snap
	curPrev := prev

	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			merged, mergedPrev, err := e.rebase(ctx, cur)
			if err != nil {
				return nil, domain.CheckpointMeta{}, err
			}
			cur, curPrev = merged, mergedPrev
		}

		data, err := domain.EncodeSnapshot(cur)
		if err != nil {
			return nil, domain.CheckpointMeta{}, fmt.Errorf("failed to encode snapshot: %w", err)
		}

		tag, err := e.blobs.Put(ctx, blobKey(cur.JobID), data, curPrev.Tag)
		if errors.Is(err, domain.ErrTagMismatch) {
			observability.CheckpointConflicts.Inc()
			slog.InfoContext(ctx, "checkpoint blob tag conflict",
				"job_id", cur.JobID, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, domain.CheckpointMeta{}, fmt.Errorf("failed to write checkpoint blob: %w", err)
		}

		next := domain.CheckpointMeta{
			JobID:            cur.JobID,
			Version:          curPrev.Version + 1,
			Tag:              tag,
			RecordsGenerated: cur.RecordsGenerated,
			TokensUsed:       cur.TokensUsed,
			Cost:             cur.Cost,
			UpdatedAt:        e.now(),
		}
		err = e.meta.Put(ctx, next)
		if errors.Is(err, domain.ErrVersionConflict) {
			observability.CheckpointConflicts.Inc()
			slog.InfoContext(ctx, "checkpoint metadata version conflict",
				"job_id", cur.JobID, "attempt", attempt, "version", next.Version)
			continue
		}
		if err != nil {
			return nil, domain.CheckpointMeta{}, fmt.Errorf("failed to write checkpoint metadata: %w", err)
		}
		observability.CheckpointWrites.Inc()
		return cur, next, nil
	}

	return nil, domain.CheckpointMeta{}, fmt.Errorf("%w: job %s after %d retries",
		domain.ErrCheckpointContention, snap.JobID, e.retries)
}

// Touch refreshes the metadata heartbeat timestamp without moving
// progress, advancing the version so the write is still serialized.
func (e *Engine) Touch(ctx context.Context, prev domain.CheckpointMeta) (domain.CheckpointMeta, error) {
	next := prev
	next.Version = prev.Version + 1
	next.UpdatedAt = e.now()
	if err := e.meta.Put(ctx, next); err != nil {
		return domain.CheckpointMeta{}, err
	}
	return next, nil
}

// rebase re-reads the persisted checkpoint after a lost race and merges it
// with the local snapshot so the retry carries both sides' progress.
func (e *Engine) rebase(ctx context.Context, mine *domain.Snapshot) (*domain.Snapshot, domain.CheckpointMeta, error) {
	theirs, theirMeta, err := e.Load(ctx, mine.JobID)
	if errors.Is(err, domain.ErrCheckpointNotFound) {
		// The competing write vanished; retry from scratch.
		return mine, domain.CheckpointMeta{}, nil
	}
	if err != nil {
		return nil, domain.CheckpointMeta{}, err
	}
	return domain.MergeSnapshots(mine, theirs), theirMeta, nil
}
