package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/plotpalette/plotpalette/internal/domain"
)

// Metadata is the checkpoint-metadata view of a Store.
type Metadata struct {
	s *Store
}

// Metadata returns the checkpoint metadata store backed by this database.
func (s *Store) Metadata() *Metadata {
	return &Metadata{s: s}
}

// Get returns a job's checkpoint metadata row.
func (m *Metadata) Get(ctx context.Context, jobID string) (domain.CheckpointMeta, error) {
	var meta domain.CheckpointMeta
	err := m.s.db.QueryRowContext(ctx, `
		SELECT job_id, version, tag, records_generated, tokens_used, cost, updated_at
		FROM checkpoint_meta WHERE job_id = ?`, jobID,
	).Scan(&meta.JobID, &meta.Version, &meta.Tag,
		&meta.RecordsGenerated, &meta.TokensUsed, &meta.Cost, &meta.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CheckpointMeta{}, fmt.Errorf("%w: job %s", domain.ErrCheckpointNotFound, jobID)
	}
	if err != nil {
		return domain.CheckpointMeta{}, fmt.Errorf("failed to get checkpoint metadata: %w", err)
	}
	meta.UpdatedAt = meta.UpdatedAt.UTC()
	return meta, nil
}

// Put writes checkpoint metadata conditionally on the version counter:
// version 1 requires no existing row, version v > 1 requires the stored
// row to be at v-1. A lost race yields domain.ErrVersionConflict.
func (m *Metadata) Put(ctx context.Context, meta domain.CheckpointMeta) error {
	var (
		res sql.Result
		err error
	)
	if meta.Version == 1 {
		res, err = m.s.db.ExecContext(ctx, `
			INSERT INTO checkpoint_meta
				(job_id, version, tag, records_generated, tokens_used, cost, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (job_id) DO NOTHING`,
			meta.JobID, meta.Version, meta.Tag,
			meta.RecordsGenerated, meta.TokensUsed, meta.Cost, meta.UpdatedAt)
	} else {
		res, err = m.s.db.ExecContext(ctx, `
			UPDATE checkpoint_meta
			SET version = ?, tag = ?, records_generated = ?, tokens_used = ?, cost = ?, updated_at = ?
			WHERE job_id = ? AND version = ?`,
			meta.Version, meta.Tag, meta.RecordsGenerated, meta.TokensUsed, meta.Cost, meta.UpdatedAt,
			meta.JobID, meta.Version-1)
	}
	if err != nil {
		return fmt.Errorf("failed to write checkpoint metadata: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s at version %d", domain.ErrVersionConflict, meta.JobID, meta.Version)
	}
	return nil
}
