package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/plotpalette/plotpalette/internal/domain"
)

const jobColumns = `id, owner_id, status, template_id, template_version, seed_locator,
	target_records, budget_limit, output_format,
	records_generated, records_rejected, tokens_used, cost_accumulated,
	status_reason, status_detail, restarts, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*domain.Job, error) {
	var job domain.Job
	err := row.Scan(
		&job.ID, &job.OwnerID, &job.Status, &job.TemplateID, &job.TemplateVersion, &job.SeedLocator,
		&job.TargetRecords, &job.BudgetLimit, &job.OutputFormat,
		&job.RecordsGenerated, &job.RecordsRejected, &job.TokensUsed, &job.CostAccumulated,
		&job.StatusReason, &job.StatusDetail, &job.Restarts, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}

// Get retrieves a job by id.
func (s *Store) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// InsertWithQueueEntry creates a job row and its FIFO queue entry in one
// transaction.
func (s *Store) InsertWithQueueEntry(ctx context.Context, job *domain.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OwnerID, job.Status, job.TemplateID, job.TemplateVersion, job.SeedLocator,
		job.TargetRecords, job.BudgetLimit, job.OutputFormat,
		job.RecordsGenerated, job.RecordsRejected, job.TokensUsed, job.CostAccumulated,
		job.StatusReason, job.StatusDetail, job.Restarts, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	if job.Status == domain.StatusQueued {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_queue (job_id, created_at) VALUES (?, ?)`,
			job.ID, job.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert queue entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ConditionalUpdate applies a status transition and patch only when the
// stored status matches expected, removing the queue entry in the same
// transaction when the job leaves QUEUED.
func (s *Store) ConditionalUpdate(ctx context.Context, jobID string, expected, next domain.Status, patch domain.JobPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current domain.Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return fmt.Errorf("failed to read job status: %w", err)
	}
	if current != expected {
		return fmt.Errorf("%w: job %s is %s, expected %s", domain.ErrStatusConflict, jobID, current, expected)
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{next, s.now()}
	appendPatch(&sets, &args, patch)
	args = append(args, jobID)

	_, err = tx.ExecContext(ctx, `UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	if expected == domain.StatusQueued && next != domain.StatusQueued {
		if _, err := tx.ExecContext(ctx, `DELETE FROM job_queue WHERE job_id = ?`, jobID); err != nil {
			return fmt.Errorf("failed to remove queue entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateCounters applies a progress patch without touching status.
func (s *Store) UpdateCounters(ctx context.Context, jobID string, patch domain.JobPatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{s.now()}
	appendPatch(&sets, &args, patch)
	args = append(args, jobID)

	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update job counters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	return nil
}

func appendPatch(sets *[]string, args *[]any, patch domain.JobPatch) {
	if patch.RecordsGenerated != nil {
		*sets = append(*sets, "records_generated = ?")
		*args = append(*args, *patch.RecordsGenerated)
	}
	if patch.RecordsRejected != nil {
		*sets = append(*sets, "records_rejected = ?")
		*args = append(*args, *patch.RecordsRejected)
	}
	if patch.TokensUsed != nil {
		*sets = append(*sets, "tokens_used = ?")
		*args = append(*args, *patch.TokensUsed)
	}
	if patch.CostAccumulated != nil {
		*sets = append(*sets, "cost_accumulated = ?")
		*args = append(*args, *patch.CostAccumulated)
	}
	if patch.StatusReason != nil {
		*sets = append(*sets, "status_reason = ?")
		*args = append(*args, *patch.StatusReason)
	}
	if patch.StatusDetail != nil {
		*sets = append(*sets, "status_detail = ?")
		*args = append(*args, *patch.StatusDetail)
	}
	if patch.Restarts != nil {
		*sets = append(*sets, "restarts = ?")
		*args = append(*args, *patch.Restarts)
	}
}

// PeekQueue returns up to limit queued jobs in FIFO order.
func (s *Store) PeekQueue(ctx context.Context, limit int) ([]domain.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, created_at FROM job_queue
		ORDER BY created_at, job_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to peek queue: %w", err)
	}
	defer rows.Close()

	var entries []domain.QueueEntry
	for rows.Next() {
		var entry domain.QueueEntry
		if err := rows.Scan(&entry.JobID, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ListByStatus returns up to limit jobs in the given status, oldest first.
// The dispatcher supervises RUNNING jobs through this, so liveness checks
// survive its own restarts.
func (s *Store) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ?
		ORDER BY created_at, id
		LIMIT ?`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ListByOwner pages through an owner's jobs in creation order. The cursor
// is the id of the last job of the previous page; an empty cursor starts
// from the beginning.
func (s *Store) ListByOwner(ctx context.Context, ownerID, cursor string, limit int) ([]domain.Job, string, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE owner_id = ?`
	args := []any{ownerID}

	if cursor != "" {
		query += ` AND (created_at, id) > (SELECT created_at, id FROM jobs WHERE id = ?)`
		args = append(args, cursor)
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, "", fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(jobs) == limit {
		next = jobs[len(jobs)-1].ID
	}
	return jobs, next, nil
}
