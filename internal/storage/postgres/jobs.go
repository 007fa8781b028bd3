package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/plotpalette/plotpalette/internal/domain"
)

const jobColumns = `id, owner_id, status, template_id, template_version, seed_locator,
	target_records, budget_limit, output_format,
	records_generated, records_rejected, tokens_used, cost_accumulated,
	status_reason, status_detail, restarts, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
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
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		job.ID, job.OwnerID, job.Status, job.TemplateID, job.TemplateVersion, job.SeedLocator,
		job.TargetRecords, job.BudgetLimit, job.OutputFormat,
		job.RecordsGenerated, job.RecordsRejected, job.TokensUsed, job.CostAccumulated,
		job.StatusReason, job.StatusDetail, job.Restarts, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	if job.Status == domain.StatusQueued {
		_, err = tx.Exec(ctx,
			`INSERT INTO job_queue (job_id, created_at) VALUES ($1, $2)`,
			job.ID, job.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert queue entry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ConditionalUpdate applies a status transition and patch only when the
// stored status matches expected, removing the queue entry in the same
// transaction when the job leaves QUEUED. The row is locked for the
// duration so concurrent dispatchers serialize on the predicate check.
func (s *Store) ConditionalUpdate(ctx context.Context, jobID string, expected, next domain.Status, patch domain.JobPatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current domain.Status
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return fmt.Errorf("failed to read job status: %w", err)
	}
	if current != expected {
		return fmt.Errorf("%w: job %s is %s, expected %s", domain.ErrStatusConflict, jobID, current, expected)
	}

	sets := []string{"status = $1", "updated_at = $2"}
	args := []any{next, s.now()}
	appendPatch(&sets, &args, patch)
	args = append(args, jobID)

	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	if expected == domain.StatusQueued && next != domain.StatusQueued {
		if _, err := tx.Exec(ctx, `DELETE FROM job_queue WHERE job_id = $1`, jobID); err != nil {
			return fmt.Errorf("failed to remove queue entry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateCounters applies a progress patch without touching status.
func (s *Store) UpdateCounters(ctx context.Context, jobID string, patch domain.JobPatch) error {
	sets := []string{"updated_at = $1"}
	args := []any{s.now()}
	appendPatch(&sets, &args, patch)
	args = append(args, jobID)

	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	res, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job counters: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	return nil
}

func appendPatch(sets *[]string, args *[]any, patch domain.JobPatch) {
	add := func(column string, value any) {
		*args = append(*args, value)
		*sets = append(*sets, fmt.Sprintf("%s = $%d", column, len(*args)))
	}
	if patch.RecordsGenerated != nil {
		add("records_generated", *patch.RecordsGenerated)
	}
	if patch.RecordsRejected != nil {
		add("records_rejected", *patch.RecordsRejected)
	}
	if patch.TokensUsed != nil {
		add("tokens_used", *patch.TokensUsed)
	}
	if patch.CostAccumulated != nil {
		add("cost_accumulated", *patch.CostAccumulated)
	}
	if patch.StatusReason != nil {
		add("status_reason", *patch.StatusReason)
	}
	if patch.StatusDetail != nil {
		add("status_detail", *patch.StatusDetail)
	}
	if patch.Restarts != nil {
		add("restarts", *patch.Restarts)
	}
}

// PeekQueue returns up to limit queued jobs in FIFO order.
func (s *Store) PeekQueue(ctx context.Context, limit int) ([]domain.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, created_at FROM job_queue
		ORDER BY created_at, job_id
		LIMIT $1`, limit)
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
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2`, status, limit)
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
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE owner_id = $1`
	args := []any{ownerID}

	if cursor != "" {
		args = append(args, cursor)
		query += fmt.Sprintf(` AND (created_at, id) > (SELECT created_at, id FROM jobs WHERE id = $%d)`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
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
