package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/plotpalette/plotpalette/internal/domain"
)

// Events is the cost-event view of a Store.
type Events struct {
	s *Store
}

// Events returns the cost event store backed by this pool.
func (s *Store) Events() *Events {
	return &Events{s: s}
}

// Append records one cost event. Events are append-only.
func (e *Events) Append(ctx context.Context, event domain.CostEvent) error {
	_, err := e.s.pool.Exec(ctx, `
		INSERT INTO cost_events
			(job_id, ts, kind, model_id, input_tokens, output_tokens, cost, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.JobID, event.Timestamp, event.Kind, event.ModelID,
		event.InputTokens, event.OutputTokens, event.Cost, event.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to append cost event: %w", err)
	}
	return nil
}

// List returns a job's cost events in chronological order.
func (e *Events) List(ctx context.Context, jobID string) ([]domain.CostEvent, error) {
	rows, err := e.s.pool.Query(ctx, `
		SELECT job_id, ts, kind, model_id, input_tokens, output_tokens, cost, expires_at
		FROM cost_events WHERE job_id = $1
		ORDER BY ts, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cost events: %w", err)
	}
	defer rows.Close()

	var events []domain.CostEvent
	for rows.Next() {
		var ev domain.CostEvent
		if err := rows.Scan(&ev.JobID, &ev.Timestamp, &ev.Kind, &ev.ModelID,
			&ev.InputTokens, &ev.OutputTokens, &ev.Cost, &ev.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan cost event: %w", err)
		}
		ev.Timestamp = ev.Timestamp.UTC()
		ev.ExpiresAt = ev.ExpiresAt.UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PurgeExpired deletes events whose TTL has passed and returns the number
// removed. Meant for a periodic janitor pass.
func (e *Events) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := e.s.pool.Exec(ctx, `DELETE FROM cost_events WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge cost events: %w", err)
	}
	return res.RowsAffected(), nil
}
