// Package cost maintains per-job running totals, appends audit events, and
// gates model invocations against the job budget.
package cost

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plotpalette/plotpalette/internal/config"
	"github.com/plotpalette/plotpalette/internal/domain"
)

// EventStore appends write-once cost events. Implementations must never
// mutate prior events.
type EventStore interface {
	Append(ctx context.Context, event domain.CostEvent) error
}

// Tracker accounts one job's spend. The in-memory running total is
// authoritative for pre-call budget checks; the event log is authoritative
// for audits. Safe for concurrent use, though the worker drives it from a
// single goroutine.
type Tracker struct {
	jobID     string
	budget    float64
	tolerance float64
	rates     config.RateTable
	store     EventStore
	eventTTL  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	cost      float64
	tokens    int64
	tokensIn  int64
	tokensOut int64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithEventTTL overrides the cost event retention period.
func WithEventTTL(ttl time.Duration) Option {
	return func(t *Tracker) { t.eventTTL = ttl }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker for one job.
func NewTracker(jobID string, budget, tolerance float64, rates config.RateTable, store EventStore, opts ...Option) *Tracker {
	t := &Tracker{
		jobID:     jobID,
		budget:    budget,
		tolerance: tolerance,
		rates:     rates,
		store:     store,
		eventTTL:  config.DefaultCostEventTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Restore seeds the running totals from a checkpoint. Totals only move
// forward; a stale restore never decreases them.
func (t *Tracker) Restore(cost float64, tokens int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cost = max(t.cost, cost)
	t.tokens = max(t.tokens, tokens)
}

// Totals returns the accumulated cost and token count.
func (t *Tracker) Totals() (cost float64, tokens int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cost, t.tokens
}

// effectiveLimit is the hard limit adjusted by the configured tolerance.
func (t *Tracker) effectiveLimit() float64 {
	return t.budget * (1 + t.tolerance)
}

// CheckBudget verifies that spending projected more would stay within the
// effective limit (cost + projected ≤ budget × (1 + tolerance)). Returns
// domain.ErrBudgetExceeded on violation.
func (t *Tracker) CheckBudget(projected float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cost+projected > t.effectiveLimit() {
		return fmt.Errorf("%w: accumulated %.6f + projected %.6f > limit %.6f",
			domain.ErrBudgetExceeded, t.cost, projected, t.effectiveLimit())
	}
	return nil
}

// ProjectCall returns the worst-case cost of one invocation on a tier,
// using the declared token ceilings.
func (t *Tracker) ProjectCall(tier string, maxInput, maxOutput int64) (float64, error) {
	rate, err := t.rates.RateFor(tier)
	if err != nil {
		return 0, err
	}
	return tokenCost(rate, maxInput, maxOutput), nil
}

// ProjectBatch returns the worst-case cost of one batch: batch size times
// the per-record token ceiling, priced at the template's most expensive
// tier.
func (t *Tracker) ProjectBatch(tmpl *domain.Template, batchSize int64) (float64, error) {
	tier := tmpl.MostExpensiveTier(t.rates.OutputRates())
	if tier == "" {
		return 0, fmt.Errorf("template %s has no steps", tmpl.ID)
	}
	rate, err := t.rates.RateFor(tier)
	if err != nil {
		return 0, err
	}
	maxIn, maxOut := tmpl.MaxTokensPerRecord()
	return float64(batchSize) * tokenCost(rate, maxIn, maxOut), nil
}

// RecordModelCall accounts a successful invocation: computes its cost from
// the tier rate, bumps the running totals, and appends a model-call event.
// Event-write failure is non-fatal because the pre-call check already
// reserved the projected cost; it is logged and the totals stand.
func (t *Tracker) RecordModelCall(ctx context.Context, modelID, tier string, inputTokens, outputTokens int64) (float64, error) {
	rate, err := t.rates.RateFor(tier)
	if err != nil {
		return 0, err
	}
	callCost := tokenCost(rate, inputTokens, outputTokens)

	t.mu.Lock()
	t.cost += callCost
	t.tokens += inputTokens + outputTokens
	t.tokensIn += inputTokens
	t.tokensOut += outputTokens
	t.mu.Unlock()

	now := t.now()
	event := domain.CostEvent{
		JobID:        t.jobID,
		Timestamp:    now,
		Kind:         domain.CostKindModelCall,
		ModelID:      modelID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         callCost,
		ExpiresAt:    now.Add(t.eventTTL),
	}
	if err := t.store.Append(ctx, event); err != nil {
		slog.WarnContext(ctx, "cost event write failed",
			"job_id", t.jobID,
			"kind", event.Kind,
			"error", err)
	}
	return callCost, nil
}

// RecordComputeSlice accounts worker compute time between checkpoints.
func (t *Tracker) RecordComputeSlice(ctx context.Context, vcpuSeconds, memoryGBSeconds float64) float64 {
	sliceCost := vcpuSeconds*t.rates.VCPUSecond + memoryGBSeconds*t.rates.MemoryGBSecond

	t.mu.Lock()
	t.cost += sliceCost
	t.mu.Unlock()

	now := t.now()
	event := domain.CostEvent{
		JobID:     t.jobID,
		Timestamp: now,
		Kind:      domain.CostKindComputeSlice,
		Cost:      sliceCost,
		ExpiresAt: now.Add(t.eventTTL),
	}
	if err := t.store.Append(ctx, event); err != nil {
		slog.WarnContext(ctx, "cost event write failed",
			"job_id", t.jobID,
			"kind", event.Kind,
			"error", err)
	}
	return sliceCost
}

// tokenCost prices a token pair against a per-1M rate.
func tokenCost(rate config.Rate, inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1_000_000*rate.InputPer1M +
		float64(outputTokens)/1_000_000*rate.OutputPer1M
}
