package cost

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plotpalette/plotpalette/internal/config"
	"github.com/plotpalette/plotpalette/internal/domain"
)

type memEventStore struct {
	mu     sync.Mutex
	events []domain.CostEvent
	err    error
}

func (s *memEventStore) Append(_ context.Context, e domain.CostEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *memEventStore) all() []domain.CostEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CostEvent, len(s.events))
	copy(out, s.events)
	return out
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRecordModelCall(t *testing.T) {
	store := &memEventStore{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker("job-1", 10.0, 0, config.DefaultRateTable(), store, WithClock(fixedClock(now)))

	// tier-1: $3/1M input, $15/1M output.
	callCost, err := tr.RecordModelCall(context.Background(), "claude-sonnet-4-20250514", domain.TierOne, 1_000_000, 100_000)
	require.NoError(t, err)
	assert.InDelta(t, 3.0+1.5, callCost, 1e-9)

	cost, tokens := tr.Totals()
	assert.InDelta(t, 4.5, cost, 1e-9)
	assert.Equal(t, int64(1_100_000), tokens)

	events := store.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.CostKindModelCall, events[0].Kind)
	assert.Equal(t, "claude-sonnet-4-20250514", events[0].ModelID)
	assert.Equal(t, now.Add(config.DefaultCostEventTTL), events[0].ExpiresAt)
}

func TestRecordModelCallUnknownTier(t *testing.T) {
	tr := NewTracker("job-1", 10.0, 0, config.DefaultRateTable(), &memEventStore{})
	_, err := tr.RecordModelCall(context.Background(), "m", "tier-9", 10, 10)
	assert.Error(t, err)
}

func TestEventWriteFailureIsNonFatal(t *testing.T) {
	store := &memEventStore{err: errors.New("event store down")}
	tr := NewTracker("job-1", 10.0, 0, config.DefaultRateTable(), store)

	_, err := tr.RecordModelCall(context.Background(), "m", domain.TierThree, 1000, 1000)
	require.NoError(t, err)

	cost, _ := tr.Totals()
	assert.Greater(t, cost, 0.0)
}

func TestCheckBudget(t *testing.T) {
	tr := NewTracker("job-1", 1.0, 0, config.DefaultRateTable(), &memEventStore{})

	require.NoError(t, tr.CheckBudget(0.99))
	require.NoError(t, tr.CheckBudget(1.0))

	err := tr.CheckBudget(1.01)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBudgetExceeded)
}

func TestCheckBudgetTolerance(t *testing.T) {
	tr := NewTracker("job-1", 1.0, 0.05, config.DefaultRateTable(), &memEventStore{})

	require.NoError(t, tr.CheckBudget(1.04))
	assert.ErrorIs(t, tr.CheckBudget(1.06), domain.ErrBudgetExceeded)
}

func TestCheckBudgetAfterSpend(t *testing.T) {
	tr := NewTracker("job-1", 5.0, 0, config.DefaultRateTable(), &memEventStore{})

	// tier-1 1M/0 input tokens costs $3.
	_, err := tr.RecordModelCall(context.Background(), "m", domain.TierOne, 1_000_000, 0)
	require.NoError(t, err)

	require.NoError(t, tr.CheckBudget(2.0))
	assert.ErrorIs(t, tr.CheckBudget(2.1), domain.ErrBudgetExceeded)
}

func TestRestoreIsMonotonic(t *testing.T) {
	tr := NewTracker("job-1", 10.0, 0, config.DefaultRateTable(), &memEventStore{})

	tr.Restore(2.5, 500)
	tr.Restore(1.0, 100) // stale, must not regress

	cost, tokens := tr.Totals()
	assert.InDelta(t, 2.5, cost, 1e-9)
	assert.Equal(t, int64(500), tokens)
}

func TestProjectCall(t *testing.T) {
	tr := NewTracker("job-1", 10.0, 0, config.DefaultRateTable(), &memEventStore{})

	// tier-3: $0.15/1M input, $0.60/1M output.
	got, err := tr.ProjectCall(domain.TierThree, 2_000_000, 1_000_000)
	require.NoError(t, err)
	assert.InDelta(t, 0.30+0.60, got, 1e-9)

	_, err = tr.ProjectCall("tier-9", 1, 1)
	assert.Error(t, err)
}

func TestProjectBatch(t *testing.T) {
	tmpl := &domain.Template{
		ID: "tpl-1",
		Steps: []domain.TemplateStep{
			{ID: "draft", Tier: domain.TierThree, MaxInputTokens: 1000, MaxOutputTokens: 500},
			{ID: "polish", Tier: domain.TierOne, MaxInputTokens: 2000, MaxOutputTokens: 1000},
		},
	}
	tr := NewTracker("job-1", 10.0, 0, config.DefaultRateTable(), &memEventStore{})

	// Worst case prices all 3000 input / 1500 output tokens at tier-1.
	got, err := tr.ProjectBatch(tmpl, 10)
	require.NoError(t, err)
	perRecord := 3000.0/1_000_000*3.00 + 1500.0/1_000_000*15.00
	assert.InDelta(t, 10*perRecord, got, 1e-9)
}

func TestProjectBatchEmptyTemplate(t *testing.T) {
	tr := NewTracker("job-1", 10.0, 0, config.DefaultRateTable(), &memEventStore{})
	_, err := tr.ProjectBatch(&domain.Template{ID: "empty"}, 1)
	assert.Error(t, err)
}

func TestRecordComputeSlice(t *testing.T) {
	store := &memEventStore{}
	rates := config.DefaultRateTable()
	tr := NewTracker("job-1", 10.0, 0, rates, store)

	got := tr.RecordComputeSlice(context.Background(), 60, 120)
	want := 60*rates.VCPUSecond + 120*rates.MemoryGBSecond
	assert.InDelta(t, want, got, 1e-12)

	cost, _ := tr.Totals()
	assert.InDelta(t, want, cost, 1e-12)

	events := store.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.CostKindComputeSlice, events[0].Kind)
}
