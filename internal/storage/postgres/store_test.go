package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plotpalette/plotpalette/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pgURL := os.Getenv("TEST_POSTGRES_URL")
	if pgURL == "" {
		t.Skip("TEST_POSTGRES_URL not set, skipping PostgreSQL tests")
	}

	store, err := NewPostgresStore(context.Background(), pgURL)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func testJob(owner string, createdAt time.Time) *domain.Job {
	return &domain.Job{
		ID:              uuid.NewString(),
		OwnerID:         owner,
		Status:          domain.StatusQueued,
		TemplateID:      "tpl-1",
		TemplateVersion: 1,
		SeedLocator:     "seeds/fantasy.jsonl",
		TargetRecords:   100,
		BudgetLimit:     25,
		OutputFormat:    "jsonl",
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
}

func TestJobLifecycleRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	job := testJob("owner-"+uuid.NewString(), now)
	require.NoError(t, store.InsertWithQueueEntry(ctx, job))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.True(t, got.CreatedAt.Equal(now))

	require.NoError(t, store.ConditionalUpdate(ctx, job.ID,
		domain.StatusQueued, domain.StatusRunning, domain.JobPatch{}))

	err = store.ConditionalUpdate(ctx, job.ID,
		domain.StatusQueued, domain.StatusCancelled, domain.JobPatch{})
	require.ErrorIs(t, err, domain.ErrStatusConflict)

	records := int64(80)
	require.NoError(t, store.UpdateCounters(ctx, job.ID, domain.JobPatch{RecordsGenerated: &records}))

	got, err = store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.EqualValues(t, 80, got.RecordsGenerated)

	// RUNNING jobs are visible to dispatcher supervision by status alone.
	running, err := store.ListByStatus(ctx, domain.StatusRunning, 10000)
	require.NoError(t, err)
	found := false
	for i := range running {
		if running[i].ID == job.ID {
			found = true
			break
		}
	}
	assert.True(t, found, "running job should be listed by status")
}

func TestQueueOrderingAndRemoval(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	owner := "owner-" + uuid.NewString()
	base := time.Now().UTC().Truncate(time.Millisecond)

	first := testJob(owner, base)
	second := testJob(owner, base.Add(time.Millisecond))
	require.NoError(t, store.InsertWithQueueEntry(ctx, second))
	require.NoError(t, store.InsertWithQueueEntry(ctx, first))

	entries, err := store.PeekQueue(ctx, 100)
	require.NoError(t, err)
	pos := func(id string) int {
		for i, e := range entries {
			if e.JobID == id {
				return i
			}
		}
		return -1
	}
	require.GreaterOrEqual(t, pos(first.ID), 0)
	require.GreaterOrEqual(t, pos(second.ID), 0)
	assert.Less(t, pos(first.ID), pos(second.ID), "earlier creation time dispatches first")

	require.NoError(t, store.ConditionalUpdate(ctx, first.ID,
		domain.StatusQueued, domain.StatusCancelled, domain.JobPatch{}))

	entries, err = store.PeekQueue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, -1, pos(first.ID), "queue entry removed with the transition")
}

func TestMetadataVersionProtocol(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	meta := store.Metadata()
	jobID := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, err := meta.Get(ctx, jobID)
	require.ErrorIs(t, err, domain.ErrCheckpointNotFound)

	require.NoError(t, meta.Put(ctx, domain.CheckpointMeta{
		JobID: jobID, Version: 1, Tag: "t1", UpdatedAt: now,
	}))
	err = meta.Put(ctx, domain.CheckpointMeta{JobID: jobID, Version: 1, Tag: "t1b", UpdatedAt: now})
	require.ErrorIs(t, err, domain.ErrVersionConflict)

	require.NoError(t, meta.Put(ctx, domain.CheckpointMeta{
		JobID: jobID, Version: 2, Tag: "t2", RecordsGenerated: 100, UpdatedAt: now,
	}))
	err = meta.Put(ctx, domain.CheckpointMeta{JobID: jobID, Version: 4, Tag: "t4", UpdatedAt: now})
	require.ErrorIs(t, err, domain.ErrVersionConflict)

	got, err := meta.Get(ctx, jobID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Version)
	assert.Equal(t, "t2", got.Tag)
}

func TestCostEventAppendAndPurge(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	events := store.Events()
	jobID := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, events.Append(ctx, domain.CostEvent{
		JobID: jobID, Timestamp: now, Kind: domain.CostKindModelCall,
		ModelID: "model-a", InputTokens: 100, OutputTokens: 400, Cost: 0.01,
		ExpiresAt: now.Add(90 * 24 * time.Hour),
	}))
	require.NoError(t, events.Append(ctx, domain.CostEvent{
		JobID: jobID, Timestamp: now.Add(time.Millisecond), Kind: domain.CostKindComputeSlice,
		Cost: 0.001, ExpiresAt: now.Add(-time.Hour),
	}))

	got, err := events.List(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, got, 2)

	_, err = events.PurgeExpired(ctx, now)
	require.NoError(t, err)

	got, err = events.List(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.CostKindModelCall, got[0].Kind)
}

func TestTemplateImmutability(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	templates := store.Templates()

	tmpl := &domain.Template{
		ID:      "tpl-" + uuid.NewString(),
		Version: 1,
		Steps: []domain.TemplateStep{
			{ID: "story", Tier: domain.TierThree, Prompt: "Write about {{seed.topic}}", MaxInputTokens: 500, MaxOutputTokens: 2000},
		},
		RequiredFields: []string{"title"},
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, templates.Put(ctx, tmpl))
	require.Error(t, templates.Put(ctx, tmpl), "duplicate version must be rejected")

	got, err := templates.Get(ctx, tmpl.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, tmpl.Steps, got.Steps)
}
