package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plotpalette/plotpalette/internal/application/worker"
	"github.com/plotpalette/plotpalette/internal/compute"
	"github.com/plotpalette/plotpalette/internal/config"
	"github.com/plotpalette/plotpalette/internal/domain"
)

// --- fakes ---

type fakeJobStore struct {
	mu    sync.Mutex
	jobs  map[string]*domain.Job
	queue []domain.QueueEntry
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[string]*domain.Job{}}
}

func (s *fakeJobStore) Get(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	clone := *job
	return &clone, nil
}

func (s *fakeJobStore) InsertWithQueueEntry(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *job
	s.jobs[job.ID] = &clone
	s.queue = append(s.queue, domain.QueueEntry{JobID: job.ID, CreatedAt: job.CreatedAt})
	return nil
}

func (s *fakeJobStore) ConditionalUpdate(_ context.Context, jobID string, expected, next domain.Status, patch domain.JobPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status != expected {
		return domain.ErrStatusConflict
	}
	job.Status = next
	if patch.RecordsGenerated != nil {
		job.RecordsGenerated = *patch.RecordsGenerated
	}
	if patch.RecordsRejected != nil {
		job.RecordsRejected = *patch.RecordsRejected
	}
	if patch.TokensUsed != nil {
		job.TokensUsed = *patch.TokensUsed
	}
	if patch.CostAccumulated != nil {
		job.CostAccumulated = *patch.CostAccumulated
	}
	if patch.StatusReason != nil {
		job.StatusReason = *patch.StatusReason
	}
	if patch.StatusDetail != nil {
		job.StatusDetail = *patch.StatusDetail
	}
	if patch.Restarts != nil {
		job.Restarts = *patch.Restarts
	}
	if expected == domain.StatusQueued && next != domain.StatusQueued {
		for i, entry := range s.queue {
			if entry.JobID == jobID {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (s *fakeJobStore) PeekQueue(_ context.Context, limit int) ([]domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append([]domain.QueueEntry(nil), s.queue...)
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].JobID < entries[j].JobID
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *fakeJobStore) ListByStatus(_ context.Context, status domain.Status, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []domain.Job
	for _, job := range s.jobs {
		if job.Status == status {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *fakeJobStore) ListByOwner(_ context.Context, ownerID, cursor string, limit int) ([]domain.Job, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []domain.Job
	for _, job := range s.jobs {
		if job.OwnerID == ownerID && job.ID > cursor {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	next := ""
	if len(jobs) > limit {
		jobs = jobs[:limit]
		next = jobs[len(jobs)-1].ID
	}
	return jobs, next, nil
}

type fakeTemplateStore struct{}

func (fakeTemplateStore) Get(_ context.Context, templateID string, version int) (*domain.Template, error) {
	if templateID != "tpl-1" || version != 1 {
		return nil, domain.ErrTemplateNotFound
	}
	return &domain.Template{ID: templateID, Version: version}, nil
}

type fakeTask struct {
	jobID         string
	seq           int
	state         compute.TaskState
	exitOnPreempt bool
}

type fakeRuntime struct {
	mu        sync.Mutex
	seq       int
	tasks     map[compute.Handle]*fakeTask
	launchErr error
	launched  []string
	preempted []compute.Handle
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{tasks: map[compute.Handle]*fakeTask{}}
}

func (r *fakeRuntime) Launch(_ context.Context, jobID string, _ map[string]string) (compute.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.launchErr != nil {
		return "", r.launchErr
	}
	r.seq++
	handle := compute.Handle(fmt.Sprintf("task-%d", r.seq))
	r.tasks[handle] = &fakeTask{jobID: jobID, seq: r.seq, state: compute.StateRunning, exitOnPreempt: true}
	r.launched = append(r.launched, jobID)
	return handle, nil
}

func (r *fakeRuntime) SignalPreempt(_ context.Context, handle compute.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[handle]
	if !ok {
		return domain.ErrTaskNotFound
	}
	r.preempted = append(r.preempted, handle)
	if task.exitOnPreempt {
		task.state = compute.StateExited
	}
	return nil
}

func (r *fakeRuntime) Status(_ context.Context, handle compute.Handle) (compute.TaskStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[handle]
	if !ok {
		return compute.TaskStatus{State: compute.StateGone}, nil
	}
	return compute.TaskStatus{State: task.state}, nil
}

func (r *fakeRuntime) setState(handle compute.Handle, state compute.TaskState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task, ok := r.tasks[handle]; ok {
		task.state = state
	}
}

// handleFor returns the most recently launched task for the job — the
// one the dispatcher currently tracks.
func (r *fakeRuntime) handleFor(jobID string) compute.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	var handle compute.Handle
	latest := 0
	for h, task := range r.tasks {
		if task.jobID == jobID && task.seq > latest {
			handle = h
			latest = task.seq
		}
	}
	return handle
}

type memMetaStore struct {
	mu   sync.Mutex
	rows map[string]domain.CheckpointMeta
}

func newMemMetaStore() *memMetaStore {
	return &memMetaStore{rows: map[string]domain.CheckpointMeta{}}
}

func (s *memMetaStore) Get(_ context.Context, jobID string) (domain.CheckpointMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[jobID]
	if !ok {
		return domain.CheckpointMeta{}, domain.ErrCheckpointNotFound
	}
	return row, nil
}

func (s *memMetaStore) Put(_ context.Context, meta domain.CheckpointMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[meta.JobID] = meta
	return nil
}

type memBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	tags    map[string]string
	seq     int
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{objects: map[string][]byte{}, tags: map[string]string{}}
}

func (s *memBlobStore) Put(_ context.Context, key string, data []byte, ifTag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tags[key] != ifTag {
		return "", domain.ErrTagMismatch
	}
	s.seq++
	tag := fmt.Sprintf("t%d", s.seq)
	s.objects[key] = append([]byte(nil), data...)
	s.tags[key] = tag
	return tag, nil
}

func (s *memBlobStore) Get(_ context.Context, key string) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, "", domain.ErrBlobNotFound
	}
	return data, s.tags[key], nil
}

// --- rig ---

type rig struct {
	jobs    *fakeJobStore
	runtime *fakeRuntime
	meta    *memMetaStore
	blobs   *memBlobStore
	d       *Dispatcher
}

func testDispatcherConfig() config.Dispatcher {
	return config.Dispatcher{
		MaxWorkerRestarts: 3,
		HeartbeatTimeout:  10 * time.Minute,
		PollInterval:      time.Second,
		PreemptGrace:      time.Second,
	}
}

func newRig(t *testing.T) *rig {
	t.Helper()
	jobs := newFakeJobStore()
	runtime := newFakeRuntime()
	meta := newMemMetaStore()
	blobs := newMemBlobStore()
	d := New(jobs, fakeTemplateStore{}, runtime, meta, blobs, testDispatcherConfig())
	return &rig{jobs: jobs, runtime: runtime, meta: meta, blobs: blobs, d: d}
}

// restartDispatcher swaps in a fresh dispatcher over the same stores and
// runtime, losing the in-memory task map the way a process restart does.
func (r *rig) restartDispatcher() {
	r.d = New(r.jobs, fakeTemplateStore{}, r.runtime, r.meta, r.blobs, testDispatcherConfig())
}

func validParams() CreateJobParams {
	return CreateJobParams{
		OwnerID:         "owner-1",
		TemplateID:      "tpl-1",
		TemplateVersion: 1,
		SeedLocator:     "seeds/test",
		TargetRecords:   100,
		BudgetLimit:     10.0,
		OutputFormat:    "jsonl",
	}
}

func (r *rig) mustCreate(t *testing.T) *domain.Job {
	t.Helper()
	job, err := r.d.CreateJob(context.Background(), validParams())
	require.NoError(t, err)
	return job
}

func (r *rig) writeReport(t *testing.T, jobID string, outcome worker.Outcome) {
	t.Helper()
	data, err := json.Marshal(outcome)
	require.NoError(t, err)
	key := "report/" + jobID + ".json"
	_, tag, _ := r.blobs.Get(context.Background(), key)
	_, err = r.blobs.Put(context.Background(), key, data, tag)
	require.NoError(t, err)
}

// dispatchAndExit creates a job, dispatches it, and marks its task exited.
func (r *rig) dispatchAndExit(t *testing.T) *domain.Job {
	t.Helper()
	job := r.mustCreate(t)
	require.NoError(t, r.d.DispatchOnce(context.Background()))
	r.runtime.setState(r.runtime.handleFor(job.ID), compute.StateExited)
	return job
}

// --- tests ---

func TestCreateJobValidation(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateJobParams)
	}{
		{"negative target", func(p *CreateJobParams) { p.TargetRecords = -1 }},
		{"zero budget", func(p *CreateJobParams) { p.BudgetLimit = 0 }},
		{"bad format", func(p *CreateJobParams) { p.OutputFormat = "xml" }},
		{"missing template", func(p *CreateJobParams) { p.TemplateID = "ghost" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := validParams()
			tc.mutate(&params)
			_, err := r.d.CreateJob(ctx, params)
			assert.Error(t, err)
		})
	}
}

func TestCreateJobQueuesFIFO(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	first := r.mustCreate(t)
	second := r.mustCreate(t)

	entries, err := r.jobs.PeekQueue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Same timestamp ties break lexicographically on job id.
	want := []string{first.ID, second.ID}
	sort.Strings(want)
	if entries[0].CreatedAt.Equal(entries[1].CreatedAt) {
		assert.Equal(t, want[0], entries[0].JobID)
	}

	got, err := r.d.GetJob(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
}

func TestDispatchOnceLaunchesAndRuns(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	job := r.mustCreate(t)

	require.NoError(t, r.d.DispatchOnce(ctx))

	got, err := r.d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, []string{job.ID}, r.runtime.launched)

	// Queue entry removed with the transition.
	entries, err := r.jobs.PeekQueue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDispatchLosesRaceToCancellation(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	job := r.mustCreate(t)

	// Cancel after peek would have seen it: simulate by cancelling now and
	// dispatching against the stale queue view.
	entries, err := r.jobs.PeekQueue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, r.d.CancelJob(ctx, job.ID))

	require.NoError(t, r.d.launch(ctx, job.ID))

	// The launched orphan was told to stop; status stayed CANCELLED.
	assert.Len(t, r.runtime.preempted, 1)
	got, err := r.d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestReconcileCompletedJob(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	job := r.dispatchAndExit(t)

	require.NoError(t, r.meta.Put(ctx, domain.CheckpointMeta{
		JobID:            job.ID,
		Version:          3,
		RecordsGenerated: 100,
		TokensUsed:       5000,
		Cost:             0.25,
		UpdatedAt:        time.Now(),
	}))
	r.writeReport(t, job.ID, worker.Outcome{
		Terminal:         true,
		Status:           domain.StatusCompleted,
		RecordsGenerated: 100,
	})

	require.NoError(t, r.d.ReconcileOnce(ctx))

	got, err := r.d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, int64(100), got.RecordsGenerated)
	assert.Equal(t, 0.25, got.CostAccumulated)
}

func TestReconcileBudgetExceeded(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	job := r.dispatchAndExit(t)

	r.writeReport(t, job.ID, worker.Outcome{
		Terminal: true,
		Status:   domain.StatusBudgetExceeded,
		Reason:   domain.ReasonBudgetPreCall,
		Detail:   "projected batch cost over limit",
	})

	require.NoError(t, r.d.ReconcileOnce(ctx))

	got, err := r.d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBudgetExceeded, got.Status)
	assert.Equal(t, domain.ReasonBudgetPreCall, got.StatusReason)
}

func TestReconcileRestartsNonTerminalExit(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	job := r.dispatchAndExit(t)

	r.writeReport(t, job.ID, worker.Outcome{Terminal: false, Reason: worker.ReasonPreempted})

	require.NoError(t, r.d.ReconcileOnce(ctx))

	got, err := r.d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, 1, got.Restarts)
	assert.Equal(t, []string{job.ID, job.ID}, r.runtime.launched)
}

func TestRestartBudgetExhausted(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	job := r.mustCreate(t)
	require.NoError(t, r.d.DispatchOnce(ctx))

	r.writeReport(t, job.ID, worker.Outcome{Terminal: false, Reason: worker.ReasonPreempted})

	// Crash-and-reconcile repeatedly; launches 1 initial + 3 restarts,
	// then the next exit exhausts the budget.
	for i := 0; i < 4; i++ {
		r.runtime.setState(r.runtime.handleFor(job.ID), compute.StateExited)
		require.NoError(t, r.d.ReconcileOnce(ctx))
	}

	got, err := r.d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.ReasonRestartBudgetExhausted, got.StatusReason)
	assert.Len(t, r.runtime.launched, 4)
}

func TestCancelQueuedJob(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	job := r.mustCreate(t)

	require.NoError(t, r.d.CancelJob(ctx, job.ID))

	got, err := r.d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, domain.ReasonCancelledByUser, got.StatusReason)

	entries, err := r.jobs.PeekQueue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCancelRunningJobPreemptsAndReconciles(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	job := r.mustCreate(t)
	require.NoError(t, r.d.DispatchOnce(ctx))

	require.NoError(t, r.meta.Put(ctx, domain.CheckpointMeta{
		JobID:            job.ID,
		Version:          2,
		RecordsGenerated: 37,
		UpdatedAt:        time.Now(),
	}))

	require.NoError(t, r.d.CancelJob(ctx, job.ID))

	assert.NotEmpty(t, r.runtime.preempted)
	got, err := r.d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, int64(37), got.RecordsGenerated)
}

func TestCancelTerminalJobIsIllegal(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	job := r.dispatchAndExit(t)

	r.writeReport(t, job.ID, worker.Outcome{Terminal: true, Status: domain.StatusCompleted})
	require.NoError(t, r.d.ReconcileOnce(ctx))

	err := r.d.CancelJob(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
}

func TestCancelUnknownJob(t *testing.T) {
	r := newRig(t)
	err := r.d.CancelJob(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestHeartbeatStaleTriggersRestart(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	job := r.mustCreate(t)
	require.NoError(t, r.d.DispatchOnce(ctx))

	// Checkpoint metadata far in the past; the task still claims to run.
	require.NoError(t, r.meta.Put(ctx, domain.CheckpointMeta{
		JobID:     job.ID,
		Version:   1,
		UpdatedAt: time.Now().Add(-time.Hour),
	}))

	require.NoError(t, r.d.ReconcileOnce(ctx))

	got, err := r.d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, 1, got.Restarts)
	assert.NotEmpty(t, r.runtime.preempted)
	assert.Len(t, r.runtime.launched, 2)
}

func TestReconcileAdoptsOrphanedRunningJob(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	job := r.mustCreate(t)
	require.NoError(t, r.d.DispatchOnce(ctx))

	require.NoError(t, r.meta.Put(ctx, domain.CheckpointMeta{
		JobID:            job.ID,
		Version:          2,
		RecordsGenerated: 40,
		UpdatedAt:        time.Now().Add(-time.Hour),
	}))

	// A restarted dispatcher holds no handle for the RUNNING job; it must
	// still notice the dead heartbeat and relaunch.
	r.restartDispatcher()
	require.NoError(t, r.d.ReconcileOnce(ctx))

	got, err := r.d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, 1, got.Restarts)
	assert.Len(t, r.runtime.launched, 2)

	// With the heartbeat never recovering, the restart budget eventually
	// fails the job instead of leaving it RUNNING forever.
	for i := 0; i < 4; i++ {
		require.NoError(t, r.d.ReconcileOnce(ctx))
	}
	got, err = r.d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.ReasonRestartBudgetExhausted, got.StatusReason)
}

func TestReconcileResolvesOrphanTerminalReport(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	job := r.mustCreate(t)
	require.NoError(t, r.d.DispatchOnce(ctx))

	require.NoError(t, r.meta.Put(ctx, domain.CheckpointMeta{
		JobID:            job.ID,
		Version:          3,
		RecordsGenerated: 100,
		Cost:             0.4,
		UpdatedAt:        time.Now(),
	}))
	r.writeReport(t, job.ID, worker.Outcome{
		Terminal:         true,
		Status:           domain.StatusCompleted,
		RecordsGenerated: 100,
	})

	// The worker finished while no dispatcher was watching; a fresh
	// dispatcher resolves the job from the report instead of leaving it
	// RUNNING.
	r.restartDispatcher()
	require.NoError(t, r.d.ReconcileOnce(ctx))

	got, err := r.d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, int64(100), got.RecordsGenerated)
	assert.Equal(t, 0.4, got.CostAccumulated)
}

func TestReconcileLeavesLiveOrphanAlone(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	job := r.mustCreate(t)
	require.NoError(t, r.d.DispatchOnce(ctx))

	require.NoError(t, r.meta.Put(ctx, domain.CheckpointMeta{
		JobID:     job.ID,
		Version:   1,
		UpdatedAt: time.Now(),
	}))

	r.restartDispatcher()
	require.NoError(t, r.d.ReconcileOnce(ctx))

	// Fresh heartbeat: the untracked worker is presumed alive and left
	// running without a duplicate launch.
	got, err := r.d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, 0, got.Restarts)
	assert.Len(t, r.runtime.launched, 1)
	assert.Empty(t, r.runtime.preempted)
}

func TestCancelUntrackedRunningJob(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	job := r.mustCreate(t)
	require.NoError(t, r.d.DispatchOnce(ctx))

	r.restartDispatcher()
	require.NoError(t, r.d.CancelJob(ctx, job.ID))

	got, err := r.d.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, domain.ReasonCancelledByUser, got.StatusReason)
}

func TestListJobsPagination(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		r.mustCreate(t)
	}

	page1, cursor, err := r.d.ListJobs(ctx, "owner-1", "", 3)
	require.NoError(t, err)
	assert.Len(t, page1, 3)
	require.NotEmpty(t, cursor)

	page2, _, err := r.d.ListJobs(ctx, "owner-1", cursor, 3)
	require.NoError(t, err)
	assert.Len(t, page2, 2)
}
