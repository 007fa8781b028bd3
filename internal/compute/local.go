package compute

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/plotpalette/plotpalette/internal/domain"
)

// WorkerFunc is the body of a locally launched task. The preempt channel
// closes when the task is asked to stop.
type WorkerFunc func(ctx context.Context, jobID string, preempt <-chan struct{}) error

// Local runs worker tasks as goroutines inside the current process.
type Local struct {
	run WorkerFunc

	mu    sync.Mutex
	tasks map[Handle]*localTask
}

type localTask struct {
	state    TaskState
	exitCode int
	preempt  chan struct{}
	once     sync.Once
	cancel   context.CancelFunc
}

// NewLocal creates a local runtime that executes run for every launch.
func NewLocal(run WorkerFunc) *Local {
	return &Local{run: run, tasks: make(map[Handle]*localTask)}
}

// Launch implements Runtime. The task runs on a fresh context detached
// from the launch call so a short-lived dispatcher does not cancel it.
func (l *Local) Launch(_ context.Context, jobID string, _ map[string]string) (Handle, error) {
	handle := Handle(uuid.NewString())
	taskCtx, cancel := context.WithCancel(context.Background())
	task := &localTask{
		state:   StateStarting,
		preempt: make(chan struct{}),
		cancel:  cancel,
	}

	l.mu.Lock()
	l.tasks[handle] = task
	l.mu.Unlock()

	go func() {
		defer cancel()

		l.mu.Lock()
		task.state = StateRunning
		l.mu.Unlock()

		err := l.run(taskCtx, jobID, task.preempt)

		l.mu.Lock()
		task.state = StateExited
		if err != nil {
			task.exitCode = 1
		}
		l.mu.Unlock()
	}()

	return handle, nil
}

// SignalPreempt implements Runtime.
func (l *Local) SignalPreempt(_ context.Context, handle Handle) error {
	l.mu.Lock()
	task, ok := l.tasks[handle]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, handle)
	}
	task.once.Do(func() { close(task.preempt) })
	return nil
}

// Status implements Runtime.
func (l *Local) Status(_ context.Context, handle Handle) (TaskStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	task, ok := l.tasks[handle]
	if !ok {
		return TaskStatus{State: StateGone}, nil
	}
	return TaskStatus{State: task.state, ExitCode: task.exitCode}, nil
}

// Forget drops a finished task's bookkeeping.
func (l *Local) Forget(handle Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if task, ok := l.tasks[handle]; ok {
		task.cancel()
		delete(l.tasks, handle)
	}
}
