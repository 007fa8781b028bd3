// Package compute abstracts the runtime that hosts worker tasks. The
// dispatcher launches at most one task per job and polls its status; the
// local adapter runs tasks as in-process goroutines, which also backs
// tests and single-node deployments.
package compute

import "context"

// TaskState is the coarse lifecycle of a launched task.
type TaskState string

const (
	StateStarting TaskState = "starting"
	StateRunning  TaskState = "running"
	StateExited   TaskState = "exited"

	// StateGone means the runtime no longer knows the handle, for example
	// after host loss. Treated like a non-terminal exit by the dispatcher.
	StateGone TaskState = "gone"
)

// TaskStatus is a point-in-time observation of a task.
type TaskStatus struct {
	State    TaskState
	ExitCode int
}

// Handle identifies a launched task within its runtime.
type Handle string

// Runtime launches and supervises worker tasks.
type Runtime interface {
	// Launch submits a worker task for a job. Returning without error
	// means the task is at least submitted, not necessarily started.
	Launch(ctx context.Context, jobID string, env map[string]string) (Handle, error)

	// SignalPreempt delivers the cooperative stop signal to a task. At
	// most one signal is delivered; repeats are no-ops.
	SignalPreempt(ctx context.Context, handle Handle) error

	// Status reports the task's current state.
	Status(ctx context.Context, handle Handle) (TaskStatus, error)
}
