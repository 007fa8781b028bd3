package domain

import "errors"

// Sentinel errors surfaced by store adapters and core components. Adapters
// must return these (wrapped is fine) so callers can react with errors.Is
// instead of string matching.
var (
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrTemplateNotFound is returned when a (template id, version) pair
	// does not exist.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrIllegalTransition is returned when a status change violates the
	// job state machine (terminal-to-anything, or a missing edge).
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrStatusConflict is returned by conditional job updates when the
	// stored status does not match the expected predicate.
	ErrStatusConflict = errors.New("job status predicate mismatch")

	// ErrVersionConflict is returned by conditional metadata writes when
	// the stored version does not equal expected.
	ErrVersionConflict = errors.New("checkpoint version conflict")

	// ErrTagMismatch is returned by conditional blob writes when the
	// caller's tag does not match the store's current tag.
	ErrTagMismatch = errors.New("blob tag mismatch")

	// ErrCheckpointNotFound is returned when no checkpoint exists yet.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrCheckpointContention is raised when the dual-layer write loses
	// more races than its retry budget allows.
	ErrCheckpointContention = errors.New("checkpoint contention")

	// ErrCorruptSnapshot is returned when a checkpoint blob fails its
	// integrity check. Fatal for the job.
	ErrCorruptSnapshot = errors.New("corrupt checkpoint snapshot")

	// ErrBlobNotFound is returned when a blob key does not exist.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrLaunchFailed is returned when the compute runtime rejects a
	// worker launch.
	ErrLaunchFailed = errors.New("worker launch failed")

	// ErrTaskNotFound is returned when a task handle is unknown to the
	// compute runtime.
	ErrTaskNotFound = errors.New("task not found")

	// ErrSeedRowOutOfRange is returned when a seed-data row index is
	// beyond the locator's data set.
	ErrSeedRowOutOfRange = errors.New("seed row index out of range")

	// ErrBudgetExceeded signals that the pre-call budget projection
	// would overshoot the job's limit.
	ErrBudgetExceeded = errors.New("budget exceeded")
)
