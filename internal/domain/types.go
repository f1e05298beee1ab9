package domain

// TaskStatus represents the board column of a task
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// Valid reports whether s is a known task status
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskTodo, TaskInProgress, TaskDone, TaskCancelled:
		return true
	}
	return false
}

// Priority represents task priority
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// RunStatus represents the lifecycle state of an execution run
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Valid reports whether s is a known run status
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Phase is a step of the runner's state sequence
type Phase string

const (
	PhaseCloning    Phase = "cloning"
	PhaseExecuting  Phase = "executing"
	PhaseCommitting Phase = "committing"
	PhaseCreatingPR Phase = "creating_pr"
	PhaseDone       Phase = "done"
	PhaseCancelled  Phase = "cancelled"
	PhaseError      Phase = "error"
)

// IsTerminal reports whether the phase ends a run
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseCancelled || p == PhaseError
}

// RunStatus maps a runner phase onto the persisted run status
func (p Phase) RunStatus() RunStatus {
	switch p {
	case PhaseDone:
		return RunCompleted
	case PhaseCancelled:
		return RunCancelled
	case PhaseError:
		return RunFailed
	default:
		return RunRunning
	}
}

// ErrorCategory classifies run failures
type ErrorCategory string

const (
	CategoryAuth          ErrorCategory = "AUTH"
	CategoryRateLimit     ErrorCategory = "RATE_LIMIT"
	CategoryMergeConflict ErrorCategory = "MERGE_CONFLICT"
	CategoryTimeout       ErrorCategory = "TIMEOUT"
	CategoryUnknown       ErrorCategory = "UNKNOWN"
)

// Valid reports whether c is part of the taxonomy
func (c ErrorCategory) Valid() bool {
	switch c {
	case CategoryAuth, CategoryRateLimit, CategoryMergeConflict, CategoryTimeout, CategoryUnknown:
		return true
	}
	return false
}
