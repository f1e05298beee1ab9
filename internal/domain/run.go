package domain

import (
	"fmt"
	"time"
)

// ExecutionRun is one attempt to execute a task end-to-end
type ExecutionRun struct {
	ID            string        `json:"runId"`
	TaskID        string        `json:"taskId"`
	Status        RunStatus     `json:"status"`
	Phase         Phase         `json:"phase,omitempty"`
	Branch        string        `json:"branch,omitempty"`
	CommitSHA     string        `json:"commitSha,omitempty"`
	PRURL         string        `json:"prUrl,omitempty"`
	PRNumber      int           `json:"prNumber,omitempty"`
	IsCompareLink bool          `json:"isCompareLink,omitempty"`
	ErrorCategory ErrorCategory `json:"errorCategory,omitempty"`
	ErrorMessage  string        `json:"errorMessage,omitempty"`
	FilesChanged  int           `json:"filesChanged"`
	ToolsExecuted int           `json:"toolsExecuted"`
	Progress      int           `json:"progress"`
	Outcome       string        `json:"outcome,omitempty"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
	DurationMs    int64         `json:"durationMs"`
}

var runTransitions = map[RunStatus]map[RunStatus]bool{
	RunPending: {RunRunning: true, RunFailed: true, RunCancelled: true},
	RunRunning: {RunCompleted: true, RunFailed: true, RunCancelled: true},
}

// CanTransition reports whether a run may move from one status to another.
// Repeating the current status is allowed so that replays stay idempotent.
func CanTransition(from, to RunStatus) bool {
	if from == to {
		return true
	}
	return runTransitions[from][to]
}

// Transition moves the run to a new status, stamping timestamps on the way
func (r *ExecutionRun) Transition(to RunStatus, now time.Time) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown run status %q", ErrValidation, to)
	}
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: run %s cannot move from %s to %s", ErrInvalidTransition, r.ID, r.Status, to)
	}
	if r.Status == to {
		return nil
	}
	r.Status = to
	if to == RunRunning && r.StartedAt == nil {
		r.StartedAt = &now
	}
	if to.IsTerminal() {
		r.CompletedAt = &now
		if r.StartedAt != nil {
			r.DurationMs = now.Sub(*r.StartedAt).Milliseconds()
		}
	}
	return nil
}

// IsTerminal reports whether the run has finished
func (r *ExecutionRun) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// ExecutionMetadataSync is the admitted subset of a sandbox status report.
// Optional fields are nil when the sender omitted them.
type ExecutionMetadataSync struct {
	TaskID        string         `json:"taskId"`
	RunID         string         `json:"runId"`
	Status        RunStatus      `json:"status"`
	StartedAt     *time.Time     `json:"startedAt,omitempty"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	DurationMs    *int64         `json:"durationMs,omitempty"`
	Progress      *int           `json:"progress,omitempty"`
	Branch        *string        `json:"branch,omitempty"`
	CommitSHA     *string        `json:"commitSha,omitempty"`
	PRURL         *string        `json:"prUrl,omitempty"`
	PRNumber      *int           `json:"prNumber,omitempty"`
	Outcome       *string        `json:"outcome,omitempty"`
	ErrorCategory *ErrorCategory `json:"errorCategory,omitempty"`
	FilesChanged  *int           `json:"filesChanged,omitempty"`
	ToolsExecuted *int           `json:"toolsExecuted,omitempty"`
}

// ApplyTo copies every present field onto the run. Values are absolute so
// applying the same sync twice leaves the run unchanged.
func (m *ExecutionMetadataSync) ApplyTo(r *ExecutionRun) {
	r.TaskID = m.TaskID
	r.Status = m.Status
	if m.StartedAt != nil {
		t := *m.StartedAt
		r.StartedAt = &t
	}
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		r.CompletedAt = &t
	}
	if m.DurationMs != nil {
		r.DurationMs = *m.DurationMs
	}
	if m.Progress != nil {
		r.Progress = *m.Progress
	}
	if m.Branch != nil {
		r.Branch = *m.Branch
	}
	if m.CommitSHA != nil {
		r.CommitSHA = *m.CommitSHA
	}
	if m.PRURL != nil {
		r.PRURL = *m.PRURL
	}
	if m.PRNumber != nil {
		r.PRNumber = *m.PRNumber
	}
	if m.Outcome != nil {
		r.Outcome = *m.Outcome
	}
	if m.ErrorCategory != nil {
		r.ErrorCategory = *m.ErrorCategory
	}
	if m.FilesChanged != nil {
		r.FilesChanged = *m.FilesChanged
	}
	if m.ToolsExecuted != nil {
		r.ToolsExecuted = *m.ToolsExecuted
	}
}

// TaskStatusForRun maps a run status onto the task board column
func TaskStatusForRun(s RunStatus) TaskStatus {
	switch s {
	case RunCompleted:
		return TaskDone
	case RunFailed, RunCancelled:
		return TaskCancelled
	case RunRunning:
		return TaskInProgress
	default:
		return TaskTodo
	}
}

// LogEntry is one line of agent or orchestrator output for a run
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
}

// Log entry types
const (
	LogInfo    = "info"
	LogAgent   = "agent"
	LogTool    = "tool"
	LogError   = "error"
	LogSuccess = "success"
)
