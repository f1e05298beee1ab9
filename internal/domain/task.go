package domain

import (
	"fmt"
	"strings"
	"time"
)

// Task is a unit of work an agent implements against a repository
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    Priority   `json:"priority"`
	Status      TaskStatus `json:"status"`
	SessionID   string     `json:"sessionId,omitempty"`
	Labels      []Label    `json:"labels"`
	BatchID     string     `json:"batchId,omitempty"`

	ExecutionStartedAt *time.Time `json:"executionStartedAt,omitempty"`
	ExecutionPausedAt  *time.Time `json:"executionPausedAt,omitempty"`
	ElapsedMs          int64      `json:"executionElapsedMs"`
	Progress           *int       `json:"executionProgress,omitempty"`
	PRURL              string     `json:"prUrl,omitempty"`
	Outcome            string     `json:"outcome,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Label tags a task
type Label struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Validate checks the user-editable fields
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if t.Priority != "" && !t.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, t.Priority)
	}
	if t.Status != "" && !t.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, t.Status)
	}
	return nil
}

// StartClock marks the task as executing from now on.
func (t *Task) StartClock(now time.Time) {
	t.ExecutionStartedAt = &now
	t.ExecutionPausedAt = nil
}

// StopClock folds the running interval into ElapsedMs and records the pause.
// Calling it on a task that is not running is a no-op.
func (t *Task) StopClock(now time.Time) {
	if t.ExecutionStartedAt == nil {
		return
	}
	if d := now.Sub(*t.ExecutionStartedAt); d > 0 {
		t.ElapsedMs += d.Milliseconds()
	}
	t.ExecutionStartedAt = nil
	t.ExecutionPausedAt = &now
}

// Elapsed returns the cumulative execution time including a running interval
func (t *Task) Elapsed(now time.Time) time.Duration {
	d := time.Duration(t.ElapsedMs) * time.Millisecond
	if t.ExecutionStartedAt != nil {
		d += now.Sub(*t.ExecutionStartedAt)
	}
	return d
}

// ShortID returns the first eight characters of the task ID
func (t *Task) ShortID() string {
	return ShortID(t.ID)
}

// ShortID truncates an identifier for branch names and logs
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// LabelNames returns the label names in order
func (t *Task) LabelNames() []string {
	names := make([]string, 0, len(t.Labels))
	for _, l := range t.Labels {
		names = append(names, l.Name)
	}
	return names
}
