// Package events defines the catalog of events streamed to clients and the
// in-process bus that fans them out.
package events

import (
	"time"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

// Type is the wire name of an event
type Type string

const (
	TypeConnected Type = "connected"

	TypeTaskCreated Type = "task:created"
	TypeTaskUpdated Type = "task:updated"
	TypeTaskDeleted Type = "task:deleted"

	TypeLabelCreated Type = "label:created"
	TypeLabelUpdated Type = "label:updated"
	TypeLabelDeleted Type = "label:deleted"

	TypeSettingsUpdated Type = "settings:updated"

	TypeTeamCreated Type = "team:created"
	TypeTeamUpdated Type = "team:updated"
	TypeTeamDeleted Type = "team:deleted"

	TypeProjectCreated Type = "project:created"
	TypeProjectUpdated Type = "project:updated"
	TypeProjectDeleted Type = "project:deleted"

	TypeExecutionProgress Type = "execution:progress"
	TypeExecutionLog      Type = "execution:log"

	TypeBatchCreated       Type = "batch:created"
	TypeBatchStarted       Type = "batch:started"
	TypeBatchTaskStarted   Type = "batch:task:started"
	TypeBatchTaskCompleted Type = "batch:task:completed"
	TypeBatchTaskFailed    Type = "batch:task:failed"
	TypeBatchTaskSkipped   Type = "batch:task:skipped"
	TypeBatchTaskCancelled Type = "batch:task:cancelled"
	TypeBatchMerging       Type = "batch:merging"
	TypeBatchCompleted     Type = "batch:completed"
	TypeBatchFailed        Type = "batch:failed"
	TypeBatchCancelled     Type = "batch:cancelled"
)

// Event is one variant of the catalog. The set of variants is closed:
// accept is unexported, so only this package can add one.
type Event interface {
	Type() Type
	accept(h Handler)
}

// Handler has one method per event variant. Implementations that miss a
// variant fail to compile.
type Handler interface {
	HandleConnected(Connected)
	HandleTask(TaskEvent)
	HandleLabel(LabelEvent)
	HandleSettings(SettingsUpdated)
	HandleTeam(TeamEvent)
	HandleProject(ProjectEvent)
	HandleProgress(ExecutionProgress)
	HandleLog(ExecutionLog)
	HandleBatch(BatchEvent)
}

// Dispatch routes ev to the matching handler method
func Dispatch(ev Event, h Handler) {
	ev.accept(h)
}

// Action is the CRUD verb carried by entity events
type Action string

const (
	Created Action = "created"
	Updated Action = "updated"
	Deleted Action = "deleted"
)

// Connected is the first event on every stream
type Connected struct {
	ClientID string `json:"clientId"`
}

func (Connected) Type() Type { return TypeConnected }
func (e Connected) accept(h Handler) { h.HandleConnected(e) }

// TaskEvent reports a task change. Task is nil for deletions.
type TaskEvent struct {
	Action Action       `json:"-"`
	ID     string       `json:"id"`
	Task   *domain.Task `json:"task,omitempty"`
}

func (e TaskEvent) Type() Type { return Type("task:" + string(e.Action)) }
func (e TaskEvent) accept(h Handler) { h.HandleTask(e) }

// LabelEvent reports a label change. Label is nil for deletions.
type LabelEvent struct {
	Action Action        `json:"-"`
	ID     string        `json:"id"`
	Label  *domain.Label `json:"label,omitempty"`
}

func (e LabelEvent) Type() Type { return Type("label:" + string(e.Action)) }
func (e LabelEvent) accept(h Handler) { h.HandleLabel(e) }

// SettingsUpdated carries the new settings
type SettingsUpdated struct {
	Settings domain.Settings `json:"settings"`
}

func (SettingsUpdated) Type() Type { return TypeSettingsUpdated }
func (e SettingsUpdated) accept(h Handler) { h.HandleSettings(e) }

// TeamEvent reports a team change
type TeamEvent struct {
	Action Action `json:"-"`
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
}

func (e TeamEvent) Type() Type { return Type("team:" + string(e.Action)) }
func (e TeamEvent) accept(h Handler) { h.HandleTeam(e) }

// ProjectEvent reports a project change
type ProjectEvent struct {
	Action Action `json:"-"`
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
}

func (e ProjectEvent) Type() Type { return Type("project:" + string(e.Action)) }
func (e ProjectEvent) accept(h Handler) { h.HandleProject(e) }

// ExecutionProgress is emitted once per runner phase transition
type ExecutionProgress struct {
	TaskID        string       `json:"taskId"`
	RunID         string       `json:"runId"`
	Status        domain.Phase `json:"status"`
	Message       string       `json:"message"`
	PRURL         string       `json:"prUrl,omitempty"`
	IsCompareLink bool         `json:"isCompareLink,omitempty"`
	Progress      *int         `json:"progress,omitempty"`
}

func (ExecutionProgress) Type() Type { return TypeExecutionProgress }
func (e ExecutionProgress) accept(h Handler) { h.HandleProgress(e) }

// ExecutionLog carries one line of run output
type ExecutionLog struct {
	TaskID string          `json:"taskId"`
	RunID  string          `json:"runId"`
	Entry  domain.LogEntry `json:"entry"`
}

func (ExecutionLog) Type() Type { return TypeExecutionLog }
func (e ExecutionLog) accept(h Handler) { h.HandleLog(e) }

// BatchKind names a step of the batch lifecycle
type BatchKind string

const (
	BatchCreated       BatchKind = "created"
	BatchStarted       BatchKind = "started"
	BatchTaskStarted   BatchKind = "task:started"
	BatchTaskCompleted BatchKind = "task:completed"
	BatchTaskFailed    BatchKind = "task:failed"
	BatchTaskSkipped   BatchKind = "task:skipped"
	BatchTaskCancelled BatchKind = "task:cancelled"
	BatchMerging       BatchKind = "merging"
	BatchCompleted     BatchKind = "completed"
	BatchFailed        BatchKind = "failed"
	BatchCancelled     BatchKind = "cancelled"
)

// BatchEvent reports a batch lifecycle step. TaskID is set for task kinds.
type BatchEvent struct {
	Kind      BatchKind           `json:"-"`
	BatchID   string              `json:"batchId"`
	TaskID    string              `json:"taskId,omitempty"`
	RunID     string              `json:"runId,omitempty"`
	Status    domain.BatchStatus  `json:"status,omitempty"`
	Message   string              `json:"message,omitempty"`
	PRURL     string              `json:"prUrl,omitempty"`
	Counts    *domain.BatchCounts `json:"counts,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

func (e BatchEvent) Type() Type { return Type("batch:" + string(e.Kind)) }
func (e BatchEvent) accept(h Handler) { h.HandleBatch(e) }

// Catalog lists every event type the stream can carry
func Catalog() []Type {
	return []Type{
		TypeConnected,
		TypeTaskCreated, TypeTaskUpdated, TypeTaskDeleted,
		TypeLabelCreated, TypeLabelUpdated, TypeLabelDeleted,
		TypeSettingsUpdated,
		TypeTeamCreated, TypeTeamUpdated, TypeTeamDeleted,
		TypeProjectCreated, TypeProjectUpdated, TypeProjectDeleted,
		TypeExecutionProgress, TypeExecutionLog,
		TypeBatchCreated, TypeBatchStarted,
		TypeBatchTaskStarted, TypeBatchTaskCompleted, TypeBatchTaskFailed,
		TypeBatchTaskSkipped, TypeBatchTaskCancelled,
		TypeBatchMerging, TypeBatchCompleted, TypeBatchFailed, TypeBatchCancelled,
	}
}
