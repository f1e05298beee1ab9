package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/events"
	"github.com/hochfrequenz/task-orchestrator/internal/executor"
	"github.com/hochfrequenz/task-orchestrator/internal/gitflow"
	"github.com/hochfrequenz/task-orchestrator/internal/taskstore"
)

type createTaskRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Priority    domain.Priority `json:"priority"`
	LabelIDs    []string        `json:"labelIds"`
}

type updateTaskRequest struct {
	Title       *string            `json:"title"`
	Description *string            `json:"description"`
	Priority    *domain.Priority   `json:"priority"`
	Status      *domain.TaskStatus `json:"status"`
	LabelIDs    *[]string          `json:"labelIds"`
}

type executeResponse struct {
	RunID  string       `json:"runId"`
	TaskID string       `json:"taskId"`
	Phase  domain.Phase `json:"status"`
	Branch string       `json:"branch"`
}

type logsResponse struct {
	TaskID string            `json:"taskId"`
	RunID  string            `json:"runId,omitempty"`
	Logs   []domain.LogEntry `json:"logs"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts := taskstore.ListOptions{
		Status:  domain.TaskStatus(r.URL.Query().Get("status")),
		BatchID: r.URL.Query().Get("batchId"),
	}
	if opts.Status != "" && !opts.Status.Valid() {
		writeError(w, http.StatusBadRequest, codeValidation, fmt.Sprintf("unknown status %q", opts.Status))
		return
	}
	tasks, err := s.store.ListTasks(opts)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createTaskRequest](w, r)
	if !ok {
		return
	}
	labels, err := s.resolveLabels(req.LabelIDs)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	task := &domain.Task{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Priority:    req.Priority,
		Status:      domain.TaskTodo,
		Labels:      labels,
	}
	if task.Priority == "" {
		task.Priority = domain.PriorityMedium
	}
	if err := s.store.CreateTask(task); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.bus.Publish(events.TaskEvent{Action: events.Created, ID: task.ID, Task: task})
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[updateTaskRequest](w, r)
	if !ok {
		return
	}
	var labels []domain.Label
	if req.LabelIDs != nil {
		var err error
		if labels, err = s.resolveLabels(*req.LabelIDs); err != nil {
			s.writeDomainError(w, err)
			return
		}
	}
	task, err := s.store.UpdateTask(chi.URLParam(r, "taskID"), func(t *domain.Task) error {
		if req.Title != nil {
			t.Title = strings.TrimSpace(*req.Title)
		}
		if req.Description != nil {
			t.Description = *req.Description
		}
		if req.Priority != nil {
			t.Priority = *req.Priority
		}
		if req.Status != nil {
			t.Status = *req.Status
		}
		if req.LabelIDs != nil {
			t.Labels = labels
		}
		return t.Validate()
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.bus.Publish(events.TaskEvent{Action: events.Updated, ID: task.ID, Task: task})
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if _, active := s.runner.Get(id); active {
		writeError(w, http.StatusConflict, codeAlreadyRunning, "task has an active run, cancel it first")
		return
	}
	if err := s.store.DeleteTask(id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.bus.Publish(events.TaskEvent{Action: events.Deleted, ID: id})
	w.WriteHeader(http.StatusNoContent)
}

// handleExecuteTask only starts the run; cloning and the agent run in the
// background and report through execution:progress events
func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	settings, err := s.store.GetSettings()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	h, err := s.runner.Start(r.Context(), task, s.repo, executor.RunOptions{Limit: settings.ParallelLimit})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, executeResponse{
		RunID:  h.RunID,
		TaskID: h.TaskID,
		Phase:  h.Phase(),
		Branch: gitflow.BranchName(task.ID),
	})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if !s.runner.CancelTask(id) {
		writeError(w, http.StatusConflict, codeConflict, "task has no active run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "taskId": id})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if _, err := s.store.GetTask(id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	runs, err := s.runs.Runs(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if runs == nil {
		runs = []*domain.ExecutionRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleTaskLogs returns the log ring of the task's active run. Logs are
// not persisted, so a task without an active run has none.
func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	resp := logsResponse{TaskID: id, Logs: []domain.LogEntry{}}
	if h, ok := s.runner.Get(id); ok {
		resp.RunID = h.RunID
		resp.Logs = h.Logs()
	} else if _, err := s.store.GetTask(id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) resolveLabels(ids []string) ([]domain.Label, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	all, err := s.store.ListLabels()
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Label, len(all))
	for _, l := range all {
		byID[l.ID] = l
	}
	labels := make([]domain.Label, 0, len(ids))
	for _, id := range ids {
		l, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: unknown label %s", domain.ErrValidation, id)
		}
		labels = append(labels, l)
	}
	return labels, nil
}
