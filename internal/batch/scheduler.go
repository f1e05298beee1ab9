// Package batch schedules groups of tasks onto the runner, either in
// parallel under a concurrency cap or as a queue with optional approval
// between tasks, and optionally merges the results into one branch.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/events"
	"github.com/hochfrequenz/task-orchestrator/internal/executor"
	"github.com/hochfrequenz/task-orchestrator/internal/gitflow"
)

var (
	ErrBatchNotFound       = errors.New("batch not found")
	ErrNotAwaitingApproval = errors.New("batch is not awaiting approval")
	ErrBatchFinished       = errors.New("batch already finished")
)

const (
	DefaultMaxTasks     = 20
	defaultMergeTimeout = 10 * time.Minute
)

// Runner starts and cancels individual runs
type Runner interface {
	Start(ctx context.Context, task *domain.Task, repo domain.RepoRef, opts executor.RunOptions) (*executor.RunHandle, error)
	Cancel(h *executor.RunHandle)
}

// TaskSource loads tasks and records their batch membership
type TaskSource interface {
	GetTask(id string) (*domain.Task, error)
	SetTaskBatch(taskIDs []string, batchID string) error
}

// Merger performs the combine phase
type Merger interface {
	Clone(ctx context.Context, repo domain.RepoRef, runID string) (string, error)
	Merge(ctx context.Context, workdir, into string, branches []string, id gitflow.Identity) (gitflow.MergeResult, error)
	Push(ctx context.Context, workdir, branch string, id gitflow.Identity) error
	OpenPullRequest(ctx context.Context, repo domain.RepoRef, req gitflow.PullRequestRequest) (gitflow.PullRequest, error)
	Remove(workdir string) error
}

// Options configures a Scheduler
type Options struct {
	Runner Runner
	Tasks  TaskSource
	Git    Merger
	Repo   domain.RepoRef
	Events events.Publisher
	Logger *slog.Logger
	// MaxTasks caps the members of one batch
	MaxTasks int
	// Defaults supplies concurrency, approval and failure defaults
	Defaults     func() domain.Settings
	MergeTimeout time.Duration
	Getenv       func(string) string
}

// CreateRequest describes a new batch. Nil options fall back to the
// current settings.
type CreateRequest struct {
	TaskIDs          []string                 `json:"taskIds"`
	Mode             domain.BatchMode         `json:"mode"`
	Concurrency      int                      `json:"concurrency,omitempty"`
	AutoApprove      *bool                    `json:"autoApprove,omitempty"`
	StopOnFailure    *bool                    `json:"stopOnFailure,omitempty"`
	Combine          bool                     `json:"combine,omitempty"`
	ConflictBehavior *domain.ConflictBehavior `json:"conflictBehavior,omitempty"`
}

// Snapshot is a consistent view of a batch with its derived status
type Snapshot struct {
	domain.Batch
	Status           domain.BatchStatus `json:"status"`
	Progress         domain.BatchCounts `json:"progress"`
	AwaitingApproval bool               `json:"awaitingApproval"`
}

// Scheduler owns every batch of the process
type Scheduler struct {
	runner       Runner
	tasks        TaskSource
	git          Merger
	repo         domain.RepoRef
	events       events.Publisher
	logger       *slog.Logger
	maxTasks     int
	defaults     func() domain.Settings
	mergeTimeout time.Duration
	getenv       func(string) string
	now          func() time.Time

	mu      sync.RWMutex
	batches map[string]*batchState
}

// New creates a Scheduler
func New(opts Options) *Scheduler {
	s := &Scheduler{
		runner:       opts.Runner,
		tasks:        opts.Tasks,
		git:          opts.Git,
		repo:         opts.Repo,
		events:       opts.Events,
		logger:       opts.Logger,
		maxTasks:     opts.MaxTasks,
		defaults:     opts.Defaults,
		mergeTimeout: opts.MergeTimeout,
		getenv:       opts.Getenv,
		now:          time.Now,
		batches:      make(map[string]*batchState),
	}
	if s.events == nil {
		s.events = events.PublisherFunc(func(events.Event) {})
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "batch")
	if s.maxTasks <= 0 {
		s.maxTasks = DefaultMaxTasks
	}
	if s.defaults == nil {
		s.defaults = domain.DefaultSettings
	}
	if s.mergeTimeout <= 0 {
		s.mergeTimeout = defaultMergeTimeout
	}
	if s.getenv == nil {
		s.getenv = os.Getenv
	}
	return s
}

// batchState is the mutable state of one batch. mu serializes admission
// and completion bookkeeping.
type batchState struct {
	mu sync.Mutex

	batch   domain.Batch
	tasks   []*domain.Task
	handles map[int]*executor.RunHandle

	cancelRequested bool
	// stopped halts admission after a fatal start error or stopOnFailure
	stopped  bool
	awaiting bool
	merging  bool
	closing  bool
	finished bool
	done     chan struct{}
}

// Create validates req, registers the batch and starts admitting tasks in
// the background
func (s *Scheduler) Create(ctx context.Context, req CreateRequest) (*Snapshot, error) {
	settings := s.defaults()
	if err := s.validate(&req, settings); err != nil {
		return nil, err
	}

	tasks := make([]*domain.Task, len(req.TaskIDs))
	for i, id := range req.TaskIDs {
		task, err := s.tasks.GetTask(id)
		if err != nil {
			return nil, fmt.Errorf("loading task %s: %w", id, err)
		}
		tasks[i] = task
	}

	now := s.now()
	b := domain.Batch{
		ID:               uuid.NewString(),
		Mode:             req.Mode,
		AutoApprove:      settings.QueueAutoApprove,
		StopOnFailure:    settings.StopOnFailure,
		Combine:          req.Combine,
		ConflictBehavior: settings.ConflictBehavior,
		CreatedAt:        now,
	}
	if req.AutoApprove != nil {
		b.AutoApprove = *req.AutoApprove
	}
	if req.StopOnFailure != nil {
		b.StopOnFailure = *req.StopOnFailure
	}
	if req.ConflictBehavior != nil {
		b.ConflictBehavior = *req.ConflictBehavior
	}
	switch b.Mode {
	case domain.BatchParallel:
		b.Concurrency = req.Concurrency
		if b.Concurrency == 0 {
			b.Concurrency = settings.MaxBatchSize
		}
		b.AutoApprove = false
	case domain.BatchQueue:
		b.Concurrency = 1
	}
	for _, t := range tasks {
		b.Members = append(b.Members, domain.BatchMember{TaskID: t.ID, Title: t.Title, Status: domain.MemberPending})
	}

	if err := s.tasks.SetTaskBatch(req.TaskIDs, b.ID); err != nil {
		return nil, fmt.Errorf("assigning tasks to batch: %w", err)
	}
	for _, t := range tasks {
		t.BatchID = b.ID
	}

	st := &batchState{
		batch:   b,
		tasks:   tasks,
		handles: make(map[int]*executor.RunHandle),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.batches[b.ID] = st
	s.mu.Unlock()

	st.mu.Lock()
	s.publish(st, events.BatchCreated, "", "", fmt.Sprintf("Batch of %d tasks created", len(tasks)))
	s.publish(st, events.BatchStarted, "", "", "")
	snap := st.snapshot()
	st.mu.Unlock()

	s.logger.Info("batch created", "batch_id", b.ID, "mode", b.Mode, "tasks", len(tasks), "concurrency", b.Concurrency)
	go s.advance(st)
	return snap, nil
}

func (s *Scheduler) validate(req *CreateRequest, settings domain.Settings) error {
	if len(req.TaskIDs) == 0 {
		return fmt.Errorf("%w: at least one task is required", domain.ErrValidation)
	}
	if len(req.TaskIDs) > s.maxTasks {
		return fmt.Errorf("%w: at most %d tasks per batch", domain.ErrValidation, s.maxTasks)
	}
	seen := make(map[string]bool, len(req.TaskIDs))
	for _, id := range req.TaskIDs {
		if id == "" {
			return fmt.Errorf("%w: empty task id", domain.ErrValidation)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate task %s", domain.ErrValidation, id)
		}
		seen[id] = true
	}
	if !req.Mode.Valid() {
		return fmt.Errorf("%w: mode must be parallel or queue", domain.ErrValidation)
	}
	if req.Concurrency < 0 {
		return fmt.Errorf("%w: concurrency must be at least 1", domain.ErrValidation)
	}
	if req.ConflictBehavior != nil && *req.ConflictBehavior != domain.ConflictSkip && *req.ConflictBehavior != domain.ConflictFail {
		return fmt.Errorf("%w: conflictBehavior must be skip or fail", domain.ErrValidation)
	}
	return nil
}

// Get returns a snapshot of a batch
func (s *Scheduler) Get(id string) (*Snapshot, error) {
	st, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot(), nil
}

// List returns snapshots of every batch, newest first
func (s *Scheduler) List() []*Snapshot {
	s.mu.RLock()
	states := make([]*batchState, 0, len(s.batches))
	for _, st := range s.batches {
		states = append(states, st)
	}
	s.mu.RUnlock()

	out := make([]*Snapshot, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.snapshot())
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Wait blocks until the batch reached a terminal status
func (s *Scheduler) Wait(ctx context.Context, id string) (*Snapshot, error) {
	st, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-st.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Get(id)
}

// Approve starts the next queued task of a batch waiting for approval
func (s *Scheduler) Approve(id string) (*Snapshot, error) {
	st, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	if st.finished || st.closing {
		st.mu.Unlock()
		return nil, ErrBatchFinished
	}
	if !st.awaiting {
		st.mu.Unlock()
		return nil, ErrNotAwaitingApproval
	}
	st.awaiting = false
	snap := st.snapshot()
	st.mu.Unlock()

	s.logger.Info("batch approved", "batch_id", id)
	go s.advance(st)
	return snap, nil
}

// Skip marks the next queued task skipped. The queue stays gated so the
// task after it still needs approval.
func (s *Scheduler) Skip(id string) (*Snapshot, error) {
	st, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	if st.finished || st.closing {
		st.mu.Unlock()
		return nil, ErrBatchFinished
	}
	if !st.awaiting {
		st.mu.Unlock()
		return nil, ErrNotAwaitingApproval
	}
	idx := st.nextPending()
	if idx < 0 {
		st.mu.Unlock()
		return nil, ErrNotAwaitingApproval
	}
	st.settle(idx, domain.MemberSkipped, "Skipped by user", s.now())
	s.publish(st, events.BatchTaskSkipped, st.batch.Members[idx].TaskID, "", "Task skipped")
	if st.nextPending() < 0 {
		st.awaiting = false
	}
	closing := st.checkDone()
	snap := st.snapshot()
	st.mu.Unlock()

	if closing {
		go s.finalize(st)
	}
	return snap, nil
}

// Cancel stops admission, cancels pending members and cancels running
// members through the runner
func (s *Scheduler) Cancel(id string) (*Snapshot, error) {
	st, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	if st.finished || st.closing {
		st.mu.Unlock()
		return nil, ErrBatchFinished
	}
	st.cancelRequested = true
	st.awaiting = false
	now := s.now()
	for i := range st.batch.Members {
		if st.batch.Members[i].Status == domain.MemberPending {
			st.settle(i, domain.MemberCancelled, "Batch cancelled", now)
			s.publish(st, events.BatchTaskCancelled, st.batch.Members[i].TaskID, "", "Batch cancelled")
		}
	}
	for _, h := range st.handles {
		s.runner.Cancel(h)
	}
	closing := st.checkDone()
	snap := st.snapshot()
	st.mu.Unlock()

	s.logger.Info("batch cancel requested", "batch_id", id)
	if closing {
		go s.finalize(st)
	}
	return snap, nil
}

// CancelTask cancels one member of a batch. A pending member is cancelled
// directly, a running one through the runner.
func (s *Scheduler) CancelTask(id, taskID string) (*Snapshot, error) {
	st, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	if st.finished || st.closing {
		st.mu.Unlock()
		return nil, ErrBatchFinished
	}
	idx := st.indexOf(taskID)
	if idx < 0 {
		st.mu.Unlock()
		return nil, fmt.Errorf("task %s in batch %s: %w", taskID, domain.ShortID(id), domain.ErrNotFound)
	}
	m := &st.batch.Members[idx]
	switch {
	case m.Status == domain.MemberPending:
		st.settle(idx, domain.MemberCancelled, "Cancelled by user", s.now())
		s.publish(st, events.BatchTaskCancelled, m.TaskID, "", "Task cancelled")
		if st.nextPending() < 0 {
			st.awaiting = false
		}
	case m.Status == domain.MemberRunning:
		if h, ok := st.handles[idx]; ok {
			s.runner.Cancel(h)
		}
	default:
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s already %s", domain.ErrValidation, domain.ShortID(taskID), m.Status)
	}
	closing := st.checkDone()
	snap := st.snapshot()
	st.mu.Unlock()

	if closing {
		go s.finalize(st)
	}
	return snap, nil
}

func (s *Scheduler) lookup(id string) (*batchState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	return st, nil
}

// advance admits members until the mode's limits are reached
func (s *Scheduler) advance(st *batchState) {
	for {
		st.mu.Lock()
		idx := st.admissible()
		if idx < 0 {
			closing := st.checkDone()
			st.mu.Unlock()
			if closing {
				s.finalize(st)
			}
			return
		}
		now := s.now()
		m := &st.batch.Members[idx]
		m.Status = domain.MemberRunning
		m.StartedAt = &now
		task := st.tasks[idx]
		opts := executor.RunOptions{SkipPullRequest: st.batch.Combine, BatchID: st.batch.ID}
		st.mu.Unlock()

		h, err := s.runner.Start(context.Background(), task, s.repo, opts)

		st.mu.Lock()
		if err != nil {
			s.startFailed(st, idx, err)
			st.mu.Unlock()
			continue
		}
		m = &st.batch.Members[idx]
		m.RunID = h.RunID
		m.Branch = gitflow.BranchName(m.TaskID)
		st.handles[idx] = h
		s.publish(st, events.BatchTaskStarted, m.TaskID, h.RunID, "Task started")
		if st.cancelRequested || st.stopped {
			s.runner.Cancel(h)
		}
		st.mu.Unlock()

		go s.watch(st, idx, h)
	}
}

// startFailed records a member whose run never started. Called with st.mu held.
func (s *Scheduler) startFailed(st *batchState, idx int, err error) {
	taskID := st.batch.Members[idx].TaskID
	s.logger.Warn("batch task failed to start", "batch_id", st.batch.ID, "task_id", domain.ShortID(taskID), "error", err)
	st.settle(idx, domain.MemberFailed, err.Error(), s.now())
	s.publish(st, events.BatchTaskFailed, taskID, "", err.Error())

	switch {
	case errors.Is(err, domain.ErrSandboxUnavailable):
		s.stopRest(st, "Sandbox unavailable")
	case st.batch.StopOnFailure:
		s.stopRest(st, "Stopped after failure")
	case st.batch.Mode == domain.BatchQueue && !st.batch.AutoApprove && st.nextPending() >= 0:
		st.awaiting = true
	}
}

// watch records the outcome of a member's run and admits the next member
func (s *Scheduler) watch(st *batchState, idx int, h *executor.RunHandle) {
	<-h.Done()
	res := h.Result()

	st.mu.Lock()
	delete(st.handles, idx)
	m := &st.batch.Members[idx]
	status := domain.MemberStatusForRun(res.Status)
	msg := ""
	if status != domain.MemberCompleted {
		msg = res.Message
	}
	st.settle(idx, status, msg, s.now())
	m.CommitSHA = res.CommitSHA
	if res.Branch != "" {
		m.Branch = res.Branch
	}
	if !res.IsCompareLink {
		m.PRURL = res.PRURL
	}

	kind := events.BatchTaskCompleted
	switch status {
	case domain.MemberFailed:
		kind = events.BatchTaskFailed
	case domain.MemberCancelled:
		kind = events.BatchTaskCancelled
	}
	s.publish(st, kind, m.TaskID, res.RunID, res.Message)

	switch {
	case status != domain.MemberFailed || st.stopped:
	case errors.Is(res.Err, domain.ErrSandboxUnavailable):
		s.stopRest(st, "Sandbox unavailable")
	case st.batch.StopOnFailure:
		s.stopRest(st, "Stopped after failure")
	}
	if st.batch.Mode == domain.BatchQueue && !st.batch.AutoApprove && !st.cancelRequested && !st.stopped && st.nextPending() >= 0 {
		st.awaiting = true
	}
	st.mu.Unlock()

	s.advance(st)
}

// stopRest halts admission, cancels pending members and running runs.
// Called with st.mu held.
func (s *Scheduler) stopRest(st *batchState, reason string) {
	st.stopped = true
	st.awaiting = false
	now := s.now()
	for i := range st.batch.Members {
		if st.batch.Members[i].Status == domain.MemberPending {
			st.settle(i, domain.MemberCancelled, reason, now)
			s.publish(st, events.BatchTaskCancelled, st.batch.Members[i].TaskID, "", reason)
		}
	}
	for _, h := range st.handles {
		s.runner.Cancel(h)
	}
}

// finalize runs the combine phase if needed and publishes the terminal
// batch event
func (s *Scheduler) finalize(st *batchState) {
	st.mu.Lock()
	merging := st.merging
	st.mu.Unlock()

	if merging {
		s.combine(st)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.merging = false
	now := s.now()
	st.batch.CompletedAt = &now
	st.finished = true

	status := st.status()
	kind := events.BatchCompleted
	switch status {
	case domain.BatchFailed:
		kind = events.BatchFailed
	case domain.BatchCancelled:
		kind = events.BatchCancelled
	}
	s.publish(st, kind, "", "", "")
	close(st.done)
	s.logger.Info("batch finished", "batch_id", st.batch.ID, "status", status)
}

// publish emits a batch event. Called with st.mu held.
func (s *Scheduler) publish(st *batchState, kind events.BatchKind, taskID, runID, msg string) {
	counts := domain.CountMembers(st.batch.Members)
	ev := events.BatchEvent{
		Kind:      kind,
		BatchID:   st.batch.ID,
		TaskID:    taskID,
		RunID:     runID,
		Status:    st.status(),
		Message:   msg,
		Counts:    &counts,
		Timestamp: s.now(),
	}
	if taskID == "" {
		ev.PRURL = st.batch.PRURL
	}
	s.events.Publish(ev)
}

func (st *batchState) status() domain.BatchStatus {
	return domain.DeriveBatchStatus(st.batch.Members, st.cancelRequested, st.merging)
}

func (st *batchState) snapshot() *Snapshot {
	b := st.batch
	b.Members = append([]domain.BatchMember(nil), st.batch.Members...)
	return &Snapshot{
		Batch:            b,
		Status:           st.status(),
		Progress:         domain.CountMembers(st.batch.Members),
		AwaitingApproval: st.awaiting,
	}
}

// admissible returns the next member to start, or -1
func (st *batchState) admissible() int {
	if st.cancelRequested || st.stopped || st.closing || st.awaiting {
		return -1
	}
	running := 0
	for _, m := range st.batch.Members {
		if m.Status == domain.MemberRunning {
			running++
		}
	}
	limit := st.batch.Concurrency
	if st.batch.Mode == domain.BatchQueue || limit < 1 {
		limit = 1
	}
	if running >= limit {
		return -1
	}
	return st.nextPending()
}

func (st *batchState) nextPending() int {
	for i, m := range st.batch.Members {
		if m.Status == domain.MemberPending {
			return i
		}
	}
	return -1
}

func (st *batchState) indexOf(taskID string) int {
	for i, m := range st.batch.Members {
		if m.TaskID == taskID {
			return i
		}
	}
	return -1
}

func (st *batchState) settle(idx int, status domain.MemberStatus, msg string, now time.Time) {
	m := &st.batch.Members[idx]
	m.Status = status
	m.Error = msg
	m.CompletedAt = &now
}

// checkDone reports, once, that every member is terminal. It also decides
// whether the combine phase runs.
func (st *batchState) checkDone() bool {
	if st.closing || st.finished {
		return false
	}
	for _, m := range st.batch.Members {
		if !m.Status.IsTerminal() {
			return false
		}
	}
	st.closing = true
	st.awaiting = false
	if st.batch.Combine && !st.cancelRequested && !st.stopped {
		for _, m := range st.batch.Members {
			if m.Status == domain.MemberCompleted && m.CommitSHA != "" {
				st.merging = true
				break
			}
		}
	}
	return true
}
