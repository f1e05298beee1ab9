// Package executor drives a task through clone, agent execution, commit,
// push and pull request creation, one sandboxed agent per run.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/events"
	"github.com/hochfrequenz/task-orchestrator/internal/gitflow"
	"github.com/hochfrequenz/task-orchestrator/internal/sandbox"
)

var (
	ErrAlreadyRunning = errors.New("task already has an active run")
	ErrParallelLimit  = errors.New("parallel execution limit reached")
)

const (
	DefaultTaskTimeout      = 30 * time.Minute
	DefaultCancelGrace      = 10 * time.Second
	DefaultProgressInterval = 15 * time.Second

	// probeTTL is how long a sandbox availability result is reused
	probeTTL = 30 * time.Second
)

// OutcomeNoChanges is recorded when the agent left the tree untouched
const OutcomeNoChanges = "Completed with no changes"

// GitWorkflow is the repository side of a run
type GitWorkflow interface {
	Clone(ctx context.Context, repo domain.RepoRef, runID string) (string, error)
	CreateBranch(ctx context.Context, workdir, branch string) error
	Commit(ctx context.Context, workdir, message string, id gitflow.Identity) (gitflow.CommitResult, error)
	Push(ctx context.Context, workdir, branch string, id gitflow.Identity) error
	OpenPullRequest(ctx context.Context, repo domain.RepoRef, req gitflow.PullRequestRequest) (gitflow.PullRequest, error)
	Remove(workdir string) error
}

// Tracker records run state as it changes
type Tracker interface {
	Begin(taskID, runID, branch string) error
	Progress(runID string, progress, filesChanged, toolsExecuted int)
	Finish(run domain.ExecutionRun) error
}

// Options configures a Runner
type Options struct {
	Git              GitWorkflow
	Sandbox          sandbox.Sandbox
	Tracker          Tracker
	Events           events.Publisher
	Logger           *slog.Logger
	TaskTimeout      time.Duration
	CancelGrace      time.Duration
	ProgressInterval time.Duration
	Getenv           func(string) string
}

// RunOptions adjusts a single Start
type RunOptions struct {
	// Limit rejects the start when this many runs are already active. Zero
	// means unlimited.
	Limit int
	// SkipPullRequest pushes the branch but opens no pull request
	SkipPullRequest bool
	Identity        *gitflow.Identity
	BatchID         string
}

// Runner starts and supervises runs. A task has at most one active run.
type Runner struct {
	git              GitWorkflow
	sandbox          sandbox.Sandbox
	tracker          Tracker
	events           events.Publisher
	logger           *slog.Logger
	taskTimeout      time.Duration
	cancelGrace      time.Duration
	progressInterval time.Duration
	getenv           func(string) string
	now              func() time.Time

	mu     sync.Mutex
	active map[string]*RunHandle

	probeMu  sync.Mutex
	probeErr error
	probedAt time.Time
}

// NewRunner creates a Runner
func NewRunner(opts Options) *Runner {
	r := &Runner{
		git:              opts.Git,
		sandbox:          opts.Sandbox,
		tracker:          opts.Tracker,
		events:           opts.Events,
		logger:           opts.Logger,
		taskTimeout:      opts.TaskTimeout,
		cancelGrace:      opts.CancelGrace,
		progressInterval: opts.ProgressInterval,
		getenv:           opts.Getenv,
		now:              time.Now,
		active:           make(map[string]*RunHandle),
	}
	if r.tracker == nil {
		r.tracker = nopTracker{}
	}
	if r.events == nil {
		r.events = events.PublisherFunc(func(events.Event) {})
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "runner")
	if r.taskTimeout <= 0 {
		r.taskTimeout = DefaultTaskTimeout
	}
	if r.cancelGrace <= 0 {
		r.cancelGrace = DefaultCancelGrace
	}
	if r.progressInterval <= 0 {
		r.progressInterval = DefaultProgressInterval
	}
	if r.getenv == nil {
		r.getenv = os.Getenv
	}
	return r
}

// Start launches a run for task in the background and returns its handle
func (r *Runner) Start(ctx context.Context, task *domain.Task, repo domain.RepoRef, opts RunOptions) (*RunHandle, error) {
	if task == nil || task.ID == "" {
		return nil, fmt.Errorf("%w: task is required", domain.ErrValidation)
	}
	if err := r.knownUnavailable(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.active[task.ID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("task %s: %w", task.ShortID(), ErrAlreadyRunning)
	}
	if opts.Limit > 0 && len(r.active) >= opts.Limit {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrParallelLimit, opts.Limit)
	}
	h := NewRunHandle(uuid.NewString(), task.ID)
	h.startedAt = r.now()
	h.branch = gitflow.BranchName(task.ID)
	r.active[task.ID] = h
	r.mu.Unlock()

	if err := r.tracker.Begin(task.ID, h.RunID, h.branch); err != nil {
		r.unregister(h)
		return nil, fmt.Errorf("recording run start: %w", err)
	}

	// the run outlives the request that started it
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.taskTimeout)
	h.mu.Lock()
	h.cancel = cancel
	if h.cancelRequested {
		cancel()
	}
	h.mu.Unlock()

	t := *task
	r.logger.Info("run started", "run_id", h.RunID, "task_id", task.ShortID(), "batch_id", opts.BatchID)
	go r.execute(runCtx, cancel, h, &t, repo, opts)
	return h, nil
}

// Get returns the active run of a task
func (r *Runner) Get(taskID string) (*RunHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.active[taskID]
	return h, ok
}

// ActiveCount returns the number of runs not yet terminal
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Cancel stops a run. The agent is asked to terminate, killed after the
// grace period, and the run is marked cancelled at that point even if the
// process never exits.
func (r *Runner) Cancel(h *RunHandle) {
	proc, ok := h.requestCancel()
	if !ok {
		return
	}
	r.logger.Info("cancelling run", "run_id", h.RunID, "task_id", domain.ShortID(h.TaskID))
	if proc != nil {
		proc.Terminate()
	}

	go func() {
		timer := time.NewTimer(r.cancelGrace)
		defer timer.Stop()
		select {
		case <-h.Done():
			return
		case <-timer.C:
		}
		if p := h.process(); p != nil {
			p.Kill()
		}
		if r.finish(h, Result{Phase: domain.PhaseCancelled, Message: "Execution cancelled"}) {
			r.logger.Warn("run force-marked cancelled after grace period", "run_id", h.RunID)
		}
	}()
}

// CancelTask cancels the active run of a task, reporting whether one existed
func (r *Runner) CancelTask(taskID string) bool {
	h, ok := r.Get(taskID)
	if !ok {
		return false
	}
	r.Cancel(h)
	return true
}

// Shutdown cancels every active run and waits for them to finish
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	handles := make([]*RunHandle, 0, len(r.active))
	for _, h := range r.active {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		r.Cancel(h)
	}
	for _, h := range handles {
		if _, err := h.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, cancel context.CancelFunc, h *RunHandle, task *domain.Task, repo domain.RepoRef, opts RunOptions) {
	defer cancel()
	log := r.logger.With("run_id", h.RunID, "task_id", task.ShortID())
	id := gitflow.ResolveIdentity(opts.Identity, r.getenv)
	base := Result{Branch: h.branch}

	if err := r.checkSandbox(ctx); err != nil {
		r.fail(ctx, h, base, err)
		return
	}
	if !r.emit(h, domain.PhaseCloning, "Cloning repository") {
		return
	}
	workdir, err := r.git.Clone(ctx, repo, h.RunID)
	if err != nil {
		r.fail(ctx, h, base, fmt.Errorf("clone: %w", err))
		return
	}
	defer func() {
		if err := r.git.Remove(workdir); err != nil {
			log.Warn("removing workdir failed", "error", err)
		}
	}()
	if err := r.git.CreateBranch(ctx, workdir, h.branch); err != nil {
		r.fail(ctx, h, base, fmt.Errorf("create branch: %w", err))
		return
	}

	if !r.emit(h, domain.PhaseExecuting, "Agent is working on the task") {
		return
	}
	exitErr, err := r.runAgent(ctx, h, task, workdir, log)
	if err != nil {
		r.fail(ctx, h, base, fmt.Errorf("launch agent: %w", err))
		return
	}
	if h.CancelRequested() || ctx.Err() != nil {
		r.fail(ctx, h, base, ctx.Err())
		return
	}
	if exitErr != nil {
		msg := exitErr.Error()
		if last := h.logs.lastError(); last != "" {
			msg = last
		}
		r.fail(ctx, h, base, fmt.Errorf("agent failed: %s", msg))
		return
	}

	if !r.emit(h, domain.PhaseCommitting, "Committing changes") {
		return
	}
	commit, err := r.git.Commit(ctx, workdir, BuildCommitMessage(task), id)
	if err != nil {
		r.fail(ctx, h, base, err)
		return
	}
	if !commit.Committed {
		log.Info("agent made no changes")
		res := base
		res.Phase = domain.PhaseDone
		res.Message = OutcomeNoChanges
		r.finish(h, res)
		return
	}
	base.Committed = true
	base.CommitSHA = commit.SHA
	if err := r.git.Push(ctx, workdir, h.branch, id); err != nil {
		r.fail(ctx, h, base, err)
		return
	}
	if opts.SkipPullRequest {
		res := base
		res.Phase = domain.PhaseDone
		res.Message = "Branch " + h.branch + " pushed"
		r.finish(h, res)
		return
	}

	if !r.emit(h, domain.PhaseCreatingPR, "Creating pull request") {
		return
	}
	pr, err := r.git.OpenPullRequest(ctx, repo, gitflow.PullRequestRequest{
		Branch: h.branch,
		Base:   repo.Base(),
		Title:  task.Title,
		Body:   gitflow.BuildPRBody(task, h.RunID, h.filesChanged()),
	})
	if err != nil && pr.URL == "" {
		r.fail(ctx, h, base, err)
		return
	}
	res := base
	res.Phase = domain.PhaseDone
	res.PRURL = pr.URL
	res.PRNumber = pr.Number
	res.IsCompareLink = pr.IsCompareLink
	res.Message = "Pull request created"
	if pr.IsCompareLink {
		if err != nil {
			log.Warn("pull request failed, falling back to compare link", "error", err)
		}
		res.Message = "Branch pushed, compare link ready"
	}
	r.finish(h, res)
}

// knownUnavailable returns the last probe failure while it is fresh. It
// never probes, so Start stays off the sandbox.
func (r *Runner) knownUnavailable() error {
	r.probeMu.Lock()
	defer r.probeMu.Unlock()
	if r.probeErr != nil && r.now().Sub(r.probedAt) < probeTTL {
		return r.probeErr
	}
	return nil
}

// checkSandbox probes the sandbox unless a fresh result is cached
func (r *Runner) checkSandbox(ctx context.Context) error {
	r.probeMu.Lock()
	if !r.probedAt.IsZero() && r.now().Sub(r.probedAt) < probeTTL {
		err := r.probeErr
		r.probeMu.Unlock()
		return err
	}
	r.probeMu.Unlock()

	err := r.sandbox.Available(ctx)
	if err != nil && !errors.Is(err, domain.ErrSandboxUnavailable) {
		err = fmt.Errorf("%w: %v", domain.ErrSandboxUnavailable, err)
	}
	r.probeMu.Lock()
	r.probeErr, r.probedAt = err, r.now()
	r.probeMu.Unlock()
	return err
}

// runAgent launches the sandbox and supervises it until it exits. exitErr
// is the agent's own failure; err means it never started.
func (r *Runner) runAgent(ctx context.Context, h *RunHandle, task *domain.Task, workdir string, log *slog.Logger) (exitErr, err error) {
	counter, werr := sandbox.WatchChanges(workdir, r.logger)
	if werr != nil {
		log.Warn("change counter unavailable", "error", werr)
	} else {
		h.counter.Store(counter)
		defer counter.Close()
	}

	onLine := func(stream, line string) {
		entry, tools := parseLine(stream, line, r.now())
		if tools > 0 {
			h.tools.Add(int64(tools))
		}
		h.logs.add(entry)
		r.events.Publish(events.ExecutionLog{TaskID: h.TaskID, RunID: h.RunID, Entry: entry})
	}
	proc, err := r.sandbox.Launch(ctx, sandbox.Spec{
		RunID:   h.RunID,
		TaskID:  h.TaskID,
		Workdir: workdir,
		Prompt:  BuildPrompt(task),
		Env:     []string{"GIT_TERMINAL_PROMPT=0"},
	}, onLine)
	if err != nil {
		return nil, err
	}
	h.setProcess(proc)

	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()

	ticker := time.NewTicker(r.progressInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-exited:
			r.recordProgress(h)
			return err, nil
		case <-ticker.C:
			r.recordProgress(h)
		case <-ctx.Done():
			r.recordProgress(h)
			proc.Terminate()
			select {
			case err := <-exited:
				return err, nil
			case <-time.After(r.cancelGrace):
			}
			proc.Kill()
			select {
			case err := <-exited:
				return err, nil
			case <-time.After(r.cancelGrace):
				log.Error("agent did not exit after kill, abandoning it")
				return ctx.Err(), nil
			}
		}
	}
}

func (r *Runner) recordProgress(h *RunHandle) {
	r.tracker.Progress(h.RunID, h.estimate(r.now()), h.filesChanged(), int(h.tools.Load()))
}

// emit moves the run into a non-terminal phase and publishes it
func (r *Runner) emit(h *RunHandle, phase domain.Phase, msg string) bool {
	return h.advance(phase, func() {
		p := h.estimate(r.now())
		r.events.Publish(events.ExecutionProgress{
			TaskID:   h.TaskID,
			RunID:    h.RunID,
			Status:   phase,
			Message:  msg,
			Progress: &p,
		})
	})
}

// fail ends the run in error, or cancelled when cancellation caused err
func (r *Runner) fail(ctx context.Context, h *RunHandle, base Result, err error) {
	res := base
	res.Err = err
	switch {
	case h.CancelRequested():
		res.Phase = domain.PhaseCancelled
		res.Message = "Execution cancelled"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Phase = domain.PhaseError
		res.ErrorCategory = domain.CategoryTimeout
		res.Message = fmt.Sprintf("Task timed out after %s", r.taskTimeout)
	default:
		res.Phase = domain.PhaseError
		res.ErrorCategory = domain.CategorizeError(err)
		res.Message = err.Error()
	}
	r.finish(h, res)
}

// finish resolves the handle once: it persists the run, publishes the
// terminal progress event and releases the task
func (r *Runner) finish(h *RunHandle, res Result) bool {
	now := r.now()
	if res.Branch == "" {
		res.Branch = h.branch
	}
	res.FilesChanged = h.filesChanged()
	res.ToolsExecuted = int(h.tools.Load())

	return h.resolveWith(res, func() {
		res := h.result
		progress := h.estimate(now)
		if res.Phase == domain.PhaseDone {
			progress = 100
		}

		run := domain.ExecutionRun{
			ID:            h.RunID,
			TaskID:        h.TaskID,
			Status:        res.Status,
			Phase:         res.Phase,
			Branch:        res.Branch,
			CommitSHA:     res.CommitSHA,
			PRURL:         res.PRURL,
			PRNumber:      res.PRNumber,
			IsCompareLink: res.IsCompareLink,
			ErrorCategory: res.ErrorCategory,
			FilesChanged:  res.FilesChanged,
			ToolsExecuted: res.ToolsExecuted,
			Progress:      progress,
			Outcome:       res.Message,
			StartedAt:     &h.startedAt,
			CompletedAt:   &now,
			DurationMs:    now.Sub(h.startedAt).Milliseconds(),
		}
		if res.Phase == domain.PhaseError {
			run.ErrorMessage = res.Message
		}
		if err := r.tracker.Finish(run); err != nil {
			r.logger.Error("recording run result failed", "run_id", h.RunID, "error", err)
		}

		r.events.Publish(events.ExecutionProgress{
			TaskID:        h.TaskID,
			RunID:         h.RunID,
			Status:        res.Phase,
			Message:       res.Message,
			PRURL:         res.PRURL,
			IsCompareLink: res.IsCompareLink,
			Progress:      &progress,
		})
		r.unregister(h)
		r.logger.Info("run finished", "run_id", h.RunID, "phase", res.Phase, "category", res.ErrorCategory)
	})
}

func (r *Runner) unregister(h *RunHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[h.TaskID] == h {
		delete(r.active, h.TaskID)
	}
}

type nopTracker struct{}

func (nopTracker) Begin(string, string, string) error { return nil }
func (nopTracker) Progress(string, int, int, int) {}
func (nopTracker) Finish(domain.ExecutionRun) error { return nil }
