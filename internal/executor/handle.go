package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/sandbox"
)

// Result is the terminal outcome of a run
type Result struct {
	RunID         string
	TaskID        string
	Status        domain.RunStatus
	Phase         domain.Phase
	Branch        string
	CommitSHA     string
	Committed     bool
	PRURL         string
	PRNumber      int
	IsCompareLink bool
	Message       string
	ErrorCategory domain.ErrorCategory
	FilesChanged  int
	ToolsExecuted int
	// Err is the failure that ended the run, nil on success
	Err error
}

// RunHandle tracks one in-flight run
type RunHandle struct {
	RunID  string
	TaskID string

	done      chan struct{}
	logs      *logRing
	startedAt time.Time
	branch    string
	tools     atomic.Int64
	counter   atomic.Pointer[sandbox.ChangeCounter]

	mu              sync.Mutex
	phase           domain.Phase
	result          Result
	resolved        bool
	cancelRequested bool
	cancel          context.CancelFunc
	proc            sandbox.Process
}

// NewRunHandle creates an unresolved handle. Runners create handles for
// every Start; other callers use it to stand in for a runner.
func NewRunHandle(runID, taskID string) *RunHandle {
	return &RunHandle{
		RunID:  runID,
		TaskID: taskID,
		done:   make(chan struct{}),
		logs:   newLogRing(LogCapacity),
		phase:  domain.PhaseCloning,
	}
}

func (h *RunHandle) filesChanged() int {
	if c := h.counter.Load(); c != nil {
		return c.Count()
	}
	return 0
}

func (h *RunHandle) estimate(now time.Time) int {
	minutes := 0.0
	if !h.startedAt.IsZero() {
		minutes = now.Sub(h.startedAt).Minutes()
	}
	return EstimateProgress(int(h.tools.Load()), h.filesChanged(), minutes)
}

// Done is closed once the run reached a terminal phase
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Result returns the terminal result. It is the zero Result before Done.
func (h *RunHandle) Result() Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Wait blocks until the run finishes or ctx ends
func (h *RunHandle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Phase returns the current phase
func (h *RunHandle) Phase() domain.Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

// Logs returns the most recent output lines, oldest first
func (h *RunHandle) Logs() []domain.LogEntry {
	return h.logs.entries()
}

// CancelRequested reports whether Cancel was called for this run
func (h *RunHandle) CancelRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelRequested
}

// Resolve finishes the run with res. Only the first call has an effect;
// it reports whether this call resolved the handle.
func (h *RunHandle) Resolve(res Result) bool {
	return h.resolveWith(res, nil)
}

// resolveWith resolves the handle and runs fn under the handle lock so that
// the terminal event is ordered after every phase event
func (h *RunHandle) resolveWith(res Result, fn func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolved {
		return false
	}
	h.resolved = true
	if res.RunID == "" {
		res.RunID = h.RunID
	}
	if res.TaskID == "" {
		res.TaskID = h.TaskID
	}
	if res.Status == "" {
		res.Status = res.Phase.RunStatus()
	}
	h.result = res
	h.phase = res.Phase
	if fn != nil {
		fn()
	}
	close(h.done)
	return true
}

// advance moves to a non-terminal phase, running fn under the lock. It
// returns false when the run is already resolved.
func (h *RunHandle) advance(phase domain.Phase, fn func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolved {
		return false
	}
	h.phase = phase
	if fn != nil {
		fn()
	}
	return true
}

// setProcess records the sandbox process. If cancellation was already
// requested the process is told to stop right away.
func (h *RunHandle) setProcess(p sandbox.Process) {
	h.mu.Lock()
	h.proc = p
	stop := h.cancelRequested
	h.mu.Unlock()
	if stop {
		p.Terminate()
	}
}

func (h *RunHandle) process() sandbox.Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proc
}

// requestCancel marks the run cancelled and returns the process to stop.
// It returns false if the run is already resolved.
func (h *RunHandle) requestCancel() (sandbox.Process, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolved {
		return nil, false
	}
	h.cancelRequested = true
	if h.cancel != nil {
		h.cancel()
	}
	return h.proc, true
}
