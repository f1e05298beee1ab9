// Package tracker owns the state of execution runs and mirrors it onto
// tasks. Writes go through a single background writer so agents never
// wait on the database.
package tracker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/events"
)

// ErrStaleSync rejects a sync whose status would move a run backwards
var ErrStaleSync = errors.New("stale sync")

// Store is the persistence the tracker needs
type Store interface {
	GetTask(id string) (*domain.Task, error)
	UpdateTask(id string, fn func(*domain.Task) error) (*domain.Task, error)
	SaveRun(run *domain.ExecutionRun) error
	GetRun(id string) (*domain.ExecutionRun, error)
	ListRuns(taskID string) ([]*domain.ExecutionRun, error)
}

// writeOp is a queued database write
type writeOp struct {
	name string
	fn   func() error
	done chan error
}

const writeQueueSize = 256

// Tracker records run lifecycles
type Tracker struct {
	store   Store
	events  events.Publisher
	logger  *slog.Logger
	now     func() time.Time
	metrics *Metrics

	mu   sync.Mutex
	live map[string]*domain.ExecutionRun

	writes    chan writeOp
	wg        sync.WaitGroup
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// New creates a Tracker and starts its writer
func New(store Store, pub events.Publisher, logger *slog.Logger) *Tracker {
	if pub == nil {
		pub = events.PublisherFunc(func(events.Event) {})
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:   store,
		events:  pub,
		logger:  logger.With("component", "tracker"),
		now:     time.Now,
		metrics: NewMetrics(),
		live:    make(map[string]*domain.ExecutionRun),
		writes:  make(chan writeOp, writeQueueSize),
	}
	t.wg.Add(1)
	go t.writer()
	return t
}

func (t *Tracker) writer() {
	defer t.wg.Done()
	for op := range t.writes {
		err := op.fn()
		if err != nil {
			t.logger.Error("write failed", "op", op.name, "error", err)
		}
		if op.done != nil {
			op.done <- err
		}
	}
}

// enqueue hands fn to the writer. When wait is set it returns fn's error.
// After Close, or with a full queue and wait set, fn runs inline.
func (t *Tracker) enqueue(name string, wait bool, fn func() error) error {
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	if t.closed {
		return fn()
	}
	op := writeOp{name: name, fn: fn}
	if wait {
		op.done = make(chan error, 1)
		t.writes <- op
		return <-op.done
	}
	select {
	case t.writes <- op:
	default:
		t.logger.Warn("write queue full, dropping", "op", name)
	}
	return nil
}

// Flush waits until every queued write is done
func (t *Tracker) Flush() {
	t.enqueue("flush", true, func() error { return nil })
}

// Close drains the write queue and stops the writer
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		t.closeMu.Lock()
		t.closed = true
		close(t.writes)
		t.closeMu.Unlock()
		t.wg.Wait()
	})
}

// Metrics returns the completion statistics collected so far
func (t *Tracker) Metrics() *Metrics {
	return t.metrics
}

// Begin records a new running attempt for a task and moves the task to
// in progress
func (t *Tracker) Begin(taskID, runID, branch string) error {
	now := t.now()
	run := &domain.ExecutionRun{ID: runID, TaskID: taskID, Status: domain.RunPending, Phase: domain.PhaseCloning, Branch: branch}
	if err := run.Transition(domain.RunRunning, now); err != nil {
		return err
	}

	err := t.enqueue("begin", true, func() error {
		task, err := t.store.UpdateTask(taskID, func(task *domain.Task) error {
			task.Status = domain.TaskInProgress
			if task.ExecutionStartedAt == nil {
				task.StartClock(now)
			}
			zero := 0
			task.Progress = &zero
			task.PRURL = ""
			task.Outcome = ""
			return nil
		})
		if err != nil {
			return err
		}
		if err := t.store.SaveRun(run); err != nil {
			return err
		}
		t.publishTask(task)
		return nil
	})
	if err != nil {
		return fmt.Errorf("beginning run for task %s: %w", domain.ShortID(taskID), err)
	}

	t.mu.Lock()
	t.live[runID] = run
	t.mu.Unlock()
	return nil
}

// Progress records an intermediate estimate for an active run
func (t *Tracker) Progress(runID string, progress, filesChanged, toolsExecuted int) {
	t.mu.Lock()
	run, ok := t.live[runID]
	if !ok || run.IsTerminal() {
		t.mu.Unlock()
		return
	}
	run.Progress = progress
	run.FilesChanged = filesChanged
	run.ToolsExecuted = toolsExecuted
	snapshot := *run
	t.mu.Unlock()

	t.enqueue("progress", false, func() error {
		if err := t.store.SaveRun(&snapshot); err != nil {
			return err
		}
		task, err := t.store.UpdateTask(snapshot.TaskID, func(task *domain.Task) error {
			p := progress
			task.Progress = &p
			return nil
		})
		if err != nil {
			return err
		}
		t.publishTask(task)
		return nil
	})
}

// Finish records the terminal state of a run
func (t *Tracker) Finish(result domain.ExecutionRun) error {
	now := t.now()
	t.mu.Lock()
	run, ok := t.live[result.ID]
	if !ok {
		stored, err := t.store.GetRun(result.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			run = &domain.ExecutionRun{ID: result.ID, TaskID: result.TaskID, Status: domain.RunRunning}
		case err != nil:
			t.mu.Unlock()
			return err
		default:
			run = stored
		}
	}
	if err := run.Transition(result.Status, now); err != nil {
		t.mu.Unlock()
		return err
	}
	startedAt := run.StartedAt
	*run = result
	if run.StartedAt == nil {
		run.StartedAt = startedAt
	}
	snapshot := *run
	delete(t.live, result.ID)
	t.mu.Unlock()

	t.metrics.Record(snapshot, now)

	return t.enqueue("finish", true, func() error {
		if err := t.store.SaveRun(&snapshot); err != nil {
			return err
		}
		task, err := t.store.UpdateTask(snapshot.TaskID, func(task *domain.Task) error {
			applyRunToTask(task, &snapshot, now)
			return nil
		})
		if err != nil {
			return err
		}
		t.publishTask(task)
		return nil
	})
}

// ApplySync admits a metadata report from a sandbox. Values are absolute:
// applying the same report twice leaves the same state.
func (t *Tracker) ApplySync(m *domain.ExecutionMetadataSync) (*domain.ExecutionRun, error) {
	if _, err := t.store.GetTask(m.TaskID); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	run, live := t.live[m.RunID]
	if !live {
		stored, err := t.store.GetRun(m.RunID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			run = &domain.ExecutionRun{ID: m.RunID, TaskID: m.TaskID, Status: m.Status}
		case err != nil:
			return nil, err
		default:
			run = stored
		}
	} else {
		copied := *run
		run = &copied
	}

	if run.TaskID != m.TaskID {
		return nil, fmt.Errorf("%w: run %s belongs to another task", domain.ErrValidation, m.RunID)
	}
	if !domain.CanTransition(run.Status, m.Status) {
		return nil, fmt.Errorf("%w: run %s is %s, cannot become %s", ErrStaleSync, m.RunID, run.Status, m.Status)
	}
	m.ApplyTo(run)
	snapshot := *run
	now := t.now()

	err := t.enqueue("sync", true, func() error {
		if err := t.store.SaveRun(&snapshot); err != nil {
			return err
		}
		task, err := t.store.UpdateTask(snapshot.TaskID, func(task *domain.Task) error {
			applyRunToTask(task, &snapshot, now)
			return nil
		})
		if err != nil {
			return err
		}
		t.publishTask(task)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if live {
		if snapshot.IsTerminal() {
			delete(t.live, snapshot.ID)
		} else {
			t.live[snapshot.ID] = &snapshot
		}
	}
	return &snapshot, nil
}

// Get returns a run, preferring the in-memory state of active runs
func (t *Tracker) Get(runID string) (*domain.ExecutionRun, error) {
	t.mu.Lock()
	if run, ok := t.live[runID]; ok {
		copied := *run
		t.mu.Unlock()
		return &copied, nil
	}
	t.mu.Unlock()
	return t.store.GetRun(runID)
}

// Runs lists a task's runs, newest first, with live state overlaid
func (t *Tracker) Runs(taskID string) ([]*domain.ExecutionRun, error) {
	t.Flush()
	runs, err := t.store.ListRuns(taskID)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, r := range runs {
		if live, ok := t.live[r.ID]; ok {
			copied := *live
			runs[i] = &copied
		}
	}
	return runs, nil
}

// applyRunToTask mirrors a run onto its task's board status and clock
func applyRunToTask(task *domain.Task, run *domain.ExecutionRun, now time.Time) {
	task.Status = domain.TaskStatusForRun(run.Status)
	if run.Status == domain.RunRunning {
		if task.ExecutionStartedAt == nil {
			task.StartClock(now)
		}
	} else {
		task.StopClock(now)
	}
	p := run.Progress
	task.Progress = &p
	if run.PRURL != "" {
		task.PRURL = run.PRURL
	}
	if run.Outcome != "" {
		task.Outcome = run.Outcome
	}
}

func (t *Tracker) publishTask(task *domain.Task) {
	t.events.Publish(events.TaskEvent{Action: events.Updated, ID: task.ID, Task: task})
}
