package tracker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/events"
	"github.com/hochfrequenz/task-orchestrator/internal/logging"
	"github.com/hochfrequenz/task-orchestrator/internal/taskstore"
)

type taskEvents struct {
	mu  sync.Mutex
	got []events.TaskEvent
}

func (r *taskEvents) Publish(ev events.Event) {
	if te, ok := ev.(events.TaskEvent); ok {
		r.mu.Lock()
		r.got = append(r.got, te)
		r.mu.Unlock()
	}
}

func (r *taskEvents) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func setup(t *testing.T) (*Tracker, *taskstore.Store, *taskEvents) {
	t.Helper()
	store, err := taskstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	rec := &taskEvents{}
	tr := New(store, rec, logging.Discard())
	t.Cleanup(func() {
		tr.Close()
		store.Close()
	})
	task := &domain.Task{ID: "task-1", Title: "Track me", Priority: domain.PriorityMedium, Status: domain.TaskTodo}
	if err := store.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	return tr, store, rec
}

func TestTrackerLifecycle(t *testing.T) {
	tr, store, rec := setup(t)

	if err := tr.Begin("task-1", "run-1", "taskorch/task-1"); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	task, _ := store.GetTask("task-1")
	if task.Status != domain.TaskInProgress || task.ExecutionStartedAt == nil {
		t.Errorf("task after Begin = %+v", task)
	}
	run, err := tr.Get("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunRunning || run.StartedAt == nil {
		t.Errorf("run after Begin = %+v", run)
	}

	tr.Progress("run-1", 35, 2, 4)
	tr.Flush()
	task, _ = store.GetTask("task-1")
	if task.Progress == nil || *task.Progress != 35 {
		t.Errorf("task progress = %v, want 35", task.Progress)
	}

	now := time.Now()
	err = tr.Finish(domain.ExecutionRun{
		ID: "run-1", TaskID: "task-1", Status: domain.RunCompleted, Phase: domain.PhaseDone,
		PRURL: "https://github.com/acme/widgets/pull/3", PRNumber: 3, Progress: 100,
		Outcome: "Pull request created", CompletedAt: &now,
	})
	if err != nil {
		t.Fatalf("Finish() error: %v", err)
	}

	task, _ = store.GetTask("task-1")
	if task.Status != domain.TaskDone || task.PRURL == "" || *task.Progress != 100 {
		t.Errorf("task after Finish = %+v", task)
	}
	if task.ExecutionStartedAt != nil || task.ExecutionPausedAt == nil {
		t.Errorf("clock not stopped: started=%v paused=%v", task.ExecutionStartedAt, task.ExecutionPausedAt)
	}
	stored, err := store.GetRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.RunCompleted || stored.PRNumber != 3 || stored.StartedAt == nil {
		t.Errorf("stored run = %+v", stored)
	}
	if rec.count() < 3 {
		t.Errorf("published %d task events, want at least 3", rec.count())
	}

	if err := tr.Finish(domain.ExecutionRun{ID: "run-1", TaskID: "task-1", Status: domain.RunRunning}); err == nil {
		t.Error("expected error moving a run out of a terminal state")
	}

	if s := tr.Metrics().Summary(); s.TotalCompleted != 1 {
		t.Errorf("metrics = %+v", s)
	}
}

func TestTrackerProgressIgnoresUnknownRun(t *testing.T) {
	tr, _, rec := setup(t)
	tr.Progress("nope", 10, 0, 0)
	tr.Flush()
	if rec.count() != 0 {
		t.Errorf("unknown run produced %d events", rec.count())
	}
}

func syncPayload() *domain.ExecutionMetadataSync {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	completed := started.Add(5 * time.Minute)
	duration := int64(300000)
	progress := 100
	pr := "https://github.com/acme/widgets/pull/9"
	number := 9
	return &domain.ExecutionMetadataSync{
		TaskID: "task-1", RunID: "run-sync", Status: domain.RunCompleted,
		StartedAt: &started, CompletedAt: &completed, DurationMs: &duration,
		Progress: &progress, PRURL: &pr, PRNumber: &number,
	}
}

func TestApplySyncIdempotent(t *testing.T) {
	tr, store, _ := setup(t)

	first, err := tr.ApplySync(syncPayload())
	if err != nil {
		t.Fatalf("ApplySync() error: %v", err)
	}
	taskAfterFirst, _ := store.GetTask("task-1")

	second, err := tr.ApplySync(syncPayload())
	if err != nil {
		t.Fatalf("second ApplySync() error: %v", err)
	}
	taskAfterSecond, _ := store.GetTask("task-1")

	if first.Status != second.Status || first.PRURL != second.PRURL || first.DurationMs != second.DurationMs ||
		!first.CompletedAt.Equal(*second.CompletedAt) || first.Progress != second.Progress {
		t.Errorf("runs differ:\n%+v\n%+v", first, second)
	}
	stored, _ := store.GetRun("run-sync")
	if stored.Status != domain.RunCompleted || stored.PRNumber != 9 || stored.DurationMs != 300000 {
		t.Errorf("stored run = %+v", stored)
	}
	if taskAfterFirst.Status != domain.TaskDone || taskAfterSecond.Status != domain.TaskDone {
		t.Errorf("task status = %s / %s, want done", taskAfterFirst.Status, taskAfterSecond.Status)
	}
	if taskAfterFirst.PRURL != taskAfterSecond.PRURL || taskAfterFirst.ElapsedMs != taskAfterSecond.ElapsedMs {
		t.Errorf("task changed between identical syncs")
	}
}

func TestApplySyncRejections(t *testing.T) {
	tr, store, _ := setup(t)
	if err := store.CreateTask(&domain.Task{ID: "task-2", Title: "Other", Priority: domain.PriorityLow, Status: domain.TaskTodo}); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.ApplySync(syncPayload()); err != nil {
		t.Fatal(err)
	}

	stale := syncPayload()
	stale.Status = domain.RunRunning
	if _, err := tr.ApplySync(stale); !errors.Is(err, ErrStaleSync) {
		t.Errorf("regression = %v, want ErrStaleSync", err)
	}

	failed := syncPayload()
	failed.Status = domain.RunFailed
	if _, err := tr.ApplySync(failed); !errors.Is(err, ErrStaleSync) {
		t.Errorf("terminal to other terminal = %v, want ErrStaleSync", err)
	}

	unknown := syncPayload()
	unknown.TaskID = "missing"
	if _, err := tr.ApplySync(unknown); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown task = %v, want ErrNotFound", err)
	}

	wrongTask := syncPayload()
	wrongTask.TaskID = "task-2"
	if _, err := tr.ApplySync(wrongTask); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("run of another task = %v, want ErrValidation", err)
	}
}

func TestApplySyncOnLiveRun(t *testing.T) {
	tr, store, _ := setup(t)
	if err := tr.Begin("task-1", "run-live", "taskorch/task-1"); err != nil {
		t.Fatal(err)
	}
	progress := 60
	m := &domain.ExecutionMetadataSync{TaskID: "task-1", RunID: "run-live", Status: domain.RunRunning, Progress: &progress}
	if _, err := tr.ApplySync(m); err != nil {
		t.Fatalf("ApplySync() error: %v", err)
	}
	run, _ := tr.Get("run-live")
	if run.Progress != 60 || run.Status != domain.RunRunning {
		t.Errorf("live run = %+v", run)
	}
	task, _ := store.GetTask("task-1")
	if task.Status != domain.TaskInProgress || task.ExecutionStartedAt == nil {
		t.Errorf("task = %+v", task)
	}

	runs, err := tr.Runs("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Progress != 60 {
		t.Errorf("Runs() = %+v", runs)
	}
}

func TestTrackerAfterClose(t *testing.T) {
	tr, store, _ := setup(t)
	tr.Close()
	if err := tr.Begin("task-1", "run-late", "b"); err != nil {
		t.Fatalf("Begin() after Close error: %v", err)
	}
	if _, err := store.GetRun("run-late"); err != nil {
		t.Errorf("write after Close was lost: %v", err)
	}
	tr.Close()
}
