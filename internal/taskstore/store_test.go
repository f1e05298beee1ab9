package taskstore

import (
	"errors"
	"testing"
	"time"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustCreateTask(t *testing.T, store *Store, id, title string) *domain.Task {
	t.Helper()
	task := &domain.Task{ID: id, Title: title, Priority: domain.PriorityMedium, Status: domain.TaskTodo}
	if err := store.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	return task
}

func TestStore_CreateAndGetTask(t *testing.T) {
	store := newStore(t)
	if err := store.CreateLabel(&domain.Label{ID: "l1", Name: "ui", Color: "#fff"}); err != nil {
		t.Fatal(err)
	}

	started := time.UnixMilli(1_700_000_000_000)
	progress := 42
	task := &domain.Task{
		ID:                 "task-1",
		Title:              "Add dark mode",
		Description:        "Toggle in the header",
		Priority:           domain.PriorityHigh,
		Status:             domain.TaskInProgress,
		Labels:             []domain.Label{{ID: "l1"}},
		ExecutionStartedAt: &started,
		ElapsedMs:          1500,
		Progress:           &progress,
	}
	if err := store.CreateTask(task); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetTask("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != task.Title || got.Priority != domain.PriorityHigh || got.Status != domain.TaskInProgress {
		t.Errorf("got %+v", got)
	}
	if len(got.Labels) != 1 || got.Labels[0].Name != "ui" {
		t.Errorf("Labels = %+v, want [ui]", got.Labels)
	}
	if got.ExecutionStartedAt == nil || !got.ExecutionStartedAt.Equal(started) {
		t.Errorf("ExecutionStartedAt = %v, want %v", got.ExecutionStartedAt, started)
	}
	if got.Progress == nil || *got.Progress != 42 {
		t.Errorf("Progress = %v, want 42", got.Progress)
	}
	if got.ElapsedMs != 1500 {
		t.Errorf("ElapsedMs = %d", got.ElapsedMs)
	}
}

func TestStore_GetTaskNotFound(t *testing.T) {
	store := newStore(t)
	if _, err := store.GetTask("missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetTask() = %v, want ErrNotFound", err)
	}
	if err := store.DeleteTask("missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("DeleteTask() = %v, want ErrNotFound", err)
	}
}

func TestStore_CreateTaskValidates(t *testing.T) {
	store := newStore(t)
	err := store.CreateTask(&domain.Task{ID: "x", Priority: domain.PriorityLow, Status: domain.TaskTodo})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("CreateTask() without title = %v, want ErrValidation", err)
	}
}

func TestStore_ListTasks(t *testing.T) {
	store := newStore(t)
	mustCreateTask(t, store, "a", "First")
	mustCreateTask(t, store, "b", "Second")
	mustCreateTask(t, store, "c", "Third")

	if err := store.SetTaskBatch([]string{"a", "c"}, "batch-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateTask("b", func(task *domain.Task) error {
		task.Status = domain.TaskDone
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	all, err := store.ListTasks(ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("all tasks = %d, want 3", len(all))
	}

	inBatch, err := store.ListTasks(ListOptions{BatchID: "batch-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(inBatch) != 2 {
		t.Errorf("batch tasks = %d, want 2", len(inBatch))
	}

	done, err := store.ListTasks(ListOptions{Status: domain.TaskDone})
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 1 || done[0].ID != "b" {
		t.Errorf("done tasks = %+v", done)
	}

	if err := store.SetTaskBatch([]string{"a", "nope"}, "batch-2"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("SetTaskBatch() with unknown task = %v, want ErrNotFound", err)
	}
	got, _ := store.GetTask("a")
	if got.BatchID != "batch-1" {
		t.Errorf("failed SetTaskBatch was not rolled back, batch = %q", got.BatchID)
	}
}

func TestStore_UpdateTaskAbort(t *testing.T) {
	store := newStore(t)
	mustCreateTask(t, store, "a", "Keep me")

	boom := errors.New("boom")
	_, err := store.UpdateTask("a", func(task *domain.Task) error {
		task.Title = "Changed"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("UpdateTask() = %v, want boom", err)
	}
	got, _ := store.GetTask("a")
	if got.Title != "Keep me" {
		t.Errorf("Title = %q after aborted update", got.Title)
	}

	if _, err := store.UpdateTask("missing", func(*domain.Task) error { return nil }); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("UpdateTask(missing) = %v, want ErrNotFound", err)
	}
}

func TestStore_Labels(t *testing.T) {
	store := newStore(t)
	for _, l := range []domain.Label{{ID: "2", Name: "ui"}, {ID: "1", Name: "backend"}} {
		l := l
		if err := store.CreateLabel(&l); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.CreateLabel(&domain.Label{ID: "3", Name: "ui"}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("duplicate label = %v, want ErrValidation", err)
	}

	task := &domain.Task{ID: "t", Title: "x", Priority: domain.PriorityLow, Status: domain.TaskTodo, Labels: []domain.Label{{ID: "1"}, {ID: "2"}}}
	if err := store.CreateTask(task); err != nil {
		t.Fatal(err)
	}

	labels, err := store.ListLabels()
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 2 || labels[0].Name != "backend" {
		t.Errorf("ListLabels() = %+v", labels)
	}

	if err := store.DeleteLabel("2"); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetTask("t")
	if len(got.Labels) != 1 || got.Labels[0].ID != "1" {
		t.Errorf("task labels after delete = %+v", got.Labels)
	}
}

func TestStore_Settings(t *testing.T) {
	store := newStore(t)

	got, err := store.GetSettings()
	if err != nil {
		t.Fatal(err)
	}
	if got != domain.DefaultSettings() {
		t.Errorf("GetSettings() = %+v, want defaults", got)
	}

	want := domain.Settings{ParallelLimit: 5, MaxBatchSize: 4, QueueAutoApprove: true, StopOnFailure: true, ConflictBehavior: domain.ConflictFail}
	if err := store.SaveSettings(want); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.GetSettings(); got != want {
		t.Errorf("GetSettings() = %+v, want %+v", got, want)
	}

	if err := store.SaveSettings(domain.Settings{ParallelLimit: 0, MaxBatchSize: 3, ConflictBehavior: domain.ConflictSkip}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("SaveSettings(invalid) = %v, want ErrValidation", err)
	}
}

func TestStore_SeedSettings(t *testing.T) {
	store := newStore(t)

	seed := domain.Settings{ParallelLimit: 2, MaxBatchSize: 2, ConflictBehavior: domain.ConflictSkip}
	got, err := store.SeedSettings(seed)
	if err != nil {
		t.Fatal(err)
	}
	if got != seed {
		t.Errorf("first seed = %+v, want %+v", got, seed)
	}

	edited := seed
	edited.ParallelLimit = 7
	if err := store.SaveSettings(edited); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.SeedSettings(seed); got != edited {
		t.Errorf("seed overwrote saved settings: %+v", got)
	}
}

func TestStore_Runs(t *testing.T) {
	store := newStore(t)
	mustCreateTask(t, store, "task-1", "Runs")

	old := time.Now().Add(-48 * time.Hour)
	oldDone := old.Add(time.Minute)
	recent := time.Now()

	runs := []*domain.ExecutionRun{
		{ID: "old", TaskID: "task-1", Status: domain.RunCompleted, StartedAt: &old, CompletedAt: &oldDone, PRURL: "https://github.com/a/b/pull/1", PRNumber: 1},
		{ID: "active", TaskID: "task-1", Status: domain.RunRunning, StartedAt: &old},
		{ID: "new", TaskID: "task-1", Status: domain.RunFailed, StartedAt: &recent, CompletedAt: &recent, ErrorCategory: domain.CategoryAuth},
	}
	for _, r := range runs {
		if err := store.SaveRun(r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.GetRun("old")
	if err != nil {
		t.Fatal(err)
	}
	if got.PRNumber != 1 || got.Status != domain.RunCompleted || got.CompletedAt == nil {
		t.Errorf("GetRun() = %+v", got)
	}

	runs[2].Progress = 30
	if err := store.SaveRun(runs[2]); err != nil {
		t.Fatal(err)
	}
	listed, err := store.ListRuns("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 3 || listed[0].ID != "new" || listed[0].Progress != 30 {
		t.Errorf("ListRuns() = %+v", listed)
	}
	if listed[0].ErrorCategory != domain.CategoryAuth {
		t.Errorf("ErrorCategory = %q", listed[0].ErrorCategory)
	}

	n, err := store.DeleteRunsBefore(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("DeleteRunsBefore() removed %d, want 1", n)
	}
	if _, err := store.GetRun("active"); err != nil {
		t.Errorf("active run was deleted: %v", err)
	}
	if _, err := store.GetRun("old"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("old run still present: %v", err)
	}

	if err := store.DeleteTask("task-1"); err != nil {
		t.Fatal(err)
	}
	if left, _ := store.ListRecentRuns(10); len(left) != 0 {
		t.Errorf("runs survived task delete: %d", len(left))
	}
}
