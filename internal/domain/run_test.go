package domain

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		want     bool
	}{
		{RunPending, RunRunning, true},
		{RunPending, RunCancelled, true},
		{RunRunning, RunCompleted, true},
		{RunRunning, RunFailed, true},
		{RunRunning, RunPending, false},
		{RunCompleted, RunRunning, false},
		{RunFailed, RunCompleted, false},
		{RunCancelled, RunRunning, false},
		{RunCompleted, RunCompleted, true},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestExecutionRun_Transition(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	run := &ExecutionRun{ID: "r1", TaskID: "t1", Status: RunPending}

	if err := run.Transition(RunRunning, base); err != nil {
		t.Fatalf("Transition(running) failed: %v", err)
	}
	if run.StartedAt == nil || !run.StartedAt.Equal(base) {
		t.Errorf("StartedAt = %v, want %v", run.StartedAt, base)
	}

	if err := run.Transition(RunCompleted, base.Add(3*time.Second)); err != nil {
		t.Fatalf("Transition(completed) failed: %v", err)
	}
	if run.DurationMs != 3000 {
		t.Errorf("DurationMs = %d, want 3000", run.DurationMs)
	}
	if !run.IsTerminal() {
		t.Error("run should be terminal")
	}

	err := run.Transition(RunRunning, base.Add(4*time.Second))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Transition after terminal error = %v, want ErrInvalidTransition", err)
	}
}

func TestExecutionMetadataSync_ApplyToIsIdempotent(t *testing.T) {
	progress := 100
	files := 4
	pr := "https://github.com/acme/app/pull/7"
	sync := &ExecutionMetadataSync{
		TaskID:       "t1",
		RunID:        "r1",
		Status:       RunCompleted,
		Progress:     &progress,
		FilesChanged: &files,
		PRURL:        &pr,
	}

	run := &ExecutionRun{ID: "r1", Status: RunRunning, ToolsExecuted: 9}
	sync.ApplyTo(run)
	first := *run
	sync.ApplyTo(run)

	if *run != first {
		t.Errorf("second ApplyTo changed run: %+v vs %+v", *run, first)
	}
	if run.ToolsExecuted != 9 {
		t.Errorf("absent field overwritten: ToolsExecuted = %d", run.ToolsExecuted)
	}
	if run.PRURL != pr || run.Progress != 100 || run.FilesChanged != 4 {
		t.Errorf("fields not applied: %+v", run)
	}
}

func TestTaskStatusForRun(t *testing.T) {
	tests := map[RunStatus]TaskStatus{
		RunCompleted: TaskDone,
		RunFailed:    TaskCancelled,
		RunCancelled: TaskCancelled,
		RunRunning:   TaskInProgress,
		RunPending:   TaskTodo,
	}
	for in, want := range tests {
		if got := TaskStatusForRun(in); got != want {
			t.Errorf("TaskStatusForRun(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestPhase_RunStatus(t *testing.T) {
	tests := []struct {
		phase Phase
		want  RunStatus
	}{
		{PhaseCloning, RunRunning},
		{PhaseCreatingPR, RunRunning},
		{PhaseDone, RunCompleted},
		{PhaseError, RunFailed},
		{PhaseCancelled, RunCancelled},
	}
	for _, tt := range tests {
		if got := tt.phase.RunStatus(); got != tt.want {
			t.Errorf("%s.RunStatus() = %s, want %s", tt.phase, got, tt.want)
		}
	}
}
