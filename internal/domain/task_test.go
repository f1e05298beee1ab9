package domain

import (
	"errors"
	"testing"
	"time"
)

func TestTask_Validate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{"valid", Task{Title: "Add login", Priority: PriorityHigh, Status: TaskTodo}, false},
		{"defaults", Task{Title: "Add login"}, false},
		{"empty title", Task{Title: "  "}, true},
		{"bad priority", Task{Title: "x", Priority: "urgent"}, true},
		{"bad status", Task{Title: "x", Status: "blocked"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("error %v should wrap ErrValidation", err)
			}
		})
	}
}

func TestTask_ClockAccumulates(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	task := Task{ID: "t1", Title: "x"}

	task.StartClock(base)
	task.StopClock(base.Add(2 * time.Second))
	if task.ElapsedMs != 2000 {
		t.Errorf("ElapsedMs = %d, want 2000", task.ElapsedMs)
	}
	if task.ExecutionPausedAt == nil {
		t.Error("ExecutionPausedAt should be set after StopClock")
	}

	// paused time does not count
	task.StartClock(base.Add(10 * time.Second))
	task.StopClock(base.Add(13 * time.Second))
	if task.ElapsedMs != 5000 {
		t.Errorf("ElapsedMs = %d, want 5000", task.ElapsedMs)
	}

	// stopping twice is harmless
	task.StopClock(base.Add(20 * time.Second))
	if task.ElapsedMs != 5000 {
		t.Errorf("ElapsedMs after double stop = %d, want 5000", task.ElapsedMs)
	}
}

func TestTask_Elapsed(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	task := Task{ElapsedMs: 1000}
	task.StartClock(base)

	if got := task.Elapsed(base.Add(500 * time.Millisecond)); got != 1500*time.Millisecond {
		t.Errorf("Elapsed() = %v, want 1.5s", got)
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("ShortID() = %q, want 01234567", got)
	}
	if got := ShortID("abc"); got != "abc" {
		t.Errorf("ShortID() = %q, want abc", got)
	}
}
