package tracker

import (
	"sync"
	"time"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

// Metrics aggregates finished runs for the health endpoint and the CLI
type Metrics struct {
	mu          sync.RWMutex
	completions []completion
}

type completion struct {
	TaskID       string
	Status       domain.RunStatus
	Category     domain.ErrorCategory
	Duration     time.Duration
	FilesChanged int
	CompletedAt  time.Time
}

// Summary holds aggregated metrics
type Summary struct {
	TotalCompleted int                          `json:"totalCompleted"`
	TotalFailed    int                          `json:"totalFailed"`
	TotalCancelled int                          `json:"totalCancelled"`
	FilesChanged   int                          `json:"filesChanged"`
	AvgDuration    time.Duration                `json:"avgDurationNs"`
	FailuresByKind map[domain.ErrorCategory]int `json:"failuresByCategory"`
}

// NewMetrics creates an empty collector
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Record adds a finished run
func (m *Metrics) Record(run domain.ExecutionRun, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completions = append(m.completions, completion{
		TaskID:       run.TaskID,
		Status:       run.Status,
		Category:     run.ErrorCategory,
		Duration:     time.Duration(run.DurationMs) * time.Millisecond,
		FilesChanged: run.FilesChanged,
		CompletedAt:  now,
	})
}

// Summary returns aggregated metrics. The average covers completed runs only.
func (m *Metrics) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Summary{FailuresByKind: make(map[domain.ErrorCategory]int)}
	var total time.Duration
	for _, c := range m.completions {
		s.FilesChanged += c.FilesChanged
		switch c.Status {
		case domain.RunCompleted:
			s.TotalCompleted++
			total += c.Duration
		case domain.RunFailed:
			s.TotalFailed++
			s.FailuresByKind[c.Category]++
		case domain.RunCancelled:
			s.TotalCancelled++
		}
	}
	if s.TotalCompleted > 0 {
		s.AvgDuration = total / time.Duration(s.TotalCompleted)
	}
	return s
}

// RecentCompletions returns the task IDs finished within the last duration
func (m *Metrics) RecentCompletions(since time.Duration, now time.Time) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := now.Add(-since)
	var result []string
	for _, c := range m.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.TaskID)
		}
	}
	return result
}
