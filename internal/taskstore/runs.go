package taskstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

const runColumns = `id, task_id, status, phase, branch, commit_sha, pr_url, pr_number, is_compare_link,
	error_category, error_message, files_changed, tools_executed, progress, outcome, started_at, completed_at, duration_ms`

// SaveRun inserts or replaces a run record
func (s *Store) SaveRun(run *domain.ExecutionRun) error {
	_, err := s.db.Exec(`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			phase = excluded.phase,
			branch = excluded.branch,
			commit_sha = excluded.commit_sha,
			pr_url = excluded.pr_url,
			pr_number = excluded.pr_number,
			is_compare_link = excluded.is_compare_link,
			error_category = excluded.error_category,
			error_message = excluded.error_message,
			files_changed = excluded.files_changed,
			tools_executed = excluded.tools_executed,
			progress = excluded.progress,
			outcome = excluded.outcome,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms`,
		run.ID, run.TaskID, string(run.Status), string(run.Phase), run.Branch, run.CommitSHA, run.PRURL, run.PRNumber,
		run.IsCompareLink, string(run.ErrorCategory), run.ErrorMessage, run.FilesChanged, run.ToolsExecuted,
		run.Progress, run.Outcome, millis(run.StartedAt), millis(run.CompletedAt), run.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(id string) (*domain.ExecutionRun, error) {
	run, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return run, err
}

// ListRuns returns the runs of a task, newest first
func (s *Store) ListRuns(taskID string) ([]*domain.ExecutionRun, error) {
	return s.queryRuns(`SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY started_at DESC, id`, taskID)
}

// ListRecentRuns returns the most recently started runs across all tasks
func (s *Store) ListRecentRuns(limit int) ([]*domain.ExecutionRun, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryRuns(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
}

// DeleteRunsBefore removes terminal runs completed before cutoff and
// returns how many were removed. Active runs are never touched.
func (s *Store) DeleteRunsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM runs WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(domain.RunCompleted), string(domain.RunFailed), string(domain.RunCancelled), cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) queryRuns(query string, args ...any) ([]*domain.ExecutionRun, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []*domain.ExecutionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row scanner) (*domain.ExecutionRun, error) {
	var r domain.ExecutionRun
	var status, phase, category string
	var started, completed sql.NullInt64
	err := row.Scan(&r.ID, &r.TaskID, &status, &phase, &r.Branch, &r.CommitSHA, &r.PRURL, &r.PRNumber, &r.IsCompareLink,
		&category, &r.ErrorMessage, &r.FilesChanged, &r.ToolsExecuted, &r.Progress, &r.Outcome, &started, &completed, &r.DurationMs)
	if err != nil {
		return nil, err
	}
	r.Status = domain.RunStatus(status)
	r.Phase = domain.Phase(phase)
	r.ErrorCategory = domain.ErrorCategory(category)
	r.StartedAt = fromMillis(started)
	r.CompletedAt = fromMillis(completed)
	return &r, nil
}
