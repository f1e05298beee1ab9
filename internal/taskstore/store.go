// Package taskstore persists tasks, labels, settings and execution runs in
// SQLite.
package taskstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

// Store provides SQLite-backed persistence
type Store struct {
	db  *sql.DB
	now func() time.Time
}

type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// New opens the database at dbPath (":memory:" works) and applies the schema
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases and pragmas consistent
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

const taskColumns = `id, title, description, priority, status, session_id, batch_id,
	execution_started_at, execution_paused_at, elapsed_ms, progress, pr_url, outcome, created_at, updated_at`

// CreateTask inserts a new task together with its labels
func (s *Store) CreateTask(task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			taskArgs(task)...)
		if err != nil {
			return fmt.Errorf("inserting task: %w", err)
		}
		return setLabels(tx, task.ID, task.Labels)
	})
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(id string) (*domain.Task, error) {
	return getTask(s.db, id)
}

// ListOptions specifies filters for listing tasks
type ListOptions struct {
	Status  domain.TaskStatus
	BatchID string
}

// ListTasks returns tasks matching the given options, oldest first
func (s *Store) ListTasks(opts ListOptions) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.BatchID != "" {
		query += " AND batch_id = ?"
		args = append(args, opts.BatchID)
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, task)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, task := range tasks {
		if task.Labels, err = taskLabels(s.db, task.ID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// UpdateTask applies fn to the stored task inside a transaction and saves
// the result. Returning an error from fn aborts the update.
func (s *Store) UpdateTask(id string, fn func(*domain.Task) error) (*domain.Task, error) {
	var updated *domain.Task
	err := s.inTx(func(tx *sql.Tx) error {
		task, err := getTask(tx, id)
		if err != nil {
			return err
		}
		if err := fn(task); err != nil {
			return err
		}
		if err := task.Validate(); err != nil {
			return err
		}
		task.ID = id
		task.UpdatedAt = s.now()
		args := append(taskArgs(task)[1:], id)
		_, err = tx.Exec(`UPDATE tasks SET title = ?, description = ?, priority = ?, status = ?, session_id = ?, batch_id = ?,
			execution_started_at = ?, execution_paused_at = ?, elapsed_ms = ?, progress = ?, pr_url = ?, outcome = ?,
			created_at = ?, updated_at = ? WHERE id = ?`, args...)
		if err != nil {
			return fmt.Errorf("updating task: %w", err)
		}
		if err := setLabels(tx, id, task.Labels); err != nil {
			return err
		}
		updated = task
		return nil
	})
	return updated, err
}

// DeleteTask removes a task and, through cascading, its runs
func (s *Store) DeleteTask(id string) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res, "task", id)
}

// SetTaskBatch assigns every listed task to a batch
func (s *Store) SetTaskBatch(taskIDs []string, batchID string) error {
	return s.inTx(func(tx *sql.Tx) error {
		now := s.now().UnixMilli()
		for _, id := range taskIDs {
			res, err := tx.Exec(`UPDATE tasks SET batch_id = ?, updated_at = ? WHERE id = ?`, batchID, now, id)
			if err != nil {
				return err
			}
			if err := expectRow(res, "task", id); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateLabel inserts a label
func (s *Store) CreateLabel(label *domain.Label) error {
	if strings.TrimSpace(label.Name) == "" {
		return fmt.Errorf("%w: label name is required", domain.ErrValidation)
	}
	_, err := s.db.Exec(`INSERT INTO labels (id, name, color) VALUES (?, ?, ?)`, label.ID, label.Name, label.Color)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("%w: label %q already exists", domain.ErrValidation, label.Name)
	}
	return err
}

// ListLabels returns all labels ordered by name
func (s *Store) ListLabels() ([]domain.Label, error) {
	rows, err := s.db.Query(`SELECT id, name, color FROM labels ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var labels []domain.Label
	for rows.Next() {
		var l domain.Label
		if err := rows.Scan(&l.ID, &l.Name, &l.Color); err != nil {
			return nil, err
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

// DeleteLabel removes a label from the catalog and from every task
func (s *Store) DeleteLabel(id string) error {
	res, err := s.db.Exec(`DELETE FROM labels WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res, "label", id)
}

const settingsKey = "orchestrator"

// GetSettings returns the stored settings, or the defaults if none were saved
func (s *Store) GetSettings() (domain.Settings, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, settingsKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultSettings(), nil
	}
	if err != nil {
		return domain.Settings{}, err
	}
	settings := domain.DefaultSettings()
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return domain.Settings{}, fmt.Errorf("decoding settings: %w", err)
	}
	return settings, nil
}

// SaveSettings validates and stores the settings
func (s *Store) SaveSettings(settings domain.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, settingsKey, string(raw))
	return err
}

// SeedSettings stores settings only if none were saved before, and returns
// the settings in effect afterwards
func (s *Store) SeedSettings(settings domain.Settings) (domain.Settings, error) {
	if err := settings.Validate(); err != nil {
		return domain.Settings{}, err
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return domain.Settings{}, err
	}
	_, err = s.db.Exec(`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`, settingsKey, string(raw))
	if err != nil {
		return domain.Settings{}, err
	}
	return s.GetSettings()
}

func (s *Store) inTx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func getTask(q querier, id string) (*domain.Task, error) {
	task, err := scanTask(q.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if task.Labels, err = taskLabels(q, id); err != nil {
		return nil, err
	}
	return task, nil
}

func taskArgs(t *domain.Task) []any {
	var progress sql.NullInt64
	if t.Progress != nil {
		progress = sql.NullInt64{Int64: int64(*t.Progress), Valid: true}
	}
	return []any{
		t.ID, t.Title, t.Description, string(t.Priority), string(t.Status), t.SessionID, t.BatchID,
		millis(t.ExecutionStartedAt), millis(t.ExecutionPausedAt), t.ElapsedMs, progress, t.PRURL, t.Outcome,
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var t domain.Task
	var priority, status string
	var started, paused, progress sql.NullInt64
	var created, updated int64
	err := row.Scan(&t.ID, &t.Title, &t.Description, &priority, &status, &t.SessionID, &t.BatchID,
		&started, &paused, &t.ElapsedMs, &progress, &t.PRURL, &t.Outcome, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.Priority = domain.Priority(priority)
	t.Status = domain.TaskStatus(status)
	t.ExecutionStartedAt = fromMillis(started)
	t.ExecutionPausedAt = fromMillis(paused)
	if progress.Valid {
		p := int(progress.Int64)
		t.Progress = &p
	}
	t.CreatedAt = time.UnixMilli(created)
	t.UpdatedAt = time.UnixMilli(updated)
	t.Labels = []domain.Label{}
	return &t, nil
}

func taskLabels(q querier, taskID string) ([]domain.Label, error) {
	rows, err := q.Query(`SELECT l.id, l.name, l.color FROM labels l
		JOIN task_labels tl ON tl.label_id = l.id WHERE tl.task_id = ? ORDER BY l.name`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	labels := []domain.Label{}
	for rows.Next() {
		var l domain.Label
		if err := rows.Scan(&l.ID, &l.Name, &l.Color); err != nil {
			return nil, err
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

// setLabels replaces the task's labels. Labels are referenced by ID.
func setLabels(tx *sql.Tx, taskID string, labels []domain.Label) error {
	if _, err := tx.Exec(`DELETE FROM task_labels WHERE task_id = ?`, taskID); err != nil {
		return err
	}
	for _, l := range labels {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO task_labels (task_id, label_id) VALUES (?, ?)`, taskID, l.ID); err != nil {
			if strings.Contains(err.Error(), "FOREIGN KEY") {
				return fmt.Errorf("label %s: %w", l.ID, domain.ErrNotFound)
			}
			return err
		}
	}
	return nil
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
	}
	return nil
}

func millis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
