// Package tasks is a small personal task list with due times, feeding
// the proactive engine's task_due triggers and the chat task commands.
package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tallow/seneschal/internal/trigger"
)

// Task is one to-do item. IDs are small integers shown directly in
// chat listings, so "task done 12" needs no extra lookup table.
type Task struct {
	ID        int64
	Title     string
	DueAt     *time.Time
	CreatedAt time.Time
	DoneAt    *time.Time
}

// Done reports whether the task is completed.
func (t *Task) Done() bool { return t.DoneAt != nil }

// Overdue reports whether the task's due time has passed at now.
func (t *Task) Overdue(now time.Time) bool {
	return t.DueAt != nil && t.DueAt.Before(now)
}

// Store manages task persistence on the shared state database.
type Store struct {
	db *sql.DB
}

// NewStore creates the task store and its table.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate tasks: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			due_at TEXT,
			created_at TEXT NOT NULL,
			done_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(due_at) WHERE done_at IS NULL;
	`)
	return err
}

// Add creates a task. due may be nil for an undated item.
func (s *Store) Add(title string, due *time.Time, now time.Time) (*Task, error) {
	if title == "" {
		return nil, errors.New("empty task title")
	}
	t := &Task{Title: title, DueAt: due, CreatedAt: now.UTC()}
	res, err := s.db.Exec(`
		INSERT INTO tasks (title, due_at, created_at) VALUES (?, ?, ?)
	`, title, nullTime(due), t.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("add task: %w", err)
	}
	t.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("task id: %w", err)
	}
	return t, nil
}

// Get retrieves a task by id. Returns nil when absent.
func (s *Store) Get(id int64) (*Task, error) {
	return scanTask(s.db.QueryRow(`
		SELECT id, title, due_at, created_at, done_at FROM tasks WHERE id = ?
	`, id))
}

// Complete marks a task done. Completing an already-done task is a
// no-op; an unknown id is an error.
func (s *Store) Complete(id int64, now time.Time) (*Task, error) {
	_, err := s.db.Exec(`
		UPDATE tasks SET done_at = ? WHERE id = ? AND done_at IS NULL
	`, now.UTC().Format(time.RFC3339), id)
	if err != nil {
		return nil, fmt.Errorf("complete task: %w", err)
	}
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("task %d not found", id)
	}
	return t, nil
}

// Open lists incomplete tasks, dated ones first by due time.
func (s *Store) Open() ([]Task, error) {
	rows, err := s.db.Query(`
		SELECT id, title, due_at, created_at, done_at FROM tasks
		WHERE done_at IS NULL
		ORDER BY due_at IS NULL, due_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

// DueBefore lists incomplete dated tasks with due_at at or before end.
func (s *Store) DueBefore(end time.Time) ([]Task, error) {
	rows, err := s.db.Query(`
		SELECT id, title, due_at, created_at, done_at FROM tasks
		WHERE done_at IS NULL AND due_at IS NOT NULL AND due_at <= ?
		ORDER BY due_at, id
	`, end.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t             Task
		dueAt, doneAt sql.NullString
		createdAt     string
	)
	err := row.Scan(&t.ID, &t.Title, &dueAt, &createdAt, &doneAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("created_at %q: %w", createdAt, err)
	}
	if t.DueAt, err = parseNullTime(dueAt); err != nil {
		return nil, fmt.Errorf("due_at: %w", err)
	}
	if t.DoneAt, err = parseNullTime(doneAt); err != nil {
		return nil, fmt.Errorf("done_at: %w", err)
	}
	return &t, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// Source adapts the task store to the proactive engine's candidate
// feed: tasks due before the end of the local day, overdue ones urgent.
type Source struct {
	store *Store
	loc   *time.Location
}

// NewSource wraps the store for tick polling. A nil location defaults
// to time.Local.
func NewSource(store *Store, loc *time.Location) *Source {
	if loc == nil {
		loc = time.Local
	}
	return &Source{store: store, loc: loc}
}

// Name identifies the source in logs and tick stats.
func (s *Source) Name() string { return "tasks" }

// Candidates yields one trigger per task due before the end of today.
func (s *Source) Candidates(ctx context.Context, now time.Time) ([]trigger.Trigger, error) {
	local := now.In(s.loc)
	endOfDay := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc).AddDate(0, 0, 1)

	due, err := s.store.DueBefore(endOfDay)
	if err != nil {
		return nil, err
	}
	out := make([]trigger.Trigger, 0, len(due))
	for _, t := range due {
		tr := trigger.Trigger{
			Kind:          trigger.KindTaskDue,
			EntityID:      strconv.FormatInt(t.ID, 10),
			CandidateTime: *t.DueAt,
			Priority:      trigger.PriorityNormal,
			Title:         t.Title,
			Detail:        "due " + t.DueAt.In(s.loc).Format("15:04"),
		}
		if t.Overdue(now) {
			tr.Priority = trigger.PriorityUrgent
			tr.Detail = "overdue since " + t.DueAt.In(s.loc).Format("Mon 15:04")
		}
		out = append(out, tr)
	}
	return out, nil
}
