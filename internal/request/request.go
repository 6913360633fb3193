// Package request implements the clarifying-request pipeline: a fixed
// checklist of configuration gaps the assistant may ask the user about,
// throttled to one open request system-wide and at most one new request
// per calendar day.
package request

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status of a clarifying request.
type Status string

const (
	StatusOpen     Status = "open"
	StatusAnswered Status = "answered"
	StatusSnoozed  Status = "snoozed"
)

// DeclineToken is the literal reply that snoozes the open request
// instead of answering it. Matched case-insensitively.
const DeclineToken = "skip"

// ErrNoOpenRequest is returned by Resolve when nothing is open.
var ErrNoOpenRequest = errors.New("request: no open request")

// Request is one clarifying question and its lifecycle.
type Request struct {
	ID           string
	Kind         string
	Question     string
	Priority     int
	Status       Status
	CreatedAt    time.Time
	AnsweredAt   *time.Time
	SnoozedUntil *time.Time
	Answer       string
}

// ChecklistItem links a request kind to the settings key it fills and
// the question that asks for it.
type ChecklistItem struct {
	Kind       string
	SettingKey string
	Priority   int
	Question   string
}

// Checklist returns the fixed checklist, highest priority first. A kind
// is worth asking about while its settings key is unset and no earlier
// request for it was answered or is still snoozed.
func Checklist() []ChecklistItem {
	return []ChecklistItem{
		{
			Kind:       "calendar_auth",
			SettingKey: "calendar_auth",
			Priority:   90,
			Question:   "I can't reach your calendar. Can you confirm the CalDAV URL and credentials in the config are right? Reply once it's fixed, or 'skip' to snooze this.",
		},
		{
			Kind:       "notify_chat_id",
			SettingKey: "notify_chat_id",
			Priority:   85,
			Question:   "Where should I send reminders and the evening digest? Reply with the chat id, e.g. 4915551234@c.us.",
		},
		{
			Kind:       "default_contact",
			SettingKey: "default_contact",
			Priority:   75,
			Question:   "Who should I message when you say \"send them a note\" without naming anyone? Reply with a contact name.",
		},
		{
			Kind:       "event_duration_default",
			SettingKey: "event_duration_default",
			Priority:   60,
			Question:   "When I create a calendar event without an end time, how many minutes should it last by default? Reply with a number, e.g. 30.",
		},
		{
			Kind:       "home_address",
			SettingKey: "home_address",
			Priority:   30,
			Question:   "What's your home address? I only use it to judge travel time before appointments.",
		},
	}
}

func checklistItem(kind string) (ChecklistItem, bool) {
	for _, item := range Checklist() {
		if item.Kind == kind {
			return item, true
		}
	}
	return ChecklistItem{}, false
}

// Store owns the requests table.
type Store struct {
	db *sql.DB
}

// NewStore creates the request store on the shared state database.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate requests: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS requests (
		id            TEXT PRIMARY KEY,
		kind          TEXT NOT NULL,
		question_text TEXT NOT NULL,
		priority      INTEGER NOT NULL,
		status        TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		answered_at   TEXT,
		snoozed_until TEXT,
		answer        TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_requests_kind ON requests (kind);
	-- Hard backstop for the one-open-at-a-time invariant.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_one_open
		ON requests (status) WHERE status = 'open';
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create inserts a new open request for a checklist item. The partial
// unique index rejects it if another request is already open.
func (s *Store) Create(item ChecklistItem, now time.Time) (*Request, error) {
	r := &Request{
		ID:        newID(),
		Kind:      item.Kind,
		Question:  item.Question,
		Priority:  item.Priority,
		Status:    StatusOpen,
		CreatedAt: now.UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO requests (id, kind, question_text, priority, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.Question, r.Priority, string(r.Status),
		r.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("create request %s: %w", item.Kind, err)
	}
	return r, nil
}

// Delete removes a request row. Used to roll back a created request
// whose question could not be delivered.
func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM requests WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete request %s: %w", id, err)
	}
	return nil
}

// Open returns the currently open request, or nil if none.
func (s *Store) Open() (*Request, error) {
	r, err := s.queryOne(`SELECT `+requestColumns+` FROM requests WHERE status = 'open'`)
	if err != nil {
		return nil, fmt.Errorf("open request: %w", err)
	}
	return r, nil
}

// Get returns a request by id, or nil if absent.
func (s *Store) Get(id string) (*Request, error) {
	r, err := s.queryOne(`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}
	return r, nil
}

// List returns requests newest first, filtered to status when non-empty.
func (s *Store) List(status Status) ([]Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var requests []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *r)
	}
	return requests, rows.Err()
}

// MarkAnswered transitions a request to answered with the user's value.
func (s *Store) MarkAnswered(id, answer string, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE requests
		 SET status = ?, answer = ?, answered_at = ?, snoozed_until = NULL
		 WHERE id = ?`,
		string(StatusAnswered), answer, now.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("answer request %s: %w", id, err)
	}
	return nil
}

// MarkSnoozed transitions a request to snoozed until the given time.
func (s *Store) MarkSnoozed(id string, until time.Time) error {
	_, err := s.db.Exec(
		`UPDATE requests SET status = ?, snoozed_until = ? WHERE id = ?`,
		string(StatusSnoozed), until.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("snooze request %s: %w", id, err)
	}
	return nil
}

// kindBlocked reports whether a kind was already answered or is inside
// a snooze at now.
func (s *Store) kindBlocked(kind string, now time.Time) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM requests
		 WHERE kind = ?
		   AND (status = 'answered'
		        OR (status = 'snoozed' AND snoozed_until > ?))`,
		kind, now.UTC().Format(time.RFC3339),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check kind %s: %w", kind, err)
	}
	return count > 0, nil
}

const requestColumns = `id, kind, question_text, priority, status, created_at, answered_at, snoozed_until, answer`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var r Request
	var status, createdAt string
	var answeredAt, snoozedUntil sql.NullString
	err := row.Scan(&r.ID, &r.Kind, &r.Question, &r.Priority, &status,
		&createdAt, &answeredAt, &snoozedUntil, &r.Answer)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	at, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	r.CreatedAt = at
	if answeredAt.Valid && answeredAt.String != "" {
		t, err := time.Parse(time.RFC3339, answeredAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse answered_at %q: %w", answeredAt.String, err)
		}
		r.AnsweredAt = &t
	}
	if snoozedUntil.Valid && snoozedUntil.String != "" {
		t, err := time.Parse(time.RFC3339, snoozedUntil.String)
		if err != nil {
			return nil, fmt.Errorf("parse snoozed_until %q: %w", snoozedUntil.String, err)
		}
		r.SnoozedUntil = &t
	}
	return &r, nil
}

func (s *Store) queryOne(query string, args ...any) (*Request, error) {
	r, err := scanRequest(s.db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
