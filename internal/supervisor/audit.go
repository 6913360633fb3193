package supervisor

import (
	"database/sql"
	"fmt"
	"time"
)

// Audit statuses. A call id recorded ok is never executed again.
const (
	AuditOK     = "ok"
	AuditFailed = "failed"
	AuditDenied = "denied"
)

// AuditEntry is one recorded tool-call outcome, keyed by call id.
type AuditEntry struct {
	CallID     string
	PlanID     string
	Tool       string
	Domain     string
	Risk       string
	ArgsJSON   string
	Status     string
	Detail     string
	ExecutedAt time.Time
}

// AuditStore owns the action_audit table on the shared state database.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore creates the audit store.
func NewAuditStore(db *sql.DB) (*AuditStore, error) {
	s := &AuditStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate audit: %w", err)
	}
	return s, nil
}

func (s *AuditStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS action_audit (
		call_id     TEXT PRIMARY KEY,
		plan_id     TEXT NOT NULL,
		tool        TEXT NOT NULL,
		domain      TEXT NOT NULL,
		risk        TEXT NOT NULL,
		args_json   TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		detail      TEXT NOT NULL DEFAULT '',
		executed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_plan ON action_audit (plan_id);
	CREATE INDEX IF NOT EXISTS idx_audit_time ON action_audit (executed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record upserts the outcome for a call id. A replayed call that was
// denied earlier may later succeed, so the latest outcome wins; an ok
// is effectively sticky because ok calls are never re-executed.
func (s *AuditStore) Record(e AuditEntry) error {
	args := e.ArgsJSON
	if len(args) > 500 {
		args = args[:500] + "...[truncated]"
	}
	detail := e.Detail
	if len(detail) > 500 {
		detail = detail[:500] + "...[truncated]"
	}
	_, err := s.db.Exec(
		`INSERT INTO action_audit
		 (call_id, plan_id, tool, domain, risk, args_json, status, detail, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (call_id) DO UPDATE SET
		 plan_id = excluded.plan_id, tool = excluded.tool,
		 domain = excluded.domain, risk = excluded.risk,
		 args_json = excluded.args_json, status = excluded.status,
		 detail = excluded.detail, executed_at = excluded.executed_at`,
		e.CallID, e.PlanID, e.Tool, e.Domain, e.Risk, args,
		e.Status, detail, e.ExecutedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record audit %s: %w", e.CallID, err)
	}
	return nil
}

// WasExecutedOK reports whether the call id already succeeded.
func (s *AuditStore) WasExecutedOK(callID string) (bool, error) {
	var status string
	err := s.db.QueryRow(
		`SELECT status FROM action_audit WHERE call_id = ?`, callID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("audit lookup %s: %w", callID, err)
	}
	return status == AuditOK, nil
}

// Recent returns the latest n entries, newest first.
func (s *AuditStore) Recent(n int) ([]AuditEntry, error) {
	rows, err := s.db.Query(
		`SELECT call_id, plan_id, tool, domain, risk, args_json, status, detail, executed_at
		 FROM action_audit ORDER BY executed_at DESC, call_id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("recent audit: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var executedAt string
		if err := rows.Scan(&e.CallID, &e.PlanID, &e.Tool, &e.Domain, &e.Risk,
			&e.ArgsJSON, &e.Status, &e.Detail, &executedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		at, err := time.Parse(time.RFC3339, executedAt)
		if err != nil {
			return nil, fmt.Errorf("parse executed_at %q: %w", executedAt, err)
		}
		e.ExecutedAt = at
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune removes entries executed before the cutoff. Run by the nightly
// maintenance job.
func (s *AuditStore) Prune(before time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM action_audit WHERE executed_at < ?`,
		before.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("prune audit: %w", err)
	}
	return res.RowsAffected()
}
