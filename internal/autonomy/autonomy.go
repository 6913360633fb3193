// Package autonomy manages time-boxed elevated-permission grants, one
// per domain. The action supervisor consults it before executing any
// high-risk tool call; everything here is deny-by-default.
//
// Activity is never cached. Every check re-reads the row and compares
// expires_at against the caller's clock, so a window that expired
// between grant and use can never authorize a call.
package autonomy

import (
	"database/sql"
	"fmt"
	"time"
)

// Window is one active grant.
type Window struct {
	Domain    string
	GrantedAt time.Time
	ExpiresAt time.Time
}

// Manager owns the autonomy_windows table. Safe for concurrent use.
type Manager struct {
	db *sql.DB
}

// NewManager creates the manager on the shared state database.
func NewManager(db *sql.DB) (*Manager, error) {
	m := &Manager{db: db}
	if err := m.migrate(); err != nil {
		return nil, fmt.Errorf("migrate autonomy: %w", err)
	}
	return m, nil
}

func (m *Manager) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS autonomy_windows (
		domain     TEXT PRIMARY KEY,
		granted_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);
	`
	_, err := m.db.Exec(schema)
	return err
}

// Grant opens (or overwrites, no stacking) the window for domain until
// now + d.
func (m *Manager) Grant(domain string, d time.Duration, now time.Time) (Window, error) {
	if domain == "" {
		return Window{}, fmt.Errorf("grant: empty domain")
	}
	if d <= 0 {
		return Window{}, fmt.Errorf("grant %s: duration must be positive, got %s", domain, d)
	}
	w := Window{
		Domain:    domain,
		GrantedAt: now.UTC(),
		ExpiresAt: now.Add(d).UTC(),
	}
	_, err := m.db.Exec(
		`INSERT INTO autonomy_windows (domain, granted_at, expires_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (domain) DO UPDATE
		 SET granted_at = excluded.granted_at, expires_at = excluded.expires_at`,
		w.Domain, w.GrantedAt.Format(time.RFC3339), w.ExpiresAt.Format(time.RFC3339),
	)
	if err != nil {
		return Window{}, fmt.Errorf("grant %s: %w", domain, err)
	}
	return w, nil
}

// Revoke closes the window for domain immediately. Returns false when
// no window existed.
func (m *Manager) Revoke(domain string) (bool, error) {
	res, err := m.db.Exec(`DELETE FROM autonomy_windows WHERE domain = ?`, domain)
	if err != nil {
		return false, fmt.Errorf("revoke %s: %w", domain, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke %s: %w", domain, err)
	}
	return affected > 0, nil
}

// RevokeAll closes every window. Returns how many were open.
func (m *Manager) RevokeAll() (int64, error) {
	res, err := m.db.Exec(`DELETE FROM autonomy_windows`)
	if err != nil {
		return 0, fmt.Errorf("revoke all: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke all: %w", err)
	}
	return affected, nil
}

// IsActive reports whether domain holds a live grant at now. The
// boundary is exclusive: a window is dead exactly at its expires_at.
// Expired rows found here are deleted on the way out.
func (m *Manager) IsActive(domain string, now time.Time) (bool, error) {
	var expires string
	err := m.db.QueryRow(
		`SELECT expires_at FROM autonomy_windows WHERE domain = ?`, domain,
	).Scan(&expires)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check %s: %w", domain, err)
	}
	expiresAt, err := time.Parse(time.RFC3339, expires)
	if err != nil {
		return false, fmt.Errorf("parse expires_at %q: %w", expires, err)
	}
	if !expiresAt.After(now) {
		if _, err := m.Revoke(domain); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Active returns the live windows at now, sorted by domain. Expired
// rows encountered are cleaned up.
func (m *Manager) Active(now time.Time) ([]Window, error) {
	rows, err := m.db.Query(
		`SELECT domain, granted_at, expires_at FROM autonomy_windows ORDER BY domain`,
	)
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}
	defer rows.Close()

	var active []Window
	var expired []string
	for rows.Next() {
		var w Window
		var granted, expires string
		if err := rows.Scan(&w.Domain, &granted, &expires); err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		if w.GrantedAt, err = time.Parse(time.RFC3339, granted); err != nil {
			return nil, fmt.Errorf("parse granted_at %q: %w", granted, err)
		}
		if w.ExpiresAt, err = time.Parse(time.RFC3339, expires); err != nil {
			return nil, fmt.Errorf("parse expires_at %q: %w", expires, err)
		}
		if !w.ExpiresAt.After(now) {
			expired = append(expired, w.Domain)
			continue
		}
		active = append(active, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, domain := range expired {
		if _, err := m.Revoke(domain); err != nil {
			return nil, err
		}
	}
	return active, nil
}
