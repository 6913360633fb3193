// Package settings provides the runtime-tunable configuration store.
// Unlike the YAML file config (static wiring: endpoints, credentials),
// settings hold the knobs the assistant itself adjusts or asks the user
// about: quiet hours, cooldowns, rate limits, the notification chat id.
// Values live in SQLite so they survive restarts and so clarifying
// requests can persist answers.
package settings

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMissing is returned by Get and the no-default getters when the key
// has never been set.
var ErrMissing = errors.New("settings: key not set")

// Well-known keys. Checklist-backed keys (notify_chat_id, default_contact,
// event_duration_default, home_address, calendar_auth) start unset and are
// filled by clarifying-request answers.
const (
	KeyQuietHoursStart   = "quiet_hours_start"
	KeyQuietHoursEnd     = "quiet_hours_end"
	KeyStrongWindowStart = "strong_window_start"
	KeyStrongWindowEnd   = "strong_window_end"
	KeyDailyRateLimit    = "daily_rate_limit"
	KeyDigestTime        = "digest_time"
	KeyDigestMaxItems    = "digest_max_items"
	KeyRequestSnoozeDays = "request_snooze_days"
	KeyNotifyChatID      = "notify_chat_id"
	KeyMailVIPSenders    = "mail_vip_senders"

	// CooldownPrefix + kind holds the per-kind cooldown override in
	// seconds, e.g. "cooldown_seconds.calendar_event".
	CooldownPrefix = "cooldown_seconds."
)

// Defaults applied when a key is unset.
const (
	DefaultQuietHoursStart   = "00:00"
	DefaultQuietHoursEnd     = "09:30"
	DefaultStrongWindowStart = "11:00"
	DefaultStrongWindowEnd   = "19:00"
	DefaultCooldownSeconds   = 14400
	DefaultDailyRateLimit    = 5
	DefaultDigestTime        = "21:00"
	DefaultDigestMaxItems    = 10
	DefaultRequestSnoozeDays = 30
)

// TimeOfDay is a wall-clock time expressed as minutes since midnight.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM" (24-hour clock).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return TimeOfDay(parsed.Hour()*60 + parsed.Minute()), nil
}

// String renders the time as "HH:MM".
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// Window is a daily wall-clock interval [Start, End). A window whose end
// is not after its start wraps past midnight, except Start == End which
// is the empty window.
type Window struct {
	Start TimeOfDay
	End   TimeOfDay
}

// Contains reports whether the wall-clock part of t (in t's location)
// falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if w.Start == w.End {
		return false
	}
	m := TimeOfDay(t.Hour()*60 + t.Minute())
	if w.Start < w.End {
		return m >= w.Start && m < w.End
	}
	// Wraps midnight, e.g. 22:00 to 07:00.
	return m >= w.Start || m < w.End
}

// Store is the settings store. All methods are safe for concurrent use
// (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates the settings store on the shared state database.
// The schema is created on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate settings: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the raw value for key, or ErrMissing if it was never set.
func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrMissing, key)
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// Has reports whether the key has been set.
func (s *Store) Has(key string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM settings WHERE key = ?`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check setting %s: %w", key, err)
	}
	return true, nil
}

// Set upserts a key. Existing values are overwritten.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}
	return nil
}

// All returns every stored key/value pair, sorted by key.
func (s *Store) All() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		result[k] = v
	}
	return result, rows.Err()
}

// String returns the value for key, or def when unset.
func (s *Store) String(key, def string) (string, error) {
	v, err := s.Get(key)
	if errors.Is(err, ErrMissing) {
		return def, nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// Int returns the value for key parsed as an integer, or def when unset.
// A stored value that does not parse is an error, not a silent default.
func (s *Store) Int(key string, def int) (int, error) {
	v, err := s.Get(key)
	if errors.Is(err, ErrMissing) {
		return def, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) window(startKey, endKey, defStart, defEnd string) (Window, error) {
	rawStart, err := s.String(startKey, defStart)
	if err != nil {
		return Window{}, err
	}
	rawEnd, err := s.String(endKey, defEnd)
	if err != nil {
		return Window{}, err
	}
	start, err := ParseTimeOfDay(rawStart)
	if err != nil {
		return Window{}, fmt.Errorf("setting %s: %w", startKey, err)
	}
	end, err := ParseTimeOfDay(rawEnd)
	if err != nil {
		return Window{}, fmt.Errorf("setting %s: %w", endKey, err)
	}
	return Window{Start: start, End: end}, nil
}

// QuietHours returns the do-not-disturb window (default 00:00–09:30).
func (s *Store) QuietHours() (Window, error) {
	return s.window(KeyQuietHoursStart, KeyQuietHoursEnd, DefaultQuietHoursStart, DefaultQuietHoursEnd)
}

// StrongWindow returns the high-receptivity window in which low-priority
// items and clarifying requests may go out (default 11:00–19:00).
func (s *Store) StrongWindow() (Window, error) {
	return s.window(KeyStrongWindowStart, KeyStrongWindowEnd, DefaultStrongWindowStart, DefaultStrongWindowEnd)
}

// CooldownSeconds returns the per-kind dispatch cooldown (default 4h).
func (s *Store) CooldownSeconds(kind string) (int, error) {
	return s.Int(CooldownPrefix+kind, DefaultCooldownSeconds)
}

// DailyRateLimit returns the global cap on proactive sends per day.
func (s *Store) DailyRateLimit() (int, error) {
	return s.Int(KeyDailyRateLimit, DefaultDailyRateLimit)
}

// DigestTime returns the wall-clock time after which the daily digest
// goes out (default 21:00).
func (s *Store) DigestTime() (TimeOfDay, error) {
	raw, err := s.String(KeyDigestTime, DefaultDigestTime)
	if err != nil {
		return 0, err
	}
	t, err := ParseTimeOfDay(raw)
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", KeyDigestTime, err)
	}
	return t, nil
}

// DigestMaxItems returns the digest item cap (default 10).
func (s *Store) DigestMaxItems() (int, error) {
	return s.Int(KeyDigestMaxItems, DefaultDigestMaxItems)
}

// RequestSnoozeDays returns how long a declined clarifying request stays
// snoozed (default 30 days).
func (s *Store) RequestSnoozeDays() (int, error) {
	return s.Int(KeyRequestSnoozeDays, DefaultRequestSnoozeDays)
}

// NotifyChatID returns the chat id proactive messages go to, or
// ErrMissing while the corresponding clarifying request is unanswered.
func (s *Store) NotifyChatID() (string, error) {
	return s.Get(KeyNotifyChatID)
}

// VIPSenders returns the comma-separated VIP mail sender list, lowered
// and trimmed. Empty when unset.
func (s *Store) VIPSenders() ([]string, error) {
	raw, err := s.String(KeyMailVIPSenders, "")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out, nil
}
