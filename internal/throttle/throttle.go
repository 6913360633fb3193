// Package throttle decides whether a proactive trigger may fire right
// now and keeps the day-bucketed bookkeeping behind that decision:
// dispatch records (cooldown lookups, digest aggregation), the global
// daily counter, and the once-per-day markers used by the digest and
// the clarifying-request generator.
package throttle

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tallow/seneschal/internal/trigger"
)

// Reason explains a denial. Denials are expected control outcomes, not
// errors; callers log them at debug and move on.
type Reason string

const (
	ReasonCooldown  Reason = "cooldown"
	ReasonRateLimit Reason = "rate_limit"
)

// Decision is the outcome of an Allow check. When Allowed is true the
// daily counter has already been reserved; the caller must either
// dispatch and record, or Release the reservation.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Config supplies the tunables. Satisfied by settings.Store.
type Config interface {
	CooldownSeconds(kind string) (int, error)
	DailyRateLimit() (int, error)
}

// Record is one persisted dispatch, append-only.
type Record struct {
	ID           string
	Kind         trigger.Kind
	EntityID     string
	Priority     trigger.Priority
	Title        string
	DayBucket    string
	DispatchedAt time.Time
}

// Throttle owns the dispatch_records, daily_counters, and day_markers
// tables. Safe for concurrent use: the cap check-and-increment and the
// marker claims are single statements, so SQLite's write serialization
// makes them atomic.
type Throttle struct {
	db  *sql.DB
	cfg Config
	loc *time.Location
}

// New creates the throttle on the shared state database. loc is the
// location day buckets are computed in; nil means time.Local.
func New(db *sql.DB, cfg Config, loc *time.Location) (*Throttle, error) {
	if loc == nil {
		loc = time.Local
	}
	t := &Throttle{db: db, cfg: cfg, loc: loc}
	if err := t.migrate(); err != nil {
		return nil, fmt.Errorf("migrate throttle: %w", err)
	}
	return t, nil
}

func (t *Throttle) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dispatch_records (
		id            TEXT PRIMARY KEY,
		trigger_kind  TEXT NOT NULL,
		entity_id     TEXT NOT NULL,
		priority      TEXT NOT NULL,
		title         TEXT NOT NULL DEFAULT '',
		day_bucket    TEXT NOT NULL,
		dispatched_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dispatch_kind_entity
		ON dispatch_records (trigger_kind, entity_id, dispatched_at);
	CREATE INDEX IF NOT EXISTS idx_dispatch_day
		ON dispatch_records (day_bucket);

	CREATE TABLE IF NOT EXISTS daily_counters (
		day_bucket TEXT PRIMARY KEY,
		count      INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS day_markers (
		kind       TEXT NOT NULL,
		day_bucket TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (kind, day_bucket)
	);
	`
	_, err := t.db.Exec(schema)
	return err
}

// DayBucket returns the calendar date of t in loc, formatted
// YYYY-MM-DD. Stored instants stay UTC; only bucketing is local.
func DayBucket(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

func (t *Throttle) dayBucket(now time.Time) string {
	return DayBucket(now, t.loc)
}

// Allow reports whether a (kind, entity) dispatch may go out at now.
// The cooldown check consults the most recent dispatch record for the
// pair; the daily cap check reserves a counter slot in the same
// statement that verifies it, so two concurrent calls can never both
// squeeze past the limit. A true decision holds a reservation the
// caller must consume (RecordDispatch) or return (Release).
func (t *Throttle) Allow(kind trigger.Kind, entityID string, now time.Time) (Decision, error) {
	cooldown, err := t.cfg.CooldownSeconds(string(kind))
	if err != nil {
		return Decision{}, fmt.Errorf("cooldown config: %w", err)
	}
	if cooldown > 0 {
		var last string
		err := t.db.QueryRow(
			`SELECT dispatched_at FROM dispatch_records
			 WHERE trigger_kind = ? AND entity_id = ?
			 ORDER BY dispatched_at DESC LIMIT 1`,
			string(kind), entityID,
		).Scan(&last)
		switch {
		case err == sql.ErrNoRows:
			// Never dispatched, no cooldown to honor.
		case err != nil:
			return Decision{}, fmt.Errorf("cooldown lookup: %w", err)
		default:
			lastAt, perr := time.Parse(time.RFC3339, last)
			if perr != nil {
				return Decision{}, fmt.Errorf("parse dispatched_at %q: %w", last, perr)
			}
			if now.Sub(lastAt) < time.Duration(cooldown)*time.Second {
				return Decision{Allowed: false, Reason: ReasonCooldown}, nil
			}
		}
	}

	limit, err := t.cfg.DailyRateLimit()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit config: %w", err)
	}
	day := t.dayBucket(now)
	if _, err := t.db.Exec(
		`INSERT OR IGNORE INTO daily_counters (day_bucket, count) VALUES (?, 0)`,
		day,
	); err != nil {
		return Decision{}, fmt.Errorf("init counter: %w", err)
	}
	// Check-then-increment in one statement; zero rows means at cap.
	res, err := t.db.Exec(
		`UPDATE daily_counters SET count = count + 1
		 WHERE day_bucket = ? AND count < ?`,
		day, limit,
	)
	if err != nil {
		return Decision{}, fmt.Errorf("reserve counter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Decision{}, fmt.Errorf("reserve counter: %w", err)
	}
	if affected == 0 {
		return Decision{Allowed: false, Reason: ReasonRateLimit}, nil
	}
	return Decision{Allowed: true}, nil
}

// Release returns a counter reservation after a failed dispatch so the
// cap keeps counting messages actually sent.
func (t *Throttle) Release(now time.Time) error {
	_, err := t.db.Exec(
		`UPDATE daily_counters SET count = count - 1
		 WHERE day_bucket = ? AND count > 0`,
		t.dayBucket(now),
	)
	if err != nil {
		return fmt.Errorf("release counter: %w", err)
	}
	return nil
}

// RecordDispatch appends the dispatch record for a sent trigger.
func (t *Throttle) RecordDispatch(tr trigger.Trigger, now time.Time) error {
	_, err := t.db.Exec(
		`INSERT INTO dispatch_records
		 (id, trigger_kind, entity_id, priority, title, day_bucket, dispatched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		newID(), string(tr.Kind), tr.EntityID, string(tr.Priority), tr.Title,
		t.dayBucket(now), now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	return nil
}

// DispatchesOn returns the day's records ordered by dispatch time.
func (t *Throttle) DispatchesOn(dayBucket string) ([]Record, error) {
	rows, err := t.db.Query(
		`SELECT id, trigger_kind, entity_id, priority, title, day_bucket, dispatched_at
		 FROM dispatch_records WHERE day_bucket = ? ORDER BY dispatched_at`,
		dayBucket,
	)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var kind, priority, dispatchedAt string
		if err := rows.Scan(&r.ID, &kind, &r.EntityID, &priority, &r.Title, &r.DayBucket, &dispatchedAt); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		r.Kind = trigger.Kind(kind)
		r.Priority = trigger.Priority(priority)
		at, err := time.Parse(time.RFC3339, dispatchedAt)
		if err != nil {
			return nil, fmt.Errorf("parse dispatched_at %q: %w", dispatchedAt, err)
		}
		r.DispatchedAt = at
		records = append(records, r)
	}
	return records, rows.Err()
}

// SentToday returns the counter value for now's day bucket.
func (t *Throttle) SentToday(now time.Time) (int, error) {
	var count int
	err := t.db.QueryRow(
		`SELECT count FROM daily_counters WHERE day_bucket = ?`,
		t.dayBucket(now),
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counter lookup: %w", err)
	}
	return count, nil
}

// ClaimDayMarker atomically creates the (kind, day) marker. It returns
// true when this call created it, false when the day was already
// claimed. Backing both the digest-once and request-once-per-day
// invariants on a create-if-absent keeps scheduler/command races out.
func (t *Throttle) ClaimDayMarker(kind string, now time.Time) (bool, error) {
	res, err := t.db.Exec(
		`INSERT OR IGNORE INTO day_markers (kind, day_bucket, created_at)
		 VALUES (?, ?, ?)`,
		kind, t.dayBucket(now), now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("claim %s marker: %w", kind, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim %s marker: %w", kind, err)
	}
	return affected == 1, nil
}

// ReleaseDayMarker removes the (kind, day) marker so a later tick can
// retry after a failed send.
func (t *Throttle) ReleaseDayMarker(kind string, now time.Time) error {
	_, err := t.db.Exec(
		`DELETE FROM day_markers WHERE kind = ? AND day_bucket = ?`,
		kind, t.dayBucket(now),
	)
	if err != nil {
		return fmt.Errorf("release %s marker: %w", kind, err)
	}
	return nil
}

// DayMarkerExists reports whether the (kind, day) marker is present.
func (t *Throttle) DayMarkerExists(kind string, now time.Time) (bool, error) {
	var one int
	err := t.db.QueryRow(
		`SELECT 1 FROM day_markers WHERE kind = ? AND day_bucket = ?`,
		kind, t.dayBucket(now),
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check %s marker: %w", kind, err)
	}
	return true, nil
}

// Prune removes dispatch records, counters, and markers for day buckets
// older than before's. Run by the nightly maintenance job; cooldowns
// longer than the retention period would be cut short, so callers keep
// retention comfortably above the largest cooldown.
func (t *Throttle) Prune(before time.Time) (int64, error) {
	cutoff := t.dayBucket(before)
	var total int64
	for _, table := range []string{"dispatch_records", "daily_counters", "day_markers"} {
		res, err := t.db.Exec(
			`DELETE FROM `+table+` WHERE day_bucket < ?`, cutoff,
		)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		total += n
	}
	return total, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
