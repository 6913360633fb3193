// Package governor owns the interaction mode (normal, focus,
// urgent_only) and the wall-clock policy around it. It answers one
// question for the proactive engine: may a trigger of this priority
// interrupt the user right now.
//
// The mode is a single versioned row; every write is a compare-and-set
// on the version so a chat command racing a tick never produces a torn
// state. Focus expiry is lazy: the first read at or past expires_at
// persists normal back through the same CAS path.
package governor

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tallow/seneschal/internal/events"
	"github.com/tallow/seneschal/internal/settings"
	"github.com/tallow/seneschal/internal/trigger"
)

// State is the user-selected interaction mode.
type State string

const (
	// StateNormal lets triggers through subject to clock windows.
	StateNormal State = "normal"
	// StateFocus passes only urgent triggers until it expires.
	StateFocus State = "focus"
	// StateUrgentOnly passes only urgent triggers until cleared.
	StateUrgentOnly State = "urgent_only"
)

// Verdict is the outcome of a MayFire evaluation.
type Verdict string

const (
	// VerdictFire means the trigger may be dispatched now.
	VerdictFire Verdict = "fire"
	// VerdictDefer means the trigger stays eligible for a later tick
	// (normal mode, outside the strong window).
	VerdictDefer Verdict = "defer"
	// VerdictSuppress means the trigger is dropped for this mode or
	// quiet-hours state. Never surfaced to the user.
	VerdictSuppress Verdict = "suppress"
)

// Mode is the current interaction mode record.
type Mode struct {
	State     State
	ExpiresAt *time.Time // set only while State is focus
	Version   int64
}

// Status is the report behind the "proactive status" command and the
// read API.
type Status struct {
	State        State
	ExpiresAt    *time.Time
	QuietHours   bool
	StrongWindow bool
}

// Config supplies the clock windows. Satisfied by settings.Store.
type Config interface {
	QuietHours() (settings.Window, error)
	StrongWindow() (settings.Window, error)
}

// Governor evaluates and mutates the mode. Safe for concurrent use.
type Governor struct {
	db  *sql.DB
	cfg Config
	loc *time.Location
	bus *events.Bus
}

// New creates the governor on the shared state database, seeding the
// singleton row in normal mode if absent. loc is the location clock
// windows are evaluated in; nil means time.Local. bus may be nil.
func New(db *sql.DB, cfg Config, loc *time.Location, bus *events.Bus) (*Governor, error) {
	if loc == nil {
		loc = time.Local
	}
	g := &Governor{db: db, cfg: cfg, loc: loc, bus: bus}
	if err := g.migrate(); err != nil {
		return nil, fmt.Errorf("migrate governor: %w", err)
	}
	return g, nil
}

func (g *Governor) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS interaction_mode (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		state      TEXT NOT NULL,
		expires_at TEXT,
		version    INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := g.db.Exec(schema); err != nil {
		return err
	}
	_, err := g.db.Exec(
		`INSERT OR IGNORE INTO interaction_mode (id, state, expires_at, version, updated_at)
		 VALUES (1, ?, NULL, 0, ?)`,
		string(StateNormal), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (g *Governor) read() (Mode, error) {
	var m Mode
	var state string
	var expires sql.NullString
	err := g.db.QueryRow(
		`SELECT state, expires_at, version FROM interaction_mode WHERE id = 1`,
	).Scan(&state, &expires, &m.Version)
	if err != nil {
		return Mode{}, fmt.Errorf("read mode: %w", err)
	}
	m.State = State(state)
	if expires.Valid && expires.String != "" {
		at, err := time.Parse(time.RFC3339, expires.String)
		if err != nil {
			return Mode{}, fmt.Errorf("parse mode expiry %q: %w", expires.String, err)
		}
		m.ExpiresAt = &at
	}
	return m, nil
}

// cas writes the new state only if the row still carries fromVersion.
// Returns false when a concurrent writer got there first.
func (g *Governor) cas(fromVersion int64, state State, expiresAt *time.Time, now time.Time) (bool, error) {
	var expires any
	if expiresAt != nil {
		expires = expiresAt.UTC().Format(time.RFC3339)
	}
	res, err := g.db.Exec(
		`UPDATE interaction_mode
		 SET state = ?, expires_at = ?, version = version + 1, updated_at = ?
		 WHERE id = 1 AND version = ?`,
		string(state), expires, now.UTC().Format(time.RFC3339), fromVersion,
	)
	if err != nil {
		return false, fmt.Errorf("write mode: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("write mode: %w", err)
	}
	return affected == 1, nil
}

// Current returns the mode in effect at now. An expired focus is
// persisted back to normal before being returned; if a concurrent
// write wins that race, the concurrent writer's state is returned
// instead.
func (g *Governor) Current(now time.Time) (Mode, error) {
	for attempt := 0; attempt < 3; attempt++ {
		m, err := g.read()
		if err != nil {
			return Mode{}, err
		}
		if m.State != StateFocus || m.ExpiresAt == nil || now.Before(*m.ExpiresAt) {
			return m, nil
		}
		ok, err := g.cas(m.Version, StateNormal, nil, now)
		if err != nil {
			return Mode{}, err
		}
		if ok {
			g.publishChange(StateFocus, StateNormal, nil, now)
			return Mode{State: StateNormal, Version: m.Version + 1}, nil
		}
		// Lost to a concurrent command; re-read and re-evaluate.
	}
	return g.read()
}

// set overwrites the mode through the CAS loop. The transition itself
// does not depend on the prior state, so a conflict just means another
// writer bumped the version first; retry against the fresh version.
func (g *Governor) set(state State, expiresAt *time.Time, now time.Time) (Mode, error) {
	for attempt := 0; attempt < 5; attempt++ {
		m, err := g.read()
		if err != nil {
			return Mode{}, err
		}
		ok, err := g.cas(m.Version, state, expiresAt, now)
		if err != nil {
			return Mode{}, err
		}
		if ok {
			g.publishChange(m.State, state, expiresAt, now)
			return Mode{State: state, ExpiresAt: expiresAt, Version: m.Version + 1}, nil
		}
	}
	return Mode{}, fmt.Errorf("set mode %s: too many concurrent writers", state)
}

// SetFocus enters focus mode until now + d.
func (g *Governor) SetFocus(d time.Duration, now time.Time) (Mode, error) {
	if d <= 0 {
		return Mode{}, fmt.Errorf("focus duration must be positive, got %s", d)
	}
	expires := now.Add(d).UTC()
	return g.set(StateFocus, &expires, now)
}

// SetUrgentOnly enters urgent_only mode. It has no expiry; only an
// explicit SetNormal clears it.
func (g *Governor) SetUrgentOnly(now time.Time) (Mode, error) {
	return g.set(StateUrgentOnly, nil, now)
}

// SetNormal returns to normal mode from any state.
func (g *Governor) SetNormal(now time.Time) (Mode, error) {
	return g.set(StateNormal, nil, now)
}

// MayFire decides whether priority p may interrupt the user at now.
// Rule order: quiet hours, then urgent_only, then focus, then the
// strong window. Urgent passes every gate.
func (g *Governor) MayFire(p trigger.Priority, now time.Time) (Verdict, error) {
	local := now.In(g.loc)

	quiet, err := g.cfg.QuietHours()
	if err != nil {
		return "", fmt.Errorf("quiet hours config: %w", err)
	}
	if quiet.Contains(local) && p != trigger.PriorityUrgent {
		return VerdictSuppress, nil
	}

	mode, err := g.Current(now)
	if err != nil {
		return "", err
	}
	switch mode.State {
	case StateUrgentOnly, StateFocus:
		if p != trigger.PriorityUrgent {
			return VerdictSuppress, nil
		}
	}

	strong, err := g.cfg.StrongWindow()
	if err != nil {
		return "", fmt.Errorf("strong window config: %w", err)
	}
	if !strong.Contains(local) && p != trigger.PriorityUrgent {
		return VerdictDefer, nil
	}
	return VerdictFire, nil
}

// Status reports the mode and which clock windows are active at now.
func (g *Governor) Status(now time.Time) (Status, error) {
	mode, err := g.Current(now)
	if err != nil {
		return Status{}, err
	}
	quiet, err := g.cfg.QuietHours()
	if err != nil {
		return Status{}, fmt.Errorf("quiet hours config: %w", err)
	}
	strong, err := g.cfg.StrongWindow()
	if err != nil {
		return Status{}, fmt.Errorf("strong window config: %w", err)
	}
	local := now.In(g.loc)
	return Status{
		State:        mode.State,
		ExpiresAt:    mode.ExpiresAt,
		QuietHours:   quiet.Contains(local),
		StrongWindow: strong.Contains(local),
	}, nil
}

func (g *Governor) publishChange(from, to State, expiresAt *time.Time, now time.Time) {
	data := map[string]any{
		"from": string(from),
		"to":   string(to),
	}
	if expiresAt != nil {
		data["expires_at"] = expiresAt.UTC().Format(time.RFC3339)
	}
	g.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceGovernor,
		Kind:      events.KindModeChanged,
		Data:      data,
	})
}
