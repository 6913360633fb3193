package request

import (
	"fmt"
	"strings"
	"time"
)

// markerKind is the day-marker namespace backing the one-new-request-
// per-day invariant.
const markerKind = "request"

// Config is the settings surface the generator reads and fills.
// Satisfied by settings.Store.
type Config interface {
	Has(key string) (bool, error)
	Set(key, value string) error
	RequestSnoozeDays() (int, error)
}

// Markers is the atomic day-marker surface. Satisfied by
// throttle.Throttle.
type Markers interface {
	ClaimDayMarker(kind string, now time.Time) (bool, error)
	ReleaseDayMarker(kind string, now time.Time) error
}

// Generator walks the checklist and opens at most one request per day.
// The caller (the proactive engine, inside the strong window) delivers
// the question and calls Abort if delivery fails.
type Generator struct {
	store   *Store
	cfg     Config
	markers Markers
}

// NewGenerator wires the generator to its store, settings, and markers.
func NewGenerator(store *Store, cfg Config, markers Markers) *Generator {
	return &Generator{store: store, cfg: cfg, markers: markers}
}

// Next returns a freshly created open request for the highest-priority
// unmet checklist kind, or nil when there is nothing to ask: a request
// is already open, every kind is met or blocked, or today's request
// slot is spent. Claiming the day slot and creating the row happen
// before any send, so two racing callers can never both create.
func (g *Generator) Next(now time.Time) (*Request, error) {
	open, err := g.store.Open()
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, nil
	}

	var item *ChecklistItem
	for _, candidate := range Checklist() {
		present, err := g.cfg.Has(candidate.SettingKey)
		if err != nil {
			return nil, fmt.Errorf("check setting %s: %w", candidate.SettingKey, err)
		}
		if present {
			continue
		}
		blocked, err := g.store.kindBlocked(candidate.Kind, now)
		if err != nil {
			return nil, err
		}
		if blocked {
			continue
		}
		item = &candidate
		break
	}
	if item == nil {
		return nil, nil
	}

	claimed, err := g.markers.ClaimDayMarker(markerKind, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, nil
	}

	r, err := g.store.Create(*item, now)
	if err != nil {
		if relErr := g.markers.ReleaseDayMarker(markerKind, now); relErr != nil {
			return nil, fmt.Errorf("%w (marker release also failed: %v)", err, relErr)
		}
		return nil, err
	}
	return r, nil
}

// Abort rolls back a request whose question could not be delivered:
// the row is removed and the day slot returned, so a later tick can
// try again.
func (g *Generator) Abort(r *Request, now time.Time) error {
	if err := g.store.Delete(r.ID); err != nil {
		return err
	}
	return g.markers.ReleaseDayMarker(markerKind, now)
}

// Resolve applies the user's reply to the open request. The decline
// token snoozes it for the configured number of days; any other
// non-empty text answers it and persists the value under the kind's
// settings key. Returns the updated request.
func (g *Generator) Resolve(text string, now time.Time) (*Request, error) {
	open, err := g.store.Open()
	if err != nil {
		return nil, err
	}
	if open == nil {
		return nil, ErrNoOpenRequest
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("request: empty answer for %s", open.Kind)
	}

	if strings.EqualFold(trimmed, DeclineToken) {
		days, err := g.cfg.RequestSnoozeDays()
		if err != nil {
			return nil, err
		}
		until := now.Add(time.Duration(days) * 24 * time.Hour)
		if err := g.store.MarkSnoozed(open.ID, until); err != nil {
			return nil, err
		}
		return g.store.Get(open.ID)
	}

	if err := g.store.MarkAnswered(open.ID, trimmed, now); err != nil {
		return nil, err
	}
	if item, ok := checklistItem(open.Kind); ok {
		if err := g.cfg.Set(item.SettingKey, trimmed); err != nil {
			return nil, fmt.Errorf("persist answer for %s: %w", open.Kind, err)
		}
	}
	return g.store.Get(open.ID)
}
