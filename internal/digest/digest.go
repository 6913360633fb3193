// Package digest composes the once-a-day evening summary of everything
// the assistant did (or held back) since midnight.
//
// The composer is deliberately side-effect light: it claims the day
// marker and renders text, but sending is the caller's job. On a failed
// send the caller releases the marker so the next tick can try again.
package digest

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tallow/seneschal/internal/request"
	"github.com/tallow/seneschal/internal/settings"
	"github.com/tallow/seneschal/internal/throttle"
	"github.com/tallow/seneschal/internal/trigger"
)

// markerKind is the day-marker namespace for the digest slot.
const markerKind = "digest"

// attentionPriority is the minimum request priority that earns a line
// in the "Needs attention" section.
const attentionPriority = 75

// Config is the settings surface the composer reads. Satisfied by
// *settings.Store.
type Config interface {
	DigestTime() (settings.TimeOfDay, error)
	DigestMaxItems() (int, error)
}

// Digest is one rendered daily summary.
type Digest struct {
	DayBucket string
	Items     []throttle.Record
	Omitted   int // items dropped by the max-items cap
	Attention []request.Request
	Text      string
}

// Empty reports whether there is nothing worth sending.
func (d *Digest) Empty() bool {
	return len(d.Items) == 0 && len(d.Attention) == 0
}

// Composer builds the daily digest from dispatch history and open
// requests.
type Composer struct {
	throttle *throttle.Throttle
	requests *request.Store
	cfg      Config
	loc      *time.Location
}

// New returns a composer over the shared stores. A nil location
// defaults to time.Local.
func New(th *throttle.Throttle, requests *request.Store, cfg Config, loc *time.Location) *Composer {
	if loc == nil {
		loc = time.Local
	}
	return &Composer{throttle: th, requests: requests, cfg: cfg, loc: loc}
}

// Due reports whether the digest should be composed at now: the local
// wall clock has passed the configured digest time and today's slot has
// not been claimed yet.
func (c *Composer) Due(now time.Time) (bool, error) {
	at, err := c.cfg.DigestTime()
	if err != nil {
		return false, fmt.Errorf("digest time: %w", err)
	}
	local := now.In(c.loc)
	if settings.TimeOfDay(local.Hour()*60+local.Minute()) < at {
		return false, nil
	}
	sent, err := c.throttle.DayMarkerExists(markerKind, now)
	if err != nil {
		return false, err
	}
	return !sent, nil
}

// Compose claims today's digest slot and renders the summary. It
// returns nil when the slot was already claimed, so at most one digest
// is composed per local day. The claim stands even if the result is
// empty; an uneventful day does not get retried all evening.
func (c *Composer) Compose(now time.Time) (*Digest, error) {
	claimed, err := c.throttle.ClaimDayMarker(markerKind, now)
	if err != nil {
		return nil, fmt.Errorf("claim digest slot: %w", err)
	}
	if !claimed {
		return nil, nil
	}

	day := throttle.DayBucket(now, c.loc)
	records, err := c.throttle.DispatchesOn(day)
	if err != nil {
		return nil, err
	}
	items := make([]throttle.Record, 0, len(records))
	for _, r := range records {
		if r.Kind == trigger.KindDigest {
			continue
		}
		items = append(items, r)
	}
	sort.SliceStable(items, func(i, j int) bool {
		pi, pj := items[i].Priority.Rank(), items[j].Priority.Rank()
		if pi != pj {
			return pi < pj
		}
		return items[i].DispatchedAt.Before(items[j].DispatchedAt)
	})

	maxItems, err := c.cfg.DigestMaxItems()
	if err != nil {
		return nil, fmt.Errorf("digest max items: %w", err)
	}
	omitted := 0
	if maxItems > 0 && len(items) > maxItems {
		omitted = len(items) - maxItems
		items = items[:maxItems]
	}

	open, err := c.requests.List(request.StatusOpen)
	if err != nil {
		return nil, err
	}
	attention := make([]request.Request, 0, len(open))
	for _, r := range open {
		if r.Priority >= attentionPriority {
			attention = append(attention, r)
		}
	}

	d := &Digest{DayBucket: day, Items: items, Omitted: omitted, Attention: attention}
	d.Text = c.render(d, now)
	return d, nil
}

// Release returns today's digest slot, typically after a failed send.
func (c *Composer) Release(now time.Time) error {
	return c.throttle.ReleaseDayMarker(markerKind, now)
}

// SentToday reports whether today's digest slot is already claimed.
// Status views read this; the tick engine uses Due.
func (c *Composer) SentToday(now time.Time) (bool, error) {
	return c.throttle.DayMarkerExists(markerKind, now)
}

// MarkSent records the digest's own dispatch so it shows up in status
// views alongside everything else sent today.
func (c *Composer) MarkSent(now time.Time) error {
	return c.throttle.RecordDispatch(trigger.Trigger{
		Kind:     trigger.KindDigest,
		EntityID: "daily",
		Priority: trigger.PriorityLow,
		Title:    "Daily digest",
	}, now)
}

func (c *Composer) render(d *Digest, now time.Time) string {
	local := now.In(c.loc)
	var b strings.Builder
	fmt.Fprintf(&b, "**Daily digest** for %s\n", local.Format("Monday, 2 Jan"))

	if len(d.Items) == 0 {
		b.WriteString("\nNothing sent today. Quiet day.\n")
	} else {
		fmt.Fprintf(&b, "\n**Sent today** (%d)\n", len(d.Items)+d.Omitted)
		for _, it := range d.Items {
			line := it.Title
			if line == "" {
				line = it.EntityID
			}
			if it.Priority == trigger.PriorityUrgent {
				fmt.Fprintf(&b, "- %s (urgent) %s\n", it.DispatchedAt.In(c.loc).Format("15:04"), line)
				continue
			}
			fmt.Fprintf(&b, "- %s %s\n", it.DispatchedAt.In(c.loc).Format("15:04"), line)
		}
		if d.Omitted > 0 {
			fmt.Fprintf(&b, "- and %d more not shown\n", d.Omitted)
		}
	}

	if len(d.Attention) > 0 {
		b.WriteString("\n**Needs attention**\n")
		for _, r := range d.Attention {
			fmt.Fprintf(&b, "- %s (reply, or '%s' to put it off)\n", r.Question, request.DeclineToken)
		}
	}
	return b.String()
}
