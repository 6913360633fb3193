package calendar

import (
	"context"
	"time"

	"github.com/tallow/seneschal/internal/trigger"
)

// lookahead is how far ahead of now the tick engine asks for events.
const lookahead = 2 * time.Hour

// stage maps a reminder lead time to the urgency it deserves.
type stage struct {
	lead     time.Duration
	priority trigger.Priority
}

// Stages are ordered tightest first; an event 8 minutes out matches
// t-10, not t-30. Each stage has its own entity id, so an earlier
// reminder never eats a later one's cooldown.
var stages = []stage{
	{10 * time.Minute, trigger.PriorityUrgent},
	{30 * time.Minute, trigger.PriorityNormal},
	{60 * time.Minute, trigger.PriorityLow},
}

// EventLister is the read side of the CalDAV client. Satisfied by
// *Client.
type EventLister interface {
	Events(ctx context.Context, from, to time.Time) ([]Event, error)
}

// Source adapts the calendar to the proactive engine's candidate feed.
type Source struct {
	client EventLister
	loc    *time.Location
}

// NewSource wraps the calendar client for tick polling. A nil location
// defaults to time.Local.
func NewSource(client EventLister, loc *time.Location) *Source {
	if loc == nil {
		loc = time.Local
	}
	return &Source{client: client, loc: loc}
}

// Name identifies the source in logs and tick stats.
func (s *Source) Name() string { return "calendar" }

// Candidates yields at most one trigger per upcoming event: the
// tightest reminder stage it has reached. All-day entries and events
// already under way produce nothing.
func (s *Source) Candidates(ctx context.Context, now time.Time) ([]trigger.Trigger, error) {
	events, err := s.client.Events(ctx, now, now.Add(lookahead))
	if err != nil {
		return nil, err
	}

	var out []trigger.Trigger
	for _, ev := range events {
		if ev.AllDay || !ev.Start.After(now) {
			continue
		}
		until := ev.Start.Sub(now)
		for _, st := range stages {
			if until > st.lead {
				continue
			}
			detail := "starts " + ev.Start.In(s.loc).Format("15:04")
			if ev.Location != "" {
				detail += " at " + ev.Location
			}
			out = append(out, trigger.Trigger{
				Kind:          trigger.KindCalendarEvent,
				EntityID:      trigger.StageEntityID(ev.UID, int(st.lead.Minutes())),
				CandidateTime: ev.Start,
				Priority:      st.priority,
				Title:         ev.Summary,
				Detail:        detail,
			})
			break
		}
	}
	return out, nil
}
