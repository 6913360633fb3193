// Package calendar reads upcoming events from a CalDAV collection and
// writes new ones for the calendar.create_event tool. Events become
// staged triggers: one reminder lane per lead time, so a 60-minute
// heads-up, a 30-minute nudge, and a 10-minute warning each cool down
// on their own.
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/tallow/seneschal/internal/httpkit"
)

// Event is one upcoming calendar entry, flattened from iCalendar.
type Event struct {
	UID      string
	Summary  string
	Location string
	Start    time.Time
	AllDay   bool
}

// Client wraps a CalDAV collection.
type Client struct {
	dav    *caldav.Client
	path   string
	loc    *time.Location
	logger *slog.Logger
}

// Config holds the CalDAV connection settings.
type Config struct {
	URL         string
	Username    string // basic auth, optional
	Password    string
	InsecureTLS bool // accept self-signed certificates on self-hosted servers
}

// New connects to the CalDAV collection described by cfg. The location
// resolves floating event times.
func New(cfg Config, loc *time.Location, logger *slog.Logger) (*Client, error) {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "calendar")

	opts := []httpkit.Option{
		httpkit.WithTimeout(20 * time.Second),
		httpkit.WithRetry(2 * time.Second),
		httpkit.WithLogger(logger),
	}
	if cfg.InsecureTLS {
		opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
	}
	httpClient := httpkit.NewClient(opts...)

	var hc webdav.HTTPClient = httpClient
	if cfg.Username != "" {
		hc = webdav.HTTPClientWithBasicAuth(httpClient, cfg.Username, cfg.Password)
	}
	dav, err := caldav.NewClient(hc, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("caldav client: %w", err)
	}
	return &Client{dav: dav, path: cfg.URL, loc: loc, logger: logger}, nil
}

// Events runs a calendar-query REPORT for VEVENTs overlapping
// [from, to], sorted by start time.
func (c *Client) Events(ctx context.Context, from, to time.Time) ([]Event, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{
				Name: ical.CompEvent,
				Props: []string{
					ical.PropUID,
					ical.PropSummary,
					ical.PropLocation,
					ical.PropDateTimeStart,
					ical.PropDateTimeEnd,
				},
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: from.UTC(),
				End:   to.UTC(),
			}},
		},
	}

	objs, err := c.dav.QueryCalendar(ctx, c.path, query)
	if err != nil {
		return nil, fmt.Errorf("calendar query: %w", err)
	}

	var out []Event
	for _, obj := range objs {
		if obj.Data == nil {
			continue
		}
		parsed, err := eventsFromCalendar(obj.Data, c.loc)
		if err != nil {
			c.logger.Warn("skipping unparseable calendar object", "path", obj.Path, "error", err)
			continue
		}
		out = append(out, parsed...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// Draft describes a new event for CreateEvent.
type Draft struct {
	Summary  string
	Start    time.Time
	Duration time.Duration
	Location string
}

// CreateEvent PUTs a new VEVENT into the collection and returns its
// UID.
func (c *Client) CreateEvent(ctx context.Context, d Draft) (string, error) {
	if d.Summary == "" {
		return "", fmt.Errorf("event needs a summary")
	}
	if d.Start.IsZero() {
		return "", fmt.Errorf("event needs a start time")
	}
	if d.Duration <= 0 {
		d.Duration = time.Hour
	}

	uid := uuid.NewString()
	now := time.Now().UTC()

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetDateTime(ical.PropDateTimeStamp, now)
	event.Props.SetDateTime(ical.PropDateTimeStart, d.Start.UTC())
	event.Props.SetDateTime(ical.PropDateTimeEnd, d.Start.Add(d.Duration).UTC())
	event.Props.SetText(ical.PropSummary, d.Summary)
	if d.Location != "" {
		event.Props.SetText(ical.PropLocation, d.Location)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, "-//seneschal//EN")
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Children = append(cal.Children, event.Component)

	path := strings.TrimRight(c.path, "/") + "/" + uid + ".ics"
	if _, err := c.dav.PutCalendarObject(ctx, path, cal); err != nil {
		return "", fmt.Errorf("put event: %w", err)
	}
	c.logger.Info("event created", "uid", uid, "summary", d.Summary, "start", d.Start)
	return uid, nil
}

// Ping verifies the collection answers a minimal time-range query.
func (c *Client) Ping(ctx context.Context) error {
	now := time.Now()
	_, err := c.Events(ctx, now, now.Add(time.Minute))
	return err
}

// eventsFromCalendar flattens the VEVENTs of one iCalendar object.
func eventsFromCalendar(cal *ical.Calendar, loc *time.Location) ([]Event, error) {
	var out []Event
	for _, e := range cal.Events() {
		var ev Event
		if p := e.Props.Get(ical.PropUID); p != nil {
			ev.UID = p.Value
		}
		if p := e.Props.Get(ical.PropSummary); p != nil {
			ev.Summary = p.Value
		}
		if p := e.Props.Get(ical.PropLocation); p != nil {
			ev.Location = p.Value
		}
		start := e.Props.Get(ical.PropDateTimeStart)
		if start == nil {
			continue
		}
		ev.AllDay = start.ValueType() == ical.ValueDate
		t, err := e.DateTimeStart(loc)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", ev.UID, err)
		}
		ev.Start = t
		out = append(out, ev)
	}
	return out, nil
}
