package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tallow/seneschal/internal/calendar"
	"github.com/tallow/seneschal/internal/contacts"
	"github.com/tallow/seneschal/internal/plan"
	"github.com/tallow/seneschal/internal/planner"
	"github.com/tallow/seneschal/internal/supervisor"
	"github.com/tallow/seneschal/internal/tasks"
)

// textSender abstracts the gateway for tool adapter testing.
type textSender interface {
	SendText(ctx context.Context, chatID, text string) error
}

// eventCreator abstracts the CalDAV client for tool adapter testing.
type eventCreator interface {
	CreateEvent(ctx context.Context, d calendar.Draft) (string, error)
}

// toolDeps holds what the tool adapters act on. calendar is nil when
// the CalDAV integration is disabled; its tool is then not registered
// at all, so the planner never sees it.
type toolDeps struct {
	gateway  textSender
	calendar eventCreator
	tasks    *tasks.Store
	contacts *contacts.Store
	loc      *time.Location
}

// registerTools wires the tool adapters into the supervisor and returns
// the matching catalog for the planner. Keeping both sides in one place
// means the model can never be offered a tool the supervisor does not
// enforce, or with a softer risk than the one enforced.
func registerTools(sup *supervisor.Supervisor, deps toolDeps) []planner.ToolSpec {
	var specs []planner.ToolSpec

	add := func(t supervisor.Tool, desc string) {
		sup.RegisterTool(t)
		specs = append(specs, planner.ToolSpec{
			Name:        t.Name,
			Domain:      t.Domain,
			Risk:        string(t.Risk),
			Description: desc,
		})
	}

	add(supervisor.Tool{
		Name:    "message.send",
		Domain:  "messaging",
		Risk:    plan.RiskLow,
		Execute: deps.sendMessage,
	}, `send a chat message, args: {"to": "contact name or chat id", "text": "message text"}`)

	add(supervisor.Tool{
		Name:    "task.add",
		Domain:  "tasks",
		Risk:    plan.RiskLow,
		Execute: deps.addTask,
	}, `add a task, args: {"title": "what to do", "due": "optional RFC3339 time"}`)

	add(supervisor.Tool{
		Name:    "task.complete",
		Domain:  "tasks",
		Risk:    plan.RiskMedium,
		Execute: deps.completeTask,
	}, `mark a task done, args: {"id": 3}`)

	if deps.calendar != nil {
		add(supervisor.Tool{
			Name:    "calendar.create_event",
			Domain:  "calendar",
			Risk:    plan.RiskHigh,
			Execute: deps.createEvent,
		}, `create a calendar event, args: {"title": "...", "start": "RFC3339 time", "minutes": 60, "location": "optional"}`)
	}

	return specs
}

func (d toolDeps) sendMessage(ctx context.Context, args map[string]any) (string, error) {
	to, err := argString(args, "to")
	if err != nil {
		return "", err
	}
	text, err := argString(args, "text")
	if err != nil {
		return "", err
	}

	chatID, err := d.resolveChatID(to)
	if err != nil {
		return "", err
	}
	if err := d.gateway.SendText(ctx, chatID, text); err != nil {
		return "", err
	}
	return fmt.Sprintf("message sent to %s", to), nil
}

// resolveChatID turns "to" into a sendable chat id: a literal id passes
// through normalized, a name goes through the contact store.
func (d toolDeps) resolveChatID(to string) (string, error) {
	if strings.Contains(to, "@") {
		return contacts.NormalizeChatID(to), nil
	}
	chatID, err := d.contacts.ChatIDFor(to)
	if err != nil {
		return "", err
	}
	if chatID == "" {
		return "", fmt.Errorf("no chat id for %q", to)
	}
	return chatID, nil
}

func (d toolDeps) addTask(ctx context.Context, args map[string]any) (string, error) {
	title, err := argString(args, "title")
	if err != nil {
		return "", err
	}
	var due *time.Time
	if _, ok := args["due"]; ok {
		t, err := argTime(args, "due", d.loc)
		if err != nil {
			return "", err
		}
		due = &t
	}
	task, err := d.tasks.Add(title, due, time.Now())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("task %d added: %s", task.ID, task.Title), nil
}

func (d toolDeps) completeTask(ctx context.Context, args map[string]any) (string, error) {
	id, err := argInt(args, "id")
	if err != nil {
		return "", err
	}
	task, err := d.tasks.Complete(id, time.Now())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("task %d done: %s", task.ID, task.Title), nil
}

func (d toolDeps) createEvent(ctx context.Context, args map[string]any) (string, error) {
	title, err := argString(args, "title")
	if err != nil {
		return "", err
	}
	start, err := argTime(args, "start", d.loc)
	if err != nil {
		return "", err
	}
	minutes := 60
	if _, ok := args["minutes"]; ok {
		n, err := argInt(args, "minutes")
		if err != nil {
			return "", err
		}
		minutes = int(n)
	}
	location, _ := args["location"].(string)

	uid, err := d.calendar.CreateEvent(ctx, calendar.Draft{
		Summary:  title,
		Start:    start,
		Duration: time.Duration(minutes) * time.Minute,
		Location: location,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("event created: %s at %s (%s)", title, start.Format("Mon 15:04"), uid), nil
}

// argString extracts a required non-empty string argument.
func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("missing argument %q", key)
	}
	return strings.TrimSpace(v), nil
}

// argInt extracts an integer argument. JSON numbers decode as float64;
// models occasionally quote them.
func argInt(args map[string]any, key string) (int64, error) {
	switch v := args[key].(type) {
	case float64:
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("argument %q is not a number", key)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("missing argument %q", key)
	}
}

// argTime parses a time argument: RFC3339, or a local "2006-01-02
// 15:04" when the model omits the offset.
func argTime(args map[string]any, key string, loc *time.Location) (time.Time, error) {
	s, err := argString(args, key)
	if err != nil {
		return time.Time{}, err
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", s, loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("argument %q: cannot parse time %q", key, s)
}

// contactKnownChecker verifies contact_known:<name> evidence: the name
// resolves to a sendable chat id, or is itself a literal chat id.
func contactKnownChecker(store *contacts.Store) supervisor.EvidenceChecker {
	return func(ctx context.Context, ref string) (bool, error) {
		if ref == "" {
			return false, nil
		}
		if strings.Contains(ref, "@") {
			return contacts.NormalizeChatID(ref) != "", nil
		}
		chatID, err := store.ChatIDFor(ref)
		if err != nil {
			return false, err
		}
		return chatID != "", nil
	}
}

// entityExistsChecker verifies entity_exists:<ref> evidence. Only task
// refs ("task:12") are resolvable; anything else counts as missing.
func entityExistsChecker(store *tasks.Store) supervisor.EvidenceChecker {
	return func(ctx context.Context, ref string) (bool, error) {
		idStr, ok := strings.CutPrefix(ref, "task:")
		if !ok {
			return false, nil
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return false, nil
		}
		t, err := store.Get(id)
		if err != nil {
			return false, err
		}
		return t != nil, nil
	}
}
