package commands

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tallow/seneschal/internal/autonomy"
	"github.com/tallow/seneschal/internal/contacts"
	"github.com/tallow/seneschal/internal/digest"
	"github.com/tallow/seneschal/internal/events"
	"github.com/tallow/seneschal/internal/governor"
	"github.com/tallow/seneschal/internal/plan"
	"github.com/tallow/seneschal/internal/planner"
	"github.com/tallow/seneschal/internal/request"
	"github.com/tallow/seneschal/internal/settings"
	"github.com/tallow/seneschal/internal/supervisor"
	"github.com/tallow/seneschal/internal/tasks"
	"github.com/tallow/seneschal/internal/throttle"
)

// noon is a Saturday inside the default strong window.
var noon = time.Date(2026, 3, 14, 13, 0, 0, 0, time.UTC)

type sent struct {
	chatID string
	text   string
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (d *fakeDispatcher) SendText(ctx context.Context, chatID, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, sent{chatID: chatID, text: text})
	return nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

func (d *fakeDispatcher) last() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sent) == 0 {
		return ""
	}
	return d.sent[len(d.sent)-1].text
}

type fakePlanner struct {
	raw   string
	err   error
	last  planner.Request
	calls int
}

func (p *fakePlanner) Plan(ctx context.Context, req planner.Request) (string, error) {
	p.calls++
	p.last = req
	if p.err != nil {
		return "", p.err
	}
	return p.raw, nil
}

type harness struct {
	router    *Router
	dispatch  *fakeDispatcher
	planner   *fakePlanner
	set       *settings.Store
	tasks     *tasks.Store
	requests  *request.Store
	auto      *autonomy.Manager
	people    *contacts.Store
	sup       *supervisor.Supervisor
	bus       *events.Bus
	toolCalls []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.New()

	set, err := settings.NewStore(db)
	if err != nil {
		t.Fatalf("settings store: %v", err)
	}
	th, err := throttle.New(db, set, time.UTC)
	if err != nil {
		t.Fatalf("throttle: %v", err)
	}
	gov, err := governor.New(db, set, time.UTC, bus)
	if err != nil {
		t.Fatalf("governor: %v", err)
	}
	reqs, err := request.NewStore(db)
	if err != nil {
		t.Fatalf("request store: %v", err)
	}
	auto, err := autonomy.NewManager(db)
	if err != nil {
		t.Fatalf("autonomy: %v", err)
	}
	taskStore, err := tasks.NewStore(db)
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	people, err := contacts.NewStore(db, quiet)
	if err != nil {
		t.Fatalf("contacts: %v", err)
	}
	audit, err := supervisor.NewAuditStore(db)
	if err != nil {
		t.Fatalf("audit store: %v", err)
	}
	val, err := plan.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}

	sup := supervisor.New(audit, auto, bus, quiet)
	disp := &fakeDispatcher{}
	fp := &fakePlanner{raw: `{"reply":"Hello!","steps":[]}`}

	h := &harness{
		dispatch: disp,
		planner:  fp,
		set:      set,
		tasks:    taskStore,
		requests: reqs,
		auto:     auto,
		people:   people,
		sup:      sup,
		bus:      bus,
	}
	sup.RegisterTool(supervisor.Tool{
		Name:   "message.send",
		Domain: "messaging",
		Risk:   plan.RiskLow,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			h.toolCalls = append(h.toolCalls, "message.send")
			return "sent", nil
		},
	})
	sup.RegisterTool(supervisor.Tool{
		Name:   "calendar.create_event",
		Domain: "calendar",
		Risk:   plan.RiskHigh,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			h.toolCalls = append(h.toolCalls, "calendar.create_event")
			return "created", nil
		},
	})
	sup.EnableDomain("messaging")
	sup.EnableDomain("calendar")

	h.router = New(Config{
		Governor:   gov,
		Autonomy:   auto,
		Tasks:      taskStore,
		Throttle:   th,
		Digest:     digest.New(th, reqs, set, time.UTC),
		Generator:  request.NewGenerator(reqs, set, th),
		Requests:   reqs,
		Contacts:   people,
		Settings:   set,
		Supervisor: sup,
		Validator:  val,
		Planner:    fp,
		Dispatcher: disp,
		Tools:      []planner.ToolSpec{{Name: "message.send", Domain: "messaging", Risk: "low"}},
		Bus:        bus,
		Location:   time.UTC,
		Logger:     quiet,
	})
	h.router.nowFunc = func() time.Time { return noon }
	sup.RegisterEvidence("user_confirmed", h.router.ConfirmationChecker())
	return h
}

func ownerMsg(text string) Message {
	return Message{ChatID: "4915551234@c.us", Sender: "4915551234@c.us", SenderName: "Owner", Text: text}
}

func (h *harness) handle(t *testing.T, text string) string {
	t.Helper()
	before := h.dispatch.count()
	h.router.Handle(context.Background(), ownerMsg(text))
	if h.dispatch.count() == before {
		return ""
	}
	return h.dispatch.last()
}

func TestFocusCommand(t *testing.T) {
	h := newHarness(t)

	reply := h.handle(t, "Focus for 2 hours")
	if !strings.Contains(reply, "Focus until 15:00") {
		t.Errorf("reply = %q", reply)
	}

	reply = h.handle(t, "proactive status")
	if !strings.Contains(reply, "Mode: focus until 15:00") {
		t.Errorf("status after focus = %q", reply)
	}
}

func TestNoInterruptionsAlias(t *testing.T) {
	h := newHarness(t)

	reply := h.handle(t, "no interruptions for 1 hour")
	if !strings.Contains(reply, "Focus until 14:00") {
		t.Errorf("reply = %q", reply)
	}
}

func TestFocusMinutes(t *testing.T) {
	h := newHarness(t)

	reply := h.handle(t, "focus for 90 minutes")
	if !strings.Contains(reply, "Focus until 14:30") {
		t.Errorf("reply = %q", reply)
	}
}

func TestUrgentOnlyAndBack(t *testing.T) {
	h := newHarness(t)

	reply := h.handle(t, "urgent only")
	if !strings.Contains(reply, "Urgent only") {
		t.Errorf("reply = %q", reply)
	}
	reply = h.handle(t, "status")
	if !strings.Contains(reply, "Mode: urgent_only") {
		t.Errorf("status = %q", reply)
	}
	reply = h.handle(t, "NORMAL")
	if reply != "Back to normal." {
		t.Errorf("reply = %q", reply)
	}
}

func TestStatusReport(t *testing.T) {
	h := newHarness(t)

	reply := h.handle(t, "proactive status")
	for _, want := range []string{
		"Mode: normal",
		"Quiet hours: no. Strong window: yes.",
		"Sent today: 0 of 5",
		"Digest: due 21:00",
		"Open request: none",
		"Autonomy: none",
	} {
		if !strings.Contains(reply, want) {
			t.Errorf("status missing %q:\n%s", want, reply)
		}
	}
}

func TestAutonomyLifecycle(t *testing.T) {
	h := newHarness(t)

	reply := h.handle(t, "autonomy on 2 hours for calendar")
	if !strings.Contains(reply, "Autonomy for calendar until 15:00") {
		t.Errorf("grant reply = %q", reply)
	}

	reply = h.handle(t, "autonomy status")
	if !strings.Contains(reply, "calendar until 15:00") {
		t.Errorf("status reply = %q", reply)
	}

	reply = h.handle(t, "autonomy off calendar")
	if reply != "Autonomy for calendar revoked." {
		t.Errorf("revoke reply = %q", reply)
	}

	reply = h.handle(t, "autonomy off calendar")
	if reply != "No autonomy window for calendar." {
		t.Errorf("second revoke reply = %q", reply)
	}

	reply = h.handle(t, "autonomy status")
	if !strings.Contains(reply, "No active autonomy windows") {
		t.Errorf("empty status reply = %q", reply)
	}
}

func TestAutonomyOnUsage(t *testing.T) {
	h := newHarness(t)

	reply := h.handle(t, "autonomy on")
	if !strings.Contains(reply, "autonomy on 2 hours for calendar") {
		t.Errorf("usage reply = %q", reply)
	}
}

func TestTaskCommands(t *testing.T) {
	h := newHarness(t)

	reply := h.handle(t, "task add Buy milk by 17:00")
	if !strings.Contains(reply, "Added task 1: Buy milk (due Sat 17:00)") {
		t.Errorf("add reply = %q", reply)
	}

	reply = h.handle(t, "task add water plants")
	if !strings.Contains(reply, "Added task 2: water plants.") {
		t.Errorf("undated add reply = %q", reply)
	}

	reply = h.handle(t, "tasks")
	if !strings.Contains(reply, "1: Buy milk (due Sat 17:00)") || !strings.Contains(reply, "2: water plants") {
		t.Errorf("list reply = %q", reply)
	}

	reply = h.handle(t, "task done 1")
	if reply != "Done: Buy milk." {
		t.Errorf("done reply = %q", reply)
	}

	reply = h.handle(t, "task done 99")
	if !strings.Contains(reply, "No task 99") {
		t.Errorf("missing-task reply = %q", reply)
	}
}

func TestParseWhen(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"17:00", time.Date(2026, 3, 14, 17, 0, 0, 0, time.UTC), true},
		// Already past at 13:00, so it rolls to tomorrow.
		{"09:00", time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC), true},
		{"tomorrow", time.Date(2026, 3, 15, 18, 0, 0, 0, time.UTC), true},
		{"tomorrow 9:15", time.Date(2026, 3, 15, 9, 15, 0, 0, time.UTC), true},
		{"2026-03-20 14:00", time.Date(2026, 3, 20, 14, 0, 0, 0, time.UTC), true},
		{"2026-03-20", time.Date(2026, 3, 20, 18, 0, 0, 0, time.UTC), true},
		{"friday", time.Time{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := parseWhen(tc.in, noon, time.UTC)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && !got.Equal(tc.want) {
				t.Errorf("parseWhen(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestDigestNow(t *testing.T) {
	h := newHarness(t)

	reply := h.handle(t, "digest now")
	if !strings.Contains(reply, "Daily digest") {
		t.Errorf("digest reply = %q", reply)
	}

	reply = h.handle(t, "digest now")
	if reply != "Today's digest already went out." {
		t.Errorf("second digest reply = %q", reply)
	}
}

func openRequest(t *testing.T, h *harness, kind string) {
	t.Helper()
	for _, item := range request.Checklist() {
		if item.Kind == kind {
			if _, err := h.requests.Create(item, noon.Add(-time.Hour)); err != nil {
				t.Fatalf("create request: %v", err)
			}
			return
		}
	}
	t.Fatalf("no checklist item %q", kind)
}

func TestAnswerResolvesOpenRequest(t *testing.T) {
	h := newHarness(t)
	openRequest(t, h, "default_contact")

	reply := h.handle(t, "Marta")
	if !strings.Contains(reply, "saved default_contact") {
		t.Errorf("answer reply = %q", reply)
	}

	v, err := h.set.Get("default_contact")
	if err != nil {
		t.Fatalf("get setting: %v", err)
	}
	if v != "Marta" {
		t.Errorf("default_contact = %q, want Marta", v)
	}
	if h.planner.calls != 0 {
		t.Error("answer should not reach the planner")
	}
}

func TestSkipSnoozesOpenRequest(t *testing.T) {
	h := newHarness(t)
	openRequest(t, h, "home_address")

	reply := h.handle(t, "skip")
	if !strings.Contains(reply, "13 Apr") {
		t.Errorf("snooze reply = %q", reply)
	}
}

func TestSkipWithoutOpenRequest(t *testing.T) {
	h := newHarness(t)

	reply := h.handle(t, "skip")
	if reply != "Nothing to skip right now." {
		t.Errorf("reply = %q", reply)
	}
	if h.planner.calls != 0 {
		t.Error("bare skip should not reach the planner")
	}
}

func TestCommandsBeatOpenRequest(t *testing.T) {
	h := newHarness(t)
	openRequest(t, h, "home_address")

	reply := h.handle(t, "tasks")
	if reply != "No open tasks." {
		t.Errorf("reply = %q", reply)
	}
	open, err := h.requests.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if open == nil {
		t.Error("command consumed the open request")
	}
}

func TestUnknownTextGoesToPlanner(t *testing.T) {
	h := newHarness(t)

	reply := h.handle(t, "what's the plan for today?")
	if reply != "Hello!" {
		t.Errorf("reply = %q", reply)
	}
	if h.planner.last.UserText != "what's the plan for today?" {
		t.Errorf("planner got %q", h.planner.last.UserText)
	}
	if len(h.planner.last.Tools) == 0 {
		t.Error("planner got no tool catalog")
	}
}

func TestPlannerUnreachable(t *testing.T) {
	h := newHarness(t)
	h.planner.err = errors.New("connection refused")

	reply := h.handle(t, "do something")
	if !strings.Contains(reply, "planner is unreachable") {
		t.Errorf("reply = %q", reply)
	}
}

func TestInvalidPlanRejected(t *testing.T) {
	h := newHarness(t)
	h.planner.raw = "I would suggest doing nothing."

	reply := h.handle(t, "do something")
	if !strings.Contains(reply, "Mind rephrasing?") {
		t.Errorf("reply = %q", reply)
	}
	if len(h.toolCalls) != 0 {
		t.Errorf("tools ran on an invalid plan: %v", h.toolCalls)
	}
}

func TestPlanExecutesTool(t *testing.T) {
	h := newHarness(t)
	h.planner.raw = `{"reply":"Texted them.","steps":[{"tool":"message.send","domain":"messaging","risk":"low","args":{"text":"hi"}}]}`

	reply := h.handle(t, "text marta hi")
	if reply != "Texted them." {
		t.Errorf("reply = %q", reply)
	}
	if len(h.toolCalls) != 1 || h.toolCalls[0] != "message.send" {
		t.Errorf("tool calls = %v", h.toolCalls)
	}
}

func TestHighRiskNeedsAutonomyWindow(t *testing.T) {
	h := newHarness(t)
	h.planner.raw = `{"steps":[{"tool":"calendar.create_event","domain":"calendar","risk":"high","args":{"title":"Dentist"}}]}`

	reply := h.handle(t, "book the dentist")
	if !strings.Contains(reply, "no active autonomy window for calendar") {
		t.Errorf("denial reply = %q", reply)
	}
	if len(h.toolCalls) != 0 {
		t.Errorf("high-risk tool ran without a window: %v", h.toolCalls)
	}

	// The supervisor checks autonomy against the wall clock, so the
	// grant must be issued against it too.
	if _, err := h.auto.Grant("calendar", time.Hour, time.Now()); err != nil {
		t.Fatalf("grant: %v", err)
	}
	reply = h.handle(t, "book the dentist")
	if reply != "Done." {
		t.Errorf("reply after grant = %q", reply)
	}
	if len(h.toolCalls) != 1 || h.toolCalls[0] != "calendar.create_event" {
		t.Errorf("tool calls = %v", h.toolCalls)
	}
}

func TestUserConfirmedFlow(t *testing.T) {
	h := newHarness(t)
	h.planner.raw = `{"steps":[{"tool":"message.send","domain":"messaging","risk":"low","args":{"text":"hi"},"required_evidence":["user_confirmed"]}]}`

	reply := h.handle(t, "text marta hi")
	if !strings.Contains(reply, `Reply "confirm" to run it`) {
		t.Errorf("hold reply = %q", reply)
	}
	if len(h.toolCalls) != 0 {
		t.Errorf("tool ran before confirmation: %v", h.toolCalls)
	}

	reply = h.handle(t, "confirm")
	if reply != "Done." {
		t.Errorf("confirm reply = %q", reply)
	}
	if len(h.toolCalls) != 1 {
		t.Errorf("tool calls after confirm = %v", h.toolCalls)
	}

	reply = h.handle(t, "confirm")
	if reply != "Nothing is waiting on a confirmation." {
		t.Errorf("stale confirm reply = %q", reply)
	}
}

func TestNonOwnerIgnored(t *testing.T) {
	h := newHarness(t)
	if err := h.set.Set(settings.KeyNotifyChatID, "4915551234@c.us"); err != nil {
		t.Fatalf("set notify chat: %v", err)
	}

	h.router.Handle(context.Background(), Message{
		ChatID: "4900000000@c.us", Sender: "4900000000@c.us", SenderName: "Stranger", Text: "status",
	})
	if h.dispatch.count() != 0 {
		t.Errorf("replied to a non-owner chat: %q", h.dispatch.last())
	}

	// The sighting still lands in contacts for recipient resolution.
	c, err := h.people.FindByChatID("4900000000@c.us")
	if err != nil {
		t.Fatalf("find contact: %v", err)
	}
	if c == nil {
		t.Error("non-owner message not recorded in contacts")
	}

	if reply := h.handle(t, "tasks"); reply != "No open tasks." {
		t.Errorf("owner reply = %q", reply)
	}
}

func TestRunConsumesBus(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.router.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("router never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.bus.Publish(events.Event{
		Timestamp: noon,
		Source:    events.SourceGateway,
		Kind:      events.KindMessageReceived,
		Data: map[string]any{
			"chat_id":     "4915551234@c.us",
			"sender":      "4915551234@c.us",
			"sender_name": "Owner",
			"text":        "tasks",
		},
	})

	for h.dispatch.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no reply to bus message")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.dispatch.last(); got != "No open tasks." {
		t.Errorf("reply = %q", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
