// Package commands routes inbound chat text. Structured commands run
// directly against the stores, a reply while a clarifying request is
// open resolves that request, and anything else goes to the planner
// and from there through the action supervisor.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

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

// handleTimeout bounds one inbound message end to end, including the
// planner call and any tool execution.
const handleTimeout = 5 * time.Minute

// confirmTTL is how long a plan waits for its "confirm" reply before
// it is discarded.
const confirmTTL = 10 * time.Minute

// defaultDueHour is the local hour a bare "by tomorrow" or a date
// without a time resolves to.
const defaultDueHour = 18

// Planner produces a raw plan for free-form text. Satisfied by
// *planner.Client.
type Planner interface {
	Plan(ctx context.Context, req planner.Request) (string, error)
}

// Dispatcher sends chat replies. Satisfied by *gateway.Client.
type Dispatcher interface {
	SendText(ctx context.Context, chatID, text string) error
}

// Message is one inbound chat message, decoded from the bus.
type Message struct {
	ChatID     string
	Sender     string
	SenderName string
	Text       string
}

// Config holds the router's collaborators.
type Config struct {
	Governor   *governor.Governor
	Autonomy   *autonomy.Manager
	Tasks      *tasks.Store
	Throttle   *throttle.Throttle
	Digest     *digest.Composer
	Generator  *request.Generator
	Requests   *request.Store
	Contacts   *contacts.Store
	Settings   *settings.Store
	Supervisor *supervisor.Supervisor
	Validator  *plan.Validator
	Planner    Planner
	Dispatcher Dispatcher

	// Tools is the catalog offered to the planner. It should mirror the
	// adapters registered with the supervisor.
	Tools []planner.ToolSpec

	Bus      *events.Bus
	Location *time.Location
	Logger   *slog.Logger
}

// Router handles one chat conversation's worth of commands. Handling
// is serialized, so a command racing another command (or a "confirm"
// racing its plan) always sees consistent state.
type Router struct {
	gov       *governor.Governor
	auto      *autonomy.Manager
	tasks     *tasks.Store
	throttle  *throttle.Throttle
	digest    *digest.Composer
	generator *request.Generator
	requests  *request.Store
	contacts  *contacts.Store
	settings  *settings.Store
	sup       *supervisor.Supervisor
	validator *plan.Validator
	planner   Planner
	dispatch  Dispatcher
	tools     []planner.ToolSpec
	bus       *events.Bus
	loc       *time.Location
	logger    *slog.Logger

	nowFunc func() time.Time

	mu        sync.Mutex
	pending   *plan.Plan // plan held back for a "confirm" reply
	pendingAt time.Time
	confirmed bool // true only while replaying a confirmed plan
}

// New creates the command router.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Router{
		gov:       cfg.Governor,
		auto:      cfg.Autonomy,
		tasks:     cfg.Tasks,
		throttle:  cfg.Throttle,
		digest:    cfg.Digest,
		generator: cfg.Generator,
		requests:  cfg.Requests,
		contacts:  cfg.Contacts,
		settings:  cfg.Settings,
		sup:       cfg.Supervisor,
		validator: cfg.Validator,
		planner:   cfg.Planner,
		dispatch:  cfg.Dispatcher,
		tools:     cfg.Tools,
		bus:       cfg.Bus,
		loc:       loc,
		logger:    logger.With("component", "commands"),
		nowFunc:   time.Now,
	}
}

// ConfirmationChecker returns the user_confirmed evidence checker. It
// verifies only while the router is replaying a plan the user just
// confirmed; any other evaluation of user_confirmed fails.
func (r *Router) ConfirmationChecker() supervisor.EvidenceChecker {
	return func(ctx context.Context, ref string) (bool, error) {
		return r.confirmed, nil
	}
}

// Run consumes inbound message events from the bus until ctx is
// cancelled.
func (r *Router) Run(ctx context.Context) {
	ch := r.bus.Subscribe(64)
	defer r.bus.Unsubscribe(ch)
	r.logger.Info("command router started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("command router stopping")
			return
		case ev := <-ch:
			if ev.Kind != events.KindMessageReceived {
				continue
			}
			msg := messageFromEvent(ev)
			if msg.ChatID == "" || strings.TrimSpace(msg.Text) == "" {
				continue
			}
			r.Handle(ctx, msg)
		}
	}
}

func messageFromEvent(ev events.Event) Message {
	str := func(key string) string {
		v, _ := ev.Data[key].(string)
		return v
	}
	return Message{
		ChatID:     str("chat_id"),
		Sender:     str("sender"),
		SenderName: str("sender_name"),
		Text:       str("text"),
	}
}

// Handle processes one inbound message and replies in the same chat.
func (r *Router) Handle(ctx context.Context, msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	now := r.nowFunc()
	if err := r.contacts.RecordSeen(msg.ChatID, msg.SenderName, now); err != nil {
		r.logger.Warn("record seen failed", "chat_id", msg.ChatID, "error", err)
	}
	if !r.fromOwner(msg.ChatID) {
		r.logger.Debug("ignoring message from non-owner chat", "chat_id", msg.ChatID)
		return
	}

	r.logger.Info("message received",
		"chat_id", msg.ChatID,
		"text_len", len(msg.Text),
	)

	reply := r.route(ctx, msg, now)
	if reply == "" {
		return
	}
	if err := r.dispatch.SendText(ctx, msg.ChatID, reply); err != nil {
		r.logger.Error("reply send failed", "chat_id", msg.ChatID, "error", err)
	}
}

// fromOwner reports whether the message came from the configured notify
// chat. While no notify chat is configured every chat is accepted, so
// the bootstrap question about where to send messages can be answered.
func (r *Router) fromOwner(chatID string) bool {
	notify, err := r.settings.NotifyChatID()
	if errors.Is(err, settings.ErrMissing) {
		return true
	}
	if err != nil {
		r.logger.Error("notify chat lookup failed", "error", err)
		return true
	}
	return notify == "" || chatID == notify
}

// focusRe matches "focus for 2 hours", "focus for 90 minutes", and the
// "no interruptions for N hours" alias.
var focusRe = regexp.MustCompile(`^(?:focus|no interruptions?)(?: for)? (\d+(?:\.\d+)?) ?(h|hr|hrs|hour|hours|m|min|mins|minute|minutes)$`)

// autonomyOnRe matches "autonomy on 2 hours for calendar".
var autonomyOnRe = regexp.MustCompile(`^autonomy on (\d+(?:\.\d+)?) ?(?:h|hr|hrs|hour|hours) for ([a-z][a-z0-9_-]*)$`)

func (r *Router) route(ctx context.Context, msg Message, now time.Time) string {
	text := strings.TrimSpace(msg.Text)
	lower := strings.ToLower(text)

	switch {
	case lower == "normal":
		return r.setNormal(now)
	case lower == "urgent only":
		return r.setUrgentOnly(now)
	case lower == "proactive status" || lower == "status":
		return r.statusReport(now)
	case lower == "autonomy status":
		return r.autonomyStatus(now)
	case lower == "autonomy off":
		return r.autonomyOffAll()
	case strings.HasPrefix(lower, "autonomy off "):
		return r.autonomyOff(strings.TrimSpace(lower[len("autonomy off "):]))
	case strings.HasPrefix(lower, "autonomy on"):
		return r.autonomyOn(lower, now)
	case lower == "tasks":
		return r.listTasks(now)
	case strings.HasPrefix(lower, "task add "):
		return r.taskAdd(text[len("task add "):], now)
	case strings.HasPrefix(lower, "task done "):
		return r.taskDone(strings.TrimSpace(lower[len("task done "):]), now)
	case lower == "digest now":
		return r.digestNow(ctx, msg.ChatID, now)
	case lower == "confirm" || lower == "yes":
		return r.confirmPending(ctx, now)
	}

	if m := focusRe.FindStringSubmatch(lower); m != nil {
		return r.setFocus(m[1], m[2], now)
	}

	// While a request is open, any other text answers it and "skip"
	// snoozes it.
	resolved, err := r.generator.Resolve(text, now)
	switch {
	case err == nil:
		return resolveReply(resolved, r.loc)
	case errors.Is(err, request.ErrNoOpenRequest):
	default:
		r.logger.Error("request resolve failed", "error", err)
		return "I couldn't save that answer. Try again in a moment."
	}

	if lower == request.DeclineToken {
		return "Nothing to skip right now."
	}
	return r.planAndRun(ctx, msg, text, now)
}

func (r *Router) setNormal(now time.Time) string {
	if _, err := r.gov.SetNormal(now); err != nil {
		r.logger.Error("set normal failed", "error", err)
		return "Couldn't switch modes. Try again."
	}
	return "Back to normal."
}

func (r *Router) setUrgentOnly(now time.Time) string {
	if _, err := r.gov.SetUrgentOnly(now); err != nil {
		r.logger.Error("set urgent only failed", "error", err)
		return "Couldn't switch modes. Try again."
	}
	return "Urgent only. Say \"normal\" when you want everything back."
}

func (r *Router) setFocus(num, unit string, now time.Time) string {
	n, err := strconv.ParseFloat(num, 64)
	if err != nil || n <= 0 {
		return "How long? Try \"focus for 2 hours\"."
	}
	d := time.Duration(n * float64(time.Hour))
	if strings.HasPrefix(unit, "m") {
		d = time.Duration(n * float64(time.Minute))
	}
	mode, err := r.gov.SetFocus(d, now)
	if err != nil {
		r.logger.Error("set focus failed", "error", err)
		return "Couldn't switch modes. Try again."
	}
	return fmt.Sprintf("Focus until %s. Only urgent interruptions until then.",
		mode.ExpiresAt.In(r.loc).Format("15:04"))
}

func (r *Router) autonomyOn(lower string, now time.Time) string {
	m := autonomyOnRe.FindStringSubmatch(lower)
	if m == nil {
		return "Try \"autonomy on 2 hours for calendar\"."
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil || n <= 0 {
		return "Try \"autonomy on 2 hours for calendar\"."
	}
	w, err := r.auto.Grant(m[2], time.Duration(n*float64(time.Hour)), now)
	if err != nil {
		r.logger.Error("autonomy grant failed", "domain", m[2], "error", err)
		return "Couldn't open that window. Try again."
	}
	return fmt.Sprintf("Autonomy for %s until %s.",
		w.Domain, w.ExpiresAt.In(r.loc).Format("15:04"))
}

func (r *Router) autonomyOff(domain string) string {
	removed, err := r.auto.Revoke(domain)
	if err != nil {
		r.logger.Error("autonomy revoke failed", "domain", domain, "error", err)
		return "Couldn't revoke that window. Try again."
	}
	if !removed {
		return fmt.Sprintf("No autonomy window for %s.", domain)
	}
	return fmt.Sprintf("Autonomy for %s revoked.", domain)
}

func (r *Router) autonomyOffAll() string {
	n, err := r.auto.RevokeAll()
	if err != nil {
		r.logger.Error("autonomy revoke all failed", "error", err)
		return "Couldn't revoke the windows. Try again."
	}
	if n == 0 {
		return "No autonomy windows to revoke."
	}
	if n == 1 {
		return "Revoked 1 autonomy window."
	}
	return fmt.Sprintf("Revoked %d autonomy windows.", n)
}

func (r *Router) autonomyStatus(now time.Time) string {
	wins, err := r.auto.Active(now)
	if err != nil {
		r.logger.Error("autonomy status failed", "error", err)
		return "Couldn't read the autonomy windows."
	}
	if len(wins) == 0 {
		return "No active autonomy windows. High-risk actions need one; say \"autonomy on 2 hours for calendar\"."
	}
	var b strings.Builder
	b.WriteString("**Autonomy windows**\n")
	for _, w := range wins {
		fmt.Fprintf(&b, "- %s until %s\n", w.Domain, w.ExpiresAt.In(r.loc).Format("15:04"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) taskAdd(rest string, now time.Time) string {
	title := strings.TrimSpace(rest)
	if title == "" {
		return "Add what? Try \"task add buy milk by 17:00\"."
	}
	var due *time.Time
	if idx := strings.LastIndex(strings.ToLower(title), " by "); idx >= 0 {
		if when, ok := parseWhen(title[idx+4:], now, r.loc); ok {
			due = &when
			title = strings.TrimSpace(title[:idx])
		}
	}
	t, err := r.tasks.Add(title, due, now)
	if err != nil {
		r.logger.Error("task add failed", "error", err)
		return "Couldn't add that task. Try again."
	}
	if t.DueAt != nil {
		return fmt.Sprintf("Added task %d: %s (due %s).",
			t.ID, t.Title, t.DueAt.In(r.loc).Format("Mon 15:04"))
	}
	return fmt.Sprintf("Added task %d: %s.", t.ID, t.Title)
}

func (r *Router) taskDone(arg string, now time.Time) string {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return "Which task number? Try \"task done 3\"."
	}
	t, err := r.tasks.Complete(id, now)
	if err != nil {
		r.logger.Warn("task complete failed", "id", id, "error", err)
		return fmt.Sprintf("No task %d on the list.", id)
	}
	return fmt.Sprintf("Done: %s.", t.Title)
}

func (r *Router) listTasks(now time.Time) string {
	open, err := r.tasks.Open()
	if err != nil {
		r.logger.Error("task list failed", "error", err)
		return "Couldn't read the task list."
	}
	if len(open) == 0 {
		return "No open tasks."
	}
	var b strings.Builder
	b.WriteString("**Open tasks**\n")
	for _, t := range open {
		switch {
		case t.DueAt == nil:
			fmt.Fprintf(&b, "- %d: %s\n", t.ID, t.Title)
		case t.Overdue(now):
			fmt.Fprintf(&b, "- %d: %s (overdue, was due %s)\n",
				t.ID, t.Title, t.DueAt.In(r.loc).Format("Mon 15:04"))
		default:
			fmt.Fprintf(&b, "- %d: %s (due %s)\n",
				t.ID, t.Title, t.DueAt.In(r.loc).Format("Mon 15:04"))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// digestNow forces the daily digest out immediately, to the chat that
// asked for it. It claims the same day slot as the scheduled path, so
// the evening tick will not send a second one.
func (r *Router) digestNow(ctx context.Context, chatID string, now time.Time) string {
	d, err := r.digest.Compose(now)
	if err != nil {
		r.logger.Error("digest compose failed", "error", err)
		return "Couldn't build the digest. Try again."
	}
	if d == nil {
		return "Today's digest already went out."
	}
	if err := r.dispatch.SendText(ctx, chatID, d.Text); err != nil {
		r.logger.Error("digest send failed", "error", err)
		if relErr := r.digest.Release(now); relErr != nil {
			r.logger.Error("digest release failed", "error", relErr)
		}
		return ""
	}
	if err := r.digest.MarkSent(now); err != nil {
		r.logger.Error("digest dispatch record failed", "error", err)
	}
	r.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceCommands,
		Kind:      events.KindDigestSent,
		Data: map[string]any{
			"items":     len(d.Items),
			"attention": len(d.Attention),
			"empty":     d.Empty(),
		},
	})
	return ""
}

func (r *Router) statusReport(now time.Time) string {
	st, err := r.gov.Status(now)
	if err != nil {
		r.logger.Error("status read failed", "error", err)
		return "Couldn't read the current mode."
	}

	var b strings.Builder
	b.WriteString("**Proactive status**\n")
	if st.State == governor.StateFocus && st.ExpiresAt != nil {
		fmt.Fprintf(&b, "Mode: focus until %s\n", st.ExpiresAt.In(r.loc).Format("15:04"))
	} else {
		fmt.Fprintf(&b, "Mode: %s\n", st.State)
	}
	fmt.Fprintf(&b, "Quiet hours: %s. Strong window: %s.\n",
		yesNo(st.QuietHours), yesNo(st.StrongWindow))

	sentN, err := r.throttle.SentToday(now)
	if err == nil {
		if limit, lerr := r.settings.DailyRateLimit(); lerr == nil {
			fmt.Fprintf(&b, "Sent today: %d of %d\n", sentN, limit)
		}
	}

	if digestDone, derr := r.digest.SentToday(now); derr == nil {
		if digestDone {
			b.WriteString("Digest: sent\n")
		} else if at, terr := r.settings.DigestTime(); terr == nil {
			fmt.Fprintf(&b, "Digest: due %s\n", at)
		}
	}

	if open, oerr := r.requests.Open(); oerr == nil {
		if open != nil {
			fmt.Fprintf(&b, "Open request: %s\n", open.Kind)
		} else {
			b.WriteString("Open request: none\n")
		}
	}

	wins, werr := r.auto.Active(now)
	if werr == nil {
		if len(wins) == 0 {
			b.WriteString("Autonomy: none")
		} else {
			parts := make([]string, 0, len(wins))
			for _, w := range wins {
				parts = append(parts, fmt.Sprintf("%s until %s",
					w.Domain, w.ExpiresAt.In(r.loc).Format("15:04")))
			}
			b.WriteString("Autonomy: " + strings.Join(parts, ", "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func resolveReply(res *request.Request, loc *time.Location) string {
	if res.Status == request.StatusSnoozed {
		if res.SnoozedUntil != nil {
			return fmt.Sprintf("Okay, I'll bring it up again around %s.",
				res.SnoozedUntil.In(loc).Format("2 Jan"))
		}
		return "Okay, I'll bring it up again later."
	}
	return fmt.Sprintf("Got it, saved %s.", res.Kind)
}

// confirmPending replays the plan held back for confirmation. The
// audit log already holds any steps that ran before the gate, so the
// replay skips them.
func (r *Router) confirmPending(ctx context.Context, now time.Time) string {
	if r.pending == nil {
		return "Nothing is waiting on a confirmation."
	}
	if now.Sub(r.pendingAt) > confirmTTL {
		r.pending = nil
		return "That plan expired. Ask me again."
	}

	p := r.pending
	r.pending = nil
	r.confirmed = true
	defer func() { r.confirmed = false }()

	outcome, err := r.sup.Execute(ctx, p)
	if err != nil {
		r.logger.Error("confirmed plan failed", "plan_id", p.ID, "error", err)
		return "Something went wrong applying that."
	}
	return r.outcomeReply(p, outcome, now)
}

func (r *Router) planAndRun(ctx context.Context, msg Message, text string, now time.Time) string {
	raw, err := r.planner.Plan(ctx, planner.Request{
		UserText: text,
		Context:  fmt.Sprintf("Current time: %s.", now.In(r.loc).Format("Monday 2006-01-02 15:04")),
		Tools:    r.tools,
	})
	if err != nil {
		r.logger.Warn("planner unavailable", "error", err)
		return "I can't plan anything right now, the planner is unreachable."
	}

	p, err := r.validator.Parse(raw)
	if err != nil {
		r.logger.Warn("planner output rejected", "error", err)
		return "I couldn't turn that into a plan I trust. Mind rephrasing?"
	}
	p.Origin = "chat:" + msg.ChatID

	outcome, err := r.sup.Execute(ctx, p)
	if err != nil {
		r.logger.Error("plan execution failed", "plan_id", p.ID, "error", err)
		return "Something went wrong applying that."
	}
	return r.outcomeReply(p, outcome, now)
}

// outcomeReply renders a supervisor outcome for chat. A plan stopped
// only by the user_confirmed gate is parked for a "confirm" reply
// instead of being reported as denied.
func (r *Router) outcomeReply(p *plan.Plan, o supervisor.Outcome, now time.Time) string {
	if o.Denial != nil && o.Denial.Kind == supervisor.DenialEvidence && o.Denial.Detail == "user_confirmed" {
		r.pending = p
		r.pendingAt = now
		return fmt.Sprintf("This needs your go-ahead: %s. Reply \"confirm\" to run it.", o.Denial.Tool)
	}

	switch o.Status {
	case supervisor.StatusFullyApplied:
		if p.Reply != "" {
			return p.Reply
		}
		if o.Executed == 0 {
			return "Nothing to do."
		}
		if o.Executed == 1 {
			return "Done."
		}
		return fmt.Sprintf("Done, %d steps applied.", o.Executed)
	case supervisor.StatusPartiallyApplied:
		reply := fmt.Sprintf("I applied %d of %d steps, then stopped.", o.Executed, len(p.Steps))
		if o.Denial != nil {
			reply += " " + o.Denial.Message()
		}
		return reply
	default:
		if o.Denial != nil {
			return o.Denial.Message()
		}
		return "I didn't run that."
	}
}

// parseWhen understands "17:00" (today, or tomorrow when already
// past), "tomorrow", "tomorrow 09:00", and "2006-01-02" dates with an
// optional time.
func parseWhen(s string, now time.Time, loc *time.Location) (time.Time, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	local := now.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	if strings.HasPrefix(s, "tomorrow") {
		rest := strings.TrimSpace(strings.TrimPrefix(s, "tomorrow"))
		day = day.AddDate(0, 0, 1)
		if rest == "" {
			return day.Add(defaultDueHour * time.Hour), true
		}
		if hm, err := time.Parse("15:04", rest); err == nil {
			return day.Add(clockOffset(hm)), true
		}
		return time.Time{}, false
	}
	if hm, err := time.Parse("15:04", s); err == nil {
		due := day.Add(clockOffset(hm))
		if !due.After(now) {
			due = due.AddDate(0, 0, 1)
		}
		return due, true
	}
	if dt, err := time.ParseInLocation("2006-01-02 15:04", s, loc); err == nil {
		return dt, true
	}
	if d, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return d.Add(defaultDueHour * time.Hour), true
	}
	return time.Time{}, false
}

func clockOffset(hm time.Time) time.Duration {
	return time.Duration(hm.Hour())*time.Hour + time.Duration(hm.Minute())*time.Minute
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
