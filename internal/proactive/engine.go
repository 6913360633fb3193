// Package proactive runs the periodic tick that turns source candidates
// into outbound messages, gated by the mode governor and the trigger
// throttle. The engine holds no state between ticks; anything a future
// tick needs lives in the stores, so a restart mid-cycle loses nothing.
package proactive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tallow/seneschal/internal/digest"
	"github.com/tallow/seneschal/internal/events"
	"github.com/tallow/seneschal/internal/governor"
	"github.com/tallow/seneschal/internal/request"
	"github.com/tallow/seneschal/internal/throttle"
	"github.com/tallow/seneschal/internal/trigger"
)

// sourceTimeout bounds a single source poll so one stuck integration
// cannot stall the whole tick.
const sourceTimeout = 30 * time.Second

// Source produces trigger candidates for a tick. Implementations live
// in the calendar, tasks, mailwatch and forge packages.
type Source interface {
	Name() string
	Candidates(ctx context.Context, now time.Time) ([]trigger.Trigger, error)
}

// Dispatcher delivers outbound text to the owner. Satisfied by
// *gateway.Client.
type Dispatcher interface {
	SendText(ctx context.Context, chatID, text string) error
}

// Config holds the dependencies for an Engine.
type Config struct {
	Sources    []Source
	Governor   *governor.Governor
	Throttle   *throttle.Throttle
	Digest     *digest.Composer
	Requests   *request.Generator
	Dispatcher Dispatcher

	// Recipient resolves the chat id outbound messages go to. Looked up
	// on every send so a settings change takes effect without a restart.
	Recipient func() (string, error)

	Bus    *events.Bus
	Logger *slog.Logger
}

// Stats summarizes one tick for logs and the event bus.
type Stats struct {
	Candidates int
	Dispatched int
	Deferred   int
	Suppressed int
	Throttled  int
}

// Engine drives the proactive cycle. Ticks are serialized; the
// scheduler may double-fire around clock changes and an overlapping
// Tick must wait rather than race the throttle.
type Engine struct {
	sources    []Source
	governor   *governor.Governor
	throttle   *throttle.Throttle
	digest     *digest.Composer
	requests   *request.Generator
	dispatcher Dispatcher
	recipient  func() (string, error)
	bus        *events.Bus
	logger     *slog.Logger

	mu sync.Mutex
}

// New creates the tick engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		sources:    cfg.Sources,
		governor:   cfg.Governor,
		throttle:   cfg.Throttle,
		digest:     cfg.Digest,
		requests:   cfg.Requests,
		dispatcher: cfg.Dispatcher,
		recipient:  cfg.Recipient,
		bus:        cfg.Bus,
		logger:     logger.With("component", "proactive"),
	}
}

// Tick runs one proactive cycle at now: poll sources, dispatch what the
// governor and throttle let through, then handle the digest and request
// boundaries. Per-item failures are logged and never abort the cycle.
func (e *Engine) Tick(ctx context.Context, now time.Time) Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	candidates := e.collect(ctx, now)
	trigger.Sort(candidates)

	stats := Stats{Candidates: len(candidates)}
	for _, tr := range candidates {
		switch e.deliver(ctx, tr, now) {
		case outcomeDispatched:
			stats.Dispatched++
		case outcomeDeferred:
			stats.Deferred++
		case outcomeSuppressed:
			stats.Suppressed++
		case outcomeThrottled:
			stats.Throttled++
		}
	}

	e.runDigest(ctx, now)
	e.runRequest(ctx, now)

	e.logger.Info("tick complete",
		"candidates", stats.Candidates,
		"dispatched", stats.Dispatched,
		"deferred", stats.Deferred,
		"suppressed", stats.Suppressed,
		"throttled", stats.Throttled,
	)
	e.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceProactive,
		Kind:      events.KindTickComplete,
		Data: map[string]any{
			"candidates": stats.Candidates,
			"dispatched": stats.Dispatched,
			"deferred":   stats.Deferred,
			"suppressed": stats.Suppressed,
			"throttled":  stats.Throttled,
		},
	})
	return stats
}

// collect polls every source. A failing source logs and contributes
// nothing; the others still run.
func (e *Engine) collect(ctx context.Context, now time.Time) []trigger.Trigger {
	var out []trigger.Trigger
	for _, src := range e.sources {
		cands, err := e.poll(ctx, src, now)
		if err != nil {
			e.logger.Warn("source poll failed",
				"source", src.Name(),
				"error", err,
			)
			continue
		}
		out = append(out, cands...)
	}
	return out
}

// poll queries one source with a bounded timeout, retrying once unless
// the parent context is already done.
func (e *Engine) poll(ctx context.Context, src Source, now time.Time) ([]trigger.Trigger, error) {
	cands, err := e.pollOnce(ctx, src, now)
	if err == nil || ctx.Err() != nil {
		return cands, err
	}
	e.logger.Debug("source poll retrying",
		"source", src.Name(),
		"error", err,
	)
	return e.pollOnce(ctx, src, now)
}

func (e *Engine) pollOnce(ctx context.Context, src Source, now time.Time) ([]trigger.Trigger, error) {
	sctx, cancel := context.WithTimeout(ctx, sourceTimeout)
	defer cancel()
	return src.Candidates(sctx, now)
}

type outcome int

const (
	outcomeError outcome = iota
	outcomeDispatched
	outcomeDeferred
	outcomeSuppressed
	outcomeThrottled
)

// deliver pushes a single trigger through the mode and throttle gates
// and, if both pass, out the dispatcher.
func (e *Engine) deliver(ctx context.Context, tr trigger.Trigger, now time.Time) outcome {
	verdict, err := e.governor.MayFire(tr.Priority, now)
	if err != nil {
		e.logger.Error("mode check failed", "entity", tr.EntityID, "error", err)
		return outcomeError
	}
	switch verdict {
	case governor.VerdictSuppress:
		e.logger.Debug("trigger suppressed", "kind", tr.Kind, "entity", tr.EntityID)
		return outcomeSuppressed
	case governor.VerdictDefer:
		e.logger.Debug("trigger deferred", "kind", tr.Kind, "entity", tr.EntityID)
		return outcomeDeferred
	}

	dec, err := e.throttle.Allow(tr.Kind, tr.EntityID, now)
	if err != nil {
		e.logger.Error("throttle check failed", "entity", tr.EntityID, "error", err)
		return outcomeError
	}
	if !dec.Allowed {
		e.logger.Debug("trigger throttled",
			"kind", tr.Kind,
			"entity", tr.EntityID,
			"reason", dec.Reason,
		)
		return outcomeThrottled
	}

	// Allow reserved one of today's slots. Give it back on any failure
	// past this point so a transient error does not burn the budget.
	chatID, err := e.recipient()
	if err != nil {
		e.release(now)
		e.logger.Warn("no recipient for trigger", "entity", tr.EntityID, "error", err)
		return outcomeError
	}
	if err := e.dispatcher.SendText(ctx, chatID, formatTrigger(tr)); err != nil {
		e.release(now)
		e.logger.Warn("trigger send failed", "entity", tr.EntityID, "error", err)
		return outcomeError
	}

	if err := e.throttle.RecordDispatch(tr, now); err != nil {
		e.logger.Error("dispatch record failed", "entity", tr.EntityID, "error", err)
	}
	e.logger.Info("trigger dispatched",
		"kind", tr.Kind,
		"entity", tr.EntityID,
		"priority", tr.Priority,
	)
	e.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceProactive,
		Kind:      events.KindTriggerDispatched,
		Data: map[string]any{
			"kind":     string(tr.Kind),
			"entity":   tr.EntityID,
			"priority": string(tr.Priority),
		},
	})
	return outcomeDispatched
}

func (e *Engine) release(now time.Time) {
	if err := e.throttle.Release(now); err != nil {
		e.logger.Error("throttle release failed", "error", err)
	}
}

// runDigest sends the evening digest once the configured time has
// passed, at most once per day.
func (e *Engine) runDigest(ctx context.Context, now time.Time) {
	due, err := e.digest.Due(now)
	if err != nil {
		e.logger.Error("digest due check failed", "error", err)
		return
	}
	if !due {
		return
	}

	d, err := e.digest.Compose(now)
	if err != nil {
		e.logger.Error("digest compose failed", "error", err)
		return
	}
	if d == nil {
		// Someone else claimed today's slot between the due check and
		// the claim.
		return
	}

	chatID, err := e.recipient()
	if err != nil {
		e.releaseDigest(now)
		e.logger.Warn("no recipient for digest", "error", err)
		return
	}
	if err := e.dispatcher.SendText(ctx, chatID, d.Text); err != nil {
		e.releaseDigest(now)
		e.logger.Warn("digest send failed", "error", err)
		return
	}

	if err := e.digest.MarkSent(now); err != nil {
		e.logger.Error("digest dispatch record failed", "error", err)
	}
	e.logger.Info("digest sent",
		"items", len(d.Items),
		"attention", len(d.Attention),
	)
	e.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceProactive,
		Kind:      events.KindDigestSent,
		Data: map[string]any{
			"items":     len(d.Items),
			"attention": len(d.Attention),
			"empty":     d.Empty(),
		},
	})
}

func (e *Engine) releaseDigest(now time.Time) {
	if err := e.digest.Release(now); err != nil {
		e.logger.Error("digest release failed", "error", err)
	}
}

// runRequest asks one configuration question per day. Requests travel
// at normal priority, so the governor only lets them out inside the
// strong window while the mode is normal.
func (e *Engine) runRequest(ctx context.Context, now time.Time) {
	verdict, err := e.governor.MayFire(trigger.PriorityNormal, now)
	if err != nil {
		e.logger.Error("mode check failed for request", "error", err)
		return
	}
	if verdict != governor.VerdictFire {
		return
	}

	r, err := e.requests.Next(now)
	if err != nil {
		e.logger.Error("request generation failed", "error", err)
		return
	}
	if r == nil {
		return
	}

	chatID, err := e.recipient()
	if err != nil {
		e.abortRequest(r, now)
		e.logger.Warn("no recipient for request", "kind", r.Kind, "error", err)
		return
	}
	if err := e.dispatcher.SendText(ctx, chatID, r.Question); err != nil {
		e.abortRequest(r, now)
		e.logger.Warn("request send failed", "kind", r.Kind, "error", err)
		return
	}

	e.logger.Info("request sent", "kind", r.Kind, "id", r.ID)
	e.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceProactive,
		Kind:      events.KindRequestCreated,
		Data:      map[string]any{"kind": r.Kind, "id": r.ID},
	})
}

func (e *Engine) abortRequest(r *request.Request, now time.Time) {
	if err := e.requests.Abort(r, now); err != nil {
		e.logger.Error("request abort failed", "kind", r.Kind, "error", err)
	}
}

// formatTrigger renders the outbound message for a trigger. Callers of
// the dispatcher write markdown; the gateway owns the transport form.
func formatTrigger(tr trigger.Trigger) string {
	if tr.Detail == "" {
		return "**" + tr.Title + "**"
	}
	return "**" + tr.Title + "**\n" + tr.Detail
}
