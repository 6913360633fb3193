// Package events provides a lightweight in-process event bus for
// operational events: inbound gateway messages, tick outcomes, mode
// changes, supervisor activity, and connection health transitions.
// Publishers never block; slow subscribers miss events.
package events

import (
	"sync"
	"time"
)

// Sources name the publishing components.
const (
	// SourceGateway identifies events from the chat gateway.
	SourceGateway = "gateway"
	// SourceProactive identifies events from the proactive tick engine.
	SourceProactive = "proactive"
	// SourceGovernor identifies events from the mode governor.
	SourceGovernor = "governor"
	// SourceSupervisor identifies events from the action supervisor.
	SourceSupervisor = "supervisor"
	// SourceCommands identifies events from the chat command router.
	SourceCommands = "commands"
	// SourceConnwatch identifies events from connection health watching.
	SourceConnwatch = "connwatch"
)

// Kinds name what happened. Each source publishes its own set; the
// Data keys listed per kind are the payload contract.
const (
	// KindMessageReceived signals an incoming chat message.
	// Data: chat_id, sender, sender_name, text.
	KindMessageReceived = "message_received"
	// KindSessionStatus signals a gateway session status change.
	// Data: status.
	KindSessionStatus = "session_status"

	// KindTickComplete signals the end of a proactive evaluation cycle.
	// Data: candidates, dispatched, deferred, suppressed, throttled.
	KindTickComplete = "tick_complete"
	// KindTriggerDispatched signals a proactive item was sent.
	// Data: kind, entity, priority.
	KindTriggerDispatched = "trigger_dispatched"
	// KindDigestSent signals the daily digest went out.
	// Data: items, attention, empty.
	KindDigestSent = "digest_sent"
	// KindRequestCreated signals a clarifying request was opened.
	// Data: kind, id.
	KindRequestCreated = "request_created"

	// KindModeChanged signals an interaction mode transition.
	// Data: state, expires_at.
	KindModeChanged = "mode_changed"

	// KindPlanExecuted signals a supervisor run finished.
	// Data: plan_id, status, executed, denied_reason.
	KindPlanExecuted = "plan_executed"

	// KindConnUp signals a watched connection became healthy.
	// Data: service.
	KindConnUp = "conn_up"
	// KindConnDown signals a watched connection became unhealthy.
	// Data: service, error.
	KindConnDown = "conn_down"
)

// Event is one operational occurrence: which component saw it, what
// kind it was, and when. Data carries the kind-specific payload.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to any number of subscribers without ever
// blocking the publisher. Each subscription is keyed by the
// receive-only view of its channel, so Unsubscribe can take the same
// value Subscribe handed out.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber whose buffer has room and
// drops it for the rest. A nil receiver is a no-op, so optional wiring
// does not need guards.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a new subscriber and returns its channel. bufSize
// bounds how far the subscriber may lag before it starts missing
// events; 64 suits most consumers. Callers must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// or already-removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount reports how many subscriptions are active. A nil
// receiver reports zero.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
