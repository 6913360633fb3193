// Package trigger defines the candidate items the proactive engine
// evaluates each tick: upcoming calendar events, due tasks, notable mail,
// and forge activity. Triggers are ephemeral; sources rebuild them on
// every tick and only dispatch records persist.
package trigger

import (
	"fmt"
	"sort"
	"time"
)

// Kind identifies the source family of a trigger. Cooldowns are tracked
// per (kind, entity) pair, so kinds partition the cooldown space.
type Kind string

const (
	KindCalendarEvent Kind = "calendar_event"
	KindTaskDue       Kind = "task_due"
	KindMail          Kind = "mail"
	KindForge         Kind = "forge"

	// KindDigest marks the daily digest's own dispatch record. It is
	// bookkeeping only and never appears as a tick candidate.
	KindDigest Kind = "digest"
)

// Priority orders triggers within a tick and decides how the mode
// governor treats them. Urgent triggers survive focus mode and
// urgent_only; low triggers only fire inside the strong window.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns a sort weight, lower meaning more important. Unknown
// priorities rank after low so malformed input never jumps the queue.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// Trigger is one candidate interruption produced by a source during a
// tick. It carries everything needed to gate, throttle, and render it.
type Trigger struct {
	// Kind is the source family (calendar_event, task_due, mail, forge).
	Kind Kind

	// EntityID identifies the underlying entity stably across ticks so
	// cooldowns hold: a calendar UID with its lead stage suffix, a task
	// id, a mail Message-ID, a PR/issue reference.
	EntityID string

	// CandidateTime is the instant the trigger is about: event start,
	// task due time, mail arrival. Used for within-priority ordering
	// and digest rendering.
	CandidateTime time.Time

	// Priority decides gating and ordering.
	Priority Priority

	// Title is the one-line human rendering ("Standup in 10 minutes").
	Title string

	// Detail is optional extra context appended to the message body.
	Detail string
}

// StageEntityID builds the entity id for one lead-time stage of a
// calendar event. Each stage cools down independently, so a 60-minute
// heads-up never blocks the 10-minute one.
func StageEntityID(uid string, leadMinutes int) string {
	return fmt.Sprintf("%s:t-%d", uid, leadMinutes)
}

/// Sort orders candidates in dispatch order: urgent first, then by
// candidate time, then by entity id for a stable tie-break.
func Sort(candidates []Trigger) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if !a.CandidateTime.Equal(b.CandidateTime) {
			return a.CandidateTime.Before(b.CandidateTime)
		}
		return a.EntityID < b.EntityID
	})
}
