package forge

import (
	"context"
	"fmt"
	"time"

	"github.com/tallow/seneschal/internal/trigger"
)

// Queues is the slice of the forge client the source needs.
type Queues interface {
	ReviewRequests(ctx context.Context) ([]Item, error)
	AssignedIssues(ctx context.Context) ([]Item, error)
}

// Source turns forge queues into trigger candidates. A requested review
// blocks someone else, so it rates normal; an assigned issue is the
// user's own backlog and stays low.
type Source struct {
	client Queues
}

// NewSource creates a forge trigger source.
func NewSource(client Queues) *Source {
	return &Source{client: client}
}

// Name identifies this source in tick logs.
func (s *Source) Name() string { return "forge" }

// Candidates returns one trigger per queue item. Entity ids are stable
// across ticks so the dispatch cooldown, not the queue contents,
// decides how often an item may nag.
func (s *Source) Candidates(ctx context.Context, now time.Time) ([]trigger.Trigger, error) {
	reviews, err := s.client.ReviewRequests(ctx)
	if err != nil {
		return nil, err
	}
	issues, err := s.client.AssignedIssues(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]trigger.Trigger, 0, len(reviews)+len(issues))
	for _, item := range reviews {
		out = append(out, s.toTrigger(item, trigger.PriorityNormal, "Review requested", now))
	}
	for _, item := range issues {
		out = append(out, s.toTrigger(item, trigger.PriorityLow, "Assigned issue", now))
	}
	return out, nil
}

func (s *Source) toTrigger(item Item, priority trigger.Priority, label string, now time.Time) trigger.Trigger {
	when := item.UpdatedAt
	if when.IsZero() {
		when = now
	}
	return trigger.Trigger{
		Kind:          trigger.KindForge,
		EntityID:      fmt.Sprintf("%s:%s#%d", item.Kind, item.Repo, item.Number),
		CandidateTime: when,
		Priority:      priority,
		Title:         fmt.Sprintf("%s: %s#%d", label, item.Repo, item.Number),
		Detail:        item.Title,
	}
}
