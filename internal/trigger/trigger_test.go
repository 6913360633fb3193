package trigger

import (
	"testing"
	"time"
)

func TestPriorityRank(t *testing.T) {
	if PriorityUrgent.Rank() >= PriorityNormal.Rank() {
		t.Error("urgent should rank before normal")
	}
	if PriorityNormal.Rank() >= PriorityLow.Rank() {
		t.Error("normal should rank before low")
	}
	if Priority("bogus").Rank() <= PriorityLow.Rank() {
		t.Error("unknown priority should rank last")
	}
}

func TestStageEntityID(t *testing.T) {
	got := StageEntityID("evt_team-sync@cal", 10)
	want := "evt_team-sync@cal:t-10"
	if got != want {
		t.Errorf("StageEntityID = %q, want %q", got, want)
	}

	// Stages of the same event must not collide.
	if StageEntityID("abc", 10) == StageEntityID("abc", 30) {
		t.Error("different lead stages produced the same entity id")
	}
}

func TestSort(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	candidates := []Trigger{
		{Kind: KindTaskDue, EntityID: "task-1", Priority: PriorityLow, CandidateTime: base},
		{Kind: KindCalendarEvent, EntityID: "evt:t-10", Priority: PriorityUrgent, CandidateTime: base.Add(time.Hour)},
		{Kind: KindMail, EntityID: "mail-1", Priority: PriorityNormal, CandidateTime: base.Add(30 * time.Minute)},
		{Kind: KindCalendarEvent, EntityID: "evt2:t-10", Priority: PriorityUrgent, CandidateTime: base},
	}

	Sort(candidates)

	wantOrder := []string{"evt2:t-10", "evt:t-10", "mail-1", "task-1"}
	for i, want := range wantOrder {
		if candidates[i].EntityID != want {
			t.Errorf("position %d: got %s, want %s", i, candidates[i].EntityID, want)
		}
	}
}

func TestSortStableTieBreak(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	candidates := []Trigger{
		{EntityID: "b", Priority: PriorityNormal, CandidateTime: at},
		{EntityID: "a", Priority: PriorityNormal, CandidateTime: at},
	}

	Sort(candidates)

	if candidates[0].EntityID != "a" || candidates[1].EntityID != "b" {
		t.Errorf("equal priority and time should order by entity id, got %s, %s",
			candidates[0].EntityID, candidates[1].EntityID)
	}
}
