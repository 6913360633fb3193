package digest

import (
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tallow/seneschal/internal/request"
	"github.com/tallow/seneschal/internal/settings"
	"github.com/tallow/seneschal/internal/throttle"
	"github.com/tallow/seneschal/internal/trigger"
)

func setup(t *testing.T) (*Composer, *throttle.Throttle, *request.Store, *settings.Store) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	set, err := settings.NewStore(db)
	if err != nil {
		t.Fatalf("settings store: %v", err)
	}
	th, err := throttle.New(db, set, time.UTC)
	if err != nil {
		t.Fatalf("throttle: %v", err)
	}
	reqs, err := request.NewStore(db)
	if err != nil {
		t.Fatalf("request store: %v", err)
	}
	return New(th, reqs, set, time.UTC), th, reqs, set
}

var evening = time.Date(2026, 3, 14, 21, 30, 0, 0, time.UTC)

func record(t *testing.T, th *throttle.Throttle, kind trigger.Kind, prio trigger.Priority, title string, at time.Time) {
	t.Helper()
	err := th.RecordDispatch(trigger.Trigger{
		Kind:     kind,
		EntityID: title,
		Priority: prio,
		Title:    title,
	}, at)
	if err != nil {
		t.Fatalf("record dispatch: %v", err)
	}
}

func TestDueRespectsDigestTime(t *testing.T) {
	c, _, _, _ := setup(t)

	// Default digest time is 21:00.
	before := time.Date(2026, 3, 14, 20, 59, 0, 0, time.UTC)
	due, err := c.Due(before)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if due {
		t.Error("due before digest time")
	}

	at := time.Date(2026, 3, 14, 21, 0, 0, 0, time.UTC)
	due, err = c.Due(at)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if !due {
		t.Error("not due at digest time")
	}
}

func TestDueFalseAfterCompose(t *testing.T) {
	c, _, _, _ := setup(t)

	if _, err := c.Compose(evening); err != nil {
		t.Fatalf("compose: %v", err)
	}
	due, err := c.Due(evening.Add(time.Hour))
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if due {
		t.Error("due again after compose claimed the slot")
	}
}

func TestComposeClaimsDailySlot(t *testing.T) {
	c, _, _, _ := setup(t)

	d, err := c.Compose(evening)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if d == nil {
		t.Fatal("first compose returned nil")
	}
	again, err := c.Compose(evening.Add(10 * time.Minute))
	if err != nil {
		t.Fatalf("second compose: %v", err)
	}
	if again != nil {
		t.Error("second compose of the same day should return nil")
	}
}

func TestComposeOrdersUrgentFirst(t *testing.T) {
	c, th, _, _ := setup(t)

	day := evening.Truncate(24 * time.Hour)
	record(t, th, trigger.KindTaskDue, trigger.PriorityLow, "newsletter sweep", day.Add(8*time.Hour))
	record(t, th, trigger.KindCalendarEvent, trigger.PriorityNormal, "standup soon", day.Add(9*time.Hour))
	record(t, th, trigger.KindTaskDue, trigger.PriorityUrgent, "file taxes", day.Add(15*time.Hour))

	d, err := c.Compose(evening)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	got := make([]string, 0, len(d.Items))
	for _, it := range d.Items {
		got = append(got, it.Title)
	}
	want := []string{"file taxes", "standup soon", "newsletter sweep"}
	if len(got) != len(want) {
		t.Fatalf("items = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("items = %v, want %v", got, want)
		}
	}
	if !strings.Contains(d.Text, "(urgent) file taxes") {
		t.Errorf("urgent item not flagged in text:\n%s", d.Text)
	}
}

func TestComposeCapsItems(t *testing.T) {
	c, th, _, set := setup(t)
	if err := set.Set(settings.KeyDigestMaxItems, "2"); err != nil {
		t.Fatalf("set max items: %v", err)
	}

	day := evening.Truncate(24 * time.Hour)
	for i, title := range []string{"a", "b", "c", "d"} {
		record(t, th, trigger.KindTaskDue, trigger.PriorityNormal, title, day.Add(time.Duration(9+i)*time.Hour))
	}

	d, err := c.Compose(evening)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(d.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(d.Items))
	}
	if d.Omitted != 2 {
		t.Errorf("omitted = %d, want 2", d.Omitted)
	}
	if !strings.Contains(d.Text, "and 2 more not shown") {
		t.Errorf("overflow note missing:\n%s", d.Text)
	}
	if !strings.Contains(d.Text, "(4)") {
		t.Errorf("total count missing:\n%s", d.Text)
	}
}

func TestComposeExcludesOwnRecord(t *testing.T) {
	c, _, _, _ := setup(t)

	if err := c.MarkSent(evening); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := c.Release(evening); err != nil {
		t.Fatalf("release: %v", err)
	}
	d, err := c.Compose(evening.Add(time.Minute))
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(d.Items) != 0 {
		t.Errorf("digest's own record leaked into items: %v", d.Items)
	}
}

func TestComposeListsHighPriorityOpenRequest(t *testing.T) {
	c, _, reqs, _ := setup(t)

	items := request.Checklist()
	if _, err := reqs.Create(items[0], evening.Add(-6*time.Hour)); err != nil {
		t.Fatalf("create request: %v", err)
	}

	d, err := c.Compose(evening)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(d.Attention) != 1 {
		t.Fatalf("attention = %d, want 1", len(d.Attention))
	}
	if d.Empty() {
		t.Error("digest with an open request should not be empty")
	}
	if !strings.Contains(d.Text, "Needs attention") {
		t.Errorf("attention section missing:\n%s", d.Text)
	}
	if !strings.Contains(d.Text, "'skip'") {
		t.Errorf("decline hint missing:\n%s", d.Text)
	}
}

func TestComposeSkipsLowPriorityOpenRequest(t *testing.T) {
	c, _, reqs, _ := setup(t)

	var lowItem request.ChecklistItem
	for _, item := range request.Checklist() {
		if item.Priority < attentionPriority {
			lowItem = item
			break
		}
	}
	if lowItem.Kind == "" {
		t.Fatal("checklist has no low-priority item")
	}
	if _, err := reqs.Create(lowItem, evening.Add(-6*time.Hour)); err != nil {
		t.Fatalf("create request: %v", err)
	}

	d, err := c.Compose(evening)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(d.Attention) != 0 {
		t.Errorf("low-priority request should not demand attention: %v", d.Attention)
	}
}

func TestEmptyDigestStillClaimsSlot(t *testing.T) {
	c, _, _, _ := setup(t)

	d, err := c.Compose(evening)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if !d.Empty() {
		t.Error("digest on an empty day should be empty")
	}
	due, err := c.Due(evening.Add(time.Hour))
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if due {
		t.Error("empty digest should still consume the daily slot")
	}
}

func TestReleaseReturnsSlot(t *testing.T) {
	c, _, _, _ := setup(t)

	if _, err := c.Compose(evening); err != nil {
		t.Fatalf("compose: %v", err)
	}
	if err := c.Release(evening); err != nil {
		t.Fatalf("release: %v", err)
	}
	d, err := c.Compose(evening.Add(5 * time.Minute))
	if err != nil {
		t.Fatalf("compose after release: %v", err)
	}
	if d == nil {
		t.Error("release should free the slot for a retry")
	}
}

func TestMarkSentRecordsDispatch(t *testing.T) {
	c, th, _, _ := setup(t)

	if err := c.MarkSent(evening); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	records, err := th.DispatchesOn(throttle.DayBucket(evening, time.UTC))
	if err != nil {
		t.Fatalf("dispatches: %v", err)
	}
	found := false
	for _, r := range records {
		if r.Kind == trigger.KindDigest {
			found = true
		}
	}
	if !found {
		t.Error("digest dispatch record not written")
	}
}
