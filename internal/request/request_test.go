package request

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tallow/seneschal/internal/settings"
	"github.com/tallow/seneschal/internal/throttle"
)

func setupGenerator(t *testing.T) (*Generator, *Store, *settings.Store) {
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
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("request store: %v", err)
	}
	return NewGenerator(store, set, th), store, set
}

var midday = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func TestNextPicksHighestPriorityGap(t *testing.T) {
	gen, _, _ := setupGenerator(t)

	r, err := gen.Next(midday)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if r == nil {
		t.Fatal("expected a request")
	}
	if r.Kind != "calendar_auth" {
		t.Errorf("kind = %s, want calendar_auth", r.Kind)
	}
	if r.Priority != 90 {
		t.Errorf("priority = %d, want 90", r.Priority)
	}
	if r.Status != StatusOpen {
		t.Errorf("status = %s, want open", r.Status)
	}
	if r.Question == "" {
		t.Error("empty question text")
	}
}

func TestNextSkipsMetKinds(t *testing.T) {
	gen, _, set := setupGenerator(t)

	if err := set.Set("calendar_auth", "ok"); err != nil {
		t.Fatal(err)
	}
	if err := set.Set(settings.KeyNotifyChatID, "123@c.us"); err != nil {
		t.Fatal(err)
	}

	r, err := gen.Next(midday)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if r == nil || r.Kind != "default_contact" {
		t.Fatalf("request = %+v, want default_contact", r)
	}
}

func TestNextNoOpWhileOpen(t *testing.T) {
	gen, _, _ := setupGenerator(t)

	if r, _ := gen.Next(midday); r == nil {
		t.Fatal("first next returned nothing")
	}

	r, err := gen.Next(midday.Add(time.Minute))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if r != nil {
		t.Errorf("second next created %s while one was open", r.Kind)
	}
}

func TestOneNewRequestPerDay(t *testing.T) {
	gen, _, _ := setupGenerator(t)

	r1, err := gen.Next(midday)
	if err != nil || r1 == nil {
		t.Fatalf("next: %v, %v", r1, err)
	}

	// Answering frees the open slot but not today's day slot.
	if _, err := gen.Resolve("confirmed", midday.Add(time.Hour)); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	r2, err := gen.Next(midday.Add(2 * time.Hour))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if r2 != nil {
		t.Errorf("second request created on the same day: %s", r2.Kind)
	}

	// Tomorrow the next gap is asked about.
	r3, err := gen.Next(midday.Add(24 * time.Hour))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if r3 == nil || r3.Kind != "notify_chat_id" {
		t.Fatalf("next day request = %+v, want notify_chat_id", r3)
	}
}

func TestAbortReturnsTheDaySlot(t *testing.T) {
	gen, store, _ := setupGenerator(t)

	r, err := gen.Next(midday)
	if err != nil || r == nil {
		t.Fatalf("next: %v, %v", r, err)
	}

	if err := gen.Abort(r, midday); err != nil {
		t.Fatalf("abort: %v", err)
	}

	open, err := store.Open()
	if err != nil {
		t.Fatal(err)
	}
	if open != nil {
		t.Error("aborted request still open")
	}

	// The same day may try again after a failed delivery.
	again, err := gen.Next(midday.Add(2 * time.Minute))
	if err != nil {
		t.Fatalf("retry next: %v", err)
	}
	if again == nil || again.Kind != "calendar_auth" {
		t.Fatalf("retry = %+v, want calendar_auth", again)
	}
}

func TestResolveAnswerPersistsToSettings(t *testing.T) {
	gen, store, set := setupGenerator(t)

	if r, _ := gen.Next(midday); r == nil {
		t.Fatal("no request")
	}

	resolved, err := gen.Resolve("  all fixed now  ", midday.Add(time.Hour))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != StatusAnswered {
		t.Errorf("status = %s, want answered", resolved.Status)
	}
	if resolved.Answer != "all fixed now" {
		t.Errorf("answer = %q", resolved.Answer)
	}
	if resolved.AnsweredAt == nil {
		t.Error("answered_at not set")
	}

	value, err := set.Get("calendar_auth")
	if err != nil {
		t.Fatalf("setting not persisted: %v", err)
	}
	if value != "all fixed now" {
		t.Errorf("setting = %q", value)
	}

	open, _ := store.Open()
	if open != nil {
		t.Error("request still open after answer")
	}
}

func TestResolveDeclineTokenSnoozes(t *testing.T) {
	gen, _, set := setupGenerator(t)

	if r, _ := gen.Next(midday); r == nil {
		t.Fatal("no request")
	}

	// Case-insensitive decline.
	resolved, err := gen.Resolve("SKIP", midday)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != StatusSnoozed {
		t.Errorf("status = %s, want snoozed", resolved.Status)
	}
	wantUntil := midday.Add(30 * 24 * time.Hour)
	if resolved.SnoozedUntil == nil || !resolved.SnoozedUntil.Equal(wantUntil) {
		t.Errorf("snoozed until %v, want %v", resolved.SnoozedUntil, wantUntil)
	}

	// The declined setting was not written.
	if ok, _ := set.Has("calendar_auth"); ok {
		t.Error("decline wrote a settings value")
	}

	// While snoozed the kind is passed over.
	next, err := gen.Next(midday.Add(24 * time.Hour))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next == nil || next.Kind != "notify_chat_id" {
		t.Fatalf("next = %+v, want notify_chat_id", next)
	}
	if _, err := gen.Resolve("123@c.us", midday.Add(24*time.Hour)); err != nil {
		t.Fatal(err)
	}

	// After the snooze lapses the kind comes back around.
	later := midday.Add(31 * 24 * time.Hour)
	next, err = gen.Next(later)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next == nil || next.Kind != "calendar_auth" {
		t.Fatalf("post-snooze next = %+v, want calendar_auth", next)
	}
}

func TestResolveWithoutOpenRequest(t *testing.T) {
	gen, _, _ := setupGenerator(t)

	_, err := gen.Resolve("anything", midday)
	if !errors.Is(err, ErrNoOpenRequest) {
		t.Errorf("err = %v, want ErrNoOpenRequest", err)
	}
}

func TestResolveEmptyAnswer(t *testing.T) {
	gen, _, _ := setupGenerator(t)

	if r, _ := gen.Next(midday); r == nil {
		t.Fatal("no request")
	}
	if _, err := gen.Resolve("   ", midday); err == nil {
		t.Error("blank answer accepted")
	}
}

func TestNextExhaustedChecklist(t *testing.T) {
	gen, _, set := setupGenerator(t)

	for _, item := range Checklist() {
		if err := set.Set(item.SettingKey, "x"); err != nil {
			t.Fatal(err)
		}
	}

	r, err := gen.Next(midday)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if r != nil {
		t.Errorf("request created with no gaps: %s", r.Kind)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	gen, store, _ := setupGenerator(t)

	if r, _ := gen.Next(midday); r == nil {
		t.Fatal("no request")
	}
	if _, err := gen.Resolve("done", midday); err != nil {
		t.Fatal(err)
	}
	if r, _ := gen.Next(midday.Add(24 * time.Hour)); r == nil {
		t.Fatal("no second request")
	}

	answered, err := store.List(StatusAnswered)
	if err != nil {
		t.Fatalf("list answered: %v", err)
	}
	if len(answered) != 1 || answered[0].Kind != "calendar_auth" {
		t.Errorf("answered = %+v", answered)
	}

	open, err := store.List(StatusOpen)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 || open[0].Kind != "notify_chat_id" {
		t.Errorf("open = %+v", open)
	}

	all, err := store.List("")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all = %d requests, want 2", len(all))
	}
}

func TestOnlyOneOpenRowAllowed(t *testing.T) {
	_, store, _ := setupGenerator(t)

	item, ok := checklistItem("home_address")
	if !ok {
		t.Fatal("checklist missing home_address")
	}
	if _, err := store.Create(item, midday); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create(item, midday); err == nil {
		t.Error("second open row accepted by the schema")
	}
}
