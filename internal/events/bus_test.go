package events

import (
	"sync"
	"testing"
	"time"
)

func recvOne(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishDelivers(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    SourceProactive,
		Kind:      KindTriggerDispatched,
		Data:      map[string]any{"entity": "evt_abc:t-10", "priority": 100},
	})

	got := recvOne(t, ch)
	if got.Source != SourceProactive || got.Kind != KindTriggerDispatched {
		t.Errorf("got %s/%s, want %s/%s", got.Source, got.Kind, SourceProactive, KindTriggerDispatched)
	}
	if entity, _ := got.Data["entity"].(string); entity != "evt_abc:t-10" {
		t.Errorf("entity = %v, want evt_abc:t-10", got.Data["entity"])
	}
}

func TestFanOutAndLateSubscriber(t *testing.T) {
	b := New()
	early1 := b.Subscribe(4)
	early2 := b.Subscribe(4)
	defer b.Unsubscribe(early1)
	defer b.Unsubscribe(early2)

	b.Publish(Event{Source: SourceGateway, Kind: KindMessageReceived})

	for i, ch := range []<-chan Event{early1, early2} {
		if got := recvOne(t, ch); got.Kind != KindMessageReceived {
			t.Errorf("subscriber %d got kind %q, want %q", i, got.Kind, KindMessageReceived)
		}
	}

	// A subscriber added after the publish never sees it.
	late := b.Subscribe(4)
	defer b.Unsubscribe(late)
	select {
	case e := <-late:
		t.Errorf("late subscriber received %v", e)
	default:
	}
}

func TestFullSubscriberDoesNotAffectOthers(t *testing.T) {
	b := New()
	stuffed := b.Subscribe(1)
	healthy := b.Subscribe(8)
	defer b.Unsubscribe(stuffed)
	defer b.Unsubscribe(healthy)

	for _, kind := range []string{"a", "b", "c"} {
		b.Publish(Event{Kind: kind})
	}

	// The one-slot subscriber keeps only the first event.
	if got := recvOne(t, stuffed); got.Kind != "a" {
		t.Errorf("stuffed subscriber got %q, want %q", got.Kind, "a")
	}
	select {
	case e := <-stuffed:
		t.Errorf("stuffed subscriber got extra event %v", e)
	default:
	}

	// The healthy subscriber still receives all three, in order.
	for _, want := range []string{"a", "b", "c"} {
		if got := recvOne(t, healthy); got.Kind != want {
			t.Errorf("healthy subscriber got %q, want %q", got.Kind, want)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)

	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}

	// Repeat unsubscribe and publish into an empty bus are both no-ops.
	b.Unsubscribe(ch)
	b.Publish(Event{Source: SourceConnwatch, Kind: KindConnDown})
}

func TestSubscriberCount(t *testing.T) {
	var nilBus *Bus
	if got := nilBus.SubscriberCount(); got != 0 {
		t.Errorf("nil bus count = %d, want 0", got)
	}

	b := New()
	first := b.Subscribe(4)
	second := b.Subscribe(4)
	if got := b.SubscriberCount(); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}

	b.Unsubscribe(first)
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("count after unsubscribe = %d, want 1", got)
	}
	b.Unsubscribe(second)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("count after draining = %d, want 0", got)
	}
}

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceGovernor, Kind: KindModeChanged}) // must not panic
}

func TestConcurrentPublishers(t *testing.T) {
	b := New()
	ch := b.Subscribe(64)

	received := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range ch {
			received++
		}
	}()

	const publishers = 8
	const perPublisher = 50
	var wg sync.WaitGroup
	for i := range publishers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range perPublisher {
				b.Publish(Event{
					Source: SourceProactive,
					Kind:   KindTickComplete,
					Data:   map[string]any{"publisher": i, "seq": j},
				})
			}
		}()
	}
	wg.Wait()

	b.Unsubscribe(ch)
	<-done

	if received > publishers*perPublisher {
		t.Errorf("received %d events, more than the %d published", received, publishers*perPublisher)
	}
}
