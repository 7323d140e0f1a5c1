package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("rooms.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindRoomsChanged, Payload: "group"})

	select {
	case evt := <-ch:
		if evt.Kind != KindRoomsChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindRoomsChanged)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindRoomsChanged})
	b.Publish(Event{Kind: KindStatusChanged})

	select {
	case evt := <-ch:
		if evt.Kind != KindStatusChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindStatusChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("rooms.", 10)
	unsub()
	unsub()

	b.Publish(Event{Kind: KindRoomsChanged})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("rooms.", 1)
	defer unsub()

	b.Publish(Event{Kind: "rooms.one"})
	b.Publish(Event{Kind: "rooms.two"})

	evt := <-ch
	if evt.Kind != "rooms.one" {
		t.Errorf("got %q, want rooms.one", evt.Kind)
	}
	if b.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", b.Dropped())
	}
}

func TestPublishNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: KindRoomsChanged})
}
