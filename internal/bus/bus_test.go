package bus

import (
	"context"
	"sync"
	"testing"
)

func TestInProcBus_PublishReachesSubscribers(t *testing.T) {
	b := NewInProcBus()
	defer b.Close()

	var mu sync.Mutex
	var got []Event
	cancel, err := b.Subscribe(context.Background(), "conv-1", func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := b.Publish(context.Background(), Event{
		Type:           EventMessageNew,
		ConversationID: "conv-1",
		Message:        &MessagePayload{ID: "m1", Content: "hi"},
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Message.ID != "m1" {
		t.Fatalf("events = %+v, want one message.new", got)
	}
}

func TestInProcBus_ConversationIsolation(t *testing.T) {
	b := NewInProcBus()
	defer b.Close()

	calls := 0
	cancel, err := b.Subscribe(context.Background(), "conv-1", func(Event) { calls++ })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := b.Publish(context.Background(), Event{Type: EventMessageNew, ConversationID: "conv-2"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if calls != 0 {
		t.Fatalf("handler for conv-1 saw %d events from conv-2", calls)
	}
}

func TestInProcBus_CancelStopsDelivery(t *testing.T) {
	b := NewInProcBus()
	defer b.Close()

	calls := 0
	cancel, err := b.Subscribe(context.Background(), "conv-1", func(Event) { calls++ })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(context.Background(), Event{Type: EventStatusUpdated, ConversationID: "conv-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	cancel()
	cancel() // cancelling twice is harmless
	if err := b.Publish(context.Background(), Event{Type: EventStatusUpdated, ConversationID: "conv-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (none after cancel)", calls)
	}
}

func TestInProcBus_MultipleSubscribers(t *testing.T) {
	b := NewInProcBus()
	defer b.Close()

	var a, c int
	c1, _ := b.Subscribe(context.Background(), "conv-1", func(Event) { a++ })
	c2, _ := b.Subscribe(context.Background(), "conv-1", func(Event) { c++ })
	defer c1()
	defer c2()

	if err := b.Publish(context.Background(), Event{Type: EventMessageUpdated, ConversationID: "conv-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if a != 1 || c != 1 {
		t.Fatalf("deliveries = (%d, %d), want (1, 1)", a, c)
	}
}
