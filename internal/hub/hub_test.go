package hub

import (
	"context"
	"testing"
	"time"

	"github.com/tbourn/go-polyglot-gateway/internal/bus"
)

func publish(t *testing.T, b bus.Bus, ev bus.Event) {
	t.Helper()
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func recvEvent(t *testing.T, s *Session) bus.Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return bus.Event{}
	}
}

func assertNoEvent(t *testing.T, s *Session) {
	t.Helper()
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event %s delivered", ev.Type)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestJoin_MessageReachesAllSessionsIncludingSender(t *testing.T) {
	b := bus.NewInProcBus()
	h := New(b)

	sender := NewSession("alice", "conv-1", "en")
	peer := NewSession("bob", "conv-1", "fr")
	for _, s := range []*Session{sender, peer} {
		if err := h.Join(context.Background(), s); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	t.Cleanup(func() { h.Leave(sender); h.Leave(peer) })

	publish(t, b, bus.Event{
		Type:           bus.EventMessageNew,
		ConversationID: "conv-1",
		Message:        &bus.MessagePayload{ID: "m1", SenderID: "alice", Content: "hi"},
	})

	for _, s := range []*Session{sender, peer} {
		ev := recvEvent(t, s)
		if ev.Type != bus.EventMessageNew || ev.Message.ID != "m1" {
			t.Fatalf("session %s got %+v", s.UserID, ev)
		}
	}
}

func TestRoute_TranslationFilteredByLanguage(t *testing.T) {
	b := bus.NewInProcBus()
	h := New(b)

	fr := NewSession("bob", "conv-1", "fr")
	es := NewSession("eva", "conv-1", "es")
	for _, s := range []*Session{fr, es} {
		if err := h.Join(context.Background(), s); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	t.Cleanup(func() { h.Leave(fr); h.Leave(es) })

	publish(t, b, bus.Event{
		Type:           bus.EventTranslationDone,
		ConversationID: "conv-1",
		Translation:    &bus.TranslationPayload{MessageID: "m1", TargetLanguage: "fr", TranslatedContent: "salut"},
	})

	ev := recvEvent(t, fr)
	if ev.Translation.TranslatedContent != "salut" {
		t.Fatalf("fr session got %+v", ev)
	}
	assertNoEvent(t, es)
}

func TestRoute_TranslationFailureFilteredToo(t *testing.T) {
	b := bus.NewInProcBus()
	h := New(b)

	de := NewSession("dana", "conv-1", "de")
	it := NewSession("ivan", "conv-1", "it")
	for _, s := range []*Session{de, it} {
		if err := h.Join(context.Background(), s); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	t.Cleanup(func() { h.Leave(de); h.Leave(it) })

	publish(t, b, bus.Event{
		Type:           bus.EventTranslationFailed,
		ConversationID: "conv-1",
		Translation:    &bus.TranslationPayload{MessageID: "m1", TargetLanguage: "de", Reason: "engine_failed"},
	})

	ev := recvEvent(t, de)
	if ev.Type != bus.EventTranslationFailed {
		t.Fatalf("de session got %+v", ev)
	}
	assertNoEvent(t, it)
}

func TestRoute_OtherConversationUntouched(t *testing.T) {
	b := bus.NewInProcBus()
	h := New(b)

	s := NewSession("alice", "conv-1", "en")
	if err := h.Join(context.Background(), s); err != nil {
		t.Fatalf("join: %v", err)
	}
	t.Cleanup(func() { h.Leave(s) })

	publish(t, b, bus.Event{
		Type:           bus.EventMessageNew,
		ConversationID: "conv-2",
		Message:        &bus.MessagePayload{ID: "m9"},
	})
	assertNoEvent(t, s)
}

func TestLeave_LastSessionCancelsSubscription(t *testing.T) {
	b := bus.NewInProcBus()
	h := New(b)

	s := NewSession("alice", "conv-1", "en")
	if err := h.Join(context.Background(), s); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := h.SessionCount("conv-1"); got != 1 {
		t.Fatalf("session count = %d, want 1", got)
	}

	h.Leave(s)
	if got := h.SessionCount("conv-1"); got != 0 {
		t.Fatalf("session count after leave = %d, want 0", got)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("leave must close the session")
	}

	// Events published after the last leave go nowhere.
	publish(t, b, bus.Event{
		Type:           bus.EventMessageNew,
		ConversationID: "conv-1",
		Message:        &bus.MessagePayload{ID: "m2"},
	})
	select {
	case ev, ok := <-s.Events():
		if ok {
			t.Fatalf("closed session received %+v", ev)
		}
	case <-time.After(30 * time.Millisecond):
	}
}

func TestLanguages_DistinctLivePreferences(t *testing.T) {
	b := bus.NewInProcBus()
	h := New(b)

	s1 := NewSession("alice", "conv-1", "en")
	s2 := NewSession("bob", "conv-1", "fr")
	s3 := NewSession("carl", "conv-1", "fr") // duplicate preference
	s4 := NewSession("drew", "conv-1", "")   // no preference recorded
	for _, s := range []*Session{s1, s2, s3, s4} {
		if err := h.Join(context.Background(), s); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	t.Cleanup(func() {
		for _, s := range []*Session{s1, s2, s3, s4} {
			h.Leave(s)
		}
	})

	langs := h.Languages("conv-1")
	if len(langs) != 2 {
		t.Fatalf("languages = %v, want two distinct", langs)
	}
	seen := map[string]bool{}
	for _, l := range langs {
		seen[l] = true
	}
	if !seen["en"] || !seen["fr"] {
		t.Fatalf("languages = %v, want en and fr", langs)
	}

	if h.Languages("conv-unknown") != nil {
		t.Error("unknown conversation must yield nil")
	}
}

func TestDeliver_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	b := bus.NewInProcBus()
	h := New(b)

	s := NewSession("alice", "conv-1", "en")
	if err := h.Join(context.Background(), s); err != nil {
		t.Fatalf("join: %v", err)
	}
	t.Cleanup(func() { h.Leave(s) })

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < sessionBuffer+10; i++ {
			publish(t, b, bus.Event{
				Type:           bus.EventMessageNew,
				ConversationID: "conv-1",
				Message:        &bus.MessagePayload{ID: "m"},
			})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fanout blocked on a slow consumer")
	}
	if got := len(s.Events()); got != sessionBuffer {
		t.Fatalf("buffered = %d, want exactly %d (overflow dropped)", got, sessionBuffer)
	}
}
