// Package bus defines the conversation event bus: the seam through which the
// ingestion path, the translation coordinator, and the status tracker publish
// events, and through which the websocket fanout receives them.
//
// Two implementations exist: InProcBus for a single gateway instance and
// NATSBus (nats.go in this package) which bridges events across instances via
// JetStream. Handlers are invoked on the publisher's goroutine for InProcBus;
// they must not block (the fanout layer only does non-blocking channel sends).
package bus

import (
	"context"
	"sync"
	"time"
)

// Event types carried on the bus.
const (
	EventMessageNew        = "message.new"
	EventMessageUpdated    = "message.updated"
	EventTranslationDone   = "translation.done"
	EventTranslationFailed = "translation.failed"
	EventStatusUpdated     = "status.updated"
)

// MessagePayload is the original-content broadcast, pushed to all joined
// sessions of a conversation (the sender's own sessions included).
type MessagePayload struct {
	ID               string     `json:"id"`
	ConversationID   string     `json:"conversation_id"`
	SenderID         string     `json:"sender_id"`
	Content          string     `json:"content"`
	OriginalLanguage string     `json:"original_language"`
	ReplyToID        *string    `json:"reply_to_id,omitempty"`
	EditedAt         *time.Time `json:"edited_at,omitempty"`
	Deleted          bool       `json:"deleted,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// TranslationPayload is the per-language incremental completion event. On
// failure TranslatedContent is empty and Reason explains the terminal state
// ("engine_failed", "skipped_too_long", or "store_failed").
type TranslationPayload struct {
	MessageID         string  `json:"message_id"`
	ConversationID    string  `json:"conversation_id"`
	TargetLanguage    string  `json:"target_language"`
	TranslatedContent string  `json:"translated_content,omitempty"`
	Confidence        float64 `json:"confidence,omitempty"`
	FromCache         bool    `json:"from_cache,omitempty"`
	Reason            string  `json:"reason,omitempty"`
}

// StatusPayload notifies sessions that a recipient's delivery state moved.
type StatusPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Status         string `json:"status"` // "received" | "read"
}

// Event is the envelope published for every conversation-scoped occurrence.
// Exactly one payload field is set, matching Type.
type Event struct {
	Type           string              `json:"type"`
	ConversationID string              `json:"conversation_id"`
	Message        *MessagePayload     `json:"message,omitempty"`
	Translation    *TranslationPayload `json:"translation,omitempty"`
	Status         *StatusPayload      `json:"status,omitempty"`
}

// Handler consumes events for one conversation. Implementations must be fast
// and non-blocking.
type Handler func(Event)

// Bus publishes conversation events and delivers them to subscribed handlers.
type Bus interface {
	// Publish emits an event to every subscriber of its conversation.
	Publish(ctx context.Context, ev Event) error
	// Subscribe registers a handler for one conversation and returns a
	// cancel function that removes it.
	Subscribe(ctx context.Context, conversationID string, h Handler) (func(), error)
	// Close releases bus resources.
	Close()
}

// InProcBus is the single-instance Bus: a mutex-guarded handler table keyed
// by conversation. Safe for concurrent use.
type InProcBus struct {
	mu   sync.RWMutex
	subs map[string]map[int]Handler
	next int
}

// NewInProcBus constructs an empty in-process bus.
func NewInProcBus() *InProcBus {
	return &InProcBus{subs: make(map[string]map[int]Handler)}
}

// Publish invokes every handler subscribed to the event's conversation.
func (b *InProcBus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.subs[ev.ConversationID]))
	for _, h := range b.subs[ev.ConversationID] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(ev)
	}
	return nil
}

// Subscribe registers h for conversationID until the returned cancel runs.
func (b *InProcBus) Subscribe(_ context.Context, conversationID string, h Handler) (func(), error) {
	b.mu.Lock()
	id := b.next
	b.next++
	if b.subs[conversationID] == nil {
		b.subs[conversationID] = make(map[int]Handler)
	}
	b.subs[conversationID][id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		if m, ok := b.subs[conversationID]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(b.subs, conversationID)
			}
		}
		b.mu.Unlock()
	}, nil
}

// Close implements Bus. The in-process bus holds no external resources.
func (b *InProcBus) Close() {}
