// Package hub implements the connection session registry and the broadcast
// fanout. A Session is one live client connection joined to one conversation;
// the Hub tracks sessions per conversation, keeps a bus subscription alive
// while a conversation has local sessions, and routes incoming events to the
// right sessions.
//
// Delivery semantics:
//   - original messages and status updates go to every joined session of the
//     conversation, the sender's own sessions included;
//   - translation events go only to sessions whose language preference
//     matches the target language;
//   - a session whose buffer is full or that disconnected mid-fanout is
//     skipped (dropped events are counted; retry is a client concern).
package hub

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tbourn/go-polyglot-gateway/internal/bus"
)

// sessionBuffer is the per-session event queue length. Slow consumers that
// fall further behind than this lose events rather than stalling the fanout.
const sessionBuffer = 256

var (
	sessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_sessions_active",
		Help: "Currently registered websocket sessions.",
	})
	fanoutDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_fanout_events_total",
			Help: "Events delivered to sessions, by event type.",
		},
		[]string{"type"},
	)
	fanoutDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_fanout_dropped_total",
		Help: "Events dropped because a session buffer was full or closed.",
	})
)

func init() {
	prometheus.MustRegister(sessionsGauge, fanoutDelivered, fanoutDropped)
}

// Session is one live connection of one user joined to one conversation.
// A user may hold several concurrent sessions (multiple tabs/devices); each
// registers independently.
type Session struct {
	ID             string
	UserID         string
	ConversationID string
	// Language is the normalized base-code preference used to filter
	// translation events.
	Language string

	events    chan bus.Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession constructs an unregistered session.
func NewSession(userID, conversationID, language string) *Session {
	return &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		Language:       language,
		events:         make(chan bus.Event, sessionBuffer),
		done:           make(chan struct{}),
	}
}

// Events exposes the session's delivery channel to the connection writer.
func (s *Session) Events() <-chan bus.Event { return s.events }

// Done is closed when the session is shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close shuts the session down. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// deliver enqueues ev without blocking. Returns false when the session is
// gone or its buffer is full.
func (s *Session) deliver(ev bus.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// convEntry groups the local sessions of one conversation together with the
// bus subscription that feeds them.
type convEntry struct {
	sessions map[string]*Session
	cancel   func()
}

// Hub is the connection session registry plus fanout router. Safe for
// concurrent use.
type Hub struct {
	bus bus.Bus

	mu            sync.RWMutex
	conversations map[string]*convEntry
}

// New constructs a Hub fed by b.
func New(b bus.Bus) *Hub {
	return &Hub{
		bus:           b,
		conversations: make(map[string]*convEntry),
	}
}

// Join registers a session. The first session of a conversation opens the bus
// subscription that keeps local fanout flowing.
func (h *Hub) Join(ctx context.Context, s *Session) error {
	h.mu.Lock()
	entry, ok := h.conversations[s.ConversationID]
	if !ok {
		entry = &convEntry{sessions: make(map[string]*Session)}
		h.conversations[s.ConversationID] = entry
	}
	entry.sessions[s.ID] = s
	needSub := entry.cancel == nil
	h.mu.Unlock()

	if needSub {
		cancel, err := h.bus.Subscribe(ctx, s.ConversationID, h.route)
		if err != nil {
			h.Leave(s)
			return err
		}
		h.mu.Lock()
		if entry.cancel == nil {
			entry.cancel = cancel
		} else {
			// Lost the race with a concurrent Join; drop the extra subscription.
			defer cancel()
		}
		h.mu.Unlock()
	}

	sessionsGauge.Inc()
	return nil
}

// Leave removes a session from the registry and closes it. The last session
// of a conversation tears the bus subscription down. In-flight translation
// work for the conversation continues regardless; results are persisted for
// later retrieval.
func (h *Hub) Leave(s *Session) {
	var cancel func()

	h.mu.Lock()
	if entry, ok := h.conversations[s.ConversationID]; ok {
		if _, present := entry.sessions[s.ID]; present {
			delete(entry.sessions, s.ID)
			sessionsGauge.Dec()
		}
		if len(entry.sessions) == 0 {
			cancel = entry.cancel
			delete(h.conversations, s.ConversationID)
		}
	}
	h.mu.Unlock()

	s.Close()
	if cancel != nil {
		cancel()
	}
}

// Languages returns the distinct language preferences of the conversation's
// currently connected sessions. Consulted by the language resolver.
func (h *Hub) Languages(conversationID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entry, ok := h.conversations[conversationID]
	if !ok {
		return nil
	}
	seen := make(map[string]struct{}, len(entry.sessions))
	out := make([]string, 0, len(entry.sessions))
	for _, s := range entry.sessions {
		if s.Language == "" {
			continue
		}
		if _, dup := seen[s.Language]; dup {
			continue
		}
		seen[s.Language] = struct{}{}
		out = append(out, s.Language)
	}
	return out
}

// SessionCount reports the number of sessions joined to a conversation.
func (h *Hub) SessionCount(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if entry, ok := h.conversations[conversationID]; ok {
		return len(entry.sessions)
	}
	return 0
}

// route delivers one bus event to the matching local sessions. Runs on the
// bus delivery goroutine and never blocks.
func (h *Hub) route(ev bus.Event) {
	h.mu.RLock()
	entry, ok := h.conversations[ev.ConversationID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Session, 0, len(entry.sessions))
	for _, s := range entry.sessions {
		if filtered(ev, s) {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if s.deliver(ev) {
			fanoutDelivered.WithLabelValues(ev.Type).Inc()
		} else {
			fanoutDropped.Inc()
		}
	}
}

// filtered reports whether the event is not addressed to the session.
// Only translation events are language-filtered; everything else reaches all
// joined sessions (self-delivery of originals is deliberate).
func filtered(ev bus.Event, s *Session) bool {
	switch ev.Type {
	case bus.EventTranslationDone, bus.EventTranslationFailed:
		return ev.Translation == nil || ev.Translation.TargetLanguage != s.Language
	default:
		return false
	}
}
