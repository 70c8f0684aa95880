// Package services – MessageService
//
// This file implements MessageService, the application-level component that
// owns the message lifecycle: validated ingestion with idempotent retries,
// synchronous original-language broadcast, asynchronous translation dispatch,
// and sender-gated edit/delete.
//
// The ingestion path is deliberately split in two: everything up to and
// including the original broadcast happens before Send returns, while
// language resolution and translation dispatch run detached. A sender sees
// their message echoed immediately regardless of engine latency.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include conversation/user identifiers where applicable.
package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-polyglot-gateway/internal/bus"
	"github.com/tbourn/go-polyglot-gateway/internal/domain"
	"github.com/tbourn/go-polyglot-gateway/internal/guard"
	"github.com/tbourn/go-polyglot-gateway/internal/langresolve"
	"github.com/tbourn/go-polyglot-gateway/internal/repo"
)

const (
	// RoleMember and RoleModerator gate the per-message length ceiling.
	RoleMember    = "member"
	RoleModerator = "moderator"
)

// Dispatcher triggers asynchronous translation work. Implemented by
// translate.Coordinator; a test double slots in here.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *domain.Message, targets []string)
}

// MessageService coordinates message ingestion, broadcast, and lifecycle.
type MessageService struct {
	DB       *gorm.DB
	Bus      bus.Bus
	Resolver *langresolve.Resolver
	Coord    Dispatcher

	// Limiter enforces the fixed-window send ceiling; nil disables it.
	Limiter *guard.Limiter

	// Length ceilings per role; values <= 0 disable the check.
	MaxMessageRunes          int
	MaxMessageRunesModerator int
	// MaxMentions caps @-mentions per message; <= 0 disables the check.
	MaxMentions int

	// IdempotencyTTL bounds how long a client key replays the same message.
	IdempotencyTTL time.Duration
}

// SendInput carries one send request into the service.
type SendInput struct {
	ConversationID string
	SenderID       string
	Content        string
	// Language optionally declares the content's language; when empty the
	// sender's stored preference is used.
	Language string
	// ReplyToID optionally references a parent message in the same conversation.
	ReplyToID string
	// IdempotencyKey, when set, makes retried sends return the original
	// message instead of creating a duplicate.
	IdempotencyKey string
}

// SendResult is the outcome of Send. Replayed reports whether the message was
// served from an earlier attempt under the same idempotency key.
type SendResult struct {
	Message  *domain.Message
	Replayed bool
}

// Send validates, persists, and broadcasts a message, then dispatches
// translation work asynchronously and returns. See the package comment for
// the synchronous/asynchronous split.
func (s *MessageService) Send(ctx context.Context, in SendInput) (*SendResult, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("conversation.id", in.ConversationID),
			attribute.String("user.id", in.SenderID),
		),
	)
	defer span.End()

	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" {
		return nil, ErrEmptyContent
	}

	p, err := s.activeParticipant(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return nil, err
	}

	if max := s.ceilingFor(p.Role); max > 0 && utf8.RuneCountInString(in.Content) > max {
		return nil, ErrTooLong
	}
	if s.MaxMentions > 0 && guard.CountMentions(in.Content) > s.MaxMentions {
		return nil, ErrTooManyMentions
	}

	// Replay before anything that consumes quota: a retry of an accepted send
	// must succeed even when the sender has since hit the window ceiling.
	if in.IdempotencyKey != "" {
		if rec, err := repo.GetIdempotency(ctx, s.DB, in.SenderID, in.ConversationID, in.IdempotencyKey, time.Now().UTC()); err == nil {
			msg, err := repo.GetMessage(ctx, s.DB, rec.MessageID)
			if err != nil {
				return nil, ErrMessageNotFound
			}
			return &SendResult{Message: msg, Replayed: true}, nil
		}
	}

	if s.Limiter != nil {
		if ok, retryAfter := s.Limiter.Allow(guard.WindowKey(in.SenderID)); !ok {
			return nil, &RateLimitedError{RetryAfter: retryAfter}
		}
	}

	var replyTo *string
	if in.ReplyToID != "" {
		parent, err := repo.GetMessage(ctx, s.DB, in.ReplyToID)
		if err != nil || parent.ConversationID != in.ConversationID {
			return nil, ErrBadReplyTarget
		}
		replyTo = &in.ReplyToID
	}

	lang := langresolve.Normalize(in.Language)
	if lang == "" {
		lang = langresolve.Normalize(p.LanguagePreference)
	}
	if lang == "" {
		return nil, ErrInvalidLanguage
	}

	var msg *domain.Message
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := repo.CreateMessage(ctx, tx, in.ConversationID, in.SenderID, in.Content, lang, replyTo)
		if err != nil {
			return err
		}
		if in.IdempotencyKey != "" {
			if _, err := repo.CreateIdempotency(ctx, tx, in.SenderID, in.ConversationID, in.IdempotencyKey, m.ID, 201, s.IdempotencyTTL); err != nil {
				return err
			}
		}
		msg = m
		return nil
	})
	if errors.Is(err, repo.ErrDuplicate) {
		// Two racing retries with the same key: the loser replays the winner.
		rec, gerr := repo.GetIdempotency(ctx, s.DB, in.SenderID, in.ConversationID, in.IdempotencyKey, time.Now().UTC())
		if gerr != nil {
			return nil, err
		}
		winner, gerr := repo.GetMessage(ctx, s.DB, rec.MessageID)
		if gerr != nil {
			return nil, err
		}
		return &SendResult{Message: winner, Replayed: true}, nil
	}
	if err != nil {
		return nil, err
	}

	s.broadcastOriginal(ctx, msg, false)
	s.dispatchTranslations(ctx, msg)

	return &SendResult{Message: msg}, nil
}

// Edit replaces a message's content. Only the sender may edit; translations
// are re-dispatched so every language converges on the new text, each stale
// row superseded in place by the upsert.
func (s *MessageService) Edit(ctx context.Context, conversationID, senderID, messageID, content string) (*domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Edit",
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.String("user.id", senderID),
		),
	)
	defer span.End()

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	p, err := s.activeParticipant(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	if max := s.ceilingFor(p.Role); max > 0 && utf8.RuneCountInString(content) > max {
		return nil, ErrTooLong
	}

	existing, err := repo.GetMessage(ctx, s.DB, messageID)
	if err != nil || existing.ConversationID != conversationID {
		return nil, ErrMessageNotFound
	}
	if existing.SenderID != senderID {
		return nil, ErrNotSender
	}

	if err := repo.UpdateMessageContent(ctx, s.DB, messageID, senderID, content); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}

	msg, err := repo.GetMessage(ctx, s.DB, messageID)
	if err != nil {
		return nil, err
	}

	s.broadcastOriginal(ctx, msg, false)
	s.dispatchTranslations(ctx, msg)
	return msg, nil
}

// Delete soft-deletes a message. Only the sender may delete. Joined sessions
// learn about it through a tombstone broadcast.
func (s *MessageService) Delete(ctx context.Context, conversationID, senderID, messageID string) error {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Delete",
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.String("user.id", senderID),
		),
	)
	defer span.End()

	if _, err := s.activeParticipant(ctx, conversationID, senderID); err != nil {
		return err
	}

	existing, err := repo.GetMessage(ctx, s.DB, messageID)
	if err != nil || existing.ConversationID != conversationID {
		return ErrMessageNotFound
	}
	if existing.SenderID != senderID {
		return ErrNotSender
	}

	if err := repo.SoftDeleteMessage(ctx, s.DB, messageID, senderID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrMessageNotFound
		}
		return err
	}

	s.broadcastOriginal(ctx, existing, true)
	return nil
}

// MessageView is one history entry: the original message plus whatever
// translations have completed so far.
type MessageView struct {
	domain.Message
	Translations []domain.Translation `json:"translations"`
}

// HistoryPage returns paginated messages for a conversation, oldest first,
// each with its completed translations attached. Callers must be
// participants; inactive guests may no longer read.
func (s *MessageService) HistoryPage(ctx context.Context, conversationID, userID string, page, pageSize int) ([]MessageView, int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "HistoryPage",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if _, err := s.activeParticipant(ctx, conversationID, userID); err != nil {
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountMessages(ctx, s.DB, conversationID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []MessageView{}, 0, nil
	}

	msgs, err := repo.ListMessagesPage(ctx, s.DB, conversationID, offset, pageSize)
	if err != nil {
		return nil, 0, err
	}

	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		ts, err := repo.ListTranslations(ctx, s.DB, m.ID)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, MessageView{Message: m, Translations: ts})
	}
	return out, total, nil
}

// Get returns one message with its translations, gated on participation.
func (s *MessageService) Get(ctx context.Context, conversationID, userID, messageID string) (*MessageView, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Get",
		trace.WithAttributes(attribute.String("message.id", messageID)),
	)
	defer span.End()

	if _, err := s.activeParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	m, err := repo.GetMessage(ctx, s.DB, messageID)
	if err != nil || m.ConversationID != conversationID {
		return nil, ErrMessageNotFound
	}
	ts, err := repo.ListTranslations(ctx, s.DB, m.ID)
	if err != nil {
		return nil, err
	}
	return &MessageView{Message: *m, Translations: ts}, nil
}

// activeParticipant loads the conversation and the caller's active membership
// row, mapping absence onto the service sentinels.
func (s *MessageService) activeParticipant(ctx context.Context, conversationID, userID string) (*domain.ConversationParticipant, error) {
	if _, err := repo.GetConversation(ctx, s.DB, conversationID); err != nil {
		return nil, ErrConversationNotFound
	}
	p, err := repo.GetParticipant(ctx, s.DB, conversationID, userID)
	if err != nil || !p.IsActive {
		return nil, ErrNotParticipant
	}
	if p.Kind == domain.ParticipantAnonymous && p.ExpiresAt != nil && time.Now().UTC().After(*p.ExpiresAt) {
		return nil, ErrGuestExpired
	}
	return p, nil
}

func (s *MessageService) ceilingFor(role string) int {
	if role == RoleModerator && s.MaxMessageRunesModerator > 0 {
		return s.MaxMessageRunesModerator
	}
	return s.MaxMessageRunes
}

// broadcastOriginal publishes the original-content event synchronously, so it
// is on the wire before Send/Edit/Delete returns. Every joined session of the
// conversation receives it, the sender's own sessions included.
func (s *MessageService) broadcastOriginal(ctx context.Context, msg *domain.Message, deleted bool) {
	evType := bus.EventMessageNew
	if msg.EditedAt != nil || deleted {
		evType = bus.EventMessageUpdated
	}
	content := msg.Content
	if deleted {
		content = ""
	}
	ev := bus.Event{
		Type:           evType,
		ConversationID: msg.ConversationID,
		Message: &bus.MessagePayload{
			ID:               msg.ID,
			ConversationID:   msg.ConversationID,
			SenderID:         msg.SenderID,
			Content:          content,
			OriginalLanguage: msg.OriginalLanguage,
			ReplyToID:        msg.ReplyToID,
			EditedAt:         msg.EditedAt,
			Deleted:          deleted,
			CreatedAt:        msg.CreatedAt,
		},
	}
	if err := s.Bus.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("message_id", msg.ID).Msg("broadcast failed")
	}
}

// dispatchTranslations resolves targets and hands the message to the
// coordinator. Resolution runs detached from the request context so a client
// disconnect does not strand the conversation without translations.
func (s *MessageService) dispatchTranslations(ctx context.Context, msg *domain.Message) {
	if s.Resolver == nil || s.Coord == nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		targets, err := s.Resolver.TargetLanguages(detached, msg.ConversationID, msg.OriginalLanguage)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.ID).Msg("language resolution failed")
			return
		}
		if len(targets) == 0 {
			return
		}
		s.Coord.Dispatch(detached, msg, targets)
	}()
}
