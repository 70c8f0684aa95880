// Package services – StatusService
//
// Per-recipient delivery tracking. Receipts and reads arrive from every
// session a user has open, often concurrently and out of order; the service
// funnels them through atomic upserts so exactly one row per (message, user)
// survives, and a read always implies a receipt.
package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-polyglot-gateway/internal/bus"
	"github.com/tbourn/go-polyglot-gateway/internal/domain"
	"github.com/tbourn/go-polyglot-gateway/internal/repo"
)

// Delivery states carried on status events.
const (
	StatusReceived = "received"
	StatusRead     = "read"
)

// StatusService owns delivery/read tracking and unread counts.
type StatusService struct {
	DB  *gorm.DB
	Bus bus.Bus
}

// MarkReceived records that userID's client has displayed messageID.
// Idempotent: repeated and concurrent calls collapse into one row and the
// first receipt timestamp wins.
func (s *StatusService) MarkReceived(ctx context.Context, conversationID, userID, messageID string) error {
	return s.mark(ctx, conversationID, userID, messageID, StatusReceived)
}

// MarkRead records that userID has read messageID. Marking read on a message
// never received first also sets the receipt timestamp, preserving the
// invariant that a read implies a receipt.
func (s *StatusService) MarkRead(ctx context.Context, conversationID, userID, messageID string) error {
	return s.mark(ctx, conversationID, userID, messageID, StatusRead)
}

func (s *StatusService) mark(ctx context.Context, conversationID, userID, messageID, status string) error {
	tr := otel.Tracer("services/StatusService")
	ctx, span := tr.Start(ctx, "Mark",
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.String("user.id", userID),
			attribute.String("status", status),
		),
	)
	defer span.End()

	msg, err := repo.GetMessage(ctx, s.DB, messageID)
	if err != nil || msg.ConversationID != conversationID {
		return ErrMessageNotFound
	}
	p, err := repo.GetParticipant(ctx, s.DB, conversationID, userID)
	if err != nil || !p.IsActive {
		return ErrNotParticipant
	}
	if p.Kind == domain.ParticipantAnonymous && p.ExpiresAt != nil && time.Now().UTC().After(*p.ExpiresAt) {
		return ErrGuestExpired
	}

	if status == StatusRead {
		err = repo.MarkRead(ctx, s.DB, messageID, userID)
	} else {
		err = repo.MarkReceived(ctx, s.DB, messageID, userID)
	}
	if err != nil {
		return err
	}

	ev := bus.Event{
		Type:           bus.EventStatusUpdated,
		ConversationID: conversationID,
		Status: &bus.StatusPayload{
			MessageID:      messageID,
			ConversationID: conversationID,
			UserID:         userID,
			Status:         status,
		},
	}
	if err := s.Bus.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("message_id", messageID).Msg("publish status event failed")
	}
	return nil
}

// Get returns the delivery row for one (message, user) pair, or
// ErrMessageNotFound when neither the message nor any status exists.
func (s *StatusService) Get(ctx context.Context, conversationID, messageID, userID string) (*domain.DeliveryStatus, error) {
	msg, err := repo.GetMessage(ctx, s.DB, messageID)
	if err != nil || msg.ConversationID != conversationID {
		return nil, ErrMessageNotFound
	}
	st, err := repo.GetDeliveryStatus(ctx, s.DB, messageID, userID)
	if err != nil {
		return nil, ErrMessageNotFound
	}
	return st, nil
}

// UnreadCount returns how many live messages in the conversation userID has
// not read. The sender's own messages do not count as unread.
func (s *StatusService) UnreadCount(ctx context.Context, conversationID, userID string) (int64, error) {
	tr := otel.Tracer("services/StatusService")
	ctx, span := tr.Start(ctx, "UnreadCount",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)),
	)
	defer span.End()

	if _, err := repo.GetConversation(ctx, s.DB, conversationID); err != nil {
		return 0, ErrConversationNotFound
	}
	return repo.UnreadCount(ctx, s.DB, conversationID, userID)
}
