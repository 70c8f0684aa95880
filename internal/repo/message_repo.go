// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model.
//
// Error semantics:
//   - When a message is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-polyglot-gateway/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateMessage inserts a new message row in its original language.
// The message ID is a randomly generated UUID and CreatedAt is set to UTC.
func CreateMessage(ctx context.Context, db *gorm.DB, conversationID, senderID, content, originalLanguage string, replyToID *string) (*domain.Message, error) {
	m := &domain.Message{
		ID:               uuid.NewString(),
		ConversationID:   conversationID,
		SenderID:         senderID,
		Content:          content,
		OriginalLanguage: originalLanguage,
		ReplyToID:        replyToID,
		CreatedAt:        time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// GetMessage fetches a message by ID, or ErrNotFound if missing.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMessageContent replaces the content of a message owned by senderID and
// stamps EditedAt. Returns ErrNotFound when the message is missing or owned by
// someone else.
func UpdateMessageContent(ctx context.Context, db *gorm.DB, id, senderID, content string) error {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ? AND sender_id = ?", id, senderID).
		Updates(map[string]any{"content": content, "edited_at": &now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SoftDeleteMessage marks a message deleted without removing the row, so
// existing translations and status records keep a valid reference. Ownership
// is enforced by senderID.
func SoftDeleteMessage(ctx context.Context, db *gorm.DB, id, senderID string) error {
	res := db.WithContext(ctx).
		Where("id = ? AND sender_id = ?", id, senderID).
		Delete(&domain.Message{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND deleted_at IS NULL", conversationID).
		Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice ordered (CreatedAt ASC, ID ASC)
// so pagination is deterministic even for messages sharing a timestamp.
func ListMessagesPage(ctx context.Context, db *gorm.DB, conversationID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListTranslations returns every stored translation for a message.
func ListTranslations(ctx context.Context, db *gorm.DB, messageID string) ([]domain.Translation, error) {
	var out []domain.Translation
	err := db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("target_language ASC").
		Find(&out).Error
	return out, err
}
