// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for conversations
// and their participants (registered members and anonymous guests).
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-polyglot-gateway/internal/domain"
)

// CreateConversation inserts a new conversation row.
func CreateConversation(ctx context.Context, db *gorm.DB, title string) (*domain.Conversation, error) {
	c := &domain.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversation fetches a conversation by ID, or ErrNotFound.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertParticipant adds userID to a conversation or refreshes an existing
// membership (language preference, activity, expiry) in place. One row per
// (conversation_id, user_id) is guaranteed by the unique index.
func UpsertParticipant(ctx context.Context, db *gorm.DB, p *domain.ConversationParticipant) (*domain.ConversationParticipant, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"language_preference", "is_active", "expires_at", "updated_at",
			}),
		}).
		Create(p).Error
	if err != nil {
		return nil, err
	}

	var out domain.ConversationParticipant
	err = db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", p.ConversationID, p.UserID).
		First(&out).Error
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetParticipant fetches the membership row for (conversationID, userID), or
// ErrNotFound.
func GetParticipant(ctx context.Context, db *gorm.DB, conversationID, userID string) (*domain.ConversationParticipant, error) {
	var p domain.ConversationParticipant
	err := db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DeactivateParticipant marks a membership inactive (leave). The row is kept
// so historical members still receive translations for later retrieval.
func DeactivateParticipant(ctx context.Context, db *gorm.DB, conversationID, userID string) error {
	res := db.WithContext(ctx).
		Model(&domain.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ParticipantLanguages returns the distinct language preferences contributed
// by the conversation's persisted participants at the given instant:
// every registered member (online or not, so translations are ready when they
// reconnect) plus anonymous guests that are active and unexpired.
func ParticipantLanguages(ctx context.Context, db *gorm.DB, conversationID string, now time.Time) ([]string, error) {
	var langs []string
	err := db.WithContext(ctx).
		Model(&domain.ConversationParticipant{}).
		Distinct("language_preference").
		Where("conversation_id = ?", conversationID).
		Where(
			db.Where("kind = ?", domain.ParticipantMember).
				Or("kind = ? AND is_active = ? AND (expires_at IS NULL OR expires_at > ?)",
					domain.ParticipantAnonymous, true, now),
		).
		Pluck("language_preference", &langs).Error
	return langs, err
}

// ListParticipants returns every membership row of a conversation.
func ListParticipants(ctx context.Context, db *gorm.DB, conversationID string) ([]domain.ConversationParticipant, error) {
	var out []domain.ConversationParticipant
	err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("joined_at ASC").
		Find(&out).Error
	return out, err
}
