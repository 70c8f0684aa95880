// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the DeliveryStatus tracker.
//
// The tracker went through a duplicate-row failure mode in an earlier design
// that checked for an existing row before inserting; under concurrent calls
// from two sessions of the same user both checks missed and both inserts ran.
// The functions here issue a single conditional upsert on the
// (message_id, user_id) unique key instead, so races collapse into one row.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-polyglot-gateway/internal/domain"
)

// MarkReceived records that userID received messageID. Calling it again for
// an already-received pair is a no-op; the first receipt timestamp survives.
func MarkReceived(ctx context.Context, db *gorm.DB, messageID, userID string) error {
	now := time.Now().UTC()
	row := &domain.DeliveryStatus{
		ID:         uuid.NewString(),
		MessageID:  messageID,
		UserID:     userID,
		ReceivedAt: &now,
		CreatedAt:  now,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"received_at": gorm.Expr("COALESCE(received_at, excluded.received_at)"),
				"updated_at":  now,
			}),
		}).
		Create(row).Error
}

// MarkRead records that userID read messageID. Read implies received: a row
// created by this call carries both timestamps, and an existing row missing
// ReceivedAt gets it backfilled. The earliest timestamps survive, so repeated
// or concurrent calls are idempotent.
func MarkRead(ctx context.Context, db *gorm.DB, messageID, userID string) error {
	now := time.Now().UTC()
	row := &domain.DeliveryStatus{
		ID:         uuid.NewString(),
		MessageID:  messageID,
		UserID:     userID,
		ReceivedAt: &now,
		ReadAt:     &now,
		CreatedAt:  now,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"received_at": gorm.Expr("COALESCE(received_at, excluded.received_at)"),
				"read_at":     gorm.Expr("COALESCE(read_at, excluded.read_at)"),
				"updated_at":  now,
			}),
		}).
		Create(row).Error
}

// GetDeliveryStatus fetches the status row for (messageID, userID), or
// ErrNotFound.
func GetDeliveryStatus(ctx context.Context, db *gorm.DB, messageID, userID string) (*domain.DeliveryStatus, error) {
	var s domain.DeliveryStatus
	err := db.WithContext(ctx).
		Where("message_id = ? AND user_id = ?", messageID, userID).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CountDeliveryStatuses returns the number of status rows for a message pair
// scan; used by tests to assert the at-most-one invariant.
func CountDeliveryStatuses(ctx context.Context, db *gorm.DB, messageID, userID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.DeliveryStatus{}).
		Where("message_id = ? AND user_id = ?", messageID, userID).
		Count(&n).Error
	return n, err
}

// UnreadCount returns how many live messages in the conversation the user has
// not read: messages from other senders without a read_at status row.
func UnreadCount(ctx context.Context, db *gorm.DB, conversationID, userID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Raw(`
		SELECT COUNT(*) FROM messages m
		WHERE m.conversation_id = ?
		  AND m.deleted_at IS NULL
		  AND m.sender_id <> ?
		  AND NOT EXISTS (
			SELECT 1 FROM delivery_statuses ds
			WHERE ds.message_id = m.id AND ds.user_id = ? AND ds.read_at IS NOT NULL
		  )`, conversationID, userID, userID).
		Scan(&n).Error
	return n, err
}
