// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the Translation upsert and the
// translation cache.
//
// Both writes enforce their uniqueness invariant with a single atomic
// ON CONFLICT upsert rather than a read-then-write pattern: a second
// concurrent writer for the same key updates the surviving row instead of
// inserting a duplicate or failing.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-polyglot-gateway/internal/domain"
)

// UpsertTranslation stores a completed translation, keyed by
// (message_id, target_language). When a row already exists for the pair the
// content is superseded in place, preserving the at-most-one invariant.
// It returns the surviving row.
func UpsertTranslation(ctx context.Context, db *gorm.DB, t *domain.Translation) (*domain.Translation, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "message_id"}, {Name: "target_language"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"translated_content", "model_tier", "confidence", "from_cache", "updated_at",
			}),
		}).
		Create(t).Error
	if err != nil {
		return nil, err
	}

	// Re-read so the caller observes the surviving row (the insert ID differs
	// from the stored one when the conflict path was taken).
	var out domain.Translation
	err = db.WithContext(ctx).
		Where("message_id = ? AND target_language = ?", t.MessageID, t.TargetLanguage).
		First(&out).Error
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTranslation fetches a translation by (message_id, target_language), or
// ErrNotFound.
func GetTranslation(ctx context.Context, db *gorm.DB, messageID, targetLanguage string) (*domain.Translation, error) {
	var t domain.Translation
	err := db.WithContext(ctx).
		Where("message_id = ? AND target_language = ?", messageID, targetLanguage).
		First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetCacheEntry looks up a previously computed translation for the
// (fingerprint, source, target) triple. Returns ErrNotFound on a miss.
func GetCacheEntry(ctx context.Context, db *gorm.DB, fingerprint, sourceLang, targetLang string) (*domain.TranslationCacheEntry, error) {
	var e domain.TranslationCacheEntry
	err := db.WithContext(ctx).
		Where("fingerprint = ? AND source_lang = ? AND target_lang = ?", fingerprint, sourceLang, targetLang).
		First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PutCacheEntry stores a computed translation in the shared cache. Concurrent
// writers for the same triple converge on one row; the newest result wins.
func PutCacheEntry(ctx context.Context, db *gorm.DB, e *domain.TranslationCacheEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "fingerprint"}, {Name: "source_lang"}, {Name: "target_lang"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"translated_content", "model_tier", "confidence", "updated_at",
			}),
		}).
		Create(e).Error
}
