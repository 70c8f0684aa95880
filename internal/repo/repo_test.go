package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-polyglot-gateway/internal/domain"
)

// test DB helper
func newRepoDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("repo_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedConversation(t *testing.T, db *gorm.DB) *domain.Conversation {
	t.Helper()
	conv, err := CreateConversation(context.Background(), db, "test room")
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return conv
}

func seedMessage(t *testing.T, db *gorm.DB, convID, sender string) *domain.Message {
	t.Helper()
	m, err := CreateMessage(context.Background(), db, convID, sender, "hello world", "en", nil)
	if err != nil {
		t.Fatalf("seed message: %v", err)
	}
	return m
}

func TestCreateMessage_SetsFields(t *testing.T) {
	db := newRepoDB(t)
	conv := seedConversation(t, db)

	parent := seedMessage(t, db, conv.ID, "u1")
	m, err := CreateMessage(context.Background(), db, conv.ID, "u2", "a reply", "fr", &parent.ID)
	if err != nil {
		t.Fatalf("CreateMessage error: %v", err)
	}
	if m.ID == "" || m.ConversationID != conv.ID || m.SenderID != "u2" {
		t.Fatalf("unexpected message: %+v", m)
	}
	if m.OriginalLanguage != "fr" {
		t.Fatalf("original language not stored: %+v", m)
	}
	if m.ReplyToID == nil || *m.ReplyToID != parent.ID {
		t.Fatalf("reply reference not stored: %+v", m)
	}
	if m.CreatedAt.IsZero() || time.Since(m.CreatedAt) > time.Minute {
		t.Fatalf("created_at not set: %+v", m)
	}
}

func TestUpdateMessageContent_OwnershipAndEditStamp(t *testing.T) {
	db := newRepoDB(t)
	conv := seedConversation(t, db)
	m := seedMessage(t, db, conv.ID, "u1")

	if err := UpdateMessageContent(context.Background(), db, m.ID, "intruder", "hacked"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for wrong sender, got %v", err)
	}

	if err := UpdateMessageContent(context.Background(), db, m.ID, "u1", "edited"); err != nil {
		t.Fatalf("UpdateMessageContent: %v", err)
	}
	got, err := GetMessage(context.Background(), db, m.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Content != "edited" || got.EditedAt == nil {
		t.Fatalf("edit not applied: %+v", got)
	}
}

func TestSoftDeleteMessage_HiddenFromReads(t *testing.T) {
	db := newRepoDB(t)
	conv := seedConversation(t, db)
	m := seedMessage(t, db, conv.ID, "u1")

	if err := SoftDeleteMessage(context.Background(), db, m.ID, "u1"); err != nil {
		t.Fatalf("SoftDeleteMessage: %v", err)
	}
	if _, err := GetMessage(context.Background(), db, m.ID); err == nil {
		t.Fatal("deleted message still readable")
	}
	n, err := CountMessages(context.Background(), db, conv.ID)
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if n != 0 {
		t.Fatalf("deleted message still counted: %d", n)
	}
}

func TestListMessagesPage_OrderAndPaging(t *testing.T) {
	db := newRepoDB(t)
	conv := seedConversation(t, db)
	for i := 0; i < 5; i++ {
		if _, err := CreateMessage(context.Background(), db, conv.ID, "u1", fmt.Sprintf("m%d", i), "en", nil); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	page, err := ListMessagesPage(context.Background(), db, conv.ID, 1, 2)
	if err != nil {
		t.Fatalf("ListMessagesPage: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	if page[0].Content != "m1" || page[1].Content != "m2" {
		t.Fatalf("unexpected order: %q %q", page[0].Content, page[1].Content)
	}
}

func TestUpsertTranslation_ConcurrentWritersOneRow(t *testing.T) {
	db := newRepoDB(t)
	conv := seedConversation(t, db)
	m := seedMessage(t, db, conv.ID, "u1")

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = UpsertTranslation(context.Background(), db, &domain.Translation{
				MessageID:         m.ID,
				TargetLanguage:    "fr",
				TranslatedContent: fmt.Sprintf("bonjour %d", i),
				Confidence:        0.9,
			})
		}(i)
	}
	wg.Wait()

	var n int64
	if err := db.Model(&domain.Translation{}).
		Where("message_id = ? AND target_language = ?", m.ID, "fr").
		Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("want exactly 1 translation row, got %d", n)
	}
}

func TestUpsertTranslation_SupersedesInPlace(t *testing.T) {
	db := newRepoDB(t)
	conv := seedConversation(t, db)
	m := seedMessage(t, db, conv.ID, "u1")

	first, err := UpsertTranslation(context.Background(), db, &domain.Translation{
		MessageID: m.ID, TargetLanguage: "de", TranslatedContent: "hallo", Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second, err := UpsertTranslation(context.Background(), db, &domain.Translation{
		MessageID: m.ID, TargetLanguage: "de", TranslatedContent: "hallo welt", Confidence: 0.95,
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("supersede created a new row: %s vs %s", second.ID, first.ID)
	}
	if second.TranslatedContent != "hallo welt" {
		t.Fatalf("content not superseded: %+v", second)
	}
}

func TestMarkReceivedAndRead_SingleRowInvariant(t *testing.T) {
	db := newRepoDB(t)
	conv := seedConversation(t, db)
	m := seedMessage(t, db, conv.ID, "u1")

	// Concurrent receipts and reads from several sessions of the same user.
	const sessions = 6
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = MarkReceived(context.Background(), db, m.ID, "u2")
			_ = MarkRead(context.Background(), db, m.ID, "u2")
		}()
	}
	wg.Wait()

	n, err := CountDeliveryStatuses(context.Background(), db, m.ID, "u2")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("want exactly 1 status row, got %d", n)
	}

	st, err := GetDeliveryStatus(context.Background(), db, m.ID, "u2")
	if err != nil {
		t.Fatalf("GetDeliveryStatus: %v", err)
	}
	if st.ReceivedAt == nil || st.ReadAt == nil {
		t.Fatalf("timestamps missing: %+v", st)
	}
}

func TestMarkRead_WithoutReceiptImpliesReceipt(t *testing.T) {
	db := newRepoDB(t)
	conv := seedConversation(t, db)
	m := seedMessage(t, db, conv.ID, "u1")

	if err := MarkRead(context.Background(), db, m.ID, "u2"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	st, err := GetDeliveryStatus(context.Background(), db, m.ID, "u2")
	if err != nil {
		t.Fatalf("GetDeliveryStatus: %v", err)
	}
	if st.ReceivedAt == nil {
		t.Fatal("read without receipt must set received_at")
	}
	if st.ReadAt == nil {
		t.Fatal("read_at not set")
	}
}

func TestMarkReceived_FirstTimestampWins(t *testing.T) {
	db := newRepoDB(t)
	conv := seedConversation(t, db)
	m := seedMessage(t, db, conv.ID, "u1")

	if err := MarkReceived(context.Background(), db, m.ID, "u2"); err != nil {
		t.Fatalf("MarkReceived: %v", err)
	}
	first, _ := GetDeliveryStatus(context.Background(), db, m.ID, "u2")

	time.Sleep(10 * time.Millisecond)
	if err := MarkReceived(context.Background(), db, m.ID, "u2"); err != nil {
		t.Fatalf("second MarkReceived: %v", err)
	}
	second, _ := GetDeliveryStatus(context.Background(), db, m.ID, "u2")

	if !second.ReceivedAt.Equal(*first.ReceivedAt) {
		t.Fatalf("receipt timestamp moved: %v -> %v", first.ReceivedAt, second.ReceivedAt)
	}
}

func TestUnreadCount_ExcludesOwnAndRead(t *testing.T) {
	db := newRepoDB(t)
	conv := seedConversation(t, db)

	mine := seedMessage(t, db, conv.ID, "u2")
	_ = mine
	other1 := seedMessage(t, db, conv.ID, "u1")
	other2 := seedMessage(t, db, conv.ID, "u1")

	n, err := UnreadCount(context.Background(), db, conv.ID, "u2")
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if n != 2 {
		t.Fatalf("unread = %d, want 2 (own messages excluded)", n)
	}

	if err := MarkRead(context.Background(), db, other1.ID, "u2"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	n, err = UnreadCount(context.Background(), db, conv.ID, "u2")
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("unread = %d, want 1 after reading one", n)
	}
	_ = other2
}

func TestUpsertParticipant_OneRowPerUser(t *testing.T) {
	db := newRepoDB(t)
	conv := seedConversation(t, db)

	p1, err := UpsertParticipant(context.Background(), db, &domain.ConversationParticipant{
		ConversationID: conv.ID, UserID: "u1", Kind: domain.ParticipantMember,
		LanguagePreference: "en", Role: "member", IsActive: true,
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	p2, err := UpsertParticipant(context.Background(), db, &domain.ConversationParticipant{
		ConversationID: conv.ID, UserID: "u1", Kind: domain.ParticipantMember,
		LanguagePreference: "fr", Role: "member", IsActive: true,
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if p2.ID != p1.ID {
		t.Fatalf("rejoin created a second row: %s vs %s", p2.ID, p1.ID)
	}
	if p2.LanguagePreference != "fr" {
		t.Fatalf("preference not updated: %+v", p2)
	}
}

func TestParticipantLanguages_FiltersGuests(t *testing.T) {
	db := newRepoDB(t)
	conv := seedConversation(t, db)
	ctx := context.Background()
	now := time.Now().UTC()

	// Registered member, contributes even while offline.
	mustUpsert(t, db, conv.ID, "member1", domain.ParticipantMember, "en", true, nil)
	// Active guest, unexpired: contributes.
	future := now.Add(time.Hour)
	mustUpsert(t, db, conv.ID, "guest1", domain.ParticipantAnonymous, "fr", true, &future)
	// Expired guest: ignored.
	past := now.Add(-time.Hour)
	mustUpsert(t, db, conv.ID, "guest2", domain.ParticipantAnonymous, "de", true, &past)
	// Inactive guest: ignored.
	mustUpsert(t, db, conv.ID, "guest3", domain.ParticipantAnonymous, "es", false, &future)

	langs, err := ParticipantLanguages(ctx, db, conv.ID, now)
	if err != nil {
		t.Fatalf("ParticipantLanguages: %v", err)
	}
	got := map[string]bool{}
	for _, l := range langs {
		got[l] = true
	}
	if !got["en"] || !got["fr"] {
		t.Fatalf("missing expected languages: %v", langs)
	}
	if got["de"] || got["es"] {
		t.Fatalf("expired/inactive guests leaked into %v", langs)
	}
}

func mustUpsert(t *testing.T, db *gorm.DB, convID, userID, kind, lang string, active bool, expires *time.Time) {
	t.Helper()
	_, err := UpsertParticipant(context.Background(), db, &domain.ConversationParticipant{
		ConversationID: convID, UserID: userID, Kind: kind,
		LanguagePreference: lang, Role: "member", IsActive: active, ExpiresAt: expires,
	})
	if err != nil {
		t.Fatalf("upsert %s: %v", userID, err)
	}
}

func TestIdempotency_DuplicateDetected(t *testing.T) {
	db := newRepoDB(t)
	conv := seedConversation(t, db)
	m := seedMessage(t, db, conv.ID, "u1")
	ctx := context.Background()

	if _, err := CreateIdempotency(ctx, db, "u1", conv.ID, "key-1", m.ID, 201, time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := CreateIdempotency(ctx, db, "u1", conv.ID, "key-1", m.ID, 201, time.Hour); err != ErrDuplicate {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}

	rec, err := GetIdempotency(ctx, db, "u1", conv.ID, "key-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.MessageID != m.ID {
		t.Fatalf("wrong message replayed: %+v", rec)
	}
}

func TestIdempotency_ExpiredNotReturned(t *testing.T) {
	db := newRepoDB(t)
	conv := seedConversation(t, db)
	m := seedMessage(t, db, conv.ID, "u1")
	ctx := context.Background()

	if _, err := CreateIdempotency(ctx, db, "u1", conv.ID, "key-2", m.ID, 201, time.Millisecond); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := GetIdempotency(ctx, db, "u1", conv.ID, "key-2", time.Now().UTC().Add(time.Second)); err != ErrNotFound {
		t.Fatalf("expired record must not replay, got %v", err)
	}
}

func TestCacheEntry_RoundTripAndUpsert(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	e := &domain.TranslationCacheEntry{
		Fingerprint: "fp1", SourceLang: "en", TargetLang: "fr",
		TranslatedContent: "bonjour", Confidence: 0.9,
	}
	if err := PutCacheEntry(ctx, db, e); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Re-put with better content replaces, not duplicates.
	if err := PutCacheEntry(ctx, db, &domain.TranslationCacheEntry{
		Fingerprint: "fp1", SourceLang: "en", TargetLang: "fr",
		TranslatedContent: "bonjour!", Confidence: 0.95,
	}); err != nil {
		t.Fatalf("re-put: %v", err)
	}

	got, err := GetCacheEntry(ctx, db, "fp1", "en", "fr")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TranslatedContent != "bonjour!" {
		t.Fatalf("cache not superseded: %+v", got)
	}

	var n int64
	if err := db.Model(&domain.TranslationCacheEntry{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 cache row, got %d", n)
	}
}
