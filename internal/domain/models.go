// Package domain defines the persistence models for conversations, messages,
// translations, and delivery state. These types are mapped with GORM and form
// the core data layer of the gateway.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Participant kinds. A conversation participant is either a registered member
// or a time-bounded anonymous guest; both carry a language preference that the
// resolver consumes uniformly.
const (
	ParticipantMember    = "member"
	ParticipantAnonymous = "anonymous"
)

// Conversation represents a shared multilingual conversation. Messages and
// participants reference it by ID.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - Title: human-readable conversation title.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//   - DeletedAt: soft deletion marker (retains row for audit/history).
type Conversation struct {
	ID        string         `json:"id"    gorm:"type:char(36);primaryKey"`
	Title     string         `json:"title" gorm:"type:varchar(255);not null;default:''"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"     gorm:"index"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// ConversationParticipant records membership of a user (registered or
// anonymous) in a conversation, together with the language preference that
// drives translation targeting. Anonymous participants are session-bounded:
// they carry an expiry and stop contributing to language resolution once
// inactive or expired.
//
// Uniqueness: one row per (conversation_id, user_id).
type ConversationParticipant struct {
	ID             string `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string `json:"conversation_id" gorm:"type:char(36);not null;index;uniqueIndex:ux_participant_conv_user,priority:1"`
	UserID         string `json:"user_id"         gorm:"type:varchar(64);not null;index;uniqueIndex:ux_participant_conv_user,priority:2"`
	// Kind is "member" or "anonymous" (enforced by DB constraint).
	Kind string `json:"kind" gorm:"type:varchar(16);not null;check:kind IN ('member','anonymous')"`
	// LanguagePreference is a normalized base language code (e.g. "en", "fr").
	LanguagePreference string `json:"language_preference" gorm:"type:varchar(16);not null"`
	// Role gates the per-message length ceiling ("member" vs "moderator").
	Role     string `json:"role"      gorm:"type:varchar(16);not null;default:'member'"`
	IsActive bool   `json:"is_active" gorm:"not null;default:true"`
	// ExpiresAt bounds anonymous participation; nil for registered members.
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	JoinedAt  time.Time      `json:"joined_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ConversationParticipant.
func (ConversationParticipant) TableName() string { return "conversation_participants" }

// Message is a single utterance persisted once in its original language.
// Translations reference it by ID; after that the content is immutable except
// for the edit/delete flags. Rows are never physically removed (soft delete).
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - ConversationID: owning conversation (indexed with CreatedAt).
//   - SenderID: identity of the sender.
//   - Content: original-language text.
//   - OriginalLanguage: normalized base code of the content.
//   - ReplyToID: optional id-reference to a parent message (never embedded).
//   - EditedAt: set when the content was edited after creation.
type Message struct {
	ID               string  `json:"id"                gorm:"type:char(36);primaryKey"`
	ConversationID   string  `json:"conversation_id"   gorm:"type:char(36);not null;index:idx_conv_msgs,priority:1"`
	SenderID         string  `json:"sender_id"         gorm:"type:varchar(64);not null;index"`
	Content          string  `json:"content"           gorm:"type:text;not null"`
	OriginalLanguage string  `json:"original_language" gorm:"type:varchar(16);not null"`
	ReplyToID        *string `json:"reply_to_id,omitempty" gorm:"type:char(36);index"`
	EditedAt         *time.Time     `json:"edited_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at" gorm:"index:idx_conv_msgs,priority:2"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `json:"-" gorm:"index"`

	// Conversation is the parent. Messages are cascade-deleted if their
	// conversation is removed.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Translation is a completed translation of one message into one target
// language. Exactly one live row may exist per (message_id, target_language);
// the unique index backs the atomic upsert that concurrent dispatchers
// converge on. Rows are never mutated after creation except when a later
// retranslation supersedes them through the same upsert.
type Translation struct {
	ID                string  `json:"id"                 gorm:"type:char(36);primaryKey"`
	MessageID         string  `json:"message_id"         gorm:"type:char(36);not null;index;uniqueIndex:ux_translation_msg_lang,priority:1"`
	TargetLanguage    string  `json:"target_language"    gorm:"type:varchar(16);not null;uniqueIndex:ux_translation_msg_lang,priority:2"`
	TranslatedContent string  `json:"translated_content" gorm:"type:text;not null"`
	ModelTier         string  `json:"model_tier"         gorm:"type:varchar(32)"`
	Confidence        float64 `json:"confidence"`
	FromCache         bool    `json:"from_cache" gorm:"not null;default:false"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`

	Message Message `json:"-" gorm:"foreignKey:MessageID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Translation.
func (Translation) TableName() string { return "translations" }

// DeliveryStatus records per-recipient receipt and read timestamps for one
// message. Exactly one row per (message_id, user_id); concurrent
// markReceived/markRead calls from multiple sessions of the same user must
// collapse into that single row via upsert. ReadAt set implies ReceivedAt set.
type DeliveryStatus struct {
	ID         string     `json:"id"          gorm:"type:char(36);primaryKey"`
	MessageID  string     `json:"message_id"  gorm:"type:char(36);not null;index;uniqueIndex:ux_status_msg_user,priority:1"`
	UserID     string     `json:"user_id"     gorm:"type:varchar(64);not null;index;uniqueIndex:ux_status_msg_user,priority:2"`
	ReceivedAt *time.Time `json:"received_at,omitempty"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`

	Message Message `json:"-" gorm:"foreignKey:MessageID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for DeliveryStatus.
func (DeliveryStatus) TableName() string { return "delivery_statuses" }

// TranslationCacheEntry stores a previously computed translation keyed by
// (fingerprint, source_lang, target_lang). The fingerprint is a stable hash of
// normalized content, so identical text across distinct messages shares one
// entry and repeated phrases are served without a remote call.
type TranslationCacheEntry struct {
	ID                string  `gorm:"type:char(36);primaryKey"`
	Fingerprint       string  `gorm:"type:char(64);not null;uniqueIndex:ux_cache_fp_src_tgt,priority:1"`
	SourceLang        string  `gorm:"type:varchar(16);not null;uniqueIndex:ux_cache_fp_src_tgt,priority:2"`
	TargetLang        string  `gorm:"type:varchar(16);not null;uniqueIndex:ux_cache_fp_src_tgt,priority:3"`
	TranslatedContent string  `gorm:"type:text;not null"`
	ModelTier         string  `gorm:"type:varchar(32)"`
	Confidence        float64 `gorm:""`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TableName returns the database table name for TranslationCacheEntry.
func (TranslationCacheEntry) TableName() string { return "translation_cache" }
