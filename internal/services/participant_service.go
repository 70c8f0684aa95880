// Package services – ParticipantService
//
// Conversation and membership lifecycle: creating conversations, joining as a
// registered member or as a time-bounded anonymous guest, leaving, and
// changing the language preference that drives translation targeting.
//
// Guest access is carried in a signed JWT rather than a server-side session:
// the token names the guest's synthetic user ID, the conversation it is
// scoped to, and its expiry, which mirrors the participant row's ExpiresAt.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-polyglot-gateway/internal/domain"
	"github.com/tbourn/go-polyglot-gateway/internal/langresolve"
	"github.com/tbourn/go-polyglot-gateway/internal/repo"
)

// GuestClaims is the JWT payload issued to anonymous participants.
type GuestClaims struct {
	ConversationID string `json:"cid"`
	Language       string `json:"lang"`
	jwt.RegisteredClaims
}

// ParticipantService owns conversations and their membership rows.
type ParticipantService struct {
	DB *gorm.DB

	// GuestSecret signs guest tokens; GuestTTL bounds anonymous access.
	GuestSecret []byte
	GuestTTL    time.Duration
}

// CreateConversation creates an empty conversation and enrolls the creator as
// a moderator member.
func (s *ParticipantService) CreateConversation(ctx context.Context, creatorID, title, language string) (*domain.Conversation, error) {
	tr := otel.Tracer("services/ParticipantService")
	ctx, span := tr.Start(ctx, "CreateConversation",
		trace.WithAttributes(attribute.String("user.id", creatorID)),
	)
	defer span.End()

	lang := langresolve.Normalize(language)
	if lang == "" {
		return nil, ErrInvalidLanguage
	}

	var conv *domain.Conversation
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := repo.CreateConversation(ctx, tx, title)
		if err != nil {
			return err
		}
		_, err = repo.UpsertParticipant(ctx, tx, &domain.ConversationParticipant{
			ConversationID:     c.ID,
			UserID:             creatorID,
			Kind:               domain.ParticipantMember,
			Role:               RoleModerator,
			LanguagePreference: lang,
			IsActive:           true,
		})
		if err != nil {
			return err
		}
		conv = c
		return nil
	})
	return conv, err
}

// Join enrolls a registered member, or reactivates and updates an existing
// row. Rejoining with a new language preference takes effect for every
// message sent afterwards.
func (s *ParticipantService) Join(ctx context.Context, conversationID, userID, language string) (*domain.ConversationParticipant, error) {
	tr := otel.Tracer("services/ParticipantService")
	ctx, span := tr.Start(ctx, "Join",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	lang := langresolve.Normalize(language)
	if lang == "" {
		return nil, ErrInvalidLanguage
	}
	if _, err := repo.GetConversation(ctx, s.DB, conversationID); err != nil {
		return nil, ErrConversationNotFound
	}

	return repo.UpsertParticipant(ctx, s.DB, &domain.ConversationParticipant{
		ConversationID:     conversationID,
		UserID:             userID,
		Kind:               domain.ParticipantMember,
		Role:               RoleMember,
		LanguagePreference: lang,
		IsActive:           true,
	})
}

// JoinGuest enrolls an anonymous participant under a fresh synthetic user ID
// and returns a signed token carrying the access window. Guests contribute to
// language resolution only while active and unexpired.
func (s *ParticipantService) JoinGuest(ctx context.Context, conversationID, language string) (*domain.ConversationParticipant, string, error) {
	tr := otel.Tracer("services/ParticipantService")
	ctx, span := tr.Start(ctx, "JoinGuest",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)),
	)
	defer span.End()

	lang := langresolve.Normalize(language)
	if lang == "" {
		return nil, "", ErrInvalidLanguage
	}
	if _, err := repo.GetConversation(ctx, s.DB, conversationID); err != nil {
		return nil, "", ErrConversationNotFound
	}

	guestID := "guest-" + uuid.NewString()
	expiresAt := time.Now().UTC().Add(s.GuestTTL)

	p, err := repo.UpsertParticipant(ctx, s.DB, &domain.ConversationParticipant{
		ConversationID:     conversationID,
		UserID:             guestID,
		Kind:               domain.ParticipantAnonymous,
		Role:               RoleMember,
		LanguagePreference: lang,
		IsActive:           true,
		ExpiresAt:          &expiresAt,
	})
	if err != nil {
		return nil, "", err
	}

	token, err := s.signGuestToken(guestID, conversationID, lang, expiresAt)
	if err != nil {
		return nil, "", err
	}
	return p, token, nil
}

// Leave deactivates the caller's membership. Registered members keep
// contributing their language preference to translation targeting (their
// history must stay readable on return); guests stop contributing entirely
// via the resolver's active/unexpired filter.
func (s *ParticipantService) Leave(ctx context.Context, conversationID, userID string) error {
	tr := otel.Tracer("services/ParticipantService")
	ctx, span := tr.Start(ctx, "Leave",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	if err := repo.DeactivateParticipant(ctx, s.DB, conversationID, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotParticipant
		}
		return err
	}
	return nil
}

// UpdateLanguage changes the caller's stored language preference.
func (s *ParticipantService) UpdateLanguage(ctx context.Context, conversationID, userID, language string) (*domain.ConversationParticipant, error) {
	lang := langresolve.Normalize(language)
	if lang == "" {
		return nil, ErrInvalidLanguage
	}
	existing, err := repo.GetParticipant(ctx, s.DB, conversationID, userID)
	if err != nil {
		return nil, ErrNotParticipant
	}
	existing.LanguagePreference = lang
	return repo.UpsertParticipant(ctx, s.DB, existing)
}

// Participant returns the caller's active membership row, checking guest
// expiry, for callers that need the stored language preference or role.
func (s *ParticipantService) Participant(ctx context.Context, conversationID, userID string) (*domain.ConversationParticipant, error) {
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

// List returns the conversation's membership rows.
func (s *ParticipantService) List(ctx context.Context, conversationID string) ([]domain.ConversationParticipant, error) {
	if _, err := repo.GetConversation(ctx, s.DB, conversationID); err != nil {
		return nil, ErrConversationNotFound
	}
	return repo.ListParticipants(ctx, s.DB, conversationID)
}

func (s *ParticipantService) signGuestToken(guestID, conversationID, lang string, expiresAt time.Time) (string, error) {
	claims := GuestClaims{
		ConversationID: conversationID,
		Language:       lang,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   guestID,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.GuestSecret)
}

// ParseGuestToken validates a guest token and returns its claims. Expired or
// tampered tokens map onto ErrGuestExpired.
func (s *ParticipantService) ParseGuestToken(tokenString string) (*GuestClaims, error) {
	var claims GuestClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.GuestSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrGuestExpired
	}
	return &claims, nil
}

// VerifyGuest validates a guest bearer token and returns the guest identity
// and the conversation it is scoped to. Satisfies the HTTP layer's
// GuestVerifier seam.
func (s *ParticipantService) VerifyGuest(tokenString string) (string, string, error) {
	claims, err := s.ParseGuestToken(tokenString)
	if err != nil {
		return "", "", err
	}
	return claims.Subject, claims.ConversationID, nil
}
