// Package langresolve computes the set of target languages a message must be
// translated into: every distinct preference carried by the conversation's
// participants, live or historical, minus the message's own language.
package langresolve

import (
	"context"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-polyglot-gateway/internal/repo"
)

// SessionLanguages exposes the distinct language preferences of a
// conversation's currently connected sessions. Implemented by hub.Hub.
type SessionLanguages interface {
	Languages(conversationID string) []string
}

// Resolver derives translation targets from the live connection registry
// plus persisted membership (registered members and active anonymous
// participants).
type Resolver struct {
	DB       *gorm.DB
	Sessions SessionLanguages
}

// TargetLanguages returns the distinct, normalized target set for a message
// in conversationID written in originalLanguage. Offline registered members
// still contribute (their translations must be ready when they reconnect);
// expired or inactive anonymous participants do not. The original language is
// excluded: translating a language into itself is skipped, not issued as a
// degenerate request. A conversation with no resolvable participants yields
// an empty set, not an error.
func (r *Resolver) TargetLanguages(ctx context.Context, conversationID, originalLanguage string) ([]string, error) {
	source := Normalize(originalLanguage)

	persisted, err := repo.ParticipantLanguages(ctx, r.DB, conversationID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	var live []string
	if r.Sessions != nil {
		live = r.Sessions.Languages(conversationID)
	}

	seen := make(map[string]struct{}, len(persisted)+len(live))
	out := make([]string, 0, len(persisted)+len(live))
	for _, raw := range append(persisted, live...) {
		lang := Normalize(raw)
		if lang == "" || lang == source {
			continue
		}
		if _, dup := seen[lang]; dup {
			continue
		}
		seen[lang] = struct{}{}
		out = append(out, lang)
	}
	sort.Strings(out)
	return out, nil
}

// Normalize reduces a language preference to a lowercase base code:
// "en-US" → "en", "fr_CA" → "fr", "ZH" → "zh". Unparseable input falls back
// to a plain lowercase prefix cut so a slightly malformed preference still
// resolves rather than silently dropping a participant.
func Normalize(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return ""
	}
	if t, err := language.Parse(strings.ReplaceAll(tag, "_", "-")); err == nil {
		base, conf := t.Base()
		if conf != language.No {
			return base.String()
		}
	}
	lower := strings.ToLower(tag)
	if idx := strings.IndexAny(lower, "-_"); idx >= 0 {
		lower = lower[:idx]
	}
	return lower
}
