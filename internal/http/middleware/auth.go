// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the caller's identity. Two forms are accepted:
//
//   - Registered members present X-User-ID, the identity header the upstream
//     gateway or auth proxy stamps after verifying its own credentials.
//   - Anonymous guests present "Authorization: Bearer <token>" carrying the
//     signed JWT issued at guest join time. The token names the synthetic
//     guest user and the single conversation it is scoped to.
//
// The resolved identity is stored under the "userID" Gin context key, where
// the logging, rate-limit, and idempotency middleware already look for it.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Context keys set by Auth.
const (
	ctxKeyUserID    = "userID"
	ctxKeyGuestConv = "guestConversationID" // set only for guest tokens
)

// GuestVerifier validates a guest bearer token and returns the guest's user
// ID and the conversation it is scoped to. Implemented by
// services.ParticipantService.
type GuestVerifier interface {
	VerifyGuest(token string) (userID, conversationID string, err error)
}

// UserID returns the authenticated identity, empty when the request carried
// no credentials.
func UserID(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyUserID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GuestConversationID returns the conversation a guest token is scoped to,
// empty for member identities.
func GuestConversationID(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyGuestConv); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Auth resolves the caller identity from X-User-ID or a guest bearer token
// and stashes it in the context. Requests with neither are rejected with 401;
// mount public routes (health, metrics, guest join) before this middleware.
func Auth(guests GuestVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if uid := strings.TrimSpace(c.GetHeader("X-User-ID")); uid != "" {
			c.Set(ctxKeyUserID, uid)
			c.Next()
			return
		}

		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") && guests != nil {
			token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			uid, convID, err := guests.VerifyGuest(token)
			if err == nil && uid != "" {
				c.Set(ctxKeyUserID, uid)
				c.Set(ctxKeyGuestConv, convID)
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"request_id": c.Writer.Header().Get("X-Request-ID"),
			"code":       "unauthorized",
			"message":    "missing or invalid credentials",
		})
	}
}
