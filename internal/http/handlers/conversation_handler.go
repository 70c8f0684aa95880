// Conversation HTTP handlers.
//
// This file exposes REST endpoints for conversations and their participants:
//   - POST   /conversations                      (create a conversation)
//   - POST   /conversations/{id}/join            (join as a registered member)
//   - POST   /conversations/{id}/guests          (join anonymously, returns a token)
//   - DELETE /conversations/{id}/participants/me (leave)
//   - PUT    /conversations/{id}/language        (change language preference)
//   - GET    /conversations/{id}/participants    (list participants)
//
// Handlers are transport-thin: they validate and normalize inputs, delegate
// to the participant service, and map service sentinels onto the stable error
// taxonomy in errors.go.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-polyglot-gateway/internal/domain"
	"github.com/tbourn/go-polyglot-gateway/internal/hub"
	"github.com/tbourn/go-polyglot-gateway/internal/services"
)

// Handlers bundles the HTTP endpoints and their service dependencies.
type Handlers struct {
	participantSvc *services.ParticipantService
	msgSvc         *services.MessageService
	statusSvc      *services.StatusService
	hub            *hub.Hub
}

// New constructs and returns a Handlers instance bound to the given services
// and the realtime session registry.
func New(participantSvc *services.ParticipantService, msgSvc *services.MessageService, statusSvc *services.StatusService, registry *hub.Hub) *Handlers {
	return &Handlers{participantSvc: participantSvc, msgSvc: msgSvc, statusSvc: statusSvc, hub: registry}
}

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware). If absent, it falls back to "X-User-ID" header (tests use it),
// and finally to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

//
// DTOs
//

// CreateConversationRequest is the JSON payload for creating a conversation.
type CreateConversationRequest struct {
	// Title optionally names the conversation; empty is allowed.
	Title string `json:"title" example:"Team standup"`
	// Language is the creator's language preference (BCP 47, reduced to base).
	Language string `json:"language" binding:"required" example:"en"`
}

// JoinConversationRequest carries the joining member's language preference.
type JoinConversationRequest struct {
	Language string `json:"language" binding:"required" example:"fr"`
}

// GuestJoinResponse returns the enrolled guest row plus the bearer token the
// guest presents on subsequent requests.
type GuestJoinResponse struct {
	Participant *domain.ConversationParticipant `json:"participant"`
	Token       string                          `json:"token"`
}

// Pagination is the standard pagination envelope.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListParticipantsResponse wraps a conversation's membership rows.
type ListParticipantsResponse struct {
	Participants []domain.ConversationParticipant `json:"participants"`
}

// validConvID checks the UUID shape of a path id and writes the error itself.
func validConvID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return "", false
	}
	return id, true
}

//
// Handlers
//

// CreateConversation godoc
// @ID          createConversation
// @Summary     Create a conversation
// @Description Creates an empty conversation and enrolls the caller as a moderator member.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller identity"  example(user123)
// @Param       body       body    handlers.CreateConversationRequest  true  "Conversation payload"
//
// @Success     201  {object}  domain.Conversation
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations [post]
func (h *Handlers) CreateConversation(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "language required")
		return
	}

	conv, err := h.participantSvc.CreateConversation(c.Request.Context(), userID(c), strings.TrimSpace(req.Title), req.Language)
	if err != nil {
		switch err {
		case services.ErrInvalidLanguage:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid language code")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusCreated, conv)
}

// JoinConversation godoc
// @ID          joinConversation
// @Summary     Join a conversation
// @Description Enrolls the caller as a registered member, or reactivates and updates an existing membership.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller identity"     example(user123)
// @Param       id         path    string  true  "Conversation ID"     format(uuid)
// @Param       body       body    handlers.JoinConversationRequest  true  "Join payload"
//
// @Success     200  {object}  domain.ConversationParticipant
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations/{id}/join [post]
func (h *Handlers) JoinConversation(c *gin.Context) {
	convID, okID := validConvID(c)
	if !okID {
		return
	}
	var req JoinConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "language required")
		return
	}

	p, err := h.participantSvc.Join(c.Request.Context(), convID, userID(c), req.Language)
	if err != nil {
		switch err {
		case services.ErrConversationNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		case services.ErrInvalidLanguage:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid language code")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, p)
}

// JoinGuest godoc
// @ID          joinGuest
// @Summary     Join a conversation anonymously
// @Description Enrolls a time-bounded anonymous guest and returns a bearer token scoped to this conversation.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true  "Conversation ID"  format(uuid)
// @Param       body  body  handlers.JoinConversationRequest  true  "Join payload"
//
// @Success     201  {object}  handlers.GuestJoinResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations/{id}/guests [post]
func (h *Handlers) JoinGuest(c *gin.Context) {
	convID, okID := validConvID(c)
	if !okID {
		return
	}
	var req JoinConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "language required")
		return
	}

	p, token, err := h.participantSvc.JoinGuest(c.Request.Context(), convID, req.Language)
	if err != nil {
		switch err {
		case services.ErrConversationNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		case services.ErrInvalidLanguage:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid language code")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	ok(c, http.StatusCreated, GuestJoinResponse{Participant: p, Token: token})
}

// LeaveConversation godoc
// @ID          leaveConversation
// @Summary     Leave a conversation
// @Description Deactivates the caller's membership. Guests stop contributing to translation targeting immediately.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller identity"  example(user123)
// @Param       id         path    string  true  "Conversation ID"  format(uuid)
//
// @Success     204  "Left"
// @Failure     404  {object}  handlers.ErrorResponse  "Not a participant"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations/{id}/participants/me [delete]
func (h *Handlers) LeaveConversation(c *gin.Context) {
	convID, okID := validConvID(c)
	if !okID {
		return
	}
	if err := h.participantSvc.Leave(c.Request.Context(), convID, userID(c)); err != nil {
		switch err {
		case services.ErrNotParticipant:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "not a participant")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	noContent(c)
}

// UpdateLanguage godoc
// @ID          updateLanguage
// @Summary     Change language preference
// @Description Updates the caller's stored language preference; takes effect for messages sent afterwards.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller identity"  example(user123)
// @Param       id         path    string  true  "Conversation ID"  format(uuid)
// @Param       body       body    handlers.JoinConversationRequest  true  "Language payload"
//
// @Success     200  {object}  domain.ConversationParticipant
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Not a participant"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations/{id}/language [put]
func (h *Handlers) UpdateLanguage(c *gin.Context) {
	convID, okID := validConvID(c)
	if !okID {
		return
	}
	var req JoinConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "language required")
		return
	}

	p, err := h.participantSvc.UpdateLanguage(c.Request.Context(), convID, userID(c), req.Language)
	if err != nil {
		switch err {
		case services.ErrNotParticipant:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "not a participant")
		case services.ErrInvalidLanguage:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid language code")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, p)
}

// ListParticipants godoc
// @ID          listParticipants
// @Summary     List conversation participants
// @Tags        Conversations
// @Produce     json
//
// @Param       id  path  string  true  "Conversation ID"  format(uuid)
//
// @Success     200  {object}  handlers.ListParticipantsResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations/{id}/participants [get]
func (h *Handlers) ListParticipants(c *gin.Context) {
	convID, okID := validConvID(c)
	if !okID {
		return
	}
	ps, err := h.participantSvc.List(c.Request.Context(), convID)
	if err != nil {
		switch err {
		case services.ErrConversationNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, ListParticipantsResponse{Participants: ps})
}
