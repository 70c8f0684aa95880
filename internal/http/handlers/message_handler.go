// Message HTTP handlers.
//
// This file exposes REST endpoints for conversation messages:
//   - POST   /conversations/{id}/messages              (send a message)
//   - GET    /conversations/{id}/messages              (paginated history with translations)
//   - GET    /conversations/{id}/messages/{messageId}  (one message with translations)
//   - PUT    /conversations/{id}/messages/{messageId}  (edit, sender only)
//   - DELETE /conversations/{id}/messages/{messageId}  (delete, sender only)
//
// Handlers are transport-thin:
//   - validate & normalize inputs (including newline and length constraints)
//   - delegate to application services (MessageService)
//   - implement conditional responses (ETag) and idempotency semantics
//
// Idempotency:
// If the client supplies an Idempotency-Key header, retried sends with the
// same key return the originally created message and set
// `Idempotency-Replayed: true` instead of creating a duplicate.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-polyglot-gateway/internal/repo"
	"github.com/tbourn/go-polyglot-gateway/internal/services"
	"github.com/tbourn/go-polyglot-gateway/internal/utils"
)

//
// DTOs
//

// SendMessageRequest is the JSON payload for sending a message.
//
// Content is normalized by the handler (line endings and excessive blank
// lines) before being passed to the service layer, which enforces the
// role-dependent rune ceiling.
type SendMessageRequest struct {
	// Content is the message body in the sender's language. Must be non-empty.
	Content string `json:"content" binding:"required,min=1" example:"Bonjour tout le monde!"`
	// Language optionally declares the content's language; defaults to the
	// sender's stored preference.
	Language string `json:"language,omitempty" example:"fr"`
	// ReplyToID optionally references a message in the same conversation.
	ReplyToID string `json:"reply_to_id,omitempty" format:"uuid"`
}

// EditMessageRequest is the JSON payload for editing a message.
type EditMessageRequest struct {
	Content string `json:"content" binding:"required,min=1"`
}

// SendMessageResponse is the JSON envelope for a newly created message.
type SendMessageResponse struct {
	Message *services.MessageView `json:"message"`
}

// ListMessagesResponse contains a page of messages (each with its completed
// translations) and pagination metadata.
type ListMessagesResponse struct {
	Messages   []services.MessageView `json:"messages"`
	Pagination Pagination             `json:"pagination"`
}

//
// Helpers
//

// clampMsgPagination parses page/page_size from query parameters, applies sane
// defaults and caps, and returns the validated (page, pageSize).
func clampMsgPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 50
		maxPageSize     = 200
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes user text for consistent downstream behavior:
//   - converts CRLF/CR to LF,
//   - collapses runs of 3+ LFs to exactly two (paragraph separation),
//   - trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// failSendErr maps the service sentinels of the send/edit path onto HTTP
// responses. Shared between SendMessage and EditMessage.
func failSendErr(c *gin.Context, err error) {
	var rl *services.RateLimitedError
	switch {
	case errors.As(err, &rl):
		c.Header("Retry-After", strconv.Itoa(int(rl.RetryAfter/time.Second)))
		fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded")
	case errors.Is(err, services.ErrConversationNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
	case errors.Is(err, services.ErrNotParticipant):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "not a participant")
	case errors.Is(err, services.ErrGuestExpired):
		fail(c, http.StatusForbidden, ErrCodeGuestExpired, "guest access expired")
	case errors.Is(err, services.ErrEmptyContent):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
	case errors.Is(err, services.ErrTooLong):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content too long")
	case errors.Is(err, services.ErrTooManyMentions):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "too many mentions")
	case errors.Is(err, services.ErrBadReplyTarget):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "reply target not found in this conversation")
	case errors.Is(err, services.ErrMessageNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "message not found")
	case errors.Is(err, services.ErrNotSender):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "only the sender can modify this message")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeSendFailed, err.Error())
	}
}

//
// Handlers
//

// SendMessage godoc
// @ID          sendMessage
// @Summary     Send a message
// @Description Persists the message, broadcasts the original to all joined sessions, and dispatches translation work asynchronously.
// @Description Supports idempotency via the Idempotency-Key header (same key → same message).
// @Tags        Messages
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  true  "Caller identity"  example(user123)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       id               path    string  true  "Conversation ID (UUID)"  format(uuid)
// @Param       body             body    handlers.SendMessageRequest  true  "Message payload"
//
// @Success     201  {object}  handlers.SendMessageResponse  "Created message"
// @Failure     400  {object}  handlers.ErrorResponse        "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse        "Not a participant"
// @Failure     404  {object}  handlers.ErrorResponse        "Conversation not found"
// @Failure     429  {object}  handlers.ErrorResponse        "Rate limited"
// @Failure     500  {object}  handlers.ErrorResponse        "Internal error"
// @Router      /conversations/{id}/messages [post]
func (h *Handlers) SendMessage(c *gin.Context) {
	ctx := c.Request.Context()
	convID, okID := validConvID(c)
	if !okID {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	// Sanitize + early size cap to fail fast at the edge.
	content := sanitizeContent(req.Content)
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	if max := h.msgSvc.MaxMessageRunesModerator; max > 0 && utf8.RuneCountInString(content) > max {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", max))
		return
	}

	idemKey, _ := GetIdempotencyKeyCompat(c)

	res, err := h.msgSvc.Send(ctx, services.SendInput{
		ConversationID: convID,
		SenderID:       userID(c),
		Content:        content,
		Language:       req.Language,
		ReplyToID:      req.ReplyToID,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		failSendErr(c, err)
		return
	}

	if res.Replayed {
		c.Header("Idempotency-Replayed", "true")
		ok(c, http.StatusOK, SendMessageResponse{Message: &services.MessageView{Message: *res.Message}})
		return
	}
	ok(c, http.StatusCreated, SendMessageResponse{Message: &services.MessageView{Message: *res.Message}})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages in a conversation
// @Description Returns a paginated list of messages, oldest first, each with its completed translations.
// @Tags        Messages
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller identity"  example(user123)
// @Param       id         path    string  true  "Conversation ID (UUID)"  format(uuid)
// @Param       page       query   int     false "Page number"      minimum(1) default(1)
// @Param       page_size  query   int     false "Items per page"   minimum(1) maximum(200) default(50)
//
// @Success     200  {object} handlers.ListMessagesResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     403  {object} handlers.ErrorResponse "Not a participant"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /conversations/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	convID, okID := validConvID(c)
	if !okID {
		return
	}

	// ETag pre-check (best effort).
	if h.msgSvc.DB != nil {
		count, maxTS, err := repo.MessagesStats(ctx, h.msgSvc.DB, convID)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"messages:%s:%d:%d"`, convID, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	page, pageSize := clampMsgPagination(c)

	items, total, err := h.msgSvc.HistoryPage(ctx, convID, userID(c), page, pageSize)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrConversationNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		case errors.Is(err, services.ErrNotParticipant):
			fail(c, http.StatusForbidden, ErrCodeForbidden, "not a participant")
		case errors.Is(err, services.ErrGuestExpired):
			fail(c, http.StatusForbidden, ErrCodeGuestExpired, "guest access expired")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		}
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// GetMessage godoc
// @ID          getMessage
// @Summary     Get one message
// @Tags        Messages
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller identity"        example(user123)
// @Param       id         path    string  true  "Conversation ID"        format(uuid)
// @Param       messageId  path    string  true  "Message ID"             format(uuid)
//
// @Success     200  {object}  handlers.SendMessageResponse
// @Failure     403  {object}  handlers.ErrorResponse  "Not a participant"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Router      /conversations/{id}/messages/{messageId} [get]
func (h *Handlers) GetMessage(c *gin.Context) {
	convID, okID := validConvID(c)
	if !okID {
		return
	}
	msgID := c.Param("messageId")
	if _, err := uuid.Parse(msgID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message id must be a UUID")
		return
	}

	view, err := h.msgSvc.Get(c.Request.Context(), convID, userID(c), msgID)
	if err != nil {
		failSendErr(c, err)
		return
	}
	ok(c, http.StatusOK, SendMessageResponse{Message: view})
}

// EditMessage godoc
// @ID          editMessage
// @Summary     Edit a message
// @Description Replaces the content (sender only) and re-dispatches translations so every language converges on the new text.
// @Tags        Messages
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller identity"  example(user123)
// @Param       id         path    string  true  "Conversation ID"  format(uuid)
// @Param       messageId  path    string  true  "Message ID"       format(uuid)
// @Param       body       body    handlers.EditMessageRequest  true  "New content"
//
// @Success     200  {object}  handlers.SendMessageResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse  "Not the sender"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Router      /conversations/{id}/messages/{messageId} [put]
func (h *Handlers) EditMessage(c *gin.Context) {
	convID, okID := validConvID(c)
	if !okID {
		return
	}
	msgID := c.Param("messageId")
	if _, err := uuid.Parse(msgID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message id must be a UUID")
		return
	}

	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	m, err := h.msgSvc.Edit(c.Request.Context(), convID, userID(c), msgID, sanitizeContent(req.Content))
	if err != nil {
		failSendErr(c, err)
		return
	}
	ok(c, http.StatusOK, SendMessageResponse{Message: &services.MessageView{Message: *m}})
}

// DeleteMessage godoc
// @ID          deleteMessage
// @Summary     Delete a message
// @Description Soft-deletes the message (sender only) and broadcasts a tombstone to joined sessions.
// @Tags        Messages
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller identity"  example(user123)
// @Param       id         path    string  true  "Conversation ID"  format(uuid)
// @Param       messageId  path    string  true  "Message ID"       format(uuid)
//
// @Success     204  "Deleted"
// @Failure     403  {object}  handlers.ErrorResponse  "Not the sender"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Router      /conversations/{id}/messages/{messageId} [delete]
func (h *Handlers) DeleteMessage(c *gin.Context) {
	convID, okID := validConvID(c)
	if !okID {
		return
	}
	msgID := c.Param("messageId")
	if _, err := uuid.Parse(msgID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message id must be a UUID")
		return
	}

	if err := h.msgSvc.Delete(c.Request.Context(), convID, userID(c), msgID); err != nil {
		failSendErr(c, err)
		return
	}
	noContent(c)
}

// GetIdempotencyKeyCompat extracts an idempotency key if an upstream
// middleware has already validated/stashed it. The fallback behavior reads
// the "Idempotency-Key" header directly when no dedicated middleware exists.
func GetIdempotencyKeyCompat(c *gin.Context) (string, bool) {
	if v := strings.TrimSpace(c.GetHeader("Idempotency-Key")); v != "" {
		return v, true
	}
	return "", false
}
