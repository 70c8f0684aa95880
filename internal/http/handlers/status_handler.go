// Delivery status HTTP handlers.
//
// REST fallbacks for the delivery tracker; connected clients normally send
// receipts and reads over the websocket, but pollers and mobile push flows
// use these endpoints:
//   - POST /conversations/{id}/messages/{messageId}/received
//   - POST /conversations/{id}/messages/{messageId}/read
//   - GET  /conversations/{id}/messages/{messageId}/status
//   - GET  /conversations/{id}/unread
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-polyglot-gateway/internal/services"
)

// UnreadResponse reports the caller's unread message count.
type UnreadResponse struct {
	ConversationID string `json:"conversation_id"`
	Unread         int64  `json:"unread"`
}

func (h *Handlers) markStatus(c *gin.Context, read bool) {
	convID, okID := validConvID(c)
	if !okID {
		return
	}
	msgID := c.Param("messageId")
	if _, err := uuid.Parse(msgID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message id must be a UUID")
		return
	}

	var err error
	if read {
		err = h.statusSvc.MarkRead(c.Request.Context(), convID, userID(c), msgID)
	} else {
		err = h.statusSvc.MarkReceived(c.Request.Context(), convID, userID(c), msgID)
	}
	if err != nil {
		switch {
		case errors.Is(err, services.ErrMessageNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "message not found")
		case errors.Is(err, services.ErrNotParticipant):
			fail(c, http.StatusForbidden, ErrCodeForbidden, "not a participant")
		case errors.Is(err, services.ErrGuestExpired):
			fail(c, http.StatusForbidden, ErrCodeGuestExpired, "guest access expired")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	noContent(c)
}

// MarkReceived godoc
// @ID          markReceived
// @Summary     Mark a message as received
// @Description Idempotent: repeated calls (from any of the user's sessions) collapse into one record.
// @Tags        Status
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller identity"  example(user123)
// @Param       id         path    string  true  "Conversation ID"  format(uuid)
// @Param       messageId  path    string  true  "Message ID"       format(uuid)
//
// @Success     204  "Recorded"
// @Failure     404  {object}  handlers.ErrorResponse  "Message not found"
// @Router      /conversations/{id}/messages/{messageId}/received [post]
func (h *Handlers) MarkReceived(c *gin.Context) { h.markStatus(c, false) }

// MarkRead godoc
// @ID          markRead
// @Summary     Mark a message as read
// @Description Also records a receipt when none exists yet; a read always implies a receipt.
// @Tags        Status
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller identity"  example(user123)
// @Param       id         path    string  true  "Conversation ID"  format(uuid)
// @Param       messageId  path    string  true  "Message ID"       format(uuid)
//
// @Success     204  "Recorded"
// @Failure     404  {object}  handlers.ErrorResponse  "Message not found"
// @Router      /conversations/{id}/messages/{messageId}/read [post]
func (h *Handlers) MarkRead(c *gin.Context) { h.markStatus(c, true) }

// GetStatus godoc
// @ID          getStatus
// @Summary     Get the caller's delivery status for one message
// @Tags        Status
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller identity"  example(user123)
// @Param       id         path    string  true  "Conversation ID"  format(uuid)
// @Param       messageId  path    string  true  "Message ID"       format(uuid)
//
// @Success     200  {object}  domain.DeliveryStatus
// @Failure     404  {object}  handlers.ErrorResponse  "No status recorded"
// @Router      /conversations/{id}/messages/{messageId}/status [get]
func (h *Handlers) GetStatus(c *gin.Context) {
	convID, okID := validConvID(c)
	if !okID {
		return
	}
	msgID := c.Param("messageId")
	if _, err := uuid.Parse(msgID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message id must be a UUID")
		return
	}

	st, err := h.statusSvc.Get(c.Request.Context(), convID, msgID, userID(c))
	if err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "no status recorded")
		return
	}
	ok(c, http.StatusOK, st)
}

// UnreadCount godoc
// @ID          unreadCount
// @Summary     Count unread messages
// @Description Counts live messages from other senders the caller has not read.
// @Tags        Status
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller identity"  example(user123)
// @Param       id         path    string  true  "Conversation ID"  format(uuid)
//
// @Success     200  {object}  handlers.UnreadResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Router      /conversations/{id}/unread [get]
func (h *Handlers) UnreadCount(c *gin.Context) {
	convID, okID := validConvID(c)
	if !okID {
		return
	}
	n, err := h.statusSvc.UnreadCount(c.Request.Context(), convID, userID(c))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrConversationNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, UnreadResponse{ConversationID: convID, Unread: n})
}
