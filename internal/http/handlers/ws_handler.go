// Websocket attach endpoint.
//
//	GET /conversations/{id}/ws?language=fr
//
// Upgrades the connection, registers a hub session for the conversation, and
// runs the standard reader/writer goroutine pair:
//
//   - the writer drains the session's buffered event channel onto the socket
//     and keeps the connection alive with periodic pings;
//   - the reader consumes client frames — delivery acks ("received"/"read")
//     and pong replies — and tears the session down on error or close.
//
// Backpressure: the hub delivers events into a bounded per-session buffer
// with non-blocking sends. A client too slow to drain its buffer misses
// events rather than stalling the conversation; history endpoints let it
// recover after reconnect.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-polyglot-gateway/internal/hub"
	"github.com/tbourn/go-polyglot-gateway/internal/langresolve"
	"github.com/tbourn/go-polyglot-gateway/internal/services"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMsgSize = 4 * 1024
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin enforcement happens in the CORS middleware ahead of the upgrade.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsClientFrame is the single inbound frame shape: delivery acks from the
// client's sessions.
type wsClientFrame struct {
	Type      string `json:"type"` // "received" | "read"
	MessageID string `json:"message_id"`
}

// AttachWS godoc
// @ID          attachWS
// @Summary     Attach a realtime session
// @Description Upgrades to a websocket delivering conversation events: originals, per-language translation completions, and status updates.
// @Tags        Realtime
//
// @Param       X-User-ID  header  string  true   "Caller identity"  example(user123)
// @Param       id         path    string  true   "Conversation ID"  format(uuid)
// @Param       language   query   string  false  "Session language override (defaults to the stored preference)"
//
// @Success     101  "Switching protocols"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid language override"
// @Failure     403  {object}  handlers.ErrorResponse  "Not a participant"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Router      /conversations/{id}/ws [get]
func (h *Handlers) AttachWS(c *gin.Context) {
	convID, okID := validConvID(c)
	if !okID {
		return
	}
	uid := userID(c)

	// Participation gate before the upgrade; after 101 there is no clean way
	// to return an HTTP error.
	lang, err := h.sessionLanguage(c, convID, uid)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrConversationNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		case errors.Is(err, services.ErrGuestExpired):
			fail(c, http.StatusForbidden, ErrCodeGuestExpired, "guest access expired")
		case errors.Is(err, services.ErrInvalidLanguage):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid language code")
		default:
			fail(c, http.StatusForbidden, ErrCodeForbidden, "not a participant")
		}
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	sess := hub.NewSession(uid, convID, lang)
	if err := h.hub.Join(c.Request.Context(), sess); err != nil {
		log.Error().Err(err).Str("conversation_id", convID).Msg("hub join failed")
		_ = conn.Close()
		return
	}

	go h.wsWriter(conn, sess)
	go h.wsReader(conn, sess, convID, uid)
}

// sessionLanguage resolves the language this socket listens in: explicit
// query override first, stored preference otherwise. The result is reduced to
// a base code because translation events carry normalized codes and the hub
// matches them by exact compare; "fr-CA" must land on the session as "fr".
func (h *Handlers) sessionLanguage(c *gin.Context, convID, uid string) (string, error) {
	p, err := h.participantSvc.Participant(c.Request.Context(), convID, uid)
	if err != nil {
		return "", err
	}
	if q := c.Query("language"); q != "" {
		lang := langresolve.Normalize(q)
		if lang == "" {
			return "", services.ErrInvalidLanguage
		}
		return lang, nil
	}
	return langresolve.Normalize(p.LanguagePreference), nil
}

// wsWriter pumps hub events to the socket and emits pings. It owns all writes
// on the connection.
func (h *Handlers) wsWriter(conn *websocket.Conn, sess *hub.Session) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		sess.Close()
		_ = conn.Close()
	}()

	for {
		select {
		case ev := <-sess.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sess.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// wsReader consumes client frames (delivery acks) until the socket errors or
// closes, then detaches the session from the hub. Acks run on a background
// context: the request context died with the upgrade handshake.
func (h *Handlers) wsReader(conn *websocket.Conn, sess *hub.Session, convID, uid string) {
	defer func() {
		h.hub.Leave(sess)
		sess.Close()
		_ = conn.Close()
	}()

	conn.SetReadLimit(wsMaxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("user_id", uid).Msg("websocket closed unexpectedly")
			}
			return
		}

		var frame wsClientFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.MessageID == "" {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		switch frame.Type {
		case "received":
			if err := h.statusSvc.MarkReceived(ctx, convID, uid, frame.MessageID); err != nil {
				log.Debug().Err(err).Str("message_id", frame.MessageID).Msg("ws received ack rejected")
			}
		case "read":
			if err := h.statusSvc.MarkRead(ctx, convID, uid, frame.MessageID); err != nil {
				log.Debug().Err(err).Str("message_id", frame.MessageID).Msg("ws read ack rejected")
			}
		}
		cancel()
	}
}
