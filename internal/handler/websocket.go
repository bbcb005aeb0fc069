package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"livethread/internal/broker"
	"livethread/internal/model"
)

const (
	writeWait      = 10 * time.Second
	maxFrameSize   = 4096
	minPingPeriod  = time.Second
	defaultTimeout = 150 * time.Second
)

// createUpgrader creates a WebSocket upgrader with the given allowed origins.
// Requests without an Origin header come from non-browser clients and are
// authenticated by token alone.
func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowedMap[origin]
		},
	}
}

func (h *Handler) pingPeriod() time.Duration {
	return max(h.Config.HeartbeatInterval, minPingPeriod)
}

func (h *Handler) readTimeout() time.Duration {
	if d := h.Config.HeartbeatTimeout(); d > 0 {
		return d
	}
	return defaultTimeout
}

// HandleWebSocket handles GET /ws. The caller is authenticated before the
// upgrade; a refused credential never opens a channel.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := h.Auth.Authenticate(r)
	if err != nil {
		h.Logger.Info("[GET /ws] ❌ Unauthorized", zap.Error(err))
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	upgrader := createUpgrader(h.Config.AllowedOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Info("WebSocket upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	session := h.Broker.Subscribe(userID)
	defer h.Broker.Unsubscribe(session)
	h.Service.Heartbeat(userID)

	go h.readFrames(conn, session)
	h.writeEvents(r, conn, session)
}

// readFrames consumes client frames until the connection fails, then
// closes the session so the writer stops too.
func (h *Handler) readFrames(conn *websocket.Conn, session *broker.Session) {
	defer h.Broker.Unsubscribe(session)

	alive := func() {
		now := time.Now()
		conn.SetReadDeadline(now.Add(h.readTimeout()))
		session.Touch(now)
		h.Service.Heartbeat(session.UserID())
	}

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(h.readTimeout()))
	conn.SetPongHandler(func(string) error {
		alive()
		return nil
	})

	for {
		var frame model.ClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.Logger.Info("[WebSocket] read error",
					zap.String("session_id", session.ID()),
					zap.Error(err),
				)
			}
			return
		}
		if err := frame.Validate(); err != nil {
			h.Logger.Warn("[WebSocket] frame rejected",
				zap.String("session_id", session.ID()),
				zap.Error(err),
			)
			continue
		}

		alive()
		switch frame.Type {
		case model.FrameFocus:
			session.Focus(frame.ConversationID)
		case model.FrameBlur:
			session.Blur()
		}
	}
}

// writeEvents drains the session to the socket and pings every ping
// period whether or not events are flowing.
func (h *Handler) writeEvents(r *http.Request, conn *websocket.Conn, session *broker.Session) {
	nextPing := time.Now().Add(h.pingPeriod())
	for {
		wait := time.Until(nextPing)
		if wait <= 0 {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			wait = h.pingPeriod()
			nextPing = time.Now().Add(wait)
		}

		ev, err := session.Next(r.Context(), wait)
		switch {
		case errors.Is(err, broker.ErrIdle):
			continue
		case errors.Is(err, broker.ErrSessionClosed):
			h.writeClose(conn, session.CloseReason())
			return
		case err != nil:
			return
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			h.Logger.Info("[WebSocket] write error",
				zap.String("session_id", session.ID()),
				zap.Error(err),
			)
			return
		}
	}
}

// writeClose tells the client whether it should reconnect
func (h *Handler) writeClose(conn *websocket.Conn, reason broker.CloseReason) {
	code := websocket.CloseTryAgainLater
	if reason == broker.ReasonClient || reason == "" {
		code = websocket.CloseNormalClosure
	}
	msg := websocket.FormatCloseMessage(code, string(reason))
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
