package handler

import (
	"time"

	"anonchat/backend/internal/chathub"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const closeGracePeriod = time.Second

// ServeWebSocket оновлює HTTP-з'єднання до WebSocket.
// Без валідного токена з'єднання закривається з кодом 1008 і не потрапляє в Relay.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	id, authErr := h.auth.FromRequest(c.Request)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrader вже відповів клієнту
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	if authErr != nil {
		if !errors.Is(authErr, ErrUnauthorized) {
			h.log.Error("resolve identity", zap.Error(authErr))
		}
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Unauthorized")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		_ = conn.Close()
		return
	}

	client := chathub.NewWebSocketClient(conn, id, h.relay, h.opts.SendBuffer, h.log)
	if replaced := h.registry.Register(client); replaced != nil {
		h.log.Info("connection replaced", zap.String("user_id", id.UserID))
		replaced.Close()
	}

	client.Run()
}
