package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/pulsewire/realtime/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Clients connect from arbitrary app origins; auth happens via token.
		return true
	},
}

const maxInboundFrameBytes = 16 * 1024

// handleWebSocket serves the bidirectional interactive channel. Unlike
// the broadcast stream, a resolvable identity is mandatory.
func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()
	if ok, reason := s.limits.Acquire(ip); !ok {
		return c.JSON(429, map[string]string{"error": "connection limit reached", "reason": string(reason)})
	}
	defer s.limits.Release(ip)

	ctx := c.Request().Context()

	token := bearerToken(c.Request().Header.Get("Authorization"), c.QueryParam("token"))
	identity, err := s.resolver.Resolve(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrAuthenticationMissing) {
			return c.JSON(401, map[string]string{"error": "authentication required"})
		}
		return c.JSON(401, map[string]string{"error": "invalid token"})
	}

	sock, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.WarnContext(ctx, "WebSocket upgrade failed", "remote_ip", ip, "error", err)
		return nil
	}

	conn, err := s.interactive.Register(identity, sock)
	if err != nil {
		_ = sock.Close()
		return nil
	}

	slog.DebugContext(ctx, "Interactive connection opened",
		"connection_id", conn.ID.String(), "user_id", identity.UserID, "remote_ip", ip)

	sock.SetReadLimit(maxInboundFrameBytes)
	sock.SetPongHandler(func(string) error {
		s.interactive.PongReceived(conn.ID)
		return nil
	})

	// Read pump (blocks until disconnect). The manager owns all writes
	// through its client writer.
	for {
		_, raw, err := sock.ReadMessage()
		if err != nil {
			break
		}
		s.interactive.HandleInbound(conn.ID, raw)
	}

	s.interactive.Disconnect(conn.ID, "client closed socket")
	return nil
}
