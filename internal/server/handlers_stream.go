package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/pulsewire/realtime/internal/broadcast"
)

// handleEventStream serves the one-way broadcast channel over SSE.
// Identity is optional here: anonymous connections receive unfiltered
// events on their subscribed types.
func (s *Server) handleEventStream(c echo.Context) error {
	ip := c.RealIP()
	if ok, reason := s.limits.Acquire(ip); !ok {
		return c.JSON(429, map[string]string{"error": "connection limit reached", "reason": string(reason)})
	}
	defer s.limits.Release(ip)

	ctx := c.Request().Context()

	userID := ""
	if token := bearerToken(c.Request().Header.Get("Authorization"), c.QueryParam("token")); token != "" {
		identity, err := s.resolver.Resolve(ctx, token)
		if err != nil {
			return c.JSON(401, map[string]string{"error": "invalid token"})
		}
		userID = identity.UserID
	}

	var channels []string
	if raw := c.QueryParam("channels"); raw != "" {
		channels = strings.Split(raw, ",")
	}

	conn, err := s.broadcast.Connect(ctx, userID, channels)
	if err != nil {
		return c.JSON(503, map[string]string{"error": "broadcast channel unavailable"})
	}
	defer s.broadcast.Disconnect(conn.ID, "client closed stream")

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	slog.DebugContext(ctx, "Event stream opened",
		"connection_id", conn.ID.String(), "user_id", userID, "remote_ip", ip)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			return nil
		case frame, ok := <-conn.Frames():
			if !ok {
				return nil
			}
			if err := writeSSEFrame(resp, frame); err != nil {
				return nil
			}
			resp.Flush()
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, frame broadcast.Frame) error {
	if frame.Event == "keepalive" {
		// Comment line keeps intermediaries from timing out the stream.
		_, err := fmt.Fprint(w, ": keepalive\n\n")
		return err
	}
	if frame.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", frame.ID); err != nil {
			return err
		}
	}
	if frame.Event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", frame.Event); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", frame.Data)
	return err
}
