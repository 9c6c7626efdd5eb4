package server

import (
	"errors"
	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/pulsewire/realtime/internal/domain"
)

type publishRequest struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
}

// handlePublish is the producer ingress: backend services post domain
// events here for distribution.
func (s *Server) handlePublish(c echo.Context) error {
	var req publishRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, map[string]string{"error": "malformed request body"})
	}

	ctx := c.Request().Context()
	event, err := s.bus.Publish(ctx, domain.EventType(req.EventType), req.Payload)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownEventType) {
			return c.JSON(400, map[string]string{"error": "unknown event type: " + req.EventType})
		}
		slog.ErrorContext(ctx, "Publish failed", "event_type", req.EventType, "error", err)
		return c.JSON(500, map[string]string{"error": "publish failed"})
	}

	return c.JSON(202, map[string]string{
		"status":   "accepted",
		"event_id": event.ID,
	})
}

func (s *Server) handleDisconnectUser(c echo.Context) error {
	userID := c.Param("user_id")
	if userID == "" {
		return c.JSON(400, map[string]string{"error": "missing user_id"})
	}

	closed := s.broadcast.DisconnectUser(userID)
	return c.JSON(200, map[string]any{
		"status":             "ok",
		"connections_closed": closed,
	})
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(200, map[string]any{
		"broadcast":   s.broadcast.Snapshot(),
		"interactive": s.interactive.Snapshot(),
		"performance": s.orchestrator.Snapshot(),
		"limits": map[string]any{
			"global_connections": s.limits.Global().Current(),
			"global_capacity":    s.limits.Global().Max(),
			"unique_ips":         s.limits.PerIP().UniqueIPs(),
		},
	})
}
