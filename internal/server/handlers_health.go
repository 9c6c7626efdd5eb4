package server

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
)

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(200, map[string]any{
		"status": "ok",
		"uptime": s.orchestrator.Snapshot().UptimeSeconds,
	})
}

// handleReadiness gates on transport connectivity and reports the
// orchestrator's structured verdict alongside. A freshly started
// instance has no connections yet and reads unhealthy on the verdict
// alone, so the verdict never gates readiness by itself.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	health := s.orchestrator.Health(ctx)
	body := map[string]any{
		"status":     health.Status,
		"components": health.Components,
	}
	if health.Detail != "" {
		body["detail"] = health.Detail
	}

	if err := s.bus.Healthy(ctx); err != nil {
		body["error"] = err.Error()
		return c.JSON(503, body)
	}
	return c.JSON(200, body)
}
