package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints (no auth required)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/stats", s.handleStats)

	// Client-facing streams
	s.echo.GET("/events", s.handleEventStream)
	s.echo.GET("/ws", s.handleWebSocket)

	// Producer ingress (backend services only, shared-secret header)
	s.echo.POST("/publish", s.handlePublish, s.requirePublishSecret)
	s.echo.DELETE("/connections/:user_id", s.handleDisconnectUser, s.requirePublishSecret)
}
