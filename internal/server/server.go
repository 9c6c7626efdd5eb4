package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/pulsewire/realtime/internal/broadcast"
	"github.com/pulsewire/realtime/internal/config"
	"github.com/pulsewire/realtime/internal/delivery"
	"github.com/pulsewire/realtime/internal/domain"
	"github.com/pulsewire/realtime/internal/eventbus"
	"github.com/pulsewire/realtime/internal/interactive"
)

type Server struct {
	echo         *echo.Echo
	config       *config.Config
	bus          *eventbus.Bus
	broadcast    *broadcast.Manager
	interactive  *interactive.Manager
	orchestrator *delivery.Orchestrator
	resolver     domain.IdentityResolver
	limits       *ConnectionLimits
}

func NewServer(
	cfg *config.Config,
	bus *eventbus.Bus,
	broadcastMgr *broadcast.Manager,
	interactiveMgr *interactive.Manager,
	orchestrator *delivery.Orchestrator,
	resolver domain.IdentityResolver,
	limits *ConnectionLimits,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(correlationMiddleware)

	srv := &Server{
		echo:         e,
		config:       cfg,
		bus:          bus,
		broadcast:    broadcastMgr,
		interactive:  interactiveMgr,
		orchestrator: orchestrator,
		resolver:     resolver,
		limits:       limits,
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
