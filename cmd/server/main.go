package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pulsewire/realtime/internal/broadcast"
	"github.com/pulsewire/realtime/internal/config"
	"github.com/pulsewire/realtime/internal/delivery"
	"github.com/pulsewire/realtime/internal/eventbus"
	"github.com/pulsewire/realtime/internal/interactive"
	"github.com/pulsewire/realtime/internal/platform/logging"
	"github.com/pulsewire/realtime/internal/ratelimit"
	"github.com/pulsewire/realtime/internal/server"
)

func setupConfig() *config.Config {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, redisURL string) *goredis.Client {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		slog.Error("Failed to parse Redis URL", "error", err)
		os.Exit(1)
	}

	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func runGracefulShutdown(srv *server.Server, orchestrator *delivery.Orchestrator, cancelBus context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		// Drain routing before the managers tear down their connections.
		orchestrator.Shutdown()
		cancelBus()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	redisClient := setupRedis(context.Background(), cfg.RedisURL)
	defer func() { _ = redisClient.Close() }()

	transport := eventbus.NewRedisTransport(redisClient, cfg.RedisChannel)
	bus := eventbus.New(transport, clock)

	busCtx, cancelBus := context.WithCancel(context.Background())
	go func() {
		if err := bus.Run(busCtx); err != nil {
			slog.Error("Cross-instance subscription terminated", "error", err)
		}
	}()

	broadcastLimiter := ratelimit.New(cfg.BroadcastRateLimit, cfg.BroadcastRateWindow, ratelimit.CountSuccesses, clock)
	interactiveLimiter := ratelimit.New(cfg.InteractiveRateLimit, cfg.InteractiveRateWindow, ratelimit.CountSuccesses, clock)

	broadcastMgr := broadcast.NewManager(nil, broadcastLimiter, clock)
	interactiveMgr := interactive.NewManager(bus, interactiveLimiter, clock)

	orchestrator := delivery.New(bus, broadcastMgr, interactiveMgr, clock)
	orchestrator.Start()

	limits := server.NewConnectionLimits(
		cfg.MaxConnections,
		cfg.MaxConnectionsPerIP,
		cfg.ConnectionsPerSecond,
		cfg.ConnectionBurst,
	)

	srv := server.NewServer(cfg, bus, broadcastMgr, interactiveMgr, orchestrator, server.TrustedClaimResolver{}, limits)

	done := runGracefulShutdown(srv, orchestrator, cancelBus)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
