package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_handler "github.com/fleetbeam/relay/internal/adapters/handler/http"
	"github.com/fleetbeam/relay/internal/adapters/handler/mqtt"
	"github.com/fleetbeam/relay/internal/adapters/handler/ws"
	redis_presence "github.com/fleetbeam/relay/internal/adapters/presence/redis"
	"github.com/fleetbeam/relay/internal/adapters/repository/pg"
	"github.com/fleetbeam/relay/internal/config"
	"github.com/fleetbeam/relay/internal/core/logger"
	"github.com/fleetbeam/relay/internal/core/ports"
	"github.com/fleetbeam/relay/internal/core/services"
	"github.com/fleetbeam/relay/internal/core/tracing"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting agent relay", "version", version)

	if cfg.OTLPEndpoint != "" {
		shutdownTracing, err := tracing.Init(cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("failed to initialize tracing", "error", err)
		} else {
			logger.Info("tracing initialized", "endpoint", cfg.OTLPEndpoint)
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logger.Error("failed to shutdown tracing", "error", err)
				}
			}()
		}
	}

	repo, err := pg.NewRepository(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to init postgres", "error", err)
		log.Fatalf("failed to init postgres: %v", err)
	}

	presenceCache, redisClient, err := redis_presence.NewCache(cfg.RedisURL)
	if err != nil {
		logger.Error("failed to init redis", "error", err)
		log.Fatalf("failed to init redis: %v", err)
	}

	hub := ws.NewHub()

	// When a broker is configured, organization broadcasts are mirrored to
	// MQTT topics alongside the websocket fan-out.
	var broadcaster ports.Broadcaster = hub
	if cfg.MQTTBroker != "" {
		mirror, err := mqtt.NewMirror(hub, cfg.MQTTBroker)
		if err != nil {
			logger.Error("failed to init MQTT mirror, continuing without", "error", err)
		} else {
			broadcaster = mirror
			defer mirror.Close()
		}
	}

	authService := services.NewAuthService(repo, repo, cfg.JWTSecret)
	commandService := services.NewCommandService(repo, repo, broadcaster, cfg.CommandBacklog, cfg.CommandTimeout)
	presenceService := services.NewPresenceService(repo, presenceCache, broadcaster, commandService, cfg.PresenceTimeout)
	telemetryService := services.NewTelemetryService(repo, presenceService, broadcaster)
	healthService := services.NewHealthService(repo.DB(), redisClient, version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.PresenceTimeout > 0 {
		go presenceService.RunSweeper(ctx, cfg.SweepInterval)
	}
	if cfg.CommandTimeout > 0 {
		go commandService.RunExpirySweeper(ctx, cfg.SweepInterval)
	}

	gateway := ws.NewGateway(hub, authService, presenceService, telemetryService, commandService)
	server := http_handler.NewServer(authService, healthService, telemetryService, commandService, repo, presenceCache, gateway)

	// Graceful shutdown: stop the sweepers, drain in-flight requests, then
	// let the deferred MQTT/tracing cleanups run.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down gracefully")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	logger.Info("HTTP server starting", "port", cfg.HTTPPort)
	if err := server.Run(":" + cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("HTTP server failed", "error", err)
		log.Fatalf("failed to serve http: %v", err)
	}
	logger.Info("server stopped")
}
