package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fleetbeam/relay/internal/agent"
	"github.com/fleetbeam/relay/internal/core/logger"
)

const version = "0.1.0"

func logLevel() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	logger.Init(logLevel(), os.Getenv("LOG_FORMAT"))

	relayURL := os.Getenv("RELAY_WS_URL")
	if relayURL == "" {
		relayURL = "ws://localhost:8080/ws"
	}

	interval := 30 * time.Second
	if raw := os.Getenv("METRIC_INTERVAL_SECONDS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			interval = time.Duration(n) * time.Second
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down agent")
		cancel()
	}()

	apiKey := os.Getenv("AGENT_API_KEY")
	if apiKey == "" {
		// First boot: provision against the REST API with the org key.
		orgKey := os.Getenv("ORG_API_KEY")
		baseURL := os.Getenv("RELAY_HTTP_URL")
		if orgKey == "" || baseURL == "" {
			logger.Error("AGENT_API_KEY or (ORG_API_KEY and RELAY_HTTP_URL) is required")
			os.Exit(1)
		}
		minted, err := agent.Register(ctx, baseURL, orgKey, version)
		if err != nil {
			logger.Error("registration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("agent registered, store AGENT_API_KEY for future runs")
		apiKey = minted
	}

	client := agent.NewClient(relayURL, apiKey, interval)
	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}
