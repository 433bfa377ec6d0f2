// Command search-mcp runs the aggregating MCP proxy: it spawns the
// configured backend MCP servers, aggregates their tool catalogs under
// a per-backend namespace, and exposes the union plus its own internal
// diagnostic tools as a single MCP server over stdin/stdout.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/search-mcp/search-mcp/internal/audit"
	"github.com/search-mcp/search-mcp/internal/auth"
	"github.com/search-mcp/search-mcp/internal/config"
	"github.com/search-mcp/search-mcp/internal/dispatcher"
	"github.com/search-mcp/search-mcp/internal/manager"
	"github.com/search-mcp/search-mcp/internal/ratelimit"
	"github.com/search-mcp/search-mcp/internal/telemetry"
	"github.com/search-mcp/search-mcp/internal/tools"
)

const (
	evictionPeriod   = 5 * time.Minute
	idleThreshold    = time.Hour
	auditRetention   = 90 * 24 * time.Hour
	auditCleanupTick = time.Hour
)

func main() {
	// stdout is reserved exclusively for JSON-RPC traffic; every log
	// line goes to stderr.
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Error().Err(err).Msg("search-mcp exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		return err
	}

	auditLog, err := audit.New(cfg.AuditLogFile, audit.LevelInfo, auditRetention)
	if err != nil {
		log.Error().Err(err).Msg("failed to open audit log")
		return err
	}
	defer auditLog.Close()

	stopCleanup := make(chan struct{})
	auditLog.StartCleanupLoop(auditCleanupTick, stopCleanup)
	defer close(stopCleanup)

	shutdownTracing, err := telemetry.Init(telemetry.Config{
		Enabled:     os.Getenv("OTEL_ENABLED") == "true",
		ServiceName: "search-mcp",
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize telemetry")
		return err
	}
	defer shutdownTracing(context.Background())

	authMgr := auth.NewManager(cfg.AuthEnabled)
	if err := authMgr.Load(cfg.AuthKeysFile); err != nil {
		log.Error().Err(err).Msg("failed to load api keys")
		return err
	}

	limiter := ratelimit.New(ratelimit.DefaultTiers())
	limiter.StartEvictionLoop(evictionPeriod, idleThreshold)
	defer limiter.Stop()

	mgr := manager.New(auditLog, true)

	registry := tools.NewRegistry()
	tools.RegisterAll(registry, mgr, mgr, auditLog, limiter)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configPath := os.Getenv("MCP_CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/mcp-servers.json"
	}

	d := dispatcher.New(
		os.Stdin,
		os.Stdout,
		configPath,
		mgr,
		registry,
		limiter,
		authMgr,
		auditLog,
		cfg.AuthEnabled,
		telemetry.Tracer("search-mcp/dispatcher"),
	)

	auditLog.Record("system", "info", "server_start", "success", nil)

	runErr := d.Run(ctx)

	log.Info().Msg("shutting down, stopping backends")
	mgr.StopAll()
	auditLog.Record("system", "info", "server_stop", "success", nil)

	return runErr
}
