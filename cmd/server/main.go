package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/taoflow/taoflow/service/bittensor"
	"github.com/taoflow/taoflow/service/cache"
	"github.com/taoflow/taoflow/service/config"
	"github.com/taoflow/taoflow/service/db"
	"github.com/taoflow/taoflow/service/dividends"
	"github.com/taoflow/taoflow/service/lock"
	"github.com/taoflow/taoflow/service/metrics"
	"github.com/taoflow/taoflow/service/server"
	"github.com/taoflow/taoflow/service/temporal"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	// Verify database connection
	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	if err := db.Migrate(ctx, dbPool); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	// Initialize database store
	store := db.NewStore(dbPool)

	// Initialize Redis (dividend cache and trade guard)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		// The cache degrades to pass-through reads; only the trade guard
		// actually needs Redis, so log loudly but keep starting.
		logger.Warn("failed to ping redis, cache will degrade to direct reads", "error", err)
	} else {
		logger.Info("connected to redis", "addr", cfg.RedisAddr)
	}

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Initialize the chain gateway client
	chainClient := bittensor.NewClient(
		cfg.ChainRPCURL,
		cfg.WalletName,
		cfg.WalletHotkey,
		cfg.ChainCallTimeout,
		logger,
	)
	logger.Info("initialized chain gateway client", "url", cfg.ChainRPCURL)

	// Dividend cache backed by Redis, recording each fresh fetch to history
	dividendCache := cache.New(cache.NewRedisKV(redisClient), store, cfg.CacheTTL, logger)

	// Per-pair trade guard backed by Redis
	tradeGuard := lock.NewRedisGuard(redisClient)

	// Initialize Temporal client for starting trade workflows
	temporalClient, err := temporal.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		logger,
	)
	if err != nil {
		logger.Error("failed to create temporal client", "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()
	logger.Info("connected to temporal",
		"host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
	)

	// Initialize the query dispatcher
	dispatcher := dividends.NewDispatcher(
		dividendCache,
		chainClient,
		tradeGuard,
		store,
		temporalClient,
		dividends.Config{
			TradeLockTTL: cfg.TradeLockTTL,
			TradeUnitRao: cfg.TradeUnitRao,
			MaxTradeRao:  cfg.MaxTradeRao,
		},
		metricsCollector,
		logger,
	)

	// Initialize SSE publisher (optional, requires NATS)
	var ssePublisher *server.SSEPublisher
	if cfg.NATSURL != "" {
		ssePublisher, err = server.NewSSEPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Warn("failed to initialize SSE publisher, streaming disabled", "error", err)
			ssePublisher = nil
		}
	}

	// Initialize HTTP server
	httpServer := server.New(
		cfg.ServerAddr,
		cfg,
		store,
		dispatcher,
		temporalClient,
		ssePublisher,
		metricsCollector,
		logger,
	)

	logger.Info("server initialized, all dependencies ready",
		"chain_rpc", cfg.ChainRPCURL,
		"nats_url", cfg.NATSURL,
		"temporal_host", cfg.TemporalHost,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
