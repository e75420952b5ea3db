package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taoflow/taoflow/service/config"
	"github.com/taoflow/taoflow/service/db"
	"github.com/taoflow/taoflow/service/metrics"
	"github.com/taoflow/taoflow/service/temporal"
)

// Server represents the HTTP server for the dividend service.
type Server struct {
	addr           string
	cfg            *config.Config
	store          *db.Store
	dispatcher     dividendDispatcher
	temporalClient *temporal.Client
	ssePublisher   *SSEPublisher
	metrics        *metrics.Metrics
	logger         *slog.Logger
	server         *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The dispatcher serves dividend queries and trades.
// The temporalClient is used for the worker connectivity probe.
// The ssePublisher is optional - if nil, SSE endpoints won't be available.
// The metrics is optional - if nil, metrics endpoints won't be available.
func New(addr string, cfg *config.Config, store *db.Store, dispatcher dividendDispatcher, temporalClient *temporal.Client, ssePublisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:           addr,
		cfg:            cfg,
		store:          store,
		dispatcher:     dispatcher,
		temporalClient: temporalClient,
		ssePublisher:   ssePublisher,
		metrics:        m,
		logger:         logger,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Dividend query routes
	api := http.NewServeMux()
	api.Handle("GET /api/v1/tao_dividends",
		s.instrument("tao_dividends", handleGetTaoDividends(s.dispatcher, s.cfg, s.logger)))

	// Direct trade routes
	api.Handle("POST /api/v1/blockchain/stake",
		s.instrument("direct_stake", handleDirectTrade(s.dispatcher, db.DirectionStake, s.cfg, s.logger)))
	api.Handle("POST /api/v1/blockchain/unstake",
		s.instrument("direct_unstake", handleDirectTrade(s.dispatcher, db.DirectionUnstake, s.cfg, s.logger)))

	// History routes
	api.Handle("GET /api/v1/blockchain/dividend-history",
		s.instrument("dividend_history", handleListDividendHistory(s.store, s.logger)))
	api.Handle("GET /api/v1/blockchain/stake-transaction-history",
		s.instrument("stake_transaction_history", handleListStakeTransactions(s.store, s.logger)))

	// Trade task routes
	api.Handle("GET /api/v1/trade_tasks",
		s.instrument("trade_tasks", handleListTradeTasks(s.store, s.logger)))
	api.Handle("GET /api/v1/trade_tasks/{task_id}",
		s.instrument("trade_task", handleGetTradeTask(s.store, s.logger)))

	// SSE streaming endpoint (if SSE publisher is configured)
	if s.ssePublisher != nil {
		api.Handle("GET /api/v1/stream/trades", handleStreamTrades(s.ssePublisher, s.metrics, s.logger))
		s.logger.Info("SSE streaming endpoint enabled")
	} else {
		s.logger.Warn("SSE publisher not configured, streaming endpoint disabled")
	}

	// Everything under /api/v1 requires the bearer token
	mux.Handle("/api/v1/", bearerAuthMiddleware(s.cfg.APIAuthToken, s.logger)(api))

	// Health check endpoints
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("GET /worker-health", handleWorkerHealth(s.temporalClient, s.logger))

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	// Wrap mux with CORS middleware
	handler := corsMiddleware(mux)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // generous for SSE streams
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close SSE publisher first (disconnects all clients)
	if s.ssePublisher != nil {
		s.ssePublisher.Close()
	}

	// Then shutdown HTTP server
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// instrument wraps a handler with request metrics when a collector is
// configured.
func (s *Server) instrument(name string, h http.Handler) http.Handler {
	if s.metrics == nil {
		return h
	}
	return metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
}

// bearerAuthMiddleware rejects requests whose Authorization header does
// not carry the configured bearer token. The comparison is constant time.
func bearerAuthMiddleware(token string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			presented, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || presented == "" {
				writeError(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				logger.Debug("rejected request with invalid token",
					"path", r.URL.Path, "remote_addr", r.RemoteAddr)
				writeError(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set CORS headers for all requests
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		// Handle preflight OPTIONS requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Pass through to next handler
		next.ServeHTTP(w, r)
	})
}
