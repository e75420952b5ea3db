package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Chain gateway metrics
	chainCallsTotal   *prometheus.CounterVec
	chainCallDuration *prometheus.HistogramVec

	// Dividend cache metrics
	cacheLookupsTotal *prometheus.CounterVec

	// Trade metrics
	tradesTotal           *prometheus.CounterVec
	tradeWorkflowDuration *prometheus.HistogramVec
	tradeActivityDuration *prometheus.HistogramVec
	lockConflictsTotal    *prometheus.CounterVec
	lockExpiredTotal      prometheus.Counter

	// HTTP metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections prometheus.Gauge
	sseEventsSent        prometheus.Counter

	// NATS metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Chain gateway metrics
		chainCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_gateway_calls_total",
				Help: "Total number of chain gateway calls by method and status",
			},
			[]string{"method", "status"},
		),
		chainCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chain_gateway_call_duration_seconds",
				Help:    "Duration of chain gateway calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"method"},
		),

		// Dividend cache metrics
		cacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dividend_cache_lookups_total",
				Help: "Total number of dividend cache lookups by outcome",
			},
			[]string{"outcome"},
		),

		// Trade metrics
		tradesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentiment_trades_total",
				Help: "Total number of sentiment trades by direction and state",
			},
			[]string{"direction", "state"},
		),
		tradeWorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trade_workflow_duration_seconds",
				Help:    "Duration of trade workflow execution in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"state"},
		),
		tradeActivityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trade_activity_duration_seconds",
				Help:    "Duration of trade workflow activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"activity"},
		),
		lockConflictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trade_lock_conflicts_total",
				Help: "Total number of trade requests refused because a trade was already in flight",
			},
			[]string{"source"},
		),
		lockExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "trade_lock_expired_total",
				Help: "Total number of trade guards that expired before the trade settled",
			},
		),

		// HTTP metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
		),
		sseEventsSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
		),

		// NATS metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Chain gateway metric helpers

// RecordChainCall records a chain gateway call with duration.
func (m *Metrics) RecordChainCall(method, status string, duration float64) {
	m.chainCallsTotal.WithLabelValues(method, status).Inc()
	m.chainCallDuration.WithLabelValues(method).Observe(duration)
}

// Cache metric helpers

// RecordCacheHit records a dividend cache hit.
func (m *Metrics) RecordCacheHit() {
	m.cacheLookupsTotal.WithLabelValues("hit").Inc()
}

// RecordCacheMiss records a dividend cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.cacheLookupsTotal.WithLabelValues("miss").Inc()
}

// Trade metric helpers

// RecordTrade records a settled sentiment trade.
func (m *Metrics) RecordTrade(direction, state string) {
	m.tradesTotal.WithLabelValues(direction, state).Inc()
}

// RecordWorkflowDuration records trade workflow execution duration.
func (m *Metrics) RecordWorkflowDuration(state string, duration float64) {
	m.tradeWorkflowDuration.WithLabelValues(state).Observe(duration)
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity string, duration float64) {
	m.tradeActivityDuration.WithLabelValues(activity).Observe(duration)
}

// RecordLockConflict records a trade request refused by the per-pair guard.
func (m *Metrics) RecordLockConflict(source string) {
	m.lockConflictsTotal.WithLabelValues(source).Inc()
}

// RecordLockExpired records a guard that expired before its trade settled.
func (m *Metrics) RecordLockExpired() {
	m.lockExpiredTotal.Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(delta float64) {
	m.sseActiveConnections.Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent() {
	m.sseEventsSent.Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
