package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/taoflow/taoflow/service/metrics"
	natspkg "github.com/taoflow/taoflow/service/nats"
)

// SSEPublisher manages Server-Sent Events connections for trade streaming.
type SSEPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSSEPublisher creates a new SSE publisher that subscribes to NATS internally.
func NewSSEPublisher(natsURL string, logger *slog.Logger) (*SSEPublisher, error) {
	// Connect to NATS
	nc, err := nats.Connect(natsURL,
		nats.Name("taoflow-sse-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	// Create JetStream context
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("SSE publisher initialized", "nats_url", natsURL)

	return &SSEPublisher{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close closes the NATS connection.
func (p *SSEPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("SSE publisher closed")
	}
	return nil
}

// handleStreamTrades handles SSE streaming for settled trades.
// Optional netuid and hotkey query parameters narrow the stream to a
// subnet or a single pair; with neither, all trades are streamed.
// GET /api/v1/stream/trades?netuid={netuid}&hotkey={hotkey}
func handleStreamTrades(publisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		netuid, hotkey, err := parsePairFilter(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if hotkey != nil && netuid == nil {
			writeError(w, "hotkey filter requires a netuid", http.StatusBadRequest)
			return
		}

		// Determine subject filter and description for logging/responses
		var subject string
		var streamDesc string
		switch {
		case netuid != nil && hotkey != nil:
			subject = natspkg.TradeSubject(*netuid, *hotkey)
			streamDesc = fmt.Sprintf("%d/%s", *netuid, *hotkey)
		case netuid != nil:
			subject = fmt.Sprintf("trades.%d.*", *netuid)
			streamDesc = fmt.Sprintf("subnet %d", *netuid)
		default:
			subject = "trades.>"
			streamDesc = "all pairs"
		}

		// Set SSE headers
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		// Flush headers immediately
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}

		logger.DebugContext(r.Context(), "SSE client connected",
			"stream", streamDesc,
			"remote_addr", r.RemoteAddr,
		)
		if m != nil {
			m.RecordSSEConnectionChange(1)
			defer m.RecordSSEConnectionChange(-1)
		}

		// Create ephemeral consumer for this connection
		cons, err := publisher.js.CreateOrUpdateConsumer(r.Context(), natspkg.StreamName, jetstream.ConsumerConfig{
			FilterSubject: subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverNewPolicy, // Only deliver new messages after consumer creation
			// Ephemeral - will be deleted when connection closes
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to create consumer",
				"stream", streamDesc,
				"error", err,
			)
			fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
			return
		}

		// Create buffered channel for messages
		msgChan := make(chan jetstream.Msg, 10)
		doneChan := make(chan struct{})

		// Start consuming messages
		go func() {
			defer close(doneChan)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgChan <- msg:
				case <-r.Context().Done():
					return
				}
			})
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to start consuming messages",
					"error", err,
				)
				return
			}
			// Wait for context to be done, then stop consuming
			<-r.Context().Done()
			cc.Stop()
		}()

		// Send initial connection event
		fmt.Fprintf(w, "event: connected\ndata: {\"stream\":%q}\n\n", streamDesc)
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}

		// Create ticker for keepalive comments (every 10 seconds)
		keepalive := time.NewTicker(10 * time.Second)
		defer keepalive.Stop()

		// Stream events to client
		for {
			select {
			case <-keepalive.C:
				// Send keepalive comment to prevent timeout
				fmt.Fprintf(w, ": keepalive\n\n")
				if flusher, ok := w.(http.Flusher); ok {
					flusher.Flush()
				}

			case msg := <-msgChan:
				var event natspkg.TradeEvent
				if err := json.Unmarshal(msg.Data(), &event); err != nil {
					logger.WarnContext(r.Context(), "failed to unmarshal event",
						"error", err,
					)
					msg.Ack()
					continue
				}

				// Send trade event
				data, err := json.Marshal(event)
				if err != nil {
					logger.WarnContext(r.Context(), "failed to marshal event",
						"error", err,
					)
					msg.Ack()
					continue
				}

				fmt.Fprintf(w, "event: trade\ndata: %s\n\n", string(data))
				if flusher, ok := w.(http.Flusher); ok {
					flusher.Flush()
				}
				if m != nil {
					m.RecordSSEEventSent()
				}

				msg.Ack()

				logger.DebugContext(r.Context(), "sent trade event",
					"stream", streamDesc,
					"task_id", event.TaskID,
				)

			case <-r.Context().Done():
				// Client disconnected
				logger.DebugContext(r.Context(), "SSE client disconnected",
					"stream", streamDesc,
					"remote_addr", r.RemoteAddr,
				)
				return

			case <-doneChan:
				// Consumer closed
				return
			}
		}
	})
}
