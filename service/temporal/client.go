package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
)

// Client wraps the Temporal SDK client for starting trade workflows.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// StartTradeWorkflow starts a trade workflow fire-and-forget. The caller
// holds the trade guard under the task ID, and the task-derived workflow
// ID rejects duplicate starts as a second line of defense.
func (c *Client) StartTradeWorkflow(ctx context.Context, input TradeWorkflowInput) error {
	options := client.StartWorkflowOptions{
		ID:        workflowID(input.TaskID),
		TaskQueue: c.taskQueue,
	}

	run, err := c.client.ExecuteWorkflow(ctx, options, TradeWorkflow, input)
	if err != nil {
		c.logger.Error("failed to start trade workflow",
			"task_id", input.TaskID,
			"netuid", input.Netuid,
			"hotkey", input.Hotkey,
			"error", err,
		)
		return fmt.Errorf("failed to start trade workflow: %w", err)
	}

	c.logger.Info("started trade workflow",
		"task_id", input.TaskID,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)
	return nil
}

// Healthy reports whether the Temporal frontend is reachable. Used by the
// worker-health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	if _, err := c.client.CheckHealth(ctx, &client.CheckHealthRequest{}); err != nil {
		return fmt.Errorf("temporal health check failed: %w", err)
	}
	return nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// workflowID generates the workflow ID for a trade task.
func workflowID(taskID string) string {
	return "trade-" + taskID
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
