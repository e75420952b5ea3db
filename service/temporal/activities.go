package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/taoflow/taoflow/service/bittensor"
	"github.com/taoflow/taoflow/service/db"
	"github.com/taoflow/taoflow/service/lock"
	"github.com/taoflow/taoflow/service/metrics"
	natspkg "github.com/taoflow/taoflow/service/nats"
)

// TradeWorkflowInput contains the input parameters for a sentiment trade.
// The task row is created in the pending state before the workflow starts,
// and the trade guard is held under the task ID.
type TradeWorkflowInput struct {
	TaskID       string `json:"task_id"`
	Netuid       int64  `json:"netuid"`
	Hotkey       string `json:"hotkey"`
	TradeUnitRao int64  `json:"trade_unit_rao"` // rao staked per sentiment point
	MaxTradeRao  int64  `json:"max_trade_rao"`
}

// TradeWorkflowResult contains the terminal outcome of a sentiment trade.
type TradeWorkflowResult struct {
	TaskID         string   `json:"task_id"`
	State          string   `json:"state"`
	Direction      string   `json:"direction"`
	Amount         int64    `json:"amount"`
	SentimentScore *float64 `json:"sentiment_score,omitempty"`
	TxHash         *string  `json:"tx_hash,omitempty"`
	Error          *string  `json:"error,omitempty"`
}

// AnalyzeSentimentInput contains parameters for the AnalyzeSentiment activity.
type AnalyzeSentimentInput struct {
	TaskID string `json:"task_id"`
	Netuid int64  `json:"netuid"`
}

// AnalyzeSentimentResult contains the sentiment score in [-100, 100].
type AnalyzeSentimentResult struct {
	Score float64 `json:"score"`
}

// MarkTaskStateInput contains parameters for the MarkTaskState activity.
// Nil fields leave the stored values unchanged.
type MarkTaskStateInput struct {
	TaskID         string   `json:"task_id"`
	State          string   `json:"state"`
	SentimentScore *float64 `json:"sentiment_score,omitempty"`
	Direction      *string  `json:"direction,omitempty"`
	Amount         *int64   `json:"amount,omitempty"`
}

// SubmitStakeOperationInput contains parameters for the SubmitStakeOperation activity.
type SubmitStakeOperationInput struct {
	TaskID    string `json:"task_id"`
	Netuid    int64  `json:"netuid"`
	Hotkey    string `json:"hotkey"`
	Direction string `json:"direction"` // stake or unstake
	Amount    int64  `json:"amount"`    // rao
}

// SubmitStakeOperationResult contains the extrinsic receipt.
type SubmitStakeOperationResult struct {
	TxHash string `json:"tx_hash"`
	Block  int64  `json:"block"`
}

// RecordOutcomeInput contains parameters for the RecordOutcome activity.
type RecordOutcomeInput struct {
	TaskID         string   `json:"task_id"`
	Netuid         int64    `json:"netuid"`
	Hotkey         string   `json:"hotkey"`
	State          string   `json:"state"` // confirmed or failed
	SentimentScore *float64 `json:"sentiment_score,omitempty"`
	Direction      string   `json:"direction"`
	Amount         int64    `json:"amount"`
	TxHash         *string  `json:"tx_hash,omitempty"`
	Error          *string  `json:"error,omitempty"`
	Submitted      bool     `json:"submitted"` // whether a submission was attempted
}

// ReleaseTradeLockInput contains parameters for the ReleaseTradeLock activity.
type ReleaseTradeLockInput struct {
	Netuid int64  `json:"netuid"`
	Hotkey string `json:"hotkey"`
	Holder string `json:"holder"` // the task ID that acquired the guard
}

// StoreInterface defines the database operations needed by activities.
// This allows for easy mocking in tests.
type StoreInterface interface {
	UpdateTradeTask(context.Context, db.UpdateTradeTaskParams) (*db.TradeTask, error)
	RecordTradeOutcome(context.Context, db.RecordTradeOutcomeParams) (*db.TradeTask, *db.StakeTransaction, error)
}

// ChainClientInterface defines the chain gateway operations needed by activities.
// This allows for easy mocking in tests.
type ChainClientInterface interface {
	SubmitStake(ctx context.Context, params bittensor.StakeParams) (*bittensor.StakeReceipt, error)
	SubmitUnstake(ctx context.Context, params bittensor.StakeParams) (*bittensor.StakeReceipt, error)
}

// AnalyzerInterface defines the sentiment operations needed by activities.
// This allows for easy mocking in tests.
type AnalyzerInterface interface {
	Analyze(ctx context.Context, netuid int64) (float64, error)
}

// PublisherInterface defines the NATS publishing operations needed by activities.
// This allows for easy mocking in tests.
type PublisherInterface interface {
	PublishTrade(ctx context.Context, event *natspkg.TradeEvent) error
}

// GuardInterface defines the trade guard operations needed by activities.
// This allows for easy mocking in tests.
type GuardInterface interface {
	Release(ctx context.Context, key lock.Key, holder string) (bool, error)
}

// Activities holds the dependencies needed by Temporal activities.
// Following go-kit pattern, all dependencies are explicit.
type Activities struct {
	store       StoreInterface
	chainClient ChainClientInterface
	analyzer    AnalyzerInterface
	publisher   PublisherInterface
	guard       GuardInterface
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded. The publisher may be nil,
// in which case settled trades are not announced on NATS.
func NewActivities(
	store StoreInterface,
	chainClient ChainClientInterface,
	analyzer AnalyzerInterface,
	publisher PublisherInterface,
	guard GuardInterface,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		store:       store,
		chainClient: chainClient,
		analyzer:    analyzer,
		publisher:   publisher,
		guard:       guard,
		metrics:     m,
		logger:      logger,
	}
}

// AnalyzeSentiment fetches recent tweets about the subnet and scores them.
func (a *Activities) AnalyzeSentiment(ctx context.Context, input AnalyzeSentimentInput) (*AnalyzeSentimentResult, error) {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("AnalyzeSentiment", time.Since(start).Seconds())
		}
	}()

	a.logger.DebugContext(ctx, "analyzing sentiment",
		"task_id", input.TaskID,
		"netuid", input.Netuid,
	)

	score, err := a.analyzer.Analyze(ctx, input.Netuid)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to analyze sentiment",
			"task_id", input.TaskID,
			"netuid", input.Netuid,
			"error", err,
		)
		return nil, fmt.Errorf("failed to analyze sentiment: %w", err)
	}

	a.logger.InfoContext(ctx, "analyzed sentiment",
		"task_id", input.TaskID,
		"netuid", input.Netuid,
		"score", score,
	)

	return &AnalyzeSentimentResult{Score: score}, nil
}

// MarkTaskState advances the trade task through a non-terminal state.
func (a *Activities) MarkTaskState(ctx context.Context, input MarkTaskStateInput) error {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("MarkTaskState", time.Since(start).Seconds())
		}
	}()

	_, err := a.store.UpdateTradeTask(ctx, db.UpdateTradeTaskParams{
		TaskID:         input.TaskID,
		State:          input.State,
		SentimentScore: input.SentimentScore,
		Direction:      input.Direction,
		Amount:         input.Amount,
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to mark task state",
			"task_id", input.TaskID,
			"state", input.State,
			"error", err,
		)
		return fmt.Errorf("failed to mark task %s as %s: %w", input.TaskID, input.State, err)
	}

	a.logger.DebugContext(ctx, "marked task state",
		"task_id", input.TaskID,
		"state", input.State,
	)
	return nil
}

// SubmitStakeOperation submits the stake or unstake extrinsic through the
// chain gateway and returns the receipt.
func (a *Activities) SubmitStakeOperation(ctx context.Context, input SubmitStakeOperationInput) (*SubmitStakeOperationResult, error) {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("SubmitStakeOperation", time.Since(start).Seconds())
		}
	}()

	params := bittensor.StakeParams{
		Netuid: input.Netuid,
		Hotkey: input.Hotkey,
		Amount: input.Amount,
	}

	var receipt *bittensor.StakeReceipt
	var err error
	switch input.Direction {
	case db.DirectionStake:
		receipt, err = a.chainClient.SubmitStake(ctx, params)
	case db.DirectionUnstake:
		receipt, err = a.chainClient.SubmitUnstake(ctx, params)
	default:
		return nil, fmt.Errorf("invalid trade direction: %s", input.Direction)
	}
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to submit stake operation",
			"task_id", input.TaskID,
			"direction", input.Direction,
			"amount", input.Amount,
			"error", err,
		)
		if a.metrics != nil {
			a.metrics.RecordChainCall(input.Direction, "error", time.Since(start).Seconds())
		}
		return nil, fmt.Errorf("failed to submit %s: %w", input.Direction, err)
	}

	if a.metrics != nil {
		a.metrics.RecordChainCall(input.Direction, "success", time.Since(start).Seconds())
	}

	a.logger.InfoContext(ctx, "submitted stake operation",
		"task_id", input.TaskID,
		"direction", input.Direction,
		"netuid", input.Netuid,
		"hotkey", input.Hotkey,
		"amount", input.Amount,
		"tx_hash", receipt.TxHash,
	)

	return &SubmitStakeOperationResult{
		TxHash: receipt.TxHash,
		Block:  receipt.Block,
	}, nil
}

// RecordOutcome moves the trade task to its terminal state and, when the
// trade was submitted, appends the stake transaction row in the same
// database transaction. On success the settled trade is announced on NATS
// best-effort.
func (a *Activities) RecordOutcome(ctx context.Context, input RecordOutcomeInput) error {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("RecordOutcome", time.Since(start).Seconds())
		}
	}()

	txStatus := db.TxStatusConfirmed
	if input.State == db.TaskStateFailed {
		txStatus = db.TxStatusFailed
	}

	task, _, err := a.store.RecordTradeOutcome(ctx, db.RecordTradeOutcomeParams{
		TaskID:         input.TaskID,
		Netuid:         input.Netuid,
		Hotkey:         input.Hotkey,
		State:          input.State,
		SentimentScore: input.SentimentScore,
		Direction:      input.Direction,
		Amount:         input.Amount,
		TxHash:         input.TxHash,
		Error:          input.Error,
		Submitted:      input.Submitted,
		TxStatus:       txStatus,
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to record trade outcome",
			"task_id", input.TaskID,
			"state", input.State,
			"error", err,
		)
		return fmt.Errorf("failed to record trade outcome: %w", err)
	}

	if a.metrics != nil {
		a.metrics.RecordTrade(input.Direction, input.State)
		a.metrics.RecordWorkflowDuration(input.State, task.UpdatedAt.Sub(task.RequestedAt).Seconds())
	}

	a.logger.InfoContext(ctx, "recorded trade outcome",
		"task_id", input.TaskID,
		"state", input.State,
		"direction", input.Direction,
		"amount", input.Amount,
	)

	// NATS publish is best-effort; the outcome is already durable.
	if a.publisher != nil {
		publishStart := time.Now()
		event := natspkg.FromTradeTask(task)
		if err := a.publisher.PublishTrade(ctx, event); err != nil {
			a.logger.ErrorContext(ctx, "failed to publish trade event",
				"task_id", input.TaskID,
				"error", err,
			)
			if a.metrics != nil {
				a.metrics.RecordNATSPublish(natspkg.TradeSubject(input.Netuid, input.Hotkey), "error", time.Since(publishStart).Seconds())
			}
		} else if a.metrics != nil {
			a.metrics.RecordNATSPublish(natspkg.TradeSubject(input.Netuid, input.Hotkey), "success", time.Since(publishStart).Seconds())
		}
	}

	return nil
}

// ReleaseTradeLock frees the per-pair trade guard held under the task ID.
// Must only run after the terminal outcome is durably recorded.
func (a *Activities) ReleaseTradeLock(ctx context.Context, input ReleaseTradeLockInput) error {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("ReleaseTradeLock", time.Since(start).Seconds())
		}
	}()

	key := lock.Key{Netuid: input.Netuid, Hotkey: input.Hotkey}
	owned, err := a.guard.Release(ctx, key, input.Holder)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to release trade guard",
			"netuid", input.Netuid,
			"hotkey", input.Hotkey,
			"holder", input.Holder,
			"error", err,
		)
		return fmt.Errorf("failed to release trade guard: %w", err)
	}
	if !owned {
		// The guard expired before the trade settled, so another trade may
		// have overlapped this one.
		a.logger.WarnContext(ctx, "trade guard expired before release",
			"netuid", input.Netuid,
			"hotkey", input.Hotkey,
			"holder", input.Holder,
		)
		if a.metrics != nil {
			a.metrics.RecordLockExpired()
		}
		return nil
	}

	a.logger.DebugContext(ctx, "released trade guard",
		"netuid", input.Netuid,
		"hotkey", input.Hotkey,
		"holder", input.Holder,
	)
	return nil
}
