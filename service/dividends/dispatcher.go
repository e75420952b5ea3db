// Package dividends implements the query dispatcher: the synchronous path
// that serves Tao dividend reads and, when asked, kicks off the
// asynchronous sentiment trade for the queried pair.
package dividends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taoflow/taoflow/service/bittensor"
	"github.com/taoflow/taoflow/service/cache"
	"github.com/taoflow/taoflow/service/db"
	"github.com/taoflow/taoflow/service/lock"
	"github.com/taoflow/taoflow/service/metrics"
	"github.com/taoflow/taoflow/service/temporal"
)

// ErrTradeInFlight indicates a trade is already running for the pair.
var ErrTradeInFlight = errors.New("a trade is already in flight for this pair")

// ChainClient is the chain gateway surface the dispatcher needs.
type ChainClient interface {
	GetTaoDividend(ctx context.Context, netuid int64, hotkey string) (*bittensor.Dividend, error)
	ListTaoDividends(ctx context.Context, netuid int64) ([]*bittensor.Dividend, error)
	SubmitStake(ctx context.Context, params bittensor.StakeParams) (*bittensor.StakeReceipt, error)
	SubmitUnstake(ctx context.Context, params bittensor.StakeParams) (*bittensor.StakeReceipt, error)
}

// TaskStore persists trade tasks and direct stake transactions.
// Satisfied by *db.Store.
type TaskStore interface {
	CreateTradeTask(ctx context.Context, params db.CreateTradeTaskParams) (*db.TradeTask, error)
	UpdateTradeTask(ctx context.Context, params db.UpdateTradeTaskParams) (*db.TradeTask, error)
	CreateStakeTransaction(ctx context.Context, params db.CreateStakeTransactionParams) (*db.StakeTransaction, error)
}

// TaskEnqueuer starts trade workflows. Satisfied by *temporal.Client.
type TaskEnqueuer interface {
	StartTradeWorkflow(ctx context.Context, input temporal.TradeWorkflowInput) error
}

// Config carries the trade policy knobs the dispatcher applies.
type Config struct {
	TradeLockTTL time.Duration
	TradeUnitRao int64
	MaxTradeRao  int64
}

// Dispatcher serves dividend queries and triggers sentiment trades.
type Dispatcher struct {
	cache    *cache.Cache
	chain    ChainClient
	guard    lock.Guard
	store    TaskStore
	enqueuer TaskEnqueuer
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. If metrics is nil, no metrics are
// recorded.
func NewDispatcher(
	c *cache.Cache,
	chain ChainClient,
	guard lock.Guard,
	store TaskStore,
	enqueuer TaskEnqueuer,
	cfg Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cache:    c,
		chain:    chain,
		guard:    guard,
		store:    store,
		enqueuer: enqueuer,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
	}
}

// Result is the synchronous answer to a single-pair dividend query.
// TxHash is always nil here; trades settle asynchronously and surface
// through the task endpoints and the trade stream.
type Result struct {
	Netuid           int64   `json:"netuid"`
	Hotkey           string  `json:"hotkey"`
	Dividend         int64   `json:"dividend"`
	Cached           bool    `json:"cached"`
	StakeTxTriggered bool    `json:"stake_tx_triggered"`
	TaskID           *string `json:"task_id,omitempty"`
	TxHash           *string `json:"tx_hash"`
}

// SubnetResult is the answer to a whole-subnet dividend query.
type SubnetResult struct {
	Netuid           int64     `json:"netuid"`
	Dividends        []*Result `json:"dividends"`
	Cached           bool      `json:"cached"`
	StakeTxTriggered bool      `json:"stake_tx_triggered"`
}

// Handle answers a dividend query for one (netuid, hotkey) pair. When
// trade is set, a sentiment trade is triggered for the pair unless one is
// already in flight.
func (d *Dispatcher) Handle(ctx context.Context, netuid int64, hotkey string, trade bool) (*Result, error) {
	div, cached, err := d.cache.GetOrFetch(ctx, netuid, hotkey, func(ctx context.Context) (*bittensor.Dividend, error) {
		return d.chain.GetTaoDividend(ctx, netuid, hotkey)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get dividend for netuid %d hotkey %s: %w", netuid, hotkey, err)
	}
	d.recordLookup(cached)

	result := &Result{
		Netuid:   div.Netuid,
		Hotkey:   div.Hotkey,
		Dividend: div.Dividend,
		Cached:   cached,
	}

	if trade {
		taskID := d.maybeTriggerTrade(ctx, netuid, hotkey)
		result.StakeTxTriggered = taskID != nil
		result.TaskID = taskID
	}

	return result, nil
}

// HandleSubnet answers a dividend query for every hotkey on a subnet.
// When trade is set, a trade is triggered per pair; the aggregate flag is
// true if at least one pair was triggered.
func (d *Dispatcher) HandleSubnet(ctx context.Context, netuid int64, trade bool) (*SubnetResult, error) {
	divs, cached, err := d.cache.GetOrFetchSubnet(ctx, netuid, func(ctx context.Context) ([]*bittensor.Dividend, error) {
		return d.chain.ListTaoDividends(ctx, netuid)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list dividends for netuid %d: %w", netuid, err)
	}
	d.recordLookup(cached)

	result := &SubnetResult{
		Netuid:    netuid,
		Cached:    cached,
		Dividends: make([]*Result, 0, len(divs)),
	}

	for _, div := range divs {
		r := &Result{
			Netuid:   div.Netuid,
			Hotkey:   div.Hotkey,
			Dividend: div.Dividend,
			Cached:   cached,
		}
		if trade {
			taskID := d.maybeTriggerTrade(ctx, div.Netuid, div.Hotkey)
			r.StakeTxTriggered = taskID != nil
			r.TaskID = taskID
			if r.StakeTxTriggered {
				result.StakeTxTriggered = true
			}
		}
		result.Dividends = append(result.Dividends, r)
	}

	return result, nil
}

// maybeTriggerTrade acquires the per-pair guard, persists a pending task,
// and starts the trade workflow. Returns the task ID on success, nil when
// a trade is already in flight or the trigger could not be set up. The
// dividend query itself never fails because of the trade path.
func (d *Dispatcher) maybeTriggerTrade(ctx context.Context, netuid int64, hotkey string) *string {
	taskID := uuid.NewString()
	key := lock.Key{Netuid: netuid, Hotkey: hotkey}

	acquired, err := d.guard.TryAcquire(ctx, key, taskID, d.cfg.TradeLockTTL)
	if err != nil {
		d.logger.Error("failed to check trade guard",
			"netuid", netuid, "hotkey", hotkey, "error", err)
		return nil
	}
	if !acquired {
		d.logger.Debug("trade already in flight, skipping",
			"netuid", netuid, "hotkey", hotkey)
		if d.metrics != nil {
			d.metrics.RecordLockConflict("query")
		}
		return nil
	}

	if _, err := d.store.CreateTradeTask(ctx, db.CreateTradeTaskParams{
		TaskID: taskID,
		Netuid: netuid,
		Hotkey: hotkey,
	}); err != nil {
		d.logger.Error("failed to persist trade task, releasing guard",
			"task_id", taskID, "error", err)
		d.releaseGuard(ctx, key, taskID)
		return nil
	}

	if err := d.enqueuer.StartTradeWorkflow(ctx, temporal.TradeWorkflowInput{
		TaskID:       taskID,
		Netuid:       netuid,
		Hotkey:       hotkey,
		TradeUnitRao: d.cfg.TradeUnitRao,
		MaxTradeRao:  d.cfg.MaxTradeRao,
	}); err != nil {
		d.logger.Error("failed to start trade workflow, releasing guard",
			"task_id", taskID, "error", err)
		d.failTask(ctx, taskID, "failed to enqueue trade workflow")
		d.releaseGuard(ctx, key, taskID)
		return nil
	}

	d.logger.Info("triggered sentiment trade",
		"task_id", taskID, "netuid", netuid, "hotkey", hotkey)
	return &taskID
}

// DirectTradeParams describes an operator-initiated stake or unstake with
// an explicit amount, bypassing sentiment analysis.
type DirectTradeParams struct {
	Direction string // stake or unstake
	Netuid    int64
	Hotkey    string
	Amount    int64 // rao
}

// DirectTrade submits a stake or unstake synchronously. The per-pair
// guard still applies so a direct trade cannot race a sentiment trade;
// callers get ErrTradeInFlight when the pair is busy.
func (d *Dispatcher) DirectTrade(ctx context.Context, params DirectTradeParams) (*db.StakeTransaction, error) {
	if params.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", params.Amount)
	}
	if params.Amount > d.cfg.MaxTradeRao {
		return nil, fmt.Errorf("amount %d exceeds maximum %d", params.Amount, d.cfg.MaxTradeRao)
	}

	holder := uuid.NewString()
	key := lock.Key{Netuid: params.Netuid, Hotkey: params.Hotkey}

	acquired, err := d.guard.TryAcquire(ctx, key, holder, d.cfg.TradeLockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to check trade guard: %w", err)
	}
	if !acquired {
		if d.metrics != nil {
			d.metrics.RecordLockConflict("direct")
		}
		return nil, ErrTradeInFlight
	}

	stakeParams := bittensor.StakeParams{
		Netuid: params.Netuid,
		Hotkey: params.Hotkey,
		Amount: params.Amount,
	}

	var receipt *bittensor.StakeReceipt
	var submitErr error
	switch params.Direction {
	case db.DirectionStake:
		receipt, submitErr = d.chain.SubmitStake(ctx, stakeParams)
	case db.DirectionUnstake:
		receipt, submitErr = d.chain.SubmitUnstake(ctx, stakeParams)
	default:
		d.releaseGuard(ctx, key, holder)
		return nil, fmt.Errorf("invalid trade direction: %s", params.Direction)
	}

	txnParams := db.CreateStakeTransactionParams{
		Netuid:        params.Netuid,
		Hotkey:        params.Hotkey,
		OperationType: params.Direction,
		Amount:        params.Amount,
	}
	if submitErr != nil {
		errMsg := submitErr.Error()
		txnParams.Status = db.TxStatusFailed
		txnParams.Error = &errMsg
	} else {
		txnParams.Status = db.TxStatusConfirmed
		txnParams.TxHash = &receipt.TxHash
	}

	txn, recordErr := d.store.CreateStakeTransaction(ctx, txnParams)
	if recordErr != nil {
		// The guard stays held until its TTL so the pair cannot trade
		// again on top of an unrecorded submission.
		d.logger.Error("failed to record direct trade, leaving guard held",
			"direction", params.Direction,
			"netuid", params.Netuid,
			"hotkey", params.Hotkey,
			"error", recordErr,
		)
		return nil, fmt.Errorf("failed to record %s: %w", params.Direction, recordErr)
	}

	d.releaseGuard(ctx, key, holder)

	if d.metrics != nil {
		d.metrics.RecordTrade(params.Direction, txnParams.Status)
	}
	if submitErr != nil {
		return txn, fmt.Errorf("failed to submit %s: %w", params.Direction, submitErr)
	}
	return txn, nil
}

func (d *Dispatcher) recordLookup(cached bool) {
	if d.metrics == nil {
		return
	}
	if cached {
		d.metrics.RecordCacheHit()
	} else {
		d.metrics.RecordCacheMiss()
	}
}

func (d *Dispatcher) failTask(ctx context.Context, taskID, reason string) {
	state := db.TaskStateFailed
	if _, err := d.store.UpdateTradeTask(ctx, db.UpdateTradeTaskParams{
		TaskID: taskID,
		State:  state,
		Error:  &reason,
	}); err != nil {
		d.logger.Warn("failed to mark task as failed", "task_id", taskID, "error", err)
	}
}

func (d *Dispatcher) releaseGuard(ctx context.Context, key lock.Key, holder string) {
	owned, err := d.guard.Release(ctx, key, holder)
	if err != nil {
		d.logger.Warn("failed to release trade guard",
			"key", key.String(), "holder", holder, "error", err)
		return
	}
	if !owned {
		d.logger.Warn("trade guard expired before release",
			"key", key.String(), "holder", holder)
		if d.metrics != nil {
			d.metrics.RecordLockExpired()
		}
	}
}
