package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Task states for the sentiment trade state machine.
// Pending is the only initial state; confirmed and failed are terminal.
const (
	TaskStatePending    = "pending"
	TaskStateScoring    = "scoring"
	TaskStateDeciding   = "deciding"
	TaskStateSubmitting = "submitting"
	TaskStateConfirmed  = "confirmed"
	TaskStateFailed     = "failed"
)

// Trade directions.
const (
	DirectionStake   = "stake"
	DirectionUnstake = "unstake"
	DirectionNone    = "none"
)

// Stake transaction statuses.
const (
	TxStatusSubmitted = "submitted"
	TxStatusConfirmed = "confirmed"
	TxStatusFailed    = "failed"
)

// ErrTaskTerminal is returned when attempting to mutate a trade task that
// has already reached a terminal state.
var ErrTaskTerminal = errors.New("trade task is in a terminal state")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ValidTaskState reports whether s is a known task state.
func ValidTaskState(s string) bool {
	switch s {
	case TaskStatePending, TaskStateScoring, TaskStateDeciding,
		TaskStateSubmitting, TaskStateConfirmed, TaskStateFailed:
		return true
	}
	return false
}

// Store provides database operations for the service.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// DividendRecord is one observed dividend value for a (netuid, hotkey) pair.
// Rows are append-only; one row per distinct chain fetch.
type DividendRecord struct {
	ID         int64
	Netuid     int64
	Hotkey     string
	Dividend   int64 // rao
	ObservedAt time.Time
}

// CreateDividendRecordParams contains the parameters for recording a dividend observation.
type CreateDividendRecordParams struct {
	Netuid   int64
	Hotkey   string
	Dividend int64
}

// CreateDividendRecord appends a dividend observation.
func (s *Store) CreateDividendRecord(ctx context.Context, params CreateDividendRecordParams) (*DividendRecord, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO dividend_history (netuid, hotkey, dividend)
		VALUES ($1, $2, $3)
		RETURNING id, netuid, hotkey, dividend, observed_at`,
		params.Netuid, params.Hotkey, params.Dividend,
	)
	return scanDividendRecord(row)
}

// ListDividendHistoryParams contains filter and pagination parameters.
// Nil filters match all rows.
type ListDividendHistoryParams struct {
	Netuid *int64
	Hotkey *string
	Limit  int32
	Offset int32
}

// ListDividendHistory retrieves dividend observations, newest first.
func (s *Store) ListDividendHistory(ctx context.Context, params ListDividendHistoryParams) ([]*DividendRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, netuid, hotkey, dividend, observed_at
		FROM dividend_history
		WHERE ($1::bigint IS NULL OR netuid = $1)
		  AND ($2::text IS NULL OR hotkey = $2)
		ORDER BY observed_at DESC, id DESC
		LIMIT $3 OFFSET $4`,
		params.Netuid, params.Hotkey, params.Limit, params.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*DividendRecord
	for rows.Next() {
		rec, err := scanDividendRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// TradeTask is the persisted state of one sentiment-triggered trade.
// Mutated only by the orchestrator; terminal states are immutable.
type TradeTask struct {
	TaskID         string
	Netuid         int64
	Hotkey         string
	State          string
	SentimentScore *float64
	Direction      string
	Amount         int64 // rao
	TxHash         *string
	Error          *string
	RequestedAt    time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether the task state is confirmed or failed.
func (t *TradeTask) Terminal() bool {
	return t.State == TaskStateConfirmed || t.State == TaskStateFailed
}

// CreateTradeTaskParams contains the parameters for creating a pending trade task.
type CreateTradeTaskParams struct {
	TaskID string
	Netuid int64
	Hotkey string
}

// CreateTradeTask inserts a new trade task in the pending state.
func (s *Store) CreateTradeTask(ctx context.Context, params CreateTradeTaskParams) (*TradeTask, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO trade_tasks (task_id, netuid, hotkey, state, direction)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING task_id, netuid, hotkey, state, sentiment_score, direction,
		          amount, tx_hash, error, requested_at, updated_at`,
		params.TaskID, params.Netuid, params.Hotkey, TaskStatePending, DirectionNone,
	)
	return scanTradeTask(row)
}

// GetTradeTask retrieves a trade task by its ID.
func (s *Store) GetTradeTask(ctx context.Context, taskID string) (*TradeTask, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT task_id, netuid, hotkey, state, sentiment_score, direction,
		       amount, tx_hash, error, requested_at, updated_at
		FROM trade_tasks
		WHERE task_id = $1`,
		taskID,
	)
	task, err := scanTradeTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

// UpdateTradeTaskParams contains the fields to update on a trade task.
// Nil fields are left unchanged.
type UpdateTradeTaskParams struct {
	TaskID         string
	State          string
	SentimentScore *float64
	Direction      *string
	Amount         *int64
	TxHash         *string
	Error          *string
}

// UpdateTradeTask advances a trade task's state and records step outputs.
// Returns ErrTaskTerminal if the task has already reached confirmed or failed,
// so terminal states can never be overwritten.
func (s *Store) UpdateTradeTask(ctx context.Context, params UpdateTradeTaskParams) (*TradeTask, error) {
	return s.updateTradeTask(ctx, s.pool, params)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) updateTradeTask(ctx context.Context, q querier, params UpdateTradeTaskParams) (*TradeTask, error) {
	row := q.QueryRow(ctx, `
		UPDATE trade_tasks
		SET state = $2,
		    sentiment_score = COALESCE($3, sentiment_score),
		    direction = COALESCE($4, direction),
		    amount = COALESCE($5, amount),
		    tx_hash = COALESCE($6, tx_hash),
		    error = COALESCE($7, error),
		    updated_at = now()
		WHERE task_id = $1
		  AND state NOT IN ($8, $9)
		RETURNING task_id, netuid, hotkey, state, sentiment_score, direction,
		          amount, tx_hash, error, requested_at, updated_at`,
		params.TaskID, params.State, params.SentimentScore, params.Direction,
		params.Amount, params.TxHash, params.Error,
		TaskStateConfirmed, TaskStateFailed,
	)
	task, err := scanTradeTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the task does not exist or it is already terminal;
		// disambiguate for the caller.
		if _, getErr := s.GetTradeTask(ctx, params.TaskID); getErr == nil {
			return nil, ErrTaskTerminal
		}
		return nil, ErrNotFound
	}
	return task, err
}

// ListTradeTasksParams contains filter and pagination parameters.
type ListTradeTasksParams struct {
	Netuid *int64
	Hotkey *string
	State  *string
	Limit  int32
	Offset int32
}

// ListTradeTasks retrieves trade tasks, newest first.
func (s *Store) ListTradeTasks(ctx context.Context, params ListTradeTasksParams) ([]*TradeTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, netuid, hotkey, state, sentiment_score, direction,
		       amount, tx_hash, error, requested_at, updated_at
		FROM trade_tasks
		WHERE ($1::bigint IS NULL OR netuid = $1)
		  AND ($2::text IS NULL OR hotkey = $2)
		  AND ($3::text IS NULL OR state = $3)
		ORDER BY requested_at DESC
		LIMIT $4 OFFSET $5`,
		params.Netuid, params.Hotkey, params.State, params.Limit, params.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*TradeTask
	for rows.Next() {
		task, err := scanTradeTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// StakeTransaction is one submitted stake or unstake operation.
type StakeTransaction struct {
	ID             int64
	TaskID         *string
	Netuid         int64
	Hotkey         string
	OperationType  string
	Amount         int64 // rao
	TxHash         *string
	Status         string
	SentimentScore *float64
	Error          *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CreateStakeTransactionParams contains the parameters for recording a stake operation.
type CreateStakeTransactionParams struct {
	TaskID         *string
	Netuid         int64
	Hotkey         string
	OperationType  string
	Amount         int64
	TxHash         *string
	Status         string
	SentimentScore *float64
	Error          *string
}

// CreateStakeTransaction appends a stake transaction row.
func (s *Store) CreateStakeTransaction(ctx context.Context, params CreateStakeTransactionParams) (*StakeTransaction, error) {
	return s.createStakeTransaction(ctx, s.pool, params)
}

func (s *Store) createStakeTransaction(ctx context.Context, q querier, params CreateStakeTransactionParams) (*StakeTransaction, error) {
	row := q.QueryRow(ctx, `
		INSERT INTO stake_transactions
			(task_id, netuid, hotkey, operation_type, amount, tx_hash, status, sentiment_score, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, task_id, netuid, hotkey, operation_type, amount, tx_hash,
		          status, sentiment_score, error, created_at, updated_at`,
		params.TaskID, params.Netuid, params.Hotkey, params.OperationType,
		params.Amount, params.TxHash, params.Status, params.SentimentScore, params.Error,
	)
	return scanStakeTransaction(row)
}

// UpdateStakeTransactionStatus updates the settlement status of a stake
// transaction. The update is atomic per row.
func (s *Store) UpdateStakeTransactionStatus(ctx context.Context, id int64, status string, txHash *string, errMsg *string) (*StakeTransaction, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE stake_transactions
		SET status = $2,
		    tx_hash = COALESCE($3, tx_hash),
		    error = COALESCE($4, error),
		    updated_at = now()
		WHERE id = $1
		RETURNING id, task_id, netuid, hotkey, operation_type, amount, tx_hash,
		          status, sentiment_score, error, created_at, updated_at`,
		id, status, txHash, errMsg,
	)
	return scanStakeTransaction(row)
}

// ListStakeTransactionsParams contains filter and pagination parameters.
type ListStakeTransactionsParams struct {
	Netuid        *int64
	Hotkey        *string
	OperationType *string
	Limit         int32
	Offset        int32
}

// ListStakeTransactions retrieves stake transactions, newest first.
func (s *Store) ListStakeTransactions(ctx context.Context, params ListStakeTransactionsParams) ([]*StakeTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, netuid, hotkey, operation_type, amount, tx_hash,
		       status, sentiment_score, error, created_at, updated_at
		FROM stake_transactions
		WHERE ($1::bigint IS NULL OR netuid = $1)
		  AND ($2::text IS NULL OR hotkey = $2)
		  AND ($3::text IS NULL OR operation_type = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4 OFFSET $5`,
		params.Netuid, params.Hotkey, params.OperationType, params.Limit, params.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []*StakeTransaction
	for rows.Next() {
		txn, err := scanStakeTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

// RecordTradeOutcomeParams describes a terminal trade task transition.
type RecordTradeOutcomeParams struct {
	TaskID         string
	Netuid         int64
	Hotkey         string
	State          string // confirmed or failed
	SentimentScore *float64
	Direction      string
	Amount         int64
	TxHash         *string
	Error          *string
	// Submitted indicates a submission was attempted, successful or not,
	// so a stake_transactions row must be written alongside the task update.
	Submitted bool
	TxStatus  string
}

// RecordTradeOutcome moves a trade task to a terminal state and, when the
// trade was submitted, appends the matching stake transaction row in the
// same database transaction. The caller must not release the trade lock
// unless this returns nil.
func (s *Store) RecordTradeOutcome(ctx context.Context, params RecordTradeOutcomeParams) (*TradeTask, *StakeTransaction, error) {
	if params.State != TaskStateConfirmed && params.State != TaskStateFailed {
		return nil, nil, fmt.Errorf("state %q is not terminal", params.State)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	direction := params.Direction
	task, err := s.updateTradeTask(ctx, tx, UpdateTradeTaskParams{
		TaskID:         params.TaskID,
		State:          params.State,
		SentimentScore: params.SentimentScore,
		Direction:      &direction,
		Amount:         &params.Amount,
		TxHash:         params.TxHash,
		Error:          params.Error,
	})
	if errors.Is(err, ErrTaskTerminal) {
		// A retried write whose earlier attempt already committed is a
		// success; callers must still be able to release the trade lock.
		if existing, getErr := s.GetTradeTask(ctx, params.TaskID); getErr == nil && existing.State == params.State {
			return existing, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to finalize trade task: %w", err)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to finalize trade task: %w", err)
	}

	var txn *StakeTransaction
	if params.Submitted {
		txn, err = s.createStakeTransaction(ctx, tx, CreateStakeTransactionParams{
			TaskID:         &params.TaskID,
			Netuid:         params.Netuid,
			Hotkey:         params.Hotkey,
			OperationType:  params.Direction,
			Amount:         params.Amount,
			TxHash:         params.TxHash,
			Status:         params.TxStatus,
			SentimentScore: params.SentimentScore,
			Error:          params.Error,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to record stake transaction: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit trade outcome: %w", err)
	}
	return task, txn, nil
}

// Helper functions to convert between pg types and domain types.

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDividendRecord(row rowScanner) (*DividendRecord, error) {
	var rec DividendRecord
	var observedAt pgtype.Timestamptz
	if err := row.Scan(&rec.ID, &rec.Netuid, &rec.Hotkey, &rec.Dividend, &observedAt); err != nil {
		return nil, err
	}
	rec.ObservedAt = observedAt.Time
	return &rec, nil
}

func scanTradeTask(row rowScanner) (*TradeTask, error) {
	var task TradeTask
	var score pgtype.Float8
	var txHash, errMsg pgtype.Text
	var requestedAt, updatedAt pgtype.Timestamptz
	if err := row.Scan(
		&task.TaskID, &task.Netuid, &task.Hotkey, &task.State,
		&score, &task.Direction, &task.Amount, &txHash, &errMsg,
		&requestedAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	task.SentimentScore = float64PtrFromPgFloat8(score)
	task.TxHash = stringPtrFromPgtext(txHash)
	task.Error = stringPtrFromPgtext(errMsg)
	task.RequestedAt = requestedAt.Time
	task.UpdatedAt = updatedAt.Time
	return &task, nil
}

func scanStakeTransaction(row rowScanner) (*StakeTransaction, error) {
	var txn StakeTransaction
	var taskID, txHash, errMsg pgtype.Text
	var score pgtype.Float8
	var createdAt, updatedAt pgtype.Timestamptz
	if err := row.Scan(
		&txn.ID, &taskID, &txn.Netuid, &txn.Hotkey, &txn.OperationType,
		&txn.Amount, &txHash, &txn.Status, &score, &errMsg,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	txn.TaskID = stringPtrFromPgtext(taskID)
	txn.TxHash = stringPtrFromPgtext(txHash)
	txn.SentimentScore = float64PtrFromPgFloat8(score)
	txn.Error = stringPtrFromPgtext(errMsg)
	txn.CreatedAt = createdAt.Time
	txn.UpdatedAt = updatedAt.Time
	return &txn, nil
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func float64PtrFromPgFloat8(f pgtype.Float8) *float64 {
	if !f.Valid {
		return nil
	}
	return &f.Float64
}
