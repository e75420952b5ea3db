package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/taoflow/taoflow/service/bittensor"
	"github.com/taoflow/taoflow/service/config"
	"github.com/taoflow/taoflow/service/db"
	"github.com/taoflow/taoflow/service/dividends"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - plenty for trade requests
	maxHotkeyLength    = 64      // SS58 hotkeys are 47-48 chars, give buffer
	defaultListLimit   = 100
	maxListLimit       = 1000
)

var (
	// Valid SS58 hotkey characters: base58 (no 0, O, I, l)
	validHotkeyRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// dividendDispatcher is the query surface the handlers need.
// Satisfied by *dividends.Dispatcher.
type dividendDispatcher interface {
	Handle(ctx context.Context, netuid int64, hotkey string, trade bool) (*dividends.Result, error)
	HandleSubnet(ctx context.Context, netuid int64, trade bool) (*dividends.SubnetResult, error)
	DirectTrade(ctx context.Context, params dividends.DirectTradeParams) (*db.StakeTransaction, error)
}

// historyStore is the read surface the history and task handlers need.
// Satisfied by *db.Store.
type historyStore interface {
	ListDividendHistory(ctx context.Context, params db.ListDividendHistoryParams) ([]*db.DividendRecord, error)
	ListStakeTransactions(ctx context.Context, params db.ListStakeTransactionsParams) ([]*db.StakeTransaction, error)
	ListTradeTasks(ctx context.Context, params db.ListTradeTasksParams) ([]*db.TradeTask, error)
	GetTradeTask(ctx context.Context, taskID string) (*db.TradeTask, error)
}

// healthChecker probes worker connectivity. Satisfied by *temporal.Client.
type healthChecker interface {
	Healthy(ctx context.Context) error
}

// handleGetTaoDividends returns a handler that answers dividend queries.
// GET /api/v1/tao_dividends?netuid={netuid}&hotkey={hotkey}&trade={bool}
// When hotkey is omitted but netuid is given, the whole subnet is queried.
// When both are omitted, the configured defaults apply.
func handleGetTaoDividends(dispatcher dividendDispatcher, cfg *config.Config, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		netuidParam := q.Get("netuid")
		hotkey := q.Get("hotkey")
		subnetQuery := false

		var netuid int64
		switch {
		case netuidParam == "" && hotkey == "":
			netuid = cfg.DefaultNetuid
			hotkey = cfg.DefaultHotkey
		case netuidParam == "":
			netuid = cfg.DefaultNetuid
		default:
			var err error
			netuid, err = strconv.ParseInt(netuidParam, 10, 64)
			if err != nil || netuid < 0 {
				writeError(w, "invalid netuid: must be a non-negative integer", http.StatusBadRequest)
				return
			}
			if hotkey == "" {
				subnetQuery = true
			}
		}

		if !subnetQuery {
			if err := validateHotkey(hotkey); err != nil {
				logger.Debug("invalid hotkey", "hotkey", hotkey, "error", err)
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		trade := false
		if tradeParam := q.Get("trade"); tradeParam != "" {
			var err error
			trade, err = strconv.ParseBool(tradeParam)
			if err != nil {
				writeError(w, "invalid trade: must be a boolean", http.StatusBadRequest)
				return
			}
		}

		if subnetQuery {
			result, err := dispatcher.HandleSubnet(r.Context(), netuid, trade)
			if err != nil {
				writeDividendError(w, logger, netuid, "", err)
				return
			}
			writeJSON(w, result, http.StatusOK)
			return
		}

		result, err := dispatcher.Handle(r.Context(), netuid, hotkey, trade)
		if err != nil {
			writeDividendError(w, logger, netuid, hotkey, err)
			return
		}
		writeJSON(w, result, http.StatusOK)
	})
}

// writeDividendError maps a dividend query failure to an HTTP status.
// Gateway outages surface as 503 so callers know to retry.
func writeDividendError(w http.ResponseWriter, logger *slog.Logger, netuid int64, hotkey string, err error) {
	if errors.Is(err, bittensor.ErrUnavailable) {
		logger.Warn("chain gateway unavailable", "netuid", netuid, "hotkey", hotkey, "error", err)
		writeError(w, "chain gateway unavailable", http.StatusServiceUnavailable)
		return
	}
	logger.Error("failed to query dividends", "netuid", netuid, "hotkey", hotkey, "error", err)
	writeError(w, "internal server error", http.StatusInternalServerError)
}

// directTradeRequest is the JSON request body for direct stake/unstake.
type directTradeRequest struct {
	Netuid *int64 `json:"netuid,omitempty"`
	Hotkey string `json:"hotkey,omitempty"`
	Amount int64  `json:"amount"` // rao
}

// directTradeResponse is the JSON response for a direct trade.
type directTradeResponse struct {
	StakeTxTriggered bool                `json:"stake_tx_triggered"`
	Transaction      transactionResponse `json:"transaction"`
}

// handleDirectTrade returns a handler that submits a stake or unstake
// synchronously, bypassing sentiment analysis. The per-pair trade guard
// still applies; a busy pair yields 409.
// POST /api/v1/blockchain/stake and POST /api/v1/blockchain/unstake
func handleDirectTrade(dispatcher dividendDispatcher, direction string, cfg *config.Config, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Limit request body size to prevent memory exhaustion
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req directTradeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		netuid := cfg.DefaultNetuid
		if req.Netuid != nil {
			netuid = *req.Netuid
		}
		if netuid < 0 {
			writeError(w, "invalid netuid: must be a non-negative integer", http.StatusBadRequest)
			return
		}

		hotkey := req.Hotkey
		if hotkey == "" {
			hotkey = cfg.DefaultHotkey
		}
		if err := validateHotkey(hotkey); err != nil {
			logger.Debug("invalid hotkey", "hotkey", hotkey, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if req.Amount <= 0 {
			writeError(w, "amount must be a positive number of rao", http.StatusBadRequest)
			return
		}

		txn, err := dispatcher.DirectTrade(r.Context(), dividends.DirectTradeParams{
			Direction: direction,
			Netuid:    netuid,
			Hotkey:    hotkey,
			Amount:    req.Amount,
		})
		if err != nil {
			switch {
			case errors.Is(err, dividends.ErrTradeInFlight):
				logger.Debug("direct trade denied, pair busy",
					"direction", direction, "netuid", netuid, "hotkey", hotkey)
				writeJSON(w, map[string]interface{}{
					"stake_tx_triggered": false,
					"error":              err.Error(),
				}, http.StatusConflict)
				return
			case txn != nil:
				// Submission failed but the attempt was recorded.
				logger.Warn("direct trade submission failed",
					"direction", direction, "netuid", netuid, "hotkey", hotkey, "error", err)
				writeJSON(w, directTradeResponse{
					StakeTxTriggered: false,
					Transaction:      transactionToResponse(txn),
				}, http.StatusBadGateway)
				return
			default:
				logger.Error("direct trade failed",
					"direction", direction, "netuid", netuid, "hotkey", hotkey, "error", err)
				writeError(w, "internal server error", http.StatusInternalServerError)
				return
			}
		}

		logger.Info("direct trade submitted",
			"direction", direction,
			"netuid", netuid,
			"hotkey", hotkey,
			"amount", req.Amount,
		)
		writeJSON(w, directTradeResponse{
			StakeTxTriggered: true,
			Transaction:      transactionToResponse(txn),
		}, http.StatusOK)
	})
}

// handleListDividendHistory returns a handler that lists persisted
// dividend observations, newest first.
// GET /api/v1/blockchain/dividend-history?netuid={netuid}&hotkey={hotkey}&limit={n}&offset={n}
func handleListDividendHistory(store historyStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		netuid, hotkey, err := parsePairFilter(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		limit, offset, err := parseListParams(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		records, err := store.ListDividendHistory(r.Context(), db.ListDividendHistoryParams{
			Netuid: netuid,
			Hotkey: hotkey,
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			logger.Error("failed to list dividend history", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]dividendRecordResponse, len(records))
		for i, rec := range records {
			resp[i] = dividendRecordToResponse(rec)
		}

		writeJSON(w, map[string]interface{}{
			"history": resp,
			"limit":   limit,
			"offset":  offset,
		}, http.StatusOK)
	})
}

// handleListStakeTransactions returns a handler that lists settled stake
// and unstake submissions, newest first.
// GET /api/v1/blockchain/stake-transaction-history?netuid={netuid}&hotkey={hotkey}&operation_type={op}&limit={n}&offset={n}
func handleListStakeTransactions(store historyStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		netuid, hotkey, err := parsePairFilter(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		limit, offset, err := parseListParams(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var opType *string
		if op := r.URL.Query().Get("operation_type"); op != "" {
			if op != db.DirectionStake && op != db.DirectionUnstake {
				writeError(w, "invalid operation_type: must be 'stake' or 'unstake'", http.StatusBadRequest)
				return
			}
			opType = &op
		}

		txns, err := store.ListStakeTransactions(r.Context(), db.ListStakeTransactionsParams{
			Netuid:        netuid,
			Hotkey:        hotkey,
			OperationType: opType,
			Limit:         limit,
			Offset:        offset,
		})
		if err != nil {
			logger.Error("failed to list stake transactions", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]transactionResponse, len(txns))
		for i, txn := range txns {
			resp[i] = transactionToResponse(txn)
		}

		writeJSON(w, map[string]interface{}{
			"transactions": resp,
			"limit":        limit,
			"offset":       offset,
		}, http.StatusOK)
	})
}

// handleListTradeTasks returns a handler that lists sentiment trade
// tasks, newest first.
// GET /api/v1/trade_tasks?netuid={netuid}&hotkey={hotkey}&state={state}&limit={n}&offset={n}
func handleListTradeTasks(store historyStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		netuid, hotkey, err := parsePairFilter(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		limit, offset, err := parseListParams(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var state *string
		if st := r.URL.Query().Get("state"); st != "" {
			if !db.ValidTaskState(st) {
				writeError(w, "invalid state", http.StatusBadRequest)
				return
			}
			state = &st
		}

		tasks, err := store.ListTradeTasks(r.Context(), db.ListTradeTasksParams{
			Netuid: netuid,
			Hotkey: hotkey,
			State:  state,
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			logger.Error("failed to list trade tasks", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]taskResponse, len(tasks))
		for i, task := range tasks {
			resp[i] = taskToResponse(task)
		}

		writeJSON(w, map[string]interface{}{
			"tasks":  resp,
			"limit":  limit,
			"offset": offset,
		}, http.StatusOK)
	})
}

// handleGetTradeTask returns a handler that fetches one trade task by ID.
// GET /api/v1/trade_tasks/{task_id}
func handleGetTradeTask(store historyStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		taskID := r.PathValue("task_id")
		if taskID == "" {
			writeError(w, "task_id is required", http.StatusBadRequest)
			return
		}

		task, err := store.GetTradeTask(r.Context(), taskID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "trade task not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to get trade task", "task_id", taskID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, taskToResponse(task), http.StatusOK)
	})
}

// handleWorkerHealth returns a handler that probes Temporal connectivity.
// GET /worker-health
func handleWorkerHealth(checker healthChecker, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := checker.Healthy(ctx); err != nil {
			logger.Warn("worker health check failed", "error", err)
			writeJSON(w, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			}, http.StatusServiceUnavailable)
			return
		}

		writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})
}

// parsePairFilter parses optional netuid and hotkey query filters.
func parsePairFilter(r *http.Request) (*int64, *string, error) {
	q := r.URL.Query()

	var netuid *int64
	if n := q.Get("netuid"); n != "" {
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil || parsed < 0 {
			return nil, nil, errorf("invalid netuid: must be a non-negative integer")
		}
		netuid = &parsed
	}

	var hotkey *string
	if hk := q.Get("hotkey"); hk != "" {
		if err := validateHotkey(hk); err != nil {
			return nil, nil, err
		}
		hotkey = &hk
	}

	return netuid, hotkey, nil
}

// parseListParams parses pagination query parameters with defaults.
func parseListParams(r *http.Request) (limit int32, offset int32, err error) {
	q := r.URL.Query()

	limit = defaultListLimit
	if l := q.Get("limit"); l != "" {
		parsed, perr := strconv.ParseInt(l, 10, 32)
		if perr != nil || parsed <= 0 {
			return 0, 0, errorf("invalid limit: must be a positive integer")
		}
		if parsed > maxListLimit {
			parsed = maxListLimit
		}
		limit = int32(parsed)
	}

	if o := q.Get("offset"); o != "" {
		parsed, perr := strconv.ParseInt(o, 10, 32)
		if perr != nil || parsed < 0 {
			return 0, 0, errorf("invalid offset: must be a non-negative integer")
		}
		offset = int32(parsed)
	}

	return limit, offset, nil
}

// taskResponse is the JSON response format for a trade task.
type taskResponse struct {
	TaskID         string    `json:"task_id"`
	Netuid         int64     `json:"netuid"`
	Hotkey         string    `json:"hotkey"`
	State          string    `json:"state"`
	SentimentScore *float64  `json:"sentiment_score,omitempty"`
	Direction      string    `json:"direction"`
	Amount         int64     `json:"amount"`
	TxHash         *string   `json:"tx_hash,omitempty"`
	Error          *string   `json:"error,omitempty"`
	RequestedAt    time.Time `json:"requested_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func taskToResponse(t *db.TradeTask) taskResponse {
	return taskResponse{
		TaskID:         t.TaskID,
		Netuid:         t.Netuid,
		Hotkey:         t.Hotkey,
		State:          t.State,
		SentimentScore: t.SentimentScore,
		Direction:      t.Direction,
		Amount:         t.Amount,
		TxHash:         t.TxHash,
		Error:          t.Error,
		RequestedAt:    t.RequestedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

// transactionResponse is the JSON response format for a stake transaction.
type transactionResponse struct {
	ID             int64     `json:"id"`
	TaskID         *string   `json:"task_id,omitempty"`
	Netuid         int64     `json:"netuid"`
	Hotkey         string    `json:"hotkey"`
	OperationType  string    `json:"operation_type"`
	Amount         int64     `json:"amount"`
	TxHash         *string   `json:"tx_hash,omitempty"`
	Status         string    `json:"status"`
	SentimentScore *float64  `json:"sentiment_score,omitempty"`
	Error          *string   `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func transactionToResponse(t *db.StakeTransaction) transactionResponse {
	return transactionResponse{
		ID:             t.ID,
		TaskID:         t.TaskID,
		Netuid:         t.Netuid,
		Hotkey:         t.Hotkey,
		OperationType:  t.OperationType,
		Amount:         t.Amount,
		TxHash:         t.TxHash,
		Status:         t.Status,
		SentimentScore: t.SentimentScore,
		Error:          t.Error,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

// dividendRecordResponse is the JSON response format for a dividend observation.
type dividendRecordResponse struct {
	ID         int64     `json:"id"`
	Netuid     int64     `json:"netuid"`
	Hotkey     string    `json:"hotkey"`
	Dividend   int64     `json:"dividend"`
	ObservedAt time.Time `json:"observed_at"`
}

func dividendRecordToResponse(rec *db.DividendRecord) dividendRecordResponse {
	return dividendRecordResponse{
		ID:         rec.ID,
		Netuid:     rec.Netuid,
		Hotkey:     rec.Hotkey,
		Dividend:   rec.Dividend,
		ObservedAt: rec.ObservedAt,
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateHotkey validates a hotkey for security and format.
func validateHotkey(hotkey string) error {
	if hotkey == "" {
		return errorf("hotkey is required")
	}

	if len(hotkey) > maxHotkeyLength {
		return errorf("hotkey too long: maximum length is %d characters", maxHotkeyLength)
	}

	// Check for null bytes and control characters
	for _, r := range hotkey {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in hotkey: control characters not allowed")
		}
	}

	// Validate against SS58 base58 format
	if !validHotkeyRegex.MatchString(hotkey) {
		return errorf("invalid hotkey format: must contain only valid base58 characters")
	}

	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
