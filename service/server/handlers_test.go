package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoflow/taoflow/service/bittensor"
	"github.com/taoflow/taoflow/service/config"
	"github.com/taoflow/taoflow/service/db"
	"github.com/taoflow/taoflow/service/dividends"
)

const testHotkey = "5FFApaS75bv5pJHfAp2FVLBj9ZaXuFDjEypsaBNc1wCfe52v"

type handleCall struct {
	netuid int64
	hotkey string
	trade  bool
}

type fakeDispatcher struct {
	result      *dividends.Result
	subnet      *dividends.SubnetResult
	txn         *db.StakeTransaction
	err         error
	directErr   error
	handleCalls []handleCall
	subnetCalls []handleCall
	directCalls []dividends.DirectTradeParams
}

func (f *fakeDispatcher) Handle(_ context.Context, netuid int64, hotkey string, trade bool) (*dividends.Result, error) {
	f.handleCalls = append(f.handleCalls, handleCall{netuid: netuid, hotkey: hotkey, trade: trade})
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &dividends.Result{Netuid: netuid, Hotkey: hotkey, Dividend: 123}, nil
}

func (f *fakeDispatcher) HandleSubnet(_ context.Context, netuid int64, trade bool) (*dividends.SubnetResult, error) {
	f.subnetCalls = append(f.subnetCalls, handleCall{netuid: netuid, trade: trade})
	if f.err != nil {
		return nil, f.err
	}
	if f.subnet != nil {
		return f.subnet, nil
	}
	return &dividends.SubnetResult{Netuid: netuid}, nil
}

func (f *fakeDispatcher) DirectTrade(_ context.Context, params dividends.DirectTradeParams) (*db.StakeTransaction, error) {
	f.directCalls = append(f.directCalls, params)
	if f.directErr != nil {
		return f.txn, f.directErr
	}
	if f.txn != nil {
		return f.txn, nil
	}
	return &db.StakeTransaction{
		ID:            1,
		Netuid:        params.Netuid,
		Hotkey:        params.Hotkey,
		OperationType: params.Direction,
		Amount:        params.Amount,
		Status:        db.TxStatusConfirmed,
	}, nil
}

type fakeHistoryStore struct {
	dividendParams []db.ListDividendHistoryParams
	txnParams      []db.ListStakeTransactionsParams
	taskParams     []db.ListTradeTasksParams
	task           *db.TradeTask
	taskErr        error
}

func (f *fakeHistoryStore) ListDividendHistory(_ context.Context, params db.ListDividendHistoryParams) ([]*db.DividendRecord, error) {
	f.dividendParams = append(f.dividendParams, params)
	return []*db.DividendRecord{{ID: 1, Netuid: 18, Hotkey: testHotkey, Dividend: 42, ObservedAt: time.Now()}}, nil
}

func (f *fakeHistoryStore) ListStakeTransactions(_ context.Context, params db.ListStakeTransactionsParams) ([]*db.StakeTransaction, error) {
	f.txnParams = append(f.txnParams, params)
	return nil, nil
}

func (f *fakeHistoryStore) ListTradeTasks(_ context.Context, params db.ListTradeTasksParams) ([]*db.TradeTask, error) {
	f.taskParams = append(f.taskParams, params)
	return nil, nil
}

func (f *fakeHistoryStore) GetTradeTask(_ context.Context, taskID string) (*db.TradeTask, error) {
	if f.taskErr != nil {
		return nil, f.taskErr
	}
	return f.task, nil
}

func testConfig() *config.Config {
	return &config.Config{
		DefaultNetuid: 18,
		DefaultHotkey: testHotkey,
		APIAuthToken:  "sekrit",
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestGetTaoDividends_DefaultsApplied(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	handler := handleGetTaoDividends(dispatcher, testConfig(), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tao_dividends", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, dispatcher.handleCalls, 1)
	assert.Equal(t, int64(18), dispatcher.handleCalls[0].netuid)
	assert.Equal(t, testHotkey, dispatcher.handleCalls[0].hotkey)
	assert.False(t, dispatcher.handleCalls[0].trade)

	var result dividends.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, int64(123), result.Dividend)
}

func TestGetTaoDividends_TradeParam(t *testing.T) {
	taskID := "task-1"
	dispatcher := &fakeDispatcher{
		result: &dividends.Result{
			Netuid:           5,
			Hotkey:           testHotkey,
			Dividend:         99,
			StakeTxTriggered: true,
			TaskID:           &taskID,
		},
	}
	handler := handleGetTaoDividends(dispatcher, testConfig(), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tao_dividends?netuid=5&hotkey="+testHotkey+"&trade=true", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, dispatcher.handleCalls, 1)
	assert.True(t, dispatcher.handleCalls[0].trade)

	// The trigger flag travels under the documented wire name.
	assert.Contains(t, rec.Body.String(), `"stake_tx_triggered":true`)

	var result dividends.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.StakeTxTriggered)
	require.NotNil(t, result.TaskID)
	assert.Equal(t, taskID, *result.TaskID)
	assert.Nil(t, result.TxHash)
}

func TestGetTaoDividends_SubnetQuery(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	handler := handleGetTaoDividends(dispatcher, testConfig(), testLogger())

	// netuid given but hotkey omitted queries the whole subnet
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tao_dividends?netuid=7", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, dispatcher.handleCalls)
	require.Len(t, dispatcher.subnetCalls, 1)
	assert.Equal(t, int64(7), dispatcher.subnetCalls[0].netuid)
}

func TestGetTaoDividends_PathologicalInput(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{name: "non-numeric netuid", query: "netuid=abc"},
		{name: "negative netuid", query: "netuid=-1"},
		{name: "invalid trade flag", query: "trade=maybe"},
		{name: "hotkey with invalid chars", query: "hotkey=O0Il"},
		{name: "hotkey too long", query: "hotkey=" + strings.Repeat("a", 200)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dispatcher := &fakeDispatcher{}
			handler := handleGetTaoDividends(dispatcher, testConfig(), testLogger())

			req := httptest.NewRequest(http.MethodGet, "/api/v1/tao_dividends?"+tt.query, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, dispatcher.handleCalls)
			assert.Empty(t, dispatcher.subnetCalls)
		})
	}
}

func TestGetTaoDividends_GatewayDown(t *testing.T) {
	dispatcher := &fakeDispatcher{err: bittensor.ErrUnavailable}
	handler := handleGetTaoDividends(dispatcher, testConfig(), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tao_dividends", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "chain gateway unavailable")
}

func TestDirectTrade_Stake(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	handler := handleDirectTrade(dispatcher, db.DirectionStake, testConfig(), testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/blockchain/stake",
		strings.NewReader(`{"netuid": 5, "hotkey": "`+testHotkey+`", "amount": 250000000}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, dispatcher.directCalls, 1)
	assert.Equal(t, db.DirectionStake, dispatcher.directCalls[0].Direction)
	assert.Equal(t, int64(250_000_000), dispatcher.directCalls[0].Amount)

	var resp directTradeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.StakeTxTriggered)
	assert.Equal(t, db.TxStatusConfirmed, resp.Transaction.Status)
}

func TestDirectTrade_DefaultsApplied(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	handler := handleDirectTrade(dispatcher, db.DirectionUnstake, testConfig(), testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/blockchain/unstake",
		strings.NewReader(`{"amount": 1000}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, dispatcher.directCalls, 1)
	assert.Equal(t, int64(18), dispatcher.directCalls[0].Netuid)
	assert.Equal(t, testHotkey, dispatcher.directCalls[0].Hotkey)
	assert.Equal(t, db.DirectionUnstake, dispatcher.directCalls[0].Direction)
}

func TestDirectTrade_Conflict(t *testing.T) {
	dispatcher := &fakeDispatcher{directErr: dividends.ErrTradeInFlight}
	handler := handleDirectTrade(dispatcher, db.DirectionStake, testConfig(), testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/blockchain/stake",
		strings.NewReader(`{"amount": 1000}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["stake_tx_triggered"])
}

func TestDirectTrade_PathologicalInput(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedStatus int
		checkError     func(t *testing.T, body string)
	}{
		{
			name:           "malformed JSON",
			body:           `{"amount":`,
			expectedStatus: http.StatusBadRequest,
			checkError: func(t *testing.T, body string) {
				assert.Contains(t, body, "invalid request body")
			},
		},
		{
			name:           "zero amount",
			body:           `{"amount": 0}`,
			expectedStatus: http.StatusBadRequest,
			checkError: func(t *testing.T, body string) {
				assert.Contains(t, body, "amount must be a positive number")
			},
		},
		{
			name:           "negative amount",
			body:           `{"amount": -5}`,
			expectedStatus: http.StatusBadRequest,
			checkError: func(t *testing.T, body string) {
				assert.Contains(t, body, "amount must be a positive number")
			},
		},
		{
			name:           "negative netuid",
			body:           `{"netuid": -2, "amount": 100}`,
			expectedStatus: http.StatusBadRequest,
			checkError: func(t *testing.T, body string) {
				assert.Contains(t, body, "invalid netuid")
			},
		},
		{
			name:           "hotkey with invalid characters",
			body:           `{"hotkey": "bad key", "amount": 100}`,
			expectedStatus: http.StatusBadRequest,
			checkError: func(t *testing.T, body string) {
				assert.Contains(t, body, "invalid hotkey format")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dispatcher := &fakeDispatcher{}
			handler := handleDirectTrade(dispatcher, db.DirectionStake, testConfig(), testLogger())

			req := httptest.NewRequest(http.MethodPost, "/api/v1/blockchain/stake", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			tt.checkError(t, rec.Body.String())
			assert.Empty(t, dispatcher.directCalls)
		})
	}
}

func TestListDividendHistory_Pagination(t *testing.T) {
	store := &fakeHistoryStore{}
	handler := handleListDividendHistory(store, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/blockchain/dividend-history?netuid=18&limit=5000&offset=10", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, store.dividendParams, 1)
	// Oversized limits are clamped
	assert.Equal(t, int32(maxListLimit), store.dividendParams[0].Limit)
	assert.Equal(t, int32(10), store.dividendParams[0].Offset)
	require.NotNil(t, store.dividendParams[0].Netuid)
	assert.Equal(t, int64(18), *store.dividendParams[0].Netuid)
	assert.Nil(t, store.dividendParams[0].Hotkey)
}

func TestListDividendHistory_DefaultLimit(t *testing.T) {
	store := &fakeHistoryStore{}
	handler := handleListDividendHistory(store, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/blockchain/dividend-history", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, store.dividendParams, 1)
	assert.Equal(t, int32(defaultListLimit), store.dividendParams[0].Limit)
	assert.Equal(t, int32(0), store.dividendParams[0].Offset)
}

func TestListStakeTransactions_OperationTypeFilter(t *testing.T) {
	store := &fakeHistoryStore{}
	handler := handleListStakeTransactions(store, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/blockchain/stake-transaction-history?operation_type=unstake", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, store.txnParams, 1)
	require.NotNil(t, store.txnParams[0].OperationType)
	assert.Equal(t, db.DirectionUnstake, *store.txnParams[0].OperationType)

	// Unknown operation types are rejected
	req = httptest.NewRequest(http.MethodGet, "/api/v1/blockchain/stake-transaction-history?operation_type=borrow", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTradeTasks_StateFilter(t *testing.T) {
	store := &fakeHistoryStore{}
	handler := handleListTradeTasks(store, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/trade_tasks?state=confirmed", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, store.taskParams, 1)
	require.NotNil(t, store.taskParams[0].State)
	assert.Equal(t, db.TaskStateConfirmed, *store.taskParams[0].State)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/trade_tasks?state=bogus", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTradeTask(t *testing.T) {
	score := 47.0
	store := &fakeHistoryStore{
		task: &db.TradeTask{
			TaskID:         "task-1",
			Netuid:         18,
			Hotkey:         testHotkey,
			State:          db.TaskStateConfirmed,
			SentimentScore: &score,
			Direction:      db.DirectionStake,
			Amount:         470_000_000,
		},
	}
	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/trade_tasks/{task_id}", handleGetTradeTask(store, testLogger()))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/trade_tasks/task-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp taskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "task-1", resp.TaskID)
	assert.Equal(t, db.TaskStateConfirmed, resp.State)
	require.NotNil(t, resp.SentimentScore)
	assert.Equal(t, 47.0, *resp.SentimentScore)
}

func TestGetTradeTask_NotFound(t *testing.T) {
	store := &fakeHistoryStore{taskErr: db.ErrNotFound}
	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/trade_tasks/{task_id}", handleGetTradeTask(store, testLogger()))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/trade_tasks/missing", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBearerAuthMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := bearerAuthMiddleware("sekrit", testLogger())(inner)

	tests := []struct {
		name           string
		header         string
		expectedStatus int
	}{
		{name: "missing header", header: "", expectedStatus: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic sekrit", expectedStatus: http.StatusUnauthorized},
		{name: "wrong token", header: "Bearer nope", expectedStatus: http.StatusUnauthorized},
		{name: "valid token", header: "Bearer sekrit", expectedStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/tao_dividends", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.expectedStatus, rec.Code)
		})
	}
}

func TestValidateHotkey(t *testing.T) {
	assert.NoError(t, validateHotkey(testHotkey))
	assert.Error(t, validateHotkey(""))
	assert.Error(t, validateHotkey("has spaces"))
	assert.Error(t, validateHotkey("0OIl"))
	assert.Error(t, validateHotkey(strings.Repeat("a", maxHotkeyLength+1)))
}
