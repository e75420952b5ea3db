package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHotkey = "5FFApaS75bv5pJHfAp2FVLBj9ZaXuFDjEypsaBNc1wCfe52v"

func TestGetTaoDividend_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/api/v1/tao_dividends", r.URL.Path)
		assert.Equal(t, "18", r.URL.Query().Get("netuid"))
		assert.Equal(t, testHotkey, r.URL.Query().Get("hotkey"))
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(DividendResult{
			Netuid:   18,
			Hotkey:   testHotkey,
			Dividend: 123456789,
			Cached:   true,
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "sekrit", nil, nil)
	result, err := c.GetTaoDividend(context.Background(), 18, testHotkey, false)
	require.NoError(t, err)
	assert.Equal(t, int64(123456789), result.Dividend)
	assert.True(t, result.Cached)
}

func TestGetTaoDividend_TradeFlag(t *testing.T) {
	taskID := "task-1"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("trade"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(DividendResult{
			Netuid:           18,
			Hotkey:           testHotkey,
			Dividend:         42,
			StakeTxTriggered: true,
			TaskID:           &taskID,
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "sekrit", nil, nil)
	result, err := c.GetTaoDividend(context.Background(), 18, testHotkey, true)
	require.NoError(t, err)
	assert.True(t, result.StakeTxTriggered)
	require.NotNil(t, result.TaskID)
	assert.Equal(t, taskID, *result.TaskID)
}

func TestGetSubnetDividends(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7", r.URL.Query().Get("netuid"))
		assert.Empty(t, r.URL.Query().Get("hotkey"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(SubnetDividendsResult{
			Netuid: 7,
			Dividends: []*DividendResult{
				{Netuid: 7, Hotkey: "hk1", Dividend: 1},
				{Netuid: 7, Hotkey: "hk2", Dividend: 2},
			},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "sekrit", nil, nil)
	result, err := c.GetSubnetDividends(context.Background(), 7, false)
	require.NoError(t, err)
	assert.Len(t, result.Dividends, 2)
}

func TestStake_Success(t *testing.T) {
	txHash := "0xabc"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/blockchain/stake", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(18), body["netuid"])
		assert.Equal(t, float64(250000000), body["amount"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TradeResult{
			StakeTxTriggered: true,
			Transaction: Transaction{
				ID:            1,
				Netuid:        18,
				Hotkey:        testHotkey,
				OperationType: "stake",
				Amount:        250000000,
				TxHash:        &txHash,
				Status:        "confirmed",
			},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "sekrit", nil, nil)
	result, err := c.Stake(context.Background(), 18, testHotkey, 250_000_000)
	require.NoError(t, err)
	assert.True(t, result.StakeTxTriggered)
	require.NotNil(t, result.Transaction.TxHash)
	assert.Equal(t, txHash, *result.Transaction.TxHash)
}

func TestUnstake_Conflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"stake_tx_triggered": false,
			"error":              "a trade is already in flight for this pair",
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "sekrit", nil, nil)
	_, err := c.Unstake(context.Background(), 18, testHotkey, 1000)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTradeInFlight)
}

func TestStake_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "amount must be a positive number of rao",
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "sekrit", nil, nil)
	_, err := c.Stake(context.Background(), 18, testHotkey, 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount must be a positive number")
}

func TestDividendHistory_Filters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/blockchain/dividend-history", r.URL.Path)
		assert.Equal(t, "18", r.URL.Query().Get("netuid"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"history": []DividendRecord{
				{ID: 2, Netuid: 18, Hotkey: testHotkey, Dividend: 99},
				{ID: 1, Netuid: 18, Hotkey: testHotkey, Dividend: 42},
			},
		})
	}))
	defer server.Close()

	netuid := int64(18)
	c := NewClient(server.URL, "sekrit", nil, nil)
	records, err := c.DividendHistory(context.Background(), HistoryFilter{Netuid: &netuid, Limit: 50})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(99), records[0].Dividend)
}

func TestGetTradeTask(t *testing.T) {
	score := -60.0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/trade_tasks/task-1", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TradeTask{
			TaskID:         "task-1",
			Netuid:         18,
			Hotkey:         testHotkey,
			State:          "confirmed",
			SentimentScore: &score,
			Direction:      "unstake",
			Amount:         600000000,
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "sekrit", nil, nil)
	task, err := c.GetTradeTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, "unstake", task.Direction)
	require.NotNil(t, task.SentimentScore)
	assert.Equal(t, -60.0, *task.SentimentScore)
}

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(server.URL, "sekrit", nil, nil)
	assert.NoError(t, c.Health(context.Background()))
}

func TestWorkerHealth_Unhealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "unhealthy",
			"error":  "temporal unreachable",
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "sekrit", nil, nil)
	err := c.WorkerHealth(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temporal unreachable")
}
