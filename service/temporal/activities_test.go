package temporal

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoflow/taoflow/service/bittensor"
	"github.com/taoflow/taoflow/service/db"
	"github.com/taoflow/taoflow/service/lock"
	"github.com/taoflow/taoflow/service/metrics"
	natspkg "github.com/taoflow/taoflow/service/nats"
)

type fakeStore struct {
	updates   []db.UpdateTradeTaskParams
	outcomes  []db.RecordTradeOutcomeParams
	updateErr error
	recordErr error
}

func (f *fakeStore) UpdateTradeTask(_ context.Context, params db.UpdateTradeTaskParams) (*db.TradeTask, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updates = append(f.updates, params)
	return &db.TradeTask{TaskID: params.TaskID, State: params.State}, nil
}

func (f *fakeStore) RecordTradeOutcome(_ context.Context, params db.RecordTradeOutcomeParams) (*db.TradeTask, *db.StakeTransaction, error) {
	if f.recordErr != nil {
		return nil, nil, f.recordErr
	}
	f.outcomes = append(f.outcomes, params)
	task := &db.TradeTask{
		TaskID:         params.TaskID,
		Netuid:         params.Netuid,
		Hotkey:         params.Hotkey,
		State:          params.State,
		Direction:      params.Direction,
		Amount:         params.Amount,
		SentimentScore: params.SentimentScore,
		TxHash:         params.TxHash,
		Error:          params.Error,
	}
	return task, nil, nil
}

type fakeChain struct {
	stakes   []bittensor.StakeParams
	unstakes []bittensor.StakeParams
	err      error
}

func (f *fakeChain) SubmitStake(_ context.Context, params bittensor.StakeParams) (*bittensor.StakeReceipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.stakes = append(f.stakes, params)
	return &bittensor.StakeReceipt{TxHash: "0xstake", Block: 1}, nil
}

func (f *fakeChain) SubmitUnstake(_ context.Context, params bittensor.StakeParams) (*bittensor.StakeReceipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.unstakes = append(f.unstakes, params)
	return &bittensor.StakeReceipt{TxHash: "0xunstake", Block: 2}, nil
}

type fakeAnalyzer struct {
	score float64
	err   error
}

func (f *fakeAnalyzer) Analyze(context.Context, int64) (float64, error) {
	return f.score, f.err
}

type fakeGuard struct {
	released []string
	expired  bool
	err      error
}

func (f *fakeGuard) Release(_ context.Context, key lock.Key, holder string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.released = append(f.released, key.String()+"/"+holder)
	return !f.expired, nil
}

func newTestActivities(store *fakeStore, chain *fakeChain, analyzer *fakeAnalyzer, pub *natspkg.MockPublisher, guard *fakeGuard) *Activities {
	return NewActivities(store, chain, analyzer, pub, guard, nil, slog.New(slog.DiscardHandler))
}

func TestAnalyzeSentimentActivity(t *testing.T) {
	a := newTestActivities(&fakeStore{}, &fakeChain{}, &fakeAnalyzer{score: -42}, natspkg.NewMockPublisher(), &fakeGuard{})

	result, err := a.AnalyzeSentiment(context.Background(), AnalyzeSentimentInput{TaskID: testTaskID, Netuid: 18})
	require.NoError(t, err)
	assert.Equal(t, -42.0, result.Score)
}

func TestAnalyzeSentimentActivity_Error(t *testing.T) {
	a := newTestActivities(&fakeStore{}, &fakeChain{}, &fakeAnalyzer{err: errors.New("chutes 500")}, natspkg.NewMockPublisher(), &fakeGuard{})

	_, err := a.AnalyzeSentiment(context.Background(), AnalyzeSentimentInput{TaskID: testTaskID, Netuid: 18})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to analyze sentiment")
}

func TestMarkTaskStateActivity(t *testing.T) {
	store := &fakeStore{}
	a := newTestActivities(store, &fakeChain{}, &fakeAnalyzer{}, natspkg.NewMockPublisher(), &fakeGuard{})

	score := 30.0
	err := a.MarkTaskState(context.Background(), MarkTaskStateInput{
		TaskID:         testTaskID,
		State:          db.TaskStateDeciding,
		SentimentScore: &score,
	})
	require.NoError(t, err)
	require.Len(t, store.updates, 1)
	assert.Equal(t, db.TaskStateDeciding, store.updates[0].State)
	require.NotNil(t, store.updates[0].SentimentScore)
	assert.Equal(t, 30.0, *store.updates[0].SentimentScore)
}

func TestSubmitStakeOperationActivity(t *testing.T) {
	chain := &fakeChain{}
	a := newTestActivities(&fakeStore{}, chain, &fakeAnalyzer{}, natspkg.NewMockPublisher(), &fakeGuard{})

	result, err := a.SubmitStakeOperation(context.Background(), SubmitStakeOperationInput{
		TaskID:    testTaskID,
		Netuid:    18,
		Hotkey:    testHotkey,
		Direction: db.DirectionStake,
		Amount:    470_000_000,
	})
	require.NoError(t, err)
	assert.Equal(t, "0xstake", result.TxHash)
	require.Len(t, chain.stakes, 1)
	assert.Equal(t, int64(470_000_000), chain.stakes[0].Amount)
	assert.Empty(t, chain.unstakes)
}

func TestSubmitStakeOperationActivity_Unstake(t *testing.T) {
	chain := &fakeChain{}
	a := newTestActivities(&fakeStore{}, chain, &fakeAnalyzer{}, natspkg.NewMockPublisher(), &fakeGuard{})

	result, err := a.SubmitStakeOperation(context.Background(), SubmitStakeOperationInput{
		TaskID:    testTaskID,
		Netuid:    18,
		Hotkey:    testHotkey,
		Direction: db.DirectionUnstake,
		Amount:    100,
	})
	require.NoError(t, err)
	assert.Equal(t, "0xunstake", result.TxHash)
	assert.Len(t, chain.unstakes, 1)
}

func TestSubmitStakeOperationActivity_InvalidDirection(t *testing.T) {
	a := newTestActivities(&fakeStore{}, &fakeChain{}, &fakeAnalyzer{}, natspkg.NewMockPublisher(), &fakeGuard{})

	_, err := a.SubmitStakeOperation(context.Background(), SubmitStakeOperationInput{
		TaskID:    testTaskID,
		Direction: db.DirectionNone,
		Amount:    1,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid trade direction")
}

func TestRecordOutcomeActivity_PublishesTrade(t *testing.T) {
	store := &fakeStore{}
	pub := natspkg.NewMockPublisher()
	a := newTestActivities(store, &fakeChain{}, &fakeAnalyzer{}, pub, &fakeGuard{})

	score := 47.0
	txHash := "0xabc"
	err := a.RecordOutcome(context.Background(), RecordOutcomeInput{
		TaskID:         testTaskID,
		Netuid:         18,
		Hotkey:         testHotkey,
		State:          db.TaskStateConfirmed,
		SentimentScore: &score,
		Direction:      db.DirectionStake,
		Amount:         470_000_000,
		TxHash:         &txHash,
		Submitted:      true,
	})
	require.NoError(t, err)

	require.Len(t, store.outcomes, 1)
	assert.Equal(t, db.TxStatusConfirmed, store.outcomes[0].TxStatus)
	assert.True(t, store.outcomes[0].Submitted)

	events := pub.GetPublishedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, testTaskID, events[0].TaskID)
	assert.Equal(t, db.TaskStateConfirmed, events[0].State)
}

func TestRecordOutcomeActivity_PublishFailureIsNotFatal(t *testing.T) {
	store := &fakeStore{}
	pub := natspkg.NewMockPublisher()
	pub.SetPublishError(errors.New("nats down"))
	a := newTestActivities(store, &fakeChain{}, &fakeAnalyzer{}, pub, &fakeGuard{})

	err := a.RecordOutcome(context.Background(), RecordOutcomeInput{
		TaskID:    testTaskID,
		Netuid:    18,
		Hotkey:    testHotkey,
		State:     db.TaskStateFailed,
		Direction: db.DirectionNone,
	})
	require.NoError(t, err)
	assert.Len(t, store.outcomes, 1)
}

func TestRecordOutcomeActivity_StoreFailurePropagates(t *testing.T) {
	store := &fakeStore{recordErr: errors.New("db down")}
	pub := natspkg.NewMockPublisher()
	a := newTestActivities(store, &fakeChain{}, &fakeAnalyzer{}, pub, &fakeGuard{})

	err := a.RecordOutcome(context.Background(), RecordOutcomeInput{
		TaskID: testTaskID,
		State:  db.TaskStateFailed,
	})
	require.Error(t, err)
	// Nothing is announced when the outcome was not persisted.
	assert.Empty(t, pub.GetPublishedEvents())
}

func TestReleaseTradeLockActivity(t *testing.T) {
	guard := &fakeGuard{}
	a := newTestActivities(&fakeStore{}, &fakeChain{}, &fakeAnalyzer{}, natspkg.NewMockPublisher(), guard)

	err := a.ReleaseTradeLock(context.Background(), ReleaseTradeLockInput{
		Netuid: 18,
		Hotkey: testHotkey,
		Holder: testTaskID,
	})
	require.NoError(t, err)
	require.Len(t, guard.released, 1)
	assert.Equal(t, "trade_lock:18:"+testHotkey+"/"+testTaskID, guard.released[0])
}

func TestReleaseTradeLockActivity_ExpiredGuardIsNotAnError(t *testing.T) {
	guard := &fakeGuard{expired: true}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	a := NewActivities(&fakeStore{}, &fakeChain{}, &fakeAnalyzer{}, natspkg.NewMockPublisher(), guard, m, slog.New(slog.DiscardHandler))

	// The outcome is already durable; losing the guard to TTL expiry is a
	// degraded condition, not a failure of the release step.
	err := a.ReleaseTradeLock(context.Background(), ReleaseTradeLockInput{
		Netuid: 18,
		Hotkey: testHotkey,
		Holder: testTaskID,
	})
	require.NoError(t, err)
	assert.Len(t, guard.released, 1)
}
