package temporal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/taoflow/taoflow/service/db"
)

const (
	testTaskID = "11111111-2222-3333-4444-555555555555"
	testHotkey = "5FFApaS75bv5pJHfAp2FVLBj9ZaXuFDjEypsaBNc1wCfe52v"
)

func testInput() TradeWorkflowInput {
	return TradeWorkflowInput{
		TaskID:       testTaskID,
		Netuid:       18,
		Hotkey:       testHotkey,
		TradeUnitRao: 10_000_000,    // 0.01 TAO per sentiment point
		MaxTradeRao:  1_000_000_000, // 1 TAO
	}
}

// tradeEnv registers the trade activities on a fresh test environment so
// they can be mocked by name.
func tradeEnv(t *testing.T) (*testsuite.TestWorkflowEnvironment, *Activities) {
	t.Helper()
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.AnalyzeSentiment)
	env.RegisterActivity(activities.MarkTaskState)
	env.RegisterActivity(activities.SubmitStakeOperation)
	env.RegisterActivity(activities.RecordOutcome)
	env.RegisterActivity(activities.ReleaseTradeLock)
	return env, activities
}

func TestTradeWorkflow_PositiveSentimentStakes(t *testing.T) {
	env, activities := tradeEnv(t)

	env.OnActivity(activities.MarkTaskState, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(activities.AnalyzeSentiment, mock.Anything, mock.Anything).
		Return(&AnalyzeSentimentResult{Score: 47}, nil)

	var submitted SubmitStakeOperationInput
	env.OnActivity(activities.SubmitStakeOperation, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			submitted = args.Get(1).(SubmitStakeOperationInput)
		}).
		Return(&SubmitStakeOperationResult{TxHash: "0xabc", Block: 100}, nil)

	var outcome RecordOutcomeInput
	env.OnActivity(activities.RecordOutcome, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			outcome = args.Get(1).(RecordOutcomeInput)
		}).
		Return(nil)

	released := false
	env.OnActivity(activities.ReleaseTradeLock, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { released = true }).
		Return(nil)

	env.ExecuteWorkflow(TradeWorkflow, testInput())

	require.NoError(t, env.GetWorkflowError())

	var result TradeWorkflowResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, db.TaskStateConfirmed, result.State)
	assert.Equal(t, db.DirectionStake, result.Direction)
	assert.Equal(t, int64(470_000_000), result.Amount) // 47 * 0.01 TAO
	require.NotNil(t, result.TxHash)
	assert.Equal(t, "0xabc", *result.TxHash)

	assert.Equal(t, db.DirectionStake, submitted.Direction)
	assert.Equal(t, int64(470_000_000), submitted.Amount)
	assert.Equal(t, db.TaskStateConfirmed, outcome.State)
	assert.True(t, outcome.Submitted)
	assert.True(t, released)
}

func TestTradeWorkflow_NegativeSentimentUnstakes(t *testing.T) {
	env, activities := tradeEnv(t)

	env.OnActivity(activities.MarkTaskState, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(activities.AnalyzeSentiment, mock.Anything, mock.Anything).
		Return(&AnalyzeSentimentResult{Score: -60}, nil)

	var submitted SubmitStakeOperationInput
	env.OnActivity(activities.SubmitStakeOperation, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			submitted = args.Get(1).(SubmitStakeOperationInput)
		}).
		Return(&SubmitStakeOperationResult{TxHash: "0xdef", Block: 101}, nil)
	env.OnActivity(activities.RecordOutcome, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(activities.ReleaseTradeLock, mock.Anything, mock.Anything).Return(nil)

	env.ExecuteWorkflow(TradeWorkflow, testInput())

	require.NoError(t, env.GetWorkflowError())

	var result TradeWorkflowResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, db.TaskStateConfirmed, result.State)
	assert.Equal(t, db.DirectionUnstake, result.Direction)
	assert.Equal(t, int64(600_000_000), result.Amount)
	assert.Equal(t, db.DirectionUnstake, submitted.Direction)
}

func TestTradeWorkflow_AmountCapped(t *testing.T) {
	env, activities := tradeEnv(t)

	env.OnActivity(activities.MarkTaskState, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(activities.AnalyzeSentiment, mock.Anything, mock.Anything).
		Return(&AnalyzeSentimentResult{Score: 100}, nil)

	var submitted SubmitStakeOperationInput
	env.OnActivity(activities.SubmitStakeOperation, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			submitted = args.Get(1).(SubmitStakeOperationInput)
		}).
		Return(&SubmitStakeOperationResult{TxHash: "0x1", Block: 1}, nil)
	env.OnActivity(activities.RecordOutcome, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(activities.ReleaseTradeLock, mock.Anything, mock.Anything).Return(nil)

	input := testInput()
	input.MaxTradeRao = 500_000_000 // below 100 * unit

	env.ExecuteWorkflow(TradeWorkflow, input)

	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, int64(500_000_000), submitted.Amount)
}

func TestTradeWorkflow_NeutralSentimentNoTrade(t *testing.T) {
	env, activities := tradeEnv(t)

	env.OnActivity(activities.MarkTaskState, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(activities.AnalyzeSentiment, mock.Anything, mock.Anything).
		Return(&AnalyzeSentimentResult{Score: 0}, nil)

	var outcome RecordOutcomeInput
	env.OnActivity(activities.RecordOutcome, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			outcome = args.Get(1).(RecordOutcomeInput)
		}).
		Return(nil)

	released := false
	env.OnActivity(activities.ReleaseTradeLock, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { released = true }).
		Return(nil)

	env.ExecuteWorkflow(TradeWorkflow, testInput())

	require.NoError(t, env.GetWorkflowError())

	var result TradeWorkflowResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, db.TaskStateFailed, result.State)
	assert.Equal(t, db.DirectionNone, result.Direction)
	assert.Equal(t, int64(0), result.Amount)
	require.NotNil(t, result.Error)
	assert.Equal(t, "neutral sentiment, no action", *result.Error)

	assert.False(t, outcome.Submitted)
	assert.True(t, released)
}

func TestTradeWorkflow_ScoringFailureRecordsFailed(t *testing.T) {
	env, activities := tradeEnv(t)

	env.OnActivity(activities.MarkTaskState, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(activities.AnalyzeSentiment, mock.Anything, mock.Anything).
		Return(nil, errors.New("datura timeout"))

	var outcome RecordOutcomeInput
	env.OnActivity(activities.RecordOutcome, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			outcome = args.Get(1).(RecordOutcomeInput)
		}).
		Return(nil)

	released := false
	env.OnActivity(activities.ReleaseTradeLock, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { released = true }).
		Return(nil)

	env.ExecuteWorkflow(TradeWorkflow, testInput())

	// The failure is recorded as a terminal outcome; the workflow itself
	// completes cleanly.
	require.NoError(t, env.GetWorkflowError())

	assert.Equal(t, db.TaskStateFailed, outcome.State)
	assert.Equal(t, db.DirectionNone, outcome.Direction)
	require.NotNil(t, outcome.Error)
	assert.Contains(t, *outcome.Error, "sentiment analysis failed")
	assert.True(t, released)
}

func TestTradeWorkflow_SubmitFailureRecordsFailed(t *testing.T) {
	env, activities := tradeEnv(t)

	env.OnActivity(activities.MarkTaskState, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(activities.AnalyzeSentiment, mock.Anything, mock.Anything).
		Return(&AnalyzeSentimentResult{Score: 30}, nil)
	env.OnActivity(activities.SubmitStakeOperation, mock.Anything, mock.Anything).
		Return(nil, errors.New("gateway unavailable"))

	var outcome RecordOutcomeInput
	env.OnActivity(activities.RecordOutcome, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			outcome = args.Get(1).(RecordOutcomeInput)
		}).
		Return(nil)

	released := false
	env.OnActivity(activities.ReleaseTradeLock, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { released = true }).
		Return(nil)

	env.ExecuteWorkflow(TradeWorkflow, testInput())

	require.NoError(t, env.GetWorkflowError())

	assert.Equal(t, db.TaskStateFailed, outcome.State)
	assert.Equal(t, db.DirectionStake, outcome.Direction)
	assert.Equal(t, int64(300_000_000), outcome.Amount)
	// The attempt must surface in the transaction history, so the outcome
	// still writes a stake_transactions row with status failed.
	assert.True(t, outcome.Submitted)
	require.NotNil(t, outcome.Error)
	assert.Contains(t, *outcome.Error, "stake submission failed")
	assert.True(t, released)
}

func TestTradeWorkflow_OutcomeWriteFailureKeepsGuard(t *testing.T) {
	env, activities := tradeEnv(t)

	env.OnActivity(activities.MarkTaskState, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(activities.AnalyzeSentiment, mock.Anything, mock.Anything).
		Return(&AnalyzeSentimentResult{Score: 10}, nil)
	env.OnActivity(activities.SubmitStakeOperation, mock.Anything, mock.Anything).
		Return(&SubmitStakeOperationResult{TxHash: "0x2", Block: 2}, nil)
	env.OnActivity(activities.RecordOutcome, mock.Anything, mock.Anything).
		Return(errors.New("database unavailable"))

	released := false
	env.OnActivity(activities.ReleaseTradeLock, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { released = true }).
		Return(nil)

	env.ExecuteWorkflow(TradeWorkflow, testInput())

	// The outcome could not be persisted, so the workflow fails and the
	// guard stays held until its TTL expires.
	require.Error(t, env.GetWorkflowError())
	assert.False(t, released)
}

func TestTradeWorkflow_ReleaseFailureDoesNotFailWorkflow(t *testing.T) {
	env, activities := tradeEnv(t)

	env.OnActivity(activities.MarkTaskState, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(activities.AnalyzeSentiment, mock.Anything, mock.Anything).
		Return(&AnalyzeSentimentResult{Score: 5}, nil)
	env.OnActivity(activities.SubmitStakeOperation, mock.Anything, mock.Anything).
		Return(&SubmitStakeOperationResult{TxHash: "0x3", Block: 3}, nil)
	env.OnActivity(activities.RecordOutcome, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(activities.ReleaseTradeLock, mock.Anything, mock.Anything).
		Return(errors.New("redis down"))

	env.ExecuteWorkflow(TradeWorkflow, testInput())

	// The outcome is durable; release failure falls back to TTL expiry.
	require.NoError(t, env.GetWorkflowError())

	var result TradeWorkflowResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, db.TaskStateConfirmed, result.State)
}
