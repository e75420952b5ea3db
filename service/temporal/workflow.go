package temporal

import (
	"fmt"
	"math"
	"time"

	"github.com/taoflow/taoflow/service/db"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// TradeWorkflow is the Temporal workflow that settles one sentiment trade.
// It is started fire-and-forget by the query dispatcher after the trade
// guard has been acquired and the pending task row persisted.
//
// The workflow performs these steps:
// 1. Score Twitter sentiment for the subnet (AnalyzeSentiment activity)
// 2. Decide direction and size: positive stakes, negative unstakes,
//    amount = |score| * trade unit, capped
// 3. Submit the extrinsic through the chain gateway (SubmitStakeOperation)
// 4. Record the terminal outcome (RecordOutcome activity)
// 5. Release the trade guard (ReleaseTradeLock activity)
//
// The guard is released only after the terminal outcome is durably
// recorded. If the outcome write fails, the guard is left to expire so the
// pair stays closed until an operator can reconcile.
func TradeWorkflow(ctx workflow.Context, input TradeWorkflowInput) (*TradeWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("TradeWorkflow started",
		"task_id", input.TaskID,
		"netuid", input.Netuid,
		"hotkey", input.Hotkey,
	)

	result := &TradeWorkflowResult{
		TaskID:    input.TaskID,
		Direction: db.DirectionNone,
	}

	// Database writes and guard operations are cheap and must eventually
	// succeed, so they get more attempts than the external collaborators.
	dbCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    15 * time.Second,
			MaximumAttempts:    5,
		},
	})
	scoringCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 90 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})
	submitCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 120 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
			// A gateway rejection is terminal; only outages are retried.
			NonRetryableErrorTypes: []string{"InvalidArgument"},
		},
	})

	// finalize records the terminal outcome and, only once that write has
	// succeeded, releases the trade guard.
	finalize := func(outcome RecordOutcomeInput) error {
		outcome.TaskID = input.TaskID
		outcome.Netuid = input.Netuid
		outcome.Hotkey = input.Hotkey

		if err := workflow.ExecuteActivity(dbCtx, a.RecordOutcome, outcome).Get(ctx, nil); err != nil {
			logger.Error("failed to record trade outcome, leaving trade guard held",
				"task_id", input.TaskID,
				"state", outcome.State,
				"error", err,
			)
			return fmt.Errorf("failed to record trade outcome: %w", err)
		}

		result.State = outcome.State
		result.Direction = outcome.Direction
		result.Amount = outcome.Amount
		result.SentimentScore = outcome.SentimentScore
		result.TxHash = outcome.TxHash
		result.Error = outcome.Error

		releaseInput := ReleaseTradeLockInput{
			Netuid: input.Netuid,
			Hotkey: input.Hotkey,
			Holder: input.TaskID,
		}
		if err := workflow.ExecuteActivity(dbCtx, a.ReleaseTradeLock, releaseInput).Get(ctx, nil); err != nil {
			// The outcome is durable; the guard TTL will clear the pair.
			logger.Warn("failed to release trade guard, relying on TTL expiry",
				"task_id", input.TaskID,
				"error", err,
			)
		}
		return nil
	}

	// Step 1: mark the task as scoring.
	mark := MarkTaskStateInput{TaskID: input.TaskID, State: db.TaskStateScoring}
	if err := workflow.ExecuteActivity(dbCtx, a.MarkTaskState, mark).Get(ctx, nil); err != nil {
		// Persistence is down; leave the guard held rather than record a
		// state we cannot prove.
		errMsg := fmt.Sprintf("failed to mark task as scoring: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to mark task as scoring: %w", err)
	}

	// Step 2: score sentiment.
	var scoreResult *AnalyzeSentimentResult
	err := workflow.ExecuteActivity(scoringCtx, a.AnalyzeSentiment, AnalyzeSentimentInput{
		TaskID: input.TaskID,
		Netuid: input.Netuid,
	}).Get(ctx, &scoreResult)
	if err != nil {
		logger.Error("sentiment analysis failed", "task_id", input.TaskID, "error", err)
		errMsg := fmt.Sprintf("sentiment analysis failed: %v", err)
		if ferr := finalize(RecordOutcomeInput{
			State:     db.TaskStateFailed,
			Direction: db.DirectionNone,
			Error:     &errMsg,
		}); ferr != nil {
			return result, ferr
		}
		return result, nil
	}

	score := scoreResult.Score
	logger.Info("sentiment scored", "task_id", input.TaskID, "score", score)

	// Step 3: record the score and decide direction.
	mark = MarkTaskStateInput{
		TaskID:         input.TaskID,
		State:          db.TaskStateDeciding,
		SentimentScore: &score,
	}
	if err := workflow.ExecuteActivity(dbCtx, a.MarkTaskState, mark).Get(ctx, nil); err != nil {
		errMsg := fmt.Sprintf("failed to mark task as deciding: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to mark task as deciding: %w", err)
	}

	if score == 0 {
		logger.Info("neutral sentiment, no trade", "task_id", input.TaskID)
		reason := "neutral sentiment, no action"
		if ferr := finalize(RecordOutcomeInput{
			State:          db.TaskStateFailed,
			SentimentScore: &score,
			Direction:      db.DirectionNone,
			Error:          &reason,
		}); ferr != nil {
			return result, ferr
		}
		return result, nil
	}

	direction := db.DirectionStake
	if score < 0 {
		direction = db.DirectionUnstake
	}
	amount := int64(math.Abs(score)) * input.TradeUnitRao
	if amount > input.MaxTradeRao {
		amount = input.MaxTradeRao
	}

	// Step 4: mark the task as submitting with the sizing decision.
	mark = MarkTaskStateInput{
		TaskID:    input.TaskID,
		State:     db.TaskStateSubmitting,
		Direction: &direction,
		Amount:    &amount,
	}
	if err := workflow.ExecuteActivity(dbCtx, a.MarkTaskState, mark).Get(ctx, nil); err != nil {
		errMsg := fmt.Sprintf("failed to mark task as submitting: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to mark task as submitting: %w", err)
	}

	// Step 5: submit the extrinsic.
	var submitResult *SubmitStakeOperationResult
	err = workflow.ExecuteActivity(submitCtx, a.SubmitStakeOperation, SubmitStakeOperationInput{
		TaskID:    input.TaskID,
		Netuid:    input.Netuid,
		Hotkey:    input.Hotkey,
		Direction: direction,
		Amount:    amount,
	}).Get(ctx, &submitResult)
	if err != nil {
		logger.Error("stake submission failed",
			"task_id", input.TaskID,
			"direction", direction,
			"amount", amount,
			"error", err,
		)
		errMsg := fmt.Sprintf("stake submission failed: %v", err)
		// A failed submission still attempted the trade, so it gets a
		// failed stake_transactions row alongside the task update.
		if ferr := finalize(RecordOutcomeInput{
			State:          db.TaskStateFailed,
			SentimentScore: &score,
			Direction:      direction,
			Amount:         amount,
			Error:          &errMsg,
			Submitted:      true,
		}); ferr != nil {
			return result, ferr
		}
		return result, nil
	}

	// Step 6: record the confirmed trade and release the guard.
	if ferr := finalize(RecordOutcomeInput{
		State:          db.TaskStateConfirmed,
		SentimentScore: &score,
		Direction:      direction,
		Amount:         amount,
		TxHash:         &submitResult.TxHash,
		Submitted:      true,
	}); ferr != nil {
		return result, ferr
	}

	logger.Info("TradeWorkflow completed",
		"task_id", input.TaskID,
		"state", result.State,
		"direction", result.Direction,
		"amount", result.Amount,
		"tx_hash", submitResult.TxHash,
	)

	return result, nil
}
