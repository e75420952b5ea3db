package nats

import (
	"time"

	"github.com/taoflow/taoflow/service/db"
)

// TradeEvent represents a settled sentiment trade published to NATS.
// This is published to the subject "trades.{netuid}.{hotkey}" in JetStream.
type TradeEvent struct {
	// Task identifiers
	TaskID string `json:"task_id"`

	// Trade target
	Netuid int64  `json:"netuid"`
	Hotkey string `json:"hotkey"`

	// Outcome
	State          string   `json:"state"` // confirmed or failed
	Direction      string   `json:"direction"`
	Amount         int64    `json:"amount"` // rao
	SentimentScore *float64 `json:"sentiment_score,omitempty"`
	TxHash         *string  `json:"tx_hash,omitempty"`
	Error          *string  `json:"error,omitempty"`

	// Timing information
	RequestedAt time.Time `json:"requested_at"`
	PublishedAt time.Time `json:"published_at"`
}

// FromTradeTask converts a terminal trade task to a TradeEvent for publishing.
func FromTradeTask(task *db.TradeTask) *TradeEvent {
	return &TradeEvent{
		TaskID:         task.TaskID,
		Netuid:         task.Netuid,
		Hotkey:         task.Hotkey,
		State:          task.State,
		Direction:      task.Direction,
		Amount:         task.Amount,
		SentimentScore: task.SentimentScore,
		TxHash:         task.TxHash,
		Error:          task.Error,
		RequestedAt:    task.RequestedAt,
		PublishedAt:    time.Now().UTC(),
	}
}
