package ledger

import (
	"context"
	"time"
)

// TimestampLayout is the transaction sort key format: ISO-8601 at second
// resolution, always UTC. Keys are deterministic per (identity, second) so a
// retried write overwrites itself instead of duplicating.
const TimestampLayout = "2006-01-02T15:04:05Z"

// MonthLayout is the monthly bucket format, e.g. "08_2026".
const MonthLayout = "01_2006"

// MonthlyUsage is the per-identity aggregate for one month bucket.
type MonthlyUsage struct {
	Identity    string  `json:"identity"`
	MonthYear   string  `json:"monthYear"`
	Invocations int64   `json:"invocations"`
	Cost        float64 `json:"cost"`
}

// TokenUsage is the counter snapshot persisted with a transaction.
type TokenUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Transaction is one completed, billable request. Append-only.
type Transaction struct {
	Identity  string     `json:"identity"`
	Timestamp string     `json:"timestamp"`
	ModelID   string     `json:"modelId"`
	Usage     TokenUsage `json:"usage"`
	Cost      float64    `json:"cost"`
}

// Store persists transactions and monthly aggregates.
//
// AddMonthlyUsage must be a single conditionless atomic add (one invocation
// plus cost), never an application-side read-modify-write, so concurrent
// requests from one identity cannot lose updates.
type Store interface {
	// MonthlyUsage returns nil (not an error) when no record exists yet.
	MonthlyUsage(ctx context.Context, identity, monthYear string) (*MonthlyUsage, error)
	AddMonthlyUsage(ctx context.Context, identity, monthYear string, cost float64) error
	PutTransaction(ctx context.Context, tx *Transaction) error
	ListTransactions(ctx context.Context, identity string, limit int) ([]*Transaction, error)
}

// MonthKey returns the month bucket for a point in time.
func MonthKey(t time.Time) string {
	return t.UTC().Format(MonthLayout)
}

// Timestamp formats a transaction sort key.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// MonthKeyFromTimestamp derives the month bucket from a transaction
// timestamp, falling back to the current month if the timestamp is mangled.
func MonthKeyFromTimestamp(ts string) string {
	t, err := time.Parse(TimestampLayout, ts)
	if err != nil {
		return MonthKey(time.Now())
	}
	return MonthKey(t)
}
