// Package quota gates requests on the per-identity monthly spend ceiling.
//
// The check is read-then-act, not a reservation: two requests racing past the
// boundary may both be admitted. The overrun is bounded by the cost of the
// in-flight calls and the next check rejects, which is the accepted model
// here; a reserve/commit protocol would be the stricter replacement.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blueprintchat/inference-gateway/internal/ledger"
)

// ErrQuotaExceeded is distinct from authentication and validation failures.
var ErrQuotaExceeded = errors.New("quota: monthly limit exceeded")

type Guard struct {
	store ledger.Store
	limit float64
}

func NewGuard(store ledger.Store, limit float64) *Guard {
	return &Guard{store: store, limit: limit}
}

// Check admits or rejects a request before any paid work is dispatched.
// An absent monthly record counts as zero usage.
func (g *Guard) Check(ctx context.Context, identity string, now time.Time) error {
	cost, err := g.Usage(ctx, identity, ledger.MonthKey(now))
	if err != nil {
		return err
	}
	if cost >= g.limit {
		return ErrQuotaExceeded
	}
	return nil
}

// Usage returns the cumulative cost for a month bucket, zero when absent.
func (g *Guard) Usage(ctx context.Context, identity, monthYear string) (float64, error) {
	mu, err := g.store.MonthlyUsage(ctx, identity, monthYear)
	if err != nil {
		return 0, fmt.Errorf("quota: read monthly usage: %w", err)
	}
	if mu == nil {
		return 0, nil
	}
	return mu.Cost, nil
}

// Limit returns the configured monthly ceiling.
func (g *Guard) Limit() float64 {
	return g.limit
}
