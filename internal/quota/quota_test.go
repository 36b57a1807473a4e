package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blueprintchat/inference-gateway/internal/ledger"
)

func TestCheck_NoRecordAllows(t *testing.T) {
	g := NewGuard(ledger.NewMemoryStore(), 10.0)

	if err := g.Check(context.Background(), "byen", time.Now()); err != nil {
		t.Errorf("Expected allow for absent record, got %v", err)
	}
}

func TestCheck_UnderLimitAllows(t *testing.T) {
	store := ledger.NewMemoryStore()
	now := time.Now()
	_ = store.AddMonthlyUsage(context.Background(), "byen", ledger.MonthKey(now), 9.99)

	g := NewGuard(store, 10.0)
	if err := g.Check(context.Background(), "byen", now); err != nil {
		t.Errorf("Expected allow under limit, got %v", err)
	}
}

func TestCheck_AtLimitRejects(t *testing.T) {
	store := ledger.NewMemoryStore()
	now := time.Now()
	_ = store.AddMonthlyUsage(context.Background(), "byen", ledger.MonthKey(now), 10.0)

	g := NewGuard(store, 10.0)
	err := g.Check(context.Background(), "byen", now)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("Expected ErrQuotaExceeded at limit, got %v", err)
	}
}

func TestCheck_OtherMonthIgnored(t *testing.T) {
	store := ledger.NewMemoryStore()
	_ = store.AddMonthlyUsage(context.Background(), "byen", "01_2020", 1000.0)

	g := NewGuard(store, 10.0)
	if err := g.Check(context.Background(), "byen", time.Now()); err != nil {
		t.Errorf("Expected old month spend to be ignored, got %v", err)
	}
}

func TestUsage_AbsentIsZero(t *testing.T) {
	g := NewGuard(ledger.NewMemoryStore(), 10.0)

	cost, err := g.Usage(context.Background(), "byen", "08_2026")
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if cost != 0 {
		t.Errorf("Expected zero usage, got %v", cost)
	}
}
