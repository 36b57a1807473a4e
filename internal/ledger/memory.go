package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	monthly map[string]*MonthlyUsage  // identity + "/" + monthYear
	txs     map[string][]*Transaction // identity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		monthly: make(map[string]*MonthlyUsage),
		txs:     make(map[string][]*Transaction),
	}
}

func monthlyKey(identity, monthYear string) string {
	return identity + "/" + monthYear
}

func (s *MemoryStore) MonthlyUsage(ctx context.Context, identity, monthYear string) (*MonthlyUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mu, ok := s.monthly[monthlyKey(identity, monthYear)]
	if !ok {
		return nil, nil
	}
	cp := *mu
	return &cp, nil
}

func (s *MemoryStore) AddMonthlyUsage(ctx context.Context, identity, monthYear string, cost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := monthlyKey(identity, monthYear)
	mu, ok := s.monthly[key]
	if !ok {
		mu = &MonthlyUsage{Identity: identity, MonthYear: monthYear}
		s.monthly[key] = mu
	}
	mu.Invocations++
	mu.Cost += cost
	return nil
}

func (s *MemoryStore) PutTransaction(ctx context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *tx
	// Same (identity, timestamp) key overwrites: retried writes are idempotent.
	for i, existing := range s.txs[tx.Identity] {
		if existing.Timestamp == tx.Timestamp {
			s.txs[tx.Identity][i] = &cp
			return nil
		}
	}
	s.txs[tx.Identity] = append(s.txs[tx.Identity], &cp)
	return nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, identity string, limit int) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txs := s.txs[identity]
	out := make([]*Transaction, len(txs))
	for i, tx := range txs {
		cp := *tx
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
