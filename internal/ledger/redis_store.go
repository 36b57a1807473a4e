package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore keeps monthly aggregates in hashes and transactions as JSON
// values. HIncrBy/HIncrByFloat give the conditionless atomic add the monthly
// record requires; both increments travel in one MULTI/EXEC pipeline.
type RedisStore struct {
	client    goredis.Cmdable
	keyPrefix string
}

// RedisOption configures RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the Redis key prefix (default "ledger:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

func NewRedisStore(client goredis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		keyPrefix: "ledger:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) monthlyKey(identity, monthYear string) string {
	return s.keyPrefix + "monthly:" + identity + ":" + monthYear
}

func (s *RedisStore) txKey(identity, timestamp string) string {
	return s.keyPrefix + "tx:" + identity + ":" + timestamp
}

func (s *RedisStore) MonthlyUsage(ctx context.Context, identity, monthYear string) (*MonthlyUsage, error) {
	fields, err := s.client.HGetAll(ctx, s.monthlyKey(identity, monthYear)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get monthly usage: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	mu := MonthlyUsage{Identity: identity, MonthYear: monthYear}
	if v, ok := fields["invocations"]; ok {
		mu.Invocations, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["cost"]; ok {
		mu.Cost, _ = strconv.ParseFloat(v, 64)
	}
	return &mu, nil
}

func (s *RedisStore) AddMonthlyUsage(ctx context.Context, identity, monthYear string, cost float64) error {
	key := s.monthlyKey(identity, monthYear)

	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "invocations", 1)
	pipe.HIncrByFloat(ctx, key, "cost", cost)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add monthly usage: %w", err)
	}
	return nil
}

func (s *RedisStore) PutTransaction(ctx context.Context, tx *Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}

	// Deterministic key: a retried put overwrites itself.
	if err := s.client.Set(ctx, s.txKey(tx.Identity, tx.Timestamp), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to put transaction: %w", err)
	}
	return nil
}

func (s *RedisStore) ListTransactions(ctx context.Context, identity string, limit int) ([]*Transaction, error) {
	pattern := s.keyPrefix + "tx:" + identity + ":*"

	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan transactions: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	// Timestamps sort lexicographically; newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	var txs []*Transaction
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Result()
		if err == goredis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get transaction %s: %w", key, err)
		}
		var tx Transaction
		if err := json.Unmarshal([]byte(data), &tx); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transaction %s: %w", key, err)
		}
		txs = append(txs, &tx)
	}

	return txs, nil
}
