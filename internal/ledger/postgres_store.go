package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists the ledger in two tables:
//
//	<monthly>      (identity text, month_year text, invocations bigint, cost double precision,
//	                primary key (identity, month_year))
//	<transactions> (identity text, ts text, model_id text, input_tokens int,
//	                output_tokens int, cost double precision, primary key (identity, ts))
type PostgresStore struct {
	db           DB
	monthlyTable string
	txTable      string
}

func NewPostgresStore(db DB, monthlyTable, txTable string) Store {
	return &PostgresStore{db: db, monthlyTable: monthlyTable, txTable: txTable}
}

func (s *PostgresStore) MonthlyUsage(ctx context.Context, identity, monthYear string) (*MonthlyUsage, error) {
	query := fmt.Sprintf(`
		SELECT invocations, cost
		FROM %s
		WHERE identity = $1 AND month_year = $2
	`, s.monthlyTable)

	mu := MonthlyUsage{Identity: identity, MonthYear: monthYear}
	err := s.db.QueryRow(ctx, query, identity, monthYear).Scan(&mu.Invocations, &mu.Cost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get monthly usage: %w", err)
	}

	return &mu, nil
}

func (s *PostgresStore) AddMonthlyUsage(ctx context.Context, identity, monthYear string, cost float64) error {
	// Single-statement upsert-add: the increment happens inside the store so
	// concurrent requests from one identity cannot lose updates.
	query := fmt.Sprintf(`
		INSERT INTO %s AS m (identity, month_year, invocations, cost)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (identity, month_year)
		DO UPDATE SET invocations = m.invocations + 1, cost = m.cost + EXCLUDED.cost
	`, s.monthlyTable)

	if _, err := s.db.Exec(ctx, query, identity, monthYear, cost); err != nil {
		return fmt.Errorf("failed to add monthly usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutTransaction(ctx context.Context, tx *Transaction) error {
	// Upsert on the deterministic (identity, ts) key keeps retries idempotent.
	query := fmt.Sprintf(`
		INSERT INTO %s (identity, ts, model_id, input_tokens, output_tokens, cost)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (identity, ts)
		DO UPDATE SET model_id = EXCLUDED.model_id,
		              input_tokens = EXCLUDED.input_tokens,
		              output_tokens = EXCLUDED.output_tokens,
		              cost = EXCLUDED.cost
	`, s.txTable)

	_, err := s.db.Exec(ctx, query,
		tx.Identity, tx.Timestamp, tx.ModelID,
		tx.Usage.InputTokens, tx.Usage.OutputTokens, tx.Cost,
	)
	if err != nil {
		return fmt.Errorf("failed to put transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, identity string, limit int) ([]*Transaction, error) {
	query := fmt.Sprintf(`
		SELECT identity, ts, model_id, input_tokens, output_tokens, cost
		FROM %s
		WHERE identity = $1
		ORDER BY ts DESC
		LIMIT $2
	`, s.txTable)

	rows, err := s.db.Query(ctx, query, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		var tx Transaction
		err := rows.Scan(
			&tx.Identity, &tx.Timestamp, &tx.ModelID,
			&tx.Usage.InputTokens, &tx.Usage.OutputTokens, &tx.Cost,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, &tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return txs, nil
}
