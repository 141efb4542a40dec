package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// ArchiveStore implements domain.ArchiveStore using PostgreSQL.
type ArchiveStore struct {
	pool *pgxpool.Pool
}

// NewArchiveStore creates a new ArchiveStore backed by the given connection pool.
func NewArchiveStore(pool *pgxpool.Pool) *ArchiveStore {
	return &ArchiveStore{pool: pool}
}

func (s *ArchiveStore) TerminalStopLosses(ctx context.Context, before time.Time, limit int) ([]domain.StopLossRule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stopLossSelectCols+` FROM stop_loss_rules
		WHERE state IN ('EXECUTED', 'FAILED', 'REMOVED') AND updated_at < $1
		ORDER BY updated_at DESC, id LIMIT $2`, before, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal stop losses: %w", err)
	}
	defer rows.Close()

	var out []domain.StopLossRule
	for rows.Next() {
		r, err := scanStopLoss(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan stop loss: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *ArchiveStore) TerminalTakeProfits(ctx context.Context, before time.Time, limit int) ([]domain.TakeProfitRule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+takeProfitSelectCols+` FROM take_profit_rules
		WHERE state IN ('FILLED', 'CANCELLED') AND updated_at < $1
		ORDER BY updated_at DESC, id LIMIT $2`, before, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal take profits: %w", err)
	}
	defer rows.Close()

	var out []domain.TakeProfitRule
	for rows.Next() {
		r, err := scanTakeProfit(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan take profit: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *ArchiveStore) ClosedOrders(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderSelectCols+` FROM orders
		WHERE status <> 'LIVE' AND updated_at < $1
		ORDER BY updated_at DESC, id LIMIT $2`, before, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *ArchiveStore) DeleteStopLosses(ctx context.Context, ids []string) error {
	return s.purge(ctx, `DELETE FROM stop_loss_rules
		WHERE id = ANY($1) AND state IN ('EXECUTED', 'FAILED', 'REMOVED')`, ids)
}

func (s *ArchiveStore) DeleteTakeProfits(ctx context.Context, ids []string) error {
	return s.purge(ctx, `DELETE FROM take_profit_rules
		WHERE id = ANY($1) AND state IN ('FILLED', 'CANCELLED')`, ids)
}

func (s *ArchiveStore) DeleteOrders(ctx context.Context, ids []string) error {
	return s.purge(ctx, `DELETE FROM orders WHERE id = ANY($1) AND status <> 'LIVE'`, ids)
}

func (s *ArchiveStore) purge(ctx context.Context, query string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, query, ids); err != nil {
			return fmt.Errorf("postgres: purge archived rows: %w", err)
		}
		return nil
	})
}

// limitOrAll maps a non-positive limit to no limit. LIMIT NULL is LIMIT ALL.
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
