package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderSelectCols = `id, user_id, market_id, token_id, external_id,
	side, outcome, order_type, size, price, size_filled, status,
	market_question, position_id, placed_at, created_at, updated_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var side, typ, status string

	err := row.Scan(
		&o.ID, &o.UserID, &o.MarketID, &o.TokenID, &o.ExternalID,
		&side, &o.Outcome, &typ, &o.Size, &o.Price, &o.SizeFilled, &status,
		&o.MarketQuestion, &o.PositionID, &o.PlacedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	return o, nil
}

// Get returns one of the user's orders by local id.
func (s *OrderStore) Get(ctx context.Context, userID, id string) (domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE id = $1 AND user_id = $2`
	o, err := scanOrder(s.pool.QueryRow(ctx, query, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// GetByExternalID returns one of the user's orders by venue id.
func (s *OrderStore) GetByExternalID(ctx context.Context, userID, externalID string) (domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE user_id = $1 AND external_id = $2`
	o, err := scanOrder(s.pool.QueryRow(ctx, query, userID, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: get order by external id %s: %w", externalID, err)
	}
	return o, nil
}

// List returns the user's orders, optionally filtered by status, newest first.
func (s *OrderStore) List(ctx context.Context, userID string, status domain.OrderStatus, opts domain.ListOpts) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(status))
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list orders rows: %w", err)
	}
	return orders, nil
}

// ListLive returns the user's LIVE orders.
func (s *OrderStore) ListLive(ctx context.Context, userID string) ([]domain.Order, error) {
	return s.List(ctx, userID, domain.OrderStatusLive, domain.ListOpts{})
}

// Upsert inserts or updates by (user, external id). Identity and creation
// time of an existing row are preserved, as are optional fields the caller
// left empty.
func (s *OrderStore) Upsert(ctx context.Context, o domain.Order) (domain.Order, error) {
	o.ClampFilled()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	query := `
		INSERT INTO orders (
			id, user_id, market_id, token_id, external_id,
			side, outcome, order_type, size, price, size_filled, status,
			market_question, position_id, placed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, NOW(), NOW()
		)
		ON CONFLICT (user_id, external_id) DO UPDATE SET
			market_id       = EXCLUDED.market_id,
			token_id        = EXCLUDED.token_id,
			side            = EXCLUDED.side,
			outcome         = EXCLUDED.outcome,
			order_type      = COALESCE(NULLIF(EXCLUDED.order_type, ''), orders.order_type),
			size            = EXCLUDED.size,
			price           = EXCLUDED.price,
			size_filled     = EXCLUDED.size_filled,
			status          = EXCLUDED.status,
			market_question = COALESCE(NULLIF(EXCLUDED.market_question, ''), orders.market_question),
			position_id     = COALESCE(EXCLUDED.position_id, orders.position_id),
			placed_at       = COALESCE(EXCLUDED.placed_at, orders.placed_at),
			updated_at      = NOW()
		RETURNING ` + orderSelectCols

	out, err := scanOrder(s.pool.QueryRow(ctx, query,
		o.ID, o.UserID, o.MarketID, o.TokenID, o.ExternalID,
		string(o.Side), o.Outcome, string(o.Type), o.Size, o.Price, o.SizeFilled, string(o.Status),
		o.MarketQuestion, o.PositionID, o.PlacedAt,
	))
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: upsert order %s: %w", o.ExternalID, err)
	}
	return out, nil
}

// SetStatus moves an order from one status to another.
func (s *OrderStore) SetStatus(ctx context.Context, id string, from, to domain.OrderStatus, sizeFilled *decimal.Decimal) error {
	const query = `
		UPDATE orders SET
			status      = $3,
			size_filled = LEAST(GREATEST(COALESCE($4, size_filled), 0), size),
			updated_at  = NOW()
		WHERE id = $1 AND status = $2`

	tag, err := s.pool.Exec(ctx, query, id, string(from), string(to), nullDecimal(sizeFilled))
	if err != nil {
		return fmt.Errorf("postgres: set order status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrLost(ctx, id)
	}
	return nil
}

// Replace points a LIVE row at a new venue order after an edit.
func (s *OrderStore) Replace(ctx context.Context, id, newExternalID string, price, size decimal.Decimal) error {
	const query = `
		UPDATE orders SET
			external_id = $2,
			price       = $3,
			size        = $4,
			size_filled = 0,
			placed_at   = NOW(),
			updated_at  = NOW()
		WHERE id = $1 AND status = 'LIVE'`

	tag, err := s.pool.Exec(ctx, query, id, newExternalID, price, size)
	if err != nil {
		return fmt.Errorf("postgres: replace order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrLost(ctx, id)
	}
	return nil
}

// missOrLost tells a missing row apart from a lost compare-and-swap.
func (s *OrderStore) missOrLost(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check order %s: %w", id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrConcurrentClaimLost
}
