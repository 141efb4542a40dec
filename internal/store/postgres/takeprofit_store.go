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

// TakeProfitStore implements domain.TakeProfitStore using PostgreSQL.
type TakeProfitStore struct {
	pool *pgxpool.Pool
}

// NewTakeProfitStore creates a new TakeProfitStore backed by the given connection pool.
func NewTakeProfitStore(pool *pgxpool.Pool) *TakeProfitStore {
	return &TakeProfitStore{pool: pool}
}

const takeProfitSelectCols = `id, position_id, user_id, token_id, target_price,
	order_id, state, created_at, updated_at`

func scanTakeProfit(row pgx.Row) (domain.TakeProfitRule, error) {
	var r domain.TakeProfitRule
	var state string
	err := row.Scan(
		&r.ID, &r.PositionID, &r.UserID, &r.TokenID, &r.TargetPrice,
		&r.OrderID, &state, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return domain.TakeProfitRule{}, err
	}
	r.State = domain.TakeProfitState(state)
	return r, nil
}

func (s *TakeProfitStore) Create(ctx context.Context, r domain.TakeProfitRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	const query = `
		INSERT INTO take_profit_rules (
			id, position_id, user_id, token_id, target_price, order_id, state,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`

	_, err := s.pool.Exec(ctx, query,
		r.ID, r.PositionID, r.UserID, r.TokenID, r.TargetPrice, r.OrderID, string(r.State))
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("postgres: create take profit for %s: %w", r.PositionID, err)
	}
	return nil
}

func (s *TakeProfitStore) Active(ctx context.Context, positionID string) (domain.TakeProfitRule, error) {
	r, err := scanTakeProfit(s.pool.QueryRow(ctx,
		`SELECT `+takeProfitSelectCols+` FROM take_profit_rules
		WHERE position_id = $1 AND state = 'PLACED'`, positionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TakeProfitRule{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.TakeProfitRule{}, fmt.Errorf("postgres: active take profit %s: %w", positionID, err)
	}
	return r, nil
}

func (s *TakeProfitStore) GetByOrderID(ctx context.Context, userID, orderID string) (domain.TakeProfitRule, error) {
	r, err := scanTakeProfit(s.pool.QueryRow(ctx,
		`SELECT `+takeProfitSelectCols+` FROM take_profit_rules
		WHERE user_id = $1 AND order_id = $2
		ORDER BY updated_at DESC LIMIT 1`, userID, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TakeProfitRule{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.TakeProfitRule{}, fmt.Errorf("postgres: take profit by order %s: %w", orderID, err)
	}
	return r, nil
}

// Replace swaps the resting order of a PLACED rule, guarded on oldOrderID.
func (s *TakeProfitStore) Replace(ctx context.Context, id, oldOrderID, newOrderID string, price decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE take_profit_rules SET order_id = $3, target_price = $4, updated_at = NOW()
		WHERE id = $1 AND order_id = $2 AND state = 'PLACED'`,
		id, oldOrderID, newOrderID, price)
	if err != nil {
		return fmt.Errorf("postgres: replace take profit %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrLost(ctx, s.pool, id)
	}
	return nil
}

func (s *TakeProfitStore) Transition(ctx context.Context, id string, from, to domain.TakeProfitState) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("postgres: take profit %s -> %s: %w", from, to, domain.ErrValidation)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE take_profit_rules SET state = $3, updated_at = NOW()
		WHERE id = $1 AND state = $2`, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("postgres: transition take profit %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrLost(ctx, s.pool, id)
	}
	return nil
}

// MarkFilled closes a PLACED rule, books the sale at its target price and
// removes an ARMED stop loss left on the emptied position.
func (s *TakeProfitStore) MarkFilled(ctx context.Context, id string) (domain.Position, error) {
	var r domain.TakeProfitRule
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		r, err = scanTakeProfit(tx.QueryRow(ctx, `
			UPDATE take_profit_rules SET state = 'FILLED', updated_at = NOW()
			WHERE id = $1 AND state = 'PLACED'
			RETURNING `+takeProfitSelectCols, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return s.missOrLost(ctx, tx, id)
		}
		if err != nil {
			return fmt.Errorf("postgres: fill take profit %s: %w", id, err)
		}
		if err := closePosition(ctx, tx, r.PositionID, domain.Sale{OrderID: r.OrderID, Price: r.TargetPrice}); err != nil {
			return err
		}
		if err := disarmStopLosses(ctx, tx, []string{r.PositionID}); err != nil {
			return err
		}
		return matchOrder(ctx, tx, r.UserID, r.OrderID)
	})
	if err != nil {
		return domain.Position{}, err
	}
	return NewPositionStore(s.pool).Get(ctx, r.UserID, r.PositionID)
}

func (s *TakeProfitStore) UsersWithPlaced(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT user_id FROM take_profit_rules WHERE state = 'PLACED' ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: users with placed take profits: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: users with placed take profits rows: %w", err)
	}
	return users, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *TakeProfitStore) missOrLost(ctx context.Context, q queryRower, id string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM take_profit_rules WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check take profit %s: %w", id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrConcurrentClaimLost
}
