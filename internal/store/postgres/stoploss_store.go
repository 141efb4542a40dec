package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

const uniqueViolation = "23505"

// StopLossStore implements domain.StopLossStore using PostgreSQL.
type StopLossStore struct {
	pool *pgxpool.Pool
}

// NewStopLossStore creates a new StopLossStore backed by the given connection pool.
func NewStopLossStore(pool *pgxpool.Pool) *StopLossStore {
	return &StopLossStore{pool: pool}
}

const stopLossSelectCols = `id, position_id, user_id, token_id, trigger_price,
	direction, state, failures, unconfirmed, last_error, sell_order_id,
	triggered_at, executed_at, created_at, updated_at`

func scanStopLoss(row pgx.Row) (domain.StopLossRule, error) {
	var r domain.StopLossRule
	var direction, state string

	err := row.Scan(
		&r.ID, &r.PositionID, &r.UserID, &r.TokenID, &r.TriggerPrice,
		&direction, &state, &r.Failures, &r.Unconfirmed, &r.LastError, &r.SellOrderID,
		&r.TriggeredAt, &r.ExecutedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return domain.StopLossRule{}, err
	}
	r.Direction = domain.Direction(direction)
	r.State = domain.StopLossState(state)
	return r, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Create inserts a rule. A position holds at most one active rule.
func (s *StopLossStore) Create(ctx context.Context, r domain.StopLossRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Direction == "" {
		r.Direction = domain.DirectionLong
	}
	const query = `
		INSERT INTO stop_loss_rules (
			id, position_id, user_id, token_id, trigger_price,
			direction, state, failures, unconfirmed, last_error, sell_order_id,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())`

	_, err := s.pool.Exec(ctx, query,
		r.ID, r.PositionID, r.UserID, r.TokenID, r.TriggerPrice,
		string(r.Direction), string(r.State), r.Failures, r.Unconfirmed, r.LastError, r.SellOrderID,
	)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("postgres: create stop loss for %s: %w", r.PositionID, err)
	}
	return nil
}

// Get returns a rule by id.
func (s *StopLossStore) Get(ctx context.Context, id string) (domain.StopLossRule, error) {
	r, err := scanStopLoss(s.pool.QueryRow(ctx,
		`SELECT `+stopLossSelectCols+` FROM stop_loss_rules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StopLossRule{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.StopLossRule{}, fmt.Errorf("postgres: get stop loss %s: %w", id, err)
	}
	return r, nil
}

// Active returns the non-terminal rule of a position.
func (s *StopLossStore) Active(ctx context.Context, positionID string) (domain.StopLossRule, error) {
	r, err := scanStopLoss(s.pool.QueryRow(ctx,
		`SELECT `+stopLossSelectCols+` FROM stop_loss_rules
		WHERE position_id = $1 AND state IN ('ARMED', 'TRIGGERED', 'EXECUTING')`, positionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StopLossRule{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.StopLossRule{}, fmt.Errorf("postgres: active stop loss %s: %w", positionID, err)
	}
	return r, nil
}

// ListArmed returns every ARMED rule joined with its position. Positions in a
// resolved market are left out: they are redeemed, not sold.
func (s *StopLossStore) ListArmed(ctx context.Context) ([]domain.ArmedStopLoss, error) {
	query := `SELECT r.id, r.position_id, r.user_id, r.token_id, r.trigger_price,
			r.direction, r.state, r.failures, r.unconfirmed, r.last_error, r.sell_order_id,
			r.triggered_at, r.executed_at, r.created_at, r.updated_at,
			p.id, p.user_id, p.market_id, p.token_id, p.outcome,
			p.size, p.avg_price, p.current_price, p.realized_pnl,
			p.title, p.slug, p.icon, p.redeemable, p.synced_at, p.created_at, p.updated_at
		FROM stop_loss_rules r
		JOIN positions p ON p.id = r.position_id
		WHERE r.state = 'ARMED' AND NOT p.redeemable
		ORDER BY r.id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list armed stop losses: %w", err)
	}
	defer rows.Close()

	var out []domain.ArmedStopLoss
	for rows.Next() {
		var a domain.ArmedStopLoss
		var direction, state string
		var current decimal.NullDecimal
		r, p := &a.Rule, &a.Position

		if err := rows.Scan(
			&r.ID, &r.PositionID, &r.UserID, &r.TokenID, &r.TriggerPrice,
			&direction, &state, &r.Failures, &r.Unconfirmed, &r.LastError, &r.SellOrderID,
			&r.TriggeredAt, &r.ExecutedAt, &r.CreatedAt, &r.UpdatedAt,
			&p.ID, &p.UserID, &p.MarketID, &p.TokenID, &p.Outcome,
			&p.Size, &p.AvgPrice, &current, &p.RealizedPnL,
			&p.Title, &p.Slug, &p.Icon, &p.Redeemable, &p.SyncedAt, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan armed stop loss: %w", err)
		}
		r.Direction = domain.Direction(direction)
		r.State = domain.StopLossState(state)
		if current.Valid {
			v := current.Decimal
			p.CurrentPrice = &v
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list armed stop losses rows: %w", err)
	}
	return out, nil
}

// Transition moves a rule from one state to another. It fails with
// ErrConcurrentClaimLost when the rule is no longer in from. Leaving the
// active set also cancels the mirrored stop-loss order row.
func (s *StopLossStore) Transition(ctx context.Context, id string, from, to domain.StopLossState, upd domain.StopLossUpdate) (domain.StopLossRule, error) {
	if !from.CanTransition(to) {
		return domain.StopLossRule{}, fmt.Errorf("postgres: stop loss %s -> %s: %w", from, to, domain.ErrValidation)
	}

	query := `
		UPDATE stop_loss_rules SET
			state         = $3,
			failures      = COALESCE($4, failures),
			unconfirmed   = COALESCE($5, unconfirmed),
			last_error    = COALESCE($6, last_error),
			sell_order_id = COALESCE($7, sell_order_id),
			triggered_at  = CASE WHEN $3 = 'TRIGGERED' THEN NOW() ELSE triggered_at END,
			updated_at    = NOW()
		WHERE id = $1 AND state = $2
		RETURNING ` + stopLossSelectCols

	var out domain.StopLossRule
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		r, err := scanStopLoss(tx.QueryRow(ctx, query,
			id, string(from), string(to),
			upd.Failures, upd.Unconfirmed, upd.LastError, upd.SellOrderID,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return s.missOrLost(ctx, tx, id)
		}
		if err != nil {
			return fmt.Errorf("postgres: transition stop loss %s: %w", id, err)
		}
		out = r

		if to == domain.StopLossRemoved || to == domain.StopLossFailed {
			if _, err := tx.Exec(ctx, `
				UPDATE orders SET status = 'CANCELLED', updated_at = NOW()
				WHERE user_id = $1 AND external_id = $2 AND status = 'LIVE'`,
				r.UserID, domain.StopLossOrderID(r.PositionID),
			); err != nil {
				return fmt.Errorf("postgres: cancel stop loss order %s: %w", r.PositionID, err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.StopLossRule{}, err
	}
	return out, nil
}

// UpdateTrigger changes the trigger of an ARMED rule and its order row.
func (s *StopLossStore) UpdateTrigger(ctx context.Context, id string, price decimal.Decimal) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var userID, positionID string
		err := tx.QueryRow(ctx, `
			UPDATE stop_loss_rules SET trigger_price = $2, updated_at = NOW()
			WHERE id = $1 AND state = 'ARMED'
			RETURNING user_id, position_id`, id, price,
		).Scan(&userID, &positionID)
		if errors.Is(err, pgx.ErrNoRows) {
			return s.missOrLost(ctx, tx, id)
		}
		if err != nil {
			return fmt.Errorf("postgres: update stop loss trigger %s: %w", id, err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE orders SET price = $3, updated_at = NOW()
			WHERE user_id = $1 AND external_id = $2 AND status = 'LIVE'`,
			userID, domain.StopLossOrderID(positionID), price,
		); err != nil {
			return fmt.Errorf("postgres: reprice stop loss order %s: %w", positionID, err)
		}
		return nil
	})
}

// ClearUnconfirmed drops the unconfirmed flag of an ARMED rule.
func (s *StopLossStore) ClearUnconfirmed(ctx context.Context, id string) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE stop_loss_rules SET unconfirmed = FALSE, updated_at = NOW()
			WHERE id = $1 AND state = 'ARMED'`, id)
		if err != nil {
			return fmt.Errorf("postgres: clear unconfirmed %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return s.missOrLost(ctx, tx, id)
		}
		return nil
	})
}

// CompleteExecution moves the rule EXECUTING -> EXECUTED, zeroes the
// position, books the realized P&L and marks the mirrored order MATCHED in
// one transaction.
func (s *StopLossStore) CompleteExecution(ctx context.Context, ruleID string, sale domain.Sale) (domain.Position, error) {
	var positionID, userID string
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE stop_loss_rules SET
				state = 'EXECUTED', unconfirmed = FALSE, sell_order_id = $2,
				executed_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND state = 'EXECUTING'
			RETURNING position_id, user_id`, ruleID, sale.OrderID,
		).Scan(&positionID, &userID)
		if errors.Is(err, pgx.ErrNoRows) {
			return s.missOrLost(ctx, tx, ruleID)
		}
		if err != nil {
			return fmt.Errorf("postgres: complete stop loss %s: %w", ruleID, err)
		}
		if err := closePosition(ctx, tx, positionID, sale); err != nil {
			return err
		}
		return matchOrder(ctx, tx, userID, domain.StopLossOrderID(positionID))
	})
	if err != nil {
		return domain.Position{}, err
	}
	return NewPositionStore(s.pool).Get(ctx, userID, positionID)
}

func (s *StopLossStore) missOrLost(ctx context.Context, tx pgx.Tx, id string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM stop_loss_rules WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check stop loss %s: %w", id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrConcurrentClaimLost
}

// closePosition books sale against the position and zeroes its size. The
// row is locked for the rest of the transaction.
func closePosition(ctx context.Context, tx pgx.Tx, positionID string, sale domain.Sale) error {
	var avg, size decimal.Decimal
	err := tx.QueryRow(ctx,
		`SELECT avg_price, size FROM positions WHERE id = $1 FOR UPDATE`, positionID,
	).Scan(&avg, &size)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: lock position %s: %w", positionID, err)
	}
	if sale.Size.IsZero() {
		sale.Size = size
		sale.Proceeds = size.Mul(sale.Price)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE positions SET size = 0, realized_pnl = realized_pnl + $2, updated_at = NOW()
		WHERE id = $1`, positionID, sale.RealizedDelta(avg),
	); err != nil {
		return fmt.Errorf("postgres: close position %s: %w", positionID, err)
	}
	return nil
}

// disarmStopLosses removes ARMED rules on positions that were just closed
// and cancels their mirrored order rows.
func disarmStopLosses(ctx context.Context, tx pgx.Tx, positionIDs []string) error {
	if len(positionIDs) == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, `
		WITH removed AS (
			UPDATE stop_loss_rules SET state = 'REMOVED', updated_at = NOW()
			WHERE position_id = ANY($1::uuid[]) AND state = 'ARMED'
			RETURNING user_id, position_id
		)
		UPDATE orders o SET status = 'CANCELLED', updated_at = NOW()
		FROM removed r
		WHERE o.user_id = r.user_id
		  AND o.external_id = 'sl-' || r.position_id::text
		  AND o.status = 'LIVE'`, positionIDs,
	); err != nil {
		return fmt.Errorf("postgres: disarm stop losses: %w", err)
	}
	return nil
}

func matchOrder(ctx context.Context, tx pgx.Tx, userID, externalID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status = 'MATCHED', size_filled = size, updated_at = NOW()
		WHERE user_id = $1 AND external_id = $2 AND status = 'LIVE'`, userID, externalID,
	); err != nil {
		return fmt.Errorf("postgres: match order %s: %w", externalID, err)
	}
	return nil
}
