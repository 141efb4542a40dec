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

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, user_id, market_id, token_id, outcome,
	size, avg_price, current_price, realized_pnl,
	title, slug, icon, redeemable, synced_at, created_at, updated_at`

// claimedStopLoss matches positions whose stop loss is held by an execution.
const claimedStopLoss = `EXISTS (
	SELECT 1 FROM stop_loss_rules r
	WHERE r.position_id = positions.id AND r.state IN ('TRIGGERED', 'EXECUTING'))`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var current decimal.NullDecimal

	err := row.Scan(
		&p.ID, &p.UserID, &p.MarketID, &p.TokenID, &p.Outcome,
		&p.Size, &p.AvgPrice, &current, &p.RealizedPnL,
		&p.Title, &p.Slug, &p.Icon, &p.Redeemable,
		&p.SyncedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	if current.Valid {
		v := current.Decimal
		p.CurrentPrice = &v
	}
	return p, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

// Get returns one of the user's positions with its active rules attached.
func (s *PositionStore) Get(ctx context.Context, userID, id string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1 AND user_id = $2`
	p, err := scanPosition(s.pool.QueryRow(ctx, query, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return s.attachOne(ctx, p)
}

// GetByToken returns the user's position in a token.
func (s *PositionStore) GetByToken(ctx context.Context, userID, tokenID string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE user_id = $1 AND token_id = $2`
	p, err := scanPosition(s.pool.QueryRow(ctx, query, userID, tokenID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position by token %s: %w", tokenID, err)
	}
	return s.attachOne(ctx, p)
}

// ListByUser returns every position of the user, newest first.
func (s *PositionStore) ListByUser(ctx context.Context, userID string) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE user_id = $1 ORDER BY created_at DESC, id`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}
	if err := s.attachRules(ctx, positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// UpsertSynced writes venue positions keyed by (user, token). Rows whose stop
// loss is claimed by an execution are left untouched and counted as skipped.
func (s *PositionStore) UpsertSynced(ctx context.Context, userID string, positions []domain.Position) (domain.UpsertCounts, error) {
	query := `
		INSERT INTO positions (
			id, user_id, market_id, token_id, outcome,
			size, avg_price, current_price,
			title, slug, icon, redeemable, synced_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11, $12, NOW(), NOW(), NOW()
		)
		ON CONFLICT (user_id, token_id) DO UPDATE SET
			market_id     = EXCLUDED.market_id,
			outcome       = EXCLUDED.outcome,
			size          = EXCLUDED.size,
			avg_price     = EXCLUDED.avg_price,
			current_price = COALESCE(EXCLUDED.current_price, positions.current_price),
			title         = EXCLUDED.title,
			slug          = EXCLUDED.slug,
			icon          = EXCLUDED.icon,
			redeemable    = EXCLUDED.redeemable,
			synced_at     = NOW(),
			updated_at    = NOW()
		WHERE NOT ` + claimedStopLoss

	var counts domain.UpsertCounts
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, p := range positions {
			id := p.ID
			if id == "" {
				id = uuid.NewString()
			}
			tag, err := tx.Exec(ctx, query,
				id, userID, p.MarketID, p.TokenID, p.Outcome,
				p.Size, p.AvgPrice, nullDecimal(p.CurrentPrice),
				p.Title, p.Slug, p.Icon, p.Redeemable,
			)
			if err != nil {
				return fmt.Errorf("postgres: upsert position %s: %w", p.TokenID, err)
			}
			if tag.RowsAffected() == 0 {
				counts.Skipped++
				continue
			}
			counts.Upserted++
		}
		return nil
	})
	if err != nil {
		return domain.UpsertCounts{}, err
	}
	return counts, nil
}

// ZeroMissing zeroes the user's open positions whose token is not in present.
// An ARMED stop loss on a zeroed position is removed in the same transaction.
func (s *PositionStore) ZeroMissing(ctx context.Context, userID string, presentTokenIDs []string) (int, error) {
	if presentTokenIDs == nil {
		presentTokenIDs = []string{}
	}
	query := `
		UPDATE positions SET size = 0, updated_at = NOW()
		WHERE user_id = $1 AND size > 0
		  AND NOT (token_id = ANY($2))
		  AND NOT ` + claimedStopLoss + `
		RETURNING id::text`

	var zeroed []string
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, userID, presentTokenIDs)
		if err != nil {
			return fmt.Errorf("postgres: zero missing positions: %w", err)
		}
		zeroed, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("postgres: zero missing positions: %w", err)
		}
		return disarmStopLosses(ctx, tx, zeroed)
	})
	if err != nil {
		return 0, err
	}
	return len(zeroed), nil
}

// ApplySale books a manual sale and zeroes the position unless a stop loss
// on it is claimed.
func (s *PositionStore) ApplySale(ctx context.Context, userID, positionID string, sale domain.Sale) (domain.Position, error) {
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var claimed bool
		err := tx.QueryRow(ctx, `SELECT `+claimedStopLoss+` FROM positions
			WHERE id = $1 AND user_id = $2 FOR UPDATE`, positionID, userID,
		).Scan(&claimed)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("postgres: lock position %s: %w", positionID, err)
		}
		if claimed {
			return domain.ErrExecutionInProgress
		}
		if err := closePosition(ctx, tx, positionID, sale); err != nil {
			return err
		}
		return disarmStopLosses(ctx, tx, []string{positionID})
	})
	if err != nil {
		return domain.Position{}, err
	}
	return s.Get(ctx, userID, positionID)
}

func (s *PositionStore) attachOne(ctx context.Context, p domain.Position) (domain.Position, error) {
	list := []domain.Position{p}
	if err := s.attachRules(ctx, list); err != nil {
		return domain.Position{}, err
	}
	return list[0], nil
}

// attachRules loads the active stop loss and take profit of each position.
func (s *PositionStore) attachRules(ctx context.Context, positions []domain.Position) error {
	if len(positions) == 0 {
		return nil
	}
	ids := make([]string, len(positions))
	index := make(map[string]int, len(positions))
	for i, p := range positions {
		ids[i] = p.ID
		index[p.ID] = i
	}

	rows, err := s.pool.Query(ctx, `SELECT `+stopLossSelectCols+` FROM stop_loss_rules
		WHERE position_id = ANY($1) AND state IN ('ARMED', 'TRIGGERED', 'EXECUTING')`, ids)
	if err != nil {
		return fmt.Errorf("postgres: load stop losses: %w", err)
	}
	for rows.Next() {
		r, err := scanStopLoss(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("postgres: scan stop loss: %w", err)
		}
		positions[index[r.PositionID]].StopLoss = &r
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: load stop losses rows: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT `+takeProfitSelectCols+` FROM take_profit_rules
		WHERE position_id = ANY($1) AND state = 'PLACED'`, ids)
	if err != nil {
		return fmt.Errorf("postgres: load take profits: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanTakeProfit(rows)
		if err != nil {
			return fmt.Errorf("postgres: scan take profit: %w", err)
		}
		positions[index[r.PositionID]].TakeProfit = &r
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: load take profits rows: %w", err)
	}
	return nil
}
