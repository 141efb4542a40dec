package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// MappingStore implements domain.MappingStore using PostgreSQL.
type MappingStore struct {
	pool *pgxpool.Pool
}

// NewMappingStore creates a new MappingStore backed by the given connection pool.
func NewMappingStore(pool *pgxpool.Pool) *MappingStore {
	return &MappingStore{pool: pool}
}

// Upsert drops any mapping sharing either id before inserting, keeping the
// relation one-to-one.
func (s *MappingStore) Upsert(ctx context.Context, m domain.MarketMapping) error {
	if m.CatalogID == "" || m.HashID == "" {
		return domain.Invalid("mapping", "catalog and hash ids are required")
	}
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM market_mappings WHERE catalog_id = $1 OR hash_id = $2`,
			m.CatalogID, m.HashID,
		); err != nil {
			return fmt.Errorf("postgres: clear mapping %s: %w", m.CatalogID, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO market_mappings (catalog_id, hash_id, updated_at) VALUES ($1, $2, NOW())`,
			m.CatalogID, m.HashID,
		); err != nil {
			return fmt.Errorf("postgres: insert mapping %s: %w", m.CatalogID, err)
		}
		return nil
	})
}

func (s *MappingStore) ByCatalogID(ctx context.Context, catalogID string) (domain.MarketMapping, error) {
	return s.one(ctx, `WHERE catalog_id = $1`, catalogID)
}

func (s *MappingStore) ByHashID(ctx context.Context, hashID string) (domain.MarketMapping, error) {
	return s.one(ctx, `WHERE hash_id = $1`, hashID)
}

func (s *MappingStore) one(ctx context.Context, where, arg string) (domain.MarketMapping, error) {
	var m domain.MarketMapping
	err := s.pool.QueryRow(ctx,
		`SELECT catalog_id, hash_id, updated_at FROM market_mappings `+where, arg,
	).Scan(&m.CatalogID, &m.HashID, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MarketMapping{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.MarketMapping{}, fmt.Errorf("postgres: get mapping %s: %w", arg, err)
	}
	return m, nil
}
