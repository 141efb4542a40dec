package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// CredentialStore implements domain.CredentialStore using PostgreSQL. Secret
// columns hold vault envelopes, never plaintext.
type CredentialStore struct {
	pool *pgxpool.Pool
}

// NewCredentialStore creates a new CredentialStore backed by the given connection pool.
func NewCredentialStore(pool *pgxpool.Pool) *CredentialStore {
	return &CredentialStore{pool: pool}
}

func (s *CredentialStore) Put(ctx context.Context, rec domain.CredentialRecord) error {
	const query = `
		INSERT INTO credentials (
			user_id, proxy_wallet, signer_address, private_key,
			api_key, api_secret, passphrase, key_version, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			proxy_wallet   = EXCLUDED.proxy_wallet,
			signer_address = EXCLUDED.signer_address,
			private_key    = EXCLUDED.private_key,
			api_key        = EXCLUDED.api_key,
			api_secret     = EXCLUDED.api_secret,
			passphrase     = EXCLUDED.passphrase,
			key_version    = EXCLUDED.key_version,
			updated_at     = NOW()`

	_, err := s.pool.Exec(ctx, query,
		rec.UserID, rec.ProxyWallet, rec.SignerAddress, rec.PrivateKey,
		rec.APIKey, rec.APISecret, rec.Passphrase, rec.KeyVersion,
	)
	if err != nil {
		return fmt.Errorf("postgres: put credentials %s: %w", rec.UserID, err)
	}
	return nil
}

func (s *CredentialStore) Get(ctx context.Context, userID string) (domain.CredentialRecord, error) {
	var rec domain.CredentialRecord
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, proxy_wallet, signer_address, private_key,
			api_key, api_secret, passphrase, key_version, updated_at
		FROM credentials WHERE user_id = $1`, userID,
	).Scan(
		&rec.UserID, &rec.ProxyWallet, &rec.SignerAddress, &rec.PrivateKey,
		&rec.APIKey, &rec.APISecret, &rec.Passphrase, &rec.KeyVersion, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CredentialRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.CredentialRecord{}, fmt.Errorf("postgres: get credentials %s: %w", userID, err)
	}
	return rec, nil
}
