// Package vault stores per-user trading credentials encrypted at rest and
// hands them out only inside a bounded reveal scope.
package vault

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyguard/internal/crypto"
	"github.com/alanyoungcy/polyguard/internal/domain"
)

// Field names bound into each envelope's associated data.
const (
	fieldPrivateKey = "private_key"
	fieldAPIKey     = "api_key"
	fieldAPISecret  = "api_secret"
	fieldPassphrase = "passphrase"
)

// CredentialInput is what a user submits. Empty secret fields keep the
// currently stored value so keys and API credentials can be rotated
// independently.
type CredentialInput struct {
	ProxyWallet string
	PrivateKey  string // hex, with or without 0x
	APIKey      string
	APISecret   string
	Passphrase  string
}

// Vault seals credential records with a keyring and reveals them to a
// callback. Decrypted material never outlives the callback.
type Vault struct {
	store   domain.CredentialStore
	keys    *crypto.Keyring
	chainID int
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Vault.
func New(store domain.CredentialStore, keys *crypto.Keyring, chainID int, logger *slog.Logger) *Vault {
	return &Vault{
		store:   store,
		keys:    keys,
		chainID: chainID,
		logger:  logger.With(slog.String("component", "vault")),
		now:     time.Now,
	}
}

// Store validates and encrypts in, merging it over any existing record.
func (v *Vault) Store(ctx context.Context, userID string, in CredentialInput) (domain.TradingProfile, error) {
	if userID == "" {
		return domain.TradingProfile{}, domain.Invalid("user_id", "required")
	}

	rec, err := v.store.Get(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		rec = domain.CredentialRecord{UserID: userID}
	case err != nil:
		return domain.TradingProfile{}, fmt.Errorf("vault: load %s: %w", userID, err)
	}

	if in.ProxyWallet != "" {
		if !common.IsHexAddress(in.ProxyWallet) {
			return domain.TradingProfile{}, domain.Invalid("proxy_wallet", "not a hex address")
		}
		rec.ProxyWallet = common.HexToAddress(in.ProxyWallet).Hex()
	}
	if rec.ProxyWallet == "" {
		return domain.TradingProfile{}, domain.Invalid("proxy_wallet", "required")
	}

	if in.PrivateKey != "" {
		key, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(in.PrivateKey), "0x"))
		if err != nil || len(key) != 32 {
			clear(key)
			return domain.TradingProfile{}, domain.Invalid("private_key", "must be 32 bytes of hex")
		}
		signer, err := crypto.NewSignerFromKey(key, v.chainID)
		if err != nil {
			clear(key)
			return domain.TradingProfile{}, domain.Invalid("private_key", "not a valid secp256k1 key")
		}
		rec.SignerAddress = signer.Address().Hex()
		signer.Wipe()

		rec.PrivateKey, err = v.keys.Seal(key, aad(userID, fieldPrivateKey))
		clear(key)
		if err != nil {
			return domain.TradingProfile{}, fmt.Errorf("vault: seal: %w", err)
		}
	}

	apiFields := []string{in.APIKey, in.APISecret, in.Passphrase}
	set := 0
	for _, f := range apiFields {
		if f != "" {
			set++
		}
	}
	switch set {
	case 0:
	case len(apiFields):
		for _, f := range []struct {
			name  string
			value string
			dst   *string
		}{
			{fieldAPIKey, in.APIKey, &rec.APIKey},
			{fieldAPISecret, in.APISecret, &rec.APISecret},
			{fieldPassphrase, in.Passphrase, &rec.Passphrase},
		} {
			sealed, err := v.keys.Seal([]byte(f.value), aad(userID, f.name))
			if err != nil {
				return domain.TradingProfile{}, fmt.Errorf("vault: seal: %w", err)
			}
			*f.dst = sealed
		}
	default:
		return domain.TradingProfile{}, domain.Invalid("api_credentials", "api_key, api_secret and passphrase must be provided together")
	}

	rec.KeyVersion = v.keys.CurrentVersion()
	rec.UpdatedAt = v.now().UTC()
	if err := v.store.Put(ctx, rec); err != nil {
		return domain.TradingProfile{}, fmt.Errorf("vault: store %s: %w", userID, err)
	}

	v.logger.InfoContext(ctx, "credentials stored",
		slog.String("user_id", userID),
		slog.Bool("trading_key", rec.HasTradingKey()),
		slog.Bool("api_creds", rec.HasAPICreds()),
	)
	return profileOf(rec), nil
}

// Profile returns the non-secret view of a user's credentials.
func (v *Vault) Profile(ctx context.Context, userID string) (domain.TradingProfile, error) {
	rec, err := v.store.Get(ctx, userID)
	if err != nil {
		return domain.TradingProfile{}, fmt.Errorf("vault: profile %s: %w", userID, err)
	}
	return profileOf(rec), nil
}

// Reveal decrypts the user's credentials and passes them to fn. Every
// decrypted byte is wiped when Reveal returns, whether fn succeeds, fails or
// panics. fn must not retain the Secret.
func (v *Vault) Reveal(ctx context.Context, userID string, fn func(*Secret) error) error {
	rec, err := v.store.Get(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("vault: no credentials for %s: %w", userID, domain.ErrCredential)
	}
	if err != nil {
		return fmt.Errorf("vault: load %s: %w", userID, err)
	}
	if !rec.HasTradingKey() || !rec.HasAPICreds() {
		return fmt.Errorf("vault: incomplete credentials for %s: %w", userID, domain.ErrCredential)
	}

	s := &Secret{userID: userID, proxyWallet: rec.ProxyWallet}
	defer s.wipe()

	key, err := v.keys.Open(rec.PrivateKey, aad(userID, fieldPrivateKey))
	if err != nil {
		v.logger.ErrorContext(ctx, "credential decrypt failed", slog.String("user_id", userID), slog.String("field", fieldPrivateKey))
		return fmt.Errorf("vault: %w", err)
	}
	s.signer, err = crypto.NewSignerFromKey(key, v.chainID)
	clear(key)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	auth := &crypto.HMACAuth{}
	s.auth = auth
	for _, f := range []struct {
		name     string
		envelope string
		dst      *[]byte
	}{
		{fieldAPIKey, rec.APIKey, &auth.Key},
		{fieldAPISecret, rec.APISecret, &auth.Secret},
		{fieldPassphrase, rec.Passphrase, &auth.Passphrase},
	} {
		plain, err := v.keys.Open(f.envelope, aad(userID, f.name))
		if err != nil {
			v.logger.ErrorContext(ctx, "credential decrypt failed", slog.String("user_id", userID), slog.String("field", f.name))
			return fmt.Errorf("vault: %w", err)
		}
		*f.dst = plain
	}

	return fn(s)
}

func aad(userID, field string) []byte {
	return []byte(userID + "|" + field)
}

func profileOf(rec domain.CredentialRecord) domain.TradingProfile {
	return domain.TradingProfile{
		UserID:        rec.UserID,
		ProxyWallet:   rec.ProxyWallet,
		SignerAddress: rec.SignerAddress,
		HasTradingKey: rec.HasTradingKey(),
		HasAPICreds:   rec.HasAPICreds(),
	}
}
