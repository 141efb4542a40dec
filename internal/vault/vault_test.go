package vault

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/crypto"
	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/store/memory"
)

const proxy = "0x00000000000000000000000000000000000000Aa"

var testKeyHex = strings.Repeat("11", 32)

func newTestVault(t *testing.T) (*Vault, *memory.CredentialStore, *bytes.Buffer) {
	t.Helper()
	kr, err := crypto.NewKeyring(1, bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	creds := memory.New().Credentials()
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	return New(creds, kr, 137, logger), creds, logs
}

func fullInput() CredentialInput {
	return CredentialInput{
		ProxyWallet: proxy,
		PrivateKey:  "0x" + testKeyHex,
		APIKey:      "api-key-1",
		APISecret:   base64.URLEncoding.EncodeToString([]byte("hmac-secret")),
		Passphrase:  "pass-1",
	}
}

func TestStoreRevealRoundTrip(t *testing.T) {
	ctx := context.Background()
	v, creds, logs := newTestVault(t)

	profile, err := v.Store(ctx, "u1", fullInput())
	require.NoError(t, err)
	assert.True(t, profile.HasTradingKey)
	assert.True(t, profile.HasAPICreds)
	assert.NotEmpty(t, profile.SignerAddress)

	rec, err := creds.Get(ctx, "u1")
	require.NoError(t, err)
	for _, field := range []string{rec.PrivateKey, rec.APIKey, rec.APISecret, rec.Passphrase} {
		assert.True(t, strings.HasPrefix(field, "ENC[v1]:"))
	}
	assert.NotContains(t, rec.PrivateKey, testKeyHex)

	var captured *Secret
	err = v.Reveal(ctx, "u1", func(s *Secret) error {
		captured = s
		signer, err := s.Signer()
		require.NoError(t, err)
		assert.Equal(t, profile.SignerAddress, signer.Address().Hex())

		auth, err := s.Auth()
		require.NoError(t, err)
		assert.Equal(t, "api-key-1", string(auth.Key))
		assert.Equal(t, "pass-1", string(auth.Passphrase))
		assert.Equal(t, common.HexToAddress(proxy).Hex(), s.ProxyWallet())
		return nil
	})
	require.NoError(t, err)

	require.NotNil(t, captured)
	assert.True(t, captured.Wiped())
	_, err = captured.Signer()
	assert.Error(t, err)

	out, _ := io.ReadAll(logs)
	assert.NotContains(t, string(out), testKeyHex)
	assert.NotContains(t, string(out), "pass-1")
}

func TestRevealWipesOnError(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newTestVault(t)
	_, err := v.Store(ctx, "u1", fullInput())
	require.NoError(t, err)

	boom := errors.New("boom")
	var captured *Secret
	err = v.Reveal(ctx, "u1", func(s *Secret) error {
		captured = s
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, captured.Wiped())
}

func TestRevealWipesOnPanic(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newTestVault(t)
	_, err := v.Store(ctx, "u1", fullInput())
	require.NoError(t, err)

	var captured *Secret
	assert.Panics(t, func() {
		_ = v.Reveal(ctx, "u1", func(s *Secret) error {
			captured = s
			panic("signing blew up")
		})
	})
	require.NotNil(t, captured)
	assert.True(t, captured.Wiped())
}

func TestRevealCorruptedCiphertext(t *testing.T) {
	ctx := context.Background()
	v, creds, _ := newTestVault(t)
	_, err := v.Store(ctx, "u1", fullInput())
	require.NoError(t, err)

	rec, err := creds.Get(ctx, "u1")
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(rec.PrivateKey, "ENC[v1]:"))
	require.NoError(t, err)
	raw[20] ^= 0xff
	rec.PrivateKey = "ENC[v1]:" + base64.StdEncoding.EncodeToString(raw)
	require.NoError(t, creds.Put(ctx, rec))

	called := false
	err = v.Reveal(ctx, "u1", func(*Secret) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.True(t, errors.Is(err, domain.ErrDecryptionFailed))
	assert.True(t, errors.Is(err, domain.ErrCredential))
}

func TestRevealCiphertextBoundToUser(t *testing.T) {
	ctx := context.Background()
	v, creds, _ := newTestVault(t)
	_, err := v.Store(ctx, "u1", fullInput())
	require.NoError(t, err)

	rec, err := creds.Get(ctx, "u1")
	require.NoError(t, err)
	rec.UserID = "u2"
	require.NoError(t, creds.Put(ctx, rec))

	err = v.Reveal(ctx, "u2", func(*Secret) error { return nil })
	assert.True(t, errors.Is(err, domain.ErrDecryptionFailed))
}

func TestRevealMissingCredentials(t *testing.T) {
	v, _, _ := newTestVault(t)
	err := v.Reveal(context.Background(), "nobody", func(*Secret) error { return nil })
	assert.True(t, errors.Is(err, domain.ErrCredential))
}

func TestStoreValidation(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		input func(CredentialInput) CredentialInput
		field string
	}{
		{"bad wallet", func(in CredentialInput) CredentialInput { in.ProxyWallet = "nope"; return in }, "proxy_wallet"},
		{"missing wallet", func(in CredentialInput) CredentialInput { in.ProxyWallet = ""; return in }, "proxy_wallet"},
		{"short key", func(in CredentialInput) CredentialInput { in.PrivateKey = "abcd"; return in }, "private_key"},
		{"partial api creds", func(in CredentialInput) CredentialInput { in.Passphrase = ""; return in }, "api_credentials"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _, _ := newTestVault(t)
			_, err := v.Store(ctx, "u1", tt.input(fullInput()))
			var ve *domain.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
			assert.NotContains(t, err.Error(), testKeyHex)
		})
	}
}

func TestStoreMergesPartialUpdate(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newTestVault(t)
	_, err := v.Store(ctx, "u1", CredentialInput{ProxyWallet: proxy, PrivateKey: testKeyHex})
	require.NoError(t, err)

	p, err := v.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, p.HasTradingKey)
	assert.False(t, p.HasAPICreds)

	in := fullInput()
	in.ProxyWallet, in.PrivateKey = "", ""
	p, err = v.Store(ctx, "u1", in)
	require.NoError(t, err)
	assert.True(t, p.HasTradingKey)
	assert.True(t, p.HasAPICreds)
	assert.Equal(t, common.HexToAddress(proxy).Hex(), p.ProxyWallet)
}
