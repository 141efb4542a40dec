package crypto

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

func testMaster(b byte) []byte { return bytes.Repeat([]byte{b}, 32) }

func TestEnvelopeRoundTrip(t *testing.T) {
	kr, err := NewKeyring(1, testMaster(7))
	require.NoError(t, err)

	aad := []byte("user-1|private_key")
	env, err := kr.Seal([]byte("secret material"), aad)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(env, "ENC[v1]:"))

	v, err := ParseVersion(env)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	got, err := kr.Open(env, aad)
	require.NoError(t, err)
	assert.Equal(t, "secret material", string(got))

	again, err := kr.Seal([]byte("secret material"), aad)
	require.NoError(t, err)
	assert.NotEqual(t, env, again, "salt and nonce must be fresh per seal")
}

func TestEnvelopeRejectsTampering(t *testing.T) {
	kr, err := NewKeyring(1, testMaster(7))
	require.NoError(t, err)
	aad := []byte("user-1|api_secret")
	env, err := kr.Seal([]byte("s3cr3t"), aad)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(env, "ENC[v1]:"))
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	flipped := "ENC[v1]:" + base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name string
		env  string
		aad  []byte
	}{
		{"flipped byte", flipped, aad},
		{"wrong aad", env, []byte("user-2|api_secret")},
		{"unknown version", strings.Replace(env, "v1", "v9", 1), aad},
		{"not an envelope", "plaintext", aad},
		{"truncated", "ENC[v1]:AAAA", aad},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := kr.Open(tt.env, tt.aad)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrDecryptionFailed))
			assert.NotContains(t, err.Error(), "s3cr3t")
		})
	}
}

func TestKeyringOpensOlderVersions(t *testing.T) {
	old, err := NewKeyring(1, testMaster(1))
	require.NoError(t, err)
	env, err := old.Seal([]byte("v1 data"), nil)
	require.NoError(t, err)

	kr, err := NewKeyring(2, testMaster(2))
	require.NoError(t, err)
	require.NoError(t, kr.Add(1, testMaster(1)))

	got, err := kr.Open(env, nil)
	require.NoError(t, err)
	assert.Equal(t, "v1 data", string(got))

	fresh, err := kr.Seal([]byte("v2 data"), nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fresh, "ENC[v2]:"))

	assert.Error(t, kr.Add(3, []byte("short")))
}

func TestMasterKeyFile(t *testing.T) {
	master, err := GenerateMasterKey()
	require.NoError(t, err)

	blob, err := EncryptMasterKey(master, "correct horse")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "master.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err := LoadMasterKey(MasterKeyConfig{File: path, Passphrase: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, master, got)

	_, err = LoadMasterKey(MasterKeyConfig{File: path, Passphrase: "wrong"})
	assert.Error(t, err)
}

func TestLoadMasterKeyHex(t *testing.T) {
	hexKey := "0x" + strings.Repeat("ab", 32)
	got, err := LoadMasterKey(MasterKeyConfig{Hex: hexKey})
	require.NoError(t, err)
	assert.Len(t, got, 32)

	_, err = LoadMasterKey(MasterKeyConfig{Hex: "abcd"})
	assert.Error(t, err)
	_, err = LoadMasterKey(MasterKeyConfig{})
	assert.Error(t, err)
}

func TestSignOrderRecoversSigner(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	s, err := NewSignerFromKey(key, 137)
	require.NoError(t, err)

	order := OrderPayload{
		Salt:          "12345",
		Maker:         "0x00000000000000000000000000000000000000aa",
		Signer:        s.Address().Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       "71321045679252212594626385532706912750332728571942532289631379312455583992563",
		MakerAmount:   "100000000",
		TakerAmount:   "39000000",
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          1,
		SignatureType: SignatureGnosisSafe,
	}

	sigHex, err := s.SignOrder(order, false)
	require.NoError(t, err)
	sig, err := decodeHex(sigHex)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	structHash, err := orderStructHash(order)
	require.NoError(t, err)
	digest := eip712Hash(buildDomainSeparator(exchangeDomainName, exchangeDomainVersion, 137, ExchangeAddress), structHash)
	sig[64] -= 27
	pub, err := ethcrypto.SigToPub(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), ethcrypto.PubkeyToAddress(*pub))

	negSig, err := s.SignOrder(order, true)
	require.NoError(t, err)
	assert.NotEqual(t, sigHex, negSig, "neg-risk orders sign against a different contract")

	s.Wipe()
	_, err = s.SignOrder(order, false)
	assert.Error(t, err)
}

func TestSignOrderRejectsBadNumbers(t *testing.T) {
	s, err := NewSignerFromKey(bytes.Repeat([]byte{0x22}, 32), 137)
	require.NoError(t, err)
	_, err = s.SignOrder(OrderPayload{Salt: "x"}, false)
	assert.Error(t, err)
}

func TestNewSignerFromKeyHidesMaterial(t *testing.T) {
	_, err := NewSignerFromKey([]byte("short"), 137)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCredential))
	assert.NotContains(t, err.Error(), "short")
}

func TestL2HeadersDeterministic(t *testing.T) {
	secret := base64.URLEncoding.EncodeToString([]byte("super-secret-key"))
	h := &HMACAuth{Key: []byte("key-1234"), Secret: []byte(secret), Passphrase: []byte("pp")}

	a, err := h.L2HeadersAt("0xabc", "POST", "/order", `{"a":1}`, 1700000000)
	require.NoError(t, err)
	b, err := h.L2HeadersAt("0xabc", "POST", "/order", `{"a":1}`, 1700000000)
	require.NoError(t, err)

	assert.Equal(t, a.Get(HeaderSignature), b.Get(HeaderSignature))
	assert.Equal(t, "1700000000", a.Get(HeaderTimestamp))
	assert.Equal(t, "key-1234", a.Get(HeaderAPIKey))
	assert.Equal(t, "0xabc", a.Get(HeaderAddress))

	c, err := h.L2HeadersAt("0xabc", "DELETE", "/order", `{"a":1}`, 1700000000)
	require.NoError(t, err)
	assert.NotEqual(t, a.Get(HeaderSignature), c.Get(HeaderSignature))

	assert.NotContains(t, h.String(), "super")
	h.Wipe()
	assert.Equal(t, make([]byte, len("key-1234")), h.Key)
}

func TestL2HeadersBadSecret(t *testing.T) {
	h := &HMACAuth{Key: []byte("k"), Secret: []byte("!!not base64!!"), Passphrase: []byte("p")}
	_, err := h.L2HeadersAt("0xabc", "GET", "/data/orders", "", 1)
	assert.True(t, errors.Is(err, domain.ErrCredential))
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
