package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// Envelope layout: "ENC[v<version>]:" + base64(salt || nonce || ciphertext||tag).
// The AES-256 key for each envelope is HKDF-SHA256(master[version], salt).
const (
	envelopeSaltLen = 16
	envelopeInfo    = "polyguard/credential"
)

var envelopeRe = regexp.MustCompile(`^ENC\[v(\d{1,3})\]:(.+)$`)

// ErrInvalidEnvelope is returned for text that is not a vault envelope.
var ErrInvalidEnvelope = fmt.Errorf("crypto: invalid envelope: %w", domain.ErrDecryptionFailed)

// Keyring seals with the current master key version and opens any version it
// holds, so records written under an older key stay readable after rotation.
type Keyring struct {
	mu      sync.RWMutex
	current int
	keys    map[int][]byte
}

// NewKeyring creates a keyring whose current version is version.
func NewKeyring(version int, master []byte) (*Keyring, error) {
	k := &Keyring{keys: make(map[int][]byte)}
	if err := k.Add(version, master); err != nil {
		return nil, err
	}
	k.current = version
	return k, nil
}

// Add registers an additional master key version for opening.
func (k *Keyring) Add(version int, master []byte) error {
	if version < 1 || version > 255 {
		return fmt.Errorf("crypto: key version %d out of range", version)
	}
	if len(master) != 32 {
		return fmt.Errorf("crypto: master key must be 32 bytes, got %d", len(master))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[version] = append([]byte(nil), master...)
	return nil
}

// CurrentVersion returns the version new envelopes are sealed with.
func (k *Keyring) CurrentVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

// Seal encrypts plaintext and binds it to aad.
func (k *Keyring) Seal(plaintext, aad []byte) (string, error) {
	k.mu.RLock()
	version := k.current
	master := k.keys[version]
	k.mu.RUnlock()

	salt := make([]byte, envelopeSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := envelopeAEAD(master, salt, version)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: generating nonce: %w", err)
	}

	buf := make([]byte, 0, len(salt)+len(nonce)+len(plaintext)+gcm.Overhead())
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = gcm.Seal(buf, nonce, plaintext, aad)

	return fmt.Sprintf("ENC[v%d]:%s", version, base64.StdEncoding.EncodeToString(buf)), nil
}

// Open decrypts an envelope. Any tampering, wrong aad or unknown version
// yields an error wrapping domain.ErrDecryptionFailed; the error text never
// contains key material or plaintext.
func (k *Keyring) Open(envelope string, aad []byte) ([]byte, error) {
	version, payload, err := splitEnvelope(envelope)
	if err != nil {
		return nil, err
	}

	k.mu.RLock()
	master, ok := k.keys[version]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("crypto: no key for version %d: %w", version, domain.ErrDecryptionFailed)
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, ErrInvalidEnvelope
	}
	if len(raw) < envelopeSaltLen+12+16 {
		return nil, ErrInvalidEnvelope
	}

	salt := raw[:envelopeSaltLen]
	gcm, err := envelopeAEAD(master, salt, version)
	if err != nil {
		return nil, err
	}
	nonce := raw[envelopeSaltLen : envelopeSaltLen+gcm.NonceSize()]
	sealed := raw[envelopeSaltLen+gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("crypto: open envelope v%d: %w", version, domain.ErrDecryptionFailed)
	}
	return plaintext, nil
}

// ParseVersion returns the key version an envelope was sealed with.
func ParseVersion(envelope string) (int, error) {
	v, _, err := splitEnvelope(envelope)
	return v, err
}

func splitEnvelope(envelope string) (int, string, error) {
	m := envelopeRe.FindStringSubmatch(envelope)
	if m == nil {
		return 0, "", ErrInvalidEnvelope
	}
	v, err := strconv.Atoi(m[1])
	if err != nil || v < 1 || v > 255 {
		return 0, "", ErrInvalidEnvelope
	}
	return v, m[2], nil
}

func envelopeAEAD(master, salt []byte, version int) (cipher.AEAD, error) {
	if master == nil {
		return nil, errors.New("crypto: keyring has no current key")
	}
	key := make([]byte, aesKeyLen)
	defer clear(key)

	info := envelopeInfo + "/v" + strconv.Itoa(version)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}
