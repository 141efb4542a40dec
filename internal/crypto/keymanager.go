// Package crypto provides the credential envelope format, master key
// management, EIP-712 order signing, and HMAC authentication for the
// Polymarket CLOB API.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// currentVersion is the encrypted-key JSON schema version.
	currentVersion = 1
)

// encryptedKeyJSON is the on-disk format for a passphrase-protected master key.
type encryptedKeyJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`       // base64 standard encoding
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// MasterKeyConfig carries the information LoadMasterKey needs to resolve the
// vault master key.
type MasterKeyConfig struct {
	// Hex is the hex-encoded 32-byte key (with or without 0x prefix).
	Hex string

	// File is the path to a JSON file produced by EncryptMasterKey.
	File string

	// Passphrase decrypts File.
	Passphrase string
}

// GenerateMasterKey returns 32 random bytes.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, aesKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto: generating master key: %w", err)
	}
	return key, nil
}

// EncryptMasterKey protects a master key with a passphrase using
// PBKDF2-HMAC-SHA256 key derivation and AES-256-GCM. It returns the JSON blob
// suitable for writing to disk.
func EncryptMasterKey(master []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: passphrase must not be empty")
	}
	if len(master) != aesKeyLen {
		return nil, fmt.Errorf("crypto: expected 32-byte key, got %d bytes", len(master))
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}

	gcm, err := passphraseAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	out := encryptedKeyJSON{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, master, nil)),
	}
	return json.MarshalIndent(out, "", "  ")
}

// DecryptMasterKey decrypts a JSON blob produced by EncryptMasterKey.
func DecryptMasterKey(encryptedJSON []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: passphrase must not be empty")
	}

	var stored encryptedKeyJSON
	if err := json.Unmarshal(encryptedJSON, &stored); err != nil {
		return nil, fmt.Errorf("crypto: parsing encrypted key JSON: %w", err)
	}
	if stored.Version != currentVersion {
		return nil, fmt.Errorf("crypto: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := passphraseAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("crypto: decryption failed (wrong passphrase?)")
	}
	return plaintext, nil
}

// LoadMasterKey resolves the vault master key.
//
// Resolution order:
//  1. If Hex is set, decode it.
//  2. If File is set, read the file and decrypt with Passphrase.
//  3. Otherwise, return an error.
func LoadMasterKey(cfg MasterKeyConfig) ([]byte, error) {
	if cfg.Hex != "" {
		key, err := hex.DecodeString(strings.TrimPrefix(cfg.Hex, "0x"))
		if err != nil {
			return nil, errors.New("crypto: master key is not valid hex")
		}
		if len(key) != aesKeyLen {
			return nil, fmt.Errorf("crypto: master key must be 32 bytes, got %d", len(key))
		}
		return key, nil
	}

	if cfg.File != "" {
		data, err := os.ReadFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("crypto: reading master key file: %w", err)
		}
		return DecryptMasterKey(data, cfg.Passphrase)
	}

	return nil, errors.New("crypto: no master key source configured (set Hex or File)")
}

func passphraseAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	defer clear(derived)

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}
