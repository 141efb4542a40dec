package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// L2 auth header names.
const (
	HeaderAddress    = "POLY_ADDRESS"
	HeaderAPIKey     = "POLY_API_KEY"
	HeaderTimestamp  = "POLY_TIMESTAMP"
	HeaderPassphrase = "POLY_PASSPHRASE"
	HeaderSignature  = "POLY_SIGNATURE"
)

// HMACAuth holds the decrypted L2 API credentials for one reveal scope.
// Secret is the base64 string issued by the CLOB.
type HMACAuth struct {
	Key        []byte
	Secret     []byte
	Passphrase []byte
}

// L2Headers returns the headers for an authenticated CLOB request. The
// signature is base64url(HMAC-SHA256(base64decode(secret), ts+method+path+body)).
func (h *HMACAuth) L2Headers(address, method, path, body string) (http.Header, error) {
	return h.L2HeadersAt(address, method, path, body, time.Now().Unix())
}

// L2HeadersAt is like L2Headers with a caller-supplied Unix timestamp.
func (h *HMACAuth) L2HeadersAt(address, method, path, body string, unixTS int64) (http.Header, error) {
	secret, err := decodeSecret(h.Secret)
	if err != nil {
		return nil, err
	}
	defer clear(secret)

	ts := strconv.FormatInt(unixTS, 10)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts + method + path + body))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	hdr := make(http.Header, 5)
	hdr.Set(HeaderAddress, address)
	hdr.Set(HeaderAPIKey, string(h.Key))
	hdr.Set(HeaderTimestamp, ts)
	hdr.Set(HeaderPassphrase, string(h.Passphrase))
	hdr.Set(HeaderSignature, sig)
	return hdr, nil
}

// Wipe zeroes the credential bytes.
func (h *HMACAuth) Wipe() {
	clear(h.Key)
	clear(h.Secret)
	clear(h.Passphrase)
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(b []byte) string {
		if len(b) <= 4 {
			return "****"
		}
		return string(b[:4]) + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=****}", redact(h.Key))
}

// decodeSecret accepts both the url-safe and standard base64 alphabets the
// CLOB has issued secrets in.
func decodeSecret(secret []byte) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.StdEncoding, base64.RawURLEncoding, base64.RawStdEncoding} {
		out := make([]byte, enc.DecodedLen(len(secret)))
		n, err := enc.Decode(out, secret)
		if err == nil {
			return out[:n], nil
		}
		clear(out)
	}
	return nil, fmt.Errorf("crypto/hmac: api secret is not base64: %w", domain.ErrCredential)
}
