package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/cache/local"
)

var secret = []byte("test-secret")

func sign(t *testing.T, key []byte, method jwt.SigningMethod, sub string, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(UserID(r.Context())))
	})
}

func TestAuth(t *testing.T) {
	h := Auth(secret, "/api/health")(echoUser())
	valid := sign(t, secret, jwt.SigningMethodHS256, "user-1", time.Now().Add(time.Hour))

	cases := []struct {
		name   string
		path   string
		header string
		status int
		body   string
	}{
		{"valid bearer", "/api/positions", "Bearer " + valid, http.StatusOK, "user-1"},
		{"query token", "/ws?token=" + valid, "", http.StatusOK, "user-1"},
		{"public path", "/api/health", "", http.StatusOK, ""},
		{"missing", "/api/positions", "", http.StatusUnauthorized, ""},
		{"wrong secret", "/api/positions", "Bearer " + sign(t, []byte("other"), jwt.SigningMethodHS256, "user-1", time.Now().Add(time.Hour)), http.StatusUnauthorized, ""},
		{"expired", "/api/positions", "Bearer " + sign(t, secret, jwt.SigningMethodHS256, "user-1", time.Now().Add(-time.Minute)), http.StatusUnauthorized, ""},
		{"other algorithm", "/api/positions", "Bearer " + sign(t, secret, jwt.SigningMethodHS512, "user-1", time.Now().Add(time.Hour)), http.StatusUnauthorized, ""},
		{"no subject", "/api/positions", "Bearer " + sign(t, secret, jwt.SigningMethodHS256, "", time.Now().Add(time.Hour)), http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, tc.body, rec.Body.String())
			}
		})
	}
}

func TestRateLimitKeysByUser(t *testing.T) {
	h := RateLimit(local.NewRateLimiter(), 2, time.Minute)(echoUser())

	call := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
		if user != "" {
			req = req.WithContext(WithUserID(req.Context(), user))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("a"))
	assert.Equal(t, http.StatusOK, call("a"))
	assert.Equal(t, http.StatusTooManyRequests, call("a"))
	assert.Equal(t, http.StatusOK, call("b"))
	assert.Equal(t, http.StatusOK, call(""))
}

func TestRateLimitDisabled(t *testing.T) {
	next := echoUser()
	h := RateLimit(local.NewRateLimiter(), 0, time.Minute)(next)
	for range 5 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://app.example"})(echoUser())

	req := httptest.NewRequest(http.MethodOptions, "/api/orders/1", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PATCH")

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLoggingRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := Logging(logger)(echoUser())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token=secret-jwt", nil))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	assert.Contains(t, buf.String(), `"path":"/ws"`)
	assert.NotContains(t, buf.String(), "secret-jwt")

	buf.Reset()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-1", rec.Header().Get(RequestIDHeader))
	assert.Contains(t, buf.String(), `"request_id":"req-1"`)
	assert.Contains(t, buf.String(), `"level":"DEBUG"`)
}
