package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/cache/local"
	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/server/handler"
	"github.com/alanyoungcy/polyguard/internal/server/ws"
	"github.com/alanyoungcy/polyguard/internal/vault"
)

const testSecret = "server-test-secret"

// stubTrading answers every operation with the op name so routing can be
// checked end to end.
type stubTrading struct{}

func ok(op string) (domain.ActionResult, error) {
	return domain.ActionResult{Message: op}, nil
}

func (stubTrading) Portfolio(context.Context, string) (domain.Portfolio, error) {
	return domain.Portfolio{}, nil
}
func (stubTrading) SetStopLoss(context.Context, string, string, decimal.Decimal) (domain.ActionResult, error) {
	return ok("set stop loss")
}
func (stubTrading) RemoveStopLoss(context.Context, string, string) (domain.ActionResult, error) {
	return ok("remove stop loss")
}
func (stubTrading) SetTakeProfit(context.Context, string, string, decimal.Decimal) (domain.ActionResult, error) {
	return ok("set take profit")
}
func (stubTrading) CancelTakeProfit(context.Context, string, string) (domain.ActionResult, error) {
	return ok("cancel take profit")
}
func (stubTrading) MarketSell(context.Context, string, string) (domain.ActionResult, error) {
	return ok("sell")
}
func (stubTrading) ListOrders(context.Context, string, domain.OrderStatus, domain.ListOpts) ([]domain.Order, error) {
	return nil, nil
}
func (stubTrading) EditOrder(context.Context, string, string, decimal.Decimal) (domain.ActionResult, error) {
	return ok("edit order")
}
func (stubTrading) CancelOrder(context.Context, string, string) (domain.ActionResult, error) {
	return ok("cancel order")
}
func (stubTrading) SyncPositions(context.Context, string) (domain.ActionResult, error) {
	return ok("sync positions")
}
func (stubTrading) SyncOrders(context.Context, string) (domain.ActionResult, error) {
	return ok("sync orders")
}
func (stubTrading) StoreCredentials(context.Context, string, vault.CredentialInput) (domain.TradingProfile, error) {
	return domain.TradingProfile{}, nil
}
func (stubTrading) Credentials(context.Context, string) (domain.TradingProfile, error) {
	return domain.TradingProfile{}, domain.ErrNotFound
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testHandlers() Handlers {
	svc := stubTrading{}
	log := discard()
	return Handlers{
		Health:      handler.NewHealthHandler(nil, log),
		Positions:   handler.NewPositionHandler(svc, log),
		Orders:      handler.NewOrderHandler(svc, log),
		Sync:        handler.NewSyncHandler(svc, log),
		Credentials: handler.NewCredentialHandler(svc, log),
	}
}

func token(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return tok
}

func TestNewServerRequiresSecret(t *testing.T) {
	_, err := NewServer(Config{Port: 0}, testHandlers(), nil, nil, discard())
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRoutes(t *testing.T) {
	h := NewHandler(Config{JWTSecret: testSecret}, testHandlers(), nil, local.NewRateLimiter(), discard())
	bearer := "Bearer " + token(t, "user-1")

	cases := []struct {
		method, path, body, message string
	}{
		{http.MethodPost, "/api/positions/p1/stop-loss", `{"price":0.4}`, "set stop loss"},
		{http.MethodDelete, "/api/positions/p1/stop-loss", "", "remove stop loss"},
		{http.MethodPost, "/api/positions/p1/take-profit", `{"price":0.85}`, "set take profit"},
		{http.MethodDelete, "/api/positions/p1/take-profit", "", "cancel take profit"},
		{http.MethodPost, "/api/positions/p1/sell", "", "sell"},
		{http.MethodPatch, "/api/orders/o1", `{"price":0.9}`, "edit order"},
		{http.MethodDelete, "/api/orders/o1", "", "cancel order"},
		{http.MethodPost, "/api/sync/positions", "", "sync positions"},
		{http.MethodPost, "/api/sync/orders", "", "sync orders"},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			req.Header.Set("Authorization", bearer)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, true, body["success"])
			assert.Equal(t, tc.message, body["message"])
		})
	}

	for _, path := range []string{"/api/positions", "/api/orders", "/api/credentials"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", bearer)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestAuthBoundary(t *testing.T) {
	h := NewHandler(Config{JWTSecret: testSecret}, testHandlers(), nil, nil, discard())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions/p1/sell", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimitPerUser(t *testing.T) {
	h := NewHandler(Config{JWTSecret: testSecret, RateLimit: 1, RateWindow: time.Minute},
		testHandlers(), nil, local.NewRateLimiter(), discard())

	get := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
		req.Header.Set("Authorization", "Bearer "+token(t, user))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, get("a"))
	assert.Equal(t, http.StatusTooManyRequests, get("a"))
	assert.Equal(t, http.StatusOK, get("b"))
}

func TestWebSocketStreamsOwnEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := local.NewEventBus()
	hub := ws.NewHub(bus, nil, discard())
	go hub.Run(ctx)

	srv := httptest.NewServer(NewHandler(Config{JWTSecret: testSecret}, testHandlers(), hub, nil, discard()))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token(t, "user-1")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connected", hello["type"])
	assert.Equal(t, "user-1", hello["user_id"])

	publish := func(ev domain.Event) {
		payload, err := json.Marshal(ev)
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, domain.EventsChannel, payload))
	}

	// Registration is asynchronous; keep publishing the other user's event
	// and ours until ours arrives.
	got := make(chan domain.Event, 1)
	go func() {
		var ev domain.Event
		if conn.ReadJSON(&ev) == nil {
			got <- ev
		}
	}()
	deadline := time.After(5 * time.Second)
	for {
		publish(domain.Event{Type: domain.EventStopLossSet, UserID: "user-2", PositionID: "other"})
		publish(domain.Event{Type: domain.EventStopLossSet, UserID: "user-1", PositionID: "mine"})
		select {
		case ev := <-got:
			assert.Equal(t, "user-1", ev.UserID)
			assert.Equal(t, "mine", ev.PositionID)
			return
		case <-deadline:
			t.Fatal("no event received")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestWebSocketRequiresToken(t *testing.T) {
	hub := ws.NewHub(local.NewEventBus(), nil, discard())
	srv := httptest.NewServer(NewHandler(Config{JWTSecret: testSecret}, testHandlers(), hub, nil, discard()))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
