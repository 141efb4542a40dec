package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/cache/local"
	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/executor"
	"github.com/alanyoungcy/polyguard/internal/store/memory"
	"github.com/alanyoungcy/polyguard/internal/vault"
)

const wallet = "0x00000000000000000000000000000000000000Aa"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeTrader is an in-memory venue. Resting orders live in orders until
// cancelled or matched.
type fakeTrader struct {
	mu sync.Mutex

	bid       decimal.Decimal
	sells     []string // token ids
	sellErrs  []error
	sellDelay time.Duration

	orders      map[string]*domain.Order
	placed      []domain.OrderRequest
	placeErr    error
	placeLost   bool // the order rests but the reply is lost
	placeStatus domain.OrderStatus
	getErrs     map[string]error
	openErrs    []error // consumed per OpenOrders call, nil passes
	seq         int
}

func newFakeTrader() *fakeTrader {
	return &fakeTrader{
		bid:     d("0.39"),
		orders:  make(map[string]*domain.Order),
		getErrs: make(map[string]error),
	}
}

func (f *fakeTrader) MarketSell(_ context.Context, _ string, tokenID string, size decimal.Decimal, _ bool) (domain.Sale, error) {
	f.mu.Lock()
	f.sells = append(f.sells, tokenID)
	var err error
	if len(f.sellErrs) > 0 {
		err, f.sellErrs = f.sellErrs[0], f.sellErrs[1:]
	}
	f.seq++
	id := fmt.Sprintf("sell-%d", f.seq)
	bid, delay := f.bid, f.sellDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return domain.Sale{}, err
	}
	return domain.Sale{OrderID: id, Price: bid, Size: size, Proceeds: size.Mul(bid)}, nil
}

func (f *fakeTrader) PlaceLimitOrder(_ context.Context, userID string, req domain.OrderRequest) (domain.PlacedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return domain.PlacedOrder{}, f.placeErr
	}
	placed := f.placeLocked(userID, req)
	if f.placeLost {
		return domain.PlacedOrder{}, fmt.Errorf("post order: %w", domain.ErrUnconfirmed)
	}
	return placed, nil
}

func (f *fakeTrader) placeLocked(userID string, req domain.OrderRequest) domain.PlacedOrder {
	f.placed = append(f.placed, req)
	f.seq++
	id := fmt.Sprintf("ord-%d", f.seq)
	status := domain.OrderStatusLive
	if f.placeStatus != "" {
		status = f.placeStatus
	}
	o := &domain.Order{
		UserID: userID, ExternalID: id, TokenID: req.TokenID, Side: req.Side,
		Type: req.TimeInForce, Size: req.Size, Price: req.Price, Status: status,
	}
	if status == domain.OrderStatusMatched {
		o.SizeFilled = req.Size
	}
	f.orders[id] = o
	return domain.PlacedOrder{OrderID: id, Status: status, SizeFilled: o.SizeFilled}
}

func (f *fakeTrader) CancelOrder(_ context.Context, _ string, externalID string) (domain.CancelOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[externalID]
	if !ok {
		return "", domain.ErrNotFound
	}
	switch o.Status {
	case domain.OrderStatusMatched:
		return domain.CancelOutcomeAlreadyFilled, nil
	case domain.OrderStatusCancelled:
		return domain.CancelOutcomeAlreadyCancelled, nil
	}
	o.Status = domain.OrderStatusCancelled
	return domain.CancelOutcomeCancelled, nil
}

func (f *fakeTrader) EditOrder(_ context.Context, userID, externalID string, newPrice decimal.Decimal, negRisk bool) (executor.EditResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := executor.EditResult{OldOrderID: externalID, Price: newPrice}
	o, ok := f.orders[externalID]
	if !ok {
		return res, domain.ErrNotFound
	}
	if o.Status == domain.OrderStatusMatched {
		return res, domain.ErrOrderFilled
	}
	res.Side = o.Side
	res.Size = o.Remaining()
	o.Status = domain.OrderStatusCancelled
	res.Cancelled = true
	if f.placeErr != nil {
		return res, f.placeErr
	}
	placed := f.placeLocked(userID, domain.OrderRequest{
		TokenID: o.TokenID, Side: o.Side, Price: newPrice, Size: res.Size,
		TimeInForce: o.Type.TimeInForce(), NegRisk: negRisk,
	})
	res.NewOrderID = placed.OrderID
	return res, nil
}

func (f *fakeTrader) GetOrder(_ context.Context, _ string, externalID string) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.getErrs[externalID]; ok {
		return domain.Order{}, err
	}
	o, ok := f.orders[externalID]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return *o, nil
}

func (f *fakeTrader) OpenOrders(_ context.Context, userID string) ([]domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	var out []domain.Order
	for _, o := range f.orders {
		if o.UserID == userID && o.Status == domain.OrderStatusLive {
			out = append(out, *o)
		}
	}
	return out, nil
}

// fill marks a resting order matched, as the venue would on a cross.
func (f *fakeTrader) fill(externalID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[externalID]
	o.Status = domain.OrderStatusMatched
	o.SizeFilled = o.Size
}

func (f *fakeTrader) resting(tokenID string) []domain.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Order
	for _, o := range f.orders {
		if o.TokenID == tokenID && o.Status == domain.OrderStatusLive {
			out = append(out, *o)
		}
	}
	return out
}

func (f *fakeTrader) sellCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sells)
}

// fakeHoldings serves the positions API.
type fakeHoldings struct {
	mu        sync.Mutex
	positions map[string][]domain.Position
	err       error
}

func (h *fakeHoldings) set(w string, ps ...domain.Position) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.positions[w] = ps
}

func (h *fakeHoldings) Positions(_ context.Context, w string) ([]domain.Position, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	return append([]domain.Position(nil), h.positions[w]...), nil
}

func (h *fakeHoldings) Position(ctx context.Context, w, tokenID string) (domain.Position, error) {
	all, err := h.Positions(ctx, w)
	if err != nil {
		return domain.Position{}, err
	}
	for _, p := range all {
		if p.TokenID == tokenID {
			return p, nil
		}
	}
	return domain.Position{TokenID: tokenID}, nil
}

// fakeVault knows profiles only.
type fakeVault struct {
	profiles map[string]domain.TradingProfile
}

func (v *fakeVault) Profile(_ context.Context, userID string) (domain.TradingProfile, error) {
	p, ok := v.profiles[userID]
	if !ok {
		return domain.TradingProfile{}, fmt.Errorf("vault: profile %s: %w", userID, domain.ErrNotFound)
	}
	return p, nil
}

func (v *fakeVault) Store(_ context.Context, userID string, in vault.CredentialInput) (domain.TradingProfile, error) {
	p := domain.TradingProfile{UserID: userID, ProxyWallet: in.ProxyWallet, HasTradingKey: in.PrivateKey != ""}
	v.profiles[userID] = p
	return p, nil
}

// fakeAlerter records alerts by event type.
type fakeAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *fakeAlerter) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *fakeAlerter) sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

// fakeCatalog serves a fixed market list.
type fakeCatalog struct {
	markets []domain.MarketInfo
	calls   int
}

func (c *fakeCatalog) ListMarkets(_ context.Context, limit, offset int) ([]domain.MarketInfo, error) {
	c.calls++
	if offset >= len(c.markets) {
		return nil, nil
	}
	end := min(offset+limit, len(c.markets))
	return c.markets[offset:end], nil
}

func (c *fakeCatalog) MarketByToken(_ context.Context, tokenID string) (domain.MarketInfo, error) {
	c.calls++
	for _, m := range c.markets {
		for _, t := range m.TokenIDs {
			if t == tokenID {
				return m, nil
			}
		}
	}
	return domain.MarketInfo{}, domain.ErrNotFound
}

func (c *fakeCatalog) MarketByConditionID(_ context.Context, conditionID string) (domain.MarketInfo, error) {
	c.calls++
	for _, m := range c.markets {
		if m.HashID == conditionID {
			return m, nil
		}
	}
	return domain.MarketInfo{}, domain.ErrNotFound
}

// env wires every service over the memory store and local caches.
type env struct {
	store    *memory.Store
	trader   *fakeTrader
	holdings *fakeHoldings
	vault    *fakeVault
	catalog  *fakeCatalog
	alerts   *fakeAlerter
	prices   *local.PriceCache
	locks    *local.LockManager
	bus      *local.EventBus

	markets *Reconciler
	events  *Recorder
	feed    *PriceFeed
	monitor *StopLossMonitor
	tp      *TakeProfitManager
	sync    *SyncService
	trading *TradingService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:    memory.New(),
		trader:   newFakeTrader(),
		holdings: &fakeHoldings{positions: make(map[string][]domain.Position)},
		vault: &fakeVault{profiles: map[string]domain.TradingProfile{
			"u1": {UserID: "u1", ProxyWallet: wallet, HasTradingKey: true, HasAPICreds: true},
		}},
		catalog: &fakeCatalog{},
		alerts:  &fakeAlerter{},
		prices:  local.NewPriceCache(time.Hour),
		locks:   local.NewLockManager(),
		bus:     local.NewEventBus(),
	}
	logger := discard()
	e.markets = NewReconciler(e.store.Mappings(), local.NewMarketCache(), e.catalog, false, logger)
	e.events = NewRecorder(e.store.Audit(), e.bus, e.alerts, logger)
	e.feed = NewPriceFeed(e.prices, nil, 10*time.Second, time.Second, logger)
	e.tp = NewTakeProfitManager(e.store.TakeProfits(), e.store.StopLosses(), e.store.Orders(), e.store.Positions(),
		e.trader, e.markets, e.locks, e.events, logger)
	e.monitor = e.newMonitor(e.feed, MonitorConfig{MaxFailures: 5})
	e.sync = NewSyncService(e.store.Positions(), e.store.Orders(), e.trader, e.holdings, e.vault,
		e.markets, e.tp, e.events, logger)
	e.trading = NewTradingService(e.store.Positions(), e.store.Orders(), e.store.StopLosses(), e.store.TakeProfits(),
		e.trader, e.tp, e.sync, e.markets, e.vault, e.events, logger)
	return e
}

func (e *env) newMonitor(feed domain.PriceFeed, cfg MonitorConfig) *StopLossMonitor {
	return NewStopLossMonitor(e.store.StopLosses(), e.store.Positions(), feed, e.trader, e.holdings, e.vault,
		e.markets, e.locks, e.events, e.tp, cfg, discard())
}

// seed creates a 100-share position bought at 0.50.
func (e *env) seed(t *testing.T, tokenID string) domain.Position {
	t.Helper()
	ctx := context.Background()
	cur := d("0.45")
	_, err := e.store.Positions().UpsertSynced(ctx, "u1", []domain.Position{{
		MarketID: "0xcond-" + tokenID, TokenID: tokenID, Outcome: "Yes",
		Size: d("100"), AvgPrice: d("0.50"), CurrentPrice: &cur, Title: "Will it rain?",
	}})
	require.NoError(t, err)
	pos, err := e.store.Positions().GetByToken(ctx, "u1", tokenID)
	require.NoError(t, err)
	return pos
}

func (e *env) price(t *testing.T, tokenID, p string, age time.Duration) {
	t.Helper()
	require.NoError(t, e.prices.SetPrice(context.Background(), tokenID, d(p), time.Now().Add(-age)))
}

func (e *env) position(t *testing.T, id string) domain.Position {
	t.Helper()
	pos, err := e.store.Positions().Get(context.Background(), "u1", id)
	require.NoError(t, err)
	return pos
}

func (e *env) stopLoss(t *testing.T, positionID string) domain.StopLossRule {
	t.Helper()
	rule, err := e.store.StopLosses().Active(context.Background(), positionID)
	require.NoError(t, err)
	return rule
}

func (e *env) order(t *testing.T, externalID string) domain.Order {
	t.Helper()
	o, err := e.store.Orders().GetByExternalID(context.Background(), "u1", externalID)
	require.NoError(t, err)
	return o
}
