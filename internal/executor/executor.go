// Package executor is the only path from polyguard to the trading venue. Every
// call is bounded by a per-user gate, signed inside a vault reveal scope and
// sent after the scope has closed.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/platform/polymarket"
	"github.com/alanyoungcy/polyguard/internal/vault"
)

// Venue is the CLOB surface the executor drives. *polymarket.ClobClient
// implements it.
type Venue interface {
	PrepareOrder(creds polymarket.Credentials, req domain.OrderRequest) (polymarket.SignedRequest, error)
	PrepareCancel(creds polymarket.Credentials, orderID string) (polymarket.SignedRequest, error)
	PrepareGetOrder(creds polymarket.Credentials, orderID string) (polymarket.SignedRequest, error)
	PrepareOpenOrders(creds polymarket.Credentials) (polymarket.SignedRequest, error)

	PostOrder(ctx context.Context, sr polymarket.SignedRequest) (domain.PlacedOrder, error)
	Cancel(ctx context.Context, sr polymarket.SignedRequest) (domain.CancelOutcome, error)
	GetOrder(ctx context.Context, sr polymarket.SignedRequest) (domain.Order, error)
	OpenOrders(ctx context.Context, sr polymarket.SignedRequest) ([]domain.Order, error)
	BestBid(ctx context.Context, tokenID string) (decimal.Decimal, error)
}

// Revealer hands out decrypted credentials for the duration of fn.
type Revealer interface {
	Reveal(ctx context.Context, userID string, fn func(*vault.Secret) error) error
}

// Config bounds concurrency and timeouts toward the venue.
type Config struct {
	PerUserConcurrency int
	CatalogConcurrency int
	ReadRetries        int
	PriceTimeout       time.Duration
	OrderTimeout       time.Duration
	// RetryBackoff is the first delay between read retries; it doubles.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.PerUserConcurrency < 1 {
		c.PerUserConcurrency = 2
	}
	if c.CatalogConcurrency < 1 {
		c.CatalogConcurrency = 15
	}
	if c.ReadRetries < 0 {
		c.ReadRetries = 0
	}
	if c.PriceTimeout <= 0 {
		c.PriceTimeout = 5 * time.Second
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = 30 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
	return c
}

// EditResult describes a cancel-then-replace.
type EditResult struct {
	OldOrderID string
	NewOrderID string
	Side       domain.OrderSide
	Price      decimal.Decimal
	Size       decimal.Decimal
	// Cancelled is set once the old order is gone, even if the replacement
	// failed.
	Cancelled bool
}

// Executor places, cancels and edits orders for users.
type Executor struct {
	venue  Venue
	vault  Revealer
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	gates   map[string]*semaphore.Weighted
	catalog *semaphore.Weighted

	sells *Dedup

	cleanupInterval time.Duration
}

// New creates an Executor.
func New(venue Venue, v Revealer, cfg Config, logger *slog.Logger) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		venue:           venue,
		vault:           v,
		cfg:             cfg,
		logger:          logger.With(slog.String("component", "executor")),
		gates:           make(map[string]*semaphore.Weighted),
		catalog:         semaphore.NewWeighted(int64(cfg.CatalogConcurrency)),
		sells:           NewDedup(2 * cfg.OrderTimeout),
		cleanupInterval: time.Minute,
	}
}

// Run expires stale sell claims until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.sells.Cleanup()
		}
	}
}

// Catalog runs fn under the read-only catalog gate.
func (e *Executor) Catalog(ctx context.Context, fn func(context.Context) error) error {
	if err := e.catalog.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.catalog.Release(1)
	return fn(ctx)
}

// BestBid reads the best bid for tokenID under the catalog gate.
func (e *Executor) BestBid(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	var bid decimal.Decimal
	err := e.Catalog(ctx, func(ctx context.Context) error {
		var err error
		bid, err = e.bestBid(ctx, tokenID)
		return err
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("executor: best bid %s: %w", tokenID, err)
	}
	return bid, nil
}

// MarketSell sells size shares of tokenID at the current best bid,
// fill-or-kill. It fails with ErrPriceUnavailable when the book has no bid.
func (e *Executor) MarketSell(ctx context.Context, userID, tokenID string, size decimal.Decimal, negRisk bool) (domain.Sale, error) {
	if !size.IsPositive() {
		return domain.Sale{}, domain.Invalid("size", "nothing to sell")
	}
	key := userID + "|" + tokenID
	if !e.sells.Claim(key) {
		return domain.Sale{}, fmt.Errorf("executor: market sell %s: %w", tokenID, domain.ErrExecutionInProgress)
	}
	defer e.sells.Release(key)

	release, err := e.acquire(ctx, userID)
	if err != nil {
		return domain.Sale{}, err
	}
	defer release()

	bid, err := e.bestBid(ctx, tokenID)
	if err != nil {
		return domain.Sale{}, fmt.Errorf("executor: market sell %s: %w", tokenID, err)
	}
	price := domain.FloorTick(bid)
	if !price.IsPositive() {
		return domain.Sale{}, fmt.Errorf("executor: market sell %s: best bid %s is below one tick: %w", tokenID, bid.String(), domain.ErrPriceUnavailable)
	}

	placed, err := e.place(ctx, userID, domain.OrderRequest{
		TokenID:     tokenID,
		Side:        domain.OrderSideSell,
		Price:       price,
		Size:        size,
		TimeInForce: domain.OrderTypeFOK,
		NegRisk:     negRisk,
	})
	if err != nil {
		return domain.Sale{}, fmt.Errorf("executor: market sell %s: %w", tokenID, err)
	}

	sold := size
	if placed.SizeFilled.IsPositive() {
		sold = placed.SizeFilled
	}
	sale := domain.Sale{
		OrderID:  placed.OrderID,
		Price:    price,
		Size:     sold,
		Proceeds: sold.Mul(price),
	}
	e.logger.InfoContext(ctx, "market sell filled",
		slog.String("user_id", userID),
		slog.String("token_id", tokenID),
		slog.String("order_id", sale.OrderID),
		slog.String("price", sale.Price.String()),
		slog.String("size", sale.Size.String()),
	)
	return sale, nil
}

// PlaceLimitOrder rests an order on the book and returns the venue ack.
func (e *Executor) PlaceLimitOrder(ctx context.Context, userID string, req domain.OrderRequest) (domain.PlacedOrder, error) {
	price, err := domain.ValidateOutcomePrice("price", req.Price)
	if err != nil {
		return domain.PlacedOrder{}, err
	}
	req.Price = price
	if !req.Size.Truncate(2).IsPositive() {
		return domain.PlacedOrder{}, domain.Invalid("size", "must be at least 0.01")
	}
	if req.TimeInForce == "" {
		req.TimeInForce = domain.OrderTypeGTC
	}

	release, err := e.acquire(ctx, userID)
	if err != nil {
		return domain.PlacedOrder{}, err
	}
	defer release()

	placed, err := e.place(ctx, userID, req)
	if err != nil {
		return domain.PlacedOrder{}, fmt.Errorf("executor: place limit order: %w", err)
	}
	e.logger.InfoContext(ctx, "limit order placed",
		slog.String("user_id", userID),
		slog.String("token_id", req.TokenID),
		slog.String("order_id", placed.OrderID),
		slog.String("side", string(req.Side)),
		slog.String("price", req.Price.String()),
	)
	return placed, nil
}

// CancelOrder cancels externalID. Cancelling an order that is already
// cancelled or filled succeeds with a no-op outcome.
func (e *Executor) CancelOrder(ctx context.Context, userID, externalID string) (domain.CancelOutcome, error) {
	release, err := e.acquire(ctx, userID)
	if err != nil {
		return "", err
	}
	defer release()

	out, err := e.cancel(ctx, userID, externalID)
	if err != nil {
		return "", fmt.Errorf("executor: cancel order %s: %w", externalID, err)
	}
	return out, nil
}

// EditOrder replaces externalID with an order at newPrice for the remaining
// size and the same side.
func (e *Executor) EditOrder(ctx context.Context, userID, externalID string, newPrice decimal.Decimal, negRisk bool) (EditResult, error) {
	price, err := domain.ValidateOutcomePrice("price", newPrice)
	if err != nil {
		return EditResult{}, err
	}

	release, err := e.acquire(ctx, userID)
	if err != nil {
		return EditResult{}, err
	}
	defer release()

	res := EditResult{OldOrderID: externalID, Price: price}
	current, err := e.getOrder(ctx, userID, externalID)
	if err != nil {
		return res, fmt.Errorf("executor: edit order %s: %w", externalID, err)
	}
	switch {
	case current.Status == domain.OrderStatusMatched, !current.Remaining().IsPositive():
		return res, fmt.Errorf("executor: edit order %s: %w", externalID, domain.ErrOrderFilled)
	case current.Status == domain.OrderStatusCancelled:
		return res, domain.Invalid("order", "order %s is already cancelled", externalID)
	}
	res.Side = current.Side
	res.Size = current.Remaining()

	out, err := e.cancel(ctx, userID, externalID)
	if err != nil {
		return res, fmt.Errorf("executor: edit order %s: cancel: %w", externalID, err)
	}
	if out == domain.CancelOutcomeAlreadyFilled {
		return res, fmt.Errorf("executor: edit order %s: %w", externalID, domain.ErrOrderFilled)
	}
	res.Cancelled = true

	placed, err := e.place(ctx, userID, domain.OrderRequest{
		TokenID:     current.TokenID,
		Side:        current.Side,
		Price:       price,
		Size:        res.Size,
		TimeInForce: current.Type.TimeInForce(),
		NegRisk:     negRisk,
	})
	if err != nil {
		return res, fmt.Errorf("executor: edit order %s: replace: %w", externalID, err)
	}
	res.NewOrderID = placed.OrderID

	e.logger.InfoContext(ctx, "order edited",
		slog.String("user_id", userID),
		slog.String("old_order_id", externalID),
		slog.String("new_order_id", placed.OrderID),
		slog.String("price", price.String()),
		slog.String("size", res.Size.String()),
	)
	return res, nil
}

// GetOrder reads one venue order, retrying transient failures.
func (e *Executor) GetOrder(ctx context.Context, userID, externalID string) (domain.Order, error) {
	release, err := e.acquire(ctx, userID)
	if err != nil {
		return domain.Order{}, err
	}
	defer release()
	return e.getOrder(ctx, userID, externalID)
}

// OpenOrders lists the user's open venue orders, retrying transient failures.
func (e *Executor) OpenOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	release, err := e.acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	sr, err := e.sign(ctx, userID, func(c polymarket.Credentials) (polymarket.SignedRequest, error) {
		return e.venue.PrepareOpenOrders(c)
	})
	if err != nil {
		return nil, err
	}
	var orders []domain.Order
	err = e.retryRead(ctx, "open orders", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
		defer cancel()
		var err error
		orders, err = e.venue.OpenOrders(ctx, sr)
		return err
	})
	return orders, err
}

// --------------------------------------------------------------------------
// Internal helpers (caller holds the user gate)
// --------------------------------------------------------------------------

func (e *Executor) gate(userID string) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.gates[userID]
	if !ok {
		g = semaphore.NewWeighted(int64(e.cfg.PerUserConcurrency))
		e.gates[userID] = g
	}
	return g
}

func (e *Executor) acquire(ctx context.Context, userID string) (func(), error) {
	g := e.gate(userID)
	if err := g.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("executor: wait for gate: %w", err)
	}
	return func() { g.Release(1) }, nil
}

// sign builds a request inside a reveal scope. The secret is wiped before
// sign returns, so nothing network-bound runs while it is decrypted.
func (e *Executor) sign(ctx context.Context, userID string, build func(polymarket.Credentials) (polymarket.SignedRequest, error)) (polymarket.SignedRequest, error) {
	var sr polymarket.SignedRequest
	err := e.vault.Reveal(ctx, userID, func(s *vault.Secret) error {
		var err error
		sr, err = build(s)
		return err
	})
	return sr, err
}

func (e *Executor) place(ctx context.Context, userID string, req domain.OrderRequest) (domain.PlacedOrder, error) {
	sr, err := e.sign(ctx, userID, func(c polymarket.Credentials) (polymarket.SignedRequest, error) {
		return e.venue.PrepareOrder(c, req)
	})
	if err != nil {
		return domain.PlacedOrder{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()
	// Never retried: a resubmission could double the position change.
	return e.venue.PostOrder(ctx, sr)
}

func (e *Executor) cancel(ctx context.Context, userID, externalID string) (domain.CancelOutcome, error) {
	sr, err := e.sign(ctx, userID, func(c polymarket.Credentials) (polymarket.SignedRequest, error) {
		return e.venue.PrepareCancel(c, externalID)
	})
	if err != nil {
		return "", err
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	out, cancelErr := e.venue.Cancel(cctx, sr)
	cancel()
	if cancelErr == nil {
		return out, nil
	}
	if !errors.Is(cancelErr, domain.ErrVenueRejected) && !errors.Is(cancelErr, domain.ErrNotFound) {
		return "", cancelErr
	}

	// The venue refused without saying why; its view of the order decides.
	o, err := e.getOrder(ctx, userID, externalID)
	if err != nil {
		return "", cancelErr
	}
	switch o.Status {
	case domain.OrderStatusMatched:
		return domain.CancelOutcomeAlreadyFilled, nil
	case domain.OrderStatusCancelled:
		return domain.CancelOutcomeAlreadyCancelled, nil
	default:
		return "", cancelErr
	}
}

func (e *Executor) getOrder(ctx context.Context, userID, externalID string) (domain.Order, error) {
	sr, err := e.sign(ctx, userID, func(c polymarket.Credentials) (polymarket.SignedRequest, error) {
		return e.venue.PrepareGetOrder(c, externalID)
	})
	if err != nil {
		return domain.Order{}, err
	}
	var o domain.Order
	err = e.retryRead(ctx, "get order", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
		defer cancel()
		var err error
		o, err = e.venue.GetOrder(ctx, sr)
		return err
	})
	return o, err
}

func (e *Executor) bestBid(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	var bid decimal.Decimal
	err := e.retryRead(ctx, "best bid", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.PriceTimeout)
		defer cancel()
		var err error
		bid, err = e.venue.BestBid(ctx, tokenID)
		return err
	})
	return bid, err
}

// retryRead runs fn up to ReadRetries extra times on network failures with
// doubling backoff. Only idempotent reads go through here.
func (e *Executor) retryRead(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := e.cfg.RetryBackoff
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, domain.ErrNetwork) || attempt >= e.cfg.ReadRetries {
			return err
		}
		e.logger.DebugContext(ctx, "retrying read",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
}
