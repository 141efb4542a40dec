package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceQuote is a price observation with the time it was observed.
type PriceQuote struct {
	Price decimal.Decimal
	AsOf  time.Time
}

// Fresh reports whether the quote is no older than maxAge at now.
func (q PriceQuote) Fresh(now time.Time, maxAge time.Duration) bool {
	return !q.AsOf.IsZero() && now.Sub(q.AsOf) <= maxAge
}

// PriceFeed is the live price source. It returns ErrPriceUnavailable when no
// price is known for the token.
type PriceFeed interface {
	GetPrice(ctx context.Context, tokenID string) (PriceQuote, error)
}

// PriceCache provides fast access to the latest prices.
type PriceCache interface {
	SetPrice(ctx context.Context, tokenID string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, tokenID string) (PriceQuote, error)
}

// MarketCache provides fast market metadata lookups keyed by hash id.
type MarketCache interface {
	Set(ctx context.Context, info MarketInfo) error
	Get(ctx context.Context, hashID string) (MarketInfo, error)
	GetByToken(ctx context.Context, tokenID string) (MarketInfo, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides mutual exclusion keyed by string. Acquire fails with
// ErrLockHeld when another holder owns the key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// EventBus publishes rule and order events for live subscribers.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Event is the payload published on the EventBus.
type Event struct {
	Type       string         `json:"type"`
	UserID     string         `json:"user_id"`
	PositionID string         `json:"position_id,omitempty"`
	OrderID    string         `json:"order_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}

// EventsChannel is the bus channel carrying Event payloads.
const EventsChannel = "polyguard:events"

// Event types. The notify.events config selects which of them alert.
const (
	EventStopLossSet         = "sl_set"
	EventStopLossUpdated     = "sl_updated"
	EventStopLossRemoved     = "sl_removed"
	EventStopLossExecuted    = "sl_executed"
	EventStopLossRetry       = "sl_retry"
	EventStopLossFailed      = "sl_failed"
	EventStopLossUnconfirmed = "sl_unconfirmed"
	EventTakeProfitPlaced    = "tp_placed"
	EventTakeProfitEdited    = "tp_edited"
	EventTakeProfitCancelled = "tp_cancelled"
	EventTakeProfitFilled    = "tp_filled"
	EventMarketSell          = "market_sell"
	EventOrderEdited         = "order_edited"
	EventOrderCancelled      = "order_cancelled"
	EventPositionsSynced     = "positions_synced"
	EventOrdersSynced        = "orders_synced"
	EventCredentialsStored   = "credentials_stored"
)
