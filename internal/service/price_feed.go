package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// PriceSource reads the executable price of a token from the venue.
type PriceSource interface {
	BestBid(ctx context.Context, tokenID string) (decimal.Decimal, error)
}

// PriceFeed serves prices from the cache and falls back to one venue read
// per token when the cached quote is older than maxAge. Concurrent misses
// for the same token share a single read.
type PriceFeed struct {
	cache   domain.PriceCache
	source  PriceSource
	maxAge  time.Duration
	timeout time.Duration
	group   singleflight.Group
	logger  *slog.Logger
	now     func() time.Time
}

// NewPriceFeed creates a PriceFeed. A nil source serves the cache only.
func NewPriceFeed(cache domain.PriceCache, source PriceSource, maxAge, timeout time.Duration, logger *slog.Logger) *PriceFeed {
	return &PriceFeed{
		cache:   cache,
		source:  source,
		maxAge:  maxAge,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "price_feed")),
		now:     time.Now,
	}
}

// GetPrice returns the latest quote for tokenID, or ErrPriceUnavailable.
func (f *PriceFeed) GetPrice(ctx context.Context, tokenID string) (domain.PriceQuote, error) {
	q, err := f.cache.GetPrice(ctx, tokenID)
	if err == nil && q.Fresh(f.now(), f.maxAge) {
		return q, nil
	}
	if err != nil && !errors.Is(err, domain.ErrPriceUnavailable) {
		f.logger.WarnContext(ctx, "price cache read failed",
			slog.String("token_id", tokenID),
			slog.String("error", err.Error()),
		)
	}
	if f.source == nil {
		if err == nil {
			return q, nil
		}
		return domain.PriceQuote{}, domain.ErrPriceUnavailable
	}

	v, ferr, _ := f.group.Do(tokenID, func() (any, error) {
		readCtx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		price, err := f.source.BestBid(readCtx, tokenID)
		if err != nil {
			return nil, err
		}
		fetched := domain.PriceQuote{Price: price, AsOf: f.now().UTC()}
		if err := f.cache.SetPrice(ctx, tokenID, price, fetched.AsOf); err != nil {
			f.logger.WarnContext(ctx, "price cache write failed",
				slog.String("token_id", tokenID),
				slog.String("error", err.Error()),
			)
		}
		return fetched, nil
	})
	if ferr != nil {
		if err == nil {
			// An old quote is still a quote; freshness is the caller's call.
			return q, nil
		}
		if errors.Is(ferr, domain.ErrPriceUnavailable) {
			return domain.PriceQuote{}, ferr
		}
		return domain.PriceQuote{}, fmt.Errorf("price_feed: %s: %w", tokenID, ferr)
	}
	return v.(domain.PriceQuote), nil
}

var _ domain.PriceFeed = (*PriceFeed)(nil)
