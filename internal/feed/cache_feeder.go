package feed

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/platform/polymarket"
)

var one = decimal.NewFromInt(1)

// CacheFeeder writes streamed ticks into the price cache the stop-loss
// monitor reads from.
type CacheFeeder struct {
	cache   domain.PriceCache
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	written atomic.Int64
	dropped atomic.Int64
}

// NewCacheFeeder creates a CacheFeeder. timeout bounds each cache write.
func NewCacheFeeder(cache domain.PriceCache, timeout time.Duration, logger *slog.Logger) *CacheFeeder {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &CacheFeeder{
		cache:   cache,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "cache_feeder")),
		now:     time.Now,
	}
}

// Handle stores one tick. Ticks outside the open interval (0, 1) are not
// outcome prices and are dropped.
func (f *CacheFeeder) Handle(t polymarket.Tick) {
	tokenID := strings.TrimSpace(t.TokenID)
	if tokenID == "" || !t.Price.IsPositive() || !t.Price.LessThan(one) {
		f.dropped.Add(1)
		return
	}
	at := t.At
	if at.IsZero() {
		at = f.now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	if err := f.cache.SetPrice(ctx, tokenID, t.Price, at.UTC()); err != nil {
		f.dropped.Add(1)
		f.logger.Debug("price cache write failed",
			slog.String("token_id", tokenID),
			slog.String("error", err.Error()),
		)
		return
	}
	f.written.Add(1)
}

// Stats returns how many ticks were written and dropped.
func (f *CacheFeeder) Stats() (written, dropped int64) {
	return f.written.Load(), f.dropped.Load()
}
