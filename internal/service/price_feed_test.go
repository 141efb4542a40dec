package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/cache/local"
	"github.com/alanyoungcy/polyguard/internal/domain"
)

type countingSource struct {
	bid   decimal.Decimal
	err   error
	calls atomic.Int32
}

func (s *countingSource) BestBid(context.Context, string) (decimal.Decimal, error) {
	s.calls.Add(1)
	return s.bid, s.err
}

func TestPriceFeedFreshHitSkipsSource(t *testing.T) {
	ctx := context.Background()
	cache := local.NewPriceCache(time.Hour)
	src := &countingSource{bid: d("0.10")}
	feed := NewPriceFeed(cache, src, 10*time.Second, time.Second, discard())
	require.NoError(t, cache.SetPrice(ctx, "tok", d("0.42"), time.Now()))

	q, err := feed.GetPrice(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("0.42")))
	assert.Zero(t, src.calls.Load())
}

func TestPriceFeedRefreshesStaleQuote(t *testing.T) {
	ctx := context.Background()
	cache := local.NewPriceCache(time.Hour)
	src := &countingSource{bid: d("0.37")}
	feed := NewPriceFeed(cache, src, 10*time.Second, time.Second, discard())
	require.NoError(t, cache.SetPrice(ctx, "tok", d("0.42"), time.Now().Add(-time.Minute)))

	q, err := feed.GetPrice(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("0.37")))
	assert.True(t, q.Fresh(time.Now(), 10*time.Second))
	assert.EqualValues(t, 1, src.calls.Load())

	cached, err := cache.GetPrice(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, cached.Price.Equal(d("0.37")))
}

func TestPriceFeedFallsBackToStaleQuote(t *testing.T) {
	ctx := context.Background()
	cache := local.NewPriceCache(time.Hour)
	src := &countingSource{err: fmt.Errorf("polymarket/clob: book: %w", domain.ErrTimeout)}
	feed := NewPriceFeed(cache, src, 10*time.Second, time.Second, discard())
	old := time.Now().Add(-time.Minute)
	require.NoError(t, cache.SetPrice(ctx, "tok", d("0.42"), old))

	q, err := feed.GetPrice(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("0.42")))
	assert.False(t, q.Fresh(time.Now(), 10*time.Second), "staleness is left to the caller")
}

func TestPriceFeedUnavailable(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{err: fmt.Errorf("polymarket/clob: book: %w", domain.ErrNetwork)}
	feed := NewPriceFeed(local.NewPriceCache(time.Hour), src, 10*time.Second, time.Second, discard())

	_, err := feed.GetPrice(ctx, "tok")
	assert.ErrorIs(t, err, domain.ErrNetwork)

	bare := NewPriceFeed(local.NewPriceCache(time.Hour), nil, 10*time.Second, time.Second, discard())
	_, err = bare.GetPrice(ctx, "tok")
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
}
