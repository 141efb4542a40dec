package redis

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "polyguard:price:123", priceKey("123"))
	assert.Equal(t, "polyguard:lock:stoploss:cycle", lockKey("stoploss:cycle"))
	assert.Equal(t, "polyguard:ratelimit:u1", rateLimitKey("u1"))
	assert.Equal(t, "polyguard:market:0xabc", marketKey("0xabc"))
	assert.Equal(t, "polyguard:market:token:42", marketTokenKey("42"))
}

func TestDecodeQuote(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("valid", func(t *testing.T) {
		q, err := decodeQuote("t", map[string]string{
			"price": "0.42",
			"ts":    "1772366400000000000",
		})
		require.NoError(t, err)
		assert.True(t, q.Price.Equal(decimal.RequireFromString("0.42")))
		assert.True(t, q.AsOf.Equal(ts))
	})

	t.Run("missing", func(t *testing.T) {
		_, err := decodeQuote("t", map[string]string{})
		assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
	})

	t.Run("garbage price", func(t *testing.T) {
		_, err := decodeQuote("t", map[string]string{"price": "x", "ts": "1"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrPriceUnavailable)
	})
}

func TestHasPattern(t *testing.T) {
	assert.False(t, hasPattern(domain.EventsChannel))
	assert.True(t, hasPattern("polyguard:*"))
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	assert.Contains(t, slidingWindowLua, "ZREMRANGEBYSCORE")
	assert.Contains(t, slidingWindowLua, "ZADD")
}
