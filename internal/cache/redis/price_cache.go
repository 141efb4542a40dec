package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each token is
// stored at "polyguard:price:{tokenID}" with fields "price" (decimal string)
// and "ts" (Unix nanoseconds). Entries expire after ttl so a dead feed reads
// as unavailable rather than stale forever.
type PriceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache backed by the given Client. A zero ttl
// keeps entries until overwritten.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), ttl: ttl}
}

func priceKey(tokenID string) string {
	return key("price", tokenID)
}

// SetPrice stores the latest price for a token. An older observation never
// replaces a newer one.
func (pc *PriceCache) SetPrice(ctx context.Context, tokenID string, price decimal.Decimal, ts time.Time) error {
	k := priceKey(tokenID)
	err := setIfNewer.Run(ctx, pc.rdb, []string{k},
		price.String(), ts.UnixNano(), pc.ttl.Milliseconds(),
	).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis: set price %s: %w", tokenID, err)
	}
	return nil
}

// GetPrice returns the latest price of a token, or ErrPriceUnavailable.
func (pc *PriceCache) GetPrice(ctx context.Context, tokenID string) (domain.PriceQuote, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(tokenID)).Result()
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: get price %s: %w", tokenID, err)
	}
	return decodeQuote(tokenID, vals)
}

// GetPrices returns the latest prices for several tokens in one round trip.
// Tokens without a price are omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, tokenIDs []string) (map[string]domain.PriceQuote, error) {
	out := make(map[string]domain.PriceQuote, len(tokenIDs))
	if len(tokenIDs) == 0 {
		return out, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(tokenIDs))
	for _, id := range tokenIDs {
		cmds[id] = pipe.HGetAll(ctx, priceKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	for id, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if q, err := decodeQuote(id, vals); err == nil {
			out[id] = q
		}
	}
	return out, nil
}

func decodeQuote(tokenID string, vals map[string]string) (domain.PriceQuote, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return domain.PriceQuote{}, domain.ErrPriceUnavailable
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: parse price %s: %w", tokenID, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: parse ts %s: %w", tokenID, err)
	}
	return domain.PriceQuote{Price: price, AsOf: time.Unix(0, tsNano).UTC()}, nil
}

// setIfNewer writes price and ts unless the stored ts is newer.
// KEYS[1] = price key, ARGV = price, ts nanos, ttl millis.
var setIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) > tonumber(ARGV[2]) then
    return 0
end
redis.call('HSET', KEYS[1], 'price', ARGV[1], 'ts', ARGV[2])
if tonumber(ARGV[3]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
