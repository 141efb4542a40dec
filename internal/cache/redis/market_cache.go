package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// DefaultMarketTTL outlives one catalog sync interval.
const DefaultMarketTTL = 30 * time.Minute

// MarketCache implements domain.MarketCache using JSON strings with a
// secondary token index.
//
// Key schema:
//
//	polyguard:market:{hashID}          - JSON encoded MarketInfo
//	polyguard:market:token:{tokenID}   - hash id owning the token
type MarketCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewMarketCache creates a MarketCache backed by the given Client.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = DefaultMarketTTL
	}
	return &MarketCache{rdb: c.Underlying(), ttl: ttl}
}

func marketKey(hashID string) string       { return key("market", hashID) }
func marketTokenKey(tokenID string) string { return key("market", "token", tokenID) }

// Set stores market metadata and indexes each of its token ids.
func (mc *MarketCache) Set(ctx context.Context, info domain.MarketInfo) error {
	if info.HashID == "" {
		return domain.Invalid("market", "hash id is required")
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", info.HashID, err)
	}

	pipe := mc.rdb.TxPipeline()
	pipe.Set(ctx, marketKey(info.HashID), data, mc.ttl)
	for _, tokenID := range info.TokenIDs {
		if tokenID == "" {
			continue
		}
		pipe.Set(ctx, marketTokenKey(tokenID), info.HashID, mc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set market %s: %w", info.HashID, err)
	}
	return nil
}

// Get returns market metadata by hash id, or domain.ErrNotFound.
func (mc *MarketCache) Get(ctx context.Context, hashID string) (domain.MarketInfo, error) {
	data, err := mc.rdb.Get(ctx, marketKey(hashID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.MarketInfo{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.MarketInfo{}, fmt.Errorf("redis: get market %s: %w", hashID, err)
	}

	var info domain.MarketInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return domain.MarketInfo{}, fmt.Errorf("redis: unmarshal market %s: %w", hashID, err)
	}
	return info, nil
}

// GetByToken resolves a token id through the index, or domain.ErrNotFound.
func (mc *MarketCache) GetByToken(ctx context.Context, tokenID string) (domain.MarketInfo, error) {
	hashID, err := mc.rdb.Get(ctx, marketTokenKey(tokenID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.MarketInfo{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.MarketInfo{}, fmt.Errorf("redis: get market by token %s: %w", tokenID, err)
	}
	return mc.Get(ctx, hashID)
}

// Compile-time interface check.
var _ domain.MarketCache = (*MarketCache)(nil)
