// Package local implements the cache interfaces in process for single-node
// deployments and tests. Every type is safe for concurrent use.
package local

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// PriceCache keeps the latest quote per token. Older observations never
// replace newer ones and entries older than ttl read as unavailable.
type PriceCache struct {
	mu     sync.RWMutex
	quotes map[string]domain.PriceQuote
	ttl    time.Duration
	now    func() time.Time
}

// NewPriceCache creates a PriceCache. A zero ttl keeps entries forever.
func NewPriceCache(ttl time.Duration) *PriceCache {
	return &PriceCache{
		quotes: make(map[string]domain.PriceQuote),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (c *PriceCache) SetPrice(_ context.Context, tokenID string, price decimal.Decimal, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.quotes[tokenID]; ok && cur.AsOf.After(ts) {
		return nil
	}
	c.quotes[tokenID] = domain.PriceQuote{Price: price, AsOf: ts}
	return nil
}

func (c *PriceCache) GetPrice(_ context.Context, tokenID string) (domain.PriceQuote, error) {
	c.mu.RLock()
	q, ok := c.quotes[tokenID]
	c.mu.RUnlock()
	if !ok {
		return domain.PriceQuote{}, domain.ErrPriceUnavailable
	}
	if c.ttl > 0 && c.now().Sub(q.AsOf) > c.ttl {
		return domain.PriceQuote{}, domain.ErrPriceUnavailable
	}
	return q, nil
}

// MarketCache keeps market metadata by hash id with a token index.
type MarketCache struct {
	mu      sync.RWMutex
	byHash  map[string]domain.MarketInfo
	byToken map[string]string
}

func NewMarketCache() *MarketCache {
	return &MarketCache{
		byHash:  make(map[string]domain.MarketInfo),
		byToken: make(map[string]string),
	}
}

func (c *MarketCache) Set(_ context.Context, info domain.MarketInfo) error {
	if info.HashID == "" {
		return domain.Invalid("market", "hash id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byHash[info.HashID] = info
	for _, t := range info.TokenIDs {
		if t != "" {
			c.byToken[t] = info.HashID
		}
	}
	return nil
}

func (c *MarketCache) Get(_ context.Context, hashID string) (domain.MarketInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.byHash[hashID]
	if !ok {
		return domain.MarketInfo{}, domain.ErrNotFound
	}
	return info, nil
}

func (c *MarketCache) GetByToken(ctx context.Context, tokenID string) (domain.MarketInfo, error) {
	c.mu.RLock()
	hashID, ok := c.byToken[tokenID]
	c.mu.RUnlock()
	if !ok {
		return domain.MarketInfo{}, domain.ErrNotFound
	}
	return c.Get(ctx, hashID)
}

// LockManager hands out keyed leases. A lease whose ttl has passed can be
// taken over by the next caller, like its Redis counterpart.
type LockManager struct {
	mu   sync.Mutex
	held map[string]lease
	seq  uint64
	now  func() time.Time
}

type lease struct {
	id      uint64
	expires time.Time
}

func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]lease), now: time.Now}
}

func (m *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.held[key]; ok && now.Before(l.expires) {
		return nil, domain.ErrLockHeld
	}
	m.seq++
	id := m.seq
	m.held[key] = lease{id: id, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if l, ok := m.held[key]; ok && l.id == id {
				delete(m.held, key)
			}
		})
	}, nil
}

// RateLimiter is a sliding-window limiter keyed by caller.
type RateLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{hits: make(map[string][]time.Time), now: time.Now}
}

func (r *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-window)
	hits := r.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) >= limit {
		r.hits[key] = hits
		return false, nil
	}
	r.hits[key] = append(hits, now)
	return true, nil
}

// EventBus fans payloads out to in-process subscribers. A slow subscriber
// drops messages instead of blocking publishers.
type EventBus struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string]map[chan []byte]struct{})}
}

func (b *EventBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (b *EventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[channel], ch)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

var (
	_ domain.PriceCache  = (*PriceCache)(nil)
	_ domain.MarketCache = (*MarketCache)(nil)
	_ domain.LockManager = (*LockManager)(nil)
	_ domain.RateLimiter = (*RateLimiter)(nil)
	_ domain.EventBus    = (*EventBus)(nil)
)
