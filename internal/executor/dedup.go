package executor

import (
	"sync"
	"time"
)

// Dedup tracks keys with an operation in flight so the same sell is never
// submitted twice concurrently. Entries expire after ttl in case a holder
// never releases. It is safe for concurrent use.
type Dedup struct {
	held map[string]time.Time // key -> claimed at
	ttl  time.Duration
	mu   sync.Mutex
	now  func() time.Time
}

// NewDedup creates a Dedup whose claims lapse after ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		held: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Claim records key and reports true, or reports false when key is already
// held and has not expired.
func (d *Dedup) Claim(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.held[key]; ok && now.Sub(at) < d.ttl {
		return false
	}
	d.held[key] = now
	return true
}

// Release drops key.
func (d *Dedup) Release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.held, key)
}

// Cleanup removes entries that have expired beyond the TTL.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for key, at := range d.held {
		if now.Sub(at) >= d.ttl {
			delete(d.held, key)
		}
	}
}
