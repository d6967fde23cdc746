package graphrelay

import (
	"context"
	"sync"
	"time"
)

// NoExpiry requests a cache entry that never expires. It is distinct from a
// zero TTL, which means "use the configured default".
const NoExpiry time.Duration = -1

// DedupCache is the keyed expiring store backing the reconciler. It is the
// only state shared across concurrent webhook deliveries. Visibility is
// eventually consistent: there is no compare-and-swap, so two near
// simultaneous Puts for the same key can both win. That race is accepted; it
// widens the debounce at worst.
type DedupCache interface {
	Get(ctx context.Context, key string) (payload string, found bool, err error)
	Put(ctx context.Context, key, payload string, ttl time.Duration) error
}

type memoryCacheEntry struct {
	payload string
	// zero expiresAt means the entry never expires
	expiresAt time.Time
}

type MemoryDedupCache struct {
	mu      sync.Mutex
	entries map[string]memoryCacheEntry
	now     func() time.Time
}

func NewMemoryDedupCache() *MemoryDedupCache {
	return &MemoryDedupCache{
		entries: map[string]memoryCacheEntry{},
		now:     time.Now,
	}
}

func (c *MemoryDedupCache) Get(ctx context.Context, key string) (string, bool, error) {
	if c == nil || key == "" {
		return "", false, nil
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
		delete(c.entries, key)
		return "", false, nil
	}
	return entry.payload, true, nil
}

func (c *MemoryDedupCache) Put(ctx context.Context, key, payload string, ttl time.Duration) error {
	if c == nil || key == "" {
		return ErrInvalidInput
	}
	now := c.now()
	entry := memoryCacheEntry{payload: payload}
	if ttl != NoExpiry {
		if ttl <= 0 {
			ttl = defaultDebounceTTL
		}
		entry.expiresAt = now.Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	c.entries[key] = entry
	return nil
}

func (c *MemoryDedupCache) pruneLocked(now time.Time) {
	for key, entry := range c.entries {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

func (c *MemoryDedupCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
