package recommend

import (
	"context"
	"sync"
	"time"

	redisclient "github.com/hackgods/clinic-scheduling-core/internal/redis"
)

// Entry is a cached recommendation list with its own expiry.
type Entry struct {
	Candidates []Candidate `json:"candidates"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

type Cache interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) error
}

type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Entry)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

// Set stores e. Stale entries are left for the reader to reject; Purge drops them.
func (c *MemoryCache) Set(_ context.Context, key string, e Entry, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = e
	return nil
}

// Purge removes entries that expired before now.
func (c *MemoryCache) Purge(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !e.ExpiresAt.After(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// RedisCache keeps entries as JSON; the Redis TTL is a second guard behind
// the recorded expiry.
type RedisCache struct {
	store *redisclient.JSONCache
}

func NewRedisCache(store *redisclient.JSONCache) *RedisCache {
	return &RedisCache{store: store}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Entry, bool, error) {
	var e Entry
	ok, err := c.store.Get(ctx, key, &e)
	if err != nil || !ok {
		return nil, false, err
	}
	return &e, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	return c.store.Set(ctx, key, e, ttl)
}
