package factcheck

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/ent0n29/cj/internal/faults"
)

const (
	DefaultCacheTTL        = 300 * time.Second
	DefaultCacheMaxEntries = 100
)

// Cache stores reports by cache key. A returned error is a *faults.CacheFault
// and the caller proceeds as on a miss.
type Cache interface {
	Get(ctx context.Context, key string) (*Report, bool, error)
	Add(ctx context.Context, key string, rep *Report) error
}

// MemoryCache is the in-process tier. Entries expire after the TTL or are
// evicted least recently used beyond the size limit, whichever comes first.
// Hits return the stored pointer.
type MemoryCache struct {
	lru *expirable.LRU[string, *Report]
}

func NewMemoryCache(maxEntries int, ttl time.Duration) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{lru: expirable.NewLRU[string, *Report](maxEntries, nil, ttl)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*Report, bool, error) {
	rep, ok := c.lru.Get(key)
	return rep, ok, nil
}

func (c *MemoryCache) Add(_ context.Context, key string, rep *Report) error {
	c.lru.Add(key, rep)
	return nil
}

func (c *MemoryCache) Len() int { return c.lru.Len() }

// RedisCache shares reports across replicas as JSON values with a TTL.
type RedisCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client redis.Cmdable, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "cj:verify:"
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Report, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &faults.CacheFault{Tier: "redis", Op: "get", Err: err}
	}
	var rep Report
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, false, &faults.CacheFault{Tier: "redis", Op: "decode", Err: err}
	}
	return &rep, true, nil
}

func (c *RedisCache) Add(ctx context.Context, key string, rep *Report) error {
	raw, err := json.Marshal(rep)
	if err != nil {
		return &faults.CacheFault{Tier: "redis", Op: "encode", Err: err}
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, c.ttl).Err(); err != nil {
		return &faults.CacheFault{Tier: "redis", Op: "set", Err: err}
	}
	return nil
}

// TieredCache reads memory first, then the shared tier, promoting shared hits
// into memory. A shared-tier fault never hides the memory tier.
type TieredCache struct {
	local  *MemoryCache
	shared Cache
}

func NewTieredCache(local *MemoryCache, shared Cache) *TieredCache {
	return &TieredCache{local: local, shared: shared}
}

func (c *TieredCache) Get(ctx context.Context, key string) (*Report, bool, error) {
	if rep, ok, _ := c.local.Get(ctx, key); ok {
		return rep, true, nil
	}
	if c.shared == nil {
		return nil, false, nil
	}
	rep, ok, err := c.shared.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	_ = c.local.Add(ctx, key, rep)
	return rep, true, nil
}

func (c *TieredCache) Add(ctx context.Context, key string, rep *Report) error {
	_ = c.local.Add(ctx, key, rep)
	if c.shared == nil {
		return nil
	}
	return c.shared.Add(ctx, key, rep)
}
