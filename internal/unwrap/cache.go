package unwrap

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	adpconfig "github.com/thenexusengine/tne_addecision/internal/config"
	"github.com/thenexusengine/tne_addecision/pkg/logger"
	"github.com/thenexusengine/tne_addecision/pkg/redis"
)

// CacheStats is the read-only cache view exposed for operational visibility
type CacheStats struct {
	Size int           `json:"size"`
	TTL  time.Duration `json:"ttl_ms"`
}

// Cache stores unwrap results keyed by original URL with a TTL
type Cache interface {
	Get(ctx context.Context, url string) (*Result, bool)
	Set(ctx context.Context, url string, result *Result)
	Stats(ctx context.Context) CacheStats
}

// MemoryCache is the default in-process cache with lazy expiry
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	result   *Result
	storedAt time.Time
}

// NewMemoryCache creates a memory cache; ttl <= 0 uses the default
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = adpconfig.UnwrapCacheTTL
	}
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns a cached result younger than the TTL
func (c *MemoryCache) Get(_ context.Context, url string) (*Result, bool) {
	c.mu.RLock()
	entry, ok := c.entries[url]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if c.now().Sub(entry.storedAt) >= c.ttl {
		c.mu.Lock()
		// Re-check under the write lock; a fresher Set may have replaced it
		if cur, ok := c.entries[url]; ok && c.now().Sub(cur.storedAt) >= c.ttl {
			delete(c.entries, url)
		}
		c.mu.Unlock()
		return nil, false
	}

	return entry.result, true
}

// Set stores a result under the original URL
func (c *MemoryCache) Set(_ context.Context, url string, result *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[url] = memoryEntry{result: result, storedAt: c.now()}
}

// Stats returns the current size and configured TTL
func (c *MemoryCache) Stats(_ context.Context) CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{Size: len(c.entries), TTL: c.ttl}
}

// RedisCache stores unwrap results as JSON blobs with a native TTL,
// letting multiple decision instances share unwrap work
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// redisKeyPrefix namespaces unwrap entries in a shared database
const redisKeyPrefix = "unwrap:"

// NewRedisCache creates a Redis-backed cache; ttl <= 0 uses the default
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = adpconfig.UnwrapCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Get fetches and decodes a cached result. Redis failures degrade to a miss.
func (c *RedisCache) Get(ctx context.Context, url string) (*Result, bool) {
	raw, found, err := c.client.Get(ctx, redisKeyPrefix+url)
	if err != nil {
		lg := logger.Unwrap()
		lg.Warn().Err(err).Msg("cache read failed, treating as miss")
		return nil, false
	}
	if !found {
		return nil, false
	}

	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		lg := logger.Unwrap()
		lg.Warn().Err(err).Str("url", url).Msg("corrupt cache entry, treating as miss")
		return nil, false
	}
	return &result, true
}

// Set encodes and stores a result. Redis failures are logged and dropped.
func (c *RedisCache) Set(ctx context.Context, url string, result *Result) {
	data, err := json.Marshal(result)
	if err != nil {
		lg := logger.Unwrap()
		lg.Warn().Err(err).Msg("failed to encode unwrap result for cache")
		return
	}
	if err := c.client.Set(ctx, redisKeyPrefix+url, string(data), c.ttl); err != nil {
		lg := logger.Unwrap()
		lg.Warn().Err(err).Msg("cache write failed")
	}
}

// Stats returns the database key count and configured TTL
func (c *RedisCache) Stats(ctx context.Context) CacheStats {
	size, err := c.client.DBSize(ctx)
	if err != nil {
		size = 0
	}
	return CacheStats{Size: int(size), TTL: c.ttl}
}
