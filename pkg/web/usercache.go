package web

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mtoki/lariat/pkg/directory"
	"github.com/mtoki/lariat/pkg/observability"
)

// ExistenceCache remembers whether an IAM user exists.
type ExistenceCache interface {
	Get(ctx context.Context, username string) (exists bool, ok bool)
	Set(ctx context.Context, username string, exists bool)
}

// RedisCache is a shared existence cache for multi-replica deployments.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a redis-backed existence cache.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func redisUserKey(username string) string {
	return "lariat:user:" + username
}

// Get looks the user up in redis. Errors count as misses.
func (c *RedisCache) Get(ctx context.Context, username string) (bool, bool) {
	value, err := c.client.Get(ctx, redisUserKey(username)).Result()
	if err != nil {
		return false, false
	}
	return value == "1", true
}

// Set records the user's existence with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, username string, exists bool) {
	value := "0"
	if exists {
		value = "1"
	}
	// A failed write only costs a future IAM lookup.
	c.client.Set(ctx, redisUserKey(username), value, c.ttl)
}

// LRUCache is an in-process existence cache for single-replica deployments.
type LRUCache struct {
	lru *expirable.LRU[string, bool]
}

// NewLRUCache creates a TTL-bounded in-process existence cache.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	return &LRUCache{lru: expirable.NewLRU[string, bool](size, nil, ttl)}
}

// Get looks the user up in the LRU.
func (c *LRUCache) Get(_ context.Context, username string) (bool, bool) {
	return c.lru.Get(username)
}

// Set records the user's existence.
func (c *LRUCache) Set(_ context.Context, username string, exists bool) {
	c.lru.Add(username, exists)
}

// UserDirectory is the lookup surface the checker consumes.
// *directory.Client satisfies it.
type UserDirectory interface {
	GetUser(ctx context.Context, username string) (*directory.User, error)
}

// UserChecker answers user-existence questions through the cache.
type UserChecker struct {
	dir     UserDirectory
	cache   ExistenceCache
	metrics *observability.Metrics
}

// NewUserChecker creates a checker over the given directory and cache.
func NewUserChecker(dir UserDirectory, cache ExistenceCache, metrics *observability.Metrics) *UserChecker {
	return &UserChecker{dir: dir, cache: cache, metrics: metrics}
}

// Exists reports whether the IAM user exists, consulting the cache first.
func (c *UserChecker) Exists(ctx context.Context, username string) (bool, error) {
	if exists, ok := c.cache.Get(ctx, username); ok {
		if c.metrics != nil {
			c.metrics.UserCacheHitsTotal.Inc()
		}
		return exists, nil
	}
	if c.metrics != nil {
		c.metrics.UserCacheMissesTotal.Inc()
	}

	_, err := c.dir.GetUser(ctx, username)
	switch {
	case err == nil:
		c.cache.Set(ctx, username, true)
		return true, nil
	case errors.Is(err, directory.ErrNotFound):
		c.cache.Set(ctx, username, false)
		return false, nil
	default:
		return false, fmt.Errorf("failed to look up user %q: %w", username, err)
	}
}
