package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/uglyemail-go/interceptors"
	"github.com/redis/go-redis/v9"
)

const cacheKey = "cache"

// DefaultCacheTTL bounds how long a cached answer is served
const DefaultCacheTTL = 24 * time.Hour

// RedisCache is an interceptors.ResponseCache shared by background processes
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a cache whose entries expire after ttl
func NewRedisCache(rdb *redis.Client, ttl time.Duration, opts ...RedisOption) *RedisCache {
	cfg := redisConfig{prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &RedisCache{
		rdb:    rdb,
		prefix: cfg.prefix + ":" + cacheKey + ":",
		ttl:    ttl,
	}
}

// Get implements interceptors.ResponseCache
func (c *RedisCache) Get(ctx context.Context, key string) (interceptors.Result, bool, error) {
	var result interceptors.Result

	data, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return result, false, nil
	}
	if err != nil {
		return result, false, fmt.Errorf("cache get: %w", err)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false, fmt.Errorf("cache entry %s: %w", key, err)
	}
	return result, true, nil
}

// Set implements interceptors.ResponseCache
func (c *RedisCache) Set(ctx context.Context, key string, result interceptors.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
