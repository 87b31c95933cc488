package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Default keys
const (
	DefaultPrefix = "uglyemail"
	versionKey    = "version"
	recordsKey    = "records"
	rulesKey      = "rules"
)

// flushUntrackedScript deletes every empty field of a hash in one round trip
var flushUntrackedScript = redis.NewScript(`
local all = redis.call('HGETALL', KEYS[1])
local n = 0
for i = 1, #all, 2 do
  if all[i + 1] == '' then
    redis.call('HDEL', KEYS[1], all[i])
    n = n + 1
  end
end
return n
`)

// RedisOption configures the redis store
type RedisOption func(*redisConfig)

type redisConfig struct {
	prefix string
}

// WithKeyPrefix sets the key prefix, "uglyemail" by default
func WithKeyPrefix(prefix string) RedisOption {
	return func(c *redisConfig) {
		c.prefix = prefix
	}
}

// Dial connects to redis and checks the connection
func Dial(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connect %s: %w", addr, err)
	}
	return rdb, nil
}

// Redis is a Store backed by a redis string and hash
type Redis struct {
	rdb     *redis.Client
	version string
	records string
}

// NewRedis creates a redis backed store
func NewRedis(rdb *redis.Client, opts ...RedisOption) *Redis {
	cfg := redisConfig{prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Redis{
		rdb:     rdb,
		version: cfg.prefix + ":" + versionKey,
		records: cfg.prefix + ":" + recordsKey,
	}
}

// Init implements Store
func (s *Redis) Init(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis store init: %w", err)
	}
	return nil
}

// CurrentVersion implements Store
func (s *Redis) CurrentVersion(ctx context.Context) (string, error) {
	v, err := s.rdb.Get(ctx, s.version).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get version: %w", err)
	}
	return v, nil
}

// Setup implements Store
func (s *Redis) Setup(ctx context.Context, version string) error {
	if version == "" {
		return ErrEmptyVersion
	}
	return s.rdb.Set(ctx, s.version, version, 0).Err()
}

// Upgrade implements Store
func (s *Redis) Upgrade(ctx context.Context, version string) error {
	if version == "" {
		return ErrEmptyVersion
	}
	return s.rdb.Set(ctx, s.version, version, 0).Err()
}

// FlushUntracked implements Store
func (s *Redis) FlushUntracked(ctx context.Context) (int, error) {
	n, err := flushUntrackedScript.Run(ctx, s.rdb, []string{s.records}).Int()
	if err != nil {
		return 0, fmt.Errorf("flush untracked: %w", err)
	}
	return n, nil
}

// Record implements Store
func (s *Redis) Record(ctx context.Context, messageID, pixel string) error {
	if messageID == "" {
		return ErrEmptyMessageID
	}
	return s.rdb.HSet(ctx, s.records, messageID, pixel).Err()
}

// Lookup implements Store
func (s *Redis) Lookup(ctx context.Context, messageID string) (string, bool, error) {
	pixel, err := s.rdb.HGet(ctx, s.records, messageID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup %s: %w", messageID, err)
	}
	return pixel, true, nil
}
