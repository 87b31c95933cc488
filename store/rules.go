package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/glimte/uglyemail-go/background"
	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic transaction retries on concurrent updates
const maxTxRetries = 5

var ErrConcurrentUpdate = errors.New("store: rules changed concurrently")

// RedisRules is a background.RuleSet kept in a redis hash of JSON rules
type RedisRules struct {
	rdb *redis.Client
	key string
}

// NewRedisRules creates a rule set stored under the given prefix
func NewRedisRules(rdb *redis.Client, opts ...RedisOption) *RedisRules {
	cfg := redisConfig{prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &RedisRules{rdb: rdb, key: cfg.prefix + ":" + rulesKey}
}

// UpdateDynamicRules implements background.RuleSet
func (r *RedisRules) UpdateDynamicRules(ctx context.Context, removeIDs []int, add []background.Rule) error {
	encoded := make(map[string]any, len(add))
	for _, rule := range add {
		if err := rule.Validate(); err != nil {
			return err
		}
		field := strconv.Itoa(rule.ID)
		if _, dup := encoded[field]; dup {
			return fmt.Errorf("%w: %d", background.ErrDuplicateRuleID, rule.ID)
		}
		data, err := json.Marshal(rule)
		if err != nil {
			return fmt.Errorf("encode rule %d: %w", rule.ID, err)
		}
		encoded[field] = string(data)
	}

	removed := make([]string, 0, len(removeIDs))
	for _, id := range removeIDs {
		removed = append(removed, strconv.Itoa(id))
	}

	txf := func(tx *redis.Tx) error {
		existing, err := tx.HKeys(ctx, r.key).Result()
		if err != nil {
			return err
		}
		for field := range encoded {
			if slices.Contains(existing, field) && !slices.Contains(removed, field) {
				return fmt.Errorf("%w: %s", background.ErrDuplicateRuleID, field)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(removed) > 0 {
				pipe.HDel(ctx, r.key, removed...)
			}
			if len(encoded) > 0 {
				pipe.HSet(ctx, r.key, encoded)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, r.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConcurrentUpdate
}

// DynamicRules implements background.RuleSet. Rules are ordered by id.
func (r *RedisRules) DynamicRules(ctx context.Context) ([]background.Rule, error) {
	all, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	rules := make([]background.Rule, 0, len(all))
	for field, data := range all {
		var rule background.Rule
		if err := json.Unmarshal([]byte(data), &rule); err != nil {
			return nil, fmt.Errorf("decode rule %s: %w", field, err)
		}
		rules = append(rules, rule)
	}
	slices.SortFunc(rules, func(a, b background.Rule) int { return a.ID - b.ID })
	return rules, nil
}
