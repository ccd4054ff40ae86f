package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/chainmesh/core"
)

// DefaultRedisPrefix namespaces cache keys in Redis.
const DefaultRedisPrefix = "chainmesh:cache:"

// RedisOptions configure a Redis cache.
type RedisOptions struct {
	// Prefix is prepended to every key. Defaults to DefaultRedisPrefix.
	Prefix string
	// TTL expires entries; zero keeps them until evicted by Redis.
	TTL time.Duration
}

// Redis is a Cache shared between processes through a Redis server.
// Values are stored as JSON under a sha256 key of prompt and llm key.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis returns a Redis cache using rdb.
func NewRedis(rdb redis.UniversalClient, optFns ...func(o *RedisOptions)) (*Redis, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	opts := RedisOptions{Prefix: DefaultRedisPrefix}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Redis{rdb: rdb, prefix: opts.Prefix, ttl: opts.TTL}, nil
}

func (c *Redis) key(prompt, llmKey string) string {
	return c.prefix + Key(prompt, llmKey)
}

// Lookup implements Cache.
func (c *Redis) Lookup(ctx context.Context, prompt, llmKey string) (core.Message, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(prompt, llmKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.Message{}, false, nil
	}
	if err != nil {
		return core.Message{}, false, fmt.Errorf("redis cache lookup: %w", err)
	}
	var msg core.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return core.Message{}, false, fmt.Errorf("decode cached message: %w", err)
	}
	return msg, true, nil
}

// Update implements Cache.
func (c *Redis) Update(ctx context.Context, prompt, llmKey string, msg core.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode cached message: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key(prompt, llmKey), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis cache update: %w", err)
	}
	return nil
}

// Clear removes every key under the cache prefix.
func (c *Redis) Clear(ctx context.Context) error {
	iter := c.rdb.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cache keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}
