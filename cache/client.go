// Package cache wraps the shared Redis deployment behind the engine's
// key-prefixed primitives: TTL'd KV, atomic counters, hashes, pub/sub,
// token-validated locks and singleflight-guarded cache-aside loads.
// Nothing durable lives only here; eviction under memory pressure is
// always survivable.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// incrementScript bumps a counter and applies a TTL in one atomic step.
var incrementScript = redis.NewScript(`
local v = redis.call("INCRBY", KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return v
`)

// Client is a prefix-namespaced view over one logical Redis deployment.
// Safe for concurrent use.
type Client struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
	group  singleflight.Group
}

// New connects to Redis using a redis:// connection string. Every key this
// client touches is namespaced under prefix.
func New(connString, prefix string, logger *slog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(connString)
	if err != nil {
		return nil, fmt.Errorf("parse redis connection string: %w", err)
	}
	return NewFromClient(redis.NewClient(opts), prefix, logger), nil
}

// NewFromClient wraps an existing go-redis client; tests hand in a client
// pointed at miniredis.
func NewFromClient(rdb *redis.Client, prefix string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		rdb:    rdb,
		prefix: prefix,
		logger: logger.With("component", "cache"),
	}
}

// Key returns the fully namespaced form of k.
func (c *Client) Key(k string) string {
	return c.prefix + k
}

// Ping verifies connectivity; the daemon's readiness check calls it.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Get fetches a string value. The second return is false on a miss.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, c.Key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// Set writes a string value. A zero ttl stores without expiry.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.Key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes keys. Missing keys are not an error.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	namespaced := make([]string, len(keys))
	for i, k := range keys {
		namespaced[i] = c.Key(k)
	}
	if err := c.rdb.Del(ctx, namespaced...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Exists reports whether the key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.Key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// IncrementBy atomically adds delta to the counter at key and, when ttl is
// positive, refreshes its expiry in the same Lua step.
func (c *Client) IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	res, err := incrementScript.Run(ctx, c.rdb, []string{c.Key(key)}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incrby %s: %w", key, err)
	}
	return res, nil
}

// HashSet writes field/value pairs on a hash. Values follow go-redis HSet
// conventions (alternating field, value).
func (c *Client) HashSet(ctx context.Context, key string, fieldValues ...any) error {
	if err := c.rdb.HSet(ctx, c.Key(key), fieldValues...).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

// HashGetAll reads the full hash; an absent key yields an empty map.
func (c *Client) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.rdb.HGetAll(ctx, c.Key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	return m, nil
}

// HashDelete removes fields from a hash.
func (c *Client) HashDelete(ctx context.Context, key string, fields ...string) error {
	if err := c.rdb.HDel(ctx, c.Key(key), fields...).Err(); err != nil {
		return fmt.Errorf("redis hdel %s: %w", key, err)
	}
	return nil
}

// Expire sets a key's TTL.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, c.Key(key), ttl).Err(); err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	return nil
}

// TTL returns the remaining lifetime of a key.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.TTL(ctx, c.Key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ttl %s: %w", key, err)
	}
	return d, nil
}
