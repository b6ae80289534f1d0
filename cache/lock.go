package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while we still own it, so a lock
// re-acquired by another worker after expiry is never released from here.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only while we still own it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Lock is a held distributed lock. The token ties release and refresh to
// this acquisition.
type Lock struct {
	client *Client
	key    string
	token  string
}

// AcquireLock attempts SET key token NX EX ttl. acquired is false when
// another owner holds the key.
func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (lock *Lock, acquired bool, err error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, c.Key(key), token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{client: c, key: key, token: token}, true, nil
}

// Key returns the unprefixed lock key.
func (l *Lock) Key() string { return l.key }

// Token returns the owner token for this acquisition.
func (l *Lock) Token() string { return l.token }

// Release deletes the lock if this acquisition still owns it. released is
// false when the lock had already expired or was taken by another owner.
func (l *Lock) Release(ctx context.Context) (released bool, err error) {
	res, err := releaseScript.Run(ctx, l.client.rdb, []string{l.client.Key(l.key)}, l.token).Int64()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return res == 1, nil
}

// Refresh extends the lock's TTL if this acquisition still owns it. Used
// as the liveness heartbeat; refreshed == false means the lock was lost.
func (l *Lock) Refresh(ctx context.Context, ttl time.Duration) (refreshed bool, err error) {
	res, err := refreshScript.Run(ctx, l.client.rdb, []string{l.client.Key(l.key)}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("refresh lock %s: %w", l.key, err)
	}
	return res == 1, nil
}
