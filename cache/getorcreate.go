package cache

import (
	"context"
	"fmt"
	"time"
)

const (
	// softLockTTL bounds a cross-instance load guard; a crashed loader
	// frees the key within this window.
	softLockTTL = 10 * time.Second

	// softLockPoll is how often a non-loading instance re-checks for the
	// value some other instance is computing.
	softLockPoll = 100 * time.Millisecond

	// softLockWait caps how long a non-loading instance waits before
	// giving up on the other loader and computing itself.
	softLockWait = 2 * time.Second
)

// GetOrCreate returns the cached value at key, computing and storing it
// with loader on a miss. Concurrent in-process misses for the same key
// coalesce into one loader call (singleflight); across instances a soft
// lock makes one loader and many readers the common case, degrading to an
// extra load rather than an error if the soft lock cannot be observed.
func (c *Client) GetOrCreate(ctx context.Context, key string, ttl time.Duration, loader func(ctx context.Context) (string, error)) (string, error) {
	if val, ok, err := c.Get(ctx, key); err != nil {
		return "", err
	} else if ok {
		return val, nil
	}

	val, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: another goroutine may have stored
		// the value while we queued.
		if val, ok, err := c.Get(ctx, key); err != nil {
			return "", err
		} else if ok {
			return val, nil
		}
		return c.loadAndStore(ctx, key, ttl, loader)
	})
	if err != nil {
		return "", err
	}
	return val.(string), nil
}

func (c *Client) loadAndStore(ctx context.Context, key string, ttl time.Duration, loader func(ctx context.Context) (string, error)) (string, error) {
	guard, acquired, err := c.AcquireLock(ctx, key+":load", softLockTTL)
	if err != nil {
		return "", err
	}

	if !acquired {
		// Another instance is loading; poll briefly for its result.
		deadline := time.Now().Add(softLockWait)
		for time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(softLockPoll):
			}
			if val, ok, err := c.Get(ctx, key); err != nil {
				return "", err
			} else if ok {
				return val, nil
			}
		}
		// The other loader is slow or died; compute locally. The loader
		// must therefore be idempotent, which cache-aside loads are.
	} else {
		defer func() {
			if _, err := guard.Release(context.WithoutCancel(ctx)); err != nil {
				c.logger.Warn("soft lock release failed", "key", key, "error", err)
			}
		}()
	}

	val, err := loader(ctx)
	if err != nil {
		return "", fmt.Errorf("cache loader for %s: %w", key, err)
	}
	if err := c.Set(ctx, key, val, ttl); err != nil {
		return "", err
	}
	return val, nil
}
