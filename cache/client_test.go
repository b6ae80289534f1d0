package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromClient(rdb, "AIReview:", nil), mr
}

func TestClient_SetGet(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "greeting", "hello", 0))

	val, ok, err := c.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", val)

	// Keys land under the instance prefix.
	assert.True(t, mr.Exists("AIReview:greeting"))
}

func TestClient_Get_Miss(t *testing.T) {
	c, _ := newTestClient(t)

	val, ok, err := c.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, val)
}

func TestClient_Set_TTLExpires(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "ephemeral", "x", 5*time.Second))

	mr.FastForward(6 * time.Second)

	_, ok, err := c.Get(ctx, "ephemeral")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_Delete(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "1", 0))
	require.NoError(t, c.Set(ctx, "b", "2", 0))
	require.NoError(t, c.Delete(ctx, "a", "b", "missing"))

	_, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_IncrementBy(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	n, err := c.IncrementBy(ctx, "counter", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = c.IncrementBy(ctx, "counter", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	// TTL applied atomically with the increment.
	ttl := mr.TTL("AIReview:counter")
	assert.Greater(t, ttl, time.Duration(0))

	mr.FastForward(2 * time.Minute)
	n, err = c.IncrementBy(ctx, "counter", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "counter restarts after expiry")
}

func TestClient_HashOps(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.HashSet(ctx, "exec", "status", "Running", "progress", "0"))

	m, err := c.HashGetAll(ctx, "exec")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"status": "Running", "progress": "0"}, m)

	require.NoError(t, c.HashDelete(ctx, "exec", "progress"))
	m, err = c.HashGetAll(ctx, "exec")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"status": "Running"}, m)

	// Absent hash reads as empty, not an error.
	m, err = c.HashGetAll(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestClient_PubSub(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := c.Subscribe(ctx, "review:*")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, c.Publish(ctx, "review:42", `{"phase":"Chunking"}`))

	select {
	case msg := <-sub.C():
		assert.JSONEq(t, `{"phase":"Chunking"}`, msg)
	case <-ctx.Done():
		t.Fatal("timed out waiting for pubsub message")
	}
}
