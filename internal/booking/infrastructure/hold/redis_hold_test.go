package hold

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHold(t *testing.T, ttl time.Duration) *RedisHold {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set, skipping integration test")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	prefix := "slotwise-test-" + uuid.NewString()[:8]
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
	})
	return NewRedisHold(client, prefix, ttl)
}

func TestRedisHold_ExclusiveUntilReleased(t *testing.T) {
	h := newHold(t, time.Minute)
	ctx := context.Background()

	ok, err := h.Acquire(ctx, "slot-1", "req-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Acquire(ctx, "slot-1", "req-b")
	require.NoError(t, err)
	assert.False(t, ok)

	// Only the owner can release.
	require.NoError(t, h.Release(ctx, "slot-1", "req-b"))
	ok, err = h.Acquire(ctx, "slot-1", "req-b")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, h.Release(ctx, "slot-1", "req-a"))
	ok, err = h.Acquire(ctx, "slot-1", "req-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisHold_Expires(t *testing.T) {
	h := newHold(t, 100*time.Millisecond)
	ctx := context.Background()

	ok, err := h.Acquire(ctx, "slot-1", "req-a")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		ok, err := h.Acquire(ctx, "slot-1", "req-b")
		return err == nil && ok
	}, 2*time.Second, 50*time.Millisecond)
}

func TestNoop(t *testing.T) {
	ok, err := Noop{}.Acquire(context.Background(), "slot-1", "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, Noop{}.Release(context.Background(), "slot-1", "a"))
}
