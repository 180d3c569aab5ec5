// Package hold places short-lived advisory holds on slots while a booking
// request is in flight. Holds improve the experience under contention;
// correctness never depends on them.
package hold

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the hold only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisHold implements slot holds with SET NX PX.
type RedisHold struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisHold creates a RedisHold. Keys are {prefix}:hold:{slot}.
func NewRedisHold(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisHold {
	if prefix == "" {
		prefix = "slotwise"
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisHold{client: client, prefix: prefix, ttl: ttl}
}

func (h *RedisHold) key(slotRef string) string {
	return fmt.Sprintf("%s:hold:%s", h.prefix, slotRef)
}

// Acquire places a hold owned by owner. It reports false when another owner
// holds the slot.
func (h *RedisHold) Acquire(ctx context.Context, slotRef, owner string) (bool, error) {
	ok, err := h.client.SetNX(ctx, h.key(slotRef), owner, h.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire slot hold: %w", err)
	}
	return ok, nil
}

// Release removes the hold if owner still holds it.
func (h *RedisHold) Release(ctx context.Context, slotRef, owner string) error {
	if err := releaseScript.Run(ctx, h.client, []string{h.key(slotRef)}, owner).Err(); err != nil {
		return fmt.Errorf("release slot hold: %w", err)
	}
	return nil
}

// Noop never holds anything. It is used when holds are disabled.
type Noop struct{}

func (Noop) Acquire(context.Context, string, string) (bool, error) { return true, nil }
func (Noop) Release(context.Context, string, string) error         { return nil }
