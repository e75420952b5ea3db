// Package lock implements the per-pair trade guard. At most one sentiment
// trade may be in flight for a (netuid, hotkey) pair; the guard is a
// conditional write into a shared store so the guarantee holds across
// server replicas.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key identifies the pair a trade guard covers.
type Key struct {
	Netuid int64
	Hotkey string
}

func (k Key) String() string {
	return fmt.Sprintf("trade_lock:%d:%s", k.Netuid, k.Hotkey)
}

// Guard grants at most one holder per key at a time. The TTL bounds how
// long a crashed holder can block the pair.
type Guard interface {
	// TryAcquire attempts to take the guard for holder. It returns false
	// without error when another holder already has it.
	TryAcquire(ctx context.Context, key Key, holder string, ttl time.Duration) (bool, error)
	// Release frees the guard if and only if holder still owns it.
	// Releasing an expired or foreign guard is a no-op; the bool reports
	// whether the holder still owned the guard.
	Release(ctx context.Context, key Key, holder string) (bool, error)
}

// releaseScript deletes the key only when its value matches the holder,
// so a holder whose guard expired cannot release a successor's guard.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisGuard implements Guard with SET NX PX and a compare-and-delete
// release.
type RedisGuard struct {
	client *redis.Client
}

// NewRedisGuard creates a RedisGuard on an existing client.
func NewRedisGuard(client *redis.Client) *RedisGuard {
	return &RedisGuard{client: client}
}

func (g *RedisGuard) TryAcquire(ctx context.Context, key Key, holder string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, key.String(), holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire trade guard: %w", err)
	}
	return ok, nil
}

func (g *RedisGuard) Release(ctx context.Context, key Key, holder string) (bool, error) {
	deleted, err := releaseScript.Run(ctx, g.client, []string{key.String()}, holder).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release trade guard: %w", err)
	}
	return deleted == 1, nil
}
