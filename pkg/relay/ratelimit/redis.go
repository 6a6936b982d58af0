package ratelimit

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisBackend shares window counters across relay replicas.
type RedisBackend struct {
	client redis.Cmdable
	prefix string
}

func NewRedisBackend(client redis.Cmdable, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "vai-relay:ratelimit"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) key(address string) string {
	return b.prefix + ":" + address
}

func (b *RedisBackend) Hit(ctx context.Context, address string, window time.Duration, now time.Time) (int, time.Time, error) {
	key := b.key(address)

	pipe := b.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, errors.Wrapf(err, "incr %s", key)
	}

	count := incr.Val()
	remaining := ttl.Val()
	// First hit of a window, or a key that lost its expiry: open the window.
	if count == 1 || remaining < 0 {
		if err := b.client.PExpire(ctx, key, window).Err(); err != nil {
			return 0, time.Time{}, errors.Wrapf(err, "pexpire %s", key)
		}
		remaining = window
	}
	return int(count), now.Add(remaining), nil
}
