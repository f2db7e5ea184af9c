package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/polylive/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Throttle admits one caller per key per interval across every process
// sharing the Redis instance.
type Throttle struct {
	rdb *redis.Client
}

// NewThrottle creates a Throttle backed by c.
func NewThrottle(c *Client) *Throttle {
	return &Throttle{rdb: c.Underlying()}
}

func throttleKey(key string) string { return keyPrefix + "throttle:" + key }

// Allow reports whether the caller may proceed. A true result starts a new
// interval for key.
func (t *Throttle) Allow(ctx context.Context, key string, interval time.Duration) (bool, error) {
	ok, err := t.rdb.SetNX(ctx, throttleKey(key), time.Now().UnixMilli(), interval).Result()
	if err != nil {
		return false, fmt.Errorf("redis: throttle %s: %w", key, err)
	}
	return ok, nil
}

var _ domain.Throttle = (*Throttle)(nil)
