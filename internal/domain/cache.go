package domain

import (
	"context"
	"time"
)

// ContainerMirror is a shared out-of-process copy of container state.
type ContainerMirror interface {
	Set(ctx context.Context, c Container) error
	Get(ctx context.Context, id string) (Container, error)
	GetBySlug(ctx context.Context, slug string) (Container, error)
	Invalidate(ctx context.Context, id string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// Throttle admits at most one caller per key within interval.
type Throttle interface {
	Allow(ctx context.Context, key string, interval time.Duration) (bool, error)
}

// SignalBus provides pub/sub messaging.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}
