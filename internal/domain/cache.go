package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest pool prices. Keys are
// "marketID:outcome"; the spot pool uses outcome -1.
type PriceCache interface {
	SetPrice(ctx context.Context, key string, price uint64, ts time.Time) error
	GetPrice(ctx context.Context, key string) (uint64, time.Time, error)
	GetPrices(ctx context.Context, keys []string) (map[string]uint64, error)
}

// LockManager provides distributed locking. A multi-process deployment uses
// it to serialize operations touching the same market; a single process
// relies on the engine's in-process locks alone.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter throttles request rates per key. The API server applies it to
// client identifiers before dispatching handlers.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams for engine events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
