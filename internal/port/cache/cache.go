// Package cache defines the port interface for the read-through status cache.
package cache

import (
	"context"
	"time"
)

// Cache stores serialized values with a TTL. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close()
}
