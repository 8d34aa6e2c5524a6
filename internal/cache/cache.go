// Package cache provides TTL storage, set-if-absent locks and fixed-window
// rate-limit counters backed by Redis or process memory.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"registry_watch/internal/model"
)

// snapshotKey holds the most recent snapshot for fast baseline recovery.
const snapshotKey = "snapshot:latest"

// Cache is the interface shared by the Redis and memory implementations.
// Get returns nil with no error when the key is absent.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	SetWithNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// IncrementRateLimit atomically increments the counter at key and
	// returns the new value. The counter resets once window has elapsed
	// since the first increment.
	IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error)
	GetRateLimitCount(ctx context.Context, key string) (int64, error)
	ResetRateLimit(ctx context.Context, key string) error

	Ping(ctx context.Context) error
	Close() error
}

// GetCachedSnapshot returns the cached snapshot, or nil when none is
// cached or the cached value cannot be decoded.
func GetCachedSnapshot(ctx context.Context, c Cache) (*model.Snapshot, error) {
	data, err := c.Get(ctx, snapshotKey)
	if err != nil || data == nil {
		return nil, err
	}
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, nil
	}
	return &snap, nil
}

// SetCachedSnapshot stores snap for later baseline recovery.
func SetCachedSnapshot(ctx context.Context, c Cache, snap *model.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.Set(ctx, snapshotKey, data, ttl)
}

// TouchCachedSnapshot extends the TTL of the cached snapshot. It reports
// false when nothing is cached.
func TouchCachedSnapshot(ctx context.Context, c Cache, ttl time.Duration) (bool, error) {
	return c.Expire(ctx, snapshotKey, ttl)
}
