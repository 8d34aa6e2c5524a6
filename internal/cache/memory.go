package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value   []byte
	count   int64
	expires time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// Memory is an in-process Cache. Expired entries are dropped lazily on
// access.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry), now: time.Now}
}

func (m *Memory) lookup(key string) (entry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return entry{}, false
	}
	return e, true
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// Get returns a copy of the value stored at key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok || e.value == nil {
		return nil, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set stores value at key. A non-positive ttl keeps it until deleted.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.entries[key] = entry{value: v, expires: m.deadline(ttl)}
	return nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// SetWithNX stores value only when key is absent.
func (m *Memory) SetWithNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.entries[key] = entry{value: v, expires: m.deadline(ttl)}
	return true, nil
}

// Exists reports whether key is present.
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lookup(key)
	return ok, nil
}

// Expire resets the TTL of an existing key.
func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok {
		return false, nil
	}
	e.expires = m.deadline(ttl)
	m.entries[key] = e
	return true, nil
}

// IncrementRateLimit increments the fixed-window counter at key.
func (m *Memory) IncrementRateLimit(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok {
		e = entry{expires: m.deadline(window)}
	}
	e.count++
	m.entries[key] = e
	return e.count, nil
}

// GetRateLimitCount returns the current counter value, zero when absent.
func (m *Memory) GetRateLimitCount(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, _ := m.lookup(key)
	return e.count, nil
}

// ResetRateLimit clears the counter at key.
func (m *Memory) ResetRateLimit(ctx context.Context, key string) error {
	return m.Delete(ctx, key)
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }
