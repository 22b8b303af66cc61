package cache

import (
	"sync"
	"time"
)

// Entry is a cached value with expiration
type Entry[T any] struct {
	Value     T
	ExpiresAt time.Time
}

// Cache is a simple in-memory cache with TTL. Readers never observe a
// partially written entry: values are swapped whole under the lock.
type Cache[T any] struct {
	mu    sync.RWMutex
	items map[string]Entry[T]
}

// New creates a new cache
func New[T any]() *Cache[T] {
	return &Cache[T]{items: map[string]Entry[T]{}}
}

// Set stores a value with its absolute expiry instant
func (c *Cache[T]) Set(key string, value T, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = Entry[T]{Value: value, ExpiresAt: expiresAt}
}

// Get retrieves a value if it hasn't expired past the given margin.
// A positive margin treats entries expiring within it as already gone.
func (c *Cache[T]) Get(key string, margin time.Duration) (T, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, exists := c.items[key]
	if !exists {
		var zero T
		return zero, time.Time{}, false
	}
	if !time.Now().Before(entry.ExpiresAt.Add(-margin)) {
		var zero T
		return zero, time.Time{}, false
	}
	return entry.Value, entry.ExpiresAt, true
}

// Delete removes a key
func (c *Cache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes all items
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = map[string]Entry[T]{}
}
