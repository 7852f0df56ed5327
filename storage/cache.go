package storage

import (
	"runtime"
	"sync"
	"weak"
)

// Cache is a process-local cache holding weak references to decoded
// values, keyed by blob key. Entries disappear once the garbage collector
// reclaims the referent, so the cache never extends a value's lifetime; a
// miss falls back to the persistent layer.
type Cache struct {
	mu    sync.RWMutex
	slots map[string]any
}

// NewCache returns an empty weak cache.
func NewCache() *Cache {
	return &Cache{slots: map[string]any{}}
}

// CachePut records v under key. The cache holds v weakly; the slot is
// pruned once v is collected.
func CachePut[T any](c *Cache, key string, v *T) {
	if v == nil {
		return
	}
	wp := weak.Make(v)
	c.mu.Lock()
	c.slots[key] = wp
	c.mu.Unlock()
	runtime.AddCleanup(v, func(k string) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if cur, ok := c.slots[k].(weak.Pointer[T]); ok && cur == wp {
			delete(c.slots, k)
		}
	}, key)
}

// CacheGet returns the value cached under key if it is still alive.
func CacheGet[T any](c *Cache, key string) (*T, bool) {
	c.mu.RLock()
	slot, ok := c.slots[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	wp, ok := slot.(weak.Pointer[T])
	if !ok {
		return nil, false
	}
	v := wp.Value()
	return v, v != nil
}

// Len returns the number of live slots, counting entries whose referent
// has been collected but not yet pruned.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.slots)
}
