package heartbeat

import (
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry maps keys to caches so that every lookup of a key shares one
// Cache. Entries are never removed.
type Registry[T any] struct {
	mu     sync.RWMutex
	caches map[string]*Cache[T]
	sf     singleflight.Group
}

// NewRegistry constructs an empty Registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{caches: make(map[string]*Cache[T])}
}

// GetOrCreate returns the cache registered under key. On a miss, factory is
// called once, even when several goroutines miss concurrently, and its result
// is stored. On a hit factory is ignored: the first caller's configuration
// stays in effect for the life of the registry.
func (r *Registry[T]) GetOrCreate(key string, factory func() *Cache[T]) *Cache[T] {
	if c, ok := r.Lookup(key); ok {
		return c
	}
	v, _, _ := r.sf.Do(key, func() (any, error) {
		if c, ok := r.Lookup(key); ok {
			return c, nil
		}
		c := factory()
		r.mu.Lock()
		r.caches[key] = c
		r.mu.Unlock()
		return c, nil
	})
	return v.(*Cache[T])
}

// Lookup returns the cache registered under key, if any.
func (r *Registry[T]) Lookup(key string) (*Cache[T], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caches[key]
	return c, ok
}

// Keys returns the registered keys in sorted order.
func (r *Registry[T]) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.caches))
	for k := range r.caches {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
