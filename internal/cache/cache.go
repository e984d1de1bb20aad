package cache

import (
	"sync"
)

// Cache defines a generic interface for keyed, shared objects.
type Cache[K comparable, V any] interface {
	// Get retrieves a value from the cache.
	Get(key K) (V, bool)
	// GetOrCreate returns the cached value or stores the one create builds.
	GetOrCreate(key K, create func() (V, error)) (V, bool, error)
	// Drain removes every item, passing each to fn.
	Drain(fn func(K, V))
	// Size returns the number of items in the cache.
	Size() int
}

// MapCache is a simple in-memory implementation of Cache.
type MapCache[K comparable, V any] struct {
	data map[K]V
	mu   sync.RWMutex
}

func NewMapCache[K comparable, V any]() *MapCache[K, V] {
	return &MapCache[K, V]{
		data: make(map[K]V),
	}
}

func (c *MapCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// GetOrCreate reports whether the value was already cached. create runs under
// the write lock, so concurrent callers for one key build a single value.
// Failed creations are not cached.
func (c *MapCache[K, V]) GetOrCreate(key K, create func() (V, error)) (V, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.data[key]; ok {
		return v, true, nil
	}
	v, err := create()
	if err != nil {
		var zero V
		return zero, false, err
	}
	c.data[key] = v
	return v, false, nil
}

// Drain removes every entry and hands it to fn.
func (c *MapCache[K, V]) Drain(fn func(K, V)) {
	c.mu.Lock()
	data := c.data
	c.data = make(map[K]V)
	c.mu.Unlock()

	for k, v := range data {
		fn(k, v)
	}
}

func (c *MapCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
