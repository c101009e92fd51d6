// Package cache provides a generic, thread-safe LRU cache with built-in
// statistics and optional Prometheus metrics.
//
// The entity cache uses it to memoize identity lookups (remote id to local
// key and back) in front of the row store's secondary indexes.
package cache

import (
	"container/list"
	"sync"

	"github.com/c360/entitycache/errors"
)

// Cache is a bounded key/value cache
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	// Set stores value and reports whether a new entry was created
	Set(key K, value V) bool
	Delete(key K) bool
	Clear()
	Size() int
	Stats() *Statistics
}

// EvictCallback is called when an entry is evicted to make room.
type EvictCallback[K comparable, V any] func(key K, value V)

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// LRU evicts the least recently used entry once maxSize is exceeded
type LRU[K comparable, V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[K]*list.Element
	order   *list.List
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[K, V]
}

// NewLRU creates an LRU cache holding at most maxSize entries
func NewLRU[K comparable, V any](maxSize int, opts ...Option[K, V]) (*LRU[K, V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLRU", "size validation")
	}

	o := &options[K, V]{}
	for _, opt := range opts {
		opt(o)
	}

	var metrics *cacheMetrics
	if o.metricsReg != nil && o.metricsPrefix != "" {
		var err error
		metrics, err = newCacheMetrics(o.metricsReg, o.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewLRU", "metrics registration")
		}
	}

	return &LRU[K, V]{
		maxSize: maxSize,
		items:   make(map[K]*list.Element, maxSize),
		order:   list.New(),
		stats:   NewStatistics(),
		metrics: metrics,
		evictFn: o.evictCallback,
	}, nil
}

// Get retrieves a value and marks it as recently used
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		c.stats.Miss()
		c.metrics.recordMiss()
		var zero V
		return zero, false
	}

	c.order.MoveToFront(element)
	c.stats.Hit()
	c.metrics.recordHit()
	return element.Value.(*lruEntry[K, V]).value, true
}

// Set stores a value, evicting the oldest entry when full
func (c *LRU[K, V]) Set(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Set()
	c.metrics.recordSet()

	if element, ok := c.items[key]; ok {
		element.Value.(*lruEntry[K, V]).value = value
		c.order.MoveToFront(element)
		return false
	}

	c.items[key] = c.order.PushFront(&lruEntry[K, V]{key: key, value: value})
	if c.order.Len() > c.maxSize {
		c.evictOldest()
	}
	c.stats.SetSize(int64(c.order.Len()))
	c.metrics.setSize(c.order.Len())
	return true
}

// Delete removes an entry
func (c *LRU[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		return false
	}
	c.order.Remove(element)
	delete(c.items, key)
	c.stats.Delete()
	c.stats.SetSize(int64(c.order.Len()))
	c.metrics.recordDelete()
	c.metrics.setSize(c.order.Len())
	return true
}

// Clear removes all entries without invoking the eviction callback
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[K]*list.Element, c.maxSize)
	c.order.Init()
	c.stats.SetSize(0)
	c.metrics.setSize(0)
}

// Size returns the number of entries
func (c *LRU[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns the cache statistics
func (c *LRU[K, V]) Stats() *Statistics {
	return c.stats
}

func (c *LRU[K, V]) evictOldest() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*lruEntry[K, V])
	c.order.Remove(oldest)
	delete(c.items, entry.key)

	c.stats.Eviction()
	c.metrics.recordEviction()
	if c.evictFn != nil {
		c.evictFn(entry.key, entry.value)
	}
}
