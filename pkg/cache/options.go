package cache

import "github.com/c360/entitycache/metric"

// Option configures an LRU cache
type Option[K comparable, V any] func(*options[K, V])

type options[K comparable, V any] struct {
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
	evictCallback EvictCallback[K, V]
}

// WithMetrics exports the cache statistics as Prometheus metrics.
// A nil registry or empty prefix disables it.
func WithMetrics[K comparable, V any](registry *metric.MetricsRegistry, prefix string) Option[K, V] {
	return func(o *options[K, V]) {
		if registry != nil && prefix != "" {
			o.metricsReg = registry
			o.metricsPrefix = prefix
		}
	}
}

// WithEvictionCallback sets a callback invoked for entries evicted by size
func WithEvictionCallback[K comparable, V any](callback EvictCallback[K, V]) Option[K, V] {
	return func(o *options[K, V]) {
		o.evictCallback = callback
	}
}
