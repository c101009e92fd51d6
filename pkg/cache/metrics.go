package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/entitycache/metric"
)

// cacheMetrics mirrors Statistics into Prometheus. A nil *cacheMetrics is a no-op.
type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	sets      prometheus.Counter
	deletes   prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "entitycache",
			Subsystem:   "lru",
			Name:        name,
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        help,
		})
	}

	m := &cacheMetrics{
		hits:      counter("hits_total", "Total number of cache hits"),
		misses:    counter("misses_total", "Total number of cache misses"),
		sets:      counter("sets_total", "Total number of cache set operations"),
		deletes:   counter("deletes_total", "Total number of cache delete operations"),
		evictions: counter("evictions_total", "Total number of cache evictions"),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "entitycache",
			Subsystem:   "lru",
			Name:        "size",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Current number of cache entries",
		}),
	}

	service := "cache_" + prefix
	for name, c := range map[string]prometheus.Counter{
		"hits": m.hits, "misses": m.misses, "sets": m.sets, "deletes": m.deletes, "evictions": m.evictions,
	} {
		if err := registry.RegisterCounter(service, name, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(service, "size", m.size); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *cacheMetrics) recordHit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *cacheMetrics) recordMiss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *cacheMetrics) recordSet() {
	if m != nil {
		m.sets.Inc()
	}
}

func (m *cacheMetrics) recordDelete() {
	if m != nil {
		m.deletes.Inc()
	}
}

func (m *cacheMetrics) recordEviction() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *cacheMetrics) setSize(n int) {
	if m != nil {
		m.size.Set(float64(n))
	}
}
