package objectstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/entitycache/metric"
)

// storeMetrics holds Prometheus metrics for ObjectStore operations
type storeMetrics struct {
	ops     *prometheus.CounterVec   // by operation
	latency *prometheus.HistogramVec // by operation
	errors  *prometheus.CounterVec   // by operation
	cache   *prometheus.CounterVec   // by result: hit, miss
}

// newStoreMetrics creates and registers ObjectStore metrics with the provided registry
func newStoreMetrics(registry *metric.MetricsRegistry, bucket string) (*storeMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"bucket": bucket}
	m := &storeMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "entitycache",
			Subsystem:   "objectstore",
			Name:        "operations_total",
			Help:        "Total number of object store operations",
			ConstLabels: labels,
		}, []string{"operation"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "entitycache",
			Subsystem:   "objectstore",
			Name:        "operation_duration_seconds",
			Help:        "Object store operation duration in seconds",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "entitycache",
			Subsystem:   "objectstore",
			Name:        "errors_total",
			Help:        "Total number of failed object store operations",
			ConstLabels: labels,
		}, []string{"operation"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "entitycache",
			Subsystem:   "objectstore",
			Name:        "cache_requests_total",
			Help:        "Read cache lookups by result",
			ConstLabels: labels,
		}, []string{"result"}),
	}

	service := "objectstore_" + bucket
	if err := registry.RegisterCounterVec(service, "operations", m.ops); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec(service, "operation_duration", m.latency); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "errors", m.errors); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "cache_requests", m.cache); err != nil {
		return nil, err
	}
	return m, nil
}

// observe records one operation. It is safe on a nil receiver.
func (m *storeMetrics) observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(operation).Inc()
	m.latency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		m.errors.WithLabelValues(operation).Inc()
	}
}

func (m *storeMetrics) recordCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cache.WithLabelValues("hit").Inc()
		return
	}
	m.cache.WithLabelValues("miss").Inc()
}
