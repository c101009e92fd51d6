package natsclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/entitycache/metric"
)

// requestMetrics tracks request/reply traffic through this client
type requestMetrics struct {
	requests *prometheus.CounterVec   // by subject and outcome
	latency  *prometheus.HistogramVec // by subject
}

func newRequestMetrics(registry *metric.MetricsRegistry) (*requestMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &requestMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entitycache",
			Subsystem: "nats",
			Name:      "requests_total",
			Help:      "NATS requests by subject and outcome",
		}, []string{"subject", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "entitycache",
			Subsystem: "nats",
			Name:      "request_duration_seconds",
			Help:      "NATS request round trip time",
			Buckets:   prometheus.DefBuckets,
		}, []string{"subject"}),
	}

	if err := registry.RegisterCounterVec("nats", "requests", m.requests); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("nats", "request_duration", m.latency); err != nil {
		return nil, err
	}
	return m, nil
}

// record is safe on a nil receiver
func (m *requestMetrics) record(subject, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(subject, outcome).Inc()
	if d > 0 {
		m.latency.WithLabelValues(subject).Observe(d.Seconds())
	}
}
