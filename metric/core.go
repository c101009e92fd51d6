package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "entitycache"

// Metrics contains the cache engine metrics. All recording methods are safe
// on a nil receiver so components can run without a registry.
type Metrics struct {
	InstancesCached   *prometheus.CounterVec
	DataLossEvents    prometheus.Counter
	NodesDeleted      *prometheus.CounterVec
	CascadeRounds     prometheus.Histogram
	PagesSaved        prometheus.Counter
	PagesInvalidated  prometheus.Counter
	ResponsesEvicted  prometheus.Counter
	TaskDuration      *prometheus.HistogramVec
	UpstreamRequests  *prometheus.CounterVec
	ChangesSynced     *prometheus.CounterVec
	StoreTransactions *prometheus.CounterVec
}

// NewMetrics creates the core metric set
func NewMetrics() *Metrics {
	return &Metrics{
		InstancesCached: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "instances_total",
			Help:      "Cached instances by caching decision",
		}, []string{"decision"}),
		DataLossEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "data_loss_total",
			Help:      "Full entities overwritten with partial data",
		}),
		NodesDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hierarchy",
			Name:      "nodes_deleted_total",
			Help:      "Nodes removed from the ownership graph",
		}, []string{"reason"}),
		CascadeRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "hierarchy",
			Name:      "cascade_rounds",
			Help:      "Observer rounds needed to reach a fixed point",
			Buckets:   []float64{1, 2, 3, 5, 10, 25, 100},
		}),
		PagesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "responses",
			Name:      "pages_saved_total",
			Help:      "Pages written to the response cache",
		}),
		PagesInvalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "responses",
			Name:      "pages_invalidated_total",
			Help:      "Pages whose cache tag was cleared",
		}),
		ResponsesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "responses",
			Name:      "evicted_total",
			Help:      "Responses removed by age eviction",
		}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "task_duration_seconds",
			Help:      "Writer task duration by outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "requests_total",
			Help:      "Requests to the remote service by operation and outcome",
		}, []string{"operation", "outcome"}),
		ChangesSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "changes",
			Name:      "synced_total",
			Help:      "Local changes pushed by outcome",
		}, []string{"outcome"}),
		StoreTransactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "transactions_total",
			Help:      "Row store transactions by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.InstancesCached, m.DataLossEvents, m.NodesDeleted, m.CascadeRounds,
		m.PagesSaved, m.PagesInvalidated, m.ResponsesEvicted, m.TaskDuration,
		m.UpstreamRequests, m.ChangesSynced, m.StoreTransactions,
	}
}

// RecordDecision counts one cached instance
func (m *Metrics) RecordDecision(decision string) {
	if m == nil {
		return
	}
	m.InstancesCached.WithLabelValues(decision).Inc()
}

// RecordDataLoss counts a Full entity narrowed to Partial
func (m *Metrics) RecordDataLoss() {
	if m == nil {
		return
	}
	m.DataLossEvents.Inc()
}

// RecordDeletes counts deleted nodes and the rounds the cascade took
func (m *Metrics) RecordDeletes(reason string, nodes, rounds int) {
	if m == nil {
		return
	}
	m.NodesDeleted.WithLabelValues(reason).Add(float64(nodes))
	if rounds > 0 {
		m.CascadeRounds.Observe(float64(rounds))
	}
}

// RecordPageSaved counts one saved page
func (m *Metrics) RecordPageSaved() {
	if m == nil {
		return
	}
	m.PagesSaved.Inc()
}

// RecordInvalidated counts pages whose tag was cleared
func (m *Metrics) RecordInvalidated(pages int) {
	if m == nil || pages == 0 {
		return
	}
	m.PagesInvalidated.Add(float64(pages))
}

// RecordEvicted counts evicted responses
func (m *Metrics) RecordEvicted(responses int) {
	if m == nil || responses == 0 {
		return
	}
	m.ResponsesEvicted.Add(float64(responses))
}

// RecordTask observes the duration of a writer task
func (m *Metrics) RecordTask(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TaskDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordUpstream counts a remote request
func (m *Metrics) RecordUpstream(operation, outcome string) {
	if m == nil {
		return
	}
	m.UpstreamRequests.WithLabelValues(operation, outcome).Inc()
}

// RecordSync counts a pushed change
func (m *Metrics) RecordSync(outcome string) {
	if m == nil {
		return
	}
	m.ChangesSynced.WithLabelValues(outcome).Inc()
}

// RecordTransaction counts a committed or rolled back transaction
func (m *Metrics) RecordTransaction(result string) {
	if m == nil {
		return
	}
	m.StoreTransactions.WithLabelValues(result).Inc()
}
