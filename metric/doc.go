// Package metric
//
// One MetricsRegistry is created per open cache and handed to every
// component through its Dependencies. Components either record into the
// core set (registry.CoreMetrics()) or register their own collectors under
// a service name:
//
//	hits := prometheus.NewCounter(prometheus.CounterOpts{Name: "identity_lookup_hits_total"})
//	if err := registry.RegisterCounter("identity", "lookup_hits", hits); err != nil {
//		return err
//	}
//
// Registering the same service/metric pair twice is an invalid-class error.
package metric
