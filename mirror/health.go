package mirror

import (
	"context"
	"fmt"

	"github.com/c360/entitycache/health"
)

// queueDegradedRatio is the writer queue fill above which the writer
// reports degraded
const queueDegradedRatio = 0.8

// Monitor returns the monitor background activity reports to. Callers add
// their own components to it, such as the remote connection.
func (c *Cache) Monitor() *health.Monitor {
	return c.monitor
}

// Health checks the store and the writer and aggregates them with every
// status held by the monitor
func (c *Cache) Health(ctx context.Context) health.Status {
	subs := []health.Status{c.storeHealth(ctx), c.writerHealth()}
	subs = append(subs, c.monitor.List()...)
	return health.Aggregate("entitycache", subs)
}

func (c *Cache) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Cache) storeHealth(ctx context.Context) health.Status {
	if c.closed() {
		return health.NewUnhealthy("store", "cache closed")
	}
	err := c.View(ctx, func(s *Session) error {
		var one int
		return s.Tx().QueryRow(`SELECT 1`).Scan(&one)
	})
	return health.FromError("store", err, "reachable")
}

func (c *Cache) writerHealth() health.Status {
	if c.closed() {
		return health.NewUnhealthy("writer", "stopped")
	}
	st := c.pool.Stats()
	msg := fmt.Sprintf("%d of %d queued", st.QueueDepth, st.QueueSize)
	if st.QueueSize > 0 && float64(st.QueueDepth) >= queueDegradedRatio*float64(st.QueueSize) {
		return health.NewDegraded("writer", msg)
	}
	return health.NewHealthy("writer", msg)
}
