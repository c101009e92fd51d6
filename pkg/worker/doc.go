// Package worker
//
// # Pool
//
//	pool, err := worker.NewPool(1, 256, func(ctx context.Context, t *task) error {
//		return t.run(ctx)
//	}, worker.WithMetricsRegistry[*task](registry, "entitycache_writer"))
//	if err != nil {
//		return err
//	}
//	_ = pool.Start(ctx)
//	defer pool.Stop(5 * time.Second)
//
// Submit never blocks. A full queue returns ErrQueueFull so callers can
// surface back-pressure instead of stalling. Panics inside the processor are
// recovered and counted as failures.
//
// # Future
//
// Future[T] carries a task result back to the submitter. Resolve is
// idempotent; Wait honors the caller's context without cancelling the task.
package worker
