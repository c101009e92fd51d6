package mirror

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/pkg/worker"
	"github.com/c360/entitycache/rowstore"
)

// task is one unit of work for the writer
type task struct {
	id   uuid.UUID
	name string
	ctx  context.Context
	run  func(*Session) error
	// finish resolves the caller's future; only its first call counts
	finish func(error)
}

// Submit queues fn on the writer
func (c *Cache) Submit(ctx context.Context, name string, fn func(*Session) error) *worker.Future[struct{}] {
	return Do(ctx, c, name, func(s *Session) (struct{}, error) {
		return struct{}{}, fn(s)
	})
}

// Do queues fn on the writer and resolves the returned future with its
// result. name labels the task in logs.
func Do[T any](ctx context.Context, c *Cache, name string, fn func(*Session) (T, error)) *worker.Future[T] {
	f := worker.NewFuture[T]()
	var value T
	t := &task{
		id:   uuid.New(),
		name: name,
		ctx:  ctx,
		run: func(s *Session) error {
			var err error
			value, err = fn(s)
			return err
		},
	}
	t.finish = func(err error) {
		if err != nil && !errors.IsCanceled(err) {
			var zero T
			f.Resolve(zero, err)
			return
		}
		f.Resolve(value, err)
	}

	if err := c.enqueue(t); err != nil {
		return worker.Failed[T](err)
	}
	return f
}

func (c *Cache) enqueue(t *task) error {
	c.mu.Lock()
	c.pending[t.id] = t
	c.mu.Unlock()

	err := c.pool.Submit(t)
	if err == nil {
		return nil
	}
	c.mu.Lock()
	delete(c.pending, t.id)
	c.mu.Unlock()

	if stderrors.Is(err, worker.ErrQueueFull) {
		return errors.WrapTransient(err, "mirror", "Submit", t.name)
	}
	return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStoreClosed, err), "mirror", "Submit", t.name)
}

// claim takes t off the pending set. It fails when Close already failed t.
func (c *Cache) claim(t *task) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[t.id]; !ok {
		return false
	}
	delete(c.pending, t.id)
	return true
}

// abandonPending fails every task that was queued but never started
func (c *Cache) abandonPending() {
	c.mu.Lock()
	left := make([]*task, 0, len(c.pending))
	for id, t := range c.pending {
		left = append(left, t)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, t := range left {
		t.finish(errors.WrapTransient(errors.ErrStoreClosed, "mirror", "Close", t.name))
	}
	if len(left) > 0 {
		c.logger.Warn("writer tasks abandoned on close", "count", len(left))
	}
}

// process runs one task in a row store transaction
func (c *Cache) process(_ context.Context, t *task) (err error) {
	if !c.claim(t) {
		return nil
	}
	start := time.Now()
	defer func() {
		t.finish(err)
		c.metrics.RecordTask(outcome(err), time.Since(start))
	}()

	if t.ctx.Err() != nil {
		return errors.Canceled(t.ctx, "mirror", t.name)
	}
	err = c.store.Update(t.ctx, func(tx *rowstore.Tx) error {
		return t.run(&Session{c: c, tx: tx})
	})
	if err != nil && !errors.IsCanceled(err) {
		c.logger.Debug("writer task failed", "task", t.name, "task_id", t.id, "error", err)
	}
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.IsCanceled(err):
		return "canceled"
	default:
		return "rolled_back"
	}
}

// View runs fn in a read-only transaction without going through the
// writer. Writes made by fn are discarded.
func (c *Cache) View(ctx context.Context, fn func(*Session) error) error {
	return c.store.View(ctx, func(tx *rowstore.Tx) error {
		return fn(&Session{c: c, tx: tx})
	})
}
