package mirror

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/entitycache/changes"
	"github.com/c360/entitycache/config"
	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/health"
	"github.com/c360/entitycache/hierarchy"
	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/metric"
	"github.com/c360/entitycache/partialcache"
	"github.com/c360/entitycache/pkg/cache"
	"github.com/c360/entitycache/pkg/worker"
	"github.com/c360/entitycache/remote"
	"github.com/c360/entitycache/responsecache"
	"github.com/c360/entitycache/rowstore"
	"github.com/c360/entitycache/schema"
	"github.com/c360/entitycache/storage"
)

// Dependencies holds what Open does not build from the configuration
type Dependencies struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
	// Catalog takes precedence over schema.path
	Catalog *schema.Catalog
	// Remote is needed by FetchQuery, FetchBatch and SyncChanges
	Remote remote.Client
	// Blobs is needed by StoreBlob and LoadBlob
	Blobs storage.Store
	// Now defaults to time.Now in UTC
	Now func() time.Time
}

// Cache is an open entity cache
type Cache struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time

	store     *rowstore.Store
	model     *identity.Model
	graph     *hierarchy.Graph
	engine    *partialcache.Engine
	responses *responsecache.Cache
	tracker   *changes.Tracker
	remote    remote.Client
	blobs     storage.Store

	pool    *worker.Pool[*task]
	cancel  context.CancelFunc
	mu      sync.Mutex
	pending map[uuid.UUID]*task

	monitor   *health.Monitor
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open opens the cache database named by cfg and starts the writer. A
// second Open of the same database fails with errors.ErrStoreLocked until
// the first is closed.
func Open(ctx context.Context, cfg *config.Config, deps Dependencies) (*Cache, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}

	catalog := deps.Catalog
	if catalog == nil {
		if cfg.Schema.Path == "" {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "mirror", "Open", "a catalog or schema.path is required")
		}
		var err error
		if catalog, err = schema.Load(cfg.Schema.Path); err != nil {
			return nil, err
		}
	}

	var metrics *metric.Metrics
	if deps.MetricsRegistry != nil {
		metrics = deps.MetricsRegistry.CoreMetrics()
	}

	store, err := rowstore.Open(ctx, cfg.Store.Path, rowstore.Options{
		BusyTimeout: cfg.Store.BusyTimeout,
		Logger:      deps.Logger,
		Metrics:     metrics,
	})
	if err != nil {
		return nil, err
	}

	c := &Cache{
		cfg:     cfg,
		logger:  deps.Logger,
		metrics: metrics,
		now:     deps.Now,
		store:   store,
		remote:  deps.Remote,
		blobs:   deps.Blobs,
		pending: make(map[uuid.UUID]*task),
		monitor: health.NewMonitor(),
		done:    make(chan struct{}),
	}
	if err := c.wire(catalog, deps.MetricsRegistry); err != nil {
		_ = store.Close()
		return nil, err
	}

	c.pool, err = worker.NewPool[*task](1, cfg.Writer.QueueSize, c.process,
		worker.WithLogger[*task](deps.Logger),
		worker.WithMetricsRegistry[*task](deps.MetricsRegistry, "writer"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	poolCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if err := c.pool.Start(poolCtx); err != nil {
		cancel()
		_ = store.Close()
		return nil, errors.WrapFatal(err, "mirror", "Open", "start writer")
	}

	if cfg.Responses.SweepInterval > 0 && len(cfg.Responses.EvictNames) > 0 {
		c.monitor.UpdateHealthy("sweeper", "waiting for first sweep")
		c.wg.Add(1)
		go c.sweep(cfg.Responses.SweepInterval)
	}

	c.logger.Info("entity cache opened", "path", store.Path(),
		"remote", c.remote != nil, "blobs", c.blobs != nil)
	return c, nil
}

func (c *Cache) wire(catalog *schema.Catalog, registry *metric.MetricsRegistry) error {
	var err error
	if c.model, err = identity.NewModel(identity.Dependencies{
		Logger:          c.logger,
		MetricsRegistry: registry,
		CacheSize:       c.cfg.Identity.CacheSize,
	}); err != nil {
		return err
	}
	if c.graph, err = hierarchy.New(hierarchy.Dependencies{
		Logger:           c.logger,
		Metrics:          c.metrics,
		Status:           c.model,
		MaxCascadeRounds: c.cfg.Hierarchy.MaxCascadeRounds,
	}); err != nil {
		return err
	}
	if c.engine, err = partialcache.NewEngine(partialcache.Dependencies{
		Logger:  c.logger,
		Metrics: c.metrics,
		Model:   c.model,
		Graph:   c.graph,
		Catalog: catalog,
	}); err != nil {
		return err
	}
	if c.responses, err = responsecache.New(responsecache.Dependencies{
		Logger:  c.logger,
		Metrics: c.metrics,
		Graph:   c.graph,
	}); err != nil {
		return err
	}
	if c.tracker, err = changes.New(changes.Dependencies{
		Logger: c.logger,
		Model:  c.model,
		Graph:  c.graph,
	}); err != nil {
		return err
	}

	c.graph.RegisterObserver(c.model)
	c.graph.RegisterObserver(identity.DanglingRelationships{Model: c.model})
	c.graph.RegisterObserver(c.responses)
	c.graph.RegisterObserver(hierarchy.DeleteObserverFunc(c.blobsDeleted))
	return nil
}

// Close stops the writer, waiting up to writer.stop_timeout for queued
// tasks, and closes the database. Tasks still queued after that fail with
// errors.ErrStoreClosed. ctx bounds the wait for background blob deletes.
func (c *Cache) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		close(c.done)
		var errs []error
		if err := c.pool.Stop(c.cfg.Writer.StopTimeout); err != nil {
			errs = append(errs, errors.WrapTransient(err, "mirror", "Close", "drain writer"))
		}
		c.cancel()
		c.abandonPending()

		background := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(background)
		}()
		select {
		case <-background:
		case <-ctx.Done():
			errs = append(errs, errors.Canceled(ctx, "mirror", "Close"))
		}

		if err := c.store.Close(); err != nil {
			errs = append(errs, err)
		}
		c.closeErr = stderrors.Join(errs...)
		c.logger.Info("entity cache closed", "path", c.store.Path())
	})
	return c.closeErr
}

// Stats summarizes the cache content
type Stats struct {
	Nodes          map[string]int           `json:"nodes"`
	PendingChanges int                      `json:"pending_changes"`
	Roots          int                      `json:"roots"`
	Blobs          int                      `json:"blobs"`
	Writer         worker.PoolStats         `json:"writer"`
	Lookups        map[string]cache.Summary `json:"lookups"`
}

// Stats counts nodes per kind, pending changes, roots and stored blobs
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Nodes: make(map[string]int), Writer: c.pool.Stats(), Lookups: c.model.Stats()}
	err := c.store.View(ctx, func(tx *rowstore.Tx) error {
		rows, err := tx.Query(`SELECT kind, COUNT(*) FROM nodes GROUP BY kind`)
		if err != nil {
			return errors.WrapTransient(err, "mirror", "Stats", "count nodes")
		}
		defer rows.Close()
		for rows.Next() {
			var kind, n int
			if err := rows.Scan(&kind, &n); err != nil {
				return errors.WrapTransient(err, "mirror", "Stats", "scan count")
			}
			st.Nodes[rowstore.NodeKind(kind).String()] = n
		}
		if err := rows.Err(); err != nil {
			return errors.WrapTransient(err, "mirror", "Stats", "iterate counts")
		}

		if err := tx.QueryRow(`SELECT COUNT(*) FROM instances WHERE change_status <> ?`,
			int(identity.NoChange)).Scan(&st.PendingChanges); err != nil {
			return errors.WrapTransient(err, "mirror", "Stats", "count changes")
		}
		if err := tx.QueryRow(`SELECT COUNT(*) FROM roots`).Scan(&st.Roots); err != nil {
			return errors.WrapTransient(err, "mirror", "Stats", "count roots")
		}
		if err := tx.QueryRow(`SELECT COUNT(*) FROM blobs`).Scan(&st.Blobs); err != nil {
			return errors.WrapTransient(err, "mirror", "Stats", "count blobs")
		}
		return nil
	})
	return st, err
}

// EvictExpired evicts the responses named in responses.evict_names that
// were not accessed within responses.max_age
func (c *Cache) EvictExpired(ctx context.Context) (int, error) {
	return c.EvictOlderThan(ctx, c.cfg.Responses.EvictNames, c.cfg.Responses.MaxAge)
}

// EvictOlderThan evicts the responses called one of names that were not
// accessed within age, in one task
func (c *Cache) EvictOlderThan(ctx context.Context, names []string, age time.Duration) (int, error) {
	return Do(ctx, c, "evict", func(s *Session) (int, error) {
		cutoff := s.Now().Add(-age)
		total := 0
		for _, name := range names {
			n, err := s.EvictByAge(name, cutoff, nil)
			total += n
			if err != nil {
				return total, err
			}
		}
		return total, nil
	}).Wait(ctx)
}

func (c *Cache) sweep(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := c.EvictExpired(ctx)
			cancel()
			switch {
			case err != nil && !errors.IsCanceled(err):
				c.logger.Warn("eviction sweep failed", "error", err, "evicted", n)
				c.monitor.UpdateDegraded("sweeper", "last sweep failed")
				continue
			case n > 0:
				c.logger.Info("eviction sweep", "evicted", n)
			}
			c.monitor.UpdateHealthy("sweeper", fmt.Sprintf("last sweep evicted %d responses", n))
		}
	}
}
