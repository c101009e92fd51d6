package mirror

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitycache/config"
	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/hierarchy"
	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/metric"
	"github.com/c360/entitycache/partialcache"
	"github.com/c360/entitycache/remote"
	"github.com/c360/entitycache/remote/remotetest"
	"github.com/c360/entitycache/schema"
	"github.com/c360/entitycache/storage/filestore"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	cache    *Cache
	backend  *remotetest.Backend
	blobs    *filestore.Store
	registry *metric.MetricsRegistry
	clock    *clock
	cfg      *config.Config
}

func testCatalog(t *testing.T) *schema.Catalog {
	t.Helper()
	catalog, err := schema.New(schema.Schema{
		Name: "crm",
		Classes: []schema.EntityClass{
			{Name: "Account"},
			{Name: "Contact"},
		},
		Relationships: []schema.RelationshipClass{
			{Name: "AccountContacts", Source: "Account", Target: "Contact"},
		},
	})
	require.NoError(t, err)
	return catalog
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "cache.db")
	cfg.Writer.StopTimeout = 5 * time.Second
	cfg.Responses.SweepInterval = 0
	return cfg
}

func newFixture(t *testing.T, configure ...func(*config.Config)) *fixture {
	t.Helper()
	cfg := testConfig(t)
	for _, fn := range configure {
		fn(cfg)
	}

	blobs, err := filestore.New(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)

	f := &fixture{
		backend:  remotetest.NewBackend(),
		blobs:    blobs,
		registry: metric.NewMetricsRegistry(),
		clock:    &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		cfg:      cfg,
	}
	f.cache, err = Open(context.Background(), cfg, Dependencies{
		MetricsRegistry: f.registry,
		Catalog:         testCatalog(t),
		Remote:          f.backend,
		Blobs:           blobs,
		Now:             f.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.cache.Close(context.Background()) })
	return f
}

func account(id string) identity.RemoteID {
	return identity.RemoteID{Schema: "crm", Class: "Account", ID: id}
}

func contact(id string) identity.RemoteID {
	return identity.RemoteID{Schema: "crm", Class: "Contact", ID: id}
}

func instance(id identity.RemoteID, props identity.Properties) partialcache.Instance {
	return partialcache.Instance{Remote: id, Properties: props, CacheTag: "e-" + id.ID}
}

func accountsQuery() remote.Query {
	return remote.Query{Schema: "crm", Class: "Account"}
}

// do runs fn on the writer and fails the test on error
func do[T any](t *testing.T, c *Cache, fn func(*Session) (T, error)) T {
	t.Helper()
	v, err := Do(context.Background(), c, t.Name(), fn).Wait(context.Background())
	require.NoError(t, err)
	return v
}

func (f *fixture) localKey(t *testing.T, id identity.RemoteID) identity.LocalKey {
	t.Helper()
	return do(t, f.cache, func(s *Session) (identity.LocalKey, error) {
		key, found, err := s.FindLocalKey(id)
		if err == nil && !found {
			err = errors.NotFound("test", "localKey", "%s", id)
		}
		return key, err
	})
}

func TestOpen_Validation(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*config.Config)
		deps      Dependencies
	}{
		{"no catalog", func(*config.Config) {}, Dependencies{}},
		{"missing catalog file", func(c *config.Config) { c.Schema.Path = filepath.Join(t.TempDir(), "none.yaml") }, Dependencies{}},
		{"invalid config", func(c *config.Config) { c.Writer.QueueSize = 0 }, Dependencies{Catalog: testCatalog(t)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.configure(cfg)
			_, err := Open(context.Background(), cfg, tt.deps)
			assert.Error(t, err)
		})
	}
}

func TestOpen_IsExclusive(t *testing.T) {
	f := newFixture(t)

	_, err := Open(context.Background(), f.cfg, Dependencies{Catalog: testCatalog(t)})
	assert.ErrorIs(t, err, errors.ErrStoreLocked)

	require.NoError(t, f.cache.Close(context.Background()))
	reopened, err := Open(context.Background(), f.cfg, Dependencies{Catalog: testCatalog(t)})
	require.NoError(t, err)
	require.NoError(t, reopened.Close(context.Background()))
}

func TestDo_CommitsAndRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := do(t, f.cache, func(s *Session) (hierarchy.Root, error) {
		return s.Root("kept", hierarchy.Full)
	})
	assert.Equal(t, "kept", root.Name)

	boom := stderrors.New("boom")
	_, err := f.cache.Submit(ctx, "fails", func(s *Session) error {
		if _, err := s.Root("discarded", hierarchy.Default); err != nil {
			return err
		}
		return boom
	}).Wait(ctx)
	assert.ErrorIs(t, err, boom)

	roots := do(t, f.cache, func(s *Session) ([]hierarchy.Root, error) { return s.ListRoots() })
	names := make([]string, len(roots))
	for i, r := range roots {
		names[i] = r.Name
	}
	assert.Equal(t, []string{"kept"}, names)
}

func TestDo_Cancellation(t *testing.T) {
	f := newFixture(t)

	t.Run("canceled before start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		ran := false
		_, err := f.cache.Submit(ctx, "never", func(*Session) error {
			ran = true
			return nil
		}).Wait(context.Background())
		assert.True(t, errors.IsCanceled(err))
		assert.False(t, ran)
	})

	t.Run("canceled task keeps its work", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		n, err := Do(ctx, f.cache, "partial", func(s *Session) (int, error) {
			if _, err := s.Root("partial", hierarchy.Default); err != nil {
				return 0, err
			}
			cancel()
			return 1, errors.Canceled(s.Context(), "test", "partial")
		}).Wait(context.Background())
		assert.True(t, errors.IsCanceled(err))
		assert.Equal(t, 1, n)

		found := do(t, f.cache, func(s *Session) (bool, error) {
			_, found, err := s.FindRoot("partial")
			return found, err
		})
		assert.True(t, found)
	})
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.cache.Close(ctx))
	require.NoError(t, f.cache.Close(ctx), "close is idempotent")

	_, err := f.cache.Submit(ctx, "late", func(*Session) error { return nil }).Wait(ctx)
	assert.ErrorIs(t, err, errors.ErrStoreClosed)
	assert.True(t, errors.IsTransient(err))
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.SetQuery(accountsQuery(), remote.Result{CacheTag: "p1", Instances: []partialcache.Instance{
		instance(account("a1"), identity.Properties{"name": "Acme"}),
	}})
	_, err := f.cache.FetchQuery(ctx, FetchRequest{Query: accountsQuery()})
	require.NoError(t, err)
	do(t, f.cache, func(s *Session) (identity.EntityInfo, error) {
		return s.Create("crm", "Account", identity.Properties{"name": "New"})
	})

	st, err := f.cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Nodes["entity"])
	assert.Equal(t, 1, st.Nodes["response"])
	assert.Equal(t, 1, st.Nodes["page"])
	assert.Equal(t, 2, st.Roots, "queries and changes")
	assert.Equal(t, 1, st.PendingChanges)
	assert.Zero(t, st.Blobs)
	assert.GreaterOrEqual(t, st.Writer.Processed, int64(2))
	assert.Contains(t, st.Lookups, "forward")
}

func TestEvictExpired(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Responses.MaxAge = time.Hour
		c.Responses.EvictNames = []string{accountsQuery().Name()}
	})
	ctx := context.Background()
	f.backend.SetQuery(accountsQuery(), remote.Result{CacheTag: "p1", Instances: []partialcache.Instance{
		instance(account("a1"), identity.Properties{"name": "Acme"}),
	}})
	_, err := f.cache.FetchQuery(ctx, FetchRequest{Query: accountsQuery()})
	require.NoError(t, err)

	n, err := f.cache.EvictExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "response accessed within max age")

	f.clock.Advance(2 * time.Hour)
	n, err = f.cache.EvictExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	info := do(t, f.cache, func(s *Session) (identity.EntityInfo, error) { return s.ReadInfo(account("a1")) })
	assert.False(t, info.Persisted(), "entity only the response held is evicted with it")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.registry.CoreMetrics().ResponsesEvicted))
}

func TestSweeper(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Responses.MaxAge = time.Minute
		c.Responses.EvictNames = []string{accountsQuery().Name()}
		c.Responses.SweepInterval = 20 * time.Millisecond
	})
	ctx := context.Background()
	f.backend.SetQuery(accountsQuery(), remote.Result{CacheTag: "p1", Instances: []partialcache.Instance{
		instance(account("a1"), nil),
	}})
	_, err := f.cache.FetchQuery(ctx, FetchRequest{Query: accountsQuery()})
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	assert.Eventually(t, func() bool {
		st, err := f.cache.Stats(ctx)
		return err == nil && st.Nodes["response"] == 0
	}, 5*time.Second, 20*time.Millisecond)
}
