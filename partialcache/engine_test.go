package partialcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/hierarchy"
	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/rowstore"
	"github.com/c360/entitycache/schema"
	"github.com/c360/entitycache/testutil"
)

type fixture struct {
	store  *rowstore.Store
	model  *identity.Model
	graph  *hierarchy.Graph
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog, err := schema.New(schema.Schema{
		Name: "crm",
		Classes: []schema.EntityClass{
			{Name: "Account"},
			{Name: "Contact"},
		},
		Relationships: []schema.RelationshipClass{
			{Name: "AccountContacts", Source: "Account", Target: "Contact", MaxPerTarget: 1},
		},
	})
	require.NoError(t, err)

	model, err := identity.NewModel(identity.Dependencies{})
	require.NoError(t, err)
	graph, err := hierarchy.New(hierarchy.Dependencies{Status: model})
	require.NoError(t, err)
	graph.RegisterObserver(model)
	graph.RegisterObserver(identity.DanglingRelationships{Model: model})

	engine, err := NewEngine(Dependencies{Model: model, Graph: graph, Catalog: catalog})
	require.NoError(t, err)
	return &fixture{store: testutil.OpenStore(t), model: model, graph: graph, engine: engine}
}

func account(id string) identity.RemoteID {
	return identity.RemoteID{Schema: "crm", Class: "Account", ID: id}
}

func contact(id string) identity.RemoteID {
	return identity.RemoteID{Schema: "crm", Class: "Contact", ID: id}
}

func selection(t *testing.T, option string) *Selection {
	t.Helper()
	sel, err := CompileSelection(option)
	require.NoError(t, err)
	return sel
}

func (f *fixture) cache(t *testing.T, rs ResultSet) Outcome {
	t.Helper()
	var out Outcome
	testutil.Update(t, f.store, func(tx *rowstore.Tx) error {
		var err error
		out, err = f.engine.CacheInstances(tx, rs)
		return err
	})
	return out
}

func (f *fixture) read(t *testing.T, remote identity.RemoteID) (identity.EntityInfo, identity.Properties) {
	t.Helper()
	var info identity.EntityInfo
	var props identity.Properties
	testutil.View(t, f.store, func(tx *rowstore.Tx) error {
		var err error
		info, err = f.model.ReadInfo(tx, remote)
		require.NoError(t, err)
		if info.Persisted() {
			props, err = f.model.ReadProperties(tx, info.Key)
			require.NoError(t, err)
		}
		return nil
	})
	return info, props
}

func TestCacheInstances_FullIsIdempotent(t *testing.T) {
	f := newFixture(t)
	date := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rs := ResultSet{
		Selection: SelectAll(),
		Date:      date,
		Instances: []Instance{{Remote: account("a1"), Properties: identity.Properties{"name": "Acme", "size": 12}, CacheTag: "t1"}},
	}

	first := f.cache(t, rs)
	info1, props1 := f.read(t, account("a1"))
	assert.Equal(t, identity.Full, info1.CacheState)
	assert.Equal(t, "t1", info1.CacheTag)

	rs.Date = date.Add(time.Hour)
	second := f.cache(t, rs)
	info2, props2 := f.read(t, account("a1"))

	assert.Equal(t, first.Top, second.Top)
	assert.Equal(t, info1, info2, "unchanged payload leaves the record untouched")
	assert.True(t, props1.Equal(props2))
	assert.True(t, props2.Equal(identity.Properties{"name": "Acme", "size": 12}))
}

func TestCacheInstances_PartialMergesProperties(t *testing.T) {
	f := newFixture(t)
	f.cache(t, ResultSet{
		Selection: selection(t, "name"),
		Instances: []Instance{{Remote: account("a1"), Properties: identity.Properties{"name": "Acme"}}},
	})
	f.cache(t, ResultSet{
		Selection: selection(t, "city"),
		Instances: []Instance{{Remote: account("a1"), Properties: identity.Properties{"city": "Oslo"}}},
	})

	info, props := f.read(t, account("a1"))
	assert.Equal(t, identity.Partial, info.CacheState)
	assert.True(t, props.Equal(identity.Properties{"name": "Acme", "city": "Oslo"}))
}

func TestCacheInstances_IDOnly(t *testing.T) {
	f := newFixture(t)
	out := f.cache(t, ResultSet{
		Selection: selection(t, "id"),
		Instances: []Instance{{Remote: account("a1")}},
	})
	require.Len(t, out.Top, 1)

	info, _ := f.read(t, account("a1"))
	assert.Equal(t, identity.Placeholder, info.CacheState)

	f.cache(t, ResultSet{Selection: SelectAll(), Instances: []Instance{{Remote: account("a1"), Properties: identity.Properties{"name": "Acme"}}}})
	f.cache(t, ResultSet{Selection: selection(t, "id"), Instances: []Instance{{Remote: account("a1")}}})
	info, props := f.read(t, account("a1"))
	assert.Equal(t, identity.Full, info.CacheState, "id-only results never narrow")
	assert.Equal(t, "Acme", props["name"])
}

func TestCacheInstances_UnpinnedFullNarrowed(t *testing.T) {
	f := newFixture(t)
	f.cache(t, ResultSet{Instances: []Instance{{Remote: account("a1"), Properties: identity.Properties{"name": "Acme"}}}})
	out := f.cache(t, ResultSet{
		Selection: selection(t, "name"),
		Instances: []Instance{{Remote: account("a1"), Properties: identity.Properties{"name": "Acme 2"}}},
	})
	assert.Empty(t, out.Rejected)

	info, props := f.read(t, account("a1"))
	assert.Equal(t, identity.Partial, info.CacheState)
	assert.Equal(t, "Acme 2", props["name"])
}

func TestCacheInstances_PinnedFullRejected(t *testing.T) {
	f := newFixture(t)
	out := f.cache(t, ResultSet{Instances: []Instance{{Remote: account("a1"), Properties: identity.Properties{"name": "Acme"}}}})
	testutil.Update(t, f.store, func(tx *rowstore.Tx) error {
		root, err := f.graph.Root(tx, "offline", hierarchy.Full)
		require.NoError(t, err)
		return f.graph.Relate(tx, root.Node, out.Top[0], hierarchy.Holding)
	})

	out = f.cache(t, ResultSet{
		Selection: selection(t, "name"),
		Instances: []Instance{{Remote: account("a1"), Properties: identity.Properties{"name": "Other"}}},
	})
	assert.Equal(t, []identity.RemoteID{account("a1")}, out.Rejected)
	assert.Len(t, out.Top, 1)

	info, props := f.read(t, account("a1"))
	assert.Equal(t, identity.Full, info.CacheState)
	assert.Equal(t, "Acme", props["name"])
}

func TestCacheInstances_ModifiedMerges(t *testing.T) {
	f := newFixture(t)
	f.cache(t, ResultSet{Instances: []Instance{{Remote: account("a1"), Properties: identity.Properties{"name": "Acme", "city": "Oslo"}}}})

	// local edit of name
	testutil.Update(t, f.store, func(tx *rowstore.Tx) error {
		info, err := f.model.ReadInfo(tx, account("a1"))
		require.NoError(t, err)
		require.NoError(t, f.model.WriteBackup(tx, info.Key, identity.Properties{"name": "Acme", "city": "Oslo"}))
		require.NoError(t, f.model.WriteProperties(tx, info.Key, identity.Properties{"name": "Local", "city": "Oslo"}))
		info.ChangeStatus = identity.Modified
		return f.model.UpdateInfo(tx, info)
	})

	out := f.cache(t, ResultSet{
		Selection: selection(t, "name"),
		Instances: []Instance{{Remote: account("a1"), Properties: identity.Properties{"name": "Server"}}},
	})
	assert.Equal(t, []identity.RemoteID{account("a1")}, out.Rejected, "modified entities need every property")

	received := identity.Properties{"name": "Acme", "city": "Bergen"}
	f.cache(t, ResultSet{Instances: []Instance{{Remote: account("a1"), Properties: received}}})

	info, props := f.read(t, account("a1"))
	assert.Equal(t, identity.Modified, info.ChangeStatus)
	assert.True(t, props.Equal(identity.Properties{"name": "Local", "city": "Bergen"}))

	testutil.View(t, f.store, func(tx *rowstore.Tx) error {
		backup, ok, err := f.model.ReadBackup(tx, info.Key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, backup.Equal(received), "backup tracks the server")
		return nil
	})
}

func TestCacheInstances_CreatedIsInconsistent(t *testing.T) {
	f := newFixture(t)
	var key identity.LocalKey
	testutil.Update(t, f.store, func(tx *rowstore.Tx) error {
		info := identity.EntityInfo{Remote: account(""), CacheState: identity.Full, ChangeStatus: identity.Created}
		require.NoError(t, f.model.InsertInfo(tx, &info, nil))
		key = info.Key
		// assign an id without syncing to simulate the server echoing it
		_, err := tx.Exec(`UPDATE instances SET remote_id = 'a1' WHERE node_id = ?`, int64(key.RowID))
		return err
	})

	err := f.store.Update(context.Background(), func(tx *rowstore.Tx) error {
		_, err := f.engine.CacheInstances(tx, ResultSet{Instances: []Instance{{Remote: account("a1")}}})
		return err
	})
	assert.True(t, errors.IsInconsistency(err))
}

func TestCacheInstances_DeletedKeepsIdentityOnly(t *testing.T) {
	f := newFixture(t)
	f.cache(t, ResultSet{Instances: []Instance{{Remote: account("a1"), Properties: identity.Properties{"name": "Acme"}}}})
	testutil.Update(t, f.store, func(tx *rowstore.Tx) error {
		info, err := f.model.ReadInfo(tx, account("a1"))
		require.NoError(t, err)
		info.ChangeStatus = identity.Deleted
		return f.model.UpdateInfo(tx, info)
	})

	out := f.cache(t, ResultSet{Instances: []Instance{{Remote: account("a1"), Properties: identity.Properties{"name": "Changed"}}}})
	assert.Len(t, out.Top, 1)
	_, props := f.read(t, account("a1"))
	assert.Equal(t, "Acme", props["name"])
}

func TestCacheInstances_Relationships(t *testing.T) {
	f := newFixture(t)
	sel := selection(t, "name AccountContacts { name }")

	out := f.cache(t, ResultSet{
		Selection: sel,
		Instances: []Instance{{
			Remote:     account("a1"),
			Properties: identity.Properties{"name": "Acme"},
			Related: []Link{
				{Class: "AccountContacts", Instance: Instance{Remote: contact("c1"), Properties: identity.Properties{"name": "Kari"}}},
				{Class: "AccountContacts", ID: "r2", Instance: Instance{Remote: contact("c2"), Properties: identity.Properties{"name": "Ola"}}},
			},
		}},
	})
	assert.Len(t, out.Cached, 5)

	testutil.View(t, f.store, func(tx *rowstore.Tx) error {
		rel, err := f.model.ReadRelationship(tx, identity.RemoteID{Schema: "crm", Class: "AccountContacts", ID: "a1:c1"})
		require.NoError(t, err)
		require.True(t, rel.Persisted(), "relationship without id gets one from its endpoints")

		a, _, err := f.model.FindLocalKey(tx, account("a1"))
		require.NoError(t, err)
		c1, _, err := f.model.FindLocalKey(tx, contact("c1"))
		require.NoError(t, err)
		assert.Equal(t, a.RowID, rel.Source.RowID)
		assert.Equal(t, c1.RowID, rel.Target.RowID)

		held, err := f.graph.IsRelated(tx, rel.Key.RowID, c1.RowID, hierarchy.Holding)
		require.NoError(t, err)
		assert.True(t, held)
		return nil
	})

	// the account now lists only c2: the c1 relationship and c1 go away
	f.cache(t, ResultSet{
		Selection: sel,
		Instances: []Instance{{
			Remote:     account("a1"),
			Properties: identity.Properties{"name": "Acme"},
			Related: []Link{
				{Class: "AccountContacts", ID: "r2", Instance: Instance{Remote: contact("c2"), Properties: identity.Properties{"name": "Ola"}}},
			},
		}},
	})
	testutil.View(t, f.store, func(tx *rowstore.Tx) error {
		_, found, err := f.model.FindLocalKey(tx, contact("c1"))
		require.NoError(t, err)
		assert.False(t, found)
		_, found, err = f.model.FindLocalKey(tx, contact("c2"))
		require.NoError(t, err)
		assert.True(t, found)
		return nil
	})
}

func TestCacheInstances_BackwardRelationship(t *testing.T) {
	f := newFixture(t)
	f.cache(t, ResultSet{
		Selection: selection(t, "name AccountContacts { name }"),
		Instances: []Instance{{
			Remote:  contact("c1"),
			Related: []Link{{Class: "AccountContacts", Instance: Instance{Remote: account("a1")}}},
		}},
	})
	testutil.View(t, f.store, func(tx *rowstore.Tx) error {
		rel, err := f.model.ReadRelationship(tx, identity.RemoteID{Schema: "crm", Class: "AccountContacts", ID: "a1:c1"})
		require.NoError(t, err)
		require.True(t, rel.Persisted())
		a, _, err := f.model.FindLocalKey(tx, account("a1"))
		require.NoError(t, err)
		assert.Equal(t, a.RowID, rel.Source.RowID)
		return nil
	})
}

func TestCacheInstances_Cardinality(t *testing.T) {
	f := newFixture(t)
	sel := selection(t, "name AccountContacts { name }")
	link := func(id string) []Link {
		return []Link{{Class: "AccountContacts", ID: id, Instance: Instance{Remote: contact("c1")}}}
	}

	f.cache(t, ResultSet{Selection: sel, Instances: []Instance{{Remote: account("a1"), Related: link("r1")}}})
	f.cache(t, ResultSet{Selection: sel, Instances: []Instance{{Remote: account("a2"), Related: link("r2")}}})

	testutil.View(t, f.store, func(tx *rowstore.Tx) error {
		old, err := f.model.ReadRelationship(tx, identity.RemoteID{Schema: "crm", Class: "AccountContacts", ID: "r1"})
		require.NoError(t, err)
		assert.False(t, old.Persisted(), "a contact belongs to one account")
		_, found, err := f.model.FindLocalKey(tx, contact("c1"))
		require.NoError(t, err)
		assert.True(t, found)
		return nil
	})

	err := f.store.Update(context.Background(), func(tx *rowstore.Tx) error {
		_, err := f.engine.CacheInstances(tx, ResultSet{Selection: sel, Instances: []Instance{
			{Remote: account("a3"), Related: link("r3")},
			{Remote: account("a4"), Related: link("r4")},
		}})
		return err
	})
	assert.True(t, errors.IsInconsistency(err), "the same result cannot attach c1 twice")
}

func TestCacheInstances_Canceled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.store.Update(ctx, func(tx *rowstore.Tx) error {
		out, err := f.engine.CacheInstances(tx, ResultSet{Instances: []Instance{{Remote: account("a1")}}})
		assert.Empty(t, out.Top)
		return err
	})
	assert.True(t, errors.IsCanceled(err))
}

func TestCacheInstances_UnknownClass(t *testing.T) {
	f := newFixture(t)
	err := f.store.Update(context.Background(), func(tx *rowstore.Tx) error {
		_, err := f.engine.CacheInstances(tx, ResultSet{Instances: []Instance{
			{Remote: identity.RemoteID{Schema: "crm", Class: "Lead", ID: "l1"}},
		}})
		return err
	})
	assert.True(t, errors.IsNotFound(err))
}

func TestCacheInstances_PinnedRelationshipKept(t *testing.T) {
	f := newFixture(t)
	related := func(props identity.Properties) []Link {
		return []Link{{Class: "AccountContacts", Instance: Instance{Remote: contact("c1"), Properties: props}}}
	}
	out := f.cache(t, ResultSet{
		Selection: selection(t, "_all AccountContacts { _all }"),
		Instances: []Instance{{
			Remote:     account("a1"),
			Properties: identity.Properties{"name": "Acme"},
			Related:    related(identity.Properties{"name": "Kari", "email": "kari@example.com"}),
		}},
	})
	testutil.Update(t, f.store, func(tx *rowstore.Tx) error {
		root, err := f.graph.Root(tx, "offline", hierarchy.Full)
		require.NoError(t, err)
		return f.graph.Relate(tx, root.Node, out.Top[0], hierarchy.Holding)
	})

	out = f.cache(t, ResultSet{
		Selection: selection(t, "_all AccountContacts { name }"),
		Instances: []Instance{{
			Remote:     account("a1"),
			Properties: identity.Properties{"name": "Acme"},
			Related:    related(identity.Properties{"name": "Other"}),
		}},
	})
	assert.Equal(t, []identity.RemoteID{contact("c1")}, out.Rejected, "only entities are refetched")

	rel := identity.RemoteID{Schema: "crm", Class: "AccountContacts", ID: "a1:c1"}
	testutil.View(t, f.store, func(tx *rowstore.Tx) error {
		info, err := f.model.ReadRelationship(tx, rel)
		require.NoError(t, err)
		assert.True(t, info.Persisted())
		assert.Equal(t, identity.Full, info.CacheState)
		assert.Contains(t, out.Cached, info.Key.RowID)
		return nil
	})
	_, props := f.read(t, contact("c1"))
	assert.Equal(t, "kari@example.com", props["email"])
}

func TestCacheInstances_RelationshipWalkedBothWays(t *testing.T) {
	f := newFixture(t)
	sel := selection(t, "name AccountContacts { name }")

	out := f.cache(t, ResultSet{
		Selection: sel,
		Instances: []Instance{{
			Remote:  account("a1"),
			Related: []Link{{Class: "AccountContacts", Instance: Instance{Remote: contact("c1")}}},
		}},
	})
	testutil.Update(t, f.store, func(tx *rowstore.Tx) error {
		root, err := f.graph.Root(tx, "listing", hierarchy.Temporary)
		require.NoError(t, err)
		return f.graph.Relate(tx, root.Node, out.Top[0], hierarchy.Holding)
	})

	f.cache(t, ResultSet{
		Selection: sel,
		Instances: []Instance{{
			Remote:  contact("c1"),
			Related: []Link{{Class: "AccountContacts", Instance: Instance{Remote: account("a1")}}},
		}},
	})

	testutil.Update(t, f.store, func(tx *rowstore.Tx) error {
		a, _, err := f.model.FindLocalKey(tx, account("a1"))
		require.NoError(t, err)
		c, _, err := f.model.FindLocalKey(tx, contact("c1"))
		require.NoError(t, err)
		cyclic, err := f.graph.Reaches(tx, c.RowID, a.RowID)
		require.NoError(t, err)
		assert.False(t, cyclic, "the contact does not hold its account")

		_, err = f.graph.RemoveRoot(tx, "listing")
		return err
	})
	testutil.View(t, f.store, func(tx *rowstore.Tx) error {
		for _, remote := range []identity.RemoteID{account("a1"), contact("c1")} {
			_, found, err := f.model.FindLocalKey(tx, remote)
			require.NoError(t, err)
			assert.False(t, found, remote.String())
		}
		rel, err := f.model.ReadRelationship(tx, identity.RemoteID{Schema: "crm", Class: "AccountContacts", ID: "a1:c1"})
		require.NoError(t, err)
		assert.False(t, rel.Persisted())
		return nil
	})
}
