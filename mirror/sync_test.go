package mirror

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/partialcache"
	"github.com/c360/entitycache/remote"
)

// seedAccounts caches accounts the backend also knows about
func (f *fixture) seedAccounts(t *testing.T, ids ...string) {
	t.Helper()
	instances := make([]partialcache.Instance, len(ids))
	for i, id := range ids {
		props := identity.Properties{"name": "account " + id}
		f.backend.Put(account(id), props)
		instances[i] = instance(account(id), props)
	}
	f.backend.SetQuery(accountsQuery(), remote.Result{CacheTag: "p1", Instances: instances})
	_, err := f.cache.FetchQuery(context.Background(), FetchRequest{Query: accountsQuery()})
	require.NoError(t, err)
}

func (f *fixture) pending(t *testing.T) []identity.RelationshipInfo {
	t.Helper()
	return do(t, f.cache, func(s *Session) ([]identity.RelationshipInfo, error) { return s.Pending(false) })
}

func TestSyncChanges_PushesEveryKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAccounts(t, "a1", "a2")
	a1 := f.localKey(t, account("a1"))
	a2 := f.localKey(t, account("a2"))

	created := do(t, f.cache, func(s *Session) (identity.EntityInfo, error) {
		if _, err := s.Modify(a1, identity.Properties{"name": "renamed"}); err != nil {
			return identity.EntityInfo{}, err
		}
		if _, _, err := s.Delete(a2); err != nil {
			return identity.EntityInfo{}, err
		}
		return s.Create("crm", "Account", identity.Properties{"name": "new"})
	})

	report, err := f.cache.SyncChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 1, report.Deleted)
	assert.Empty(t, report.Failed)
	assert.Empty(t, f.pending(t))

	props, ok := f.backend.Object(account("a1"))
	require.True(t, ok)
	assert.Equal(t, "renamed", props["name"])
	_, ok = f.backend.Object(account("a2"))
	assert.False(t, ok)

	info := do(t, f.cache, func(s *Session) (identity.EntityInfo, error) { return s.ReadInfoByKey(created.Key) })
	assert.Equal(t, account("srv-1"), info.Remote)
	assert.Equal(t, identity.NoChange, info.ChangeStatus)
	assert.Equal(t, created.Key, f.localKey(t, account("srv-1")))

	gone := do(t, f.cache, func(s *Session) (identity.EntityInfo, error) { return s.ReadInfo(account("a2")) })
	assert.False(t, gone.Persisted())
}

func TestSyncChanges_DependentRelationship(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.Hook = func(op string, obj remote.Object) error {
		if op == remote.OpCreate && obj.Remote.Class == "Contact" {
			return errors.NewUpstream(remote.CodeInternal, "contact store down", nil)
		}
		return nil
	}

	rel := do(t, f.cache, func(s *Session) (identity.RelationshipInfo, error) {
		acct, err := s.Create("crm", "Account", identity.Properties{"name": "Acme"})
		if err != nil {
			return identity.RelationshipInfo{}, err
		}
		person, err := s.Create("crm", "Contact", identity.Properties{"name": "Ada"})
		if err != nil {
			return identity.RelationshipInfo{}, err
		}
		return s.CreateRelationship("crm", "AccountContacts", acct.Key, person.Key, nil)
	})

	report, err := f.cache.SyncChanges(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, report.Created)
	require.Len(t, report.Failed, 2)
	assert.True(t, errors.IsUpstream(report.Failed[rel.Target]))
	assert.True(t, errors.IsDependencyNotSynced(report.Failed[rel.Key]))
	assert.Equal(t, 2, f.backend.Calls(remote.OpCreate), "the relationship is never sent")

	pending := f.pending(t)
	require.Len(t, pending, 2)
	for _, p := range pending {
		assert.Equal(t, identity.Created, p.ChangeStatus)
		assert.Equal(t, identity.NotReady, p.SyncStatus, "sync status is reset after the pass")
	}

	f.backend.Hook = nil
	report, err = f.cache.SyncChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)
	assert.Empty(t, f.pending(t))

	synced := do(t, f.cache, func(s *Session) (identity.RelationshipInfo, error) { return s.ReadRelationship(rel.Key) })
	assert.True(t, synced.Remote.Assigned())
}

func TestSyncChanges_EditedWhileSyncing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAccounts(t, "a1")
	a1 := f.localKey(t, account("a1"))
	do(t, f.cache, func(s *Session) (identity.EntityInfo, error) {
		return s.Modify(a1, identity.Properties{"name": "first"})
	})

	fired := false
	f.backend.Hook = func(op string, _ remote.Object) error {
		if op != remote.OpUpdate || fired {
			return nil
		}
		fired = true
		_, err := Do(ctx, f.cache, "edit", func(s *Session) (identity.EntityInfo, error) {
			return s.Modify(a1, identity.Properties{"name": "second"})
		}).Wait(ctx)
		return err
	}

	report, err := f.cache.SyncChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)

	info := do(t, f.cache, func(s *Session) (identity.EntityInfo, error) { return s.ReadInfoByKey(a1) })
	assert.Equal(t, identity.Modified, info.ChangeStatus, "the later edit stays pending")
	props := do(t, f.cache, func(s *Session) (identity.Properties, error) { return s.ReadProperties(a1) })
	assert.Equal(t, "second", props["name"])
	sent, _ := f.backend.Object(account("a1"))
	assert.Equal(t, "first", sent["name"])
}

func TestSyncChanges_Roots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAccounts(t, "a1")
	a1 := f.localKey(t, account("a1"))
	do(t, f.cache, func(s *Session) (identity.EntityInfo, error) {
		if _, err := s.Modify(a1, identity.Properties{"name": "renamed"}); err != nil {
			return identity.EntityInfo{}, err
		}
		return s.Create("crm", "Contact", identity.Properties{"name": "Ada"})
	})

	_, err := f.cache.SyncChanges(ctx, "unknown")
	assert.True(t, errors.IsNotFound(err))

	report, err := f.cache.SyncChanges(ctx, DefaultRoot)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)
	assert.Zero(t, report.Created, "the new contact is not held by the queries root")
	assert.Zero(t, f.backend.Calls(remote.OpCreate))
	require.Len(t, f.pending(t), 1)
}

func TestSyncChanges_DeleteOfVanishedEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAccounts(t, "a1")
	a1 := f.localKey(t, account("a1"))
	require.NoError(t, f.backend.DeleteObject(ctx, account("a1")))
	f.backend.Hook = func(op string, obj remote.Object) error {
		if op == remote.OpDelete {
			return errors.NewUpstream(remote.CodeNotFound, obj.Remote.String()+" not found", nil)
		}
		return nil
	}
	_, err := f.cache.Submit(ctx, "delete", func(s *Session) error {
		_, _, err := s.Delete(a1)
		return err
	}).Wait(ctx)
	require.NoError(t, err)

	report, err := f.cache.SyncChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	assert.Empty(t, f.pending(t))
}

func TestSyncChanges_NoRemote(t *testing.T) {
	c, err := Open(context.Background(), testConfig(t), Dependencies{Catalog: testCatalog(t)})
	require.NoError(t, err)
	defer c.Close(context.Background())
	_, err = c.SyncChanges(context.Background())
	assert.ErrorIs(t, err, errors.ErrNoConnection)
}
