package changes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/hierarchy"
	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/rowstore"
	"github.com/c360/entitycache/testutil"
)

func keysOf(infos []identity.RelationshipInfo) []identity.LocalKey {
	keys := make([]identity.LocalKey, len(infos))
	for i, info := range infos {
		keys[i] = info.Key
	}
	return keys
}

func TestPendingAndMarkReady(t *testing.T) {
	f := newFixture(t)
	testutil.Update(t, f.store, func(tx *rowstore.Tx) error {
		modified := f.cached(t, tx, "m", identity.Full, identity.Properties{"n": 1})
		_, err := f.tracker.Modify(tx, modified, identity.Properties{"n": 2})
		require.NoError(t, err)
		created, err := f.tracker.Create(tx, "crm", "Account", nil)
		require.NoError(t, err)
		f.cached(t, tx, "clean", identity.Full, nil)

		pending, err := f.tracker.Pending(tx, false)
		require.NoError(t, err)
		assert.Equal(t, []identity.LocalKey{modified, created.Key}, keysOf(pending))

		ready, err := f.tracker.Pending(tx, true)
		require.NoError(t, err)
		assert.Empty(t, ready)

		folder, err := f.graph.Root(tx, "folder", hierarchy.Default)
		require.NoError(t, err)
		require.NoError(t, f.graph.Relate(tx, folder.Node, created.Key.RowID, hierarchy.Holding))
		n, err := f.tracker.MarkReady(tx, folder.Node)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		ready, err = f.tracker.Pending(tx, true)
		require.NoError(t, err)
		assert.Equal(t, []identity.LocalKey{created.Key}, keysOf(ready))

		n, err = f.tracker.MarkReady(tx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = f.tracker.ResetSyncStatus(tx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	})
}

func TestPending_RelationshipEndpoints(t *testing.T) {
	f := newFixture(t)
	testutil.Update(t, f.store, func(tx *rowstore.Tx) error {
		account := f.cached(t, tx, "a1", identity.Full, nil)
		contact := f.cached(t, tx, "c1", identity.Full, nil)
		rel, err := f.tracker.CreateRelationship(tx, "crm", "AccountContacts", account, contact, nil)
		require.NoError(t, err)

		pending, err := f.tracker.Pending(tx, false)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, rel.Key, pending[0].Key)
		assert.Equal(t, account, pending[0].Source)
		assert.Equal(t, contact, pending[0].Target)
		return nil
	})
}

func TestCommitCreated(t *testing.T) {
	tests := []struct {
		name         string
		editWhileRun bool
		wantStatus   identity.ChangeStatus
		wantPinned   bool
	}{
		{"synced as sent", false, identity.NoChange, false},
		{"edited while syncing", true, identity.Modified, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			testutil.Update(t, f.store, func(tx *rowstore.Tx) error {
				sent := identity.Properties{"name": "New"}
				created, err := f.tracker.Create(tx, "crm", "Account", sent)
				require.NoError(t, err)
				require.NoError(t, f.tracker.MarkSyncing(tx, created.Key))
				if tt.editWhileRun {
					_, err := f.tracker.Modify(tx, created.Key, identity.Properties{"name": "Newer"})
					require.NoError(t, err)
				}

				info, err := f.tracker.CommitCreated(tx, created.Key, "srv-1", sent)
				require.NoError(t, err)
				assert.Equal(t, tt.wantStatus, info.ChangeStatus)
				assert.Equal(t, "srv-1", info.Remote.ID)
				assert.Equal(t, tt.wantPinned, f.pinned(t, tx, created.Key.RowID))

				key, found, err := f.model.FindLocalKey(tx, info.Remote)
				require.NoError(t, err)
				require.True(t, found, "a synced entity nothing holds stays cached")
				assert.Equal(t, created.Key, key)

				backup, found, err := f.model.ReadBackup(tx, created.Key)
				require.NoError(t, err)
				assert.Equal(t, tt.editWhileRun, found)
				if found {
					assert.True(t, sent.Equal(backup))
				}
				return nil
			})
		})
	}
}

func TestCommitModified(t *testing.T) {
	f := newFixture(t)
	testutil.Update(t, f.store, func(tx *rowstore.Tx) error {
		key := f.cached(t, tx, "a1", identity.Full, identity.Properties{"n": 1})
		sent := identity.Properties{"n": 2}
		_, err := f.tracker.Modify(tx, key, sent)
		require.NoError(t, err)

		require.NoError(t, f.tracker.MarkSyncing(tx, key))
		_, err = f.tracker.Modify(tx, key, identity.Properties{"n": 3})
		require.NoError(t, err)
		info, err := f.tracker.CommitModified(tx, key, sent)
		require.NoError(t, err)
		assert.Equal(t, identity.Modified, info.ChangeStatus)
		backup, _, err := f.model.ReadBackup(tx, key)
		require.NoError(t, err)
		assert.True(t, sent.Equal(backup))

		require.NoError(t, f.tracker.MarkSyncing(tx, key))
		info, err = f.tracker.CommitModified(tx, key, identity.Properties{"n": 3})
		require.NoError(t, err)
		assert.Equal(t, identity.NoChange, info.ChangeStatus)
		_, found, err := f.model.ReadBackup(tx, key)
		require.NoError(t, err)
		assert.False(t, found)
		assert.False(t, f.pinned(t, tx, key.RowID))

		_, err = f.tracker.CommitModified(tx, key, nil)
		assert.True(t, errors.IsInconsistency(err))
		return nil
	})
}

func TestCommitDeleted(t *testing.T) {
	f := newFixture(t)
	testutil.Update(t, f.store, func(tx *rowstore.Tx) error {
		key := f.cached(t, tx, "a1", identity.Full, nil)
		assert.True(t, errors.IsInconsistency(f.tracker.CommitDeleted(tx, key)))

		_, _, err := f.tracker.Delete(tx, key)
		require.NoError(t, err)
		require.NoError(t, f.tracker.CommitDeleted(tx, key))
		ok, err := tx.NodeExists(key.RowID)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
}
