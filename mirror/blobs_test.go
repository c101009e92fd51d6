package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/storage"
)

func TestBlobs_StoreAndLoad(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAccounts(t, "a1")
	a1 := f.localKey(t, account("a1"))

	require.NoError(t, f.cache.StoreBlob(ctx, a1, []byte("logo v1")))
	require.NoError(t, f.cache.StoreBlob(ctx, a1, []byte("logo v2")))

	data, err := f.cache.LoadBlob(ctx, a1)
	require.NoError(t, err)
	assert.Equal(t, []byte("logo v2"), data)

	st, err := f.cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Blobs)

	err = f.cache.StoreBlob(ctx, identity.LocalKey{TypeID: a1.TypeID, RowID: 9999}, []byte("x"))
	assert.True(t, errors.IsNotFound(err))
	_, err = f.cache.LoadBlob(ctx, identity.LocalKey{TypeID: a1.TypeID, RowID: 9999})
	assert.True(t, errors.IsNotFound(err))
}

func TestBlobs_DeletedWithEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAccounts(t, "a1")
	a1 := f.localKey(t, account("a1"))
	require.NoError(t, f.cache.StoreBlob(ctx, a1, []byte("logo")))

	do(t, f.cache, func(s *Session) (int, error) { return s.RemoveRoot(DefaultRoot) })

	assert.Eventually(t, func() bool {
		_, err := f.cache.LoadBlob(ctx, a1)
		return errors.IsNotFound(err)
	}, 5*time.Second, 10*time.Millisecond)

	st, err := f.cache.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Blobs)
}

func TestSweepBlobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAccounts(t, "a1")
	a1 := f.localKey(t, account("a1"))
	require.NoError(t, f.cache.StoreBlob(ctx, a1, []byte("logo")))
	require.NoError(t, f.blobs.Put(ctx, storage.NodeKey(999), []byte("orphan")))
	require.NoError(t, f.blobs.Put(ctx, storage.EntityPrefix+"x", []byte("junk")))
	require.NoError(t, f.blobs.Put(ctx, "other/kept", []byte("not ours")))

	n, err := f.cache.SweepBlobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	keys, err := f.blobs.List(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{storage.KeyFor(a1), "other/kept"}, keys)
}

func TestBlobs_RequireStore(t *testing.T) {
	c, err := Open(context.Background(), testConfig(t), Dependencies{Catalog: testCatalog(t)})
	require.NoError(t, err)
	defer c.Close(context.Background())

	err = c.StoreBlob(context.Background(), identity.LocalKey{RowID: 1}, []byte("x"))
	assert.True(t, errors.IsInvalid(err))
	_, err = c.SweepBlobs(context.Background())
	assert.True(t, errors.IsInvalid(err))
}
