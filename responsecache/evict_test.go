package responsecache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/rowstore"
	"github.com/c360/entitycache/testutil"
)

func TestInvalidate_KeepsData(t *testing.T) {
	f := newFixture(t)
	testutil.Update(t, f.store, func(tx *rowstore.Tx) error {
		k1, k2 := f.key(t, tx, "contacts"), f.key(t, tx, "recent")
		e, other := f.entity(t, tx, "e"), f.entity(t, tx, "o")

		_, err := f.cache.SavePage(tx, k1, 0, "t1", []rowstore.NodeID{e, other}, now)
		require.NoError(t, err)
		_, err = f.cache.SavePage(tx, k2, 0, "t2", []rowstore.NodeID{other}, now)
		require.NoError(t, err)
		require.NoError(t, f.cache.SetCompleted(tx, k1, true))

		n, err := f.cache.Invalidate(tx, e)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		p1, _, err := f.cache.Page(tx, k1, 0)
		require.NoError(t, err)
		assert.Empty(t, p1.CacheTag)
		assert.Equal(t, []rowstore.NodeID{e, other}, p1.Results)
		done, err := f.cache.IsCompleted(tx, k1)
		require.NoError(t, err)
		assert.True(t, done)

		p2, _, err := f.cache.Page(tx, k2, 0)
		require.NoError(t, err)
		assert.Equal(t, "t2", p2.CacheTag)

		n, err = f.cache.InvalidateResponse(tx, k2)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	})
}

func TestInvalidate_WeakResult(t *testing.T) {
	f := newFixture(t)
	testutil.Update(t, f.store, func(tx *rowstore.Tx) error {
		parent := f.entity(t, tx, "p")
		root := f.key(t, tx, "accounts")
		k := Key{Parent: parent, Holder: root.Holder, Name: "self"}
		_, err := f.cache.SavePage(tx, k, 0, "t", []rowstore.NodeID{parent}, now)
		require.NoError(t, err)

		n, err := f.cache.Invalidate(tx, parent)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	})
}

func TestEvictByAge(t *testing.T) {
	f := newFixture(t)
	cutoff := now
	var never, older, newer Key
	var neverChild, newerChild rowstore.NodeID
	testutil.Update(t, f.store, func(tx *rowstore.Tx) error {
		never, older, newer = f.key(t, tx, "listing"), f.key(t, tx, "listing"), f.key(t, tx, "listing")
		never.Parent = f.entity(t, tx, "p1")
		older.Parent = f.entity(t, tx, "p2")
		newer.Parent = f.entity(t, tx, "p3")
		neverChild, newerChild = f.entity(t, tx, "c1"), f.entity(t, tx, "c3")

		_, err := f.cache.SavePage(tx, never, 0, "", []rowstore.NodeID{neverChild}, now)
		require.NoError(t, err)
		_, err = tx.Exec(`UPDATE responses SET access_date = NULL WHERE parent_id = ?`, int64(never.Parent))
		require.NoError(t, err)
		_, err = f.cache.SavePage(tx, older, 0, "", nil, cutoff.Add(-time.Second))
		require.NoError(t, err)
		_, err = f.cache.SavePage(tx, newer, 0, "", []rowstore.NodeID{newerChild}, cutoff.Add(time.Second))
		require.NoError(t, err)
		return nil
	})

	testutil.Update(t, f.store, func(tx *rowstore.Tx) error {
		n, err := f.cache.EvictByAge(tx, "listing", cutoff, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		for key, want := range map[Key]bool{never: false, older: false, newer: true} {
			_, found, err := f.cache.Response(tx, key)
			require.NoError(t, err)
			assert.Equal(t, want, found, key.String())
		}
		assert.False(t, exists(t, tx, neverChild))
		assert.True(t, exists(t, tx, newerChild))
		return nil
	})
}

func TestEvictByAge_Except(t *testing.T) {
	f := newFixture(t)
	testutil.Update(t, f.store, func(tx *rowstore.Tx) error {
		a, b := f.key(t, tx, "listing"), f.key(t, tx, "listing")
		b.Parent = f.entity(t, tx, "p")
		for _, k := range []Key{a, b} {
			_, err := f.cache.SavePage(tx, k, 0, "", nil, now.Add(-time.Hour))
			require.NoError(t, err)
		}

		n, err := f.cache.EvictByAge(tx, "listing", now, []Key{b})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, found, err := f.cache.Response(tx, b)
		require.NoError(t, err)
		assert.True(t, found)

		n, err = f.cache.EvictByAge(tx, "other", now, nil)
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	})
}

func TestEvictByAge_Canceled(t *testing.T) {
	f := newFixture(t)
	testutil.Update(t, f.store, func(tx *rowstore.Tx) error {
		k := f.key(t, tx, "listing")
		_, err := f.cache.SavePage(tx, k, 0, "", nil, now.Add(-time.Hour))
		return err
	})

	ctx, cancel := context.WithCancel(context.Background())
	var evicted int
	err := f.store.Update(ctx, func(tx *rowstore.Tx) error {
		cancel()
		var err error
		evicted, err = f.cache.EvictByAge(tx, "listing", now, nil)
		return err
	})
	assert.True(t, errors.IsCanceled(err))
	assert.Zero(t, evicted)
}
