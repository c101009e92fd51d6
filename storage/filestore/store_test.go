package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	return s
}

func TestNew_RequiresRoot(t *testing.T) {
	_, err := New("")
	assert.True(t, errors.IsInvalid(err))
}

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	key := storage.KeyFor(identity.LocalKey{TypeID: 3, RowID: 17})

	require.NoError(t, s.Put(ctx, key, []byte("v1")))
	require.NoError(t, s.Put(ctx, key, []byte("v2")))
	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Get(ctx, key)
	assert.True(t, errors.IsNotFound(err))
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for _, k := range []string{"entities/2", "entities/10", "exports/a/b"} {
		require.NoError(t, s.Put(ctx, k, []byte(k)))
	}
	require.NoError(t, os.WriteFile(filepath.Join(s.root, "entities", tempPrefix+"123"), nil, 0o644))

	tests := []struct {
		prefix string
		want   []string
	}{
		{"", []string{"entities/10", "entities/2", "exports/a/b"}},
		{storage.EntityPrefix, []string{"entities/10", "entities/2"}},
		{"exports/a/", []string{"exports/a/b"}},
		{"none/", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			keys, err := s.List(ctx, tt.prefix)
			require.NoError(t, err)
			assert.Equal(t, tt.want, keys)
		})
	}
}

func TestStore_RejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for _, key := range []string{"../outside", "a/../../b", "/etc/passwd", `a\b`, "a/" + tempPrefix + "x"} {
		assert.True(t, errors.IsInvalid(s.Put(ctx, key, []byte("x"))), key)
	}
}

func TestStore_Canceled(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, errors.IsCanceled(s.Put(ctx, "a", nil)))
	_, err := s.Get(ctx, "a")
	assert.True(t, errors.IsCanceled(err))
}
