package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/rowstore"
)

func TestKeyFor(t *testing.T) {
	key := KeyFor(identity.LocalKey{TypeID: 4, RowID: 99})
	assert.Equal(t, "entities/99", key)

	node, ok := NodeOf(key)
	assert.True(t, ok)
	assert.Equal(t, rowstore.NodeID(99), node)

	for _, bad := range []string{"entities/", "entities/x", "other/1", "entities/-1"} {
		_, ok := NodeOf(bad)
		assert.False(t, ok, bad)
	}
}

func TestValidKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"entities/1", true},
		{"a/b/c.bin", true},
		{"", false},
		{"/abs", false},
		{"dir/", false},
		{"a//b", false},
		{"a/./b", false},
		{"../x", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidKey(tt.key), tt.key)
	}
}
