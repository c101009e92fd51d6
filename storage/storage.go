package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/rowstore"
)

// Store is a key/value store for binary data.
//
// Keys are "/"-separated paths. Implementations must be safe for concurrent
// use.
type Store interface {
	// Put stores data at key, replacing any previous value
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the data at key. A missing key is a NotFound error.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns the keys starting with prefix in lexicographic order
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// EntityPrefix is the key prefix of every entity blob
const EntityPrefix = "entities/"

// KeyFor returns the blob key of a cached entity. Node ids are never reused,
// so a key never outlives its entity.
func KeyFor(key identity.LocalKey) string {
	return NodeKey(key.RowID)
}

// NodeKey returns the blob key of an entity node
func NodeKey(node rowstore.NodeID) string {
	return fmt.Sprintf("%s%d", EntityPrefix, node)
}

// NodeOf parses a key made by NodeKey
func NodeOf(key string) (rowstore.NodeID, bool) {
	rest, ok := strings.CutPrefix(key, EntityPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return rowstore.NodeID(n), true
}

// ValidKey reports whether key is a relative "/"-separated path without
// empty or dot segments
func ValidKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return false
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}
