// Package testutil provides helpers shared by package tests: temporary row
// stores and an in-memory NATS requester.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/c360/entitycache/rowstore"
)

// OpenStore opens a row store in a temporary directory and closes it when
// the test ends.
func OpenStore(t testing.TB) *rowstore.Store {
	t.Helper()
	s, err := rowstore.Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"), rowstore.Options{})
	if err != nil {
		t.Fatalf("open row store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Update runs fn in a transaction and fails the test on error
func Update(t testing.TB, s *rowstore.Store, fn func(tx *rowstore.Tx) error) {
	t.Helper()
	if err := s.Update(context.Background(), fn); err != nil {
		t.Fatalf("update: %v", err)
	}
}

// View runs fn in a read transaction and fails the test on error
func View(t testing.TB, s *rowstore.Store, fn func(tx *rowstore.Tx) error) {
	t.Helper()
	if err := s.View(context.Background(), fn); err != nil {
		t.Fatalf("view: %v", err)
	}
}
