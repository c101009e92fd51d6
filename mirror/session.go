package mirror

import (
	"context"
	"time"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/hierarchy"
	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/partialcache"
	"github.com/c360/entitycache/responsecache"
	"github.com/c360/entitycache/rowstore"
)

// Session is the view of the cache a task gets. It is only valid inside
// the task function.
type Session struct {
	c  *Cache
	tx *rowstore.Tx
}

// Context returns the context the task was queued with
func (s *Session) Context() context.Context {
	return s.tx.Context()
}

// Tx returns the underlying row store transaction
func (s *Session) Tx() *rowstore.Tx {
	return s.tx
}

// Now returns the cache clock
func (s *Session) Now() time.Time {
	return s.c.now()
}

// ReadInfo returns the identity record of remote. Unknown entities come
// back unpersisted.
func (s *Session) ReadInfo(remote identity.RemoteID) (identity.EntityInfo, error) {
	return s.c.model.ReadInfo(s.tx, remote)
}

// ReadInfoByKey returns the identity record of a cached entity
func (s *Session) ReadInfoByKey(key identity.LocalKey) (identity.EntityInfo, error) {
	return s.c.model.ReadInfoByKey(s.tx, key)
}

// ReadRelationship returns the identity record and endpoints of a cached
// relationship instance
func (s *Session) ReadRelationship(key identity.LocalKey) (identity.RelationshipInfo, error) {
	return s.c.model.ReadRelationshipByKey(s.tx, key)
}

// FindLocalKey maps a remote id to its local key
func (s *Session) FindLocalKey(remote identity.RemoteID) (identity.LocalKey, bool, error) {
	return s.c.model.FindLocalKey(s.tx, remote)
}

// FindRemoteID maps a local key to its remote id
func (s *Session) FindRemoteID(key identity.LocalKey) (identity.RemoteID, bool, error) {
	return s.c.model.FindRemoteID(s.tx, key)
}

// ReadProperties returns the cached properties of an entity
func (s *Session) ReadProperties(key identity.LocalKey) (identity.Properties, error) {
	return s.c.model.ReadProperties(s.tx, key)
}

// CacheInstances stores a query result. A zero rs.Date is set to the cache
// clock.
func (s *Session) CacheInstances(rs partialcache.ResultSet) (partialcache.Outcome, error) {
	if rs.Date.IsZero() {
		rs.Date = s.Now()
	}
	return s.c.engine.CacheInstances(s.tx, rs)
}

// SavePage stores one page of a response and reconciles its results
func (s *Session) SavePage(key responsecache.Key, index int, cacheTag string, results []rowstore.NodeID) (responsecache.Page, error) {
	return s.c.responses.SavePage(s.tx, key, index, cacheTag, results, s.Now())
}

// Response looks up a cached response
func (s *Session) Response(key responsecache.Key) (responsecache.Response, bool, error) {
	return s.c.responses.Response(s.tx, key)
}

// Page looks up one page of a response
func (s *Session) Page(key responsecache.Key, index int) (responsecache.Page, bool, error) {
	return s.c.responses.Page(s.tx, key, index)
}

// Pages lists the pages of a response in index order
func (s *Session) Pages(key responsecache.Key) ([]responsecache.Page, error) {
	return s.c.responses.Pages(s.tx, key)
}

// SetCompleted marks whether every page of a response has been fetched
func (s *Session) SetCompleted(key responsecache.Key, completed bool) error {
	return s.c.responses.SetCompleted(s.tx, key, completed)
}

// IsCompleted reports whether a response can be served from the cache alone
func (s *Session) IsCompleted(key responsecache.Key) (bool, error) {
	return s.c.responses.IsCompleted(s.tx, key)
}

// Invalidate clears the tag of every page listing node
func (s *Session) Invalidate(node rowstore.NodeID) (int, error) {
	return s.c.responses.Invalidate(s.tx, node)
}

// InvalidateResponse clears the tag of every page of a response
func (s *Session) InvalidateResponse(key responsecache.Key) (int, error) {
	return s.c.responses.InvalidateResponse(s.tx, key)
}

// EvictByAge deletes the responses called name last accessed before cutoff
func (s *Session) EvictByAge(name string, cutoff time.Time, except []responsecache.Key) (int, error) {
	return s.c.responses.EvictByAge(s.tx, name, cutoff, except)
}

// DeleteResponse deletes a response with its pages
func (s *Session) DeleteResponse(key responsecache.Key) (bool, error) {
	return s.c.responses.DeleteResponse(s.tx, key)
}

// DeleteNode deletes a node and cascades to what it alone held
func (s *Session) DeleteNode(node rowstore.NodeID) (int, error) {
	return s.c.graph.DeleteNodes(s.tx, "explicit", node)
}

// CleanupIfOrphaned deletes node when nothing holds it
func (s *Session) CleanupIfOrphaned(node rowstore.NodeID) (bool, error) {
	return s.c.graph.CleanupIfOrphaned(s.tx, node)
}

// Root returns the root called name, creating it with persistence
func (s *Session) Root(name string, persistence hierarchy.Persistence) (hierarchy.Root, error) {
	return s.c.graph.Root(s.tx, name, persistence)
}

// FindRoot looks up a root without creating it
func (s *Session) FindRoot(name string) (hierarchy.Root, bool, error) {
	return s.c.graph.FindRoot(s.tx, name)
}

// ListRoots lists every root
func (s *Session) ListRoots() ([]hierarchy.Root, error) {
	return s.c.graph.ListRoots(s.tx)
}

// SetPersistence changes the persistence of an existing root
func (s *Session) SetPersistence(name string, persistence hierarchy.Persistence) error {
	return s.c.graph.SetPersistence(s.tx, name, persistence)
}

// RemoveRoot deletes a root and what it alone held
func (s *Session) RemoveRoot(name string) (int, error) {
	return s.c.graph.RemoveRoot(s.tx, name)
}

// ReleaseTemporaryRoots deletes every Temporary root
func (s *Session) ReleaseTemporaryRoots() (int, error) {
	return s.c.graph.ReleaseTemporaryRoots(s.tx)
}

// Hold makes the root called name hold a cached entity
func (s *Session) Hold(name string, key identity.LocalKey) error {
	root, found, err := s.FindRoot(name)
	if err != nil {
		return err
	}
	if !found {
		return errors.NotFound("mirror", "Hold", "root %q", name)
	}
	if _, err := s.ReadInfoByKey(key); err != nil {
		return err
	}
	return s.c.graph.Relate(s.tx, root.Node, key.RowID, hierarchy.Holding)
}

// Release drops the hold of the root called name on an entity and deletes
// the entity when nothing else holds it
func (s *Session) Release(name string, key identity.LocalKey) (bool, error) {
	root, found, err := s.FindRoot(name)
	if err != nil || !found {
		return false, err
	}
	if err := s.c.graph.Unrelate(s.tx, root.Node, key.RowID); err != nil {
		return false, err
	}
	return s.CleanupIfOrphaned(key.RowID)
}

// Create records a new entity that only exists locally
func (s *Session) Create(schemaName, class string, props identity.Properties) (identity.EntityInfo, error) {
	return s.c.tracker.Create(s.tx, schemaName, class, props)
}

// CreateRelationship records a new relationship between cached entities
func (s *Session) CreateRelationship(schemaName, class string, source, target identity.LocalKey, props identity.Properties) (identity.RelationshipInfo, error) {
	return s.c.tracker.CreateRelationship(s.tx, schemaName, class, source, target, props)
}

// Modify replaces the properties of a full entity
func (s *Session) Modify(key identity.LocalKey, props identity.Properties) (identity.EntityInfo, error) {
	return s.c.tracker.Modify(s.tx, key, props)
}

// Delete marks an entity deleted; removed reports a local-only entity that
// was dropped outright
func (s *Session) Delete(key identity.LocalKey) (info identity.EntityInfo, removed bool, err error) {
	return s.c.tracker.Delete(s.tx, key)
}

// Revert discards the local edits of an entity
func (s *Session) Revert(key identity.LocalKey) error {
	return s.c.tracker.Revert(s.tx, key)
}

// Pending lists pending changes in change order
func (s *Session) Pending(onlyReady bool) ([]identity.RelationshipInfo, error) {
	return s.c.tracker.Pending(s.tx, onlyReady)
}

// MarkReady marks the pending changes held by the named roots, or every
// pending change when no root is named, for the next sync
func (s *Session) MarkReady(roots ...string) (int, error) {
	nodes := make([]rowstore.NodeID, 0, len(roots))
	for _, name := range roots {
		root, found, err := s.FindRoot(name)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, errors.NotFound("mirror", "MarkReady", "root %q", name)
		}
		nodes = append(nodes, root.Node)
	}
	return s.c.tracker.MarkReady(s.tx, nodes...)
}
