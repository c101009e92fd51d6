package partialcache

import (
	"slices"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/hierarchy"
	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/rowstore"
	"github.com/c360/entitycache/schema"
)

// relationshipRemote returns the remote id of a link walked from parent and
// the direction it is walked in. Links without an id get "source:target".
func (w *walk) relationshipRemote(parent identity.RemoteID, link Link) (identity.RemoteID, schema.Direction, error) {
	dir, err := w.catalog.ResolveDirection(parent.Schema, link.Class, parent.Class, link.Instance.Remote.Class)
	if err != nil {
		return identity.RemoteID{}, dir, err
	}
	remote := identity.RemoteID{Schema: parent.Schema, Class: link.Class, ID: link.ID}
	if remote.ID == "" {
		source, target := parent.ID, link.Instance.Remote.ID
		if dir == schema.Backward {
			source, target = target, source
		}
		remote.ID = source + ":" + target
	}
	return remote, dir, nil
}

// collectBatch lists every relationship the result carries
func (w *walk) collectBatch(instances []Instance) (map[identity.RemoteID]struct{}, error) {
	batch := make(map[identity.RemoteID]struct{})
	var visit func(identity.RemoteID, []Link) error
	visit = func(parent identity.RemoteID, links []Link) error {
		for _, link := range links {
			remote, _, err := w.relationshipRemote(parent, link)
			if err != nil {
				return err
			}
			batch[remote] = struct{}{}
			if err := visit(link.Instance.Remote, link.Instance.Related); err != nil {
				return err
			}
		}
		return nil
	}
	for _, inst := range instances {
		if err := visit(inst.Remote, inst.Related); err != nil {
			return nil, err
		}
	}
	return batch, nil
}

// cacheRelated caches the links of a cached entity. The entity holds each
// relationship instance, which holds the related entity. When the instance
// or the related entity already holds the entity, as after walking the same
// link from the other end, the edges are weak so ownership stays acyclic.
// For every relationship class the selection walks, instances no longer
// listed are released.
func (w *walk) cacheRelated(path []string, parent identity.EntityInfo, links []Link) error {
	kept := make(map[string][]rowstore.NodeID)
	for _, link := range links {
		childPath := append(slices.Clip(path), link.Class)
		child, ok, err := w.cacheEntity(childPath, link.Instance)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		rel, ok, err := w.cacheRelationship(childPath, parent, child, link)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		kind, err := w.linkKind(parent.Key.RowID, rel, child.Key.RowID)
		if err != nil {
			return err
		}
		if err := w.graph.Relate(w.tx, parent.Key.RowID, rel, kind); err != nil {
			return err
		}
		if err := w.graph.Relate(w.tx, rel, child.Key.RowID, kind); err != nil {
			return err
		}
		kept[link.Class] = append(kept[link.Class], rel)
	}

	for _, class := range w.sel.Relationships(path...) {
		if err := w.releaseStale(parent, class, kept[class]); err != nil {
			return err
		}
	}
	return nil
}

// linkKind picks the edge kind for parent -> rel -> child
func (w *walk) linkKind(parent, rel, child rowstore.NodeID) (hierarchy.LinkKind, error) {
	for _, from := range []rowstore.NodeID{rel, child} {
		back, err := w.graph.Reaches(w.tx, from, parent)
		if err != nil {
			return 0, err
		}
		if back {
			return hierarchy.Weak, nil
		}
	}
	return hierarchy.Holding, nil
}

// releaseStale drops the relationships of class linked from parent that the
// result no longer lists
func (w *walk) releaseStale(parent identity.EntityInfo, class string, keep []rowstore.NodeID) error {
	for _, kind := range []hierarchy.LinkKind{hierarchy.Holding, hierarchy.Weak} {
		if err := w.releaseStaleKind(parent, class, keep, kind); err != nil {
			return err
		}
	}
	return nil
}

func (w *walk) releaseStaleKind(parent identity.EntityInfo, class string, keep []rowstore.NodeID, kind hierarchy.LinkKind) error {
	children, err := w.graph.Children(w.tx, parent.Key.RowID, kind)
	if err != nil {
		return err
	}
	stale := false
	keepAll := make([]rowstore.NodeID, 0, len(children))
	for _, child := range children {
		if !slices.Contains(keep, child) {
			remote, found, err := w.model.FindRemoteID(w.tx, identity.LocalKey{RowID: child})
			if err != nil {
				return err
			}
			if found && remote.Schema == parent.Remote.Schema && remote.Class == class {
				stale = true
				continue
			}
		}
		keepAll = append(keepAll, child)
	}
	if !stale {
		return nil
	}
	_, err = w.graph.ReleaseStaleChildren(w.tx, parent.Key.RowID, keepAll, kind)
	return err
}

// cacheRelationship persists the relationship instance between a walked
// parent and child. It returns the relationship node and whether one is
// cached.
func (w *walk) cacheRelationship(path []string, parent, child identity.EntityInfo, link Link) (rowstore.NodeID, bool, error) {
	remote, dir, err := w.relationshipRemote(parent.Remote, link)
	if err != nil {
		return 0, false, err
	}
	source, target := parent.Key, child.Key
	if dir == schema.Backward {
		source, target = target, source
	}

	info, err := w.model.ReadRelationship(w.tx, remote)
	if err != nil {
		return 0, false, err
	}
	if info.Persisted() && (info.Source.RowID != source.RowID || info.Target.RowID != target.RowID) {
		// moved on the server: the old instance goes, a new one is cached
		if info.ChangeStatus != identity.NoChange {
			return 0, false, errors.Inconsistency("partialcache", "CacheInstances",
				"relationship %s with local changes moved on the server", remote)
		}
		if _, err := w.graph.DeleteNodes(w.tx, "moved", info.Key.RowID); err != nil {
			return 0, false, err
		}
		info = identity.RelationshipInfo{EntityInfo: identity.EntityInfo{Remote: remote, CacheState: identity.Placeholder}}
	}

	class := w.sel.Classify(path...)
	decision, err := Decide(info.EntityInfo, class, info.Persisted() && w.pinned.Contains(info.Key.RowID))
	if err != nil {
		return 0, false, err
	}
	w.metrics.RecordDecision(decision.String())

	switch decision {
	case RecordIdentity:
		return 0, false, nil
	case Reject, SkipCached:
		// a pinned instance stays as it is; its entities are refetched
		// on their own
		w.visit(info.Key.RowID)
		return info.Key.RowID, true, nil
	}

	updateRel := func(tx *rowstore.Tx, e identity.EntityInfo) error {
		return w.model.UpdateRelationship(tx, identity.RelationshipInfo{EntityInfo: e, Source: source, Target: target})
	}
	stored, err := w.store(info.EntityInfo, decision, class, link.Properties, "", updateRel)
	if err != nil {
		return 0, false, err
	}
	if !stored.Persisted() {
		if err := w.enforceCardinality(remote, source, target); err != nil {
			return 0, false, err
		}
		rel := identity.RelationshipInfo{EntityInfo: stored, Source: source, Target: target}
		if err := w.model.InsertRelationship(w.tx, &rel, link.Properties); err != nil {
			return 0, false, err
		}
		stored = rel.EntityInfo
	}
	w.visit(stored.Key.RowID)
	return stored.Key.RowID, true, nil
}

// enforceCardinality deletes cached relationships that a new instance
// between source and target would push over a declared maximum. Deleting a
// relationship the same result carries means the result contradicts itself.
func (w *walk) enforceCardinality(remote identity.RemoteID, source, target identity.LocalKey) error {
	rc, err := w.catalog.Relationship(remote.Schema, remote.Class)
	if err != nil {
		return err
	}
	typeID, err := w.model.LookupClassID(w.tx, remote.Schema, remote.Class)
	if errors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var victims []identity.RelationshipInfo
	if rc.MaxPerSource > 0 {
		existing, err := w.model.RelationshipsFrom(w.tx, typeID, source.RowID)
		if err != nil {
			return err
		}
		if excess := len(existing) - rc.MaxPerSource + 1; excess > 0 {
			victims = append(victims, existing[:excess]...)
		}
	}
	if rc.MaxPerTarget > 0 {
		existing, err := w.model.RelationshipsTo(w.tx, typeID, target.RowID)
		if err != nil {
			return err
		}
		if excess := len(existing) - rc.MaxPerTarget + 1; excess > 0 {
			victims = append(victims, existing[:excess]...)
		}
	}

	for _, v := range victims {
		if _, inBatch := w.batch[v.Remote]; inBatch {
			return errors.Inconsistency("partialcache", "CacheInstances",
				"%s and %s both exceed the cardinality of %s", v.Remote, remote, remote.Class)
		}
		if v.ChangeStatus != identity.NoChange {
			w.logger.Warn("relationship with local changes kept despite cardinality conflict",
				"remote_id", v.Remote.String(), "conflict", remote.String())
			continue
		}
		if _, err := w.graph.DeleteNodes(w.tx, "cardinality", v.Key.RowID); err != nil {
			return err
		}
	}
	return nil
}
