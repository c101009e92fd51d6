// Package changes records local edits to cached entities and moves them
// through the change-status transitions until they are synced.
//
// Every pending change is held by the built-in "changes" root, which has
// Full persistence: a changed entity is never evicted with the response
// that listed it, and the partial-cache engine never narrows it.
package changes

import (
	"log/slog"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/hierarchy"
	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/rowstore"
)

// RootName is the root holding every pending change
const RootName = "changes"

// Dependencies holds the collaborators of a Tracker
type Dependencies struct {
	Logger *slog.Logger
	Model  *identity.Model
	Graph  *hierarchy.Graph
}

// Tracker applies local edits
type Tracker struct {
	logger *slog.Logger
	model  *identity.Model
	graph  *hierarchy.Graph
}

// New creates a change tracker
func New(deps Dependencies) (*Tracker, error) {
	if deps.Model == nil || deps.Graph == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "changes", "New", "model and graph are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Tracker{logger: deps.Logger, model: deps.Model, graph: deps.Graph}, nil
}

func (t *Tracker) pin(tx *rowstore.Tx, node rowstore.NodeID) error {
	root, err := t.graph.Root(tx, RootName, hierarchy.Full)
	if err != nil {
		return err
	}
	return t.graph.Relate(tx, root.Node, node, hierarchy.Holding)
}

// unpin releases a synced change. The instance stays cached for as long as
// anything else holds it; an instance nothing holds is left for the next
// release or eviction that touches it.
func (t *Tracker) unpin(tx *rowstore.Tx, node rowstore.NodeID) error {
	root, found, err := t.graph.FindRoot(tx, RootName)
	if err != nil || !found {
		return err
	}
	return t.graph.Unrelate(tx, root.Node, node)
}

func (t *Tracker) stamp(tx *rowstore.Tx, info *identity.EntityInfo) error {
	n, err := t.model.NextChangeNumber(tx)
	if err != nil {
		return err
	}
	info.ChangeNumber = n
	info.SyncStatus = identity.NotReady
	return nil
}

// Create records a new entity of schema/class that only exists locally
func (t *Tracker) Create(tx *rowstore.Tx, schema, class string, props identity.Properties) (identity.EntityInfo, error) {
	info := identity.EntityInfo{
		Remote:       identity.RemoteID{Schema: schema, Class: class},
		CacheState:   identity.Full,
		ChangeStatus: identity.Created,
	}
	if err := t.stamp(tx, &info); err != nil {
		return identity.EntityInfo{}, err
	}
	if err := t.model.InsertInfo(tx, &info, props); err != nil {
		return identity.EntityInfo{}, err
	}
	if err := t.pin(tx, info.Key.RowID); err != nil {
		return identity.EntityInfo{}, err
	}
	t.logger.Debug("entity created locally", "local_key", info.Key, "class", class)
	return info, nil
}

// CreateRelationship records a new relationship instance between two cached
// entities. The source holds the relationship and the relationship holds
// the target, as for relationships received from the server.
func (t *Tracker) CreateRelationship(tx *rowstore.Tx, schema, class string, source, target identity.LocalKey, props identity.Properties) (identity.RelationshipInfo, error) {
	info := identity.RelationshipInfo{
		EntityInfo: identity.EntityInfo{
			Remote:       identity.RemoteID{Schema: schema, Class: class},
			CacheState:   identity.Full,
			ChangeStatus: identity.Created,
		},
		Source: source,
		Target: target,
	}
	for _, end := range []identity.LocalKey{source, target} {
		if _, err := t.model.ReadInfoByKey(tx, end); err != nil {
			return identity.RelationshipInfo{}, err
		}
	}
	if err := t.stamp(tx, &info.EntityInfo); err != nil {
		return identity.RelationshipInfo{}, err
	}
	if err := t.model.InsertRelationship(tx, &info, props); err != nil {
		return identity.RelationshipInfo{}, err
	}
	node := info.Key.RowID
	if err := t.graph.Relate(tx, source.RowID, node, hierarchy.Holding); err != nil {
		return identity.RelationshipInfo{}, err
	}
	if err := t.graph.Relate(tx, node, target.RowID, hierarchy.Holding); err != nil {
		return identity.RelationshipInfo{}, err
	}
	if err := t.pin(tx, node); err != nil {
		return identity.RelationshipInfo{}, err
	}
	return info, nil
}

// Modify replaces the properties of a full entity. The first modification
// keeps the last confirmed server state as the backup.
func (t *Tracker) Modify(tx *rowstore.Tx, key identity.LocalKey, props identity.Properties) (identity.EntityInfo, error) {
	info, err := t.model.ReadInfoByKey(tx, key)
	if err != nil {
		return identity.EntityInfo{}, err
	}

	switch info.ChangeStatus {
	case identity.Deleted:
		return identity.EntityInfo{}, errors.Inconsistency("changes", "Modify", "%s is deleted", info.Remote)
	case identity.NoChange:
		if info.CacheState != identity.Full {
			return identity.EntityInfo{}, errors.Inconsistency("changes", "Modify",
				"%s is %s; only full entities can be modified", info.Remote, info.CacheState)
		}
		current, err := t.model.ReadProperties(tx, key)
		if err != nil {
			return identity.EntityInfo{}, err
		}
		if err := t.model.WriteBackup(tx, key, current); err != nil {
			return identity.EntityInfo{}, err
		}
		info.ChangeStatus = identity.Modified
		if err := t.pin(tx, key.RowID); err != nil {
			return identity.EntityInfo{}, err
		}
	}

	if err := t.stamp(tx, &info); err != nil {
		return identity.EntityInfo{}, err
	}
	if err := t.model.WriteProperties(tx, key, props); err != nil {
		return identity.EntityInfo{}, err
	}
	if err := t.model.UpdateInfo(tx, info); err != nil {
		return identity.EntityInfo{}, err
	}
	return info, nil
}

// Delete marks an entity deleted. A locally created entity was never seen
// by the server and is removed outright; deleted reports true then.
func (t *Tracker) Delete(tx *rowstore.Tx, key identity.LocalKey) (info identity.EntityInfo, deleted bool, err error) {
	info, err = t.model.ReadInfoByKey(tx, key)
	if err != nil {
		return identity.EntityInfo{}, false, err
	}

	switch info.ChangeStatus {
	case identity.Created:
		_, err := t.graph.DeleteNodes(tx, "discarded", key.RowID)
		return info, true, err
	case identity.Deleted:
		return info, false, nil
	}

	info.ChangeStatus = identity.Deleted
	if err := t.stamp(tx, &info); err != nil {
		return identity.EntityInfo{}, false, err
	}
	if err := t.model.UpdateInfo(tx, info); err != nil {
		return identity.EntityInfo{}, false, err
	}
	return info, false, t.pin(tx, key.RowID)
}

// Revert discards the local edits of an entity. Modified and deleted
// entities get their backup back; created ones are removed.
func (t *Tracker) Revert(tx *rowstore.Tx, key identity.LocalKey) error {
	info, err := t.model.ReadInfoByKey(tx, key)
	if err != nil {
		return err
	}

	switch info.ChangeStatus {
	case identity.NoChange:
		return nil
	case identity.Created:
		_, err := t.graph.DeleteNodes(tx, "discarded", key.RowID)
		return err
	}

	backup, found, err := t.model.ReadBackup(tx, key)
	if err != nil {
		return err
	}
	if found {
		if err := t.model.WriteProperties(tx, key, backup); err != nil {
			return err
		}
		if err := t.model.DeleteBackup(tx, key); err != nil {
			return err
		}
	}
	info.ChangeStatus = identity.NoChange
	info.SyncStatus = identity.NotReady
	if err := t.model.UpdateInfo(tx, info); err != nil {
		return err
	}
	return t.unpin(tx, key.RowID)
}
