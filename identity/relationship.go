package identity

import (
	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/rowstore"
)

// ReadRelationship returns the persisted relationship record of remote, or a
// fresh Placeholder record that is not persisted.
func (m *Model) ReadRelationship(tx *rowstore.Tx, remote RemoteID) (RelationshipInfo, error) {
	return m.readRemote(tx, "ReadRelationship", remote, true)
}

// ReadRelationshipByKey returns the persisted relationship record of a key
func (m *Model) ReadRelationshipByKey(tx *rowstore.Tx, key LocalKey) (RelationshipInfo, error) {
	info, err := m.readByNode(tx, "ReadRelationshipByKey", key.RowID)
	if err != nil {
		return RelationshipInfo{}, err
	}
	if info.Source.IsZero() {
		return RelationshipInfo{}, errors.NotFound("identity", "ReadRelationshipByKey", "relationship %s", key)
	}
	return info, nil
}

// InsertRelationship persists a new relationship record and assigns info.Key
func (m *Model) InsertRelationship(tx *rowstore.Tx, info *RelationshipInfo, props Properties) error {
	return m.insert(tx, "InsertRelationship", info, rowstore.KindRelationship, props)
}

// UpdateRelationship writes the state fields of a relationship record.
// Endpoints are immutable; a relationship that moves is a new instance.
func (m *Model) UpdateRelationship(tx *rowstore.Tx, info RelationshipInfo) error {
	current, err := m.ReadRelationshipByKey(tx, info.Key)
	if err != nil {
		return err
	}
	if current.Source.RowID != info.Source.RowID || current.Target.RowID != info.Target.RowID {
		return errors.Inconsistency("identity", "UpdateRelationship", "endpoints of %s cannot change", info.Remote)
	}
	return m.update(tx, "UpdateRelationship", info.EntityInfo)
}

// RelationshipsFrom lists relationships of a class whose source is node
func (m *Model) RelationshipsFrom(tx *rowstore.Tx, typeID int64, node rowstore.NodeID) ([]RelationshipInfo, error) {
	return m.relationshipsOf(tx, "source_id", typeID, node)
}

// RelationshipsTo lists relationships of a class whose target is node
func (m *Model) RelationshipsTo(tx *rowstore.Tx, typeID int64, node rowstore.NodeID) ([]RelationshipInfo, error) {
	return m.relationshipsOf(tx, "target_id", typeID, node)
}

func (m *Model) relationshipsOf(tx *rowstore.Tx, column string, typeID int64, node rowstore.NodeID) ([]RelationshipInfo, error) {
	infos, err := m.SelectInfos(tx, `WHERE i.is_relationship = 1 AND i.type_id = ? AND i.`+column+` = ? ORDER BY i.node_id`,
		typeID, int64(node))
	if err != nil {
		return nil, err
	}
	for i := range infos {
		m.resolveEndpoints(tx, &infos[i])
	}
	return infos, nil
}

// RelationshipsTouching returns relationships with an endpoint among nodes
func (m *Model) RelationshipsTouching(tx *rowstore.Tx, nodes []rowstore.NodeID) ([]rowstore.NodeID, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	query, args := rowstore.InClause(`SELECT node_id FROM instances WHERE is_relationship = 1
		AND (source_id IN (%[1]s) OR target_id IN (%[1]s))`, nodes)
	args = append(args, args...)
	ids, err := rowstore.ScanNodeIDs(tx.Query(query, args...))
	if err != nil {
		return nil, errors.WrapTransient(err, "identity", "RelationshipsTouching", "select relationships")
	}
	return ids, nil
}

// DanglingRelationships is a delete observer: a relationship whose source
// or target was deleted is deleted too.
type DanglingRelationships struct {
	Model *Model
}

// NodesDeleted implements the delete observer contract
func (d DanglingRelationships) NodesDeleted(tx *rowstore.Tx, deleted []rowstore.NodeID) ([]rowstore.NodeID, error) {
	return d.Model.RelationshipsTouching(tx, deleted)
}
