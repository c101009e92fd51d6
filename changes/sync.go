package changes

import (
	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/hierarchy"
	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/rowstore"
)

// Pending lists pending changes ordered by change number. With onlyReady
// set only changes marked for the current sync pass are listed.
// Relationship changes have their endpoints set.
func (t *Tracker) Pending(tx *rowstore.Tx, onlyReady bool) ([]identity.RelationshipInfo, error) {
	where := `WHERE i.change_status <> ?`
	args := []any{int(identity.NoChange)}
	if onlyReady {
		where += ` AND i.sync_status = ?`
		args = append(args, int(identity.Ready))
	}
	infos, err := t.model.SelectInfos(tx, where+` ORDER BY i.change_number, i.node_id`, args...)
	if err != nil {
		return nil, err
	}
	for i := range infos {
		if infos[i].Source.RowID == 0 {
			continue
		}
		rel, err := t.model.ReadRelationshipByKey(tx, infos[i].Key)
		if err != nil {
			return nil, err
		}
		infos[i] = rel
	}
	return infos, nil
}

// MarkReady marks pending changes for the next sync pass: every pending
// change when roots is empty, otherwise the ones held, directly or
// transitively, by one of roots.
func (t *Tracker) MarkReady(tx *rowstore.Tx, roots ...rowstore.NodeID) (int, error) {
	query := `UPDATE instances SET sync_status = ? WHERE change_status <> ? AND sync_status = ?`
	args := []any{int(identity.Ready), int(identity.NoChange), int(identity.NotReady)}
	if len(roots) > 0 {
		reach, reachArgs := rowstore.InClause(`WITH RECURSIVE reach(id) AS (
			SELECT target_id FROM links WHERE kind = ? AND source_id IN (%s)
			UNION SELECT l.target_id FROM links l JOIN reach r ON l.source_id = r.id WHERE l.kind = ?
		) `, roots, int(hierarchy.Holding))
		query = reach + query + ` AND node_id IN (SELECT id FROM reach)`
		args = append(append(reachArgs, int(hierarchy.Holding)), args...)
	}
	res, err := tx.Exec(query, args...)
	if err != nil {
		return 0, errors.WrapTransient(err, "changes", "MarkReady", "update sync status")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MarkSyncing moves changes that are about to be sent to Syncing
func (t *Tracker) MarkSyncing(tx *rowstore.Tx, keys ...identity.LocalKey) error {
	if len(keys) == 0 {
		return nil
	}
	nodes := make([]rowstore.NodeID, len(keys))
	for i, k := range keys {
		nodes[i] = k.RowID
	}
	query, args := rowstore.InClause(`UPDATE instances SET sync_status = ? WHERE change_status <> ? AND node_id IN (%s)`,
		nodes, int(identity.Syncing), int(identity.NoChange))
	if _, err := tx.Exec(query, args...); err != nil {
		return errors.WrapTransient(err, "changes", "MarkSyncing", "update sync status")
	}
	return nil
}

// ResetSyncStatus returns every change to NotReady, abandoning the current
// sync pass
func (t *Tracker) ResetSyncStatus(tx *rowstore.Tx) (int, error) {
	res, err := tx.Exec(`UPDATE instances SET sync_status = ? WHERE sync_status <> ?`,
		int(identity.NotReady), int(identity.NotReady))
	if err != nil {
		return 0, errors.WrapTransient(err, "changes", "ResetSyncStatus", "update sync status")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (t *Tracker) readSynced(tx *rowstore.Tx, method string, key identity.LocalKey, want identity.ChangeStatus) (identity.EntityInfo, error) {
	info, err := t.model.ReadInfoByKey(tx, key)
	if err != nil {
		return identity.EntityInfo{}, err
	}
	if info.ChangeStatus != want {
		return identity.EntityInfo{}, errors.Inconsistency("changes", method, "%s is %s, not %s", info.Remote, info.ChangeStatus, want)
	}
	return info, nil
}

// CommitCreated records that the server accepted a created entity under
// remoteID. sent holds the properties that were pushed: when the entity
// was edited again while syncing it stays a pending modification against
// them.
func (t *Tracker) CommitCreated(tx *rowstore.Tx, key identity.LocalKey, remoteID string, sent identity.Properties) (identity.EntityInfo, error) {
	info, err := t.readSynced(tx, "CommitCreated", key, identity.Created)
	if err != nil {
		return identity.EntityInfo{}, err
	}
	if remoteID == "" {
		return identity.EntityInfo{}, errors.Inconsistency("changes", "CommitCreated", "no remote id assigned to %s", key)
	}

	editedWhileSyncing := info.SyncStatus != identity.Syncing
	info.Remote.ID = remoteID
	info.ChangeStatus = identity.NoChange
	info.SyncStatus = identity.NotReady
	if err := t.model.UpdateInfo(tx, info); err != nil {
		return identity.EntityInfo{}, err
	}
	if editedWhileSyncing {
		return t.keepModified(tx, info, sent)
	}
	return info, t.unpin(tx, key.RowID)
}

// CommitModified records that the server accepted a modification. See
// CommitCreated for sent.
func (t *Tracker) CommitModified(tx *rowstore.Tx, key identity.LocalKey, sent identity.Properties) (identity.EntityInfo, error) {
	info, err := t.readSynced(tx, "CommitModified", key, identity.Modified)
	if err != nil {
		return identity.EntityInfo{}, err
	}
	if info.SyncStatus != identity.Syncing {
		if err := t.model.WriteBackup(tx, key, sent); err != nil {
			return identity.EntityInfo{}, err
		}
		return info, nil
	}

	info.ChangeStatus = identity.NoChange
	info.SyncStatus = identity.NotReady
	if err := t.model.DeleteBackup(tx, key); err != nil {
		return identity.EntityInfo{}, err
	}
	if err := t.model.UpdateInfo(tx, info); err != nil {
		return identity.EntityInfo{}, err
	}
	return info, t.unpin(tx, key.RowID)
}

func (t *Tracker) keepModified(tx *rowstore.Tx, info identity.EntityInfo, sent identity.Properties) (identity.EntityInfo, error) {
	if err := t.model.WriteBackup(tx, info.Key, sent); err != nil {
		return identity.EntityInfo{}, err
	}
	info.ChangeStatus = identity.Modified
	if err := t.stamp(tx, &info); err != nil {
		return identity.EntityInfo{}, err
	}
	if err := t.model.UpdateInfo(tx, info); err != nil {
		return identity.EntityInfo{}, err
	}
	return info, nil
}

// CommitDeleted removes an entity whose deletion the server accepted
func (t *Tracker) CommitDeleted(tx *rowstore.Tx, key identity.LocalKey) error {
	if _, err := t.readSynced(tx, "CommitDeleted", key, identity.Deleted); err != nil {
		return err
	}
	_, err := t.graph.DeleteNodes(tx, "synced", key.RowID)
	return err
}
