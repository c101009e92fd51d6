package identity

import (
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/metric"
	"github.com/c360/entitycache/pkg/cache"
	"github.com/c360/entitycache/rowstore"
)

// Dependencies holds the collaborators of a Model
type Dependencies struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
	CacheSize       int
}

// Model reads and writes identity records. Lookups in either direction are
// served by the row store's indexes and memoized in LRU caches that only
// ever hold committed mappings.
type Model struct {
	logger  *slog.Logger
	mu      sync.Mutex // serializes cache writes; eviction callbacks cross caches
	forward *cache.LRU[RemoteID, LocalKey]
	reverse *cache.LRU[rowstore.NodeID, RemoteID]
}

type lookupEntry struct {
	key    LocalKey
	remote RemoteID
}

type pendingKey struct{ m *Model }

// NewModel creates an identity model
func NewModel(deps Dependencies) (*Model, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.CacheSize <= 0 {
		deps.CacheSize = 4096
	}

	m := &Model{logger: deps.Logger}

	var err error
	m.forward, err = cache.NewLRU[RemoteID, LocalKey](deps.CacheSize,
		cache.WithMetrics[RemoteID, LocalKey](deps.MetricsRegistry, "identity_forward"),
		cache.WithEvictionCallback(func(_ RemoteID, key LocalKey) { m.reverse.Delete(key.RowID) }))
	if err != nil {
		return nil, err
	}
	m.reverse, err = cache.NewLRU[rowstore.NodeID, RemoteID](deps.CacheSize,
		cache.WithMetrics[rowstore.NodeID, RemoteID](deps.MetricsRegistry, "identity_reverse"),
		cache.WithEvictionCallback(func(_ rowstore.NodeID, remote RemoteID) { m.forward.Delete(remote) }))
	if err != nil {
		return nil, err
	}
	return m, nil
}

// remember queues a mapping for the lookup caches once tx commits
func (m *Model) remember(tx *rowstore.Tx, key LocalKey, remote RemoteID) {
	if !remote.Assigned() {
		return
	}
	m.pending(tx)[key.RowID] = lookupEntry{key: key, remote: remote}
}

func (m *Model) pending(tx *rowstore.Tx) map[rowstore.NodeID]lookupEntry {
	if v, ok := tx.Value(pendingKey{m}); ok {
		return v.(map[rowstore.NodeID]lookupEntry)
	}
	p := make(map[rowstore.NodeID]lookupEntry)
	tx.SetValue(pendingKey{m}, p)
	tx.OnCommit(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, e := range p {
			m.forward.Set(e.remote, e.key)
			m.reverse.Set(e.key.RowID, e.remote)
		}
	})
	return p
}

// NodesDeleted drops deleted nodes from the lookup caches. It is registered
// as a delete observer and never asks for further deletions.
func (m *Model) NodesDeleted(tx *rowstore.Tx, deleted []rowstore.NodeID) ([]rowstore.NodeID, error) {
	p := m.pending(tx)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range deleted {
		delete(p, id)
		if remote, ok := m.reverse.Get(id); ok {
			m.forward.Delete(remote)
		}
		m.reverse.Delete(id)
	}
	return nil, nil
}

// ClassID returns the local type id of a class, registering it on first use
func (m *Model) ClassID(tx *rowstore.Tx, schema, class string) (int64, error) {
	if schema == "" || class == "" {
		return 0, errors.WrapInvalid(errors.ErrInvalidData, "identity", "ClassID", "empty schema or class")
	}
	var id int64
	err := tx.QueryRow(`INSERT INTO classes (schema_name, class_name) VALUES (?, ?)
		ON CONFLICT(schema_name, class_name) DO UPDATE SET class_name = excluded.class_name
		RETURNING id`, schema, class).Scan(&id)
	if err != nil {
		return 0, errors.WrapTransient(err, "identity", "ClassID", "upsert class")
	}
	return id, nil
}

// LookupClassID returns the type id of a known class
func (m *Model) LookupClassID(tx *rowstore.Tx, schema, class string) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM classes WHERE schema_name = ? AND class_name = ?`, schema, class).Scan(&id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return 0, errors.NotFound("identity", "LookupClassID", "class %s.%s", schema, class)
	}
	if err != nil {
		return 0, errors.WrapTransient(err, "identity", "LookupClassID", "select class")
	}
	return id, nil
}

// ClassOf returns the schema and class names of a type id
func (m *Model) ClassOf(tx *rowstore.Tx, typeID int64) (string, string, error) {
	var schema, class string
	err := tx.QueryRow(`SELECT schema_name, class_name FROM classes WHERE id = ?`, typeID).Scan(&schema, &class)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", "", errors.NotFound("identity", "ClassOf", "type %d", typeID)
	}
	if err != nil {
		return "", "", errors.WrapTransient(err, "identity", "ClassOf", "select class")
	}
	return schema, class, nil
}

const infoColumns = `i.node_id, i.type_id, c.schema_name, c.class_name, i.remote_id,
	i.cache_state, i.change_status, i.sync_status, i.change_number, i.cache_tag, i.cache_date,
	i.source_id, i.target_id`

const infoFrom = ` FROM instances i JOIN classes c ON c.id = i.type_id `

type scanner interface {
	Scan(dest ...any) error
}

func scanInfo(row scanner) (RelationshipInfo, error) {
	var (
		info                  RelationshipInfo
		node                  int64
		cacheDate             sql.NullInt64
		source, target        sql.NullInt64
		state, chg, syncState int
	)
	err := row.Scan(&node, &info.Key.TypeID, &info.Remote.Schema, &info.Remote.Class, &info.Remote.ID,
		&state, &chg, &syncState, &info.ChangeNumber, &info.CacheTag, &cacheDate, &source, &target)
	if err != nil {
		return RelationshipInfo{}, err
	}
	info.Key.RowID = rowstore.NodeID(node)
	info.CacheState = CacheState(state)
	info.ChangeStatus = ChangeStatus(chg)
	info.SyncStatus = SyncStatus(syncState)
	info.CacheDate = rowstore.TimeFromColumn(cacheDate)
	if source.Valid {
		info.Source = LocalKey{RowID: rowstore.NodeID(source.Int64)}
	}
	if target.Valid {
		info.Target = LocalKey{RowID: rowstore.NodeID(target.Int64)}
	}
	return info, nil
}

// SelectInfos runs a query over identity records. where is appended after
// the FROM clause and may reference the instance table as i.
func (m *Model) SelectInfos(tx *rowstore.Tx, where string, args ...any) ([]RelationshipInfo, error) {
	rows, err := tx.Query(`SELECT `+infoColumns+infoFrom+where, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "identity", "SelectInfos", "query instances")
	}
	defer rows.Close()

	var infos []RelationshipInfo
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, errors.WrapTransient(err, "identity", "SelectInfos", "scan instance")
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "identity", "SelectInfos", "iterate instances")
	}
	return infos, nil
}

func (m *Model) readOne(tx *rowstore.Tx, method, where string, args ...any) (RelationshipInfo, bool, error) {
	info, err := scanInfo(tx.QueryRow(`SELECT `+infoColumns+infoFrom+where, args...))
	if stderrors.Is(err, sql.ErrNoRows) {
		return RelationshipInfo{}, false, nil
	}
	if err != nil {
		return RelationshipInfo{}, false, errors.WrapTransient(err, "identity", method, "select instance")
	}
	return info, true, nil
}

// ReadInfo returns the persisted record of remote, or a fresh Placeholder
// record that is not persisted. Callers decide whether to insert it.
func (m *Model) ReadInfo(tx *rowstore.Tx, remote RemoteID) (EntityInfo, error) {
	rel, err := m.readRemote(tx, "ReadInfo", remote, false)
	if err != nil {
		return EntityInfo{}, err
	}
	return rel.EntityInfo, nil
}

func (m *Model) readRemote(tx *rowstore.Tx, method string, remote RemoteID, relationship bool) (RelationshipInfo, error) {
	fresh := RelationshipInfo{EntityInfo: EntityInfo{Remote: remote, CacheState: Placeholder}}
	if !remote.Assigned() {
		return fresh, nil
	}

	key, found, err := m.FindLocalKey(tx, remote)
	if err != nil || !found {
		return fresh, err
	}
	info, found, err := m.readOne(tx, method, `WHERE i.node_id = ?`, int64(key.RowID))
	if err != nil {
		return RelationshipInfo{}, err
	}
	if !found {
		return fresh, nil
	}
	if relationship != (info.Source.RowID != 0) {
		return RelationshipInfo{}, errors.Inconsistency("identity", method, "%s is stored with the other instance kind", remote)
	}
	m.resolveEndpoints(tx, &info)
	return info, nil
}

// ReadInfoByKey returns the persisted record of a local key
func (m *Model) ReadInfoByKey(tx *rowstore.Tx, key LocalKey) (EntityInfo, error) {
	info, err := m.readByNode(tx, "ReadInfoByKey", key.RowID)
	if err != nil {
		return EntityInfo{}, err
	}
	return info.EntityInfo, nil
}

func (m *Model) readByNode(tx *rowstore.Tx, method string, node rowstore.NodeID) (RelationshipInfo, error) {
	info, found, err := m.readOne(tx, method, `WHERE i.node_id = ?`, int64(node))
	if err != nil {
		return RelationshipInfo{}, err
	}
	if !found {
		return RelationshipInfo{}, errors.NotFound("identity", method, "instance %d", node)
	}
	m.resolveEndpoints(tx, &info)
	return info, nil
}

func (m *Model) resolveEndpoints(tx *rowstore.Tx, info *RelationshipInfo) {
	for _, k := range []*LocalKey{&info.Source, &info.Target} {
		if k.RowID == 0 {
			continue
		}
		_ = tx.QueryRow(`SELECT type_id FROM instances WHERE node_id = ?`, int64(k.RowID)).Scan(&k.TypeID)
	}
}

// IsEntity reports whether node is a persisted entity (not a relationship)
func (m *Model) IsEntity(tx *rowstore.Tx, node rowstore.NodeID) (bool, error) {
	kind, err := tx.NodeKindOf(node)
	if errors.IsNotFound(err) {
		return false, nil
	}
	return kind == rowstore.KindEntity, err
}

// ChangeStatusOf returns the change status of an instance node. Nodes that
// are not instances report NoChange.
func (m *Model) ChangeStatusOf(tx *rowstore.Tx, node rowstore.NodeID) (ChangeStatus, error) {
	var status int
	err := tx.QueryRow(`SELECT change_status FROM instances WHERE node_id = ?`, int64(node)).Scan(&status)
	if stderrors.Is(err, sql.ErrNoRows) {
		return NoChange, nil
	}
	if err != nil {
		return NoChange, errors.WrapTransient(err, "identity", "ChangeStatusOf", "select status")
	}
	return ChangeStatus(status), nil
}

// FindLocalKey looks up the local key of a remote identity
func (m *Model) FindLocalKey(tx *rowstore.Tx, remote RemoteID) (LocalKey, bool, error) {
	if !remote.Assigned() {
		return LocalKey{}, false, nil
	}
	if key, ok := m.forward.Get(remote); ok {
		return key, true, nil
	}

	var key LocalKey
	var node int64
	err := tx.QueryRow(`SELECT i.node_id, i.type_id FROM instances i JOIN classes c ON c.id = i.type_id
		WHERE c.schema_name = ? AND c.class_name = ? AND i.remote_id = ?`,
		remote.Schema, remote.Class, remote.ID).Scan(&node, &key.TypeID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return LocalKey{}, false, nil
	}
	if err != nil {
		return LocalKey{}, false, errors.WrapTransient(err, "identity", "FindLocalKey", "select by remote id")
	}
	key.RowID = rowstore.NodeID(node)
	m.remember(tx, key, remote)
	return key, true, nil
}

// FindRemoteID looks up the remote identity of a local key
func (m *Model) FindRemoteID(tx *rowstore.Tx, key LocalKey) (RemoteID, bool, error) {
	if remote, ok := m.reverse.Get(key.RowID); ok {
		return remote, true, nil
	}

	var remote RemoteID
	err := tx.QueryRow(`SELECT c.schema_name, c.class_name, i.remote_id FROM instances i
		JOIN classes c ON c.id = i.type_id WHERE i.node_id = ?`, int64(key.RowID)).
		Scan(&remote.Schema, &remote.Class, &remote.ID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return RemoteID{}, false, nil
	}
	if err != nil {
		return RemoteID{}, false, errors.WrapTransient(err, "identity", "FindRemoteID", "select by node")
	}
	m.remember(tx, key, remote)
	return remote, true, nil
}

// InsertInfo persists a new entity record with its properties and assigns
// info.Key.
func (m *Model) InsertInfo(tx *rowstore.Tx, info *EntityInfo, props Properties) error {
	rel := RelationshipInfo{EntityInfo: *info}
	if err := m.insert(tx, "InsertInfo", &rel, rowstore.KindEntity, props); err != nil {
		return err
	}
	*info = rel.EntityInfo
	return nil
}

func (m *Model) insert(tx *rowstore.Tx, method string, info *RelationshipInfo, kind rowstore.NodeKind, props Properties) error {
	if info.Persisted() {
		return errors.Inconsistency("identity", method, "%s is already persisted as %s", info.Remote, info.Key)
	}
	if kind == rowstore.KindRelationship {
		if err := info.Validate(); err != nil {
			return err
		}
	} else if err := info.EntityInfo.Validate(); err != nil {
		return err
	}

	if info.Remote.Assigned() {
		if _, found, err := m.FindLocalKey(tx, info.Remote); err != nil {
			return err
		} else if found {
			return errors.Inconsistency("identity", method, "%s is already cached", info.Remote)
		}
	}

	typeID, err := m.ClassID(tx, info.Remote.Schema, info.Remote.Class)
	if err != nil {
		return err
	}
	node, err := tx.NewNode(kind)
	if err != nil {
		return err
	}
	encoded, err := encodeProperties(props)
	if err != nil {
		return errors.WrapInvalid(err, "identity", method, "encode properties")
	}

	var source, target any
	isRel := 0
	if kind == rowstore.KindRelationship {
		source, target, isRel = int64(info.Source.RowID), int64(info.Target.RowID), 1
	}

	_, err = tx.Exec(`INSERT INTO instances (node_id, type_id, remote_id, is_relationship, source_id, target_id,
		cache_state, change_status, sync_status, change_number, cache_tag, cache_date, properties)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(node), typeID, info.Remote.ID, isRel, source, target,
		int(info.CacheState), int(info.ChangeStatus), int(info.SyncStatus), info.ChangeNumber,
		info.CacheTag, rowstore.TimeToColumn(info.CacheDate), encoded)
	if err != nil {
		return errors.WrapTransient(err, "identity", method, "insert instance")
	}

	info.Key = LocalKey{TypeID: typeID, RowID: node}
	m.remember(tx, info.Key, info.Remote)
	return nil
}

// UpdateInfo writes the state fields of a persisted record. The remote id
// may only change from empty to assigned, together with Created to NoChange.
func (m *Model) UpdateInfo(tx *rowstore.Tx, info EntityInfo) error {
	return m.update(tx, "UpdateInfo", info)
}

func (m *Model) update(tx *rowstore.Tx, method string, info EntityInfo) error {
	if !info.Persisted() {
		return errors.Inconsistency("identity", method, "%s is not persisted", info.Remote)
	}
	if err := info.Validate(); err != nil {
		return err
	}

	current, err := m.readByNode(tx, method, info.Key.RowID)
	if err != nil {
		return err
	}
	if current.Remote.Schema != info.Remote.Schema || current.Remote.Class != info.Remote.Class {
		return errors.Inconsistency("identity", method, "%s cannot change class to %s", current.Remote, info.Remote)
	}
	if current.Remote.ID != info.Remote.ID && (current.Remote.Assigned() || current.ChangeStatus != Created) {
		return errors.Inconsistency("identity", method, "remote id of %s cannot change to %q", current.Remote, info.Remote.ID)
	}
	if !ValidTransition(current.ChangeStatus, info.ChangeStatus) {
		return errors.Inconsistency("identity", method, "%s cannot move from %s to %s",
			info.Remote, current.ChangeStatus, info.ChangeStatus)
	}

	_, err = tx.Exec(`UPDATE instances SET remote_id = ?, cache_state = ?, change_status = ?, sync_status = ?,
		change_number = ?, cache_tag = ?, cache_date = ? WHERE node_id = ?`,
		info.Remote.ID, int(info.CacheState), int(info.ChangeStatus), int(info.SyncStatus),
		info.ChangeNumber, info.CacheTag, rowstore.TimeToColumn(info.CacheDate), int64(info.Key.RowID))
	if err != nil {
		return errors.WrapTransient(err, "identity", method, "update instance")
	}
	m.remember(tx, info.Key, info.Remote)
	return nil
}

// ReadProperties returns the stored properties of an instance
func (m *Model) ReadProperties(tx *rowstore.Tx, key LocalKey) (Properties, error) {
	var encoded string
	err := tx.QueryRow(`SELECT properties FROM instances WHERE node_id = ?`, int64(key.RowID)).Scan(&encoded)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("identity", "ReadProperties", "instance %s", key)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "identity", "ReadProperties", "select properties")
	}
	props, err := decodeProperties(encoded)
	if err != nil {
		return nil, errors.WrapFatal(err, "identity", "ReadProperties", "decode properties")
	}
	return props, nil
}

// WriteProperties replaces the stored properties of an instance
func (m *Model) WriteProperties(tx *rowstore.Tx, key LocalKey, props Properties) error {
	encoded, err := encodeProperties(props)
	if err != nil {
		return errors.WrapInvalid(err, "identity", "WriteProperties", "encode properties")
	}
	res, err := tx.Exec(`UPDATE instances SET properties = ? WHERE node_id = ?`, encoded, int64(key.RowID))
	if err != nil {
		return errors.WrapTransient(err, "identity", "WriteProperties", "update properties")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("identity", "WriteProperties", "instance %s", key)
	}
	return nil
}

// ReadBackup returns the last confirmed server snapshot of a modified entity
func (m *Model) ReadBackup(tx *rowstore.Tx, key LocalKey) (Properties, bool, error) {
	var encoded string
	err := tx.QueryRow(`SELECT properties FROM backups WHERE node_id = ?`, int64(key.RowID)).Scan(&encoded)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WrapTransient(err, "identity", "ReadBackup", "select backup")
	}
	props, err := decodeProperties(encoded)
	if err != nil {
		return nil, false, errors.WrapFatal(err, "identity", "ReadBackup", "decode backup")
	}
	return props, true, nil
}

// WriteBackup creates or replaces the backup of an entity
func (m *Model) WriteBackup(tx *rowstore.Tx, key LocalKey, props Properties) error {
	encoded, err := encodeProperties(props)
	if err != nil {
		return errors.WrapInvalid(err, "identity", "WriteBackup", "encode backup")
	}
	_, err = tx.Exec(`INSERT INTO backups (node_id, properties) VALUES (?, ?)
		ON CONFLICT(node_id) DO UPDATE SET properties = excluded.properties`, int64(key.RowID), encoded)
	if err != nil {
		return errors.WrapTransient(err, "identity", "WriteBackup", "upsert backup")
	}
	return nil
}

// DeleteBackup removes the backup of an entity
func (m *Model) DeleteBackup(tx *rowstore.Tx, key LocalKey) error {
	if _, err := tx.Exec(`DELETE FROM backups WHERE node_id = ?`, int64(key.RowID)); err != nil {
		return errors.WrapTransient(err, "identity", "DeleteBackup", "delete backup")
	}
	return nil
}

// NextChangeNumber returns the next number in the monotonic change sequence
func (m *Model) NextChangeNumber(tx *rowstore.Tx) (int64, error) {
	return tx.NextSequence("change_number")
}

// Stats summarizes the lookup caches
func (m *Model) Stats() map[string]cache.Summary {
	return map[string]cache.Summary{
		"forward": m.forward.Stats().Summary(),
		"reverse": m.reverse.Stats().Summary(),
	}
}

func (m *Model) String() string {
	return fmt.Sprintf("identity.Model{forward=%d reverse=%d}", m.forward.Size(), m.reverse.Size())
}
