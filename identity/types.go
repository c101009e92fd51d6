// Package identity maps remote identities to local storage keys and records
// per-instance cache completeness and change/sync status.
package identity

import (
	"fmt"
	"time"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/rowstore"
)

// RemoteID is the server identity of an entity or relationship. ID is empty
// only before the first successful creation on the server.
type RemoteID struct {
	Schema string `json:"schema"`
	Class  string `json:"class"`
	ID     string `json:"id,omitempty"`
}

func (r RemoteID) String() string {
	if r.ID == "" {
		return fmt.Sprintf("%s.%s/<new>", r.Schema, r.Class)
	}
	return fmt.Sprintf("%s.%s/%s", r.Schema, r.Class, r.ID)
}

// Assigned reports whether the server has assigned an id
func (r RemoteID) Assigned() bool {
	return r.ID != ""
}

// LocalKey is the local storage identity: the class id and the node id.
// It is assigned once on first materialization and never reused.
type LocalKey struct {
	TypeID int64           `json:"type_id"`
	RowID  rowstore.NodeID `json:"row_id"`
}

// IsZero reports whether the key was never assigned
func (k LocalKey) IsZero() bool {
	return k.RowID == 0
}

// Node returns the ownership graph node of the key
func (k LocalKey) Node() rowstore.NodeID {
	return k.RowID
}

func (k LocalKey) String() string {
	return fmt.Sprintf("%d:%d", k.TypeID, k.RowID)
}

// CacheState records how much of an instance is stored locally
type CacheState int

const (
	Placeholder CacheState = iota
	Partial
	Full
)

func (s CacheState) String() string {
	switch s {
	case Placeholder:
		return "placeholder"
	case Partial:
		return "partial"
	case Full:
		return "full"
	default:
		return fmt.Sprintf("cache_state(%d)", int(s))
	}
}

// ChangeStatus records uncommitted local edits
type ChangeStatus int

const (
	NoChange ChangeStatus = iota
	Created
	Modified
	Deleted
)

func (s ChangeStatus) String() string {
	switch s {
	case NoChange:
		return "no_change"
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("change_status(%d)", int(s))
	}
}

// SyncStatus gates whether a change is part of the current sync pass
type SyncStatus int

const (
	NotReady SyncStatus = iota
	Ready
	Syncing
)

func (s SyncStatus) String() string {
	switch s {
	case NotReady:
		return "not_ready"
	case Ready:
		return "ready"
	case Syncing:
		return "syncing"
	default:
		return fmt.Sprintf("sync_status(%d)", int(s))
	}
}

// ValidTransition reports whether a change status may move from one value to another
func ValidTransition(from, to ChangeStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case NoChange:
		return to == Created || to == Modified || to == Deleted
	case Created:
		return to == NoChange
	case Modified:
		return to == NoChange || to == Deleted
	case Deleted:
		return to == NoChange
	}
	return false
}

// EntityInfo is the identity record of a cached entity
type EntityInfo struct {
	Key          LocalKey
	Remote       RemoteID
	CacheState   CacheState
	ChangeStatus ChangeStatus
	SyncStatus   SyncStatus
	ChangeNumber int64
	CacheTag     string
	CacheDate    time.Time
}

// Persisted reports whether the info has a row in the store
func (i EntityInfo) Persisted() bool {
	return !i.Key.IsZero()
}

// Validate checks the record invariants
func (i EntityInfo) Validate() error {
	if i.Remote.Schema == "" || i.Remote.Class == "" {
		return errors.Inconsistency("identity", "Validate", "instance %s has no schema or class", i.Remote)
	}
	if i.ChangeStatus == Created && i.Remote.Assigned() {
		return errors.Inconsistency("identity", "Validate", "created instance %s already has a remote id", i.Remote)
	}
	if i.ChangeStatus != Created && !i.Remote.Assigned() {
		return errors.Inconsistency("identity", "Validate", "instance %s without remote id must be created locally", i.Remote)
	}
	if i.ChangeStatus == Modified && i.CacheState != Full {
		return errors.Inconsistency("identity", "Validate", "modified instance %s is %s, not full", i.Remote, i.CacheState)
	}
	return nil
}

// RelationshipInfo is the identity record of a cached relationship instance
type RelationshipInfo struct {
	EntityInfo
	Source LocalKey
	Target LocalKey
}

// Validate checks the record invariants
func (r RelationshipInfo) Validate() error {
	if err := r.EntityInfo.Validate(); err != nil {
		return err
	}
	if r.Source.IsZero() || r.Target.IsZero() {
		return errors.Inconsistency("identity", "Validate", "relationship %s has an unassigned endpoint", r.Remote)
	}
	return nil
}
