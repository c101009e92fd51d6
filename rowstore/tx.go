package rowstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360/entitycache/errors"
)

// NodeID is the handle of a node in the ownership graph arena
type NodeID int64

// NodeKind says which table holds a node's payload
type NodeKind int

const (
	KindEntity NodeKind = iota + 1
	KindRelationship
	KindResponse
	KindPage
	KindRoot
)

func (k NodeKind) String() string {
	switch k {
	case KindEntity:
		return "entity"
	case KindRelationship:
		return "relationship"
	case KindResponse:
		return "response"
	case KindPage:
		return "page"
	case KindRoot:
		return "root"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Tx is a transaction on the row store. It is only valid inside the
// function passed to Store.Update or Store.View.
type Tx struct {
	tx            *sql.Tx
	ctx           context.Context
	commitHooks   []func()
	rollbackHooks []func()
	values        map[any]any
}

// Context returns the context of the operation running in this transaction.
// Long walks check it between units of work.
func (t *Tx) Context() context.Context {
	return t.ctx
}

// Exec runs a statement
func (t *Tx) Exec(query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(context.WithoutCancel(t.ctx), query, args...)
}

// Query runs a query returning rows
func (t *Tx) Query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(context.WithoutCancel(t.ctx), query, args...)
}

// QueryRow runs a query returning at most one row
func (t *Tx) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(context.WithoutCancel(t.ctx), query, args...)
}

// OnCommit registers fn to run after a successful commit
func (t *Tx) OnCommit(fn func()) {
	t.commitHooks = append(t.commitHooks, fn)
}

// OnRollback registers fn to run after a rollback
func (t *Tx) OnRollback(fn func()) {
	t.rollbackHooks = append(t.rollbackHooks, fn)
}

// Value returns a transaction-scoped memoized value
func (t *Tx) Value(key any) (any, bool) {
	v, ok := t.values[key]
	return v, ok
}

// SetValue stores a transaction-scoped value, dropped when the transaction ends
func (t *Tx) SetValue(key, value any) {
	if t.values == nil {
		t.values = make(map[any]any)
	}
	t.values[key] = value
}

// DeleteValue drops a transaction-scoped value
func (t *Tx) DeleteValue(key any) {
	delete(t.values, key)
}

func (t *Tx) runCommitHooks() {
	for _, fn := range t.commitHooks {
		fn()
	}
}

func (t *Tx) runRollbackHooks() {
	for _, fn := range t.rollbackHooks {
		fn()
	}
}

// NewNode allocates a node of the given kind. Ids are never reused.
func (t *Tx) NewNode(kind NodeKind) (NodeID, error) {
	res, err := t.Exec(`INSERT INTO nodes (kind) VALUES (?)`, int(kind))
	if err != nil {
		return 0, errors.WrapTransient(err, "rowstore", "NewNode", "insert node")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.WrapTransient(err, "rowstore", "NewNode", "read node id")
	}
	return NodeID(id), nil
}

// NodeKindOf returns the kind of an existing node
func (t *Tx) NodeKindOf(id NodeID) (NodeKind, error) {
	var kind int
	err := t.QueryRow(`SELECT kind FROM nodes WHERE id = ?`, int64(id)).Scan(&kind)
	if stderrors.Is(err, sql.ErrNoRows) {
		return 0, errors.NotFound("rowstore", "NodeKindOf", "node %d", id)
	}
	if err != nil {
		return 0, errors.WrapTransient(err, "rowstore", "NodeKindOf", "select node")
	}
	return NodeKind(kind), nil
}

// NodeExists reports whether a node row exists
func (t *Tx) NodeExists(id NodeID) (bool, error) {
	var one int
	err := t.QueryRow(`SELECT 1 FROM nodes WHERE id = ?`, int64(id)).Scan(&one)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.WrapTransient(err, "rowstore", "NodeExists", "select node")
	}
	return true, nil
}

// DeleteNodeRows deletes node rows. Payload rows and links cascade.
func (t *Tx) DeleteNodeRows(ids []NodeID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args := InClause(`DELETE FROM nodes WHERE id IN (%s)`, ids)
	res, err := t.Exec(query, args...)
	if err != nil {
		return 0, errors.WrapTransient(err, "rowstore", "DeleteNodeRows", "delete nodes")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// NextSequence increments and returns a named persistent counter
func (t *Tx) NextSequence(name string) (int64, error) {
	var v int64
	err := t.QueryRow(`INSERT INTO sequences (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value`, name).Scan(&v)
	if err != nil {
		return 0, errors.WrapTransient(err, "rowstore", "NextSequence", "increment "+name)
	}
	return v, nil
}

// InClause expands the single %s in format to one placeholder per id
func InClause(format string, ids []NodeID, leading ...any) (string, []any) {
	args := make([]any, 0, len(leading)+len(ids))
	args = append(args, leading...)
	for _, id := range ids {
		args = append(args, int64(id))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	return fmt.Sprintf(format, placeholders), args
}

// ScanNodeIDs collects a single int64 column
func ScanNodeIDs(rows *sql.Rows, err error) ([]NodeID, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []NodeID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, NodeID(id))
	}
	return ids, rows.Err()
}

// TimeToColumn stores a time as unix nanoseconds; the zero time is NULL
func TimeToColumn(ts time.Time) any {
	if ts.IsZero() {
		return nil
	}
	return ts.UnixNano()
}

// TimeFromColumn is the inverse of TimeToColumn
func TimeFromColumn(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}
