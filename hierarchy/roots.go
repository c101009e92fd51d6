package hierarchy

import (
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/rowstore"
)

// Persistence controls how a root pins what it holds
type Persistence int

const (
	// Default roots keep their descendants until released
	Default Persistence = iota
	// Full roots require every transitively held entity to be fully cached
	Full
	// Temporary roots may be released wholesale, evicting their descendants
	Temporary
)

func (p Persistence) String() string {
	switch p {
	case Default:
		return "default"
	case Full:
		return "full"
	case Temporary:
		return "temporary"
	default:
		return fmt.Sprintf("persistence(%d)", int(p))
	}
}

// ParsePersistence is the inverse of Persistence.String
func ParsePersistence(s string) (Persistence, error) {
	switch s {
	case "default", "":
		return Default, nil
	case "full":
		return Full, nil
	case "temporary":
		return Temporary, nil
	}
	return Default, errors.WrapInvalid(errors.ErrInvalidData, "hierarchy", "ParsePersistence", fmt.Sprintf("unknown persistence %q", s))
}

// Root is a named anchor of the ownership graph
type Root struct {
	Node        rowstore.NodeID
	Name        string
	Persistence Persistence
}

// Root returns the root called name, creating it with persistence on first
// reference. An existing root keeps its persistence.
func (g *Graph) Root(tx *rowstore.Tx, name string, persistence Persistence) (Root, error) {
	if name == "" {
		return Root{}, errors.Inconsistency("hierarchy", "Root", "root name is empty")
	}
	root, found, err := g.FindRoot(tx, name)
	if err != nil || found {
		return root, err
	}

	node, err := tx.NewNode(rowstore.KindRoot)
	if err != nil {
		return Root{}, err
	}
	if _, err := tx.Exec(`INSERT INTO roots (node_id, name, persistence) VALUES (?, ?, ?)`,
		int64(node), name, int(persistence)); err != nil {
		return Root{}, errors.WrapTransient(err, "hierarchy", "Root", "insert root")
	}
	g.logger.Debug("root created", "root", name, "persistence", persistence)
	return Root{Node: node, Name: name, Persistence: persistence}, nil
}

// FindRoot looks up a root by name
func (g *Graph) FindRoot(tx *rowstore.Tx, name string) (Root, bool, error) {
	root := Root{Name: name}
	var node int64
	var persistence int
	err := tx.QueryRow(`SELECT node_id, persistence FROM roots WHERE name = ?`, name).Scan(&node, &persistence)
	if stderrors.Is(err, sql.ErrNoRows) {
		return Root{}, false, nil
	}
	if err != nil {
		return Root{}, false, errors.WrapTransient(err, "hierarchy", "FindRoot", "select root")
	}
	root.Node = rowstore.NodeID(node)
	root.Persistence = Persistence(persistence)
	return root, true, nil
}

// ListRoots returns every root ordered by name
func (g *Graph) ListRoots(tx *rowstore.Tx) ([]Root, error) {
	rows, err := tx.Query(`SELECT node_id, name, persistence FROM roots ORDER BY name`)
	if err != nil {
		return nil, errors.WrapTransient(err, "hierarchy", "ListRoots", "select roots")
	}
	defer rows.Close()

	var roots []Root
	for rows.Next() {
		var r Root
		var node int64
		var persistence int
		if err := rows.Scan(&node, &r.Name, &persistence); err != nil {
			return nil, errors.WrapTransient(err, "hierarchy", "ListRoots", "scan root")
		}
		r.Node = rowstore.NodeID(node)
		r.Persistence = Persistence(persistence)
		roots = append(roots, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "hierarchy", "ListRoots", "iterate roots")
	}
	return roots, nil
}

// SetPersistence changes the persistence of an existing root
func (g *Graph) SetPersistence(tx *rowstore.Tx, name string, persistence Persistence) error {
	res, err := tx.Exec(`UPDATE roots SET persistence = ? WHERE name = ?`, int(persistence), name)
	if err != nil {
		return errors.WrapTransient(err, "hierarchy", "SetPersistence", "update root")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("hierarchy", "SetPersistence", "root %q", name)
	}
	return nil
}

// RemoveRoot deletes a root and everything it exclusively holds
func (g *Graph) RemoveRoot(tx *rowstore.Tx, name string) (int, error) {
	root, found, err := g.FindRoot(tx, name)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errors.NotFound("hierarchy", "RemoveRoot", "root %q", name)
	}
	return g.DeleteNodes(tx, "root", root.Node)
}

// ReleaseTemporaryRoots removes every Temporary root. It returns the number
// of deleted nodes, roots included.
func (g *Graph) ReleaseTemporaryRoots(tx *rowstore.Tx) (int, error) {
	ids, err := rowstore.ScanNodeIDs(tx.Query(`SELECT node_id FROM roots WHERE persistence = ?`, int(Temporary)))
	if err != nil {
		return 0, errors.WrapTransient(err, "hierarchy", "ReleaseTemporaryRoots", "select roots")
	}
	return g.DeleteNodes(tx, "temporary", ids...)
}

// FullyPersisted returns every node reachable over Holding edges from a
// Full root. Callers scope the result to one top-level operation.
func (g *Graph) FullyPersisted(tx *rowstore.Tx) (NodeSet, error) {
	ids, err := rowstore.ScanNodeIDs(tx.Query(`WITH RECURSIVE reach(id) AS (
			SELECT node_id FROM roots WHERE persistence = ?
			UNION
			SELECT l.target_id FROM links l JOIN reach r ON l.source_id = r.id WHERE l.kind = ?
		) SELECT id FROM reach`, int(Full), int(Holding)))
	if err != nil {
		return nil, errors.WrapTransient(err, "hierarchy", "FullyPersisted", "walk full roots")
	}
	set := make(NodeSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// NodeSet is a set of node handles
type NodeSet map[rowstore.NodeID]struct{}

// Contains reports membership; a nil set is empty
func (s NodeSet) Contains(id rowstore.NodeID) bool {
	_, ok := s[id]
	return ok
}
