package hierarchy

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/metric"
	"github.com/c360/entitycache/rowstore"
)

// LinkKind tags an ownership edge
type LinkKind int

const (
	// Holding is strong ownership: a node with no remaining Holding parent is cleaned up
	Holding LinkKind = iota + 1
	// Weak is a reference only. It never triggers or blocks cleanup.
	Weak
)

func (k LinkKind) String() string {
	switch k {
	case Holding:
		return "holding"
	case Weak:
		return "weak"
	default:
		return fmt.Sprintf("link(%d)", int(k))
	}
}

// DefaultMaxCascadeRounds bounds the delete fixed-point iteration
const DefaultMaxCascadeRounds = 10000

// DeleteObserver is consulted after nodes were deleted. It returns further
// nodes that became meaningless as a consequence; the graph deletes those and
// consults every observer again until nothing is left.
type DeleteObserver interface {
	NodesDeleted(tx *rowstore.Tx, deleted []rowstore.NodeID) ([]rowstore.NodeID, error)
}

// DeleteObserverFunc adapts a function to DeleteObserver
type DeleteObserverFunc func(tx *rowstore.Tx, deleted []rowstore.NodeID) ([]rowstore.NodeID, error)

// NodesDeleted calls f
func (f DeleteObserverFunc) NodesDeleted(tx *rowstore.Tx, deleted []rowstore.NodeID) ([]rowstore.NodeID, error) {
	return f(tx, deleted)
}

// ChangeStatusSource reports the local change status of instance nodes
type ChangeStatusSource interface {
	ChangeStatusOf(tx *rowstore.Tx, node rowstore.NodeID) (identity.ChangeStatus, error)
}

// Dependencies holds the collaborators of a Graph
type Dependencies struct {
	Logger           *slog.Logger
	Metrics          *metric.Metrics
	Status           ChangeStatusSource
	MaxCascadeRounds int
}

// Graph is the ownership graph over the node arena of a row store
type Graph struct {
	logger    *slog.Logger
	metrics   *metric.Metrics
	status    ChangeStatusSource
	maxRounds int

	mu        sync.RWMutex
	observers []DeleteObserver
}

// New creates an ownership graph
func New(deps Dependencies) (*Graph, error) {
	if deps.Status == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "hierarchy", "New", "change status source is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxCascadeRounds <= 0 {
		deps.MaxCascadeRounds = DefaultMaxCascadeRounds
	}
	return &Graph{
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		status:    deps.Status,
		maxRounds: deps.MaxCascadeRounds,
	}, nil
}

// RegisterObserver adds a delete observer. Observers are consulted in
// registration order.
func (g *Graph) RegisterObserver(o DeleteObserver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observers = append(g.observers, o)
}

// NewNode allocates a node in the arena
func (g *Graph) NewNode(tx *rowstore.Tx, kind rowstore.NodeKind) (rowstore.NodeID, error) {
	return tx.NewNode(kind)
}

// Kind returns the kind of an existing node
func (g *Graph) Kind(tx *rowstore.Tx, node rowstore.NodeID) (rowstore.NodeKind, error) {
	return tx.NodeKindOf(node)
}

// Exists reports whether node is still in the arena
func (g *Graph) Exists(tx *rowstore.Tx, node rowstore.NodeID) (bool, error) {
	return tx.NodeExists(node)
}

// Relate adds an edge. Relating an existing edge is a no-op.
func (g *Graph) Relate(tx *rowstore.Tx, source, target rowstore.NodeID, kind LinkKind) error {
	if kind != Holding && kind != Weak {
		return errors.WrapInvalid(errors.ErrInvalidData, "hierarchy", "Relate", fmt.Sprintf("unknown link kind %d", kind))
	}
	if source == target {
		return errors.Inconsistency("hierarchy", "Relate", "node %d cannot link to itself", source)
	}
	for _, n := range []rowstore.NodeID{source, target} {
		ok, err := tx.NodeExists(n)
		if err != nil {
			return err
		}
		if !ok {
			return errors.NotFound("hierarchy", "Relate", "node %d", n)
		}
	}
	_, err := tx.Exec(`INSERT OR IGNORE INTO links (source_id, target_id, kind) VALUES (?, ?, ?)`,
		int64(source), int64(target), int(kind))
	if err != nil {
		return errors.WrapTransient(err, "hierarchy", "Relate", "insert link")
	}
	return nil
}

// Unrelate removes every edge from source to target. Neither endpoint is
// affected.
func (g *Graph) Unrelate(tx *rowstore.Tx, source, target rowstore.NodeID) error {
	_, err := tx.Exec(`DELETE FROM links WHERE source_id = ? AND target_id = ?`, int64(source), int64(target))
	if err != nil {
		return errors.WrapTransient(err, "hierarchy", "Unrelate", "delete link")
	}
	return nil
}

func (g *Graph) unrelateKind(tx *rowstore.Tx, source, target rowstore.NodeID, kind LinkKind) error {
	_, err := tx.Exec(`DELETE FROM links WHERE source_id = ? AND target_id = ? AND kind = ?`,
		int64(source), int64(target), int(kind))
	if err != nil {
		return errors.WrapTransient(err, "hierarchy", "Unrelate", "delete link")
	}
	return nil
}

// IsRelated reports whether an edge of kind runs from source to target
func (g *Graph) IsRelated(tx *rowstore.Tx, source, target rowstore.NodeID, kind LinkKind) (bool, error) {
	ids, err := rowstore.ScanNodeIDs(tx.Query(`SELECT source_id FROM links WHERE source_id = ? AND target_id = ? AND kind = ?`,
		int64(source), int64(target), int(kind)))
	if err != nil {
		return false, errors.WrapTransient(err, "hierarchy", "IsRelated", "select link")
	}
	return len(ids) > 0, nil
}

// Reaches reports whether a path of Holding edges leads from one node to
// another. A node reaches itself.
func (g *Graph) Reaches(tx *rowstore.Tx, from, to rowstore.NodeID) (bool, error) {
	ids, err := rowstore.ScanNodeIDs(tx.Query(`WITH RECURSIVE reach(id) AS (
		SELECT ?
		UNION
		SELECT l.target_id FROM links l JOIN reach r ON l.source_id = r.id WHERE l.kind = ?
	) SELECT id FROM reach WHERE id = ? LIMIT 1`,
		int64(from), int(Holding), int64(to)))
	if err != nil {
		return false, errors.WrapTransient(err, "hierarchy", "Reaches", "walk links")
	}
	return len(ids) > 0, nil
}

// Children lists the targets of node's edges of kind
func (g *Graph) Children(tx *rowstore.Tx, node rowstore.NodeID, kind LinkKind) ([]rowstore.NodeID, error) {
	ids, err := rowstore.ScanNodeIDs(tx.Query(`SELECT target_id FROM links WHERE source_id = ? AND kind = ? ORDER BY target_id`,
		int64(node), int(kind)))
	if err != nil {
		return nil, errors.WrapTransient(err, "hierarchy", "Children", "select links")
	}
	return ids, nil
}

// Parents lists the sources of edges of kind that target node
func (g *Graph) Parents(tx *rowstore.Tx, node rowstore.NodeID, kind LinkKind) ([]rowstore.NodeID, error) {
	ids, err := rowstore.ScanNodeIDs(tx.Query(`SELECT source_id FROM links WHERE target_id = ? AND kind = ? ORDER BY source_id`,
		int64(node), int(kind)))
	if err != nil {
		return nil, errors.WrapTransient(err, "hierarchy", "Parents", "select links")
	}
	return ids, nil
}

// IsHeldByOthers reports whether a Holding edge from any node other than
// the excluded ones still targets node. Weak edges are not counted.
func (g *Graph) IsHeldByOthers(tx *rowstore.Tx, node rowstore.NodeID, excluding ...rowstore.NodeID) (bool, error) {
	query := `SELECT source_id FROM links WHERE target_id = ? AND kind = ? LIMIT 1`
	args := []any{int64(node), int(Holding)}
	if len(excluding) > 0 {
		query, args = rowstore.InClause(`SELECT source_id FROM links WHERE target_id = ? AND kind = ?
			AND source_id NOT IN (%s) LIMIT 1`, excluding, int64(node), int(Holding))
	}
	ids, err := rowstore.ScanNodeIDs(tx.Query(query, args...))
	if err != nil {
		return false, errors.WrapTransient(err, "hierarchy", "IsHeldByOthers", "select holders")
	}
	return len(ids) > 0, nil
}

// DeleteNode deletes node and everything that cascades from it
func (g *Graph) DeleteNode(tx *rowstore.Tx, node rowstore.NodeID) error {
	_, err := g.DeleteNodes(tx, "explicit", node)
	return err
}

// DeleteNodes deletes nodes, then repeatedly consults the orphan sweep and
// the registered observers and deletes what they return, until a round
// yields nothing new. It returns the number of deleted nodes.
func (g *Graph) DeleteNodes(tx *rowstore.Tx, reason string, nodes ...rowstore.NodeID) (int, error) {
	pending, err := g.existing(tx, nodes)
	if err != nil {
		return 0, err
	}

	g.mu.RLock()
	observers := slices.Clone(g.observers)
	g.mu.RUnlock()

	total, rounds := 0, 0
	for len(pending) > 0 {
		rounds++
		if rounds > g.maxRounds {
			return total, errors.Inconsistency("hierarchy", "DeleteNodes",
				"cascade did not converge after %d rounds (%d nodes still pending)", g.maxRounds, len(pending))
		}

		held, err := g.heldChildren(tx, pending)
		if err != nil {
			return total, err
		}
		n, err := tx.DeleteNodeRows(pending)
		if err != nil {
			return total, err
		}
		total += n

		var next []rowstore.NodeID
		for _, child := range held {
			if g.isProtected(tx, child) {
				continue
			}
			heldElsewhere, err := g.IsHeldByOthers(tx, child)
			if err != nil {
				return total, err
			}
			if !heldElsewhere {
				next = append(next, child)
			}
		}
		for _, o := range observers {
			more, err := o.NodesDeleted(tx, pending)
			if err != nil {
				return total, err
			}
			next = append(next, more...)
		}

		if pending, err = g.existing(tx, next); err != nil {
			return total, err
		}
	}

	if total > 0 {
		g.metrics.RecordDeletes(reason, total, rounds)
		g.logger.Debug("nodes deleted", "reason", reason, "nodes", total, "rounds", rounds)
	}
	return total, nil
}

// heldChildren lists the Holding children of nodes that are not themselves
// among nodes
func (g *Graph) heldChildren(tx *rowstore.Tx, nodes []rowstore.NodeID) ([]rowstore.NodeID, error) {
	query, args := rowstore.InClause(`SELECT DISTINCT target_id FROM links WHERE kind = ? AND source_id IN (%s)`,
		nodes, int(Holding))
	ids, err := rowstore.ScanNodeIDs(tx.Query(query, args...))
	if err != nil {
		return nil, errors.WrapTransient(err, "hierarchy", "DeleteNodes", "select held children")
	}
	return slices.DeleteFunc(ids, func(id rowstore.NodeID) bool { return slices.Contains(nodes, id) }), nil
}

// existing deduplicates ids and drops those no longer in the arena
func (g *Graph) existing(tx *rowstore.Tx, ids []rowstore.NodeID) ([]rowstore.NodeID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	query, args := rowstore.InClause(`SELECT id FROM nodes WHERE id IN (%s) ORDER BY id`, ids)
	found, err := rowstore.ScanNodeIDs(tx.Query(query, args...))
	if err != nil {
		return nil, errors.WrapTransient(err, "hierarchy", "DeleteNodes", "select nodes")
	}
	return found, nil
}

type protectedKey struct{ g *Graph }

// Protect exempts nodes from orphan cleanup until tx ends. Callers that
// materialize nodes before relating them to their holders protect them so a
// cascade in between cannot sweep them. Explicit deletes still apply.
func (g *Graph) Protect(tx *rowstore.Tx, nodes ...rowstore.NodeID) {
	set, ok := tx.Value(protectedKey{g})
	if !ok {
		set = NodeSet{}
		tx.SetValue(protectedKey{g}, set)
	}
	for _, n := range nodes {
		set.(NodeSet)[n] = struct{}{}
	}
}

func (g *Graph) isProtected(tx *rowstore.Tx, node rowstore.NodeID) bool {
	set, ok := tx.Value(protectedKey{g})
	return ok && set.(NodeSet).Contains(node)
}

// CleanupIfOrphaned deletes node when no other node holds it. Roots and
// protected nodes are never orphans.
func (g *Graph) CleanupIfOrphaned(tx *rowstore.Tx, node rowstore.NodeID) (bool, error) {
	kind, err := tx.NodeKindOf(node)
	if errors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if kind == rowstore.KindRoot || g.isProtected(tx, node) {
		return false, nil
	}
	held, err := g.IsHeldByOthers(tx, node)
	if err != nil || held {
		return false, err
	}
	n, err := g.DeleteNodes(tx, "orphan", node)
	return n > 0, err
}

// ReleaseStaleChildren unrelates every kind child of parent that is not in
// keep, except locally created instances that were never synced. Released
// children that no other node holds are deleted. It returns the released
// children.
func (g *Graph) ReleaseStaleChildren(tx *rowstore.Tx, parent rowstore.NodeID, keep []rowstore.NodeID, kind LinkKind) ([]rowstore.NodeID, error) {
	children, err := g.Children(tx, parent, kind)
	if err != nil {
		return nil, err
	}

	var released []rowstore.NodeID
	for _, child := range children {
		if slices.Contains(keep, child) {
			continue
		}
		status, err := g.status.ChangeStatusOf(tx, child)
		if err != nil {
			return released, err
		}
		if status == identity.Created {
			continue
		}
		if err := g.unrelateKind(tx, parent, child, kind); err != nil {
			return released, err
		}
		released = append(released, child)
	}

	if kind != Holding {
		return released, nil
	}
	var orphans []rowstore.NodeID
	for _, child := range released {
		if g.isProtected(tx, child) {
			continue
		}
		held, err := g.IsHeldByOthers(tx, child)
		if err != nil {
			return released, err
		}
		if !held {
			orphans = append(orphans, child)
		}
	}
	if _, err := g.DeleteNodes(tx, "released", orphans...); err != nil {
		return released, err
	}
	return released, nil
}
