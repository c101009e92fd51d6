package partialcache

import (
	"log/slog"
	"time"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/hierarchy"
	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/metric"
	"github.com/c360/entitycache/rowstore"
	"github.com/c360/entitycache/schema"
)

// Instance is one entity of a query result with the relationships the
// query walked from it
type Instance struct {
	Remote     identity.RemoteID
	Properties identity.Properties
	CacheTag   string
	Related    []Link
}

// Link is a relationship instance reached from an Instance. ID may be empty
// when the service does not identify relationship instances; an id is then
// derived from the endpoints.
type Link struct {
	Class      string
	ID         string
	Properties identity.Properties
	Instance   Instance
}

// ResultSet is a query result together with the selection that produced it
type ResultSet struct {
	Selection *Selection
	Instances []Instance
	Date      time.Time
}

// Outcome reports what CacheInstances did
type Outcome struct {
	// Top holds the nodes of the top-level instances in result order
	Top []rowstore.NodeID
	// Cached holds every visited entity and relationship node
	Cached []rowstore.NodeID
	// Rejected lists entities that need a fetch with every property
	Rejected []identity.RemoteID
}

// Dependencies holds the collaborators of an Engine
type Dependencies struct {
	Logger  *slog.Logger
	Metrics *metric.Metrics
	Model   *identity.Model
	Graph   *hierarchy.Graph
	Catalog *schema.Catalog
}

// Engine decides how much of each result entity to store and merges server
// data with local edits
type Engine struct {
	logger  *slog.Logger
	metrics *metric.Metrics
	model   *identity.Model
	graph   *hierarchy.Graph
	catalog *schema.Catalog
}

// NewEngine creates a caching engine
func NewEngine(deps Dependencies) (*Engine, error) {
	if deps.Model == nil || deps.Graph == nil || deps.Catalog == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "partialcache", "NewEngine",
			"model, graph and catalog are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{
		logger:  deps.Logger,
		metrics: deps.Metrics,
		model:   deps.Model,
		graph:   deps.Graph,
		catalog: deps.Catalog,
	}, nil
}

// walk is the state of one CacheInstances call
type walk struct {
	*Engine
	tx     *rowstore.Tx
	sel    *Selection
	date   time.Time
	pinned hierarchy.NodeSet
	batch  map[identity.RemoteID]struct{}
	out    Outcome
}

// CacheInstances walks a query result and persists each entity and
// relationship according to Decide. Cancellation is checked between
// top-level instances; a Canceled error comes with the outcome of the
// instances written so far.
func (e *Engine) CacheInstances(tx *rowstore.Tx, rs ResultSet) (Outcome, error) {
	if rs.Selection == nil {
		rs.Selection = SelectAll()
	}
	if rs.Date.IsZero() {
		rs.Date = time.Now().UTC()
	}

	pinned, err := e.graph.FullyPersisted(tx)
	if err != nil {
		return Outcome{}, err
	}
	w := &walk{Engine: e, tx: tx, sel: rs.Selection, date: rs.Date, pinned: pinned}
	if w.batch, err = w.collectBatch(rs.Instances); err != nil {
		return Outcome{}, err
	}

	ctx := tx.Context()
	for _, inst := range rs.Instances {
		if ctx.Err() != nil {
			return w.out, errors.Canceled(ctx, "partialcache", "CacheInstances")
		}
		info, _, err := w.cacheEntity(nil, inst)
		if err != nil {
			return w.out, err
		}
		w.out.Top = append(w.out.Top, info.Key.RowID)
	}
	return w.out, nil
}

// visit records a node the walk reached and protects it from orphan cleanup
// until the caller has related it to its holders
func (w *walk) visit(node rowstore.NodeID) {
	w.out.Cached = append(w.out.Cached, node)
	w.graph.Protect(w.tx, node)
}

// cacheEntity persists one instance and, when it was cached, the
// relationships below it. It returns the entity's record and whether it may
// take part in relationships.
func (w *walk) cacheEntity(path []string, inst Instance) (identity.EntityInfo, bool, error) {
	if !inst.Remote.Assigned() {
		return identity.EntityInfo{}, false, errors.Inconsistency("partialcache", "CacheInstances",
			"result instance of %s.%s has no remote id", inst.Remote.Schema, inst.Remote.Class)
	}
	if w.catalog.IsRelationship(inst.Remote.Schema, inst.Remote.Class) {
		return identity.EntityInfo{}, false, errors.Inconsistency("partialcache", "CacheInstances",
			"%s is a relationship class", inst.Remote)
	}
	if _, err := w.catalog.Class(inst.Remote.Schema, inst.Remote.Class); err != nil {
		return identity.EntityInfo{}, false, err
	}

	info, err := w.model.ReadInfo(w.tx, inst.Remote)
	if err != nil {
		return identity.EntityInfo{}, false, err
	}
	class := w.sel.Classify(path...)
	decision, err := Decide(info, class, info.Persisted() && w.pinned.Contains(info.Key.RowID))
	if err != nil {
		return identity.EntityInfo{}, false, err
	}
	w.metrics.RecordDecision(decision.String())

	switch decision {
	case RecordIdentity:
		w.visit(info.Key.RowID)
		return info, false, nil
	case Reject:
		w.out.Rejected = append(w.out.Rejected, info.Remote)
		w.visit(info.Key.RowID)
		return info, true, nil
	case SkipCached:
	default:
		if info, err = w.store(info, decision, class, inst.Properties, inst.CacheTag, w.model.UpdateInfo); err != nil {
			return identity.EntityInfo{}, false, err
		}
		if !info.Persisted() {
			if err := w.model.InsertInfo(w.tx, &info, inst.Properties); err != nil {
				return identity.EntityInfo{}, false, err
			}
		}
	}
	w.visit(info.Key.RowID)

	if err := w.cacheRelated(path, info, inst.Related); err != nil {
		return identity.EntityInfo{}, false, err
	}
	return info, true, nil
}

// store writes a cache decision for a persisted record, or prepares the
// state of a new one, which the caller inserts with the received properties.
func (w *walk) store(info identity.EntityInfo, decision Decision, class Classification,
	received identity.Properties, tag string, update func(*rowstore.Tx, identity.EntityInfo) error) (identity.EntityInfo, error) {

	if !info.Persisted() {
		switch {
		case decision == CacheFull:
			info.CacheState = identity.Full
		case class.Kind == IDOnly:
			info.CacheState = identity.Placeholder
		default:
			info.CacheState = identity.Partial
		}
		info.CacheTag, info.CacheDate = tag, w.date
		return info, nil
	}

	current, err := w.model.ReadProperties(w.tx, info.Key)
	if err != nil {
		return info, err
	}

	var next identity.Properties
	switch {
	case decision == CacheFull && info.ChangeStatus == identity.Modified:
		backup, ok, err := w.model.ReadBackup(w.tx, info.Key)
		if err != nil {
			return info, err
		}
		if !ok {
			return info, errors.Inconsistency("partialcache", "CacheInstances", "modified %s has no backup", info.Remote)
		}
		next = Merge(backup, current, received)
		if err := w.model.WriteBackup(w.tx, info.Key, received); err != nil {
			return info, err
		}
	case decision == CacheFull:
		if info.CacheState == identity.Full && info.CacheTag == tag && current.Equal(received) {
			return info, nil
		}
		next = received.Clone()
	default:
		if info.CacheState == identity.Full {
			w.logger.Warn("full entity overwritten with partial data",
				"remote_id", info.Remote.String(), "local_key", info.Key.String(), "properties", class.Properties)
			w.metrics.RecordDataLoss()
		}
		next = current.Clone()
		for k, v := range received {
			next[k] = v
		}
		if info.CacheState == identity.Partial && info.CacheTag == tag && current.Equal(next) {
			return info, nil
		}
	}

	if err := w.model.WriteProperties(w.tx, info.Key, next); err != nil {
		return info, err
	}
	if decision == CacheFull {
		info.CacheState = identity.Full
	} else {
		info.CacheState = identity.Partial
	}
	info.CacheTag, info.CacheDate = tag, w.date
	return info, update(w.tx, info)
}
