// Package responsecache caches paginated query results. A response is keyed
// by the node it lists the children of (parent), the node that owns the
// cached listing (holder) and a listing name. Each page of a response links
// to the entities it contains through the ownership graph, so evicting a
// response cleans up entities nothing else holds.
package responsecache

import (
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/hierarchy"
	"github.com/c360/entitycache/metric"
	"github.com/c360/entitycache/rowstore"
)

// Key identifies a cached response
type Key struct {
	Parent rowstore.NodeID
	Holder rowstore.NodeID
	Name   string
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%s", k.Parent, k.Holder, k.Name)
}

// Response is a cached, possibly paginated, query result
type Response struct {
	Node        rowstore.NodeID
	Key         Key
	IsCompleted bool
	// AccessDate is zero when the response was never accessed
	AccessDate time.Time
}

// Page is one page of a response
type Page struct {
	Node      rowstore.NodeID
	Response  rowstore.NodeID
	Index     int
	CacheTag  string
	CacheDate time.Time
	Results   []rowstore.NodeID
}

// Dependencies holds the collaborators of a Cache
type Dependencies struct {
	Logger  *slog.Logger
	Metrics *metric.Metrics
	Graph   *hierarchy.Graph
}

// Cache stores responses and pages in the row store
type Cache struct {
	logger  *slog.Logger
	metrics *metric.Metrics
	graph   *hierarchy.Graph
}

// New creates a response cache. Register it as a delete observer of the
// graph so responses follow their parent and holder.
func New(deps Dependencies) (*Cache, error) {
	if deps.Graph == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "responsecache", "New", "graph is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Cache{logger: deps.Logger, metrics: deps.Metrics, graph: deps.Graph}, nil
}

func (c *Cache) validateKey(tx *rowstore.Tx, method string, key Key) error {
	if key.Name == "" {
		return errors.Inconsistency("responsecache", method, "response key %s has no name", key)
	}
	for _, n := range []rowstore.NodeID{key.Parent, key.Holder} {
		ok, err := tx.NodeExists(n)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Inconsistency("responsecache", method, "response key %s refers to missing node %d", key, n)
		}
	}
	return nil
}

// Response looks up a response
func (c *Cache) Response(tx *rowstore.Tx, key Key) (Response, bool, error) {
	r := Response{Key: key}
	var node int64
	var completed int
	var access sql.NullInt64
	err := tx.QueryRow(`SELECT node_id, is_completed, access_date FROM responses
		WHERE parent_id = ? AND holder_id = ? AND name = ?`, int64(key.Parent), int64(key.Holder), key.Name).
		Scan(&node, &completed, &access)
	if stderrors.Is(err, sql.ErrNoRows) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, errors.WrapTransient(err, "responsecache", "Response", "select response")
	}
	r.Node = rowstore.NodeID(node)
	r.IsCompleted = completed != 0
	r.AccessDate = rowstore.TimeFromColumn(access)
	return r, true, nil
}

// Responses lists the responses called name, oldest access first
func (c *Cache) Responses(tx *rowstore.Tx, name string) ([]Response, error) {
	rows, err := tx.Query(`SELECT node_id, parent_id, holder_id, is_completed, access_date FROM responses
		WHERE name = ? ORDER BY access_date IS NOT NULL, access_date, node_id`, name)
	if err != nil {
		return nil, errors.WrapTransient(err, "responsecache", "Responses", "select responses")
	}
	defer rows.Close()

	var out []Response
	for rows.Next() {
		var node, parent, holder int64
		var completed int
		var access sql.NullInt64
		if err := rows.Scan(&node, &parent, &holder, &completed, &access); err != nil {
			return nil, errors.WrapTransient(err, "responsecache", "Responses", "scan response")
		}
		out = append(out, Response{
			Node:        rowstore.NodeID(node),
			Key:         Key{Parent: rowstore.NodeID(parent), Holder: rowstore.NodeID(holder), Name: name},
			IsCompleted: completed != 0,
			AccessDate:  rowstore.TimeFromColumn(access),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "responsecache", "Responses", "iterate responses")
	}
	return out, nil
}

// ensureResponse returns the response of key, creating it held by the
// key's holder
func (c *Cache) ensureResponse(tx *rowstore.Tx, key Key) (Response, error) {
	r, found, err := c.Response(tx, key)
	if err != nil || found {
		return r, err
	}

	node, err := tx.NewNode(rowstore.KindResponse)
	if err != nil {
		return Response{}, err
	}
	if _, err := tx.Exec(`INSERT INTO responses (node_id, parent_id, holder_id, name) VALUES (?, ?, ?, ?)`,
		int64(node), int64(key.Parent), int64(key.Holder), key.Name); err != nil {
		return Response{}, errors.WrapTransient(err, "responsecache", "SavePage", "insert response")
	}
	if err := c.graph.Relate(tx, key.Holder, node, hierarchy.Holding); err != nil {
		return Response{}, err
	}
	return Response{Node: node, Key: key}, nil
}

// SavePage stores page index of a response and reconciles its result links
// to exactly results. A result equal to the key's parent is linked weakly
// so the parent is never held by its own listing.
func (c *Cache) SavePage(tx *rowstore.Tx, key Key, index int, cacheTag string, results []rowstore.NodeID, now time.Time) (Page, error) {
	if index < 0 {
		return Page{}, errors.Inconsistency("responsecache", "SavePage", "negative page index %d", index)
	}
	if err := c.validateKey(tx, "SavePage", key); err != nil {
		return Page{}, err
	}
	r, err := c.ensureResponse(tx, key)
	if err != nil {
		return Page{}, err
	}

	results = dedupe(results)
	encoded, err := json.Marshal(results)
	if err != nil {
		return Page{}, errors.WrapInvalid(err, "responsecache", "SavePage", "encode results")
	}

	page, found, err := c.pageOf(tx, r.Node, index)
	if err != nil {
		return Page{}, err
	}
	if !found {
		node, err := tx.NewNode(rowstore.KindPage)
		if err != nil {
			return Page{}, err
		}
		if _, err := tx.Exec(`INSERT INTO pages (node_id, response_id, page_index, cache_tag, cache_date, results)
			VALUES (?, ?, ?, ?, ?, ?)`, int64(node), int64(r.Node), index, cacheTag, rowstore.TimeToColumn(now), string(encoded)); err != nil {
			return Page{}, errors.WrapTransient(err, "responsecache", "SavePage", "insert page")
		}
		if err := c.graph.Relate(tx, r.Node, node, hierarchy.Holding); err != nil {
			return Page{}, err
		}
		page = Page{Node: node, Response: r.Node, Index: index}
	} else if _, err := tx.Exec(`UPDATE pages SET cache_tag = ?, cache_date = ?, results = ? WHERE node_id = ?`,
		cacheTag, rowstore.TimeToColumn(now), string(encoded), int64(page.Node)); err != nil {
		return Page{}, errors.WrapTransient(err, "responsecache", "SavePage", "update page")
	}

	var holding, weak []rowstore.NodeID
	for _, n := range results {
		kind := hierarchy.Holding
		if n == key.Parent {
			kind = hierarchy.Weak
		}
		if err := c.graph.Relate(tx, page.Node, n, kind); err != nil {
			return Page{}, err
		}
		if kind == hierarchy.Weak {
			weak = append(weak, n)
		} else {
			holding = append(holding, n)
		}
	}
	if _, err := c.graph.ReleaseStaleChildren(tx, page.Node, holding, hierarchy.Holding); err != nil {
		return Page{}, err
	}
	if _, err := c.graph.ReleaseStaleChildren(tx, page.Node, weak, hierarchy.Weak); err != nil {
		return Page{}, err
	}
	if err := c.Touch(tx, key, now); err != nil {
		return Page{}, err
	}

	c.metrics.RecordPageSaved()
	page.CacheTag, page.CacheDate = cacheTag, now
	page.Results, err = c.results(tx, page.Node, results)
	return page, err
}

func dedupe(ids []rowstore.NodeID) []rowstore.NodeID {
	out := make([]rowstore.NodeID, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// Page looks up page index of a response
func (c *Cache) Page(tx *rowstore.Tx, key Key, index int) (Page, bool, error) {
	r, found, err := c.Response(tx, key)
	if err != nil || !found {
		return Page{}, false, err
	}
	return c.pageOf(tx, r.Node, index)
}

func (c *Cache) pageOf(tx *rowstore.Tx, response rowstore.NodeID, index int) (Page, bool, error) {
	p := Page{Response: response, Index: index}
	var node int64
	var date sql.NullInt64
	var encoded string
	err := tx.QueryRow(`SELECT node_id, cache_tag, cache_date, results FROM pages WHERE response_id = ? AND page_index = ?`,
		int64(response), index).Scan(&node, &p.CacheTag, &date, &encoded)
	if stderrors.Is(err, sql.ErrNoRows) {
		return Page{}, false, nil
	}
	if err != nil {
		return Page{}, false, errors.WrapTransient(err, "responsecache", "Page", "select page")
	}
	p.Node = rowstore.NodeID(node)
	p.CacheDate = rowstore.TimeFromColumn(date)

	var ordered []rowstore.NodeID
	if err := json.Unmarshal([]byte(encoded), &ordered); err != nil {
		return Page{}, false, errors.WrapFatal(err, "responsecache", "Page", "decode results")
	}
	if p.Results, err = c.results(tx, p.Node, ordered); err != nil {
		return Page{}, false, err
	}
	return p, true, nil
}

// results keeps the entries of ordered the page still links to, plus
// linked nodes missing from ordered (unsynced local creations kept by a
// refresh) at the end
func (c *Cache) results(tx *rowstore.Tx, page rowstore.NodeID, ordered []rowstore.NodeID) ([]rowstore.NodeID, error) {
	linked, err := rowstore.ScanNodeIDs(tx.Query(`SELECT DISTINCT target_id FROM links WHERE source_id = ? ORDER BY target_id`, int64(page)))
	if err != nil {
		return nil, errors.WrapTransient(err, "responsecache", "Page", "select results")
	}
	out := make([]rowstore.NodeID, 0, len(linked))
	for _, id := range ordered {
		if slices.Contains(linked, id) {
			out = append(out, id)
		}
	}
	for _, id := range linked {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out, nil
}

// Pages lists the pages of a response by index
func (c *Cache) Pages(tx *rowstore.Tx, key Key) ([]Page, error) {
	r, found, err := c.Response(tx, key)
	if err != nil || !found {
		return nil, err
	}
	rows, err := tx.Query(`SELECT page_index FROM pages WHERE response_id = ? ORDER BY page_index`, int64(r.Node))
	if err != nil {
		return nil, errors.WrapTransient(err, "responsecache", "Pages", "select pages")
	}
	var indexes []int
	for rows.Next() {
		var i int
		if err := rows.Scan(&i); err != nil {
			rows.Close()
			return nil, errors.WrapTransient(err, "responsecache", "Pages", "scan page")
		}
		indexes = append(indexes, i)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "responsecache", "Pages", "iterate pages")
	}

	pages := make([]Page, 0, len(indexes))
	for _, i := range indexes {
		p, _, err := c.pageOf(tx, r.Node, i)
		if err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, nil
}

// Touch records an access to a response
func (c *Cache) Touch(tx *rowstore.Tx, key Key, now time.Time) error {
	_, err := tx.Exec(`UPDATE responses SET access_date = ? WHERE parent_id = ? AND holder_id = ? AND name = ?`,
		rowstore.TimeToColumn(now), int64(key.Parent), int64(key.Holder), key.Name)
	if err != nil {
		return errors.WrapTransient(err, "responsecache", "Touch", "update access date")
	}
	return nil
}

// SetCompleted marks whether every page of a response has been fetched
func (c *Cache) SetCompleted(tx *rowstore.Tx, key Key, completed bool) error {
	flag := 0
	if completed {
		flag = 1
	}
	res, err := tx.Exec(`UPDATE responses SET is_completed = ? WHERE parent_id = ? AND holder_id = ? AND name = ?`,
		flag, int64(key.Parent), int64(key.Holder), key.Name)
	if err != nil {
		return errors.WrapTransient(err, "responsecache", "SetCompleted", "update response")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("responsecache", "SetCompleted", "response %s", key)
	}
	return nil
}

// IsCompleted reports whether every page of a response has been fetched.
// Unknown responses are not completed.
func (c *Cache) IsCompleted(tx *rowstore.Tx, key Key) (bool, error) {
	r, _, err := c.Response(tx, key)
	return r.IsCompleted, err
}
