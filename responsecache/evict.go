package responsecache

import (
	"slices"
	"time"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/rowstore"
)

// Invalidate clears the cache tag of every page linked to entity, holding
// or weak. Pages keep their results; the next access revalidates them.
func (c *Cache) Invalidate(tx *rowstore.Tx, entity rowstore.NodeID) (int, error) {
	res, err := tx.Exec(`UPDATE pages SET cache_tag = '' WHERE cache_tag <> ''
		AND node_id IN (SELECT source_id FROM links WHERE target_id = ?)`, int64(entity))
	if err != nil {
		return 0, errors.WrapTransient(err, "responsecache", "Invalidate", "clear page tags")
	}
	n, _ := res.RowsAffected()
	c.metrics.RecordInvalidated(int(n))
	return int(n), nil
}

// InvalidateResponse clears the cache tag of every page of a response
func (c *Cache) InvalidateResponse(tx *rowstore.Tx, key Key) (int, error) {
	r, found, err := c.Response(tx, key)
	if err != nil || !found {
		return 0, err
	}
	res, err := tx.Exec(`UPDATE pages SET cache_tag = '' WHERE response_id = ? AND cache_tag <> ''`, int64(r.Node))
	if err != nil {
		return 0, errors.WrapTransient(err, "responsecache", "InvalidateResponse", "clear page tags")
	}
	n, _ := res.RowsAffected()
	c.metrics.RecordInvalidated(int(n))
	return int(n), nil
}

// EvictByAge deletes every response called name whose access date is unset
// or before cutoff, except the keys in except. Each response goes through
// the ownership graph so entities only it held are cleaned up. Cancellation
// is checked between responses.
func (c *Cache) EvictByAge(tx *rowstore.Tx, name string, cutoff time.Time, except []Key) (int, error) {
	rows, err := tx.Query(`SELECT node_id, parent_id, holder_id FROM responses
		WHERE name = ? AND (access_date IS NULL OR access_date < ?) ORDER BY node_id`, name, cutoff.UnixNano())
	if err != nil {
		return 0, errors.WrapTransient(err, "responsecache", "EvictByAge", "select responses")
	}
	var victims []rowstore.NodeID
	for rows.Next() {
		var node, parent, holder int64
		if err := rows.Scan(&node, &parent, &holder); err != nil {
			rows.Close()
			return 0, errors.WrapTransient(err, "responsecache", "EvictByAge", "scan response")
		}
		key := Key{Parent: rowstore.NodeID(parent), Holder: rowstore.NodeID(holder), Name: name}
		if !slices.Contains(except, key) {
			victims = append(victims, rowstore.NodeID(node))
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.WrapTransient(err, "responsecache", "EvictByAge", "iterate responses")
	}

	ctx := tx.Context()
	evicted := 0
	for _, node := range victims {
		if ctx.Err() != nil {
			c.metrics.RecordEvicted(evicted)
			return evicted, errors.Canceled(ctx, "responsecache", "EvictByAge")
		}
		if _, err := c.graph.DeleteNodes(tx, "evicted", node); err != nil {
			return evicted, err
		}
		evicted++
	}
	c.metrics.RecordEvicted(evicted)
	if evicted > 0 {
		c.logger.Debug("responses evicted", "response", name, "count", evicted, "cutoff", cutoff)
	}
	return evicted, nil
}

// TrimPages deletes the pages of a response from index keep onwards
func (c *Cache) TrimPages(tx *rowstore.Tx, key Key, keep int) (int, error) {
	r, found, err := c.Response(tx, key)
	if err != nil || !found {
		return 0, err
	}
	pages, err := rowstore.ScanNodeIDs(tx.Query(`SELECT node_id FROM pages WHERE response_id = ? AND page_index >= ?`,
		int64(r.Node), keep))
	if err != nil {
		return 0, errors.WrapTransient(err, "responsecache", "TrimPages", "select pages")
	}
	if len(pages) == 0 {
		return 0, nil
	}
	if keep == 0 {
		if err := c.SetCompleted(tx, key, false); err != nil {
			return 0, err
		}
	}
	if _, err := c.graph.DeleteNodes(tx, "trimmed", pages...); err != nil {
		return 0, err
	}
	return len(pages), nil
}

// DeleteResponse deletes a response with its pages
func (c *Cache) DeleteResponse(tx *rowstore.Tx, key Key) (bool, error) {
	r, found, err := c.Response(tx, key)
	if err != nil || !found {
		return false, err
	}
	n, err := c.graph.DeleteNodes(tx, "explicit", r.Node)
	return n > 0, err
}

// NodesDeleted returns the responses whose parent or holder was deleted
func (c *Cache) NodesDeleted(tx *rowstore.Tx, deleted []rowstore.NodeID) ([]rowstore.NodeID, error) {
	if len(deleted) == 0 {
		return nil, nil
	}
	query, args := rowstore.InClause(`SELECT node_id FROM responses WHERE parent_id IN (%[1]s) OR holder_id IN (%[1]s)`, deleted)
	args = append(args, args...)
	ids, err := rowstore.ScanNodeIDs(tx.Query(query, args...))
	if err != nil {
		return nil, errors.WrapTransient(err, "responsecache", "NodesDeleted", "select responses")
	}
	return ids, nil
}
