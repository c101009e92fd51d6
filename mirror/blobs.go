package mirror

import (
	"context"
	"time"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/rowstore"
	"github.com/c360/entitycache/storage"
)

const blobDeleteTimeout = 30 * time.Second

func (c *Cache) requireBlobs(method string) error {
	if c.blobs == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "mirror", method, "no blob store")
	}
	return nil
}

// StoreBlob stores the binary payload of a cached entity, replacing any
// earlier one. The payload is deleted with the entity.
func (c *Cache) StoreBlob(ctx context.Context, key identity.LocalKey, data []byte) error {
	if err := c.requireBlobs("StoreBlob"); err != nil {
		return err
	}
	_, err := c.Submit(ctx, "blob.record", func(s *Session) error {
		if _, err := s.ReadInfoByKey(key); err != nil {
			return err
		}
		_, err := s.tx.Exec(`INSERT INTO blobs (node_id, size, stored_at) VALUES (?, ?, ?)
			ON CONFLICT (node_id) DO UPDATE SET size = excluded.size, stored_at = excluded.stored_at`,
			int64(key.RowID), len(data), rowstore.TimeToColumn(s.Now()))
		if err != nil {
			return errors.WrapTransient(err, "mirror", "StoreBlob", "record blob")
		}
		return nil
	}).Wait(ctx)
	if err != nil {
		return err
	}

	if err := c.blobs.Put(ctx, storage.KeyFor(key), data); err != nil {
		c.forgetBlob(key)
		return err
	}
	return nil
}

// forgetBlob drops the record of a payload that never reached the store
func (c *Cache) forgetBlob(key identity.LocalKey) {
	ctx, cancel := context.WithTimeout(context.Background(), blobDeleteTimeout)
	defer cancel()
	_, err := c.Submit(ctx, "blob.forget", func(s *Session) error {
		_, err := s.tx.Exec(`DELETE FROM blobs WHERE node_id = ?`, int64(key.RowID))
		return err
	}).Wait(ctx)
	if err != nil {
		c.logger.Warn("blob record left behind", "local_key", key, "error", err)
	}
}

// LoadBlob returns the binary payload of a cached entity. A missing payload
// is an errors.ErrNotFound error.
func (c *Cache) LoadBlob(ctx context.Context, key identity.LocalKey) ([]byte, error) {
	if err := c.requireBlobs("LoadBlob"); err != nil {
		return nil, err
	}
	return c.blobs.Get(ctx, storage.KeyFor(key))
}

// blobsDeleted is the delete observer for payloads. Records of deleted
// nodes are dropped in the transaction; the payloads go after commit.
func (c *Cache) blobsDeleted(tx *rowstore.Tx, deleted []rowstore.NodeID) ([]rowstore.NodeID, error) {
	if len(deleted) == 0 {
		return nil, nil
	}
	query, args := rowstore.InClause(`SELECT node_id FROM blobs WHERE node_id IN (%s)`, deleted)
	nodes, err := rowstore.ScanNodeIDs(tx.Query(query, args...))
	if err != nil {
		return nil, errors.WrapTransient(err, "mirror", "NodesDeleted", "select blobs")
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	query, args = rowstore.InClause(`DELETE FROM blobs WHERE node_id IN (%s)`, nodes)
	if _, err := tx.Exec(query, args...); err != nil {
		return nil, errors.WrapTransient(err, "mirror", "NodesDeleted", "delete blob records")
	}
	tx.OnCommit(func() { c.deleteBlobs(nodes) })
	return nil, nil
}

func (c *Cache) deleteBlobs(nodes []rowstore.NodeID) {
	if c.blobs == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), blobDeleteTimeout)
		defer cancel()
		for _, node := range nodes {
			if err := c.blobs.Delete(ctx, storage.NodeKey(node)); err != nil {
				c.logger.Warn("blob delete failed", "node", node, "error", err)
			}
		}
		c.logger.Debug("blobs deleted", "count", len(nodes))
	}()
}

// SweepBlobs deletes payloads in the blob store that no cached entity
// owns, left behind by a crash between a commit and its blob deletes
func (c *Cache) SweepBlobs(ctx context.Context) (int, error) {
	if err := c.requireBlobs("SweepBlobs"); err != nil {
		return 0, err
	}
	keys, err := c.blobs.List(ctx, storage.EntityPrefix)
	if err != nil {
		return 0, err
	}

	var known map[rowstore.NodeID]bool
	err = c.View(ctx, func(s *Session) error {
		nodes, err := rowstore.ScanNodeIDs(s.tx.Query(`SELECT node_id FROM blobs`))
		if err != nil {
			return errors.WrapTransient(err, "mirror", "SweepBlobs", "select blobs")
		}
		known = make(map[rowstore.NodeID]bool, len(nodes))
		for _, n := range nodes {
			known[n] = true
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, key := range keys {
		if node, ok := storage.NodeOf(key); ok && known[node] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return swept, errors.Canceled(ctx, "mirror", "SweepBlobs")
		}
		if err := c.blobs.Delete(ctx, key); err != nil {
			return swept, err
		}
		swept++
	}
	if swept > 0 {
		c.logger.Info("orphaned blobs swept", "count", swept)
	}
	return swept, nil
}
