// Package storage is the contract for binary payloads stored next to cached
// entities: attachments, images and other blobs the row store does not hold.
//
// Two backends implement Store:
//
//   - objectstore.Store keeps blobs in a NATS JetStream ObjectStore bucket,
//     with an optional in-memory LRU in front of reads
//   - filestore.Store keeps blobs as files below a local directory
//
// Blobs of a cached entity live under KeyFor(localKey). The cache deletes
// them after the transaction that removes the entity commits; a blob whose
// delete failed is left behind until the next sweep of orphaned keys.
//
// Example:
//
//	store, err := filestore.New(filepath.Join(dir, "blobs"))
//	if err != nil {
//	    return err
//	}
//	err = store.Put(ctx, storage.KeyFor(key), photo)
//	data, err := store.Get(ctx, storage.KeyFor(key))
//
// Keys are relative "/"-separated paths; ValidKey rejects empty and dot
// segments so that no backend can be asked to escape its root.
package storage
