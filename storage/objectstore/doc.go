// Package objectstore implements storage.Store on a NATS JetStream
// ObjectStore bucket.
//
// # Overview
//
// Store keeps one object per key. ObjectStore objects are chunked, so blobs
// of any size are fine; each Put replaces the latest revision and Delete
// marks it deleted.
//
// Reads may go through an in-memory LRU (pkg/cache). The cache only holds
// data this process wrote or read, so another writer to the same bucket
// can leave it stale until the entry is evicted; disable it when the
// bucket is shared.
//
// # Usage
//
//	client, _ := natsclient.NewClient(url)
//	_ = client.Connect(ctx)
//
//	store, err := objectstore.NewStoreWithConfig(ctx, client, objectstore.DefaultConfig(),
//	    objectstore.Options{Logger: logger, MetricsRegistry: registry})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	err = store.Put(ctx, storage.KeyFor(key), data)
//
// # Listing
//
// ObjectStore has no prefix index: List reads the bucket's object list and
// filters it, which costs one request per call regardless of the prefix.
//
// # Metrics
//
// With a MetricsRegistry the store exports, labelled by bucket:
//   - entitycache_objectstore_operations_total{operation}
//   - entitycache_objectstore_operation_duration_seconds{operation}
//   - entitycache_objectstore_errors_total{operation}
//   - entitycache_objectstore_cache_requests_total{result}
package objectstore
