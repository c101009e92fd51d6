// Package mirror is the entry point of the entity cache. Open wires the row
// store, identity model, ownership graph, caching engine, response cache and
// change tracker into one Cache bound to a single database file.
//
// # Single writer
//
// Every read-write operation runs as a task on one writer goroutine, inside
// one row store transaction. Callers queue work with Submit or Do and get a
// worker.Future back:
//
//	f := mirror.Do(ctx, c, "rename", func(s *mirror.Session) (identity.EntityInfo, error) {
//		return s.Modify(key, identity.Properties{"name": "Acme AS"})
//	})
//	info, err := f.Wait(ctx)
//
// A task commits when it returns nil, rolls back on an error and commits
// the work done so far when it returns a cancellation error. Tasks whose
// context ends before they start are not run.
//
// # Network
//
// FetchQuery and SyncChanges talk to the remote service outside the
// writer. Only the resulting writes are queued, so fetches run
// concurrently with each other and with queued tasks. FetchBatch runs a
// set of queries concurrently and marks the dependents of a failed query
// with errors.ErrDependencyNotSynced instead of fetching them.
//
// # Blobs
//
// StoreBlob and LoadBlob keep binary payloads of cached entities in a
// storage.Store. Payloads are deleted from the store after the transaction
// that deleted their entity commits.
//
// # Health
//
// Health reports the store, the writer queue and every component recorded
// on Monitor, such as the eviction sweeper or a remote connection watcher.
package mirror
