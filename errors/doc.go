// Package errors
//
// # Error kinds
//
//	NotFound             unknown type, relationship, row, response or root
//	Inconsistency        invariant violation; always aborts the current operation
//	Upstream             failure reported by the remote service (*UpstreamError)
//	DependencyNotSynced  change skipped because its prerequisite failed
//	Canceled             cooperative cancellation after the last complete unit
//
// # Usage
//
//	if info.ChangeStatus == identity.Created {
//		return errors.Inconsistency("partialcache", "CacheInstances",
//			"created entity %s received server data", info.Key)
//	}
//
//	if errors.IsNotFound(err) { ... }
//
// Low-level operations return the first error. Only the batch driver in
// package mirror continues past a failed item.
package errors
