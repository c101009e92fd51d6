package partialcache

import (
	"fmt"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/identity"
)

// Decision is what to do with one entity of a query result
type Decision int

const (
	// RecordIdentity keeps the identity only; nothing is cached
	RecordIdentity Decision = iota
	// CacheFull stores every property and marks the entity Full
	CacheFull
	// CachePartial stores the supplied properties and marks the entity Partial
	CachePartial
	// SkipCached leaves an already cached entity untouched
	SkipCached
	// Reject asks the caller to fetch the entity again with every property
	Reject
)

func (d Decision) String() string {
	switch d {
	case RecordIdentity:
		return "record_identity"
	case CacheFull:
		return "cache_full"
	case CachePartial:
		return "cache_partial"
	case SkipCached:
		return "skip_cached"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Decide applies the caching rules to one entity, in order:
//
//  1. a locally created entity cannot come from the server (Inconsistency)
//  2. a locally deleted entity only keeps its identity
//  3. an All classification caches everything
//  4. a cached entity reached by id only is left alone
//  5. an entity that must stay complete (Modified, or Full and pinned under
//     a Full root) cannot take a narrower payload and is rejected
//  6. anything else is cached partially
func Decide(info identity.EntityInfo, class Classification, pinnedFull bool) (Decision, error) {
	switch {
	case info.ChangeStatus == identity.Created:
		return Reject, errors.Inconsistency("partialcache", "Decide",
			"server returned data for locally created %s", info.Remote)
	case info.ChangeStatus == identity.Deleted:
		return RecordIdentity, nil
	case class.Kind == All:
		return CacheFull, nil
	case info.Persisted() && class.Kind == IDOnly:
		return SkipCached, nil
	case info.ChangeStatus == identity.Modified,
		info.CacheState == identity.Full && pinnedFull:
		return Reject, nil
	default:
		return CachePartial, nil
	}
}
