// Package hierarchy implements the ownership graph of the cache.
//
// Every cached item (entity, relationship instance, response, page, root) is
// a node in the row store arena. Nodes are connected by directed edges of two
// kinds:
//
//   - Holding: ownership. A node whose last Holding parent goes away is
//     cleaned up.
//   - Weak: a reference. Weak edges never trigger or block cleanup; they break
//     ownership cycles such as a listing whose parent is one of its results.
//
// # Cascading delete
//
// DeleteNodes removes the given nodes and then computes what became
// meaningless: Holding children that no other node holds, plus whatever the
// registered DeleteObservers return (responses whose parent was deleted,
// relationships whose endpoint was deleted). Those are deleted in the next
// round, and so on until a round produces nothing. Observers only ever see
// nodes after their rows are gone within the transaction, so a failure part
// way leaves still-referenced garbage at worst, never a dangling reference.
//
// The iteration is bounded by Dependencies.MaxCascadeRounds. Each round only
// deletes nodes that still exist, so a well-behaved observer set converges in
// at most as many rounds as there are nodes; hitting the bound is reported as
// an inconsistency.
//
// # Roots
//
// Roots are named anchors created on first reference. Their Persistence
// decides whether held entities must be fully cached (Full) or may be evicted
// wholesale (Temporary).
package hierarchy
