package mirror

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/hierarchy"
	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/partialcache"
	"github.com/c360/entitycache/remote"
	"github.com/c360/entitycache/responsecache"
)

// DefaultRoot holds responses fetched without a named root
const DefaultRoot = "queries"

const (
	// refetchConcurrency bounds the by-id fetches of rejected entities
	refetchConcurrency = 4
	// batchConcurrency bounds the concurrent queries of one FetchBatch wave
	batchConcurrency = 8
)

// FetchRequest is one page of a query to fetch and cache
type FetchRequest struct {
	Query remote.Query
	// Root names the root holding the response, DefaultRoot when empty.
	// A missing root is created with Persistence.
	Root        string
	Persistence hierarchy.Persistence
	// DependsOn lists the indexes of requests of the same FetchBatch that
	// must succeed before this one is fetched
	DependsOn []int
}

func (r FetchRequest) rootName() string {
	if r.Root == "" {
		return DefaultRoot
	}
	return r.Root
}

// FetchResult reports what a fetch did
type FetchResult struct {
	Key         responsecache.Key
	Page        responsecache.Page
	NotModified bool
	HasMore     bool
	// Refetched lists rejected entities fetched again with every property
	Refetched []identity.RemoteID
	// Err is set by FetchBatch for a request that failed
	Err error
}

type storedPage struct {
	result   FetchResult
	rejected []identity.RemoteID
}

// FetchQuery fetches one page of a query and caches it. The page's current
// tag goes with the request; when the service answers not-modified only
// the response access date changes. Entities the caching engine rejects
// are fetched again by id with every property.
func (c *Cache) FetchQuery(ctx context.Context, req FetchRequest) (FetchResult, error) {
	if c.remote == nil {
		return FetchResult{}, errors.WrapInvalid(errors.ErrNoConnection, "mirror", "FetchQuery", "no remote client")
	}
	sel, err := partialcache.CompileSelection(req.Query.Select)
	if err != nil {
		return FetchResult{}, err
	}

	etag, err := Do(ctx, c, "fetch.prepare", func(s *Session) (string, error) {
		key, err := s.responseKey(req)
		if err != nil {
			return "", err
		}
		page, found, err := s.Page(key, req.Query.Page)
		if err != nil || !found {
			return "", err
		}
		return page.CacheTag, nil
	}).Wait(ctx)
	if err != nil {
		return FetchResult{}, err
	}

	res, err := c.remote.FetchQuery(ctx, req.Query, etag)
	if err != nil {
		return FetchResult{}, err
	}

	stored, err := Do(ctx, c, "fetch.store", func(s *Session) (storedPage, error) {
		return s.storePage(req, sel, res)
	}).Wait(ctx)
	if err != nil {
		return stored.result, err
	}
	if len(stored.rejected) == 0 {
		return stored.result, nil
	}

	refetched, err := c.refetch(ctx, stored.rejected)
	stored.result.Refetched = refetched
	return stored.result, err
}

// responseKey resolves the response key of a request, creating its root
func (s *Session) responseKey(req FetchRequest) (responsecache.Key, error) {
	root, err := s.Root(req.rootName(), req.Persistence)
	if err != nil {
		return responsecache.Key{}, err
	}
	key := responsecache.Key{Parent: root.Node, Holder: root.Node, Name: req.Query.Name()}
	if req.Query.Parent.Assigned() {
		parent, found, err := s.FindLocalKey(req.Query.Parent)
		if err != nil {
			return responsecache.Key{}, err
		}
		if !found {
			return responsecache.Key{}, errors.NotFound("mirror", "FetchQuery", "parent %s is not cached", req.Query.Parent)
		}
		key.Parent = parent.RowID
	}
	return key, nil
}

func (s *Session) storePage(req FetchRequest, sel *partialcache.Selection, res remote.Result) (storedPage, error) {
	key, err := s.responseKey(req)
	if err != nil {
		return storedPage{}, err
	}
	out := storedPage{result: FetchResult{Key: key, NotModified: res.NotModified, HasMore: res.HasMore}}

	if res.NotModified {
		page, found, err := s.Page(key, req.Query.Page)
		if err != nil {
			return out, err
		}
		if !found {
			return out, errors.Inconsistency("mirror", "FetchQuery", "not-modified answer for uncached page %d of %s", req.Query.Page, key)
		}
		out.result.Page = page
		return out, s.c.responses.Touch(s.tx, key, s.Now())
	}

	outcome, err := s.CacheInstances(partialcache.ResultSet{Selection: sel, Instances: res.Instances})
	if err != nil {
		// a canceled walk keeps the entities it wrote, the page waits for a complete result
		return out, err
	}
	out.rejected = outcome.Rejected

	if out.result.Page, err = s.SavePage(key, req.Query.Page, res.CacheTag, outcome.Top); err != nil {
		return out, err
	}
	if res.HasMore {
		return out, s.SetCompleted(key, false)
	}
	if _, err := s.c.responses.TrimPages(s.tx, key, req.Query.Page+1); err != nil {
		return out, err
	}
	pages, err := s.Pages(key)
	if err != nil {
		return out, err
	}
	// completed only once every page up to the last one is cached
	return out, s.SetCompleted(key, len(pages) == req.Query.Page+1)
}

// refetch fetches rejected entities by id and caches them with every
// property
func (c *Cache) refetch(ctx context.Context, ids []identity.RemoteID) ([]identity.RemoteID, error) {
	var mu sync.Mutex
	var instances []partialcache.Instance

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refetchConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			res, err := c.remote.FetchByID(gctx, id, "", "")
			if err != nil {
				return fmt.Errorf("refetch %s: %w", id, err)
			}
			mu.Lock()
			instances = append(instances, res.Instances...)
			mu.Unlock()
			return nil
		})
	}
	fetchErr := g.Wait()
	if len(instances) == 0 {
		return nil, fetchErr
	}

	outcome, err := Do(ctx, c, "fetch.refetch", func(s *Session) (partialcache.Outcome, error) {
		return s.CacheInstances(partialcache.ResultSet{Selection: partialcache.SelectAll(), Instances: instances})
	}).Wait(ctx)
	if err != nil {
		return nil, stderrors.Join(fetchErr, err)
	}

	refetched := make([]identity.RemoteID, 0, len(instances))
	for _, inst := range instances {
		refetched = append(refetched, inst.Remote)
	}
	if len(outcome.Rejected) > 0 {
		return refetched, errors.Inconsistency("mirror", "FetchQuery", "%d entities rejected with every property", len(outcome.Rejected))
	}
	return refetched, fetchErr
}

// FetchBatch fetches a set of requests concurrently. A failed request does
// not stop its siblings; requests depending on it fail with
// errors.ErrDependencyNotSynced without being fetched. The returned error
// joins every failure. A bad dependency index or a dependency cycle fails
// the batch before anything is fetched.
func (c *Cache) FetchBatch(ctx context.Context, reqs []FetchRequest) ([]FetchResult, error) {
	if err := checkDependencies(reqs); err != nil {
		return nil, err
	}

	results := make([]FetchResult, len(reqs))
	done := make([]bool, len(reqs))
	for remaining := len(reqs); remaining > 0; {
		wave := c.nextWave(reqs, results, done)
		var g errgroup.Group
		g.SetLimit(batchConcurrency)
		for _, i := range wave {
			done[i] = true
			if results[i].Err != nil {
				continue
			}
			g.Go(func() error {
				res, err := c.FetchQuery(ctx, reqs[i])
				res.Err = err
				results[i] = res
				return nil
			})
		}
		_ = g.Wait()
		remaining -= len(wave)
	}

	var errs []error
	for i, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("request %d: %w", i, r.Err))
		}
	}
	return results, stderrors.Join(errs...)
}

// nextWave returns the requests whose dependencies are all done, failing
// the ones that depend on a failed request
// checkDependencies rejects out-of-range and self dependencies, then
// peels requests whose dependencies are all peeled; anything left is on a
// cycle
func checkDependencies(reqs []FetchRequest) error {
	for i, req := range reqs {
		for _, dep := range req.DependsOn {
			if dep < 0 || dep >= len(reqs) || dep == i {
				return errors.WrapInvalid(errors.ErrInvalidData, "mirror", "FetchBatch",
					fmt.Sprintf("request %d depends on invalid index %d", i, dep))
			}
		}
	}

	peeled := make([]bool, len(reqs))
	for progress := true; progress; {
		progress = false
		for i, req := range reqs {
			if peeled[i] || slices.ContainsFunc(req.DependsOn, func(dep int) bool { return !peeled[dep] }) {
				continue
			}
			peeled[i] = true
			progress = true
		}
	}
	if i := slices.Index(peeled, false); i >= 0 {
		return errors.Inconsistency("mirror", "FetchBatch", "request %d is part of a dependency cycle", i)
	}
	return nil
}

func (c *Cache) nextWave(reqs []FetchRequest, results []FetchResult, done []bool) []int {
	var wave []int
	for i, req := range reqs {
		if done[i] {
			continue
		}
		ready := true
		for _, dep := range req.DependsOn {
			if !done[dep] {
				ready = false
				break
			}
			if results[dep].Err != nil && results[i].Err == nil {
				results[i].Err = errors.DependencyNotSynced("mirror", "FetchBatch", results[dep].Err)
			}
		}
		if ready {
			wave = append(wave, i)
		}
	}
	return wave
}
