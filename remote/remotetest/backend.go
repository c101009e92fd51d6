// Package remotetest provides an in-memory remote service for tests.
package remotetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/partialcache"
	"github.com/c360/entitycache/remote"
)

// Backend is an in-memory remote.Client. Query results are registered with
// SetQuery; objects live in a map and every write bumps their tag.
type Backend struct {
	mu      sync.Mutex
	queries map[string]remote.Result
	objects map[identity.RemoteID]identity.Properties
	tags    map[identity.RemoteID]int
	nextID  int
	calls   map[string]int

	// Hook, when set, runs before every write; a returned error fails it
	Hook func(op string, obj remote.Object) error
}

// NewBackend creates an empty backend
func NewBackend() *Backend {
	return &Backend{
		queries: make(map[string]remote.Result),
		objects: make(map[identity.RemoteID]identity.Properties),
		tags:    make(map[identity.RemoteID]int),
		calls:   make(map[string]int),
	}
}

func pageKey(q remote.Query) string {
	return fmt.Sprintf("%s#%d", q.Name(), q.Page)
}

// SetQuery registers the page q answers with
func (b *Backend) SetQuery(q remote.Query, res remote.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queries[pageKey(q)] = res
}

// Put stores an object as if another client had written it
func (b *Backend) Put(id identity.RemoteID, props identity.Properties) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[id] = props.Clone()
	b.tags[id]++
}

// Object returns the stored properties of id
func (b *Backend) Object(id identity.RemoteID) (identity.Properties, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	props, ok := b.objects[id]
	return props.Clone(), ok
}

// Calls returns how many times op was called
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *Backend) tag(id identity.RemoteID) string {
	return fmt.Sprintf("v%d", b.tags[id])
}

// FetchQuery implements remote.Client
func (b *Backend) FetchQuery(ctx context.Context, q remote.Query, etag string) (remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return remote.Result{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[remote.OpQuery]++

	res, ok := b.queries[pageKey(q)]
	if !ok {
		return remote.Result{}, errors.NewUpstream(remote.CodeNotFound, "no such query "+q.Name(), nil)
	}
	if etag != "" && etag == res.CacheTag {
		return remote.Result{NotModified: true, CacheTag: etag}, nil
	}
	return res, nil
}

// FetchByID implements remote.Client. Only an empty select option or
// "_all" is supported; the instance always carries every property.
func (b *Backend) FetchByID(ctx context.Context, id identity.RemoteID, _ string, etag string) (remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return remote.Result{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[remote.OpGet]++

	props, ok := b.objects[id]
	if !ok {
		return remote.Result{}, errors.NewUpstream(remote.CodeNotFound, id.String()+" not found", nil)
	}
	tag := b.tag(id)
	if etag == tag {
		return remote.Result{NotModified: true, CacheTag: tag}, nil
	}
	return remote.Result{
		CacheTag:  tag,
		Instances: []partialcache.Instance{{Remote: id, Properties: props.Clone(), CacheTag: tag}},
	}, nil
}

func (b *Backend) write(op string, obj remote.Object) error {
	b.calls[op]++
	if b.Hook != nil {
		return b.Hook(op, obj)
	}
	return nil
}

// CreateObject implements remote.Client
func (b *Backend) CreateObject(ctx context.Context, obj remote.Object) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.write(remote.OpCreate, obj); err != nil {
		return "", err
	}
	if obj.Source != (identity.RemoteID{}) {
		for _, end := range []identity.RemoteID{obj.Source, obj.Target} {
			if _, ok := b.objects[end]; !ok {
				return "", errors.NewUpstream(remote.CodeConflict, "endpoint "+end.String()+" does not exist", nil)
			}
		}
	}

	b.nextID++
	id := obj.Remote
	id.ID = fmt.Sprintf("srv-%d", b.nextID)
	b.objects[id] = obj.Properties.Clone()
	b.tags[id]++
	return id.ID, nil
}

// UpdateObject implements remote.Client
func (b *Backend) UpdateObject(ctx context.Context, obj remote.Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.write(remote.OpUpdate, obj); err != nil {
		return err
	}
	if _, ok := b.objects[obj.Remote]; !ok {
		return errors.NewUpstream(remote.CodeNotFound, obj.Remote.String()+" not found", nil)
	}
	b.objects[obj.Remote] = obj.Properties.Clone()
	b.tags[obj.Remote]++
	return nil
}

// DeleteObject implements remote.Client
func (b *Backend) DeleteObject(ctx context.Context, id identity.RemoteID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.write(remote.OpDelete, remote.Object{Remote: id}); err != nil {
		return err
	}
	delete(b.objects, id)
	delete(b.tags, id)
	return nil
}
