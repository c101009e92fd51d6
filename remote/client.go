// Package remote is the contract between the cache and the remote entity
// service, with a NATS request/reply implementation of it.
//
// The cache never talks to the service inside a write transaction: a
// fetch runs first and its result is handed to the writer afterwards.
package remote

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/partialcache"
)

// Query describes one page of a query against the remote service
type Query struct {
	Schema string `json:"schema"`
	Class  string `json:"class"`
	// Select is the select option, compiled with partialcache.CompileSelection
	Select string `json:"select,omitempty"`
	Filter string `json:"filter,omitempty"`
	// Parent and Relationship navigate from an entity to its related entities
	Parent       identity.RemoteID `json:"parent"`
	Relationship string            `json:"relationship,omitempty"`
	Page         int               `json:"page"`
	PageSize     int               `json:"page_size,omitempty"`
}

// Name identifies the query independently of its page. Responses are
// cached under it.
func (q Query) Name() string {
	v := url.Values{}
	if q.Select != "" {
		v.Set("select", q.Select)
	}
	if q.Filter != "" {
		v.Set("filter", q.Filter)
	}
	if q.Parent.Assigned() {
		v.Set("parent", q.Parent.String())
		v.Set("relationship", q.Relationship)
	}
	if q.PageSize > 0 {
		v.Set("page_size", strconv.Itoa(q.PageSize))
	}
	name := fmt.Sprintf("%s/%s", q.Schema, q.Class)
	if enc := v.Encode(); enc != "" {
		name += "?" + enc
	}
	return name
}

// Result is one page of instances returned by the service
type Result struct {
	// NotModified is set when the etag sent with the request still matches
	NotModified bool
	CacheTag    string
	Instances   []partialcache.Instance
	HasMore     bool
}

// Object is an entity or relationship instance pushed to the service.
// Source and Target are set for relationships only.
type Object struct {
	Remote     identity.RemoteID
	Properties identity.Properties
	Source     identity.RemoteID
	Target     identity.RemoteID
}

// Client is what the cache needs from the remote service. Failures are
// *errors.UpstreamError unless the context ended first.
type Client interface {
	FetchQuery(ctx context.Context, q Query, etag string) (Result, error)
	// FetchByID fetches one entity with the given select option
	FetchByID(ctx context.Context, id identity.RemoteID, selectOption, etag string) (Result, error)
	// CreateObject returns the id the service assigned
	CreateObject(ctx context.Context, obj Object) (string, error)
	UpdateObject(ctx context.Context, obj Object) error
	DeleteObject(ctx context.Context, id identity.RemoteID) error
}
