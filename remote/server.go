package remote

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/natsclient"
)

// Registrar registers the replying side of a subject.
// *natsclient.Client implements it.
type Registrar interface {
	Handle(ctx context.Context, subject string, handler natsclient.Handler) error
}

// Serve answers the requests a NATSClient with the same prefix sends, by
// calling backend. Test servers and gateways in front of the real service
// use it.
func Serve(ctx context.Context, r Registrar, prefix string, backend Client) error {
	prefix = strings.TrimSuffix(prefix, ".")
	handlers := map[string]func(context.Context, request, *response) error{
		OpQuery: func(ctx context.Context, req request, resp *response) error {
			if req.Query == nil {
				return errors.WrapInvalid(errors.ErrInvalidData, "remote", "Serve", "query request without query")
			}
			res, err := backend.FetchQuery(ctx, *req.Query, req.ETag)
			fill(resp, res)
			return err
		},
		OpGet: func(ctx context.Context, req request, resp *response) error {
			if req.ID == nil {
				return errors.WrapInvalid(errors.ErrInvalidData, "remote", "Serve", "get request without id")
			}
			res, err := backend.FetchByID(ctx, *req.ID, req.Select, req.ETag)
			fill(resp, res)
			return err
		},
		OpCreate: func(ctx context.Context, req request, resp *response) error {
			if req.Object == nil {
				return errors.WrapInvalid(errors.ErrInvalidData, "remote", "Serve", "create request without object")
			}
			id, err := backend.CreateObject(ctx, req.Object.object())
			resp.ID = id
			return err
		},
		OpUpdate: func(ctx context.Context, req request, _ *response) error {
			if req.Object == nil {
				return errors.WrapInvalid(errors.ErrInvalidData, "remote", "Serve", "update request without object")
			}
			return backend.UpdateObject(ctx, req.Object.object())
		},
		OpDelete: func(ctx context.Context, req request, _ *response) error {
			if req.ID == nil {
				return errors.WrapInvalid(errors.ErrInvalidData, "remote", "Serve", "delete request without id")
			}
			return backend.DeleteObject(ctx, *req.ID)
		},
	}

	for op, handle := range handlers {
		if err := r.Handle(ctx, prefix+"."+op, replier(handle)); err != nil {
			return err
		}
	}
	return nil
}

func replier(handle func(context.Context, request, *response) error) natsclient.Handler {
	return func(ctx context.Context, data []byte) ([]byte, error) {
		var req request
		var resp response
		if err := decode(data, &req); err != nil {
			resp.Error = &wireError{Code: CodeBadRequest, Message: err.Error()}
			return json.Marshal(resp)
		}
		resp.RequestID = req.RequestID
		if err := handle(ctx, req, &resp); err != nil {
			resp = response{RequestID: req.RequestID, Error: errorReply(err)}
		}
		return json.Marshal(resp)
	}
}

func fill(resp *response, res Result) {
	resp.NotModified = res.NotModified
	resp.CacheTag = res.CacheTag
	resp.Instances = toWireInstances(res.Instances)
	resp.HasMore = res.HasMore
}
