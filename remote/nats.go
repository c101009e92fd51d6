package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/metric"
	"github.com/c360/entitycache/pkg/retry"
)

// Requester sends one request and waits for the reply. *natsclient.Client
// implements it.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// Dependencies holds the collaborators of a NATSClient
type Dependencies struct {
	Requester Requester
	Logger    *slog.Logger
	Metrics   *metric.Metrics
	// Limiter paces requests, retries included. Nil sends without limit.
	Limiter *rate.Limiter
}

// NATSClient implements Client with JSON envelopes sent as NATS requests
// on <prefix>.query, <prefix>.get, <prefix>.create, <prefix>.update and
// <prefix>.delete.
type NATSClient struct {
	requester Requester
	prefix    string
	retry     retry.Config
	logger    *slog.Logger
	metrics   *metric.Metrics
	limiter   *rate.Limiter
}

// NewNATSClient creates a remote client. Only upstream failures the service
// may recover from are retried, following retryCfg.
func NewNATSClient(deps Dependencies, prefix string, retryCfg retry.Config) (*NATSClient, error) {
	if deps.Requester == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "remote", "NewNATSClient", "requester is required")
	}
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "remote", "NewNATSClient", "subject prefix is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	retryCfg.Retryable = func(err error) bool {
		ue, ok := errors.AsUpstream(err)
		return ok && ue.Temporary()
	}
	return &NATSClient{
		requester: deps.Requester,
		prefix:    prefix,
		retry:     retryCfg,
		logger:    deps.Logger.With("component", "remote"),
		metrics:   deps.Metrics,
		limiter:   deps.Limiter,
	}, nil
}

// Subject returns the subject an operation is sent on
func (c *NATSClient) Subject(op string) string {
	return c.prefix + "." + op
}

// FetchQuery implements Client
func (c *NATSClient) FetchQuery(ctx context.Context, q Query, etag string) (Result, error) {
	resp, err := c.call(ctx, OpQuery, request{ETag: etag, Query: &q})
	if err != nil {
		return Result{}, err
	}
	return result(resp), nil
}

// FetchByID implements Client
func (c *NATSClient) FetchByID(ctx context.Context, id identity.RemoteID, selectOption, etag string) (Result, error) {
	resp, err := c.call(ctx, OpGet, request{ETag: etag, ID: &id, Select: selectOption})
	if err != nil {
		return Result{}, err
	}
	return result(resp), nil
}

// CreateObject implements Client
func (c *NATSClient) CreateObject(ctx context.Context, obj Object) (string, error) {
	resp, err := c.call(ctx, OpCreate, request{Object: toWireObject(obj)})
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.NewUpstream(CodeInternal, "create of "+obj.Remote.String()+" returned no id", nil)
	}
	return resp.ID, nil
}

// UpdateObject implements Client
func (c *NATSClient) UpdateObject(ctx context.Context, obj Object) error {
	_, err := c.call(ctx, OpUpdate, request{Object: toWireObject(obj)})
	return err
}

// DeleteObject implements Client
func (c *NATSClient) DeleteObject(ctx context.Context, id identity.RemoteID) error {
	_, err := c.call(ctx, OpDelete, request{ID: &id})
	return err
}

func result(resp response) Result {
	return Result{
		NotModified: resp.NotModified,
		CacheTag:    resp.CacheTag,
		Instances:   fromWireInstances(resp.Instances),
		HasMore:     resp.HasMore,
	}
}

func (c *NATSClient) call(ctx context.Context, op string, req request) (response, error) {
	req.RequestID = uuid.NewString()
	data, err := json.Marshal(req)
	if err != nil {
		return response{}, errors.WrapInvalid(err, "remote", op, "marshal request")
	}
	subject := c.Subject(op)

	var resp response
	err = retry.Do(ctx, c.retry, func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return retry.NonRetryable(errors.Canceled(ctx, "remote", op))
				}
				return retry.NonRetryable(errors.WrapTransient(err, "remote", op, "wait for rate limiter"))
			}
		}
		reply, err := c.requester.Request(ctx, subject, data)
		if err != nil {
			if ctx.Err() != nil {
				return retry.NonRetryable(errors.Canceled(ctx, "remote", op))
			}
			return errors.NewUpstream("", "request "+subject, err)
		}

		resp = response{}
		if err := decode(reply, &resp); err != nil {
			return errors.NewUpstream(CodeInternal, "malformed reply on "+subject, err)
		}
		if resp.RequestID != "" && resp.RequestID != req.RequestID {
			return errors.NewUpstream(CodeInternal,
				fmt.Sprintf("reply for request %s answered %s", resp.RequestID, req.RequestID), nil)
		}
		if resp.Error != nil {
			return errors.NewUpstream(resp.Error.Code, resp.Error.Message, nil)
		}
		return nil
	})

	switch {
	case err == nil && resp.NotModified:
		c.metrics.RecordUpstream(op, "not_modified")
	case err == nil:
		c.metrics.RecordUpstream(op, "ok")
	case errors.IsCanceled(err):
		c.metrics.RecordUpstream(op, "canceled")
	default:
		c.metrics.RecordUpstream(op, "error")
		c.logger.Warn("remote request failed", "subject", subject, "request_id", req.RequestID, "error", err)
	}
	return resp, err
}
