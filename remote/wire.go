package remote

import (
	"bytes"
	"encoding/json"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/partialcache"
)

// Operations, appended to the subject prefix
const (
	OpQuery  = "query"
	OpGet    = "get"
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Error codes the service replies with. Codes of client errors are final;
// everything else may be retried.
const (
	CodeBadRequest = "bad_request"
	CodeNotFound   = "not_found"
	CodeConflict   = "conflict"
	CodeInternal   = "internal"
)

type request struct {
	RequestID string             `json:"request_id"`
	ETag      string             `json:"etag,omitempty"`
	Query     *Query             `json:"query,omitempty"`
	ID        *identity.RemoteID `json:"id,omitempty"`
	Select    string             `json:"select,omitempty"`
	Object    *wireObject        `json:"object,omitempty"`
}

type response struct {
	RequestID   string         `json:"request_id"`
	Error       *wireError     `json:"error,omitempty"`
	NotModified bool           `json:"not_modified,omitempty"`
	CacheTag    string         `json:"cache_tag,omitempty"`
	Instances   []wireInstance `json:"instances,omitempty"`
	HasMore     bool           `json:"has_more,omitempty"`
	ID          string         `json:"id,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wireObject struct {
	Remote     identity.RemoteID   `json:"remote"`
	Properties identity.Properties `json:"properties,omitempty"`
	Source     *identity.RemoteID  `json:"source,omitempty"`
	Target     *identity.RemoteID  `json:"target,omitempty"`
}

type wireInstance struct {
	Schema     string              `json:"schema"`
	Class      string              `json:"class"`
	ID         string              `json:"id"`
	Properties identity.Properties `json:"properties,omitempty"`
	CacheTag   string              `json:"cache_tag,omitempty"`
	Related    []wireLink          `json:"related,omitempty"`
}

type wireLink struct {
	Class      string              `json:"class"`
	ID         string              `json:"id,omitempty"`
	Properties identity.Properties `json:"properties,omitempty"`
	Instance   wireInstance        `json:"instance"`
}

// decode reads JSON keeping numbers as json.Number, the way stored
// properties are read back
func decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func toWireObject(obj Object) *wireObject {
	w := &wireObject{Remote: obj.Remote, Properties: obj.Properties}
	if obj.Source != (identity.RemoteID{}) {
		src, tgt := obj.Source, obj.Target
		w.Source, w.Target = &src, &tgt
	}
	return w
}

func (w *wireObject) object() Object {
	obj := Object{Remote: w.Remote, Properties: w.Properties}
	if w.Source != nil {
		obj.Source = *w.Source
	}
	if w.Target != nil {
		obj.Target = *w.Target
	}
	return obj
}

func toWireInstances(in []partialcache.Instance) []wireInstance {
	if len(in) == 0 {
		return nil
	}
	out := make([]wireInstance, len(in))
	for i, inst := range in {
		out[i] = toWireInstance(inst)
	}
	return out
}

func toWireInstance(inst partialcache.Instance) wireInstance {
	w := wireInstance{
		Schema:     inst.Remote.Schema,
		Class:      inst.Remote.Class,
		ID:         inst.Remote.ID,
		Properties: inst.Properties,
		CacheTag:   inst.CacheTag,
	}
	for _, link := range inst.Related {
		w.Related = append(w.Related, wireLink{
			Class:      link.Class,
			ID:         link.ID,
			Properties: link.Properties,
			Instance:   toWireInstance(link.Instance),
		})
	}
	return w
}

func fromWireInstances(in []wireInstance) []partialcache.Instance {
	out := make([]partialcache.Instance, len(in))
	for i, w := range in {
		out[i] = w.instance()
	}
	return out
}

func (w wireInstance) instance() partialcache.Instance {
	inst := partialcache.Instance{
		Remote:     identity.RemoteID{Schema: w.Schema, Class: w.Class, ID: w.ID},
		Properties: w.Properties,
		CacheTag:   w.CacheTag,
	}
	for _, link := range w.Related {
		inst.Related = append(inst.Related, partialcache.Link{
			Class:      link.Class,
			ID:         link.ID,
			Properties: link.Properties,
			Instance:   link.Instance.instance(),
		})
	}
	return inst
}

// errorReply turns a backend failure into the error part of a reply
func errorReply(err error) *wireError {
	if ue, ok := errors.AsUpstream(err); ok && ue.Code != "" {
		return &wireError{Code: ue.Code, Message: ue.Message}
	}
	code := CodeInternal
	switch {
	case errors.IsNotFound(err):
		code = CodeNotFound
	case errors.IsInconsistency(err):
		code = CodeConflict
	case errors.IsInvalid(err):
		code = CodeBadRequest
	}
	return &wireError{Code: code, Message: err.Error()}
}
