// Package errors provides classified errors for the entity cache.
//
// Every failure is one of a small set of kinds callers can branch on with
// errors.Is / errors.As: NotFound, Inconsistency, Upstream,
// DependencyNotSynced and Canceled. On top of that each error carries a
// handling class (transient, invalid, fatal) used by retry loops and the
// batch driver.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or unknown items
	ErrorInvalid
	// ErrorFatal represents invariant violations that must abort the operation
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error kinds. Match with errors.Is.
var (
	// ErrNotFound reports an unknown type, relationship, row or root.
	ErrNotFound = errors.New("not found")

	// ErrInconsistency reports an invariant violation. It is never downgraded.
	ErrInconsistency = errors.New("inconsistency")

	// ErrDependencyNotSynced reports a change that was not attempted because
	// a prerequisite failed.
	ErrDependencyNotSynced = errors.New("dependency not synced")

	// ErrCanceled reports a cooperative cancellation. Work completed before
	// the signal stays committed.
	ErrCanceled = errors.New("canceled")

	// ErrUpstream is matched by every *UpstreamError.
	ErrUpstream = errors.New("upstream failure")
)

// Infrastructure errors
var (
	ErrStoreLocked    = errors.New("store is locked by another process")
	ErrStoreClosed    = errors.New("store closed")
	ErrNoConnection   = errors.New("no connection available")
	ErrCircuitOpen    = errors.New("circuit breaker open")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrInvalidData    = errors.New("invalid data format")
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// UpstreamError is a failure reported by the remote service or the
// transport in front of it. Code is the remote error code, or empty when
// the request never reached the service.
type UpstreamError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (ue *UpstreamError) Error() string {
	msg := ue.Message
	if msg == "" && ue.Err != nil {
		msg = ue.Err.Error()
	}
	if ue.Code == "" {
		return "upstream: " + msg
	}
	return fmt.Sprintf("upstream %s: %s", ue.Code, msg)
}

// Unwrap returns the transport error, if any
func (ue *UpstreamError) Unwrap() error {
	return ue.Err
}

// Is makes every UpstreamError match ErrUpstream
func (ue *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

// Temporary reports whether retrying the request may succeed. Client-side
// codes (bad request, not found, conflict, forbidden) are final.
func (ue *UpstreamError) Temporary() bool {
	switch strings.ToLower(ue.Code) {
	case "bad_request", "not_found", "conflict", "forbidden", "unauthorized", "400", "401", "403", "404", "409":
		return false
	}
	return true
}

// NewUpstream creates an UpstreamError with a remote error code
func NewUpstream(code, message string, err error) *UpstreamError {
	return &UpstreamError{Code: code, Message: message, Err: err}
}

// AsUpstream extracts the UpstreamError from err
func AsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// IsNotFound reports whether err is a NotFound error
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInconsistency reports whether err is an Inconsistency error
func IsInconsistency(err error) bool { return errors.Is(err, ErrInconsistency) }

// IsDependencyNotSynced reports whether err is a DependencyNotSynced error
func IsDependencyNotSynced(err error) bool { return errors.Is(err, ErrDependencyNotSynced) }

// IsCanceled reports whether err is a cancellation, cooperative or from a context
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}

// IsUpstream reports whether err came from the remote service
func IsUpstream(err error) bool { return errors.Is(err, ErrUpstream) }

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}
	if ue, ok := AsUpstream(err); ok {
		return ue.Temporary()
	}

	return errors.Is(err, ErrNoConnection) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrStoreLocked) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}
	return errors.Is(err, ErrInconsistency) || errors.Is(err, ErrInvalidConfig)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidData)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorTransient
	case IsFatal(err):
		return ErrorFatal
	case IsInvalid(err):
		return ErrorInvalid
	default:
		return ErrorTransient
	}
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// NotFound builds an invalid-class error matching ErrNotFound.
func NotFound(component, method, format string, args ...any) error {
	return WrapInvalid(fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound), component, method, "lookup")
}

// Inconsistency builds a fatal-class error matching ErrInconsistency.
func Inconsistency(component, method, format string, args ...any) error {
	return WrapFatal(fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInconsistency), component, method, "invariant check")
}

// Canceled builds an error matching both ErrCanceled and the context's cause.
func Canceled(ctx context.Context, component, method string) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return Wrap(fmt.Errorf("%w: %w", ErrCanceled, cause), component, method, "cooperative cancellation")
}

// DependencyNotSynced builds a transient-class error for a change whose
// prerequisite failed.
func DependencyNotSynced(component, method string, prerequisite error) error {
	return WrapTransient(fmt.Errorf("%w: %w", ErrDependencyNotSynced, prerequisite), component, method, "dependency check")
}
