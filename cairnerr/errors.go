// Package cairnerr defines the distinct, matchable error kinds shared by every
// component of the orchestration core.
package cairnerr

import (
	"errors"
	"fmt"
)

// Kind is a coarse error classification used for dispatch and propagation
// policy. Components return a *Error wrapping one of these kinds rather than
// bare sentinel values, since several kinds carry structured fields callers
// need (conflict lists, recoverable-retry hints).
type Kind string

const (
	NotFound             Kind = "not_found"
	InvalidState         Kind = "invalid_state"
	InvalidInput         Kind = "invalid_input"
	ResourceLimit        Kind = "resource_limit"
	Timeout              Kind = "timeout"
	ProviderError        Kind = "provider_error"
	VersionConflict      Kind = "version_conflict"
	WorkspaceMergeFailed Kind = "workspace_merge_failed"
	RecoverableIO        Kind = "recoverable_io"
	Cancelled            Kind = "cancelled"
	InternalError        Kind = "internal_error"
	InvalidGraph         Kind = "invalid_graph"
)

// Error is the shared error type for the orchestration core. Component
// packages construct one via the New* helpers below and attach whatever
// structured fields their kind needs via Fields.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is match purely on Kind, ignoring message/fields/cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func New(kind Kind, msg string) *Error               { return newErr(kind, msg, nil) }
func Wrap(kind Kind, msg string, cause error) *Error { return newErr(kind, msg, cause) }

// WithField returns a copy of e with an extra structured field attached.
// Kept as a value-returning builder so callers can chain:
//
//	cairnerr.New(cairnerr.NotFound, "agent").WithField("agent_id", id)
func (e *Error) WithField(key string, value any) *Error {
	n := &Error{Kind: e.Kind, Message: e.Message, Cause: e.Cause}
	n.Fields = make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		n.Fields[k] = v
	}
	n.Fields[key] = value
	return n
}

// IsKind reports whether err (or anything it wraps) is a *Error of the
// given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Recoverable reports whether err should be retried with backoff per
// the lifecycle store's save-retry path.
func Recoverable(err error) bool {
	return IsKind(err, RecoverableIO)
}
