// Package fault defines the error taxonomy shared by every connector and the
// secure call pipeline. Connectors translate backend-specific failures into
// one of the Kind values at the boundary so callers can branch on errors.Is /
// fault.IsKind without knowing which provider served the request.
package fault

import (
	"errors"
	"fmt"
)

type (
	// Kind classifies an error into the runtime taxonomy. Kinds are coarse on
	// purpose: callers decide retry/deny/report behavior from the kind, and read
	// the message for detail.
	Kind int

	// Error is the concrete error type carried across connector boundaries.
	// Connector names the subsystem instance that produced the failure; Err
	// holds the underlying cause when one exists.
	Error struct {
		Kind      Kind
		Connector string
		Message   string
		Err       error
	}
)

const (
	// KindUnknown is the zero value; it never classifies a deliberate error.
	KindUnknown Kind = iota
	// KindAccessDenied indicates the ACL check failed. Access denials never
	// reveal whether the resource exists.
	KindAccessDenied
	// KindNotFound indicates a named resource (namespace, datasource, vault
	// key, storage object) does not exist.
	KindNotFound
	// KindInvalidArgument indicates a malformed input: bad URI, bad chunk
	// sizes, mismatched vector dimensions, heterogeneous insert sources.
	KindInvalidArgument
	// KindConflict indicates a write against an ACL-locked resource without
	// Owner level.
	KindConflict
	// KindBackendFailure indicates a transport or provider-side failure. Only
	// idempotent operations retry on this kind.
	KindBackendFailure
	// KindCancelled indicates the caller cancelled the operation. Never
	// retried.
	KindCancelled
	// KindConfiguration indicates a referenced connector is not registered or
	// required credentials are missing.
	KindConfiguration
	// KindUnsupported indicates the connector does not implement the requested
	// operation (e.g. expire on backends without native TTLs).
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindAccessDenied:
		return "access denied"
	case KindNotFound:
		return "not found"
	case KindInvalidArgument:
		return "invalid argument"
	case KindConflict:
		return "conflict"
	case KindBackendFailure:
		return "backend failure"
	case KindCancelled:
		return "cancelled"
	case KindConfiguration:
		return "configuration error"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown error"
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Connector != "" {
		msg = e.Connector + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, &Error{Kind: k}) matches any
// error of the same kind regardless of message.
func (e *Error) Is(target error) bool {
	var fe *Error
	if !errors.As(target, &fe) {
		return false
	}
	return fe.Kind == e.Kind && (fe.Message == "" || fe.Message == e.Message)
}

// New builds a taxonomy error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a taxonomy error around an underlying cause. The connector name
// is surfaced in the message so operators can tell which backend failed.
func Wrap(kind Kind, connector string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Connector: connector, Message: fmt.Sprintf(format, args...), Err: err}
}

// AccessDenied builds the canonical denial error. The message is deliberately
// generic: it must not leak whether the resource exists.
func AccessDenied() *Error {
	return &Error{Kind: KindAccessDenied, Message: "access denied"}
}

// Cancelled wraps a context error as a cancellation.
func Cancelled(err error) *Error {
	return &Error{Kind: KindCancelled, Message: "operation cancelled", Err: err}
}

// IsKind reports whether err (or any error it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf returns the taxonomy kind of err, or KindUnknown when err does not
// carry one.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}
