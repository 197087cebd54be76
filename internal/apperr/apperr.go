// Package apperr defines the error taxonomy shared by every worker and
// coordinator component, and the mapping from error kind to transport
// status used at the HTTP boundary.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies which class of failure occurred. The set is fixed by
// the system's external interface and must not grow without a matching
// entry in HTTPStatus.
type Kind string

const (
	Config            Kind = "config"
	GrpcTransport     Kind = "grpc_transport"
	Connection        Kind = "connection"
	Model             Kind = "model"
	Tensor            Kind = "tensor"
	Serialization     Kind = "serialization"
	Io                Kind = "io"
	MemoryMap         Kind = "memory_map"
	InvalidInput      Kind = "invalid_input"
	QueueFull         Kind = "queue_full"
	Timeout           Kind = "timeout"
	WorkerUnavailable Kind = "worker_unavailable"
	Overloaded        Kind = "overloaded"
	Numa              Kind = "numa"
	Parse             Kind = "parse"
	Internal          Kind = "internal"
)

// Error is the typed error carried across component boundaries. It wraps
// an optional underlying cause so callers can still use errors.Is/As on
// that cause.
type Error struct {
	Kind Kind
	Op   string // component/operation that produced the error, e.g. "tensorstore.Open"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap builds an *Error around an existing error, preserving it for
// errors.Is/As.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or Internal if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// HTTPStatus maps an error Kind to the transport-level status called for
// in the error handling design: invalid-input, Parse and Config -> 400,
// QueueFull/Overloaded -> 429, Timeout -> 504, WorkerUnavailable/transport
// -> 503, everything else -> 500.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidInput, Parse, Config:
		return 400
	case QueueFull, Overloaded:
		return 429
	case Timeout:
		return 504
	case WorkerUnavailable, GrpcTransport, Connection:
		return 503
	case Model, Tensor, MemoryMap, Serialization, Io, Numa, Internal:
		return 500
	default:
		return 500
	}
}
