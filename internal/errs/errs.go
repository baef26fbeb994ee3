// Package errs defines the closed set of error kinds the engine can
// surface, plus helpers for wrapping and classifying them for the
// retry policy in internal/retry.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a stable, closed classification for engine errors. Callers
// classify with KindOf (or errors.Is against an *Error built with New),
// never string matching on Error().
type Kind int

const (
	// Internal covers bugs and unexpected states.
	Internal Kind = iota
	PlanInvalid
	ConnectionFailed
	MetadataUnavailable
	SchemaIncompatible
	TypeCoercion
	ExpressionEval
	PaginationStuck
	BatchWriteFailed
	CheckpointFailed
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case PlanInvalid:
		return "PlanInvalid"
	case ConnectionFailed:
		return "ConnectionFailed"
	case MetadataUnavailable:
		return "MetadataUnavailable"
	case SchemaIncompatible:
		return "SchemaIncompatible"
	case TypeCoercion:
		return "TypeCoercion"
	case ExpressionEval:
		return "ExpressionEval"
	case PaginationStuck:
		return "PaginationStuck"
	case BatchWriteFailed:
		return "BatchWriteFailed"
	case CheckpointFailed:
		return "CheckpointFailed"
	case Cancelled:
		return "Cancelled"
	default:
		return "Internal"
	}
}

// Error is the concrete error type carrying a Kind, so kind-based
// dispatch survives fmt.Errorf("...: %w", err) wrapping chains.
type Error struct {
	Kind    Kind
	Op      string // component/operation that raised it, e.g. "paginate.AdvanceCursor"
	Message string
	Cause   error

	// Transient marks a BatchWriteFailed error as retryable; the writer
	// sets it per cause (deadlock, serialization failure, rate-limit).
	// Retryable consults it for BatchWriteFailed only: ConnectionFailed
	// is always retried, including permanent causes such as an
	// authentication failure.
	Transient bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, errs.New(kind, "", "")) match any *Error in
// err's chain with the same Kind, whatever its Op and Message.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds a new *Error with no cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds a new *Error carrying cause, preserving cause's chain.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// WrapTransient is Wrap for an error the retry policy should re-attempt.
func WrapTransient(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause, Transient: true}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error,
// otherwise returns Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Retryable reports whether the retry policy in internal/retry should
// re-attempt the batch that produced err. Non-retryable kinds fail the
// item outright per spec.md §7.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case ConnectionFailed:
			return true
		case BatchWriteFailed:
			// BatchWriteFailed wraps both transient causes (deadlock,
			// serialization failure, rate-limit) and permanent ones
			// (constraint violation) — the writer sets Transient per
			// the underlying driver error.
			return e.Transient
		default:
			return false
		}
	}
	return false
}
