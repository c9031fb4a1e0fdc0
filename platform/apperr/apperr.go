// Package apperr provides standardized domain error types for the application.
// Domain services return these typed errors so batch drivers and the scheduler
// can tell recoverable failures from fatal ones.
package apperr

import (
	"errors"
	"fmt"
)

// Kind represents the category of error.
type Kind int

const (
	// KindUnknown is the default error kind when none is specified.
	KindUnknown Kind = iota
	// KindNotFound indicates a resource was not found.
	KindNotFound
	// KindValidation indicates invalid input data.
	KindValidation
	// KindConflict indicates a conflict with existing state (e.g., a run already in progress).
	KindConflict
	// KindInternal indicates an unexpected internal error.
	KindInternal
	// KindConfiguration indicates missing or invalid configuration. Fatal, raised before any work starts.
	KindConfiguration
	// KindStoreAccess indicates a read or write failure against a lead or segment store.
	KindStoreAccess
	// KindBatchAborted indicates a batch run stopped because its error rate exceeded the threshold.
	KindBatchAborted
	// KindRuleEvaluation indicates a malformed rule or a value that could not be coerced.
	KindRuleEvaluation
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindInternal:
		return "internal"
	case KindConfiguration:
		return "configuration"
	case KindStoreAccess:
		return "store_access"
	case KindBatchAborted:
		return "batch_aborted"
	case KindRuleEvaluation:
		return "rule_evaluation"
	default:
		return "unknown"
	}
}

// Error is a domain error with a typed Kind.
type Error struct {
	Kind    Kind
	Message string
	Op      string      // Operation that failed (optional)
	Err     error       // Underlying error (optional)
	Details interface{} // Additional details (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new domain error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a new domain error wrapping an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithOp returns the error with the operation set.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithDetails returns the error with additional details.
func (e *Error) WithDetails(details interface{}) *Error {
	e.Details = details
	return e
}

// Convenience constructors for common error types.

// NotFound creates a not found error.
func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// Conflict creates a conflict error.
func Conflict(message string) *Error {
	return New(KindConflict, message)
}

// Internal creates an internal error.
func Internal(message string) *Error {
	return New(KindInternal, message)
}

// Configuration creates a configuration error.
func Configuration(message string) *Error {
	return New(KindConfiguration, message)
}

// StoreAccess wraps a store failure.
func StoreAccess(op string, err error) *Error {
	return Wrap(KindStoreAccess, "store access failed", err).WithOp(op)
}

// BatchAborted creates a batch aborted error carrying the run statistics.
func BatchAborted(message string, stats interface{}) *Error {
	return New(KindBatchAborted, message).WithDetails(stats)
}

// RuleEvaluation creates a rule evaluation error.
func RuleEvaluation(message string) *Error {
	return New(KindRuleEvaluation, message)
}

// GetKind extracts the error kind from an error chain.
// Returns KindUnknown if no *Error is found.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is checks if err is an *Error with the given kind.
func Is(err error, kind Kind) bool {
	return GetKind(err) == kind
}
