package core

import (
	"context"
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Registry-related errors
	ErrNotFound          = errors.New("entry not found")
	ErrAlreadyRegistered = errors.New("entry already registered")
	ErrInvalidVersion    = errors.New("invalid semantic version")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Task state errors
	ErrTaskTerminal      = errors.New("task already in terminal state")
	ErrResultAlreadySet  = errors.New("task result already set")
	ErrErrorAlreadySet   = errors.New("task error already set")
	ErrInvalidTransition = errors.New("invalid task status transition")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrContextCanceled    = errors.New("context canceled")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrBackpressure       = errors.New("append queue saturated")
	ErrComposerFailure    = errors.New("composer could not produce a plan")

	// Alert state errors
	ErrAlertClosed = errors.New("alert already resolved")
)

// ErrorKind classifies a TaskError. The set is closed; resolvers must map
// their internal failures onto one of these kinds.
type ErrorKind string

const (
	KindNotFound       ErrorKind = "not_found"
	KindValidation     ErrorKind = "validation"
	KindNetwork        ErrorKind = "network"
	KindAuthentication ErrorKind = "authentication"
	KindRateLimit      ErrorKind = "rate_limit"
	KindTimeout        ErrorKind = "timeout"
	KindResource       ErrorKind = "resource"
	KindConfiguration  ErrorKind = "configuration"
	KindDependency     ErrorKind = "dependency"
	KindState          ErrorKind = "state"
	KindBusinessLogic  ErrorKind = "business_logic"
	KindInternal       ErrorKind = "internal"
	KindCancelled      ErrorKind = "cancelled"
)

// DefaultRetryable reports whether errors of this kind are retried when the
// retry policy does not override the decision.
func DefaultRetryable(kind ErrorKind) bool {
	switch kind {
	case KindNetwork, KindRateLimit, KindTimeout, KindResource, KindDependency:
		return true
	default:
		return false
	}
}

// TaskError is the structured error attached to a failed Task.
// It implements the error interface and supports error wrapping.
type TaskError struct {
	Kind      ErrorKind              `json:"kind"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Attempts  int                    `json:"attempts,omitempty"`
	Cause     error                  `json:"-"`
}

// Error returns the string representation of the error
func (e *TaskError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *TaskError) Unwrap() error {
	return e.Cause
}

// NewTaskError creates a TaskError with the default retryability for its kind.
func NewTaskError(kind ErrorKind, message string) *TaskError {
	return &TaskError{
		Kind:      kind,
		Message:   message,
		Retryable: DefaultRetryable(kind),
	}
}

// WrapTaskError wraps an underlying error with a kind and message.
func WrapTaskError(kind ErrorKind, message string, cause error) *TaskError {
	e := NewTaskError(kind, message)
	e.Cause = cause
	return e
}

// WithDetails attaches structured details and returns the error for chaining.
func (e *TaskError) WithDetails(details map[string]interface{}) *TaskError {
	if e.Details == nil {
		e.Details = make(map[string]interface{}, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithRetryable overrides the default retryability.
func (e *TaskError) WithRetryable(retryable bool) *TaskError {
	e.Retryable = retryable
	return e
}

// AsTaskError converts an arbitrary error into a *TaskError. Context
// cancellation and deadline errors map onto Cancelled and Timeout; anything
// unclassified becomes Internal.
func AsTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, ErrContextCanceled):
		return WrapTaskError(KindCancelled, "context canceled", err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout):
		return WrapTaskError(KindTimeout, "deadline exceeded", err)
	case errors.Is(err, ErrNotFound):
		return WrapTaskError(KindNotFound, err.Error(), err)
	default:
		return WrapTaskError(KindInternal, err.Error(), err)
	}
}

// KindOf extracts the ErrorKind from an error, classifying foreign errors
// the same way AsTaskError does.
func KindOf(err error) ErrorKind {
	te := AsTaskError(err)
	if te == nil {
		return ""
	}
	return te.Kind
}

// IsRetryable checks if an error is retryable under default policy.
func IsRetryable(err error) bool {
	te := AsTaskError(err)
	if te == nil {
		return false
	}
	return te.Retryable
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var te *TaskError
	return errors.As(err, &te) && te.Kind == KindNotFound
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsStateError checks if an error is related to invalid state transitions
func IsStateError(err error) bool {
	return errors.Is(err, ErrTaskTerminal) ||
		errors.Is(err, ErrResultAlreadySet) ||
		errors.Is(err, ErrErrorAlreadySet) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrAlertClosed)
}
