package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: package mirror timeouts, a locked package database.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: a unit being restarted by another agent.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid intent, permission denied, unknown package.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is an error classified for retry, with the intent and
// operation it happened in.
//
//nolint:revive
type EngineError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`

	// Code is one of the ErrCode constants, or empty.
	Code string `json:"code,omitempty"`

	Intent    string `json:"intent,omitempty"`
	Operation string `json:"operation,omitempty"`

	Err     error                  `json:"-"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *EngineError) Error() string {
	if e.Intent != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (intent=%s, operation=%s)%s",
			e.Class, e.Message, e.Intent, e.Operation, e.unwrapMessage())
	}
	if e.Intent != "" {
		return fmt.Sprintf("[%s] %s (intent=%s)%s",
			e.Class, e.Message, e.Intent, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.unwrapMessage())
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is matches EngineErrors of the same class and code, so sentinel values
// such as &EngineError{Class: ErrorClassPermanent, Code: ErrCodeTimeout}
// work with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError classifies err as worth retrying, e.g. a mirror
// timeout or a held dpkg lock.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, message, err)
}

func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

// NewPermanentError classifies err as final for this run.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// WithIntent, WithOperation, WithCode and WithDetail set context in place
// and return e for chaining.

func (e *EngineError) WithIntent(intentID string) *EngineError {
	e.Intent = intentID
	return e
}

func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first EngineError in err's chain, or ""
// for unclassified errors.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

func IsTransient(err error) bool { return ClassOf(err) == ErrorClassTransient }
func IsThrottled(err error) bool { return ClassOf(err) == ErrorClassThrottled }
func IsConflict(err error) bool  { return ClassOf(err) == ErrorClassConflict }
func IsPermanent(err error) bool { return ClassOf(err) == ErrorClassPermanent }

// IsRetryable reports whether the converger retries err. Everything but
// permanent and unclassified errors is.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ErrorClassTransient, ErrorClassThrottled, ErrorClassConflict:
		return true
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeCycle            = "DEPENDENCY_CYCLE"
	ErrCodeMissingTarget    = "MISSING_TARGET"
	ErrCodeDuplicateIntent  = "DUPLICATE_INTENT"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeNoProvider       = "NO_PROVIDER"
	ErrCodeProviderFailed   = "PROVIDER_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodePolicyDenied     = "POLICY_DENIED"
)

// ConvergenceFailure reports that a single intent could not be converged.
// It never aborts sibling intents; the converger records it on the intent's result.
type ConvergenceFailure struct {
	// Intent is the ID of the intent that failed.
	Intent string `json:"intent"`

	// Cause is the classified error returned by the provider.
	Cause *EngineError `json:"cause"`
}

// Error implements the error interface.
func (f *ConvergenceFailure) Error() string {
	if f.Cause == nil {
		return fmt.Sprintf("convergence of %s failed", f.Intent)
	}
	return fmt.Sprintf("convergence of %s failed: %s", f.Intent, f.Cause.Error())
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (f *ConvergenceFailure) Unwrap() error {
	if f.Cause == nil {
		return nil
	}
	return f.Cause
}

// classifyError converts a provider error into an EngineError.
// Errors that are already classified keep their class; anything else is permanent.
func classifyError(intentID, operation string, err error) *EngineError {
	if err == nil {
		return nil
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		if engineErr.Intent == "" {
			engineErr.Intent = intentID
		}
		if engineErr.Operation == "" {
			engineErr.Operation = operation
		}
		return engineErr
	}

	return NewPermanentError("provider failed", err).
		WithCode(ErrCodeProviderFailed).
		WithIntent(intentID).
		WithOperation(operation)
}
