package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: node still starting, daemon syncing, container restarting.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable control-plane error.
	// Examples: command rejected, malformed response.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassScript indicates an invalid script. It aborts the run.
	ErrorClassScript ErrorClass = "script"

	// ErrorClassLookup indicates a node name that does not resolve.
	ErrorClassLookup ErrorClass = "lookup"

	// ErrorClassUnsupported indicates an operation the vendor does not offer.
	ErrorClassUnsupported ErrorClass = "unsupported"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the node or container that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg += fmt.Sprintf(" (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	case e.Operation != "":
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, message, err)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// NewScriptError creates an error for an invalid script.
func NewScriptError(message string) *EngineError {
	return newError(ErrorClassScript, message, nil).WithCode(ErrCodeValidation)
}

// NewValidationError creates an error for invalid configuration.
func NewValidationError(message string) *EngineError {
	return newError(ErrorClassPermanent, message, nil).WithCode(ErrCodeValidation)
}

// NewDependencyError creates an error for a node defined before the nodes
// it depends on. It aborts the run like a script error.
func NewDependencyError(message string) *EngineError {
	return newError(ErrorClassScript, message, nil).WithCode(ErrCodeDependencyFailed)
}

// NewLookupError creates an error for a node name that does not resolve.
func NewLookupError(kind, name string) *EngineError {
	return newError(ErrorClassLookup, fmt.Sprintf("%s node not found", kind), nil).
		WithCode(ErrCodeNotFound).
		WithResource(name)
}

// NewUnsupportedError creates an error for an operation a vendor does not
// implement.
func NewUnsupportedError(vendor, operation string) *EngineError {
	return newError(ErrorClassUnsupported, fmt.Sprintf("not implemented for %s", vendor), nil).
		WithCode(ErrCodeNotImplemented).
		WithOperation(operation)
}

// ErrClusterNotStarted is returned by control-plane calls made before the
// cluster manifest has been written and started, or reloaded.
var ErrClusterNotStarted = &EngineError{
	Class:   ErrorClassPermanent,
	Message: "cluster has not been started",
	Code:    ErrCodeClusterNotStarted,
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// ClassOf returns the class of err, or permanent for unclassified errors.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool { return hasClass(err, ErrorClassTransient) }

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool { return hasClass(err, ErrorClassThrottled) }

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool { return hasClass(err, ErrorClassConflict) }

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool { return hasClass(err, ErrorClassPermanent) }

// IsScript returns true for script and dependency errors.
func IsScript(err error) bool { return hasClass(err, ErrorClassScript) }

// IsLookup returns true if a node name did not resolve.
func IsLookup(err error) bool { return hasClass(err, ErrorClassLookup) }

// IsUnsupported returns true if the vendor does not implement the operation.
func IsUnsupported(err error) bool { return hasClass(err, ErrorClassUnsupported) }

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// IsDuplicate returns true for lookups that matched more than one node.
func IsDuplicate(err error) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Code == ErrCodeDuplicateName
}

// IsFatal returns true for errors that abort the whole run.
func IsFatal(err error) bool {
	return IsScript(err)
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeDuplicateName     = "DUPLICATE_NAME"
	ErrCodeNotImplemented    = "NOT_IMPLEMENTED"
	ErrCodeDependencyFailed  = "DEPENDENCY_FAILED"
	ErrCodeRetriesExhausted  = "RETRIES_EXHAUSTED"
	ErrCodeClusterNotStarted = "CLUSTER_NOT_STARTED"
	ErrCodeTimeout           = "TIMEOUT"
)
