package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Agent-related errors
	ErrAgentNotFound    = errors.New("agent not found")
	ErrAgentUnavailable = errors.New("agent unavailable")

	// Template-related errors
	ErrTemplateNotFound = errors.New("template not found")

	// Execution-related errors
	ErrExecutionNotFound = errors.New("execution not found")
	ErrProcessNotFound   = errors.New("process not found")
	ErrContextNotFound   = errors.New("workflow context not found")
	ErrSnapshotNotFound  = errors.New("snapshot not found")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// Capacity errors
	ErrQueueFull          = errors.New("queue is full")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrParticipantLimit   = errors.New("participant limit exceeded")
	ErrContextSizeLimit   = errors.New("context size limit exceeded")
	ErrContextDepthLimit  = errors.New("context depth limit exceeded")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Operation errors
	ErrTimeout         = errors.New("operation timeout")
	ErrCancelled       = errors.New("operation cancelled")
	ErrAlreadyTerminal = errors.New("execution already in terminal state")

	// Network/store errors
	ErrConnectionFailed = errors.New("connection failed")
	ErrStoreUnavailable = errors.New("shared store unavailable")
)

// Kind classifies an error for propagation and API mapping
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindPermission Kind = "permission"
	KindTransient  Kind = "transient"
	KindCapacity   Kind = "capacity"
	KindExecution  Kind = "execution"
	KindProtocol   Kind = "protocol"
	KindInternal   Kind = "internal"
)

// EngineError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type EngineError struct {
	Op      string // Operation that failed (e.g., "registry.Execute")
	Kind    Kind   // Error classification
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *EngineError) Error() string {
	prefix := e.Op
	if prefix != "" && e.ID != "" {
		prefix = fmt.Sprintf("%s [%s]", e.Op, e.ID)
	}

	var body string
	switch {
	case e.Message != "" && e.Err != nil:
		body = fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		body = e.Message
	case e.Err != nil:
		body = e.Err.Error()
	default:
		body = fmt.Sprintf("%s error", e.Kind)
	}

	if prefix != "" {
		return prefix + ": " + body
	}
	return body
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new EngineError
func NewEngineError(op string, kind Kind, err error) *EngineError {
	return &EngineError{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the classification of an error, defaulting to KindInternal
func KindOf(err error) Kind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	switch {
	case IsNotFound(err):
		return KindNotFound
	case IsRetryable(err):
		return KindTransient
	case errors.Is(err, ErrInvalidConfiguration):
		return KindValidation
	case IsCapacity(err):
		return KindCapacity
	}
	return KindInternal
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrProcessNotFound) ||
		errors.Is(err, ErrContextNotFound) ||
		errors.Is(err, ErrSnapshotNotFound)
}

// IsCapacity checks if an error represents a capacity or quota denial
func IsCapacity(err error) bool {
	return errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrParticipantLimit) ||
		errors.Is(err, ErrContextSizeLimit) ||
		errors.Is(err, ErrContextDepthLimit)
}
