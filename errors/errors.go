// Package errors provides the structured error type used throughout
// the sync engine.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the class of failure.
type ErrorCode string

const (
	ErrCodeMappingFailure       ErrorCode = "MAPPING_FAILURE"
	ErrCodeTransportFailure     ErrorCode = "TRANSPORT_FAILURE"
	ErrCodeStorageFailure       ErrorCode = "STORAGE_FAILURE"
	ErrCodeConflictFailure      ErrorCode = "CONFLICT_FAILURE"
	ErrCodeConfigurationFailure ErrorCode = "CONFIGURATION_FAILURE"
)

// Operation represents the sync step during which an error occurred.
type Operation string

const (
	OpProvision Operation = "provision"
	OpPush      Operation = "push"
	OpResolve   Operation = "resolve"
	OpApply     Operation = "apply"
	OpPull      Operation = "pull"
	OpDedupe    Operation = "dedupe"
	OpCursor    Operation = "cursor"
	OpTrack     Operation = "track"
	OpMap       Operation = "map"
	OpClose     Operation = "close"
)

// SyncError is a structured error carrying the operation, the
// component that produced it and a failure class.
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g. "store", "transport")
	Component string

	// Underlying error
	Err error

	// Whether the operation can be retried on the next pass
	Retryable bool

	// Error code for the failure class
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]any
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewMappingError creates a record/entity coercion SyncError. The
// caller skips the affected record and the pass continues.
func NewMappingError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeMappingFailure,
		Op:        op,
		Component: "mapper",
		Err:       cause,
		Retryable: false,
	}
}

// NewTransportError creates a non-conflict remote failure. The pass
// aborts and naturally retries on the next invocation.
func NewTransportError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeTransportFailure,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// NewStorageError creates a local commit/read SyncError.
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: true,
	}
}

// NewConfigurationError creates a fatal configuration SyncError,
// surfaced at pass start and never retried.
func NewConfigurationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeConfigurationFailure,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// New creates a new SyncError.
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information.
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// IsRetryable checks if an error is a retryable SyncError.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// CodeOf returns the error code carried by err, or "" if err is not a
// SyncError.
func CodeOf(err error) ErrorCode {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Code
	}
	return ""
}

// IsMapping reports whether err is a mapping failure, the one error
// class a pass skips over instead of aborting on.
func IsMapping(err error) bool {
	return CodeOf(err) == ErrCodeMappingFailure
}
