package domain

import (
	"errors"
	"fmt"
)

// FailureKind names the stage a pipeline failure was classified at.
type FailureKind string

const (
	FailureDecode     FailureKind = "decode"
	FailureValidation FailureKind = "validation"
	FailureResolution FailureKind = "resolution"
	FailureStorage    FailureKind = "storage"
	FailureTimeout    FailureKind = "timeout"
	FailureDispatch   FailureKind = "dispatch"
)

// PipelineError is a pipeline failure classified at the point it occurred.
// Terminal failures (malformed data, failed validation, no site in range) go
// straight to dead-letter; retryable failures (collaborator unavailable,
// timeout, transient I/O) are re-attempted with backoff.
type PipelineError struct {
	Kind      FailureKind
	Retryable bool
	Reason    string
	Err       error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewDecodeError marks malformed or truncated input. Never retried.
func NewDecodeError(err error) *PipelineError {
	return &PipelineError{Kind: FailureDecode, Retryable: false, Err: err}
}

// NewValidationError marks a reading rejected by a validation rule. The
// defect is in the data, not infrastructure, so it is never retried.
func NewValidationError(reason string) *PipelineError {
	return &PipelineError{Kind: FailureValidation, Retryable: false, Reason: reason}
}

// NewResolutionError marks a site-resolution failure. Lookup unavailability
// is retryable; a reading with no site inside the cutoff is not.
func NewResolutionError(err error, retryable bool) *PipelineError {
	return &PipelineError{Kind: FailureResolution, Retryable: retryable, Err: err}
}

// NewStorageError marks an unavailable or failing reading store. Retryable.
func NewStorageError(err error) *PipelineError {
	return &PipelineError{Kind: FailureStorage, Retryable: true, Err: err}
}

// NewTimeoutError marks a stage that exceeded its deadline. Retryable.
func NewTimeoutError(err error) *PipelineError {
	return &PipelineError{Kind: FailureTimeout, Retryable: true, Err: err}
}

// NewDispatchError marks an alert notification failure. Retryable, but the
// retry policy drops it after exhaustion since the reading is already stored.
func NewDispatchError(err error) *PipelineError {
	return &PipelineError{Kind: FailureDispatch, Retryable: true, Err: err}
}

// IsRetryable reports whether a pipeline failure should be re-attempted.
// An unclassified error is assumed to be transient infrastructure trouble;
// data defects are always classified terminal at the stage that finds them.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// KindOf returns the failure kind, or empty for unclassified errors.
func KindOf(err error) FailureKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
