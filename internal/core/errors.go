package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by repositories when no row matches.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks a missing or invalid subject; no state was changed.
	ErrValidation = errors.New("validation failed")
	// ErrUnknownSubject marks a callback whose job id matches no sentence.
	ErrUnknownSubject = errors.New("unknown subject")
	// ErrReconciliation marks a failed vocabulary reconciliation.
	ErrReconciliation = errors.New("reconciliation failed")
	// ErrAggregation marks a failed status rollup.
	ErrAggregation = errors.New("aggregation failed")
	// ErrInvalidTransition marks a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrEmptyMarkup is returned when there is nothing to send to the engine.
	ErrEmptyMarkup = errors.New("markup to synthesize is empty")
)

// Validationf builds an error wrapping ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ExternalServiceError describes a failed call to the speech engine.
type ExternalServiceError struct {
	Operation  string
	StatusCode int
	Code       string
	RequestID  string
	Message    string
	Err        error
}

func (e *ExternalServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine %s failed: %v", e.Operation, e.Err)
	}

	return fmt.Sprintf("engine %s failed: status=%d code=%s request_id=%s: %s",
		e.Operation, e.StatusCode, e.Code, e.RequestID, e.Message)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// ArtifactTransferError describes a failed download or re-upload of a finished artifact.
type ArtifactTransferError struct {
	Stage string
	Err   error
}

func (e *ArtifactTransferError) Error() string {
	return fmt.Sprintf("artifact %s failed: %v", e.Stage, e.Err)
}

func (e *ArtifactTransferError) Unwrap() error {
	return e.Err
}
