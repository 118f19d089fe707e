package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// Pipeline components MUST use these constants instead of hardcoded strings.
const (
	// Validation
	ErrCodeValidationHyperparameter ErrorCode = "validation_invalid_hyperparameter"
	ErrCodeValidationColumnMap      ErrorCode = "validation_invalid_column_map"
	ErrCodeValidationRequest        ErrorCode = "validation_invalid_request"
	ErrCodeValidationMissingField   ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidLat     ErrorCode = "validation_invalid_latitude"
	ErrCodeValidationInvalidLon     ErrorCode = "validation_invalid_longitude"

	// Pipeline (training / scoring data problems)
	ErrCodePipelineEmptyDataset        ErrorCode = "pipeline_empty_dataset"
	ErrCodePipelineSingleClass         ErrorCode = "pipeline_single_class"
	ErrCodePipelineInsufficientSamples ErrorCode = "pipeline_insufficient_samples"
	ErrCodePipelineNoScorableRows      ErrorCode = "pipeline_no_scorable_rows"

	// Artifacts
	ErrCodeArtifactMissingField ErrorCode = "artifact_missing_field"
	ErrCodeArtifactModelMissing ErrorCode = "artifact_model_missing"
	ErrCodeArtifactCorrupt      ErrorCode = "artifact_corrupt"

	// Not Found
	ErrCodeNotFoundArtifact ErrorCode = "not_found_artifact"
	ErrCodeNotFoundRun      ErrorCode = "not_found_run"
	ErrCodeNotFoundDataset  ErrorCode = "not_found_dataset"

	// Conflict
	ErrCodeConflictRunInProgress ErrorCode = "conflict_run_in_progress"

	// Internal
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalStorage    ErrorCode = "internal_storage_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamQueue      ErrorCode = "upstream_queue_unavailable"
)

// Retryable reports whether an error with this code may succeed if the run is
// re-delivered by the queue. Data problems never become valid on retry.
func (c ErrorCode) Retryable() bool {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "internal_"), strings.HasPrefix(s, "upstream_"):
		return true
	case s == string(ErrCodeConflictRunInProgress):
		return true
	default:
		return false
	}
}

// AppError is the standard application error type used throughout the pipeline.
// All domain errors should be expressed as AppError to enable consistent
// formatting on run records and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of the error with the provided details merged in.
// This is useful for adding context without mutating the original error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf extracts the ErrorCode from an error chain, returning
// ErrCodeInternalUnexpected when no AppError is present.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}
