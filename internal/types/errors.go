package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error codes shared by every package. Callers compare against these constants
// rather than hardcoded strings.
const (
	// Validation
	ErrCodeValidationWorkflowKey ErrorCode = "validation_invalid_workflow_key"
	ErrCodeValidationRunKey      ErrorCode = "validation_invalid_run_key"
	ErrCodeValidationAmount      ErrorCode = "validation_invalid_amount"
	ErrCodeValidationStatus      ErrorCode = "validation_invalid_status"
	ErrCodeValidationTarget      ErrorCode = "validation_invalid_target"
	ErrCodeValidationMissing     ErrorCode = "validation_missing_required_field"
	ErrCodeValidationSignature   ErrorCode = "validation_invalid_signature"
	ErrCodeValidationTask        ErrorCode = "validation_invalid_task"

	// Not Found
	ErrCodeNotFoundRun     ErrorCode = "not_found_workflow_run"
	ErrCodeNotFoundAccount ErrorCode = "not_found_billing_account"
	ErrCodeNotFoundHistory ErrorCode = "not_found_notification_history"

	// Conflict
	ErrCodeConflictRunFinished ErrorCode = "conflict_run_already_finished"
	ErrCodeConflictSerialize   ErrorCode = "conflict_serialization_failure"

	// Internal
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
	ErrCodeInternalLedger     ErrorCode = "internal_ledger_mismatch"
	ErrCodeInternalPanic      ErrorCode = "internal_workflow_panic"

	// Upstream
	ErrCodeUpstreamEmailProvider ErrorCode = "upstream_email_provider_unavailable"
	ErrCodeUpstreamPush          ErrorCode = "upstream_push_service_unavailable"
	ErrCodeUpstreamQueue         ErrorCode = "upstream_queue_unavailable"
	ErrCodeUpstreamUnavailable   ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited   ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamRejected      ErrorCode = "upstream_rejected_request"
	ErrCodeUpstreamGone          ErrorCode = "upstream_subscription_gone"
)

// IsValidation reports whether the code belongs to the validation family.
func (c ErrorCode) IsValidation() bool {
	return strings.HasPrefix(string(c), "validation_")
}

// IsUpstream reports whether the code describes a third-party failure.
func (c ErrorCode) IsUpstream() bool {
	return strings.HasPrefix(string(c), "upstream_")
}

// AppError is the standard application error type used throughout the module.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of the error with the provided details merged in.
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
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf extracts the ErrorCode from anywhere in err's chain. It returns the
// empty code when no AppError is present.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// HasCode reports whether err's chain contains an AppError with the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
