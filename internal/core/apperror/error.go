// Package apperror provides structured error handling for the platform.
// All business errors must use AppError for consistent API responses.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes. The fiscal codes map one-to-one onto the issuance pipeline:
// isolation and contention failures come from storage, credential and
// protocol failures from signing and the tax-authority exchange.
const (
	// Infrastructure errors (5xx)
	CodeInternal = "INTERNAL_ERROR"
	CodeDatabase = "DATABASE_ERROR"
	CodeTimeout  = "TIMEOUT_ERROR"

	// Validation errors (400)
	CodeValidation   = "VALIDATION_ERROR"
	CodeInvalidInput = "INVALID_INPUT"

	// Tenant isolation (403/404)
	CodeTenantIsolation = "TENANT_ISOLATION_VIOLATION"
	CodeAccessDenied    = "ACCESS_DENIED"

	// Numbering (409, retryable)
	CodeSequenceContention = "SEQUENCE_CONTENTION"

	// Credentials (422, terminal per attempt)
	CodeCredentialMissing = "CREDENTIAL_MISSING"
	CodeCredentialInvalid = "CREDENTIAL_INVALID"

	// Authorization protocol
	CodeTransientProtocol    = "TRANSIENT_PROTOCOL_ERROR"
	CodePermanentProtocol    = "PERMANENT_PROTOCOL_ERROR"
	CodeAuthorizationReject  = "AUTHORIZATION_REJECTED"
	CodeAuthorizationTimeout = "AUTHORIZATION_TIMED_OUT"

	// Document lifecycle (409/422)
	CodeInvalidTransition      = "INVALID_STATE_TRANSITION"
	CodeDocumentTerminal       = "DOCUMENT_IN_TERMINAL_STATE"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"

	// Authorization errors (401, 403)
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"

	// Not found (404)
	CodeNotFound = "NOT_FOUND"
)

// AppError is the standard error type for the platform.
// It implements error interface and provides structured details for API responses.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (field errors, counter keys, etc.)
	Details map[string]any `json:"details,omitempty"`

	// Retryable marks errors the caller may retry with backoff
	Retryable bool `json:"retryable,omitempty"`

	// HTTPStatus is the suggested HTTP status code
	HTTPStatus int `json:"-"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error.
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions ---

// NewValidation creates a validation error (400).
func NewValidation(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewNotFound creates a not found error (404).
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", entity),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewTenantIsolation creates a tenant isolation violation (403).
// The message never names the owning tenant; the cause carries the
// full detail for the audit log only.
func NewTenantIsolation(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeTenantIsolation,
		Message:    "access denied",
		HTTPStatus: http.StatusForbidden,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewAccessDenied creates an access denied error (403) for point reads
// of rows owned by another tenant.
func NewAccessDenied(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeAccessDenied,
		Message:    "access denied",
		HTTPStatus: http.StatusForbidden,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewSequenceContention creates a retryable lock-contention error (409).
func NewSequenceContention(key string) *AppError {
	return &AppError{
		Code:       CodeSequenceContention,
		Message:    "sequence counter is contended, retry",
		HTTPStatus: http.StatusConflict,
		Retryable:  true,
		Details:    map[string]any{"counter_key": key},
	}
}

// NewCredentialMissing is returned when a tenant has no certificate on file.
func NewCredentialMissing(tenantID string) *AppError {
	return &AppError{
		Code:       CodeCredentialMissing,
		Message:    "no signing credential on file",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"tenant_id": tenantID},
	}
}

// NewCredentialInvalid is returned for a wrong password or corrupt material.
func NewCredentialInvalid(tenantID string, cause error) *AppError {
	return &AppError{
		Code:       CodeCredentialInvalid,
		Message:    "signing credential could not be opened",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"tenant_id": tenantID},
		Err:        cause,
	}
}

// NewTransientProtocol creates a retryable protocol error (502).
func NewTransientProtocol(message string, cause error) *AppError {
	return &AppError{
		Code:       CodeTransientProtocol,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Err:        cause,
	}
}

// NewPermanentProtocol creates a terminal protocol error (422).
func NewPermanentProtocol(message string, cause error) *AppError {
	return &AppError{
		Code:       CodePermanentProtocol,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
		Err:        cause,
	}
}

// NewAuthorizationTimeout marks an exhausted polling budget. Recoverable
// by resuming later, so it is flagged retryable.
func NewAuthorizationTimeout(accessKey string) *AppError {
	return &AppError{
		Code:       CodeAuthorizationTimeout,
		Message:    "authorization still pending after polling budget",
		HTTPStatus: http.StatusAccepted,
		Retryable:  true,
		Details:    map[string]any{"access_key": accessKey},
	}
}

// NewInvalidTransition creates a state machine violation error (409).
func NewInvalidTransition(from, to string) *AppError {
	return &AppError{
		Code:       CodeInvalidTransition,
		Message:    fmt.Sprintf("cannot transition from %s to %s", from, to),
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"from": from, "to": to},
	}
}

// NewDocumentTerminal is returned on attempts to mutate a terminal document.
func NewDocumentTerminal(id any, status string) *AppError {
	return &AppError{
		Code:       CodeDocumentTerminal,
		Message:    "document is in a terminal state",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"id": id, "status": status},
	}
}

// NewConcurrentModification creates an optimistic locking error (409).
func NewConcurrentModification(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeConcurrentModification,
		Message:    "Record was modified by another caller. Please refresh and try again.",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewInternal creates an internal server error (hides details from client).
func NewInternal(err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewUnauthorized creates an authentication error (401).
func NewUnauthorized(message string) *AppError {
	return &AppError{
		Code:       CodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// NewForbidden creates an authorization error (403).
func NewForbidden(message string) *AppError {
	return &AppError{
		Code:       CodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// --- Helper functions ---

// IsAppError checks if error is AppError.
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts AppError from error chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetHTTPStatus returns appropriate HTTP status for any error.
func GetHTTPStatus(err error) int {
	if appErr, ok := AsAppError(err); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether the caller may retry the operation.
func IsRetryable(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Retryable
	}
	return false
}

// IsCode checks the machine code of an error.
func IsCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if error is CodeNotFound.
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsCredentialError checks for either credential failure code.
func IsCredentialError(err error) bool {
	return IsCode(err, CodeCredentialMissing) || IsCode(err, CodeCredentialInvalid)
}
