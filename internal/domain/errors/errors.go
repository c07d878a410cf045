package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error types for different pipeline stages
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeSanitization ErrorType = "sanitization"
	ErrorTypeIntegrity    ErrorType = "integrity"
	ErrorTypeQueue        ErrorType = "queue"
	ErrorTypeCircuit      ErrorType = "circuit"
	ErrorTypeTransport    ErrorType = "transport"
	ErrorTypeHandler      ErrorType = "handler"
	ErrorTypePool         ErrorType = "pool"
	ErrorTypeConfig       ErrorType = "config"
	ErrorTypeExport       ErrorType = "export"
	ErrorTypeCompliance   ErrorType = "compliance"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeConflict     ErrorType = "conflict"
)

// Well-known codes that components match on across package boundaries.
const (
	CodeCircuitOpen      = "CIRCUIT_OPEN"
	CodePoolExhausted    = "POOL_EXHAUSTED"
	CodeQueueUnavailable = "QUEUE_UNAVAILABLE"
	CodeIntegrityFailure = "INTEGRITY_FAILURE"
	CodeConfigInvalid    = "CONFIG_INVALID"
	CodeExportEncoding   = "EXPORT_ENCODING_FAILED"
	CodePartitionMissing = "PARTITION_MISSING"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors

func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

// NewFieldValidationError carries the offending field and value so callers
// can surface per-field diagnostics without parsing the message.
func NewFieldValidationError(field, code, message string, value interface{}) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
		Details:    map[string]interface{}{"field": field, "value": value},
	}
}

// NewSanitizationWarning is collected, never returned as a failure: the
// sanitizer repairs input and reports what it changed.
func NewSanitizationWarning(field, warningType string) *AppError {
	return &AppError{
		Type:       ErrorTypeSanitization,
		Code:       "SANITIZATION_APPLIED",
		Message:    fmt.Sprintf("field %s sanitized: %s", field, warningType),
		Retryable:  false,
		StatusCode: 200,
		Details:    map[string]interface{}{"field": field, "warning_type": warningType},
	}
}

func NewQueueUnavailableError(queue, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeQueue,
		Code:       CodeQueueUnavailable,
		Message:    message,
		Retryable:  true,
		StatusCode: 503,
		Details:    map[string]interface{}{"queue": queue},
	}
}

// NewCircuitOpenError is deliberately non-retryable: short-circuited work is
// redelivered by the queue after the recovery timeout, not retried in place.
func NewCircuitOpenError(breaker string) *AppError {
	return &AppError{
		Type:       ErrorTypeCircuit,
		Code:       CodeCircuitOpen,
		Message:    fmt.Sprintf("circuit breaker %s is open", breaker),
		Retryable:  false,
		StatusCode: 503,
		Details:    map[string]interface{}{"breaker": breaker},
	}
}

func NewTransportError(operation, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeTransport,
		Code:       "RETRYABLE_TRANSPORT_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: 502,
		Details:    map[string]interface{}{"operation": operation},
	}
}

func NewPermanentError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeHandler,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 422,
	}
}

func NewPoolExhaustedError(pool string, waited time.Duration) *AppError {
	return &AppError{
		Type:       ErrorTypePool,
		Code:       CodePoolExhausted,
		Message:    fmt.Sprintf("connection pool %s exhausted after waiting %s", pool, waited),
		Retryable:  true,
		StatusCode: 503,
		Details:    map[string]interface{}{"pool": pool, "waited_ms": waited.Milliseconds()},
	}
}

// NewPartitionMissingError marks an insert whose timestamp no partition
// covers. Retryable because the partition manager can create the partition
// and the write can be replayed.
func NewPartitionMissingError(table, timestamp string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       CodePartitionMissing,
		Message:    fmt.Sprintf("no partition of %s covers timestamp %s", table, timestamp),
		Retryable:  true,
		StatusCode: 503,
		Details:    map[string]interface{}{"table": table, "timestamp": timestamp},
	}
}

func NewIntegrityError(eventID, expectedHash, computedHash string) *AppError {
	return &AppError{
		Type:       ErrorTypeIntegrity,
		Code:       CodeIntegrityFailure,
		Message:    fmt.Sprintf("integrity verification failed for event %s", eventID),
		Retryable:  false,
		StatusCode: 500,
		Details: map[string]interface{}{
			"event_id":      eventID,
			"expected_hash": expectedHash,
			"computed_hash": computedHash,
		},
	}
}

func NewConfigError(key, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConfig,
		Code:       CodeConfigInvalid,
		Message:    message,
		Retryable:  false,
		StatusCode: 500,
		Details:    map[string]interface{}{"key": key},
	}
}

func NewExportError(format, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeExport,
		Code:       CodeExportEncoding,
		Message:    message,
		Retryable:  false,
		StatusCode: 422,
		Details:    map[string]interface{}{"format": format},
	}
}

func NewComplianceError(violation, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeCompliance,
		Code:       "COMPLIANCE_VIOLATION",
		Message:    message,
		Retryable:  false,
		StatusCode: 403,
		Details:    map[string]interface{}{"violation_type": violation},
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		Retryable:  false,
		StatusCode: 404,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       "CONFLICT",
		Message:    message,
		Retryable:  false,
		StatusCode: 409,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

// Predefined common errors
var (
	ErrEventNotFound     = NewNotFoundError("audit event")
	ErrPartitionNotFound = NewNotFoundError("partition")
	ErrDuplicateEvent    = NewConflictError("audit event already recorded")
	ErrUnsupportedHash   = NewValidationError("UNSUPPORTED_HASH_ALGORITHM", "only SHA-256 is supported")
)

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// WrapWithCode wraps an error and returns an AppError carrying the code
func WrapWithCode(err error, code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       code,
		Message:    message,
		Cause:      err,
		Retryable:  true,
		StatusCode: 500,
	}
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// HasCode checks if an error carries a specific code
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// IsCircuitOpen reports whether the error is a breaker short-circuit.
func IsCircuitOpen(err error) bool {
	return HasCode(err, CodeCircuitOpen)
}

// IsPoolExhausted reports whether the error is a pool acquisition timeout.
func IsPoolExhausted(err error) bool {
	return HasCode(err, CodePoolExhausted)
}

// IsPartitionMissing reports whether the error is an insert that found no
// covering partition for the event timestamp.
func IsPartitionMissing(err error) bool {
	return HasCode(err, CodePartitionMissing)
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}
