package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by stores, the predictor gateway and services.
var (
	ErrRecordNotFound         = errors.New("record not found")
	ErrDuplicateID            = errors.New("duplicate record id")
	ErrInvalidInput           = errors.New("invalid input")
	ErrPredictorUnavailable   = errors.New("predictor unavailable")
	ErrPredictorOutputInvalid = errors.New("predictor output invalid")
)

// APIError represents a standardized error response
type APIError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes for different failure scenarios
const (
	ErrCodeInvalidInput   = "INVALID_INPUT"
	ErrCodeRecordNotFound = "RECORD_NOT_FOUND"
	ErrCodeDuplicateID    = "DUPLICATE_ID"
	ErrCodeDatabaseError  = "DATABASE_ERROR"
	ErrCodeInternalServer = "INTERNAL_SERVER_ERROR"
	ErrCodeValidation     = "VALIDATION_ERROR"
)

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match validation failures against ErrInvalidInput.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewAPIError creates a new APIError with timestamp
func NewAPIError(code, message, details, requestID string) *APIError {
	return &APIError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// ErrorCode maps an error to the API error code callers should see.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRecordNotFound):
		return ErrCodeRecordNotFound
	case errors.Is(err, ErrDuplicateID):
		return ErrCodeDuplicateID
	case errors.Is(err, ErrInvalidInput):
		return ErrCodeInvalidInput
	default:
		return ErrCodeInternalServer
	}
}
