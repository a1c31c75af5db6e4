// Package apperror defines the coded errors returned by repositories and services.
// Callers branch on Code; Details carries the entity, key or column involved.
package apperror

import (
	"errors"
	"fmt"
)

// Error codes
const (
	// Infrastructure
	CodeInternal = "INTERNAL_ERROR"
	CodeDatabase = "DATABASE_ERROR"
	CodeTimeout  = "TIMEOUT_ERROR"

	// Validation
	CodeValidation   = "VALIDATION_ERROR"
	CodeInvalidInput = "INVALID_INPUT"

	// Business rules
	CodeBusinessRule = "BUSINESS_RULE_VIOLATION"

	// Lookup
	CodeNotFound = "NOT_FOUND"

	// Optimistic concurrency
	CodeConcurrentModification    = "CONCURRENT_MODIFICATION"
	CodeEntityDeletedRemotely     = "ENTITY_DELETED_REMOTELY"
	CodeUnsupportedConflictEntity = "UNSUPPORTED_CONFLICT_ENTITY"
	CodeRetriesExhausted          = "RETRIES_EXHAUSTED"

	// Store constraints
	CodeConflict        = "CONFLICT"
	CodeMultipleMatches = "MULTIPLE_MATCHES"
)

// AppError is the standard error type for the module.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (entity, field, attempts, etc.)
	Details map[string]any `json:"details,omitempty"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions ---

// NewValidation creates a validation error.
func NewValidation(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
	}
}

// NewNotFound creates a not found error.
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", entity),
		Details: map[string]any{"entity": entity, "id": id},
	}
}

// NewBusinessRule creates a business rule violation with a caller-chosen code.
func NewBusinessRule(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// NewConcurrentModification creates an optimistic locking error.
// Returned by conditional deletes that matched zero rows; never retried automatically.
func NewConcurrentModification(entity string, id any) *AppError {
	return &AppError{
		Code:    CodeConcurrentModification,
		Message: "Record was modified by another user. Please refresh and try again.",
		Details: map[string]any{"entity": entity, "id": id},
	}
}

// NewEntityDeletedRemotely is returned when a conflicting record no longer exists in the store.
func NewEntityDeletedRemotely(entity string, id any) *AppError {
	return &AppError{
		Code:    CodeEntityDeletedRemotely,
		Message: fmt.Sprintf("%s was deleted by another user", entity),
		Details: map[string]any{"entity": entity, "id": id},
	}
}

// NewUnsupportedConflictEntity is returned when a conflict is reported for a type
// the repository does not govern.
func NewUnsupportedConflictEntity(managed, got string) *AppError {
	return &AppError{
		Code:    CodeUnsupportedConflictEntity,
		Message: fmt.Sprintf("cannot resolve conflict for %s in %s repository", got, managed),
		Details: map[string]any{"managed": managed, "entity": got},
	}
}

// NewRetriesExhausted is returned when the save loop gives up.
func NewRetriesExhausted(entity string, attempts int) *AppError {
	return &AppError{
		Code:    CodeRetriesExhausted,
		Message: fmt.Sprintf("could not save %s after %d attempts", entity, attempts),
		Details: map[string]any{"entity": entity, "attempts": attempts},
	}
}

// NewMultipleMatches is returned when a predicate that must be unique matches several records.
func NewMultipleMatches(entity string) *AppError {
	return &AppError{
		Code:    CodeMultipleMatches,
		Message: fmt.Sprintf("predicate matches more than one %s", entity),
		Details: map[string]any{"entity": entity},
	}
}

// NewInternal wraps a programming or configuration error.
func NewInternal(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "Internal error",
		Err:     err,
	}
}

// NewDatabase wraps a store failure.
func NewDatabase(err error) *AppError {
	return &AppError{
		Code:    CodeDatabase,
		Message: "Database error",
		Err:     err,
	}
}

// NewTimeout wraps a cancelled or expired context.
func NewTimeout(err error) *AppError {
	return &AppError{
		Code:    CodeTimeout,
		Message: "Operation cancelled",
		Err:     err,
	}
}

// NewConflict reports a write rejected by a store constraint.
func NewConflict(message string) *AppError {
	return &AppError{
		Code:    CodeConflict,
		Message: message,
	}
}

// --- Helper functions ---

// IsAppError checks if error is AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}


// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if error is CodeNotFound
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// IsConcurrentModification checks if error is CodeConcurrentModification
func IsConcurrentModification(err error) bool {
	return HasCode(err, CodeConcurrentModification)
}

// IsEntityDeletedRemotely checks if error is CodeEntityDeletedRemotely
func IsEntityDeletedRemotely(err error) bool {
	return HasCode(err, CodeEntityDeletedRemotely)
}

// IsRetriesExhausted checks if error is CodeRetriesExhausted
func IsRetriesExhausted(err error) bool {
	return HasCode(err, CodeRetriesExhausted)
}

// IsMultipleMatches checks if error is CodeMultipleMatches
func IsMultipleMatches(err error) bool {
	return HasCode(err, CodeMultipleMatches)
}

// IsValidation checks if error is CodeValidation
func IsValidation(err error) bool {
	return HasCode(err, CodeValidation)
}
