package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/pnl-tracker/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents malformed input (4xx)
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents unknown snapshot, target or source ids
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents uniqueness violations
	CategoryConflict ErrorCategory = "conflict"
	// CategoryAuthorization represents a missing or invalid owner
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryStore represents transient store failures
	CategoryStore ErrorCategory = "store"
	// CategoryRecalculation represents a recalculation pass that stopped partway
	CategoryRecalculation ErrorCategory = "recalculation"
	// CategorySystem represents anything else (5xx)
	CategorySystem ErrorCategory = "system"
)

// Error codes
const (
	CodeValidation           = "VALIDATION_ERROR"
	CodeNotFound             = "NOT_FOUND"
	CodeConflict             = "CONFLICT"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeStoreUnavailable     = "STORE_UNAVAILABLE"
	CodePartialRecalculation = "PARTIAL_RECALCULATION"
	CodeInternal             = "INTERNAL_ERROR"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewValidationError creates a validation error for a single field
func NewValidationError(field string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeValidation,
		Message:    fmt.Sprintf("invalid %s: %s", field, reason),
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string, details map[string]interface{}) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeConflict,
		Message:    message,
		Details:    details,
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       CodeUnauthorized,
		Message:    message,
	}
}

// NewStoreUnavailableError wraps a failed store call
func NewStoreUnavailableError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryStore,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeStoreUnavailable,
		Message:    fmt.Sprintf("store unavailable during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewPartialRecalculationError reports a pass that wrote some entries and then failed.
// Entries dated on or after failedDate may hold stale derived fields.
func NewPartialRecalculationError(ownerID string, anchor, failedDate types.Date, updated int, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRecalculation,
		StatusCode: http.StatusInternalServerError,
		Code:       CodePartialRecalculation,
		Message:    fmt.Sprintf("recalculation stopped at %s after %d updates", failedDate, updated),
		Cause:      cause,
		Details: map[string]interface{}{
			"owner_id":    ownerID,
			"anchor":      anchor.String(),
			"failed_date": failedDate.String(),
			"updated":     updated,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternal,
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

// categorizeServiceError categorizes a ServiceError
func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	category, status := CategorySystem, http.StatusInternalServerError
	switch err.Code {
	case CodeValidation:
		category, status = CategoryValidation, http.StatusBadRequest
	case CodeNotFound:
		category, status = CategoryNotFound, http.StatusNotFound
	case CodeConflict:
		category, status = CategoryConflict, http.StatusConflict
	case CodeUnauthorized:
		category, status = CategoryAuthorization, http.StatusUnauthorized
	case CodeStoreUnavailable:
		category, status = CategoryStore, http.StatusServiceUnavailable
	}
	return &CategorizedError{
		Category:   category,
		StatusCode: status,
		Code:       err.Code,
		Message:    err.Message,
		Details:    err.Details,
	}
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

func hasCategory(err error, category ErrorCategory) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == category
}

// IsNotFound reports whether err is a not found error
func IsNotFound(err error) bool { return hasCategory(err, CategoryNotFound) }

// IsConflict reports whether err is a conflict error
func IsConflict(err error) bool { return hasCategory(err, CategoryConflict) }

// IsValidation reports whether err is a validation error
func IsValidation(err error) bool { return hasCategory(err, CategoryValidation) }

// IsStoreUnavailable reports whether err is a store failure
func IsStoreUnavailable(err error) bool { return hasCategory(err, CategoryStore) }

// IsPartialRecalculation reports whether err is a partial recalculation
func IsPartialRecalculation(err error) bool { return hasCategory(err, CategoryRecalculation) }

// IsRetryable determines if an error is worth retrying.
// Only transient store failures qualify; input errors never do.
func IsRetryable(err error) bool {
	return IsStoreUnavailable(err)
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
