package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/pnl-tracker/internal/errors"
	"github.com/pnl-tracker/internal/logging"
	"github.com/pnl-tracker/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = apperrors.CodeUnauthorized
	ErrCodeRateLimited   = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError = apperrors.CodeInternal
)

// respondServiceError renders a service error with its category status code.
// Internal errors are logged and their message withheld.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)
	if catErr.StatusCode >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).WithField("code", catErr.Code).Error("Request failed")
	}
	if catErr.Category == apperrors.CategorySystem {
		respondError(w, catErr.StatusCode, catErr.Code, "An internal error occurred", nil)
		return
	}
	respondError(w, catErr.StatusCode, catErr.Code, catErr.Message, catErr.Details)
}

// ownerID reads the owner from X-User-ID, answering 401 when it is missing
func ownerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get("X-User-ID")
	if owner == "" {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "User ID required", nil)
		return "", false
	}
	return owner, true
}
