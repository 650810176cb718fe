package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/pnl-tracker/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategorize(t *testing.T) {
	cause := stderrors.New("connection refused")

	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"validation", NewValidationError("date", "malformed"), CodeValidation, http.StatusBadRequest},
		{"not found", NewNotFoundError("snapshot", "abc"), CodeNotFound, http.StatusNotFound},
		{"conflict", NewConflictError("duplicate", nil), CodeConflict, http.StatusConflict},
		{"store", NewStoreUnavailableError("list snapshots", cause), CodeStoreUnavailable, http.StatusServiceUnavailable},
		{"wrapped store", fmt.Errorf("outer: %w", NewStoreUnavailableError("get", cause)), CodeStoreUnavailable, http.StatusServiceUnavailable},
		{"service error", &types.ServiceError{Code: CodeNotFound, Message: "gone"}, CodeNotFound, http.StatusNotFound},
		{"plain error", cause, CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Categorize(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.wantCode, got.Code)
			assert.Equal(t, tt.wantStatus, GetHTTPStatusCode(tt.err))
		})
	}

	assert.Nil(t, Categorize(nil))
}

func TestPartialRecalculationError(t *testing.T) {
	cause := stderrors.New("timeout")
	err := NewPartialRecalculationError("owner-1", types.MustParseDate("2024-01-01"), types.MustParseDate("2024-01-03"), 2, cause)

	assert.True(t, IsPartialRecalculation(err))
	assert.False(t, IsRetryable(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "2024-01-03", err.Details["failed_date"])
	assert.Equal(t, 2, err.Details["updated"])
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsNotFound(NewNotFoundError("target", "x")))
	assert.True(t, IsConflict(NewConflictError("dup", nil)))
	assert.True(t, IsValidation(NewValidationError("amount", "negative")))
	assert.True(t, IsRetryable(NewStoreUnavailableError("upsert", nil)))
	assert.False(t, IsRetryable(NewValidationError("amount", "negative")))
	assert.True(t, IsUserError(NewConflictError("dup", nil)))
	assert.False(t, IsUserError(NewStoreUnavailableError("upsert", nil)))
}
