package storage

import (
	stderrors "errors"

	"github.com/jackc/pgx/v5/pgconn"
	apperrors "github.com/pnl-tracker/internal/errors"
)

// pgUniqueViolation is the SQLSTATE for unique constraint violations
const pgUniqueViolation = "23505"

// storeError converts a driver error into the service taxonomy.
// Categorized errors pass through untouched.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}

	var catErr *apperrors.CategorizedError
	if stderrors.As(err, &catErr) {
		return err
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return apperrors.NewConflictError(op+": already exists", map[string]interface{}{
			"constraint": pgErr.ConstraintName,
		})
	}

	return apperrors.NewStoreUnavailableError(op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
