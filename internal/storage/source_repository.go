package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	apperrors "github.com/pnl-tracker/internal/errors"
	"github.com/pnl-tracker/internal/models"
)

// SourceRepository handles balance source persistence in Postgres
type SourceRepository struct {
	db *PostgresDB
}

// NewSourceRepository creates a new balance source repository
func NewSourceRepository(db *PostgresDB) *SourceRepository {
	return &SourceRepository{db: db}
}

const sourceColumns = `id, owner_id, name, display_name, color, is_active, created_at, updated_at`

// List returns the owner's sources ordered by name
func (r *SourceRepository) List(ctx context.Context, ownerID string, includeInactive bool) ([]models.BalanceSource, error) {
	ctx, cancel := r.db.queryContext(ctx)
	defer cancel()

	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+sourceColumns+` FROM balance_sources
		WHERE owner_id = $1 AND (is_active OR $2)
		ORDER BY name ASC`,
		ownerID, includeInactive,
	)
	if err != nil {
		return nil, storeError("list sources", err)
	}
	defer rows.Close()

	var sources []models.BalanceSource
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil, storeError("list sources", err)
		}
		sources = append(sources, *source)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list sources", err)
	}

	return sources, nil
}

// Get returns one of the owner's sources
func (r *SourceRepository) Get(ctx context.Context, ownerID, id string) (*models.BalanceSource, error) {
	ctx, cancel := r.db.queryContext(ctx)
	defer cancel()

	source, err := scanSource(r.db.Pool().QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM balance_sources WHERE owner_id = $1 AND id = $2`,
		ownerID, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("source", id)
		}
		return nil, storeError("get source", err)
	}
	return source, nil
}

// Create stores a new source. Names are unique per owner.
func (r *SourceRepository) Create(ctx context.Context, source *models.BalanceSource) error {
	if source.ID == "" {
		source.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	source.CreatedAt = now
	source.UpdatedAt = now

	ctx, cancel := r.db.queryContext(ctx)
	defer cancel()

	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO balance_sources (`+sourceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		source.ID,
		source.OwnerID,
		source.Name,
		source.DisplayName,
		source.Color,
		source.IsActive,
		source.CreatedAt,
		source.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.NewConflictError("a source with this name already exists", map[string]interface{}{
				"name": source.Name,
			})
		}
		return storeError("create source", err)
	}
	return nil
}

// Update rewrites a source's display fields and active flag
func (r *SourceRepository) Update(ctx context.Context, source *models.BalanceSource) error {
	source.UpdatedAt = time.Now().UTC()

	ctx, cancel := r.db.queryContext(ctx)
	defer cancel()

	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE balance_sources
		SET display_name = $3, color = $4, is_active = $5, updated_at = $6
		WHERE owner_id = $1 AND id = $2
	`,
		source.OwnerID,
		source.ID,
		source.DisplayName,
		source.Color,
		source.IsActive,
		source.UpdatedAt,
	)
	if err != nil {
		return storeError("update source", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("source", source.ID)
	}
	return nil
}

// Delete hard-deletes a source
func (r *SourceRepository) Delete(ctx context.Context, ownerID, id string) error {
	ctx, cancel := r.db.queryContext(ctx)
	defer cancel()

	tag, err := r.db.Pool().Exec(ctx, `DELETE FROM balance_sources WHERE owner_id = $1 AND id = $2`, ownerID, id)
	if err != nil {
		return storeError("delete source", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("source", id)
	}
	return nil
}

func scanSource(row pgx.Row) (*models.BalanceSource, error) {
	var source models.BalanceSource
	err := row.Scan(
		&source.ID,
		&source.OwnerID,
		&source.Name,
		&source.DisplayName,
		&source.Color,
		&source.IsActive,
		&source.CreatedAt,
		&source.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &source, nil
}
