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

// TargetRepository handles KPI target persistence in Postgres
type TargetRepository struct {
	db *PostgresDB
}

// NewTargetRepository creates a new target repository
func NewTargetRepository(db *PostgresDB) *TargetRepository {
	return &TargetRepository{db: db}
}

const targetColumns = `id, owner_id, name, target_amount, color, is_active, created_at, updated_at`

// List returns all of the owner's targets in creation order
func (r *TargetRepository) List(ctx context.Context, ownerID string) ([]models.KPITarget, error) {
	ctx, cancel := r.db.queryContext(ctx)
	defer cancel()

	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+targetColumns+` FROM kpi_targets WHERE owner_id = $1 ORDER BY created_at ASC, id ASC`,
		ownerID,
	)
	if err != nil {
		return nil, storeError("list targets", err)
	}
	defer rows.Close()

	var targets []models.KPITarget
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, storeError("list targets", err)
		}
		targets = append(targets, *target)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list targets", err)
	}

	return targets, nil
}

// Get returns one of the owner's targets
func (r *TargetRepository) Get(ctx context.Context, ownerID, id string) (*models.KPITarget, error) {
	ctx, cancel := r.db.queryContext(ctx)
	defer cancel()

	target, err := scanTarget(r.db.Pool().QueryRow(ctx,
		`SELECT `+targetColumns+` FROM kpi_targets WHERE owner_id = $1 AND id = $2`,
		ownerID, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("target", id)
		}
		return nil, storeError("get target", err)
	}
	return target, nil
}

// Create stores a new target. Duplicate amounts for one owner are a conflict.
func (r *TargetRepository) Create(ctx context.Context, target *models.KPITarget) error {
	if target.ID == "" {
		target.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	target.CreatedAt = now
	target.UpdatedAt = now

	ctx, cancel := r.db.queryContext(ctx)
	defer cancel()

	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO kpi_targets (`+targetColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		target.ID,
		target.OwnerID,
		target.Name,
		target.TargetAmount,
		target.Color,
		target.IsActive,
		target.CreatedAt,
		target.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return duplicateTargetError(target)
		}
		return storeError("create target", err)
	}
	return nil
}

// Update rewrites a target's mutable fields
func (r *TargetRepository) Update(ctx context.Context, target *models.KPITarget) error {
	target.UpdatedAt = time.Now().UTC()

	ctx, cancel := r.db.queryContext(ctx)
	defer cancel()

	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE kpi_targets
		SET name = $3, target_amount = $4, color = $5, is_active = $6, updated_at = $7
		WHERE owner_id = $1 AND id = $2
	`,
		target.OwnerID,
		target.ID,
		target.Name,
		target.TargetAmount,
		target.Color,
		target.IsActive,
		target.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return duplicateTargetError(target)
		}
		return storeError("update target", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("target", target.ID)
	}
	return nil
}

// Delete removes a target
func (r *TargetRepository) Delete(ctx context.Context, ownerID, id string) error {
	ctx, cancel := r.db.queryContext(ctx)
	defer cancel()

	tag, err := r.db.Pool().Exec(ctx, `DELETE FROM kpi_targets WHERE owner_id = $1 AND id = $2`, ownerID, id)
	if err != nil {
		return storeError("delete target", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("target", id)
	}
	return nil
}

func scanTarget(row pgx.Row) (*models.KPITarget, error) {
	var target models.KPITarget
	err := row.Scan(
		&target.ID,
		&target.OwnerID,
		&target.Name,
		&target.TargetAmount,
		&target.Color,
		&target.IsActive,
		&target.CreatedAt,
		&target.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &target, nil
}

func duplicateTargetError(target *models.KPITarget) error {
	return apperrors.NewConflictError("a target with this amount already exists", map[string]interface{}{
		"target_amount": target.TargetAmount.String(),
	})
}
