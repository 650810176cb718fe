package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	apperrors "github.com/pnl-tracker/internal/errors"
	"github.com/pnl-tracker/internal/models"
	"github.com/pnl-tracker/internal/types"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SnapshotRepository handles snapshot persistence in Postgres.
// (owner_id, snapshot_date) is unique; id is derived from it.
type SnapshotRepository struct {
	db *PostgresDB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *PostgresDB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

const snapshotColumns = `
		id,
		owner_id,
		snapshot_date,
		component_balances,
		total,
		pnl_amount,
		pnl_percentage,
		kpi_progress,
		notes,
		created_at,
		updated_at`

// Get returns the owner's snapshot for date, or nil if there is none
func (r *SnapshotRepository) Get(ctx context.Context, ownerID string, date types.Date) (*models.Snapshot, error) {
	query := `SELECT` + snapshotColumns + `
		FROM snapshots
		WHERE owner_id = $1 AND snapshot_date = $2`

	return r.queryOne(ctx, "get snapshot", query, ownerID, date.Time())
}

// GetByID returns the owner's snapshot with the given id
func (r *SnapshotRepository) GetByID(ctx context.Context, ownerID, id string) (*models.Snapshot, error) {
	query := `SELECT` + snapshotColumns + `
		FROM snapshots
		WHERE owner_id = $1 AND id = $2`

	snapshot, err := r.queryOne(ctx, "get snapshot by id", query, ownerID, id)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, apperrors.NewNotFoundError("snapshot", id)
	}
	return snapshot, nil
}

// FindLatestBefore returns the newest snapshot strictly before date, or nil
func (r *SnapshotRepository) FindLatestBefore(ctx context.Context, ownerID string, date types.Date) (*models.Snapshot, error) {
	query := `SELECT` + snapshotColumns + `
		FROM snapshots
		WHERE owner_id = $1 AND snapshot_date < $2
		ORDER BY snapshot_date DESC
		LIMIT 1`

	return r.queryOne(ctx, "find latest snapshot before", query, ownerID, date.Time())
}

// Latest returns the owner's most recent snapshot, or nil
func (r *SnapshotRepository) Latest(ctx context.Context, ownerID string) (*models.Snapshot, error) {
	query := `SELECT` + snapshotColumns + `
		FROM snapshots
		WHERE owner_id = $1
		ORDER BY snapshot_date DESC
		LIMIT 1`

	return r.queryOne(ctx, "get latest snapshot", query, ownerID)
}

// ListFrom returns snapshots dated on or after date, ascending.
// On error no partial result is returned.
func (r *SnapshotRepository) ListFrom(ctx context.Context, ownerID string, date types.Date) ([]*models.Snapshot, error) {
	query := `SELECT` + snapshotColumns + `
		FROM snapshots
		WHERE owner_id = $1 AND snapshot_date >= $2
		ORDER BY snapshot_date ASC`

	return r.queryMany(ctx, "list snapshots from date", query, ownerID, date.Time())
}

// ListAll returns the owner's full history, ascending
func (r *SnapshotRepository) ListAll(ctx context.Context, ownerID string) ([]*models.Snapshot, error) {
	query := `SELECT` + snapshotColumns + `
		FROM snapshots
		WHERE owner_id = $1
		ORDER BY snapshot_date ASC`

	return r.queryMany(ctx, "list snapshots", query, ownerID)
}

// ListRecent returns up to limit snapshots, newest first
func (r *SnapshotRepository) ListRecent(ctx context.Context, ownerID string, limit int) ([]*models.Snapshot, error) {
	query := `SELECT` + snapshotColumns + `
		FROM snapshots
		WHERE owner_id = $1
		ORDER BY snapshot_date DESC
		LIMIT $2`

	return r.queryMany(ctx, "list recent snapshots", query, ownerID, limit)
}

// Insert stores a new snapshot. A second snapshot for the same day is a conflict.
func (r *SnapshotRepository) Insert(ctx context.Context, snapshot *models.Snapshot) error {
	ctx, cancel := r.db.queryContext(ctx)
	defer cancel()

	return r.insert(ctx, r.db.Pool(), snapshot)
}

func (r *SnapshotRepository) insert(ctx context.Context, q querier, snapshot *models.Snapshot) error {
	componentsJSON, kpiJSON, err := marshalSnapshotJSON(snapshot)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO snapshots (` + snapshotColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = q.Exec(ctx, query,
		snapshot.ID,
		snapshot.OwnerID,
		snapshot.Date.Time(),
		componentsJSON,
		snapshot.Total,
		snapshot.PnLAmount,
		snapshot.PnLPercentage,
		kpiJSON,
		snapshot.Notes,
		snapshot.CreatedAt,
		snapshot.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.NewConflictError("a snapshot already exists for this date", map[string]interface{}{
				"date": snapshot.Date.String(),
			})
		}
		return storeError("insert snapshot", err)
	}

	return nil
}

// Upsert writes the snapshot keyed by (owner_id, snapshot_date).
// created_at of an existing row is preserved.
func (r *SnapshotRepository) Upsert(ctx context.Context, snapshot *models.Snapshot) error {
	componentsJSON, kpiJSON, err := marshalSnapshotJSON(snapshot)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO snapshots (` + snapshotColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (owner_id, snapshot_date)
		DO UPDATE SET
			component_balances = EXCLUDED.component_balances,
			total = EXCLUDED.total,
			pnl_amount = EXCLUDED.pnl_amount,
			pnl_percentage = EXCLUDED.pnl_percentage,
			kpi_progress = EXCLUDED.kpi_progress,
			notes = EXCLUDED.notes,
			updated_at = EXCLUDED.updated_at
	`

	ctx, cancel := r.db.queryContext(ctx)
	defer cancel()

	_, err = r.db.Pool().Exec(ctx, query,
		snapshot.ID,
		snapshot.OwnerID,
		snapshot.Date.Time(),
		componentsJSON,
		snapshot.Total,
		snapshot.PnLAmount,
		snapshot.PnLPercentage,
		kpiJSON,
		snapshot.Notes,
		snapshot.CreatedAt,
		snapshot.UpdatedAt,
	)
	if err != nil {
		return storeError("upsert snapshot", err)
	}

	return nil
}

// Move re-dates a snapshot: the row at from is removed and snapshot is inserted
// at its new date in one transaction.
func (r *SnapshotRepository) Move(ctx context.Context, ownerID string, from types.Date, snapshot *models.Snapshot) error {
	ctx, cancel := r.db.queryContext(ctx)
	defer cancel()

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return storeError("begin move snapshot", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // no-op after commit
	}()

	tag, err := tx.Exec(ctx, `DELETE FROM snapshots WHERE owner_id = $1 AND snapshot_date = $2`, ownerID, from.Time())
	if err != nil {
		return storeError("move snapshot", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("snapshot", from.String())
	}

	if err := r.insert(ctx, tx, snapshot); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return storeError("commit move snapshot", err)
	}
	return nil
}

// Delete removes the owner's snapshot for date
func (r *SnapshotRepository) Delete(ctx context.Context, ownerID string, date types.Date) error {
	ctx, cancel := r.db.queryContext(ctx)
	defer cancel()

	tag, err := r.db.Pool().Exec(ctx,
		`DELETE FROM snapshots WHERE owner_id = $1 AND snapshot_date = $2`,
		ownerID, date.Time(),
	)
	if err != nil {
		return storeError("delete snapshot", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("snapshot", date.String())
	}
	return nil
}

// CountBySource counts the owner's snapshots carrying a balance for sourceID
func (r *SnapshotRepository) CountBySource(ctx context.Context, ownerID, sourceID string) (int, error) {
	ctx, cancel := r.db.queryContext(ctx)
	defer cancel()

	filter, err := json.Marshal([]map[string]string{{"source_id": sourceID}})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal source filter: %w", err)
	}

	var count int
	err = r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM snapshots WHERE owner_id = $1 AND component_balances @> $2::jsonb`,
		ownerID, filter,
	).Scan(&count)
	if err != nil {
		return 0, storeError("count snapshots by source", err)
	}
	return count, nil
}

func (r *SnapshotRepository) queryOne(ctx context.Context, op, query string, args ...any) (*models.Snapshot, error) {
	ctx, cancel := r.db.queryContext(ctx)
	defer cancel()

	snapshot, err := scanSnapshot(r.db.Pool().QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, storeError(op, err)
	}
	return snapshot, nil
}

func (r *SnapshotRepository) queryMany(ctx context.Context, op, query string, args ...any) ([]*models.Snapshot, error) {
	ctx, cancel := r.db.queryContext(ctx)
	defer cancel()

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()

	var snapshots []*models.Snapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, storeError(op, err)
		}
		snapshots = append(snapshots, snapshot)
	}

	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}

	return snapshots, nil
}

func scanSnapshot(row pgx.Row) (*models.Snapshot, error) {
	var snapshot models.Snapshot
	var date time.Time
	var componentsJSON, kpiJSON []byte

	err := row.Scan(
		&snapshot.ID,
		&snapshot.OwnerID,
		&date,
		&componentsJSON,
		&snapshot.Total,
		&snapshot.PnLAmount,
		&snapshot.PnLPercentage,
		&kpiJSON,
		&snapshot.Notes,
		&snapshot.CreatedAt,
		&snapshot.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	snapshot.Date = types.DateOf(date)

	if err := json.Unmarshal(componentsJSON, &snapshot.ComponentBalances); err != nil {
		return nil, fmt.Errorf("failed to unmarshal component balances: %w", err)
	}
	if err := json.Unmarshal(kpiJSON, &snapshot.KPIProgress); err != nil {
		return nil, fmt.Errorf("failed to unmarshal kpi progress: %w", err)
	}

	return &snapshot, nil
}

func marshalSnapshotJSON(snapshot *models.Snapshot) (components, kpi []byte, err error) {
	balances := snapshot.ComponentBalances
	if balances == nil {
		balances = []models.ComponentBalance{}
	}
	components, err = json.Marshal(balances)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal component balances: %w", err)
	}

	progress := snapshot.KPIProgress
	if progress == nil {
		progress = []models.KPIProgress{}
	}
	kpi, err = json.Marshal(progress)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal kpi progress: %w", err)
	}

	return components, kpi, nil
}
