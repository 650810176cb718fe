package service

import (
	"context"

	"github.com/pnl-tracker/internal/models"
	"github.com/pnl-tracker/internal/types"
)

// SnapshotRepository interface for snapshot data operations.
// Optional lookups (Get, FindLatestBefore, Latest) return nil, nil when absent.
type SnapshotRepository interface {
	Get(ctx context.Context, ownerID string, date types.Date) (*models.Snapshot, error)
	GetByID(ctx context.Context, ownerID, id string) (*models.Snapshot, error)
	FindLatestBefore(ctx context.Context, ownerID string, date types.Date) (*models.Snapshot, error)
	Latest(ctx context.Context, ownerID string) (*models.Snapshot, error)
	ListFrom(ctx context.Context, ownerID string, date types.Date) ([]*models.Snapshot, error)
	ListAll(ctx context.Context, ownerID string) ([]*models.Snapshot, error)
	ListRecent(ctx context.Context, ownerID string, limit int) ([]*models.Snapshot, error)
	Insert(ctx context.Context, snapshot *models.Snapshot) error
	Upsert(ctx context.Context, snapshot *models.Snapshot) error
	Move(ctx context.Context, ownerID string, from types.Date, snapshot *models.Snapshot) error
	Delete(ctx context.Context, ownerID string, date types.Date) error
	CountBySource(ctx context.Context, ownerID, sourceID string) (int, error)
}

// TargetRepository interface for KPI target data operations
type TargetRepository interface {
	List(ctx context.Context, ownerID string) ([]models.KPITarget, error)
	Get(ctx context.Context, ownerID, id string) (*models.KPITarget, error)
	Create(ctx context.Context, target *models.KPITarget) error
	Update(ctx context.Context, target *models.KPITarget) error
	Delete(ctx context.Context, ownerID, id string) error
}

// SourceRepository interface for balance source data operations
type SourceRepository interface {
	List(ctx context.Context, ownerID string, includeInactive bool) ([]models.BalanceSource, error)
	Get(ctx context.Context, ownerID, id string) (*models.BalanceSource, error)
	Create(ctx context.Context, source *models.BalanceSource) error
	Update(ctx context.Context, source *models.BalanceSource) error
	Delete(ctx context.Context, ownerID, id string) error
}

// ReadCache caches per-owner read models. Every method is best effort.
// Set* take the generation read before the store load and drop the value if
// InvalidateOwner ran in between.
type ReadCache interface {
	Generation(ctx context.Context, ownerID string) (int64, error)
	GetLatest(ctx context.Context, ownerID string) (*models.Snapshot, bool, error)
	SetLatest(ctx context.Context, ownerID string, gen int64, snapshot *models.Snapshot) error
	GetStats(ctx context.Context, ownerID string) (*models.PortfolioStats, bool, error)
	SetStats(ctx context.Context, ownerID string, gen int64, stats *models.PortfolioStats) error
	InvalidateOwner(ctx context.Context, ownerID string) error
}

// OwnerLocker serializes mutations for one owner. Different owners never contend.
type OwnerLocker interface {
	Lock(ctx context.Context, ownerID string) (unlock func(), err error)
}
