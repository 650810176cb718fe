package service

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/pnl-tracker/internal/errors"
	"github.com/pnl-tracker/internal/logging"
	"github.com/pnl-tracker/internal/models"
	"github.com/pnl-tracker/internal/pnl"
	"github.com/pnl-tracker/internal/retry"
	"github.com/pnl-tracker/internal/types"
	"github.com/shopspring/decimal"
)

// RecalcScope tells how much of an owner's history a pass covered
type RecalcScope string

const (
	// ScopeTail covers the snapshots from an anchor date onwards
	ScopeTail RecalcScope = "tail"
	// ScopeFull covers the whole history and refreshes KPI progress
	ScopeFull RecalcScope = "full"
)

// DefaultStoreTimeout bounds each store call made by the engine
const DefaultStoreTimeout = 5 * time.Second

// RecalcReport describes one recalculation pass
type RecalcReport struct {
	OwnerID      string      `json:"owner_id"`
	Anchor       *types.Date `json:"anchor,omitempty"`
	Scope        RecalcScope `json:"scope"`
	Examined     int         `json:"examined"`
	Updated      int         `json:"updated"`
	KPIRefreshed bool        `json:"kpi_refreshed"`

	// Snapshots holds every examined snapshot with its freshly derived fields
	Snapshots []*models.Snapshot `json:"-"`
}

// RecalcEngine re-derives totals, PnL and KPI progress over an owner's ordered snapshots
type RecalcEngine struct {
	snapshots SnapshotRepository
	targets   TargetRepository
	retry     *retry.RetryConfig
	timeout   time.Duration
}

// NewRecalcEngine creates a new recalculation engine.
// A nil retry config means retry.DefaultRetryConfig; a non-positive timeout means DefaultStoreTimeout.
func NewRecalcEngine(snapshots SnapshotRepository, targets TargetRepository, retryCfg *retry.RetryConfig, timeout time.Duration) *RecalcEngine {
	if retryCfg == nil {
		retryCfg = retry.DefaultRetryConfig()
	}
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &RecalcEngine{
		snapshots: snapshots,
		targets:   targets,
		retry:     retryCfg,
		timeout:   timeout,
	}
}

// RecalculateFrom re-derives total and PnL for every snapshot dated on or after anchor.
// KPI progress is left as stored.
func (e *RecalcEngine) RecalculateFrom(ctx context.Context, ownerID string, anchor types.Date) (*RecalcReport, error) {
	if ownerID == "" {
		return nil, apperrors.NewValidationError("owner_id", "required")
	}
	if anchor.IsZero() {
		return nil, apperrors.NewValidationError("anchor", "required")
	}

	report := &RecalcReport{OwnerID: ownerID, Anchor: &anchor, Scope: ScopeTail}

	var tail []*models.Snapshot
	err := e.call(ctx, "list_from", func(ctx context.Context) error {
		var err error
		tail, err = e.snapshots.ListFrom(ctx, ownerID, anchor)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(tail) == 0 {
		return report, nil
	}

	var prev *models.Snapshot
	err = e.call(ctx, "find_latest_before", func(ctx context.Context) error {
		var err error
		prev, err = e.snapshots.FindLatestBefore(ctx, ownerID, tail[0].Date)
		return err
	})
	if err != nil {
		return nil, err
	}

	var seed *decimal.Decimal
	if prev != nil {
		seed = &prev.Total
	}

	if err := e.run(ctx, report, tail, seed, nil); err != nil {
		return report, err
	}
	return report, nil
}

// RecalculateAll re-derives total, PnL and KPI progress for the owner's whole history
// against the current active targets.
func (e *RecalcEngine) RecalculateAll(ctx context.Context, ownerID string) (*RecalcReport, error) {
	if ownerID == "" {
		return nil, apperrors.NewValidationError("owner_id", "required")
	}

	report := &RecalcReport{OwnerID: ownerID, Scope: ScopeFull, KPIRefreshed: true}

	var targets []models.KPITarget
	err := e.call(ctx, "list_targets", func(ctx context.Context) error {
		var err error
		targets, err = e.targets.List(ctx, ownerID)
		return err
	})
	if err != nil {
		return nil, err
	}

	var history []*models.Snapshot
	err = e.call(ctx, "list_all", func(ctx context.Context) error {
		var err error
		history, err = e.snapshots.ListAll(ctx, ownerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return report, nil
	}

	first := history[0].Date
	report.Anchor = &first

	if targets == nil {
		targets = []models.KPITarget{}
	}
	if err := e.run(ctx, report, history, nil, targets); err != nil {
		return report, err
	}
	return report, nil
}

// run walks series left to right, chaining each step from the total it just derived.
// A nil seed makes the first entry its own predecessor. A nil targets slice keeps KPI progress as stored.
func (e *RecalcEngine) run(ctx context.Context, report *RecalcReport, series []*models.Snapshot, seed *decimal.Decimal, targets []models.KPITarget) error {
	var prevTotal decimal.Decimal
	for i, stored := range series {
		total := pnl.Total(stored.ComponentBalances)
		switch {
		case i > 0:
		case seed != nil:
			prevTotal = *seed
		default:
			prevTotal = total
		}
		result := pnl.PnL(total, prevTotal)
		prevTotal = total

		next := stored.Clone()
		next.Total = total
		next.PnLAmount = result.Amount
		next.PnLPercentage = result.Percentage
		if targets != nil {
			next.KPIProgress = pnl.KPIProgress(total, targets)
		}

		report.Examined++
		if sameDerived(stored, next) {
			report.Snapshots = append(report.Snapshots, next)
			continue
		}

		next.UpdatedAt = time.Now().UTC()
		err := e.call(ctx, "upsert", func(ctx context.Context) error {
			return e.snapshots.Upsert(ctx, next)
		})
		if err != nil {
			return e.fail(ctx, report, next.Date, err)
		}
		report.Updated++
		report.Snapshots = append(report.Snapshots, next)
	}
	return nil
}

// fail converts a write failure into StoreUnavailable when nothing was written yet,
// or PartialRecalculation otherwise
func (e *RecalcEngine) fail(ctx context.Context, report *RecalcReport, failedDate types.Date, err error) error {
	if report.Updated == 0 {
		return err
	}

	anchor := failedDate
	if report.Anchor != nil {
		anchor = *report.Anchor
	}

	logging.ForOwner(ctx, report.OwnerID).WithFields(map[string]interface{}{
		"anchor":      anchor.String(),
		"scope":       string(report.Scope),
		"updated":     report.Updated,
		"failed_date": failedDate.String(),
	}).WithError(err).Error("Recalculation stopped partway, later snapshots may be stale")

	return apperrors.NewPartialRecalculationError(report.OwnerID, anchor, failedDate, report.Updated, err)
}

// call runs one store operation with the engine timeout and retry policy.
// Uncategorized failures become StoreUnavailable so they are retried.
func (e *RecalcEngine) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, e.retry, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		return asStoreError(op, fn(callCtx))
	})
}

// write runs a store write that is not idempotent. When a retry fails with an
// error that applied recognizes as the write's own effect, an earlier attempt
// committed and only its acknowledgement was lost; the write counts as done.
func (e *RecalcEngine) write(ctx context.Context, op string, applied func(error) bool, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, e.retry, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		err := asStoreError(op, fn(callCtx))
		if err != nil && attempt > 1 && applied(err) {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"operation": op,
				"attempt":   attempt,
			}).WithError(err).Warn("Store write already applied by an earlier attempt")
			return nil
		}
		return err
	})
}

func asStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var catErr *apperrors.CategorizedError
	if errors.As(err, &catErr) {
		return err
	}
	return apperrors.NewStoreUnavailableError(op, err)
}

func sameDerived(a, b *models.Snapshot) bool {
	if !a.Total.Equal(b.Total) || !a.PnLAmount.Equal(b.PnLAmount) || !a.PnLPercentage.Equal(b.PnLPercentage) {
		return false
	}
	if len(a.KPIProgress) != len(b.KPIProgress) {
		return false
	}
	for i := range a.KPIProgress {
		if a.KPIProgress[i].TargetID != b.KPIProgress[i].TargetID || !a.KPIProgress[i].Progress.Equal(b.KPIProgress[i].Progress) {
			return false
		}
	}
	return true
}
