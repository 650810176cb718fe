package service

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/pnl-tracker/internal/errors"
	"github.com/pnl-tracker/internal/logging"
	"github.com/pnl-tracker/internal/models"
	"github.com/pnl-tracker/internal/pnl"
)

// ConsistencyChecker verifies that stored derived fields still follow from an owner's balances and targets
type ConsistencyChecker struct {
	snapshots SnapshotRepository
	targets   TargetRepository
	engine    *RecalcEngine
	locker    OwnerLocker
	cache     ReadCache
}

// NewConsistencyChecker creates a new consistency checker.
// cache may be nil; a nil locker means a LocalLocker.
func NewConsistencyChecker(
	snapshots SnapshotRepository,
	targets TargetRepository,
	engine *RecalcEngine,
	locker OwnerLocker,
	cache ReadCache,
) *ConsistencyChecker {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &ConsistencyChecker{
		snapshots: snapshots,
		targets:   targets,
		engine:    engine,
		locker:    locker,
		cache:     cache,
	}
}

// ConsistencyCheckResult represents the result of a consistency check
type ConsistencyCheckResult struct {
	OwnerID         string        `json:"owner_id"`
	Consistent      bool          `json:"consistent"`
	Examined        int           `json:"examined"`
	Inconsistencies []string      `json:"inconsistencies,omitempty"`
	CheckedAt       time.Time     `json:"checked_at"`
	Repaired        bool          `json:"repaired"`
	Repair          *RecalcReport `json:"repair,omitempty"`
}

// CheckConsistency walks the owner's history and lists every snapshot whose total, PnL
// or KPI progress disagrees with what a recalculation would produce.
// With repair set, an inconsistent history gets a full recalculation.
func (cc *ConsistencyChecker) CheckConsistency(ctx context.Context, ownerID string, repair bool) (*ConsistencyCheckResult, error) {
	if ownerID == "" {
		return nil, apperrors.NewValidationError("owner_id", "required")
	}

	unlock, err := lockOwner(ctx, cc.locker, ownerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := &ConsistencyCheckResult{
		OwnerID:   ownerID,
		CheckedAt: time.Now().UTC(),
	}

	var targets []models.KPITarget
	err = cc.engine.call(ctx, "list targets", func(ctx context.Context) error {
		var err error
		targets, err = cc.targets.List(ctx, ownerID)
		return err
	})
	if err != nil {
		return nil, err
	}

	var history []*models.Snapshot
	err = cc.engine.call(ctx, "list snapshots", func(ctx context.Context) error {
		var err error
		history, err = cc.snapshots.ListAll(ctx, ownerID)
		return err
	})
	if err != nil {
		return nil, err
	}

	result.Examined = len(history)
	result.Inconsistencies = findInconsistencies(history, targets)
	result.Consistent = len(result.Inconsistencies) == 0

	if result.Consistent {
		return result, nil
	}

	logger := logging.ForOwner(ctx, ownerID)
	logger.WithField("inconsistencies", len(result.Inconsistencies)).Warn("Consistency check failed")

	if !repair {
		return result, nil
	}

	report, err := cc.engine.RecalculateAll(ctx, ownerID)
	result.Repair = report
	if cc.cache != nil {
		if err := cc.cache.InvalidateOwner(ctx, ownerID); err != nil {
			logger.WithError(err).Warn("Failed to invalidate cache")
		}
	}
	if err != nil {
		return result, err
	}
	result.Repaired = true
	logger.WithField("updated", report.Updated).Info("Snapshot history repaired")
	return result, nil
}

// findInconsistencies compares each stored snapshot with its expected derived fields
func findInconsistencies(history []*models.Snapshot, targets []models.KPITarget) []string {
	var issues []string
	var prevTotal *models.Snapshot
	for _, snap := range history {
		total := pnl.Total(snap.ComponentBalances)
		if !snap.Total.Equal(total) {
			issues = append(issues, fmt.Sprintf("%s: total %s, balances sum to %s", snap.Date, snap.Total, total))
		}

		want := pnl.Flat
		if prevTotal != nil {
			want = pnl.PnL(total, pnl.Total(prevTotal.ComponentBalances))
		}
		if !snap.PnLAmount.Equal(want.Amount) || !snap.PnLPercentage.Equal(want.Percentage) {
			issues = append(issues, fmt.Sprintf("%s: pnl (%s, %s%%), expected (%s, %s%%)",
				snap.Date, snap.PnLAmount, snap.PnLPercentage, want.Amount, want.Percentage))
		}

		expected := &models.Snapshot{KPIProgress: pnl.KPIProgress(total, targets)}
		stored := &models.Snapshot{KPIProgress: snap.KPIProgress}
		if !sameDerived(stored, expected) {
			issues = append(issues, fmt.Sprintf("%s: kpi progress out of date", snap.Date))
		}

		prevTotal = snap
	}
	return issues
}

// CheckOwners checks several owners, skipping those whose check errors out
func (cc *ConsistencyChecker) CheckOwners(ctx context.Context, ownerIDs []string, repair bool) []*ConsistencyCheckResult {
	results := make([]*ConsistencyCheckResult, 0, len(ownerIDs))
	for _, ownerID := range ownerIDs {
		result, err := cc.CheckConsistency(ctx, ownerID, repair)
		if err != nil {
			logging.ForOwner(ctx, ownerID).WithError(err).Error("Consistency check errored")
			if result == nil {
				continue
			}
		}
		results = append(results, result)
	}
	return results
}
