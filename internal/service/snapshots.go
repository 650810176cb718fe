package service

import (
	"context"
	"time"

	apperrors "github.com/pnl-tracker/internal/errors"
	"github.com/pnl-tracker/internal/logging"
	"github.com/pnl-tracker/internal/models"
	"github.com/pnl-tracker/internal/pnl"
	"github.com/pnl-tracker/internal/types"
	"github.com/shopspring/decimal"
)

// List limits
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// CreateSnapshotRequest represents a request to record one day's balances
type CreateSnapshotRequest struct {
	Date              string                    `json:"date"`
	ComponentBalances []models.ComponentBalance `json:"component_balances"`
	Notes             string                    `json:"notes"`
}

// UpdateSnapshotRequest represents a partial snapshot edit.
// A nil field is left unchanged; a non-nil empty balance list is rejected.
type UpdateSnapshotRequest struct {
	Date              *string                   `json:"date,omitempty"`
	ComponentBalances []models.ComponentBalance `json:"component_balances,omitempty"`
	Notes             *string                   `json:"notes,omitempty"`
}

// RecalcOutcome reports how the recalculation following a mutation went.
// Stale means the mutation itself was stored but later snapshots may hold outdated PnL.
type RecalcOutcome struct {
	Recalculation *RecalcReport `json:"recalculation,omitempty"`
	Stale         bool          `json:"stale"`
	Warning       string        `json:"warning,omitempty"`
}

// MutationResult is returned by snapshot create, update and delete
type MutationResult struct {
	Snapshot *models.Snapshot `json:"snapshot,omitempty"`
	RecalcOutcome
}

// SnapshotService records daily snapshots and keeps their derived fields consistent
type SnapshotService struct {
	snapshots SnapshotRepository
	targets   TargetRepository
	sources   *SourceService
	engine    *RecalcEngine
	locker    OwnerLocker
	cache     ReadCache
	monitor   *PerformanceMonitor
}

// NewSnapshotService creates a new snapshot service.
// cache may be nil; a nil locker means a LocalLocker.
func NewSnapshotService(
	snapshots SnapshotRepository,
	targets TargetRepository,
	sources *SourceService,
	engine *RecalcEngine,
	locker OwnerLocker,
	cache ReadCache,
) *SnapshotService {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &SnapshotService{
		snapshots: snapshots,
		targets:   targets,
		sources:   sources,
		engine:    engine,
		locker:    locker,
		cache:     cache,
	}
}

// SetPerformanceMonitor makes the service record read and recalculation timings
func (s *SnapshotService) SetPerformanceMonitor(pm *PerformanceMonitor) {
	s.monitor = pm
}

// CreateSnapshot stores a new snapshot and recalculates every later one
func (s *SnapshotService) CreateSnapshot(ctx context.Context, ownerID string, req *CreateSnapshotRequest) (*MutationResult, error) {
	if ownerID == "" {
		return nil, apperrors.NewValidationError("owner_id", "required")
	}
	date, err := parseSnapshotDate(req.Date)
	if err != nil {
		return nil, err
	}
	components, err := normalizeComponents(req.ComponentBalances)
	if err != nil {
		return nil, err
	}

	unlock, err := lockOwner(ctx, s.locker, ownerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.checkSources(ctx, ownerID, components, nil); err != nil {
		return nil, err
	}

	existing, err := s.getByDate(ctx, ownerID, date)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperrors.NewConflictError("a snapshot already exists for this date", map[string]interface{}{
			"date": date.String(),
			"id":   existing.ID,
		})
	}

	now := time.Now().UTC()
	snapshot := &models.Snapshot{
		ID:                models.SnapshotID(ownerID, date),
		OwnerID:           ownerID,
		Date:              date,
		ComponentBalances: components,
		Notes:             req.Notes,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.derive(ctx, snapshot, ""); err != nil {
		return nil, err
	}

	// the day was free under the owner lock, so a conflict on retry is our own insert
	err = s.engine.write(ctx, "insert snapshot", apperrors.IsConflict, func(ctx context.Context) error {
		return s.snapshots.Insert(ctx, snapshot)
	})
	if err != nil {
		return nil, err
	}

	logging.ForOwner(ctx, ownerID).WithFields(map[string]interface{}{
		"date":  date.String(),
		"total": snapshot.Total.String(),
	}).Info("Snapshot created")

	return s.afterMutation(ctx, ownerID, date, snapshot), nil
}

// UpdateSnapshot edits a snapshot's balances, date or notes.
// Balance and date edits recalculate from the earlier of the old and new dates; notes-only edits do not.
func (s *SnapshotService) UpdateSnapshot(ctx context.Context, ownerID, id string, req *UpdateSnapshotRequest) (*MutationResult, error) {
	if ownerID == "" {
		return nil, apperrors.NewValidationError("owner_id", "required")
	}
	if id == "" {
		return nil, apperrors.NewValidationError("id", "required")
	}

	newDate := types.Date{}
	if req.Date != nil {
		d, err := parseSnapshotDate(*req.Date)
		if err != nil {
			return nil, err
		}
		newDate = d
	}
	var components []models.ComponentBalance
	if req.ComponentBalances != nil {
		c, err := normalizeComponents(req.ComponentBalances)
		if err != nil {
			return nil, err
		}
		components = c
	}

	unlock, err := lockOwner(ctx, s.locker, ownerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.getByID(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	updated := current.Clone()
	if req.Notes != nil {
		updated.Notes = *req.Notes
	}
	moved := !newDate.IsZero() && !newDate.Equal(current.Date)
	rebalanced := components != nil && !sameComponents(components, current.ComponentBalances)

	if components != nil {
		if err := s.checkSources(ctx, ownerID, components, current); err != nil {
			return nil, err
		}
		updated.ComponentBalances = components
	}
	updated.UpdatedAt = time.Now().UTC()

	if !moved && !rebalanced {
		err = s.engine.call(ctx, "update snapshot notes", func(ctx context.Context) error {
			return s.snapshots.Upsert(ctx, updated)
		})
		if err != nil {
			return nil, err
		}
		s.invalidate(ctx, ownerID)
		return &MutationResult{Snapshot: updated}, nil
	}

	if moved {
		updated.Date = newDate
		updated.ID = models.SnapshotID(ownerID, newDate)
	}
	if err := s.derive(ctx, updated, current.ID); err != nil {
		return nil, err
	}

	if moved {
		err = s.engine.write(ctx, "move snapshot", apperrors.IsNotFound, func(ctx context.Context) error {
			return s.snapshots.Move(ctx, ownerID, current.Date, updated)
		})
	} else {
		err = s.engine.call(ctx, "update snapshot", func(ctx context.Context) error {
			return s.snapshots.Upsert(ctx, updated)
		})
	}
	if err != nil {
		return nil, err
	}

	logging.ForOwner(ctx, ownerID).WithFields(map[string]interface{}{
		"date":     updated.Date.String(),
		"old_date": current.Date.String(),
		"total":    updated.Total.String(),
	}).Info("Snapshot updated")

	return s.afterMutation(ctx, ownerID, types.MinDate(current.Date, updated.Date), updated), nil
}

// DeleteSnapshot removes a snapshot and re-links the later ones to its predecessor
func (s *SnapshotService) DeleteSnapshot(ctx context.Context, ownerID, id string) (*MutationResult, error) {
	if ownerID == "" {
		return nil, apperrors.NewValidationError("owner_id", "required")
	}
	if id == "" {
		return nil, apperrors.NewValidationError("id", "required")
	}

	unlock, err := lockOwner(ctx, s.locker, ownerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.getByID(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	err = s.engine.write(ctx, "delete snapshot", apperrors.IsNotFound, func(ctx context.Context) error {
		return s.snapshots.Delete(ctx, ownerID, current.Date)
	})
	if err != nil {
		return nil, err
	}

	logging.ForOwner(ctx, ownerID).WithField("date", current.Date.String()).Info("Snapshot deleted")

	result := s.afterMutation(ctx, ownerID, current.Date, nil)
	result.Snapshot = current
	return result, nil
}

// GetSnapshot returns one of the owner's snapshots by id
func (s *SnapshotService) GetSnapshot(ctx context.Context, ownerID, id string) (*models.Snapshot, error) {
	if ownerID == "" {
		return nil, apperrors.NewValidationError("owner_id", "required")
	}
	if id == "" {
		return nil, apperrors.NewValidationError("id", "required")
	}
	return s.getByID(ctx, ownerID, id)
}

// GetLatestSnapshot returns the owner's most recent snapshot, cache first
func (s *SnapshotService) GetLatestSnapshot(ctx context.Context, ownerID string) (*models.Snapshot, error) {
	if ownerID == "" {
		return nil, apperrors.NewValidationError("owner_id", "required")
	}
	logger := logging.ForOwner(ctx, ownerID)
	start := time.Now()

	gen, fill := s.cacheGeneration(ctx, ownerID)
	if fill {
		cached, found, err := s.cache.GetLatest(ctx, ownerID)
		if err != nil {
			logger.WithError(err).Warn("Failed to read latest snapshot from cache")
		} else if found {
			s.monitor.RecordRead(time.Since(start), true)
			return cached, nil
		}
	}

	var latest *models.Snapshot
	err := s.engine.call(ctx, "latest snapshot", func(ctx context.Context) error {
		var err error
		latest, err = s.snapshots.Latest(ctx, ownerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.monitor.RecordRead(time.Since(start), false)
	if latest == nil {
		return nil, apperrors.NewNotFoundError("snapshot", "latest")
	}

	if fill {
		if err := s.cache.SetLatest(ctx, ownerID, gen, latest); err != nil {
			logger.WithError(err).Warn("Failed to cache latest snapshot")
		}
	}
	return latest, nil
}

// ListSnapshots returns up to limit of the owner's snapshots, newest first.
// A non-positive limit means DefaultListLimit; limits above MaxListLimit are clamped.
func (s *SnapshotService) ListSnapshots(ctx context.Context, ownerID string, limit int) ([]*models.Snapshot, error) {
	if ownerID == "" {
		return nil, apperrors.NewValidationError("owner_id", "required")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	var list []*models.Snapshot
	err := s.engine.call(ctx, "list snapshots", func(ctx context.Context) error {
		var err error
		list, err = s.snapshots.ListRecent(ctx, ownerID, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*models.Snapshot{}
	}
	return list, nil
}

// GetStats summarizes the owner's history: latest values and the average of non-zero daily PnL
func (s *SnapshotService) GetStats(ctx context.Context, ownerID string) (*models.PortfolioStats, error) {
	if ownerID == "" {
		return nil, apperrors.NewValidationError("owner_id", "required")
	}
	logger := logging.ForOwner(ctx, ownerID)
	start := time.Now()

	gen, fill := s.cacheGeneration(ctx, ownerID)
	if fill {
		cached, found, err := s.cache.GetStats(ctx, ownerID)
		if err != nil {
			logger.WithError(err).Warn("Failed to read stats from cache")
		} else if found {
			s.monitor.RecordRead(time.Since(start), true)
			return cached, nil
		}
	}

	var history []*models.Snapshot
	err := s.engine.call(ctx, "list snapshots", func(ctx context.Context) error {
		var err error
		history, err = s.snapshots.ListAll(ctx, ownerID)
		return err
	})
	if err != nil {
		return nil, err
	}

	stats := computeStats(history)
	s.monitor.RecordRead(time.Since(start), false)

	if fill {
		if err := s.cache.SetStats(ctx, ownerID, gen, stats); err != nil {
			logger.WithError(err).Warn("Failed to cache stats")
		}
	}
	return stats, nil
}

// Recalculate runs a full pass over the owner's history, for repairing stale tails
func (s *SnapshotService) Recalculate(ctx context.Context, ownerID string) (*RecalcReport, error) {
	if ownerID == "" {
		return nil, apperrors.NewValidationError("owner_id", "required")
	}

	unlock, err := lockOwner(ctx, s.locker, ownerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	report, err := s.engine.RecalculateAll(ctx, ownerID)
	if report != nil && report.Updated > 0 {
		s.invalidate(ctx, ownerID)
	}
	if err != nil {
		return report, err
	}

	logging.ForOwner(ctx, ownerID).WithFields(map[string]interface{}{
		"examined": report.Examined,
		"updated":  report.Updated,
	}).Info("Full recalculation finished")
	return report, nil
}

// afterMutation recalculates from anchor and invalidates the owner's cache.
// A failing pass degrades the result instead of failing it. snapshot, if set,
// is refreshed from the pass.
func (s *SnapshotService) afterMutation(ctx context.Context, ownerID string, anchor types.Date, snapshot *models.Snapshot) *MutationResult {
	result := &MutationResult{Snapshot: snapshot}
	start := time.Now()
	report, err := s.engine.RecalculateFrom(ctx, ownerID, anchor)
	s.monitor.RecordRecalculation(time.Since(start))
	result.Recalculation = report
	if err != nil {
		result.Stale = true
		result.Warning = "later snapshots may be stale: " + apperrors.Categorize(err).Message
		logging.ForOwner(ctx, ownerID).WithField("anchor", anchor.String()).WithError(err).
			Warn("Mutation stored but recalculation failed")
	}
	if report != nil && snapshot != nil {
		for _, fresh := range report.Snapshots {
			if fresh.Date.Equal(snapshot.Date) {
				result.Snapshot = fresh
				break
			}
		}
	}
	s.invalidate(ctx, ownerID)
	return result
}

// derive computes total, PnL and KPI progress for a record about to be written.
// excludeID skips the record's own stored copy when looking for its predecessor.
func (s *SnapshotService) derive(ctx context.Context, snapshot *models.Snapshot, excludeID string) error {
	snapshot.Total = pnl.Total(snapshot.ComponentBalances)

	prev, err := s.predecessor(ctx, snapshot.OwnerID, snapshot.Date, excludeID)
	if err != nil {
		return err
	}
	prevTotal := snapshot.Total
	if prev != nil {
		prevTotal = prev.Total
	}
	result := pnl.PnL(snapshot.Total, prevTotal)
	snapshot.PnLAmount = result.Amount
	snapshot.PnLPercentage = result.Percentage

	var targets []models.KPITarget
	err = s.engine.call(ctx, "list targets", func(ctx context.Context) error {
		var err error
		targets, err = s.targets.List(ctx, snapshot.OwnerID)
		return err
	})
	if err != nil {
		return err
	}
	snapshot.KPIProgress = pnl.KPIProgress(snapshot.Total, targets)
	return nil
}

func (s *SnapshotService) predecessor(ctx context.Context, ownerID string, date types.Date, excludeID string) (*models.Snapshot, error) {
	for {
		var prev *models.Snapshot
		err := s.engine.call(ctx, "find latest before", func(ctx context.Context) error {
			var err error
			prev, err = s.snapshots.FindLatestBefore(ctx, ownerID, date)
			return err
		})
		if err != nil || prev == nil || prev.ID != excludeID {
			return prev, err
		}
		date = prev.Date
	}
}

// checkSources verifies every component names one of the owner's sources.
// New snapshots need active sources; an edit may keep a deactivated source already on the record.
func (s *SnapshotService) checkSources(ctx context.Context, ownerID string, components []models.ComponentBalance, current *models.Snapshot) error {
	registered, err := s.sources.registry(ctx, ownerID)
	if err != nil {
		return err
	}
	byID := make(map[string]models.BalanceSource, len(registered))
	for _, src := range registered {
		byID[src.ID] = src
	}
	for _, c := range components {
		src, ok := byID[c.SourceID]
		if !ok {
			return apperrors.NewValidationError("component_balances", "unknown balance source "+c.SourceID)
		}
		if !src.IsActive && (current == nil || !current.HasSource(c.SourceID)) {
			return apperrors.NewValidationError("component_balances", "balance source "+src.Name+" is inactive")
		}
	}
	return nil
}

func (s *SnapshotService) getByID(ctx context.Context, ownerID, id string) (*models.Snapshot, error) {
	var snapshot *models.Snapshot
	err := s.engine.call(ctx, "get snapshot", func(ctx context.Context) error {
		var err error
		snapshot, err = s.snapshots.GetByID(ctx, ownerID, id)
		return err
	})
	return snapshot, err
}

func (s *SnapshotService) getByDate(ctx context.Context, ownerID string, date types.Date) (*models.Snapshot, error) {
	var snapshot *models.Snapshot
	err := s.engine.call(ctx, "get snapshot", func(ctx context.Context) error {
		var err error
		snapshot, err = s.snapshots.Get(ctx, ownerID, date)
		return err
	})
	return snapshot, err
}

// cacheGeneration reads the owner's cache generation before a store load.
// fill is false when there is no cache or its generation is unreadable.
func (s *SnapshotService) cacheGeneration(ctx context.Context, ownerID string) (gen int64, fill bool) {
	if s.cache == nil {
		return 0, false
	}
	gen, err := s.cache.Generation(ctx, ownerID)
	if err != nil {
		logging.ForOwner(ctx, ownerID).WithError(err).Warn("Failed to read cache generation")
		return 0, false
	}
	return gen, true
}

func (s *SnapshotService) invalidate(ctx context.Context, ownerID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateOwner(ctx, ownerID); err != nil {
		logging.ForOwner(ctx, ownerID).WithError(err).Warn("Failed to invalidate cache")
	}
}

func parseSnapshotDate(raw string) (types.Date, error) {
	if raw == "" {
		return types.Date{}, apperrors.NewValidationError("date", "required")
	}
	date, err := types.ParseDate(raw)
	if err != nil {
		return types.Date{}, apperrors.NewValidationError("date", "expected YYYY-MM-DD")
	}
	return date, nil
}

// normalizeComponents validates balances and returns a sorted copy
func normalizeComponents(in []models.ComponentBalance) ([]models.ComponentBalance, error) {
	if len(in) == 0 {
		return nil, apperrors.NewValidationError("component_balances", "at least one balance is required")
	}
	seen := make(map[string]bool, len(in))
	out := make([]models.ComponentBalance, 0, len(in))
	for _, c := range in {
		if c.SourceID == "" {
			return nil, apperrors.NewValidationError("component_balances", "source_id is required")
		}
		if seen[c.SourceID] {
			return nil, apperrors.NewValidationError("component_balances", "duplicate source "+c.SourceID)
		}
		if c.Amount.IsNegative() {
			return nil, apperrors.NewValidationError("component_balances", "amount for "+c.SourceID+" must not be negative")
		}
		seen[c.SourceID] = true
		out = append(out, c)
	}
	models.SortComponents(out)
	return out, nil
}

func sameComponents(a, b []models.ComponentBalance) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].SourceID != b[i].SourceID || !a[i].Amount.Equal(b[i].Amount) {
			return false
		}
	}
	return true
}

func computeStats(history []*models.Snapshot) *models.PortfolioStats {
	stats := &models.PortfolioStats{
		TotalEntries:         len(history),
		LatestTotal:          decimal.Zero,
		LatestPnLAmount:      decimal.Zero,
		LatestPnLPercentage:  decimal.Zero,
		AveragePnLAmount:     decimal.Zero,
		AveragePnLPercentage: decimal.Zero,
		KPIProgress:          []models.KPIProgress{},
	}
	if len(history) == 0 {
		return stats
	}

	latest := history[len(history)-1]
	date := latest.Date
	stats.LatestDate = &date
	stats.LatestTotal = latest.Total
	stats.LatestPnLAmount = latest.PnLAmount
	stats.LatestPnLPercentage = latest.PnLPercentage
	if latest.KPIProgress != nil {
		stats.KPIProgress = latest.KPIProgress
	}

	amounts := make([]decimal.Decimal, len(history))
	percentages := make([]decimal.Decimal, len(history))
	for i, snap := range history {
		amounts[i] = snap.PnLAmount
		percentages[i] = snap.PnLPercentage
	}
	stats.AveragePnLAmount = pnl.Average(amounts)
	stats.AveragePnLPercentage = pnl.Average(percentages)
	return stats
}
