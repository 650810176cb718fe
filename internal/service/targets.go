package service

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/pnl-tracker/internal/errors"
	"github.com/pnl-tracker/internal/logging"
	"github.com/pnl-tracker/internal/models"
	"github.com/shopspring/decimal"
)

const defaultTargetColor = "#22c55e"

// CreateTargetRequest represents a request to add a KPI target
type CreateTargetRequest struct {
	Name         string          `json:"name"`
	TargetAmount decimal.Decimal `json:"target_amount"`
	Color        string          `json:"color"`
}

// UpdateTargetRequest represents a partial target edit; nil fields are unchanged
type UpdateTargetRequest struct {
	Name         *string          `json:"name,omitempty"`
	TargetAmount *decimal.Decimal `json:"target_amount,omitempty"`
	Color        *string          `json:"color,omitempty"`
	IsActive     *bool            `json:"is_active,omitempty"`
}

// TargetResult is returned by target create, update and delete.
// Every target mutation is followed by a full recalculation of KPI progress.
type TargetResult struct {
	Target *models.KPITarget `json:"target,omitempty"`
	RecalcOutcome
}

// TargetService manages an owner's KPI targets
type TargetService struct {
	targets TargetRepository
	engine  *RecalcEngine
	locker  OwnerLocker
	cache   ReadCache
	monitor *PerformanceMonitor
}

// NewTargetService creates a new target service.
// cache may be nil; a nil locker means a LocalLocker.
func NewTargetService(targets TargetRepository, engine *RecalcEngine, locker OwnerLocker, cache ReadCache) *TargetService {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &TargetService{
		targets: targets,
		engine:  engine,
		locker:  locker,
		cache:   cache,
	}
}

// SetPerformanceMonitor makes the service record recalculation timings
func (s *TargetService) SetPerformanceMonitor(pm *PerformanceMonitor) {
	s.monitor = pm
}

// ListTargets returns the owner's targets in creation order
func (s *TargetService) ListTargets(ctx context.Context, ownerID string) ([]models.KPITarget, error) {
	if ownerID == "" {
		return nil, apperrors.NewValidationError("owner_id", "required")
	}
	var targets []models.KPITarget
	err := s.engine.call(ctx, "list targets", func(ctx context.Context) error {
		var err error
		targets, err = s.targets.List(ctx, ownerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if targets == nil {
		targets = []models.KPITarget{}
	}
	return targets, nil
}

// CreateTarget adds a target; amounts are unique per owner
func (s *TargetService) CreateTarget(ctx context.Context, ownerID string, req *CreateTargetRequest) (*TargetResult, error) {
	if ownerID == "" {
		return nil, apperrors.NewValidationError("owner_id", "required")
	}
	target := &models.KPITarget{
		OwnerID:      ownerID,
		Name:         strings.TrimSpace(req.Name),
		TargetAmount: req.TargetAmount,
		Color:        strings.TrimSpace(req.Color),
		IsActive:     true,
	}
	if target.Color == "" {
		target.Color = defaultTargetColor
	}
	if err := validateTarget(target); err != nil {
		return nil, err
	}

	unlock, err := lockOwner(ctx, s.locker, ownerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = s.engine.write(ctx, "create target", apperrors.IsConflict, func(ctx context.Context) error {
		return s.targets.Create(ctx, target)
	})
	if err != nil {
		return nil, err
	}

	logging.ForOwner(ctx, ownerID).WithFields(map[string]interface{}{
		"target_id":     target.ID,
		"target_amount": target.TargetAmount.String(),
	}).Info("KPI target created")

	return s.afterMutation(ctx, ownerID, target), nil
}

// UpdateTarget edits a target and refreshes KPI progress on every snapshot
func (s *TargetService) UpdateTarget(ctx context.Context, ownerID, id string, req *UpdateTargetRequest) (*TargetResult, error) {
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

	var target *models.KPITarget
	err = s.engine.call(ctx, "get target", func(ctx context.Context) error {
		var err error
		target, err = s.targets.Get(ctx, ownerID, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		target.Name = strings.TrimSpace(*req.Name)
	}
	if req.TargetAmount != nil {
		target.TargetAmount = *req.TargetAmount
	}
	if req.Color != nil {
		target.Color = strings.TrimSpace(*req.Color)
	}
	if req.IsActive != nil {
		target.IsActive = *req.IsActive
	}
	if err := validateTarget(target); err != nil {
		return nil, err
	}

	err = s.engine.call(ctx, "update target", func(ctx context.Context) error {
		return s.targets.Update(ctx, target)
	})
	if err != nil {
		return nil, err
	}

	logging.ForOwner(ctx, ownerID).WithFields(map[string]interface{}{
		"target_id":     target.ID,
		"target_amount": target.TargetAmount.String(),
	}).Info("KPI target updated")

	return s.afterMutation(ctx, ownerID, target), nil
}

// DeleteTarget removes a target and drops its progress from every snapshot
func (s *TargetService) DeleteTarget(ctx context.Context, ownerID, id string) (*TargetResult, error) {
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

	err = s.engine.write(ctx, "delete target", apperrors.IsNotFound, func(ctx context.Context) error {
		return s.targets.Delete(ctx, ownerID, id)
	})
	if err != nil {
		return nil, err
	}

	logging.ForOwner(ctx, ownerID).WithField("target_id", id).Info("KPI target deleted")

	return s.afterMutation(ctx, ownerID, nil), nil
}

func (s *TargetService) afterMutation(ctx context.Context, ownerID string, target *models.KPITarget) *TargetResult {
	result := &TargetResult{Target: target}
	start := time.Now()
	report, err := s.engine.RecalculateAll(ctx, ownerID)
	s.monitor.RecordRecalculation(time.Since(start))
	result.Recalculation = report
	if err != nil {
		result.Stale = true
		result.Warning = "kpi progress may be stale: " + apperrors.Categorize(err).Message
		logging.ForOwner(ctx, ownerID).WithError(err).Warn("Target stored but recalculation failed")
	}
	if s.cache != nil {
		if err := s.cache.InvalidateOwner(ctx, ownerID); err != nil {
			logging.ForOwner(ctx, ownerID).WithError(err).Warn("Failed to invalidate cache")
		}
	}
	return result
}

func validateTarget(target *models.KPITarget) error {
	if target.Name == "" {
		return apperrors.NewValidationError("name", "required")
	}
	if !target.TargetAmount.IsPositive() {
		return apperrors.NewValidationError("target_amount", "must be positive")
	}
	return nil
}
