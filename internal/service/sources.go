package service

import (
	"context"
	"strings"

	apperrors "github.com/pnl-tracker/internal/errors"
	"github.com/pnl-tracker/internal/logging"
	"github.com/pnl-tracker/internal/models"
)

// DefaultSourceNames are bootstrapped for an owner with no sources
var DefaultSourceNames = []string{"kraken", "bitget", "binance"}

// sourcePalette gives known exchanges their usual brand colors
var sourcePalette = map[string]string{
	"kraken":  "#5741d9",
	"bitget":  "#00f0ff",
	"binance": "#f0b90b",
}

const fallbackSourceColor = "#64748b"

// CreateSourceRequest represents a request to register a balance source
type CreateSourceRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
}

// UpdateSourceRequest represents a partial source edit; nil fields are unchanged
type UpdateSourceRequest struct {
	DisplayName *string `json:"display_name,omitempty"`
	Color       *string `json:"color,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// DeleteSourceResult tells whether a delete removed the source or only deactivated it
type DeleteSourceResult struct {
	ID          string `json:"id"`
	SoftDeleted bool   `json:"soft_deleted"`
	References  int    `json:"references"`
}

// SourceService manages an owner's balance sources
type SourceService struct {
	sources   SourceRepository
	snapshots SnapshotRepository
	engine    *RecalcEngine
	locker    OwnerLocker
	defaults  []string
}

// NewSourceService creates a new source service.
// An empty defaults list means DefaultSourceNames; a nil locker means a LocalLocker.
func NewSourceService(sources SourceRepository, snapshots SnapshotRepository, engine *RecalcEngine, locker OwnerLocker, defaults []string) *SourceService {
	if len(defaults) == 0 {
		defaults = DefaultSourceNames
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &SourceService{
		sources:   sources,
		snapshots: snapshots,
		engine:    engine,
		locker:    locker,
		defaults:  defaults,
	}
}

// ListSources returns the owner's sources, bootstrapping the defaults first if the owner has none
func (s *SourceService) ListSources(ctx context.Context, ownerID string, includeInactive bool) ([]models.BalanceSource, error) {
	if ownerID == "" {
		return nil, apperrors.NewValidationError("owner_id", "required")
	}
	all, err := s.registry(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if includeInactive {
		return all, nil
	}
	active := make([]models.BalanceSource, 0, len(all))
	for _, src := range all {
		if src.IsActive {
			active = append(active, src)
		}
	}
	return active, nil
}

// CreateSource registers a new source under a normalized name
func (s *SourceService) CreateSource(ctx context.Context, ownerID string, req *CreateSourceRequest) (*models.BalanceSource, error) {
	if ownerID == "" {
		return nil, apperrors.NewValidationError("owner_id", "required")
	}
	name := models.NormalizeSourceName(req.Name)
	if name == "" {
		return nil, apperrors.NewValidationError("name", "required")
	}

	if _, err := s.registry(ctx, ownerID); err != nil {
		return nil, err
	}

	source := &models.BalanceSource{
		OwnerID:     ownerID,
		Name:        name,
		DisplayName: strings.TrimSpace(req.DisplayName),
		Color:       strings.TrimSpace(req.Color),
		IsActive:    true,
	}
	if source.DisplayName == "" {
		source.DisplayName = displayName(name)
	}
	if source.Color == "" {
		source.Color = sourceColor(name)
	}

	err := s.engine.call(ctx, "create source", func(ctx context.Context) error {
		return s.sources.Create(ctx, source)
	})
	if err != nil {
		return nil, err
	}

	logging.ForOwner(ctx, ownerID).WithField("source", name).Info("Balance source created")
	return source, nil
}

// UpdateSource edits a source's display name, color or active flag
func (s *SourceService) UpdateSource(ctx context.Context, ownerID, id string, req *UpdateSourceRequest) (*models.BalanceSource, error) {
	source, err := s.get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	if req.DisplayName != nil {
		name := strings.TrimSpace(*req.DisplayName)
		if name == "" {
			return nil, apperrors.NewValidationError("display_name", "must not be empty")
		}
		source.DisplayName = name
	}
	if req.Color != nil {
		source.Color = strings.TrimSpace(*req.Color)
	}
	if req.IsActive != nil {
		source.IsActive = *req.IsActive
	}

	err = s.engine.call(ctx, "update source", func(ctx context.Context) error {
		return s.sources.Update(ctx, source)
	})
	if err != nil {
		return nil, err
	}
	return source, nil
}

// DeleteSource deactivates a source that snapshots still reference and removes it otherwise
func (s *SourceService) DeleteSource(ctx context.Context, ownerID, id string) (*DeleteSourceResult, error) {
	source, err := s.get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	// snapshot writes check sources under the same lock
	unlock, err := lockOwner(ctx, s.locker, ownerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var refs int
	err = s.engine.call(ctx, "count snapshots by source", func(ctx context.Context) error {
		var err error
		refs, err = s.snapshots.CountBySource(ctx, ownerID, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &DeleteSourceResult{ID: id, References: refs}
	logger := logging.ForOwner(ctx, ownerID).WithFields(map[string]interface{}{
		"source":     source.Name,
		"references": refs,
	})

	if refs > 0 {
		source.IsActive = false
		err = s.engine.call(ctx, "deactivate source", func(ctx context.Context) error {
			return s.sources.Update(ctx, source)
		})
		if err != nil {
			return nil, err
		}
		result.SoftDeleted = true
		logger.Info("Balance source deactivated, snapshots still reference it")
		return result, nil
	}

	err = s.engine.call(ctx, "delete source", func(ctx context.Context) error {
		return s.sources.Delete(ctx, ownerID, id)
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Balance source deleted")
	return result, nil
}

func (s *SourceService) get(ctx context.Context, ownerID, id string) (*models.BalanceSource, error) {
	if ownerID == "" {
		return nil, apperrors.NewValidationError("owner_id", "required")
	}
	if id == "" {
		return nil, apperrors.NewValidationError("id", "required")
	}
	var source *models.BalanceSource
	err := s.engine.call(ctx, "get source", func(ctx context.Context) error {
		var err error
		source, err = s.sources.Get(ctx, ownerID, id)
		return err
	})
	return source, err
}

// registry returns all of the owner's sources, active or not, creating the defaults when there are none
func (s *SourceService) registry(ctx context.Context, ownerID string) ([]models.BalanceSource, error) {
	var all []models.BalanceSource
	err := s.engine.call(ctx, "list sources", func(ctx context.Context) error {
		var err error
		all, err = s.sources.List(ctx, ownerID, true)
		return err
	})
	if err != nil || len(all) > 0 {
		return all, err
	}

	for _, name := range s.defaults {
		name = models.NormalizeSourceName(name)
		if name == "" {
			continue
		}
		source := &models.BalanceSource{
			OwnerID:     ownerID,
			Name:        name,
			DisplayName: displayName(name),
			Color:       sourceColor(name),
			IsActive:    true,
		}
		err := s.engine.call(ctx, "create default source", func(ctx context.Context) error {
			return s.sources.Create(ctx, source)
		})
		// a concurrent bootstrap may have won the race
		if err != nil && !apperrors.IsConflict(err) {
			return nil, err
		}
	}
	logging.ForOwner(ctx, ownerID).WithField("sources", s.defaults).Info("Bootstrapped default balance sources")

	err = s.engine.call(ctx, "list sources", func(ctx context.Context) error {
		var err error
		all, err = s.sources.List(ctx, ownerID, true)
		return err
	})
	return all, err
}

func displayName(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func sourceColor(name string) string {
	if c, ok := sourcePalette[name]; ok {
		return c
	}
	return fallbackSourceColor
}
