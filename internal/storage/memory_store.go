package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/pnl-tracker/internal/errors"
	"github.com/pnl-tracker/internal/models"
	"github.com/pnl-tracker/internal/types"
)

// MemoryStore keeps snapshots, targets and sources in process memory.
// It backs the memory store driver and the service tests, and can be told
// to fail snapshot reads or writes to exercise degraded paths.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]map[types.Date]*models.Snapshot
	targets   map[string][]*models.KPITarget
	sources   map[string][]*models.BalanceSource

	writes          int
	failWritesAfter int // -1 disables
	writeErr        error
	readErr         error
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots:       make(map[string]map[types.Date]*models.Snapshot),
		targets:         make(map[string][]*models.KPITarget),
		sources:         make(map[string][]*models.BalanceSource),
		failWritesAfter: -1,
	}
}

// Snapshots returns the snapshot repository view
func (m *MemoryStore) Snapshots() *MemorySnapshotRepository {
	return &MemorySnapshotRepository{m: m}
}

// Targets returns the KPI target repository view
func (m *MemoryStore) Targets() *MemoryTargetRepository {
	return &MemoryTargetRepository{m: m}
}

// Sources returns the balance source repository view
func (m *MemoryStore) Sources() *MemorySourceRepository {
	return &MemorySourceRepository{m: m}
}

// FailWritesAfter lets the next n snapshot writes succeed and fails the rest with err
func (m *MemoryStore) FailWritesAfter(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWritesAfter = m.writes + n
	m.writeErr = err
}

// FailReads makes every snapshot read fail with err
func (m *MemoryStore) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// ClearFailures removes injected failures
func (m *MemoryStore) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWritesAfter = -1
	m.writeErr = nil
	m.readErr = nil
}

// SnapshotWrites returns the number of successful snapshot writes so far
func (m *MemoryStore) SnapshotWrites() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// checkWrite must be called with mu held
func (m *MemoryStore) checkWrite(op string) error {
	if m.failWritesAfter >= 0 && m.writes >= m.failWritesAfter {
		return apperrors.NewStoreUnavailableError(op, m.writeErr)
	}
	return nil
}

// checkRead must be called with mu held
func (m *MemoryStore) checkRead(op string) error {
	if m.readErr != nil {
		return apperrors.NewStoreUnavailableError(op, m.readErr)
	}
	return nil
}

func checkContext(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewStoreUnavailableError(op, err)
	}
	return nil
}

// MemorySnapshotRepository is the in-memory snapshot repository
type MemorySnapshotRepository struct {
	m *MemoryStore
}

func (r *MemorySnapshotRepository) read(ctx context.Context, op string) error {
	if err := checkContext(ctx, op); err != nil {
		return err
	}
	return r.m.checkRead(op)
}

// sorted returns the owner's snapshots ascending by date; mu must be held
func (r *MemorySnapshotRepository) sorted(ownerID string) []*models.Snapshot {
	byDate := r.m.snapshots[ownerID]
	out := make([]*models.Snapshot, 0, len(byDate))
	for _, s := range byDate {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// Get returns the owner's snapshot for date, or nil
func (r *MemorySnapshotRepository) Get(ctx context.Context, ownerID string, date types.Date) (*models.Snapshot, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	if err := r.read(ctx, "get snapshot"); err != nil {
		return nil, err
	}
	return r.m.snapshots[ownerID][date].Clone(), nil
}

// GetByID returns the owner's snapshot with the given id
func (r *MemorySnapshotRepository) GetByID(ctx context.Context, ownerID, id string) (*models.Snapshot, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	if err := r.read(ctx, "get snapshot by id"); err != nil {
		return nil, err
	}
	for _, s := range r.m.snapshots[ownerID] {
		if s.ID == id {
			return s.Clone(), nil
		}
	}
	return nil, apperrors.NewNotFoundError("snapshot", id)
}

// FindLatestBefore returns the newest snapshot strictly before date, or nil
func (r *MemorySnapshotRepository) FindLatestBefore(ctx context.Context, ownerID string, date types.Date) (*models.Snapshot, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	if err := r.read(ctx, "find latest snapshot before"); err != nil {
		return nil, err
	}
	var best *models.Snapshot
	for d, s := range r.m.snapshots[ownerID] {
		if d.Before(date) && (best == nil || d.After(best.Date)) {
			best = s
		}
	}
	return best.Clone(), nil
}

// Latest returns the owner's most recent snapshot, or nil
func (r *MemorySnapshotRepository) Latest(ctx context.Context, ownerID string) (*models.Snapshot, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	if err := r.read(ctx, "get latest snapshot"); err != nil {
		return nil, err
	}
	all := r.sorted(ownerID)
	if len(all) == 0 {
		return nil, nil
	}
	return all[len(all)-1].Clone(), nil
}

// ListFrom returns snapshots dated on or after date, ascending
func (r *MemorySnapshotRepository) ListFrom(ctx context.Context, ownerID string, date types.Date) ([]*models.Snapshot, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	if err := r.read(ctx, "list snapshots from date"); err != nil {
		return nil, err
	}
	var out []*models.Snapshot
	for _, s := range r.sorted(ownerID) {
		if !s.Date.Before(date) {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

// ListAll returns the owner's full history, ascending
func (r *MemorySnapshotRepository) ListAll(ctx context.Context, ownerID string) ([]*models.Snapshot, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	if err := r.read(ctx, "list snapshots"); err != nil {
		return nil, err
	}
	all := r.sorted(ownerID)
	out := make([]*models.Snapshot, len(all))
	for i, s := range all {
		out[i] = s.Clone()
	}
	return out, nil
}

// ListRecent returns up to limit snapshots, newest first
func (r *MemorySnapshotRepository) ListRecent(ctx context.Context, ownerID string, limit int) ([]*models.Snapshot, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	if err := r.read(ctx, "list recent snapshots"); err != nil {
		return nil, err
	}
	all := r.sorted(ownerID)
	var out []*models.Snapshot
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i].Clone())
	}
	return out, nil
}

// Insert stores a new snapshot; a second snapshot for the same day is a conflict
func (r *MemorySnapshotRepository) Insert(ctx context.Context, snapshot *models.Snapshot) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := checkContext(ctx, "insert snapshot"); err != nil {
		return err
	}
	if err := r.m.checkWrite("insert snapshot"); err != nil {
		return err
	}
	if _, exists := r.m.snapshots[snapshot.OwnerID][snapshot.Date]; exists {
		return apperrors.NewConflictError("a snapshot already exists for this date", map[string]interface{}{
			"date": snapshot.Date.String(),
		})
	}
	r.put(snapshot)
	return nil
}

// Upsert writes the snapshot keyed by (owner, date), keeping an existing created_at
func (r *MemorySnapshotRepository) Upsert(ctx context.Context, snapshot *models.Snapshot) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := checkContext(ctx, "upsert snapshot"); err != nil {
		return err
	}
	if err := r.m.checkWrite("upsert snapshot"); err != nil {
		return err
	}
	stored := snapshot.Clone()
	if existing, ok := r.m.snapshots[snapshot.OwnerID][snapshot.Date]; ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	}
	r.put(stored)
	return nil
}

// Move re-dates a snapshot atomically
func (r *MemorySnapshotRepository) Move(ctx context.Context, ownerID string, from types.Date, snapshot *models.Snapshot) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := checkContext(ctx, "move snapshot"); err != nil {
		return err
	}
	if err := r.m.checkWrite("move snapshot"); err != nil {
		return err
	}
	byDate := r.m.snapshots[ownerID]
	if _, ok := byDate[from]; !ok {
		return apperrors.NewNotFoundError("snapshot", from.String())
	}
	if _, exists := byDate[snapshot.Date]; exists {
		return apperrors.NewConflictError("a snapshot already exists for this date", map[string]interface{}{
			"date": snapshot.Date.String(),
		})
	}
	delete(byDate, from)
	r.put(snapshot)
	return nil
}

// Delete removes the owner's snapshot for date
func (r *MemorySnapshotRepository) Delete(ctx context.Context, ownerID string, date types.Date) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := checkContext(ctx, "delete snapshot"); err != nil {
		return err
	}
	if err := r.m.checkWrite("delete snapshot"); err != nil {
		return err
	}
	if _, ok := r.m.snapshots[ownerID][date]; !ok {
		return apperrors.NewNotFoundError("snapshot", date.String())
	}
	delete(r.m.snapshots[ownerID], date)
	r.m.writes++
	return nil
}

// CountBySource counts the owner's snapshots carrying a balance for sourceID
func (r *MemorySnapshotRepository) CountBySource(ctx context.Context, ownerID, sourceID string) (int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	if err := r.read(ctx, "count snapshots by source"); err != nil {
		return 0, err
	}
	count := 0
	for _, s := range r.m.snapshots[ownerID] {
		if s.HasSource(sourceID) {
			count++
		}
	}
	return count, nil
}

// put stores a copy and counts the write; mu must be held
func (r *MemorySnapshotRepository) put(snapshot *models.Snapshot) {
	byDate, ok := r.m.snapshots[snapshot.OwnerID]
	if !ok {
		byDate = make(map[types.Date]*models.Snapshot)
		r.m.snapshots[snapshot.OwnerID] = byDate
	}
	byDate[snapshot.Date] = snapshot.Clone()
	r.m.writes++
}

// MemoryTargetRepository is the in-memory KPI target repository
type MemoryTargetRepository struct {
	m *MemoryStore
}

// List returns all of the owner's targets in creation order
func (r *MemoryTargetRepository) List(ctx context.Context, ownerID string) ([]models.KPITarget, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	if err := checkContext(ctx, "list targets"); err != nil {
		return nil, err
	}
	out := make([]models.KPITarget, 0, len(r.m.targets[ownerID]))
	for _, t := range r.m.targets[ownerID] {
		out = append(out, *t)
	}
	return out, nil
}

// Get returns one of the owner's targets
func (r *MemoryTargetRepository) Get(ctx context.Context, ownerID, id string) (*models.KPITarget, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	if err := checkContext(ctx, "get target"); err != nil {
		return nil, err
	}
	if _, t := r.find(ownerID, id); t != nil {
		c := *t
		return &c, nil
	}
	return nil, apperrors.NewNotFoundError("target", id)
}

// Create stores a new target; duplicate amounts for one owner are a conflict
func (r *MemoryTargetRepository) Create(ctx context.Context, target *models.KPITarget) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := checkContext(ctx, "create target"); err != nil {
		return err
	}
	if err := r.checkAmount(target); err != nil {
		return err
	}
	if target.ID == "" {
		target.ID = uuid.New().String()
	}
	if _, existing := r.find(target.OwnerID, target.ID); existing != nil {
		return apperrors.NewConflictError("a target with this id already exists", map[string]interface{}{
			"id": target.ID,
		})
	}
	now := time.Now().UTC()
	target.CreatedAt = now
	target.UpdatedAt = now
	c := *target
	r.m.targets[target.OwnerID] = append(r.m.targets[target.OwnerID], &c)
	return nil
}

// Update rewrites a target's mutable fields
func (r *MemoryTargetRepository) Update(ctx context.Context, target *models.KPITarget) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := checkContext(ctx, "update target"); err != nil {
		return err
	}
	_, existing := r.find(target.OwnerID, target.ID)
	if existing == nil {
		return apperrors.NewNotFoundError("target", target.ID)
	}
	if err := r.checkAmount(target); err != nil {
		return err
	}
	target.CreatedAt = existing.CreatedAt
	target.UpdatedAt = time.Now().UTC()
	*existing = *target
	return nil
}

// Delete removes a target
func (r *MemoryTargetRepository) Delete(ctx context.Context, ownerID, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := checkContext(ctx, "delete target"); err != nil {
		return err
	}
	i, t := r.find(ownerID, id)
	if t == nil {
		return apperrors.NewNotFoundError("target", id)
	}
	list := r.m.targets[ownerID]
	r.m.targets[ownerID] = append(list[:i], list[i+1:]...)
	return nil
}

func (r *MemoryTargetRepository) find(ownerID, id string) (int, *models.KPITarget) {
	for i, t := range r.m.targets[ownerID] {
		if t.ID == id {
			return i, t
		}
	}
	return -1, nil
}

// checkAmount mirrors the (owner_id, target_amount) unique constraint
func (r *MemoryTargetRepository) checkAmount(target *models.KPITarget) error {
	for _, t := range r.m.targets[target.OwnerID] {
		if t.ID != target.ID && t.TargetAmount.Equal(target.TargetAmount) {
			return apperrors.NewConflictError("a target with this amount already exists", map[string]interface{}{
				"target_amount": target.TargetAmount.String(),
			})
		}
	}
	return nil
}

// MemorySourceRepository is the in-memory balance source repository
type MemorySourceRepository struct {
	m *MemoryStore
}

// List returns the owner's sources ordered by name
func (r *MemorySourceRepository) List(ctx context.Context, ownerID string, includeInactive bool) ([]models.BalanceSource, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	if err := checkContext(ctx, "list sources"); err != nil {
		return nil, err
	}
	var out []models.BalanceSource
	for _, s := range r.m.sources[ownerID] {
		if s.IsActive || includeInactive {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns one of the owner's sources
func (r *MemorySourceRepository) Get(ctx context.Context, ownerID, id string) (*models.BalanceSource, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	if err := checkContext(ctx, "get source"); err != nil {
		return nil, err
	}
	if _, s := r.find(ownerID, id); s != nil {
		c := *s
		return &c, nil
	}
	return nil, apperrors.NewNotFoundError("source", id)
}

// Create stores a new source; names are unique per owner
func (r *MemorySourceRepository) Create(ctx context.Context, source *models.BalanceSource) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := checkContext(ctx, "create source"); err != nil {
		return err
	}
	for _, s := range r.m.sources[source.OwnerID] {
		if s.Name == source.Name {
			return apperrors.NewConflictError("a source with this name already exists", map[string]interface{}{
				"name": source.Name,
			})
		}
	}
	if source.ID == "" {
		source.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	source.CreatedAt = now
	source.UpdatedAt = now
	c := *source
	r.m.sources[source.OwnerID] = append(r.m.sources[source.OwnerID], &c)
	return nil
}

// Update rewrites a source's display fields and active flag
func (r *MemorySourceRepository) Update(ctx context.Context, source *models.BalanceSource) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := checkContext(ctx, "update source"); err != nil {
		return err
	}
	_, existing := r.find(source.OwnerID, source.ID)
	if existing == nil {
		return apperrors.NewNotFoundError("source", source.ID)
	}
	existing.DisplayName = source.DisplayName
	existing.Color = source.Color
	existing.IsActive = source.IsActive
	existing.UpdatedAt = time.Now().UTC()
	*source = *existing
	return nil
}

// Delete hard-deletes a source
func (r *MemorySourceRepository) Delete(ctx context.Context, ownerID, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := checkContext(ctx, "delete source"); err != nil {
		return err
	}
	i, s := r.find(ownerID, id)
	if s == nil {
		return apperrors.NewNotFoundError("source", id)
	}
	list := r.m.sources[ownerID]
	r.m.sources[ownerID] = append(list[:i], list[i+1:]...)
	return nil
}

func (r *MemorySourceRepository) find(ownerID, id string) (int, *models.BalanceSource) {
	for i, s := range r.m.sources[ownerID] {
		if s.ID == id {
			return i, s
		}
	}
	return -1, nil
}
