// Package models provides data models for the pnl tracker.
package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pnl-tracker/internal/types"
	"github.com/shopspring/decimal"
)

// snapshotNamespace scopes SnapshotID so ids never collide with other v5 uuids
var snapshotNamespace = uuid.MustParse("6f1c2a4e-8d3b-5e7f-9a10-2b3c4d5e6f70")

// SnapshotID derives the stable surrogate id for an owner's snapshot on a given day.
// (owner_id, date) is the natural key; the id is a function of it.
func SnapshotID(ownerID string, date types.Date) string {
	return uuid.NewSHA1(snapshotNamespace, []byte(ownerID+"|"+date.String())).String()
}

// ComponentBalance is one balance source's contribution to a snapshot
type ComponentBalance struct {
	SourceID string          `json:"source_id"`
	Amount   decimal.Decimal `json:"amount"`
}

// KPIProgress is the distance from a snapshot total to one target (total - target)
type KPIProgress struct {
	TargetID string          `json:"target_id"`
	Progress decimal.Decimal `json:"progress"`
}

// Snapshot represents one owner's balances on one calendar day plus derived metrics
type Snapshot struct {
	ID                string             `json:"id" db:"id"`
	OwnerID           string             `json:"owner_id" db:"owner_id"`
	Date              types.Date         `json:"date" db:"snapshot_date"`
	ComponentBalances []ComponentBalance `json:"component_balances" db:"component_balances"`
	Total             decimal.Decimal    `json:"total" db:"total"`
	PnLAmount         decimal.Decimal    `json:"pnl_amount" db:"pnl_amount"`
	PnLPercentage     decimal.Decimal    `json:"pnl_percentage" db:"pnl_percentage"`
	KPIProgress       []KPIProgress      `json:"kpi_progress" db:"kpi_progress"`
	Notes             string             `json:"notes" db:"notes"`
	CreatedAt         time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at" db:"updated_at"`
}

// Amounts returns the component amounts in source order
func (s *Snapshot) Amounts() []decimal.Decimal {
	out := make([]decimal.Decimal, len(s.ComponentBalances))
	for i, c := range s.ComponentBalances {
		out[i] = c.Amount
	}
	return out
}

// HasSource reports whether the snapshot carries a balance for sourceID
func (s *Snapshot) HasSource(sourceID string) bool {
	for _, c := range s.ComponentBalances {
		if c.SourceID == sourceID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without aliasing store state
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.ComponentBalances = append([]ComponentBalance(nil), s.ComponentBalances...)
	c.KPIProgress = append([]KPIProgress(nil), s.KPIProgress...)
	return &c
}

// SortComponents orders balances by source id for stable storage and comparison
func SortComponents(components []ComponentBalance) {
	sort.Slice(components, func(i, j int) bool {
		return components[i].SourceID < components[j].SourceID
	})
}
