package service

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/pnl-tracker/internal/models"
	"github.com/pnl-tracker/internal/pnl"
	"github.com/pnl-tracker/internal/storage"
	"github.com/pnl-tracker/internal/types"
	"github.com/shopspring/decimal"
)

// seedSeries writes snapshots with stale derived fields straight into the store
func seedSeries(store *storage.MemoryStore, ownerID string, cents []int64) error {
	start := types.MustParseDate("2024-01-01")
	for i, c := range cents {
		date := start.AddDays(i * 2)
		amount := decimal.New(c, -2)
		err := store.Snapshots().Upsert(context.Background(), &models.Snapshot{
			ID:                models.SnapshotID(ownerID, date),
			OwnerID:           ownerID,
			Date:              date,
			ComponentBalances: []models.ComponentBalance{{SourceID: "src", Amount: amount}},
			Total:             decimal.NewFromInt(7),
			PnLAmount:         decimal.NewFromInt(7),
			PnLPercentage:     decimal.NewFromInt(7),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func chainHolds(store *storage.MemoryStore, ownerID string) bool {
	all, err := store.Snapshots().ListAll(context.Background(), ownerID)
	if err != nil {
		return false
	}
	for i, snap := range all {
		if !snap.Total.Equal(pnl.Total(snap.ComponentBalances)) {
			return false
		}
		want := pnl.Flat
		if i > 0 {
			want = pnl.PnL(snap.Total, all[i-1].Total)
		}
		if !snap.PnLAmount.Equal(want.Amount) || !snap.PnLPercentage.Equal(want.Percentage) {
			return false
		}
	}
	return true
}

func TestRecalculationProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	balances := gen.SliceOfN(12, gen.Int64Range(0, 100_000_000))

	properties.Property("full pass restores the chaining invariant", prop.ForAll(
		func(cents []int64) bool {
			store := storage.NewMemoryStore()
			if err := seedSeries(store, testOwner, cents); err != nil {
				return false
			}
			engine := NewRecalcEngine(store.Snapshots(), store.Targets(), fastRetry(), 0)
			if _, err := engine.RecalculateAll(context.Background(), testOwner); err != nil {
				return false
			}
			return chainHolds(store, testOwner)
		},
		balances,
	))

	properties.Property("second pass from any anchor changes nothing", prop.ForAll(
		func(cents []int64, anchorDay int) bool {
			store := storage.NewMemoryStore()
			if err := seedSeries(store, testOwner, cents); err != nil {
				return false
			}
			engine := NewRecalcEngine(store.Snapshots(), store.Targets(), fastRetry(), 0)
			ctx := context.Background()
			if _, err := engine.RecalculateAll(ctx, testOwner); err != nil {
				return false
			}
			anchor := types.MustParseDate("2024-01-01").AddDays(anchorDay)
			report, err := engine.RecalculateFrom(ctx, testOwner, anchor)
			return err == nil && report.Updated == 0
		},
		balances,
		gen.IntRange(0, 30),
	))

	properties.Property("tail pass from the first date equals a full pass without targets", prop.ForAll(
		func(cents []int64) bool {
			store := storage.NewMemoryStore()
			if err := seedSeries(store, testOwner, cents); err != nil {
				return false
			}
			engine := NewRecalcEngine(store.Snapshots(), store.Targets(), fastRetry(), 0)
			if _, err := engine.RecalculateFrom(context.Background(), testOwner, types.MustParseDate("2024-01-01")); err != nil {
				return false
			}
			return chainHolds(store, testOwner)
		},
		balances,
	))

	properties.TestingRun(t)
}
