package service

import (
	"context"
	"testing"
	"time"

	"github.com/pnl-tracker/internal/models"
	"github.com/pnl-tracker/internal/pnl"
	"github.com/pnl-tracker/internal/retry"
	"github.com/pnl-tracker/internal/storage"
	"github.com/pnl-tracker/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOwner = "owner-1"

// fixture wires every service over one in-memory store
type fixture struct {
	store     *storage.MemoryStore
	engine    *RecalcEngine
	locker    *LocalLocker
	sources   *SourceService
	snapshots *SnapshotService
	targets   *TargetService
	sourceIDs map[string]string
}

func fastRetry() *retry.RetryConfig {
	return &retry.RetryConfig{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   2,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	engine := NewRecalcEngine(store.Snapshots(), store.Targets(), fastRetry(), time.Second)
	locker := NewLocalLocker()
	sources := NewSourceService(store.Sources(), store.Snapshots(), engine, locker, nil)

	f := &fixture{
		store:     store,
		engine:    engine,
		locker:    locker,
		sources:   sources,
		snapshots: NewSnapshotService(store.Snapshots(), store.Targets(), sources, engine, locker, nil),
		targets:   NewTargetService(store.Targets(), engine, locker, nil),
		sourceIDs: make(map[string]string),
	}

	list, err := sources.ListSources(testContext(t), testOwner, true)
	require.NoError(t, err)
	for _, src := range list {
		f.sourceIDs[src.Name] = src.ID
	}
	return f
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(s string) types.Date { return types.MustParseDate(s) }

// balances splits a total across kraken and binance so every snapshot has two components
func (f *fixture) balances(total string) []models.ComponentBalance {
	t := dec(total)
	kraken := dec("1000")
	if t.LessThan(kraken) {
		kraken = t
	}
	return []models.ComponentBalance{
		{SourceID: f.sourceIDs["kraken"], Amount: kraken},
		{SourceID: f.sourceIDs["binance"], Amount: t.Sub(kraken)},
	}
}

func (f *fixture) create(t *testing.T, date, total string) *models.Snapshot {
	t.Helper()
	result, err := f.snapshots.CreateSnapshot(testContext(t), testOwner, &CreateSnapshotRequest{
		Date:              date,
		ComponentBalances: f.balances(total),
	})
	require.NoError(t, err)
	require.False(t, result.Stale, result.Warning)
	return result.Snapshot
}

func (f *fixture) stored(t *testing.T, date string) *models.Snapshot {
	t.Helper()
	snap, err := f.store.Snapshots().Get(testContext(t), testOwner, day(date))
	require.NoError(t, err)
	require.NotNil(t, snap, "no snapshot on %s", date)
	return snap
}

func (f *fixture) createTarget(t *testing.T, name, amount string) *models.KPITarget {
	t.Helper()
	result, err := f.targets.CreateTarget(testContext(t), testOwner, &CreateTargetRequest{
		Name:         name,
		TargetAmount: dec(amount),
	})
	require.NoError(t, err)
	require.False(t, result.Stale, result.Warning)
	return result.Target
}

// seedThreeDays records 4101.50, 4350.00 and 3780.00 on the first three days of 2024
func (f *fixture) seedThreeDays(t *testing.T) {
	f.create(t, "2024-01-01", "4101.50")
	f.create(t, "2024-01-02", "4350.00")
	f.create(t, "2024-01-03", "3780.00")
}

func assertPnL(t *testing.T, snap *models.Snapshot, amount, percentage string) {
	t.Helper()
	assert.True(t, snap.PnLAmount.Equal(dec(amount)), "%s pnl amount: want %s, got %s", snap.Date, amount, snap.PnLAmount)
	assert.True(t, snap.PnLPercentage.Equal(dec(percentage)), "%s pnl percentage: want %s, got %s", snap.Date, percentage, snap.PnLPercentage)
}

func progressFor(snap *models.Snapshot, targetID string) (decimal.Decimal, bool) {
	for _, p := range snap.KPIProgress {
		if p.TargetID == targetID {
			return p.Progress, true
		}
	}
	return decimal.Zero, false
}

// assertChain checks every stored snapshot against its predecessor
func assertChain(t *testing.T, store *storage.MemoryStore, ownerID string) {
	t.Helper()
	all, err := store.Snapshots().ListAll(context.Background(), ownerID)
	require.NoError(t, err)
	for i, snap := range all {
		assert.True(t, snap.Total.Equal(pnl.Total(snap.ComponentBalances)), "%s total drifted from components", snap.Date)
		if i == 0 {
			assertPnL(t, snap, "0", "0")
			continue
		}
		want := pnl.PnL(snap.Total, all[i-1].Total)
		assertPnL(t, snap, want.Amount.String(), want.Percentage.String())
	}
}
