package service

import (
	"errors"
	"testing"

	apperrors "github.com/pnl-tracker/internal/errors"
	"github.com/pnl-tracker/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDiskFull = errors.New("disk full")

func TestSequentialInsertsChainPnL(t *testing.T) {
	f := newFixture(t)
	f.seedThreeDays(t)

	assertPnL(t, f.stored(t, "2024-01-01"), "0", "0")
	assertPnL(t, f.stored(t, "2024-01-02"), "248.50", "6.06")
	assertPnL(t, f.stored(t, "2024-01-03"), "-570.00", "-13.10")
}

func TestEditFirstBalancesRelinksSuccessor(t *testing.T) {
	f := newFixture(t)
	f.seedThreeDays(t)
	first := f.stored(t, "2024-01-01")

	result, err := f.snapshots.UpdateSnapshot(testContext(t), testOwner, first.ID, &UpdateSnapshotRequest{
		ComponentBalances: f.balances("4000.00"),
	})
	require.NoError(t, err)
	assert.False(t, result.Stale)
	assert.True(t, result.Snapshot.Total.Equal(dec("4000")))

	assertPnL(t, f.stored(t, "2024-01-01"), "0", "0")
	assertPnL(t, f.stored(t, "2024-01-02"), "350.00", "8.75")
	assertPnL(t, f.stored(t, "2024-01-03"), "-570.00", "-13.10")

	require.NotNil(t, result.Recalculation)
	assert.Equal(t, ScopeTail, result.Recalculation.Scope)
	assert.Equal(t, 3, result.Recalculation.Examined)
	assert.Equal(t, 1, result.Recalculation.Updated, "only day 2 depends on day 1")
}

func TestDeleteRelinksSuccessor(t *testing.T) {
	f := newFixture(t)
	f.seedThreeDays(t)
	middle := f.stored(t, "2024-01-02")

	result, err := f.snapshots.DeleteSnapshot(testContext(t), testOwner, middle.ID)
	require.NoError(t, err)
	assert.Equal(t, middle.ID, result.Snapshot.ID)

	assertPnL(t, f.stored(t, "2024-01-03"), "-321.50", "-7.84")
	assertChain(t, f.store, testOwner)

	_, err = f.snapshots.GetSnapshot(testContext(t), testOwner, middle.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSingleSnapshotProgressAgainstTarget(t *testing.T) {
	f := newFixture(t)
	target := f.createTarget(t, "First 5k", "5000")

	snap := f.create(t, "2024-03-01", "1000.00")

	assertPnL(t, snap, "0", "0")
	progress, ok := progressFor(snap, target.ID)
	require.True(t, ok)
	assert.True(t, progress.Equal(dec("-4000")), "got %s", progress)
}

func TestTargetEditRefreshesEveryKPI(t *testing.T) {
	f := newFixture(t)
	f.createTarget(t, "5k", "5000")
	big := f.createTarget(t, "10k", "10000")
	f.seedThreeDays(t)

	before, err := f.store.Snapshots().ListAll(testContext(t), testOwner)
	require.NoError(t, err)

	newAmount := dec("12000")
	result, err := f.targets.UpdateTarget(testContext(t), testOwner, big.ID, &UpdateTargetRequest{TargetAmount: &newAmount})
	require.NoError(t, err)
	assert.False(t, result.Stale)
	assert.Equal(t, ScopeFull, result.Recalculation.Scope)
	assert.True(t, result.Recalculation.KPIRefreshed)
	assert.Equal(t, 3, result.Recalculation.Updated)

	after, err := f.store.Snapshots().ListAll(testContext(t), testOwner)
	require.NoError(t, err)
	require.Len(t, after, len(before))

	for i := range after {
		old, ok := progressFor(before[i], big.ID)
		require.True(t, ok)
		cur, ok := progressFor(after[i], big.ID)
		require.True(t, ok)
		assert.True(t, cur.Sub(old).Equal(dec("-2000")), "%s: %s -> %s", after[i].Date, old, cur)

		assert.True(t, after[i].Total.Equal(before[i].Total))
		assert.True(t, after[i].PnLAmount.Equal(before[i].PnLAmount))
		assert.True(t, after[i].PnLPercentage.Equal(before[i].PnLPercentage))
	}
}

func TestRecalculateFrom_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.seedThreeDays(t)
	ctx := testContext(t)

	first, err := f.engine.RecalculateFrom(ctx, testOwner, day("2024-01-01"))
	require.NoError(t, err)
	snapshotAfterFirst, err := f.store.Snapshots().ListAll(ctx, testOwner)
	require.NoError(t, err)

	second, err := f.engine.RecalculateFrom(ctx, testOwner, day("2024-01-01"))
	require.NoError(t, err)
	snapshotAfterSecond, err := f.store.Snapshots().ListAll(ctx, testOwner)
	require.NoError(t, err)

	assert.Equal(t, 3, first.Examined)
	assert.Equal(t, 0, second.Updated)
	assert.Equal(t, snapshotAfterFirst, snapshotAfterSecond)
}

func TestRecalculateFrom_RepairsDriftedTotal(t *testing.T) {
	f := newFixture(t)
	f.seedThreeDays(t)
	ctx := testContext(t)

	drifted := f.stored(t, "2024-01-02")
	drifted.Total = dec("1")
	drifted.PnLAmount = dec("999")
	require.NoError(t, f.store.Snapshots().Upsert(ctx, drifted))

	report, err := f.engine.RecalculateFrom(ctx, testOwner, day("2024-01-02"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)

	repaired := f.stored(t, "2024-01-02")
	assert.True(t, repaired.Total.Equal(dec("4350")))
	assertPnL(t, repaired, "248.50", "6.06")
	assertChain(t, f.store, testOwner)
}

func TestRecalculateFrom_AnchorWithoutPredecessorIsFlat(t *testing.T) {
	f := newFixture(t)
	f.seedThreeDays(t)
	ctx := testContext(t)

	require.NoError(t, f.store.Snapshots().Delete(ctx, testOwner, day("2024-01-01")))

	_, err := f.engine.RecalculateFrom(ctx, testOwner, day("2024-01-01"))
	require.NoError(t, err)

	assertPnL(t, f.stored(t, "2024-01-02"), "0", "0")
	assertPnL(t, f.stored(t, "2024-01-03"), "-570.00", "-13.10")
}

func TestRecalculateFrom_EmptyTail(t *testing.T) {
	f := newFixture(t)
	f.seedThreeDays(t)

	report, err := f.engine.RecalculateFrom(testContext(t), testOwner, day("2025-01-01"))
	require.NoError(t, err)
	assert.Zero(t, report.Examined)
	assert.Zero(t, report.Updated)
}

func TestRecalculateFrom_LeavesKPIProgressAlone(t *testing.T) {
	f := newFixture(t)
	target := f.createTarget(t, "10k", "10000")
	f.seedThreeDays(t)
	ctx := testContext(t)

	// a sentinel on day 3 survives a tail pass that re-derives its PnL
	last := f.stored(t, "2024-01-03")
	last.KPIProgress = []models.KPIProgress{{TargetID: target.ID, Progress: dec("42")}}
	last.PnLAmount = dec("0")
	require.NoError(t, f.store.Snapshots().Upsert(ctx, last))

	_, err := f.engine.RecalculateFrom(ctx, testOwner, day("2024-01-01"))
	require.NoError(t, err)

	after := f.stored(t, "2024-01-03")
	assertPnL(t, after, "-570.00", "-13.10")
	progress, _ := progressFor(after, target.ID)
	assert.True(t, progress.Equal(dec("42")))
}

func TestBalanceEditKeepsOtherSnapshotsKPI(t *testing.T) {
	f := newFixture(t)
	target := f.createTarget(t, "10k", "10000")
	f.seedThreeDays(t)

	others := map[string]string{}
	for _, d := range []string{"2024-01-02", "2024-01-03"} {
		p, _ := progressFor(f.stored(t, d), target.ID)
		others[d] = p.String()
	}

	first := f.stored(t, "2024-01-01")
	result, err := f.snapshots.UpdateSnapshot(testContext(t), testOwner, first.ID, &UpdateSnapshotRequest{
		ComponentBalances: f.balances("4000.00"),
	})
	require.NoError(t, err)

	edited, _ := progressFor(result.Snapshot, target.ID)
	assert.True(t, edited.Equal(dec("-6000")), "edited record gets fresh progress, got %s", edited)

	for d, want := range others {
		p, _ := progressFor(f.stored(t, d), target.ID)
		assert.Equal(t, want, p.String(), d)
	}
}

func TestRecalculateAll_PartialFailure(t *testing.T) {
	f := newFixture(t)
	f.seedThreeDays(t)
	ctx := testContext(t)

	require.NoError(t, f.store.Targets().Create(ctx, &models.KPITarget{
		OwnerID:      testOwner,
		Name:         "5k",
		TargetAmount: dec("5000"),
		IsActive:     true,
	}))
	f.store.FailWritesAfter(1, errDiskFull)

	report, err := f.engine.RecalculateAll(ctx, testOwner)
	require.Error(t, err)
	assert.True(t, apperrors.IsPartialRecalculation(err))
	assert.ErrorIs(t, err, errDiskFull)

	catErr := apperrors.Categorize(err)
	assert.Equal(t, "2024-01-01", catErr.Details["anchor"])
	assert.Equal(t, "2024-01-02", catErr.Details["failed_date"])
	assert.Equal(t, 1, catErr.Details["updated"])
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Updated)

	f.store.ClearFailures()
	report, err = f.engine.RecalculateAll(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Updated)
	for _, d := range []string{"2024-01-01", "2024-01-02", "2024-01-03"} {
		assert.Len(t, f.stored(t, d).KPIProgress, 1)
	}
}

func TestRecalculateAll_FailureBeforeAnyWrite(t *testing.T) {
	f := newFixture(t)
	f.seedThreeDays(t)
	ctx := testContext(t)

	require.NoError(t, f.store.Targets().Create(ctx, &models.KPITarget{
		OwnerID:      testOwner,
		Name:         "5k",
		TargetAmount: dec("5000"),
		IsActive:     true,
	}))
	f.store.FailWritesAfter(0, errDiskFull)

	_, err := f.engine.RecalculateAll(ctx, testOwner)
	require.Error(t, err)
	assert.True(t, apperrors.IsStoreUnavailable(err))
	assert.False(t, apperrors.IsPartialRecalculation(err))
}

func TestRecalculateFrom_ReadFailure(t *testing.T) {
	f := newFixture(t)
	f.seedThreeDays(t)
	f.store.FailReads(errDiskFull)

	report, err := f.engine.RecalculateFrom(testContext(t), testOwner, day("2024-01-01"))
	assert.Nil(t, report)
	assert.True(t, apperrors.IsStoreUnavailable(err))
}

func TestRecalculate_OwnersAreIsolated(t *testing.T) {
	f := newFixture(t)
	f.seedThreeDays(t)
	ctx := testContext(t)

	other := f.stored(t, "2024-01-02").Clone()
	other.OwnerID = "owner-2"
	other.ID = models.SnapshotID("owner-2", other.Date)
	other.PnLAmount = dec("123")
	require.NoError(t, f.store.Snapshots().Upsert(ctx, other))

	_, err := f.engine.RecalculateAll(ctx, testOwner)
	require.NoError(t, err)

	untouched, err := f.store.Snapshots().Get(ctx, "owner-2", other.Date)
	require.NoError(t, err)
	assert.True(t, untouched.PnLAmount.Equal(dec("123")))
}

func TestRecalculate_RequiresOwner(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.RecalculateFrom(testContext(t), "", day("2024-01-01"))
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.engine.RecalculateAll(testContext(t), "")
	assert.True(t, apperrors.IsValidation(err))
}
