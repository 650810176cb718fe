package service

import (
	"testing"

	apperrors "github.com/pnl-tracker/internal/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTarget_RecalculatesEverySnapshot(t *testing.T) {
	f := newFixture(t)
	f.seedThreeDays(t)

	result, err := f.targets.CreateTarget(testContext(t), testOwner, &CreateTargetRequest{
		Name:         "Five thousand",
		TargetAmount: dec("5000"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Target.ID)
	assert.True(t, result.Target.IsActive)
	assert.Equal(t, defaultTargetColor, result.Target.Color)
	assert.Equal(t, 3, result.Recalculation.Updated)

	wants := map[string]string{
		"2024-01-01": "-898.50",
		"2024-01-02": "-650.00",
		"2024-01-03": "-1220.00",
	}
	for d, want := range wants {
		progress, ok := progressFor(f.stored(t, d), result.Target.ID)
		require.True(t, ok, d)
		assert.True(t, progress.Equal(dec(want)), "%s: want %s, got %s", d, want, progress)
	}
	assertChain(t, f.store, testOwner)
}

func TestCreateTarget_DuplicateAmount(t *testing.T) {
	f := newFixture(t)
	f.createTarget(t, "Goal", "5000")

	_, err := f.targets.CreateTarget(testContext(t), testOwner, &CreateTargetRequest{
		Name:         "Same goal, other name",
		TargetAmount: dec("5000.00"),
	})
	assert.True(t, apperrors.IsConflict(err))

	// another owner may use the same amount
	_, err = f.targets.CreateTarget(testContext(t), "owner-2", &CreateTargetRequest{
		Name:         "Goal",
		TargetAmount: dec("5000"),
	})
	assert.NoError(t, err)
}

func TestCreateTarget_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  *CreateTargetRequest
	}{
		{"empty name", &CreateTargetRequest{Name: "  ", TargetAmount: dec("100")}},
		{"zero amount", &CreateTargetRequest{Name: "Goal", TargetAmount: decimal.Zero}},
		{"negative amount", &CreateTargetRequest{Name: "Goal", TargetAmount: dec("-100")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.targets.CreateTarget(testContext(t), testOwner, tt.req)
			assert.True(t, apperrors.IsValidation(err), "got %v", err)
		})
	}
}

func TestUpdateTarget_AmountTakenByAnotherTarget(t *testing.T) {
	f := newFixture(t)
	f.createTarget(t, "5k", "5000")
	big := f.createTarget(t, "10k", "10000")

	taken := dec("5000")
	_, err := f.targets.UpdateTarget(testContext(t), testOwner, big.ID, &UpdateTargetRequest{TargetAmount: &taken})
	assert.True(t, apperrors.IsConflict(err))

	// keeping its own amount is not a conflict
	name := "Ten thousand"
	result, err := f.targets.UpdateTarget(testContext(t), testOwner, big.ID, &UpdateTargetRequest{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, name, result.Target.Name)
}

func TestUpdateTarget_DeactivateDropsProgress(t *testing.T) {
	f := newFixture(t)
	target := f.createTarget(t, "5k", "5000")
	f.seedThreeDays(t)

	inactive := false
	_, err := f.targets.UpdateTarget(testContext(t), testOwner, target.ID, &UpdateTargetRequest{IsActive: &inactive})
	require.NoError(t, err)

	for _, d := range []string{"2024-01-01", "2024-01-02", "2024-01-03"} {
		_, ok := progressFor(f.stored(t, d), target.ID)
		assert.False(t, ok, d)
	}
}

func TestDeleteTarget(t *testing.T) {
	f := newFixture(t)
	keep := f.createTarget(t, "5k", "5000")
	drop := f.createTarget(t, "10k", "10000")
	f.seedThreeDays(t)
	before := f.stored(t, "2024-01-02")

	result, err := f.targets.DeleteTarget(testContext(t), testOwner, drop.ID)
	require.NoError(t, err)
	assert.False(t, result.Stale)

	after := f.stored(t, "2024-01-02")
	_, ok := progressFor(after, drop.ID)
	assert.False(t, ok)
	_, ok = progressFor(after, keep.ID)
	assert.True(t, ok)
	assert.True(t, after.PnLAmount.Equal(before.PnLAmount))

	_, err = f.targets.DeleteTarget(testContext(t), testOwner, drop.ID)
	assert.True(t, apperrors.IsNotFound(err))

	targets, err := f.targets.ListTargets(testContext(t), testOwner)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, keep.ID, targets[0].ID)
}

func TestTargetMutation_DegradedWhenRecalculationFails(t *testing.T) {
	f := newFixture(t)
	f.seedThreeDays(t)
	f.store.FailWritesAfter(1, errDiskFull)

	result, err := f.targets.CreateTarget(testContext(t), testOwner, &CreateTargetRequest{
		Name:         "5k",
		TargetAmount: dec("5000"),
	})
	require.NoError(t, err)
	assert.True(t, result.Stale)
	assert.NotEmpty(t, result.Warning)
	assert.Equal(t, 1, result.Recalculation.Updated)

	targets, err := f.targets.ListTargets(testContext(t), testOwner)
	require.NoError(t, err)
	assert.Len(t, targets, 1, "the target itself is kept")
}
