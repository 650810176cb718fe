package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	apperrors "github.com/pnl-tracker/internal/errors"
	"github.com/pnl-tracker/internal/models"
	"github.com/pnl-tracker/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func migrationsDir(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), "..", "..", DefaultMigrationsPath)
}

// startPostgres runs a throwaway Postgres, applies migrations and returns a connected db
func startPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	container, err := testcontainers.Run(ctx, "postgres:16-alpine",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "pnl",
			"POSTGRES_PASSWORD": "pnl",
			"POSTGRES_DB":       "pnl_test",
		}),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			).WithDeadline(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("Skipping test - Docker not available: %v", err)
		return nil
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://pnl:pnl@%s:%s/pnl_test?sslmode=disable", host, port.Port())
	require.NoError(t, RunMigrations(url, migrationsDir(t)))

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewPostgresDBFromPool(pool, 5*time.Second)
}

func TestPostgresSnapshotRepository(t *testing.T) {
	db := startPostgres(t)
	ctx := testContext(t)
	repo := NewSnapshotRepository(db)

	day1 := testSnapshot("owner-1", "2024-01-01", "4101.50")
	day2 := testSnapshot("owner-1", "2024-01-02", "4350.00")
	day2.ComponentBalances = append(day2.ComponentBalances, models.ComponentBalance{SourceID: "binance", Amount: decimal.Zero})
	require.NoError(t, repo.Insert(ctx, day1))
	require.NoError(t, repo.Insert(ctx, day2))
	require.NoError(t, repo.Insert(ctx, testSnapshot("owner-2", "2024-01-01", "10")))

	err := repo.Insert(ctx, testSnapshot("owner-1", "2024-01-01", "1"))
	assert.True(t, apperrors.IsConflict(err))

	all, err := repo.ListAll(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "2024-01-01", all[0].Date.String())
	assert.True(t, all[0].Total.Equal(decimal.RequireFromString("4101.50")))
	assert.Len(t, all[1].ComponentBalances, 2)

	before, err := repo.FindLatestBefore(ctx, "owner-1", types.MustParseDate("2024-01-02"))
	require.NoError(t, err)
	require.NotNil(t, before)
	assert.Equal(t, day1.ID, before.ID)

	day2.PnLAmount = decimal.RequireFromString("248.50")
	day2.PnLPercentage = decimal.RequireFromString("6.06")
	day2.KPIProgress = []models.KPIProgress{{TargetID: "t1", Progress: decimal.RequireFromString("-650.00")}}
	require.NoError(t, repo.Upsert(ctx, day2))

	got, err := repo.GetByID(ctx, "owner-1", day2.ID)
	require.NoError(t, err)
	assert.True(t, got.PnLAmount.Equal(decimal.RequireFromString("248.50")))
	require.Len(t, got.KPIProgress, 1)
	assert.True(t, got.KPIProgress[0].Progress.Equal(decimal.RequireFromString("-650")))

	n, err := repo.CountBySource(ctx, "owner-1", "binance")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	moved := testSnapshot("owner-1", "2024-01-05", "4101.50")
	require.NoError(t, repo.Move(ctx, "owner-1", day1.Date, moved))
	old, err := repo.Get(ctx, "owner-1", day1.Date)
	require.NoError(t, err)
	assert.Nil(t, old)

	require.NoError(t, repo.Delete(ctx, "owner-1", moved.Date))
	assert.True(t, apperrors.IsNotFound(repo.Delete(ctx, "owner-1", moved.Date)))
}

func TestPostgresTargetAndSourceRepositories(t *testing.T) {
	db := startPostgres(t)
	ctx := testContext(t)
	targets := NewTargetRepository(db)
	sources := NewSourceRepository(db)

	target := &models.KPITarget{OwnerID: "owner-1", Name: "5k", TargetAmount: decimal.NewFromInt(5000), IsActive: true}
	require.NoError(t, targets.Create(ctx, target))
	dup := &models.KPITarget{OwnerID: "owner-1", Name: "again", TargetAmount: decimal.RequireFromString("5000.00"), IsActive: true}
	assert.True(t, apperrors.IsConflict(targets.Create(ctx, dup)))

	target.TargetAmount = decimal.NewFromInt(12000)
	require.NoError(t, targets.Update(ctx, target))
	list, err := targets.List(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].TargetAmount.Equal(decimal.NewFromInt(12000)))
	require.NoError(t, targets.Delete(ctx, "owner-1", target.ID))

	source := &models.BalanceSource{OwnerID: "owner-1", Name: "kraken", DisplayName: "Kraken", IsActive: true}
	require.NoError(t, sources.Create(ctx, source))
	assert.True(t, apperrors.IsConflict(sources.Create(ctx, &models.BalanceSource{OwnerID: "owner-1", Name: "kraken", DisplayName: "K"})))

	source.IsActive = false
	require.NoError(t, sources.Update(ctx, source))
	active, err := sources.List(ctx, "owner-1", false)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := sources.List(ctx, "owner-1", true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
