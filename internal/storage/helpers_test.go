package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pnl-tracker/internal/models"
	"github.com/pnl-tracker/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newTestRedis starts a miniredis server and returns a cache wrapper around it
func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisCacheFromClient(client)
}

func testSnapshot(owner, date, total string) *models.Snapshot {
	d := types.MustParseDate(date)
	amount := decimal.RequireFromString(total)
	now := time.Now().UTC()
	return &models.Snapshot{
		ID:                models.SnapshotID(owner, d),
		OwnerID:           owner,
		Date:              d,
		ComponentBalances: []models.ComponentBalance{{SourceID: "kraken", Amount: amount}},
		Total:             amount,
		PnLAmount:         decimal.Zero,
		PnLPercentage:     decimal.Zero,
		KPIProgress:       []models.KPIProgress{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}
