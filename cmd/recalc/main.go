// Package main provides an operator tool that re-derives an owner's snapshot history.
// Degraded mutations report stale tails; this repairs them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/pnl-tracker/internal/config"
	"github.com/pnl-tracker/internal/logging"
	"github.com/pnl-tracker/internal/retry"
	"github.com/pnl-tracker/internal/service"
	"github.com/pnl-tracker/internal/storage"
	"github.com/shopspring/decimal"
)

func main() {
	var (
		owners  = flag.String("owner", "", "Owner id, or a comma separated list of owner ids")
		check   = flag.Bool("check", false, "Only verify the stored history and report inconsistencies")
		repair  = flag.Bool("repair", false, "With -check, recalculate owners whose history is inconsistent")
		timeout = flag.Duration("timeout", 5*time.Minute, "Overall deadline")
	)
	flag.Parse()

	ownerIDs := splitOwners(*owners)
	if len(ownerIDs) == 0 {
		fmt.Fprintln(os.Stderr, "usage: recalc -owner <id>[,<id>...] [-check [-repair]]")
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	if cfg.Store.Driver != config.StoreDriverPostgres {
		logger.Fatalf("recalc needs the postgres store, got %q", cfg.Store.Driver)
	}

	decimal.MarshalJSONWithoutQuotes = true

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	snapshotRepo := storage.NewSnapshotRepository(postgres)
	targetRepo := storage.NewTargetRepository(postgres)

	// Share the server's lock and cache so a running server sees the repair
	var (
		readCache service.ReadCache
		locker    service.OwnerLocker = service.NewLocalLocker()
	)
	if cfg.Database.Redis.Enabled {
		redis, err := storage.NewRedisCache(&cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable; cached reads may stay stale until their TTL")
		} else {
			defer redis.Close()
			readCache = storage.NewCacheService(redis, cfg.Cache.TTL.Duration)
			locker = storage.NewRedisLocker(redis, cfg.Recalc.LockTTL.Duration)
		}
	}

	retryCfg := &retry.RetryConfig{
		MaxAttempts:  cfg.Recalc.MaxAttempts,
		InitialDelay: cfg.Recalc.InitialDelay.Duration,
		MaxDelay:     cfg.Recalc.MaxDelay.Duration,
		Multiplier:   2.0,
	}
	engine := service.NewRecalcEngine(snapshotRepo, targetRepo, retryCfg, cfg.Store.Timeout.Duration)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	failed := false
	if *check {
		checker := service.NewConsistencyChecker(snapshotRepo, targetRepo, engine, locker, readCache)
		for _, result := range checker.CheckOwners(ctx, ownerIDs, *repair) {
			if !result.Consistent && !result.Repaired {
				failed = true
			}
			if err := encoder.Encode(result); err != nil {
				logger.WithError(err).Error("Failed to write result")
			}
		}
	} else {
		sources := service.NewSourceService(storage.NewSourceRepository(postgres), snapshotRepo, engine, locker, cfg.Sources.Defaults)
		snapshots := service.NewSnapshotService(snapshotRepo, targetRepo, sources, engine, locker, readCache)
		for _, ownerID := range ownerIDs {
			report, err := snapshots.Recalculate(ctx, ownerID)
			if err != nil {
				failed = true
				logging.ForOwner(ctx, ownerID).WithError(err).Error("Recalculation failed")
			}
			if report != nil {
				if err := encoder.Encode(report); err != nil {
					logger.WithError(err).Error("Failed to write report")
				}
			}
		}
	}

	if failed {
		os.Exit(1)
	}
}

func splitOwners(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
