// Package main provides the API server entry point for the pnl tracker service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pnl-tracker/internal/api"
	"github.com/pnl-tracker/internal/config"
	"github.com/pnl-tracker/internal/logging"
	"github.com/pnl-tracker/internal/retry"
	"github.com/pnl-tracker/internal/service"
	"github.com/pnl-tracker/internal/storage"
	"github.com/shopspring/decimal"
)

func main() {
	fmt.Println("PnL Tracker API Server")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":        cfg.Logging.Level,
		"format":       cfg.Logging.Format,
		"store_driver": cfg.Store.Driver,
	}).Info("Structured logging initialized")

	// Money goes over the wire as JSON numbers
	decimal.MarshalJSONWithoutQuotes = true

	var (
		snapshotRepo service.SnapshotRepository
		targetRepo   service.TargetRepository
		sourceRepo   service.SourceRepository
		healthChecks = make(map[string]api.HealthCheck)
	)

	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		logger.Info("Connecting to Postgres...")
		postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Postgres")
		}
		defer postgres.Close()

		snapshotRepo = storage.NewSnapshotRepository(postgres)
		targetRepo = storage.NewTargetRepository(postgres)
		sourceRepo = storage.NewSourceRepository(postgres)
		healthChecks["postgres"] = postgres.Ping
	case config.StoreDriverMemory:
		logger.Warn("Using the in-memory store; data is lost on restart")
		store := storage.NewMemoryStore()
		snapshotRepo = store.Snapshots()
		targetRepo = store.Targets()
		sourceRepo = store.Sources()
	}

	// Redis backs the read cache and the cross-process owner lock
	var (
		readCache service.ReadCache
		locker    service.OwnerLocker
	)
	if cfg.Database.Redis.Enabled {
		redis, err := storage.NewRedisCache(&cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redis.Close()

		cacheService := storage.NewCacheService(redis, cfg.Cache.TTL.Duration)
		readCache = cacheService
		locker = storage.NewRedisLocker(redis, cfg.Recalc.LockTTL.Duration)
		healthChecks["redis"] = redis.Ping
		healthChecks["cache_breaker"] = cacheService.CheckBreaker
		logger.Info("Redis cache and owner lock enabled")
	} else {
		locker = service.NewLocalLocker()
		logger.Info("Redis disabled; using in-process owner lock without read cache")
	}

	// Initialize services
	retryCfg := &retry.RetryConfig{
		MaxAttempts:  cfg.Recalc.MaxAttempts,
		InitialDelay: cfg.Recalc.InitialDelay.Duration,
		MaxDelay:     cfg.Recalc.MaxDelay.Duration,
		Multiplier:   2.0,
	}
	engine := service.NewRecalcEngine(snapshotRepo, targetRepo, retryCfg, cfg.Store.Timeout.Duration)
	sourceService := service.NewSourceService(sourceRepo, snapshotRepo, engine, locker, cfg.Sources.Defaults)
	snapshotService := service.NewSnapshotService(snapshotRepo, targetRepo, sourceService, engine, locker, readCache)
	targetService := service.NewTargetService(targetRepo, engine, locker, readCache)

	monitor := service.NewPerformanceMonitor()
	snapshotService.SetPerformanceMonitor(monitor)
	targetService.SetPerformanceMonitor(monitor)

	logger.Info("Services initialized")

	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       cfg.Server.ReadTimeout.Duration,
		WriteTimeout:      cfg.Server.WriteTimeout.Duration,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout.Duration,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}

	server := api.NewServer(serverConfig, snapshotService, targetService, sourceService, monitor)
	for name, check := range healthChecks {
		server.AddHealthCheck(name, check)
	}

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	if check := monitor.CheckPerformance(); len(check.Issues) > 0 {
		logger.WithField("issues", check.Issues).Warn("Performance issues observed during this run")
	}

	logger.Info("Server exited")
}
