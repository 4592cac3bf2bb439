package main

import (
	"context"
	"database/sql"
	"log"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"go.uber.org/zap"

	"github.com/perch-hq/perch-engine/pkg/config"
	"github.com/perch-hq/perch-engine/pkg/crypto"
	"github.com/perch-hq/perch-engine/pkg/database"
	"github.com/perch-hq/perch-engine/pkg/providers"
	"github.com/perch-hq/perch-engine/pkg/repositories"
	"github.com/perch-hq/perch-engine/pkg/services"

	// Provider adapters register themselves on import.
	_ "github.com/perch-hq/perch-engine/pkg/providers/analytics"
	_ "github.com/perch-hq/perch-engine/pkg/providers/cloud"
	_ "github.com/perch-hq/perch-engine/pkg/providers/codehost"
	_ "github.com/perch-hq/perch-engine/pkg/providers/feed"
	_ "github.com/perch-hq/perch-engine/pkg/providers/monitor"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := buildLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting perch-engine",
		zap.String("version", cfg.Version),
		zap.String("env", cfg.Env))
	for _, info := range providers.Registered() {
		logger.Info("provider available",
			zap.String("provider", info.Provider),
			zap.String("display_name", info.DisplayName))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := runMigrations(cfg, logger); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	cipher, err := crypto.NewBlobCipher(cfg.ConnectionCredentialsKey)
	if err != nil {
		logger.Fatal("failed to initialize credentials cipher", zap.Error(err))
	}

	cache := providers.NewClientCache(providers.ClientCacheConfig{
		TTLMinutes:      cfg.Providers.ClientTTLMinutes,
		CleanupInterval: time.Duration(cfg.Providers.CleanupIntervalSeconds) * time.Second,
	}, logger)
	defer cache.Close() //nolint:errcheck

	connectionRepo := repositories.NewConnectionRepository(db)
	inventoryRepo := repositories.NewInventoryRepository(db)
	sink := services.NewLogSink(logger)
	reconciler := services.NewReconciler(inventoryRepo, sink, sink, logger)
	poller := services.NewActivityPoller(connectionRepo, inventoryRepo, sink, sink, logger)
	svc := services.NewSyncService(
		connectionRepo, inventoryRepo, reconciler, poller,
		cache, cipher, cfg.Sync.BrokenThreshold, logger)

	interval := time.Duration(cfg.Sync.IntervalSeconds) * time.Second
	logger.Info("sync scheduler running", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := svc.RunBatch(ctx); err != nil {
			logger.Error("sync batch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-ticker.C:
		}
	}
}

func buildLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopmentConfig().Build()
}

func runMigrations(cfg *config.Config, logger *zap.Logger) error {
	sqlDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	return database.RunMigrations(sqlDB, cfg.Sync.MigrationsPath, logger)
}
