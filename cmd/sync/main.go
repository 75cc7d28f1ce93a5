package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"libresync/internal/app"
	"libresync/internal/config"
	"libresync/internal/ingest"

	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger, _ := zap.NewProduction()
		logger.Sugar().Errorw("failed to load config", "error", err)
		return 1
	}

	log, err := app.NewLogger(cfg)
	if err != nil {
		return 1
	}
	defer log.Sync()

	store, closeStore, err := app.OpenStore(ctx, log, cfg)
	if err != nil {
		log.Errorw("failed to open store", "error", err)
		return 1
	}
	defer closeStore()

	syncService := ingest.NewSyncService(log, app.NewEngine(log, cfg), store)
	entry, err := syncService.Sync(ctx)
	if err != nil {
		return 1
	}

	log.Infow("sync finished", "syncId", entry.ID, "inserted", entry.ReadingsInserted, "duplicates", entry.Duplicates)
	return 0
}
