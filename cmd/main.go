package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"libresync/internal/api"
	"libresync/internal/app"
	"libresync/internal/collector"
	"libresync/internal/config"
	"libresync/internal/domain"
	"libresync/internal/ingest"
	"libresync/internal/metrics"

	"go.uber.org/zap"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger, _ := zap.NewProduction()
		logger.Sugar().Fatalw("failed to load config", "error", err)
	}

	log, err := app.NewLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	store, closeStore, err := app.OpenStore(ctx, log, cfg)
	if err != nil {
		log.Fatalw("failed to open store", "error", err)
	}
	defer closeStore()

	m := metrics.New()
	engine := app.NewEngine(log, cfg, ingest.WithRecorder(m))
	syncService := ingest.NewSyncService(log, engine, store, ingest.WithSyncObserver(m))

	apiOpts := []api.Option{api.WithMetrics(m.Handler(), m), api.WithSyncHistory(store)}

	if cfg.AverageAmount > 0 {
		c := collector.New(log, engine.Fetch, collector.WithObserver(m))
		handle, err := c.Start(cfg.AverageAmount, cfg.AverageInterval, func(average domain.Reading, window, history []domain.Reading) {
			log.Infow("rolling average",
				"average", average.Value,
				"trend", average.Trend,
				"window", len(window),
				"history", len(history),
				"latest", average.Timestamp,
			)
		})
		if err != nil {
			log.Fatalw("failed to start collector", "error", err)
		}
		defer handle.Cancel()
		apiOpts = append(apiOpts, api.WithCollector(handle))
	}

	mainAPI := api.NewAPI(log, syncService, apiOpts...)

	// Start server with context-aware logic
	server := &http.Server{
		Addr:    cfg.ServerPort,
		Handler: mainAPI.Routes(),
	}

	// Listen for syscall signals for process to interrupt/quit
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig

		// Shutdown signal with grace period of 30 seconds
		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		go func() {
			<-shutdownCtx.Done()
			if shutdownCtx.Err() == context.DeadlineExceeded {
				log.Fatalw("graceful shutdown timed out, forcing exit")
			}
		}()

		// Trigger graceful shutdown
		err := server.Shutdown(shutdownCtx)
		if err != nil {
			log.Fatalw("failed to shut down server", "error", err)
		}
		cancel()
	}()

	log.Infow("starting server", "addr", cfg.ServerPort, "backend", cfg.StoreBackend, "collector", cfg.AverageAmount > 0)

	// Run the server
	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		log.Fatalw("server error", "error", err)
	}

	// Wait for server context to be stopped
	<-ctx.Done()
}
