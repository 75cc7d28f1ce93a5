// Package app builds the components shared by the binaries from a Config.
package app

import (
	"context"

	"libresync/internal/adapters/kafka"
	"libresync/internal/adapters/memory"
	"libresync/internal/adapters/mongodb"
	"libresync/internal/adapters/postgres"
	"libresync/internal/config"
	"libresync/internal/ingest"
	"libresync/internal/librelink"
	"libresync/internal/normalize"
	"libresync/internal/ports"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func NewLogger(cfg *config.Config) (*zap.SugaredLogger, error) {
	build := zap.NewProduction
	if cfg != nil && cfg.LogDevelopment {
		build = zap.NewDevelopment
	}
	logger, err := build()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build logger")
	}
	return logger.Sugar(), nil
}

// NewEngine wires session, client, normalizer and selector into an ingestion engine.
func NewEngine(log *zap.SugaredLogger, cfg *config.Config, opts ...ingest.Option) *ingest.Engine {
	session := librelink.NewSession(log, cfg.Credentials(), cfg.SessionOptions())
	client := librelink.NewClient(session)
	return ingest.NewEngine(log, client, normalize.New(cfg.NormalizeOptions()), cfg.Selector(), opts...)
}

// OpenStore opens the configured backend, decorated with a Kafka publisher when brokers
// are configured. The returned func releases it.
func OpenStore(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config) (ports.Store, func(), error) {
	var (
		store   ports.Store
		closers []func()
	)

	switch cfg.StoreBackend {
	case config.BackendMongoDB:
		mongoDB, err := mongodb.NewMongoDB(ctx, cfg.MongoDBURI, cfg.MongoDBName)
		if err != nil {
			return nil, nil, err
		}
		if err := mongodb.SetUpCollections(ctx, mongoDB.Database); err != nil {
			_ = mongoDB.Close(ctx)
			return nil, nil, errors.Wrap(err, "failed to set up collections")
		}
		store = mongodb.NewStore(mongoDB)
		closers = append(closers, func() {
			if err := mongoDB.Close(context.Background()); err != nil {
				log.Warnw("failed to disconnect from MongoDB", "error", err)
			}
		})
	case config.BackendPostgres:
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		store = pg
		closers = append(closers, pg.Close)
	case config.BackendMemory:
		store = memory.NewStore()
	default:
		return nil, nil, errors.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher := kafka.NewPublishingStore(log, store, kafka.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
		store = publisher
		closers = append(closers, func() {
			if err := publisher.Close(); err != nil {
				log.Warnw("failed to close kafka writer", "error", err)
			}
		})
	}

	log.Infow("store ready", "backend", cfg.StoreBackend, "kafka", len(cfg.KafkaBrokers) > 0)

	return store, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}, nil
}
