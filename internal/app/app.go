// Package app assembles stores, the predictor and services from a
// configuration so every entry point wires them the same way.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/stone-classifier-server/internal/api"
	"github.com/stone-classifier-server/internal/database"
	"github.com/stone-classifier-server/internal/domain"
	"github.com/stone-classifier-server/internal/notify"
	"github.com/stone-classifier-server/internal/predictor"
	"github.com/stone-classifier-server/internal/records"
	"github.com/stone-classifier-server/internal/repository"
	"github.com/stone-classifier-server/internal/service"
)

// App holds the wired services of one process.
type App struct {
	Config      *domain.Config
	Store       domain.RecordStore
	Classifier  *predictor.FallbackClassifier
	History     *service.HistoryService
	Records     *service.RecordService
	Predictions *service.PredictionService

	publisher *notify.RedisPublisher
	log       *logrus.Logger
}

// New builds the application. ctx bounds the Redis forwarder when Redis
// notifications are enabled.
func New(ctx context.Context, cfg *domain.Config, logger *logrus.Logger) (*App, error) {
	store, err := OpenStore(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config: cfg,
		Store:  store,
		log:    logger,
	}

	a.History, err = service.NewHistoryService(store, service.HistoryConfig{
		DefaultLimit: cfg.Storage.HistoryLimit,
		CacheSize:    cfg.Storage.HistoryCacheSize,
		CacheTTL:     cfg.Storage.HistoryCacheTTL,
	}, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	// Local subscribers hear about changes directly unless Redis fans them
	// out, in which case the forwarder delivers every change, ours included.
	// Our own cache is dropped before publishing either way.
	var notifier domain.HistoryNotifier = a.History
	if cfg.Notify.RedisEnabled {
		rdb, err := notify.NewRedisClient(cfg.Cache)
		if err != nil {
			store.Close()
			return nil, err
		}
		a.publisher = notify.NewRedisPublisher(rdb, cfg.Notify.RedisChannel, logger)
		if err := a.publisher.StartForwarder(ctx, a.History); err != nil {
			a.publisher.Close()
			store.Close()
			return nil, err
		}
		notifier = a.History.Publisher(a.publisher)
		logger.WithField("channel", cfg.Notify.RedisChannel).Info("History changes fan out through Redis")
	}

	a.Records, err = service.NewRecordService(store, notifier, cfg.Storage.UploadDir, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Classifier = predictor.New(cfg.Predictor, logger)
	a.Predictions = service.NewPredictionService(store, a.Classifier, notifier, logger)

	logger.WithFields(logrus.Fields{
		"driver":     cfg.Database.Driver,
		"upload_dir": a.Records.UploadDir(),
		"predictor":  a.Classifier.State(),
	}).Info("Application initialized")

	return a, nil
}

// OpenStore opens the record store selected by cfg.Driver. PostgreSQL is
// migrated before use.
func OpenStore(ctx context.Context, cfg domain.DatabaseConfig, logger *logrus.Logger) (domain.RecordStore, error) {
	switch cfg.Driver {
	case "postgres":
		dbConfig := database.ConfigFromDomain(cfg)
		if err := database.Migrate(ctx, dbConfig.URL(), cfg.MigrationsPath, logger); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		db, err := database.NewConnection(ctx, dbConfig, logger)
		if err != nil {
			return nil, err
		}
		return repository.NewRecordRepository(db, logger), nil
	case "sqlite", "":
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite driver requires a database path")
		}
		return records.NewSQLiteStore(cfg.SQLitePath, logger)
	case "memory":
		return records.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// APIServices returns the collaborators for the HTTP server.
func (a *App) APIServices() api.Services {
	return api.Services{
		Store:       a.Store,
		Records:     a.Records,
		Predictions: a.Predictions,
		History:     a.History,
		Breaker:     a.Classifier,
	}
}

// Close waits for in-flight predictions to be stored, then releases the
// Redis client and the store.
func (a *App) Close() error {
	if a.Predictions != nil {
		a.Predictions.Wait()
	}

	var errs []error
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing redis: %w", err))
		}
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}
