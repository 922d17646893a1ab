// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the harvest and serve commands.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/waterwatch/cnemc-harvester/internal/config"
	"github.com/waterwatch/cnemc-harvester/internal/logging"
	"github.com/waterwatch/cnemc-harvester/internal/metrics"
	"github.com/waterwatch/cnemc-harvester/internal/publish"
	"github.com/waterwatch/cnemc-harvester/internal/snapshot"
	"github.com/waterwatch/cnemc-harvester/internal/store"
)

// App holds the shared, long-lived services. It is initialized once at
// startup and passed to the command that needs it.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Gateway   *store.Gateway
	Snapshots snapshot.Provider
	Publisher publish.Publisher

	closers []func() error
}

// New builds the service container from configuration, failing fast if any
// critical service cannot be initialized.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()

	a := &App{Config: cfg, Logger: logger}

	if cfg.DB.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	gateway, err := store.NewGateway(ctx, store.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        int32(cfg.DB.MaxConns),
		MinConns:        int32(cfg.DB.MinConns),
		MaxConnLifetime: cfg.DB.MaxConnLifetime(),
		ConflictPolicy:  store.ConflictPolicy(cfg.Readings.ConflictPolicy),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	a.Gateway = gateway
	a.closers = append(a.closers, func() error {
		gateway.Close()
		return nil
	})

	snaps, err := a.newSnapshotProvider(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Snapshots = snaps

	pub, err := a.newPublisher(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Publisher = pub

	logger.Info("application services initialized",
		zap.String("snapshot_provider", cfg.Snapshot.Provider),
		zap.Bool("pubsub_enabled", cfg.PubSub.Enabled),
	)
	return a, nil
}

func (a *App) newSnapshotProvider(ctx context.Context) (snapshot.Provider, error) {
	cfg := a.Config.Snapshot
	switch cfg.Provider {
	case "fs":
		return snapshot.NewFileSystemProvider(cfg.Dir, cfg.MaxBytes, a.Logger)
	case "gcs":
		provider, err := snapshot.NewGCSProvider(ctx, cfg.GCSBucket, cfg.Prefix, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("init gcs snapshots: %w", err)
		}
		a.closers = append(a.closers, provider.Close)
		return provider, nil
	case "none":
		a.Logger.Info("snapshots disabled, failure pages will be discarded")
		return snapshot.NoOpProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown snapshot provider: %s", cfg.Provider)
	}
}

func (a *App) newPublisher(ctx context.Context) (publish.Publisher, error) {
	cfg := a.Config.PubSub
	if !cfg.Enabled {
		return publish.NoOpPublisher{}, nil
	}
	pub, err := publish.NewPubSubPublisher(ctx, cfg.ProjectID, cfg.Topic)
	if err != nil {
		return nil, fmt.Errorf("init pubsub: %w", err)
	}
	a.closers = append(a.closers, pub.Close)
	return pub, nil
}

// Close shuts down all services in reverse initialization order and flushes
// the logger.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("closing service failed", zap.Error(err))
		}
	}
	a.closers = nil
	// Sync can fail on stderr; nothing useful to do about it.
	_ = a.Logger.Sync()
}
