package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gonsq "github.com/nsqio/go-nsq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	nsqadapter "localrag/apps/backend/internal/adapter/nsq"
	wstore "localrag/apps/backend/internal/adapter/weaviate"
	"localrag/apps/backend/internal/config"
	"localrag/apps/backend/internal/retrieval"
	"localrag/apps/backend/internal/store/sqlstore"
)

// Dependencies holds the external connections every process role shares.
type Dependencies struct {
	Store     *sqlstore.Store
	Snapshots retrieval.SnapshotStore
	Producer  *gonsq.Producer
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second

	// Database
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := PingWithRetry(ctx, store, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	// Migrations
	if err := store.Migrate(); err != nil {
		_ = store.Close()
		return nil, err
	}

	deps := &Dependencies{Store: store, Snapshots: store.Snapshots()}

	// Weaviate
	if cfg.SnapshotBackend == config.SnapshotWeaviate {
		wClient, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("weaviate client error: %w", err)
		}
		vecStore := wstore.NewStore(wClient)
		if err := EnsureSchemaWithRetry(ctx, vecStore, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
			deps.Close()
			return nil, fmt.Errorf("weaviate schema error: %w", err)
		}
		deps.Snapshots = vecStore
	}

	// NSQ Producer
	if cfg.NSQDHost != "" {
		producer, err := nsqadapter.NewProducer(cfg)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("nsq producer error: %w", err)
		}
		deps.Producer = producer
	}

	slog.Info("dependencies ready",
		"db_driver", cfg.DBDriver,
		"snapshot_backend", cfg.SnapshotBackend,
		"wake_hints", deps.Producer != nil,
	)
	return deps, nil
}

func openStore(cfg *config.Config) (*sqlstore.Store, error) {
	switch cfg.DBDriver {
	case config.DBDriverPostgres:
		return sqlstore.OpenPostgres(cfg.DBDSN)
	case config.DBDriverSQLite:
		return sqlstore.OpenSQLite(cfg.DBPath)
	}
	return nil, fmt.Errorf("%w: DB_DRIVER %q", config.ErrInvalidConfig, cfg.DBDriver)
}

func (d *Dependencies) Close() {
	if d.Producer != nil {
		d.Producer.Stop()
	}
	if d.Store != nil {
		if err := d.Store.Close(); err != nil {
			slog.Warn("failed to close db", "error", err)
		}
	}
}

// PingWithRetry waits for the database to accept connections.
func PingWithRetry(ctx context.Context, db Pinger, attempts int, delay time.Duration) error {
	return retry(ctx, attempts, delay, "db", db.Ping)
}

// EnsureSchemaWithRetry delegates schema check to a helper with retry logic.
func EnsureSchemaWithRetry(ctx context.Context, store SchemaEnsurer, attempts int, delay time.Duration) error {
	return retry(ctx, attempts, delay, "weaviate schema", store.EnsureSchema)
}

func retry(ctx context.Context, attempts int, delay time.Duration, what string, fn func(context.Context) error) error {
	attempts = max(attempts, 1)
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		slog.Warn("dependency not ready, retrying...", "dependency", what, "attempt", i+1, "max_attempts", attempts, "error", err)
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
	}
	return err
}
