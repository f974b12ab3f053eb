// Package backend builds the storage driver, model provider and event
// publisher the serve commands share, from a loaded config.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/papercomputeco/chatrelay/cmd/chatrelay/sqlitepath"
	"github.com/papercomputeco/chatrelay/pkg/config"
	"github.com/papercomputeco/chatrelay/pkg/credentials"
	"github.com/papercomputeco/chatrelay/pkg/dotdir"
	"github.com/papercomputeco/chatrelay/pkg/eventstream"
	"github.com/papercomputeco/chatrelay/pkg/eventstream/kafka"
	"github.com/papercomputeco/chatrelay/pkg/llm/provider"
	"github.com/papercomputeco/chatrelay/pkg/storage"
	"github.com/papercomputeco/chatrelay/pkg/storage/inmemory"
	"github.com/papercomputeco/chatrelay/pkg/storage/postgres"
	"github.com/papercomputeco/chatrelay/pkg/storage/sqlite"
	"github.com/papercomputeco/chatrelay/relay"
)

// Storage driver names accepted in storage.driver.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Event stream types accepted in event_stream.type.
const (
	EventStreamNone  = "none"
	EventStreamKafka = "kafka"
)

// OpenStorage opens the configured conversation store. A sqlite driver
// without a path uses an existing chatrelay.db when one can be found, and
// otherwise creates one in the .chatrelay/ directory.
func OpenStorage(ctx context.Context, cfg config.StorageConfig, configDir string, logger *slog.Logger) (storage.Driver, error) {
	switch cfg.Driver {
	case "", StorageMemory:
		logger.Info("using in-memory storage")
		return inmemory.NewDriver(), nil

	case StorageSQLite:
		path, err := sqlitePath(cfg.SQLitePath, configDir)
		if err != nil {
			return nil, err
		}
		driver, err := sqlite.NewDriver(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite storage: %w", err)
		}
		logger.Info("using SQLite storage", "path", path)
		return driver, nil

	case StoragePostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres storage requires storage.postgres_dsn")
		}
		driver, err := postgres.NewDriver(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create PostgreSQL storage: %w", err)
		}
		logger.Info("using PostgreSQL storage")
		return driver, nil

	default:
		return nil, fmt.Errorf("unknown storage driver: %q (supported: %s, %s, %s)",
			cfg.Driver, StorageMemory, StorageSQLite, StoragePostgres)
	}
}

func sqlitePath(configured, configDir string) (string, error) {
	path, err := sqlitepath.ResolveSQLitePath(configured)
	if err == nil {
		return path, nil
	}
	if !errors.Is(err, sqlitepath.ErrNotFound) {
		return "", err
	}

	dir, err := dotdir.NewManager().Ensure(configDir)
	if err != nil {
		return "", fmt.Errorf("resolving sqlite path: %w", err)
	}
	return filepath.Join(dir, sqlitepath.DefaultFile), nil
}

// NewProvider builds the configured model provider. The API key comes from
// config, then the provider's environment variable, then credentials.toml.
func NewProvider(cfg config.ProviderConfig, configDir string) (provider.Provider, error) {
	var creds *credentials.Manager
	if credentials.IsSupportedProvider(cfg.Type) && cfg.APIKey == "" {
		mgr, err := credentials.NewManager(configDir)
		if err != nil {
			return nil, fmt.Errorf("loading credentials: %w", err)
		}
		creds = mgr
	}

	apiKey, err := credentials.ResolveAPIKey(creds, cfg.Type, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("resolving API key: %w", err)
	}

	return provider.New(cfg.Type, provider.Options{
		Upstream: cfg.Upstream,
		Model:    cfg.Model,
		APIKey:   apiKey,
		Referer:  cfg.Referer,
	})
}

// NewPublisher builds the turn event publisher. "none" discards events.
func NewPublisher(cfg config.EventStreamConfig, logger *slog.Logger) (eventstream.Publisher, error) {
	switch cfg.Type {
	case "", EventStreamNone:
		return eventstream.Discard(), nil

	case EventStreamKafka:
		pub, err := kafka.NewPublisher(kafka.Config{
			Brokers: cfg.Brokers,
			Topic:   cfg.Topic,
		})
		if err != nil {
			return nil, fmt.Errorf("creating kafka publisher: %w", err)
		}
		logger.Info("publishing turn events to kafka", "brokers", cfg.Brokers, "topic", cfg.Topic)
		return pub, nil

	default:
		return nil, fmt.Errorf("unknown event stream type: %q (supported: %s, %s)",
			cfg.Type, EventStreamNone, EventStreamKafka)
	}
}

// RelayConfig maps the relay and provider sections onto relay.Config.
func RelayConfig(cfg *config.Config, pub eventstream.Publisher) relay.Config {
	return relay.Config{
		ListenAddr:     cfg.Relay.Listen,
		AnonymousUser:  cfg.Relay.AnonymousUser,
		DefaultModel:   cfg.Provider.Model,
		Models:         cfg.Provider.Models,
		DurableFlush:   cfg.Relay.DurableFlush,
		PersistTimeout: cfg.Relay.PersistTimeout,
		AllowOrigins:   cfg.Relay.AllowOrigins,
		Publisher:      pub,
	}
}
