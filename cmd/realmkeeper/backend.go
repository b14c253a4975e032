package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/realmkeeper/realmkeeper/internal/config"
	"github.com/realmkeeper/realmkeeper/internal/filter"
	"github.com/realmkeeper/realmkeeper/internal/persistence"
	"github.com/realmkeeper/realmkeeper/internal/store/file"
	"github.com/realmkeeper/realmkeeper/internal/store/postgres"
)

func databaseConfig(cfg *config.Config) postgres.Config {
	return postgres.Config{
		URL:          cfg.Database.URL,
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}
}

func filterConfig(cfg *config.Config) filter.Config {
	return filter.Config{
		FalsePositiveRate: cfg.Filter.FalsePositiveRate,
		InitialCapacity:   uint64(cfg.Filter.InitialCapacity),
	}
}

// openBackend returns the configured snapshot store and a function
// releasing its resources.
func openBackend(ctx context.Context, cfg *config.Config, l *slog.Logger) (persistence.SnapshotStore, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendFile:
		s, err := file.New(cfg.Storage.Dir, cfg.Storage.BackupCount, l)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case config.BackendPostgres:
		db, err := postgres.New(ctx, databaseConfig(cfg))
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewSnapshotRepository(db), db.Close, nil
	case config.BackendMemory:
		return persistence.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
