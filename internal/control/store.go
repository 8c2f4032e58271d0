package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/vietddude/relay/internal/core/config"
	"github.com/vietddude/relay/internal/infra/storage"
	"github.com/vietddude/relay/internal/infra/storage/memory"
	"github.com/vietddude/relay/internal/infra/storage/sqldb"
)

// Store bundles the queue and its metadata table.
type Store struct {
	Events storage.EventRepository
	Meta   storage.MetadataRepository
	// DB is nil for the memory driver.
	DB *sqldb.DB
}

// OpenStore opens the configured database and applies migrations.
func OpenStore(ctx context.Context, cfg sqldb.Config, opts storage.Options) (*Store, error) {
	if cfg.Driver == config.DriverMemory {
		mem := memory.NewMemoryStorage()
		slog.Info("Using memory storage")
		return &Store{
			Events: memory.NewEventRepo(mem, opts),
			Meta:   memory.NewMetadataRepo(mem),
		}, nil
	}

	db, err := sqldb.NewDB(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init db: %w", err)
	}
	slog.Info("Using SQL storage", "driver", db.Driver())
	return &Store{
		Events: sqldb.NewEventRepo(db, opts),
		Meta:   sqldb.NewMetadataRepo(db, opts),
		DB:     db,
	}, nil
}

// InstanceID returns the relay's persistent identity, creating it on first use.
func (s *Store) InstanceID(ctx context.Context) (string, error) {
	id, ok, err := s.Meta.Get(ctx, storage.MetaInstanceID)
	if err != nil {
		return "", fmt.Errorf("failed to read instance id: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := s.Meta.Set(ctx, storage.MetaInstanceID, id); err != nil {
		return "", fmt.Errorf("failed to store instance id: %w", err)
	}
	return id, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}
