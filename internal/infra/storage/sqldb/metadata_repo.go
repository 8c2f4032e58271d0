package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/relay/internal/infra/storage"
)

const upsertMetadata = `
	INSERT INTO metadata (key, value, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`

// MetadataRepo implements storage.MetadataRepository.
type MetadataRepo struct {
	db   *DB
	opts storage.Options
}

// NewMetadataRepo creates a new SQL metadata repository.
func NewMetadataRepo(db *DB, opts storage.Options) *MetadataRepo {
	return &MetadataRepo{db: db, opts: opts}
}

// Get returns the value stored under key.
func (r *MetadataRepo) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.GetContext(ctx, &value, r.db.Rebind(`SELECT value FROM metadata WHERE key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get metadata %s: %w", key, err)
	}
	return value, true, nil
}

// Set upserts key.
func (r *MetadataRepo) Set(ctx context.Context, key, value string) error {
	query := r.db.Rebind(upsertMetadata)
	if _, err := r.db.ExecContext(ctx, query, key, value, r.opts.Clock().Unix()); err != nil {
		return fmt.Errorf("failed to set metadata %s: %w", key, err)
	}
	return nil
}
