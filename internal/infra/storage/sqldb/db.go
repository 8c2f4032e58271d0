// Package sqldb implements the durable queue on SQL databases.
//
// The embedded SQLite driver is the default; PostgreSQL is supported through
// either pgx or lib/pq. Queries are written with '?' placeholders and rebound
// per driver by sqlx.
package sqldb

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/vietddude/relay/internal/pipeline/metrics"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPgx      = "pgx"
	DriverPostgres = "postgres"
)

//go:embed migrations
var migrationsFS embed.FS

// goose keeps its dialect and filesystem in package state.
var gooseMu sync.Mutex

// Config holds database connection configuration.
type Config struct {
	Driver   string `yaml:"driver"`
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// DB wraps the SQL connection.
type DB struct {
	*sqlx.DB
	driver string
}

// NewDB opens the database, applies migrations and verifies the connection.
func NewDB(ctx context.Context, cfg Config) (*DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	dsn := cfg.URL
	switch driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	case DriverPgx, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// One writer; WAL keeps readers off the write path.
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxConns > 0 {
			db.SetMaxOpenConns(cfg.MaxConns)
		} else {
			db.SetMaxOpenConns(10)
		}
		if cfg.MinConns > 0 {
			db.SetMaxIdleConns(cfg.MinConns)
		} else {
			db.SetMaxIdleConns(2)
		}
		db.SetConnMaxLifetime(time.Hour)
		db.SetConnMaxIdleTime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &DB{DB: db, driver: driver}
	if err := d.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return d, nil
}

// Driver returns the database/sql driver name.
func (db *DB) Driver() string {
	return db.driver
}

func (db *DB) dialect() string {
	if db.driver == DriverSQLite {
		return "sqlite3"
	}
	return "postgres"
}

func (db *DB) migrate() error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(db.dialect()); err != nil {
		return err
	}
	return goose.Up(db.DB.DB, "migrations/"+db.dialect())
}

// sqliteDSN applies durability pragmas unless the caller set their own.
func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "relay.db"
	}
	if strings.Contains(dsn, "_journal_mode") || strings.Contains(dsn, "_synchronous") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000"
}

// StartMetricsCollector starts a background goroutine to collect DB pool metrics.
func (db *DB) StartMetricsCollector(ctx context.Context, collector metrics.Collector) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := db.Stats()
				if stats.MaxOpenConnections > 0 {
					usage := float64(stats.OpenConnections) / float64(stats.MaxOpenConnections) * 100
					collector.SetDBPoolUsage(usage)
				}
			}
		}
	}()
}

// Health checks if the database is reachable.
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}
