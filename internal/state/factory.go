package state

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	_ "modernc.org/sqlite"             // cgo-free sqlite driver
)

//go:embed migrations
var migrationsFS embed.FS

// Config selects and configures the state backend.
type Config struct {
	Mode        string // "sqlite" (default) or "postgres"
	SQLitePath  string // file path for sqlite mode
	PostgresDSN string // KSI_POSTGRES_DSN, environment only
}

// Open connects the configured backend, applies pending migrations from the
// embedded set, and returns the store.
func Open(cfg Config) (Store, error) {
	switch cfg.Mode {
	case "", "sqlite":
		return openSQLite(cfg.SQLitePath)
	case "postgres":
		return openPostgres(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown state mode %q", cfg.Mode)
	}
}

func openSQLite(path string) (Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite state path required")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes itself; a single connection avoids
	// SQLITE_BUSY churn under concurrent handlers.
	db.SetMaxOpenConns(1)

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite migrate driver: %w", err)
	}
	if err := runMigrations("sqlite", "sqlite", driver); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("state store ready", "mode", "sqlite", "path", path)
	return newSQLStore(db, false), nil
}

func openPostgres(dsn string) (Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("KSI_POSTGRES_DSN is not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres migrate driver: %w", err)
	}
	if err := runMigrations("postgres", "postgres", driver); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("state store ready", "mode", "postgres")
	return newSQLStore(db, true), nil
}

// Migrator exposes the embedded migration set for the migrate CLI command.
// The returned closer shuts the underlying database connection.
func Migrator(cfg Config) (*migrate.Migrate, func() error, error) {
	var (
		db      *sql.DB
		driver  database.Driver
		dialect string
		dbName  string
		err     error
	)
	switch cfg.Mode {
	case "", "sqlite":
		if cfg.SQLitePath == "" {
			return nil, nil, fmt.Errorf("sqlite state path required")
		}
		dialect, dbName = "sqlite", "sqlite"
		db, err = sql.Open("sqlite", cfg.SQLitePath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("KSI_POSTGRES_DSN is not set")
		}
		dialect, dbName = "postgres", "postgres"
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		driver, err = migratepg.WithInstance(db, &migratepg.Config{})
	default:
		return nil, nil, fmt.Errorf("unknown state mode %q", cfg.Mode)
	}
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations/"+dialect)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, dbName, driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrator: %w", err)
	}
	return m, db.Close, nil
}

// runMigrations applies the embedded migration set for one dialect.
func runMigrations(dialect, dbName string, driver database.Driver) error {
	src, err := iofs.New(migrationsFS, "migrations/"+dialect)
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, dbName, driver)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
