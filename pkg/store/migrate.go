package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql

	"github.com/permacap/permacap/internal/logger"
	"github.com/permacap/permacap/pkg/store/migrations"
)

// Migrate applies all pending PostgreSQL schema migrations.
//
// golang-migrate takes a PostgreSQL advisory lock for the duration, so
// several nodes sharing one database can call this concurrently; all but
// one will wait and then find nothing left to apply.
//
// SQLite deployments do not use this path: their schema is created via
// GORM AutoMigrate in New.
func Migrate(ctx context.Context, config *Config) error {
	if config.Type != DatabaseTypePostgres {
		return fmt.Errorf("migrations only apply to postgres databases (got %s)", config.Type)
	}

	logger.Info("running database migrations")

	// golang-migrate drives a database/sql connection, not GORM.
	db, err := sql.Open("pgx", config.Postgres.DSN())
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	m, err := newMigrator(db, config)
	if err != nil {
		return err
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration failed: %w", err)
	}

	if err == migrate.ErrNoChange {
		logger.Info("no migrations to apply, database is up to date")
	} else {
		logger.Info("migrations applied")
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	if err != migrate.ErrNilVersion {
		logger.Info("current schema version", "version", version, "dirty", dirty)
		if dirty {
			logger.Warn("database schema is in dirty state, manual intervention may be required")
		}
	}

	return nil
}

// MigrationVersion returns the currently applied schema version. A zero
// version with a nil error means no migrations have run yet.
func MigrationVersion(config *Config) (uint, bool, error) {
	db, err := sql.Open("pgx", config.Postgres.DSN())
	if err != nil {
		return 0, false, fmt.Errorf("failed to open database connection: %w", err)
	}
	defer db.Close()

	m, err := newMigrator(db, config)
	if err != nil {
		return 0, false, err
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return 0, false, err
	}
	if err == migrate.ErrNilVersion {
		return 0, false, nil
	}

	return version, dirty, nil
}

// newMigrator builds a migrate instance backed by the embedded SQL files.
func newMigrator(db *sql.DB, config *Config) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: "schema_migrations",
		DatabaseName:    config.Postgres.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return m, nil
}
