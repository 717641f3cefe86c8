// Package database is a thin Connect/migration-runner shim around gorm and
// golang-migrate: opening the pool the rest of the worker shares, and
// bringing the schema up to date before anything reads from it.
package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// DB wraps the gorm handle the repositories are built from, plus the raw
// *sql.DB needed to drive migrations and to close the pool on shutdown.
type DB struct {
	Gorm  *gorm.DB
	sqlDB *sql.DB
}

// Connect opens the Postgres connection pool and wraps it in gorm.
func Connect(databaseURL string) (*DB, error) {
	gormDB, err := gorm.Open(gormpostgres.Open(databaseURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("database: failed to connect: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("database: failed to unwrap sql.DB: %w", err)
	}
	return &DB{Gorm: gormDB, sqlDB: sqlDB}, nil
}

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	return d.sqlDB.Close()
}

// RunMigrations brings the schema up to the latest version using the SQL
// files under migrationsPath. A no-op result (schema already current) is
// not treated as an error.
func RunMigrations(d *DB, migrationsPath string) error {
	driver, err := postgres.WithInstance(d.sqlDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("database: failed to build migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", migrationsPath), "postgres", driver)
	if err != nil {
		return fmt.Errorf("database: failed to initialise migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("database: failed to run migrations: %w", err)
	}
	return nil
}
