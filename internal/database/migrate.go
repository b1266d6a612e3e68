package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	log "github.com/sirupsen/logrus"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// newMigrator opens a migrate instance over its own connection. The
// PostgreSQL DSN must be in URL form.
func newMigrator(driver, dsn string) (*migrate.Migrate, error) {
	var dir, databaseURL string
	switch driver {
	case DriverSQLite, "":
		dir, databaseURL = "migrations/sqlite", "sqlite://"+sqliteDSN(dsn)
	case DriverPostgres:
		dir, databaseURL = "migrations/postgres", dsn
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}

	src, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, nil
}

// Migrate applies all pending migrations.
func Migrate(driver, dsn string) error {
	m, err := newMigrator(driver, dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	version, dirty, _ := m.Version()
	log.WithFields(log.Fields{"driver": driver, "version": version, "dirty": dirty}).Debug("Schema up to date")
	return nil
}

// Rollback reverts the given number of migrations.
func Rollback(driver, dsn string, steps int) error {
	m, err := newMigrator(driver, dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if steps <= 0 {
		steps = 1
	}
	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
