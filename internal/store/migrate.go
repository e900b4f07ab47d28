package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/lcsync/internal/errs"
	"github.com/matheus3301/lcsync/internal/store/migrations"
)

// ErrDirtySchema means a previous migration stopped halfway. The file is
// left alone; the cache directory has to be removed to recover.
var ErrDirtySchema = errors.New("schema left dirty by an interrupted migration")

// MigrateResult reports the schema version before and after Migrate.
type MigrateResult struct {
	From    uint
	Version uint
	Changed bool
}

func (db *DB) migrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, errs.Storage(fmt.Errorf("migration driver: %w", err))
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, errs.Storage(fmt.Errorf("migration instance: %w", err))
	}
	return m, nil
}

// schemaVersion returns 0 for a database that never ran a migration.
func schemaVersion(m *migrate.Migrate) (uint, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Storage(fmt.Errorf("read schema version: %w", err))
	}
	if dirty {
		return v, errs.Storage(fmt.Errorf("version %d: %w", v, ErrDirtySchema))
	}
	return v, nil
}

// Migrate brings the schema up to date. Tables use IF NOT EXISTS, so a file
// created before the migrations table existed is adopted in place.
func (db *DB) Migrate() (*MigrateResult, error) {
	m, err := db.migrator()
	if err != nil {
		return nil, err
	}
	from, err := schemaVersion(m)
	if err != nil {
		return nil, err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, errs.Storage(fmt.Errorf("migrate up from %d: %w", from, err))
	}
	to, err := schemaVersion(m)
	if err != nil {
		return nil, err
	}
	return &MigrateResult{From: from, Version: to, Changed: to != from}, nil
}
