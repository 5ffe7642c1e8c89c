// Package fixture provides the brewery dataset used by tests and by the
// seed command: a SQLite database built from embedded migrations and the
// matching schema descriptor.
package fixture

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"temporal-graphql/internal/schema"
)

//go:embed migrations/*.sql
var migrations embed.FS

//go:embed brewery.yaml
var descriptor []byte

// Descriptor returns the YAML schema descriptor for the brewery dataset.
func Descriptor() []byte {
	return append([]byte(nil), descriptor...)
}

// Schema builds the brewery schema.
func Schema() (*schema.Schema, error) {
	return schema.LoadBytes(descriptor, "yaml")
}

// Open creates (or upgrades) the brewery database at path and returns a
// handle to it.
func Open(path string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening fixture database: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the embedded migrations to db. The migrate instance is
// not closed since closing it would close db.
func Migrate(db *sqlx.DB) error {
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("reading embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
