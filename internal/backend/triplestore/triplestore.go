// Package triplestore is a backend over a SQLite subject/predicate/object
// table. Entities are read through the pivot projection the planner builds
// for triple sources, so it shares every statement shape with the
// relational backend except grouped aggregates.
package triplestore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"temporal-graphql/internal/backend"
	"temporal-graphql/internal/backend/sqlbackend"
	"temporal-graphql/internal/schema"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsTable = "triple_schema_migrations"

// Triple is one statement about a subject. A nil Object is stored as NULL.
type Triple struct {
	Subject   string `db:"subject"`
	Predicate string `db:"predicate"`
	Object    any    `db:"object"`
}

// TypeOf asserts that subject belongs to class.
func TypeOf(subject, class string) Triple {
	return Triple{Subject: subject, Predicate: schema.DefaultTypePredicate, Object: class}
}

// Store is a triple table plus the backend executing statements over it.
type Store struct {
	db   *sqlx.DB
	exec *sqlbackend.Backend
}

// Open connects to the SQLite database at path and creates the triple table.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("connecting to triple store: %w", err)
	}
	s, err := New(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle, applying the triple table migrations.
func New(db *sqlx.DB, logger *slog.Logger) (*Store, error) {
	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("creating triple schema: %w", err)
	}
	return &Store{
		db: db,
		exec: sqlbackend.New(db,
			sqlbackend.WithCapabilities(backend.Capabilities{AggregatePushdown: false}),
			sqlbackend.WithLogger(logger),
		),
	}, nil
}

func createSchema(db *sqlx.DB) error {
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return fmt.Errorf("creating driver: %w", err)
	}
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Insert adds triples in one transaction.
func (s *Store) Insert(ctx context.Context, triples ...Triple) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	for _, t := range triples {
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO triples (subject, predicate, object) VALUES (:subject, :predicate, :object)`, t); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("inserting triple <%s> <%s>: %w", t.Subject, t.Predicate, err)
		}
	}
	return tx.Commit()
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// PingContext checks that the database file is reachable.
func (s *Store) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Capabilities reports that grouped aggregates are evaluated in memory.
func (s *Store) Capabilities() backend.Capabilities {
	return s.exec.Capabilities()
}

// Execute runs a row statement over the triple table.
func (s *Store) Execute(ctx context.Context, stmt backend.Statement) ([]backend.Row, error) {
	return s.exec.Execute(ctx, stmt)
}

// ExecuteAggregate is unsupported; callers check Capabilities first.
func (s *Store) ExecuteAggregate(ctx context.Context, stmt backend.Statement) ([]backend.Row, error) {
	return nil, errors.New("triple store does not evaluate grouped aggregates")
}
