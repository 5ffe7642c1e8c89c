// Package testutil holds helpers shared by package tests: a recording
// backend wrapper and a brewery fixture backed by a temporary SQLite file.
package testutil

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"

	"temporal-graphql/internal/backend"
	"temporal-graphql/internal/backend/sqlbackend"
	"temporal-graphql/internal/fixture"
	"temporal-graphql/internal/schema"
)

// RecordingBackend records every statement before delegating to an inner
// backend. A failure hook can reject selected statements.
type RecordingBackend struct {
	inner backend.Backend

	mu         sync.Mutex
	statements []backend.Statement
	aggregates []backend.Statement
	fail       func(backend.Statement) error
}

// NewRecordingBackend wraps inner.
func NewRecordingBackend(inner backend.Backend) *RecordingBackend {
	return &RecordingBackend{inner: inner}
}

// FailWhen installs a hook; a non-nil error from it is returned instead of
// executing the statement.
func (r *RecordingBackend) FailWhen(hook func(backend.Statement) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = hook
}

// FailMatching fails every statement whose SQL contains fragment.
func (r *RecordingBackend) FailMatching(fragment string, err error) {
	r.FailWhen(func(stmt backend.Statement) error {
		if strings.Contains(stmt.SQL, fragment) {
			return err
		}
		return nil
	})
}

func (r *RecordingBackend) record(stmt backend.Statement, aggregate bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if aggregate {
		r.aggregates = append(r.aggregates, stmt)
	} else {
		r.statements = append(r.statements, stmt)
	}
	if r.fail != nil {
		return r.fail(stmt)
	}
	return nil
}

func (r *RecordingBackend) Execute(ctx context.Context, stmt backend.Statement) ([]backend.Row, error) {
	if err := r.record(stmt, false); err != nil {
		return nil, err
	}
	return r.inner.Execute(ctx, stmt)
}

func (r *RecordingBackend) ExecuteAggregate(ctx context.Context, stmt backend.Statement) ([]backend.Row, error) {
	if err := r.record(stmt, true); err != nil {
		return nil, err
	}
	return r.inner.ExecuteAggregate(ctx, stmt)
}

func (r *RecordingBackend) Capabilities() backend.Capabilities {
	return r.inner.Capabilities()
}

// Statements returns the recorded row statements in issue order.
func (r *RecordingBackend) Statements() []backend.Statement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]backend.Statement(nil), r.statements...)
}

// Aggregates returns the recorded aggregate statements in issue order.
func (r *RecordingBackend) Aggregates() []backend.Statement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]backend.Statement(nil), r.aggregates...)
}

// Count returns the total number of statements issued.
func (r *RecordingBackend) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.statements) + len(r.aggregates)
}

// Reset forgets recorded statements and removes the failure hook.
func (r *RecordingBackend) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statements = nil
	r.aggregates = nil
	r.fail = nil
}

// Brewery is the brewery fixture: its schema, database and a recording
// backend over it.
type Brewery struct {
	Schema  *schema.Schema
	DB      *sqlx.DB
	Backend *RecordingBackend
}

// NewBrewery creates the brewery fixture in a temporary directory.
func NewBrewery(t *testing.T) *Brewery {
	t.Helper()

	db, err := fixture.Open(filepath.Join(t.TempDir(), "brewery.db"))
	if err != nil {
		t.Fatalf("opening brewery fixture: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s, err := fixture.Schema()
	if err != nil {
		t.Fatalf("building brewery schema: %v", err)
	}
	return &Brewery{
		Schema:  s,
		DB:      db,
		Backend: NewRecordingBackend(sqlbackend.New(db)),
	}
}

// Entity returns a schema entity or fails the test.
func (b *Brewery) Entity(t *testing.T, name string) *schema.EntityType {
	t.Helper()
	e, ok := b.Schema.Entity(name)
	if !ok {
		t.Fatalf("unknown entity %q", name)
	}
	return e
}
