// Package sqlbackend executes planner statements against a database/sql
// connection pool (MySQL/TiDB or SQLite).
package sqlbackend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"temporal-graphql/internal/backend"
)

// ErrAccessDenied reports that the database rejected the statement for
// lack of privileges.
var ErrAccessDenied = errors.New("database access denied")

// ErrUnknownRelation reports a statement referencing a missing table.
var ErrUnknownRelation = errors.New("unknown table")

// MySQL server error numbers mapped onto sentinel errors.
const (
	mysqlErrAccessDenied   = 1045
	mysqlErrDBAccessDenied = 1044
	mysqlErrTableDenied    = 1142
	mysqlErrColumnDenied   = 1143
	mysqlErrNoSuchTable    = 1146
)

// Backend runs statements on a pooled database handle. Each statement
// acquires its own connection and releases it once rows are scanned.
type Backend struct {
	db     *sqlx.DB
	caps   backend.Capabilities
	logger *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithCapabilities overrides the default capabilities (aggregate pushdown on).
func WithCapabilities(caps backend.Capabilities) Option {
	return func(b *Backend) {
		b.caps = caps
	}
}

// WithLogger sets the logger used for statement failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New wraps an open database handle.
func New(db *sqlx.DB, opts ...Option) *Backend {
	b := &Backend{
		db:     db,
		caps:   backend.Capabilities{AggregatePushdown: true},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// DB returns the underlying handle.
func (b *Backend) DB() *sqlx.DB {
	return b.db
}

// Capabilities reports what the database evaluates itself.
func (b *Backend) Capabilities() backend.Capabilities {
	return b.caps
}

// Execute runs a row statement.
func (b *Backend) Execute(ctx context.Context, stmt backend.Statement) ([]backend.Row, error) {
	return b.query(ctx, stmt)
}

// ExecuteAggregate runs a grouped aggregate statement.
func (b *Backend) ExecuteAggregate(ctx context.Context, stmt backend.Statement) ([]backend.Row, error) {
	return b.query(ctx, stmt)
}

func (b *Backend) query(ctx context.Context, stmt backend.Statement) ([]backend.Row, error) {
	if b.db == nil {
		return nil, errors.New("sqlbackend: no database handle")
	}
	conn, err := b.db.Connx(ctx)
	if err != nil {
		return nil, normalizeError(err)
	}
	defer conn.Close()

	rows, err := conn.QueryxContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		b.logger.DebugContext(ctx, "statement failed",
			slog.String("sql", stmt.SQL),
			slog.String("error", err.Error()),
		)
		return nil, normalizeError(err)
	}
	defer rows.Close()

	out := make([]backend.Row, 0)
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, backend.Row(row))
	}
	if err := rows.Err(); err != nil {
		return nil, normalizeError(err)
	}
	return out, nil
}

// normalizeError maps driver errors onto sentinel errors while keeping the
// original error in the chain.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrAccessDenied, mysqlErrDBAccessDenied, mysqlErrTableDenied, mysqlErrColumnDenied:
			return fmt.Errorf("%w: %w", ErrAccessDenied, err)
		case mysqlErrNoSuchTable:
			return fmt.Errorf("%w: %w", ErrUnknownRelation, err)
		}
	}
	return err
}
