package sqlbackend

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// OpenOptions describe how to open and instrument the database pool.
type OpenOptions struct {
	Driver       string
	DSN          string
	Tracing      bool
	Metrics      bool
	SQLCommenter bool

	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration

	// ConnectTimeout bounds how long Open waits for the database to accept
	// a ping. Zero pings once.
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
}

// Opened is an open database pool plus its metrics registration, if any.
type Opened struct {
	DB         *sqlx.DB
	statsUnreg interface{ Unregister() error }
}

// Close releases the pool and unregisters pool metrics.
func (o *Opened) Close() error {
	if o.statsUnreg != nil {
		_ = o.statsUnreg.Unregister()
	}
	return o.DB.Close()
}

func dbSystem(driver string) attribute.KeyValue {
	if driver == "sqlite3" {
		return semconv.DBSystemSqlite
	}
	return semconv.DBSystemMySQL
}

// Open opens the pool, instrumenting it with otelsql when tracing or
// metrics are enabled, and waits until the database answers.
func Open(ctx context.Context, opts OpenOptions, logger *slog.Logger) (*Opened, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		db    *sql.DB
		unreg interface{ Unregister() error }
		err   error
	)

	if opts.Tracing || opts.Metrics {
		otelOpts := []otelsql.Option{otelsql.WithAttributes(dbSystem(opts.Driver))}
		if opts.Tracing {
			otelOpts = append(otelOpts, otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}))
			if opts.SQLCommenter {
				otelOpts = append(otelOpts, otelsql.WithSQLCommenter(true))
			}
		} else if opts.SQLCommenter {
			logger.Warn("SQLCommenter requires tracing to be enabled - skipping SQLCommenter")
		}

		db, err = otelsql.Open(opts.Driver, opts.DSN, otelOpts...)
		if err != nil {
			return nil, err
		}
		if opts.Metrics {
			unreg, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(dbSystem(opts.Driver)))
			if err != nil {
				logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
			}
		}
	} else {
		db, err = sql.Open(opts.Driver, opts.DSN)
		if err != nil {
			return nil, err
		}
	}

	if opts.MaxOpen > 0 {
		db.SetMaxOpenConns(opts.MaxOpen)
	}
	if opts.MaxIdle > 0 {
		db.SetMaxIdleConns(opts.MaxIdle)
	}
	if opts.MaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.MaxLifetime)
	}

	opened := &Opened{DB: sqlx.NewDb(db, opts.Driver), statsUnreg: unreg}
	if err := waitForDatabase(ctx, db, opts, logger); err != nil {
		_ = opened.Close()
		return nil, err
	}

	logger.Info("connected to database",
		slog.String("driver", opts.Driver),
		slog.Int("pool_max_open", opts.MaxOpen),
		slog.Int("pool_max_idle", opts.MaxIdle),
		slog.Duration("pool_max_lifetime", opts.MaxLifetime),
		slog.Bool("tracing", opts.Tracing),
		slog.Bool("metrics", opts.Metrics),
	)
	return opened, nil
}

func waitForDatabase(ctx context.Context, db *sql.DB, opts OpenOptions, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.ConnectTimeout == 0 {
		return normalizeError(db.PingContext(ctx))
	}
	interval := opts.RetryInterval
	if interval <= 0 {
		interval = time.Second
	}

	deadline := time.Now().Add(opts.ConnectTimeout)
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt++
		err := db.PingContext(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("database connection established", slog.Int("attempts", attempt))
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("database not available after %v: %w", opts.ConnectTimeout, normalizeError(err))
		}
		logger.Warn("database not ready, retrying...",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", interval),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
