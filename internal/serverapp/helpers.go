package serverapp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"temporal-graphql/internal/aggregate"
	"temporal-graphql/internal/backend"
	"temporal-graphql/internal/backend/sqlbackend"
	"temporal-graphql/internal/backend/triplestore"
	"temporal-graphql/internal/batch"
	"temporal-graphql/internal/config"
	"temporal-graphql/internal/fixture"
	"temporal-graphql/internal/logging"
	"temporal-graphql/internal/middleware"
	"temporal-graphql/internal/observability"
	"temporal-graphql/internal/resolver"
	"temporal-graphql/internal/schema"
	"temporal-graphql/internal/temporal"
)

func exporterConfig(c config.OTLPConfig) observability.ExporterConfig {
	return observability.ExporterConfig{
		Endpoint:          c.Endpoint,
		Protocol:          c.Protocol,
		Insecure:          c.Insecure,
		TLSCertFile:       c.TLSCertFile,
		TLSClientCertFile: c.TLSClientCertFile,
		TLSClientKeyFile:  c.TLSClientKeyFile,
		Headers:           c.Headers,
		Timeout:           c.Timeout,
		Compression:       c.Compression,
		RetryEnabled:      c.RetryEnabled,
	}
}

func observabilityConfig(cfg *config.Config) observability.Config {
	return observability.Config{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   cfg.Observability.ServiceVersion,
		Environment:      cfg.Observability.Environment,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
		Traces:           exporterConfig(cfg.Observability.TracesConfig()),
		Logs:             exporterConfig(cfg.Observability.LogsConfig()),
	}
}

// InitLogger builds the process logger, adding an OTLP log exporter when
// log exports are enabled.
func InitLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	}
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	logsConfig := cfg.Observability.LogsConfig()
	logger.Info("initializing OpenTelemetry logging",
		slog.String("otlp_endpoint", logsConfig.Endpoint),
		slog.String("otlp_protocol", logsConfig.Protocol),
		slog.Bool("insecure", logsConfig.Insecure),
	)

	loggerProvider, err := observability.InitLoggerProvider(observabilityConfig(cfg))
	if err != nil {
		return nil, nil, err
	}

	loggerCfg.LoggerProvider = loggerProvider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)
	return logger, loggerProvider, nil
}

func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *observability.EngineMetrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil, nil
	}

	meterProvider, err := observability.InitMeterProvider(observabilityConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	engineMetrics, err := observability.InitMetrics(logger.Logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("OpenTelemetry metrics initialized",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("environment", cfg.Observability.Environment),
	)
	return meterProvider, engineMetrics, nil
}

func initTracing(cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}

	tracesConfig := cfg.Observability.TracesConfig()
	logger.Info("initializing OpenTelemetry tracing",
		slog.String("otlp_endpoint", tracesConfig.Endpoint),
		slog.String("otlp_protocol", tracesConfig.Protocol),
		slog.Float64("sample_ratio", cfg.Observability.TraceSampleRatio),
	)
	return observability.InitTracerProvider(observabilityConfig(cfg))
}

// openedBackend is a backend plus the handle that answers health checks.
type openedBackend struct {
	backend backend.Backend
	health  pinger
	close   func() error
}

func openBackend(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*openedBackend, error) {
	if cfg.Engine.Backend == "triples" {
		store, err := triplestore.Open(cfg.Database.DSN(), logger.Logger)
		if err != nil {
			return nil, err
		}
		return &openedBackend{backend: store, health: store, close: store.Close}, nil
	}

	if cfg.Database.Driver == config.DriverMySQL {
		if err := cfg.Database.RegisterTLS(); err != nil {
			return nil, fmt.Errorf("failed to configure database TLS: %w", err)
		}
	}
	opened, err := sqlbackend.Open(ctx, sqlbackend.OpenOptions{
		Driver:         cfg.Database.Driver,
		DSN:            cfg.Database.DSN(),
		Tracing:        cfg.Observability.TracingEnabled,
		Metrics:        cfg.Observability.MetricsEnabled,
		SQLCommenter:   cfg.Observability.SQLCommenterEnabled,
		MaxOpen:        cfg.Database.Pool.MaxOpen,
		MaxIdle:        cfg.Database.Pool.MaxIdle,
		MaxLifetime:    cfg.Database.Pool.MaxLifetime,
		ConnectTimeout: cfg.Database.ConnectionTimeout,
		RetryInterval:  cfg.Database.ConnectionRetryInterval,
	}, logger.Logger)
	if err != nil {
		return nil, err
	}
	return &openedBackend{
		backend: sqlbackend.New(opened.DB, sqlbackend.WithLogger(logger.Logger)),
		health:  opened.DB,
		close:   opened.Close,
	}, nil
}

func loadSchema(cfg *config.Config) (*schema.Schema, error) {
	if cfg.Schema.File == "" {
		return fixture.Schema()
	}
	return schema.LoadFile(cfg.Schema.File)
}

func schemaSource(cfg *config.Config) string {
	if cfg.Schema.File == "" {
		return "builtin:brewery"
	}
	return cfg.Schema.File
}

func buildResolver(cfg *config.Config, logger *logging.Logger, s *schema.Schema, b backend.Backend, metrics *observability.EngineMetrics) *resolver.Resolver {
	loader := batch.NewLoader(b,
		batch.WithMaxInClause(cfg.Engine.MaxInClause),
		batch.WithTemporalResolver(temporal.NewResolver(nil)),
		batch.WithLogger(logger.Logger),
	)
	evaluator := aggregate.NewEvaluator(loader, aggregate.WithCountDistinct(cfg.Engine.CountDistinctEnabled))
	return resolver.New(s, loader,
		resolver.WithEvaluator(evaluator),
		resolver.WithMaxDepth(cfg.Engine.MaxDepth),
		resolver.WithDefaultListLimit(cfg.Engine.DefaultListLimit),
		resolver.WithConcurrency(cfg.Engine.Concurrency),
		resolver.WithMetrics(metrics),
		resolver.WithLogger(logger.Logger),
	)
}

func buildRouter(cfg *config.Config, logger *logging.Logger, res *resolver.Resolver, health pinger, meterProvider *observability.MeterProvider) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/query", queryHandler(res))
	mux.Handle("/explain", explainHandler(res))
	mux.HandleFunc("/health", healthHandler(health, cfg.Server.HealthCheckTimeout))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	})

	if cfg.Observability.MetricsEnabled && meterProvider != nil {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("metrics endpoint enabled", slog.String("path", "/metrics"))
	}
	return mux
}

// wrapHTTPHandler installs middleware; the outermost wrapper is applied last.
func wrapHTTPHandler(cfg *config.Config, logger *logging.Logger, handler http.Handler) http.Handler {
	handler = middleware.MaxBytesMiddleware(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.RecoverMiddleware(handler)
	handler = middleware.LoggingMiddleware(logger)(handler)

	if cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled {
		handler = otelhttp.NewHandler(handler, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return httpRootSpanName(r)
			}),
		)
		logger.Info("HTTP instrumentation enabled")
	}
	return handler
}

func httpRootSpanName(r *http.Request) string {
	if r == nil {
		return "HTTP /*"
	}
	method := strings.TrimSpace(r.Method)
	if method == "" {
		method = "HTTP"
	}
	return method + " " + normalizeHTTPSpanRoute(r.URL.Path)
}

func normalizeHTTPSpanRoute(rawPath string) string {
	switch rawPath {
	case "/query", "/explain", "/health", "/metrics":
		return rawPath
	default:
		return "/*"
	}
}

func buildServer(cfg *config.Config, handler http.Handler, serverAddr string) *http.Server {
	return &http.Server{
		Addr:              serverAddr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

func startServer(cfg *config.Config, logger *logging.Logger, srv *http.Server, serverAddr string) chan error {
	serverErrors := make(chan error, 1)
	go func() {
		logAttrs := []any{
			slog.String("address", serverAddr),
			slog.String("query_endpoint", "/query"),
			slog.String("health_endpoint", "/health"),
			slog.String("backend", cfg.Engine.Backend),
			slog.Int("max_depth", cfg.Engine.MaxDepth),
			slog.Int("max_in_clause", cfg.Engine.MaxInClause),
			slog.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout),
		}
		if cfg.Observability.MetricsEnabled {
			logAttrs = append(logAttrs, slog.String("metrics_endpoint", "/metrics"))
		}
		logger.Info("server starting", logAttrs...)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()
	return serverErrors
}

// ShutdownTimeout returns the configured grace period, defaulting to 30s.
func (a *App) ShutdownTimeout() time.Duration {
	if a.cfg == nil || a.cfg.Server.ShutdownTimeout <= 0 {
		return 30 * time.Second
	}
	return a.cfg.Server.ShutdownTimeout
}

// Engine is a resolver over an opened backend, for callers that resolve
// documents without running the HTTP server.
type Engine struct {
	Resolver *resolver.Resolver
	close    func() error
}

// OpenEngine opens the configured backend and schema and builds a resolver
// over them. Metrics and tracing providers are left to the caller.
func OpenEngine(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Engine, error) {
	opened, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open backend: %w", err)
	}
	s, err := loadSchema(cfg)
	if err != nil {
		_ = opened.close()
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	return &Engine{
		Resolver: buildResolver(cfg, logger, s, opened.backend, nil),
		close:    opened.close,
	}, nil
}

// Close releases the backend.
func (e *Engine) Close() error {
	return e.close()
}
