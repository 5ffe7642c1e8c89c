package serverapp

import (
	"context"
	"fmt"
	"log/slog"
)

// Init initializes all runtime resources. It is idempotent.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	if a.initialized {
		a.stateMu.Unlock()
		return nil
	}
	a.stateMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	cleanup := cleanupStack{}
	success := false
	defer func() {
		if !success {
			cleanup.run(context.Background(), a.logger)
		}
	}()

	if a.loggerProvider != nil {
		cleanup.push("logger provider", func(shutdownCtx context.Context) error {
			return a.loggerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	meterProvider, engineMetrics, err := initMetrics(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
	}
	if meterProvider != nil {
		cleanup.push("meter provider", func(shutdownCtx context.Context) error {
			return meterProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	tracerProvider, err := initTracing(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
	}
	if tracerProvider != nil {
		cleanup.push("tracer provider", func(shutdownCtx context.Context) error {
			return tracerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	a.logger.Info("opening backend",
		slog.String("backend", a.cfg.Engine.Backend),
		slog.String("driver", a.cfg.Database.Driver),
	)
	opened, err := openBackend(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open backend: %w", err)
	}
	cleanup.push("backend", func(_ context.Context) error {
		return opened.close()
	})

	s, err := loadSchema(a.cfg)
	if err != nil {
		return fmt.Errorf("failed to load schema: %w", err)
	}
	a.logger.Info("schema loaded",
		slog.String("source", schemaSource(a.cfg)),
		slog.Int("entities", len(s.Entities())),
		slog.Int("queries", len(s.Queries())),
	)

	res := buildResolver(a.cfg, a.logger, s, opened.backend, engineMetrics)

	mux := buildRouter(a.cfg, a.logger, res, opened.health, meterProvider)
	handler := wrapHTTPHandler(a.cfg, a.logger, mux)

	serverAddr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := buildServer(a.cfg, handler, serverAddr)
	cleanup.push("HTTP server", func(shutdownCtx context.Context) error {
		return srv.Shutdown(shutdownCtx)
	})

	a.stateMu.Lock()
	a.meterProvider = meterProvider
	a.engineMetrics = engineMetrics
	a.tracerProvider = tracerProvider
	a.backend = opened.backend
	a.health = opened.health
	a.resolver = res
	a.handler = handler
	a.serverAddr = serverAddr
	a.srv = srv
	a.cleanup = cleanup
	a.initialized = true
	a.stateMu.Unlock()

	success = true
	return nil
}
