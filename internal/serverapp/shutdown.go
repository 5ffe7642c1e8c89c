package serverapp

import (
	"context"
	"log/slog"

	"temporal-graphql/internal/logging"
)

// cleanupStack releases resources in reverse order of acquisition.
type cleanupStack []cleanupItem

type cleanupItem struct {
	name string
	fn   func(context.Context) error
}

func (s *cleanupStack) push(name string, fn func(context.Context) error) {
	*s = append(*s, cleanupItem{name: name, fn: fn})
}

// run calls every cleanup function, newest first. Failures are logged and
// do not stop the remaining cleanups.
func (s cleanupStack) run(ctx context.Context, logger *logging.Logger) {
	for i := len(s) - 1; i >= 0; i-- {
		item := s[i]
		if logger != nil {
			logger.Debug("releasing " + item.name)
		}
		if err := item.fn(ctx); err != nil && logger != nil {
			logger.Warn("cleanup error",
				slog.String("component", item.name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Shutdown releases everything Init acquired. Only the first call has any
// effect.
func (a *App) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.shutdownOnce.Do(func() {
		a.stateMu.Lock()
		cleanup := a.cleanup
		a.cleanup = nil
		a.started = false
		a.stateMu.Unlock()

		cleanup.run(ctx, a.logger)
		if a.logger != nil {
			a.logger.Info("shutdown complete")
		}
	})
	return nil
}
