package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics holds the instruments recorded while resolving requests.
// A nil *EngineMetrics is valid and records nothing.
type EngineMetrics struct {
	requestDuration   metric.Float64Histogram
	requestCounter    metric.Int64Counter
	errorCounter      metric.Int64Counter
	activeRequests    metric.Int64UpDownCounter
	queryDepth        metric.Int64Histogram
	resultsCount      metric.Int64Histogram
	statements        metric.Int64Counter
	batchParentCount  metric.Int64Histogram
	batchResultRows   metric.Int64Histogram
	batchCacheHits    metric.Int64Counter
	batchCacheMisses  metric.Int64Counter
	batchQueriesSaved metric.Int64Counter
}

// InitEngineMetrics creates the engine instruments on the global meter provider.
func InitEngineMetrics() (*EngineMetrics, error) {
	meter := otel.Meter("temporal-graphql")
	m := &EngineMetrics{}
	var err error

	if m.requestDuration, err = meter.Float64Histogram(
		"engine.request.duration",
		metric.WithDescription("Duration of resolved requests in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}
	if m.requestCounter, err = meter.Int64Counter(
		"engine.requests.total",
		metric.WithDescription("Total number of resolved requests"),
	); err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}
	if m.errorCounter, err = meter.Int64Counter(
		"engine.errors.total",
		metric.WithDescription("Total number of configuration and resolution errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}
	if m.activeRequests, err = meter.Int64UpDownCounter(
		"engine.requests.active",
		metric.WithDescription("Number of requests being resolved"),
	); err != nil {
		return nil, fmt.Errorf("failed to create active requests counter: %w", err)
	}
	if m.queryDepth, err = meter.Int64Histogram(
		"engine.query.depth",
		metric.WithDescription("Depth of requested field trees"),
	); err != nil {
		return nil, fmt.Errorf("failed to create query depth histogram: %w", err)
	}
	if m.resultsCount, err = meter.Int64Histogram(
		"engine.results.count",
		metric.WithDescription("Number of root rows returned per request"),
	); err != nil {
		return nil, fmt.Errorf("failed to create results count histogram: %w", err)
	}
	if m.statements, err = meter.Int64Counter(
		"engine.statements.total",
		metric.WithDescription("Number of statements issued to backends"),
	); err != nil {
		return nil, fmt.Errorf("failed to create statements counter: %w", err)
	}
	if m.batchParentCount, err = meter.Int64Histogram(
		"engine.batch.parent_count",
		metric.WithDescription("Number of parent keys included in a batch"),
	); err != nil {
		return nil, fmt.Errorf("failed to create batch parent count histogram: %w", err)
	}
	if m.batchResultRows, err = meter.Int64Histogram(
		"engine.batch.result_rows",
		metric.WithDescription("Number of rows returned by a batch"),
	); err != nil {
		return nil, fmt.Errorf("failed to create batch result rows histogram: %w", err)
	}
	if m.batchCacheHits, err = meter.Int64Counter(
		"engine.batch.cache_hits",
		metric.WithDescription("Number of batch dispatches served from the request cache"),
	); err != nil {
		return nil, fmt.Errorf("failed to create batch cache hits counter: %w", err)
	}
	if m.batchCacheMisses, err = meter.Int64Counter(
		"engine.batch.cache_misses",
		metric.WithDescription("Number of batch dispatches that reached a backend"),
	); err != nil {
		return nil, fmt.Errorf("failed to create batch cache misses counter: %w", err)
	}
	if m.batchQueriesSaved, err = meter.Int64Counter(
		"engine.batch.queries_saved",
		metric.WithDescription("Number of per-parent statements avoided by batching"),
	); err != nil {
		return nil, fmt.Errorf("failed to create batch queries saved counter: %w", err)
	}
	return m, nil
}

// InitMetrics initializes the engine metrics and logs the outcome.
func InitMetrics(logger *slog.Logger) (*EngineMetrics, error) {
	metrics, err := InitEngineMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine metrics: %w", err)
	}
	logger.Info("engine metrics initialized")
	return metrics, nil
}

// RecordRequest records a request with its duration and outcome.
func (m *EngineMetrics) RecordRequest(ctx context.Context, duration time.Duration, errorCount int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("has_errors", errorCount > 0))
	m.requestDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.requestCounter.Add(ctx, 1, attrs)
	if errorCount > 0 {
		m.errorCounter.Add(ctx, int64(errorCount))
	}
}

// RecordError counts one error of the given kind ("config" or "resolution").
func (m *EngineMetrics) RecordError(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *EngineMetrics) RecordQueryDepth(ctx context.Context, depth int64) {
	if m == nil {
		return
	}
	m.queryDepth.Record(ctx, depth)
}

func (m *EngineMetrics) RecordResultsCount(ctx context.Context, count int64, root string) {
	if m == nil {
		return
	}
	m.resultsCount.Record(ctx, count, metric.WithAttributes(attribute.String("root", root)))
}

// RecordStatement counts one statement sent to a backend.
func (m *EngineMetrics) RecordStatement(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.statements.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *EngineMetrics) RecordBatchParentCount(ctx context.Context, count int64, strategy string) {
	if m == nil {
		return
	}
	m.batchParentCount.Record(ctx, count, metric.WithAttributes(attribute.String("strategy", strategy)))
}

func (m *EngineMetrics) RecordBatchResultRows(ctx context.Context, count int64, strategy string) {
	if m == nil {
		return
	}
	m.batchResultRows.Record(ctx, count, metric.WithAttributes(attribute.String("strategy", strategy)))
}

func (m *EngineMetrics) RecordBatchCacheHit(ctx context.Context, relation string) {
	if m == nil {
		return
	}
	m.batchCacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("relation", relation)))
}

func (m *EngineMetrics) RecordBatchCacheMiss(ctx context.Context, relation string) {
	if m == nil {
		return
	}
	m.batchCacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("relation", relation)))
}

func (m *EngineMetrics) RecordBatchQueriesSaved(ctx context.Context, count int64, strategy string) {
	if m == nil || count <= 0 {
		return
	}
	m.batchQueriesSaved.Add(ctx, count, metric.WithAttributes(attribute.String("strategy", strategy)))
}

func (m *EngineMetrics) IncrementActiveRequests(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeRequests.Add(ctx, 1)
}

func (m *EngineMetrics) DecrementActiveRequests(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeRequests.Add(ctx, -1)
}

// QueriesSaved compares one statement per parent with one per chunk.
func QueriesSaved(parentCount, chunkCount int) int64 {
	if parentCount <= 0 || chunkCount <= 0 {
		return 0
	}
	if saved := parentCount - chunkCount; saved > 0 {
		return int64(saved)
	}
	return 0
}

type engineMetricsContextKey struct{}

// ContextWithEngineMetrics stores metrics in the provided context.
func ContextWithEngineMetrics(ctx context.Context, metrics *EngineMetrics) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, engineMetricsContextKey{}, metrics)
}

// EngineMetricsFromContext retrieves metrics from the context, or nil.
func EngineMetricsFromContext(ctx context.Context) *EngineMetrics {
	if ctx == nil {
		return nil
	}
	metrics, _ := ctx.Value(engineMetricsContextKey{}).(*EngineMetrics)
	return metrics
}
