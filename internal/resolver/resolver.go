// Package resolver turns a field tree into a result tree. A request is
// validated completely against the schema first, then walked level by
// level: every relation or aggregate at one level is fetched with one
// batched statement per field, whatever the number of parent objects.
package resolver

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"temporal-graphql/internal/aggregate"
	"temporal-graphql/internal/backend"
	"temporal-graphql/internal/batch"
	"temporal-graphql/internal/engineerr"
	"temporal-graphql/internal/fieldtree"
	"temporal-graphql/internal/observability"
	"temporal-graphql/internal/result"
	"temporal-graphql/internal/schema"
	"temporal-graphql/internal/temporal"
)

// DefaultMaxDepth bounds the nesting of a request. It also bounds cyclic
// relation chains such as brewery.beers.brewery.beers.
const DefaultMaxDepth = 10

// DefaultConcurrency is the number of fields fetched in parallel per level.
const DefaultConcurrency = 8

// Resolver executes requests against one schema and backend.
type Resolver struct {
	schema           *schema.Schema
	loader           *batch.Loader
	evaluator        *aggregate.Evaluator
	maxDepth         int
	defaultListLimit int
	concurrency      int
	metrics          *observability.EngineMetrics
	logger           *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithEvaluator replaces the aggregate evaluator, for example to enable
// count(distinct).
func WithEvaluator(e *aggregate.Evaluator) Option {
	return func(r *Resolver) {
		if e != nil {
			r.evaluator = e
		}
	}
}

// WithMaxDepth sets the depth guard. Zero disables it.
func WithMaxDepth(depth int) Option {
	return func(r *Resolver) {
		if depth >= 0 {
			r.maxDepth = depth
		}
	}
}

// WithDefaultListLimit bounds root lists requested without first.
// Zero leaves them unbounded.
func WithDefaultListLimit(limit int) Option {
	return func(r *Resolver) {
		if limit >= 0 {
			r.defaultListLimit = limit
		}
	}
}

// WithConcurrency sets how many fields of one level are fetched at once.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithMetrics records engine metrics for every request.
func WithMetrics(m *observability.EngineMetrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// WithLogger sets the logger for resolution failures.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a resolver for s reading through loader.
func New(s *schema.Schema, loader *batch.Loader, opts ...Option) *Resolver {
	r := &Resolver{
		schema:      s,
		loader:      loader,
		evaluator:   aggregate.NewEvaluator(loader),
		maxDepth:    DefaultMaxDepth,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Schema returns the schema requests are validated against.
func (r *Resolver) Schema() *schema.Schema {
	return r.schema
}

// Resolve parses the document's temporal context and resolves its roots.
func (r *Resolver) Resolve(ctx context.Context, doc *fieldtree.Document) (*result.Response, error) {
	if doc == nil {
		return nil, engineerr.Configf("", "query selects no fields")
	}
	tctx, err := temporal.Parse(doc.ValidOn, doc.AvailableOn)
	if err != nil {
		return nil, engineerr.Configf("context", "%v", err)
	}
	return r.ResolveTree(ctx, doc.Roots, tctx)
}

// ResolveTree resolves root fields under tctx. A configuration error is
// returned as the error and no statement is issued. Backend failures are
// reported per field in Response.Errors and leave the field null.
func (r *Resolver) ResolveTree(ctx context.Context, roots []*fieldtree.Node, tctx *temporal.Context) (resp *result.Response, err error) {
	start := time.Now()
	ctx = observability.ContextWithEngineMetrics(ctx, r.metrics)
	ctx, span := startResolverSpan(ctx, "engine.resolve", attribute.Int("engine.root_count", len(roots)))
	defer func() {
		outcome := ""
		if err == nil && resp != nil && len(resp.Errors) > 0 {
			outcome = "partial"
		}
		finishResolverSpan(span, err, outcome)
	}()

	r.metrics.IncrementActiveRequests(ctx)
	defer r.metrics.DecrementActiveRequests(ctx)

	p, err := r.compile(roots)
	if err != nil {
		r.metrics.RecordError(ctx, "config")
		return nil, err
	}
	depth := 0
	for _, root := range roots {
		if d := root.Depth(); d > depth {
			depth = d
		}
	}
	r.metrics.RecordQueryDepth(ctx, int64(depth))

	if _, ok := batch.FromContext(ctx); !ok {
		ctx = batch.NewContext(ctx)
	}
	resp = r.execute(ctx, p, tctx)
	r.metrics.RecordRequest(ctx, time.Since(start), len(resp.Errors))
	return resp, nil
}

// Explained is the planned statement of one root field.
type Explained struct {
	Field     string
	Statement backend.Statement
}

// Explain validates roots and returns the root statements they would
// issue, without running them.
func (r *Resolver) Explain(roots []*fieldtree.Node, tctx *temporal.Context) ([]Explained, error) {
	p, err := r.compile(roots)
	if err != nil {
		return nil, err
	}
	out := make([]Explained, 0, len(p.roots))
	for _, root := range p.roots {
		stmt, _, err := r.rootStatement(root, tctx)
		if err != nil {
			return nil, err
		}
		out = append(out, Explained{Field: root.key, Statement: stmt})
	}
	return out, nil
}
