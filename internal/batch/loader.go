package batch

import (
	"context"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"

	"temporal-graphql/internal/backend"
	"temporal-graphql/internal/filter"
	"temporal-graphql/internal/observability"
	"temporal-graphql/internal/planner"
	"temporal-graphql/internal/schema"
	"temporal-graphql/internal/temporal"
)

// DefaultMaxInClause bounds the number of keys bound into one IN predicate.
const DefaultMaxInClause = 1000

// Request describes one relation lookup for a set of parent keys.
type Request struct {
	Relation *schema.RelationDef
	// Keys are the parent-side join values: the parent's LocalColumn for an
	// owning key, the parent's key otherwise.
	Keys []any
	// Columns are the target projections to fetch.
	Columns []planner.Projection
	Filter  *filter.Expr
	Context *temporal.Context
}

// Loader turns relation requests into chunked batch statements.
type Loader struct {
	backend     backend.Backend
	temporal    *temporal.Resolver
	maxInClause int
	logger      *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithMaxInClause sets the chunk size for key predicates.
func WithMaxInClause(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxInClause = n
		}
	}
}

// WithTemporalResolver sets the resolver used to narrow versioned entities.
func WithTemporalResolver(r *temporal.Resolver) Option {
	return func(l *Loader) {
		if r != nil {
			l.temporal = r
		}
	}
}

// WithLogger sets the logger for dispatch diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLoader creates a loader issuing statements against b.
func NewLoader(b backend.Backend, opts ...Option) *Loader {
	l := &Loader{
		backend:     b,
		temporal:    temporal.NewResolver(nil),
		maxInClause: DefaultMaxInClause,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Backend returns the backend the loader issues statements against.
func (l *Loader) Backend() backend.Backend {
	return l.backend
}

// Source returns the relation entity rows are read from under tctx.
func (l *Loader) Source(entity *schema.EntityType, tctx *temporal.Context) (planner.Source, error) {
	return l.temporal.Apply(planner.BaseSource(entity), tctx, entity)
}

// Where translates a filter for a statement reading planner.SourceAlias.
// Related entities in relation filters are narrowed under the same tctx.
func (l *Loader) Where(expr *filter.Expr, tctx *temporal.Context) (sq.Sqlizer, error) {
	t := filter.NewTranslator(func(e *schema.EntityType) (planner.Source, error) {
		return l.Source(e, tctx)
	})
	return t.Translate(expr, planner.SourceAlias)
}

// Load fetches the target rows of req.Relation for every parent key,
// partitioned by KeyString of the parent key. Every requested key is
// present in the result; rows keep backend order.
func (l *Loader) Load(ctx context.Context, req Request) (map[string][]backend.Row, error) {
	rel := req.Relation
	if rel == nil {
		return nil, fmt.Errorf("batch load requires a relation")
	}
	keys := uniqueKeys(req.Keys)
	out := make(map[string][]backend.Row, len(keys))
	for _, k := range keys {
		out[KeyString(k)] = []backend.Row{}
	}
	if len(keys) == 0 {
		return out, nil
	}

	src, err := l.Source(rel.Target, req.Context)
	if err != nil {
		return nil, err
	}
	where, err := l.Where(req.Filter, req.Context)
	if err != nil {
		return nil, err
	}

	targetKey := rel.Target.KeyField().Column
	switch rel.Strategy {
	case schema.JoinOwningKey:
		err = l.loadByColumn(ctx, rel, src, req.Columns, targetKey, keys, where, out)
	case schema.JoinMappedBy:
		err = l.loadByColumn(ctx, rel, src, req.Columns, rel.RemoteColumn, keys, where, out)
	case schema.JoinTable:
		err = l.loadThroughJoinTable(ctx, rel, src, req.Columns, keys, where, out)
	default:
		err = fmt.Errorf("relation %s: unknown join strategy", rel.QualifiedName())
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Loader) loadByColumn(ctx context.Context, rel *schema.RelationDef, src planner.Source, cols []planner.Projection, matchColumn string, keys []any, where sq.Sqlizer, out map[string][]backend.Row) error {
	metrics := observability.EngineMetricsFromContext(ctx)
	strategy := rel.Strategy.String()
	chunks := chunkValues(keys, l.maxInClause)
	metrics.RecordBatchParentCount(ctx, int64(len(keys)), strategy)
	metrics.RecordBatchQueriesSaved(ctx, observability.QueriesSaved(len(keys), len(chunks)), strategy)

	for _, chunk := range chunks {
		stmt, err := planner.PlanBatch(src, cols, matchColumn, chunk, where)
		if err != nil {
			return err
		}
		rows, err := l.execute(ctx, stmt, cols, "batch")
		if err != nil {
			return fmt.Errorf("relation %s: %w", rel.QualifiedName(), err)
		}
		metrics.RecordBatchResultRows(ctx, int64(len(rows)), strategy)
		for _, row := range rows {
			parent := KeyString(row[planner.BatchParentAlias])
			delete(row, planner.BatchParentAlias)
			out[parent] = append(out[parent], row)
		}
	}
	return nil
}

// loadThroughJoinTable reads association pairs for the parent keys, then
// the referenced children by target key, and reassembles children per
// parent in association order. Children removed by the filter or by
// temporal narrowing are skipped.
func (l *Loader) loadThroughJoinTable(ctx context.Context, rel *schema.RelationDef, src planner.Source, cols []planner.Projection, keys []any, where sq.Sqlizer, out map[string][]backend.Row) error {
	metrics := observability.EngineMetricsFromContext(ctx)
	strategy := rel.Strategy.String()

	type pair struct {
		parent string
		child  string
	}
	var pairs []pair
	var childKeys []any
	seenChild := make(map[string]struct{})

	chunks := chunkValues(keys, l.maxInClause)
	metrics.RecordBatchParentCount(ctx, int64(len(keys)), strategy)
	metrics.RecordBatchQueriesSaved(ctx, observability.QueriesSaved(len(keys), len(chunks)), strategy)
	for _, chunk := range chunks {
		stmt, err := planner.PlanAssociation(rel, chunk)
		if err != nil {
			return err
		}
		rows, err := l.execute(ctx, stmt, nil, "association")
		if err != nil {
			return fmt.Errorf("relation %s: %w", rel.QualifiedName(), err)
		}
		for _, row := range rows {
			child := row[planner.BatchChildAlias]
			childKey := KeyString(child)
			pairs = append(pairs, pair{parent: KeyString(row[planner.BatchParentAlias]), child: childKey})
			if _, ok := seenChild[childKey]; !ok {
				seenChild[childKey] = struct{}{}
				childKeys = append(childKeys, child)
			}
		}
	}
	if len(childKeys) == 0 {
		return nil
	}

	targetKey := rel.Target.KeyField().Column
	children := make(map[string][]backend.Row, len(childKeys))
	for _, chunk := range chunkValues(childKeys, l.maxInClause) {
		stmt, err := planner.PlanBatch(src, cols, targetKey, chunk, where)
		if err != nil {
			return err
		}
		rows, err := l.execute(ctx, stmt, cols, "batch")
		if err != nil {
			return fmt.Errorf("relation %s: %w", rel.QualifiedName(), err)
		}
		metrics.RecordBatchResultRows(ctx, int64(len(rows)), strategy)
		for _, row := range rows {
			child := KeyString(row[planner.BatchParentAlias])
			delete(row, planner.BatchParentAlias)
			children[child] = append(children[child], row)
		}
	}

	for _, p := range pairs {
		out[p.parent] = append(out[p.parent], children[p.child]...)
	}
	return nil
}

// LoadAggregates runs grouped aggregate statements for the parent keys of
// a collection relation and returns one row of aggregate values per parent.
// Parents with no related rows are absent from the result.
func (l *Loader) LoadAggregates(ctx context.Context, rel *schema.RelationDef, aggs []planner.AggregateColumn, keys []any, expr *filter.Expr, tctx *temporal.Context) (map[string]backend.Row, error) {
	keys = uniqueKeys(keys)
	out := make(map[string]backend.Row, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	src, err := l.Source(rel.Target, tctx)
	if err != nil {
		return nil, err
	}
	where, err := l.Where(expr, tctx)
	if err != nil {
		return nil, err
	}

	metrics := observability.EngineMetricsFromContext(ctx)
	chunks := chunkValues(keys, l.maxInClause)
	metrics.RecordBatchParentCount(ctx, int64(len(keys)), "aggregate")
	metrics.RecordBatchQueriesSaved(ctx, observability.QueriesSaved(len(keys), len(chunks)), "aggregate")
	for _, chunk := range chunks {
		stmt, err := planner.PlanAggregateBatch(src, rel, aggs, chunk, where)
		if err != nil {
			return nil, err
		}
		metrics.RecordStatement(ctx, "aggregate")
		l.logger.DebugContext(ctx, "dispatching aggregate batch",
			slog.String("relation", rel.QualifiedName()),
			slog.Int("keys", len(chunk)),
		)
		rows, err := l.backend.ExecuteAggregate(ctx, stmt)
		if err != nil {
			return nil, fmt.Errorf("relation %s aggregates: %w", rel.QualifiedName(), err)
		}
		for _, row := range rows {
			parent := KeyString(row[planner.BatchParentAlias])
			delete(row, planner.BatchParentAlias)
			out[parent] = row
		}
	}
	return out, nil
}

// execute runs stmt and decodes the projections. A nil cols keeps only the
// batch key aliases.
func (l *Loader) execute(ctx context.Context, stmt backend.Statement, cols []planner.Projection, kind string) ([]backend.Row, error) {
	observability.EngineMetricsFromContext(ctx).RecordStatement(ctx, kind)
	l.logger.DebugContext(ctx, "dispatching batch",
		slog.String("kind", kind),
		slog.Int("args", len(stmt.Args)),
	)
	rows, err := l.backend.Execute(ctx, stmt)
	if err != nil {
		return nil, err
	}
	return planner.DecodeRows(rows, cols)
}

func uniqueKeys(keys []any) []any {
	seen := make(map[string]struct{}, len(keys))
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		if k == nil {
			continue
		}
		s := KeyString(k)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, k)
	}
	return out
}

func chunkValues(values []any, max int) [][]any {
	if len(values) == 0 {
		return nil
	}
	if max <= 0 || len(values) <= max {
		return [][]any{values}
	}
	chunks := make([][]any, 0, (len(values)+max-1)/max)
	for start := 0; start < len(values); start += max {
		end := start + max
		if end > len(values) {
			end = len(values)
		}
		chunks = append(chunks, values[start:end])
	}
	return chunks
}
