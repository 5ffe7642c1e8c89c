package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"

	"temporal-graphql/internal/backend"
	"temporal-graphql/internal/batch"
	"temporal-graphql/internal/engineerr"
	"temporal-graphql/internal/paging"
	"temporal-graphql/internal/planner"
	"temporal-graphql/internal/result"
	"temporal-graphql/internal/schema"
	"temporal-graphql/internal/temporal"
)

// frame holds every object of one selection at one level of the walk,
// with the row each object was built from and its response path.
type frame struct {
	sel     *selection
	rows    []backend.Row
	objects []*result.Object
	paths   []string
}

func (f *frame) add(row backend.Row, path string) *result.Object {
	obj := result.NewObject(f.sel.keys)
	f.rows = append(f.rows, row)
	f.objects = append(f.objects, obj)
	f.paths = append(f.paths, path)
	return obj
}

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) add(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

// sorted returns the errors ordered by path so responses are stable.
func (s *errorSink) sorted() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]error(nil), s.errs...)
	sort.SliceStable(out, func(i, j int) bool {
		return errorPath(out[i]) < errorPath(out[j])
	})
	return out
}

func errorPath(err error) string {
	var re *engineerr.ResolutionError
	if errors.As(err, &re) {
		return re.Path
	}
	return ""
}

func (r *Resolver) fail(ctx context.Context, sink *errorSink, path string, err error) {
	r.logger.ErrorContext(ctx, "failed to resolve field",
		slog.String("path", path),
		slog.String("error", err.Error()),
	)
	r.metrics.RecordError(ctx, "resolution")
	sink.add(&engineerr.ResolutionError{Path: path, Err: err})
}

func (r *Resolver) execute(ctx context.Context, p *plan, tctx *temporal.Context) *result.Response {
	data := result.NewObject(p.keys)
	sink := &errorSink{}

	frames := make([]*frame, len(p.roots))
	tasks := pool.New().WithMaxGoroutines(r.concurrency)
	for i, root := range p.roots {
		tasks.Go(func() {
			value, f, err := r.resolveRoot(ctx, root, tctx)
			if err != nil {
				r.fail(ctx, sink, root.key, err)
				data.Set(i, nil)
				return
			}
			data.Set(i, value)
			frames[i] = f
		})
	}
	tasks.Wait()

	level := compactFrames(frames)
	for len(level) > 0 {
		level = r.resolveLevel(ctx, level, tctx, sink)
	}

	return &result.Response{Data: data, Errors: sink.sorted()}
}

func compactFrames(frames []*frame) []*frame {
	out := frames[:0]
	for _, f := range frames {
		if f != nil && len(f.objects) > 0 {
			out = append(out, f)
		}
	}
	return out
}

// rootStatement plans the statement of a root field. It also reports
// whether the offset was pushed into the statement.
func (r *Resolver) rootStatement(root *rootPlan, tctx *temporal.Context) (backend.Statement, bool, error) {
	entity := root.query.Entity
	src, err := r.loader.Source(entity, tctx)
	if err != nil {
		return backend.Statement{}, false, err
	}
	where, err := r.loader.Where(root.filter, tctx)
	if err != nil {
		return backend.Statement{}, false, err
	}

	var page planner.Page
	limit := -1
	switch {
	case root.query.Single:
		limit = 1
	case root.first != nil:
		limit = *root.first
	case r.defaultListLimit > 0:
		limit = r.defaultListLimit
	}
	pushed := false
	if limit >= 0 {
		l := uint64(limit)
		page.Limit = &l
		if !root.query.Single {
			page.Offset = uint64(root.offset)
			pushed = true
		}
	}

	stmt, err := planner.PlanSelect(src, root.sel.columns, entity.KeyField().Column, where, page)
	return stmt, pushed, err
}

func (r *Resolver) resolveRoot(ctx context.Context, root *rootPlan, tctx *temporal.Context) (value any, f *frame, err error) {
	ctx, span := startResolverSpan(ctx, "engine.root",
		attribute.String("engine.root.field", root.key),
		attribute.String("engine.root.entity", root.query.Entity.Name),
	)
	defer func() { finishResolverSpan(span, err, "") }()

	stmt, pushed, err := r.rootStatement(root, tctx)
	if err != nil {
		return nil, nil, err
	}
	r.metrics.RecordStatement(ctx, "root")
	r.logger.DebugContext(ctx, "dispatching root statement",
		slog.String("field", root.key),
		slog.Int("args", len(stmt.Args)),
	)
	raw, err := r.loader.Backend().Execute(ctx, stmt)
	if err != nil {
		return nil, nil, err
	}
	rows, err := planner.DecodeRows(raw, root.sel.columns)
	if err != nil {
		return nil, nil, err
	}
	r.metrics.RecordResultsCount(ctx, int64(len(rows)), root.key)

	f = &frame{sel: root.sel}
	if root.query.Single {
		if len(rows) == 0 {
			return nil, nil, nil
		}
		return f.add(rows[0], root.key), f, nil
	}

	offset := root.offset
	if !pushed {
		rows, _ = paging.Paginate(rows, root.first, offset)
	}
	nodes := make([]*result.Object, len(rows))
	for i, row := range rows {
		nodes[i] = f.add(row, root.key+"."+strconv.Itoa(i))
	}
	if root.query.Paginated {
		return &result.Connection{Nodes: nodes, Offset: offset}, f, nil
	}
	return nodes, f, nil
}

// resolveLevel fills every field of the frames and returns the frames of
// the next level. Relation and aggregate fields are fetched concurrently,
// one batch per field.
func (r *Resolver) resolveLevel(ctx context.Context, level []*frame, tctx *temporal.Context, sink *errorSink) []*frame {
	type job struct {
		f    *frame
		slot int
		fp   *fieldPlan
	}
	var jobs []job
	for _, f := range level {
		r.fillLocal(ctx, f, sink)
		for slot, fp := range f.sel.fields {
			if fp.kind == schema.FieldRelation || fp.kind == schema.FieldAggregate {
				jobs = append(jobs, job{f: f, slot: slot, fp: fp})
			}
		}
	}

	next := make([]*frame, len(jobs))
	tasks := pool.New().WithMaxGoroutines(r.concurrency)
	for i, j := range jobs {
		tasks.Go(func() {
			if j.fp.kind == schema.FieldAggregate {
				r.resolveAggregate(ctx, j.f, j.slot, j.fp, tctx, sink)
				return
			}
			next[i] = r.resolveRelation(ctx, j.f, j.slot, j.fp, tctx, sink)
		})
	}
	tasks.Wait()
	return compactFrames(next)
}

// fillLocal sets scalar and computed fields from the fetched rows.
func (r *Resolver) fillLocal(ctx context.Context, f *frame, sink *errorSink) {
	for i, row := range f.rows {
		obj := f.objects[i]
		for slot, fp := range f.sel.fields {
			switch fp.kind {
			case schema.FieldScalar:
				obj.Set(slot, row[fp.scalar.Name])
			case schema.FieldComputed:
				values := make([]any, len(fp.computed.DependsOn))
				for k, dep := range fp.computed.DependsOn {
					values[k] = row[dep]
				}
				v, err := fp.computed.Derive(values)
				if err != nil {
					r.fail(ctx, sink, engineerr.JoinPath(f.paths[i], fp.key), fmt.Errorf("derive %s: %w", fp.computed.Name, err))
					v = nil
				}
				obj.Set(slot, v)
			}
		}
	}
}

func (r *Resolver) parentKeys(f *frame, rel *schema.RelationDef) []any {
	keys := make([]any, len(f.rows))
	for i, row := range f.rows {
		keys[i] = parentKey(row, rel)
	}
	return keys
}

func (r *Resolver) dispatch(ctx context.Context, rel *schema.RelationDef, scope string, keys []any, fetch batch.FetchFunc) (map[string][]backend.Row, error) {
	collector, ok := batch.FromContext(ctx)
	if !ok {
		collector = batch.NewCollector()
	}
	bkey := batch.Key{Relation: rel.QualifiedName(), Scope: scope}
	collector.Register(bkey, keys...)

	fetched := false
	rows, err := collector.Dispatch(ctx, bkey, func(ctx context.Context, keys []any) (map[string][]backend.Row, error) {
		fetched = true
		return fetch(ctx, keys)
	})
	if fetched {
		r.metrics.RecordBatchCacheMiss(ctx, bkey.Relation)
	} else {
		r.metrics.RecordBatchCacheHit(ctx, bkey.Relation)
	}
	return rows, err
}

func (r *Resolver) resolveRelation(ctx context.Context, f *frame, slot int, fp *fieldPlan, tctx *temporal.Context, sink *errorSink) *frame {
	rel := fp.relation
	keys := r.parentKeys(f, rel)

	byKey, err := r.dispatch(ctx, rel, fp.path, keys, func(ctx context.Context, keys []any) (map[string][]backend.Row, error) {
		ctx, span := startResolverSpan(ctx, "engine.batch",
			attribute.String("engine.batch.relation", rel.QualifiedName()),
			attribute.String("engine.batch.strategy", rel.Strategy.String()),
			attribute.Int("engine.batch.parent_count", len(keys)),
		)
		rows, err := r.loader.Load(ctx, batch.Request{
			Relation: rel,
			Keys:     keys,
			Columns:  fp.child.columns,
			Filter:   fp.filter,
			Context:  tctx,
		})
		finishResolverSpan(span, err, "")
		return rows, err
	})
	if err != nil {
		for i, obj := range f.objects {
			obj.Set(slot, nil)
			r.fail(ctx, sink, engineerr.JoinPath(f.paths[i], fp.key), err)
		}
		return nil
	}

	child := &frame{sel: fp.child}
	for i, obj := range f.objects {
		path := engineerr.JoinPath(f.paths[i], fp.key)
		var rows []backend.Row
		if keys[i] != nil {
			rows = byKey[batch.KeyString(keys[i])]
		}

		if rel.Singular() {
			if len(rows) == 0 {
				if !rel.Optional && keys[i] != nil {
					r.logger.WarnContext(ctx, "required relation has no target",
						slog.String("path", path),
						slog.String("relation", rel.QualifiedName()),
					)
				}
				obj.Set(slot, nil)
				continue
			}
			obj.Set(slot, child.add(rows[0], path))
			continue
		}

		page, offset := paging.Paginate(rows, fp.first, fp.offset)
		nodes := make([]*result.Object, len(page))
		for k, row := range page {
			nodes[k] = child.add(row, path+"."+strconv.Itoa(k))
		}
		if rel.Paginated {
			obj.Set(slot, &result.Connection{Nodes: nodes, Offset: offset})
		} else {
			obj.Set(slot, nodes)
		}
	}
	return child
}

func (r *Resolver) resolveAggregate(ctx context.Context, f *frame, slot int, fp *fieldPlan, tctx *temporal.Context, sink *errorSink) {
	rel := fp.relation
	keys := r.parentKeys(f, rel)

	byKey, err := r.dispatch(ctx, rel, fp.path, keys, func(ctx context.Context, keys []any) (map[string][]backend.Row, error) {
		ctx, span := startResolverSpan(ctx, "engine.aggregate",
			attribute.String("engine.batch.relation", rel.QualifiedName()),
			attribute.Int("engine.batch.parent_count", len(keys)),
		)
		values, err := r.evaluator.Evaluate(ctx, fp.aggregates, rel, keys, fp.filter, tctx)
		finishResolverSpan(span, err, "")
		if err != nil {
			return nil, err
		}
		out := make(map[string][]backend.Row, len(values))
		for k, v := range values {
			out[k] = []backend.Row{backend.Row(v)}
		}
		return out, nil
	})
	if err != nil {
		for i, obj := range f.objects {
			obj.Set(slot, nil)
			r.fail(ctx, sink, engineerr.JoinPath(f.paths[i], fp.key), err)
		}
		return
	}

	aliases := make([]string, len(fp.aggregates))
	for i, req := range fp.aggregates {
		aliases[i] = req.Alias
	}
	for i, obj := range f.objects {
		var values backend.Row
		if rows := byKey[batch.KeyString(keys[i])]; len(rows) > 0 {
			values = rows[0]
		}
		agg := result.NewObject(aliases)
		for k, req := range fp.aggregates {
			v, ok := values[req.Alias]
			if !ok && req.Function == schema.FuncCount {
				v = int64(0)
			}
			agg.Set(k, v)
		}
		obj.Set(slot, agg)
	}
}
