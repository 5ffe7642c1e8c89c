// Package aggregate computes aggregate fields over the related rows of a
// collection relation, grouped per parent key.
package aggregate

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"temporal-graphql/internal/backend"
	"temporal-graphql/internal/batch"
	"temporal-graphql/internal/engineerr"
	"temporal-graphql/internal/filter"
	"temporal-graphql/internal/planner"
	"temporal-graphql/internal/schema"
	"temporal-graphql/internal/sqltype"
	"temporal-graphql/internal/temporal"
)

// DefaultSeparator joins stringJoin values when no separator is requested.
const DefaultSeparator = ","

// Request is one aggregate value requested under an alias. An empty Field
// with FuncCount counts related rows. A non-empty Kinds restricts the kind
// of Field, as typed names like floatSum do.
type Request struct {
	Alias     string
	Field     string
	Function  schema.AggregateFunc
	Kinds     []sqltype.Kind
	Distinct  bool
	Separator *string
}

func (r Request) separator() string {
	if r.Separator == nil {
		return DefaultSeparator
	}
	return *r.Separator
}

// Evaluator evaluates aggregate requests, pushing sum/avg/max/count down
// to the backend as grouped statements when it can and computing the rest
// in memory over rows fetched through the batch loader.
type Evaluator struct {
	loader        *batch.Loader
	countDistinct bool
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithCountDistinct enables count(distinct: true).
func WithCountDistinct(enabled bool) Option {
	return func(e *Evaluator) {
		e.countDistinct = enabled
	}
}

// NewEvaluator creates an evaluator fetching through loader.
func NewEvaluator(loader *batch.Loader, opts ...Option) *Evaluator {
	e := &Evaluator{loader: loader}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validate checks every request against the relation target. path is the
// response path of the aggregate field.
func (e *Evaluator) Validate(reqs []Request, rel *schema.RelationDef, path string) error {
	seen := make(map[string]struct{}, len(reqs))
	for _, req := range reqs {
		reqPath := engineerr.JoinPath(path, req.Alias)
		if _, dup := seen[req.Alias]; dup {
			return engineerr.Configf(reqPath, "duplicate aggregate alias %q", req.Alias)
		}
		seen[req.Alias] = struct{}{}

		switch req.Function {
		case schema.FuncSum, schema.FuncAvg, schema.FuncMax, schema.FuncCount, schema.FuncStringJoin:
		default:
			return &engineerr.ConfigError{Path: reqPath, Operator: string(req.Function), Message: "unknown aggregate function"}
		}

		if req.Field == "" {
			if req.Function != schema.FuncCount {
				return &engineerr.ConfigError{Path: reqPath, Operator: string(req.Function), Message: "aggregate requires a field"}
			}
			if req.Distinct {
				return &engineerr.ConfigError{Path: reqPath, Operator: "count", Message: "distinct count requires a field"}
			}
			continue
		}

		field, ok := rel.Target.Field(req.Field)
		if !ok {
			return engineerr.Configf(engineerr.JoinPath(reqPath, "field"), "unknown field %q on %s", req.Field, rel.Target.Name)
		}
		if !field.SupportsFunction(req.Function) {
			return &engineerr.ConfigError{
				Path:     reqPath,
				Operator: string(req.Function),
				Expected: expectedKinds(req.Function),
				Message:  fmt.Sprintf("field %q (%s) does not support this aggregate", req.Field, describe(field)),
			}
		}
		if len(req.Kinds) > 0 && !slices.Contains(req.Kinds, field.Kind) {
			return &engineerr.ConfigError{
				Path:     reqPath,
				Operator: string(req.Function),
				Expected: kindList(req.Kinds),
				Message:  fmt.Sprintf("field %q (%s) does not match the requested type", req.Field, describe(field)),
			}
		}
		if req.Distinct {
			switch req.Function {
			case schema.FuncStringJoin:
			case schema.FuncCount:
				if !e.countDistinct {
					return &engineerr.ConfigError{Path: reqPath, Operator: "count", Message: "distinct count is not enabled"}
				}
			default:
				return &engineerr.ConfigError{Path: reqPath, Operator: string(req.Function), Message: "distinct is only supported by count and stringJoin"}
			}
		}
		if req.Separator != nil && req.Function != schema.FuncStringJoin {
			return &engineerr.ConfigError{Path: reqPath, Operator: string(req.Function), Message: "separator is only supported by stringJoin"}
		}
	}
	return nil
}

func describe(f *schema.FieldDef) string {
	if f.List {
		return "list of " + f.Kind.String()
	}
	return f.Kind.String()
}

func kindList(kinds []sqltype.Kind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return strings.Join(names, " or ")
}

func expectedKinds(fn schema.AggregateFunc) string {
	switch fn {
	case schema.FuncSum, schema.FuncAvg:
		return "int or float"
	case schema.FuncMax:
		return "int, float, string, date or datetime"
	case schema.FuncStringJoin:
		return "string or list of string"
	default:
		return ""
	}
}

// canPushDown reports whether req can be computed by a grouped statement
// for rel on a backend with the given capabilities.
func canPushDown(req Request, rel *schema.RelationDef, caps backend.Capabilities) bool {
	if !caps.AggregatePushdown || !planner.CanPushDown(req.Function) {
		return false
	}
	switch rel.Strategy {
	case schema.JoinMappedBy:
	case schema.JoinTable:
		if rel.Owner.Source.Kind != schema.SourceTable {
			return false
		}
	default:
		return false
	}
	if rel.Target.Source.Kind != schema.SourceTable {
		return false
	}
	if req.Field != "" {
		if f, ok := rel.Target.Field(req.Field); ok && f.List {
			return false
		}
	}
	return true
}

// Evaluate computes every request for every parent key. The result holds
// one entry per parent key (by batch.KeyString) mapping alias to value.
// count of no rows is 0; every other function of no rows is nil.
func (e *Evaluator) Evaluate(ctx context.Context, reqs []Request, rel *schema.RelationDef, parentKeys []any, expr *filter.Expr, tctx *temporal.Context) (map[string]map[string]any, error) {
	if err := e.Validate(reqs, rel, rel.QualifiedName()); err != nil {
		return nil, err
	}

	out := make(map[string]map[string]any, len(parentKeys))
	for _, pk := range parentKeys {
		if pk == nil {
			continue
		}
		values := make(map[string]any, len(reqs))
		for _, req := range reqs {
			values[req.Alias] = emptyValue(req)
		}
		out[batch.KeyString(pk)] = values
	}
	if len(out) == 0 || len(reqs) == 0 {
		return out, nil
	}

	caps := e.loader.Backend().Capabilities()
	var pushed, inMemory []Request
	for _, req := range reqs {
		if canPushDown(req, rel, caps) {
			pushed = append(pushed, req)
		} else {
			inMemory = append(inMemory, req)
		}
	}

	if len(pushed) > 0 {
		if err := e.evaluatePushed(ctx, pushed, rel, parentKeys, expr, tctx, out); err != nil {
			return nil, err
		}
	}
	if len(inMemory) > 0 {
		if err := e.evaluateInMemory(ctx, inMemory, rel, parentKeys, expr, tctx, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func emptyValue(req Request) any {
	if req.Function == schema.FuncCount {
		return int64(0)
	}
	return nil
}

func (e *Evaluator) evaluatePushed(ctx context.Context, reqs []Request, rel *schema.RelationDef, parentKeys []any, expr *filter.Expr, tctx *temporal.Context, out map[string]map[string]any) error {
	cols := make([]planner.AggregateColumn, len(reqs))
	for i, req := range reqs {
		col := planner.AggregateColumn{Function: req.Function, Distinct: req.Distinct, Alias: req.Alias}
		if req.Field != "" {
			f, _ := rel.Target.Field(req.Field)
			col.Column = f.Column
		}
		cols[i] = col
	}

	grouped, err := e.loader.LoadAggregates(ctx, rel, cols, parentKeys, expr, tctx)
	if err != nil {
		return err
	}
	for parent, row := range grouped {
		values, ok := out[parent]
		if !ok {
			continue
		}
		for _, req := range reqs {
			v, err := decodePushed(req, rel.Target, row[req.Alias])
			if err != nil {
				return fmt.Errorf("aggregate %s: %w", req.Alias, err)
			}
			values[req.Alias] = v
		}
	}
	return nil
}

func decodePushed(req Request, target *schema.EntityType, raw any) (any, error) {
	if raw == nil {
		return emptyValue(req), nil
	}
	var (
		v   any
		err error
	)
	switch req.Function {
	case schema.FuncCount:
		v, err = sqltype.Decode(sqltype.KindInt, false, raw)
	case schema.FuncAvg:
		v, err = sqltype.Decode(sqltype.KindFloat, false, raw)
	default:
		f, _ := target.Field(req.Field)
		v, err = sqltype.Decode(f.Kind, false, raw)
	}
	if err != nil {
		return nil, err
	}
	return normalizeFloat(v), nil
}

// normalizeFloat rounds float results to 15 significant digits so that
// grouped statements and in-memory folds agree on the same rows.
func normalizeFloat(v any) any {
	f, ok := v.(float64)
	if !ok {
		return v
	}
	rounded, err := strconv.ParseFloat(strconv.FormatFloat(f, 'g', 15, 64), 64)
	if err != nil {
		return f
	}
	return rounded
}

func (e *Evaluator) evaluateInMemory(ctx context.Context, reqs []Request, rel *schema.RelationDef, parentKeys []any, expr *filter.Expr, tctx *temporal.Context, out map[string]map[string]any) error {
	key := rel.Target.KeyField()
	cols := []planner.Projection{planner.FieldProjection(key)}
	added := map[string]bool{key.Name: true}
	for _, req := range reqs {
		if req.Field == "" || added[req.Field] {
			continue
		}
		f, _ := rel.Target.Field(req.Field)
		cols = append(cols, planner.FieldProjection(f))
		added[req.Field] = true
	}

	rows, err := e.loader.Load(ctx, batch.Request{
		Relation: rel,
		Keys:     parentKeys,
		Columns:  cols,
		Filter:   expr,
		Context:  tctx,
	})
	if err != nil {
		return err
	}
	for parent, related := range rows {
		values, ok := out[parent]
		if !ok {
			continue
		}
		for _, req := range reqs {
			v, err := Compute(req, rel.Target, related)
			if err != nil {
				return fmt.Errorf("aggregate %s: %w", req.Alias, err)
			}
			values[req.Alias] = v
		}
	}
	return nil
}

// Compute evaluates one request over decoded related rows.
func Compute(req Request, target *schema.EntityType, rows []backend.Row) (any, error) {
	v, err := compute(req, target, rows)
	if err != nil {
		return nil, err
	}
	return normalizeFloat(v), nil
}

func compute(req Request, target *schema.EntityType, rows []backend.Row) (any, error) {
	if req.Field == "" {
		return int64(len(rows)), nil
	}
	field, ok := target.Field(req.Field)
	if !ok {
		return nil, fmt.Errorf("unknown field %q", req.Field)
	}
	values := columnValues(rows, field)

	switch req.Function {
	case schema.FuncCount:
		if req.Distinct {
			return int64(len(distinct(values))), nil
		}
		return int64(len(values)), nil
	case schema.FuncSum:
		return sum(values, field.Kind)
	case schema.FuncAvg:
		return avg(values)
	case schema.FuncMax:
		return maxOf(values, field.Kind)
	case schema.FuncStringJoin:
		return stringJoin(values, req.Distinct, req.separator()), nil
	default:
		return nil, fmt.Errorf("unknown aggregate function %q", req.Function)
	}
}

// columnValues returns the non-null values of field, flattening lists.
func columnValues(rows []backend.Row, field *schema.FieldDef) []any {
	values := make([]any, 0, len(rows))
	for _, row := range rows {
		v := row[field.Name]
		if v == nil {
			continue
		}
		if field.List {
			if list, ok := v.([]any); ok {
				for _, item := range list {
					if item != nil {
						values = append(values, item)
					}
				}
				continue
			}
		}
		values = append(values, v)
	}
	return values
}

func distinct(values []any) []any {
	seen := make(map[string]struct{}, len(values))
	out := make([]any, 0, len(values))
	for _, v := range values {
		k := fmt.Sprint(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}

func sum(values []any, kind sqltype.Kind) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	if kind == sqltype.KindInt {
		var total int64
		for _, v := range values {
			n, ok := v.(int64)
			if !ok {
				return nil, fmt.Errorf("sum: unexpected %T", v)
			}
			total += n
		}
		return total, nil
	}
	var total float64
	for _, v := range values {
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("sum: unexpected %T", v)
		}
		total += f
	}
	return total, nil
}

func avg(values []any) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	var total float64
	for _, v := range values {
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("avg: unexpected %T", v)
		}
		total += f
	}
	return total / float64(len(values)), nil
}

func maxOf(values []any, kind sqltype.Kind) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	best := values[0]
	for _, v := range values[1:] {
		greater, err := greaterThan(v, best, kind)
		if err != nil {
			return nil, err
		}
		if greater {
			best = v
		}
	}
	return best, nil
}

func greaterThan(a, b any, kind sqltype.Kind) (bool, error) {
	if kind.IsNumeric() {
		fa, okA := toFloat(a)
		fb, okB := toFloat(b)
		if !okA || !okB {
			return false, fmt.Errorf("max: unexpected %T / %T", a, b)
		}
		return fa > fb, nil
	}
	// Strings, dates and datetimes are canonical text and order lexically.
	sa, okA := a.(string)
	sb, okB := b.(string)
	if !okA || !okB {
		return false, fmt.Errorf("max: unexpected %T / %T", a, b)
	}
	return sa > sb, nil
}

func stringJoin(values []any, unique bool, separator string) any {
	if unique {
		values = distinct(values)
	}
	if len(values) == 0 {
		return nil
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, separator)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
