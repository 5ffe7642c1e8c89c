// Package filter parses filter arguments against an entity and translates
// them into parameterised SQL predicates.
//
// Sibling fields combine with AND; `not` negates any sub-expression.
// Cross-field OR is not supported. A relation name may be used as a key to
// filter on a directly related entity (one hop), rendered as EXISTS.
package filter

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"

	"temporal-graphql/internal/engineerr"
	"temporal-graphql/internal/planner"
	"temporal-graphql/internal/schema"
	"temporal-graphql/internal/sqltype"
	"temporal-graphql/internal/sqlutil"
)

// Predicate is a translated filter fragment.
type Predicate = sq.Sqlizer

// ExprKind tags a filter tree node.
type ExprKind int

const (
	// Compare is a field/operator/operand leaf.
	Compare ExprKind = iota
	// And groups sibling expressions.
	And
	// Not negates its single child.
	Not
	// Related filters on a directly related entity.
	Related
)

// Expr is a validated filter tree for one entity.
type Expr struct {
	Kind     ExprKind
	Path     string
	Field    *schema.FieldDef
	Operator schema.Operator
	Operand  any
	Relation *schema.RelationDef
	Children []*Expr
}

const notKey = "not"

// Parse validates a filter input map against entity. An empty map yields nil.
func Parse(input map[string]any, entity *schema.EntityType, path string) (*Expr, error) {
	return parse(input, entity, path, false)
}

func parse(input map[string]any, entity *schema.EntityType, path string, nested bool) (*Expr, error) {
	if len(input) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(input))
	for key := range input {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	group := &Expr{Kind: And, Path: path}
	for _, key := range keys {
		value := input[key]
		keyPath := engineerr.JoinPath(path, key)

		switch key {
		case notKey:
			inner, ok := asMap(value)
			if !ok {
				return nil, engineerr.Configf(keyPath, "not expects an object")
			}
			child, err := parse(inner, entity, keyPath, nested)
			if err != nil {
				return nil, err
			}
			if child != nil {
				group.Children = append(group.Children, &Expr{Kind: Not, Path: keyPath, Children: []*Expr{child}})
			}
			continue
		case "or", "OR":
			return nil, engineerr.Configf(keyPath, "OR filters are not supported")
		}

		sel, ok := entity.Lookup(key)
		if !ok {
			return nil, engineerr.Configf(keyPath, "unknown field %q on %s", key, entity.Name)
		}

		switch sel.Kind {
		case schema.FieldScalar:
			leaves, err := parseField(sel.Scalar, value, keyPath)
			if err != nil {
				return nil, err
			}
			group.Children = append(group.Children, leaves...)
		case schema.FieldRelation:
			if nested {
				return nil, engineerr.Configf(keyPath, "relation filters are limited to one hop")
			}
			inner, ok := asMap(value)
			if !ok {
				return nil, engineerr.Configf(keyPath, "relation filter expects an object")
			}
			child, err := parse(inner, sel.Relation.Target, keyPath, true)
			if err != nil {
				return nil, err
			}
			group.Children = append(group.Children, &Expr{
				Kind:     Related,
				Path:     keyPath,
				Relation: sel.Relation,
				Children: compact(child),
			})
		default:
			return nil, engineerr.Configf(keyPath, "%s field %q cannot be filtered", sel.Kind, key)
		}
	}

	if len(group.Children) == 0 {
		return nil, nil
	}
	if len(group.Children) == 1 {
		return group.Children[0], nil
	}
	return group, nil
}

func parseField(field *schema.FieldDef, value any, path string) ([]*Expr, error) {
	ops, ok := asMap(value)
	if !ok {
		return nil, engineerr.Configf(path, "field filter expects an object of operators")
	}

	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	leaves := make([]*Expr, 0, len(names))
	for _, name := range names {
		op := schema.Operator(name)
		if !field.SupportsOperator(op) {
			return nil, &engineerr.ConfigError{
				Path:     path,
				Operator: name,
				Expected: field.Kind.String(),
				Message:  "unsupported operator",
			}
		}
		operand, err := normalizeOperand(field, op, ops[name])
		if err != nil {
			return nil, &engineerr.ConfigError{
				Path:     path,
				Operator: name,
				Expected: field.Kind.String(),
				Message:  err.Error(),
			}
		}
		leaves = append(leaves, &Expr{
			Kind:     Compare,
			Path:     path,
			Field:    field,
			Operator: op,
			Operand:  operand,
		})
	}
	return leaves, nil
}

func compact(e *Expr) []*Expr {
	if e == nil {
		return nil
	}
	return []*Expr{e}
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func normalizeOperand(field *schema.FieldDef, op schema.Operator, v any) (any, error) {
	if v == nil {
		if op != schema.OpEq {
			return nil, fmt.Errorf("null operand is only valid with eq")
		}
		return nil, nil
	}
	switch field.Kind {
	case sqltype.KindString, sqltype.KindGeometry:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("operand type mismatch: got %T", v)
		}
		return s, nil
	case sqltype.KindInt:
		return normalizeInt(v)
	case sqltype.KindFloat:
		return normalizeFloat(v)
	case sqltype.KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("operand type mismatch: got %T", v)
		}
		return b, nil
	case sqltype.KindDate:
		return normalizeTime(v, sqltype.DateLayout)
	case sqltype.KindDateTime:
		return normalizeTime(v, sqltype.DateTimeLayout)
	default:
		return nil, fmt.Errorf("unsupported field kind %s", field.Kind)
	}
}

func normalizeInt(v any) (any, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return nil, fmt.Errorf("operand type mismatch: %v is not an integer", n)
		}
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("operand type mismatch: %s is not an integer", n)
		}
		return i, nil
	default:
		return nil, fmt.Errorf("operand type mismatch: got %T", v)
	}
}

func normalizeFloat(v any) (any, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("operand type mismatch: %s is not a number", n)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("operand type mismatch: got %T", v)
	}
}

func normalizeTime(v any, layout string) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(layout), nil
	case string:
		parsed, err := sqltype.ParseTime(t)
		if err != nil {
			return nil, fmt.Errorf("operand type mismatch: %v", err)
		}
		return parsed.Format(layout), nil
	default:
		return nil, fmt.Errorf("operand type mismatch: got %T", v)
	}
}

// SourceFunc resolves the relation an entity is read from, so related
// entities in EXISTS sub-selects get the same narrowing as top-level reads.
type SourceFunc func(*schema.EntityType) (planner.Source, error)

// Translator renders filter trees as SQL predicates.
type Translator struct {
	sources SourceFunc
}

// NewTranslator creates a translator. A nil sources uses the base source of each entity.
func NewTranslator(sources SourceFunc) *Translator {
	if sources == nil {
		sources = func(e *schema.EntityType) (planner.Source, error) {
			return planner.BaseSource(e), nil
		}
	}
	return &Translator{sources: sources}
}

// Translate renders expr for a statement reading entity as planner.SourceAlias.
func Translate(expr *Expr) (Predicate, error) {
	return NewTranslator(nil).Translate(expr, planner.SourceAlias)
}

// Translate renders expr with column references qualified by alias.
// A nil expr yields a nil predicate.
func (t *Translator) Translate(expr *Expr, alias string) (Predicate, error) {
	if expr == nil {
		return nil, nil
	}
	switch expr.Kind {
	case Compare:
		return compare(sqlutil.Qualified(alias, expr.Field.Column), expr.Operator, expr.Operand)
	case And:
		parts := make(sq.And, 0, len(expr.Children))
		for _, child := range expr.Children {
			p, err := t.Translate(child, alias)
			if err != nil {
				return nil, err
			}
			parts = append(parts, p)
		}
		return parts, nil
	case Not:
		inner, err := t.Translate(expr.Children[0], alias)
		if err != nil {
			return nil, err
		}
		sql, args, err := inner.ToSql()
		if err != nil {
			return nil, err
		}
		return sq.Expr("NOT ("+sql+")", args...), nil
	case Related:
		return t.exists(expr, alias)
	default:
		return nil, fmt.Errorf("unknown filter node kind %d", expr.Kind)
	}
}

func compare(column string, op schema.Operator, operand any) (Predicate, error) {
	switch op {
	case schema.OpEq:
		return sq.Eq{column: operand}, nil
	case schema.OpGt:
		return sq.Gt{column: operand}, nil
	case schema.OpGte:
		return sq.GtOrEq{column: operand}, nil
	case schema.OpLt:
		return sq.Lt{column: operand}, nil
	case schema.OpLte:
		return sq.LtOrEq{column: operand}, nil
	default:
		return nil, fmt.Errorf("unknown operator %q", op)
	}
}

const (
	relatedAlias = "__rel"
	linkAlias    = "__link"
)

// exists renders a one-hop relation filter as a correlated EXISTS sub-select.
func (t *Translator) exists(expr *Expr, outerAlias string) (Predicate, error) {
	rel := expr.Relation
	target := rel.Target
	src, err := t.sources(target)
	if err != nil {
		return nil, err
	}

	b := src.ApplyAs(sq.Select("1"), relatedAlias)
	targetKey := sqlutil.Qualified(relatedAlias, target.KeyField().Column)
	ownerKey := sqlutil.Qualified(outerAlias, rel.Owner.KeyField().Column)

	switch rel.Strategy {
	case schema.JoinOwningKey:
		b = b.Where(targetKey + " = " + sqlutil.Qualified(outerAlias, rel.LocalColumn))
	case schema.JoinMappedBy:
		b = b.Where(sqlutil.Qualified(relatedAlias, rel.RemoteColumn) + " = " + ownerKey)
	case schema.JoinTable:
		if rel.Owner.Source.Kind == schema.SourceTriples {
			b = b.Join(sqlutil.QuoteIdentifier(rel.Owner.Source.Table) + " AS " + sqlutil.QuoteIdentifier(linkAlias) +
				" ON " + sqlutil.Qualified(linkAlias, "object") + " = " + targetKey).
				Where(sqlutil.Qualified(linkAlias, "subject") + " = " + ownerKey).
				Where(sq.Eq{sqlutil.Qualified(linkAlias, "predicate"): rel.JoinTable})
		} else {
			b = b.Join(sqlutil.QuoteIdentifier(rel.JoinTable) + " AS " + sqlutil.QuoteIdentifier(linkAlias) +
				" ON " + sqlutil.Qualified(linkAlias, rel.JoinRemoteColumn) + " = " + targetKey).
				Where(sqlutil.Qualified(linkAlias, rel.JoinLocalColumn) + " = " + ownerKey)
		}
	}

	for _, child := range expr.Children {
		p, err := t.Translate(child, relatedAlias)
		if err != nil {
			return nil, err
		}
		b = b.Where(p)
	}

	sql, args, err := b.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return nil, err
	}
	return sq.Expr("EXISTS ("+sql+")", args...), nil
}
