package planner

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"temporal-graphql/internal/schema"
	"temporal-graphql/internal/sqltype"
	"temporal-graphql/internal/sqlutil"
)

// SourceAlias is the alias every statement gives the relation it reads an
// entity from; column references are always qualified with it.
const SourceAlias = "__src"

// Source is the FROM relation for an entity: a table, or a derived
// relation such as a triple pivot or a temporally narrowed version set.
type Source struct {
	table string
	sub   *sq.SelectBuilder
}

// TableSource reads an entity directly from a table.
func TableSource(table string) Source {
	return Source{table: table}
}

// DerivedSource reads an entity from a sub-select.
func DerivedSource(b sq.SelectBuilder) Source {
	return Source{sub: &b}
}

// IsDerived reports whether the source is a sub-select.
func (s Source) IsDerived() bool {
	return s.sub != nil
}

// Apply sets the FROM clause of b to the source, aliased as SourceAlias.
func (s Source) Apply(b sq.SelectBuilder) sq.SelectBuilder {
	return s.ApplyAs(b, SourceAlias)
}

// ApplyAs sets the FROM clause of b to the source under a custom alias,
// for correlated sub-selects.
func (s Source) ApplyAs(b sq.SelectBuilder, alias string) sq.SelectBuilder {
	if s.sub != nil {
		return b.FromSelect(*s.sub, sqlutil.QuoteIdentifier(alias))
	}
	return b.From(sqlutil.QuoteIdentifier(s.table) + " AS " + sqlutil.QuoteIdentifier(alias))
}

// Column returns a qualified reference to column within the source.
func Column(column string) string {
	return sqlutil.Qualified(SourceAlias, column)
}

// BaseSource returns the unversioned source for an entity.
func BaseSource(e *schema.EntityType) Source {
	if e.Source.Kind == schema.SourceTriples {
		return pivotSource(e)
	}
	return TableSource(e.Source.Table)
}

type pivotColumn struct {
	predicate string
	kind      sqltype.Kind
	list      bool
}

// pivotColumns lists every predicate the pivot must expose for e: scalar
// fields, owning relation keys, and temporal bounds.
func pivotColumns(e *schema.EntityType) []pivotColumn {
	seen := map[string]bool{schema.SubjectColumn: true}
	var cols []pivotColumn
	add := func(predicate string, kind sqltype.Kind, list bool) {
		if predicate == "" || seen[predicate] {
			return
		}
		seen[predicate] = true
		cols = append(cols, pivotColumn{predicate: predicate, kind: kind, list: list})
	}
	for _, f := range e.Fields {
		add(f.Column, f.Kind, f.List)
	}
	for _, r := range e.Relations {
		if r.Strategy == schema.JoinOwningKey {
			add(r.LocalColumn, sqltype.KindString, false)
		}
	}
	for _, column := range e.InverseColumns() {
		add(column, sqltype.KindString, false)
	}
	if t := e.Temporal; t != nil {
		add(t.ValidFrom, sqltype.KindDateTime, false)
		add(t.ValidTo, sqltype.KindDateTime, false)
		add(t.AvailableFrom, sqltype.KindDateTime, false)
		add(t.AvailableTo, sqltype.KindDateTime, false)
	}
	return cols
}

// pivotSource turns subject/predicate/object rows into one row per subject
// of the entity's class, with one column per predicate.
func pivotSource(e *schema.EntityType) Source {
	table := sqlutil.QuoteIdentifier(e.Source.Table)
	subject := sqlutil.Qualified("s", "subject")

	b := sq.Select(subject + " AS " + sqlutil.QuoteIdentifier(schema.SubjectColumn))
	for _, c := range pivotColumns(e) {
		b = b.Column(sq.Alias(sq.Expr(pivotValueSQL(table, c), c.predicate), sqlutil.QuoteIdentifier(c.predicate)))
	}
	b = b.From(table + " AS `s`").
		Where(sq.Eq{
			sqlutil.Qualified("s", "predicate"): e.Source.TypePredicate,
			sqlutil.Qualified("s", "object"):    e.Source.Class,
		})
	return DerivedSource(b)
}

func pivotValueSQL(table string, c pivotColumn) string {
	object := sqlutil.Qualified("o", "object")
	if c.list {
		return fmt.Sprintf(
			"SELECT json_group_array(%s) FROM %s AS `o` WHERE %s = %s AND %s = ?",
			object, table, sqlutil.Qualified("o", "subject"), sqlutil.Qualified("s", "subject"), sqlutil.Qualified("o", "predicate"),
		)
	}
	value := object
	switch c.kind {
	case sqltype.KindInt, sqltype.KindBoolean:
		value = "CAST(" + object + " AS INTEGER)"
	case sqltype.KindFloat:
		value = "CAST(" + object + " AS REAL)"
	}
	return fmt.Sprintf(
		"SELECT %s FROM %s AS `o` WHERE %s = %s AND %s = ? LIMIT 1",
		value, table, sqlutil.Qualified("o", "subject"), sqlutil.Qualified("s", "subject"), sqlutil.Qualified("o", "predicate"),
	)
}
