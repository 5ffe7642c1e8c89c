// Package planner builds the parameterised SQL statements the engine issues:
// root selects, batched relation lookups, association lookups and grouped
// aggregates. Statements always read through a Source aliased as SourceAlias.
package planner

import (
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"temporal-graphql/internal/backend"
	"temporal-graphql/internal/schema"
	"temporal-graphql/internal/sqltype"
	"temporal-graphql/internal/sqlutil"
)

// ErrNoKeys indicates a batch statement was requested without parent keys.
var ErrNoKeys = errors.New("no parent keys")

// BatchParentAlias is the column alias used to return parent keys in batch statements.
const BatchParentAlias = "__batch_parent_id"

// BatchChildAlias is the column alias for child keys in association statements.
const BatchChildAlias = "__batch_child_id"

const assocAlias = "__assoc"

// Projection selects one column of a source under an alias.
type Projection struct {
	Column string
	Alias  string
	Kind   sqltype.Kind
	List   bool
}

// FieldProjection projects a scalar field under its own name.
func FieldProjection(f *schema.FieldDef) Projection {
	return Projection{Column: f.Column, Alias: f.Name, Kind: f.Kind, List: f.List}
}

// HiddenAlias is the alias for a join column fetched only to follow a relation.
func HiddenAlias(column string) string {
	return "__col_" + column
}

// Page bounds a root statement. A nil Limit leaves the statement unbounded.
type Page struct {
	Limit  *uint64
	Offset uint64
}

// Bounded reports whether the page pushes a LIMIT into the statement.
func (p Page) Bounded() bool {
	return p.Limit != nil
}

// PlanSelect builds a root statement over src. Rows come back in backend
// order unless the page is bounded, in which case they are ordered by the
// key column so that windows are stable.
func PlanSelect(src Source, cols []Projection, keyColumn string, where sq.Sqlizer, page Page) (backend.Statement, error) {
	if len(cols) == 0 {
		return backend.Statement{}, fmt.Errorf("select requires at least one column")
	}
	b := src.Apply(sq.Select(projectionColumns(cols)...))
	if where != nil {
		b = b.Where(where)
	}
	if page.Bounded() {
		b = b.OrderBy(Column(keyColumn)).Limit(*page.Limit)
		if page.Offset > 0 {
			b = b.Offset(page.Offset)
		}
	}
	return toStatement(b)
}

// PlanBatch builds one statement fetching the rows of src whose matchColumn
// is in keys. The matched value is returned as BatchParentAlias so rows can
// be partitioned per parent. No ORDER BY is added; partitions keep backend
// order.
func PlanBatch(src Source, cols []Projection, matchColumn string, keys []any, where sq.Sqlizer) (backend.Statement, error) {
	if len(keys) == 0 {
		return backend.Statement{}, ErrNoKeys
	}
	columns := append(projectionColumns(cols), Column(matchColumn)+" AS "+sqlutil.QuoteIdentifier(BatchParentAlias))
	b := src.Apply(sq.Select(columns...)).
		Where(sq.Eq{Column(matchColumn): keys})
	if where != nil {
		b = b.Where(where)
	}
	return toStatement(b)
}

// PlanAssociation builds the first step of a join-table lookup: the
// (parent, child) key pairs for the given parent keys, in backend order.
func PlanAssociation(rel *schema.RelationDef, keys []any) (backend.Statement, error) {
	if len(keys) == 0 {
		return backend.Statement{}, ErrNoKeys
	}
	if rel.Strategy != schema.JoinTable {
		return backend.Statement{}, fmt.Errorf("relation %s does not use a join table", rel.QualifiedName())
	}

	local, remote, from, filter := associationShape(rel)
	b := sq.Select(
		local+" AS "+sqlutil.QuoteIdentifier(BatchParentAlias),
		remote+" AS "+sqlutil.QuoteIdentifier(BatchChildAlias),
	).From(from).Where(sq.Eq{local: keys})
	if filter != nil {
		b = b.Where(filter)
	}
	return toStatement(b)
}

// associationShape returns the qualified parent and child key columns, the
// FROM clause and an optional extra condition for a join-table relation.
func associationShape(rel *schema.RelationDef) (local, remote, from string, filter sq.Sqlizer) {
	if rel.Owner.Source.Kind == schema.SourceTriples {
		return sqlutil.Qualified(assocAlias, "subject"),
			sqlutil.Qualified(assocAlias, "object"),
			sqlutil.QuoteIdentifier(rel.Owner.Source.Table) + " AS " + sqlutil.QuoteIdentifier(assocAlias),
			sq.Eq{sqlutil.Qualified(assocAlias, "predicate"): rel.JoinTable}
	}
	return sqlutil.Qualified(assocAlias, rel.JoinLocalColumn),
		sqlutil.Qualified(assocAlias, rel.JoinRemoteColumn),
		sqlutil.QuoteIdentifier(rel.JoinTable) + " AS " + sqlutil.QuoteIdentifier(assocAlias),
		nil
}

func projectionColumns(cols []Projection) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = Column(c.Column) + " AS " + sqlutil.QuoteIdentifier(c.Alias)
	}
	return out
}

func toStatement(b sq.SelectBuilder) (backend.Statement, error) {
	query, args, err := b.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return backend.Statement{}, err
	}
	return backend.Statement{SQL: query, Args: args}, nil
}
