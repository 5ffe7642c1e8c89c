package planner

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"temporal-graphql/internal/backend"
	"temporal-graphql/internal/schema"
	"temporal-graphql/internal/sqlutil"
)

// AggregateColumn is one aggregate select expression. An empty Column with
// FuncCount counts rows.
type AggregateColumn struct {
	Function schema.AggregateFunc
	Column   string
	Distinct bool
	Alias    string
}

// SQLClause renders the aggregate expression.
func (a AggregateColumn) SQLClause() (string, error) {
	var fn string
	switch a.Function {
	case schema.FuncSum:
		fn = "SUM"
	case schema.FuncAvg:
		fn = "AVG"
	case schema.FuncMax:
		fn = "MAX"
	case schema.FuncCount:
		fn = "COUNT"
	default:
		return "", fmt.Errorf("aggregate function %q cannot be pushed down", a.Function)
	}
	if a.Column == "" {
		if a.Function != schema.FuncCount {
			return "", fmt.Errorf("%s requires a column", fn)
		}
		return "COUNT(*)", nil
	}
	arg := Column(a.Column)
	if a.Distinct {
		arg = "DISTINCT " + arg
	}
	return fn + "(" + arg + ")", nil
}

// CanPushDown reports whether fn can be evaluated by a grouped statement.
func CanPushDown(fn schema.AggregateFunc) bool {
	switch fn {
	case schema.FuncSum, schema.FuncAvg, schema.FuncMax, schema.FuncCount:
		return true
	default:
		return false
	}
}

// PlanAggregateBatch builds one grouped statement computing every aggregate
// column for every parent key of a collection relation. Each row carries
// the parent key as BatchParentAlias plus one column per alias.
func PlanAggregateBatch(src Source, rel *schema.RelationDef, aggs []AggregateColumn, keys []any, where sq.Sqlizer) (backend.Statement, error) {
	if len(keys) == 0 {
		return backend.Statement{}, ErrNoKeys
	}
	if len(aggs) == 0 {
		return backend.Statement{}, fmt.Errorf("aggregate statement requires at least one column")
	}

	var groupColumn string
	switch rel.Strategy {
	case schema.JoinMappedBy:
		groupColumn = Column(rel.RemoteColumn)
	case schema.JoinTable:
		if rel.Owner.Source.Kind != schema.SourceTable {
			return backend.Statement{}, fmt.Errorf("relation %s: grouped aggregates need a relational join table", rel.QualifiedName())
		}
		groupColumn = sqlutil.Qualified(assocAlias, rel.JoinLocalColumn)
	default:
		return backend.Statement{}, fmt.Errorf("relation %s: aggregates need a collection relation", rel.QualifiedName())
	}

	columns := make([]string, 0, len(aggs)+1)
	columns = append(columns, groupColumn+" AS "+sqlutil.QuoteIdentifier(BatchParentAlias))
	for _, agg := range aggs {
		clause, err := agg.SQLClause()
		if err != nil {
			return backend.Statement{}, err
		}
		columns = append(columns, clause+" AS "+sqlutil.QuoteIdentifier(agg.Alias))
	}

	b := src.Apply(sq.Select(columns...))
	if rel.Strategy == schema.JoinTable {
		targetKey := rel.Target.KeyField().Column
		b = b.Join(strings.Join([]string{
			sqlutil.QuoteIdentifier(rel.JoinTable), "AS", sqlutil.QuoteIdentifier(assocAlias),
			"ON", sqlutil.Qualified(assocAlias, rel.JoinRemoteColumn), "=", Column(targetKey),
		}, " "))
	}
	b = b.Where(sq.Eq{groupColumn: keys})
	if where != nil {
		b = b.Where(where)
	}
	b = b.GroupBy(groupColumn)
	return toStatement(b)
}
