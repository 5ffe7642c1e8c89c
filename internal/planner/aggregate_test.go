package planner

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"temporal-graphql/internal/schema"
)

func TestAggregateColumn_SQLClause(t *testing.T) {
	tests := []struct {
		name string
		col  AggregateColumn
		want string
	}{
		{"sum", AggregateColumn{Function: schema.FuncSum, Column: "weight"}, "SUM(`__src`.`weight`)"},
		{"avg", AggregateColumn{Function: schema.FuncAvg, Column: "weight"}, "AVG(`__src`.`weight`)"},
		{"max", AggregateColumn{Function: schema.FuncMax, Column: "weight"}, "MAX(`__src`.`weight`)"},
		{"count rows", AggregateColumn{Function: schema.FuncCount}, "COUNT(*)"},
		{"count distinct", AggregateColumn{Function: schema.FuncCount, Column: "name", Distinct: true}, "COUNT(DISTINCT `__src`.`name`)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.col.SQLClause()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := AggregateColumn{Function: schema.FuncStringJoin, Column: "name"}.SQLClause()
	assert.Error(t, err)
	_, err = AggregateColumn{Function: schema.FuncSum}.SQLClause()
	assert.Error(t, err)
}

func TestCanPushDown(t *testing.T) {
	assert.True(t, CanPushDown(schema.FuncSum))
	assert.True(t, CanPushDown(schema.FuncCount))
	assert.False(t, CanPushDown(schema.FuncStringJoin))
}

func TestPlanAggregateBatch_MappedBy(t *testing.T) {
	s := testSchema(t)
	beer, _ := s.Entity("beer")
	rel, _ := beer.Relation("ingredients")

	stmt, err := PlanAggregateBatch(BaseSource(rel.Target), rel, []AggregateColumn{
		{Function: schema.FuncSum, Column: "weight", Alias: "total"},
		{Function: schema.FuncCount, Alias: "n"},
	}, []any{1}, nil)
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "aggregate_mapped_by", []byte(stmt.SQL+"\n"))
	assert.Equal(t, []any{1}, stmt.Args)
}

func TestPlanAggregateBatch_JoinTable(t *testing.T) {
	s := testSchema(t)
	beer, _ := s.Entity("beer")
	rel, _ := beer.Relation("categories")

	stmt, err := PlanAggregateBatch(BaseSource(rel.Target), rel, []AggregateColumn{
		{Function: schema.FuncCount, Alias: "n"},
	}, []any{1, 2}, nil)
	require.NoError(t, err)

	assert.Equal(t,
		"SELECT `__assoc`.`beer_id` AS `__batch_parent_id`, COUNT(*) AS `n` FROM `category` AS `__src` "+
			"JOIN `beer_category` AS `__assoc` ON `__assoc`.`category_id` = `__src`.`identifier` "+
			"WHERE `__assoc`.`beer_id` IN (?,?) GROUP BY `__assoc`.`beer_id`",
		stmt.SQL)
	assert.Equal(t, []any{1, 2}, stmt.Args)
}

func TestPlanAggregateBatch_Errors(t *testing.T) {
	s := testSchema(t)
	beer, _ := s.Entity("beer")
	rel, _ := beer.Relation("ingredients")
	owning, _ := beer.Relation("brewery")

	_, err := PlanAggregateBatch(BaseSource(rel.Target), rel, []AggregateColumn{{Function: schema.FuncCount, Alias: "n"}}, nil, nil)
	assert.ErrorIs(t, err, ErrNoKeys)

	_, err = PlanAggregateBatch(BaseSource(owning.Target), owning, []AggregateColumn{{Function: schema.FuncCount, Alias: "n"}}, []any{1}, nil)
	assert.Error(t, err)
}
