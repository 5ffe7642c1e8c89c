package aggregate

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"temporal-graphql/internal/backend"
	"temporal-graphql/internal/batch"
	"temporal-graphql/internal/engineerr"
	"temporal-graphql/internal/filter"
	"temporal-graphql/internal/schema"
	"temporal-graphql/internal/sqltype"
	"temporal-graphql/internal/testutil"
)

type noPushdown struct {
	backend.Backend
}

func (noPushdown) Capabilities() backend.Capabilities {
	return backend.Capabilities{}
}

func strPtr(s string) *string { return &s }

func weightRequests() []Request {
	return []Request{
		{Alias: "totalWeight", Field: "weight", Function: schema.FuncSum},
		{Alias: "averageWeight", Field: "weight", Function: schema.FuncAvg},
		{Alias: "maxWeight", Field: "weight", Function: schema.FuncMax},
		{Alias: "count", Function: schema.FuncCount},
	}
}

func TestEvaluate_IngredientWeights(t *testing.T) {
	fx := testutil.NewBrewery(t)
	beer := fx.Entity(t, "beer")
	rel, _ := beer.Relation("ingredients")

	backends := map[string]backend.Backend{
		"pushdown":  fx.Backend,
		"in memory": noPushdown{fx.Backend},
	}
	for name, b := range backends {
		t.Run(name, func(t *testing.T) {
			ev := NewEvaluator(batch.NewLoader(b))
			for i := 0; i < 3; i++ {
				got, err := ev.Evaluate(context.Background(), weightRequests(), rel, []any{int64(1), int64(2), int64(3)}, nil, nil)
				require.NoError(t, err)

				assert.Equal(t, 22.2, got["1"]["totalWeight"])
				assert.Equal(t, 3.7, got["1"]["averageWeight"])
				assert.Equal(t, 6.6, got["1"]["maxWeight"])
				assert.Equal(t, int64(6), got["1"]["count"])

				encoded, err := json.Marshal(got["1"])
				require.NoError(t, err)
				assert.JSONEq(t, `{"totalWeight":22.2,"averageWeight":3.7,"maxWeight":6.6,"count":6}`, string(encoded))

				assert.Nil(t, got["3"]["totalWeight"])
				assert.Nil(t, got["3"]["averageWeight"])
				assert.Nil(t, got["3"]["maxWeight"])
				assert.Equal(t, int64(0), got["3"]["count"])
			}
		})
	}
}

func TestEvaluate_PushdownIssuesOneGroupedStatement(t *testing.T) {
	fx := testutil.NewBrewery(t)
	beer := fx.Entity(t, "beer")
	rel, _ := beer.Relation("ingredients")

	_, err := NewEvaluator(batch.NewLoader(fx.Backend)).Evaluate(context.Background(), weightRequests(), rel, []any{int64(1), int64(2)}, nil, nil)
	require.NoError(t, err)

	require.Len(t, fx.Backend.Aggregates(), 1)
	assert.Empty(t, fx.Backend.Statements())
	sql := fx.Backend.Aggregates()[0].SQL
	assert.Contains(t, sql, "SUM(`__src`.`weight`) AS `totalWeight`")
	assert.Contains(t, sql, "COUNT(*) AS `count`")
	assert.Contains(t, sql, "GROUP BY `__src`.`beer_id`")
}

func TestEvaluate_SameFunctionUnderTwoAliases(t *testing.T) {
	fx := testutil.NewBrewery(t)
	beer := fx.Entity(t, "beer")
	rel, _ := beer.Relation("ingredients")

	reqs := []Request{
		{Alias: "a", Field: "weight", Function: schema.FuncAvg},
		{Alias: "b", Field: "weight", Function: schema.FuncAvg},
		{Alias: "x", Field: "name", Function: schema.FuncStringJoin},
		{Alias: "y", Field: "name", Function: schema.FuncStringJoin},
	}
	got, err := NewEvaluator(batch.NewLoader(fx.Backend)).Evaluate(context.Background(), reqs, rel, []any{int64(1)}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, got["1"]["a"], got["1"]["b"])
	assert.Equal(t, got["1"]["x"], got["1"]["y"])
}

func TestEvaluate_StringJoin(t *testing.T) {
	fx := testutil.NewBrewery(t)
	beer := fx.Entity(t, "beer")
	brewery := fx.Entity(t, "brewery")
	ingredients, _ := beer.Relation("ingredients")
	beers, _ := brewery.Relation("beers")
	ev := NewEvaluator(batch.NewLoader(fx.Backend))
	ctx := context.Background()

	got, err := ev.Evaluate(ctx, []Request{
		{Alias: "all", Field: "name", Function: schema.FuncStringJoin, Separator: strPtr(" | ")},
		{Alias: "unique", Field: "name", Function: schema.FuncStringJoin, Distinct: true},
	}, ingredients, []any{int64(1), int64(3)}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Water | Malt | Wheat | Oats | Hops | Hops", got["1"]["all"])
	assert.Equal(t, "Water,Malt,Wheat,Oats,Hops", got["1"]["unique"])
	assert.Nil(t, got["3"]["all"])

	tags, err := ev.Evaluate(ctx, []Request{
		{Alias: "tags", Field: "tags", Function: schema.FuncStringJoin},
	}, beers, []any{int64(1), int64(2), int64(3)}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "hoppy,pale,dark", tags["1"]["tags"])
	assert.Equal(t, "strong,pale", tags["2"]["tags"])
	assert.Nil(t, tags["3"]["tags"])
}

func TestEvaluate_FilteredAndJoinTable(t *testing.T) {
	fx := testutil.NewBrewery(t)
	brewery := fx.Entity(t, "brewery")
	beer := fx.Entity(t, "beer")
	beers, _ := brewery.Relation("beers")
	categories, _ := beer.Relation("categories")
	ev := NewEvaluator(batch.NewLoader(fx.Backend))
	ctx := context.Background()

	expr, err := filter.Parse(map[string]any{"sinceDate": map[string]any{"gte": "2016-01-01"}}, beer, "filter")
	require.NoError(t, err)
	counts, err := ev.Evaluate(ctx, []Request{{Alias: "n", Function: schema.FuncCount}}, beers,
		[]any{int64(1), int64(2), int64(3), int64(4)}, expr, nil)
	require.NoError(t, err)
	var sizes []int64
	for _, k := range []string{"1", "2", "3", "4"} {
		sizes = append(sizes, counts[k]["n"].(int64))
	}
	assert.Equal(t, []int64{1, 2, 0, 1}, sizes)

	cats, err := ev.Evaluate(ctx, []Request{{Alias: "n", Function: schema.FuncCount}}, categories, []any{int64(4), int64(3)}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cats["4"]["n"])
	assert.Equal(t, int64(1), cats["3"]["n"])
	assert.Contains(t, fx.Backend.Aggregates()[1].SQL, "JOIN `beer_category` AS `__assoc`")
}

func TestValidate(t *testing.T) {
	fx := testutil.NewBrewery(t)
	beer := fx.Entity(t, "beer")
	rel, _ := beer.Relation("ingredients")

	tests := []struct {
		name     string
		req      Request
		distinct bool
		wantPath string
		wantOp   string
	}{
		{"unsupported function for kind", Request{Alias: "s", Field: "name", Function: schema.FuncSum}, false, "beer.ingredientAgg.s", "sum"},
		{"unknown field", Request{Alias: "s", Field: "colour", Function: schema.FuncMax}, false, "beer.ingredientAgg.s.field", ""},
		{"distinct count disabled", Request{Alias: "d", Field: "name", Function: schema.FuncCount, Distinct: true}, false, "beer.ingredientAgg.d", "count"},
		{"distinct sum", Request{Alias: "d", Field: "weight", Function: schema.FuncSum, Distinct: true}, true, "beer.ingredientAgg.d", "sum"},
		{"separator on max", Request{Alias: "m", Field: "name", Function: schema.FuncMax, Separator: strPtr(";")}, false, "beer.ingredientAgg.m", "max"},
		{"sum without field", Request{Alias: "m", Function: schema.FuncSum}, false, "beer.ingredientAgg.m", "sum"},
		{"int sum of float field", Request{Alias: "w", Field: "weight", Function: schema.FuncSum, Kinds: []sqltype.Kind{sqltype.KindInt}}, false, "beer.ingredientAgg.w", "sum"},
		{"date max of float field", Request{Alias: "w", Field: "weight", Function: schema.FuncMax, Kinds: []sqltype.Kind{sqltype.KindDate, sqltype.KindDateTime}}, false, "beer.ingredientAgg.w", "max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := NewEvaluator(batch.NewLoader(fx.Backend), WithCountDistinct(tt.distinct))
			err := ev.Validate([]Request{tt.req}, rel, "beer.ingredientAgg")
			require.Error(t, err)
			var ce *engineerr.ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.wantPath, ce.Path)
			assert.Equal(t, tt.wantOp, ce.Operator)
		})
	}

	t.Run("invalid request issues no statement", func(t *testing.T) {
		ev := NewEvaluator(batch.NewLoader(fx.Backend))
		_, err := ev.Evaluate(context.Background(), []Request{{Alias: "s", Field: "name", Function: schema.FuncSum}}, rel, []any{int64(1)}, nil, nil)
		assert.True(t, engineerr.IsConfig(err))
		assert.Zero(t, fx.Backend.Count())
	})
}

func TestValidate_TypedNameMatchingKind(t *testing.T) {
	fx := testutil.NewBrewery(t)
	beer := fx.Entity(t, "beer")
	rel, _ := beer.Relation("ingredients")

	ev := NewEvaluator(batch.NewLoader(fx.Backend))
	err := ev.Validate([]Request{
		{Alias: "w", Field: "weight", Function: schema.FuncSum, Kinds: []sqltype.Kind{sqltype.KindFloat}},
		{Alias: "n", Field: "id", Function: schema.FuncMax, Kinds: []sqltype.Kind{sqltype.KindInt}},
	}, rel, "beer.ingredientAgg")
	assert.NoError(t, err)
}

func TestEvaluate_CountDistinctWhenEnabled(t *testing.T) {
	fx := testutil.NewBrewery(t)
	beer := fx.Entity(t, "beer")
	rel, _ := beer.Relation("ingredients")

	reqs := []Request{{Alias: "names", Field: "name", Function: schema.FuncCount, Distinct: true}}
	for _, b := range []backend.Backend{fx.Backend, noPushdown{fx.Backend}} {
		got, err := NewEvaluator(batch.NewLoader(b), WithCountDistinct(true)).Evaluate(context.Background(), reqs, rel, []any{int64(1)}, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(5), got["1"]["names"])
	}
}

func TestNormalizeFloat(t *testing.T) {
	assert.Equal(t, 22.2, normalizeFloat(22.200000000000003))
	assert.Equal(t, 3.7, normalizeFloat(3.6999999999999997))
	assert.Equal(t, 3.7, normalizeFloat(3.7000000000000006))
	assert.Equal(t, int64(7), normalizeFloat(int64(7)))
	assert.Equal(t, "x", normalizeFloat("x"))
	assert.Nil(t, normalizeFloat(nil))
}

func TestCompute_FloatFoldsMatchDecimalText(t *testing.T) {
	fx := testutil.NewBrewery(t)
	ingredient := fx.Entity(t, "ingredient")

	var rows []backend.Row
	for _, w := range []float64{6.6, 5.5, 4.4, 3.3, 1.3, 1.1} {
		rows = append(rows, backend.Row{"weight": w})
	}
	total, err := Compute(Request{Alias: "t", Field: "weight", Function: schema.FuncSum}, ingredient, rows)
	require.NoError(t, err)
	average, err := Compute(Request{Alias: "a", Field: "weight", Function: schema.FuncAvg}, ingredient, rows)
	require.NoError(t, err)

	encoded, err := json.Marshal(map[string]any{"t": total, "a": average})
	require.NoError(t, err)
	assert.JSONEq(t, `{"t":22.2,"a":3.7}`, string(encoded))
}

func TestCompute_MaxOfDates(t *testing.T) {
	fx := testutil.NewBrewery(t)
	beer := fx.Entity(t, "beer")

	rows := []backend.Row{{"sinceDate": "2017-03-01"}, {"sinceDate": nil}, {"sinceDate": "2019-09-09"}, {"sinceDate": "2010-01-01"}}
	got, err := Compute(Request{Alias: "latest", Field: "sinceDate", Function: schema.FuncMax}, beer, rows)
	require.NoError(t, err)
	assert.Equal(t, "2019-09-09", got)

	got, err = Compute(Request{Alias: "n", Field: "sinceDate", Function: schema.FuncCount}, beer, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got, "count of a field skips nulls")
}
