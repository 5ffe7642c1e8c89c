package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"temporal-graphql/internal/backend"
	"temporal-graphql/internal/filter"
	"temporal-graphql/internal/planner"
	"temporal-graphql/internal/schema"
	"temporal-graphql/internal/temporal"
	"temporal-graphql/internal/testutil"
)

var fixedNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func projections(e *schema.EntityType, names ...string) []planner.Projection {
	cols := make([]planner.Projection, 0, len(names))
	for _, name := range names {
		f, _ := e.Field(name)
		cols = append(cols, planner.FieldProjection(f))
	}
	return cols
}

func names(rows []backend.Row) []string {
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i], _ = row["name"].(string)
	}
	return out
}

func newLoader(fx *testutil.Brewery, opts ...Option) *Loader {
	opts = append([]Option{WithTemporalResolver(temporal.NewResolver(func() time.Time { return fixedNow }))}, opts...)
	return NewLoader(fx.Backend, opts...)
}

func TestLoad_MappedByWithFilter(t *testing.T) {
	fx := testutil.NewBrewery(t)
	brewery := fx.Entity(t, "brewery")
	beer := fx.Entity(t, "beer")
	rel, _ := brewery.Relation("beers")

	expr, err := filter.Parse(map[string]any{"sinceDate": map[string]any{"gte": "2016-01-01"}}, beer, "breweries.beers.filter")
	require.NoError(t, err)

	got, err := newLoader(fx).Load(context.Background(), Request{
		Relation: rel,
		Keys:     []any{int64(1), int64(2), int64(3), int64(4)},
		Columns:  projections(beer, "id", "name"),
		Filter:   expr,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, fx.Backend.Count(), "one statement for all parents")
	require.Len(t, got, 4)
	assert.Equal(t, []string{"Pale Ale"}, names(got["1"]))
	assert.Equal(t, []string{"Pils", "Tripel"}, names(got["2"]))
	assert.Equal(t, []string{}, names(got["3"]))
	assert.Equal(t, []string{"IPA"}, names(got["4"]))

	assert.Equal(t, backend.Row{"id": int64(1), "name": "Pale Ale"}, got["1"][0], "batch alias removed")
}

func TestLoad_ChunksLargeKeySets(t *testing.T) {
	fx := testutil.NewBrewery(t)
	brewery := fx.Entity(t, "brewery")
	beer := fx.Entity(t, "beer")
	rel, _ := brewery.Relation("beers")

	got, err := newLoader(fx, WithMaxInClause(2)).Load(context.Background(), Request{
		Relation: rel,
		Keys:     []any{int64(1), int64(2), int64(3), int64(4), int64(2)},
		Columns:  projections(beer, "id", "name"),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, fx.Backend.Count())
	for _, stmt := range fx.Backend.Statements() {
		assert.Len(t, stmt.Args, 2)
	}
	assert.Equal(t, []string{"Pale Ale", "Old Stout"}, names(got["1"]))
	assert.Equal(t, []string{"Pils", "Tripel", "Dubbel"}, names(got["2"]))
	assert.Empty(t, got["3"])
}

func TestLoad_OwningKey(t *testing.T) {
	fx := testutil.NewBrewery(t)
	beer := fx.Entity(t, "beer")
	brewery := fx.Entity(t, "brewery")
	rel, _ := beer.Relation("brewery")

	got, err := newLoader(fx).Load(context.Background(), Request{
		Relation: rel,
		Keys:     []any{int64(2), nil, int64(1), int64(9)},
		Columns:  projections(brewery, "id", "name"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Brewery Y"}, names(got["2"]))
	assert.Equal(t, []string{"Brewery X"}, names(got["1"]))
	assert.Empty(t, got["9"])
	assert.Equal(t, 1, fx.Backend.Count())
}

func TestLoad_JoinTableKeepsAssociationOrder(t *testing.T) {
	fx := testutil.NewBrewery(t)
	beer := fx.Entity(t, "beer")
	category := fx.Entity(t, "category")
	rel, _ := beer.Relation("categories")

	got, err := newLoader(fx).Load(context.Background(), Request{
		Relation: rel,
		Keys:     []any{int64(4), int64(1), int64(3)},
		Columns:  projections(category, "id", "name"),
	})
	require.NoError(t, err)

	require.Equal(t, 2, fx.Backend.Count(), "association step plus child step")
	assert.Contains(t, fx.Backend.Statements()[0].SQL, "FROM `beer_category` AS `__assoc`")
	assert.Equal(t, []string{"Belgian", "Ale"}, names(got["4"]))
	assert.Equal(t, []string{"Ale"}, names(got["1"]))
	assert.Equal(t, []string{"Lager"}, names(got["3"]))
}

func TestLoad_JoinTableWithFilteredChildren(t *testing.T) {
	fx := testutil.NewBrewery(t)
	beer := fx.Entity(t, "beer")
	category := fx.Entity(t, "category")
	rel, _ := beer.Relation("categories")

	expr, err := filter.Parse(map[string]any{"not": map[string]any{"name": map[string]any{"eq": "Ale"}}}, category, "filter")
	require.NoError(t, err)

	got, err := newLoader(fx).Load(context.Background(), Request{
		Relation: rel,
		Keys:     []any{int64(4), int64(1)},
		Columns:  projections(category, "id", "name"),
		Filter:   expr,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Belgian"}, names(got["4"]))
	assert.Empty(t, got["1"])
}

func TestLoad_TemporalTarget(t *testing.T) {
	fx := testutil.NewBrewery(t)
	brewery := fx.Entity(t, "brewery")
	address := fx.Entity(t, "address")
	rel, _ := brewery.Relation("address")

	streets := func(tctx *temporal.Context) map[string][]string {
		got, err := newLoader(fx).Load(context.Background(), Request{
			Relation: rel,
			Keys:     []any{int64(1), int64(2), int64(3), int64(4)},
			Columns:  projections(address, "id", "street"),
			Context:  tctx,
		})
		require.NoError(t, err)
		out := make(map[string][]string, len(got))
		for k, rows := range got {
			for _, row := range rows {
				out[k] = append(out[k], row["street"].(string))
			}
		}
		return out
	}

	assert.Equal(t, map[string][]string{
		"1": {"New Street 5"},
		"2": {"Main Road 3a"},
		"4": {"Late Lane 9"},
	}, streets(nil))

	past, err := temporal.Parse("2015-06-01", "2010-01-01")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"1": {"Old Street 1"},
		"2": {"Main Road 3"},
	}, streets(past))
}

func TestLoad_BackendErrorFailsBatch(t *testing.T) {
	fx := testutil.NewBrewery(t)
	brewery := fx.Entity(t, "brewery")
	beer := fx.Entity(t, "beer")
	rel, _ := brewery.Relation("beers")

	boom := assert.AnError
	fx.Backend.FailMatching("FROM `beer`", boom)

	_, err := newLoader(fx).Load(context.Background(), Request{
		Relation: rel,
		Keys:     []any{int64(1)},
		Columns:  projections(beer, "id", "name"),
	})
	assert.ErrorIs(t, err, boom)
}

func TestLoad_NoKeysIssuesNothing(t *testing.T) {
	fx := testutil.NewBrewery(t)
	brewery := fx.Entity(t, "brewery")
	rel, _ := brewery.Relation("beers")

	got, err := newLoader(fx).Load(context.Background(), Request{Relation: rel, Keys: []any{nil}})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, fx.Backend.Count())
}

func TestLoadAggregates(t *testing.T) {
	fx := testutil.NewBrewery(t)
	beer := fx.Entity(t, "beer")
	rel, _ := beer.Relation("ingredients")

	aggs := []planner.AggregateColumn{
		{Function: schema.FuncSum, Column: "weight", Alias: "total"},
		{Function: schema.FuncCount, Alias: "n"},
	}
	got, err := newLoader(fx).LoadAggregates(context.Background(), rel, aggs, []any{int64(1), int64(2), int64(3)}, nil, nil)
	require.NoError(t, err)

	require.Len(t, fx.Backend.Aggregates(), 1)
	require.Contains(t, got, "1")
	assert.InDelta(t, 22.2, got["1"]["total"], 1e-9)
	assert.EqualValues(t, 6, got["1"]["n"])
	assert.InDelta(t, 2.5, got["2"]["total"], 1e-9)
	assert.NotContains(t, got, "3", "parents without rows have no group")
}
