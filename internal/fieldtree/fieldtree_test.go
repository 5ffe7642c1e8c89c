package fieldtree

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"temporal-graphql/internal/engineerr"
	"temporal-graphql/internal/schema"
	"temporal-graphql/internal/sqltype"
)

func TestParseArgs(t *testing.T) {
	args, err := ParseArgs(map[string]any{
		"first":     float64(2),
		"offset":    json.Number("1"),
		"filter":    map[string]any{"name": map[string]any{"eq": "X"}},
		"separator": " | ",
		"distinct":  true,
		"field":     "weight",
	}, "breweries")
	require.NoError(t, err)
	require.NotNil(t, args.First)
	require.NotNil(t, args.Offset)
	assert.Equal(t, 2, *args.First)
	assert.Equal(t, 1, *args.Offset)
	assert.Equal(t, " | ", *args.Separator)
	assert.True(t, args.Distinct)
	assert.Equal(t, "weight", args.Field)
	assert.Contains(t, args.Filter, "name")
	assert.False(t, args.HasKey)
}

func TestParseArgs_Errors(t *testing.T) {
	tests := []struct {
		name     string
		raw      map[string]any
		wantPath string
	}{
		{"unknown argument", map[string]any{"orderBy": "name"}, "beers.orderBy"},
		{"fractional first", map[string]any{"first": 1.5}, "beers.first"},
		{"negative offset", map[string]any{"offset": -1}, "beers.offset"},
		{"filter not an object", map[string]any{"filter": "name"}, "beers.filter"},
		{"distinct not a boolean", map[string]any{"distinct": "yes"}, "beers.distinct"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseArgs(tt.raw, "beers")
			var ce *engineerr.ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.wantPath, ce.Path)
		})
	}
}

func TestParseArgs_Key(t *testing.T) {
	args, err := ParseArgs(map[string]any{"key": nil}, "brewery")
	require.NoError(t, err)
	assert.True(t, args.HasKey)
	assert.Nil(t, args.Key)
}

func TestAggregateFunction(t *testing.T) {
	fn, ok := AggregateFunction("floatSum")
	require.True(t, ok)
	assert.Equal(t, schema.FuncSum, fn)

	fn, ok = AggregateFunction("dateMax")
	require.True(t, ok)
	assert.Equal(t, schema.FuncMax, fn)

	_, ok = AggregateFunction("median")
	assert.False(t, ok)
}

func TestAggregateKinds(t *testing.T) {
	assert.Equal(t, []sqltype.Kind{sqltype.KindFloat}, AggregateKinds("floatSum"))
	assert.Equal(t, []sqltype.Kind{sqltype.KindInt}, AggregateKinds("intAvg"))
	assert.Equal(t, []sqltype.Kind{sqltype.KindDate, sqltype.KindDateTime}, AggregateKinds("dateMax"))
	assert.Nil(t, AggregateKinds("max"))
	assert.Nil(t, AggregateKinds("count"))
	assert.Nil(t, AggregateKinds("median"))
}

func TestDecodeDocument(t *testing.T) {
	var input map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{
		"context": {"validOn": "2015-06-01"},
		"fields": [{
			"name": "breweries",
			"args": {"first": 2},
			"fields": [
				{"name": "name"},
				{"name": "beers", "alias": "recent", "args": {"filter": {"sinceDate": {"gte": "2016-01-01"}}},
				 "fields": [{"name": "name"}]}
			]
		}]
	}`), &input))

	doc, err := DecodeDocument(input)
	require.NoError(t, err)
	assert.Equal(t, "2015-06-01", doc.ValidOn)
	assert.Empty(t, doc.AvailableOn)
	require.Len(t, doc.Roots, 1)

	root := doc.Roots[0]
	assert.Equal(t, 2, *root.Args.First)
	require.Len(t, root.Children, 2)
	assert.Equal(t, "recent", root.Children[1].ResponseKey())
	assert.Equal(t, "beers", root.Children[1].Name)
	assert.Equal(t, 3, doc.Depth())
}

func TestDecodeDocument_Errors(t *testing.T) {
	_, err := DecodeDocument(map[string]any{"fields": []any{map[string]any{"alias": "x"}}})
	assert.True(t, engineerr.IsConfig(err))

	_, err = DecodeDocument(map[string]any{"fieldz": []any{}})
	assert.True(t, engineerr.IsConfig(err), "unknown top-level keys are rejected")

	_, err = DecodeDocument(map[string]any{"fields": []any{
		map[string]any{"name": "beers", "fields": []any{
			map[string]any{"name": "ingredients", "args": map[string]any{"sort": "asc"}},
		}},
	}})
	var ce *engineerr.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "beers.ingredients.sort", ce.Path)
}
