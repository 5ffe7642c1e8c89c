package filter

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"temporal-graphql/internal/engineerr"
	"temporal-graphql/internal/planner"
	"temporal-graphql/internal/schema"
)

func beerSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Build(schema.Document{
		Entities: []schema.EntityDoc{
			{
				Name:   "brewery",
				Fields: []schema.FieldDoc{{Name: "id", Column: "identifier", Kind: "int"}, {Name: "name"}},
				Relations: []schema.RelationDoc{
					{Name: "beers", Target: "beer", Cardinality: "one_to_many", MappedBy: "brewery_id"},
				},
			},
			{
				Name: "beer",
				Fields: []schema.FieldDoc{
					{Name: "id", Column: "identifier", Kind: "int"},
					{Name: "name"},
					{Name: "abv", Kind: "float"},
					{Name: "soldOut", Column: "sold_out", Kind: "boolean", Nullable: true},
					{Name: "sinceDate", Column: "since_date", Kind: "date"},
					{Name: "location", Kind: "geometry"},
				},
				Relations: []schema.RelationDoc{
					{Name: "brewery", Target: "brewery", Cardinality: "many_to_one", OwningKey: "brewery_id"},
				},
				Aggregates: []schema.AggregateDoc{},
			},
		},
	})
	require.NoError(t, err)
	return s
}

func entity(t *testing.T, s *schema.Schema, name string) *schema.EntityType {
	t.Helper()
	e, ok := s.Entity(name)
	require.True(t, ok)
	return e
}

func translate(t *testing.T, e *schema.EntityType, input map[string]any) (string, []any) {
	t.Helper()
	expr, err := Parse(input, e, "filter")
	require.NoError(t, err)
	pred, err := Translate(expr)
	require.NoError(t, err)
	require.NotNil(t, pred)
	sql, args, err := pred.ToSql()
	require.NoError(t, err)
	return sql, args
}

func TestTranslate_SQL(t *testing.T) {
	s := beerSchema(t)
	beer := entity(t, s, "beer")

	tests := []struct {
		name     string
		input    map[string]any
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "equality",
			input:    map[string]any{"name": map[string]any{"eq": "Pils"}},
			wantSQL:  "`__src`.`name` = ?",
			wantArgs: []any{"Pils"},
		},
		{
			name:     "range on one field is an implicit AND",
			input:    map[string]any{"abv": map[string]any{"gt": 5, "lte": 7.5}},
			wantSQL:  "(`__src`.`abv` > ? AND `__src`.`abv` <= ?)",
			wantArgs: []any{5.0, 7.5},
		},
		{
			name:     "null equality",
			input:    map[string]any{"soldOut": map[string]any{"eq": nil}},
			wantSQL:  "`__src`.`sold_out` IS NULL",
			wantArgs: nil,
		},
		{
			name:     "negation",
			input:    map[string]any{"not": map[string]any{"name": map[string]any{"eq": "Pils"}}},
			wantSQL:  "NOT (`__src`.`name` = ?)",
			wantArgs: []any{"Pils"},
		},
		{
			name:     "date normalised",
			input:    map[string]any{"sinceDate": map[string]any{"gte": "2016-01-01T00:00:00Z"}},
			wantSQL:  "`__src`.`since_date` >= ?",
			wantArgs: []any{"2016-01-01"},
		},
		{
			name:     "json number integral",
			input:    map[string]any{"id": map[string]any{"eq": json.Number("3")}},
			wantSQL:  "`__src`.`identifier` = ?",
			wantArgs: []any{int64(3)},
		},
		{
			name:     "one hop relation",
			input:    map[string]any{"brewery": map[string]any{"name": map[string]any{"eq": "Brewery X"}}},
			wantSQL:  "EXISTS (SELECT 1 FROM `brewery` AS `__rel` WHERE `__rel`.`identifier` = `__src`.`brewery_id` AND `__rel`.`name` = ?)",
			wantArgs: []any{"Brewery X"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := translate(t, beer, tt.input)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestTranslate_MappedByRelation(t *testing.T) {
	s := beerSchema(t)
	brewery := entity(t, s, "brewery")

	sql, args := translate(t, brewery, map[string]any{"beers": map[string]any{"abv": map[string]any{"gt": 6.0}}})
	assert.Equal(t, "EXISTS (SELECT 1 FROM `beer` AS `__rel` WHERE `__rel`.`brewery_id` = `__src`.`identifier` AND `__rel`.`abv` > ?)", sql)
	assert.Equal(t, []any{6.0}, args)
}

func TestParse_Errors(t *testing.T) {
	s := beerSchema(t)
	beer := entity(t, s, "beer")

	tests := []struct {
		name     string
		input    map[string]any
		path     string
		operator string
	}{
		{"unknown field", map[string]any{"color": map[string]any{"eq": "red"}}, "filter.color", ""},
		{"unsupported operator on string", map[string]any{"name": map[string]any{"gt": "A"}}, "filter.name", "gt"},
		{"operand type mismatch", map[string]any{"abv": map[string]any{"gt": "strong"}}, "filter.abv", "gt"},
		{"fractional int", map[string]any{"id": map[string]any{"eq": 1.5}}, "filter.id", "eq"},
		{"null with range operator", map[string]any{"abv": map[string]any{"lt": nil}}, "filter.abv", "lt"},
		{"or is rejected", map[string]any{"or": []any{}}, "filter.or", ""},
		{"geometry has no operators", map[string]any{"location": map[string]any{"eq": "POINT(1 2)"}}, "filter.location", "eq"},
		{"two hops", map[string]any{"brewery": map[string]any{"beers": map[string]any{"name": map[string]any{"eq": "x"}}}}, "filter.brewery.beers", ""},
		{"operators must be an object", map[string]any{"name": "Pils"}, "filter.name", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input, beer, "filter")
			require.Error(t, err)
			var ce *engineerr.ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.path, ce.Path)
			assert.Equal(t, tt.operator, ce.Operator)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	s := beerSchema(t)
	expr, err := Parse(nil, entity(t, s, "beer"), "filter")
	require.NoError(t, err)
	assert.Nil(t, expr)

	pred, err := Translate(nil)
	require.NoError(t, err)
	assert.Nil(t, pred)
}

// TestRoundTrip runs translated predicates against SQLite and checks the
// selected rows, including negation and NULL handling.
func TestRoundTrip(t *testing.T) {
	s := beerSchema(t)
	beer := entity(t, s, "beer")

	db, err := sqlx.Connect("sqlite3", filepath.Join(t.TempDir(), "filter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	db.MustExec(`CREATE TABLE brewery (identifier INTEGER PRIMARY KEY, name TEXT)`)
	db.MustExec(`CREATE TABLE beer (identifier INTEGER PRIMARY KEY, name TEXT, abv REAL, sold_out INTEGER, since_date TEXT, location TEXT, brewery_id INTEGER)`)
	db.MustExec(`INSERT INTO brewery VALUES (1, 'Brewery X'), (2, 'Brewery Y')`)
	db.MustExec(`INSERT INTO beer VALUES
		(1, 'Pils', 4.8, 0, '2015-06-01', NULL, 1),
		(2, 'Tripel', 8.5, 1, '2016-03-01', NULL, 1),
		(3, 'Stout', 6.2, NULL, '2017-01-01', NULL, 2),
		(4, 'Saison', 6.5, 0, '2016-01-01', NULL, 2)`)

	ids := func(input map[string]any) []int64 {
		expr, err := Parse(input, beer, "filter")
		require.NoError(t, err)
		pred, err := Translate(expr)
		require.NoError(t, err)
		stmt, err := planner.PlanSelect(planner.BaseSource(beer), []planner.Projection{{Column: "identifier", Alias: "id"}}, "identifier", pred, planner.Page{})
		require.NoError(t, err)
		var out []int64
		require.NoError(t, db.Select(&out, stmt.SQL, stmt.Args...))
		return out
	}

	assert.Equal(t, []int64{2, 3, 4}, ids(map[string]any{"sinceDate": map[string]any{"gte": "2016-01-01"}}))
	assert.Equal(t, []int64{3, 4}, ids(map[string]any{"abv": map[string]any{"gt": 6, "lt": 8}}))
	assert.Equal(t, []int64{1, 3, 4}, ids(map[string]any{"not": map[string]any{"name": map[string]any{"eq": "Tripel"}}}))
	assert.Equal(t, []int64{3}, ids(map[string]any{"soldOut": map[string]any{"eq": nil}}))
	assert.Equal(t, []int64{2}, ids(map[string]any{"soldOut": map[string]any{"eq": true}}))
	assert.Equal(t, []int64{1, 4}, ids(map[string]any{"soldOut": map[string]any{"eq": false}}))
	assert.Equal(t, []int64{3, 4}, ids(map[string]any{"brewery": map[string]any{"name": map[string]any{"eq": "Brewery Y"}}}))
	assert.Equal(t, []int64{1, 2}, ids(map[string]any{"not": map[string]any{"brewery": map[string]any{"name": map[string]any{"eq": "Brewery Y"}}}}))
}
