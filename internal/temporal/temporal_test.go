package temporal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"temporal-graphql/internal/planner"
	"temporal-graphql/internal/schema"
)

var fixedNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func addressEntity(t *testing.T) *schema.EntityType {
	t.Helper()
	s, err := schema.Build(schema.Document{
		Entities: []schema.EntityDoc{
			{
				Name: "address",
				Fields: []schema.FieldDoc{
					{Name: "id", Column: "identifier", Kind: "int"},
					{Name: "street"},
				},
				Temporal: &schema.TemporalDoc{
					ValidFrom:     "valid_from",
					ValidTo:       "valid_to",
					AvailableFrom: "available_from",
					AvailableTo:   "available_to",
				},
			},
			{
				Name:   "plain",
				Fields: []schema.FieldDoc{{Name: "id", Kind: "int"}},
			},
		},
	})
	require.NoError(t, err)
	e, _ := s.Entity("address")
	return e
}

func TestParse(t *testing.T) {
	ctx, err := Parse("2015-06-01", "2016-01-01T10:00:00Z")
	require.NoError(t, err)
	require.NotNil(t, ctx.ValidOn)
	require.NotNil(t, ctx.AvailableOn)
	assert.Equal(t, time.Date(2015, 6, 1, 0, 0, 0, 0, time.UTC), *ctx.ValidOn)
	assert.Equal(t, time.Date(2016, 1, 1, 10, 0, 0, 0, time.UTC), *ctx.AvailableOn)

	ctx, err = Parse("", "")
	require.NoError(t, err)
	assert.Nil(t, ctx.ValidOn)

	_, err = Parse("yesterday", "")
	assert.Error(t, err)
}

func TestInstants_DefaultToClock(t *testing.T) {
	r := NewResolver(func() time.Time { return fixedNow })
	valid, available := r.Instants(nil)
	assert.Equal(t, fixedNow, valid)
	assert.Equal(t, fixedNow, available)

	v := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	valid, available = r.Instants(&Context{ValidOn: &v})
	assert.Equal(t, v, valid)
	assert.Equal(t, fixedNow, available)
}

func TestApply_NonTemporalIsNoop(t *testing.T) {
	s, err := schema.Build(schema.Document{Entities: []schema.EntityDoc{{Name: "plain", Fields: []schema.FieldDoc{{Name: "id", Kind: "int"}}}}})
	require.NoError(t, err)
	plain, _ := s.Entity("plain")

	base := planner.TableSource("plain")
	src, err := NewResolver(nil).Apply(base, &Context{}, plain)
	require.NoError(t, err)
	assert.Equal(t, base, src)
}

func TestApply_SQLShape(t *testing.T) {
	address := addressEntity(t)
	r := NewResolver(func() time.Time { return fixedNow })

	src, err := r.Apply(planner.BaseSource(address), nil, address)
	require.NoError(t, err)
	stmt, err := planner.PlanSelect(src, []planner.Projection{{Column: "street", Alias: "street"}}, "identifier", nil, planner.Page{})
	require.NoError(t, err)

	assert.Contains(t, stmt.SQL, "ROW_NUMBER() OVER (PARTITION BY `__src`.`identifier` ORDER BY `__src`.`valid_from` DESC, `__src`.`available_from` DESC, `__src`.`valid_to` DESC, `__src`.`available_to` DESC, `__src`.`street`) AS `__version_rank`")
	assert.Contains(t, stmt.SQL, "(`__src`.`valid_from` <= ? AND (`__src`.`valid_to` IS NULL OR `__src`.`valid_to` > ?))")
	assert.Contains(t, stmt.SQL, "AS `__versions` WHERE `__version_rank` = 1) AS `__src`")
	assert.NotContains(t, stmt.SQL, "`__version_rank` = 1) AS `__src` ORDER BY")
	assert.Equal(t, []any{
		"2026-10-16 12:00:00", "2026-10-16 12:00:00",
		"2026-10-16 12:00:00", "2026-10-16 12:00:00",
	}, stmt.Args)
}

func TestApply_SelectsVisibleVersion(t *testing.T) {
	address := addressEntity(t)
	r := NewResolver(func() time.Time { return fixedNow })

	db, err := sqlx.Connect("sqlite3", filepath.Join(t.TempDir(), "temporal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	db.MustExec(`CREATE TABLE address (
		identifier INTEGER, street TEXT,
		valid_from TEXT, valid_to TEXT, available_from TEXT, available_to TEXT)`)
	db.MustExec(`INSERT INTO address VALUES
		(10, 'Old Street', '2000-01-01 00:00:00', NULL, '2000-01-01 00:00:00', NULL),
		(10, 'New Street', '2010-01-01 00:00:00', NULL, '2012-01-01 00:00:00', NULL),
		(11, 'Main Road', '2000-01-01 00:00:00', '2020-01-01 00:00:00', '2000-01-01 00:00:00', NULL),
		(11, 'Main Road (corrected)', '2000-01-01 00:00:00', '2020-01-01 00:00:00', '2005-01-01 00:00:00', NULL),
		(12, 'Late Lane', '2020-01-01 00:00:00', NULL, '2000-01-01 00:00:00', NULL)`)

	streets := func(validOn, availableOn string) []string {
		tctx, err := Parse(validOn, availableOn)
		require.NoError(t, err)
		src, err := r.Apply(planner.BaseSource(address), tctx, address)
		require.NoError(t, err)
		stmt, err := planner.PlanSelect(src, []planner.Projection{{Column: "street", Alias: "street"}}, "identifier", nil, planner.Page{})
		require.NoError(t, err)
		var out []string
		require.NoError(t, db.Select(&out, stmt.SQL, stmt.Args...))
		return out
	}

	t.Run("absent context means now", func(t *testing.T) {
		assert.Equal(t, []string{"New Street", "Late Lane"}, streets("", ""))
	})

	t.Run("validity narrows versions", func(t *testing.T) {
		assert.Equal(t, []string{"Old Street", "Main Road (corrected)"}, streets("2005-06-01", ""))
	})

	t.Run("availability hides later corrections", func(t *testing.T) {
		assert.Equal(t, []string{"Old Street", "Main Road"}, streets("2015-01-01", "2003-01-01"))
	})

	t.Run("exclusive upper bound", func(t *testing.T) {
		assert.Equal(t, []string{"New Street", "Late Lane"}, streets("2020-01-01", ""))
	})

	t.Run("before any version is empty", func(t *testing.T) {
		assert.Empty(t, streets("1990-01-01", ""))
	})

	t.Run("deterministic for a fixed context", func(t *testing.T) {
		first := streets("2015-01-01", "2013-01-01")
		for i := 0; i < 3; i++ {
			assert.Equal(t, first, streets("2015-01-01", "2013-01-01"))
		}
		assert.Equal(t, []string{"New Street", "Main Road (corrected)"}, first)
	})
}

func TestApply_BreaksTiesOnIdenticalStarts(t *testing.T) {
	address := addressEntity(t)
	r := NewResolver(func() time.Time { return fixedNow })

	pick := func(t *testing.T, rows string) []string {
		t.Helper()
		db, err := sqlx.Connect("sqlite3", filepath.Join(t.TempDir(), "ties.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		db.MustExec(`CREATE TABLE address (
			identifier INTEGER, street TEXT,
			valid_from TEXT, valid_to TEXT, available_from TEXT, available_to TEXT)`)
		db.MustExec(`INSERT INTO address VALUES ` + rows)

		src, err := r.Apply(planner.BaseSource(address), nil, address)
		require.NoError(t, err)
		stmt, err := planner.PlanSelect(src, []planner.Projection{{Column: "street", Alias: "street"}}, "identifier", nil, planner.Page{})
		require.NoError(t, err)
		var out []string
		require.NoError(t, db.Select(&out, stmt.SQL, stmt.Args...))
		return out
	}

	t.Run("later end wins", func(t *testing.T) {
		got := pick(t, `
			(20, 'Short Lease', '2000-01-01 00:00:00', '2030-01-01 00:00:00', '2000-01-01 00:00:00', NULL),
			(20, 'Long Lease', '2000-01-01 00:00:00', '2040-01-01 00:00:00', '2000-01-01 00:00:00', NULL)`)
		assert.Equal(t, []string{"Long Lease"}, got)
	})

	t.Run("identical intervals fall back to field values", func(t *testing.T) {
		for _, rows := range []string{
			`(21, 'Twin B', '2000-01-01 00:00:00', NULL, '2000-01-01 00:00:00', NULL),
			 (21, 'Twin A', '2000-01-01 00:00:00', NULL, '2000-01-01 00:00:00', NULL)`,
			`(21, 'Twin A', '2000-01-01 00:00:00', NULL, '2000-01-01 00:00:00', NULL),
			 (21, 'Twin B', '2000-01-01 00:00:00', NULL, '2000-01-01 00:00:00', NULL)`,
		} {
			assert.Equal(t, []string{"Twin A"}, pick(t, rows))
		}
	})
}
