package sqltype

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapToKind(t *testing.T) {
	tests := []struct {
		sqlType  string
		expected Kind
	}{
		{"INT", KindInt},
		{"bigint", KindInt},
		{"int(11)", KindInt},
		{"DECIMAL(10,2)", KindFloat},
		{"real", KindFloat},
		{"boolean", KindBoolean},
		{"DATE", KindDate},
		{"datetime", KindDateTime},
		{"TIMESTAMP", KindDateTime},
		{"POINT", KindGeometry},
		{"varchar(255)", KindString},
		{"something_custom", KindString},
	}

	for _, tt := range tests {
		t.Run(tt.sqlType, func(t *testing.T) {
			assert.Equal(t, tt.expected, MapToKind(tt.sqlType))
		})
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("DateTime")
	require.NoError(t, err)
	assert.Equal(t, KindDateTime, k)
	assert.Equal(t, "datetime", k.String())

	_, err = ParseKind("blob")
	assert.Error(t, err)
}

func TestKindPredicates(t *testing.T) {
	assert.True(t, KindInt.IsNumeric())
	assert.True(t, KindFloat.IsNumeric())
	assert.False(t, KindDate.IsNumeric())
	assert.True(t, KindDate.IsOrdered())
	assert.False(t, KindString.IsOrdered())
	assert.False(t, KindBoolean.IsOrdered())
}

func TestDecode(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		v, err := Decode(KindInt, false, nil)
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("bytes to int", func(t *testing.T) {
		v, err := Decode(KindInt, false, []byte("42"))
		require.NoError(t, err)
		assert.Equal(t, int64(42), v)
	})

	t.Run("decimal bytes to float", func(t *testing.T) {
		v, err := Decode(KindFloat, false, []byte("22.20"))
		require.NoError(t, err)
		assert.InDelta(t, 22.2, v, 1e-9)
	})

	t.Run("integer to boolean", func(t *testing.T) {
		v, err := Decode(KindBoolean, false, int64(1))
		require.NoError(t, err)
		assert.Equal(t, true, v)
	})

	t.Run("time to date", func(t *testing.T) {
		v, err := Decode(KindDate, false, time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.Equal(t, "2016-01-01", v)
	})

	t.Run("rfc3339 to datetime", func(t *testing.T) {
		v, err := Decode(KindDateTime, false, "2016-01-01T10:30:00+02:00")
		require.NoError(t, err)
		assert.Equal(t, "2016-01-01 08:30:00", v)
	})

	t.Run("json list", func(t *testing.T) {
		v, err := Decode(KindString, true, `["a","b"]`)
		require.NoError(t, err)
		assert.Equal(t, []any{"a", "b"}, v)
	})

	t.Run("fractional int is rejected", func(t *testing.T) {
		_, err := Decode(KindInt, false, 1.5)
		assert.Error(t, err)
	})
}
