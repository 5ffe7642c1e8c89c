// Package sqltype provides the scalar kinds used by entity fields and the
// mapping from SQL data types to those kinds, plus decoding of raw driver
// values into the canonical Go representation for each kind.
package sqltype

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind is the scalar category of an entity field.
type Kind int

const (
	// KindString is the default for text and unknown SQL types.
	KindString Kind = iota
	// KindInt represents integer numeric types.
	KindInt
	// KindFloat represents floating-point and fixed-point numeric types.
	KindFloat
	// KindBoolean represents boolean types.
	KindBoolean
	// KindDate represents calendar dates (YYYY-MM-DD).
	KindDate
	// KindDateTime represents instants, normalised to UTC.
	KindDateTime
	// KindGeometry represents spatial values carried as WKT text.
	KindGeometry
)

// Layouts used for canonical date and datetime values.
const (
	DateLayout     = "2006-01-02"
	DateTimeLayout = "2006-01-02 15:04:05"
)

// MapToKind converts a SQL data type string to its scalar kind.
// The input is case-insensitive. Size specifiers like (10,2) or (255) are stripped before matching.
func MapToKind(sqlType string) Kind {
	if idx := strings.Index(sqlType, "("); idx != -1 {
		sqlType = sqlType[:idx]
	}
	switch strings.ToUpper(strings.TrimSpace(sqlType)) {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT",
		"INTEGER", "BIGINT", "SERIAL", "BIT":
		return KindInt
	case "FLOAT", "DOUBLE", "REAL", "DECIMAL", "NUMERIC":
		return KindFloat
	case "BOOL", "BOOLEAN":
		return KindBoolean
	case "DATE":
		return KindDate
	case "DATETIME", "TIMESTAMP":
		return KindDateTime
	case "GEOMETRY", "POINT", "LINESTRING", "POLYGON", "MULTIPOINT",
		"MULTILINESTRING", "MULTIPOLYGON", "GEOMETRYCOLLECTION":
		return KindGeometry
	default:
		return KindString
	}
}

// ParseKind resolves a kind name as written in a schema descriptor.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "string", "text":
		return KindString, nil
	case "int", "integer":
		return KindInt, nil
	case "float", "decimal", "number":
		return KindFloat, nil
	case "boolean", "bool":
		return KindBoolean, nil
	case "date":
		return KindDate, nil
	case "datetime", "timestamp":
		return KindDateTime, nil
	case "geometry", "wkt":
		return KindGeometry, nil
	default:
		return KindString, fmt.Errorf("unknown scalar kind %q", name)
	}
}

// String returns the descriptor name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBoolean:
		return "boolean"
	case KindDate:
		return "date"
	case KindDateTime:
		return "datetime"
	case KindGeometry:
		return "geometry"
	default:
		return "string"
	}
}

// IsNumeric reports whether the kind supports arithmetic aggregates.
func (k Kind) IsNumeric() bool {
	return k == KindInt || k == KindFloat
}

// IsOrdered reports whether values of the kind support range comparison.
func (k Kind) IsOrdered() bool {
	switch k {
	case KindInt, KindFloat, KindDate, KindDateTime:
		return true
	default:
		return false
	}
}

// Decode converts a raw driver value into the canonical representation for
// kind: int64, float64, bool, or string (dates, datetimes and WKT).
// List fields are stored as JSON arrays and decode into []any.
func Decode(kind Kind, list bool, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if b, ok := raw.([]byte); ok {
		raw = string(b)
	}
	if list {
		return decodeList(kind, raw)
	}
	switch kind {
	case KindInt:
		return toInt(raw)
	case KindFloat:
		return toFloat(raw)
	case KindBoolean:
		return toBool(raw)
	case KindDate:
		return toTimeString(raw, DateLayout)
	case KindDateTime:
		return toTimeString(raw, DateTimeLayout)
	default:
		return fmt.Sprint(raw), nil
	}
}

func decodeList(kind Kind, raw any) (any, error) {
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case string:
		if strings.TrimSpace(v) == "" {
			return []any{}, nil
		}
		if err := json.Unmarshal([]byte(v), &items); err != nil {
			return nil, fmt.Errorf("failed to decode list value: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported list value %T", raw)
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		decoded, err := Decode(kind, false, item)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded)
	}
	return out, nil
}

func toInt(raw any) (any, error) {
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("value %v is not integral", v)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid int value %q: %w", v, err)
		}
		return n, nil
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("unsupported int value %T", raw)
	}
}

func toFloat(raw any) (any, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float value %q: %w", v, err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported float value %T", raw)
	}
}

func toBool(raw any) (any, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case int64:
		return v != 0, nil
	case int:
		return v != 0, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("invalid boolean value %q: %w", v, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported boolean value %T", raw)
	}
}

func toTimeString(raw any, layout string) (any, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC().Format(layout), nil
	case string:
		t, err := ParseTime(v)
		if err != nil {
			return v, nil
		}
		return t.Format(layout), nil
	default:
		return fmt.Sprint(raw), nil
	}
}

// ParseTime accepts the date and datetime spellings the engine understands
// and returns the instant in UTC.
func ParseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	layouts := []string{
		time.RFC3339Nano,
		DateTimeLayout,
		"2006-01-02T15:04:05",
		DateLayout,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date or datetime %q", value)
}
