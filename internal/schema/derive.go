package schema

import (
	"fmt"
	"strconv"
	"strings"
)

func builtinDerivations() map[string]DeriveFunc {
	return map[string]DeriveFunc{
		"point":  derivePoint,
		"concat": deriveConcat,
	}
}

// derivePoint builds a WKT point from (longitude, latitude).
func derivePoint(values []any) (any, error) {
	if len(values) != 2 {
		return nil, fmt.Errorf("point expects 2 values, got %d", len(values))
	}
	if values[0] == nil || values[1] == nil {
		return nil, nil
	}
	x, err := coordinate(values[0])
	if err != nil {
		return nil, err
	}
	y, err := coordinate(values[1])
	if err != nil {
		return nil, err
	}
	return "POINT(" + x + " " + y + ")", nil
}

func coordinate(v any) (string, error) {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64), nil
	case int64:
		return strconv.FormatInt(n, 10), nil
	case string:
		if _, err := strconv.ParseFloat(n, 64); err != nil {
			return "", fmt.Errorf("invalid coordinate %q", n)
		}
		return n, nil
	default:
		return "", fmt.Errorf("invalid coordinate %T", v)
	}
}

func deriveConcat(values []any) (any, error) {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if v == nil {
			continue
		}
		parts = append(parts, fmt.Sprint(v))
	}
	if len(parts) == 0 {
		return nil, nil
	}
	return strings.Join(parts, " "), nil
}
