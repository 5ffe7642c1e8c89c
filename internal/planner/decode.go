package planner

import (
	"fmt"

	"temporal-graphql/internal/backend"
	"temporal-graphql/internal/sqltype"
)

// DecodeRows converts raw driver values for each projection into canonical
// values. Batch key aliases are carried over with byte slices turned into strings.
func DecodeRows(rows []backend.Row, cols []Projection) ([]backend.Row, error) {
	out := make([]backend.Row, len(rows))
	for i, raw := range rows {
		row := make(backend.Row, len(cols)+2)
		for _, c := range cols {
			v, err := sqltype.Decode(c.Kind, c.List, raw[c.Alias])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", c.Alias, err)
			}
			row[c.Alias] = v
		}
		for _, alias := range []string{BatchParentAlias, BatchChildAlias} {
			if v, ok := raw[alias]; ok {
				row[alias] = normalizeKey(v)
			}
		}
		out[i] = row
	}
	return out, nil
}

func normalizeKey(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
