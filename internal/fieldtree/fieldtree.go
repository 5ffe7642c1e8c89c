// Package fieldtree is the engine's input: the tree of requested fields
// with their arguments, as produced by a protocol adapter.
package fieldtree

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"temporal-graphql/internal/engineerr"
	"temporal-graphql/internal/schema"
	"temporal-graphql/internal/sqltype"
)

// Node is one requested field. Children are kept in request order.
type Node struct {
	Name     string
	Alias    string
	Args     Args
	Children []*Node
}

// Args are the arguments a node may carry. Which ones apply depends on the
// kind of field the node resolves to.
type Args struct {
	Filter map[string]any
	First  *int
	Offset *int
	// Key selects a single root entity.
	Key    any
	HasKey bool

	// Field, Distinct and Separator parameterise aggregate functions.
	Field     string
	Distinct  bool
	Separator *string
}

// ResponseKey is the key the node's value is written under.
func (n *Node) ResponseKey() string {
	if n.Alias != "" {
		return n.Alias
	}
	return n.Name
}

// Depth returns the number of levels in the subtree rooted at n.
func (n *Node) Depth() int {
	deepest := 0
	for _, c := range n.Children {
		if d := c.Depth(); d > deepest {
			deepest = d
		}
	}
	return deepest + 1
}

// Document is a complete request: root fields plus the temporal context
// as raw ISO-8601 strings.
type Document struct {
	Roots       []*Node
	ValidOn     string
	AvailableOn string
}

// Depth returns the depth of the deepest root.
func (d *Document) Depth() int {
	deepest := 0
	for _, r := range d.Roots {
		if depth := r.Depth(); depth > deepest {
			deepest = depth
		}
	}
	return deepest
}

type aggregateName struct {
	fn    schema.AggregateFunc
	kinds []sqltype.Kind
}

var (
	intKind    = []sqltype.Kind{sqltype.KindInt}
	floatKind  = []sqltype.Kind{sqltype.KindFloat}
	stringKind = []sqltype.Kind{sqltype.KindString}
	dateKinds  = []sqltype.Kind{sqltype.KindDate, sqltype.KindDateTime}
)

// Typed names restrict the field kind they aggregate; bare names accept any
// kind the function supports.
var aggregateNames = map[string]aggregateName{
	"sum":        {fn: schema.FuncSum},
	"intSum":     {fn: schema.FuncSum, kinds: intKind},
	"floatSum":   {fn: schema.FuncSum, kinds: floatKind},
	"avg":        {fn: schema.FuncAvg},
	"intAvg":     {fn: schema.FuncAvg, kinds: intKind},
	"floatAvg":   {fn: schema.FuncAvg, kinds: floatKind},
	"max":        {fn: schema.FuncMax},
	"intMax":     {fn: schema.FuncMax, kinds: intKind},
	"floatMax":   {fn: schema.FuncMax, kinds: floatKind},
	"stringMax":  {fn: schema.FuncMax, kinds: stringKind},
	"dateMax":    {fn: schema.FuncMax, kinds: dateKinds},
	"count":      {fn: schema.FuncCount},
	"stringJoin": {fn: schema.FuncStringJoin},
}

// AggregateFunction maps a requested aggregate field name such as
// "floatSum" to its function.
func AggregateFunction(name string) (schema.AggregateFunc, bool) {
	a, ok := aggregateNames[name]
	return a.fn, ok
}

// AggregateKinds returns the field kinds a typed aggregate name such as
// "floatSum" accepts, or nil for untyped names.
func AggregateKinds(name string) []sqltype.Kind {
	return aggregateNames[name].kinds
}

// Temporal argument names accepted on root fields.
const (
	ArgValidOn     = "validOn"
	ArgAvailableOn = "availableOn"
)

// ParseArgs converts raw argument values into Args. path is the response
// path of the field, used in errors.
func ParseArgs(raw map[string]any, path string) (Args, error) {
	var args Args
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := raw[name]
		argPath := engineerr.JoinPath(path, name)
		switch name {
		case "filter":
			if value == nil {
				continue
			}
			m, ok := value.(map[string]any)
			if !ok {
				return Args{}, engineerr.Configf(argPath, "filter expects an object, got %T", value)
			}
			args.Filter = m
		case "first", "offset":
			if value == nil {
				continue
			}
			n, err := toInt(value)
			if err != nil {
				return Args{}, engineerr.Configf(argPath, "%v", err)
			}
			if n < 0 {
				return Args{}, engineerr.Configf(argPath, "%s must not be negative", name)
			}
			if name == "first" {
				args.First = &n
			} else {
				args.Offset = &n
			}
		case "key", "id":
			args.Key = value
			args.HasKey = true
		case "field":
			s, ok := value.(string)
			if !ok {
				return Args{}, engineerr.Configf(argPath, "field expects a string, got %T", value)
			}
			args.Field = s
		case "distinct":
			b, ok := value.(bool)
			if !ok {
				return Args{}, engineerr.Configf(argPath, "distinct expects a boolean, got %T", value)
			}
			args.Distinct = b
		case "separator":
			s, ok := value.(string)
			if !ok {
				return Args{}, engineerr.Configf(argPath, "separator expects a string, got %T", value)
			}
			args.Separator = &s
		default:
			return Args{}, engineerr.Configf(argPath, "unknown argument %q", name)
		}
	}
	return args, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("expected an integer, got %v", n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("expected an integer, got %s", n)
		}
		return int(i), nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}
