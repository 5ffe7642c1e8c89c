package fieldtree

import (
	"strconv"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"

	"temporal-graphql/internal/engineerr"
)

// ParseGraphQL converts a GraphQL query document into a field tree.
// Fragments, variables and the @skip/@include directives are expanded
// here, so the engine only ever sees plain nodes. validOn and availableOn
// are accepted as arguments on any root field.
func ParseGraphQL(query, operationName string, variables map[string]any) (*Document, error) {
	doc, err := parser.Parse(parser.ParseParams{
		Source: source.NewSource(&source.Source{
			Body: []byte(query),
			Name: "graphql",
		}),
	})
	if err != nil {
		return nil, engineerr.Configf("", "syntax error: %v", err)
	}

	fragments := make(map[string]*ast.FragmentDefinition)
	var op *ast.OperationDefinition
	for _, def := range doc.Definitions {
		switch d := def.(type) {
		case *ast.FragmentDefinition:
			fragments[d.Name.Value] = d
		case *ast.OperationDefinition:
			if operationName == "" && op == nil {
				op = d
			}
			if operationName != "" && d.Name != nil && d.Name.Value == operationName {
				op = d
			}
		}
	}
	if op == nil {
		if operationName != "" {
			return nil, engineerr.Configf("", "unknown operation %q", operationName)
		}
		return nil, engineerr.Configf("", "document contains no operation")
	}
	if op.Operation != "" && op.Operation != ast.OperationTypeQuery {
		return nil, engineerr.Configf("", "%s operations are not supported", op.Operation)
	}

	p := &gqlParser{
		fragments: fragments,
		variables: make(map[string]any),
		inFlight:  make(map[string]bool),
	}
	if err := p.bindVariables(op.VariableDefinitions, variables); err != nil {
		return nil, err
	}

	out := &Document{}
	fields, err := p.selections(op.SelectionSet, "", true)
	if err != nil {
		return nil, err
	}
	for _, f := range fields {
		if err := out.takeTemporal(f); err != nil {
			return nil, err
		}
		out.Roots = append(out.Roots, f.node)
	}
	return out, nil
}

type gqlParser struct {
	fragments map[string]*ast.FragmentDefinition
	variables map[string]any
	inFlight  map[string]bool
}

// parsedField keeps the temporal arguments of a root field until they are
// folded into the document.
type parsedField struct {
	node        *Node
	validOn     any
	availableOn any
}

func (d *Document) takeTemporal(f parsedField) error {
	path := f.node.ResponseKey()
	set := func(target *string, value any, name string) error {
		if value == nil {
			return nil
		}
		s, ok := value.(string)
		if !ok {
			return engineerr.Configf(engineerr.JoinPath(path, name), "%s expects a string, got %T", name, value)
		}
		if *target != "" && *target != s {
			return engineerr.Configf(engineerr.JoinPath(path, name), "conflicting %s across root fields", name)
		}
		*target = s
		return nil
	}
	if err := set(&d.ValidOn, f.validOn, ArgValidOn); err != nil {
		return err
	}
	return set(&d.AvailableOn, f.availableOn, ArgAvailableOn)
}

func (p *gqlParser) bindVariables(defs []*ast.VariableDefinition, supplied map[string]any) error {
	for _, def := range defs {
		name := def.Variable.Name.Value
		if v, ok := supplied[name]; ok {
			p.variables[name] = v
			continue
		}
		if def.DefaultValue != nil {
			v, err := p.value(def.DefaultValue, "$"+name)
			if err != nil {
				return err
			}
			p.variables[name] = v
			continue
		}
		if _, required := def.Type.(*ast.NonNull); required {
			return engineerr.Configf("$"+name, "variable %q is required", name)
		}
	}
	return nil
}

func (p *gqlParser) selections(set *ast.SelectionSet, parent string, root bool) ([]parsedField, error) {
	if set == nil {
		return nil, nil
	}
	var out []parsedField
	for _, selection := range set.Selections {
		switch sel := selection.(type) {
		case *ast.Field:
			include, err := p.included(sel.Directives, parent)
			if err != nil {
				return nil, err
			}
			if !include {
				continue
			}
			f, err := p.field(sel, parent, root)
			if err != nil {
				return nil, err
			}
			out = mergeField(out, f)

		case *ast.InlineFragment:
			include, err := p.included(sel.Directives, parent)
			if err != nil {
				return nil, err
			}
			if !include {
				continue
			}
			nested, err := p.selections(sel.SelectionSet, parent, root)
			if err != nil {
				return nil, err
			}
			for _, f := range nested {
				out = mergeField(out, f)
			}

		case *ast.FragmentSpread:
			name := sel.Name.Value
			include, err := p.included(sel.Directives, parent)
			if err != nil {
				return nil, err
			}
			if !include {
				continue
			}
			frag, ok := p.fragments[name]
			if !ok {
				return nil, engineerr.Configf(parent, "unknown fragment %q", name)
			}
			if p.inFlight[name] {
				return nil, engineerr.Configf(parent, "fragment %q spreads itself", name)
			}
			p.inFlight[name] = true
			nested, err := p.selections(frag.SelectionSet, parent, root)
			delete(p.inFlight, name)
			if err != nil {
				return nil, err
			}
			for _, f := range nested {
				out = mergeField(out, f)
			}
		}
	}
	return out, nil
}

// mergeField folds repeated selections of the same response key into one
// node, the way GraphQL field collection does.
func mergeField(fields []parsedField, f parsedField) []parsedField {
	for i := range fields {
		existing := fields[i].node
		if existing.ResponseKey() == f.node.ResponseKey() && existing.Name == f.node.Name {
			existing.Children = mergeChildren(existing.Children, f.node.Children)
			return fields
		}
	}
	return append(fields, f)
}

func mergeChildren(into, more []*Node) []*Node {
	for _, c := range more {
		merged := false
		for _, e := range into {
			if e.ResponseKey() == c.ResponseKey() && e.Name == c.Name {
				e.Children = mergeChildren(e.Children, c.Children)
				merged = true
				break
			}
		}
		if !merged {
			into = append(into, c)
		}
	}
	return into
}

func (p *gqlParser) field(sel *ast.Field, parent string, root bool) (parsedField, error) {
	node := &Node{Name: sel.Name.Value}
	if sel.Alias != nil {
		node.Alias = sel.Alias.Value
	}
	path := engineerr.JoinPath(parent, node.ResponseKey())

	raw := make(map[string]any, len(sel.Arguments))
	for _, arg := range sel.Arguments {
		v, err := p.value(arg.Value, engineerr.JoinPath(path, arg.Name.Value))
		if err != nil {
			return parsedField{}, err
		}
		raw[arg.Name.Value] = v
	}

	out := parsedField{node: node}
	if root {
		out.validOn, out.availableOn = raw[ArgValidOn], raw[ArgAvailableOn]
		delete(raw, ArgValidOn)
		delete(raw, ArgAvailableOn)
	}

	args, err := ParseArgs(raw, path)
	if err != nil {
		return parsedField{}, err
	}
	node.Args = args

	children, err := p.selections(sel.SelectionSet, path, false)
	if err != nil {
		return parsedField{}, err
	}
	for _, c := range children {
		node.Children = append(node.Children, c.node)
	}
	return out, nil
}

func (p *gqlParser) included(directives []*ast.Directive, path string) (bool, error) {
	for _, d := range directives {
		name := d.Name.Value
		if name != "skip" && name != "include" {
			continue
		}
		var cond any
		for _, arg := range d.Arguments {
			if arg.Name.Value == "if" {
				v, err := p.value(arg.Value, path)
				if err != nil {
					return false, err
				}
				cond = v
			}
		}
		b, ok := cond.(bool)
		if !ok {
			return false, engineerr.Configf(path, "@%s requires a boolean if argument", name)
		}
		if (name == "skip" && b) || (name == "include" && !b) {
			return false, nil
		}
	}
	return true, nil
}

func (p *gqlParser) value(v ast.Value, path string) (any, error) {
	switch val := v.(type) {
	case *ast.Variable:
		return p.variables[val.Name.Value], nil
	case *ast.IntValue:
		n, err := strconv.ParseInt(val.Value, 10, 64)
		if err != nil {
			return nil, engineerr.Configf(path, "invalid integer %q", val.Value)
		}
		return n, nil
	case *ast.FloatValue:
		f, err := strconv.ParseFloat(val.Value, 64)
		if err != nil {
			return nil, engineerr.Configf(path, "invalid float %q", val.Value)
		}
		return f, nil
	case *ast.StringValue:
		return val.Value, nil
	case *ast.BooleanValue:
		return val.Value, nil
	case *ast.EnumValue:
		if val.Value == "null" {
			return nil, nil
		}
		return val.Value, nil
	case *ast.ListValue:
		out := make([]any, 0, len(val.Values))
		for _, item := range val.Values {
			x, err := p.value(item, path)
			if err != nil {
				return nil, err
			}
			out = append(out, x)
		}
		return out, nil
	case *ast.ObjectValue:
		out := make(map[string]any, len(val.Fields))
		for _, f := range val.Fields {
			x, err := p.value(f.Value, engineerr.JoinPath(path, f.Name.Value))
			if err != nil {
				return nil, err
			}
			out[f.Name.Value] = x
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, engineerr.Configf(path, "unsupported value %T", v)
	}
}
