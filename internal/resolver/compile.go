package resolver

import (
	"temporal-graphql/internal/aggregate"
	"temporal-graphql/internal/engineerr"
	"temporal-graphql/internal/fieldtree"
	"temporal-graphql/internal/filter"
	"temporal-graphql/internal/planner"
	"temporal-graphql/internal/schema"
)

// plan is a fully validated request. Building it touches no backend, so
// every configuration error surfaces before the first statement.
type plan struct {
	roots []*rootPlan
	keys  []string
}

type rootPlan struct {
	query  *schema.RootQuery
	key    string
	filter *filter.Expr
	first  *int
	offset int
	sel    *selection
}

// selection is the set of fields requested on one entity at one position
// of the tree. Slot i of every result object holds fields[i].
type selection struct {
	entity  *schema.EntityType
	keys    []string
	fields  []*fieldPlan
	columns []planner.Projection
}

type fieldPlan struct {
	key  string
	path string
	kind schema.FieldKind

	scalar   *schema.FieldDef
	computed *schema.ComputedDef

	relation *schema.RelationDef
	filter   *filter.Expr
	first    *int
	offset   int
	child    *selection

	aggregates []aggregate.Request
}

var argOrder = []string{"filter", "first", "offset", "key", "field", "distinct", "separator"}

// checkArgs rejects every argument set on node that is not in allowed.
func checkArgs(node *fieldtree.Node, path string, allowed ...string) error {
	a := node.Args
	present := map[string]bool{
		"filter":    a.Filter != nil,
		"first":     a.First != nil,
		"offset":    a.Offset != nil,
		"key":       a.HasKey,
		"field":     a.Field != "",
		"distinct":  a.Distinct,
		"separator": a.Separator != nil,
	}
	for _, name := range allowed {
		delete(present, name)
	}
	for _, name := range argOrder {
		if present[name] {
			return engineerr.Configf(engineerr.JoinPath(path, name), "argument %q is not accepted on %s", name, node.Name)
		}
	}
	return nil
}

func (r *Resolver) compile(roots []*fieldtree.Node) (*plan, error) {
	if len(roots) == 0 {
		return nil, engineerr.Configf("", "query selects no fields")
	}
	if r.maxDepth > 0 {
		for _, root := range roots {
			if depth := root.Depth(); depth > r.maxDepth {
				return nil, engineerr.Configf(root.ResponseKey(), "query depth %d exceeds the limit of %d", depth, r.maxDepth)
			}
		}
	}

	p := &plan{}
	seen := make(map[string]struct{}, len(roots))
	for _, node := range roots {
		key := node.ResponseKey()
		if _, dup := seen[key]; dup {
			return nil, engineerr.Configf(key, "response key %q is selected twice", key)
		}
		seen[key] = struct{}{}

		q, ok := r.schema.Query(node.Name)
		if !ok {
			return nil, engineerr.Configf(key, "unknown root field %q", node.Name)
		}
		root, err := r.compileRoot(q, node, key)
		if err != nil {
			return nil, err
		}
		p.roots = append(p.roots, root)
		p.keys = append(p.keys, key)
	}
	return p, nil
}

func (r *Resolver) compileRoot(q *schema.RootQuery, node *fieldtree.Node, path string) (*rootPlan, error) {
	entity := q.Entity
	root := &rootPlan{query: q, key: path}

	if q.Single {
		if err := checkArgs(node, path, "filter", "key"); err != nil {
			return nil, err
		}
		if !node.Args.HasKey {
			return nil, engineerr.Configf(path, "%s requires a key argument", node.Name)
		}
	} else if err := checkArgs(node, path, "filter", "first", "offset"); err != nil {
		return nil, err
	}

	expr, err := filter.Parse(node.Args.Filter, entity, engineerr.JoinPath(path, "filter"))
	if err != nil {
		return nil, err
	}
	if q.Single {
		keyField := entity.KeyField()
		keyExpr, err := filter.Parse(map[string]any{
			keyField.Name: map[string]any{string(schema.OpEq): node.Args.Key},
		}, entity, engineerr.JoinPath(path, "key"))
		if err != nil {
			return nil, err
		}
		expr = both(keyExpr, expr)
	}
	root.filter = expr
	root.first = node.Args.First
	if node.Args.Offset != nil {
		root.offset = *node.Args.Offset
	}

	root.sel, err = r.compileSelection(entity, node, path)
	if err != nil {
		return nil, err
	}
	return root, nil
}

func both(a, b *filter.Expr) *filter.Expr {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return &filter.Expr{Kind: filter.And, Children: []*filter.Expr{a, b}}
	}
}

func (r *Resolver) compileSelection(entity *schema.EntityType, node *fieldtree.Node, path string) (*selection, error) {
	if len(node.Children) == 0 {
		return nil, engineerr.Configf(path, "%s requires a selection of fields", entity.Name)
	}
	sel := &selection{entity: entity}
	projected := make(map[string]struct{})
	project := func(p planner.Projection) {
		if _, ok := projected[p.Alias]; ok {
			return
		}
		projected[p.Alias] = struct{}{}
		sel.columns = append(sel.columns, p)
	}

	for _, child := range node.Children {
		key := child.ResponseKey()
		childPath := engineerr.JoinPath(path, key)
		for _, existing := range sel.keys {
			if existing == key {
				return nil, engineerr.Configf(childPath, "response key %q is selected twice", key)
			}
		}

		found, ok := entity.Lookup(child.Name)
		if !ok {
			return nil, engineerr.Configf(childPath, "unknown field %q on %s", child.Name, entity.Name)
		}
		fp := &fieldPlan{key: key, path: childPath, kind: found.Kind}

		switch found.Kind {
		case schema.FieldScalar:
			if err := leaf(child, childPath); err != nil {
				return nil, err
			}
			fp.scalar = found.Scalar
			project(planner.FieldProjection(found.Scalar))

		case schema.FieldComputed:
			if err := leaf(child, childPath); err != nil {
				return nil, err
			}
			fp.computed = found.Computed
			for _, dep := range found.Computed.DependsOn {
				f, ok := entity.Field(dep)
				if !ok {
					return nil, engineerr.Configf(childPath, "computed field depends on unknown field %q", dep)
				}
				project(planner.FieldProjection(f))
			}

		case schema.FieldRelation:
			rel := found.Relation
			allowed := []string{"filter"}
			if !rel.Singular() {
				allowed = append(allowed, "first", "offset")
			}
			if err := checkArgs(child, childPath, allowed...); err != nil {
				return nil, err
			}
			expr, err := filter.Parse(child.Args.Filter, rel.Target, engineerr.JoinPath(childPath, "filter"))
			if err != nil {
				return nil, err
			}
			fp.relation = rel
			fp.filter = expr
			fp.first = child.Args.First
			if child.Args.Offset != nil {
				fp.offset = *child.Args.Offset
			}
			fp.child, err = r.compileSelection(rel.Target, child, childPath)
			if err != nil {
				return nil, err
			}
			project(parentKeyProjection(rel))

		case schema.FieldAggregate:
			rel := found.Aggregate.Relation
			if err := checkArgs(child, childPath, "filter"); err != nil {
				return nil, err
			}
			expr, err := filter.Parse(child.Args.Filter, rel.Target, engineerr.JoinPath(childPath, "filter"))
			if err != nil {
				return nil, err
			}
			reqs, err := r.aggregateRequests(child, rel, childPath)
			if err != nil {
				return nil, err
			}
			fp.relation = rel
			fp.filter = expr
			fp.aggregates = reqs
			project(parentKeyProjection(rel))
		}

		sel.keys = append(sel.keys, key)
		sel.fields = append(sel.fields, fp)
	}
	return sel, nil
}

func leaf(node *fieldtree.Node, path string) error {
	if err := checkArgs(node, path); err != nil {
		return err
	}
	if len(node.Children) > 0 {
		return engineerr.Configf(path, "%s has no sub-fields", node.Name)
	}
	return nil
}

func (r *Resolver) aggregateRequests(node *fieldtree.Node, rel *schema.RelationDef, path string) ([]aggregate.Request, error) {
	if len(node.Children) == 0 {
		return nil, engineerr.Configf(path, "%s requires at least one aggregate", node.Name)
	}
	reqs := make([]aggregate.Request, 0, len(node.Children))
	for _, c := range node.Children {
		cpath := engineerr.JoinPath(path, c.ResponseKey())
		fn, ok := fieldtree.AggregateFunction(c.Name)
		if !ok {
			return nil, engineerr.Configf(cpath, "unknown aggregate function %q", c.Name)
		}
		if err := checkArgs(c, cpath, "field", "distinct", "separator"); err != nil {
			return nil, err
		}
		if len(c.Children) > 0 {
			return nil, engineerr.Configf(cpath, "%s has no sub-fields", c.Name)
		}
		reqs = append(reqs, aggregate.Request{
			Alias:     c.ResponseKey(),
			Field:     c.Args.Field,
			Function:  fn,
			Kinds:     fieldtree.AggregateKinds(c.Name),
			Distinct:  c.Args.Distinct,
			Separator: c.Args.Separator,
		})
	}
	if err := r.evaluator.Validate(reqs, rel, path); err != nil {
		return nil, err
	}
	return reqs, nil
}

// parentKeyProjection is the hidden column a parent row must carry to
// follow rel: the owning key column, or the parent's own key.
func parentKeyProjection(rel *schema.RelationDef) planner.Projection {
	if rel.Strategy == schema.JoinOwningKey {
		target := rel.Target.KeyField()
		return planner.Projection{Column: rel.LocalColumn, Alias: planner.HiddenAlias(rel.LocalColumn), Kind: target.Kind}
	}
	key := rel.Owner.KeyField()
	return planner.Projection{Column: key.Column, Alias: planner.HiddenAlias(key.Column), Kind: key.Kind}
}

func parentKey(row map[string]any, rel *schema.RelationDef) any {
	if rel.Strategy == schema.JoinOwningKey {
		return row[planner.HiddenAlias(rel.LocalColumn)]
	}
	return row[planner.HiddenAlias(rel.Owner.KeyField().Column)]
}
