// Package schema holds the immutable entity model the engine resolves
// queries against. A Schema is produced once by Build and shared read-only
// by every request.
package schema

import (
	"sort"

	"temporal-graphql/internal/sqltype"
)

// Operator is a filter comparison operator.
type Operator string

const (
	OpEq  Operator = "eq"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
)

// AggregateFunc is an aggregate function over a related collection.
type AggregateFunc string

const (
	FuncSum        AggregateFunc = "sum"
	FuncAvg        AggregateFunc = "avg"
	FuncMax        AggregateFunc = "max"
	FuncCount      AggregateFunc = "count"
	FuncStringJoin AggregateFunc = "stringJoin"
)

// SourceKind selects how an entity's rows are stored.
type SourceKind int

const (
	// SourceTable reads rows from a relational table.
	SourceTable SourceKind = iota
	// SourceTriples reads rows from a subject/predicate/object triple table.
	SourceTriples
)

// SubjectColumn is the column name under which a triple-backed entity
// exposes its subject IRI.
const SubjectColumn = "@id"

// DefaultTypePredicate is the predicate that assigns a subject to its class.
const DefaultTypePredicate = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"

// Source describes where an entity's rows come from.
type Source struct {
	Kind SourceKind
	// Table is the relational table, or the triple table for SourceTriples.
	Table string
	// Class is the class IRI selecting subjects for SourceTriples.
	Class         string
	TypePredicate string
}

// Cardinality of a relation from the parent's point of view.
type Cardinality int

const (
	OneToOne Cardinality = iota
	OneToMany
	ManyToOne
	ManyToMany
)

func (c Cardinality) String() string {
	switch c {
	case OneToOne:
		return "one_to_one"
	case OneToMany:
		return "one_to_many"
	case ManyToOne:
		return "many_to_one"
	default:
		return "many_to_many"
	}
}

// JoinStrategy is how a relation's rows are located.
type JoinStrategy int

const (
	// JoinOwningKey: the parent holds the target's key in LocalColumn.
	JoinOwningKey JoinStrategy = iota
	// JoinMappedBy: the child holds the parent's key in RemoteColumn.
	JoinMappedBy
	// JoinTable: an association table links parent and child keys.
	JoinTable
)

func (s JoinStrategy) String() string {
	switch s {
	case JoinOwningKey:
		return "owning_key"
	case JoinMappedBy:
		return "mapped_by"
	default:
		return "join_table"
	}
}

// FieldDef is a scalar attribute of an entity.
type FieldDef struct {
	Name     string
	Column   string
	Kind     sqltype.Kind
	Nullable bool
	List     bool

	operators []Operator
	functions []AggregateFunc
}

// Operators lists the filter operators the field accepts.
func (f *FieldDef) Operators() []Operator {
	return append([]Operator(nil), f.operators...)
}

// SupportsOperator reports whether op may be applied to the field.
func (f *FieldDef) SupportsOperator(op Operator) bool {
	for _, o := range f.operators {
		if o == op {
			return true
		}
	}
	return false
}

// SupportsFunction reports whether fn may aggregate the field.
func (f *FieldDef) SupportsFunction(fn AggregateFunc) bool {
	for _, candidate := range f.functions {
		if candidate == fn {
			return true
		}
	}
	return false
}

// RelationDef links an entity to a target entity.
type RelationDef struct {
	Name        string
	Owner       *EntityType
	Target      *EntityType
	Cardinality Cardinality
	Strategy    JoinStrategy

	// LocalColumn is the parent column holding the target key (owning key).
	LocalColumn string
	// RemoteColumn is the child column holding the parent key (mapped-by).
	RemoteColumn string

	JoinTable        string
	JoinLocalColumn  string
	JoinRemoteColumn string

	Paginated bool
	Optional  bool
}

// Singular reports whether the relation resolves to at most one object.
func (r *RelationDef) Singular() bool {
	return r.Cardinality == OneToOne || r.Cardinality == ManyToOne
}

// QualifiedName identifies the relation across the schema.
func (r *RelationDef) QualifiedName() string {
	return r.Owner.Name + "." + r.Name
}

// AggregateDef exposes aggregates over the rows of a relation.
type AggregateDef struct {
	Name     string
	Relation *RelationDef
}

// DeriveFunc computes a field value from its dependencies, in DependsOn order.
type DeriveFunc func(values []any) (any, error)

// ComputedDef is a field derived from other fields of the same row.
type ComputedDef struct {
	Name      string
	Kind      sqltype.Kind
	DependsOn []string
	Derive    DeriveFunc
}

// Temporal names the interval columns of a versioned entity.
// Upper bounds are exclusive; NULL means open-ended.
type Temporal struct {
	ValidFrom     string
	ValidTo       string
	AvailableFrom string
	AvailableTo   string
}

// HasAvailability reports whether the entity tracks availability time.
func (t *Temporal) HasAvailability() bool {
	return t.AvailableFrom != ""
}

// FieldKind tags what a selectable name on an entity resolves to.
type FieldKind int

const (
	FieldScalar FieldKind = iota
	FieldRelation
	FieldAggregate
	FieldComputed
)

func (k FieldKind) String() string {
	switch k {
	case FieldScalar:
		return "scalar"
	case FieldRelation:
		return "relation"
	case FieldAggregate:
		return "aggregate"
	default:
		return "computed"
	}
}

// Selectable is the resolved variant for one selectable name. Exactly the
// pointer matching Kind is set.
type Selectable struct {
	Kind      FieldKind
	Scalar    *FieldDef
	Relation  *RelationDef
	Aggregate *AggregateDef
	Computed  *ComputedDef
}

// EntityType is a named record type with scalar fields and relations.
type EntityType struct {
	Name       string
	Source     Source
	Key        string
	Fields     []*FieldDef
	Relations  []*RelationDef
	Aggregates []*AggregateDef
	Computed   []*ComputedDef
	Temporal   *Temporal

	selectables map[string]Selectable
	// inverseColumns are child-side columns other entities' mapped-by
	// relations match against this entity.
	inverseColumns []string
}

// InverseColumns lists the columns of this entity that mapped-by relations
// on other entities join through.
func (e *EntityType) InverseColumns() []string {
	return append([]string(nil), e.inverseColumns...)
}

// Lookup resolves a selectable name.
func (e *EntityType) Lookup(name string) (Selectable, bool) {
	s, ok := e.selectables[name]
	return s, ok
}

// Field returns the scalar field with the given name.
func (e *EntityType) Field(name string) (*FieldDef, bool) {
	s, ok := e.selectables[name]
	if !ok || s.Kind != FieldScalar {
		return nil, false
	}
	return s.Scalar, true
}

// Relation returns the relation with the given name.
func (e *EntityType) Relation(name string) (*RelationDef, bool) {
	s, ok := e.selectables[name]
	if !ok || s.Kind != FieldRelation {
		return nil, false
	}
	return s.Relation, true
}

// KeyField returns the field identifying rows of the entity.
func (e *EntityType) KeyField() *FieldDef {
	f, _ := e.Field(e.Key)
	return f
}

// IsTemporal reports whether the entity is versioned.
func (e *EntityType) IsTemporal() bool {
	return e.Temporal != nil
}

// SelectableNames returns every selectable name in sorted order.
func (e *EntityType) SelectableNames() []string {
	names := make([]string, 0, len(e.selectables))
	for name := range e.selectables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RootQuery is a top-level entry point of the schema.
type RootQuery struct {
	Name      string
	Entity    *EntityType
	Single    bool
	Paginated bool
}

// Schema is the immutable set of entity types and root queries.
type Schema struct {
	entities   map[string]*EntityType
	entityList []*EntityType
	queries    map[string]*RootQuery
	queryList  []*RootQuery
}

// Entity returns the entity type with the given name.
func (s *Schema) Entity(name string) (*EntityType, bool) {
	e, ok := s.entities[name]
	return e, ok
}

// Entities returns entity types in declaration order.
func (s *Schema) Entities() []*EntityType {
	return append([]*EntityType(nil), s.entityList...)
}

// Query returns the root query with the given name.
func (s *Schema) Query(name string) (*RootQuery, bool) {
	q, ok := s.queries[name]
	return q, ok
}

// Queries returns root queries in declaration order.
func (s *Schema) Queries() []*RootQuery {
	return append([]*RootQuery(nil), s.queryList...)
}
