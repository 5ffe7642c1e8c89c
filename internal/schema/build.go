package schema

import (
	"fmt"
	"strings"

	"github.com/jinzhu/inflection"

	"temporal-graphql/internal/sqltype"
)

// Document is the declarative form of a schema, as decoded from a descriptor file.
type Document struct {
	Entities []EntityDoc `mapstructure:"entities"`
	Queries  []QueryDoc  `mapstructure:"queries"`
}

// EntityDoc declares one entity type.
type EntityDoc struct {
	Name       string         `mapstructure:"name"`
	Source     SourceDoc      `mapstructure:"source"`
	Key        string         `mapstructure:"key"`
	Fields     []FieldDoc     `mapstructure:"fields"`
	Relations  []RelationDoc  `mapstructure:"relations"`
	Aggregates []AggregateDoc `mapstructure:"aggregates"`
	Computed   []ComputedDoc  `mapstructure:"computed"`
	Temporal   *TemporalDoc   `mapstructure:"temporal"`
}

// SourceDoc declares where an entity is stored.
type SourceDoc struct {
	Kind          string `mapstructure:"kind"`
	Table         string `mapstructure:"table"`
	Class         string `mapstructure:"class"`
	TypePredicate string `mapstructure:"type_predicate"`
}

// FieldDoc declares a scalar field. Kind wins over SQLType when both are set.
type FieldDoc struct {
	Name      string   `mapstructure:"name"`
	Column    string   `mapstructure:"column"`
	Kind      string   `mapstructure:"kind"`
	SQLType   string   `mapstructure:"sql_type"`
	Nullable  bool     `mapstructure:"nullable"`
	List      bool     `mapstructure:"list"`
	Operators []string `mapstructure:"operators"`
	Functions []string `mapstructure:"functions"`
}

// RelationDoc declares a relation. Exactly one of OwningKey, MappedBy and
// JoinTable must be set.
type RelationDoc struct {
	Name        string `mapstructure:"name"`
	Target      string `mapstructure:"target"`
	Cardinality string `mapstructure:"cardinality"`
	OwningKey   string `mapstructure:"owning_key"`
	MappedBy    string `mapstructure:"mapped_by"`
	JoinTable   string `mapstructure:"join_table"`
	JoinLocal   string `mapstructure:"join_local"`
	JoinRemote  string `mapstructure:"join_remote"`
	Paginated   bool   `mapstructure:"paginated"`
	Optional    bool   `mapstructure:"optional"`
}

// AggregateDoc declares an aggregate field over a relation.
type AggregateDoc struct {
	Name     string `mapstructure:"name"`
	Relation string `mapstructure:"relation"`
}

// ComputedDoc declares a derived field using a registered derivation.
type ComputedDoc struct {
	Name      string   `mapstructure:"name"`
	Kind      string   `mapstructure:"kind"`
	Derive    string   `mapstructure:"derive"`
	DependsOn []string `mapstructure:"depends_on"`
}

// TemporalDoc names the validity and availability columns.
type TemporalDoc struct {
	ValidFrom     string `mapstructure:"valid_from"`
	ValidTo       string `mapstructure:"valid_to"`
	AvailableFrom string `mapstructure:"available_from"`
	AvailableTo   string `mapstructure:"available_to"`
}

// QueryDoc declares a root query.
type QueryDoc struct {
	Name      string `mapstructure:"name"`
	Entity    string `mapstructure:"entity"`
	Single    bool   `mapstructure:"single"`
	Paginated bool   `mapstructure:"paginated"`
}

// Option customises Build.
type Option func(*builder)

// WithDerivation registers a named derivation usable by computed fields.
func WithDerivation(name string, fn DeriveFunc) Option {
	return func(b *builder) {
		b.derivations[name] = fn
	}
}

type builder struct {
	derivations map[string]DeriveFunc
}

// Build validates a document and produces the immutable schema.
// Every selectable name is resolved to its FieldKind here.
func Build(doc Document, opts ...Option) (*Schema, error) {
	b := &builder{derivations: builtinDerivations()}
	for _, opt := range opts {
		opt(b)
	}

	s := &Schema{
		entities: make(map[string]*EntityType, len(doc.Entities)),
		queries:  make(map[string]*RootQuery, len(doc.Queries)),
	}

	// Pass 1: entities and scalar fields, so relations can reference any target.
	for _, ed := range doc.Entities {
		entity, err := b.buildEntity(ed)
		if err != nil {
			return nil, err
		}
		if _, exists := s.entities[entity.Name]; exists {
			return nil, fmt.Errorf("duplicate entity %q", entity.Name)
		}
		s.entities[entity.Name] = entity
		s.entityList = append(s.entityList, entity)
	}

	// Pass 2: relations, aggregates and computed fields.
	for _, ed := range doc.Entities {
		entity := s.entities[ed.Name]
		for _, rd := range ed.Relations {
			rel, err := buildRelation(s, entity, rd)
			if err != nil {
				return nil, fmt.Errorf("entity %q: %w", entity.Name, err)
			}
			if err := entity.addSelectable(rel.Name, Selectable{Kind: FieldRelation, Relation: rel}); err != nil {
				return nil, err
			}
			entity.Relations = append(entity.Relations, rel)
		}
		for _, ad := range ed.Aggregates {
			rel, ok := entity.Relation(ad.Relation)
			if !ok {
				return nil, fmt.Errorf("entity %q: aggregate %q references unknown relation %q", entity.Name, ad.Name, ad.Relation)
			}
			if rel.Singular() {
				return nil, fmt.Errorf("entity %q: aggregate %q requires a collection relation", entity.Name, ad.Name)
			}
			agg := &AggregateDef{Name: ad.Name, Relation: rel}
			if err := entity.addSelectable(agg.Name, Selectable{Kind: FieldAggregate, Aggregate: agg}); err != nil {
				return nil, err
			}
			entity.Aggregates = append(entity.Aggregates, agg)
		}
		for _, cd := range ed.Computed {
			comp, err := b.buildComputed(entity, cd)
			if err != nil {
				return nil, err
			}
			if err := entity.addSelectable(comp.Name, Selectable{Kind: FieldComputed, Computed: comp}); err != nil {
				return nil, err
			}
			entity.Computed = append(entity.Computed, comp)
		}
	}

	for _, qd := range doc.Queries {
		entity, ok := s.entities[qd.Entity]
		if !ok {
			return nil, fmt.Errorf("query %q references unknown entity %q", qd.Name, qd.Entity)
		}
		if qd.Single && qd.Paginated {
			return nil, fmt.Errorf("query %q cannot be both single and paginated", qd.Name)
		}
		if _, exists := s.queries[qd.Name]; exists {
			return nil, fmt.Errorf("duplicate query %q", qd.Name)
		}
		q := &RootQuery{Name: qd.Name, Entity: entity, Single: qd.Single, Paginated: qd.Paginated}
		s.queries[q.Name] = q
		s.queryList = append(s.queryList, q)
	}

	return s, nil
}

func (e *EntityType) addSelectable(name string, sel Selectable) error {
	if name == "" {
		return fmt.Errorf("entity %q: selectable with empty name", e.Name)
	}
	if _, exists := e.selectables[name]; exists {
		return fmt.Errorf("entity %q: duplicate field %q", e.Name, name)
	}
	e.selectables[name] = sel
	return nil
}

func (b *builder) buildEntity(ed EntityDoc) (*EntityType, error) {
	if strings.TrimSpace(ed.Name) == "" {
		return nil, fmt.Errorf("entity with empty name")
	}
	entity := &EntityType{
		Name:        ed.Name,
		Key:         ed.Key,
		selectables: make(map[string]Selectable),
	}

	switch strings.ToLower(ed.Source.Kind) {
	case "", "table":
		entity.Source = Source{Kind: SourceTable, Table: ed.Source.Table}
		if entity.Source.Table == "" {
			entity.Source.Table = ed.Name
		}
	case "triples":
		entity.Source = Source{
			Kind:          SourceTriples,
			Table:         ed.Source.Table,
			Class:         ed.Source.Class,
			TypePredicate: ed.Source.TypePredicate,
		}
		if entity.Source.Table == "" {
			entity.Source.Table = "triples"
		}
		if entity.Source.TypePredicate == "" {
			entity.Source.TypePredicate = DefaultTypePredicate
		}
		if entity.Source.Class == "" {
			return nil, fmt.Errorf("entity %q: triple source requires a class", ed.Name)
		}
	default:
		return nil, fmt.Errorf("entity %q: unknown source kind %q", ed.Name, ed.Source.Kind)
	}

	if entity.Key == "" {
		entity.Key = "id"
	}

	for _, fd := range ed.Fields {
		field, err := buildField(fd)
		if err != nil {
			return nil, fmt.Errorf("entity %q: %w", ed.Name, err)
		}
		if entity.Source.Kind == SourceTriples && field.Name == entity.Key && fd.Column == "" {
			field.Column = SubjectColumn
		}
		if err := entity.addSelectable(field.Name, Selectable{Kind: FieldScalar, Scalar: field}); err != nil {
			return nil, err
		}
		entity.Fields = append(entity.Fields, field)
	}

	if entity.KeyField() == nil {
		return nil, fmt.Errorf("entity %q: key field %q is not declared", ed.Name, entity.Key)
	}

	if ed.Temporal != nil {
		t := &Temporal{
			ValidFrom:     ed.Temporal.ValidFrom,
			ValidTo:       ed.Temporal.ValidTo,
			AvailableFrom: ed.Temporal.AvailableFrom,
			AvailableTo:   ed.Temporal.AvailableTo,
		}
		if t.ValidFrom == "" || t.ValidTo == "" {
			return nil, fmt.Errorf("entity %q: temporal entities need valid_from and valid_to", ed.Name)
		}
		if (t.AvailableFrom == "") != (t.AvailableTo == "") {
			return nil, fmt.Errorf("entity %q: available_from and available_to must be set together", ed.Name)
		}
		entity.Temporal = t
	}

	return entity, nil
}

func buildField(fd FieldDoc) (*FieldDef, error) {
	if strings.TrimSpace(fd.Name) == "" {
		return nil, fmt.Errorf("field with empty name")
	}
	field := &FieldDef{
		Name:     fd.Name,
		Column:   fd.Column,
		Nullable: fd.Nullable,
		List:     fd.List,
	}
	if field.Column == "" {
		field.Column = fd.Name
	}

	switch {
	case fd.Kind != "":
		kind, err := sqltype.ParseKind(fd.Kind)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", fd.Name, err)
		}
		field.Kind = kind
	case fd.SQLType != "":
		field.Kind = sqltype.MapToKind(fd.SQLType)
	default:
		field.Kind = sqltype.KindString
	}

	allowedOps := defaultOperators(field.Kind, field.List)
	if len(fd.Operators) == 0 {
		field.operators = allowedOps
	} else {
		for _, raw := range fd.Operators {
			op := Operator(raw)
			if !containsOperator(allowedOps, op) {
				return nil, fmt.Errorf("field %q: operator %q is not valid for %s", fd.Name, raw, field.Kind)
			}
			field.operators = append(field.operators, op)
		}
	}

	allowedFns := defaultFunctions(field.Kind, field.List)
	if len(fd.Functions) == 0 {
		field.functions = allowedFns
	} else {
		for _, raw := range fd.Functions {
			fn := AggregateFunc(raw)
			if !containsFunction(allowedFns, fn) {
				return nil, fmt.Errorf("field %q: aggregate function %q is not valid for %s", fd.Name, raw, field.Kind)
			}
			field.functions = append(field.functions, fn)
		}
	}

	return field, nil
}

func defaultOperators(kind sqltype.Kind, list bool) []Operator {
	if list {
		return nil
	}
	switch kind {
	case sqltype.KindInt, sqltype.KindFloat, sqltype.KindDate, sqltype.KindDateTime:
		return []Operator{OpEq, OpGt, OpGte, OpLt, OpLte}
	case sqltype.KindString, sqltype.KindBoolean:
		return []Operator{OpEq}
	default:
		return nil
	}
}

func defaultFunctions(kind sqltype.Kind, list bool) []AggregateFunc {
	if list {
		if kind == sqltype.KindString {
			return []AggregateFunc{FuncStringJoin, FuncCount}
		}
		return []AggregateFunc{FuncCount}
	}
	switch kind {
	case sqltype.KindInt, sqltype.KindFloat:
		return []AggregateFunc{FuncSum, FuncAvg, FuncMax, FuncCount}
	case sqltype.KindString:
		return []AggregateFunc{FuncMax, FuncCount, FuncStringJoin}
	case sqltype.KindDate, sqltype.KindDateTime:
		return []AggregateFunc{FuncMax, FuncCount}
	default:
		return []AggregateFunc{FuncCount}
	}
}

func containsOperator(ops []Operator, op Operator) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

func containsFunction(fns []AggregateFunc, fn AggregateFunc) bool {
	for _, f := range fns {
		if f == fn {
			return true
		}
	}
	return false
}

func parseCardinality(raw string) (Cardinality, error) {
	switch strings.ToLower(strings.ReplaceAll(raw, "-", "_")) {
	case "one_to_one":
		return OneToOne, nil
	case "one_to_many":
		return OneToMany, nil
	case "many_to_one":
		return ManyToOne, nil
	case "many_to_many":
		return ManyToMany, nil
	default:
		return OneToOne, fmt.Errorf("unknown cardinality %q", raw)
	}
}

func buildRelation(s *Schema, owner *EntityType, rd RelationDoc) (*RelationDef, error) {
	target, ok := s.entities[rd.Target]
	if !ok {
		return nil, fmt.Errorf("relation %q references unknown entity %q", rd.Name, rd.Target)
	}
	card, err := parseCardinality(rd.Cardinality)
	if err != nil {
		return nil, fmt.Errorf("relation %q: %w", rd.Name, err)
	}

	rel := &RelationDef{
		Name:        rd.Name,
		Owner:       owner,
		Target:      target,
		Cardinality: card,
		Paginated:   rd.Paginated,
		Optional:    rd.Optional,
	}
	if rel.Name == "" {
		rel.Name = defaultRelationName(target.Name, card)
	}

	strategies := 0
	if rd.OwningKey != "" {
		strategies++
		rel.Strategy = JoinOwningKey
		rel.LocalColumn = rd.OwningKey
	}
	if rd.MappedBy != "" {
		strategies++
		rel.Strategy = JoinMappedBy
		rel.RemoteColumn = rd.MappedBy
		target.inverseColumns = append(target.inverseColumns, rd.MappedBy)
	}
	if rd.JoinTable != "" {
		strategies++
		rel.Strategy = JoinTable
		rel.JoinTable = rd.JoinTable
		rel.JoinLocalColumn = rd.JoinLocal
		rel.JoinRemoteColumn = rd.JoinRemote
		// On triple sources JoinTable is the linking predicate and needs no columns.
		if owner.Source.Kind == SourceTable && (rel.JoinLocalColumn == "" || rel.JoinRemoteColumn == "") {
			return nil, fmt.Errorf("relation %q: join table requires join_local and join_remote", rel.Name)
		}
	}
	if strategies != 1 {
		return nil, fmt.Errorf("relation %q: exactly one join strategy is required, found %d", rel.Name, strategies)
	}

	switch card {
	case ManyToMany:
		if rel.Strategy != JoinTable {
			return nil, fmt.Errorf("relation %q: many-to-many requires a join table", rel.Name)
		}
	case OneToMany:
		if rel.Strategy == JoinOwningKey {
			return nil, fmt.Errorf("relation %q: one-to-many requires mapped_by or a join table", rel.Name)
		}
	case ManyToOne:
		if rel.Strategy != JoinOwningKey {
			return nil, fmt.Errorf("relation %q: many-to-one requires an owning key", rel.Name)
		}
	case OneToOne:
		if rel.Strategy == JoinTable {
			return nil, fmt.Errorf("relation %q: one-to-one cannot use a join table", rel.Name)
		}
	}

	if rel.Paginated && rel.Singular() {
		return nil, fmt.Errorf("relation %q: only collection relations can be paginated", rel.Name)
	}
	if rel.Optional && !rel.Singular() {
		return nil, fmt.Errorf("relation %q: only singular relations can be optional", rel.Name)
	}

	return rel, nil
}

// defaultRelationName pluralises the target name for collection relations.
func defaultRelationName(target string, card Cardinality) string {
	if card == OneToMany || card == ManyToMany {
		return inflection.Plural(target)
	}
	return target
}

func (b *builder) buildComputed(entity *EntityType, cd ComputedDoc) (*ComputedDef, error) {
	kind, err := sqltype.ParseKind(cd.Kind)
	if cd.Kind == "" {
		kind, err = sqltype.KindString, nil
	}
	if err != nil {
		return nil, fmt.Errorf("entity %q: computed field %q: %w", entity.Name, cd.Name, err)
	}
	derive, ok := b.derivations[cd.Derive]
	if !ok {
		return nil, fmt.Errorf("entity %q: computed field %q uses unknown derivation %q", entity.Name, cd.Name, cd.Derive)
	}
	for _, dep := range cd.DependsOn {
		if _, ok := entity.Field(dep); !ok {
			return nil, fmt.Errorf("entity %q: computed field %q depends on unknown field %q", entity.Name, cd.Name, dep)
		}
	}
	return &ComputedDef{
		Name:      cd.Name,
		Kind:      kind,
		DependsOn: append([]string(nil), cd.DependsOn...),
		Derive:    derive,
	}, nil
}
