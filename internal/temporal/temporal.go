// Package temporal narrows versioned entities to the single version visible
// at a point in validity time and availability time.
package temporal

import (
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"temporal-graphql/internal/planner"
	"temporal-graphql/internal/schema"
	"temporal-graphql/internal/sqltype"
	"temporal-graphql/internal/sqlutil"
)

// RankAlias is the window column used to keep the latest matching version.
const RankAlias = "__version_rank"

const versionsAlias = "__versions"

// Context selects a point in validity time and availability time.
// Nil fields default to the resolver's clock.
type Context struct {
	ValidOn     *time.Time
	AvailableOn *time.Time
}

// Parse builds a context from ISO-8601 date or date-time strings.
// Empty strings leave the corresponding instant unset.
func Parse(validOn, availableOn string) (*Context, error) {
	ctx := &Context{}
	if strings.TrimSpace(validOn) != "" {
		t, err := sqltype.ParseTime(validOn)
		if err != nil {
			return nil, fmt.Errorf("validOn: %w", err)
		}
		ctx.ValidOn = &t
	}
	if strings.TrimSpace(availableOn) != "" {
		t, err := sqltype.ParseTime(availableOn)
		if err != nil {
			return nil, fmt.Errorf("availableOn: %w", err)
		}
		ctx.AvailableOn = &t
	}
	return ctx, nil
}

// Resolver applies temporal contexts using an injectable clock.
type Resolver struct {
	now func() time.Time
}

// NewResolver creates a resolver. A nil clock uses time.Now.
func NewResolver(now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{now: now}
}

// Apply narrows base with the default clock.
func Apply(base planner.Source, tctx *Context, entity *schema.EntityType) (planner.Source, error) {
	return NewResolver(nil).Apply(base, tctx, entity)
}

// Instants resolves the effective validity and availability instants.
func (r *Resolver) Instants(tctx *Context) (validOn, availableOn time.Time) {
	now := r.now().UTC()
	validOn, availableOn = now, now
	if tctx != nil && tctx.ValidOn != nil {
		validOn = tctx.ValidOn.UTC()
	}
	if tctx != nil && tctx.AvailableOn != nil {
		availableOn = tctx.AvailableOn.UTC()
	}
	return validOn, availableOn
}

// Apply wraps base so that, per entity key, only the version whose
// validity interval contains validOn and whose availability interval
// contains availableOn remains. Ties go to the latest validity start, then
// the latest availability start; see versionOrder for the remaining order.
// Non-temporal entities are returned as is.
func (r *Resolver) Apply(base planner.Source, tctx *Context, entity *schema.EntityType) (planner.Source, error) {
	if entity == nil || !entity.IsTemporal() {
		return base, nil
	}
	t := entity.Temporal
	key := entity.KeyField()
	if key == nil {
		return planner.Source{}, fmt.Errorf("temporal entity %s has no key field", entity.Name)
	}

	validOn, availableOn := r.Instants(tctx)
	valid := validOn.Format(sqltype.DateTimeLayout)
	available := availableOn.Format(sqltype.DateTimeLayout)

	rank := fmt.Sprintf("ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s) AS %s",
		planner.Column(key.Column), strings.Join(versionOrder(entity), ", "), sqlutil.QuoteIdentifier(RankAlias))

	inner := base.Apply(sq.Select(sqlutil.QuoteIdentifier(planner.SourceAlias)+".*", rank)).
		Where(containsInstant(t.ValidFrom, t.ValidTo, valid))
	if t.HasAvailability() {
		inner = inner.Where(containsInstant(t.AvailableFrom, t.AvailableTo, available))
	}

	outer := sq.Select("*").
		FromSelect(inner, sqlutil.QuoteIdentifier(versionsAlias)).
		Where(sqlutil.QuoteIdentifier(RankAlias) + " = 1")
	return planner.DerivedSource(outer), nil
}

// versionOrder ranks the candidate versions of one key. Versions sharing
// both starts fall back to the latest interval ends and then to the
// non-key field columns, so the pick never depends on storage order.
func versionOrder(entity *schema.EntityType) []string {
	t := entity.Temporal
	order := []string{planner.Column(t.ValidFrom) + " DESC"}
	if t.HasAvailability() {
		order = append(order, planner.Column(t.AvailableFrom)+" DESC")
	}
	if t.ValidTo != "" {
		order = append(order, planner.Column(t.ValidTo)+" DESC")
	}
	if t.AvailableTo != "" {
		order = append(order, planner.Column(t.AvailableTo)+" DESC")
	}
	for _, f := range entity.Fields {
		if f.Name == entity.Key {
			continue
		}
		order = append(order, planner.Column(f.Column))
	}
	return order
}

// containsInstant renders from <= instant AND (to IS NULL OR to > instant).
func containsInstant(from, to, instant string) sq.Sqlizer {
	return sq.And{
		sq.LtOrEq{planner.Column(from): instant},
		sq.Or{
			sq.Eq{planner.Column(to): nil},
			sq.Gt{planner.Column(to): instant},
		},
	}
}
