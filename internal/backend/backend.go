// Package backend defines the storage interface the engine issues
// statements against.
package backend

import "context"

// Row is one result row keyed by select alias.
type Row map[string]any

// Statement is a parameterised query.
type Statement struct {
	SQL  string
	Args []any
}

// Capabilities describe what a backend can evaluate itself.
type Capabilities struct {
	// AggregatePushdown reports that grouped sum/avg/max/count statements
	// may be executed instead of fetching rows.
	AggregatePushdown bool
}

// Backend executes statements produced by the planner.
type Backend interface {
	Execute(ctx context.Context, stmt Statement) ([]Row, error)
	ExecuteAggregate(ctx context.Context, stmt Statement) ([]Row, error)
	Capabilities() Capabilities
}
