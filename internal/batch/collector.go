// Package batch coalesces relation lookups so that every parent at the same
// depth of a request shares one backend round trip per relation.
package batch

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"temporal-graphql/internal/backend"
)

// Key identifies one coalesced lookup: a relation at a scope. Scope is the
// response path of the relation field with list indexes removed, so sibling
// parents at one depth share it while the same relation reached through a
// different path does not.
type Key struct {
	Relation string
	Scope    string
}

func (k Key) String() string {
	return k.Scope + "#" + k.Relation
}

// FetchFunc loads rows for the given parent keys, partitioned by KeyString.
type FetchFunc func(ctx context.Context, keys []any) (map[string][]backend.Row, error)

type entry struct {
	mu     sync.Mutex
	keys   []any
	seen   map[string]struct{}
	loaded map[string]struct{}
	result map[string][]backend.Row
	err    error
}

// Collector is the per-request registry of pending parent keys. It must not
// be shared between requests.
type Collector struct {
	mu      sync.Mutex
	entries map[Key]*entry

	cacheHits   int32
	cacheMisses int32
}

// NewCollector creates an empty registry.
func NewCollector() *Collector {
	return &Collector{entries: make(map[Key]*entry)}
}

func (c *Collector) entry(key Key) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		e = &entry{
			seen:   make(map[string]struct{}),
			loaded: make(map[string]struct{}),
			result: make(map[string][]backend.Row),
		}
		c.entries[key] = e
	}
	return e
}

// Register adds parent keys under key, dropping duplicates and keeping
// first-seen order.
func (c *Collector) Register(key Key, parentKeys ...any) {
	e := c.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, pk := range parentKeys {
		s := KeyString(pk)
		if _, ok := e.seen[s]; ok {
			continue
		}
		e.seen[s] = struct{}{}
		e.keys = append(e.keys, pk)
	}
}

// Pending returns the registered parent keys for key in first-seen order.
func (c *Collector) Pending(key Key) []any {
	e := c.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]any(nil), e.keys...)
}

// Dispatch resolves every key registered under key. The first dispatch
// calls fetch once with all registered keys; later dispatches reuse the
// cached partitions and only fetch keys registered since. A failed fetch is
// cached and returned to every later dispatch.
func (c *Collector) Dispatch(ctx context.Context, key Key, fetch FetchFunc) (map[string][]backend.Row, error) {
	e := c.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil {
		atomic.AddInt32(&c.cacheHits, 1)
		return nil, e.err
	}

	var missing []any
	for _, pk := range e.keys {
		if _, ok := e.loaded[KeyString(pk)]; !ok {
			missing = append(missing, pk)
		}
	}
	if len(missing) == 0 {
		atomic.AddInt32(&c.cacheHits, 1)
		return e.snapshot(), nil
	}

	atomic.AddInt32(&c.cacheMisses, 1)
	rows, err := fetch(ctx, missing)
	if err != nil {
		e.err = err
		return nil, err
	}
	for _, pk := range missing {
		s := KeyString(pk)
		e.loaded[s] = struct{}{}
		if got, ok := rows[s]; ok {
			e.result[s] = got
		} else {
			e.result[s] = []backend.Row{}
		}
	}
	return e.snapshot(), nil
}

func (e *entry) snapshot() map[string][]backend.Row {
	out := make(map[string][]backend.Row, len(e.result))
	for k, v := range e.result {
		out[k] = v
	}
	return out
}

// CacheHits returns how many dispatches were served without a fetch.
func (c *Collector) CacheHits() int32 {
	return atomic.LoadInt32(&c.cacheHits)
}

// CacheMisses returns how many dispatches called their fetch function.
func (c *Collector) CacheMisses() int32 {
	return atomic.LoadInt32(&c.cacheMisses)
}

type collectorKey struct{}

// NewContext returns a context carrying a fresh collector.
func NewContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, collectorKey{}, NewCollector())
}

// FromContext returns the request's collector.
func FromContext(ctx context.Context) (*Collector, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(collectorKey{}).(*Collector)
	return c, ok
}

// KeyString normalises a key value so that the same key read through
// different drivers or columns partitions identically.
func KeyString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
