// Package result holds the ordered result tree produced for a request.
package result

import (
	"bytes"
	"encoding/json"
	"errors"

	"temporal-graphql/internal/engineerr"
)

// Object is an insertion-ordered JSON object with one preallocated slot per
// selected field. Distinct slots may be written concurrently.
type Object struct {
	keys   []string
	values []any
}

// NewObject allocates an object with the given keys, all null.
func NewObject(keys []string) *Object {
	return &Object{keys: keys, values: make([]any, len(keys))}
}

// Set writes the value of slot i.
func (o *Object) Set(i int, v any) {
	o.values[i] = v
}

// Get returns the value stored under key.
func (o *Object) Get(key string) (any, bool) {
	for i, k := range o.keys {
		if k == key {
			return o.values[i], true
		}
	}
	return nil, false
}

// Keys returns the keys in selection order.
func (o *Object) Keys() []string {
	return append([]string(nil), o.keys...)
}

// Len returns the number of slots.
func (o *Object) Len() int {
	return len(o.keys)
}

// MarshalJSON writes the object with keys in selection order.
func (o *Object) MarshalJSON() ([]byte, error) {
	if o == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(o.values[i])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Connection is a paginated relation or root: a page of nodes and the
// offset it starts at.
type Connection struct {
	Nodes  []*Object
	Offset int
}

// MarshalJSON writes {"nodes": [...], "offset": N}.
func (c *Connection) MarshalJSON() ([]byte, error) {
	nodes := c.Nodes
	if nodes == nil {
		nodes = []*Object{}
	}
	return json.Marshal(struct {
		Nodes  []*Object `json:"nodes"`
		Offset int       `json:"offset"`
	}{Nodes: nodes, Offset: c.Offset})
}

// Response is the outcome of one request: the data tree plus any partial
// failures recorded while resolving it.
type Response struct {
	Data   *Object
	Errors []error
}

// ErrorEntry is the wire form of one recorded error.
type ErrorEntry struct {
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// ErrorEntries converts recorded errors into their wire form.
func (r *Response) ErrorEntries() []ErrorEntry {
	entries := make([]ErrorEntry, 0, len(r.Errors))
	for _, err := range r.Errors {
		entry := ErrorEntry{Message: err.Error()}
		var re *engineerr.ResolutionError
		var ce *engineerr.ConfigError
		switch {
		case errors.As(err, &re):
			entry.Path = re.Path
		case errors.As(err, &ce):
			entry.Path = ce.Path
		}
		entries = append(entries, entry)
	}
	return entries
}

// MarshalJSON writes {"data": ..., "errors": [...]}, omitting errors when empty.
func (r *Response) MarshalJSON() ([]byte, error) {
	out := struct {
		Data   *Object      `json:"data"`
		Errors []ErrorEntry `json:"errors,omitempty"`
	}{Data: r.Data}
	if len(r.Errors) > 0 {
		out.Errors = r.ErrorEntries()
	}
	return json.Marshal(out)
}
