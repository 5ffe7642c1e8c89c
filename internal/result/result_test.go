package result

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"temporal-graphql/internal/engineerr"
)

func TestObject_PreservesSelectionOrder(t *testing.T) {
	obj := NewObject([]string{"zeta", "alpha", "mid"})
	obj.Set(2, []any{})
	obj.Set(0, "z")
	obj.Set(1, int64(1))

	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":"z","alpha":1,"mid":[]}`, string(data))

	v, ok := obj.Get("alpha")
	assert.True(t, ok)
	assert.Equal(t, int64(1), v)
	_, ok = obj.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 3, obj.Len())
}

func TestObject_NestedAndNull(t *testing.T) {
	child := NewObject([]string{"name"})
	child.Set(0, "Pils")
	parent := NewObject([]string{"beer", "brewery"})
	parent.Set(0, child)

	data, err := json.Marshal(parent)
	require.NoError(t, err)
	assert.Equal(t, `{"beer":{"name":"Pils"},"brewery":null}`, string(data))
}

func TestConnection_MarshalJSON(t *testing.T) {
	node := NewObject([]string{"id"})
	node.Set(0, int64(2))

	data, err := json.Marshal(&Connection{Nodes: []*Object{node}, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, `{"nodes":[{"id":2}],"offset":1}`, string(data))

	data, err = json.Marshal(&Connection{Offset: 5})
	require.NoError(t, err)
	assert.Equal(t, `{"nodes":[],"offset":5}`, string(data))
}

func TestResponse_MarshalJSON(t *testing.T) {
	data := NewObject([]string{"breweries"})
	resp := &Response{
		Data: data,
		Errors: []error{
			&engineerr.ResolutionError{Path: "breweries", Err: errors.New("boom")},
		},
	}

	out, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Equal(t, `{"data":{"breweries":null},"errors":[{"message":"failed to resolve breweries","path":"breweries"}]}`, string(out))

	out, err = json.Marshal(&Response{Data: NewObject([]string{})})
	require.NoError(t, err)
	assert.Equal(t, `{"data":{}}`, string(out))
}
