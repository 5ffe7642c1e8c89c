package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"temporal-graphql/internal/backend"
)

func echoFetch(calls *int32, seen *[][]any) FetchFunc {
	var mu sync.Mutex
	return func(ctx context.Context, keys []any) (map[string][]backend.Row, error) {
		atomic.AddInt32(calls, 1)
		mu.Lock()
		*seen = append(*seen, keys)
		mu.Unlock()
		out := make(map[string][]backend.Row)
		for _, k := range keys {
			if KeyString(k) == "3" {
				continue
			}
			out[KeyString(k)] = []backend.Row{{"parent": k}}
		}
		return out, nil
	}
}

func TestCollector_RegisterDeduplicatesInOrder(t *testing.T) {
	c := NewCollector()
	key := Key{Relation: "brewery.beers", Scope: "breweries.beers"}

	c.Register(key, int64(2), int64(1))
	c.Register(key, int64(2), "1", int64(4))

	assert.Equal(t, []any{int64(2), int64(1), int64(4)}, c.Pending(key))
	assert.Empty(t, c.Pending(Key{Relation: "brewery.beers", Scope: "other"}))
}

func TestCollector_DispatchOncePerKey(t *testing.T) {
	c := NewCollector()
	key := Key{Relation: "brewery.beers", Scope: "breweries.beers"}
	c.Register(key, int64(1), int64(2), int64(3))

	var calls int32
	var seen [][]any
	fetch := echoFetch(&calls, &seen)

	var wg sync.WaitGroup
	results := make([]map[string][]backend.Row, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := c.Dispatch(context.Background(), key, fetch)
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls)
	assert.Equal(t, int32(1), c.CacheMisses())
	assert.Equal(t, int32(7), c.CacheHits())
	for _, got := range results {
		require.Len(t, got, 3)
		assert.Empty(t, got["3"], "every registered key is present")
		assert.NotNil(t, got["3"])
		assert.Len(t, got["1"], 1)
	}
}

func TestCollector_LateRegistrationFetchesOnlyNewKeys(t *testing.T) {
	c := NewCollector()
	key := Key{Relation: "beer.brewery", Scope: "beers.brewery"}
	c.Register(key, int64(1))

	var calls int32
	var seen [][]any
	fetch := echoFetch(&calls, &seen)

	_, err := c.Dispatch(context.Background(), key, fetch)
	require.NoError(t, err)

	c.Register(key, int64(1), int64(2))
	got, err := c.Dispatch(context.Background(), key, fetch)
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls)
	assert.Equal(t, [][]any{{int64(1)}, {int64(2)}}, seen)
	assert.Len(t, got, 2)
}

func TestCollector_FailureIsCached(t *testing.T) {
	c := NewCollector()
	key := Key{Relation: "beer.ingredients", Scope: "beers.ingredients"}
	c.Register(key, int64(1))

	boom := errors.New("backend unavailable")
	var calls int32
	fetch := func(ctx context.Context, keys []any) (map[string][]backend.Row, error) {
		atomic.AddInt32(&calls, 1)
		return nil, boom
	}

	_, err := c.Dispatch(context.Background(), key, fetch)
	assert.ErrorIs(t, err, boom)
	_, err = c.Dispatch(context.Background(), key, fetch)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), calls)
}

func TestContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := NewContext(context.Background())
	c1, ok := FromContext(ctx)
	require.True(t, ok)

	c2, _ := FromContext(NewContext(context.Background()))
	assert.NotSame(t, c1, c2, "each request gets its own collector")
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "1", KeyString(int64(1)))
	assert.Equal(t, "1", KeyString(1))
	assert.Equal(t, "1", KeyString(1.0))
	assert.Equal(t, "1.5", KeyString(1.5))
	assert.Equal(t, "1", KeyString([]byte("1")))
	assert.Equal(t, "http://ex/alice", KeyString("http://ex/alice"))
	assert.Equal(t, "", KeyString(nil))
}
