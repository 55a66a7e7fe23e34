package fusion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/normanking/hybridmemory/internal/coordinator"
	"github.com/normanking/hybridmemory/internal/embed"
	"github.com/normanking/hybridmemory/internal/graph"
	"github.com/normanking/hybridmemory/internal/kv"
	"github.com/normanking/hybridmemory/internal/memstore"
	"github.com/normanking/hybridmemory/internal/textindex"
	"github.com/normanking/hybridmemory/internal/vectorindex"
	"github.com/normanking/hybridmemory/pkg/types"
)

func testRetriever(t *testing.T) (*Retriever, *memstore.Store) {
	t.Helper()
	kvs, err := kv.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { kvs.Close() })

	g := graph.New(kvs)
	text := textindex.New(kvs)
	vector := vectorindex.New(kvs, 16)
	coord := coordinator.New(kvs, text, vector)
	embedder := embed.NewFake(16)
	store := memstore.New(kvs, g, coord, embedder, 3600_000)

	r := New(store, g, text, vector, embedder, Config{})
	store.SetSearcher(r)
	return r, store
}

func TestSearchRanksSoleTextMatchAtScoreOne(t *testing.T) {
	ctx := context.Background()
	_, store := testRetriever(t)

	res, _, err := store.Add(ctx, memstore.AddRequest{Content: "project kickoff notes"})
	require.NoError(t, err)

	hits, err := store.Search(ctx, "kickoff", 5, memstore.SearchFilters{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.Equal(t, res.ID, hits[0].ID)
	require.InDelta(t, 1.0, hits[0].Score, 1e-9)
}

func TestSearchIsCachedWithinTTL(t *testing.T) {
	ctx := context.Background()
	r, store := testRetriever(t)

	_, _, err := store.Add(ctx, memstore.AddRequest{Content: "alpha beta gamma"})
	require.NoError(t, err)

	first, err := store.Search(ctx, "alpha", 5, memstore.SearchFilters{})
	require.NoError(t, err)

	_, _, err = store.Add(ctx, memstore.AddRequest{Content: "alpha delta epsilon"})
	require.NoError(t, err)

	second, err := store.Search(ctx, "alpha", 5, memstore.SearchFilters{})
	require.NoError(t, err)
	require.Equal(t, first, second, "cached result should be returned verbatim within TTL")

	r.cache.mu.Lock()
	r.cache.removeLocked(cacheKey("alpha", 5, memstore.SearchFilters{}))
	r.cache.mu.Unlock()
	third, err := store.Search(ctx, "alpha", 5, memstore.SearchFilters{})
	require.NoError(t, err)
	require.Len(t, third, 2)
}

func TestSearchFiltersByLayer(t *testing.T) {
	ctx := context.Background()
	_, store := testRetriever(t)
	ltm := types.LayerLTM
	stm := types.LayerSTM

	_, _, err := store.Add(ctx, memstore.AddRequest{Content: "widget rollout plan", LayerHint: &ltm})
	require.NoError(t, err)
	_, _, err = store.Add(ctx, memstore.AddRequest{Content: "widget rollout chat", LayerHint: &stm, SessionID: "s1"})
	require.NoError(t, err)

	hits, err := store.Search(ctx, "widget", 10, memstore.SearchFilters{Layer: &ltm})
	require.NoError(t, err)
	for _, h := range hits {
		require.Equal(t, types.LayerLTM, h.Layer)
	}
}

func TestSearchGraphBranchReachesMentioningMemory(t *testing.T) {
	ctx := context.Background()
	_, store := testRetriever(t)

	_, _, err := store.Add(ctx, memstore.AddRequest{Content: "Globex signed the contract yesterday."})
	require.NoError(t, err)

	hits, err := store.Search(ctx, "Globex", 5, memstore.SearchFilters{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
}

func TestSearchReturnsEmptyNotErrorWhenNothingMatches(t *testing.T) {
	ctx := context.Background()
	_, store := testRetriever(t)

	hits, err := store.Search(ctx, "nothing indexed yet", 5, memstore.SearchFilters{})
	require.NoError(t, err)
	require.Empty(t, hits)
}
