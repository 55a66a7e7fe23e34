package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/normanking/hybridmemory/internal/coordinator"
	"github.com/normanking/hybridmemory/internal/embed"
	"github.com/normanking/hybridmemory/internal/graph"
	"github.com/normanking/hybridmemory/internal/kv"
	"github.com/normanking/hybridmemory/internal/textindex"
	"github.com/normanking/hybridmemory/internal/vectorindex"
	"github.com/normanking/hybridmemory/pkg/types"
)

func testStore(t *testing.T) (*Store, *kv.Store, *textindex.Index, *vectorindex.Index, *graph.Graph) {
	t.Helper()
	kvs, err := kv.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { kvs.Close() })

	g := graph.New(kvs)
	text := textindex.New(kvs)
	vector := vectorindex.New(kvs, 16)
	coord := coordinator.New(kvs, text, vector)
	s := New(kvs, g, coord, embed.NewFake(16), 3600_000)
	return s, kvs, text, vector, g
}

func TestAddClassifiesLayerByHeuristic(t *testing.T) {
	ctx := context.Background()
	s, _, _, _, _ := testStore(t)

	res, warnings, err := s.Add(ctx, AddRequest{Content: "short note", SessionID: "sess-1"})
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.Equal(t, types.LayerSTM, res.Layer)

	long := ""
	for i := 0; i < 30; i++ {
		long += "this content is long enough to not qualify as short-term "
	}
	res2, _, err := s.Add(ctx, AddRequest{Content: long})
	require.NoError(t, err)
	require.Equal(t, types.LayerLTM, res2.Layer)
}

func TestAddRespectsExplicitLayerHint(t *testing.T) {
	ctx := context.Background()
	s, _, _, _, _ := testStore(t)
	ltm := types.LayerLTM

	res, _, err := s.Add(ctx, AddRequest{Content: "short", SessionID: "sess-1", LayerHint: &ltm})
	require.NoError(t, err)
	require.Equal(t, types.LayerLTM, res.Layer)
}

func TestAddIndexesTextVectorAndEntityMentions(t *testing.T) {
	ctx := context.Background()
	s, _, text, vector, g := testStore(t)

	res, _, err := s.Add(ctx, AddRequest{Content: "Acme-Corp shipped the Widget release."})
	require.NoError(t, err)

	hits := text.Query(ctx, "Widget", textindex.Disjunctive, []textindex.Kind{textindex.KindMemory}, 5)
	require.NotEmpty(t, hits)

	qv, err := embed.NewFake(16).Embed(ctx, "Acme-Corp shipped the Widget release.")
	require.NoError(t, err)
	vHits, err := vector.Query(ctx, qv, 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, vHits)

	memKey := graph.NodeKey(types.NodeMemory, res.ID)
	edges, err := g.Neighbors(ctx, memKey, graph.Out, nil)
	require.NoError(t, err)
	var sawMention bool
	for _, e := range edges {
		if e.Relation == string(types.RelMentions) {
			sawMention = true
		}
	}
	require.True(t, sawMention)
}

func TestUpdateReembedsAndDiffsEntityMentions(t *testing.T) {
	ctx := context.Background()
	s, _, _, _, g := testStore(t)

	res, _, err := s.Add(ctx, AddRequest{Content: "AlphaCorp is hiring engineers."})
	require.NoError(t, err)

	memKey := graph.NodeKey(types.NodeMemory, res.ID)
	before, err := g.Neighbors(ctx, memKey, graph.Out, nil)
	require.NoError(t, err)
	require.NotEmpty(t, before)

	newContent := "BetaCorp announced a new product."
	upd, warnings, err := s.Update(ctx, res.ID, UpdateRequest{Content: &newContent})
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.Equal(t, int64(1), upd.Version)
	require.True(t, upd.Reembedded)
	require.Contains(t, upd.UpdatedIndices, "text")
	require.Contains(t, upd.UpdatedIndices, "graph")

	after, err := g.Neighbors(ctx, memKey, graph.Out, nil)
	require.NoError(t, err)
	var sawAlpha, sawBeta bool
	for _, e := range after {
		if e.Relation != string(types.RelMentions) {
			continue
		}
		if e.Dst == graph.NodeKey(types.NodeEntity, "AlphaCorp") {
			sawAlpha = true
		}
		if e.Dst == graph.NodeKey(types.NodeEntity, "BetaCorp") {
			sawBeta = true
		}
	}
	require.False(t, sawAlpha, "obsolete mention should have been removed")
	require.True(t, sawBeta, "new mention should have been added")
}

func TestUpdateMetadataOnlySkipsReembedding(t *testing.T) {
	ctx := context.Background()
	s, _, _, _, _ := testStore(t)

	res, _, err := s.Add(ctx, AddRequest{Content: "a memory"})
	require.NoError(t, err)

	upd, _, err := s.Update(ctx, res.ID, UpdateRequest{Metadata: map[string]string{"k": "v"}})
	require.NoError(t, err)
	require.False(t, upd.Reembedded)
	require.Empty(t, upd.UpdatedIndices)

	got, ok, err := s.Get(ctx, res.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", got.Metadata["k"])
}

func TestDeleteCascadesAndSupportsBackup(t *testing.T) {
	ctx := context.Background()
	s, kvs, text, vector, g := testStore(t)

	res, _, err := s.Add(ctx, AddRequest{Content: "SomeEntity appears here."})
	require.NoError(t, err)

	del, _, err := s.Delete(ctx, res.ID, true)
	require.NoError(t, err)
	require.True(t, del.Deleted)
	require.Greater(t, del.Cascaded, 0)

	_, ok, err := s.Get(ctx, res.ID)
	require.NoError(t, err)
	require.False(t, ok)

	_, tombOK, err := kvs.Get(ctx, []byte(keyTombstonePrefix+res.ID))
	require.NoError(t, err)
	require.True(t, tombOK)

	hits := text.Query(ctx, "SomeEntity", textindex.Disjunctive, nil, 5)
	require.Empty(t, hits)

	memKey := graph.NodeKey(types.NodeMemory, res.ID)
	_, nodeOK, err := g.GetNode(ctx, memKey)
	require.NoError(t, err)
	require.False(t, nodeOK)

	qv, err := embed.NewFake(16).Embed(ctx, "SomeEntity appears here.")
	require.NoError(t, err)
	vHits, err := vector.Query(ctx, qv, 5, nil)
	require.NoError(t, err)
	for _, h := range vHits {
		require.NotEqual(t, res.ID, h.ID)
	}
}

func TestAccessBumpsCountAndTimestamp(t *testing.T) {
	ctx := context.Background()
	s, _, _, _, _ := testStore(t)

	res, _, err := s.Add(ctx, AddRequest{Content: "a memory"})
	require.NoError(t, err)

	m, err := s.Access(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), m.AccessCount)
	require.Greater(t, m.LastAccessTS, int64(0))

	m2, err := s.Access(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), m2.AccessCount)
}
