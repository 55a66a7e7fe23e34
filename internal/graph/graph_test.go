package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/normanking/hybridmemory/internal/kv"
	"github.com/normanking/hybridmemory/pkg/types"
)

func testStore(t *testing.T) *kv.Store {
	t.Helper()
	s, err := kv.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertNodeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	g := New(testStore(t))

	n1, err := g.UpsertNode(ctx, types.NodeEntity, "Acme", "Acme", 1, map[string]types.Scalar{"tag": types.StrScalar("org")})
	require.NoError(t, err)
	n2, err := g.UpsertNode(ctx, types.NodeEntity, "Acme", "Acme", 2, nil)
	require.NoError(t, err)

	require.Equal(t, n1.CreatedAt, n2.CreatedAt)
	require.Equal(t, "org", n2.Props["tag"].Str)
}

func TestUpsertEdgeFailsWithoutAutoCreate(t *testing.T) {
	ctx := context.Background()
	g := New(testStore(t))
	_, err := g.UpsertEdge(ctx, "Memory::m1", "MENTIONS", "Entity::Acme", 1, 1, 0, nil, false)
	require.Error(t, err)
	var missing *MissingEndpointError
	require.ErrorAs(t, err, &missing)
}

func TestUpsertEdgeAutoCreatesEndpoints(t *testing.T) {
	ctx := context.Background()
	g := New(testStore(t))
	_, err := g.UpsertEdge(ctx, "Memory::m1", "MENTIONS", "Entity::Acme", 1, 1, 0, nil, true)
	require.NoError(t, err)

	edges, err := g.Neighbors(ctx, "Memory::m1", Out, nil)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, "Entity::Acme", edges[0].Dst)
}

func TestDeleteNodeCascadesEdges(t *testing.T) {
	ctx := context.Background()
	g := New(testStore(t))
	_, err := g.UpsertEdge(ctx, "Memory::m1", "MENTIONS", "Entity::Acme", 1, 1, 0, nil, true)
	require.NoError(t, err)

	require.NoError(t, g.DeleteNode(ctx, "Memory::m1"))

	edges, err := g.Neighbors(ctx, "Entity::Acme", In, nil)
	require.NoError(t, err)
	require.Empty(t, edges)
}

func TestTraverseRespectsMaxHopsAndFilter(t *testing.T) {
	ctx := context.Background()
	g := New(testStore(t))
	_, err := g.UpsertEdge(ctx, "Memory::m1", "MENTIONS", "Entity::A", 1, 1, 0, nil, true)
	require.NoError(t, err)
	_, err = g.UpsertEdge(ctx, "Entity::A", "RELATED", "Entity::B", 1, 1, 0, nil, true)
	require.NoError(t, err)

	reached, err := g.Traverse(ctx, "Memory::m1", 1, nil)
	require.NoError(t, err)
	require.Contains(t, reached, "Entity::A")
	require.NotContains(t, reached, "Entity::B")

	reached2, err := g.Traverse(ctx, "Memory::m1", 2, []string{"MENTIONS", "RELATED"})
	require.NoError(t, err)
	require.Contains(t, reached2, "Entity::B")
}

func TestExtractEntitiesSkipsStopwordsAndDupes(t *testing.T) {
	got := ExtractEntities("The Acme Corporation met Acme Corporation. This happened There.")
	require.Contains(t, got, "Acme")
	require.Contains(t, got, "Corporation")
	require.NotContains(t, got, "The")
	require.NotContains(t, got, "This")
}

func TestRelateDocumentsByJaccard(t *testing.T) {
	ctx := context.Background()
	g := New(testStore(t))

	_, err := g.UpsertEdge(ctx, "Document::d1", "MENTIONS", "Entity::Acme", 1, 1, 0, nil, true)
	require.NoError(t, err)
	_, err = g.UpsertEdge(ctx, "Document::d1", "MENTIONS", "Entity::Bravo", 1, 1, 0, nil, true)
	require.NoError(t, err)
	_, err = g.UpsertEdge(ctx, "Document::d2", "MENTIONS", "Entity::Acme", 1, 1, 0, nil, true)
	require.NoError(t, err)

	n, err := g.RelateDocumentsByJaccard(ctx, "Document::d2", []string{"Document::d1"}, 2, 8)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	edges, err := g.Neighbors(ctx, "Document::d2", Out, strPtr("RELATED"))
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.InDelta(t, 0.5, edges[0].Score, 1e-9)
}
