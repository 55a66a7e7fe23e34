package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/normanking/hybridmemory/internal/textindex"
)

func TestCleanupRemovesOrphanedVectorAndTextEntries(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)

	require.NoError(t, e.vector.Insert(ctx, "orphan-vec", make([]float32, 16)))
	require.NoError(t, e.text.Upsert(ctx, "orphan-text", textindex.KindMemory, "stray content with no backing memory"))

	res, err := e.Cleanup(ctx, false, false)
	require.NoError(t, err)
	require.Equal(t, 2, res.RemovedText)
}

func TestConsolidatePromotesFrequentlyAccessedSTM(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)

	added, err := e.AddMemory(ctx, AddMemoryRequest{Content: "short note", SessionID: "sess-1"})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := e.AccessMemory(ctx, added.ID)
		require.NoError(t, err)
	}

	res, err := e.Consolidate(ctx, false, 10)
	require.NoError(t, err)
	require.Equal(t, 1, res.Candidates)
	require.Equal(t, 1, res.Promoted)
}

func TestConsolidateDryRunCountsWithoutPromoting(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)

	added, err := e.AddMemory(ctx, AddMemoryRequest{Content: "short note", SessionID: "sess-1"})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := e.AccessMemory(ctx, added.ID)
		require.NoError(t, err)
	}

	res, err := e.Consolidate(ctx, true, 10)
	require.NoError(t, err)
	require.Equal(t, 1, res.Candidates)
	require.Equal(t, 0, res.Promoted)
}

func TestStatusReportsEmbedCacheHits(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)

	// Same content twice: the second AddMemory's embed call hits the
	// content-hash cache in internal/embed.
	_, err := e.AddMemory(ctx, AddMemoryRequest{Content: "repeated content for the embed cache"})
	require.NoError(t, err)
	_, err = e.AddMemory(ctx, AddMemoryRequest{Content: "repeated content for the embed cache"})
	require.NoError(t, err)

	status, err := e.Status(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, status.Metrics.CacheHits, int64(1))
}

func TestReindexRebuildsRequestedIndicesOnly(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)

	_, err := e.AddMemory(ctx, AddMemoryRequest{Content: "a durable long-term fact about the project"})
	require.NoError(t, err)

	res, err := e.Reindex(ctx, true, false, false)
	require.NoError(t, err)
	require.True(t, res.Vector)
	require.False(t, res.Text)
	require.False(t, res.Graph)
}
