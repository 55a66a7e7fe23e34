package ingestion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/normanking/hybridmemory/internal/coordinator"
	"github.com/normanking/hybridmemory/internal/embed"
	"github.com/normanking/hybridmemory/internal/graph"
	"github.com/normanking/hybridmemory/internal/ingestion/parsers"
	"github.com/normanking/hybridmemory/internal/kv"
	"github.com/normanking/hybridmemory/internal/textindex"
	"github.com/normanking/hybridmemory/internal/vectorindex"
)

func testPipeline(t *testing.T) (*Pipeline, *kv.Store, *textindex.Index, *vectorindex.Index, *graph.Graph) {
	t.Helper()
	store, err := kv.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	g := graph.New(store)
	text := textindex.New(store)
	vector := vectorindex.New(store, 16)
	coord := coordinator.New(store, text, vector)
	chunker := NewChunker(32, 128, 0.12)
	p := New(store, g, coord, embed.NewFake(16), chunker, parsers.PDFLimits{MaxBytes: 1 << 20, MaxTimeMS: 5000, MaxPages: 50})
	return p, store, text, vector, g
}

const sampleDoc = `# Overview

Acme-Corp builds the Widget product line. Acme-Corp is based in Springfield.

Widget sales grew steadily throughout the year, and Acme-Corp expanded its team.`

func TestStoreIndexesChunksAndLinksEntities(t *testing.T) {
	ctx := context.Background()
	p, _, text, vector, g := testPipeline(t)

	res, err := p.Store(ctx, StoreRequest{Path: "notes/acme.md", Content: []byte(sampleDoc), Mime: "md"})
	require.NoError(t, err)
	require.False(t, res.Deduped)
	require.NotEmpty(t, res.Chunks)

	for _, c := range res.Chunks {
		require.True(t, c.Embedded)
	}

	hits := text.Query(ctx, "Widget", textindex.Disjunctive, []textindex.Kind{textindex.KindChunk}, 10)
	require.NotEmpty(t, hits)

	qv, err := embed.NewFake(16).Embed(ctx, "Widget")
	require.NoError(t, err)
	vHits, err := vector.Query(ctx, qv, 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, vHits)

	docKey := graph.NodeKey("Document", res.Document.ID)
	edges, err := g.Neighbors(ctx, docKey, graph.Out, nil)
	require.NoError(t, err)
	var sawMention bool
	for _, e := range edges {
		if e.Relation == "MENTIONS" {
			sawMention = true
		}
	}
	require.True(t, sawMention, "expected at least one MENTIONS edge from the document")
}

func TestStoreDedupesByPathAndHash(t *testing.T) {
	ctx := context.Background()
	p, _, _, _, _ := testPipeline(t)

	first, err := p.Store(ctx, StoreRequest{Path: "a.txt", Content: []byte("hello world")})
	require.NoError(t, err)
	require.False(t, first.Deduped)

	second, err := p.Store(ctx, StoreRequest{Path: "a.txt", Content: []byte("hello world")})
	require.NoError(t, err)
	require.True(t, second.Deduped)
	require.Equal(t, first.Document.ID, second.Document.ID)
}

func TestStoreBuildsVersionChainOnContentChange(t *testing.T) {
	ctx := context.Background()
	p, _, _, _, _ := testPipeline(t)

	v1, err := p.Store(ctx, StoreRequest{Path: "doc.txt", Content: []byte("version one")})
	require.NoError(t, err)

	v2, err := p.Store(ctx, StoreRequest{Path: "doc.txt", Content: []byte("version two, materially different")})
	require.NoError(t, err)
	require.False(t, v2.Deduped)
	require.Contains(t, v2.Document.VersionChain, v1.Document.ID)

	latest, chunks, err := p.Retrieve(ctx, v2.Document.ID)
	require.NoError(t, err)
	require.Equal(t, v2.Document.ID, latest.ID)
	require.Len(t, chunks, len(v2.Chunks))
}

func TestValidateRefsReportsMissingChunk(t *testing.T) {
	ctx := context.Background()
	p, store, _, _, _ := testPipeline(t)

	res, err := p.Store(ctx, StoreRequest{Path: "b.txt", Content: []byte("some body text here")})
	require.NoError(t, err)
	require.NotEmpty(t, res.Document.ChunkIDs)

	require.NoError(t, store.Delete(ctx, []byte(keyChunkPrefix+res.Document.ChunkIDs[0])))

	missing, err := p.ValidateRefs(ctx, res.Document.ID)
	require.NoError(t, err)
	require.Equal(t, []string{res.Document.ChunkIDs[0]}, missing)
}
