package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/normanking/hybridmemory/internal/ingestion"
	"github.com/normanking/hybridmemory/internal/memstore"
)

func storeTestDocument(t *testing.T, e *Engine, ctx context.Context, content string) *ingestion.StoreResult {
	t.Helper()
	res, err := e.StoreDocument(ctx, ingestion.StoreRequest{
		Path:    "note.md",
		Content: []byte(content),
	})
	require.NoError(t, err)
	return res
}

func TestStoreDocumentRequiresContentOrPath(t *testing.T) {
	_, err := testEngine(t).StoreDocument(context.Background(), ingestion.StoreRequest{})
	require.Error(t, err)
	require.Equal(t, CodeInvalidInput, errCode(t, err))
}

func TestRetrieveDocumentUnknownIDIsNotFound(t *testing.T) {
	_, _, err := testEngine(t).RetrieveDocument(context.Background(), "missing")
	require.Error(t, err)
	require.Equal(t, CodeNotFound, errCode(t, err))
}

func TestStoreThenRetrieveDocumentRoundTrips(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)

	stored := storeTestDocument(t, e, ctx, "# Release Notes\n\nAcme Corp shipped beta to staging this week.")
	require.NotEmpty(t, stored.Document.ID)
	require.NotEmpty(t, stored.Chunks)

	doc, chunks, err := e.RetrieveDocument(ctx, stored.Document.ID)
	require.NoError(t, err)
	require.Equal(t, stored.Document.ID, doc.ID)
	require.Equal(t, len(stored.Chunks), len(chunks))
}

func TestAnalyzeDocumentExtractsKeyConceptsAndSummary(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)

	stored := storeTestDocument(t, e, ctx, "Acme Corp and Acme Corp again discuss the contract with Globex Inc.")

	analysis, err := e.AnalyzeDocument(ctx, stored.Document.ID)
	require.NoError(t, err)
	require.NotEmpty(t, analysis.Summary)
	require.NotEmpty(t, analysis.KeyConcepts)
	require.Equal(t, "Acme", analysis.KeyConcepts[0])
}

func TestRefsForMemoryProjectsReferencesDirectly(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)

	stored := storeTestDocument(t, e, ctx, "Quarterly revenue grew by twelve percent over last year.")
	score := 0.9
	added, err := e.AddMemory(ctx, AddMemoryRequest{
		Content: "Revenue is up 12% year over year.",
		References: []memstore.Reference{
			{DocID: stored.Document.ID, ChunkID: stored.Chunks[0].ID, Score: &score},
		},
	})
	require.NoError(t, err)

	refs, err := e.RefsForMemory(ctx, added.ID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, stored.Document.ID, refs[0].DocID)
	require.Equal(t, 0.9, refs[0].Score)
}

func TestRefsForDocumentFindsCitingMemories(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)

	stored := storeTestDocument(t, e, ctx, "Quarterly revenue grew by twelve percent over last year.")
	score := 0.9
	added, err := e.AddMemory(ctx, AddMemoryRequest{
		Content: "Revenue is up 12% year over year.",
		References: []memstore.Reference{
			{DocID: stored.Document.ID, ChunkID: stored.Chunks[0].ID, Score: &score},
		},
	})
	require.NoError(t, err)

	refs, err := e.RefsForDocument(ctx, stored.Document.ID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, added.ID, refs[0].MemoryID)

	_, err = e.DeleteMemory(ctx, added.ID, false)
	require.NoError(t, err)

	refsAfterDelete, err := e.RefsForDocument(ctx, stored.Document.ID)
	require.NoError(t, err)
	require.Empty(t, refsAfterDelete)
}
