package maintenance

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/normanking/hybridmemory/internal/coordinator"
	"github.com/normanking/hybridmemory/internal/embed"
	"github.com/normanking/hybridmemory/internal/fusion"
	"github.com/normanking/hybridmemory/internal/graph"
	"github.com/normanking/hybridmemory/internal/kv"
	"github.com/normanking/hybridmemory/internal/memstore"
	"github.com/normanking/hybridmemory/internal/textindex"
	"github.com/normanking/hybridmemory/internal/vectorindex"
	"github.com/normanking/hybridmemory/pkg/types"
)

func testMaintainer(t *testing.T) (*Maintainer, *memstore.Store, *kv.Store) {
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

	m := New(kvs, g, text, vector, store, Config{})
	return m, store, kvs
}

func TestConsolidatePromotesHighImportanceSTM(t *testing.T) {
	ctx := context.Background()
	m, store, kvs := testMaintainer(t)
	stm := types.LayerSTM

	added, _, err := store.Add(ctx, memstore.AddRequest{Content: "short note", LayerHint: &stm, SessionID: "s1"})
	require.NoError(t, err)

	mem, ok, err := store.Get(ctx, added.ID)
	require.NoError(t, err)
	require.True(t, ok)
	mem.Importance = 2.0
	b, err := json.Marshal(mem)
	require.NoError(t, err)
	require.NoError(t, kvs.Put(ctx, []byte(keyMemPrefix+mem.ID), b))

	res, err := m.Consolidate(ctx, false, 10)
	require.NoError(t, err)
	require.Equal(t, 1, res.Candidates)
	require.Equal(t, 1, res.Promoted)

	after, ok, err := store.Get(ctx, added.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.LayerLTM, after.Layer)
}

func TestConsolidateDryRunDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	m, store, kvs := testMaintainer(t)
	stm := types.LayerSTM

	added, _, err := store.Add(ctx, memstore.AddRequest{Content: "short note", LayerHint: &stm, SessionID: "s1"})
	require.NoError(t, err)

	mem, _, err := store.Get(ctx, added.ID)
	require.NoError(t, err)
	mem.AccessCount = 5
	b, err := json.Marshal(mem)
	require.NoError(t, err)
	require.NoError(t, kvs.Put(ctx, []byte(keyMemPrefix+mem.ID), b))

	res, err := m.Consolidate(ctx, true, 10)
	require.NoError(t, err)
	require.Equal(t, 1, res.Candidates)
	require.Equal(t, 0, res.Promoted)

	after, _, err := store.Get(ctx, added.ID)
	require.NoError(t, err)
	require.Equal(t, types.LayerSTM, after.Layer)
}

func TestRunPassEvictsExpiredSTM(t *testing.T) {
	ctx := context.Background()
	m, store, kvs := testMaintainer(t)
	stm := types.LayerSTM

	added, _, err := store.Add(ctx, memstore.AddRequest{Content: "expiring note", LayerHint: &stm, SessionID: "s1"})
	require.NoError(t, err)

	mem, _, err := store.Get(ctx, added.ID)
	require.NoError(t, err)
	mem.ExpiresAt = types.NowMillis() - 1
	b, err := json.Marshal(mem)
	require.NoError(t, err)
	require.NoError(t, kvs.Put(ctx, []byte(keyMemPrefix+mem.ID), b))

	res, err := m.RunPass(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.EvictedSTM)

	_, ok, err := store.Get(ctx, added.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunPassDecaysLTMImportance(t *testing.T) {
	ctx := context.Background()
	m, store, _ := testMaintainer(t)
	ltm := types.LayerLTM

	added, _, err := store.Add(ctx, memstore.AddRequest{Content: "long-lived fact", LayerHint: &ltm})
	require.NoError(t, err)

	before, _, err := store.Get(ctx, added.ID)
	require.NoError(t, err)

	_, err = m.RunPass(ctx)
	require.NoError(t, err)

	after, _, err := store.Get(ctx, added.ID)
	require.NoError(t, err)
	require.Less(t, after.Importance, before.Importance)
}

func TestValidateReportsVectorOrphan(t *testing.T) {
	ctx := context.Background()
	m, store, kvs := testMaintainer(t)

	added, _, err := store.Add(ctx, memstore.AddRequest{Content: "orphan candidate"})
	require.NoError(t, err)

	require.NoError(t, kvs.Delete(ctx, []byte(keyMemPrefix+added.ID)))

	report, err := m.Validate(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.VectorOrphans)
	require.Equal(t, 1, report.TextOrphans)
}

func TestCleanupRemovesOrphansAndDanglingEdges(t *testing.T) {
	ctx := context.Background()
	m, store, kvs := testMaintainer(t)

	added, _, err := store.Add(ctx, memstore.AddRequest{Content: "Acme orphan candidate"})
	require.NoError(t, err)

	require.NoError(t, kvs.Delete(ctx, []byte(keyMemPrefix+added.ID)))
	// Removing just the entity node (bypassing the cascading DeleteNode) leaves
	// the MENTIONS edge pointing at a now-missing endpoint, simulating the kind
	// of inconsistency RemoveDanglingEdges exists to repair.
	require.NoError(t, kvs.Delete(ctx, []byte("kg:node:"+graph.NodeKey(types.NodeEntity, "Acme"))))

	res, err := m.Cleanup(ctx, false, false)
	require.NoError(t, err)
	require.Equal(t, 1, res.RemovedVectorOrphans)
	require.Equal(t, 1, res.RemovedTextOrphans)
	require.GreaterOrEqual(t, res.RemovedDanglingEdges, 1)

	report, err := m.Validate(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, report.VectorOrphans)
	require.Equal(t, 0, report.TextOrphans)
	require.Equal(t, 0, report.DanglingEdges)
}

func TestReindexIsIdempotentOnSearchResults(t *testing.T) {
	ctx := context.Background()
	m, store, _ := testMaintainer(t)
	retriever := fusion.New(store, m.graph, m.text, m.vector, embed.NewFake(16), fusion.Config{})
	store.SetSearcher(retriever)

	_, _, err := store.Add(ctx, memstore.AddRequest{Content: "reindex stability check"})
	require.NoError(t, err)

	before, err := store.Search(ctx, "reindex", 5, memstore.SearchFilters{})
	require.NoError(t, err)

	res, err := m.Reindex(ctx, true, true, true)
	require.NoError(t, err)
	require.True(t, res.Vector)
	require.True(t, res.Text)
	require.True(t, res.Graph)
	retriever.ClearCache()

	after, err := store.Search(ctx, "reindex", 5, memstore.SearchFilters{})
	require.NoError(t, err)
	require.Equal(t, len(before), len(after))
	if len(before) > 0 {
		require.Equal(t, before[0].ID, after[0].ID)
	}
}
