package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/normanking/hybridmemory/internal/config"
	"github.com/normanking/hybridmemory/internal/kv"
	"github.com/normanking/hybridmemory/internal/memstore"
	"github.com/normanking/hybridmemory/pkg/types"
)

func errCode(t *testing.T, err error) Code {
	t.Helper()
	e, ok := AsError(err)
	require.True(t, ok, "expected *engine.Error, got %T: %v", err, err)
	return e.Code
}

func testEngine(t *testing.T, mutate ...func(*config.Config)) *Engine {
	t.Helper()
	kvs, err := kv.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { kvs.Close() })

	cfg := config.Default()
	cfg.Embedding.Dimension = 16
	for _, m := range mutate {
		m(cfg)
	}

	e, err := wire(cfg, kvs)
	require.NoError(t, err)
	return e
}

func TestAddMemoryRejectsEmptyContent(t *testing.T) {
	e := testEngine(t)
	_, err := e.AddMemory(context.Background(), AddMemoryRequest{Content: "   "})
	require.Error(t, err)
	require.Equal(t, CodeInvalidInput, errCode(t, err))
}

func TestAddThenSearchMemoryRoundTrips(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)

	added, err := e.AddMemory(ctx, AddMemoryRequest{Content: "beta release shipped to staging"})
	require.NoError(t, err)
	require.NotEmpty(t, added.ID)

	res, err := e.SearchMemory(ctx, "beta release", 5, memstore.SearchFilters{})
	require.NoError(t, err)
	var found bool
	for _, hit := range res.Results {
		if hit.ID == added.ID {
			found = true
		}
	}
	require.True(t, found, "expected %s among search results", added.ID)
}

func TestUpdateMemoryUnknownIDReturnsNotFound(t *testing.T) {
	e := testEngine(t)
	content := "new content"
	_, err := e.UpdateMemory(context.Background(), "does-not-exist", UpdateMemoryRequest{Content: &content})
	require.Error(t, err)
	require.Equal(t, CodeNotFound, errCode(t, err))
}

func TestDeleteMemoryUnknownIDIsNotAnError(t *testing.T) {
	res, err := testEngine(t).DeleteMemory(context.Background(), "does-not-exist", false)
	require.NoError(t, err)
	require.False(t, res.Deleted)
}

func TestDeleteMemoryCascadesEntityEdges(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)

	added, err := e.AddMemory(ctx, AddMemoryRequest{Content: "Acme Corp signed the contract with Globex Inc"})
	require.NoError(t, err)

	res, err := e.DeleteMemory(ctx, added.ID, true)
	require.NoError(t, err)
	require.True(t, res.Deleted)
	require.Greater(t, res.Cascaded, 0)

	refs, err := e.RefsForDocument(ctx, "nonexistent-doc")
	require.Error(t, err)
	_ = refs
}

func TestAcquireReturnsResourceExhaustedWhenSaturated(t *testing.T) {
	e := testEngine(t, func(c *config.Config) { c.Concurrency.MaxConcurrentRequests = 1 })

	release, err := e.acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.acquire(ctx)
	require.Error(t, err)
	require.Equal(t, CodeResourceExhausted, errCode(t, err))
}

func TestStatusReportsOkHealthWhenIdle(t *testing.T) {
	e := testEngine(t)
	status, err := e.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", status.Health)
	require.GreaterOrEqual(t, status.UptimeMs, int64(0))
}

func TestStatusCountsSTMAndLTMMemories(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)
	ltm := types.LayerLTM

	_, err := e.AddMemory(ctx, AddMemoryRequest{Content: "short note", SessionID: "sess-1"})
	require.NoError(t, err)
	_, err = e.AddMemory(ctx, AddMemoryRequest{Content: "explicitly long-term memory", LayerHint: &ltm})
	require.NoError(t, err)

	status, err := e.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, status.Memory.STMCount)
	require.Equal(t, 1, status.Memory.LTMCount)
}
