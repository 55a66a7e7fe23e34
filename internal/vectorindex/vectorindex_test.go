package vectorindex

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/normanking/hybridmemory/internal/kv"
)

func testStore(t *testing.T) *kv.Store {
	t.Helper()
	s, err := kv.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func unitVec(dim int, hot int) []float32 {
	v := make([]float32, dim)
	v[hot%dim] = 1
	return v
}

func TestInsertAndExactScan(t *testing.T) {
	ctx := context.Background()
	idx := New(testStore(t), 8)

	require.NoError(t, idx.Insert(ctx, "a", unitVec(8, 0)))
	require.NoError(t, idx.Insert(ctx, "b", unitVec(8, 1)))
	require.NoError(t, idx.Insert(ctx, "c", unitVec(8, 0)))

	hits, err := idx.Query(ctx, unitVec(8, 0), 2, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.InDelta(t, 1.0, hits[0].Cosine, 1e-6)
}

func TestRemoveIsIdempotentAndExcludesFromQuery(t *testing.T) {
	ctx := context.Background()
	idx := New(testStore(t), 8)
	require.NoError(t, idx.Insert(ctx, "a", unitVec(8, 0)))

	require.NoError(t, idx.Remove(ctx, "a"))
	require.NoError(t, idx.Remove(ctx, "a")) // idempotent

	hits, err := idx.Query(ctx, unitVec(8, 0), 5, nil)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestFilterExcludesIds(t *testing.T) {
	ctx := context.Background()
	idx := New(testStore(t), 8)
	require.NoError(t, idx.Insert(ctx, "a", unitVec(8, 0)))
	require.NoError(t, idx.Insert(ctx, "b", unitVec(8, 0)))

	hits, err := idx.Query(ctx, unitVec(8, 0), 5, func(id string) bool { return id != "a" })
	require.NoError(t, err)
	for _, h := range hits {
		require.NotEqual(t, "a", h.ID)
	}
}

func TestRebuildPreservesTopResult(t *testing.T) {
	ctx := context.Background()
	idx := New(testStore(t), 8)
	for i := 0; i < 80; i++ {
		require.NoError(t, idx.Insert(ctx, fmt.Sprintf("m%d", i), unitVec(8, i)))
	}
	require.NoError(t, idx.Rebuild(ctx))

	hits, err := idx.Query(ctx, unitVec(8, 0), 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.InDelta(t, 1.0, hits[0].Cosine, 1e-6)
}

func TestValidateDimensionsDetectsCorruptVector(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	idx := New(store, 8)
	require.NoError(t, idx.Insert(ctx, "a", unitVec(8, 0)))

	require.NoError(t, store.Put(ctx, []byte("vec:bad"), []byte{1, 2, 3}))

	total, bad, err := idx.ValidateDimensions(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, 1, bad)
}
