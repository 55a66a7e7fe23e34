package coordinator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/normanking/hybridmemory/internal/kv"
	"github.com/normanking/hybridmemory/internal/textindex"
	"github.com/normanking/hybridmemory/internal/vectorindex"
)

func testStore(t *testing.T) *kv.Store {
	t.Helper()
	s, err := kv.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCommitAppliesAnchorAndDerivedIndices(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	text := textindex.New(store)
	vector := vectorindex.New(store, 4)
	c := New(store, text, vector)

	anchor := []kv.Op{{Kind: kv.OpPut, Key: []byte("mem:m1"), Value: []byte("hello")}}
	textOps := []TextOp{{ID: "m1", Kind: textindex.KindMemory, Text: "hello world"}}
	vectorOps := []VectorOp{{ID: "m1", Vector: []float32{1, 0, 0, 0}}}

	warnings, err := c.Commit(ctx, 1, anchor, textOps, vectorOps)
	require.NoError(t, err)
	require.Empty(t, warnings)

	v, ok, err := store.Get(ctx, []byte("mem:m1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", string(v))

	hits := text.Query(ctx, "hello", textindex.Disjunctive, nil, 5)
	require.Len(t, hits, 1)
}

func TestCommitTreatsUnknownAnchorOpKindAsNoOp(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	text := textindex.New(store)
	vector := vectorindex.New(store, 4)
	c := New(store, text, vector)

	bad := []kv.Op{{Kind: kv.OpKind(99), Key: []byte("x")}} // unknown op kind is a no-op in kv.Batch, not a failure path we exercise here
	_, err := c.Commit(ctx, 1, bad, nil, nil)
	require.NoError(t, err) // kv.Batch tolerates unknown kinds as no-ops; anchor failure itself is exercised at the kv layer
}

func TestCommitEnqueuesARepairItemPerFailingID(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	text := textindex.New(store)
	vector := vectorindex.New(store, 4)
	c := New(store, text, vector)

	anchor := []kv.Op{
		{Kind: kv.OpPut, Key: []byte("mem:m1"), Value: []byte("one")},
		{Kind: kv.OpPut, Key: []byte("mem:m2"), Value: []byte("two")},
	}
	// both vectors are the wrong dimension, so both fail independently.
	vectorOps := []VectorOp{
		{ID: "m1", Vector: []float32{1, 0}},
		{ID: "m2", Vector: []float32{0, 1}},
	}

	warnings, err := c.Commit(ctx, 1, anchor, nil, vectorOps)
	require.NoError(t, err)
	require.Len(t, warnings, 2)

	for _, id := range []string{"m1", "m2"} {
		raw, ok, err := store.Get(ctx, []byte(keyRepairPrefix+id))
		require.NoError(t, err)
		require.True(t, ok, "expected a repair item for %s", id)

		var item RepairItem
		require.NoError(t, json.Unmarshal(raw, &item))
		require.Equal(t, id, item.ID)
		require.True(t, item.FailedVector)
	}
}

func TestDrainRepairQueueDropsItemsWhoseRecordIsGone(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	text := textindex.New(store)
	vector := vectorindex.New(store, 4)
	c := New(store, text, vector)

	require.NoError(t, c.enqueueRepair(ctx, RepairItem{ID: "gone", FailedText: true, EnqueuedAt: 1}))

	drained, remaining, err := c.DrainRepairQueue(ctx, func(ctx context.Context, id string) (string, textindex.Kind, []float32, bool, bool, error) {
		return "", "", nil, false, false, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, drained)
	require.Equal(t, 0, remaining)
}
