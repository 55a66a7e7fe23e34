package textindex

import (
	"context"
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

func TestUpsertAndQueryRanksExactMatchFirst(t *testing.T) {
	ctx := context.Background()
	idx := New(testStore(t))

	require.NoError(t, idx.Upsert(ctx, "m1", KindMemory, "project kickoff notes"))
	require.NoError(t, idx.Upsert(ctx, "m2", KindMemory, "unrelated grocery list"))

	hits := idx.Query(ctx, "kickoff", Disjunctive, []Kind{KindMemory}, 5)
	require.Len(t, hits, 1)
	require.Equal(t, "m1", hits[0].ID)
}

func TestRemoveIsEager(t *testing.T) {
	ctx := context.Background()
	idx := New(testStore(t))
	require.NoError(t, idx.Upsert(ctx, "m1", KindMemory, "alpha beta"))
	require.NoError(t, idx.Remove(ctx, "m1"))

	hits := idx.Query(ctx, "alpha", Disjunctive, nil, 5)
	require.Empty(t, hits)
}

func TestConjunctiveRequiresAllTerms(t *testing.T) {
	ctx := context.Background()
	idx := New(testStore(t))
	require.NoError(t, idx.Upsert(ctx, "m1", KindMemory, "alpha beta"))
	require.NoError(t, idx.Upsert(ctx, "m2", KindMemory, "alpha only"))

	hits := idx.Query(ctx, "alpha beta", Conjunctive, nil, 5)
	require.Len(t, hits, 1)
	require.Equal(t, "m1", hits[0].ID)
}

func TestReindexReplacesPriorTerms(t *testing.T) {
	ctx := context.Background()
	idx := New(testStore(t))
	require.NoError(t, idx.Upsert(ctx, "m1", KindMemory, "alpha"))
	require.NoError(t, idx.Upsert(ctx, "m1", KindMemory, "beta"))

	require.Empty(t, idx.Query(ctx, "alpha", Disjunctive, nil, 5))
	hits := idx.Query(ctx, "beta", Disjunctive, nil, 5)
	require.Len(t, hits, 1)
}

func TestTokenizeLowercasesAndSplitsOnPunctuation(t *testing.T) {
	toks := Tokenize("Hello, World! Foo-Bar")
	require.Equal(t, []string{"hello", "world", "foo", "bar"}, toks)
}
