package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/normanking/hybridmemory/internal/memstore"
)

func TestBackupRestoreRoundTripPreservesSearchResults(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)

	_, err := e.AddMemory(ctx, AddMemoryRequest{Content: "beta release shipped to staging"})
	require.NoError(t, err)
	_, err = e.AddMemory(ctx, AddMemoryRequest{Content: "gamma feature flag rollout plan"})
	require.NoError(t, err)

	before, err := e.SearchMemory(ctx, "beta release", 5, memstore.SearchFilters{})
	require.NoError(t, err)
	require.NotEmpty(t, before.Results)

	dest := filepath.Join(t.TempDir(), "backup")
	backupRes, err := e.Backup(ctx, dest, true)
	require.NoError(t, err)
	require.Equal(t, dest, backupRes.Path)
	require.FileExists(t, filepath.Join(dest, "manifest.json"))
	require.FileExists(t, filepath.Join(dest, "data.json"))

	deltaAdded, err := e.AddMemory(ctx, AddMemoryRequest{Content: "delta a memory that should vanish after restore"})
	require.NoError(t, err)

	restoreRes, err := e.Restore(ctx, dest, true)
	require.NoError(t, err)
	require.True(t, restoreRes.Restored)
	require.True(t, restoreRes.Validated)

	after, err := e.SearchMemory(ctx, "beta release", 5, memstore.SearchFilters{})
	require.NoError(t, err)
	require.Equal(t, len(before.Results), len(after.Results))

	delta, err := e.SearchMemory(ctx, "delta vanish", 5, memstore.SearchFilters{})
	require.NoError(t, err)
	for _, hit := range delta.Results {
		require.NotEqual(t, deltaAdded.ID, hit.ID)
	}
}

func TestBackupExcludesIndexNamespacesWhenRequested(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)

	_, err := e.AddMemory(ctx, AddMemoryRequest{Content: "epsilon content for dimension exclusion check"})
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "backup")
	_, err = e.Backup(ctx, dest, false)
	require.NoError(t, err)

	manifestBytes, err := os.ReadFile(filepath.Join(dest, "manifest.json"))
	require.NoError(t, err)
	require.Contains(t, string(manifestBytes), `"includeIndices":false`)

	restoreRes, err := e.Restore(ctx, dest, false)
	require.NoError(t, err)
	require.True(t, restoreRes.Restored)

	res, err := e.SearchMemory(ctx, "dimension exclusion", 5, memstore.SearchFilters{})
	require.NoError(t, err)
	require.NotEmpty(t, res.Results)
}
