package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/normanking/hybridmemory/internal/kv"
)

const backupSchemaVersion = 1

// indexKeyPrefixes names the KV namespaces that are purely derivative of the
// primary mem:/chunk:/doc: records and the knowledge graph's kg: namespace:
// vector neighbor/sequence state and text postings can always be rebuilt
// from content via advanced.reindex, so system.backup's includeIndices=false
// path drops them rather than shipping dead weight. The graph is not in this
// list -- EVIDENCE/PART_OF/RELATED/OCCURRED_IN edges encode relationships
// that aren't re-derivable from content alone (see maintenance's
// reindexGraph), so kg: is always a primary namespace for backup purposes.
var indexKeyPrefixes = []string{"vec:", "vecnn:", "vecseq:", "text:"}

func hasAnyPrefix(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// backupManifest is the self-describing header written alongside a
// backup's data file (spec §6: "manifest with schema version, timestamp,
// checksum").
type backupManifest struct {
	SchemaVersion  int    `json:"schemaVersion"`
	CreatedAtMs    int64  `json:"createdAtMs"`
	IncludeIndices bool   `json:"includeIndices"`
	RowCount       int    `json:"rowCount"`
	Checksum       string `json:"checksum"`
}

// BackupResult is system.backup's output.
type BackupResult struct {
	Path   string
	SizeMb float64
	TookMs int64
}

// Backup runs system.backup (spec §6): snapshots the KV store -- optionally
// excluding the rebuildable vector/text index namespaces -- into a
// self-contained directory with a checksummed manifest. destination
// defaults to a timestamped sibling of the data directory when empty.
func (e *Engine) Backup(ctx context.Context, destination string, includeIndices bool) (*BackupResult, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	start := time.Now()
	defer e.track(start)

	if destination == "" {
		destination = filepath.Join(filepath.Dir(e.cfg.Storage.DataDir), fmt.Sprintf("backup-%d", nowMillis()))
	}
	if err := os.MkdirAll(destination, 0o755); err != nil {
		return nil, Internal("system.backup: create destination", err)
	}

	rows, err := e.kv.ScanPrefix(ctx, []byte{})
	if err != nil {
		return nil, Internal("system.backup: scan store", err)
	}
	if !includeIndices {
		for k := range rows {
			if hasAnyPrefix(k, indexKeyPrefixes) {
				delete(rows, k)
			}
		}
	}

	dataBytes, err := json.Marshal(rows)
	if err != nil {
		return nil, Internal("system.backup: marshal rows", err)
	}
	dataPath := filepath.Join(destination, "data.json")
	if err := os.WriteFile(dataPath, dataBytes, 0o644); err != nil {
		return nil, Internal("system.backup: write data file", err)
	}

	sum := sha256.Sum256(dataBytes)
	manifest := backupManifest{
		SchemaVersion:  backupSchemaVersion,
		CreatedAtMs:    nowMillis(),
		IncludeIndices: includeIndices,
		RowCount:       len(rows),
		Checksum:       hex.EncodeToString(sum[:]),
	}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return nil, Internal("system.backup: marshal manifest", err)
	}
	if err := os.WriteFile(filepath.Join(destination, "manifest.json"), manifestBytes, 0o644); err != nil {
		return nil, Internal("system.backup: write manifest", err)
	}

	sizeMb := float64(len(dataBytes)+len(manifestBytes)) / 1024 / 1024
	return &BackupResult{Path: destination, SizeMb: sizeMb, TookMs: time.Since(start).Milliseconds()}, nil
}

// RestoreResult is system.restore's output.
type RestoreResult struct {
	Restored  bool
	Validated bool
	TookMs    int64
}

// Restore runs system.restore (spec §6): replaces the live KV store's
// contents with a backup's, reloads the in-memory text/vector index state,
// rebuilds whatever index namespaces the backup omitted, and reports
// whether a post-restore validation pass found any inconsistency.
func (e *Engine) Restore(ctx context.Context, source string, includeIndices bool) (*RestoreResult, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	start := time.Now()
	defer e.track(start)

	manifestBytes, err := os.ReadFile(filepath.Join(source, "manifest.json"))
	if err != nil {
		return nil, Internal("system.restore: read manifest", err)
	}
	var manifest backupManifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, Internal("system.restore: parse manifest", err)
	}

	dataBytes, err := os.ReadFile(filepath.Join(source, "data.json"))
	if err != nil {
		return nil, Internal("system.restore: read data file", err)
	}
	sum := sha256.Sum256(dataBytes)
	if hex.EncodeToString(sum[:]) != manifest.Checksum {
		return nil, InvalidInput("system.restore: checksum mismatch, backup is corrupt")
	}

	var rows map[string][]byte
	if err := json.Unmarshal(dataBytes, &rows); err != nil {
		return nil, Internal("system.restore: parse data file", err)
	}

	existing, err := e.kv.Keys(ctx, []byte{})
	if err != nil {
		return nil, Internal("system.restore: list existing keys", err)
	}
	ops := make([]kv.Op, 0, len(existing)+len(rows))
	for _, k := range existing {
		ops = append(ops, kv.Op{Kind: kv.OpDelete, Key: k})
	}
	for k, v := range rows {
		ops = append(ops, kv.Op{Kind: kv.OpPut, Key: []byte(k), Value: v})
	}
	if err := e.kv.Batch(ctx, ops); err != nil {
		return nil, Internal("system.restore: apply batch", err)
	}

	e.text.Reset()
	e.vector.Reset()
	if err := e.text.Load(ctx); err != nil {
		return nil, Internal("system.restore: reload text index", err)
	}
	if err := e.vector.Load(ctx); err != nil {
		return nil, Internal("system.restore: reload vector index", err)
	}

	needsReindex := !manifest.IncludeIndices || !includeIndices
	if needsReindex {
		if _, err := e.maintainer.Reindex(ctx, true, true, false); err != nil {
			return nil, Internal("system.restore: reindex", err)
		}
		e.text.Reset()
		e.vector.Reset()
		if err := e.text.Load(ctx); err != nil {
			return nil, Internal("system.restore: reload text index after reindex", err)
		}
		if err := e.vector.Load(ctx); err != nil {
			return nil, Internal("system.restore: reload vector index after reindex", err)
		}
	}

	e.fusion.ClearCache()

	validated := false
	if report, err := e.maintainer.Validate(ctx); err == nil {
		validated = report.BadDimensions == 0 && report.VectorOrphans == 0 && report.TextOrphans == 0 && report.DanglingEdges == 0
	}

	return &RestoreResult{Restored: true, Validated: validated, TookMs: time.Since(start).Milliseconds()}, nil
}
