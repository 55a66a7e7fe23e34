package engine

import (
	"context"
	"runtime"
	"time"

	"github.com/normanking/hybridmemory/internal/metrics"
	"github.com/normanking/hybridmemory/internal/textindex"
	"github.com/normanking/hybridmemory/internal/vectorindex"
	"github.com/normanking/hybridmemory/pkg/types"
)

const keyMemPrefix = "mem:" // mirrors memstore's own private keyMemPrefix namespace

// IndexStats summarizes each derivative index for system.status.
type IndexStats struct {
	Vector vectorindex.Stats
	Text   TextStats
	Graph  GraphStats
}

// TextStats is a cheap summary of the text index's posting-list namespace.
type TextStats struct {
	MemoryDocs int
	ChunkDocs  int
}

// GraphStats is a cheap summary of the knowledge graph's edge count.
type GraphStats struct {
	Edges int
}

// StorageStats reports on-disk size for system.status.
type StorageStats struct {
	KVBytes int64
}

// MemoryStats is the process memory / layer-count block of system.status.
type MemoryStats struct {
	RSSMb    float64
	STMCount int
	LTMCount int
}

// StatusResult is system.status's output (spec §6).
type StatusResult struct {
	UptimeMs int64
	Indices  IndexStats
	Storage  StorageStats
	Metrics  metrics.Stats
	Memory   MemoryStats
	Health   string
}

// Status runs system.status. It does not go through the concurrency
// semaphore -- an operator checking health during a saturated request
// queue is exactly the case that must never itself report
// RESOURCE_EXHAUSTED.
func (e *Engine) Status(ctx context.Context) (*StatusResult, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	rssMB := float64(mem.Alloc) / 1024 / 1024

	snap := e.metrics.Snapshot()
	fusionHits, fusionMisses := e.fusion.Stats()
	embedHits, embedMisses := e.embedCache.Stats()
	snap.CacheHits = fusionHits + embedHits
	snap.CacheMisses = fusionMisses + embedMisses

	stmCount, ltmCount, err := e.countLayers(ctx)
	if err != nil {
		return nil, Internal("system.status: layer counts", err)
	}

	kvBytes, _ := fileSize(e.cfg.Storage.KVPath())

	health := "ok"
	if snap.Degraded(e.cfg.Status.P95MsThreshold, rssMB, e.cfg.Status.RSSMbThreshold) {
		health = "degraded"
	}

	return &StatusResult{
		UptimeMs: nowMillis() - e.startedAt,
		Indices: IndexStats{
			Vector: e.vector.Stats(),
			Text: TextStats{
				MemoryDocs: len(e.text.IdsByKind(textindex.KindMemory)),
				ChunkDocs:  len(e.text.IdsByKind(textindex.KindChunk)),
			},
			Graph: GraphStats{Edges: e.graphEdgeCount(ctx)},
		},
		Storage: StorageStats{KVBytes: kvBytes},
		Metrics: snap,
		Memory:  MemoryStats{RSSMb: rssMB, STMCount: stmCount, LTMCount: ltmCount},
		Health:  health,
	}, nil
}

func (e *Engine) countLayers(ctx context.Context) (stm, ltm int, err error) {
	rows, err := e.kv.ScanPrefix(ctx, []byte(keyMemPrefix))
	if err != nil {
		return 0, 0, err
	}
	for _, raw := range rows {
		var rec struct {
			Layer types.Layer `json:"layer"`
		}
		if err := jsonUnmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.Layer == types.LayerSTM {
			stm++
		} else {
			ltm++
		}
	}
	return stm, ltm, nil
}

func (e *Engine) graphEdgeCount(ctx context.Context) int {
	edges, err := e.graph.AllEdges(ctx)
	if err != nil {
		return 0
	}
	return len(edges)
}

// CleanupResult is system.cleanup's output (spec §6). removedText folds
// together vector- and text-index orphan removals: spec §6's table names a
// single `removedText` field, not a separate vector count.
type CleanupResult struct {
	RemovedText  int
	RemovedEdges int
	Reindexed    bool
	Compacted    bool
}

// Cleanup runs system.cleanup (spec §4.9 orphan cleanup + optional reindex
// and storage compaction).
func (e *Engine) Cleanup(ctx context.Context, reindex, compact bool) (*CleanupResult, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	start := time.Now()
	defer e.track(start)

	res, err := e.maintainer.Cleanup(ctx, reindex, compact)
	if err != nil {
		return nil, Internal("system.cleanup", err)
	}
	return &CleanupResult{
		RemovedText:  res.RemovedVectorOrphans + res.RemovedTextOrphans,
		RemovedEdges: res.RemovedDanglingEdges,
		Reindexed:    res.Reindexed,
		Compacted:    res.Compacted,
	}, nil
}

// ConsolidateResult is advanced.consolidate's output.
type ConsolidateResult struct {
	Promoted   int
	Candidates int
	TookMs     int64
}

// Consolidate runs advanced.consolidate (spec §4.9).
func (e *Engine) Consolidate(ctx context.Context, dryRun bool, limit int) (*ConsolidateResult, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	start := time.Now()
	defer e.track(start)

	res, err := e.maintainer.Consolidate(ctx, dryRun, limit)
	if err != nil {
		return nil, Internal("advanced.consolidate", err)
	}
	return &ConsolidateResult{Promoted: res.Promoted, Candidates: res.Candidates, TookMs: time.Since(start).Milliseconds()}, nil
}

// ReindexResult is advanced.reindex's output.
type ReindexResult struct {
	Vector bool
	Text   bool
	Graph  bool
	TookMs int64
}

// Reindex runs advanced.reindex (spec §4.9).
func (e *Engine) Reindex(ctx context.Context, vector, text, graphFlag bool) (*ReindexResult, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	start := time.Now()
	defer e.track(start)

	res, err := e.maintainer.Reindex(ctx, vector, text, graphFlag)
	if err != nil {
		return nil, Internal("advanced.reindex", err)
	}
	return &ReindexResult{Vector: res.Vector, Text: res.Text, Graph: res.Graph, TookMs: res.TookMs}, nil
}
