// Package engine is the single explicit handle spec §9 asks for: every
// piece of global mutable state (uptime, metrics, the fusion cache, the
// maintenance ticker) is a field on *Engine, constructed once at startup
// and threaded into every operation -- no ambient singletons, no
// package-level engine state anywhere else in this module.
//
// Grounded on RedClaus-cortex/core's top-level service wiring (the
// constructor that builds every sub-store and searcher once and hands out
// a single handle) generalized to this engine's ten components, and on
// core_store.go's load-then-batch CRUD shape for the operation methods
// themselves.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/normanking/hybridmemory/internal/config"
	"github.com/normanking/hybridmemory/internal/coordinator"
	"github.com/normanking/hybridmemory/internal/embed"
	"github.com/normanking/hybridmemory/internal/fusion"
	"github.com/normanking/hybridmemory/internal/graph"
	"github.com/normanking/hybridmemory/internal/ingestion"
	"github.com/normanking/hybridmemory/internal/ingestion/parsers"
	"github.com/normanking/hybridmemory/internal/kv"
	"github.com/normanking/hybridmemory/internal/logging"
	"github.com/normanking/hybridmemory/internal/maintenance"
	"github.com/normanking/hybridmemory/internal/memstore"
	"github.com/normanking/hybridmemory/internal/metrics"
	"github.com/normanking/hybridmemory/internal/textindex"
	"github.com/normanking/hybridmemory/internal/vectorindex"
)

var log = logging.Component("engine")

// Engine is the hybrid memory engine's single handle: every component from
// spec §2's table plus the ambient metrics collector and a concurrency
// limiter enforcing spec §5's MAX_CONCURRENT_REQUESTS.
type Engine struct {
	cfg *config.Config

	kv         *kv.Store
	graph      *graph.Graph
	text       *textindex.Index
	vector     *vectorindex.Index
	embed      embed.Embedder
	embedCache *embed.Cache

	coordinator *coordinator.Coordinator
	memory      *memstore.Store
	fusion      *fusion.Retriever
	documents   *ingestion.Pipeline
	maintainer  *maintenance.Maintainer
	metrics     *metrics.Collector

	startedAt int64
	sem       chan struct{}

	stopMaintenance chan struct{}
	wg              sync.WaitGroup
}

// Open constructs every component over a freshly opened (or existing)
// on-disk store at cfg.Storage.DataDir, wires the two-phase memstore<->
// fusion dependency, lays out the warm/cold subdirectories spec §6 names,
// writes the PID file, and starts the background maintenance ticker.
func Open(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, Internal("invalid configuration", err)
	}
	for _, dir := range []string{
		filepath.Dir(cfg.Storage.KVPath()),
		cfg.Storage.TextDir(),
		cfg.Storage.VectorDir(),
		cfg.Storage.ColdDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, Internal(fmt.Sprintf("create %s", dir), err)
		}
	}

	store, err := kv.Open(cfg.Storage.KVPath())
	if err != nil {
		return nil, Internal("open kv store", err)
	}

	if err := writePidFile(cfg.Storage.PidFile()); err != nil {
		store.Close()
		return nil, Internal("write pid file", err)
	}

	e, err := wire(cfg, store)
	if err != nil {
		store.Close()
		os.Remove(cfg.Storage.PidFile())
		return nil, err
	}

	if cfg.Maintenance.CleanIntervalMS > 0 {
		e.startMaintenanceLoop(time.Duration(cfg.Maintenance.CleanIntervalMS) * time.Millisecond)
	}

	log.Info().Str("data_dir", cfg.Storage.DataDir).Msg("engine opened")
	return e, nil
}

// wire builds every in-process component over an already-open store,
// factored out of Open so tests can construct an Engine over an in-memory
// store without touching the filesystem.
func wire(cfg *config.Config, store *kv.Store) (*Engine, error) {
	ctx := context.Background()

	g := graph.New(store)
	text := textindex.New(store)
	vector := vectorindex.New(store, cfg.Embedding.Dimension)
	if err := text.Load(ctx); err != nil {
		return nil, Internal("load text index", err)
	}
	if err := vector.Load(ctx); err != nil {
		return nil, Internal("load vector index", err)
	}

	embedder := embed.NewCache(embed.NewFake(cfg.Embedding.Dimension), store)

	coord := coordinator.New(store, text, vector)
	mem := memstore.New(store, g, coord, embedder, cfg.Memory.STMDefaultTTLMS)

	retriever := fusion.New(mem, g, text, vector, embedder, fusion.Config{
		SubTimeoutMS: cfg.Fusion.SubTimeoutMS,
		WeightVector: cfg.Fusion.WeightVector,
		WeightText:   cfg.Fusion.WeightText,
		WeightGraph:  cfg.Fusion.WeightGraph,
		CacheTTLMS:   cfg.Fusion.CacheTTLMS,
		CacheMax:     cfg.Fusion.CacheMax,
	})
	mem.SetSearcher(retriever)

	chunker := ingestion.NewChunker(cfg.Document.ChunkMinChars, cfg.Document.ChunkMaxChars, cfg.Document.ChunkOverlapRatio)
	pdfLimits := parsers.PDFLimits{
		MaxBytes:  cfg.Document.PDFMaxBytes,
		MaxTimeMS: cfg.Document.PDFMaxTimeMS,
		MaxPages:  cfg.Document.PDFMaxPages,
	}
	pipeline := ingestion.New(store, g, coord, embedder, chunker, pdfLimits)

	maint := maintenance.New(store, g, text, vector, mem, maintenance.Config{
		ConsolidateImportanceMin: cfg.Maintenance.ConsolidateImportanceMin,
		ConsolidateAccessMin:     cfg.Maintenance.ConsolidateAccessMin,
		LTMDecayPerClean:         cfg.Maintenance.LTMDecayPerClean,
		LTMStrengthenOnAccess:    cfg.Maintenance.LTMStrengthenOnAccess,
	})

	sem := make(chan struct{}, cfg.Concurrency.MaxConcurrentRequests)

	return &Engine{
		cfg:             cfg,
		kv:              store,
		graph:           g,
		text:            text,
		vector:          vector,
		embed:           embedder,
		embedCache:      embedder,
		coordinator:     coord,
		memory:          mem,
		fusion:          retriever,
		documents:       pipeline,
		maintainer:      maint,
		metrics:         metrics.New(),
		startedAt:       nowMillis(),
		sem:             sem,
		stopMaintenance: make(chan struct{}),
	}, nil
}

// Close stops the maintenance loop, removes the PID file, and closes the
// underlying store, mirroring spec §6's "removed on clean shutdown."
func (e *Engine) Close() error {
	close(e.stopMaintenance)
	e.wg.Wait()
	os.Remove(e.cfg.Storage.PidFile())
	return e.kv.Close()
}

// acquire reserves one of MAX_CONCURRENT_REQUESTS slots (spec §5), failing
// fast with RESOURCE_EXHAUSTED rather than queuing indefinitely. The
// returned release func must be deferred by every operation method.
func (e *Engine) acquire(ctx context.Context) (release func(), err error) {
	select {
	case e.sem <- struct{}{}:
		return func() { <-e.sem }, nil
	default:
		return nil, ResourceExhausted("max concurrent requests exceeded")
	}
}

// track records an operation's latency once it completes, feeding
// system.status's metrics fields (spec §6).
func (e *Engine) track(start time.Time) {
	e.metrics.RecordLatency(time.Since(start))
}

func (e *Engine) startMaintenanceLoop(interval time.Duration) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopMaintenance:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if _, err := e.maintainer.RunPass(ctx); err != nil {
					log.Warn().Err(err).Msg("maintenance pass failed")
				}
				cancel()
			}
		}
	}()
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func jsonUnmarshal(raw []byte, v any) error { return json.Unmarshal(raw, v) }

// fileSize reports an on-disk file's size, used for system.status's storage
// block. A missing file (no writes yet) is reported as zero, not an error.
func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
