// Package fusion implements the Fusion Retriever (spec §4.8, C8): fans
// vector, text and graph sub-queries out concurrently, each under its own
// timeout, normalizes and weight-merges their scores into one ranked list,
// applies layer/episode/time filters, and caches the final list.
//
// No teacher file runs three independent retrieval branches concurrently
// and merges them -- this is the one piece of the engine with no direct
// line-for-line analogue in the pack -- so the merge/normalize/cache
// algorithm follows spec §4.8 directly, while its concurrency shape
// (bounded sub-timeouts joined with an errgroup) is grounded on
// golang.org/x/sync/errgroup, the same fan-out-then-join primitive
// RedClaus-cortex's dependency graph already pulls in transitively via
// sourcegraph/conc, and the cache itself is grounded on
// RedClaus-cortex/core/internal/cognitive/router/embedder.go's
// embeddingCache (mutex-guarded map + slice LRU order with TTL eviction),
// just keyed by query+filters instead of by embedded text.
package fusion

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/normanking/hybridmemory/internal/embed"
	"github.com/normanking/hybridmemory/internal/graph"
	"github.com/normanking/hybridmemory/internal/logging"
	"github.com/normanking/hybridmemory/internal/memstore"
	"github.com/normanking/hybridmemory/internal/textindex"
	"github.com/normanking/hybridmemory/internal/vectorindex"
	"github.com/normanking/hybridmemory/pkg/types"
)

var log = logging.Component("fusion")

// graphRelations are the reverse-followed relations for the graph
// sub-query's entity-to-memory walk (spec §4.8 step 2: "MENTIONS⁻¹,
// EVIDENCE⁻¹").
var graphRelations = []string{string(types.RelMentions), string(types.RelEvidence)}

const (
	// DefaultSubTimeoutMS bounds each sub-query independently (spec §4.8).
	DefaultSubTimeoutMS = 500
	// DefaultWeightVector, DefaultWeightText, DefaultWeightGraph are wV, wT,
	// wG (spec §4.8 step 4).
	DefaultWeightVector = 0.5
	DefaultWeightText   = 0.3
	DefaultWeightGraph  = 0.2
	// DefaultCacheTTLMS and DefaultCacheMax size the result cache (spec §4.8
	// step 8).
	DefaultCacheTTLMS = 3000
	DefaultCacheMax   = 1000
	// matchedEntityLimit bounds how many entities the graph sub-query seeds
	// from, and graphMaxHops bounds the reverse walk depth (spec §4.8 step 2).
	matchedEntityLimit = 8
	graphMaxHops        = 2
)

// Config tunes the retriever; zero-valued fields fall back to the spec's
// defaults in New.
type Config struct {
	SubTimeoutMS int64
	WeightVector float64
	WeightText   float64
	WeightGraph  float64
	CacheTTLMS   int64
	CacheMax     int
}

// Retriever is the Fusion Retriever. It implements memstore.Searcher.
type Retriever struct {
	records  *memstore.Store
	graph    *graph.Graph
	text     *textindex.Index
	vector   *vectorindex.Index
	embedder embed.Embedder

	subTimeout time.Duration
	wV, wT, wG float64

	cache *resultCache
}

// New constructs a Retriever. records is the memory record source used to
// apply filters and read tie-break fields; it is *memstore.Store, not an
// interface, since fusion is the only package allowed to depend on
// memstore's concrete type (memstore depends back on fusion only through
// the Searcher interface, avoiding an import cycle).
func New(records *memstore.Store, g *graph.Graph, text *textindex.Index, vector *vectorindex.Index, embedder embed.Embedder, cfg Config) *Retriever {
	sub := cfg.SubTimeoutMS
	if sub <= 0 {
		sub = DefaultSubTimeoutMS
	}
	wV, wT, wG := cfg.WeightVector, cfg.WeightText, cfg.WeightGraph
	if wV == 0 && wT == 0 && wG == 0 {
		wV, wT, wG = DefaultWeightVector, DefaultWeightText, DefaultWeightGraph
	}
	ttl := cfg.CacheTTLMS
	if ttl <= 0 {
		ttl = DefaultCacheTTLMS
	}
	max := cfg.CacheMax
	if max <= 0 {
		max = DefaultCacheMax
	}

	return &Retriever{
		records:    records,
		graph:      g,
		text:       text,
		vector:     vector,
		embedder:   embedder,
		subTimeout: time.Duration(sub) * time.Millisecond,
		wV:         wV,
		wT:         wT,
		wG:         wG,
		cache:      newResultCache(max, time.Duration(ttl)*time.Millisecond),
	}
}

// Stats reports the result cache's running hit/miss counters, for
// system.status's metrics.cacheHits/cacheMisses (spec §6).
func (r *Retriever) Stats() (hits, misses int64) {
	return r.cache.stats()
}

// ClearCache drops every cached result, used after system.restore swaps
// the store's contents out from under any results the cache is holding.
func (r *Retriever) ClearCache() {
	r.cache.clear()
}

// Search implements memstore.Searcher (spec §4.8).
func (r *Retriever) Search(ctx context.Context, q string, limit int, filters memstore.SearchFilters) ([]memstore.SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}
	key := cacheKey(q, limit, filters)
	if hit, ok := r.cache.get(key); ok {
		return hit, nil
	}

	kPrime := limit * 3
	if kPrime < 50 {
		kPrime = 50
	}

	var textScores, vectorScores, graphScores map[string]float64
	haveEmbedder := r.embedder != nil

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		textScores = r.queryText(gctx, q, kPrime)
		return nil
	})
	if haveEmbedder {
		g.Go(func() error {
			vectorScores = r.queryVector(gctx, q, kPrime)
			return nil
		})
	}
	g.Go(func() error {
		graphScores = r.queryGraph(gctx, q)
		return nil
	})
	_ = g.Wait() // branch errors are demoted to empty maps inside each query*, never surfaced (spec §7)

	normalize(textScores)
	normalize(vectorScores)
	normalize(graphScores)

	wV, wT, wG := r.weightsFor(haveEmbedder, vectorScores, textScores, graphScores)

	candidates := map[string]bool{}
	for id := range textScores {
		candidates[id] = true
	}
	for id := range vectorScores {
		candidates[id] = true
	}
	for id := range graphScores {
		candidates[id] = true
	}
	if len(candidates) == 0 {
		result := []memstore.SearchHit{}
		r.cache.put(key, result)
		return result, nil
	}

	type scored struct {
		m     memstore.Memory
		score float64
		vS, tS, gS float64
	}
	var hits []scored
	for id := range candidates {
		m, ok, err := r.records.Get(ctx, id)
		if err != nil || !ok {
			continue // stale candidate (repair-queue territory, not fatal to a read)
		}
		if !passesFilters(*m, filters) {
			continue
		}
		vS, tS, gS := vectorScores[id], textScores[id], graphScores[id]
		score := wV*vS + wT*tS + wG*gS
		hits = append(hits, scored{m: *m, score: score, vS: vS, tS: tS, gS: gS})
	}

	sort.Slice(hits, func(i, j int) bool { return less(hits[i].m, hits[i].score, hits[j].m, hits[j].score) })
	if len(hits) > limit {
		hits = hits[:limit]
	}

	result := make([]memstore.SearchHit, len(hits))
	for i, h := range hits {
		result[i] = memstore.SearchHit{
			ID:      h.m.ID,
			Score:   h.score,
			Layer:   h.m.Layer,
			DocRefs: r.docRefs(ctx, h.m.ID),
			Explain: memstore.Explain{Vector: h.vS, Text: h.tS, Graph: h.gS, Rank: i + 1},
		}
	}

	r.cache.put(key, result)
	return result, nil
}

// weightsFor renormalizes wV/wT/wG over whichever signals actually
// produced candidates, preserving the configured weights' relative
// proportions and total mass. This subsumes spec §4.8's explicit "vector
// branch skipped, weights renormalized" rule (the vector map is simply
// empty when the embedder is unavailable) and extends the same treatment
// to a query where the text or graph branch alone comes back empty, so a
// sole match scored 1.0 by every active signal merges to exactly 1.0
// rather than being capped at whatever subset of weights happened to fire.
func (r *Retriever) weightsFor(haveEmbedder bool, vectorScores, textScores, graphScores map[string]float64) (wV, wT, wG float64) {
	wV, wT, wG = r.wV, r.wT, r.wG
	active := 0.0
	if haveEmbedder && len(vectorScores) > 0 {
		active += wV
	} else {
		wV = 0
	}
	if len(textScores) > 0 {
		active += wT
	} else {
		wT = 0
	}
	if len(graphScores) > 0 {
		active += wG
	} else {
		wG = 0
	}
	if active > 0 {
		scale := (r.wV + r.wT + r.wG) / active
		wV *= scale
		wT *= scale
		wG *= scale
	}
	return wV, wT, wG
}

func (r *Retriever) queryText(ctx context.Context, q string, kPrime int) map[string]float64 {
	ctx, cancel := context.WithTimeout(ctx, r.subTimeout)
	defer cancel()
	hits := r.text.Query(ctx, q, textindex.Disjunctive, []textindex.Kind{textindex.KindMemory}, kPrime)
	out := make(map[string]float64, len(hits))
	for _, h := range hits {
		out[h.ID] = h.Score
	}
	return out
}

func (r *Retriever) queryVector(ctx context.Context, q string, kPrime int) map[string]float64 {
	ctx, cancel := context.WithTimeout(ctx, r.subTimeout)
	defer cancel()
	qVec, err := r.embedder.Embed(ctx, q)
	if err != nil {
		log.Warn().Err(err).Msg("vector sub-query embed failed")
		return nil
	}
	hits, err := r.vector.Query(ctx, qVec, kPrime, nil)
	if err != nil {
		log.Warn().Err(err).Msg("vector sub-query failed")
		return nil
	}
	out := make(map[string]float64, len(hits))
	for _, h := range hits {
		out[h.ID] = float64(h.Cosine)
	}
	return out
}

// queryGraph matches up to matchedEntityLimit entities by name in q, walks
// MENTIONS⁻¹/EVIDENCE⁻¹ up to graphMaxHops from each, and scores reachable
// Memory nodes by the best hop-discount weight 1/(1+hops) across all seed
// entities (spec §4.8 step 2).
func (r *Retriever) queryGraph(ctx context.Context, q string) map[string]float64 {
	ctx, cancel := context.WithTimeout(ctx, r.subTimeout)
	defer cancel()

	entities, err := r.graph.MatchEntityNames(ctx, q, matchedEntityLimit)
	if err != nil {
		log.Warn().Err(err).Msg("graph sub-query entity match failed")
		return nil
	}
	out := map[string]float64{}
	for _, entityKey := range entities {
		reached, err := r.graph.TraverseDir(ctx, entityKey, graph.In, graphMaxHops, graphRelations)
		if err != nil {
			log.Warn().Err(err).Msg("graph sub-query traversal failed")
			continue
		}
		for key, hops := range reached {
			kind, id := splitKey(key)
			if kind != types.NodeMemory || hops == 0 {
				continue
			}
			w := 1.0 / float64(1+hops)
			if w > out[id] {
				out[id] = w
			}
		}
	}
	return out
}

// docRefs reads the memory's EVIDENCE out-edges and reports the referenced
// document/chunk ids (spec §6 memory.search's docRefs? field).
func (r *Retriever) docRefs(ctx context.Context, memoryID string) []string {
	memKey := graph.NodeKey(types.NodeMemory, memoryID)
	rel := string(types.RelEvidence)
	edges, err := r.graph.Neighbors(ctx, memKey, graph.Out, &rel)
	if err != nil {
		return nil
	}
	var refs []string
	for _, e := range edges {
		_, id := splitKey(e.Dst)
		refs = append(refs, id)
	}
	return refs
}

func splitKey(key string) (types.NodeKind, string) {
	for i := 0; i+1 < len(key); i++ {
		if key[i] == ':' && key[i+1] == ':' {
			return types.NodeKind(key[:i]), key[i+2:]
		}
	}
	return types.NodeEntity, key
}

// normalize scales m's values to [0,1] by dividing by their own max,
// leaving m untouched if its max is 0 (spec §4.8 step 3).
func normalize(m map[string]float64) {
	if len(m) == 0 {
		return
	}
	max := 0.0
	for _, v := range m {
		if v > max {
			max = v
		}
	}
	if max == 0 {
		return
	}
	for k, v := range m {
		m[k] = v / max
	}
}

func passesFilters(m memstore.Memory, f memstore.SearchFilters) bool {
	if f.Layer != nil && m.Layer != *f.Layer {
		return false
	}
	if f.Episode != "" && m.EpisodeID != f.Episode {
		return false
	}
	if f.From != nil && m.CreatedAt < *f.From {
		return false
	}
	if f.To != nil && m.CreatedAt > *f.To {
		return false
	}
	return true
}

// less implements spec §4.8 step 6's tie-break: higher score first; among
// ties, LTM ahead of STM, then higher importance, then newer updated_at,
// then lexicographically smaller id.
func less(a memstore.Memory, scoreA float64, b memstore.Memory, scoreB float64) bool {
	if scoreA != scoreB {
		return scoreA > scoreB
	}
	if (a.Layer == types.LayerLTM) != (b.Layer == types.LayerLTM) {
		return a.Layer == types.LayerLTM
	}
	if a.Importance != b.Importance {
		return a.Importance > b.Importance
	}
	if a.UpdatedAt != b.UpdatedAt {
		return a.UpdatedAt > b.UpdatedAt
	}
	return a.ID < b.ID
}

func cacheKey(q string, limit int, f memstore.SearchFilters) string {
	layer := ""
	if f.Layer != nil {
		layer = string(*f.Layer)
	}
	from, to := int64(0), int64(0)
	if f.From != nil {
		from = *f.From
	}
	if f.To != nil {
		to = *f.To
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d\x00%s\x00%s\x00%d\x00%d", q, limit, layer, f.Episode, from, to)))
	return fmt.Sprintf("%x", sum)
}
