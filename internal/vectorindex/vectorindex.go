// Package vectorindex implements the cosine-space ANN over memory vectors
// (spec §4.3, C3): a persisted flat vector payload plus a top-M neighbor
// graph, queried by deterministic entry-point greedy descent with an exact
// linear-scan fallback for small or stale indices.
//
// The neighbor-graph mechanics (M>=16 top neighbors per item, entry point =
// highest-cosine id among the first 16 inserted ids, greedy descent with a
// branching cap and a visited cap) are grounded directly on
// _examples/original_source/server/src/vector_index.rs's
// build_mem_neighbor_graph / ann_search_memories, which is the clearest and
// most literal implementation of this exact scheme anywhere in the pack.
// Persistence (flat payload, bucket-scan fallback) follows the storage
// style of RedClaus-cortex/core/internal/memory/vector_index.go, adapted
// from its LSH-bucket scheme to the neighbor-graph scheme the spec mandates
// (see DESIGN.md for why the bucket approach alone wasn't reused wholesale).
package vectorindex

import (
	"container/heap"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/normanking/hybridmemory/internal/kv"
	"github.com/normanking/hybridmemory/internal/logging"
)

var log = logging.Component("vectorindex")

const (
	// MinNeighbors is M, the minimum neighbor-list size per item (spec §4.3).
	MinNeighbors = 16
	// EntryPointSampleSize is how many of the earliest-inserted ids are
	// considered when picking a deterministic entry point.
	EntryPointSampleSize = 16
	// branchCap bounds how many neighbors of a visited node are pushed onto
	// the descent frontier, matching vector_index.rs's take(8).
	branchCap = 8
	// visitedCap bounds total nodes visited per query, matching
	// vector_index.rs's visited.len() > 1024 cutoff.
	visitedCap = 1024
	// exactScanThreshold: below this many items, always exact-scan rather
	// than use the (possibly thin) neighbor graph.
	exactScanThreshold = 64
	// staleRebuildThreshold is the default insertsSinceRebuild/N ratio that
	// triggers a full rebuild (spec §4.3).
	staleRebuildThreshold = 0.25

	keyVecPrefix  = "vec:"
	keyNNPrefix   = "vecnn:"
	keySeqPrefix  = "vecseq:"
)

// Neighbor is one entry in an item's top-M neighbor list.
type Neighbor struct {
	ID    string  `json:"id"`
	Score float32 `json:"score"`
}

// Hit is one query result.
type Hit struct {
	ID     string
	Cosine float32
}

// FilterFunc decides whether id is eligible for inclusion in query results.
type FilterFunc func(id string) bool

// Index is the vector index. Queries take a read lock; insert/remove/rebuild
// take a write lock, per spec §5's reader-writer policy for this component.
type Index struct {
	store *kv.Store
	dim   int

	mu        sync.RWMutex
	items     map[string][]float32
	neighbors map[string][]Neighbor
	order     []string // insertion order, oldest first

	nextSeq             uint64
	insertsSinceRebuild int
	m                   int // configured M, >= MinNeighbors
}

// New constructs an empty index for vectors of dimension dim.
func New(store *kv.Store, dim int) *Index {
	return &Index{
		store:     store,
		dim:       dim,
		items:     map[string][]float32{},
		neighbors: map[string][]Neighbor{},
		m:         MinNeighbors,
	}
}

// Reset drops the in-memory vector/neighbor/sequence state without
// touching the KV store, so a subsequent Load starts from empty rather
// than merging on top of stale entries -- needed after system.restore
// replaces the store's contents wholesale.
func (idx *Index) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.items = map[string][]float32{}
	idx.neighbors = map[string][]Neighbor{}
	idx.order = nil
	idx.nextSeq = 0
	idx.insertsSinceRebuild = 0
}

// Load reconstructs the in-memory index from the KV store, e.g. after
// process restart.
func (idx *Index) Load(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	vecs, err := idx.store.ScanPrefix(ctx, []byte(keyVecPrefix))
	if err != nil {
		return fmt.Errorf("vectorindex: load vectors: %w", err)
	}
	for k, v := range vecs {
		id := k[len(keyVecPrefix):]
		idx.items[id] = decodeVector(v)
	}

	nns, err := idx.store.ScanPrefix(ctx, []byte(keyNNPrefix))
	if err != nil {
		return fmt.Errorf("vectorindex: load neighbors: %w", err)
	}
	for k, v := range nns {
		id := k[len(keyNNPrefix):]
		var ns []Neighbor
		if err := json.Unmarshal(v, &ns); err == nil {
			idx.neighbors[id] = ns
		}
	}

	seqs, err := idx.store.ScanPrefix(ctx, []byte(keySeqPrefix))
	if err != nil {
		return fmt.Errorf("vectorindex: load sequence: %w", err)
	}
	type seqEntry struct {
		seq uint64
		id  string
	}
	var ordered []seqEntry
	for k, v := range seqs {
		var seq uint64
		fmt.Sscanf(k[len(keySeqPrefix):], "%016x", &seq)
		ordered = append(ordered, seqEntry{seq: seq, id: string(v)})
		if seq >= idx.nextSeq {
			idx.nextSeq = seq + 1
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })
	idx.order = make([]string, len(ordered))
	for i, e := range ordered {
		idx.order[i] = e.id
	}

	log.Info().Int("items", len(idx.items)).Msg("vector index loaded")
	return nil
}

// Insert is idempotent: re-inserting an existing id replaces its vector and
// re-splices its neighbor links.
func (idx *Index) Insert(ctx context.Context, id string, v []float32) error {
	if len(v) != idx.dim {
		return fmt.Errorf("vectorindex: insert %s: expected dim %d, got %d", id, idx.dim, len(v))
	}

	idx.mu.Lock()
	_, existed := idx.items[id]
	idx.items[id] = v
	if !existed {
		seqKey := fmt.Sprintf("%s%016x", keySeqPrefix, idx.nextSeq)
		idx.nextSeq++
		idx.order = append(idx.order, id)
		if err := idx.store.Put(ctx, []byte(seqKey), []byte(id)); err != nil {
			idx.mu.Unlock()
			return fmt.Errorf("vectorindex: persist sequence: %w", err)
		}
	}
	idx.spliceNeighbors(id, v)
	n := len(idx.items)
	idx.insertsSinceRebuild++
	needsRebuild := n > 0 && float64(idx.insertsSinceRebuild)/float64(n) > staleRebuildThreshold
	idx.mu.Unlock()

	if err := idx.store.Put(ctx, []byte(keyVecPrefix+id), encodeVector(v)); err != nil {
		return fmt.Errorf("vectorindex: persist vector: %w", err)
	}
	if err := idx.persistNeighborsOf(ctx, id); err != nil {
		return err
	}

	if needsRebuild {
		if err := idx.Rebuild(ctx); err != nil {
			log.Warn().Err(err).Msg("staleness-triggered rebuild failed")
		}
	}
	return nil
}

// spliceNeighbors computes cosine against a sample of existing items and
// splices id into each side's top-M list, evicting the weakest link (spec
// §4.3's incremental update policy). Caller holds idx.mu.
func (idx *Index) spliceNeighbors(id string, v []float32) {
	sampleSize := int(math.Sqrt(float64(len(idx.items))))
	if sampleSize < 64 {
		sampleSize = 64
	}

	var sampled []string
	for other := range idx.items {
		if other == id {
			continue
		}
		sampled = append(sampled, other)
		if len(sampled) >= sampleSize {
			break
		}
	}

	var mine []Neighbor
	for _, other := range sampled {
		score := cosine(v, idx.items[other])
		mine = append(mine, Neighbor{ID: other, Score: score})
		idx.neighbors[other] = spliceTop(idx.neighbors[other], Neighbor{ID: id, Score: score}, idx.m)
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].Score > mine[j].Score })
	if len(mine) > idx.m {
		mine = mine[:idx.m]
	}
	idx.neighbors[id] = mine
}

// spliceTop inserts n into list, keeping it sorted descending and capped at
// m entries.
func spliceTop(list []Neighbor, n Neighbor, m int) []Neighbor {
	list = append(list, n)
	sort.Slice(list, func(i, j int) bool { return list[i].Score > list[j].Score })
	if len(list) > m {
		list = list[:m]
	}
	return list
}

func (idx *Index) persistNeighborsOf(ctx context.Context, id string) error {
	idx.mu.RLock()
	affected := map[string][]Neighbor{id: idx.neighbors[id]}
	for _, n := range idx.neighbors[id] {
		affected[n.ID] = idx.neighbors[n.ID]
	}
	idx.mu.RUnlock()

	var ops []kv.Op
	for other, ns := range affected {
		b, err := json.Marshal(ns)
		if err != nil {
			return fmt.Errorf("vectorindex: marshal neighbors: %w", err)
		}
		ops = append(ops, kv.Op{Kind: kv.OpPut, Key: []byte(keyNNPrefix + other), Value: b})
	}
	return idx.store.Batch(ctx, ops)
}

// Remove deletes id from the index. Idempotent.
func (idx *Index) Remove(ctx context.Context, id string) error {
	idx.mu.Lock()
	delete(idx.items, id)
	delete(idx.neighbors, id)
	for other, ns := range idx.neighbors {
		idx.neighbors[other] = removeNeighbor(ns, id)
	}
	for i, oid := range idx.order {
		if oid == id {
			idx.order = append(idx.order[:i], idx.order[i+1:]...)
			break
		}
	}
	idx.mu.Unlock()

	ops := []kv.Op{
		{Kind: kv.OpDelete, Key: []byte(keyVecPrefix + id)},
		{Kind: kv.OpDelete, Key: []byte(keyNNPrefix + id)},
	}
	return idx.store.Batch(ctx, ops)
}

func removeNeighbor(ns []Neighbor, id string) []Neighbor {
	out := ns[:0:0]
	for _, n := range ns {
		if n.ID != id {
			out = append(out, n)
		}
	}
	return out
}

// Query returns up to k items passing filter, ranked by cosine similarity
// to q, ties broken by higher id lexicographically (spec §4.3).
func (idx *Index) Query(ctx context.Context, q []float32, k int, filter FilterFunc) ([]Hit, error) {
	if filter == nil {
		filter = func(string) bool { return true }
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := len(idx.items)
	if n == 0 || k <= 0 {
		return nil, nil
	}

	graphReady := idx.hasUsableGraph()
	if n < exactScanThreshold || !graphReady {
		return idx.exactScan(q, k, filter), nil
	}
	return idx.greedyDescent(q, k, filter), nil
}

func (idx *Index) hasUsableGraph() bool {
	for _, ns := range idx.neighbors {
		if len(ns) > 0 {
			return true
		}
	}
	return false
}

func (idx *Index) exactScan(q []float32, k int, filter FilterFunc) []Hit {
	var hits []Hit
	for id, v := range idx.items {
		if !filter(id) {
			continue
		}
		hits = append(hits, Hit{ID: id, Cosine: cosine(q, v)})
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// greedyDescent implements entry-point greedy descent over the neighbor
// graph, following _examples/original_source/server/src/vector_index.rs's
// ann_search_memories: pick the highest-cosine id among the first
// EntryPointSampleSize inserted ids as the deterministic entry point, then
// explore a capped frontier, keeping a bounded best-k heap.
func (idx *Index) greedyDescent(q []float32, k int, filter FilterFunc) []Hit {
	entry := idx.entryPoint(q)
	if entry == "" {
		return nil
	}

	visited := map[string]bool{}
	best := &hitHeap{}
	heap.Init(best)

	frontier := []string{entry}
	for len(frontier) > 0 {
		cur := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true

		if v, ok := idx.items[cur]; ok {
			if filter(cur) {
				score := cosine(q, v)
				heap.Push(best, Hit{ID: cur, Cosine: score})
				if best.Len() > k {
					heap.Pop(best)
				}
			}
			ns := idx.neighbors[cur]
			for i := 0; i < len(ns) && i < branchCap; i++ {
				frontier = append(frontier, ns[i].ID)
			}
		}
		if len(visited) > visitedCap {
			break
		}
	}

	out := make([]Hit, best.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(best).(Hit)
	}
	sortHits(out)
	return out
}

// entryPoint picks the highest-cosine id among the first
// EntryPointSampleSize inserted ids still present in the index.
func (idx *Index) entryPoint(q []float32) string {
	best := ""
	bestSim := float32(-2)
	limit := EntryPointSampleSize
	if limit > len(idx.order) {
		limit = len(idx.order)
	}
	for i := 0; i < limit; i++ {
		id := idx.order[i]
		v, ok := idx.items[id]
		if !ok {
			continue
		}
		s := cosine(q, v)
		if s > bestSim {
			bestSim = s
			best = id
		}
	}
	return best
}

func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Cosine != hits[j].Cosine {
			return hits[i].Cosine > hits[j].Cosine
		}
		return hits[i].ID > hits[j].ID
	})
}

// hitHeap is a min-heap of Hit by Cosine, used to keep the best-k seen
// during greedy descent (mirrors vector_index.rs's BinaryHeap<Scored>
// capped at top_k by popping the minimum once it overflows).
type hitHeap []Hit

func (h hitHeap) Len() int            { return len(h) }
func (h hitHeap) Less(i, j int) bool  { return h[i].Cosine < h[j].Cosine }
func (h hitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)         { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Rebuild recomputes the full neighbor graph from all persisted vectors
// (spec §4.3) into a shadow structure, then swaps it in under the write
// lock so concurrent readers see either the old or the new graph, never a
// partial one (spec §5).
func (idx *Index) Rebuild(ctx context.Context) error {
	idx.mu.RLock()
	ids := make([]string, 0, len(idx.items))
	vecs := make([][]float32, 0, len(idx.items))
	for id, v := range idx.items {
		ids = append(ids, id)
		vecs = append(vecs, v)
	}
	idx.mu.RUnlock()

	n := len(ids)
	shadow := make(map[string][]Neighbor, n)
	for i := range ids {
		var top []Neighbor
		for j := range ids {
			if i == j {
				continue
			}
			s := cosine(vecs[i], vecs[j])
			top = spliceTop(top, Neighbor{ID: ids[j], Score: s}, idx.m)
		}
		shadow[ids[i]] = top
	}

	var ops []kv.Op
	for id, ns := range shadow {
		b, err := json.Marshal(ns)
		if err != nil {
			return fmt.Errorf("vectorindex: marshal rebuilt neighbors: %w", err)
		}
		ops = append(ops, kv.Op{Kind: kv.OpPut, Key: []byte(keyNNPrefix + id), Value: b})
	}
	if err := idx.store.Batch(ctx, ops); err != nil {
		return fmt.Errorf("vectorindex: persist rebuilt graph: %w", err)
	}

	idx.mu.Lock()
	idx.neighbors = shadow
	idx.insertsSinceRebuild = 0
	idx.mu.Unlock()

	log.Info().Int("items", n).Msg("vector index rebuilt")
	return nil
}

// Ids returns a snapshot of every id currently in the index, for orphan
// cleanup (spec §4.9: "vector entries ... whose memory id no longer exists
// are removed").
func (idx *Index) Ids() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, 0, len(idx.items))
	for id := range idx.items {
		out = append(out, id)
	}
	return out
}

// Stats summarizes index size for system.status.
type Stats struct {
	Items               int
	Dimension           int
	InsertsSinceRebuild int
	StalenessRatio       float64
}

func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n := len(idx.items)
	ratio := 0.0
	if n > 0 {
		ratio = float64(idx.insertsSinceRebuild) / float64(n)
	}
	return Stats{Items: n, Dimension: idx.dim, InsertsSinceRebuild: idx.insertsSinceRebuild, StalenessRatio: ratio}
}

// ValidateDimensions reports how many persisted vectors have a byte length
// inconsistent with the configured dimension -- the embedding-dimension
// check original_source/server/src/vector_index.rs's validate_mem_embeddings
// performs, carried into this engine's Validate() per SPEC_FULL.md §12.
func (idx *Index) ValidateDimensions(ctx context.Context) (total, badDimension int, err error) {
	raw, err := idx.store.ScanPrefix(ctx, []byte(keyVecPrefix))
	if err != nil {
		return 0, 0, fmt.Errorf("vectorindex: validate: %w", err)
	}
	expected := idx.dim * 4
	for _, v := range raw {
		total++
		if len(v) != expected {
			badDimension++
		}
	}
	return total, badDimension, nil
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(x))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
	}
	return out
}
