package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/normanking/hybridmemory/internal/graph"
	"github.com/normanking/hybridmemory/internal/ingestion"
	"github.com/normanking/hybridmemory/pkg/types"
)

// StoreDocument runs document.store (spec §4.6, §6).
func (e *Engine) StoreDocument(ctx context.Context, req ingestion.StoreRequest) (*ingestion.StoreResult, error) {
	if req.Content == nil && req.Path == "" {
		return nil, InvalidInput("document.store requires content or path")
	}
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	start := time.Now()
	defer e.track(start)

	res, err := e.documents.Store(ctx, req)
	if err != nil {
		return nil, Internal("document.store", err)
	}
	return res, nil
}

// RetrieveDocument runs document.retrieve (spec §6), resolving an unknown
// id to NOT_FOUND per spec §8's boundary behaviors.
func (e *Engine) RetrieveDocument(ctx context.Context, id string) (*ingestion.Document, []ingestion.Chunk, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer release()
	start := time.Now()
	defer e.track(start)

	doc, chunks, err := e.documents.Retrieve(ctx, id)
	if err != nil {
		return nil, nil, Internal("document.retrieve", err)
	}
	if doc == nil {
		return nil, nil, NotFound("document %s not found", id)
	}
	return doc, chunks, nil
}

// AnalyzeResult is document.analyze's output (spec §6). There's no
// summarizer component in this engine (spec §1 scopes the embedding model
// and every other ML backend out as external), so Summary is a cheap
// heuristic: the leading span of the first chunk, truncated.
type AnalyzeResult struct {
	ID          string
	KeyConcepts []string
	Entities    []string
	Summary     string
	DocRefs     []string
}

const analyzeSummaryMaxChars = 240

// AnalyzeDocument runs document.analyze (spec §6): entities mentioned by
// the document (via its MENTIONS edges), a frequency-ranked key-concepts
// list derived from chunk-level extraction, a truncated lead-in summary,
// and the memory ids referencing it (docRefs, mirroring refs_for_document).
func (e *Engine) AnalyzeDocument(ctx context.Context, id string) (*AnalyzeResult, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	start := time.Now()
	defer e.track(start)

	doc, chunks, err := e.documents.Retrieve(ctx, id)
	if err != nil {
		return nil, Internal("document.analyze", err)
	}
	if doc == nil {
		return nil, NotFound("document %s not found", id)
	}

	docKey := graph.NodeKey(types.NodeDocument, id)
	entityKeys, err := e.graph.EntitiesMentionedBy(ctx, docKey)
	if err != nil {
		return nil, Internal("document.analyze: entities", err)
	}
	entities := make([]string, 0, len(entityKeys))
	freq := map[string]int{}
	for _, k := range entityKeys {
		_, name := splitNodeKey(k)
		entities = append(entities, name)
	}
	for _, c := range chunks {
		for _, ent := range graph.ExtractEntities(c.Content) {
			freq[ent]++
		}
	}
	keyConcepts := topByFrequency(freq, 10)

	summary := ""
	if len(chunks) > 0 {
		summary = truncate(chunks[0].Content, analyzeSummaryMaxChars)
	}

	refs, err := e.refsForDocumentKeys(ctx, docKey, doc.ChunkIDs)
	if err != nil {
		return nil, Internal("document.analyze: refs", err)
	}
	docRefs := make([]string, 0, len(refs))
	for _, r := range refs {
		docRefs = append(docRefs, r.MemoryID)
	}

	return &AnalyzeResult{ID: id, KeyConcepts: keyConcepts, Entities: entities, Summary: summary, DocRefs: docRefs}, nil
}

// ValidateRefsResult is document.validate_refs's output.
type ValidateRefsResult struct {
	Invalid []string
	Removed []string
}

// ValidateRefs runs document.validate_refs (spec §6): reports chunk ids a
// document claims that no longer have a backing chunk record, optionally
// dropping them from the document's chunk list when fix=true.
func (e *Engine) ValidateRefs(ctx context.Context, id string, fix bool) (*ValidateRefsResult, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	start := time.Now()
	defer e.track(start)

	missing, err := e.documents.ValidateRefs(ctx, id)
	if err != nil {
		return nil, Internal("document.validate_refs", err)
	}
	result := &ValidateRefsResult{Invalid: missing}
	if fix && len(missing) > 0 {
		if err := e.documents.RemoveChunkIDs(ctx, id, missing); err != nil {
			return nil, Internal("document.validate_refs: fix", err)
		}
		result.Removed = missing
	}
	return result, nil
}

// DocRef is one memory-to-document/chunk evidence link.
type DocRef struct {
	DocID   string
	ChunkID string
	Score   float64
}

// RefsForMemory runs document.refs_for_memory (spec §8 scenario 2): a
// memory's own References field already carries {doc_id, chunk_id?, score}
// exactly per spec §3, so this is a direct projection, not a graph walk.
func (e *Engine) RefsForMemory(ctx context.Context, id string) ([]DocRef, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	start := time.Now()
	defer e.track(start)

	m, ok, err := e.memory.Get(ctx, id)
	if err != nil {
		return nil, Internal("document.refs_for_memory", err)
	}
	if !ok {
		return nil, NotFound("memory %s not found", id)
	}
	out := make([]DocRef, 0, len(m.References))
	for _, r := range m.References {
		score := 0.0
		if r.Score != nil {
			score = *r.Score
		}
		out = append(out, DocRef{DocID: r.DocID, ChunkID: r.ChunkID, Score: score})
	}
	return out, nil
}

// MemoryRef is one document/chunk-to-memory evidence link, the reverse
// direction of DocRef.
type MemoryRef struct {
	MemoryID string
	Score    float64
}

// RefsForDocument runs document.refs_for_document (spec §8 scenarios 2, 4):
// walks EVIDENCE edges into the document's own node and into each of its
// chunk nodes, collecting the memories that cite either. A cascade-deleted
// memory's EVIDENCE edges are gone along with its node (G2), so a deleted
// citer never appears here -- matching scenario 4's "memories=[]" after delete.
func (e *Engine) RefsForDocument(ctx context.Context, id string) ([]MemoryRef, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	start := time.Now()
	defer e.track(start)

	doc, _, err := e.documents.Retrieve(ctx, id)
	if err != nil {
		return nil, Internal("document.refs_for_document", err)
	}
	if doc == nil {
		return nil, NotFound("document %s not found", id)
	}
	return e.refsForDocumentKeys(ctx, graph.NodeKey(types.NodeDocument, id), doc.ChunkIDs)
}

func (e *Engine) refsForDocumentKeys(ctx context.Context, docKey string, chunkIDs []string) ([]MemoryRef, error) {
	evidence := string(types.RelEvidence)
	targets := []string{docKey}
	for _, cid := range chunkIDs {
		targets = append(targets, graph.NodeKey(types.NodeChunk, cid))
	}

	seen := map[string]*MemoryRef{}
	var order []string
	for _, target := range targets {
		edges, err := e.graph.Neighbors(ctx, target, graph.In, &evidence)
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			_, memID := splitNodeKey(edge.Src)
			if ref, ok := seen[memID]; ok {
				if edge.Score > ref.Score {
					ref.Score = edge.Score
				}
				continue
			}
			seen[memID] = &MemoryRef{MemoryID: memID, Score: edge.Score}
			order = append(order, memID)
		}
	}

	out := make([]MemoryRef, 0, len(order))
	for _, id := range order {
		out = append(out, *seen[id])
	}
	return out, nil
}

func splitNodeKey(key string) (types.NodeKind, string) {
	parts := strings.SplitN(key, "::", 2)
	if len(parts) != 2 {
		return types.NodeEntity, key
	}
	return types.NodeKind(parts[0]), parts[1]
}

type termFreq struct {
	term  string
	count int
}

func topByFrequency(freq map[string]int, n int) []string {
	items := make([]termFreq, 0, len(freq))
	for term, count := range freq {
		items = append(items, termFreq{term, count})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].count != items[j].count {
			return items[i].count > items[j].count
		}
		return items[i].term < items[j].term
	})
	if len(items) > n {
		items = items[:n]
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.term
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max]) + "..."
}
