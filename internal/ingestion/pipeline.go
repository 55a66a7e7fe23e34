// Package ingestion implements the Document Pipeline (spec §4.6, C6): the
// ordered acquire/parse/canonicalize-hash/dedup/chunk/embed/index/version
// flow, run entirely through the Cross-Index Coordinator so every document's
// primary record, graph mutations and derivative-index updates land as one
// staged transaction (spec §4.6: "all steps run under the Cross-Index
// Coordinator").
//
// Grounded on RedClaus-cortex/core/internal/ingestion's pipeline shape
// (parse -> chunk -> embed -> index stages wired through a single
// orchestrating type), generalized with the hash-dedup and version-chain
// steps spec.md adds that the teacher's pipeline doesn't do.
package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/normanking/hybridmemory/internal/coordinator"
	"github.com/normanking/hybridmemory/internal/embed"
	"github.com/normanking/hybridmemory/internal/graph"
	"github.com/normanking/hybridmemory/internal/ingestion/parsers"
	"github.com/normanking/hybridmemory/internal/kv"
	"github.com/normanking/hybridmemory/internal/logging"
	"github.com/normanking/hybridmemory/internal/textindex"
	"github.com/normanking/hybridmemory/pkg/types"
)

var log = logging.Component("ingestion")

const (
	keyDocPrefix    = "doc:"
	keyChunkPrefix  = "chunk:"
	keyLatestPrefix = "doc_latest:"

	// relateCapMax bounds the RELATED-by-Jaccard fan-out per spec §12's
	// supplemented feature ("capped at the 8 highest-Jaccard prior documents").
	relateCapMax = 8
)

// StoreRequest describes one document.store call (spec §6). Content takes
// precedence over Path when both are set; Path alone means "read bytes from
// this local path," subject to PDFLimits.MaxBytes.
type StoreRequest struct {
	Path     string
	Content  []byte
	Mime     types.Mime // inferred from Path's extension when empty
	Metadata map[string]string
}

// StoreResult is what document.store returns.
type StoreResult struct {
	Document Document
	Chunks   []Chunk
	Warnings []string
	Deduped  bool
}

// Pipeline wires the parser, chunker, embedder, graph, and coordinator
// together to run the spec §4.6 flow.
type Pipeline struct {
	store       *kv.Store
	graph       *graph.Graph
	coordinator *coordinator.Coordinator
	embedder    embed.Embedder
	chunker     *Chunker
	pdfLimits   parsers.PDFLimits
}

// New constructs a Pipeline. embedder may be nil, in which case chunks are
// indexed for text search only (no vector entries) -- ingestion never
// refuses to index a document just because no embedder is configured.
func New(store *kv.Store, g *graph.Graph, coord *coordinator.Coordinator, embedder embed.Embedder, chunker *Chunker, pdfLimits parsers.PDFLimits) *Pipeline {
	return &Pipeline{store: store, graph: g, coordinator: coord, embedder: embedder, chunker: chunker, pdfLimits: pdfLimits}
}

// Store runs the full spec §4.6 pipeline for req.
func (p *Pipeline) Store(ctx context.Context, req StoreRequest) (*StoreResult, error) {
	raw, err := p.acquire(req)
	if err != nil {
		return nil, err
	}

	mime := req.Mime
	if mime == "" {
		mime = inferMime(req.Path)
	}

	parsed, err := p.parse(raw, mime)
	if err != nil {
		return nil, fmt.Errorf("ingestion: parse: %w", err)
	}

	canon := canonicalize(parsed.Text)
	hash := hashOf(canon)
	now := types.NowMillis()

	prior, found, err := p.latestDocument(ctx, req.Path)
	if err != nil {
		return nil, fmt.Errorf("ingestion: lookup latest for %q: %w", req.Path, err)
	}
	if found && prior.Hash == hash {
		chunks, err := p.loadChunks(ctx, prior.ChunkIDs)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", req.Path).Str("doc_id", prior.ID).Msg("document.store deduped by (path, hash)")
		return &StoreResult{Document: prior, Chunks: chunks, Deduped: true}, nil
	}

	id := uuid.NewString()
	pieces := p.chunker.Chunk(canon)
	chunks := make([]Chunk, len(pieces))
	texts := make([]string, len(pieces))
	for i, piece := range pieces {
		chunks[i] = Chunk{ID: uuid.NewString(), DocID: id, Index: i, Start: piece.Span.Start, End: piece.Span.End, Content: piece.Content}
		texts[i] = piece.Content
	}

	vectors, embedded, warnings := p.embedChunks(ctx, texts)
	for i := range chunks {
		chunks[i].Embedded = embedded[i]
	}

	doc := Document{
		ID:        id,
		Path:      req.Path,
		Hash:      hash,
		Mime:      string(mime),
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  req.Metadata,
	}
	if found {
		doc.VersionChain = append(append([]string{}, prior.VersionChain...), prior.ID)
	}
	for _, c := range chunks {
		doc.ChunkIDs = append(doc.ChunkIDs, c.ID)
	}

	anchorOps, graphOps, err := p.planAnchorAndGraph(ctx, doc, chunks, now)
	if err != nil {
		return nil, err
	}
	anchorOps = append(anchorOps, graphOps...)

	textOps := make([]coordinator.TextOp, len(chunks))
	var vectorOps []coordinator.VectorOp
	for i, c := range chunks {
		textOps[i] = coordinator.TextOp{ID: c.ID, Kind: textindex.KindChunk, Text: c.Content}
		if embedded[i] {
			vectorOps = append(vectorOps, coordinator.VectorOp{ID: c.ID, Vector: vectors[i]})
		}
	}

	commitWarnings, err := p.coordinator.Commit(ctx, now, anchorOps, textOps, vectorOps)
	if err != nil {
		return nil, fmt.Errorf("ingestion: commit: %w", err)
	}
	warnings = append(warnings, commitWarnings...)

	docKey := graph.NodeKey(types.NodeDocument, id)
	priorDocKeys, err := p.priorDocumentKeys(ctx, id)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("could not list prior documents for relation linking: %v", err))
	} else if len(priorDocKeys) > 0 {
		if _, err := p.graph.RelateDocumentsByJaccard(ctx, docKey, priorDocKeys, now, relateCapMax); err != nil {
			warnings = append(warnings, fmt.Sprintf("document relation linking failed: %v", err))
		}
	}

	return &StoreResult{Document: doc, Chunks: chunks, Warnings: warnings}, nil
}

// planAnchorAndGraph builds every KV op (primary records) and graph op
// (Document/Chunk nodes, PART_OF and MENTIONS edges) for doc without
// committing, so Store can fold them into one coordinator anchor batch
// (spec §4.6 step 7, §4.10 step 2).
func (p *Pipeline) planAnchorAndGraph(ctx context.Context, doc Document, chunks []Chunk, now int64) (anchorOps []kv.Op, graphOps []kv.Op, err error) {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("ingestion: marshal document: %w", err)
	}
	anchorOps = append(anchorOps,
		kv.Op{Kind: kv.OpPut, Key: []byte(keyDocPrefix + doc.ID), Value: docBytes},
		kv.Op{Kind: kv.OpPut, Key: []byte(keyLatestPrefix + doc.Path), Value: []byte(doc.ID)},
	)
	for _, c := range chunks {
		cb, err := json.Marshal(c)
		if err != nil {
			return nil, nil, fmt.Errorf("ingestion: marshal chunk: %w", err)
		}
		anchorOps = append(anchorOps, kv.Op{Kind: kv.OpPut, Key: []byte(keyChunkPrefix + c.ID), Value: cb})
	}

	// Edge planning below auto-creates bare placeholder nodes for any
	// endpoint GetNode can't yet see (nothing has committed at this point,
	// so doc/chunk nodes always look missing the first time they're
	// referenced). The authoritative node records with real props are
	// appended to graphOps at the end of this function instead of up
	// front, so their Puts land last in the anchor batch and win over any
	// bare placeholder the edge calls emit for the same key.
	docKey := graph.NodeKey(types.NodeDocument, doc.ID)

	entities := map[string]bool{}
	for _, c := range chunks {
		chunkKey := graph.NodeKey(types.NodeChunk, c.ID)
		_, partOfOps, err := p.graph.PlanUpsertEdge(ctx, chunkKey, string(types.RelPartOf), docKey, now, 1.0, 0, nil, true)
		if err != nil {
			return nil, nil, err
		}
		graphOps = append(graphOps, partOfOps...)

		for _, e := range graph.ExtractEntities(c.Content) {
			entities[e] = true
		}
	}

	for entity := range entities {
		entityKey := graph.NodeKey(types.NodeEntity, entity)
		_, mentionOps, err := p.graph.PlanUpsertEdge(ctx, docKey, string(types.RelMentions), entityKey, now, 1.0, 0, nil, true)
		if err != nil {
			return nil, nil, err
		}
		graphOps = append(graphOps, mentionOps...)
	}

	_, docNodeOp, err := p.graph.PlanUpsertNode(ctx, types.NodeDocument, doc.ID, doc.ID, now, map[string]types.Scalar{"path": types.StrScalar(doc.Path)})
	if err != nil {
		return nil, nil, err
	}
	graphOps = append(graphOps, docNodeOp)

	for _, c := range chunks {
		_, chunkNodeOp, err := p.graph.PlanUpsertNode(ctx, types.NodeChunk, c.ID, c.ID, now, nil)
		if err != nil {
			return nil, nil, err
		}
		graphOps = append(graphOps, chunkNodeOp)
	}

	return anchorOps, graphOps, nil
}

// embedChunks embeds texts in one batch; with a nil embedder nothing is
// embedded (every ok[i] is false), and if the batch call fails outright it
// falls back to embedding items one at a time so a single bad chunk never
// aborts the rest (spec §4.6 step 6:
// "embedding failures mark the chunk as un-indexed but do not abort").
func (p *Pipeline) embedChunks(ctx context.Context, texts []string) (vectors [][]float32, ok []bool, warnings []string) {
	vectors = make([][]float32, len(texts))
	ok = make([]bool, len(texts))
	if p.embedder == nil || len(texts) == 0 {
		return vectors, ok, warnings
	}

	batch, err := p.embedder.EmbedBatch(ctx, texts)
	if err == nil {
		for i, v := range batch {
			vectors[i] = v
			ok[i] = true
		}
		return vectors, ok, warnings
	}

	for i, t := range texts {
		v, embedErr := p.embedder.Embed(ctx, t)
		if embedErr != nil {
			warnings = append(warnings, fmt.Sprintf("embedding failed for chunk %d: %v", i, embedErr))
			continue
		}
		vectors[i] = v
		ok[i] = true
	}
	return vectors, ok, warnings
}

func (p *Pipeline) acquire(req StoreRequest) ([]byte, error) {
	if req.Content != nil {
		return req.Content, nil
	}
	if req.Path == "" {
		return nil, fmt.Errorf("ingestion: store request has neither content nor path")
	}
	info, err := os.Stat(req.Path)
	if err != nil {
		return nil, fmt.Errorf("ingestion: stat %s: %w", req.Path, err)
	}
	if p.pdfLimits.MaxBytes > 0 && info.Size() > p.pdfLimits.MaxBytes {
		return nil, fmt.Errorf("ingestion: %s exceeds max bytes (%d > %d)", req.Path, info.Size(), p.pdfLimits.MaxBytes)
	}
	return os.ReadFile(req.Path)
}

func (p *Pipeline) parse(raw []byte, mime types.Mime) (parsers.Parsed, error) {
	switch mime {
	case types.MimeMD:
		return parsers.ParseMarkdown(raw)
	case types.MimePDF:
		return parsers.ParsePDF(raw, p.pdfLimits)
	default:
		return parsers.ParseText(raw)
	}
}

func inferMime(path string) types.Mime {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return types.MimeMD
	case ".pdf":
		return types.MimePDF
	default:
		return types.MimeTXT
	}
}

// canonicalize normalizes line endings to "\n" and strips trailing
// whitespace per line (spec §4.6 step 3).
func canonicalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.Join(lines, "\n")
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Retrieve loads a document and its chunks by id (document.retrieve, spec §6).
func (p *Pipeline) Retrieve(ctx context.Context, id string) (*Document, []Chunk, error) {
	doc, ok, err := p.getDocument(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, nil
	}
	chunks, err := p.loadChunks(ctx, doc.ChunkIDs)
	if err != nil {
		return nil, nil, err
	}
	return &doc, chunks, nil
}

func (p *Pipeline) getDocument(ctx context.Context, id string) (Document, bool, error) {
	raw, ok, err := p.store.Get(ctx, []byte(keyDocPrefix+id))
	if err != nil || !ok {
		return Document{}, false, err
	}
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return Document{}, false, fmt.Errorf("ingestion: unmarshal document %s: %w", id, err)
	}
	return d, true, nil
}

func (p *Pipeline) loadChunks(ctx context.Context, ids []string) ([]Chunk, error) {
	out := make([]Chunk, 0, len(ids))
	for _, id := range ids {
		raw, ok, err := p.store.Get(ctx, []byte(keyChunkPrefix+id))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // chunk record pruned by maintenance; not fatal to a document read
		}
		var c Chunk
		if err := json.Unmarshal(raw, &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (p *Pipeline) latestDocument(ctx context.Context, path string) (Document, bool, error) {
	idBytes, ok, err := p.store.Get(ctx, []byte(keyLatestPrefix+path))
	if err != nil || !ok {
		return Document{}, false, err
	}
	return p.getDocument(ctx, string(idBytes))
}

func (p *Pipeline) priorDocumentKeys(ctx context.Context, excludeID string) ([]string, error) {
	keys, err := p.store.Keys(ctx, []byte(keyDocPrefix))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		id := strings.TrimPrefix(string(k), keyDocPrefix)
		if id == excludeID {
			continue
		}
		out = append(out, graph.NodeKey(types.NodeDocument, id))
	}
	return out, nil
}

// ValidateRefs checks that every chunk id a document claims still has a
// persisted chunk record, reporting any dangling ids (document.validate_refs,
// spec §6).
func (p *Pipeline) ValidateRefs(ctx context.Context, id string) (missing []string, err error) {
	doc, ok, err := p.getDocument(ctx, id)
	if err != nil || !ok {
		return nil, err
	}
	for _, cid := range doc.ChunkIDs {
		_, ok, err := p.store.Get(ctx, []byte(keyChunkPrefix+cid))
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, cid)
		}
	}
	return missing, nil
}

// RemoveChunkIDs drops the given chunk ids from a document's ChunkIDs list
// and persists the updated record, backing document.validate_refs's
// `fix=true` path (spec §6): a chunk id ValidateRefs reported as dangling is
// no longer claimed by the document it named.
func (p *Pipeline) RemoveChunkIDs(ctx context.Context, id string, remove []string) error {
	if len(remove) == 0 {
		return nil
	}
	doc, ok, err := p.getDocument(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("ingestion: document %s not found", id)
	}
	drop := toSet(remove)
	kept := make([]string, 0, len(doc.ChunkIDs))
	for _, cid := range doc.ChunkIDs {
		if !drop[cid] {
			kept = append(kept, cid)
		}
	}
	doc.ChunkIDs = kept
	doc.UpdatedAt = types.NowMillis()

	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("ingestion: marshal document %s: %w", id, err)
	}
	return p.store.Put(ctx, []byte(keyDocPrefix+id), b)
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[it] = true
	}
	return out
}
