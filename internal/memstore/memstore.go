// Package memstore implements the Memory Store (spec §4.7, C7): CRUD for
// memories with heuristic layer classification, versioning, decay/access
// accounting hooks, and the graph/index wiring every mutation needs.
//
// Grounded on RedClaus-cortex/core/internal/memory/core_store.go's CRUD
// shape (load-modify-persist-as-one-batch, `version` bump on every mutating
// call) generalized from a single flat record store to one that also plans
// graph edges and derivative-index ops for the coordinator.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/normanking/hybridmemory/internal/coordinator"
	"github.com/normanking/hybridmemory/internal/embed"
	"github.com/normanking/hybridmemory/internal/graph"
	"github.com/normanking/hybridmemory/internal/kv"
	"github.com/normanking/hybridmemory/internal/logging"
	"github.com/normanking/hybridmemory/internal/textindex"
	"github.com/normanking/hybridmemory/pkg/types"
)

var log = logging.Component("memstore")

const (
	keyMemPrefix       = "mem:"
	keyTombstonePrefix = "tombstone:"

	// chunkKeyPrefix mirrors internal/ingestion's private "chunk:" KV
	// namespace. Duplicated here deliberately rather than importing
	// ingestion (C7 and C6 are siblings over the same store; a one-field
	// read doesn't justify a package dependency either way).
	chunkKeyPrefix = "chunk:"

	// stmLengthThreshold and defaultImportance resolve two details spec §3/
	// §4.7 leave implicit: the STM length heuristic's cutoff (given directly
	// as "length < 140 chars") and a newly added memory's starting
	// importance (spec is silent; 1.0 is used as the neutral "not yet
	// decayed" baseline decay/strengthen multiply against).
	stmLengthThreshold = 140
	defaultImportance   = 1.0
)

// Memory is the primary record for one stored memory (spec §3).
type Memory struct {
	ID           string            `json:"id"`
	Content      string            `json:"content"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Layer        types.Layer       `json:"layer"`
	SessionID    string            `json:"session_id,omitempty"`
	EpisodeID    string            `json:"episode_id,omitempty"`
	Importance   float64           `json:"importance"`
	AccessCount  int64             `json:"access_count"`
	LastAccessTS int64             `json:"last_access_ts,omitempty"`
	CreatedAt    int64             `json:"created_at"`
	UpdatedAt    int64             `json:"updated_at"`
	Version      int64             `json:"version"`
	ExpiresAt    int64             `json:"expires_at,omitempty"`
	References   []Reference       `json:"references,omitempty"`
	Embedded     bool              `json:"embedded"`
}

// Reference is one evidence link supplied to add(), matching spec §3's
// `{doc_id, chunk_id?, score}` shape.
type Reference struct {
	DocID   string   `json:"doc_id"`
	ChunkID string   `json:"chunk_id,omitempty"`
	Score   *float64 `json:"score,omitempty"`
}

// Store is the memory CRUD surface.
type Store struct {
	store       *kv.Store
	graph       *graph.Graph
	coordinator *coordinator.Coordinator
	embedder    embed.Embedder
	stmTTLMS    int64
	searcher    Searcher
}

// New constructs a Store. stmDefaultTTLMS seeds expires_at for memories
// classified into STM without an explicit one (spec §3 names `expires_at`
// as STM-only but never gives a default duration; callers needing a
// different TTL pass it here).
func New(store *kv.Store, g *graph.Graph, coord *coordinator.Coordinator, embedder embed.Embedder, stmDefaultTTLMS int64) *Store {
	return &Store{store: store, graph: g, coordinator: coord, embedder: embedder, stmTTLMS: stmDefaultTTLMS}
}

// SearchFilters narrows memory.search (spec §4.7/§4.8).
type SearchFilters struct {
	Layer   *types.Layer
	Episode string
	From    *int64
	To      *int64
}

// Explain carries the fusion retriever's per-signal contribution and final
// rank for one search hit (spec §4.8 step 7).
type Explain struct {
	Vector float64 `json:"vector,omitempty"`
	Text   float64 `json:"text,omitempty"`
	Graph  float64 `json:"graph,omitempty"`
	Rank   int     `json:"rank"`
}

// SearchHit is one memory.search result (spec §6).
type SearchHit struct {
	ID      string
	Score   float64
	Layer   types.Layer
	DocRefs []string
	Explain Explain
}

// Searcher is implemented by the fusion retriever (internal/fusion). It is
// declared here rather than imported from fusion so that only fusion
// imports memstore -- never the reverse -- breaking what would otherwise be
// a constructor cycle (fusion.Retriever needs a record source shaped like
// *Store; Store needs something that can search).
type Searcher interface {
	Search(ctx context.Context, q string, limit int, filters SearchFilters) ([]SearchHit, error)
}

// SetSearcher wires the fusion retriever in after both it and the Store
// have been constructed, completing the two-phase wiring the Searcher
// interface exists for.
func (s *Store) SetSearcher(searcher Searcher) {
	s.searcher = searcher
}

// Search delegates to the wired Searcher (spec §4.7 search(): "delegates to
// Fusion Retriever").
func (s *Store) Search(ctx context.Context, q string, limit int, filters SearchFilters) ([]SearchHit, error) {
	if s.searcher == nil {
		return nil, fmt.Errorf("memstore: search: no searcher wired")
	}
	return s.searcher.Search(ctx, q, limit, filters)
}

// AddRequest is memory.add's input (spec §6).
type AddRequest struct {
	Content    string
	Metadata   map[string]string
	LayerHint  *types.Layer
	SessionID  string
	EpisodeID  string
	References []Reference
}

// AddResult is memory.add's output.
type AddResult struct {
	ID    string
	Layer types.Layer
}

// Add classifies, persists and indexes a new memory (spec §4.7 add()).
func (s *Store) Add(ctx context.Context, req AddRequest) (*AddResult, []string, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, nil, fmt.Errorf("memstore: content must be non-empty")
	}

	layer := classifyLayer(req.Content, req.SessionID, req.LayerHint)
	now := types.NowMillis()
	id := uuid.NewString()

	m := Memory{
		ID:         id,
		Content:    req.Content,
		Metadata:   req.Metadata,
		Layer:      layer,
		SessionID:  req.SessionID,
		EpisodeID:  req.EpisodeID,
		Importance: defaultImportance,
		CreatedAt:  now,
		UpdatedAt:  now,
		References: req.References,
	}
	if layer == types.LayerSTM && s.stmTTLMS > 0 {
		m.ExpiresAt = now + s.stmTTLMS
	}

	vec, embedded, warnings := s.embedOne(ctx, req.Content)
	m.Embedded = embedded

	anchorOps, graphOps, refErrs := s.planCreate(ctx, m, now)
	warnings = append(warnings, refErrs...)
	anchorOps = append(anchorOps, graphOps...)

	var textOps []coordinator.TextOp
	var vectorOps []coordinator.VectorOp
	textOps = append(textOps, coordinator.TextOp{ID: id, Kind: textindex.KindMemory, Text: req.Content})
	if embedded {
		vectorOps = append(vectorOps, coordinator.VectorOp{ID: id, Vector: vec})
	}

	commitWarnings, err := s.coordinator.Commit(ctx, now, anchorOps, textOps, vectorOps)
	if err != nil {
		return nil, nil, fmt.Errorf("memstore: add commit: %w", err)
	}
	warnings = append(warnings, commitWarnings...)

	return &AddResult{ID: id, Layer: layer}, warnings, nil
}

// classifyLayer applies spec §4.7's heuristic: an explicit hint wins;
// otherwise short session-scoped content is STM, everything else LTM.
func classifyLayer(content, sessionID string, hint *types.Layer) types.Layer {
	if hint != nil {
		return *hint
	}
	if len(content) < stmLengthThreshold && sessionID != "" {
		return types.LayerSTM
	}
	return types.LayerLTM
}

func (s *Store) embedOne(ctx context.Context, content string) (vec []float32, ok bool, warnings []string) {
	if s.embedder == nil {
		return nil, false, nil
	}
	v, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return nil, false, []string{fmt.Sprintf("embedding failed: %v", err)}
	}
	return v, true, nil
}

// planCreate builds the KV op for the memory record plus every graph op
// (Memory node, MENTIONS edges from extracted entities, EVIDENCE edges from
// references, OCCURRED_IN edge if an episode was given) for a brand-new
// memory, mirroring internal/ingestion's "plan then append authoritative
// node op last" ordering so auto-created placeholder nodes never clobber a
// richer record written in the same batch.
func (s *Store) planCreate(ctx context.Context, m Memory, now int64) (anchorOps []kv.Op, graphOps []kv.Op, warnings []string) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, nil, []string{fmt.Sprintf("marshal memory: %v", err)}
	}
	anchorOps = append(anchorOps, kv.Op{Kind: kv.OpPut, Key: []byte(keyMemPrefix + m.ID), Value: b})

	memKey := graph.NodeKey(types.NodeMemory, m.ID)

	for _, entity := range graph.ExtractEntities(m.Content) {
		entityKey := graph.NodeKey(types.NodeEntity, entity)
		_, ops, err := s.graph.PlanUpsertEdge(ctx, memKey, string(types.RelMentions), entityKey, now, 1.0, 0, nil, true)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("mentions edge for %q: %v", entity, err))
			continue
		}
		graphOps = append(graphOps, ops...)
	}

	for _, ref := range m.References {
		target, score, err := s.resolveReference(ctx, m.Content, ref)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("reference %+v: %v", ref, err))
			continue
		}
		_, ops, err := s.graph.PlanUpsertEdge(ctx, memKey, string(types.RelEvidence), target, now, 1.0, score, nil, true)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("evidence edge for %+v: %v", ref, err))
			continue
		}
		graphOps = append(graphOps, ops...)
	}

	if m.EpisodeID != "" {
		episodeKey := graph.NodeKey(types.NodeEpisode, m.EpisodeID)
		_, ops, err := s.graph.PlanUpsertEdge(ctx, memKey, string(types.RelOccurredIn), episodeKey, now, 1.0, 0, nil, true)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("occurred_in edge: %v", err))
		} else {
			graphOps = append(graphOps, ops...)
		}
	}

	_, memNodeOp, err := s.graph.PlanUpsertNode(ctx, types.NodeMemory, m.ID, m.ID, now, nil)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("memory node: %v", err))
	} else {
		graphOps = append(graphOps, memNodeOp)
	}

	return anchorOps, graphOps, warnings
}

// resolveReference picks the EVIDENCE target (Chunk if chunk_id is given,
// else Document) and a score: the caller-supplied score if present,
// otherwise the Jaccard similarity between the memory's extracted entity
// set and the target's (spec §4.7: "score (supplied or computed as Jaccard
// ... entity sets)").
func (s *Store) resolveReference(ctx context.Context, memoryContent string, ref Reference) (targetKey string, score float64, err error) {
	if ref.ChunkID != "" {
		targetKey = graph.NodeKey(types.NodeChunk, ref.ChunkID)
	} else if ref.DocID != "" {
		targetKey = graph.NodeKey(types.NodeDocument, ref.DocID)
	} else {
		return "", 0, fmt.Errorf("reference has neither doc_id nor chunk_id")
	}
	if ref.Score != nil {
		return targetKey, *ref.Score, nil
	}

	theirs, err := s.referenceEntitySet(ctx, targetKey)
	if err != nil || len(theirs) == 0 {
		return targetKey, 0, err
	}
	mine := toSet(graph.ExtractEntities(memoryContent))
	return targetKey, jaccard(mine, theirs), nil
}

func (s *Store) referenceEntitySet(ctx context.Context, targetKey string) (map[string]bool, error) {
	kind, id := splitKey(targetKey)
	switch kind {
	case types.NodeDocument:
		ents, err := s.graph.EntitiesMentionedBy(ctx, targetKey)
		if err != nil {
			return nil, err
		}
		return toSet(ents), nil
	case types.NodeChunk:
		return s.chunkEntitySet(ctx, id)
	default:
		return nil, nil
	}
}

func (s *Store) chunkEntitySet(ctx context.Context, chunkID string) (map[string]bool, error) {
	raw, ok, err := s.store.Get(ctx, []byte(chunkKeyPrefix+chunkID))
	if err != nil || !ok {
		return nil, err
	}
	var rec struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("memstore: unmarshal chunk %s: %w", chunkID, err)
	}
	return toSet(graph.ExtractEntities(rec.Content)), nil
}

func splitKey(key string) (types.NodeKind, string) {
	parts := strings.SplitN(key, "::", 2)
	if len(parts) != 2 {
		return types.NodeEntity, key
	}
	return types.NodeKind(parts[0]), parts[1]
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[it] = true
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Get loads a memory by id.
func (s *Store) Get(ctx context.Context, id string) (*Memory, bool, error) {
	raw, ok, err := s.store.Get(ctx, []byte(keyMemPrefix+id))
	if err != nil || !ok {
		return nil, false, err
	}
	var m Memory
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false, fmt.Errorf("memstore: unmarshal memory %s: %w", id, err)
	}
	return &m, true, nil
}

// UpdateRequest is memory.update's input. Nil fields mean "leave unchanged."
type UpdateRequest struct {
	Content  *string
	Metadata map[string]string
}

// UpdateResult is memory.update's output (spec §4.7 update()).
type UpdateResult struct {
	Version        int64
	Reembedded     bool
	UpdatedIndices []string
}

// Update bumps version on any successful mutation; content changes trigger
// re-embedding, a text-index replace, and an entity-extraction diff that
// adds new MENTIONS edges and removes ones no longer supported by the new
// content (spec §4.7 update()).
func (s *Store) Update(ctx context.Context, id string, req UpdateRequest) (*UpdateResult, []string, error) {
	m, ok, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("memstore: memory %s not found", id)
	}

	now := types.NowMillis()
	contentChanged := req.Content != nil && *req.Content != m.Content
	oldContent := m.Content

	if req.Content != nil {
		m.Content = *req.Content
	}
	if req.Metadata != nil {
		m.Metadata = req.Metadata
	}
	m.Version++
	m.UpdatedAt = now

	var warnings []string
	var updatedIndices []string
	var textOps []coordinator.TextOp
	var vectorOps []coordinator.VectorOp
	var graphOps []kv.Op

	if contentChanged {
		vec, embedded, embedWarnings := s.embedOne(ctx, m.Content)
		warnings = append(warnings, embedWarnings...)
		m.Embedded = embedded

		textOps = append(textOps, coordinator.TextOp{ID: id, Kind: textindex.KindMemory, Text: m.Content})
		updatedIndices = append(updatedIndices, "text")
		if embedded {
			vectorOps = append(vectorOps, coordinator.VectorOp{ID: id, Vector: vec})
			updatedIndices = append(updatedIndices, "vector")
		}

		memKey := graph.NodeKey(types.NodeMemory, id)
		oldEntities := toSet(graph.ExtractEntities(oldContent))
		newEntities := toSet(graph.ExtractEntities(m.Content))

		for entity := range newEntities {
			if oldEntities[entity] {
				continue
			}
			entityKey := graph.NodeKey(types.NodeEntity, entity)
			_, ops, err := s.graph.PlanUpsertEdge(ctx, memKey, string(types.RelMentions), entityKey, now, 1.0, 0, nil, true)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("mentions edge for %q: %v", entity, err))
				continue
			}
			graphOps = append(graphOps, ops...)
		}
		for entity := range oldEntities {
			if newEntities[entity] {
				continue
			}
			entityKey := graph.NodeKey(types.NodeEntity, entity)
			ops, err := s.graph.PlanDeleteEdge(ctx, memKey, string(types.RelMentions), entityKey)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("remove mentions edge for %q: %v", entity, err))
				continue
			}
			graphOps = append(graphOps, ops...)
		}
		updatedIndices = append(updatedIndices, "graph")
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, nil, fmt.Errorf("memstore: marshal memory %s: %w", id, err)
	}
	anchorOps := append([]kv.Op{{Kind: kv.OpPut, Key: []byte(keyMemPrefix + id), Value: b}}, graphOps...)

	commitWarnings, err := s.coordinator.Commit(ctx, now, anchorOps, textOps, vectorOps)
	if err != nil {
		return nil, nil, fmt.Errorf("memstore: update commit: %w", err)
	}
	warnings = append(warnings, commitWarnings...)

	return &UpdateResult{Version: m.Version, Reembedded: contentChanged && m.Embedded, UpdatedIndices: updatedIndices}, warnings, nil
}

// DeleteResult is memory.delete's output (spec §4.7 delete()).
type DeleteResult struct {
	Deleted  bool
	Cascaded int
}

// Delete removes a memory's vector entry, text entry, graph node (which
// cascades to incident edges) and primary record as one coordinator batch,
// optionally archiving a copy first under a cold tombstone: namespace.
func (s *Store) Delete(ctx context.Context, id string, backup bool) (*DeleteResult, []string, error) {
	m, ok, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return &DeleteResult{Deleted: false}, nil, nil
	}

	memKey := graph.NodeKey(types.NodeMemory, id)
	outEdges, err := s.graph.Neighbors(ctx, memKey, graph.Out, nil)
	if err != nil {
		return nil, nil, err
	}
	inEdges, err := s.graph.Neighbors(ctx, memKey, graph.In, nil)
	if err != nil {
		return nil, nil, err
	}
	cascaded := len(outEdges) + len(inEdges)

	now := types.NowMillis()
	var anchorOps []kv.Op

	if backup {
		tomb := struct {
			Memory Memory       `json:"memory"`
			Out    []graph.Edge `json:"out_edges"`
			In     []graph.Edge `json:"in_edges"`
			At     int64        `json:"at"`
		}{Memory: *m, Out: outEdges, In: inEdges, At: now}
		b, err := json.Marshal(tomb)
		if err != nil {
			return nil, nil, fmt.Errorf("memstore: marshal tombstone for %s: %w", id, err)
		}
		anchorOps = append(anchorOps, kv.Op{Kind: kv.OpPut, Key: []byte(keyTombstonePrefix + id), Value: b})
	}

	nodeOps, err := s.graph.PlanDeleteNode(ctx, memKey)
	if err != nil {
		return nil, nil, err
	}
	anchorOps = append(anchorOps, nodeOps...)
	anchorOps = append(anchorOps, kv.Op{Kind: kv.OpDelete, Key: []byte(keyMemPrefix + id)})

	textOps := []coordinator.TextOp{{ID: id, Remove: true}}
	vectorOps := []coordinator.VectorOp{{ID: id, Remove: true}}

	warnings, err := s.coordinator.Commit(ctx, now, anchorOps, textOps, vectorOps)
	if err != nil {
		return nil, nil, fmt.Errorf("memstore: delete commit: %w", err)
	}

	return &DeleteResult{Deleted: true, Cascaded: cascaded}, warnings, nil
}

// Access bumps access_count and last_access_ts (spec §4.7 access()); it
// does not touch the text/vector/graph indices, so it persists directly
// rather than going through the coordinator.
func (s *Store) Access(ctx context.Context, id string) (*Memory, error) {
	m, ok, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("memstore: memory %s not found", id)
	}
	m.AccessCount++
	m.LastAccessTS = types.NowMillis()

	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("memstore: marshal memory %s: %w", id, err)
	}
	if err := s.store.Put(ctx, []byte(keyMemPrefix+id), b); err != nil {
		return nil, fmt.Errorf("memstore: persist access for %s: %w", id, err)
	}
	log.Debug().Str("memory_id", id).Int64("access_count", m.AccessCount).Msg("memory accessed")
	return m, nil
}
