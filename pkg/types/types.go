// Package types holds small value types shared across every hybridmemory
// package so that internal packages don't need to import one another just
// to pass an id or a timestamp around.
package types

import "time"

// NowMillis returns the current time as Unix milliseconds, the clock unit
// used throughout the engine (spec §3: "all timestamps are integer
// milliseconds since the Unix epoch").
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Layer is a memory's lifecycle tier.
type Layer string

const (
	LayerSTM Layer = "STM"
	LayerLTM Layer = "LTM"
)

// NodeKind enumerates the four knowledge-graph node kinds.
type NodeKind string

const (
	NodeEntity   NodeKind = "Entity"
	NodeDocument NodeKind = "Document"
	NodeMemory   NodeKind = "Memory"
	NodeEpisode  NodeKind = "Episode"
	// NodeChunk is not one of the four node kinds spec.md §3 enumerates, but
	// spec.md's own edge list requires Chunk-typed endpoints (PART_OF
	// Chunk->Document, EVIDENCE Memory->Chunk) -- see DESIGN.md's Open
	// Question decision: Chunk is carried as a fifth node kind so those
	// edges have a real, live endpoint rather than a dangling string id.
	NodeChunk NodeKind = "Chunk"
)

// Relation enumerates the built-in edge relations. User-defined relations
// are plain strings and are not restricted to this set.
type Relation string

const (
	RelMentions   Relation = "MENTIONS"
	RelEvidence   Relation = "EVIDENCE"
	RelRelated    Relation = "RELATED"
	RelPartOf     Relation = "PART_OF"
	RelOccurredIn Relation = "OCCURRED_IN"
)

// EntityType enumerates the entity kinds from spec §3.
type EntityType string

const (
	EntityPerson EntityType = "Person"
	EntityOrg    EntityType = "Organization"
	EntityConcept EntityType = "Concept"
	EntityLocation EntityType = "Location"
	EntityOther   EntityType = "Other"
)

// Mime enumerates the document mime kinds the pipeline accepts.
type Mime string

const (
	MimePDF Mime = "pdf"
	MimeMD  Mime = "md"
	MimeTXT Mime = "txt"
)

// Scalar is a tagged sum over JSON scalar types, used for edge/node
// properties (spec §9: "dynamic/duck-typed payloads ... carried as a typed
// sum over JSON scalars plus an untyped blob field").
type Scalar struct {
	Str   string  `json:"s,omitempty"`
	I64   int64   `json:"i,omitempty"`
	F64   float64 `json:"f,omitempty"`
	Bool  bool    `json:"b,omitempty"`
	Bytes []byte  `json:"x,omitempty"`
	Kind  string  `json:"k"` // "string" | "i64" | "f64" | "bool" | "bytes"
}

func StrScalar(s string) Scalar  { return Scalar{Kind: "string", Str: s} }
func I64Scalar(i int64) Scalar   { return Scalar{Kind: "i64", I64: i} }
func F64Scalar(f float64) Scalar { return Scalar{Kind: "f64", F64: f} }
func BoolScalar(b bool) Scalar   { return Scalar{Kind: "bool", Bool: b} }

// ScoredItem pairs an arbitrary item with a ranking score, used by every
// retrieval path (vector, text, graph, fusion) so they can share top-K
// helpers. Grounded on RedClaus-cortex/core/internal/memory's ScoredItem[T].
type ScoredItem[T any] struct {
	Item  T
	Score float64
}

// TopKWithScores returns the top-k ScoredItems sorted descending by score,
// breaking ties by the supplied less-than-on-equal comparator (usually by
// id) -- mirrors the min-heap top-K helper used throughout the teacher's
// memory package, generalized with Go generics.
func TopKWithScores[T any](items []ScoredItem[T], k int, tieLess func(a, b T) bool) []ScoredItem[T] {
	if k <= 0 || len(items) == 0 {
		return nil
	}
	out := make([]ScoredItem[T], len(items))
	copy(out, items)
	sortScoredDesc(out, tieLess)
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func sortScoredDesc[T any](items []ScoredItem[T], tieLess func(a, b T) bool) {
	// insertion sort is fine: callers bound candidate sets to a few hundred
	// items (k' = max(k*3, 50)) before this is ever called.
	for i := 1; i < len(items); i++ {
		j := i
		for j > 0 && less(items[j], items[j-1], tieLess) {
			items[j], items[j-1] = items[j-1], items[j]
			j--
		}
	}
}

func less[T any](a, b ScoredItem[T], tieLess func(a, b T) bool) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if tieLess != nil {
		return tieLess(a.Item, b.Item)
	}
	return false
}
