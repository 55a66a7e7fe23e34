// Package textindex implements the tokenized inverted index with BM25-style
// ranking over memories, document chunks, and entity surface forms (spec
// §4.4, C4). No full-text search library (bleve or similar) appears in any
// example repo's go.mod, so this is hand-rolled -- the same choice
// _examples/other_examples/dotsetgreg-dotagent__store_sqlite.go and
// _examples/other_examples/straga-Mimir_lite__db.go make for their own
// full-text search rather than importing one, so a hand-rolled ranker here
// tracks the corpus rather than deviating from it (see DESIGN.md).
package textindex

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/normanking/hybridmemory/internal/kv"
	"github.com/normanking/hybridmemory/internal/logging"
)

var log = logging.Component("textindex")

// Kind identifies what a text-indexed document represents.
type Kind string

const (
	KindMemory Kind = "memory"
	KindChunk  Kind = "chunk"
	KindEntity Kind = "entity"
)

const (
	// k1 and b are the BM25 tuning constants from spec §4.4.
	k1 = 1.2
	b  = 0.75

	keyPostingPrefix = "text:posting:"
	keyDocPrefix      = "text:doc:"
	keyStatsKey       = "text:stats"
)

// Hit is one ranked result.
type Hit struct {
	ID    string
	Kind  Kind
	Score float64
}

// docRecord is what's stored per indexed document.
type docRecord struct {
	ID     string   `json:"id"`
	Kind   Kind     `json:"kind"`
	Length int      `json:"length"` // token count, for BM25 normalization
	Terms  []string `json:"terms"`  // unique terms, for eager removal
}

type posting struct {
	DocID string `json:"d"`
	TF    int    `json:"tf"`
}

// Index is the inverted text index. A reader-writer lock mirrors the Vector
// Index's discipline from spec §5: queries read-lock, mutations write-lock.
type Index struct {
	store *kv.Store

	mu           sync.RWMutex
	postings     map[string][]posting // term -> postings
	docs         map[string]docRecord // id -> record
	totalLength  int64
}

// New constructs an empty text index.
func New(store *kv.Store) *Index {
	return &Index{
		store:    store,
		postings: map[string][]posting{},
		docs:     map[string]docRecord{},
	}
}

// Reset drops the in-memory postings/docs state without touching the KV
// store, so a subsequent Load starts from empty rather than merging on
// top of stale entries -- needed after system.restore replaces the
// store's contents wholesale.
func (idx *Index) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.postings = map[string][]posting{}
	idx.docs = map[string]docRecord{}
	idx.totalLength = 0
}

// Load reconstructs the in-memory index from the KV store.
func (idx *Index) Load(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	docs, err := idx.store.ScanPrefix(ctx, []byte(keyDocPrefix))
	if err != nil {
		return fmt.Errorf("textindex: load docs: %w", err)
	}
	for _, v := range docs {
		var rec docRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			continue
		}
		idx.docs[rec.ID] = rec
		idx.totalLength += int64(rec.Length)
	}

	postings, err := idx.store.ScanPrefix(ctx, []byte(keyPostingPrefix))
	if err != nil {
		return fmt.Errorf("textindex: load postings: %w", err)
	}
	for k, v := range postings {
		term := k[len(keyPostingPrefix):]
		var list []posting
		if err := json.Unmarshal(v, &list); err != nil {
			continue
		}
		idx.postings[term] = list
	}

	log.Info().Int("docs", len(idx.docs)).Int("terms", len(idx.postings)).Msg("text index loaded")
	return nil
}

// Upsert (re)indexes id with the given kind and text content. Re-indexing
// an existing id first removes its prior postings (eager removal per spec
// §4.4) before adding the new ones.
func (idx *Index) Upsert(ctx context.Context, id string, kind Kind, text string) error {
	terms := Tokenize(text)
	tf := map[string]int{}
	for _, t := range terms {
		tf[t]++
	}

	idx.mu.Lock()
	if old, ok := idx.docs[id]; ok {
		idx.totalLength -= int64(old.Length)
		for _, t := range old.Terms {
			idx.postings[t] = removePosting(idx.postings[t], id)
		}
	}

	uniqueTerms := make([]string, 0, len(tf))
	for term, freq := range tf {
		uniqueTerms = append(uniqueTerms, term)
		idx.postings[term] = upsertPosting(idx.postings[term], posting{DocID: id, TF: freq})
	}
	idx.docs[id] = docRecord{ID: id, Kind: kind, Length: len(terms), Terms: uniqueTerms}
	idx.totalLength += int64(len(terms))

	affected := append([]string{}, uniqueTerms...)
	idx.mu.Unlock()

	return idx.persist(ctx, id, affected)
}

// Remove deletes id from the index, eagerly removing it from every posting
// list before the next commit visibility (spec §4.4).
func (idx *Index) Remove(ctx context.Context, id string) error {
	idx.mu.Lock()
	rec, ok := idx.docs[id]
	if !ok {
		idx.mu.Unlock()
		return nil
	}
	delete(idx.docs, id)
	idx.totalLength -= int64(rec.Length)
	for _, t := range rec.Terms {
		idx.postings[t] = removePosting(idx.postings[t], id)
	}
	affected := append([]string{}, rec.Terms...)
	idx.mu.Unlock()

	ops := []kv.Op{{Kind: kv.OpDelete, Key: []byte(keyDocPrefix + id)}}
	for _, t := range affected {
		ops = append(ops, idx.postingOp(t))
	}
	return idx.store.Batch(ctx, ops)
}

func (idx *Index) persist(ctx context.Context, id string, terms []string) error {
	idx.mu.RLock()
	rec := idx.docs[id]
	idx.mu.RUnlock()

	recBytes, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("textindex: marshal doc: %w", err)
	}
	ops := []kv.Op{{Kind: kv.OpPut, Key: []byte(keyDocPrefix + id), Value: recBytes}}
	for _, t := range terms {
		ops = append(ops, idx.postingOp(t))
	}
	return idx.store.Batch(ctx, ops)
}

func (idx *Index) postingOp(term string) kv.Op {
	idx.mu.RLock()
	list := idx.postings[term]
	idx.mu.RUnlock()

	if len(list) == 0 {
		return kv.Op{Kind: kv.OpDelete, Key: []byte(keyPostingPrefix + term)}
	}
	b, _ := json.Marshal(list)
	return kv.Op{Kind: kv.OpPut, Key: []byte(keyPostingPrefix + term), Value: b}
}

// Mode selects conjunctive (AND, all terms must match) or disjunctive (OR,
// any term may match) query semantics.
type Mode int

const (
	Disjunctive Mode = iota
	Conjunctive
)

// Query scores docs against the query text using BM25 and returns results
// sorted descending by score, optionally restricted to a set of kinds.
func (idx *Index) Query(ctx context.Context, q string, mode Mode, kinds []Kind, limit int) []Hit {
	terms := Tokenize(q)
	if len(terms) == 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := float64(len(idx.docs))
	if n == 0 {
		return nil
	}
	avgLen := float64(idx.totalLength) / n

	kindOK := func(k Kind) bool {
		if len(kinds) == 0 {
			return true
		}
		for _, allowed := range kinds {
			if allowed == k {
				return true
			}
		}
		return false
	}

	scores := map[string]float64{}
	matchedTerms := map[string]int{}
	for _, term := range terms {
		list := idx.postings[term]
		if len(list) == 0 {
			continue
		}
		idf := math.Log(1 + (n-float64(len(list))+0.5)/(float64(len(list))+0.5))
		for _, p := range list {
			rec, ok := idx.docs[p.DocID]
			if !ok || !kindOK(rec.Kind) {
				continue
			}
			tf := float64(p.TF)
			denom := tf + k1*(1-b+b*float64(rec.Length)/avgLen)
			scores[p.DocID] += idf * (tf * (k1 + 1)) / denom
			matchedTerms[p.DocID]++
		}
	}

	minShouldMatch := 1
	if mode == Conjunctive {
		minShouldMatch = len(terms)
	}

	var hits []Hit
	for id, score := range scores {
		if matchedTerms[id] < minShouldMatch {
			continue
		}
		hits = append(hits, Hit{ID: id, Kind: idx.docs[id].Kind, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID > hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// IdsByKind returns a snapshot of every indexed id of the given kind, for
// orphan cleanup (spec §4.9: "text entries whose memory id no longer exists
// are removed").
func (idx *Index) IdsByKind(kind Kind) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []string
	for id, rec := range idx.docs {
		if rec.Kind == kind {
			out = append(out, id)
		}
	}
	return out
}

func upsertPosting(list []posting, p posting) []posting {
	for i, existing := range list {
		if existing.DocID == p.DocID {
			list[i] = p
			return list
		}
	}
	return append(list, p)
}

func removePosting(list []posting, docID string) []posting {
	out := list[:0:0]
	for _, p := range list {
		if p.DocID != docID {
			out = append(out, p)
		}
	}
	return out
}

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// Tokenize lowercases text into a flat token list, splitting on any run of
// non-letter/non-digit runes (spec §4.4). No Unicode normalization form is
// applied, so composed and decomposed spellings of a character give
// different tokens.
func Tokenize(text string) []string {
	folded := strings.Map(unicode.ToLower, text)
	raw := nonWord.Split(folded, -1)
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
