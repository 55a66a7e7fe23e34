// Package embed defines the embedding interface the rest of the engine
// depends on (spec §4.2, C2), grounded on the Embedder interface in
// RedClaus-cortex/core/internal/memory/interfaces.go. The engine never
// picks a concrete model itself -- spec §1 explicitly scopes the embedding
// backend out as external -- so this package only carries the interface,
// a deterministic fake for tests, and an error type, the way
// interfaces.go separates Embedder (the contract) from whatever
// concrete provider wires into it elsewhere.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// Embedder generates vector embeddings for text. Implementations must
// return unit-normalized, finite float32 vectors of exactly Dimension()
// length (spec §4.2, invariant E1).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelName() string
}

// FailedError reports a per-item embedding failure inside a batch, letting
// callers (the ingestion pipeline, per spec §4.6) treat it as non-fatal and
// continue with the remaining items.
type FailedError struct {
	Index int
	Cause error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("embed: item %d failed: %v", e.Index, e.Cause)
}

func (e *FailedError) Unwrap() error { return e.Cause }

// Normalize scales v to unit L2 norm in place and returns it. A
// zero-or-near-zero vector is left unchanged (normalizing it would produce
// NaNs); callers should treat an unchanged all-zero vector as a failed
// embedding.
func Normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq < 1e-20 {
		return v
	}
	norm := math.Sqrt(sumSq)
	for i, x := range v {
		v[i] = float32(float64(x) / norm)
	}
	return v
}

// Finite reports whether every component of v is a finite float (spec §4.2,
// invariant E2: embeddings containing NaN/Inf must be rejected, not stored).
func Finite(v []float32) bool {
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}

// Fake is a deterministic embedder for tests and for environments without a
// real model configured. It hashes text content into a fixed-dimension
// vector and normalizes it, so the same text always yields the same vector
// and different texts yield (with overwhelming probability) different
// vectors, which is what the ANN/fusion tests need without pulling in a real
// model. Grounded on the cache-key hashing pattern in
// RedClaus-cortex/core/internal/memory/embedder_wrapper.go's hashContent,
// repurposed here to synthesize vectors instead of cache keys.
type Fake struct {
	dim   int
	model string
}

// NewFake returns a Fake embedder producing vectors of dimension dim.
func NewFake(dim int) *Fake {
	if dim <= 0 {
		dim = 384
	}
	return &Fake{dim: dim, model: "fake-hash-embedder"}
}

func (f *Fake) Dimension() int    { return f.dim }
func (f *Fake) ModelName() string { return f.model }

func (f *Fake) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return Normalize(hashVector(text, f.dim)), nil
}

func (f *Fake) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, &FailedError{Index: i, Cause: err}
		}
		out[i] = v
	}
	return out, nil
}

// hashVector expands a SHA-256 digest of text into dim float32 components
// via repeated re-hashing, seeding each 32-byte block with its block index
// so blocks differ from one another.
func hashVector(text string, dim int) []float32 {
	out := make([]float32, dim)
	block := 0
	var buf [8]byte
	for i := 0; i < dim; i += 8 {
		binary.LittleEndian.PutUint64(buf[:], uint64(block))
		h := sha256.Sum256(append([]byte(text), buf[:]...))
		for j := 0; j < 8 && i+j < dim; j++ {
			u := binary.LittleEndian.Uint32(h[j*4 : j*4+4])
			// map to roughly [-1, 1]
			out[i+j] = float32(int32(u))/float32(math.MaxInt32)
		}
		block++
	}
	return out
}
