package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync"

	"github.com/normanking/hybridmemory/internal/kv"
	"github.com/normanking/hybridmemory/internal/logging"
)

var log = logging.Component("embed")

const cacheKeyPrefix = "embcache:"

// Cache wraps an Embedder with a KV-store-backed content-hash cache,
// grounded on RedClaus-cortex/core/internal/memory/embedder_wrapper.go's
// EmbeddingCache: the same SHA-256-of-content keying, the same hit/miss
// counters, but persisted through the engine's own internal/kv.Store
// instead of a dedicated cache table, since this engine has no separate
// cache database to own.
type Cache struct {
	inner Embedder
	store *kv.Store

	mu          sync.Mutex
	cacheHits   int64
	cacheMisses int64
}

// NewCache wraps inner with a persistent content-hash cache backed by store.
func NewCache(inner Embedder, store *kv.Store) *Cache {
	c := &Cache{inner: inner, store: store}
	log.Info().Str("model", inner.ModelName()).Msg("embedding cache initialized")
	return c
}

func (c *Cache) Dimension() int    { return c.inner.Dimension() }
func (c *Cache) ModelName() string { return c.inner.ModelName() }

func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(c.inner.ModelName(), text)
	if v, ok, err := c.load(ctx, key); err == nil && ok {
		c.mu.Lock()
		c.cacheHits++
		c.mu.Unlock()
		return v, nil
	}

	c.mu.Lock()
	c.cacheMisses++
	c.mu.Unlock()

	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := c.store.Put(ctx, key, encodeVector(v)); err != nil {
		log.Warn().Err(err).Msg("failed to persist embedding cache entry")
	}
	return v, nil
}

func (c *Cache) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, t := range texts {
		key := cacheKey(c.inner.ModelName(), t)
		if v, ok, err := c.load(ctx, key); err == nil && ok {
			out[i] = v
			c.mu.Lock()
			c.cacheHits++
			c.mu.Unlock()
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	if len(missTexts) > 0 {
		c.mu.Lock()
		c.cacheMisses += int64(len(missTexts))
		c.mu.Unlock()

		generated, err := c.inner.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, idx := range missIdx {
			if j >= len(generated) {
				break
			}
			out[idx] = generated[j]
			key := cacheKey(c.inner.ModelName(), texts[idx])
			if err := c.store.Put(ctx, key, encodeVector(generated[j])); err != nil {
				log.Warn().Err(err).Msg("failed to persist embedding cache entry")
			}
		}
	}

	log.Debug().
		Int("total", len(texts)).
		Int("hits", len(texts)-len(missTexts)).
		Int("misses", len(missTexts)).
		Msg("batch embedding completed")
	return out, nil
}

// Stats returns (hits, misses) observed since the cache was created.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheHits, c.cacheMisses
}

func (c *Cache) load(ctx context.Context, key []byte) ([]float32, bool, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return decodeVector(raw), true, nil
}

func cacheKey(model, text string) []byte {
	h := sha256.Sum256([]byte(text))
	key := append([]byte(cacheKeyPrefix), []byte(model)...)
	key = append(key, ':')
	key = append(key, []byte(hex.EncodeToString(h[:]))...)
	return key
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
