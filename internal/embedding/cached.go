package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/miradorstack/loglens/internal/cache"
	"github.com/miradorstack/loglens/internal/metrics"
)

const cacheKeyPrefix = "emb:"

// CachedEmbedder serves vectors from a cache.Provider and only sends misses to
// the wrapped embedder.
type CachedEmbedder struct {
	next      Embedder
	cache     cache.Provider
	ttl       time.Duration
	namespace string
	logger    *slog.Logger
}

// NewCachedEmbedder decorates next. A nil provider disables caching.
func NewCachedEmbedder(next Embedder, provider cache.Provider, ttl time.Duration, logger *slog.Logger) *CachedEmbedder {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedEmbedder{next: next, cache: provider, ttl: ttl, namespace: "default", logger: logger}
}

// WithNamespace scopes cache keys so vectors from one provider, model or
// width are never served to another.
func (c *CachedEmbedder) WithNamespace(namespace string) *CachedEmbedder {
	if namespace != "" {
		c.namespace = namespace
	}
	return c
}

// Embed returns vectors for texts. Cache read and write failures degrade to
// model calls and are logged, never returned.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	var (
		missIdx   []int
		missTexts []string
	)
	for i, text := range texts {
		raw, err := c.cache.Get(ctx, c.cacheKey(text))
		if err == nil {
			if vec, decErr := decodeVector(raw); decErr == nil {
				out[i] = vec
				continue
			}
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn("embedding cache read failed", "error", err)
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	metrics.AddEmbeddings("cache", len(texts)-len(missIdx))
	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := c.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(missTexts))
	}
	metrics.AddEmbeddings("model", len(vectors))
	for j, idx := range missIdx {
		out[idx] = vectors[j]
		if err := c.cache.Set(ctx, c.cacheKey(missTexts[j]), encodeVector(vectors[j]), c.ttl); err != nil {
			c.logger.Warn("embedding cache write failed", "error", err)
		}
	}
	return out, nil
}

func (c *CachedEmbedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return cacheKeyPrefix + c.namespace + ":" + hex.EncodeToString(sum[:])
}

// encodeVector stores components as little-endian float32.
func encodeVector(v []float64) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(f)))
	}
	return buf
}

func decodeVector(raw []byte) ([]float64, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("corrupt vector of %d bytes", len(raw))
	}
	v := make([]float64, len(raw)/4)
	for i := range v {
		v[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
	}
	return v, nil
}
