package embedding

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miradorstack/loglens/internal/cache"
)

// Provider names accepted by New.
const (
	ProviderHashing = "hashing"
	ProviderHTTP    = "http"
)

// Config selects and tunes the embedding backend.
type Config struct {
	Provider   string
	Endpoint   string
	Model      string
	APIKey     string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration
	CacheTTL   time.Duration
}

// New returns a lazily loaded embedder for cfg behind the vector cache.
func New(cfg Config, vectors cache.Provider, logger *slog.Logger) *CachedEmbedder {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	lazy := NewLazy(func() (Embedder, error) {
		switch provider {
		case "", ProviderHashing:
			return NewHashingEmbedder(cfg.Dimensions), nil
		case ProviderHTTP:
			return NewHTTPEmbedder(HTTPConfig{
				Endpoint:  cfg.Endpoint,
				Model:     cfg.Model,
				APIKey:    cfg.APIKey,
				BatchSize: cfg.BatchSize,
				Timeout:   cfg.Timeout,
			})
		default:
			return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
		}
	})
	return NewCachedEmbedder(lazy, vectors, cfg.CacheTTL, logger).WithNamespace(cfg.cacheNamespace(provider))
}

// cacheNamespace is provider:model:dims with the effective defaults filled in.
func (cfg Config) cacheNamespace(provider string) string {
	if provider == "" {
		provider = ProviderHashing
	}
	dims := cfg.Dimensions
	if provider == ProviderHashing && dims <= 0 {
		dims = DefaultDimensions
	}
	return fmt.Sprintf("%s:%s:%d", provider, cfg.Model, dims)
}
