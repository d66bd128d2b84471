package embedding

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/miradorstack/loglens/internal/utils"
)

// Loader builds the underlying embedder on first use.
type Loader func() (Embedder, error)

// Lazy defers model construction to the first Embed call. The loader runs at
// most once; a failed load is remembered and reported on every later call.
type Lazy struct {
	load Loader

	once     sync.Once
	loaded   atomic.Bool
	embedder Embedder
	err      error
}

// NewLazy wraps load.
func NewLazy(load Loader) *Lazy {
	return &Lazy{load: load}
}

// Embed loads the model if needed and delegates.
func (l *Lazy) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	emb, err := l.get()
	if err != nil {
		return nil, err
	}
	return emb.Embed(ctx, texts)
}

// Loaded reports whether the loader has run successfully. It never triggers a load.
func (l *Lazy) Loaded() bool {
	return l.loaded.Load()
}

func (l *Lazy) get() (Embedder, error) {
	l.once.Do(func() {
		emb, err := l.load()
		switch {
		case err != nil:
			l.err = utils.NewAppError("embedding.load", "embedding model unavailable", fmt.Errorf("%w: %v", ErrModelUnavailable, err))
		case emb == nil:
			l.err = utils.NewAppError("embedding.load", "embedding model unavailable", ErrModelUnavailable)
		default:
			l.embedder = emb
			l.loaded.Store(true)
		}
	})
	return l.embedder, l.err
}
