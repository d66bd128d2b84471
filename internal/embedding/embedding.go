// Package embedding turns log messages into dense vectors for semantic
// clustering. Providers: a deterministic feature-hashing embedder, an
// OpenAI-compatible HTTP client, a cache decorator and a lazy loader.
package embedding

import (
	"context"
	"errors"
)

// ErrModelUnavailable reports that the embedding model could not be loaded or reached.
var ErrModelUnavailable = errors.New("embedding model unavailable")

// Embedder turns texts into vectors of a fixed dimension, one per input.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// EmbedderFunc adapts a function to Embedder.
type EmbedderFunc func(ctx context.Context, texts []string) ([][]float64, error)

// Embed calls f.
func (f EmbedderFunc) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	return f(ctx, texts)
}
