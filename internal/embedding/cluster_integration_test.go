package embedding_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/miradorstack/loglens/internal/cache"
	"github.com/miradorstack/loglens/internal/detectors"
	"github.com/miradorstack/loglens/internal/embedding"
	"github.com/miradorstack/loglens/internal/models"
)

// A cache shared under one namespace by models of different widths must
// surface as an unavailable model, not a crash in the clusterer.
func TestStaleCacheWidthFailsClustering(t *testing.T) {
	mem, err := cache.NewMemoryProvider(64)
	if err != nil {
		t.Fatalf("NewMemoryProvider: %v", err)
	}
	ctx := context.Background()

	old := embedding.NewCachedEmbedder(embedding.NewHashingEmbedder(8), mem, 0, nil).WithNamespace("shared")
	if _, err := old.Embed(ctx, []string{"db timeout"}); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	current := embedding.NewCachedEmbedder(embedding.NewHashingEmbedder(16), mem, 0, nil).WithNamespace("shared")

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msgs := []string{"db timeout", "disk full", "login failed"}
	records := make([]models.LogRecord, len(msgs))
	for i, msg := range msgs {
		records[i] = models.LogRecord{ID: int64(i + 1), Timestamp: base, Level: "ERROR", Message: models.StringPtr(msg)}
	}

	_, err = detectors.NewClusterer(current, 42).Cluster(ctx, records, detectors.DefaultClusterParams())
	if !errors.Is(err, embedding.ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
}
