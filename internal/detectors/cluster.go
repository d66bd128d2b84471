package detectors

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/miradorstack/loglens/internal/embedding"
	"github.com/miradorstack/loglens/internal/models"
)

const (
	maxSampleMessages = 5
	kmeansRestarts    = 10
)

// Embedder turns message texts into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// ClusterParams controls the density pass and the partition fallback.
type ClusterParams struct {
	Eps                 float64
	MinSamples          int
	FallbackMaxClusters int
}

// DefaultClusterParams returns the stock clustering parameters.
func DefaultClusterParams() ClusterParams {
	return ClusterParams{Eps: 0.6, MinSamples: 4, FallbackMaxClusters: 8}
}

// Validate rejects parameters DBSCAN or k-means cannot run with.
func (p ClusterParams) Validate() error {
	switch {
	case p.Eps <= 0:
		return fmt.Errorf("%w: eps must be positive, got %v", ErrInvalidParameter, p.Eps)
	case p.MinSamples < 1:
		return fmt.Errorf("%w: min_samples must be at least 1, got %d", ErrInvalidParameter, p.MinSamples)
	case p.FallbackMaxClusters < 2:
		return fmt.Errorf("%w: fallback max clusters must be at least 2, got %d", ErrInvalidParameter, p.FallbackMaxClusters)
	}
	return nil
}

// Clusterer groups log messages by meaning.
type Clusterer struct {
	embedder Embedder
	seed     int64
}

// NewClusterer returns a clusterer backed by embedder; seed drives the k-means fallback.
func NewClusterer(embedder Embedder, seed int64) *Clusterer {
	return &Clusterer{embedder: embedder, seed: seed}
}

// Cluster embeds the non-blank messages in records, runs DBSCAN on the
// standardised vectors and falls back to k-means when DBSCAN finds no cluster.
func (c *Clusterer) Cluster(ctx context.Context, records []models.LogRecord, params ClusterParams) (models.ClusterResult, error) {
	if err := params.Validate(); err != nil {
		return models.ClusterResult{}, err
	}

	ordered := append([]models.LogRecord(nil), records...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	var (
		ids      []int64
		messages []string
	)
	for _, r := range ordered {
		msg := strings.TrimSpace(r.MessageValue())
		if msg == "" {
			continue
		}
		ids = append(ids, r.ID)
		messages = append(messages, msg)
	}

	result := models.ClusterResult{
		Clusters: map[int]models.Cluster{},
		Outliers: []models.MessageRef{},
		Meta: models.ClusterMeta{
			NItems:     len(ids),
			Eps:        params.Eps,
			MinSamples: params.MinSamples,
		},
	}
	if len(ids) == 0 {
		result.Meta.Method = models.ClusterMethodNone
		result.Meta.Reason = "no_logs"
		return result, nil
	}
	if c.embedder == nil {
		return models.ClusterResult{}, fmt.Errorf("cluster messages: no embedder configured")
	}

	vectors, err := c.embedder.Embed(ctx, messages)
	if err != nil {
		return models.ClusterResult{}, fmt.Errorf("cluster messages: %w", err)
	}
	if len(vectors) != len(messages) {
		return models.ClusterResult{}, fmt.Errorf("cluster messages: embedder returned %d vectors for %d messages", len(vectors), len(messages))
	}
	if err := checkWidths(vectors); err != nil {
		return models.ClusterResult{}, fmt.Errorf("cluster messages: %w", err)
	}

	labels := dbscan(standardize(vectors), params.Eps, params.MinSamples)
	result.Meta.Method = models.ClusterMethodDBSCAN
	if !hasCluster(labels) {
		labels = kmeans(vectors, fallbackK(len(vectors), params.FallbackMaxClusters), kmeansRestarts, c.seed)
		result.Meta.Method = models.ClusterMethodKMeans
	}

	for i, label := range labels {
		if label == noiseLabel {
			result.Outliers = append(result.Outliers, models.MessageRef{ID: ids[i], Message: messages[i]})
			continue
		}
		cl := result.Clusters[label]
		cl.Count++
		cl.IDs = append(cl.IDs, ids[i])
		if len(cl.SampleMessages) < maxSampleMessages {
			cl.SampleMessages = append(cl.SampleMessages, messages[i])
		}
		result.Clusters[label] = cl
	}
	result.Meta.NClusters = len(result.Clusters)
	return result, nil
}

// OutlierFindings converts DBSCAN noise points into semantic_outlier findings.
func OutlierFindings(result models.ClusterResult, records []models.LogRecord) []models.Finding {
	if len(result.Outliers) == 0 {
		return nil
	}
	byID := make(map[int64]models.LogRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	findings := make([]models.Finding, 0, len(result.Outliers))
	for _, o := range result.Outliers {
		rec := byID[o.ID]
		findings = append(findings, models.Finding{
			Timestamp: rec.Timestamp,
			Kind:      models.KindSemanticOutlier,
			Severity:  models.SeverityLow,
			Score:     1,
			Message:   o.Message,
			LogID:     models.LogIDPtr(o.ID),
			Attributes: map[string]any{
				"endpoint": rec.EndpointValue(),
				"method":   result.Meta.Method,
			},
		})
	}
	return findings
}

// checkWidths rejects empty or ragged vectors. A model or cache serving mixed
// widths is treated as an unavailable model.
func checkWidths(vectors [][]float64) error {
	dims := len(vectors[0])
	if dims == 0 {
		return fmt.Errorf("%w: empty embedding vector", embedding.ErrModelUnavailable)
	}
	for i, v := range vectors {
		if len(v) != dims {
			return fmt.Errorf("%w: vector %d has %d dimensions, expected %d", embedding.ErrModelUnavailable, i, len(v), dims)
		}
	}
	return nil
}

func hasCluster(labels []int) bool {
	for _, l := range labels {
		if l != noiseLabel {
			return true
		}
	}
	return false
}

// fallbackK scales the partition count with the data: max(2, min(maxClusters, n/10)).
func fallbackK(n, maxClusters int) int {
	k := n / 10
	if k > maxClusters {
		k = maxClusters
	}
	if k < 2 {
		k = 2
	}
	return k
}
