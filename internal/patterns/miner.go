package patterns

import (
	"log/slog"
	"sort"
	"time"

	"github.com/miradorstack/loglens/internal/models"
)

const dominantKinds = 3

// Miner folds findings into per-endpoint hotspots.
type Miner struct {
	logger *slog.Logger
}

// NewMiner constructs a Miner.
func NewMiner(logger *slog.Logger) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{logger: logger}
}

// Mine groups findings by the endpoint they concern. Findings without an
// endpoint or transition target are counted in the prevalence denominator only.
// Hotspots are ordered by finding count, then endpoint.
func (m *Miner) Mine(findings []models.Finding) []models.Hotspot {
	if len(findings) == 0 {
		return nil
	}

	stats := make(map[string]*endpointAggregate)
	for _, f := range findings {
		endpoint := FindingEndpoint(f)
		if endpoint == "" {
			continue
		}
		agg, ok := stats[endpoint]
		if !ok {
			agg = &endpointAggregate{kinds: make(map[models.Kind]int)}
			stats[endpoint] = agg
		}
		agg.count++
		agg.kinds[f.Kind]++
		if f.Severity.Rank() > agg.maxSeverity.Rank() {
			agg.maxSeverity = f.Severity
		}
		if f.Timestamp.After(agg.lastSeen) {
			agg.lastSeen = f.Timestamp
		}
	}

	hotspots := make([]models.Hotspot, 0, len(stats))
	for endpoint, agg := range stats {
		hotspots = append(hotspots, models.Hotspot{
			Endpoint:     endpoint,
			Findings:     agg.count,
			Prevalence:   float64(agg.count) / float64(len(findings)),
			MaxSeverity:  agg.maxSeverity,
			DominantKind: agg.topKinds(dominantKinds),
			LastSeen:     agg.lastSeen,
		})
	}

	sort.Slice(hotspots, func(i, j int) bool {
		if hotspots[i].Findings != hotspots[j].Findings {
			return hotspots[i].Findings > hotspots[j].Findings
		}
		return hotspots[i].Endpoint < hotspots[j].Endpoint
	})

	m.logger.Debug("hotspots mined", slog.Int("findings", len(findings)), slog.Int("hotspots", len(hotspots)))
	return hotspots
}

// FindingEndpoint returns the endpoint a finding refers to: the endpoint
// attribute, else the target of a transition.
func FindingEndpoint(f models.Finding) string {
	if ep, ok := f.Attr("endpoint").(string); ok && ep != "" {
		return ep
	}
	if to, ok := f.Attr("to").(string); ok {
		return to
	}
	return ""
}

type endpointAggregate struct {
	count       int
	maxSeverity models.Severity
	lastSeen    time.Time
	kinds       map[models.Kind]int
}

func (agg *endpointAggregate) topKinds(limit int) []models.Kind {
	kinds := make([]models.Kind, 0, len(agg.kinds))
	for k := range agg.kinds {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		if agg.kinds[kinds[i]] != agg.kinds[kinds[j]] {
			return agg.kinds[kinds[i]] > agg.kinds[kinds[j]]
		}
		return kinds[i] < kinds[j]
	})
	if len(kinds) > limit {
		kinds = kinds[:limit]
	}
	return kinds
}
