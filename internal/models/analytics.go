package models

import "time"

// MetricSnapshot is a derived rollup of one aggregation call.
type MetricSnapshot struct {
	ID              int64            `json:"id,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
	TotalRecords    int              `json:"total_logs"`
	ErrorCount      int              `json:"error_count"`
	ErrorRate       float64          `json:"error_rate"`
	AvgResponseTime float64          `json:"avg_response_time"`
	Severity        map[Severity]int `json:"severity"`
}

// TransitionModel maps a source endpoint to next-endpoint probabilities.
type TransitionModel map[string]map[string]float64

// Probability returns P(dst | src), or 0 when src was never observed.
func (m TransitionModel) Probability(src, dst string) float64 {
	dests, ok := m[src]
	if !ok {
		return 0
	}
	return dests[dst]
}

// Cluster describes one semantic group.
type Cluster struct {
	Count          int      `json:"count"`
	IDs            []int64  `json:"ids"`
	SampleMessages []string `json:"sample_messages"`
}

// MessageRef pairs a record id with its message text.
type MessageRef struct {
	ID      int64  `json:"id"`
	Message string `json:"message"`
}

// Clustering methods reported in ClusterMeta.
const (
	ClusterMethodNone   = "none"
	ClusterMethodDBSCAN = "dbscan"
	ClusterMethodKMeans = "kmeans"
)

// ClusterMeta records which method produced a ClusterResult.
type ClusterMeta struct {
	Method     string  `json:"method"`
	NItems     int     `json:"n_items"`
	NClusters  int     `json:"n_clusters"`
	Eps        float64 `json:"eps"`
	MinSamples int     `json:"min_samples"`
	Reason     string  `json:"reason,omitempty"`
}

// ClusterResult is returned directly by a clustering call and never persisted.
type ClusterResult struct {
	Clusters map[int]Cluster `json:"clusters"`
	Outliers []MessageRef    `json:"outliers"`
	Meta     ClusterMeta     `json:"meta"`
}

// ForecastPoint is one extrapolated minute.
type ForecastPoint struct {
	Timestamp           time.Time `json:"timestamp"`
	PredictedErrorCount float64   `json:"predicted_error_count"`
}

// ForecastResult carries the forecast timeline or the reason it could not be built.
type ForecastResult struct {
	OK       bool            `json:"ok"`
	Reason   string          `json:"reason,omitempty"`
	Model    string          `json:"model,omitempty"`
	Timeline []ForecastPoint `json:"timeline"`
}

// EndpointErrors ranks endpoints by error volume.
type EndpointErrors struct {
	Endpoint     string  `json:"endpoint"`
	ErrorCount   int     `json:"error_count"`
	ErrorPercent float64 `json:"error_percent"`
}

// KindCount ranks finding kinds by frequency.
type KindCount struct {
	Type    Kind    `json:"type"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// DowntimeIndicator flags an endpoint that only ever failed.
type DowntimeIndicator struct {
	Endpoint      string   `json:"endpoint"`
	Issues        int      `json:"issues"`
	TotalHits     int      `json:"total_hits"`
	Severity      Severity `json:"severity"`
	DowntimeScore float64  `json:"downtime_score"`
	Message       string   `json:"message"`
}

// EndpointLatency summarises response times for one endpoint.
type EndpointLatency struct {
	Endpoint string  `json:"endpoint"`
	Avg      float64 `json:"avg"`
	P95      float64 `json:"p95"`
	Count    int     `json:"count"`
}

// ErrorTrendSummary is a flat rollup of error and latency figures.
type ErrorTrendSummary struct {
	TotalRecords      int     `json:"total_logs"`
	ErrorCount        int     `json:"error_count"`
	ErrorRate         float64 `json:"error_rate"`
	AvgResponseTime   float64 `json:"avg_response_time"`
	StdevResponseTime float64 `json:"stdev_response_time"`
}
