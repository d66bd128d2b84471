package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels detector calls that completed.
	OutcomeSuccess = "success"
	// OutcomeError labels detector calls that failed on the store, sink or model.
	OutcomeError = "error"
)

var (
	detectorRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loglens",
			Name:      "detector_runs_total",
			Help:      "Total number of detector invocations, partitioned by detector and outcome.",
		},
		[]string{"detector", "outcome"},
	)

	detectorDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "loglens",
			Name:      "detector_seconds",
			Help:      "Detector latency in seconds, including the window fetch and sink write.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"detector"},
	)

	findingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loglens",
			Name:      "findings_total",
			Help:      "Findings persisted, partitioned by kind and severity.",
		},
		[]string{"kind", "severity"},
	)

	recordsIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loglens",
			Name:      "records_ingested_total",
			Help:      "Log records appended to the store.",
		},
	)

	embeddingRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loglens",
			Name:      "embedding_requests_total",
			Help:      "Message vectors served, partitioned by source (cache, model).",
		},
		[]string{"source"},
	)

	publishFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loglens",
			Name:      "publish_failures_total",
			Help:      "Finding batches that could not be published to the message bus.",
		},
	)
)

// Register attaches loglens collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		detectorRunsTotal,
		detectorDurationSeconds,
		findingsTotal,
		recordsIngestedTotal,
		embeddingRequestsTotal,
		publishFailuresTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveDetector records one detector call.
func ObserveDetector(detector string, duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	detectorRunsTotal.WithLabelValues(detector, label).Inc()
	if duration < 0 {
		duration = 0
	}
	detectorDurationSeconds.WithLabelValues(detector).Observe(duration.Seconds())
}

// CountFinding increments the per-kind, per-severity finding counter.
func CountFinding(kind, severity string) {
	findingsTotal.WithLabelValues(kind, severity).Inc()
}

// AddIngested adds n to the ingested record counter.
func AddIngested(n int) {
	if n > 0 {
		recordsIngestedTotal.Add(float64(n))
	}
}

// AddEmbeddings adds n served vectors for source.
func AddEmbeddings(source string, n int) {
	if n > 0 {
		embeddingRequestsTotal.WithLabelValues(source).Add(float64(n))
	}
}

// IncPublishFailure counts one failed publish.
func IncPublishFailure() {
	publishFailuresTotal.Inc()
}
