package detectors

import (
	"fmt"
	"math"

	"github.com/miradorstack/loglens/internal/models"
)

// zThreshold is fixed; only the ensemble is tunable.
const zThreshold = 3.0

// OutlierConfig tunes the isolation ensemble.
type OutlierConfig struct {
	Trees         int
	MaxSamples    int
	Contamination float64
	Seed          int64
}

// DefaultOutlierConfig mirrors the settings the detector was calibrated with.
func DefaultOutlierConfig() OutlierConfig {
	return OutlierConfig{Trees: 120, MaxSamples: 256, Contamination: 0.03, Seed: 42}
}

// OutlierDetector flags response times that either the isolation ensemble or
// the z-score considers anomalous.
type OutlierDetector struct {
	cfg OutlierConfig
}

// NewOutlierDetector validates cfg and returns a detector.
func NewOutlierDetector(cfg OutlierConfig) (*OutlierDetector, error) {
	if cfg.Trees <= 0 || cfg.MaxSamples <= 0 {
		return nil, fmt.Errorf("%w: trees and max samples must be positive", ErrInvalidParameter)
	}
	if cfg.Contamination <= 0 || cfg.Contamination > 0.5 {
		return nil, fmt.Errorf("%w: contamination must be in (0, 0.5]", ErrInvalidParameter)
	}
	return &OutlierDetector{cfg: cfg}, nil
}

// Detect scores every record carrying a response time. Records without one are ignored.
func (d *OutlierDetector) Detect(records []models.LogRecord) []models.Finding {
	rows := make([]models.LogRecord, 0, len(records))
	values := make([]float64, 0, len(records))
	for _, r := range records {
		if r.ResponseTime == nil {
			continue
		}
		rows = append(rows, r)
		values = append(values, *r.ResponseTime)
	}
	if len(rows) == 0 {
		return nil
	}

	forest := newIsolationForest(d.cfg.Trees, d.cfg.MaxSamples, d.cfg.Seed)
	forest.fit(values)
	decisions := forest.decisionFunction(values, d.cfg.Contamination)
	zscores := ZScores(values)

	var findings []models.Finding
	for i, r := range rows {
		isoAnomaly := decisions[i] < 0
		zAnomaly := math.Abs(zscores[i]) > zThreshold
		if !isoAnomaly && !zAnomaly {
			continue
		}

		score := Round(math.Abs(zscores[i])+math.Max(0, -decisions[i]), 4)
		msg := r.MessageValue()
		if msg == "" {
			msg = fmt.Sprintf("Response time %.3fs deviates from baseline", values[i])
		}
		findings = append(findings, models.Finding{
			Timestamp: r.Timestamp,
			Kind:      outlierKind(r),
			Severity:  models.ClassifyScore(score),
			Score:     score,
			Message:   msg,
			LogID:     models.LogIDPtr(r.ID),
			Attributes: map[string]any{
				"response_time":  values[i],
				"z_score":        Round(zscores[i], 4),
				"ensemble_score": Round(decisions[i], 4),
				"endpoint":       r.EndpointValue(),
			},
		})
	}
	return findings
}

func outlierKind(r models.LogRecord) models.Kind {
	if r.ResponseTime != nil && *r.ResponseTime > 1.0 {
		return models.KindLatencySpike
	}
	if r.IsError() {
		return models.KindErrorSpike
	}
	return models.KindUnusualPattern
}
