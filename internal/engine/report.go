package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/miradorstack/loglens/internal/models"
	"github.com/miradorstack/loglens/internal/store"
)

// Report summarises the findings raised in window: grouped by kind, mined
// into endpoint hotspots and matched against the rule pack.
func (e *Engine) Report(ctx context.Context, window models.WindowPolicy) (models.Report, error) {
	findings, err := e.store.QueryFindings(ctx, store.FindingQuery{Window: window})
	if err != nil {
		return models.Report{}, fmt.Errorf("report findings: %w", err)
	}

	byKind := make(map[models.Kind][]models.Finding)
	for _, f := range findings {
		byKind[f.Kind] = append(byKind[f.Kind], f)
	}

	hotspots := e.miner.Mine(findings)
	if hotspots == nil {
		hotspots = []models.Hotspot{}
	}
	recs := e.rules.Recommend(findings)
	if recs == nil {
		recs = []string{}
	}

	report := models.Report{
		RunID:           e.newRunID(),
		GeneratedAt:     e.now(),
		Window:          window.String(),
		TotalFindings:   len(findings),
		ByKind:          byKind,
		Hotspots:        hotspots,
		Recommendations: recs,
	}
	e.logger.Info("report generated",
		slog.String("run_id", report.RunID),
		slog.Int("findings", report.TotalFindings),
		slog.Int("hotspots", len(hotspots)),
		slog.Int("recommendations", len(recs)),
	)
	return report, nil
}
