package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/miradorstack/loglens/internal/detectors"
	"github.com/miradorstack/loglens/internal/models"
	"github.com/miradorstack/loglens/internal/store"
)

const (
	downtimeMinHits     = 5
	downtimeMinFailures = 3
	downtimeMessage     = "Possible downtime: consistent failure pattern detected"
)

// Aggregate rolls the window up into a MetricSnapshot and stores it. The
// severity histogram counts findings raised in the same window.
func (e *Engine) Aggregate(ctx context.Context, window models.WindowPolicy) (models.MetricSnapshot, error) {
	snap := models.MetricSnapshot{
		Timestamp: e.now(),
		Severity:  emptySeverityHistogram(),
	}

	records, err := e.fetch(ctx, store.RecordQuery{Window: window})
	if err != nil {
		return models.MetricSnapshot{}, err
	}
	if len(records) == 0 {
		return snap, nil
	}

	errs, rts := splitRecords(records)
	snap.TotalRecords = len(records)
	snap.ErrorCount = errs
	snap.ErrorRate = detectors.Round(float64(errs)/float64(len(records)), 4)
	snap.AvgResponseTime = detectors.Mean(rts)

	findings, err := e.store.QueryFindings(ctx, store.FindingQuery{Window: window})
	if err != nil {
		return models.MetricSnapshot{}, fmt.Errorf("aggregate findings: %w", err)
	}
	for _, f := range findings {
		sev := models.Severity(strings.ToLower(string(f.Severity)))
		if _, ok := snap.Severity[sev]; ok {
			snap.Severity[sev]++
		}
	}

	id, err := e.store.SaveSnapshot(ctx, snap)
	if err != nil {
		return models.MetricSnapshot{}, fmt.Errorf("save snapshot: %w", err)
	}
	snap.ID = id
	return snap, nil
}

// Snapshots returns the stored snapshot history, newest first.
func (e *Engine) Snapshots(ctx context.Context, limit int) ([]models.MetricSnapshot, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit %d", ErrInvalidParameter, limit)
	}
	snaps, err := e.store.Snapshots(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	return snaps, nil
}

// TopErrorEndpoints ranks endpoints by ERROR/CRITICAL volume. Ties keep first-seen order.
func (e *Engine) TopErrorEndpoints(ctx context.Context, window models.WindowPolicy, limit int) ([]models.EndpointErrors, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit %d", ErrInvalidParameter, limit)
	}
	records, err := e.fetch(ctx, store.RecordQuery{Window: window})
	if err != nil {
		return nil, err
	}

	counts := newOrderedCounter()
	for _, r := range records {
		if r.EndpointValue() != "" && r.IsError() {
			counts.inc(r.EndpointValue())
		}
	}
	out := make([]models.EndpointErrors, 0, len(counts.keys))
	for _, ep := range counts.mostCommon(limit) {
		out = append(out, models.EndpointErrors{
			Endpoint:     ep,
			ErrorCount:   counts.n[ep],
			ErrorPercent: detectors.Round(float64(counts.n[ep])/float64(counts.total), 4),
		})
	}
	return out, nil
}

// TopFindingKinds ranks finding kinds in window by frequency.
func (e *Engine) TopFindingKinds(ctx context.Context, window models.WindowPolicy, limit int) ([]models.KindCount, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit %d", ErrInvalidParameter, limit)
	}
	findings, err := e.store.QueryFindings(ctx, store.FindingQuery{Window: window})
	if err != nil {
		return nil, fmt.Errorf("top finding kinds: %w", err)
	}
	if len(findings) == 0 {
		return []models.KindCount{}, nil
	}

	counts := newOrderedCounter()
	for _, f := range findings {
		if f.Kind != "" {
			counts.inc(strings.ToLower(string(f.Kind)))
		}
	}
	out := make([]models.KindCount, 0, limit)
	for _, k := range counts.mostCommon(limit) {
		out = append(out, models.KindCount{
			Type:    models.Kind(k),
			Count:   counts.n[k],
			Percent: detectors.Round(float64(counts.n[k])/float64(len(findings)), 4),
		})
	}
	return out, nil
}

// DowntimeIndicators reports endpoints with enough traffic that never succeeded.
func (e *Engine) DowntimeIndicators(ctx context.Context, window models.WindowPolicy) ([]models.DowntimeIndicator, error) {
	records, err := e.fetch(ctx, store.RecordQuery{Window: window})
	if err != nil {
		return nil, err
	}

	type tally struct{ critical, errors, ok int }
	var order []string
	tallies := make(map[string]*tally)
	for _, r := range records {
		ep := r.EndpointValue()
		if ep == "" {
			continue
		}
		t, seen := tallies[ep]
		if !seen {
			t = &tally{}
			tallies[ep] = t
			order = append(order, ep)
		}
		switch strings.ToUpper(r.Level) {
		case models.LevelCritical:
			t.critical++
		case models.LevelError:
			t.errors++
		default:
			t.ok++
		}
	}

	out := make([]models.DowntimeIndicator, 0)
	for _, ep := range order {
		t := tallies[ep]
		hits := t.critical + t.errors + t.ok
		failures := t.critical + t.errors
		if hits < downtimeMinHits || failures < downtimeMinFailures || t.ok != 0 {
			continue
		}
		sev := models.SeverityHigh
		if t.critical >= 2 {
			sev = models.SeverityCritical
		}
		out = append(out, models.DowntimeIndicator{
			Endpoint:      ep,
			Issues:        failures,
			TotalHits:     hits,
			Severity:      sev,
			DowntimeScore: detectors.Round(float64(failures)/float64(hits), 3),
			Message:       downtimeMessage,
		})
	}
	return out, nil
}

// SlowestEndpoints ranks endpoints by mean response time, slowest first.
func (e *Engine) SlowestEndpoints(ctx context.Context, window models.WindowPolicy, limit int) ([]models.EndpointLatency, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit %d", ErrInvalidParameter, limit)
	}
	records, err := e.fetch(ctx, store.RecordQuery{Window: window, HasResponseTime: true})
	if err != nil {
		return nil, err
	}

	var order []string
	groups := make(map[string][]float64)
	for _, r := range records {
		ep := r.EndpointValue()
		if ep == "" || r.ResponseTime == nil {
			continue
		}
		if _, ok := groups[ep]; !ok {
			order = append(order, ep)
		}
		groups[ep] = append(groups[ep], *r.ResponseTime)
	}

	out := make([]models.EndpointLatency, 0, len(order))
	for _, ep := range order {
		vals := append([]float64(nil), groups[ep]...)
		sort.Float64s(vals)
		p95 := vals[int(0.95*float64(len(vals)))]
		out = append(out, models.EndpointLatency{
			Endpoint: ep,
			Avg:      detectors.Round(detectors.Mean(vals), 4),
			P95:      detectors.Round(p95, 4),
			Count:    len(vals),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Avg > out[j].Avg })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ErrorTrendSummary reports error rate and response-time spread for window.
func (e *Engine) ErrorTrendSummary(ctx context.Context, window models.WindowPolicy) (models.ErrorTrendSummary, error) {
	records, err := e.fetch(ctx, store.RecordQuery{Window: window})
	if err != nil {
		return models.ErrorTrendSummary{}, err
	}
	if len(records) == 0 {
		return models.ErrorTrendSummary{}, nil
	}

	errs, rts := splitRecords(records)
	summary := models.ErrorTrendSummary{
		TotalRecords: len(records),
		ErrorCount:   errs,
		ErrorRate:    detectors.Round(float64(errs)/float64(len(records)), 4),
	}
	if len(rts) > 0 {
		summary.AvgResponseTime = detectors.Round(detectors.Mean(rts), 4)
	}
	if len(rts) > 1 {
		summary.StdevResponseTime = detectors.Round(detectors.PStdev(rts), 4)
	}
	return summary, nil
}

func splitRecords(records []models.LogRecord) (errs int, responseTimes []float64) {
	for _, r := range records {
		if r.IsError() {
			errs++
		}
		if r.ResponseTime != nil {
			responseTimes = append(responseTimes, *r.ResponseTime)
		}
	}
	return errs, responseTimes
}

func emptySeverityHistogram() map[models.Severity]int {
	h := make(map[models.Severity]int, len(models.Severities))
	for _, s := range models.Severities {
		h[s] = 0
	}
	return h
}

// orderedCounter counts keys and ranks them by count, ties in first-seen order.
type orderedCounter struct {
	keys  []string
	n     map[string]int
	total int
}

func newOrderedCounter() *orderedCounter {
	return &orderedCounter{n: make(map[string]int)}
}

func (c *orderedCounter) inc(key string) {
	if _, ok := c.n[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.n[key]++
	c.total++
}

// mostCommon returns up to limit keys; limit 0 returns all.
func (c *orderedCounter) mostCommon(limit int) []string {
	keys := append([]string(nil), c.keys...)
	sort.SliceStable(keys, func(i, j int) bool { return c.n[keys[i]] > c.n[keys[j]] })
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}
