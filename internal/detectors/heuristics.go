package detectors

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/loglens/internal/models"
)

// HeuristicsConfig holds the rule thresholds. Defaults come from DefaultHeuristicsConfig.
type HeuristicsConfig struct {
	FailureRateThreshold float64
	FailureRateHigh      float64
	DowntimeMinFailures  int
	LoginPath            string
	LoginCriticalAt      int
	FloodThreshold       int
	FloodCriticalAt      int
	RepeatMediumAt       int
	RepeatHighAt         int
	DeleteAccountPath    string
}

// DefaultHeuristicsConfig returns the stock rule thresholds.
func DefaultHeuristicsConfig() HeuristicsConfig {
	return HeuristicsConfig{
		FailureRateThreshold: 0.3,
		FailureRateHigh:      0.5,
		DowntimeMinFailures:  3,
		LoginPath:            "/api/login",
		LoginCriticalAt:      5,
		FloodThreshold:       30,
		FloodCriticalAt:      60,
		RepeatMediumAt:       5,
		RepeatHighAt:         10,
		DeleteAccountPath:    "/api/delete-account",
	}
}

// Validate rejects negative or inverted thresholds.
func (c HeuristicsConfig) Validate() error {
	switch {
	case c.FailureRateThreshold < 0 || c.FailureRateHigh < 0:
		return fmt.Errorf("%w: failure rate thresholds must be non-negative", ErrInvalidParameter)
	case c.DowntimeMinFailures < 1:
		return fmt.Errorf("%w: downtime min failures must be at least 1", ErrInvalidParameter)
	case c.LoginCriticalAt < 1:
		return fmt.Errorf("%w: login critical threshold must be at least 1", ErrInvalidParameter)
	case c.FloodThreshold < 1 || c.FloodCriticalAt < c.FloodThreshold:
		return fmt.Errorf("%w: flood thresholds must satisfy 1 <= threshold <= critical", ErrInvalidParameter)
	case c.RepeatMediumAt < 1 || c.RepeatHighAt < c.RepeatMediumAt:
		return fmt.Errorf("%w: repeat thresholds must satisfy 1 <= medium <= high", ErrInvalidParameter)
	case c.LoginPath == "" || c.DeleteAccountPath == "":
		return fmt.Errorf("%w: login and delete-account paths are required", ErrInvalidParameter)
	}
	return nil
}

// Heuristics implements the rate and pattern rules. Each rule is a pure function
// of an already-windowed record slice.
type Heuristics struct {
	cfg HeuristicsConfig
}

// NewHeuristics validates cfg and returns the rule set.
func NewHeuristics(cfg HeuristicsConfig) (*Heuristics, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Heuristics{cfg: cfg}, nil
}

// Config exposes the active thresholds.
func (h *Heuristics) Config() HeuristicsConfig {
	return h.cfg
}

type endpointStats struct {
	total    int
	errors   int
	critical int
}

// ErrorSpikes flags endpoints whose failure rate exceeds the threshold, plus an
// api_failure finding when an endpoint keeps returning CRITICAL or 5xx errors.
func (h *Heuristics) ErrorSpikes(records []models.LogRecord, now time.Time) []models.Finding {
	stats := make(map[string]*endpointStats)
	for _, r := range records {
		ep := r.EndpointValue()
		if ep == "" {
			continue
		}
		st, ok := stats[ep]
		if !ok {
			st = &endpointStats{}
			stats[ep] = st
		}
		st.total++
		if !r.IsError() {
			continue
		}
		st.errors++
		if isServerFailure(r) {
			st.critical++
		}
	}

	var findings []models.Finding
	for _, ep := range sortedKeys(stats) {
		st := stats[ep]
		if st.errors == 0 {
			continue
		}
		rate := float64(st.errors) / float64(st.total)
		if rate > h.cfg.FailureRateThreshold {
			sev := models.SeverityMedium
			if rate > h.cfg.FailureRateHigh {
				sev = models.SeverityHigh
			}
			findings = append(findings, models.Finding{
				Timestamp: now,
				Kind:      models.KindErrorSpike,
				Severity:  sev,
				Score:     Round(rate, 3),
				Message:   fmt.Sprintf("Error rate %.1f%% on %s", rate*100, ep),
				Attributes: map[string]any{
					"endpoint":     ep,
					"error_count":  st.errors,
					"total_count":  st.total,
					"failure_rate": Round(rate, 3),
				},
			})
		}
		if st.critical >= h.cfg.DowntimeMinFailures {
			findings = append(findings, models.Finding{
				Timestamp: now,
				Kind:      models.KindAPIFailure,
				Severity:  models.SeverityCritical,
				Score:     float64(st.critical),
				Message:   "Multiple server failures detected (possible downtime)",
				Attributes: map[string]any{
					"endpoint":          ep,
					"critical_failures": st.critical,
				},
			})
		}
	}
	return findings
}

// isServerFailure matches CRITICAL levels, 5xx-coded levels and 5xx statuses.
func isServerFailure(r models.LogRecord) bool {
	if r.IsCritical() || strings.HasPrefix(r.Level, "5") {
		return true
	}
	return r.Status != nil && *r.Status >= 500 && *r.Status <= 599
}

// LoginBruteForce counts failed attempts against the login endpoint. It emits at
// most one finding.
func (h *Heuristics) LoginBruteForce(records []models.LogRecord, now time.Time) []models.Finding {
	count := 0
	for _, r := range records {
		if r.EndpointValue() == h.cfg.LoginPath && r.IsError() {
			count++
		}
	}
	if count == 0 {
		return nil
	}
	sev := models.SeverityMedium
	if count >= h.cfg.LoginCriticalAt {
		sev = models.SeverityCritical
	}
	return []models.Finding{{
		Timestamp: now,
		Kind:      models.KindLoginBruteForce,
		Severity:  sev,
		Score:     float64(count),
		Message:   "Suspicious number of failed login attempts detected",
		Attributes: map[string]any{
			"endpoint":        h.cfg.LoginPath,
			"failed_attempts": count,
		},
	}}
}

// IPFlood flags source identifiers at or above threshold hits. A threshold of
// zero falls back to the configured value.
func (h *Heuristics) IPFlood(records []models.LogRecord, threshold int, now time.Time) ([]models.Finding, error) {
	if threshold < 0 {
		return nil, fmt.Errorf("%w: flood threshold %d", ErrInvalidParameter, threshold)
	}
	if threshold == 0 {
		threshold = h.cfg.FloodThreshold
	}
	counts := make(map[string]int)
	for _, r := range records {
		if ip := r.IPValue(); ip != "" {
			counts[ip]++
		}
	}

	var findings []models.Finding
	for _, ip := range sortedKeys(counts) {
		count := counts[ip]
		if count < threshold {
			continue
		}
		sev := models.SeverityHigh
		if count >= h.cfg.FloodCriticalAt {
			sev = models.SeverityCritical
		}
		findings = append(findings, models.Finding{
			Timestamp: now,
			Kind:      models.KindIPFlood,
			Severity:  sev,
			Score:     float64(count),
			Message:   fmt.Sprintf("IP %s is generating unusually high traffic", ip),
			Attributes: map[string]any{
				"ip":        ip,
				"hit_count": count,
			},
		})
	}
	return findings, nil
}

// RepeatedRootCauses flags message texts that repeat often enough to suggest a
// single underlying cause.
func (h *Heuristics) RepeatedRootCauses(records []models.LogRecord, now time.Time) []models.Finding {
	counts := make(map[string]int)
	for _, r := range records {
		if msg := r.MessageValue(); msg != "" {
			counts[msg]++
		}
	}

	var findings []models.Finding
	for _, msg := range sortedKeys(counts) {
		count := counts[msg]
		if count < h.cfg.RepeatMediumAt {
			continue
		}
		sev := models.SeverityMedium
		if count >= h.cfg.RepeatHighAt {
			sev = models.SeverityHigh
		}
		findings = append(findings, models.Finding{
			Timestamp: now,
			Kind:      models.KindRepeatedRootCause,
			Severity:  sev,
			Score:     float64(count),
			Message:   msg,
			Attributes: map[string]any{
				"occurrences": count,
			},
		})
	}
	return findings
}

// SuspiciousSequence looks for an account deletion following a login in the
// timestamp-ordered scan. Only the first match is reported.
func (h *Heuristics) SuspiciousSequence(records []models.LogRecord, now time.Time) []models.Finding {
	ordered := sortByTime(records)
	sawLogin := false
	for _, r := range ordered {
		ep := r.EndpointValue()
		if sawLogin && ep == h.cfg.DeleteAccountPath {
			return []models.Finding{{
				Timestamp: now,
				Kind:      models.KindSequenceAnomaly,
				Severity:  models.SeverityHigh,
				Score:     1,
				Message:   "Delete account triggered immediately after login. Suspicious sequence.",
				LogID:     models.LogIDPtr(r.ID),
				Attributes: map[string]any{
					"from": h.cfg.LoginPath,
					"to":   h.cfg.DeleteAccountPath,
					"ip":   r.IPValue(),
				},
			}}
		}
		if ep == h.cfg.LoginPath {
			sawLogin = true
		}
	}
	return nil
}

// sortByTime returns a copy ordered by timestamp, then id.
func sortByTime(records []models.LogRecord) []models.LogRecord {
	out := append([]models.LogRecord(nil), records...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
