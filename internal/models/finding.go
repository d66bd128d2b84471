package models

import "time"

// Kind tags the detector family that produced a finding.
type Kind string

const (
	KindStatisticalOutlier Kind = "statistical_outlier"
	KindLatencySpike       Kind = "latency_spike"
	KindErrorSpike         Kind = "error_spike"
	KindAPIFailure         Kind = "api_failure"
	KindLoginBruteForce    Kind = "login_bruteforce"
	KindIPFlood            Kind = "ip_flood"
	KindRepeatedRootCause  Kind = "repeated_root_cause"
	KindSequenceAnomaly    Kind = "sequence_anomaly"
	KindSemanticOutlier    Kind = "semantic_outlier"
	KindRareTransition     Kind = "rare_transition"
	KindUnusualPattern     Kind = "unusual_pattern"
)

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists every severity in ascending order.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ParseSeverity maps a label onto a Severity, reporting false for unknown labels.
func ParseSeverity(v string) (Severity, bool) {
	for _, s := range Severities {
		if string(s) == v {
			return s, true
		}
	}
	return "", false
}

// ClassifyScore partitions a combined outlier score into a severity band:
// [0,0.3) low, [0.3,0.7) medium, [0.7,1.0) high, [1.0,inf) critical.
func ClassifyScore(score float64) Severity {
	switch {
	case score >= 1.0:
		return SeverityCritical
	case score >= 0.7:
		return SeverityHigh
	case score >= 0.3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Finding is an append-only anomaly record. Kind-specific details live in
// Attributes; numbers read back from the store are int when whole and float64
// otherwise, so a float attribute holding a whole value returns as int.
type Finding struct {
	ID         int64          `json:"id,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Kind       Kind           `json:"type"`
	Severity   Severity       `json:"severity"`
	Score      float64        `json:"score"`
	Message    string         `json:"message"`
	LogID      *int64         `json:"log_id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Attr returns the attribute value for key, or nil.
func (f Finding) Attr(key string) any {
	if f.Attributes == nil {
		return nil
	}
	return f.Attributes[key]
}

// LogIDPtr returns a pointer to id.
func LogIDPtr(id int64) *int64 {
	return &id
}
