package models

import "time"

// Hotspot aggregates findings attributed to one endpoint.
type Hotspot struct {
	Endpoint     string    `json:"endpoint"`
	Findings     int       `json:"findings"`
	Prevalence   float64   `json:"prevalence"`
	MaxSeverity  Severity  `json:"max_severity"`
	DominantKind []Kind    `json:"dominant_kinds"`
	LastSeen     time.Time `json:"last_seen"`
}

// Report summarises the findings of a window with rule-based recommendations.
type Report struct {
	RunID           string             `json:"run_id"`
	GeneratedAt     time.Time          `json:"generated_at"`
	Window          string             `json:"window"`
	TotalFindings   int                `json:"total_findings"`
	ByKind          map[Kind][]Finding `json:"by_kind"`
	Hotspots        []Hotspot          `json:"hotspots"`
	Recommendations []string           `json:"recommendations"`
}
