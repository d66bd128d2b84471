package patterns

import (
	"testing"
	"time"

	"github.com/miradorstack/loglens/internal/models"
)

func TestMinerBuildsHotspots(t *testing.T) {
	miner := NewMiner(nil)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	findings := []models.Finding{
		{Kind: models.KindErrorSpike, Severity: models.SeverityHigh, Timestamp: now, Attributes: map[string]any{"endpoint": "/api/pay"}},
		{Kind: models.KindLatencySpike, Severity: models.SeverityCritical, Timestamp: now.Add(time.Minute), Attributes: map[string]any{"endpoint": "/api/pay"}},
		{Kind: models.KindErrorSpike, Severity: models.SeverityMedium, Timestamp: now.Add(-time.Minute), Attributes: map[string]any{"endpoint": "/api/pay"}},
		{Kind: models.KindRareTransition, Severity: models.SeverityHigh, Timestamp: now, Attributes: map[string]any{"from": "/a", "to": "/api/cart"}},
		{Kind: models.KindIPFlood, Severity: models.SeverityHigh, Timestamp: now, Attributes: map[string]any{"ip": "10.0.0.1"}},
	}

	hotspots := miner.Mine(findings)
	if len(hotspots) != 2 {
		t.Fatalf("expected 2 hotspots, got %d", len(hotspots))
	}

	pay := hotspots[0]
	if pay.Endpoint != "/api/pay" || pay.Findings != 3 {
		t.Fatalf("unexpected first hotspot: %+v", pay)
	}
	if pay.MaxSeverity != models.SeverityCritical {
		t.Fatalf("expected critical max severity, got %s", pay.MaxSeverity)
	}
	if pay.Prevalence != 0.6 {
		t.Fatalf("expected prevalence 0.6, got %v", pay.Prevalence)
	}
	if !pay.LastSeen.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected last seen %v", pay.LastSeen)
	}
	if len(pay.DominantKind) != 2 || pay.DominantKind[0] != models.KindErrorSpike {
		t.Fatalf("unexpected dominant kinds %v", pay.DominantKind)
	}

	if hotspots[1].Endpoint != "/api/cart" {
		t.Fatalf("expected transition target as endpoint, got %q", hotspots[1].Endpoint)
	}
}

func TestMinerEmpty(t *testing.T) {
	if got := NewMiner(nil).Mine(nil); got != nil {
		t.Fatalf("expected nil hotspots, got %v", got)
	}
}
