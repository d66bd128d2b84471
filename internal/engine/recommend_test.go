package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miradorstack/loglens/internal/models"
)

const testRules = `rules:
  - id: login
    match:
      kinds: ["login_bruteforce"]
      min_severity: critical
    recommendations: ["Lock the account", "Rate limit /api/login"]
  - id: payments
    match:
      endpoint_contains: ["pay"]
      min_severity: high
    recommendations: ["Check the payment provider", "Rate limit /api/login"]
`

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	return path
}

func TestRuleEngineRecommend(t *testing.T) {
	engine, err := NewRuleEngine(writeRules(t, testRules), slog.New(slog.NewTextHandler(os.Stdout, nil)))
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	findings := []models.Finding{
		{Kind: models.KindLoginBruteForce, Severity: models.SeverityCritical, Attributes: map[string]any{"endpoint": "/api/login"}},
		{Kind: models.KindErrorSpike, Severity: models.SeverityHigh, Attributes: map[string]any{"endpoint": "/api/pay"}},
	}
	recs := engine.Recommend(findings)
	want := []string{"Lock the account", "Rate limit /api/login", "Check the payment provider"}
	if len(recs) != len(want) {
		t.Fatalf("expected %v, got %v", want, recs)
	}
	for i := range want {
		if recs[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, recs)
		}
	}
}

func TestRuleEngineSeverityFloor(t *testing.T) {
	engine, err := NewRuleEngine(writeRules(t, testRules), nil)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}
	recs := engine.Recommend([]models.Finding{
		{Kind: models.KindLoginBruteForce, Severity: models.SeverityMedium},
		{Kind: models.KindErrorSpike, Severity: models.SeverityMedium, Attributes: map[string]any{"endpoint": "/api/pay"}},
	})
	if len(recs) != 0 {
		t.Fatalf("expected no recommendations below the severity floor, got %v", recs)
	}
}

func TestRuleEngineNoFile(t *testing.T) {
	engine, err := NewRuleEngine(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if engine == nil || len(engine.Rules()) != 0 {
		t.Fatalf("expected an empty engine when the file is missing")
	}

	var none *RuleEngine
	if none.Recommend([]models.Finding{{}}) != nil {
		t.Fatalf("nil engine should recommend nothing")
	}
}

func TestRuleEngineReloadKeepsRulesOnParseError(t *testing.T) {
	path := writeRules(t, testRules)
	engine, err := NewRuleEngine(path, nil)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}
	if err := os.WriteFile(path, []byte("rules: [this is: not yaml"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := engine.Reload(); err == nil {
		t.Fatalf("expected reload error")
	}
	if len(engine.Rules()) != 2 {
		t.Fatalf("expected previous rules kept, got %d", len(engine.Rules()))
	}
}

func TestRuleEngineRejectsUnknownSeverity(t *testing.T) {
	path := writeRules(t, "rules:\n  - id: x\n    match:\n      min_severity: urgent\n")
	if _, err := NewRuleEngine(path, nil); err == nil {
		t.Fatalf("expected error for unknown severity")
	}
}

func TestWatchRulesReloadsOnWrite(t *testing.T) {
	path := writeRules(t, testRules)
	engine, err := NewRuleEngine(path, nil)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- WatchRules(ctx, engine, nil) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("watch returned %v", err)
		}
	}()

	updated := "rules:\n  - id: only\n    recommendations: [\"Page the on-call\"]\n"
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
			t.Fatalf("rewrite: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
		if rules := engine.Rules(); len(rules) == 1 && rules[0].ID == "only" {
			return
		}
	}
	t.Fatalf("rule pack was not reloaded, rules: %+v", engine.Rules())
}

func TestReportGroupsFindings(t *testing.T) {
	st := &fakeStore{findings: []models.Finding{
		{ID: 1, Timestamp: t0, Kind: models.KindLoginBruteForce, Severity: models.SeverityCritical, Attributes: map[string]any{"endpoint": "/api/login"}},
		{ID: 2, Timestamp: t0, Kind: models.KindErrorSpike, Severity: models.SeverityHigh, Attributes: map[string]any{"endpoint": "/api/pay"}},
		{ID: 3, Timestamp: t0, Kind: models.KindErrorSpike, Severity: models.SeverityMedium, Attributes: map[string]any{"endpoint": "/api/pay"}},
	}}
	rules, err := NewRuleEngine(writeRules(t, testRules), nil)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	e := newTestEngine(st, WithRules(rules))

	report, err := e.Report(context.Background(), models.Unbounded())
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.TotalFindings != 3 || len(report.ByKind[models.KindErrorSpike]) != 2 {
		t.Fatalf("unexpected grouping %+v", report.ByKind)
	}
	if len(report.Hotspots) != 2 || report.Hotspots[0].Endpoint != "/api/pay" {
		t.Fatalf("unexpected hotspots %+v", report.Hotspots)
	}
	if len(report.Recommendations) != 3 {
		t.Fatalf("unexpected recommendations %v", report.Recommendations)
	}
	if report.RunID == "" || !report.GeneratedAt.Equal(testNow) {
		t.Fatalf("unexpected header %s %v", report.RunID, report.GeneratedAt)
	}
}

func TestShippedRulePackLoads(t *testing.T) {
	rules, err := NewRuleEngine(filepath.Join("..", "..", "configs", "rules", "default.yaml"), nil)
	if err != nil {
		t.Fatalf("load shipped rules: %v", err)
	}
	if len(rules.Rules()) == 0 {
		t.Fatalf("expected shipped rules")
	}
	recs := rules.Recommend([]models.Finding{{
		Kind:       models.KindAPIFailure,
		Severity:   models.SeverityCritical,
		Attributes: map[string]any{"endpoint": "/api/pay"},
	}})
	if len(recs) < 3 {
		t.Fatalf("expected downtime and payment recommendations, got %v", recs)
	}
}
