package detectors

import (
	"testing"
	"time"

	"github.com/miradorstack/loglens/internal/models"
)

func newTestHeuristics(t *testing.T) *Heuristics {
	t.Helper()
	h, err := NewHeuristics(DefaultHeuristicsConfig())
	if err != nil {
		t.Fatalf("NewHeuristics: %v", err)
	}
	return h
}

func TestHeuristicsEmptyWindow(t *testing.T) {
	h := newTestHeuristics(t)
	if got := h.ErrorSpikes(nil, t0); len(got) != 0 {
		t.Fatalf("ErrorSpikes: expected empty, got %d", len(got))
	}
	if got := h.LoginBruteForce(nil, t0); len(got) != 0 {
		t.Fatalf("LoginBruteForce: expected empty, got %d", len(got))
	}
	got, err := h.IPFlood(nil, 0, t0)
	if err != nil || len(got) != 0 {
		t.Fatalf("IPFlood: expected empty, got %d (err=%v)", len(got), err)
	}
	if got := h.RepeatedRootCauses(nil, t0); len(got) != 0 {
		t.Fatalf("RepeatedRootCauses: expected empty, got %d", len(got))
	}
	if got := h.SuspiciousSequence(nil, t0); len(got) != 0 {
		t.Fatalf("SuspiciousSequence: expected empty, got %d", len(got))
	}
}

func TestErrorSpikeFailureRate(t *testing.T) {
	h := newTestHeuristics(t)
	records := []models.LogRecord{
		record(1, 0, "ERROR", withEndpoint("/a")),
		record(2, time.Second, "ERROR", withEndpoint("/a")),
		record(3, 2*time.Second, "INFO", withEndpoint("/a")),
	}

	findings := h.ErrorSpikes(records, t0)
	if len(findings) != 1 {
		t.Fatalf("expected one finding, got %d: %+v", len(findings), findings)
	}
	f := findings[0]
	if f.Kind != models.KindErrorSpike || f.Severity != models.SeverityHigh {
		t.Fatalf("expected high error_spike, got %s/%s", f.Severity, f.Kind)
	}
	if rate := f.Attr("failure_rate"); rate != 0.667 {
		t.Fatalf("expected failure_rate 0.667, got %v", rate)
	}
	if ep := f.Attr("endpoint"); ep != "/a" {
		t.Fatalf("expected endpoint /a, got %v", ep)
	}
}

func TestErrorSpikeMediumBand(t *testing.T) {
	h := newTestHeuristics(t)
	records := []models.LogRecord{
		record(1, 0, "ERROR", withEndpoint("/b")),
		record(2, 0, "INFO", withEndpoint("/b")),
		record(3, 0, "INFO", withEndpoint("/b")),
		record(4, 0, "WARN", withEndpoint("/b")),
		record(5, 0, "ERROR", withEndpoint("/b")),
	}
	findings := h.ErrorSpikes(records, t0)
	if len(findings) != 1 || findings[0].Severity != models.SeverityMedium {
		t.Fatalf("expected one medium finding for rate 0.4, got %+v", findings)
	}
}

func TestErrorSpikeBelowThreshold(t *testing.T) {
	h := newTestHeuristics(t)
	records := []models.LogRecord{
		record(1, 0, "ERROR", withEndpoint("/c")),
		record(2, 0, "INFO", withEndpoint("/c")),
		record(3, 0, "INFO", withEndpoint("/c")),
		record(4, 0, "INFO", withEndpoint("/c")),
	}
	if findings := h.ErrorSpikes(records, t0); len(findings) != 0 {
		t.Fatalf("rate 0.25 must not be flagged, got %+v", findings)
	}
}

func TestErrorSpikeDowntime(t *testing.T) {
	h := newTestHeuristics(t)
	records := []models.LogRecord{
		record(1, 0, "CRITICAL", withEndpoint("/pay")),
		record(2, 0, "ERROR", withEndpoint("/pay"), withStatus(503)),
		record(3, 0, "critical", withEndpoint("/pay")),
		record(4, 0, "INFO", withEndpoint("/pay")),
	}
	findings := h.ErrorSpikes(records, t0)
	var downtime []models.Finding
	for _, f := range findings {
		if f.Kind == models.KindAPIFailure {
			downtime = append(downtime, f)
		}
	}
	if len(downtime) != 1 {
		t.Fatalf("expected one api_failure finding, got %+v", findings)
	}
	if downtime[0].Severity != models.SeverityCritical {
		t.Fatalf("api_failure must be critical, got %s", downtime[0].Severity)
	}
}

func TestLoginBruteForceSeverity(t *testing.T) {
	h := newTestHeuristics(t)
	build := func(n int) []models.LogRecord {
		var out []models.LogRecord
		for i := 0; i < n; i++ {
			out = append(out, record(int64(i+1), time.Duration(i)*time.Second, "ERROR", withEndpoint("/api/login")))
		}
		out = append(out, record(99, 0, "INFO", withEndpoint("/api/login")))
		return out
	}

	few := h.LoginBruteForce(build(3), t0)
	if len(few) != 1 || few[0].Severity != models.SeverityMedium {
		t.Fatalf("expected one medium finding for 3 failures, got %+v", few)
	}
	if got := few[0].Attr("failed_attempts"); got != 3 {
		t.Fatalf("expected 3 failed attempts, got %v", got)
	}

	many := h.LoginBruteForce(build(5), t0)
	if len(many) != 1 || many[0].Severity != models.SeverityCritical {
		t.Fatalf("expected one critical finding for 5 failures, got %+v", many)
	}
}

func TestIPFloodScenario(t *testing.T) {
	h := newTestHeuristics(t)
	var records []models.LogRecord
	for i := 0; i < 35; i++ {
		records = append(records, record(int64(i+1), time.Duration(i)*time.Second, "INFO", withIP("1.2.3.4")))
	}
	for i := 0; i < 5; i++ {
		records = append(records, record(int64(100+i), 0, "INFO", withIP("5.6.7.8")))
	}

	findings, err := h.IPFlood(records, 30, t0)
	if err != nil {
		t.Fatalf("IPFlood: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected one finding, got %+v", findings)
	}
	if findings[0].Kind != models.KindIPFlood || findings[0].Severity != models.SeverityHigh {
		t.Fatalf("expected high ip_flood, got %s/%s", findings[0].Severity, findings[0].Kind)
	}
	if findings[0].Attr("ip") != "1.2.3.4" || findings[0].Attr("hit_count") != 35 {
		t.Fatalf("unexpected attributes: %+v", findings[0].Attributes)
	}
}

func TestIPFloodCriticalAndValidation(t *testing.T) {
	h := newTestHeuristics(t)
	var records []models.LogRecord
	for i := 0; i < 60; i++ {
		records = append(records, record(int64(i+1), 0, "INFO", withIP("9.9.9.9")))
	}
	findings, err := h.IPFlood(records, 0, t0)
	if err != nil {
		t.Fatalf("IPFlood: %v", err)
	}
	if len(findings) != 1 || findings[0].Severity != models.SeverityCritical {
		t.Fatalf("expected critical finding at 60 hits, got %+v", findings)
	}
	if _, err := h.IPFlood(records, -1, t0); err == nil {
		t.Fatalf("expected error for negative threshold")
	}
}

func TestRepeatedRootCauses(t *testing.T) {
	h := newTestHeuristics(t)
	var records []models.LogRecord
	id := int64(1)
	add := func(msg string, n int) {
		for i := 0; i < n; i++ {
			records = append(records, record(id, 0, "ERROR", withMessage(msg)))
			id++
		}
	}
	add("db timeout", 10)
	add("cache miss", 5)
	add("disk full", 4)

	findings := h.RepeatedRootCauses(records, t0)
	if len(findings) != 2 {
		t.Fatalf("expected two findings, got %+v", findings)
	}
	want := map[string]models.Severity{"db timeout": models.SeverityHigh, "cache miss": models.SeverityMedium}
	for _, f := range findings {
		if want[f.Message] != f.Severity {
			t.Fatalf("message %q: expected %s, got %s", f.Message, want[f.Message], f.Severity)
		}
	}
}

func TestSuspiciousSequenceFirstMatchOnly(t *testing.T) {
	h := newTestHeuristics(t)
	records := []models.LogRecord{
		record(4, 4*time.Second, "INFO", withEndpoint("/api/delete-account")),
		record(1, 0, "INFO", withEndpoint("/api/delete-account")),
		record(2, time.Second, "INFO", withEndpoint("/api/login")),
		record(3, 2*time.Second, "INFO", withEndpoint("/api/delete-account")),
	}
	findings := h.SuspiciousSequence(records, t0)
	if len(findings) != 1 {
		t.Fatalf("expected exactly one finding, got %d", len(findings))
	}
	if findings[0].LogID == nil || *findings[0].LogID != 3 {
		t.Fatalf("expected the first deletion after login (id 3), got %v", findings[0].LogID)
	}
	if findings[0].Severity != models.SeverityHigh {
		t.Fatalf("expected high severity, got %s", findings[0].Severity)
	}
}

func TestHeuristicsConfigValidate(t *testing.T) {
	cases := []func(*HeuristicsConfig){
		func(c *HeuristicsConfig) { c.FailureRateThreshold = -1 },
		func(c *HeuristicsConfig) { c.FloodThreshold = 0 },
		func(c *HeuristicsConfig) { c.RepeatHighAt = 2 },
		func(c *HeuristicsConfig) { c.LoginPath = "" },
	}
	for i, mutate := range cases {
		cfg := DefaultHeuristicsConfig()
		mutate(&cfg)
		if _, err := NewHeuristics(cfg); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
