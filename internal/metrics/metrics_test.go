package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register must tolerate duplicates: %v", err)
	}
}

func TestObserveDetectorNormalisesOutcome(t *testing.T) {
	before := testutil.ToFloat64(detectorRunsTotal.WithLabelValues("forecast", OutcomeSuccess))
	ObserveDetector("forecast", -time.Second, "weird")
	after := testutil.ToFloat64(detectorRunsTotal.WithLabelValues("forecast", OutcomeSuccess))
	if after != before+1 {
		t.Fatalf("expected unknown outcome counted as success, delta=%v", after-before)
	}
}

func TestAddIngestedIgnoresNonPositive(t *testing.T) {
	before := testutil.ToFloat64(recordsIngestedTotal)
	AddIngested(0)
	AddIngested(-3)
	AddIngested(4)
	if got := testutil.ToFloat64(recordsIngestedTotal) - before; got != 4 {
		t.Fatalf("expected +4, got %v", got)
	}
}
