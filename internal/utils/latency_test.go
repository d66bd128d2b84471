package utils

import (
	"testing"
	"time"
)

func TestLatencyTrackerSummary(t *testing.T) {
	tracker := NewLatencyTracker(10)
	for _, ms := range []int{10, 20, 30, 40, 50} {
		tracker.Observe("outliers", time.Duration(ms)*time.Millisecond)
	}

	sum := tracker.Summary("outliers")
	if sum.Count != 5 {
		t.Fatalf("expected count 5, got %d", sum.Count)
	}
	if sum.P50 != 30*time.Millisecond {
		t.Fatalf("expected p50 30ms, got %v", sum.P50)
	}
	if sum.P95 < 40*time.Millisecond || sum.Max != 50*time.Millisecond {
		t.Fatalf("unexpected tail: %+v", sum)
	}
	if got := tracker.Summary("unknown"); got.Count != 0 {
		t.Fatalf("expected empty summary, got %+v", got)
	}
}

func TestLatencyTrackerBoundedSize(t *testing.T) {
	tracker := NewLatencyTracker(3)
	for i := 0; i < 10; i++ {
		tracker.Observe("op", time.Duration(i)*time.Millisecond)
	}
	sum := tracker.Summary("op")
	if sum.Count != 3 {
		t.Fatalf("expected tracker size 3, got %d", sum.Count)
	}
	if sum.Max != 9*time.Millisecond {
		t.Fatalf("expected newest samples retained, max=%v", sum.Max)
	}
}

func TestParseTimestampLayouts(t *testing.T) {
	want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, in := range []string{"2024-01-02T03:04:05Z", "2024-01-02 03:04:05", "2024-01-02T05:04:05+02:00"} {
		got, err := ParseTimestamp(in)
		if err != nil {
			t.Fatalf("ParseTimestamp(%q): %v", in, err)
		}
		if !got.Equal(want) {
			t.Fatalf("ParseTimestamp(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Fatalf("expected error for unsupported layout")
	}
}

func TestPublicMessage(t *testing.T) {
	err := NewAppError("cluster", "embedding model unavailable", nil)
	if got := PublicMessage(err, "internal error"); got != "embedding model unavailable" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := PublicMessage(nil, "internal error"); got != "internal error" {
		t.Fatalf("expected fallback, got %q", got)
	}
}
