package utils

import (
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps a bounded ring of recent durations per operation.
type LatencyTracker struct {
	mu      sync.RWMutex
	samples map[string][]time.Duration
	maxSize int
}

// LatencySummary is a percentile view over one operation's samples.
type LatencySummary struct {
	Count int           `json:"count"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	Max   time.Duration `json:"max"`
}

// NewLatencyTracker creates a tracker storing up to maxSize samples per operation.
func NewLatencyTracker(maxSize int) *LatencyTracker {
	if maxSize <= 0 {
		maxSize = 512
	}
	return &LatencyTracker{maxSize: maxSize, samples: make(map[string][]time.Duration)}
}

// Observe records a duration for op, dropping the oldest sample when full.
func (l *LatencyTracker) Observe(op string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := append(l.samples[op], d)
	if len(s) > l.maxSize {
		s = s[len(s)-l.maxSize:]
	}
	l.samples[op] = s
}

// Summary returns percentiles for op. The zero value is returned for unknown ops.
func (l *LatencyTracker) Summary(op string) LatencySummary {
	l.mu.RLock()
	sorted := append([]time.Duration(nil), l.samples[op]...)
	l.mu.RUnlock()

	if len(sorted) == 0 {
		return LatencySummary{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return LatencySummary{
		Count: len(sorted),
		P50:   nearestRank(sorted, 50),
		P95:   nearestRank(sorted, 95),
		Max:   sorted[len(sorted)-1],
	}
}

// Operations lists the tracked operation names in order.
func (l *LatencyTracker) Operations() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ops := make([]string, 0, len(l.samples))
	for op := range l.samples {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func nearestRank(sorted []time.Duration, p float64) time.Duration {
	index := int((p / 100.0) * float64(len(sorted)-1))
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
