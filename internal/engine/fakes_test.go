package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miradorstack/loglens/internal/models"
	"github.com/miradorstack/loglens/internal/store"
)

var (
	t0      = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	testNow = t0.Add(time.Hour)
)

type fakeStore struct {
	mu          sync.Mutex
	records     []models.LogRecord
	findings    []models.Finding
	snapshots   []models.MetricSnapshot
	appendCalls int
	queryErr    error
	appendErr   error
}

func (s *fakeStore) AppendRecords(_ context.Context, records []models.LogRecord) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, len(records))
	for i, r := range records {
		r.ID = int64(len(s.records) + 1)
		s.records = append(s.records, r)
		ids[i] = r.ID
	}
	return ids, nil
}

func (s *fakeStore) QueryRecords(_ context.Context, q store.RecordQuery) ([]models.LogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	var out []models.LogRecord
	for _, r := range s.records {
		if !q.Window.Contains(r.Timestamp) {
			continue
		}
		if q.HasResponseTime && r.ResponseTime == nil {
			continue
		}
		if q.HasMessage && strings.TrimSpace(r.MessageValue()) == "" {
			continue
		}
		if q.Endpoint != "" && r.EndpointValue() != q.Endpoint {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.Newest {
			return out[i].ID > out[j].ID
		}
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *fakeStore) AppendFindings(_ context.Context, findings []models.Finding) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendCalls++
	if s.appendErr != nil {
		return nil, s.appendErr
	}
	ids := make([]int64, len(findings))
	for i, f := range findings {
		f.ID = int64(len(s.findings) + 1)
		s.findings = append(s.findings, f)
		ids[i] = f.ID
	}
	return ids, nil
}

func (s *fakeStore) QueryFindings(_ context.Context, q store.FindingQuery) ([]models.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	var out []models.Finding
	for _, f := range s.findings {
		if !q.Window.Contains(f.Timestamp) {
			continue
		}
		if q.RunID != "" && f.RunID != q.RunID {
			continue
		}
		out = append(out, f)
	}
	if q.Newest {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *fakeStore) SaveSnapshot(_ context.Context, snap models.MetricSnapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.ID = int64(len(s.snapshots) + 1)
	s.snapshots = append(s.snapshots, snap)
	return snap.ID, nil
}

func (s *fakeStore) Snapshots(_ context.Context, limit int) ([]models.MetricSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.MetricSnapshot, 0, len(s.snapshots))
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		out = append(out, s.snapshots[i])
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) DeleteRecordsBefore(context.Context, time.Time) (int64, error) { return 0, nil }
func (s *fakeStore) Ping(context.Context) error                                    { return nil }
func (s *fakeStore) Close() error                                                  { return nil }

func (s *fakeStore) add(records ...models.LogRecord) {
	_, _ = s.AppendRecords(context.Background(), records)
}

type fakePublisher struct {
	mu      sync.Mutex
	batches map[string]int
	err     error
}

func (p *fakePublisher) PublishFindings(_ context.Context, runID string, findings []models.Finding) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.batches == nil {
		p.batches = make(map[string]int)
	}
	p.batches[runID] += len(findings)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

type fakeEmbedder struct {
	vectors map[string][]float64
	err     error
	ragged  bool
	panics  bool
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	if f.panics {
		panic("embedder exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.ragged {
		out := make([][]float64, len(texts))
		for i := range texts {
			out[i] = make([]float64, i+1)
		}
		return out, nil
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v, ok := f.vectors[t]
		if !ok {
			return nil, fmt.Errorf("no vector for %q", t)
		}
		out[i] = v
	}
	return out, nil
}

type recordOpt func(*models.LogRecord)

func endpoint(ep string) recordOpt { return func(r *models.LogRecord) { r.Endpoint = models.StringPtr(ep) } }
func ip(v string) recordOpt        { return func(r *models.LogRecord) { r.IP = models.StringPtr(v) } }
func message(m string) recordOpt   { return func(r *models.LogRecord) { r.Message = models.StringPtr(m) } }
func latency(v float64) recordOpt  { return func(r *models.LogRecord) { r.ResponseTime = models.FloatPtr(v) } }

func rec(offset time.Duration, level string, opts ...recordOpt) models.LogRecord {
	r := models.LogRecord{Timestamp: t0.Add(offset), Level: level}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

func newTestEngine(st *fakeStore, opts ...Option) *Engine {
	return newTestEngineWith(st, nil, opts...)
}

func newTestEngineWith(st *fakeStore, emb *fakeEmbedder, opts ...Option) *Engine {
	runs := 0
	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithRunIDs(func() string { runs++; return fmt.Sprintf("run-%d", runs) }),
	}
	if emb == nil {
		emb = &fakeEmbedder{err: errors.New("embedder not expected")}
	}
	e, err := New(st, emb, DefaultConfig(), nil, append(base, opts...)...)
	if err != nil {
		panic(err)
	}
	return e
}
