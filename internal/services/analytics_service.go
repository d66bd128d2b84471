package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/miradorstack/loglens/internal/embedding"
	"github.com/miradorstack/loglens/internal/engine"
	"github.com/miradorstack/loglens/internal/ingest"
	"github.com/miradorstack/loglens/internal/metrics"
	"github.com/miradorstack/loglens/internal/models"
	"github.com/miradorstack/loglens/internal/store"
	"github.com/miradorstack/loglens/internal/utils"
)

const latencyLogEvery = 20

// IngestResult reports what one upload produced.
type IngestResult struct {
	Saved int          `json:"saved"`
	IDs   []int64      `json:"-"`
	Stats ingest.Stats `json:"stats"`
}

// AnalyticsService is the facade the transports call. It owns ingestion and
// tracks per-operation latency around engine calls.
type AnalyticsService struct {
	logger    *slog.Logger
	store     store.Store
	engine    *engine.Engine
	parser    *ingest.Parser
	latencies *utils.LatencyTracker
}

// NewAnalyticsService constructs the facade.
func NewAnalyticsService(logger *slog.Logger, st store.Store, eng *engine.Engine) *AnalyticsService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalyticsService{
		logger:    logger,
		store:     st,
		engine:    eng,
		parser:    ingest.NewParser(),
		latencies: utils.NewLatencyTracker(1024),
	}
}

// Engine exposes the detector engine.
func (s *AnalyticsService) Engine() *engine.Engine {
	return s.engine
}

// Ingest parses r and appends every recognised record in one batch.
func (s *AnalyticsService) Ingest(ctx context.Context, r io.Reader) (IngestResult, error) {
	var res IngestResult
	err := s.Track("ingest", func() error {
		records, stats, err := s.parser.Parse(r)
		if err != nil {
			return utils.NewAppError("ingest", "log input could not be read", err)
		}
		res.Stats = stats
		if len(records) == 0 {
			return nil
		}
		ids, err := s.store.AppendRecords(ctx, records)
		if err != nil {
			return fmt.Errorf("append records: %w", err)
		}
		res.IDs = ids
		res.Saved = len(ids)
		metrics.AddIngested(len(ids))
		return nil
	})
	if err != nil {
		return IngestResult{}, err
	}
	s.logger.Info("logs ingested",
		slog.Int("saved", res.Saved),
		slog.Int("fallback", res.Stats.Fallback),
		slog.Int("skipped", res.Stats.Skipped),
	)
	return res, nil
}

// RecentRecords returns up to limit records, most recently stored first.
func (s *AnalyticsService) RecentRecords(ctx context.Context, limit int) ([]models.LogRecord, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit %d", engine.ErrInvalidParameter, limit)
	}
	records, err := s.store.QueryRecords(ctx, store.RecordQuery{Newest: true, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("recent records: %w", err)
	}
	return records, nil
}

// Track times fn under op and logs the p95 every few samples.
func (s *AnalyticsService) Track(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	s.latencies.Observe(op, time.Since(start))
	if err != nil {
		s.logger.Warn("operation failed", slog.String("op", op), slog.Any("error", err))
		return err
	}
	if sum := s.latencies.Summary(op); sum.Count >= latencyLogEvery && sum.Count%latencyLogEvery == 0 {
		s.logger.Info("operation latency", slog.String("op", op), slog.Duration("p95", sum.P95), slog.Int("samples", sum.Count))
	}
	return nil
}

// Latencies returns a summary for every tracked operation.
func (s *AnalyticsService) Latencies() map[string]utils.LatencySummary {
	ops := s.latencies.Operations()
	sort.Strings(ops)
	out := make(map[string]utils.LatencySummary, len(ops))
	for _, op := range ops {
		out[op] = s.latencies.Summary(op)
	}
	return out
}

// Health pings the store.
func (s *AnalyticsService) Health(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("store unavailable: %w", err)
	}
	return nil
}

// Code maps an error onto the status both transports report.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, engine.ErrInvalidParameter):
		return codes.InvalidArgument
	case errors.Is(err, embedding.ErrModelUnavailable):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}
