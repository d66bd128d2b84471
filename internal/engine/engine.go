// Package engine runs the detector families over windows fetched from the
// record store and persists what they find.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/loglens/internal/detectors"
	"github.com/miradorstack/loglens/internal/embedding"
	"github.com/miradorstack/loglens/internal/metrics"
	"github.com/miradorstack/loglens/internal/models"
	"github.com/miradorstack/loglens/internal/notify"
	"github.com/miradorstack/loglens/internal/patterns"
	"github.com/miradorstack/loglens/internal/store"
)

// ErrInvalidParameter is returned for malformed caller parameters. It is the
// same sentinel the detectors use, so errors.Is matches either.
var ErrInvalidParameter = detectors.ErrInvalidParameter

// Detector names used for metrics, spans and RunAll results.
const (
	DetectorOutlier            = "outlier"
	DetectorErrorSpike         = "error_spike"
	DetectorLoginBruteForce    = "login_bruteforce"
	DetectorIPFlood            = "ip_flood"
	DetectorRepeatedRootCause  = "repeated_root_cause"
	DetectorSuspiciousSequence = "suspicious_sequence"
	DetectorMarkovSequence     = "sequence_ml"
	DetectorSemantic           = "semantic_clustering"
	DetectorForecast           = "forecast"
)

// Windows holds the default lookback of every detector and rollup. A zero
// duration means every stored record.
type Windows struct {
	Outlier            time.Duration
	ErrorSpike         time.Duration
	Login              time.Duration
	Flood              time.Duration
	Repeat             time.Duration
	SuspiciousSequence time.Duration
	Markov             time.Duration
	Cluster            time.Duration
	Forecast           time.Duration
	Analytics          time.Duration
	TopErrors          time.Duration
}

// Config carries detector thresholds and windows.
type Config struct {
	Outlier           detectors.OutlierConfig
	Heuristics        detectors.HeuristicsConfig
	Cluster           detectors.ClusterParams
	ClusterSeed       int64
	ClusterFetchLimit int
	SequenceThreshold float64
	PredictMinutes    int
	Windows           Windows
}

// DefaultConfig returns the stock thresholds and windows.
func DefaultConfig() Config {
	return Config{
		Outlier:           detectors.DefaultOutlierConfig(),
		Heuristics:        detectors.DefaultHeuristicsConfig(),
		Cluster:           detectors.DefaultClusterParams(),
		ClusterSeed:       42,
		ClusterFetchLimit: 2000,
		SequenceThreshold: 0.05,
		PredictMinutes:    60,
		Windows: Windows{
			ErrorSpike:         5 * time.Minute,
			Login:              10 * time.Minute,
			Flood:              10 * time.Minute,
			Repeat:             time.Hour,
			SuspiciousSequence: 30 * time.Minute,
			Markov:             24 * time.Hour,
			Cluster:            24 * time.Hour,
			Forecast:           60 * time.Minute,
			Analytics:          7 * 24 * time.Hour,
			TopErrors:          48 * time.Hour,
		},
	}
}

// Option customises an Engine.
type Option func(*Engine)

// WithPublisher announces every persisted batch through p.
func WithPublisher(p notify.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithRules attaches the recommendation rule pack used by Report.
func WithRules(r *RuleEngine) Option {
	return func(e *Engine) { e.rules = r }
}

// WithClock replaces the wall clock used for windows and finding timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRunIDs replaces the run id generator.
func WithRunIDs(next func() string) Option {
	return func(e *Engine) {
		if next != nil {
			e.newRunID = next
		}
	}
}

// Engine orchestrates detectors over one store.
type Engine struct {
	cfg        Config
	store      store.Store
	outlier    *detectors.OutlierDetector
	heuristics *detectors.Heuristics
	clusterer  *detectors.Clusterer
	miner      *patterns.Miner
	rules      *RuleEngine
	publisher  notify.Publisher
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
	newRunID   func() string
}

// New validates cfg and wires the detectors to st. The embedder backs clustering only.
func New(st store.Store, embedder detectors.Embedder, cfg Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, errors.New("engine: store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	outlier, err := detectors.NewOutlierDetector(cfg.Outlier)
	if err != nil {
		return nil, fmt.Errorf("outlier detector: %w", err)
	}
	heuristics, err := detectors.NewHeuristics(cfg.Heuristics)
	if err != nil {
		return nil, fmt.Errorf("heuristics: %w", err)
	}
	if err := cfg.Cluster.Validate(); err != nil {
		return nil, fmt.Errorf("cluster params: %w", err)
	}
	if cfg.ClusterFetchLimit <= 0 {
		return nil, fmt.Errorf("%w: cluster fetch limit must be positive", ErrInvalidParameter)
	}
	if err := validateThreshold(cfg.SequenceThreshold); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		store:      st,
		outlier:    outlier,
		heuristics: heuristics,
		clusterer:  detectors.NewClusterer(embedder, cfg.ClusterSeed),
		miner:      patterns.NewMiner(logger),
		publisher:  notify.Noop{},
		logger:     logger,
		tracer:     otel.Tracer("loglens/engine"),
		now:        func() time.Time { return time.Now().UTC() },
		newRunID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Rules returns the attached rule pack, or nil.
func (e *Engine) Rules() *RuleEngine {
	return e.rules
}

// Window resolves the testing flag into a policy ending now. A non-positive d
// scans every record.
func (e *Engine) Window(testing bool, d time.Duration) models.WindowPolicy {
	if d <= 0 {
		return models.Unbounded()
	}
	return models.WindowFor(testing, e.now(), d)
}

// DetectOutliers runs the isolation ensemble and z-score over response times.
func (e *Engine) DetectOutliers(ctx context.Context, window models.WindowPolicy) ([]models.Finding, error) {
	return e.detect(ctx, e.newRunID(), DetectorOutlier, window, func(ctx context.Context, _ time.Time) ([]models.Finding, error) {
		records, err := e.fetch(ctx, store.RecordQuery{Window: window, HasResponseTime: true})
		if err != nil {
			return nil, err
		}
		return e.outlier.Detect(records), nil
	})
}

// DetectErrorSpikes runs the per-endpoint failure-rate and api_failure rules.
func (e *Engine) DetectErrorSpikes(ctx context.Context, window models.WindowPolicy) ([]models.Finding, error) {
	return e.detectRecords(ctx, e.newRunID(), DetectorErrorSpike, window, e.heuristics.ErrorSpikes)
}

// DetectLoginBruteForce counts failed logins in window.
func (e *Engine) DetectLoginBruteForce(ctx context.Context, window models.WindowPolicy) ([]models.Finding, error) {
	return e.detectRecords(ctx, e.newRunID(), DetectorLoginBruteForce, window, e.heuristics.LoginBruteForce)
}

// DetectIPFlood flags sources with at least threshold hits. Zero uses the configured threshold.
func (e *Engine) DetectIPFlood(ctx context.Context, window models.WindowPolicy, threshold int) ([]models.Finding, error) {
	return e.detectIPFlood(ctx, e.newRunID(), window, threshold)
}

func (e *Engine) detectIPFlood(ctx context.Context, runID string, window models.WindowPolicy, threshold int) ([]models.Finding, error) {
	if threshold < 0 {
		return nil, fmt.Errorf("%w: flood threshold %d", ErrInvalidParameter, threshold)
	}
	return e.detect(ctx, runID, DetectorIPFlood, window, func(ctx context.Context, now time.Time) ([]models.Finding, error) {
		records, err := e.fetch(ctx, store.RecordQuery{Window: window})
		if err != nil {
			return nil, err
		}
		return e.heuristics.IPFlood(records, threshold, now)
	})
}

// DetectRepeatedRootCauses flags messages that repeat within window.
func (e *Engine) DetectRepeatedRootCauses(ctx context.Context, window models.WindowPolicy) ([]models.Finding, error) {
	return e.detectRecords(ctx, e.newRunID(), DetectorRepeatedRootCause, window, e.heuristics.RepeatedRootCauses)
}

// DetectSuspiciousSequence flags an account deletion following a login.
func (e *Engine) DetectSuspiciousSequence(ctx context.Context, window models.WindowPolicy) ([]models.Finding, error) {
	return e.detectRecords(ctx, e.newRunID(), DetectorSuspiciousSequence, window, e.heuristics.SuspiciousSequence)
}

// Security result groups, keyed the way RunSecurityChecks reports them.
const (
	SecurityLoginBruteForce  = "login_bruteforce"
	SecuritySuspiciousIP     = "suspicious_ip"
	SecurityRootCauseRepeats = "root_cause_repeats"
	SecuritySequenceAnomaly  = "sequence_anomaly"
)

// RunSecurityChecks runs the four security rules, each over its own default
// window (or unbounded when testing), and groups the findings by rule.
func (e *Engine) RunSecurityChecks(ctx context.Context, testing bool) (map[string][]models.Finding, error) {
	runID := e.newRunID()
	w := e.cfg.Windows
	out := make(map[string][]models.Finding, 4)

	var err error
	if out[SecurityLoginBruteForce], err = e.detectRecords(ctx, runID, DetectorLoginBruteForce, e.Window(testing, w.Login), e.heuristics.LoginBruteForce); err != nil {
		return nil, err
	}
	if out[SecuritySuspiciousIP], err = e.detectIPFlood(ctx, runID, e.Window(testing, w.Flood), 0); err != nil {
		return nil, err
	}
	if out[SecurityRootCauseRepeats], err = e.detectRecords(ctx, runID, DetectorRepeatedRootCause, e.Window(testing, w.Repeat), e.heuristics.RepeatedRootCauses); err != nil {
		return nil, err
	}
	if out[SecuritySequenceAnomaly], err = e.detectRecords(ctx, runID, DetectorSuspiciousSequence, e.Window(testing, w.SuspiciousSequence), e.heuristics.SuspiciousSequence); err != nil {
		return nil, err
	}
	return out, nil
}

// ClusterMessages groups the newest messages in window by meaning. Nothing is persisted.
func (e *Engine) ClusterMessages(ctx context.Context, window models.WindowPolicy, params detectors.ClusterParams) (models.ClusterResult, error) {
	if err := params.Validate(); err != nil {
		return models.ClusterResult{}, err
	}
	var result models.ClusterResult
	err := e.observe(ctx, DetectorSemantic, window, func(ctx context.Context) (int, error) {
		var err error
		result, err = e.cluster(ctx, window, params)
		return len(result.Outliers), err
	})
	return result, err
}

// DetectSemanticOutliers clusters window and persists the noise points as
// semantic_outlier findings.
func (e *Engine) DetectSemanticOutliers(ctx context.Context, window models.WindowPolicy, params detectors.ClusterParams) (models.ClusterResult, []models.Finding, error) {
	return e.semanticOutliers(ctx, e.newRunID(), window, params)
}

func (e *Engine) semanticOutliers(ctx context.Context, runID string, window models.WindowPolicy, params detectors.ClusterParams) (models.ClusterResult, []models.Finding, error) {
	if err := params.Validate(); err != nil {
		return models.ClusterResult{}, nil, err
	}
	var result models.ClusterResult
	findings, err := e.detect(ctx, runID, DetectorSemantic, window, func(ctx context.Context, _ time.Time) ([]models.Finding, error) {
		records, err := e.clusterRecords(ctx, window)
		if err != nil {
			return nil, err
		}
		result, err = e.clusterer.Cluster(ctx, records, params)
		if err != nil {
			return nil, err
		}
		return detectors.OutlierFindings(result, records), nil
	})
	if err != nil {
		return models.ClusterResult{}, nil, err
	}
	return result, findings, nil
}

func (e *Engine) cluster(ctx context.Context, window models.WindowPolicy, params detectors.ClusterParams) (models.ClusterResult, error) {
	records, err := e.clusterRecords(ctx, window)
	if err != nil {
		return models.ClusterResult{}, err
	}
	return e.clusterer.Cluster(ctx, records, params)
}

func (e *Engine) clusterRecords(ctx context.Context, window models.WindowPolicy) ([]models.LogRecord, error) {
	return e.fetch(ctx, store.RecordQuery{
		Window:     window,
		HasMessage: true,
		Newest:     true,
		Limit:      e.cfg.ClusterFetchLimit,
	})
}

// DetectSequenceAnomalies builds the transition model from window and scores
// the very same records against it.
func (e *Engine) DetectSequenceAnomalies(ctx context.Context, window models.WindowPolicy, threshold float64) ([]models.Finding, error) {
	return e.detectSequences(ctx, e.newRunID(), window, threshold)
}

func (e *Engine) detectSequences(ctx context.Context, runID string, window models.WindowPolicy, threshold float64) ([]models.Finding, error) {
	if err := validateThreshold(threshold); err != nil {
		return nil, err
	}
	return e.detect(ctx, runID, DetectorMarkovSequence, window, func(ctx context.Context, _ time.Time) ([]models.Finding, error) {
		records, err := e.fetch(ctx, store.RecordQuery{Window: window})
		if err != nil {
			return nil, err
		}
		return detectors.DetectSequences(records, threshold)
	})
}

// ForecastErrors extrapolates the per-minute error count predictMinutes ahead.
func (e *Engine) ForecastErrors(ctx context.Context, window models.WindowPolicy, predictMinutes int) (models.ForecastResult, error) {
	if predictMinutes < 0 {
		return models.ForecastResult{}, fmt.Errorf("%w: predict minutes %d", ErrInvalidParameter, predictMinutes)
	}
	var result models.ForecastResult
	err := e.observe(ctx, DetectorForecast, window, func(ctx context.Context) (int, error) {
		records, err := e.fetch(ctx, store.RecordQuery{Window: window})
		if err != nil {
			return 0, err
		}
		result, err = detectors.Forecast(records, predictMinutes)
		return len(result.Timeline), err
	})
	return result, err
}

// RunOptions selects windows and parameters for RunAll.
type RunOptions struct {
	// Testing makes every detector scan all records.
	Testing bool
	// Window, when set, replaces every detector's default window.
	Window            *models.WindowPolicy
	FloodThreshold    int
	SequenceThreshold *float64
	Cluster           *detectors.ClusterParams
	PredictMinutes    *int
}

// RunReport is the outcome of one RunAll call. Findings are keyed by detector name.
type RunReport struct {
	RunID      string                      `json:"run_id"`
	StartedAt  time.Time                   `json:"started_at"`
	FinishedAt time.Time                   `json:"finished_at"`
	Findings   map[string][]models.Finding `json:"findings"`
	Clusters   *models.ClusterResult       `json:"clusters,omitempty"`
	Forecast   *models.ForecastResult      `json:"forecast,omitempty"`
	Errors     map[string]string           `json:"errors,omitempty"`
}

// Total returns the number of findings across detectors.
func (r RunReport) Total() int {
	n := 0
	for _, f := range r.Findings {
		n += len(f)
	}
	return n
}

// RunAll runs every detector concurrently under one run id. An unavailable
// embedding model is recorded in Errors; any other failure cancels the run.
func (e *Engine) RunAll(ctx context.Context, opts RunOptions) (RunReport, error) {
	threshold := e.cfg.SequenceThreshold
	if opts.SequenceThreshold != nil {
		threshold = *opts.SequenceThreshold
	}
	if err := validateThreshold(threshold); err != nil {
		return RunReport{}, err
	}
	params := e.cfg.Cluster
	if opts.Cluster != nil {
		params = *opts.Cluster
	}
	if err := params.Validate(); err != nil {
		return RunReport{}, err
	}
	predict := e.cfg.PredictMinutes
	if opts.PredictMinutes != nil {
		predict = *opts.PredictMinutes
	}
	if predict < 0 || opts.FloodThreshold < 0 {
		return RunReport{}, fmt.Errorf("%w: predict minutes and flood threshold must be non-negative", ErrInvalidParameter)
	}

	report := RunReport{
		RunID:     e.newRunID(),
		StartedAt: e.now(),
		Findings:  make(map[string][]models.Finding),
	}
	window := func(d time.Duration) models.WindowPolicy {
		if opts.Window != nil {
			return *opts.Window
		}
		return e.Window(opts.Testing, d)
	}
	w := e.cfg.Windows

	var mu sync.Mutex
	collect := func(name string, findings []models.Finding) {
		mu.Lock()
		report.Findings[name] = findings
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	// A panicking detector fails the run instead of the process.
	goSafe := func(fn func() error) {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("detector panicked", slog.String("run_id", report.RunID), slog.Any("panic", r))
					err = fmt.Errorf("detector panicked: %v", r)
				}
			}()
			return fn()
		})
	}
	records := func(name string, d time.Duration, rule func([]models.LogRecord, time.Time) []models.Finding) {
		goSafe(func() error {
			findings, err := e.detectRecords(gctx, report.RunID, name, window(d), rule)
			if err != nil {
				return err
			}
			collect(name, findings)
			return nil
		})
	}

	goSafe(func() error {
		win := window(w.Outlier)
		findings, err := e.detect(gctx, report.RunID, DetectorOutlier, win, func(ctx context.Context, _ time.Time) ([]models.Finding, error) {
			recs, err := e.fetch(ctx, store.RecordQuery{Window: win, HasResponseTime: true})
			if err != nil {
				return nil, err
			}
			return e.outlier.Detect(recs), nil
		})
		if err != nil {
			return err
		}
		collect(DetectorOutlier, findings)
		return nil
	})
	records(DetectorErrorSpike, w.ErrorSpike, e.heuristics.ErrorSpikes)
	records(DetectorLoginBruteForce, w.Login, e.heuristics.LoginBruteForce)
	records(DetectorRepeatedRootCause, w.Repeat, e.heuristics.RepeatedRootCauses)
	records(DetectorSuspiciousSequence, w.SuspiciousSequence, e.heuristics.SuspiciousSequence)
	goSafe(func() error {
		findings, err := e.detectIPFlood(gctx, report.RunID, window(w.Flood), opts.FloodThreshold)
		if err != nil {
			return err
		}
		collect(DetectorIPFlood, findings)
		return nil
	})
	goSafe(func() error {
		findings, err := e.detectSequences(gctx, report.RunID, window(w.Markov), threshold)
		if err != nil {
			return err
		}
		collect(DetectorMarkovSequence, findings)
		return nil
	})
	goSafe(func() error {
		result, findings, err := e.semanticOutliers(gctx, report.RunID, window(w.Cluster), params)
		if err != nil {
			if errors.Is(err, embedding.ErrModelUnavailable) {
				mu.Lock()
				if report.Errors == nil {
					report.Errors = make(map[string]string)
				}
				report.Errors[DetectorSemantic] = err.Error()
				mu.Unlock()
				return nil
			}
			return err
		}
		mu.Lock()
		report.Clusters = &result
		mu.Unlock()
		collect(DetectorSemantic, findings)
		return nil
	})
	goSafe(func() error {
		result, err := e.ForecastErrors(gctx, window(w.Forecast), predict)
		if err != nil {
			return err
		}
		mu.Lock()
		report.Forecast = &result
		mu.Unlock()
		return nil
	})

	if err := g.Wait(); err != nil {
		return RunReport{}, fmt.Errorf("run all: %w", err)
	}
	report.FinishedAt = e.now()
	e.logger.Info("run completed",
		slog.String("run_id", report.RunID),
		slog.Int("findings", report.Total()),
		slog.Int("errors", len(report.Errors)),
	)
	return report, nil
}

// ListFindings returns persisted findings, newest first.
func (e *Engine) ListFindings(ctx context.Context, q store.FindingQuery) ([]models.Finding, error) {
	q.Newest = true
	findings, err := e.store.QueryFindings(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	return findings, nil
}

func (e *Engine) detectRecords(ctx context.Context, runID, detector string, window models.WindowPolicy, rule func([]models.LogRecord, time.Time) []models.Finding) ([]models.Finding, error) {
	return e.detect(ctx, runID, detector, window, func(ctx context.Context, now time.Time) ([]models.Finding, error) {
		records, err := e.fetch(ctx, store.RecordQuery{Window: window})
		if err != nil {
			return nil, err
		}
		return rule(records, now), nil
	})
}

// detect runs fn, then persists and announces its findings as one batch.
func (e *Engine) detect(ctx context.Context, runID, detector string, window models.WindowPolicy, fn func(context.Context, time.Time) ([]models.Finding, error)) ([]models.Finding, error) {
	var findings []models.Finding
	err := e.observe(ctx, detector, window, func(ctx context.Context) (int, error) {
		found, err := fn(ctx, e.now())
		if err != nil {
			return 0, err
		}
		findings, err = e.persist(ctx, runID, found)
		return len(findings), err
	})
	if err != nil {
		return nil, err
	}
	if findings == nil {
		findings = []models.Finding{}
	}
	return findings, nil
}

func (e *Engine) observe(ctx context.Context, detector string, window models.WindowPolicy, fn func(context.Context) (int, error)) error {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "detector."+detector, trace.WithAttributes(
		attribute.String("detector", detector),
		attribute.String("window", window.String()),
	))
	defer span.End()

	n, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ObserveDetector(detector, time.Since(start), metrics.OutcomeError)
		e.logger.Error("detector failed",
			slog.String("detector", detector),
			slog.String("window", window.String()),
			slog.Any("error", err),
		)
		return fmt.Errorf("%s: %w", detector, err)
	}

	span.SetAttributes(attribute.Int("findings", n))
	metrics.ObserveDetector(detector, time.Since(start), metrics.OutcomeSuccess)
	e.logger.Debug("detector finished",
		slog.String("detector", detector),
		slog.String("window", window.String()),
		slog.Int("findings", n),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (e *Engine) persist(ctx context.Context, runID string, findings []models.Finding) ([]models.Finding, error) {
	if len(findings) == 0 {
		return findings, nil
	}
	for i := range findings {
		findings[i].RunID = runID
	}
	ids, err := e.store.AppendFindings(ctx, findings)
	if err != nil {
		return nil, fmt.Errorf("persist findings: %w", err)
	}
	for i := range findings {
		if i < len(ids) {
			findings[i].ID = ids[i]
		}
		metrics.CountFinding(string(findings[i].Kind), string(findings[i].Severity))
	}
	if err := e.publisher.PublishFindings(ctx, runID, findings); err != nil {
		metrics.IncPublishFailure()
		e.logger.Warn("publish findings failed", slog.String("run_id", runID), slog.Any("error", err))
	}
	return findings, nil
}

func (e *Engine) fetch(ctx context.Context, q store.RecordQuery) ([]models.LogRecord, error) {
	records, err := e.store.QueryRecords(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("fetch records: %w", err)
	}
	return records, nil
}

func validateThreshold(threshold float64) error {
	if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
		return fmt.Errorf("%w: sequence threshold %v outside [0,1]", ErrInvalidParameter, threshold)
	}
	return nil
}
