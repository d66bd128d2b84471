package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/miradorstack/loglens/internal/cache"
	"github.com/miradorstack/loglens/internal/config"
	"github.com/miradorstack/loglens/internal/embedding"
	"github.com/miradorstack/loglens/internal/engine"
	"github.com/miradorstack/loglens/internal/notify"
	"github.com/miradorstack/loglens/internal/services"
	"github.com/miradorstack/loglens/internal/store"
	"github.com/miradorstack/loglens/internal/utils"
)

// runtime holds the wired components of one process and closes them in reverse order.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.SQLStore
	rules   *engine.RuleEngine
	engine  *engine.Engine
	service *services.AnalyticsService
	closers []io.Closer
}

func loadConfig(path string) (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	file := utils.RotatingFile(utils.FileSinkConfig{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	var sink io.Writer
	if file != nil {
		sink = file
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON, sink)
	slog.SetDefault(logger)
	return cfg, logger, file, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.SQLStore, error) {
	return store.Open(ctx, store.Config{
		Driver:       cfg.Store.Driver,
		DSN:          cfg.Store.DSN,
		QueryTimeout: cfg.Store.QueryTimeout,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.store = st
	rt.closers = append(rt.closers, st)

	vectors, err := newCacheProvider(ctx, cfg.Cache, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, vectors)

	embedder := embedding.New(embedding.Config{
		Provider:   cfg.Embedding.Provider,
		Endpoint:   cfg.Embedding.Endpoint,
		Model:      cfg.Embedding.Model,
		APIKey:     cfg.Embedding.APIKey,
		Dimensions: cfg.Embedding.Dimensions,
		BatchSize:  cfg.Embedding.BatchSize,
		Timeout:    cfg.Embedding.Timeout,
		CacheTTL:   cfg.Cache.TTL,
	}, vectors, logger)

	var publisher notify.Publisher = notify.Noop{}
	if cfg.Notify.NATSURL != "" {
		nats, err := notify.NewNATSPublisher(cfg.Notify.NATSURL, cfg.Notify.Subject, logger)
		if err != nil {
			logger.Warn("findings publisher unavailable", slog.Any("error", err))
		} else {
			publisher = nats
			rt.closers = append(rt.closers, nats)
		}
	}

	rules, err := engine.NewRuleEngine(cfg.Rules.Path, logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("load rule pack: %w", err)
	}
	rt.rules = rules

	eng, err := engine.New(st, embedder, engineConfig(cfg), logger,
		engine.WithPublisher(publisher),
		engine.WithRules(rules),
	)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("build engine: %w", err)
	}
	rt.engine = eng
	rt.service = services.NewAnalyticsService(logger, st, eng)
	return rt, nil
}

func engineConfig(cfg *config.Config) engine.Config {
	d := cfg.Detectors
	ec := engine.DefaultConfig()
	ec.Outlier = d.OutlierModel()
	ec.Heuristics = d.HeuristicsRules()
	ec.Cluster = d.ClusterParams()
	ec.ClusterSeed = d.Clustering.Seed
	ec.ClusterFetchLimit = d.Clustering.FetchLimit
	ec.SequenceThreshold = d.Sequence.Threshold
	ec.PredictMinutes = d.Forecast.PredictMinutes

	ec.Windows.ErrorSpike = d.Heuristics.ErrorSpikeWindow
	ec.Windows.Login = d.Heuristics.LoginWindow
	ec.Windows.Flood = d.Heuristics.FloodWindow
	ec.Windows.Repeat = d.Heuristics.RepeatWindow
	ec.Windows.SuspiciousSequence = d.Heuristics.SequenceWindow
	ec.Windows.Markov = d.Sequence.Window
	ec.Windows.Cluster = d.Clustering.Window
	ec.Windows.Forecast = time.Duration(d.Forecast.MinutesBack) * time.Minute
	return ec
}

func newCacheProvider(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (cache.Provider, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		return cache.NoopProvider{}, nil
	case "memory":
		return cache.NewMemoryProvider(cfg.Size)
	case "valkey":
		provider, err := cache.NewValkeyProvider(ctx, cache.ValkeyConfig{
			Addr:        cfg.Addr,
			Username:    cfg.Username,
			Password:    cfg.Password,
			DB:          cfg.DB,
			KeyPrefix:   cfg.KeyPrefix,
			PoolSize:    cfg.PoolSize,
			DialTimeout: cfg.DialTimeout,
			IOTimeout:   cfg.IOTimeout,
			TLS:         cfg.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable, vectors will not be cached", slog.Any("error", err))
			return cache.NoopProvider{}, nil
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Close releases every component, newest first.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
