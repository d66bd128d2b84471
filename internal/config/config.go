package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/loglens/internal/detectors"
)

const envPrefix = "LOGLENS_"

// Config captures every setting the engine binary reads at startup.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
	Rules     RulesConfig     `yaml:"rules"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Cache     CacheConfig     `yaml:"cache"`
	Notify    NotifyConfig    `yaml:"notify"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Detectors DetectorsConfig `yaml:"detectors"`
}

// ServerConfig controls the HTTP, gRPC and metrics listeners.
type ServerConfig struct {
	HTTPAddress     string        `yaml:"httpAddress"`
	GRPCAddress     string        `yaml:"grpcAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	MaxUploadBytes  int64         `yaml:"maxUploadBytes"`
}

// StoreConfig selects the record store dialect.
type StoreConfig struct {
	Driver        string        `yaml:"driver"`
	DSN           string        `yaml:"dsn"`
	QueryTimeout  time.Duration `yaml:"queryTimeout"`
	MaxOpenConns  int           `yaml:"maxOpenConns"`
	RetentionDays int           `yaml:"retentionDays"`
}

// LoggingConfig controls structured logging and the optional rotating file.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// RulesConfig controls rule-pack loading for the report recommender.
type RulesConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// EmbeddingConfig selects the message embedding backend.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"`
	Endpoint   string        `yaml:"endpoint"`
	Model      string        `yaml:"model"`
	APIKey     string        `yaml:"apiKey"`
	Dimensions int           `yaml:"dimensions"`
	BatchSize  int           `yaml:"batchSize"`
	Timeout    time.Duration `yaml:"timeout"`
}

// CacheConfig controls the embedding vector cache.
type CacheConfig struct {
	Backend     string        `yaml:"backend"`
	Size        int           `yaml:"size"`
	TTL         time.Duration `yaml:"ttl"`
	Addr        string        `yaml:"addr"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"keyPrefix"`
	PoolSize    int           `yaml:"poolSize"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	IOTimeout   time.Duration `yaml:"ioTimeout"`
	TLS         bool          `yaml:"tls"`
}

// NotifyConfig configures the findings publisher; an empty URL disables it.
type NotifyConfig struct {
	NATSURL string `yaml:"natsURL"`
	Subject string `yaml:"subject"`
}

// TracingConfig configures OTLP span export; an empty endpoint disables it.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"serviceName"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

// DetectorsConfig groups the tunables of every detector family.
type DetectorsConfig struct {
	Outlier    OutlierConfig    `yaml:"outlier"`
	Heuristics HeuristicsConfig `yaml:"heuristics"`
	Clustering ClusteringConfig `yaml:"clustering"`
	Sequence   SequenceConfig   `yaml:"sequence"`
	Forecast   ForecastConfig   `yaml:"forecast"`
}

// OutlierConfig tunes the isolation forest.
type OutlierConfig struct {
	Trees         int     `yaml:"trees"`
	MaxSamples    int     `yaml:"maxSamples"`
	Contamination float64 `yaml:"contamination"`
	Seed          int64   `yaml:"seed"`
}

// HeuristicsConfig carries rule thresholds and their default windows.
type HeuristicsConfig struct {
	FailureRateThreshold float64       `yaml:"failureRateThreshold"`
	FailureRateHigh      float64       `yaml:"failureRateHigh"`
	DowntimeMinFailures  int           `yaml:"downtimeMinFailures"`
	LoginPath            string        `yaml:"loginPath"`
	LoginCriticalAt      int           `yaml:"loginCriticalAt"`
	FloodThreshold       int           `yaml:"floodThreshold"`
	FloodCriticalAt      int           `yaml:"floodCriticalAt"`
	RepeatMediumAt       int           `yaml:"repeatMediumAt"`
	RepeatHighAt         int           `yaml:"repeatHighAt"`
	DeleteAccountPath    string        `yaml:"deleteAccountPath"`
	ErrorSpikeWindow     time.Duration `yaml:"errorSpikeWindow"`
	LoginWindow          time.Duration `yaml:"loginWindow"`
	FloodWindow          time.Duration `yaml:"floodWindow"`
	RepeatWindow         time.Duration `yaml:"repeatWindow"`
	SequenceWindow       time.Duration `yaml:"sequenceWindow"`
}

// ClusteringConfig tunes DBSCAN, the k-means fallback and the fetch cap.
type ClusteringConfig struct {
	Eps                 float64       `yaml:"eps"`
	MinSamples          int           `yaml:"minSamples"`
	FallbackMaxClusters int           `yaml:"fallbackMaxClusters"`
	FetchLimit          int           `yaml:"fetchLimit"`
	Seed                int64         `yaml:"seed"`
	Window              time.Duration `yaml:"window"`
}

// SequenceConfig tunes the Markov detector.
type SequenceConfig struct {
	Threshold float64       `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
}

// ForecastConfig tunes the trend forecaster.
type ForecastConfig struct {
	MinutesBack    int `yaml:"minutesBack"`
	PredictMinutes int `yaml:"predictMinutes"`
}

// Load initialises Config from a YAML file and environment overrides, then validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	h := detectors.DefaultHeuristicsConfig()
	o := detectors.DefaultOutlierConfig()
	c := detectors.DefaultClusterParams()
	return Config{
		Server: ServerConfig{
			HTTPAddress:     ":8080",
			GRPCAddress:     ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
			MaxUploadBytes:  32 << 20,
		},
		Store: StoreConfig{
			Driver:        "duckdb",
			QueryTimeout:  30 * time.Second,
			RetentionDays: 30,
		},
		Logging: LoggingConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28},
		Rules:   RulesConfig{Path: "configs/rules/default.yaml"},
		Embedding: EmbeddingConfig{
			Provider:   "hashing",
			Dimensions: 384,
			BatchSize:  64,
			Timeout:    10 * time.Second,
		},
		Cache: CacheConfig{
			Backend:     "memory",
			Size:        8192,
			TTL:         24 * time.Hour,
			KeyPrefix:   "loglens:",
			PoolSize:    4,
			DialTimeout: 2 * time.Second,
			IOTimeout:   500 * time.Millisecond,
		},
		Notify:  NotifyConfig{Subject: "loglens.findings"},
		Tracing: TracingConfig{ServiceName: "loglens-engine", SampleRatio: 1, Insecure: true},
		Detectors: DetectorsConfig{
			Outlier: OutlierConfig{
				Trees:         o.Trees,
				MaxSamples:    o.MaxSamples,
				Contamination: o.Contamination,
				Seed:          o.Seed,
			},
			Heuristics: HeuristicsConfig{
				FailureRateThreshold: h.FailureRateThreshold,
				FailureRateHigh:      h.FailureRateHigh,
				DowntimeMinFailures:  h.DowntimeMinFailures,
				LoginPath:            h.LoginPath,
				LoginCriticalAt:      h.LoginCriticalAt,
				FloodThreshold:       h.FloodThreshold,
				FloodCriticalAt:      h.FloodCriticalAt,
				RepeatMediumAt:       h.RepeatMediumAt,
				RepeatHighAt:         h.RepeatHighAt,
				DeleteAccountPath:    h.DeleteAccountPath,
				ErrorSpikeWindow:     5 * time.Minute,
				LoginWindow:          10 * time.Minute,
				FloodWindow:          10 * time.Minute,
				RepeatWindow:         time.Hour,
				SequenceWindow:       30 * time.Minute,
			},
			Clustering: ClusteringConfig{
				Eps:                 c.Eps,
				MinSamples:          c.MinSamples,
				FallbackMaxClusters: c.FallbackMaxClusters,
				FetchLimit:          2000,
				Seed:                42,
				Window:              24 * time.Hour,
			},
			Sequence: SequenceConfig{Threshold: 0.05, Window: 24 * time.Hour},
			Forecast: ForecastConfig{MinutesBack: 60, PredictMinutes: 60},
		},
	}
}

// Validate rejects negative thresholds and unknown backends before anything starts.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Store.Driver) {
	case "duckdb", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of duckdb, sqlite, postgres", c.Store.Driver))
	}
	switch strings.ToLower(c.Cache.Backend) {
	case "", "none", "memory":
	case "valkey":
		if c.Cache.Addr == "" {
			errs = append(errs, errors.New("cache.addr is required for the valkey backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q is not one of none, memory, valkey", c.Cache.Backend))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.maxUploadBytes must be positive"))
	}

	d := c.Detectors
	if err := d.HeuristicsRules().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("detectors.heuristics: %w", err))
	}
	if err := d.ClusterParams().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("detectors.clustering: %w", err))
	}
	if d.Clustering.FetchLimit < 1 {
		errs = append(errs, errors.New("detectors.clustering.fetchLimit must be at least 1"))
	}
	if d.Outlier.Trees < 1 || d.Outlier.MaxSamples < 2 || d.Outlier.Contamination <= 0 || d.Outlier.Contamination > 0.5 {
		errs = append(errs, errors.New("detectors.outlier: trees >= 1, maxSamples >= 2 and 0 < contamination <= 0.5 required"))
	}
	if d.Sequence.Threshold < 0 || d.Sequence.Threshold > 1 {
		errs = append(errs, fmt.Errorf("detectors.sequence.threshold %v outside [0,1]", d.Sequence.Threshold))
	}
	if d.Forecast.MinutesBack < 0 || d.Forecast.PredictMinutes < 0 {
		errs = append(errs, errors.New("detectors.forecast minutes must be non-negative"))
	}
	for name, w := range map[string]time.Duration{
		"heuristics.errorSpikeWindow": d.Heuristics.ErrorSpikeWindow,
		"heuristics.loginWindow":      d.Heuristics.LoginWindow,
		"heuristics.floodWindow":      d.Heuristics.FloodWindow,
		"heuristics.repeatWindow":     d.Heuristics.RepeatWindow,
		"heuristics.sequenceWindow":   d.Heuristics.SequenceWindow,
		"clustering.window":           d.Clustering.Window,
		"sequence.window":             d.Sequence.Window,
	} {
		if w < 0 {
			errs = append(errs, fmt.Errorf("detectors.%s must not be negative", name))
		}
	}
	return errors.Join(errs...)
}

// HeuristicsRules converts the yaml section into detector thresholds.
func (d DetectorsConfig) HeuristicsRules() detectors.HeuristicsConfig {
	h := d.Heuristics
	return detectors.HeuristicsConfig{
		FailureRateThreshold: h.FailureRateThreshold,
		FailureRateHigh:      h.FailureRateHigh,
		DowntimeMinFailures:  h.DowntimeMinFailures,
		LoginPath:            h.LoginPath,
		LoginCriticalAt:      h.LoginCriticalAt,
		FloodThreshold:       h.FloodThreshold,
		FloodCriticalAt:      h.FloodCriticalAt,
		RepeatMediumAt:       h.RepeatMediumAt,
		RepeatHighAt:         h.RepeatHighAt,
		DeleteAccountPath:    h.DeleteAccountPath,
	}
}

// OutlierModel converts the yaml section into isolation forest settings.
func (d DetectorsConfig) OutlierModel() detectors.OutlierConfig {
	return detectors.OutlierConfig{
		Trees:         d.Outlier.Trees,
		MaxSamples:    d.Outlier.MaxSamples,
		Contamination: d.Outlier.Contamination,
		Seed:          d.Outlier.Seed,
	}
}

// ClusterParams converts the yaml section into clustering parameters.
func (d DetectorsConfig) ClusterParams() detectors.ClusterParams {
	return detectors.ClusterParams{
		Eps:                 d.Clustering.Eps,
		MinSamples:          d.Clustering.MinSamples,
		FallbackMaxClusters: d.Clustering.FallbackMaxClusters,
	}
}

func applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(envPrefix + key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(envPrefix + key); v != "" {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(envPrefix + key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(envPrefix + key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(envPrefix + key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("HTTP_ADDRESS", &cfg.Server.HTTPAddress)
	str("GRPC_ADDRESS", &cfg.Server.GRPCAddress)
	str("METRICS_ADDRESS", &cfg.Server.MetricsAddress)

	str("STORE_DRIVER", &cfg.Store.Driver)
	str("STORE_DSN", &cfg.Store.DSN)
	duration("STORE_QUERY_TIMEOUT", &cfg.Store.QueryTimeout)
	integer("STORE_RETENTION_DAYS", &cfg.Store.RetentionDays)

	str("LOG_LEVEL", &cfg.Logging.Level)
	if v := os.Getenv(envPrefix + "LOG_FORMAT"); v != "" {
		cfg.Logging.JSON = strings.EqualFold(v, "json")
	}
	str("LOG_FILE", &cfg.Logging.File)

	str("RULES_PATH", &cfg.Rules.Path)
	boolean("RULES_WATCH", &cfg.Rules.Watch)

	str("EMBEDDING_PROVIDER", &cfg.Embedding.Provider)
	str("EMBEDDING_ENDPOINT", &cfg.Embedding.Endpoint)
	str("EMBEDDING_MODEL", &cfg.Embedding.Model)
	str("EMBEDDING_API_KEY", &cfg.Embedding.APIKey)
	duration("EMBEDDING_TIMEOUT", &cfg.Embedding.Timeout)

	str("CACHE_BACKEND", &cfg.Cache.Backend)
	str("CACHE_ADDR", &cfg.Cache.Addr)
	str("CACHE_USERNAME", &cfg.Cache.Username)
	str("CACHE_PASSWORD", &cfg.Cache.Password)
	integer("CACHE_DB", &cfg.Cache.DB)
	boolean("CACHE_TLS", &cfg.Cache.TLS)
	duration("CACHE_TTL", &cfg.Cache.TTL)

	str("NATS_URL", &cfg.Notify.NATSURL)
	str("NATS_SUBJECT", &cfg.Notify.Subject)

	str("OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
	float("TRACE_SAMPLE_RATIO", &cfg.Tracing.SampleRatio)

	float("SEQUENCE_THRESHOLD", &cfg.Detectors.Sequence.Threshold)
	integer("FLOOD_THRESHOLD", &cfg.Detectors.Heuristics.FloodThreshold)
	float("CLUSTER_EPS", &cfg.Detectors.Clustering.Eps)
	integer("CLUSTER_MIN_SAMPLES", &cfg.Detectors.Clustering.MinSamples)

	return errors.Join(errs...)
}
