package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LOGLENS_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "duckdb", cfg.Store.Driver)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddress)
	assert.Equal(t, 0.05, cfg.Detectors.Sequence.Threshold)
	assert.Equal(t, 2000, cfg.Detectors.Clustering.FetchLimit)
	assert.Equal(t, 0.6, cfg.Detectors.Clustering.Eps)
	assert.Equal(t, 4, cfg.Detectors.Clustering.MinSamples)
	assert.Equal(t, 30, cfg.Detectors.Heuristics.FloodThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Detectors.Heuristics.FloodWindow)
	assert.Equal(t, 120, cfg.Detectors.Outlier.Trees)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loglens.yaml")
	data := []byte(`
store:
  driver: sqlite
  dsn: /tmp/loglens.db
detectors:
  sequence:
    threshold: 0.1
  clustering:
    eps: 0.9
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv("LOGLENS_CLUSTER_MIN_SAMPLES", "6")
	t.Setenv("LOGLENS_LOG_FORMAT", "json")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 0.1, cfg.Detectors.Sequence.Threshold)
	assert.Equal(t, 0.9, cfg.Detectors.Clustering.Eps)
	assert.Equal(t, 6, cfg.Detectors.Clustering.MinSamples)
	assert.True(t, cfg.Logging.JSON)
	// untouched sections keep their defaults
	assert.Equal(t, 60, cfg.Detectors.Forecast.PredictMinutes)
}

func TestLoadRejectsNegativeThresholds(t *testing.T) {
	t.Setenv("LOGLENS_FLOOD_THRESHOLD", "-5")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heuristics")
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	t.Setenv("LOGLENS_STORE_QUERY_TIMEOUT", "soon")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "oracle"
	cfg.Cache.Backend = "valkey"
	cfg.Detectors.Sequence.Threshold = 1.5
	cfg.Detectors.Clustering.Eps = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"store.driver", "cache.addr", "sequence.threshold", "clustering"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "loglens.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Detectors, cfg.Detectors)
	assert.True(t, cfg.Rules.Watch)
}
