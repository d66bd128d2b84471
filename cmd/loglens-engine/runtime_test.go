package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/loglens/internal/cache"
	"github.com/miradorstack/loglens/internal/config"
)

func TestEngineConfigCarriesWindows(t *testing.T) {
	cfg := config.Default()
	cfg.Detectors.Heuristics.LoginWindow = 15 * time.Minute
	cfg.Detectors.Forecast.MinutesBack = 90
	cfg.Detectors.Sequence.Threshold = 0.1

	ec := engineConfig(&cfg)
	if ec.Windows.Login != 15*time.Minute {
		t.Fatalf("login window = %v", ec.Windows.Login)
	}
	if ec.Windows.Forecast != 90*time.Minute {
		t.Fatalf("forecast window = %v", ec.Windows.Forecast)
	}
	if ec.SequenceThreshold != 0.1 || ec.ClusterFetchLimit != 2000 {
		t.Fatalf("unexpected engine config %+v", ec)
	}
	if ec.Windows.Analytics != 7*24*time.Hour {
		t.Fatalf("analytics window = %v", ec.Windows.Analytics)
	}
}

func TestNewCacheProvider(t *testing.T) {
	ctx := context.Background()

	p, err := newCacheProvider(ctx, config.CacheConfig{Backend: "none"}, nil)
	if err != nil {
		t.Fatalf("none: %v", err)
	}
	if _, ok := p.(cache.NoopProvider); !ok {
		t.Fatalf("expected noop provider, got %T", p)
	}

	p, err = newCacheProvider(ctx, config.CacheConfig{Backend: "memory", Size: 16}, nil)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := p.(*cache.MemoryProvider); !ok {
		t.Fatalf("expected memory provider, got %T", p)
	}

	if _, err := newCacheProvider(ctx, config.CacheConfig{Backend: "bogus"}, nil); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestIngestAndMigrateCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "loglens.yaml")
	dbPath := filepath.Join(dir, "loglens.db")
	yaml := "store:\n  driver: sqlite\n  dsn: " + dbPath + "\ncache:\n  backend: none\nrules:\n  path: \"\"\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	logPath := filepath.Join(dir, "app.log")
	logs := "2024-01-01T00:00:05Z ERROR /api/pay 503 1.250 10.0.0.7 - upstream timeout\n2024-01-01T00:00:06Z INFO /api/cart 200 0.040\n"
	if err := os.WriteFile(logPath, []byte(logs), 0o644); err != nil {
		t.Fatalf("write logs: %v", err)
	}

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", cfgPath, "ingest", logPath})
	if err := root.Execute(); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !strings.Contains(out.String(), "saved 2 records (1 full, 1 short") {
		t.Fatalf("unexpected ingest output %q", out.String())
	}

	out.Reset()
	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", cfgPath, "migrate"})
	if err := root.Execute(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out.String(), "(sqlite)") {
		t.Fatalf("unexpected migrate output %q", out.String())
	}
}
