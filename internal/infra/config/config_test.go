package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Storage.Backend != "bolt" {
		t.Errorf("backend = %s", cfg.Storage.Backend)
	}
	if cfg.Resilience.MaxRetries != 3 {
		t.Errorf("max retries = %d", cfg.Resilience.MaxRetries)
	}
	if cfg.Resilience.FailureThreshold != 5 {
		t.Errorf("failure threshold = %d", cfg.Resilience.FailureThreshold)
	}
	if cfg.Resilience.ResetTimeout != 30*time.Second {
		t.Errorf("reset timeout = %v", cfg.Resilience.ResetTimeout)
	}
	if cfg.Vector.CacheSize != 1024 {
		t.Errorf("cache size = %d", cfg.Vector.CacheSize)
	}
	if cfg.Metrics.TimingHistory != 100 {
		t.Errorf("timing history = %d", cfg.Metrics.TimingHistory)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("COLUMNIST_TEST_DIR", "/tmp/data")
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
storage:
  backend: sqlite
  dir: ${COLUMNIST_TEST_DIR}
resilience:
  max_retries: 5
  reset_timeout: 10s
logger:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("backend = %s", cfg.Storage.Backend)
	}
	if cfg.Storage.Dir != "/tmp/data" {
		t.Errorf("env expansion: dir = %s", cfg.Storage.Dir)
	}
	if cfg.Resilience.MaxRetries != 5 {
		t.Errorf("max retries = %d", cfg.Resilience.MaxRetries)
	}
	if cfg.Resilience.ResetTimeout != 10*time.Second {
		t.Errorf("reset timeout = %v", cfg.Resilience.ResetTimeout)
	}
	// Unset fields still pick up defaults.
	if cfg.Vector.CacheSize != 1024 {
		t.Errorf("cache size = %d", cfg.Vector.CacheSize)
	}
	if cfg.Logger.Level != "debug" || cfg.Logger.Format != "json" {
		t.Errorf("logger = %+v", cfg.Logger)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoggerBuildZeroValueIsSilent(t *testing.T) {
	log, closer, err := LoggerConfig{}.Build("mydb")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer closer()
	if log.Enabled(context.Background(), slog.LevelError) {
		t.Error("zero-value logger config should discard everything")
	}
}

func TestLoggerBuildFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	log, closer, err := LoggerConfig{Level: "debug", Format: "json", Output: path}.Build("mydb")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	log.Info("hello from the engine")
	if err := closer(); err != nil {
		t.Fatalf("closer: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	// Every line carries the db name so co-resident engines are told apart.
	if !strings.Contains(string(data), `"db":"mydb"`) {
		t.Errorf("log line missing db attribute: %s", data)
	}
	if !strings.Contains(string(data), "hello from the engine") {
		t.Errorf("log line missing message: %s", data)
	}
}

func TestLoggerBuildBadPath(t *testing.T) {
	blocked := filepath.Join(t.TempDir(), "nope", "deep", "engine.log")
	if _, _, err := (LoggerConfig{Output: blocked}).Build("mydb"); err == nil {
		t.Fatal("expected error for unwritable log path")
	}
}
