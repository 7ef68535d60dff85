package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggerConfig configures the engine's structured logger. The zero value
// means the embedding application wants a silent engine: Build returns a
// logger that drops everything, which is the right default for a library.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
	Output string `yaml:"output"` // stdout | stderr | file path
}

var slogLevels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// Build constructs the engine logger for the named database. Every line
// carries the db name so a process holding several engines can tell their
// logs apart. The returned closer flushes file outputs; defer it on engine
// close.
func (c LoggerConfig) Build(db string) (*slog.Logger, func() error, error) {
	noop := func() error { return nil }

	if c == (LoggerConfig{}) {
		return slog.New(slog.DiscardHandler), noop, nil
	}

	var (
		writer io.Writer
		closer = noop
	)
	switch strings.ToLower(c.Output) {
	case "stdout":
		writer = os.Stdout
	case "stderr", "":
		writer = os.Stderr
	default:
		f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log output: %w", err)
		}
		writer = f
		closer = f.Close
	}

	level, ok := slogLevels[strings.ToLower(c.Level)]
	if !ok {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(c.Format) == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	return slog.New(handler).With(slog.String("db", db)), closer, nil
}

// TracerConfig configures OpenTelemetry tracing.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout | noop
}

// StorageConfig selects and tunes the substrate.
type StorageConfig struct {
	// Backend picks the persistent substrate: "bolt" (default), "sqlite",
	// or "memory" for a non-persistent engine.
	Backend string `yaml:"backend"`
	// Dir is where database files live. Ignored by the memory backend.
	Dir string `yaml:"dir"`
}

// ResilienceConfig tunes retry, circuit breaking, and fallback. Duration
// fields accept "50ms"-style strings in yaml.
type ResilienceConfig struct {
	MaxRetries       int           // default 3
	BaseDelay        time.Duration // default 50ms
	MaxDelay         time.Duration // default 2s
	Multiplier       float64       // default 2.0
	FailureThreshold uint32        // breaker trip, default 5
	ResetTimeout     time.Duration // breaker open->half-open, default 30s
	// FallbackAfter is the number of consecutive storage-class failures
	// before the engine switches to the in-memory substrate. Normalize
	// turns 0 into 3; a negative value disables fallback.
	FallbackAfter int
}

// UnmarshalYAML parses duration fields from "30s"-style strings, which
// yaml.v3 cannot decode into time.Duration directly.
func (r *ResilienceConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		MaxRetries       int     `yaml:"max_retries"`
		BaseDelay        string  `yaml:"base_delay"`
		MaxDelay         string  `yaml:"max_delay"`
		Multiplier       float64 `yaml:"multiplier"`
		FailureThreshold uint32  `yaml:"failure_threshold"`
		ResetTimeout     string  `yaml:"reset_timeout"`
		FallbackAfter    int     `yaml:"fallback_after"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	r.MaxRetries = raw.MaxRetries
	r.Multiplier = raw.Multiplier
	r.FailureThreshold = raw.FailureThreshold
	r.FallbackAfter = raw.FallbackAfter
	for _, d := range []struct {
		s   string
		dst *time.Duration
	}{
		{raw.BaseDelay, &r.BaseDelay},
		{raw.MaxDelay, &r.MaxDelay},
		{raw.ResetTimeout, &r.ResetTimeout},
	} {
		if d.s == "" {
			continue
		}
		v, err := time.ParseDuration(d.s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", d.s, err)
		}
		*d.dst = v
	}
	return nil
}

// VectorConfig tunes the vector subsystem.
type VectorConfig struct {
	CacheSize int `yaml:"cache_size"` // embedder LRU entries, default 1024
}

// HealthConfig tunes the health checker. Interval accepts a "30s"-style
// string in yaml.
type HealthConfig struct {
	Interval time.Duration // default 30s (Normalize fills 0); negative disables
}

// UnmarshalYAML parses the interval from a duration string.
func (h *HealthConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Interval string `yaml:"interval"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Interval == "" {
		return nil
	}
	v, err := time.ParseDuration(raw.Interval)
	if err != nil {
		return fmt.Errorf("parse health interval %q: %w", raw.Interval, err)
	}
	h.Interval = v
	return nil
}

// MetricsConfig tunes metrics collection.
type MetricsConfig struct {
	TimingHistory int `yaml:"timing_history"` // per-op samples kept, default 100
}

// Config is the full engine configuration. Zero value plus Normalize is a
// working local setup.
type Config struct {
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
	Storage    StorageConfig    `yaml:"storage"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Vector     VectorConfig     `yaml:"vector"`
	Health     HealthConfig     `yaml:"health"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// Load reads a yaml config file, expands ${ENV} references, and applies
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Default returns the zero config with defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Normalize fills unset fields with defaults.
func (c *Config) Normalize() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = "bolt"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "."
	}
	if c.Resilience.MaxRetries == 0 {
		c.Resilience.MaxRetries = 3
	}
	if c.Resilience.BaseDelay == 0 {
		c.Resilience.BaseDelay = 50 * time.Millisecond
	}
	if c.Resilience.MaxDelay == 0 {
		c.Resilience.MaxDelay = 2 * time.Second
	}
	if c.Resilience.Multiplier == 0 {
		c.Resilience.Multiplier = 2.0
	}
	if c.Resilience.FailureThreshold == 0 {
		c.Resilience.FailureThreshold = 5
	}
	if c.Resilience.ResetTimeout == 0 {
		c.Resilience.ResetTimeout = 30 * time.Second
	}
	if c.Resilience.FallbackAfter == 0 {
		c.Resilience.FallbackAfter = 3
	}
	if c.Vector.CacheSize == 0 {
		c.Vector.CacheSize = 1024
	}
	if c.Health.Interval == 0 {
		c.Health.Interval = 30 * time.Second
	}
	if c.Metrics.TimingHistory == 0 {
		c.Metrics.TimingHistory = 100
	}
}
