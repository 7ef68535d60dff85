package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// HealthState is the engine's error-state struct: the current verdict of
// the periodic round-trip probe plus degradation flags.
type HealthState struct {
	Healthy             bool      `json:"healthy"`
	Degraded            bool      `json:"degraded"`
	FallbackMode        bool      `json:"fallbackMode"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	LastCheck           time.Time `json:"lastCheck"`
}

// Probe is an inexpensive round-trip against the substrate, e.g. a count on
// the meta store.
type Probe func(ctx context.Context) error

// HealthMonitor runs a probe on a fixed interval and keeps the latest
// HealthState. A second hook, OnRecover, lets the resilience layer exit
// fallback mode when the primary substrate answers again.
type HealthMonitor struct {
	mu       sync.RWMutex
	state    HealthState
	probe    Probe
	interval time.Duration
	logger   *slog.Logger

	onRecover func()

	cron *cron.Cron
}

// NewHealthMonitor creates a monitor; Start schedules it.
func NewHealthMonitor(probe Probe, interval time.Duration, logger *slog.Logger) *HealthMonitor {
	return &HealthMonitor{
		probe:    probe,
		interval: interval,
		logger:   logger,
		state:    HealthState{Healthy: true},
	}
}

// SetOnRecover registers a callback fired when a probe succeeds after one
// or more failures.
func (m *HealthMonitor) SetOnRecover(fn func()) {
	m.mu.Lock()
	m.onRecover = fn
	m.mu.Unlock()
}

// Start schedules the periodic probe. No-op when the interval is zero.
func (m *HealthMonitor) Start() error {
	if m.interval <= 0 {
		return nil
	}
	m.cron = cron.New()
	spec := fmt.Sprintf("@every %s", m.interval)
	if _, err := m.cron.AddFunc(spec, m.Check); err != nil {
		return fmt.Errorf("schedule health check: %w", err)
	}
	m.cron.Start()
	return nil
}

// Stop halts the schedule and waits for an in-flight probe.
func (m *HealthMonitor) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}

// Check runs one probe immediately and updates the state.
func (m *HealthMonitor) Check() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.probe(ctx)

	m.mu.Lock()
	wasFailing := m.state.ConsecutiveFailures > 0
	m.state.LastCheck = time.Now()
	if err != nil {
		m.state.Healthy = false
		m.state.Degraded = true
		m.state.ConsecutiveFailures++
		m.state.LastError = err.Error()
	} else {
		m.state.Healthy = true
		m.state.Degraded = false
		m.state.ConsecutiveFailures = 0
		m.state.LastError = ""
	}
	recovered := err == nil && wasFailing
	onRecover := m.onRecover
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("health check failed", "error", err)
	}
	if recovered && onRecover != nil {
		onRecover()
	}
}

// SetFallback records whether the engine is serving from the in-memory
// substrate.
func (m *HealthMonitor) SetFallback(on bool) {
	m.mu.Lock()
	m.state.FallbackMode = on
	if on {
		m.state.Degraded = true
	}
	m.mu.Unlock()
}

// State returns a copy of the current health state.
func (m *HealthMonitor) State() HealthState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}
