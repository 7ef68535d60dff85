package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"columnist/internal/domain"
	"columnist/internal/infra/config"
)

// Executor runs engine operations behind retry and a per-operation circuit
// breaker, and counts consecutive storage-class failures so the engine can
// flip into fallback mode.
type Executor struct {
	cfg    config.ResilienceConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]

	retries         atomic.Int64
	storageFailures atomic.Int64 // consecutive, reset on any success

	// onStorageFailure fires when consecutive storage failures reach the
	// configured fallback threshold.
	onStorageFailure func()
}

// NewExecutor creates an executor with the given policy.
func NewExecutor(cfg config.ResilienceConfig, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
}

// SetOnStorageFailure registers the fallback trigger.
func (e *Executor) SetOnStorageFailure(fn func()) { e.onStorageFailure = fn }

// breaker returns (creating on first use) the named operation's breaker.
func (e *Executor) breaker(op string) *gobreaker.CircuitBreaker[struct{}] {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[op]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        op,
		MaxRequests: 1, // one trial attempt in half-open
		Timeout:     e.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= e.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("circuit breaker state change",
				"operation", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// Validation and not-found outcomes are correct answers, not
			// infrastructure failures; they must not trip the breaker.
			if err == nil {
				return true
			}
			c := Classify(err)
			return c == ClassValidation || c == ClassPermanent || c == ClassAuthentication
		},
	})
	e.breakers[op] = cb
	return cb
}

// Execute runs fn behind the op-named breaker with retries inside. A
// breaker-open fast failure never reaches fn.
func (e *Executor) Execute(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := e.breaker(op).Execute(func() (struct{}, error) {
		return struct{}{}, e.retry(ctx, fn)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %s", domain.ErrCircuitOpen, op)
		}
		e.noteFailure(err)
		return err
	}
	e.storageFailures.Store(0)
	return nil
}

// retry runs fn up to MaxRetries+1 times with exponential backoff bounded
// by MaxDelay. Non-retryable classes abort immediately.
func (e *Executor) retry(ctx context.Context, fn func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.BaseDelay
	policy.Multiplier = e.cfg.Multiplier
	policy.MaxInterval = e.cfg.MaxDelay
	policy.RandomizationFactor = 0.1

	attempts := 0
	operation := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(Classify(err)) {
			return backoff.Permanent(err)
		}
		if attempts > 1 {
			e.retries.Add(1)
		}
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(e.cfg.MaxRetries)), ctx))
}

func (e *Executor) noteFailure(err error) {
	if Classify(err) != ClassStorage {
		e.storageFailures.Store(0)
		return
	}
	n := e.storageFailures.Add(1)
	if e.cfg.FallbackAfter > 0 && n == int64(e.cfg.FallbackAfter) && e.onStorageFailure != nil {
		e.onStorageFailure()
	}
}

// BreakerState is the exported view of one operation's breaker.
type BreakerState struct {
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	TotalSuccesses      uint32 `json:"totalSuccesses"`
	TotalFailures       uint32 `json:"totalFailures"`
	ConsecutiveFailures uint32 `json:"consecutiveFailures"`
}

// Stats is the error-recovery snapshot exposed by the engine.
type Stats struct {
	RetriesTotal               int64                   `json:"retriesTotal"`
	ConsecutiveStorageFailures int64                   `json:"consecutiveStorageFailures"`
	Breakers                   map[string]BreakerState `json:"breakers"`
}

// Snapshot returns the current error-recovery stats.
func (e *Executor) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		RetriesTotal:               e.retries.Load(),
		ConsecutiveStorageFailures: e.storageFailures.Load(),
		Breakers:                   make(map[string]BreakerState, len(e.breakers)),
	}
	for op, cb := range e.breakers {
		counts := cb.Counts()
		s.Breakers[op] = BreakerState{
			State:               cb.State().String(),
			Requests:            counts.Requests,
			TotalSuccesses:      counts.TotalSuccesses,
			TotalFailures:       counts.TotalFailures,
			ConsecutiveFailures: counts.ConsecutiveFailures,
		}
	}
	return s
}
