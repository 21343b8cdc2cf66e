package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/devflow/internal/config"
	"github.com/aristath/devflow/internal/ctxlog"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// RetryConfigFrom parses the duration strings of cfg over the defaults.
func RetryConfigFrom(cfg config.RetryConfig) (RetryConfig, error) {
	rc := DefaultRetryConfig()
	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"initial_interval", cfg.InitialInterval, &rc.InitialInterval},
		{"max_interval", cfg.MaxInterval, &rc.MaxInterval},
		{"max_elapsed_time", cfg.MaxElapsedTime, &rc.MaxElapsedTime},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return RetryConfig{}, fmt.Errorf("retry %s: %w", f.name, err)
		}
		*f.dst = d
	}
	return rc, nil
}

// BreakerSettings configures the circuit breakers of a registry.
type BreakerSettings struct {
	Threshold int           // Consecutive failures that open the breaker (default 5)
	Timeout   time.Duration // How long the breaker stays open (default 30s)
}

// BreakerSettingsFrom reads breaker settings from cfg, falling back to defaults.
func BreakerSettingsFrom(cfg config.RetryConfig) (BreakerSettings, error) {
	s := BreakerSettings{Threshold: 5, Timeout: 30 * time.Second}
	if cfg.BreakerThreshold > 0 {
		s.Threshold = cfg.BreakerThreshold
	}
	if cfg.BreakerTimeout != "" {
		d, err := time.ParseDuration(cfg.BreakerTimeout)
		if err != nil {
			return BreakerSettings{}, fmt.Errorf("retry breaker_timeout: %w", err)
		}
		s.Timeout = d
	}
	return s, nil
}

// CircuitBreakerRegistry manages per-provider circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	settings BreakerSettings
	logger   *slog.Logger
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry(settings BreakerSettings, logger *slog.Logger) *CircuitBreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: settings,
		logger:   logger,
	}
}

// Get returns the circuit breaker for the given provider, creating it on first use.
func (r *CircuitBreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	threshold := uint32(r.settings.Threshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,                  // Allow 3 test requests in half-open state
		Interval:    0,                  // Don't clear counts automatically
		Timeout:     r.settings.Timeout, // Stay open before testing recovery
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation and failures of the user's own commands say
			// nothing about the provider's health
			return err == nil || !isTransient(err)
		},
	})

	r.breakers[name] = cb
	return cb
}

// isTransient reports whether err is worth retrying. A command that ran and
// exited non-zero failed deterministically; docker's own exit code 125 and
// failures to start a command at all are treated as transient.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if code, ran := exitCode(err); ran && code != 125 {
		return false
	}
	return true
}

// Resilient wraps a Provider so Build and Deploy are retried with
// exponential backoff behind a per-provider circuit breaker. Test and Run
// pass straight through: their failures are results, not outages.
type Resilient struct {
	Provider
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
}

// NewResilient wraps p using the breaker registered for p.Name().
func NewResilient(p Provider, breakers *CircuitBreakerRegistry, retry RetryConfig) *Resilient {
	return &Resilient{
		Provider: p,
		breaker:  breakers.Get(p.Name()),
		retry:    retry,
	}
}

func (r *Resilient) Build(ctx context.Context, req BuildRequest) (BuildResult, error) {
	return withRetry(ctx, r.breaker, r.retry, func() (BuildResult, error) {
		return r.Provider.Build(ctx, req)
	})
}

func (r *Resilient) Deploy(ctx context.Context, req DeployRequest) (ServiceStatus, error) {
	return withRetry(ctx, r.breaker, r.retry, func() (ServiceStatus, error) {
		return r.Provider.Deploy(ctx, req)
	})
}

// withRetry runs op with exponential backoff retry and circuit breaker protection.
func withRetry[T any](ctx context.Context, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig, op func() (T, error)) (T, error) {
	var out T
	attempt := 0

	operation := func() error {
		// Fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempt++

		result, err := cb.Execute(func() (interface{}, error) {
			return op()
		})
		if err != nil {
			// Circuit is open - don't retry
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil || !isTransient(err) {
				return backoff.Permanent(err)
			}
			ctxlog.FromContext(ctx).Warn("provider call failed, retrying", "attempt", attempt, "error", err)
			return err
		}

		out = result.(T)
		return nil
	}

	backoffPolicy := backoff.NewExponentialBackOff()
	backoffPolicy.InitialInterval = retryCfg.InitialInterval
	backoffPolicy.MaxInterval = retryCfg.MaxInterval
	backoffPolicy.MaxElapsedTime = retryCfg.MaxElapsedTime
	backoffPolicy.Multiplier = retryCfg.Multiplier
	backoffPolicy.RandomizationFactor = retryCfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(backoffPolicy, ctx))
	return out, err
}
