package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// ErrCircuitOpen is returned without calling the operation when the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// RetryConfig controls attempts and backoff.
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay"`
}

// DefaultRetryConfig returns the retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// AttemptObserver is told about every attempt outcome.
type AttemptObserver func(label string, attempt int, err error)

// Option configures an Executor.
type Option func(*Executor)

// WithObserver registers an attempt observer, e.g. for metrics.
func WithObserver(fn AttemptObserver) Option {
	return func(e *Executor) { e.observer = fn }
}

// Executor retries fallible calls with exponential backoff behind a breaker.
type Executor struct {
	breaker  *Breaker
	cfg      RetryConfig
	observer AttemptObserver
}

// NewExecutor wires an executor to the breaker of its failure domain.
func NewExecutor(breaker *Breaker, cfg RetryConfig, opts ...Option) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	e := &Executor{breaker: breaker, cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Breaker returns the executor's breaker.
func (e *Executor) Breaker() *Breaker { return e.breaker }

// Execute runs fn until it succeeds, fails fatally, or attempts run out.
func (e *Executor) Execute(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	var lastErr error
	schedule := e.newBackOff()
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if e.breaker.IsOpen() {
			if lastErr != nil {
				return fmt.Errorf("%s: %w (last error: %v)", label, ErrCircuitOpen, lastErr)
			}
			return fmt.Errorf("%s: %w", label, ErrCircuitOpen)
		}

		err := fn(ctx)
		if e.observer != nil {
			e.observer(label, attempt, err)
		}
		if err == nil {
			e.breaker.RecordSuccess()
			return nil
		}
		e.breaker.RecordFailure()
		lastErr = err

		if !IsRetryable(err) {
			log.Warn().Err(err).Str("label", label).Int("attempt", attempt).Msg("non-retryable failure")
			return err
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}

		delay := schedule.NextBackOff()
		log.Debug().Err(err).Str("label", label).Int("attempt", attempt).Dur("backoff", delay).Msg("retrying")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	log.Warn().Err(lastErr).Str("label", label).Int("attempts", e.cfg.MaxAttempts).Msg("retries exhausted")
	return fmt.Errorf("%s: max attempts exceeded: %w", label, lastErr)
}

// newBackOff yields BaseDelay * 2^(n-1) for the nth retry, capped at
// MaxDelay, without jitter.
func (e *Executor) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = e.cfg.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do is Execute for calls that return a value.
func Do[T any](ctx context.Context, e *Executor, label string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Execute(ctx, label, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
