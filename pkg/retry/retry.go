package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/Sternrassler/inat-orders/internal/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	inatRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inat_retries_total",
		Help: "Total number of retry attempts by operation",
	}, []string{"operation"})

	inatRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inat_retry_backoff_seconds",
		Help:    "Backoff duration for retries by operation",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"operation"})

	inatRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inat_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by operation",
	}, []string{"operation"})
)

var (
	// ErrExhausted is returned when all retry attempts are used up.
	ErrExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context ends during a backoff wait.
	ErrContextCancelled = errors.New("context cancelled")
)

// Policy holds the configuration for one kind of retried operation.
type Policy struct {
	// Operation labels logs and metrics (e.g. "batch", "single", "lineage").
	Operation string

	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Multiplier scales the delay after every failed attempt.
	Multiplier float64

	// Jitter adds up to Jitter*delay on top of the computed delay. The
	// delay never drops below the deterministic value.
	Jitter float64

	// IsRetryable classifies errors. Nil treats every error as retryable.
	IsRetryable func(error) bool

	// OnRetry is called before each backoff wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 2 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 60 * time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Operation == "" {
		p.Operation = "default"
	}
	return p
}

// Retryable reports whether err may be retried under this policy. Without
// a classifier every error except a context error is retried.
func (p Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if p.IsRetryable != nil {
		return p.IsRetryable(err)
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Backoff returns the wait after the failed attempt with zero-based index
// retry: InitialDelay * Multiplier^retry, capped at MaxDelay.
func (p Policy) Backoff(retry int) time.Duration {
	p = p.withDefaults()

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(retry))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delay += delay * p.Jitter * rand.Float64()
	}
	return time.Duration(delay)
}

// Do runs fn under a fresh Machine until it succeeds, fails permanently or
// ctx ends. Backoff waits go through clk. The returned error is nil on
// success, the original error for non-retryable failures, an error wrapping
// ErrExhausted when retries ran out, or one wrapping ErrContextCancelled.
func Do(ctx context.Context, clk clock.Clock, policy Policy, fn func(ctx context.Context, attempt int) error) error {
	if clk == nil {
		clk = clock.Real{}
	}
	m := NewMachine(policy)
	p := m.policy

	for {
		if err := ctx.Err(); err != nil {
			if m.LastErr() != nil {
				return fmt.Errorf("%w: %w (last error: %v)", ErrContextCancelled, err, m.LastErr())
			}
			return fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}

		if err := m.Start(); err != nil {
			return err
		}

		err := fn(ctx, m.Attempt())
		if err == nil {
			_ = m.Succeed()
			if m.Attempt() > 1 {
				log.Debug().
					Str("operation", p.Operation).
					Int("attempt", m.Attempt()).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		state, _ := m.Fail(err)
		if state == StatePermanentlyFailed {
			if m.Exhausted() {
				inatRetryExhaustedTotal.WithLabelValues(p.Operation).Inc()
				log.Warn().
					Str("operation", p.Operation).
					Int("attempts", m.Attempt()).
					Err(err).
					Msg("Retry attempts exhausted")
			}
			return m.Err()
		}

		delay := m.NextDelay()
		inatRetriesTotal.WithLabelValues(p.Operation).Inc()
		inatRetryBackoffSeconds.WithLabelValues(p.Operation).Observe(delay.Seconds())
		if p.OnRetry != nil {
			p.OnRetry(m.Attempt(), err, delay)
		}

		log.Debug().
			Str("operation", p.Operation).
			Int("attempt", m.Attempt()).
			Dur("backoff", delay).
			Err(err).
			Msg("Retrying request after backoff")

		if err := clk.Sleep(ctx, delay); err != nil {
			log.Warn().
				Str("operation", p.Operation).
				Int("attempt", m.Attempt()).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %w (last error: %v)", ErrContextCancelled, err, m.LastErr())
		}
		_ = m.Resume()
	}
}
