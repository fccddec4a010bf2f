package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/inat-orders/internal/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for request admission.
var (
	inatRateLimitDelaySeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inat_rate_limit_delay_seconds",
		Help: "Current spacing enforced between iNaturalist API requests",
	})

	inatRateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inat_rate_limit_throttles_total",
		Help: "Total number of throttling signals reported to the limiter",
	})

	inatRateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inat_rate_limit_wait_seconds",
		Help:    "Time callers waited for admission",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
)

// Config holds limiter configuration.
type Config struct {
	// MinDelay is the minimum spacing between granted acquisitions.
	MinDelay time.Duration

	// MaxDelay caps the delay reached through throttling backoff.
	MaxDelay time.Duration
}

// DefaultConfig returns the configuration suited to the public iNaturalist API.
func DefaultConfig() Config {
	return Config{
		MinDelay: DefaultMinDelay,
		MaxDelay: DefaultMaxDelay,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MinDelay <= 0 {
		return fmt.Errorf("min delay must be > 0 (got %s)", c.MinDelay)
	}
	if c.MaxDelay < c.MinDelay {
		return fmt.Errorf("max delay %s must be >= min delay %s", c.MaxDelay, c.MinDelay)
	}
	return nil
}

// Limiter serializes admission to the API. One Limiter is shared by every
// fetch in a run. Scheduling is delegated to a rate.Limiter with burst 1 and
// limit 1/delay; reservations are taken under mu with the clock read inside
// the lock, so concurrent callers are admitted first-come first-served and
// consecutive grants are always at least the current delay apart.
type Limiter struct {
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger

	mu        sync.Mutex
	limiter   *rate.Limiter
	delay     time.Duration
	throttles int64

	acquired atomic.Int64
}

// New creates a limiter. The configuration must be valid.
func New(cfg Config, clk clock.Clock, logger zerolog.Logger) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rate limit config: %w", err)
	}
	if clk == nil {
		clk = clock.Real{}
	}

	inatRateLimitDelaySeconds.Set(cfg.MinDelay.Seconds())

	return &Limiter{
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(cfg.MinDelay), 1),
		delay:   cfg.MinDelay,
	}, nil
}

// Acquire blocks until the caller may issue one API request.
// It returns the context error if ctx is done before the slot is reached.
// The reservation is not returned on cancellation, which keeps spacing
// conservative.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	now := l.clock.Now()
	r := l.limiter.ReserveN(now, 1)
	delay := l.delay
	l.mu.Unlock()

	if !r.OK() {
		return fmt.Errorf("rate limiter refused reservation")
	}

	wait := r.DelayFrom(now)
	if wait > 0 {
		// Token math is float based; round up so grants never land a
		// nanosecond short of the delay.
		wait = (wait + time.Microsecond - 1).Truncate(time.Microsecond)
	}
	inatRateLimitWaitSeconds.Observe(wait.Seconds())

	if wait > 0 {
		l.logger.Debug().
			Dur("wait", wait).
			Dur("delay", delay).
			Msg("Rate limiting: waiting for admission")

		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}

	l.acquired.Add(1)
	return nil
}

// ReportThrottled doubles the delay (capped at MaxDelay) after a throttling
// signal. A positive retryAfter pushes the next slot out to honour the
// server's hint.
func (l *Limiter) ReportThrottled(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.throttles++
	l.delay *= BackoffFactor
	if l.delay > l.cfg.MaxDelay {
		l.delay = l.cfg.MaxDelay
	}
	l.limiter.SetLimitAt(now, rate.Every(l.delay))

	if retryAfter > l.untilNextLocked(now) {
		l.holdLocked(now, retryAfter)
	}

	inatRateLimitThrottlesTotal.Inc()
	inatRateLimitDelaySeconds.Set(l.delay.Seconds())

	l.logger.Warn().
		Dur("delay", l.delay).
		Dur("retry_after", retryAfter).
		Int64("throttles", l.throttles).
		Msg("API throttled - increasing request delay")
}

// holdLocked reserves phantom slots until the next real grant is at least
// d away. Each reservation deepens the token deficit by one delay.
func (l *Limiter) holdLocked(now time.Time, d time.Duration) {
	missing := d - l.untilNextLocked(now)
	n := int((missing + l.delay - 1) / l.delay)
	for i := 0; i < n; i++ {
		l.limiter.ReserveN(now, 1)
	}
}

// untilNextLocked is the wait a reservation made at now would get.
func (l *Limiter) untilNextLocked(now time.Time) time.Duration {
	deficit := 1 - l.limiter.TokensAt(now)
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit * float64(l.delay))
}

// ReportSuccess halves the delay back toward MinDelay. Without further
// throttling the delay never increases.
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.delay <= l.cfg.MinDelay {
		return
	}
	l.delay /= BackoffFactor
	if l.delay < l.cfg.MinDelay {
		l.delay = l.cfg.MinDelay
	}
	l.limiter.SetLimitAt(l.clock.Now(), rate.Every(l.delay))
	inatRateLimitDelaySeconds.Set(l.delay.Seconds())

	l.logger.Debug().Dur("delay", l.delay).Msg("Request delay decayed")
}

// Delay returns the spacing currently enforced between grants.
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delay
}

// Acquired returns the number of granted acquisitions so far.
func (l *Limiter) Acquired() int64 {
	return l.acquired.Load()
}

// State returns a snapshot of the limiter.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	return State{
		Delay:     l.delay,
		MinDelay:  l.cfg.MinDelay,
		MaxDelay:  l.cfg.MaxDelay,
		Throttles: l.throttles,
		Acquired:  l.acquired.Load(),
		NextGrant: now.Add(l.untilNextLocked(now)),
	}
}
