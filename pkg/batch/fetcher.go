package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/inat-orders/internal/clock"
	"github.com/Sternrassler/inat-orders/pkg/cache"
	"github.com/Sternrassler/inat-orders/pkg/inat"
	"github.com/Sternrassler/inat-orders/pkg/ratelimit"
	"github.com/Sternrassler/inat-orders/pkg/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	inatFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inat_batch_fallbacks_total",
		Help: "Chunks that fell back to per-id fetches",
	})

	inatOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inat_batch_outcomes_total",
		Help: "Per-id fetch outcomes by status",
	}, []string{"status"})
)

// Source is the API surface the fetcher drives. *inat.Client implements it.
type Source interface {
	FetchObservations(ctx context.Context, ids []int64) (*inat.Batch, error)
	FetchObservation(ctx context.Context, id int64) (inat.Observation, error)
	FetchTaxon(ctx context.Context, id int64) (inat.Taxon, error)
}

// Status is the fetch outcome of one id.
type Status int

const (
	// Found means a valid observation was returned.
	Found Status = iota
	// Missing means a successful response did not contain the id.
	Missing
	// Failed means the id could not be fetched or its payload is invalid.
	Failed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case Missing:
		return "missing"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome is the fetch result for one requested position.
type Outcome struct {
	ID     int64
	Status Status
	// Observation is set for Found, and holds the decodable part of a
	// rejected payload for Failed.
	Observation inat.Observation
	Err         error
}

// ChunkResult holds one Outcome per requested position, in request order.
type ChunkResult struct {
	Outcomes []Outcome
	// FellBack is set when the chunk was fetched id by id.
	FellBack bool
	// Err is set when the context ended; Outcomes is then empty.
	Err error
}

// Unreachable reports whether every id of the chunk failed with a transient
// error, meaning the service never answered for this chunk.
func (r ChunkResult) Unreachable() bool {
	if r.Err != nil || len(r.Outcomes) == 0 {
		return false
	}
	for _, o := range r.Outcomes {
		if o.Status != Failed || !inat.IsRetryable(o.Err) {
			return false
		}
	}
	return true
}

// Fetcher fetches observation chunks and taxon lineages. It is safe for
// concurrent use; all calls share one rate limiter.
type Fetcher struct {
	source  Source
	limiter *ratelimit.Limiter
	clock   clock.Clock
	config  Config
	cache   cache.Store
	logger  zerolog.Logger

	batchCalls   atomic.Int64
	singleCalls  atomic.Int64
	lineageCalls atomic.Int64
	retries      atomic.Int64
	fallbacks    atomic.Int64
	cacheHits    atomic.Int64
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithCache enables the response cache.
func WithCache(store cache.Store) Option {
	return func(f *Fetcher) { f.cache = store }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(f *Fetcher) { f.logger = logger }
}

// NewFetcher creates a fetcher. The configuration is assumed valid; invalid
// values are replaced by defaults.
func NewFetcher(source Source, limiter *ratelimit.Limiter, clk clock.Clock, config Config, opts ...Option) *Fetcher {
	defaults := DefaultConfig()
	if config.BatchSize < 1 || config.BatchSize > inat.MaxBatchSize {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if config.MaxRetryDelay < config.RetryDelay {
		config.MaxRetryDelay = max(defaults.MaxRetryDelay, config.RetryDelay)
	}
	if clk == nil {
		clk = clock.Real{}
	}

	f := &Fetcher{
		source:  source,
		limiter: limiter,
		clock:   clk,
		config:  config,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With().Str("component", "batch-fetcher").Logger()
	return f
}

// Config returns the effective configuration.
func (f *Fetcher) Config() Config {
	return f.config
}

// FetchChunk fetches the observations of one chunk. Duplicate ids are
// requested once and reported at every position.
func (f *Fetcher) FetchChunk(ctx context.Context, ids []int64) ChunkResult {
	unique := dedupe(ids)
	found := make(map[int64]inat.Observation, len(unique))
	failed := make(map[int64]Outcome)

	pending := unique[:0:0]
	for _, id := range unique {
		if obs, ok := f.cachedObservation(ctx, id); ok {
			found[id] = obs
			continue
		}
		pending = append(pending, id)
	}

	var fellBack bool
	if len(pending) > 0 {
		var batch *inat.Batch
		err := f.call(ctx, "batch", &f.batchCalls, func(ctx context.Context) error {
			b, err := f.source.FetchObservations(ctx, pending)
			if err == nil {
				batch = b
			}
			return err
		})

		switch {
		case err == nil:
			for id, obs := range batch.Observations {
				found[id] = obs
				f.storeObservation(ctx, obs)
			}
			for id, rej := range batch.Rejected {
				failed[id] = Outcome{ID: id, Status: Failed, Observation: rej.Observation, Err: rej.Err}
			}
		case ctx.Err() != nil:
			return ChunkResult{Err: err}
		default:
			fellBack = true
			f.fallbacks.Add(1)
			inatFallbacksTotal.Inc()
			f.logger.Warn().
				Err(err).
				Int("ids", len(pending)).
				Msg("Batch call failed - falling back to individual fetches")

			for _, id := range pending {
				obs, err := f.fetchOne(ctx, id)
				switch {
				case err == nil:
					found[id] = obs
				case ctx.Err() != nil:
					return ChunkResult{Err: err}
				default:
					failed[id] = Outcome{ID: id, Status: Failed, Observation: obs, Err: err}
				}
			}
		}
	}

	outcomes := make([]Outcome, len(ids))
	for i, id := range ids {
		switch obs, ok := found[id]; {
		case ok:
			outcomes[i] = Outcome{ID: id, Status: Found, Observation: obs}
		default:
			if o, ok := failed[id]; ok {
				outcomes[i] = o
			} else {
				outcomes[i] = Outcome{ID: id, Status: Missing}
			}
		}
		inatOutcomesTotal.WithLabelValues(outcomes[i].Status.String()).Inc()
	}

	return ChunkResult{Outcomes: outcomes, FellBack: fellBack}
}

// fetchOne fetches a single observation under its own retry budget.
func (f *Fetcher) fetchOne(ctx context.Context, id int64) (inat.Observation, error) {
	var obs inat.Observation
	err := f.call(ctx, "single", &f.singleCalls, func(ctx context.Context) error {
		o, err := f.source.FetchObservation(ctx, id)
		obs = o
		return err
	})
	if err != nil {
		return obs, fmt.Errorf("observation %d: %w", id, err)
	}
	f.storeObservation(ctx, obs)
	return obs, nil
}

// call runs fn under a retry machine. Every attempt acquires the limiter
// first and feeds the outcome back to it.
func (f *Fetcher) call(ctx context.Context, operation string, counter *atomic.Int64, fn func(ctx context.Context) error) error {
	policy := retry.Policy{
		Operation:    operation,
		MaxRetries:   f.config.MaxRetries,
		InitialDelay: f.config.RetryDelay,
		MaxDelay:     f.config.MaxRetryDelay,
		Multiplier:   2,
		IsRetryable:  inat.IsRetryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			f.retries.Add(1)
			f.logger.Warn().
				Str("operation", operation).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Err(err).
				Msg("Transient API failure - retrying")
		},
	}

	return retry.Do(ctx, f.clock, policy, func(ctx context.Context, attempt int) error {
		if err := f.limiter.Acquire(ctx); err != nil {
			return err
		}
		counter.Add(1)

		err := fn(ctx)
		switch {
		case err == nil:
			f.limiter.ReportSuccess()
		case inat.IsThrottled(err):
			f.limiter.ReportThrottled(inat.RetryAfter(err))
		}
		return err
	})
}

func (f *Fetcher) cachedObservation(ctx context.Context, id int64) (inat.Observation, bool) {
	if f.cache == nil {
		return inat.Observation{}, false
	}
	entry, err := f.cache.Get(ctx, cache.ObservationKey(id))
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			f.logger.Warn().Err(err).Int64("id", id).Msg("Cache read failed")
		}
		return inat.Observation{}, false
	}
	var obs inat.Observation
	if err := json.Unmarshal(entry.Data, &obs); err != nil || obs.ID != id || obs.Taxon == nil {
		f.logger.Warn().Int64("id", id).Msg("Ignoring unusable cache entry")
		return inat.Observation{}, false
	}
	f.cacheHits.Add(1)
	return obs, true
}

func (f *Fetcher) storeObservation(ctx context.Context, obs inat.Observation) {
	if f.cache == nil {
		return
	}
	data, err := json.Marshal(obs)
	if err != nil {
		return
	}
	if err := f.cache.Set(ctx, cache.ObservationKey(obs.ID), cache.NewEntry(data, f.cache.TTL())); err != nil {
		f.logger.Warn().Err(err).Int64("id", obs.ID).Msg("Cache write failed")
	}
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
