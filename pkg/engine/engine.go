// Package engine drives a run: identifiers are fetched in chunks, each
// observation's taxon is resolved to order and family, and the records are
// folded into aggregate tables.
//
// All mutable run state (rate limiter, ancestor cache, clock) lives in a
// Session, so independent runs in one process never share counters.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/inat-orders/internal/clock"
	"github.com/Sternrassler/inat-orders/pkg/aggregate"
	"github.com/Sternrassler/inat-orders/pkg/batch"
	"github.com/Sternrassler/inat-orders/pkg/cache"
	"github.com/Sternrassler/inat-orders/pkg/inat"
	"github.com/Sternrassler/inat-orders/pkg/ratelimit"
	"github.com/Sternrassler/inat-orders/pkg/taxon"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrServiceUnreachable is returned when consecutive chunks got no answer
// from the API at all.
var ErrServiceUnreachable = errors.New("iNaturalist API unreachable")

// Config holds run configuration.
type Config struct {
	RateLimit ratelimit.Config
	Batch     batch.Config

	// Workers is the number of chunks fetched concurrently. Admission stays
	// serialized by the shared rate limiter.
	Workers int

	// UnreachableChunks is the number of consecutive chunks failing entirely
	// with transient errors that ends the run.
	UnreachableChunks int

	// Family resolves families in addition to orders.
	Family bool

	// Users records observers instead of resolving taxonomy.
	Users bool

	// ProgressInterval is the minimum time between progress log lines.
	ProgressInterval time.Duration
}

// DefaultConfig returns the default run configuration.
func DefaultConfig() Config {
	return Config{
		RateLimit:         ratelimit.DefaultConfig(),
		Batch:             batch.DefaultConfig(),
		Workers:           1,
		UnreachableChunks: 2,
		ProgressInterval:  30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.RateLimit.Validate(); err != nil {
		return err
	}
	if err := c.Batch.Validate(); err != nil {
		return err
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1 (got %d)", c.Workers)
	}
	if c.UnreachableChunks < 1 {
		return fmt.Errorf("unreachable chunk threshold must be >= 1 (got %d)", c.UnreachableChunks)
	}
	return nil
}

// Session is the run-scoped context shared by every component of a run.
type Session struct {
	Clock     clock.Clock
	Limiter   *ratelimit.Limiter
	Ancestors *taxon.AncestorCache
	Logger    zerolog.Logger
}

// NewSession creates a fresh session.
func NewSession(cfg ratelimit.Config, clk clock.Clock, logger zerolog.Logger) (*Session, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	limiter, err := ratelimit.New(cfg, clk, logger.With().Str("component", "rate-limiter").Logger())
	if err != nil {
		return nil, err
	}
	return &Session{
		Clock:     clk,
		Limiter:   limiter,
		Ancestors: taxon.NewAncestorCache(),
		Logger:    logger,
	}, nil
}

// Result is the outcome of a run. It is returned even when Run fails.
type Result struct {
	// Records holds one record per processed identifier, in input order.
	Records []Record
	Tables  aggregate.Tables
	// Pending holds identifiers left unprocessed by cancellation or a
	// fatal stop, in input order.
	Pending []int64
	// APICalls is the number of raw API requests made by this run.
	APICalls int64
	Stats    batch.Stats
}

// Failed returns the identifiers of Error records.
func (r *Result) Failed() []int64 {
	var ids []int64
	for _, rec := range r.Records {
		if rec.Status == taxon.StatusError {
			ids = append(ids, rec.ID)
		}
	}
	return ids
}

// Engine runs resolutions against one Source.
type Engine struct {
	cfg      Config
	session  *Session
	fetcher  *batch.Fetcher
	resolver *taxon.Resolver
	logger   zerolog.Logger
}

type options struct {
	session *Session
	clock   clock.Clock
	cache   cache.Store
	logger  zerolog.Logger
}

// Option configures an Engine.
type Option func(*options)

// WithSession runs the engine inside an existing session.
func WithSession(s *Session) Option {
	return func(o *options) { o.session = s }
}

// WithClock sets the clock of the session created by New.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithCache enables the response cache.
func WithCache(store cache.Store) Option {
	return func(o *options) { o.cache = store }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New creates an engine. Without WithSession a fresh session is created.
func New(source batch.Source, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultConfig().ProgressInterval
	}

	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	session := o.session
	if session == nil {
		var err error
		session, err = NewSession(cfg.RateLimit, o.clock, o.logger)
		if err != nil {
			return nil, err
		}
	}

	fetcherOpts := []batch.Option{batch.WithLogger(o.logger)}
	if o.cache != nil {
		fetcherOpts = append(fetcherOpts, batch.WithCache(o.cache))
	}
	fetcher := batch.NewFetcher(source, session.Limiter, session.Clock, cfg.Batch, fetcherOpts...)

	return &Engine{
		cfg:      cfg,
		session:  session,
		fetcher:  fetcher,
		resolver: taxon.NewResolver(session.Ancestors, fetcher, o.logger),
		logger:   o.logger.With().Str("component", "engine").Logger(),
	}, nil
}

// Session returns the engine's session.
func (e *Engine) Session() *Session {
	return e.session
}

// Run resolves ids. Per-identifier failures become Error records; only
// cancellation (ctx error) and ErrServiceUnreachable end a run early, with
// the unprocessed ids in Result.Pending.
func (e *Engine) Run(ctx context.Context, ids []int64) (*Result, error) {
	start := time.Now()
	chunks := batch.Chunks(ids, e.cfg.Batch.BatchSize)
	offsets := make([]int, len(chunks))
	for i, off := 1, 0; i < len(chunks); i++ {
		off += len(chunks[i-1])
		offsets[i] = off
	}

	agg := aggregate.New(aggregate.Options{Family: e.cfg.Family, Users: e.cfg.Users})
	result := &Result{Records: make([]Record, 0, len(ids))}
	progress := rate.Sometimes{First: 1, Interval: e.cfg.ProgressInterval}

	e.logger.Info().
		Int("ids", len(ids)).
		Int("chunks", len(chunks)).
		Int("workers", e.cfg.Workers).
		Msg("Starting run")

	var runErr error
	unreachable := 0
	next := 0

windows:
	for next < len(chunks) {
		if err := ctx.Err(); err != nil {
			runErr = err
			for _, chunk := range chunks[next:] {
				result.Pending = append(result.Pending, chunk...)
			}
			break
		}

		end := min(next+e.cfg.Workers, len(chunks))
		window := make([]batch.ChunkResult, end-next)

		var g errgroup.Group
		g.SetLimit(e.cfg.Workers)
		for i := next; i < end; i++ {
			g.Go(func() error {
				window[i-next] = e.fetcher.FetchChunk(ctx, chunks[i])
				return nil
			})
		}
		_ = g.Wait()

		for i, res := range window {
			chunk := next + i
			if res.Err != nil {
				runErr = ctx.Err()
				if runErr == nil {
					runErr = res.Err
				}
				result.Pending = append(result.Pending, chunks[chunk]...)
				continue
			}

			for j, outcome := range res.Outcomes {
				rec, interrupted := e.resolve(ctx, offsets[chunk]+j, outcome)
				if interrupted {
					runErr = ctx.Err()
					result.Pending = append(result.Pending, outcome.ID)
					continue
				}
				result.Records = append(result.Records, rec)
				agg.Add(rec.Entry())
			}

			if res.Unreachable() {
				unreachable++
			} else {
				unreachable = 0
			}
			if unreachable >= e.cfg.UnreachableChunks && runErr == nil {
				runErr = fmt.Errorf("%w: %d consecutive chunks failed", ErrServiceUnreachable, unreachable)
				e.logger.Error().
					Int("chunks", unreachable).
					Msg("API unreachable - stopping run")
			}
		}
		next = end

		if runErr != nil {
			for _, chunk := range chunks[next:] {
				result.Pending = append(result.Pending, chunk...)
			}
			break windows
		}

		progress.Do(func() {
			limit := e.session.Limiter.State()
			e.logger.Info().
				Int("processed", len(result.Records)).
				Int("total", len(ids)).
				Int64("api_calls", e.fetcher.Stats().Calls()).
				Dur("delay", limit.Delay).
				Bool("throttled", limit.IsThrottled()).
				Dur("next_grant_in", limit.TimeUntilNext(e.session.Clock.Now())).
				Msg("Run progress")
			if limit.AtCeiling() {
				e.logger.Warn().
					Int64("throttles", limit.Throttles).
					Msg("Rate limit backoff at its ceiling")
			}
		})
	}

	result.Tables = agg.Tables()
	result.Stats = e.fetcher.Stats()
	result.APICalls = result.Stats.Calls()

	e.logger.Info().
		Int("records", len(result.Records)).
		Int("pending", len(result.Pending)).
		Int("errors", result.Tables.Errors).
		Int64("api_calls", result.APICalls).
		Int64("throttles", e.session.Limiter.State().Throttles).
		Dur("duration", time.Since(start)).
		Err(runErr).
		Msg("Run finished")

	return result, runErr
}

// resolve builds the record for one fetch outcome. interrupted is set when
// the context ended during resolution; the id then stays pending.
func (e *Engine) resolve(ctx context.Context, index int, o batch.Outcome) (rec Record, interrupted bool) {
	rec = Record{Index: index, ID: o.ID}

	obs := o.Observation
	if obs.User != nil {
		rec.Username = obs.User.Login
		rec.UserDisplayName = obs.User.DisplayName()
	}
	if obs.Taxon != nil {
		node := taxon.NodeOf(*obs.Taxon)
		rec.Taxon = &node
	}

	switch o.Status {
	case batch.Missing:
		rec.Status = taxon.StatusUnknown
		rec.Detail = DetailNoResults
		return rec, false

	case batch.Failed:
		// A payload without taxon still names its observer.
		if e.cfg.Users && rec.Username != "" && errors.Is(o.Err, inat.ErrMissingTaxon) {
			rec.Status = taxon.StatusOK
			return rec, false
		}
		rec.Status = taxon.StatusError
		rec.Detail = describe(o.Err)
		return rec, false
	}

	if e.cfg.Users {
		if rec.Username == "" {
			rec.Status = taxon.StatusError
			rec.Detail = DetailNoUser
		} else {
			rec.Status = taxon.StatusOK
		}
		return rec, false
	}

	if obs.Taxon == nil {
		rec.Status = taxon.StatusError
		rec.Detail = DetailNoTaxon
		return rec, false
	}

	classification := taxon.RecordOf(*obs.Taxon)
	ranks, err := e.resolver.Resolve(ctx, classification, e.cfg.Family)
	if err != nil {
		if ctx.Err() != nil {
			return rec, true
		}
		e.logger.Warn().Err(err).Int64("id", o.ID).Msg("Taxon resolution failed")
		rec.Status = taxon.StatusError
		rec.Detail = describe(err)
		return rec, false
	}

	rec.Order = ranks.Order
	rec.Family = ranks.Family
	rec.Status = ranks.Status()
	if rec.Status == taxon.StatusUnknown {
		rec.Detail = DetailNoOrder
		if classification.Self.Rank.CoarserThan(taxon.RankOrder) {
			rec.Detail = DetailAboveOrderRank
		}
	}
	return rec, false
}
