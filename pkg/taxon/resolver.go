package taxon

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var (
	ancestorCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inat_ancestor_cache_hits_total",
		Help: "Taxon derivations served from the ancestor cache",
	})

	ancestorCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inat_ancestor_cache_misses_total",
		Help: "Taxon derivations computed from a classification record",
	})
)

// Status is the outcome variant of a resolved record.
type Status string

const (
	StatusOK      Status = "ok"
	StatusUnknown Status = "unknown"
	StatusError   Status = "error"
)

// Ranks holds the derived order and family. Empty means absent.
type Ranks struct {
	Order  string
	Family string
}

// Status is StatusOK when an order exists, StatusUnknown otherwise.
func (r Ranks) Status() Status {
	if r.Order != "" {
		return StatusOK
	}
	return StatusUnknown
}

// LineageSource fetches the ancestry chain of a taxon, root first, self
// excluded.
type LineageSource interface {
	FetchLineage(ctx context.Context, taxonID int64) ([]Node, error)
}

// Resolver derives order and family for classification records.
type Resolver struct {
	cache   *AncestorCache
	lineage LineageSource
	group   singleflight.Group
	logger  zerolog.Logger
}

// NewResolver creates a resolver. lineage may be nil, in which case records
// without embedded ancestors are resolved from their self rank only.
func NewResolver(cache *AncestorCache, lineage LineageSource, logger zerolog.Logger) *Resolver {
	if cache == nil {
		cache = NewAncestorCache()
	}
	return &Resolver{
		cache:   cache,
		lineage: lineage,
		logger:  logger.With().Str("component", "taxon-resolver").Logger(),
	}
}

// Cache returns the resolver's ancestor cache.
func (r *Resolver) Cache() *AncestorCache {
	return r.cache
}

// Resolve derives the order, and the family when includeFamily is set, of
// rec. A taxon above order rank resolves to absent ranks, not an error.
// Lineage fetch failures are returned and not cached.
func (r *Resolver) Resolve(ctx context.Context, rec Record, includeFamily bool) (Ranks, error) {
	ranks, err := r.derive(ctx, rec)
	if err != nil {
		return Ranks{}, err
	}
	if !includeFamily {
		ranks.Family = ""
	}
	return ranks, nil
}

func (r *Resolver) derive(ctx context.Context, rec Record) (Ranks, error) {
	if cached, ok := r.cache.Load(rec.Self.ID); ok {
		ancestorCacheHits.Inc()
		return cached, nil
	}

	// Concurrent callers for the same taxon share one derivation.
	v, err, _ := r.group.Do(strconv.FormatInt(rec.Self.ID, 10), func() (any, error) {
		if cached, ok := r.cache.Load(rec.Self.ID); ok {
			ancestorCacheHits.Inc()
			return cached, nil
		}
		ancestorCacheMisses.Inc()

		ranks, err := r.compute(ctx, rec)
		if err != nil {
			return Ranks{}, err
		}
		stored, _ := r.cache.LoadOrStore(rec.Self.ID, ranks)
		return stored, nil
	})
	if err != nil {
		return Ranks{}, err
	}
	return v.(Ranks), nil
}

func (r *Resolver) compute(ctx context.Context, rec Record) (Ranks, error) {
	self := rec.Self

	switch {
	case self.Rank == RankOrder:
		return Ranks{Order: self.Name}, nil
	case self.Rank.CoarserThan(RankOrder):
		return Ranks{}, nil
	}

	chain := rec.Ancestors
	if len(chain) == 0 && rec.HasLineage() && r.lineage != nil {
		fetched, err := r.lineage.FetchLineage(ctx, self.ID)
		if err != nil {
			return Ranks{}, fmt.Errorf("lineage of taxon %d: %w", self.ID, err)
		}
		chain = fetched
	}

	return Derive(self, chain), nil
}

// Derive scans a root-first ancestry chain for the order and family of self.
func Derive(self Node, chain []Node) Ranks {
	var ranks Ranks
	if self.Rank == RankOrder {
		ranks.Order = self.Name
	}
	if self.Rank == RankFamily {
		ranks.Family = self.Name
	}
	for _, n := range chain {
		if n.ID == self.ID {
			continue
		}
		switch n.Rank {
		case RankOrder:
			if ranks.Order == "" {
				ranks.Order = n.Name
			}
		case RankFamily:
			if ranks.Family == "" {
				ranks.Family = n.Name
			}
		}
	}
	return ranks
}
