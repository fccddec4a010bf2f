package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by payload kind
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inat_cache_hits_total",
			Help: "Total number of iNaturalist cache hits",
		},
		[]string{"kind"}, // "observation", "taxon"
	)

	// CacheMisses tracks cache misses by payload kind
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inat_cache_misses_total",
			Help: "Total number of iNaturalist cache misses",
		},
		[]string{"kind"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inat_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
