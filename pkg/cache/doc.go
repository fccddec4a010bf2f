// Package cache provides an optional response cache for iNaturalist
// payloads with a Redis backend.
//
// Observations and taxa are stored as validated JSON under deterministic
// keys, so repeated runs over overlapping identifier sets skip the API for
// anything already seen:
//
//	inat:observation:<id>
//	inat:taxon:<id>
//
// Taxonomy changes slowly and freshness is not a goal, so entries carry a
// fixed TTL (DefaultTTL unless configured).
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient, cache.DefaultTTL)
//
//	key := cache.ObservationKey(12345)
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the API, then
//		_ = manager.Set(ctx, key, cache.NewEntry(data, manager.TTL()))
//	}
//
// Memory is an in-process Store with the same semantics, used when no Redis
// address is configured.
//
// # Metrics
//
//   - inat_cache_hits_total{kind} - Cache hits
//   - inat_cache_misses_total{kind} - Cache misses
//   - inat_cache_errors_total{operation} - Cache operation errors
package cache
