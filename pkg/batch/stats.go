package batch

// Stats are monotonically increasing fetch counters.
type Stats struct {
	// BatchCalls counts batch observation requests, retries included.
	BatchCalls int64
	// SingleCalls counts per-id fallback requests, retries included.
	SingleCalls int64
	// LineageCalls counts taxon requests, retries included.
	LineageCalls int64
	// Retries counts backoff waits across all call kinds.
	Retries int64
	// Fallbacks counts chunks fetched id by id.
	Fallbacks int64
	// CacheHits counts payloads served from the response cache.
	CacheHits int64
}

// Calls returns the number of raw API requests issued.
func (s Stats) Calls() int64 {
	return s.BatchCalls + s.SingleCalls + s.LineageCalls
}

// Stats returns a snapshot of the counters.
func (f *Fetcher) Stats() Stats {
	return Stats{
		BatchCalls:   f.batchCalls.Load(),
		SingleCalls:  f.singleCalls.Load(),
		LineageCalls: f.lineageCalls.Load(),
		Retries:      f.retries.Load(),
		Fallbacks:    f.fallbacks.Load(),
		CacheHits:    f.cacheHits.Load(),
	}
}
