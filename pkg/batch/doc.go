// Package batch fetches iNaturalist observations in chunks of up to 200 ids.
//
// Every API request first acquires the shared rate limiter. A chunk is read
// with one batch call, retried with exponential backoff on transient
// failures (throttling, 5xx, network). When the batch call keeps failing, or
// fails structurally, every id of the chunk is fetched on its own with an
// independent retry budget, so no id is lost:
//
//	fetcher := batch.NewFetcher(client, limiter, clock.Real{}, batch.DefaultConfig())
//	for _, chunk := range batch.Chunks(ids, 200) {
//		result := fetcher.FetchChunk(ctx, chunk)
//		for _, o := range result.Outcomes {
//			// o.Status is Found, Missing or Failed
//		}
//	}
//
// Ids absent from a successful batch response are Missing. Per-id not-found
// and schema failures are Failed without retry.
//
// The fetcher also serves taxon lineages for the resolver and counts every
// raw API call it makes (Stats).
package batch
