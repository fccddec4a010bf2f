package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sternrassler/inat-orders/pkg/cache"
	"github.com/Sternrassler/inat-orders/pkg/inat"
	"github.com/Sternrassler/inat-orders/pkg/taxon"
)

var _ taxon.LineageSource = (*Fetcher)(nil)

// FetchLineage returns the ancestry chain of a taxon, root first, self
// excluded. It shares the limiter, retry policy and cache with FetchChunk.
func (f *Fetcher) FetchLineage(ctx context.Context, taxonID int64) ([]taxon.Node, error) {
	t, ok := f.cachedTaxon(ctx, taxonID)
	if !ok {
		err := f.call(ctx, "lineage", &f.lineageCalls, func(ctx context.Context) error {
			fetched, err := f.source.FetchTaxon(ctx, taxonID)
			if err == nil {
				t = fetched
			}
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("taxon %d: %w", taxonID, err)
		}
		f.storeTaxon(ctx, t)
	}

	chain := make([]taxon.Node, 0, len(t.Ancestors))
	for _, a := range t.Ancestors {
		chain = append(chain, taxon.NodeOf(a))
	}
	return chain, nil
}

func (f *Fetcher) cachedTaxon(ctx context.Context, id int64) (inat.Taxon, bool) {
	if f.cache == nil {
		return inat.Taxon{}, false
	}
	entry, err := f.cache.Get(ctx, cache.TaxonKey(id))
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			f.logger.Warn().Err(err).Int64("taxon_id", id).Msg("Cache read failed")
		}
		return inat.Taxon{}, false
	}
	var t inat.Taxon
	if err := json.Unmarshal(entry.Data, &t); err != nil || t.ID != id {
		f.logger.Warn().Int64("taxon_id", id).Msg("Ignoring unusable cache entry")
		return inat.Taxon{}, false
	}
	f.cacheHits.Add(1)
	return t, true
}

func (f *Fetcher) storeTaxon(ctx context.Context, t inat.Taxon) {
	if f.cache == nil {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := f.cache.Set(ctx, cache.TaxonKey(t.ID), cache.NewEntry(data, f.cache.TTL())); err != nil {
		f.logger.Warn().Err(err).Int64("taxon_id", t.ID).Msg("Cache write failed")
	}
}
