package cache

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the payload kind of a cache entry.
type Kind string

const (
	KindObservation Kind = "observation"
	KindTaxon       Kind = "taxon"
)

// CacheKey represents a unique identifier for a cached payload.
type CacheKey struct {
	Kind Kind
	ID   int64
}

// ObservationKey returns the key of an observation payload.
func ObservationKey(id int64) CacheKey {
	return CacheKey{Kind: KindObservation, ID: id}
}

// TaxonKey returns the key of a taxon payload.
func TaxonKey(id int64) CacheKey {
	return CacheKey{Kind: KindTaxon, ID: id}
}

// String generates the Redis key.
// Format: inat:<kind>:<id>
//
// Example:
//
//	inat:observation:12345
func (k CacheKey) String() string {
	return strings.Join([]string{"inat", string(k.Kind), strconv.FormatInt(k.ID, 10)}, ":")
}

// ParseKey is the inverse of CacheKey.String.
func ParseKey(s string) (CacheKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] != "inat" {
		return CacheKey{}, fmt.Errorf("invalid cache key %q", s)
	}
	kind := Kind(parts[1])
	if kind != KindObservation && kind != KindTaxon {
		return CacheKey{}, fmt.Errorf("invalid cache key %q: unknown kind %q", s, parts[1])
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || id <= 0 {
		return CacheKey{}, fmt.Errorf("invalid cache key %q: bad id", s)
	}
	return CacheKey{Kind: kind, ID: id}, nil
}
