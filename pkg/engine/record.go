package engine

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/inat-orders/pkg/aggregate"
	"github.com/Sternrassler/inat-orders/pkg/inat"
	"github.com/Sternrassler/inat-orders/pkg/taxon"
)

// Record is the resolution of one input identifier. Records are built once
// and never mutated. Empty strings mean absent.
type Record struct {
	// Index is the position of the identifier in the input.
	Index           int
	ID              int64
	Order           string
	Family          string
	Username        string
	UserDisplayName string
	// Taxon is the observation's own taxon, when known.
	Taxon  *taxon.Node
	Status taxon.Status
	// Detail explains Unknown and Error records.
	Detail string
}

// Entry converts the record for aggregation.
func (r Record) Entry() aggregate.Entry {
	return aggregate.Entry{
		Order:           r.Order,
		Family:          r.Family,
		Username:        r.Username,
		UserDisplayName: r.UserDisplayName,
		Failed:          r.Status == taxon.StatusError,
	}
}

// Record details.
const (
	DetailNoResults      = "No results found"
	DetailNoTaxon        = "No taxonomic information available"
	DetailNoOrder        = "Could not find order in ancestry chain"
	DetailNoUser         = "No user information available"
	DetailAboveOrderRank = "Taxon ranks above order"
)

// describe turns a fetch or resolution error into a record detail.
func describe(err error) string {
	switch {
	case errors.Is(err, inat.ErrNotFound):
		return DetailNoResults
	case errors.Is(err, inat.ErrMissingTaxon):
		return DetailNoTaxon
	case inat.ClassOf(err) == inat.ErrorClassParse:
		return fmt.Sprintf("Malformed response: %v", err)
	default:
		return fmt.Sprintf("API request failed: %v", err)
	}
}
