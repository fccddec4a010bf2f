// Package taxon derives taxonomic order and family from a classification
// record and caches the derivation per taxon.
package taxon

import (
	"github.com/Sternrassler/inat-orders/pkg/inat"
)

// Rank is an iNaturalist rank name. Matching is exact and case-sensitive.
type Rank string

// Ranks used by the resolver.
const (
	RankKingdom Rank = "kingdom"
	RankClass   Rank = "class"
	RankOrder   Rank = "order"
	RankFamily  Rank = "family"
	RankGenus   Rank = "genus"
	RankSpecies Rank = "species"
)

// levels mirrors the rank_level values of the iNaturalist taxonomy. Higher
// is coarser.
var levels = map[Rank]float64{
	"stateofmatter": 100,
	"kingdom":       70,
	"phylum":        60,
	"subphylum":     57,
	"superclass":    53,
	"class":         50,
	"subclass":      47,
	"infraclass":    45,
	"subterclass":   44,
	"superorder":    43,
	"order":         40,
	"suborder":      37,
	"infraorder":    35,
	"parvorder":     34.5,
	"zoosection":    34,
	"zoosubsection": 33.5,
	"superfamily":   33,
	"epifamily":     32,
	"family":        30,
	"subfamily":     27,
	"supertribe":    26,
	"tribe":         25,
	"subtribe":      24,
	"genus":         20,
	"genushybrid":   20,
	"subgenus":      15,
	"section":       13,
	"subsection":    12,
	"complex":       11,
	"species":       10,
	"hybrid":        10,
	"subspecies":    5,
	"variety":       5,
	"form":          5,
	"infrahybrid":   5,
}

// Level returns the numeric rank level and whether the rank is known.
func (r Rank) Level() (float64, bool) {
	l, ok := levels[r]
	return l, ok
}

// CoarserThan reports whether r is strictly above other. Unknown ranks are
// never coarser.
func (r Rank) CoarserThan(other Rank) bool {
	a, ok := r.Level()
	if !ok {
		return false
	}
	b, ok := other.Level()
	if !ok {
		return false
	}
	return a > b
}

// Node is one taxon of a classification.
type Node struct {
	ID   int64
	Name string
	Rank Rank
}

// Record is the classification of one observation: the self taxon, its
// ancestry chain root first (self excluded, may be empty) and the ancestor
// id list as delivered with the observation.
type Record struct {
	Self        Node
	Ancestors   []Node
	AncestorIDs []int64
}

// NodeOf converts an API taxon to a Node.
func NodeOf(t inat.Taxon) Node {
	return Node{ID: t.ID, Name: t.Name, Rank: Rank(t.Rank)}
}

// RecordOf builds the classification record of an API taxon.
func RecordOf(t inat.Taxon) Record {
	rec := Record{
		Self:        NodeOf(t),
		AncestorIDs: t.AncestorIDs,
	}
	for _, a := range t.Ancestors {
		rec.Ancestors = append(rec.Ancestors, NodeOf(a))
	}
	return rec
}

// HasLineage reports whether the record names ancestors beyond itself.
func (r Record) HasLineage() bool {
	for _, id := range r.AncestorIDs {
		if id != r.Self.ID {
			return true
		}
	}
	return false
}
