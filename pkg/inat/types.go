package inat

import (
	"encoding/json"
	"fmt"
)

// Observation is one iNaturalist observation as used by the resolver.
type Observation struct {
	ID    int64  `json:"id"`
	Taxon *Taxon `json:"taxon,omitempty"`
	User  *User  `json:"user,omitempty"`
}

// Taxon is a node of the iNaturalist classification.
type Taxon struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Rank string `json:"rank"`
	// AncestorIDs lists the lineage root first, self included as last element.
	AncestorIDs []int64 `json:"ancestor_ids,omitempty"`
	// Ancestors holds the lineage nodes root first, self excluded. Only
	// populated by the taxa endpoint.
	Ancestors []Taxon `json:"ancestors,omitempty"`
}

// User is the observer of an observation.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name,omitempty"`
}

// DisplayName returns the user's name, falling back to the login.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Name != "" {
		return u.Name
	}
	return u.Login
}

// Wire schema. Pointers distinguish missing required fields from zero values.
type wireEnvelope struct {
	TotalResults *int               `json:"total_results"`
	Results      *[]json.RawMessage `json:"results"`
}

type wireObservation struct {
	ID    *int64     `json:"id"`
	Taxon *wireTaxon `json:"taxon"`
	User  *wireUser  `json:"user"`
}

type wireTaxon struct {
	ID          *int64      `json:"id"`
	Name        *string     `json:"name"`
	Rank        *string     `json:"rank"`
	AncestorIDs []int64     `json:"ancestor_ids"`
	Ancestors   []wireTaxon `json:"ancestors"`
}

type wireUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
}

// decodeEnvelope extracts the results array of an API response.
func decodeEnvelope(body []byte) ([]json.RawMessage, error) {
	var env wireEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ParseError{Object: "envelope", Err: err}
	}
	if env.Results == nil {
		return nil, &ParseError{Object: "envelope", Field: "results"}
	}
	return *env.Results, nil
}

// ParseObservation validates and converts one raw observation. The
// observation id is returned even when the taxon is invalid, so a single bad
// record can be attributed without failing its batch.
func ParseObservation(raw []byte) (Observation, error) {
	var head struct {
		ID *int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Observation{}, &ParseError{Object: "observation", Err: err}
	}
	if head.ID == nil {
		return Observation{}, &ParseError{Object: "observation", Field: "id"}
	}

	obs := Observation{ID: *head.ID}
	var u struct {
		User *wireUser `json:"user"`
	}
	if err := json.Unmarshal(raw, &u); err == nil && u.User != nil && (u.User.Login != "" || u.User.Name != "") {
		obs.User = &User{ID: u.User.ID, Login: u.User.Login, Name: u.User.Name}
	}

	var w wireObservation
	if err := json.Unmarshal(raw, &w); err != nil {
		return obs, fmt.Errorf("observation %d: %w", obs.ID, &ParseError{Object: "observation", Err: err})
	}

	if w.Taxon == nil {
		return obs, fmt.Errorf("observation %d: %w", obs.ID, ErrMissingTaxon)
	}

	taxon, err := convertTaxon(*w.Taxon)
	if err != nil {
		return obs, fmt.Errorf("observation %d: %w", obs.ID, err)
	}
	obs.Taxon = &taxon
	return obs, nil
}

// ParseTaxon validates and converts one raw taxon, including its ancestors.
func ParseTaxon(raw []byte) (Taxon, error) {
	var w wireTaxon
	if err := json.Unmarshal(raw, &w); err != nil {
		return Taxon{}, &ParseError{Object: "taxon", Err: err}
	}
	return convertTaxon(w)
}

func convertTaxon(w wireTaxon) (Taxon, error) {
	switch {
	case w.ID == nil:
		return Taxon{}, &ParseError{Object: "taxon", Field: "id"}
	case w.Name == nil || *w.Name == "":
		return Taxon{}, &ParseError{Object: "taxon", Field: "name"}
	case w.Rank == nil || *w.Rank == "":
		return Taxon{}, &ParseError{Object: "taxon", Field: "rank"}
	}

	t := Taxon{
		ID:          *w.ID,
		Name:        *w.Name,
		Rank:        *w.Rank,
		AncestorIDs: w.AncestorIDs,
	}
	for i, a := range w.Ancestors {
		anc, err := convertTaxon(a)
		if err != nil {
			return Taxon{}, fmt.Errorf("taxon %d ancestor %d: %w", t.ID, i, err)
		}
		t.Ancestors = append(t.Ancestors, anc)
	}
	return t, nil
}
