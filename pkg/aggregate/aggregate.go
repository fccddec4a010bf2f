// Package aggregate folds resolved records into frequency tables and renders
// them as deterministic, sorted summaries.
package aggregate

import (
	"cmp"
	"maps"
	"slices"
)

// UnknownOrder is the family bucket for records that have a family but no
// order.
const UnknownOrder = "Unknown order"

// Options selects the optional tables.
type Options struct {
	Family bool
	Users  bool
}

// Entry is one resolved record as seen by the aggregator. Empty strings
// mean absent.
type Entry struct {
	Order           string
	Family          string
	Username        string
	UserDisplayName string
	// Failed marks records whose fetch or resolution failed.
	Failed bool
}

// Tables are the aggregate counts of a run.
type Tables struct {
	Orders map[string]int
	// Families maps order to family to count. Records with a family but no
	// order are filed under UnknownOrder.
	Families map[string]map[string]int
	// UnknownFamilies maps order to the number of records without a family.
	UnknownFamilies map[string]int
	Users           map[string]int
	// UserNames maps login to display name.
	UserNames map[string]string
	// Unknown counts records without an order, errors included.
	Unknown int
	// Errors counts failed records; it is a subset of Unknown.
	Errors int
	// UnknownFamilyUnknownOrder counts records with neither family nor order.
	UnknownFamilyUnknownOrder int
	Total                     int
}

// Count is one summary line.
type Count struct {
	Name  string
	Count int
}

// UserCount is one user summary line.
type UserCount struct {
	Login       string
	DisplayName string
	Count       int
}

// FamilyGroup is the family summary of one order.
type FamilyGroup struct {
	Order    string
	Families []Count
	// Unknown is the number of records of this order without a family.
	Unknown int
}

// Engine accumulates entries. It is not safe for concurrent use; records
// are folded by a single goroutine in input order.
type Engine struct {
	opts   Options
	tables Tables
}

// New creates an empty aggregator.
func New(opts Options) *Engine {
	return &Engine{
		opts: opts,
		tables: Tables{
			Orders:          make(map[string]int),
			Families:        make(map[string]map[string]int),
			UnknownFamilies: make(map[string]int),
			Users:           make(map[string]int),
			UserNames:       make(map[string]string),
		},
	}
}

// Add folds one record. Every record counts exactly once towards either an
// order or Unknown.
func (e *Engine) Add(entry Entry) {
	t := &e.tables
	t.Total++

	if entry.Failed {
		t.Errors++
	}

	if entry.Order == "" || entry.Failed {
		t.Unknown++
	} else {
		t.Orders[entry.Order]++
	}

	if e.opts.Family {
		e.addFamily(entry)
	}

	// Users count once per observation.
	if e.opts.Users && entry.Username != "" && !entry.Failed {
		t.Users[entry.Username]++
		t.UserNames[entry.Username] = entry.UserDisplayName
	}
}

func (e *Engine) addFamily(entry Entry) {
	t := &e.tables
	order := entry.Order
	if entry.Failed {
		order = ""
	}

	switch {
	case order != "" && entry.Family != "":
		bump(t.Families, order, entry.Family)
	case order != "":
		t.UnknownFamilies[order]++
	case entry.Family != "":
		bump(t.Families, UnknownOrder, entry.Family)
	default:
		t.UnknownFamilyUnknownOrder++
	}
}

func bump(m map[string]map[string]int, outer, inner string) {
	if m[outer] == nil {
		m[outer] = make(map[string]int)
	}
	m[outer][inner]++
}

// Tables returns a deep copy of the current tables.
func (e *Engine) Tables() Tables {
	t := e.tables
	t.Orders = maps.Clone(t.Orders)
	t.UnknownFamilies = maps.Clone(t.UnknownFamilies)
	t.Users = maps.Clone(t.Users)
	t.UserNames = maps.Clone(t.UserNames)
	t.Families = make(map[string]map[string]int, len(e.tables.Families))
	for k, v := range e.tables.Families {
		t.Families[k] = maps.Clone(v)
	}
	return t
}

// OrderSummary returns the order counts sorted by count descending, then
// name ascending.
func (e *Engine) OrderSummary() []Count {
	return e.tables.OrderSummary()
}

// FamilySummary returns one group per order in OrderSummary order, followed
// by the UnknownOrder group when it is non-empty.
func (e *Engine) FamilySummary() []FamilyGroup {
	return e.tables.FamilySummary()
}

// UserSummary returns the user counts sorted by count descending, then
// login ascending.
func (e *Engine) UserSummary() []UserCount {
	return e.tables.UserSummary()
}

// OrderSummary is the sorted order table.
func (t Tables) OrderSummary() []Count {
	return sortCounts(t.Orders)
}

// FamilySummary is the family table grouped by order. Groups are ordered
// by order name, with the unknown order last; families within a group by
// count descending, then name.
func (t Tables) FamilySummary() []FamilyGroup {
	var groups []FamilyGroup
	for _, order := range slices.Sorted(maps.Keys(t.Orders)) {
		groups = append(groups, FamilyGroup{
			Order:    order,
			Families: sortCounts(t.Families[order]),
			Unknown:  t.UnknownFamilies[order],
		})
	}
	if fams := t.Families[UnknownOrder]; len(fams) > 0 {
		groups = append(groups, FamilyGroup{
			Order:    UnknownOrder,
			Families: sortCounts(fams),
		})
	}
	return groups
}

// UserSummary is the sorted user table.
func (t Tables) UserSummary() []UserCount {
	out := make([]UserCount, 0, len(t.Users))
	for login, n := range t.Users {
		out = append(out, UserCount{Login: login, DisplayName: t.UserNames[login], Count: n})
	}
	slices.SortFunc(out, func(a, b UserCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Login, b.Login)
	})
	return out
}

func sortCounts(m map[string]int) []Count {
	out := make([]Count, 0, len(m))
	for name, n := range m {
		out = append(out, Count{Name: name, Count: n})
	}
	slices.SortFunc(out, func(a, b Count) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}
