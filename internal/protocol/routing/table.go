// Package routing owns the per-connection routing table: which route
// (plain or secure) carries each package type, and how two peers agree on
// one table during the handshake.
package routing

import (
	"errors"
	"fmt"
	"sort"
)

// Name identifies a transport route.
type Name uint32

const (
	Unknown Name = 0
	Plain   Name = 1
	Secure  Name = 2
)

func (n Name) String() string {
	switch n {
	case Unknown:
		return "unknown"
	case Plain:
		return "plain"
	case Secure:
		return "secure"
	default:
		return fmt.Sprintf("route(%d)", uint32(n))
	}
}

// Requirement says whether a peer may substitute another route.
type Requirement uint32

const (
	Optional Requirement = 0
	Required Requirement = 1
)

func (r Requirement) String() string {
	if r == Required {
		return "required"
	}
	return "optional"
}

// MaxRoutes bounds the explicit ranges of one table.
const MaxRoutes = 20

var (
	ErrRangeOrder    = errors.New("routing: range begin after end")
	ErrRangeOverlap  = errors.New("routing: range overlaps an existing route")
	ErrTooManyRoutes = errors.New("routing: too many routes")
	ErrRejected      = errors.New("routing: table rejected")
	ErrMalformed     = errors.New("routing: malformed table buffer")
)

// Range is an inclusive package type interval.
type Range struct {
	Begin uint32
	End   uint32
}

func (r Range) Contains(typ uint32) bool {
	return r.Begin <= typ && typ <= r.End
}

func (r Range) overlaps(o Range) bool {
	return r.Contains(o.Begin) || r.Contains(o.End) || o.Contains(r.Begin)
}

// Route pairs a name with its requirement.
type Route struct {
	Name        Name
	Requirement Requirement
}

func (r Route) String() string {
	return r.Name.String() + "/" + r.Requirement.String()
}

// Table is a default route plus non-overlapping explicit ranges. The zero
// Table is the null table.
type Table struct {
	def    Route
	routes map[Range]Route
	known  map[Name]struct{}
}

// New builds a table with a default route. extra names are recognised
// without being bound to any range.
func New(def Name, req Requirement, extra ...Name) Table {
	t := Table{
		def:    Route{Name: def, Requirement: req},
		routes: make(map[Range]Route),
		known:  map[Name]struct{}{def: {}},
	}
	for _, n := range extra {
		t.known[n] = struct{}{}
	}
	return t
}

// IsNull reports a table without a usable default route.
func (t Table) IsNull() bool {
	return t.def.Name == Unknown
}

func (t Table) Default() Route {
	return t.def
}

// Len returns the number of explicit ranges.
func (t Table) Len() int {
	return len(t.routes)
}

// Recognises reports whether n is a route name this table knows.
func (t Table) Recognises(n Name) bool {
	_, ok := t.known[n]
	return ok
}

// AddRoute binds a single type.
func (t *Table) AddRoute(typ uint32, name Name, req Requirement) error {
	return t.AddRange(typ, typ, name, req)
}

// AddRange binds [begin,end]. Ranges never overlap and a table holds at
// most MaxRoutes of them.
func (t *Table) AddRange(begin, end uint32, name Name, req Requirement) error {
	if begin > end {
		return fmt.Errorf("%w: [%d,%d]", ErrRangeOrder, begin, end)
	}
	if t.routes == nil {
		t.routes = make(map[Range]Route)
	}
	if t.known == nil {
		t.known = make(map[Name]struct{})
	}
	if len(t.routes) >= MaxRoutes {
		return ErrTooManyRoutes
	}
	r := Range{Begin: begin, End: end}
	for existing := range t.routes {
		if existing.overlaps(r) {
			return fmt.Errorf("%w: [%d,%d] vs [%d,%d]", ErrRangeOverlap, begin, end, existing.Begin, existing.End)
		}
	}
	t.routes[r] = Route{Name: name, Requirement: req}
	t.known[name] = struct{}{}
	return nil
}

// Find returns the route name for typ, falling back to the default.
func (t Table) Find(typ uint32) Name {
	if r, ok := t.routes[Range{Begin: typ, End: typ}]; ok {
		return r.Name
	}
	for rng, r := range t.routes {
		if rng.Contains(typ) {
			return r.Name
		}
	}
	return t.def.Name
}

// Entry is one explicit range with its route.
type Entry struct {
	Range
	Route
}

// Entries lists explicit ranges ordered by range start.
func (t Table) Entries() []Entry {
	out := make([]Entry, 0, len(t.routes))
	for rng, r := range t.routes {
		out = append(out, Entry{Range: rng, Route: r})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Begin < out[j].Begin
	})
	return out
}

// UsesName reports whether any route, default included, resolves to n.
func (t Table) UsesName(n Name) bool {
	if t.def.Name == n {
		return true
	}
	for _, r := range t.routes {
		if r.Name == n {
			return true
		}
	}
	return false
}

// Equal compares default route and explicit ranges.
func (t Table) Equal(o Table) bool {
	if t.def != o.def || len(t.routes) != len(o.routes) {
		return false
	}
	for rng, r := range t.routes {
		if or, ok := o.routes[rng]; !ok || or != r {
			return false
		}
	}
	return true
}

func (t Table) clone() Table {
	c := Table{
		def:    t.def,
		routes: make(map[Range]Route, len(t.routes)),
		known:  make(map[Name]struct{}, len(t.known)),
	}
	for k, v := range t.routes {
		c.routes[k] = v
	}
	for k := range t.known {
		c.known[k] = struct{}{}
	}
	return c
}
