package dataset

import (
	"fmt"
	"strings"
)

// SetID, MapID and DatID are stable handles into a Registry
type (
	SetID int
	MapID int
	DatID int
)

// Registry owns every Set, Map and Dat declared through it. Handles are
// indices into its slices and stay valid for the registry's lifetime.
type Registry struct {
	// Rank of the process owning this registry, -1 for a global (undistributed) view
	Rank int

	sets []*Set
	maps []*Map
	dats []*Dat
}

// NewRegistry creates an empty registry for a global, undistributed mesh
func NewRegistry() *Registry {
	return &Registry{Rank: -1}
}

// Set is an ordered collection of mesh elements laid out as
// [core | owned non-core | exec halo | non-exec halo]
type Set struct {
	id   SetID
	name string

	size        int // owned elements, also the start of the exec halo
	coreSize    int
	execSize    int
	nonExecSize int
	generation  uint64
}

// Map is a fixed-arity connectivity relation. Row i holds the Arity targets of
// element i of From; rows cover the executable part of From (owned + exec halo).
type Map struct {
	id     MapID
	name   string
	From   *Set
	To     *Set
	Arity  int
	Values []int

	// endpoint generations the rows were last checked against
	fromGen, toGen uint64
}

// DeclareSet registers a set of size elements, all of them core
func (r *Registry) DeclareSet(size int, name string) (*Set, error) {
	if size < 0 {
		return nil, Configurationf(r.Rank, name, "negative set size %d", size)
	}
	s := &Set{
		id:       SetID(len(r.sets)),
		name:     name,
		size:     size,
		coreSize: size,
	}
	r.sets = append(r.sets, s)
	return s, nil
}

// DeclareMap registers a map from -> to with the given arity. indices holds
// arity entries per executable element of from.
func (r *Registry) DeclareMap(from, to *Set, arity int, indices []int, name string) (*Map, error) {
	if from == nil || to == nil {
		return nil, Consistencyf(r.Rank, name, "map endpoints must be declared sets")
	}
	if r.lookupSet(from) == nil || r.lookupSet(to) == nil {
		return nil, Consistencyf(r.Rank, name, "map endpoints %s -> %s are not owned by this registry",
			from.name, to.name)
	}
	if arity <= 0 {
		return nil, Configurationf(r.Rank, name, "arity must be positive, got %d", arity)
	}
	rows := from.ExecEnd()
	if len(indices) != rows*arity {
		return nil, Consistencyf(r.Rank, name, "expected %d indices (%d rows x arity %d), got %d",
			rows*arity, rows, arity, len(indices))
	}
	if err := checkTargets(r.Rank, name, indices, arity, to); err != nil {
		return nil, err
	}
	m := &Map{
		id:      MapID(len(r.maps)),
		name:    name,
		From:    from,
		To:      to,
		Arity:   arity,
		Values:  append([]int(nil), indices...),
		fromGen: from.generation,
		toGen:   to.generation,
	}
	r.maps = append(r.maps, m)
	return m, nil
}

func checkTargets(rank int, name string, indices []int, arity int, to *Set) error {
	total := to.Total()
	for i, t := range indices {
		if t < 0 || t >= total {
			return Consistencyf(rank, name, "element %d target %d out of range [0,%d) of set %s",
				i/arity, t, total, to.name)
		}
	}
	return nil
}

func (r *Registry) lookupSet(s *Set) *Set {
	if int(s.id) < 0 || int(s.id) >= len(r.sets) || r.sets[s.id] != s {
		return nil
	}
	return s
}

// Set returns the set with handle id, or nil
func (r *Registry) Set(id SetID) *Set {
	if int(id) < 0 || int(id) >= len(r.sets) {
		return nil
	}
	return r.sets[id]
}

// Map returns the map with handle id, or nil
func (r *Registry) Map(id MapID) *Map {
	if int(id) < 0 || int(id) >= len(r.maps) {
		return nil
	}
	return r.maps[id]
}

// Dat returns the dat with handle id, or nil
func (r *Registry) Dat(id DatID) *Dat {
	if int(id) < 0 || int(id) >= len(r.dats) {
		return nil
	}
	return r.dats[id]
}

// Sets returns all sets in declaration order
func (r *Registry) Sets() []*Set { return r.sets }

// Maps returns all maps in declaration order
func (r *Registry) Maps() []*Map { return r.maps }

// Dats returns all dats in declaration order
func (r *Registry) Dats() []*Dat { return r.dats }

// DatsOn returns the dats declared over s
func (r *Registry) DatsOn(s *Set) []*Dat {
	var out []*Dat
	for _, d := range r.dats {
		if d.set == s {
			out = append(out, d)
		}
	}
	return out
}

// Describe renders a one-line-per-entity summary for diagnostics
func (r *Registry) Describe() string {
	var sb strings.Builder
	for _, s := range r.sets {
		fmt.Fprintf(&sb, "set %-12s size=%d core=%d exec=%d nonexec=%d\n",
			s.name, s.size, s.coreSize, s.execSize, s.nonExecSize)
	}
	for _, m := range r.maps {
		fmt.Fprintf(&sb, "map %-12s %s -> %s arity=%d\n", m.name, m.From.name, m.To.name, m.Arity)
	}
	for _, d := range r.dats {
		fmt.Fprintf(&sb, "dat %-12s on %s dim=%d type=%s dirty=%v\n",
			d.name, d.set.name, d.dim, d.typ, d.dirty)
	}
	return sb.String()
}

// Methods for Set

func (s *Set) ID() SetID { return s.id }
func (s *Set) Name() string { return s.name }
func (s *Set) Size() int { return s.size }
func (s *Set) CoreSize() int { return s.coreSize }
func (s *Set) ExecSize() int { return s.execSize }
func (s *Set) NonExecSize() int { return s.nonExecSize }

// ExecEnd is one past the last exec-halo element
func (s *Set) ExecEnd() int { return s.size + s.execSize }

// Total is the local element count including both halo regions
func (s *Set) Total() int { return s.size + s.execSize + s.nonExecSize }

// Generation changes every time the layout of the set changes
func (s *Set) Generation() uint64 { return s.generation }

// Resize sets the region sizes of a set. It is called by the partitioner
// after renumbering; every Dat already declared over the set is invalid
// afterwards, so Resize is only legal before any Dat exists on it.
func (s *Set) Resize(size, core, exec, nonExec int) error {
	if core < 0 || core > size || exec < 0 || nonExec < 0 {
		return Consistencyf(-1, s.name, "invalid regions size=%d core=%d exec=%d nonexec=%d",
			size, core, exec, nonExec)
	}
	s.size = size
	s.coreSize = core
	s.execSize = exec
	s.nonExecSize = nonExec
	s.generation++
	return nil
}

// Methods for Map

func (m *Map) ID() MapID { return m.id }
func (m *Map) Name() string { return m.name }

// Rows is the number of from-set elements the map covers
func (m *Map) Rows() int { return len(m.Values) / m.Arity }

// Target returns the k-th target of element e
func (m *Map) Target(e, k int) int { return m.Values[e*m.Arity+k] }

// Row returns the targets of element e
func (m *Map) Row(e int) []int { return m.Values[e*m.Arity : (e+1)*m.Arity] }

// Stale reports whether either endpoint was resized since the map was last
// checked
func (m *Map) Stale() bool {
	return m.fromGen != m.From.generation || m.toGen != m.To.generation
}

// Revalidate checks a stale map against the current layout of its endpoints.
// When the rows still cover the executable part of From and every target is
// inside To, the new generations are recorded and the map is usable again.
func (m *Map) Revalidate() error {
	if !m.Stale() {
		return nil
	}
	if rows, need := m.Rows(), m.From.ExecEnd(); rows < need {
		return Consistencyf(-1, m.name, "map has %d rows, set %s was resized to %d executable elements",
			rows, m.From.name, need)
	}
	if err := checkTargets(-1, m.name, m.Values, m.Arity, m.To); err != nil {
		return err
	}
	m.fromGen, m.toGen = m.From.generation, m.To.generation
	return nil
}
