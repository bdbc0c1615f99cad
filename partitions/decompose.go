package partitions

import (
	"sort"

	"github.com/notargets/MeshLoop/dataset"
	"github.com/rs/zerolog"
)

// RankMesh is the local view of a decomposed mesh on one rank. Its registry
// declares the same sets, maps and dats, with the same handles, as the global
// registry it was cut from.
type RankMesh struct {
	Rank     int
	Registry *dataset.Registry
	Halos    Halos

	// GlobalIndex[set][local] is the global id of a local element
	GlobalIndex [][]int
	localIndex  []map[int]int
}

// Locate returns the local index of global element gid of set, if present on this rank
func (rm *RankMesh) Locate(set dataset.SetID, gid int) (int, bool) {
	if int(set) < 0 || int(set) >= len(rm.localIndex) {
		return 0, false
	}
	l, ok := rm.localIndex[set][gid]
	return l, ok
}

// setLayout is the renumbering of one set on one rank:
// [core | owned non-core | exec | non-exec]
type setLayout struct {
	order   []int
	local   map[int]int
	owned   int
	core    int
	exec    int
	nonExec int
}

type config struct {
	log zerolog.Logger
}

// Option configures Decompose
type Option func(*config)

// WithLogger sets the logger used for per-rank decomposition summaries
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.log = l }
}

// Decompose cuts a global registry into nranks rank meshes according to owners.
// Sets without an owner list get one from DeriveOwnership.
func Decompose(global *dataset.Registry, owners Ownership, nranks int, opts ...Option) ([]*RankMesh, error) {
	cfg := config{log: zerolog.Nop()}
	for _, o := range opts {
		o(&cfg)
	}
	for _, s := range global.Sets() {
		if s.ExecSize()+s.NonExecSize() != 0 {
			return nil, dataset.Consistencyf(-1, s.Name(), "set is already partitioned")
		}
	}
	full, err := DeriveOwnership(global, owners, nranks)
	if err != nil {
		return nil, err
	}

	layouts := make([][]*setLayout, nranks)
	for r := 0; r < nranks; r++ {
		layouts[r] = classify(global, full, r)
	}

	meshes := make([]*RankMesh, nranks)
	for r := 0; r < nranks; r++ {
		rm, err := buildRankMesh(global, full, layouts, r)
		if err != nil {
			return nil, err
		}
		for _, s := range rm.Registry.Sets() {
			cfg.log.Debug().
				Int("rank", r).
				Str("set", s.Name()).
				Int("core", s.CoreSize()).
				Int("owned", s.Size()).
				Int("exec", s.ExecSize()).
				Int("nonexec", s.NonExecSize()).
				Msg("decomposed set")
		}
		meshes[r] = rm
	}
	if err := ValidateSymmetry(meshes); err != nil {
		return nil, err
	}
	return meshes, nil
}

// classify computes the local layout of every set on rank r
func classify(global *dataset.Registry, owners Ownership, r int) []*setLayout {
	sets := global.Sets()
	isExec := make([][]bool, len(sets))
	isNonExec := make([][]bool, len(sets))
	for _, s := range sets {
		isExec[s.ID()] = make([]bool, s.Size())
		isNonExec[s.ID()] = make([]bool, s.Size())
	}

	// exec halo: foreign elements that write into something this rank owns
	for _, m := range global.Maps() {
		from, to := owners[m.From.ID()], owners[m.To.ID()]
		for e := 0; e < m.From.Size(); e++ {
			if from[e] == r {
				continue
			}
			for _, t := range m.Row(e) {
				if to[t] == r {
					isExec[m.From.ID()][e] = true
					break
				}
			}
		}
	}

	// non-exec halo: anything referenced by an executed element that is not local yet
	for _, m := range global.Maps() {
		from, to := owners[m.From.ID()], owners[m.To.ID()]
		execFrom, execTo := isExec[m.From.ID()], isExec[m.To.ID()]
		for e := 0; e < m.From.Size(); e++ {
			if from[e] != r && !execFrom[e] {
				continue
			}
			for _, t := range m.Row(e) {
				if to[t] != r && !execTo[t] {
					isNonExec[m.To.ID()][t] = true
				}
			}
		}
	}

	layouts := make([]*setLayout, len(sets))
	for _, s := range sets {
		id := s.ID()
		own := owners[id]
		var core, nonCore, exec, nonExec []int
		for g := 0; g < s.Size(); g++ {
			switch {
			case own[g] == r:
				if isCore(global, owners, s, g, r) {
					core = append(core, g)
				} else {
					nonCore = append(nonCore, g)
				}
			case isExec[id][g]:
				exec = append(exec, g)
			case isNonExec[id][g]:
				nonExec = append(nonExec, g)
			}
		}
		byOwner := func(list []int) {
			sort.SliceStable(list, func(i, j int) bool { return own[list[i]] < own[list[j]] })
		}
		byOwner(exec)
		byOwner(nonExec)

		sl := &setLayout{
			owned:   len(core) + len(nonCore),
			core:    len(core),
			exec:    len(exec),
			nonExec: len(nonExec),
		}
		sl.order = make([]int, 0, sl.owned+sl.exec+sl.nonExec)
		sl.order = append(sl.order, core...)
		sl.order = append(sl.order, nonCore...)
		sl.order = append(sl.order, exec...)
		sl.order = append(sl.order, nonExec...)
		sl.local = make(map[int]int, len(sl.order))
		for l, g := range sl.order {
			sl.local[g] = l
		}
		layouts[id] = sl
	}
	return layouts
}

// isCore reports whether every target of owned element g, through every map
// leaving s, is owned by r
func isCore(global *dataset.Registry, owners Ownership, s *dataset.Set, g, r int) bool {
	for _, m := range global.Maps() {
		if m.From != s {
			continue
		}
		to := owners[m.To.ID()]
		for _, t := range m.Row(g) {
			if to[t] != r {
				return false
			}
		}
	}
	return true
}

func buildRankMesh(global *dataset.Registry, owners Ownership, layouts [][]*setLayout, r int) (*RankMesh, error) {
	reg := dataset.NewRegistry()
	reg.Rank = r
	mine := layouts[r]
	rm := &RankMesh{
		Rank:        r,
		Registry:    reg,
		Halos:       make(Halos, len(global.Sets())),
		GlobalIndex: make([][]int, len(global.Sets())),
		localIndex:  make([]map[int]int, len(global.Sets())),
	}

	for _, gs := range global.Sets() {
		sl := mine[gs.ID()]
		ls, err := reg.DeclareSet(sl.owned, gs.Name())
		if err != nil {
			return nil, err
		}
		if err = ls.Resize(sl.owned, sl.core, sl.exec, sl.nonExec); err != nil {
			return nil, dataset.WithRank(err, r)
		}
		rm.GlobalIndex[gs.ID()] = sl.order
		rm.localIndex[gs.ID()] = sl.local
	}

	for _, gm := range global.Maps() {
		from, to := mine[gm.From.ID()], mine[gm.To.ID()]
		rows := from.owned + from.exec
		indices := make([]int, 0, rows*gm.Arity)
		for l := 0; l < rows; l++ {
			for _, tg := range gm.Row(from.order[l]) {
				lt, ok := to.local[tg]
				if !ok {
					return nil, dataset.Consistencyf(r, gm.Name(), "target %d of element %d is not local",
						tg, from.order[l])
				}
				indices = append(indices, lt)
			}
		}
		if _, err := reg.DeclareMap(reg.Set(gm.From.ID()), reg.Set(gm.To.ID()), gm.Arity, indices, gm.Name()); err != nil {
			return nil, err
		}
	}

	for _, gd := range global.Dats() {
		sl := mine[gd.Set().ID()]
		img := make([]byte, 0, len(sl.order)*gd.Stride())
		for _, g := range sl.order {
			img = append(img, gd.ElementBytes(g)...)
		}
		if _, err := reg.DeclareDatBytes(reg.Set(gd.Set().ID()), gd.Dim(), gd.Type(), img, gd.Name()); err != nil {
			return nil, err
		}
	}

	for _, gs := range global.Sets() {
		id := gs.ID()
		ls := reg.Set(id)
		sl := mine[id]
		own := owners[id]

		impExec, impNonExec := newListBuilder(), newListBuilder()
		for j := 0; j < sl.exec; j++ {
			impExec.add(own[sl.order[sl.owned+j]], j)
		}
		for j := 0; j < sl.nonExec; j++ {
			impNonExec.add(own[sl.order[sl.owned+sl.exec+j]], j)
		}

		expExec, expNonExec := newListBuilder(), newListBuilder()
		for p, theirs := range layouts {
			if p == r {
				continue
			}
			tl := theirs[id]
			for _, g := range tl.order[tl.owned : tl.owned+tl.exec] {
				if own[g] == r {
					expExec.add(p, sl.local[g])
				}
			}
			for _, g := range tl.order[tl.owned+tl.exec:] {
				if own[g] == r {
					expNonExec.add(p, sl.local[g])
				}
			}
		}

		nranks := len(layouts)
		rm.Halos[id] = &SetHalo{
			ImportExec:    impExec.build(ls, nranks),
			ImportNonExec: impNonExec.build(ls, nranks),
			ExportExec:    expExec.build(ls, nranks),
			ExportNonExec: expNonExec.build(ls, nranks),
		}
	}
	return rm, nil
}
