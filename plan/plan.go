package plan

import (
	"fmt"
	"math/bits"
	"sort"

	"github.com/notargets/MeshLoop/dataset"
)

// Strategy selects the block coloring algorithm
type Strategy int

const (
	// Greedy assigns the lowest free color in ascending block order
	Greedy Strategy = iota
	// DSatur colors by saturation degree
	DSatur
	// WelshPowell colors by descending degree
	WelshPowell
)

func (s Strategy) String() string {
	switch s {
	case Greedy:
		return "greedy"
	case DSatur:
		return "dsatur"
	case WelshPowell:
		return "welsh-powell"
	default:
		return "unknown"
	}
}

// ParseStrategy is the inverse of Strategy.String
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range []Strategy{Greedy, DSatur, WelshPowell} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown coloring strategy %q", s)
}

// Config holds the plan build parameters
type Config struct {
	BlockSize int
	Strategy  Strategy
}

// Plan is an immutable race free schedule for one argument signature over one set.
//
// Blocks are cut separately from the core, owned non-core and exec halo
// regions, and the three tiers get disjoint color ranges:
// [0, NColorsCore) core, [NColorsCore, NColorsOwned) owned, [NColorsOwned, NColors) exec.
type Plan struct {
	Name       string
	Set        dataset.SetID
	Generation uint64
	Signature  uint64
	BlockSize  int
	Strategy   Strategy

	// Iteration extent: Size, plus ExecSize when the exec halo is executed
	Extent   int
	CoreSize int
	Size     int

	NBlocks  int
	Offset   []int // first element of block
	NElems   []int // elements in block
	BlkColor []int

	NColors      int
	NColorsCore  int
	NColorsOwned int
	NColBlk      []int // blocks per color
	ColOffset    []int // start of each color in BlkMap, length NColors+1
	BlkMap       []int // block ids grouped by color, ascending within a color

	// Element sub-coloring inside a block
	ThrCol  []int
	NThrCol []int

	// Indirect working sets. An "ind" is a distinct (dat, map) pair; ArgInd maps
	// each argument to its ind or -1. IndSizes/IndOffs are [block*NInd+ind].
	NInd     int
	ArgInd   []int
	IndMap   []int
	IndSizes []int
	IndOffs  []int
	// LocMap[arg][e*width+k] is the position of a target in its block's working set
	LocMap [][]int

	// Bytes moved by one execution, with working set reuse (Transfer) and
	// without (Transfer2)
	Transfer  float64
	Transfer2 float64
}

// Blocks returns the block ids of color c
func (p *Plan) Blocks(c int) []int {
	return p.BlkMap[p.ColOffset[c]:p.ColOffset[c+1]]
}

// Build synthesizes a plan for args iterating over set
func Build(name string, set *dataset.Set, args []Arg, cfg Config) (*Plan, error) {
	if cfg.BlockSize <= 0 {
		return nil, dataset.Configurationf(-1, name, "block size must be positive, got %d", cfg.BlockSize)
	}
	for _, a := range args {
		if err := a.Check(set); err != nil {
			return nil, err
		}
	}

	p := &Plan{
		Name:       name,
		Set:        set.ID(),
		Generation: set.Generation(),
		Signature:  Signature(args),
		BlockSize:  cfg.BlockSize,
		Strategy:   cfg.Strategy,
		CoreSize:   set.CoreSize(),
		Size:       set.Size(),
		Extent:     set.Size(),
	}
	if ExecHalo(args) {
		p.Extent = set.ExecEnd()
	}

	// Blocks never straddle a region boundary
	tierOf := []int{}
	cut := func(start, end, tier int) {
		for off := start; off < end; off += cfg.BlockSize {
			n := cfg.BlockSize
			if off+n > end {
				n = end - off
			}
			p.Offset = append(p.Offset, off)
			p.NElems = append(p.NElems, n)
			tierOf = append(tierOf, tier)
		}
	}
	cut(0, p.CoreSize, 0)
	cut(p.CoreSize, p.Size, 1)
	cut(p.Size, p.Extent, 2)
	p.NBlocks = len(p.Offset)

	writes := writeTargets(p, args)
	if err := p.colorBlocks(tierOf, writes, cfg.Strategy); err != nil {
		return nil, err
	}
	p.subColor(args)
	p.workingSets(args)
	return p, nil
}

// writeTargets lists the (dat, target) keys each block writes through a map
func writeTargets(p *Plan, args []Arg) [][]int64 {
	out := make([][]int64, p.NBlocks)
	for b := 0; b < p.NBlocks; b++ {
		seen := make(map[int64]struct{})
		for _, a := range args {
			if !a.Indirect() || !a.Access.Writes() {
				continue
			}
			for e := p.Offset[b]; e < p.Offset[b]+p.NElems[b]; e++ {
				for _, t := range targets(a, e) {
					k := key(a.Dat, t)
					if _, ok := seen[k]; !ok {
						seen[k] = struct{}{}
						out[b] = append(out[b], k)
					}
				}
			}
		}
		sort.Slice(out[b], func(i, j int) bool { return out[b][i] < out[b][j] })
	}
	return out
}

func targets(a Arg, e int) []int {
	if a.Idx == AllTargets {
		return a.Map.Row(e)
	}
	return a.Map.Row(e)[a.Idx : a.Idx+1]
}

func key(d *dataset.Dat, target int) int64 {
	return int64(d.ID())<<32 | int64(target)
}

// subColor assigns element colors inside each block so that elements of one
// sub-color never write the same location. Colors are found 64 at a time.
func (p *Plan) subColor(args []Arg) {
	p.ThrCol = make([]int, p.Extent)
	p.NThrCol = make([]int, p.NBlocks)
	indirectWrites := ExecHalo(args)
	for b := 0; b < p.NBlocks; b++ {
		start, n := p.Offset[b], p.NElems[b]
		if n == 0 {
			continue
		}
		if !indirectWrites {
			p.NThrCol[b] = 1
			continue
		}
		for e := start; e < start+n; e++ {
			p.ThrCol[e] = -1
		}
		ncol := 0
		for base, repeat := 0, true; repeat; base += 64 {
			repeat = false
			used := make(map[int64]uint64)
			for e := start; e < start+n; e++ {
				if p.ThrCol[e] >= 0 {
					continue
				}
				var mask uint64
				keys := elementWrites(args, e)
				for _, k := range keys {
					mask |= used[k]
				}
				c := bits.TrailingZeros64(^mask)
				if c == 64 {
					repeat = true
					continue
				}
				p.ThrCol[e] = base + c
				if base+c+1 > ncol {
					ncol = base + c + 1
				}
				for _, k := range keys {
					used[k] |= 1 << uint(c)
				}
			}
		}
		p.NThrCol[b] = ncol
	}
}

func elementWrites(args []Arg, e int) []int64 {
	var keys []int64
	for _, a := range args {
		if !a.Indirect() || !a.Access.Writes() {
			continue
		}
		for _, t := range targets(a, e) {
			keys = append(keys, key(a.Dat, t))
		}
	}
	return keys
}

// workingSets builds the compacted per-block target lists and local maps
func (p *Plan) workingSets(args []Arg) {
	type pair struct {
		dat dataset.DatID
		m   dataset.MapID
	}
	inds := make(map[pair]int)
	p.ArgInd = make([]int, len(args))
	indArg := []int{}
	for i, a := range args {
		p.ArgInd[i] = -1
		if !a.Indirect() {
			continue
		}
		pr := pair{a.Dat.ID(), a.Map.ID()}
		id, ok := inds[pr]
		if !ok {
			id = len(inds)
			inds[pr] = id
			indArg = append(indArg, i)
		}
		p.ArgInd[i] = id
	}
	p.NInd = len(inds)
	p.IndSizes = make([]int, p.NBlocks*p.NInd)
	p.IndOffs = make([]int, p.NBlocks*p.NInd)
	p.LocMap = make([][]int, len(args))
	for i, a := range args {
		if a.Indirect() {
			p.LocMap[i] = make([]int, p.Extent*a.Width())
		}
	}

	for b := 0; b < p.NBlocks; b++ {
		start, end := p.Offset[b], p.Offset[b]+p.NElems[b]
		for ind := 0; ind < p.NInd; ind++ {
			// union of targets over every arg sharing this (dat, map)
			pos := make(map[int]int)
			var list []int
			for i, a := range args {
				if p.ArgInd[i] != ind {
					continue
				}
				for e := start; e < end; e++ {
					for _, t := range targets(a, e) {
						if _, ok := pos[t]; !ok {
							pos[t] = 0
							list = append(list, t)
						}
					}
				}
			}
			sort.Ints(list)
			for j, t := range list {
				pos[t] = j
			}
			p.IndOffs[b*p.NInd+ind] = len(p.IndMap)
			p.IndSizes[b*p.NInd+ind] = len(list)
			p.IndMap = append(p.IndMap, list...)

			for i, a := range args {
				if p.ArgInd[i] != ind {
					continue
				}
				w := a.Width()
				for e := start; e < end; e++ {
					for k, t := range targets(a, e) {
						p.LocMap[i][e*w+k] = pos[t]
					}
				}
			}

			stride := float64(args[indArg[ind]].Stride())
			p.Transfer += float64(len(list)) * stride
		}
		for _, a := range args {
			n := float64(end - start)
			switch {
			case a.Global:
			case a.Indirect():
				refs := n * float64(a.Width())
				// map indices are moved either way
				p.Transfer += refs * 4
				p.Transfer2 += refs*4 + refs*float64(a.Stride())
			default:
				p.Transfer += n * float64(a.Stride())
				p.Transfer2 += n * float64(a.Stride())
			}
		}
	}
}
