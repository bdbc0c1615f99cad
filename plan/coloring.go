package plan

import (
	"fmt"
	"sort"

	"github.com/notargets/MeshLoop/dataset"
	"gonum.org/v1/gonum/graph/coloring"
	"gonum.org/v1/gonum/graph/simple"
)

// conflictGraph connects every pair of blocks that write a common location.
// Blocks with disjoint write sets, and in particular disjoint target ranges,
// never meet in the inverted index and stay unconnected.
func conflictGraph(members []int, writes [][]int64) *simple.UndirectedGraph {
	g := simple.NewUndirectedGraph()
	writers := make(map[int64][]int)
	for _, b := range members {
		g.AddNode(simple.Node(b))
		for _, k := range writes[b] {
			writers[k] = append(writers[k], b)
		}
	}
	for _, bs := range writers {
		for i := 0; i < len(bs); i++ {
			for j := i + 1; j < len(bs); j++ {
				if !g.HasEdgeBetween(int64(bs[i]), int64(bs[j])) {
					g.SetEdge(simple.Edge{F: simple.Node(bs[i]), T: simple.Node(bs[j])})
				}
			}
		}
	}
	return g
}

// greedy gives each block, in ascending id order, the lowest color not held by
// an already colored neighbor
func greedy(g *simple.UndirectedGraph, members []int) (int, map[int64]int) {
	colors := make(map[int64]int, len(members))
	k := 0
	for _, b := range members {
		used := make(map[int]bool)
		for it := g.From(int64(b)); it.Next(); {
			if c, ok := colors[it.Node().ID()]; ok {
				used[c] = true
			}
		}
		c := 0
		for used[c] {
			c++
		}
		colors[int64(b)] = c
		if c+1 > k {
			k = c + 1
		}
	}
	return k, colors
}

// densify renumbers colors by first appearance in ascending block order so the
// result does not depend on how a strategy labels its classes
func densify(members []int, colors map[int64]int) (int, map[int]int) {
	remap := make(map[int]int)
	out := make(map[int]int, len(members))
	for _, b := range members {
		c := colors[int64(b)]
		d, ok := remap[c]
		if !ok {
			d = len(remap)
			remap[c] = d
		}
		out[b] = d
	}
	return len(remap), out
}

func (p *Plan) colorBlocks(tierOf []int, writes [][]int64, strategy Strategy) error {
	p.BlkColor = make([]int, p.NBlocks)
	var bounds [3]int
	base := 0
	for tier := 0; tier < 3; tier++ {
		var members []int
		for b, t := range tierOf {
			if t == tier {
				members = append(members, b)
			}
		}
		if len(members) > 0 {
			g := conflictGraph(members, writes)
			var (
				colors map[int64]int
				err    error
			)
			switch strategy {
			case Greedy:
				_, colors = greedy(g, members)
			case DSatur:
				_, colors, err = coloring.Dsatur(g, nil)
			case WelshPowell:
				_, colors, err = coloring.WelshPowell(g, nil)
			default:
				return dataset.Configurationf(-1, p.Name, "unknown coloring strategy %d", int(strategy))
			}
			if err != nil {
				return fmt.Errorf("coloring %s tier %d: %w", p.Name, tier, err)
			}
			k, dense := densify(members, colors)
			for _, b := range members {
				p.BlkColor[b] = base + dense[b]
			}
			base += k
		}
		bounds[tier] = base
	}
	p.NColorsCore, p.NColorsOwned, p.NColors = bounds[0], bounds[1], bounds[2]

	p.NColBlk = make([]int, p.NColors)
	for _, c := range p.BlkColor {
		p.NColBlk[c]++
	}
	p.ColOffset = make([]int, p.NColors+1)
	for c := 0; c < p.NColors; c++ {
		p.ColOffset[c+1] = p.ColOffset[c] + p.NColBlk[c]
	}
	p.BlkMap = make([]int, p.NBlocks)
	for b := range p.BlkMap {
		p.BlkMap[b] = b
	}
	sort.SliceStable(p.BlkMap, func(i, j int) bool {
		return p.BlkColor[p.BlkMap[i]] < p.BlkColor[p.BlkMap[j]]
	})
	return nil
}

// Validate checks the coloring guarantee and the structural invariants of the
// plan against the arguments it was built for
func (p *Plan) Validate(args []Arg) error {
	if len(p.Offset) != p.NBlocks || len(p.NElems) != p.NBlocks || len(p.BlkColor) != p.NBlocks {
		return dataset.Consistencyf(-1, p.Name, "block tables disagree with %d blocks", p.NBlocks)
	}
	next := 0
	for b := 0; b < p.NBlocks; b++ {
		if p.Offset[b] != next || p.NElems[b] <= 0 || p.NElems[b] > p.BlockSize {
			return dataset.Consistencyf(-1, p.Name, "block %d covers [%d,+%d), expected start %d",
				b, p.Offset[b], p.NElems[b], next)
		}
		next += p.NElems[b]
		end := next
		c := p.BlkColor[b]
		switch {
		case c < p.NColorsCore && end > p.CoreSize:
			return dataset.Consistencyf(-1, p.Name, "block %d in core color %d reaches element %d", b, c, end-1)
		case c < p.NColorsOwned && end > p.Size:
			return dataset.Consistencyf(-1, p.Name, "block %d in owned color %d reaches element %d", b, c, end-1)
		}
	}
	if next != p.Extent {
		return dataset.Consistencyf(-1, p.Name, "blocks cover %d of %d elements", next, p.Extent)
	}

	colors := make(map[int64]int, p.NBlocks)
	for b, c := range p.BlkColor {
		colors[int64(b)] = c
	}
	writes := writeTargets(p, args)
	for c, blocks := range coloring.Sets(colors) {
		if len(blocks) != p.NColBlk[c] {
			return dataset.Consistencyf(-1, p.Name, "color %d has %d blocks, table says %d",
				c, len(blocks), p.NColBlk[c])
		}
		writer := make(map[int64]int64)
		for _, b := range blocks {
			for _, k := range writes[b] {
				if other, ok := writer[k]; ok {
					return dataset.Consistencyf(-1, p.Name, "blocks %d and %d share color %d and write dat %d target %d",
						other, b, c, k>>32, k&0xffffffff)
				}
				writer[k] = b
			}
		}
	}

	for b := 0; b < p.NBlocks; b++ {
		writer := make(map[[2]int64]int)
		for e := p.Offset[b]; e < p.Offset[b]+p.NElems[b]; e++ {
			if p.ThrCol[e] < 0 || p.ThrCol[e] >= p.NThrCol[b] {
				return dataset.Consistencyf(-1, p.Name, "element %d sub-color %d outside [0,%d)",
					e, p.ThrCol[e], p.NThrCol[b])
			}
			for _, k := range elementWrites(args, e) {
				slot := [2]int64{int64(p.ThrCol[e]), k}
				if other, ok := writer[slot]; ok && other != e {
					return dataset.Consistencyf(-1, p.Name, "elements %d and %d share sub-color %d in block %d",
						other, e, p.ThrCol[e], b)
				}
				writer[slot] = e
			}
		}
	}
	return nil
}
