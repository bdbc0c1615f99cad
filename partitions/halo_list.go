package partitions

import (
	"fmt"

	"github.com/notargets/MeshLoop/dataset"
)

// HaloList describes one direction of one sublist (exec or non-exec) of a
// set's halo. Partner i owns List[Disps[i] : Disps[i]+Sizes[i]].
//
// For an export list the entries are local element indices to pack.
// For an import list they are positions relative to the start of the
// receiving halo region.
type HaloList struct {
	Set        dataset.SetID
	Generation uint64
	Ranks      []int
	Sizes      []int
	Disps      []int
	List       []int
	Size       int
}

// Partner returns the entries exchanged with partner i
func (hl *HaloList) Partner(i int) []int {
	return hl.List[hl.Disps[i] : hl.Disps[i]+hl.Sizes[i]]
}

// CountFor returns the number of entries exchanged with rank, 0 if rank is not a partner
func (hl *HaloList) CountFor(rank int) int {
	for i, r := range hl.Ranks {
		if r == rank {
			return hl.Sizes[i]
		}
	}
	return 0
}

// Validate checks that the per-partner counts add up and partners are ordered
func (hl *HaloList) Validate() error {
	if len(hl.Sizes) != len(hl.Ranks) || len(hl.Disps) != len(hl.Ranks) {
		return fmt.Errorf("ranks/sizes/disps lengths differ: %d/%d/%d",
			len(hl.Ranks), len(hl.Sizes), len(hl.Disps))
	}
	sum := 0
	for i, n := range hl.Sizes {
		if i > 0 && hl.Ranks[i] <= hl.Ranks[i-1] {
			return fmt.Errorf("partners out of rank order at %d", i)
		}
		if hl.Disps[i] != sum {
			return fmt.Errorf("partner %d displacement %d, expected %d", hl.Ranks[i], hl.Disps[i], sum)
		}
		sum += n
	}
	if sum != hl.Size || len(hl.List) != hl.Size {
		return fmt.Errorf("sum of sizes %d, list %d, size %d", sum, len(hl.List), hl.Size)
	}
	return nil
}

// listBuilder groups entries by partner rank in ascending rank order
type listBuilder struct {
	byRank map[int][]int
}

func newListBuilder() *listBuilder {
	return &listBuilder{byRank: make(map[int][]int)}
}

func (lb *listBuilder) add(rank, entry int) {
	lb.byRank[rank] = append(lb.byRank[rank], entry)
}

func (lb *listBuilder) build(set *dataset.Set, nranks int) *HaloList {
	hl := &HaloList{Set: set.ID(), Generation: set.Generation()}
	for rank := 0; rank < nranks; rank++ {
		entries, ok := lb.byRank[rank]
		if !ok {
			continue
		}
		hl.Ranks = append(hl.Ranks, rank)
		hl.Sizes = append(hl.Sizes, len(entries))
		hl.Disps = append(hl.Disps, hl.Size)
		hl.List = append(hl.List, entries...)
		hl.Size += len(entries)
	}
	return hl
}

// SetHalo holds the four halo lists of one set on one rank
type SetHalo struct {
	ImportExec    *HaloList
	ImportNonExec *HaloList
	ExportExec    *HaloList
	ExportNonExec *HaloList
}

// Halos is indexed by SetID
type Halos []*SetHalo

// For returns the halo lists of set id, or nil when the set has none
func (h Halos) For(id dataset.SetID) *SetHalo {
	if int(id) < 0 || int(id) >= len(h) {
		return nil
	}
	return h[id]
}
