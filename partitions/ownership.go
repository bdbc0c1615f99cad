package partitions

import (
	"github.com/notargets/MeshLoop/dataset"
	"github.com/notargets/gocfd/utils"
)

// Ownership assigns an owner rank to every element of a global set. It is the
// output of an external graph partitioner; sets it does not label are derived.
type Ownership map[dataset.SetID][]int

// BlockOwnership splits a set into nranks contiguous, balanced ranges
func BlockOwnership(size, nranks int) []int {
	owners := make([]int, size)
	if size == 0 || nranks <= 0 {
		return owners
	}
	if nranks > size {
		// PartitionMap needs at least one element per bucket
		for i := range owners {
			owners[i] = i
		}
		return owners
	}
	pm := utils.NewPartitionMap(nranks, size)
	for rank := 0; rank < nranks; rank++ {
		kMin, kMax := pm.GetBucketRange(rank)
		for k := kMin; k < kMax; k++ {
			owners[k] = rank
		}
	}
	return owners
}

// DeriveOwnership completes owners for every set of the global registry.
// Unlabeled from-sets take the owner of their first target, unlabeled to-sets
// take the owner of the first element referencing them, and whatever is still
// unlabeled is block split.
func DeriveOwnership(global *dataset.Registry, owners Ownership, nranks int) (Ownership, error) {
	if nranks <= 0 {
		return nil, dataset.Configurationf(-1, "ownership", "rank count must be positive, got %d", nranks)
	}
	out := make(Ownership, len(global.Sets()))
	for id, o := range owners {
		s := global.Set(id)
		if s == nil {
			return nil, dataset.Consistencyf(-1, "ownership", "owners given for unknown set %d", id)
		}
		if len(o) != s.Size() {
			return nil, dataset.Consistencyf(-1, s.Name(), "owner list has %d entries for %d elements",
				len(o), s.Size())
		}
		for i, r := range o {
			if r < 0 || r >= nranks {
				return nil, dataset.Consistencyf(-1, s.Name(), "element %d owned by rank %d of %d",
					i, r, nranks)
			}
		}
		out[id] = append([]int(nil), o...)
	}

	for changed := true; changed; {
		changed = false
		for _, m := range global.Maps() {
			from, to := out[m.From.ID()], out[m.To.ID()]
			switch {
			case from == nil && to != nil:
				from = make([]int, m.From.Size())
				for e := range from {
					from[e] = to[m.Target(e, 0)]
				}
				out[m.From.ID()] = from
				changed = true
			case to == nil && from != nil:
				to = make([]int, m.To.Size())
				seen := make([]bool, len(to))
				for e := 0; e < m.From.Size(); e++ {
					for _, t := range m.Row(e) {
						if !seen[t] {
							seen[t] = true
							to[t] = from[e]
						}
					}
				}
				block := BlockOwnership(m.To.Size(), nranks)
				for t := range to {
					if !seen[t] {
						to[t] = block[t]
					}
				}
				out[m.To.ID()] = to
				changed = true
			}
		}
	}

	for _, s := range global.Sets() {
		if out[s.ID()] == nil {
			out[s.ID()] = BlockOwnership(s.Size(), nranks)
		}
	}
	return out, nil
}
