package partitions

import (
	"fmt"
	"math"

	"github.com/notargets/MeshLoop/dataset"
)

// ValidateSymmetry verifies that if rank A exports n elements of a set to
// rank B, then rank B imports exactly n elements of that set from A, for both
// sublists, and that every list is well formed
func ValidateSymmetry(meshes []*RankMesh) error {
	for _, rm := range meshes {
		for id, sh := range rm.Halos {
			if sh == nil {
				continue
			}
			name := rm.Registry.Set(dataset.SetID(id)).Name()
			for _, hl := range []*HaloList{sh.ImportExec, sh.ImportNonExec, sh.ExportExec, sh.ExportNonExec} {
				if err := hl.Validate(); err != nil {
					return dataset.Consistencyf(rm.Rank, name, "malformed halo list: %v", err)
				}
			}
			for i, p := range sh.ExportExec.Ranks {
				if err := checkPair(meshes, rm.Rank, p, dataset.SetID(id), sh.ExportExec.Sizes[i], true); err != nil {
					return err
				}
			}
			for i, p := range sh.ExportNonExec.Ranks {
				if err := checkPair(meshes, rm.Rank, p, dataset.SetID(id), sh.ExportNonExec.Sizes[i], false); err != nil {
					return err
				}
			}
			// Every import must have a matching export
			for i, p := range sh.ImportExec.Ranks {
				if got := meshes[p].Halos.For(dataset.SetID(id)).ExportExec.CountFor(rm.Rank); got != sh.ImportExec.Sizes[i] {
					return dataset.Consistencyf(rm.Rank, name,
						"imports %d exec elements from rank %d, which exports %d", sh.ImportExec.Sizes[i], p, got)
				}
			}
			for i, p := range sh.ImportNonExec.Ranks {
				if got := meshes[p].Halos.For(dataset.SetID(id)).ExportNonExec.CountFor(rm.Rank); got != sh.ImportNonExec.Sizes[i] {
					return dataset.Consistencyf(rm.Rank, name,
						"imports %d non-exec elements from rank %d, which exports %d", sh.ImportNonExec.Sizes[i], p, got)
				}
			}
		}
	}
	return nil
}

func checkPair(meshes []*RankMesh, sender, receiver int, id dataset.SetID, count int, exec bool) error {
	if receiver < 0 || receiver >= len(meshes) {
		return dataset.Consistencyf(sender, fmt.Sprintf("set %d", id), "exports to unknown rank %d", receiver)
	}
	sh := meshes[receiver].Halos.For(id)
	if sh == nil {
		return dataset.Consistencyf(sender, fmt.Sprintf("set %d", id), "rank %d has no halo for the set", receiver)
	}
	imp := sh.ImportNonExec
	if exec {
		imp = sh.ImportExec
	}
	if got := imp.CountFor(sender); got != count {
		return dataset.Consistencyf(sender, meshes[receiver].Registry.Set(id).Name(),
			"count mismatch: rank %d sends %d to %d, but %d expects %d", sender, count, receiver, receiver, got)
	}
	return nil
}

// PartitionStats summarizes load balance and halo volume of one set
type PartitionStats struct {
	NumPartitions int
	MinElements   int
	MaxElements   int
	AvgElements   float64
	Imbalance     float64 // MaxElements / AvgElements
	HaloElements  int     // imported elements summed over ranks
	MaxHalo       int
	CoreFraction  float64 // core elements / owned elements
}

// Statistics computes load balance metrics for set id across meshes
func Statistics(meshes []*RankMesh, id dataset.SetID) PartitionStats {
	stats := PartitionStats{
		NumPartitions: len(meshes),
		MinElements:   math.MaxInt32,
	}
	if len(meshes) == 0 {
		stats.MinElements = 0
		return stats
	}
	var owned, core int
	for _, rm := range meshes {
		s := rm.Registry.Set(id)
		n := s.Size()
		owned += n
		core += s.CoreSize()
		if n < stats.MinElements {
			stats.MinElements = n
		}
		if n > stats.MaxElements {
			stats.MaxElements = n
		}
		halo := s.ExecSize() + s.NonExecSize()
		stats.HaloElements += halo
		if halo > stats.MaxHalo {
			stats.MaxHalo = halo
		}
	}
	stats.AvgElements = float64(owned) / float64(len(meshes))
	if stats.AvgElements > 0 {
		stats.Imbalance = float64(stats.MaxElements) / stats.AvgElements
	}
	if owned > 0 {
		stats.CoreFraction = float64(core) / float64(owned)
	}
	return stats
}
