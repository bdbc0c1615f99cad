package plan

import (
	"fmt"
	"hash/fnv"

	"github.com/notargets/MeshLoop/dataset"
)

// Access is the way a kernel argument touches its data
type Access int

const (
	Read Access = iota + 1
	Write
	RW
	Inc
)

func (a Access) String() string {
	switch a {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	case RW:
		return "RW"
	case Inc:
		return "INC"
	default:
		return fmt.Sprintf("Access(%d)", int(a))
	}
}

// Reads reports whether the access observes existing values
func (a Access) Reads() bool { return a == Read || a == RW || a == Inc }

// Writes reports whether the access modifies values
func (a Access) Writes() bool { return a == Write || a == RW || a == Inc }

// AllTargets selects every target of the map row instead of a single one
const AllTargets = -1

// Arg describes one kernel argument. A nil Map is a direct argument, a Global
// argument has no Dat and is Size bytes wide.
type Arg struct {
	Dat    *dataset.Dat
	Map    *dataset.Map
	Idx    int
	Access Access
	Global bool
	Size   int
}

// Indirect reports whether the argument goes through a Map
func (a Arg) Indirect() bool { return !a.Global && a.Map != nil }

// Width is the number of targets an indirect argument touches per element
func (a Arg) Width() int {
	if a.Map == nil {
		return 1
	}
	if a.Idx == AllTargets {
		return a.Map.Arity
	}
	return 1
}

// Stride is the byte width of one element of the argument
func (a Arg) Stride() int {
	if a.Global {
		return a.Size
	}
	return a.Dat.Stride()
}

// Check validates an argument against the iteration set
func (a Arg) Check(set *dataset.Set) error {
	if a.Access < Read || a.Access > Inc {
		return dataset.Configurationf(-1, set.Name(), "unknown access mode %d", int(a.Access))
	}
	if a.Global {
		if a.Size <= 0 {
			return dataset.Configurationf(-1, set.Name(), "global argument with %d bytes", a.Size)
		}
		return nil
	}
	if a.Dat == nil {
		return dataset.Consistencyf(-1, set.Name(), "argument without a dat")
	}
	if a.Map == nil {
		if a.Dat.Set() != set {
			return dataset.Consistencyf(-1, a.Dat.Name(), "direct dat is declared on %s, loop runs over %s",
				a.Dat.Set().Name(), set.Name())
		}
		return nil
	}
	if a.Map.From != set {
		return dataset.Consistencyf(-1, a.Map.Name(), "map starts at %s, loop runs over %s",
			a.Map.From.Name(), set.Name())
	}
	if a.Map.To != a.Dat.Set() {
		return dataset.Consistencyf(-1, a.Dat.Name(), "dat is declared on %s, map %s targets %s",
			a.Dat.Set().Name(), a.Map.Name(), a.Map.To.Name())
	}
	if err := a.Map.Revalidate(); err != nil {
		return err
	}
	if a.Idx != AllTargets && (a.Idx < 0 || a.Idx >= a.Map.Arity) {
		return dataset.Consistencyf(-1, a.Map.Name(), "index %d outside arity %d", a.Idx, a.Map.Arity)
	}
	return nil
}

// Signature hashes the access pattern of args. Two argument lists with the
// same signature share a plan.
func Signature(args []Arg) uint64 {
	h := fnv.New64a()
	for _, a := range args {
		var dat, m int = -1, -1
		if a.Dat != nil {
			dat = int(a.Dat.ID())
		}
		if a.Map != nil {
			m = int(a.Map.ID())
		}
		fmt.Fprintf(h, "%d/%d/%d/%d/%t/%d;", dat, m, a.Idx, a.Access, a.Global, a.Size)
	}
	return h.Sum64()
}

// ExecHalo reports whether a loop with args must also execute the exec halo,
// which is the case whenever something is written through a map
func ExecHalo(args []Arg) bool {
	for _, a := range args {
		if a.Indirect() && a.Access.Writes() {
			return true
		}
	}
	return false
}
