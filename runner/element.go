package runner

import (
	"fmt"

	"github.com/notargets/MeshLoop/dataset"
	"github.com/notargets/MeshLoop/plan"
)

// Kernel is the user computation applied to every element of a loop
type Kernel func(e *Element)

// Element is the argument view a kernel receives. It is reused between
// elements and must not be retained after the kernel returns.
type Element struct {
	// Index is the local index of the element in the iteration set
	Index int

	inv   *invocation
	parts [][]byte // reduction partials of global INC arguments, by argument
	stage *stage   // staged increments of the Lanes backend
}

// Width is the number of targets argument i exposes per element
func (e *Element) Width(i int) int { return e.inv.args[i].Width() }

func (e *Element) bytes(i, k int) []byte {
	a := &e.inv.args[i]
	if a.Global {
		if a.Access == plan.Inc {
			return e.parts[i]
		}
		return a.gbl
	}
	s := a.Dat.Stride()
	if a.Map == nil {
		if k != 0 {
			panic(fmt.Sprintf("argument %d (%s) is direct, target %d requested", i, a.Dat.Name(), k))
		}
		return a.Dat.Bytes()[e.Index*s : (e.Index+1)*s]
	}
	t := a.Idx
	if t == plan.AllTargets {
		if k < 0 || k >= a.Map.Arity {
			panic(fmt.Sprintf("argument %d (%s) has %d targets, target %d requested", i, a.Dat.Name(), a.Map.Arity, k))
		}
		t = k
	} else if k != 0 {
		panic(fmt.Sprintf("argument %d (%s) is bound to target %d of %s", i, a.Dat.Name(), a.Idx, a.Map.Name()))
	}
	if e.stage != nil && a.Access == plan.Inc {
		p := e.inv.plan
		pos := p.LocMap[i][e.Index*a.Width()+k]
		buf := e.stage.ind[p.ArgInd[i]]
		return buf[pos*s : (pos+1)*s]
	}
	g := a.Map.Target(e.Index, t)
	return a.Dat.Bytes()[g*s : (g+1)*s]
}

func (e *Element) typed(i int, dt dataset.DataType) {
	if got := e.inv.args[i].dt; got != dt {
		panic(fmt.Sprintf("argument %d holds %v, viewed as %v", i, got, dt))
	}
}

// View returns the values of argument i for the current element. For a map
// argument bound to every target it is the first target.
func View[T dataset.Numeric](e *Element, i int) []T {
	e.typed(i, dataset.TypeOf[T]())
	return dataset.AsSlice[T](e.bytes(i, 0))
}

// ViewAt returns target k of an argument bound with plan.AllTargets
func ViewAt[T dataset.Numeric](e *Element, i, k int) []T {
	e.typed(i, dataset.TypeOf[T]())
	return dataset.AsSlice[T](e.bytes(i, k))
}

func F64(e *Element, i int) []float64 { return View[float64](e, i) }

func F64At(e *Element, i, k int) []float64 { return ViewAt[float64](e, i, k) }
