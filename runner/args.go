package runner

import (
	"github.com/notargets/MeshLoop/dataset"
	"github.com/notargets/MeshLoop/plan"
)

// Arg is a kernel argument ready for Invoke
type Arg struct {
	plan.Arg
	dt  dataset.DataType
	gbl []byte // caller's values of a global argument
}

// Type is the element type of the argument
func (a Arg) Type() dataset.DataType { return a.dt }

// ArgBuilder describes an argument fluently, finished by its access mode:
//
//	runner.Dat(res).Via(edgeToCell, 0).Inc()
//	runner.Dat(q).Read()
//	runner.Global(total).Inc()
type ArgBuilder struct {
	arg Arg
}

// Dat starts a direct argument on d
func Dat(d *dataset.Dat) *ArgBuilder {
	return &ArgBuilder{arg: Arg{
		Arg: plan.Arg{Dat: d},
		dt:  d.Type(),
	}}
}

// Via makes the argument indirect through m, target k of each row or every
// target with plan.AllTargets
func (b *ArgBuilder) Via(m *dataset.Map, k int) *ArgBuilder {
	b.arg.Map = m
	b.arg.Idx = k
	return b
}

// Global starts a global argument over vals. A global INC adds the loop's
// contribution, summed over every rank, into vals.
func Global[T dataset.Numeric](vals []T) *ArgBuilder {
	gbl := dataset.AsBytes(vals)
	return &ArgBuilder{arg: Arg{
		Arg: plan.Arg{Global: true, Size: len(gbl)},
		dt:  dataset.TypeOf[T](),
		gbl: gbl,
	}}
}

func (b *ArgBuilder) Read() Arg { return b.with(plan.Read) }
func (b *ArgBuilder) Write() Arg { return b.with(plan.Write) }
func (b *ArgBuilder) RW() Arg { return b.with(plan.RW) }
func (b *ArgBuilder) Inc() Arg { return b.with(plan.Inc) }

func (b *ArgBuilder) with(acc plan.Access) Arg {
	a := b.arg
	a.Access = acc
	return a
}

func planArgs(args []Arg) []plan.Arg {
	out := make([]plan.Arg, len(args))
	for i, a := range args {
		out[i] = a.Arg
	}
	return out
}

// check adds the runner's own rules to plan.Arg.Check
func (a Arg) check(rank int, set *dataset.Set) error {
	if err := a.Arg.Check(set); err != nil {
		return dataset.WithRank(err, rank)
	}
	if a.Global {
		if a.Access != plan.Read && a.Access != plan.Inc {
			return dataset.Configurationf(rank, set.Name(), "global argument accessed with %v, only READ and INC are supported", a.Access)
		}
		return nil
	}
	if a.Dat.Stale() {
		return dataset.Consistencyf(rank, a.Dat.Name(), "dat was declared before %s was resized", a.Dat.Set().Name())
	}
	return nil
}
