package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/notargets/MeshLoop/dataset"
	"github.com/notargets/MeshLoop/halo"
	"github.com/notargets/MeshLoop/plan"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/floats"
)

// invocation is the state of one Invoke
type invocation struct {
	args    []Arg
	plan    *plan.Plan
	kernel  Kernel
	backend Backend
	lanes   int

	// partials[b][i] is block b's contribution to global INC argument i
	partials [][][]byte
	totals   [][]byte
	combined bool
}

// stage holds the increments of one block under the Lanes backend, one buffer
// per working set that is incremented
type stage struct {
	ind [][]byte
}

// Invoke runs kernel over every element of set with args. Halo data read by
// the loop is exchanged first and overlapped with the core colors; global INC
// arguments receive the sum over all ranks. Every rank of a group must invoke
// the same loops in the same order.
func (r *Runner) Invoke(ctx context.Context, name string, set *dataset.Set, kernel Kernel, args ...Arg) (err error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "meshloop.invoke", trace.WithAttributes(
		attribute.String("meshloop.kernel", name),
		attribute.String("meshloop.set", set.Name()),
		attribute.Int("meshloop.rank", r.cfg.Rank),
		attribute.Int("meshloop.args", len(args)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.log.Error().Err(err).Str("kernel", name).Str("set", set.Name()).Msg("loop failed")
			r.fatal(name, err)
		}
		span.End()
	}()

	for _, a := range args {
		if err := a.check(r.cfg.Rank, set); err != nil {
			return err
		}
	}
	pargs := planArgs(args)
	execHalo := plan.ExecHalo(pargs)

	sent0 := r.exchanger.Stats()
	if err := r.exchangeHalos(ctx, args, execHalo); err != nil {
		return err
	}

	p, hit, err := r.plans.Get(name, set, pargs, plan.Config{BlockSize: r.cfg.BlockSize, Strategy: r.cfg.Strategy})
	if err != nil {
		// nothing may stay in flight past a failed loop
		return joinWait(ctx, r.exchanger, dataset.WithRank(err, r.cfg.Rank))
	}
	span.SetAttributes(
		attribute.Bool("meshloop.plan.hit", hit),
		attribute.Int("meshloop.plan.colors", p.NColors),
		attribute.Int("meshloop.plan.blocks", p.NBlocks),
		attribute.Int("meshloop.extent", p.Extent),
	)

	inv := &invocation{
		args:     args,
		plan:     p,
		kernel:   kernel,
		backend:  r.cfg.Backend,
		lanes:    r.cfg.Lanes,
		partials: make([][][]byte, p.NBlocks),
	}

	waited := false
	for c := 0; c < p.NColors; c++ {
		if c == p.NColorsCore {
			// halo data is needed from here on
			if err := r.exchanger.WaitAll(ctx); err != nil {
				return err
			}
			waited = true
		}
		blocks := p.Blocks(c)
		if err := r.pool.run(len(blocks), func(_, i int) error {
			return inv.runBlock(blocks[i])
		}); err != nil {
			return joinWait(ctx, r.exchanger, fmt.Errorf("kernel %s color %d: %w", name, c, err))
		}
		if c == p.NColorsOwned-1 {
			inv.combine()
		}
	}
	if !waited {
		// the loop never reached the halo colors
		if err := r.exchanger.WaitAll(ctx); err != nil {
			return err
		}
	}
	if !inv.combined {
		inv.combine()
	}

	if err := r.reduce(ctx, inv); err != nil {
		return err
	}
	for _, a := range args {
		if !a.Global && a.Access.Writes() {
			a.Dat.MarkDirty()
		}
	}

	elapsed := time.Since(start)
	sent1 := r.exchanger.Stats()
	r.record(name, p, elapsed, sent1.BytesSent-sent0.BytesSent, sent1.BytesReceived-sent0.BytesReceived)
	r.log.Debug().
		Str("kernel", name).
		Str("set", set.Name()).
		Int("colors", p.NColors).
		Bool("plan_hit", hit).
		Dur("elapsed", elapsed).
		Msg("loop done")
	return nil
}

// exchangeHalos issues at most one exchange per distinct dat. Direct arguments
// only need their halo when the exec halo is executed.
func (r *Runner) exchangeHalos(ctx context.Context, args []Arg, execHalo bool) error {
	issued := make(map[dataset.DatID]bool)
	for _, a := range args {
		if a.Global || issued[a.Dat.ID()] {
			continue
		}
		if !a.Indirect() && !execHalo {
			continue
		}
		ok, err := r.exchanger.Exchange(ctx, a.Dat, a.Access)
		if err != nil {
			return joinWait(ctx, r.exchanger, err)
		}
		if ok {
			issued[a.Dat.ID()] = true
		}
	}
	return nil
}

// joinWait drains outstanding exchanges after a failure and reports both
func joinWait(ctx context.Context, ex *halo.Exchanger, err error) error {
	if werr := ex.WaitAll(ctx); werr != nil {
		return fmt.Errorf("%w (draining halo exchanges: %v)", err, werr)
	}
	return err
}

// reduce sums global INC contributions across ranks and adds them to the
// caller's values
func (r *Runner) reduce(ctx context.Context, inv *invocation) error {
	for i, a := range inv.args {
		if !a.Global || a.Access != plan.Inc {
			continue
		}
		total := inv.totals[i]
		tag := r.reduceSeq
		r.reduceSeq++
		if err := halo.AllReduce(ctx, r.exchanger.Comm(), tag, total, a.dt); err != nil {
			return fmt.Errorf("reduce argument %d: %w", i, err)
		}
		a.dt.AddInto(a.gbl, total)
	}
	return nil
}

func (inv *invocation) newPartials() [][]byte {
	parts := make([][]byte, len(inv.args))
	for i, a := range inv.args {
		if a.Global && a.Access == plan.Inc {
			parts[i] = dataset.AlignedBytes(a.Size)
		}
	}
	return parts
}

// combine sums the partials of owned blocks in block order. Exec halo blocks
// are redundant work whose contributions belong to another rank.
func (inv *invocation) combine() {
	inv.combined = true
	p := inv.plan
	inv.totals = make([][]byte, len(inv.args))
	for i, a := range inv.args {
		if !a.Global || a.Access != plan.Inc {
			continue
		}
		total := dataset.AlignedBytes(a.Size)
		for b := 0; b < p.NBlocks && p.Offset[b] < p.Size; b++ {
			part := inv.partials[b]
			if part == nil {
				continue
			}
			if a.dt == dataset.Float64 {
				floats.Add(dataset.AsSlice[float64](total), dataset.AsSlice[float64](part[i]))
			} else {
				a.dt.AddInto(total, part[i])
			}
		}
		inv.totals[i] = total
	}
}

func (inv *invocation) runBlock(b int) error {
	parts := inv.newPartials()
	inv.partials[b] = parts
	if inv.backend == Lanes {
		return inv.runLanes(b, parts)
	}
	p := inv.plan
	el := &Element{inv: inv, parts: parts}
	for e := p.Offset[b]; e < p.Offset[b]+p.NElems[b]; e++ {
		el.Index = e
		inv.kernel(el)
	}
	return nil
}

// runLanes runs the sub-colors of block b in order, the elements of one
// sub-color spread over the lanes
func (inv *invocation) runLanes(b int, parts [][]byte) error {
	p := inv.plan
	start, end := p.Offset[b], p.Offset[b]+p.NElems[b]
	st := inv.newStage(b)

	laneParts := make([][][]byte, inv.lanes)
	for l := range laneParts {
		laneParts[l] = inv.newPartials()
	}
	var members []int
	for sc := 0; sc < p.NThrCol[b]; sc++ {
		members = members[:0]
		for e := start; e < end; e++ {
			if p.ThrCol[e] == sc {
				members = append(members, e)
			}
		}
		var (
			wg   sync.WaitGroup
			errs taskErrors
		)
		for l := 0; l < inv.lanes && l < len(members); l++ {
			wg.Add(1)
			go func(l int) {
				defer wg.Done()
				defer func() {
					if rec := recover(); rec != nil {
						errs.set(fmt.Errorf("block %d lane %d panicked: %v", b, l, rec))
					}
				}()
				el := &Element{inv: inv, parts: laneParts[l], stage: st}
				for j := l; j < len(members); j += inv.lanes {
					el.Index = members[j]
					inv.kernel(el)
				}
			}(l)
		}
		wg.Wait()
		if errs.first != nil {
			return errs.first
		}
	}

	for i, a := range inv.args {
		if parts[i] == nil {
			continue
		}
		for l := range laneParts {
			a.dt.AddInto(parts[i], laneParts[l][i])
		}
	}
	inv.applyStage(b, st)
	return nil
}

// newStage allocates zeroed scratch for every working set that some argument
// increments
func (inv *invocation) newStage(b int) *stage {
	p := inv.plan
	st := &stage{ind: make([][]byte, p.NInd)}
	for i, a := range inv.args {
		ind := p.ArgInd[i]
		if ind < 0 || a.Access != plan.Inc || st.ind[ind] != nil {
			continue
		}
		st.ind[ind] = dataset.AlignedBytes(p.IndSizes[b*p.NInd+ind] * a.Dat.Stride())
	}
	return st
}

// applyStage adds the staged increments of block b to their dats
func (inv *invocation) applyStage(b int, st *stage) {
	p := inv.plan
	done := make([]bool, p.NInd)
	for i, a := range inv.args {
		ind := p.ArgInd[i]
		if ind < 0 || st.ind[ind] == nil || done[ind] {
			continue
		}
		done[ind] = true
		s := a.Dat.Stride()
		off := p.IndOffs[b*p.NInd+ind]
		for j := 0; j < p.IndSizes[b*p.NInd+ind]; j++ {
			a.dt.AddInto(a.Dat.ElementBytes(p.IndMap[off+j]), st.ind[ind][j*s:(j+1)*s])
		}
	}
}
