package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/notargets/MeshLoop/dataset"
	"github.com/notargets/MeshLoop/halo"
	"github.com/notargets/MeshLoop/partitions"
	"github.com/notargets/MeshLoop/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"gonum.org/v1/gonum/floats"
)

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newRunner(t *testing.T, cfg Config, opts ...Option) *Runner {
	t.Helper()
	r, err := NewRunner(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

// quadGrid builds nx*ny quadrilateral cells over (nx+1)*(ny+1) nodes
type quadGrid struct {
	reg          *dataset.Registry
	nodes, cells *dataset.Set
	c2n          *dataset.Map
}

func newQuadGrid(t *testing.T, nx, ny int) *quadGrid {
	t.Helper()
	reg := dataset.NewRegistry()
	nodes, err := reg.DeclareSet((nx+1)*(ny+1), "nodes")
	require.NoError(t, err)
	cells, err := reg.DeclareSet(nx*ny, "cells")
	require.NoError(t, err)
	conn := make([]int, 0, 4*nx*ny)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			n0 := j*(nx+1) + i
			conn = append(conn, n0, n0+1, n0+nx+2, n0+nx+1)
		}
	}
	c2n, err := reg.DeclareMap(cells, nodes, 4, conn, "c2n")
	require.NoError(t, err)
	return &quadGrid{reg: reg, nodes: nodes, cells: cells, c2n: c2n}
}

// massMesh is two triangles {0,1,3} and {2,3,1} over four nodes
func massMesh(t *testing.T) (*dataset.Set, *dataset.Map, *dataset.Dat) {
	t.Helper()
	reg := dataset.NewRegistry()
	nodes, _ := reg.DeclareSet(4, "nodes")
	elems, _ := reg.DeclareSet(2, "elems")
	m, err := reg.DeclareMap(elems, nodes, 3, []int{0, 1, 3, 2, 3, 1}, "e2n")
	require.NoError(t, err)
	x, err := dataset.DeclareDat(reg, nodes, 1, []float64{1, 2, 3, 4}, "x")
	require.NoError(t, err)
	return elems, m, x
}

func TestInvoke_MassAssembly(t *testing.T) {
	for _, backend := range []Backend{Blocks, Lanes} {
		for _, bs := range []int{1, 2, 128} {
			t.Run(fmt.Sprintf("%v/B=%d", backend, bs), func(t *testing.T) {
				ctx := testCtx(t)
				r := newRunner(t, Config{BlockSize: bs, Workers: 3, Backend: backend})

				elems, m, x := massMesh(t)
				err := r.Invoke(ctx, "mass_all", elems, func(e *Element) {
					for k := 0; k < e.Width(0); k++ {
						F64At(e, 0, k)[0] += 1
					}
				}, Dat(x).Via(m, plan.AllTargets).Inc())
				require.NoError(t, err)
				assert.Equal(t, []float64{2, 4, 4, 6}, dataset.Values[float64](x))
				assert.True(t, x.Dirty())

				// the same increments through one argument per target
				err = r.Invoke(ctx, "mass_each", elems, func(e *Element) {
					for i := 0; i < 3; i++ {
						F64(e, i)[0] += 1
					}
				}, Dat(x).Via(m, 0).Inc(), Dat(x).Via(m, 1).Inc(), Dat(x).Via(m, 2).Inc())
				require.NoError(t, err)
				assert.Equal(t, []float64{3, 6, 5, 8}, dataset.Values[float64](x))
			})
		}
	}
}

// scatter adds the sum of a cell's node values to each of its nodes and to a
// global total, and counts cells in an int64 global
func scatter(e *Element) {
	s := 0.0
	for k := 0; k < 4; k++ {
		s += F64At(e, 0, k)[0]
	}
	for k := 0; k < 4; k++ {
		F64At(e, 1, k)[0] += s
	}
	F64(e, 2)[0] += s
	View[int64](e, 3)[0]++
}

func scatterArgs(c2n *dataset.Map, x, res *dataset.Dat, total []float64, count []int64) []Arg {
	return []Arg{
		Dat(x).Via(c2n, plan.AllTargets).Read(),
		Dat(res).Via(c2n, plan.AllTargets).Inc(),
		Global(total).Inc(),
		Global(count).Inc(),
	}
}

func nodeValues(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = math.Sin(float64(i)*0.37) + 2
	}
	return v
}

func TestInvoke_ReductionMatchesSequential(t *testing.T) {
	for _, backend := range []Backend{Blocks, Lanes} {
		t.Run(backend.String(), func(t *testing.T) {
			ctx := testCtx(t)
			g := newQuadGrid(t, 12, 9)
			xv := nodeValues(g.nodes.Size())
			x, err := dataset.DeclareDat(g.reg, g.nodes, 1, xv, "x")
			require.NoError(t, err)
			res, err := dataset.DeclareDat(g.reg, g.nodes, 1, make([]float64, g.nodes.Size()), "res")
			require.NoError(t, err)

			wantRes := make([]float64, g.nodes.Size())
			wantTotal := 0.0
			for c := 0; c < g.cells.Size(); c++ {
				s := 0.0
				for _, n := range g.c2n.Row(c) {
					s += xv[n]
				}
				for _, n := range g.c2n.Row(c) {
					wantRes[n] += s
				}
				wantTotal += s
			}

			r := newRunner(t, Config{BlockSize: 7, Workers: 4, Backend: backend})
			total := []float64{1.5}
			count := []int64{0}
			require.NoError(t, r.Invoke(ctx, "scatter", g.cells, scatter, scatterArgs(g.c2n, x, res, total, count)...))

			assert.Equal(t, []int64{int64(g.cells.Size())}, count)
			assert.InDelta(t, wantTotal+1.5, total[0], 1e-9)
			assert.True(t, floats.EqualApprox(wantRes, dataset.Values[float64](res), 1e-12))
		})
	}
}

func TestInvoke_DeterministicAcrossWorkerCounts(t *testing.T) {
	for _, backend := range []Backend{Blocks, Lanes} {
		t.Run(backend.String(), func(t *testing.T) {
			ctx := testCtx(t)
			run := func(workers int) ([]float64, float64) {
				g := newQuadGrid(t, 16, 16)
				x, _ := dataset.DeclareDat(g.reg, g.nodes, 1, nodeValues(g.nodes.Size()), "x")
				res, _ := dataset.DeclareDat(g.reg, g.nodes, 1, make([]float64, g.nodes.Size()), "res")
				r := newRunner(t, Config{BlockSize: 5, Workers: workers, Backend: backend})
				total := []float64{0}
				count := []int64{0}
				for i := 0; i < 3; i++ {
					require.NoError(t, r.Invoke(ctx, "scatter", g.cells, scatter, scatterArgs(g.c2n, x, res, total, count)...))
				}
				return dataset.Values[float64](res), total[0]
			}
			res1, total1 := run(1)
			for _, w := range []int{2, 8} {
				resW, totalW := run(w)
				if diff := cmp.Diff(res1, resW); diff != "" {
					t.Errorf("workers=%d changed the result (-1 +%d):\n%s", w, w, diff)
				}
				assert.Equal(t, total1, totalW)
			}
		})
	}
}

func TestInvoke_DirectLoopWithGlobalRead(t *testing.T) {
	ctx := testCtx(t)
	reg := dataset.NewRegistry()
	cells, _ := reg.DeclareSet(10, "cells")
	x, _ := dataset.DeclareDat(reg, cells, 2, make([]float32, 20), "x")
	y, _ := dataset.DeclareDat(reg, cells, 1, []int32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, "y")
	scale := []float32{2, 0.5}

	r := newRunner(t, Config{BlockSize: 3, Workers: 2})
	err := r.Invoke(ctx, "scale", cells, func(e *Element) {
		s := View[float32](e, 2)
		v := float32(View[int32](e, 1)[0])
		out := View[float32](e, 0)
		out[0], out[1] = s[0]*v, s[1]*v
	}, Dat(x).Write(), Dat(y).Read(), Global(scale).Read())
	require.NoError(t, err)

	xv := dataset.Values[float32](x)
	for i := 0; i < 10; i++ {
		assert.Equal(t, []float32{2 * float32(i), 0.5 * float32(i)}, xv[2*i:2*i+2])
	}
	assert.True(t, x.Dirty())
	assert.False(t, y.Dirty())
	assert.Equal(t, []float32{2, 0.5}, scale)
}

func TestInvoke_EmptySet(t *testing.T) {
	ctx := testCtx(t)
	reg := dataset.NewRegistry()
	empty, _ := reg.DeclareSet(0, "empty")
	total := []float64{4}

	r := newRunner(t, Config{})
	calls := 0
	require.NoError(t, r.Invoke(ctx, "nothing", empty, func(*Element) { calls++ }, Global(total).Inc()))
	assert.Zero(t, calls)
	assert.Equal(t, []float64{4}, total)
	require.Len(t, r.Diagnostics(), 1)
	assert.Equal(t, 1, r.Diagnostics()[0].Count)
}

func TestInvoke_Errors(t *testing.T) {
	ctx := testCtx(t)
	elems, m, x := massMesh(t)
	r := newRunner(t, Config{Workers: 2})
	noop := func(*Element) {}

	err := r.Invoke(ctx, "gbl_write", elems, noop, Global([]float64{0}).Write())
	assert.ErrorIs(t, err, dataset.ErrConfiguration)

	// x lives on nodes, a direct argument over elems is inconsistent
	err = r.Invoke(ctx, "wrong_set", elems, noop, Dat(x).Read())
	assert.ErrorIs(t, err, dataset.ErrConsistency)
	var de *dataset.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 0, de.Rank)

	err = r.Invoke(ctx, "bad_idx", elems, noop, Dat(x).Via(m, 3).Read())
	assert.ErrorIs(t, err, dataset.ErrConsistency)

	err = r.Invoke(ctx, "panics", elems, func(e *Element) {
		View[int32](e, 0)
	}, Dat(x).Via(m, 0).Read())
	assert.ErrorContains(t, err, "panicked")

	err = r.Invoke(ctx, "direct_target", elems, func(e *Element) {
		ViewAt[float64](e, 0, 1)
	}, Dat(x).Via(m, 0).Read())
	assert.ErrorContains(t, err, "bound to target 0")

	require.NoError(t, x.Set().Resize(4, 4, 0, 0))
	err = r.Invoke(ctx, "stale", elems, noop, Dat(x).Via(m, 0).Read())
	assert.ErrorIs(t, err, dataset.ErrConsistency)

	// the map covers two elements, the loop would now run three
	require.NoError(t, elems.Resize(3, 3, 0, 0))
	err = r.Invoke(ctx, "stale_map", elems, noop, Dat(x).Via(m, 0).Read())
	assert.ErrorIs(t, err, dataset.ErrConsistency)
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 0, de.Rank)
	assert.Equal(t, "e2n", de.Entity)

	_, err = NewRunner(Config{BlockSize: -1})
	assert.ErrorIs(t, err, dataset.ErrConfiguration)
	_, err = NewRunner(Config{Rank: 1}, WithComm(halo.NewLocalGroup(2)[0]))
	assert.ErrorIs(t, err, dataset.ErrConfiguration)
}

func TestInvoke_PlanCacheAndDiagnostics(t *testing.T) {
	ctx := testCtx(t)
	elems, m, x := massMesh(t)
	r := newRunner(t, Config{BlockSize: 1, Workers: 2})
	kernel := func(e *Element) { F64(e, 0)[0] += 1 }
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Invoke(ctx, "inc0", elems, kernel, Dat(x).Via(m, 0).Inc()))
	}
	require.NoError(t, r.Invoke(ctx, "inc1", elems, kernel, Dat(x).Via(m, 1).Inc()))

	assert.Equal(t, plan.CacheStats{Hits: 2, Misses: 2}, r.Plans().Stats())
	recs := r.Diagnostics()
	require.Len(t, recs, 2)
	assert.Equal(t, "inc0", recs[0].Name)
	assert.Equal(t, 3, recs[0].Count)
	assert.Equal(t, 1, recs[1].Count)
	assert.Greater(t, recs[0].Transfer, 0.0)
	assert.GreaterOrEqual(t, recs[0].Transfer2, recs[0].Transfer)
	r.LogDiagnostics()
}

func TestInvoke_Span(t *testing.T) {
	ctx := testCtx(t)
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	elems, m, x := massMesh(t)
	r := newRunner(t, Config{Workers: 1}, WithTracer(tp.Tracer("test")))
	require.NoError(t, r.Invoke(ctx, "mass", elems, func(e *Element) { F64(e, 0)[0]++ }, Dat(x).Via(m, 0).Inc()))
	_ = r.Invoke(ctx, "bad", elems, func(*Element) {}, Dat(x).Read())

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "meshloop.invoke", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("meshloop.kernel", "mass"))
	assert.Contains(t, spans[0].Attributes(), attribute.Bool("meshloop.plan.hit", false))
	assert.Equal(t, "Error", spans[1].Status().Code.String())
}

// onRanks decomposes g over nranks by block-splitting the cells and runs fn on
// every rank concurrently
func onRanks(t *testing.T, g *quadGrid, nranks int, fn func(rm *partitions.RankMesh, r *Runner) error) []*partitions.RankMesh {
	t.Helper()
	meshes, err := partitions.Decompose(g.reg,
		partitions.Ownership{g.cells.ID(): partitions.BlockOwnership(g.cells.Size(), nranks)}, nranks)
	require.NoError(t, err)
	comms := halo.NewLocalGroup(nranks)
	errs := make([]error, nranks)
	var wg sync.WaitGroup
	for rank := 0; rank < nranks; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			r, err := NewRunner(Config{BlockSize: 4, Workers: 2},
				WithMesh(meshes[rank]), WithComm(comms[rank]))
			if err != nil {
				errs[rank] = err
				return
			}
			defer r.Close()
			errs[rank] = fn(meshes[rank], r)
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
	return meshes
}

func TestInvoke_MultiRankMatchesSingleRank(t *testing.T) {
	ctx := testCtx(t)
	g := newQuadGrid(t, 8, 6)
	xv := make([]float64, g.nodes.Size())
	for i := range xv {
		xv[i] = float64(i%7 + 1)
	}
	x, _ := dataset.DeclareDat(g.reg, g.nodes, 1, xv, "x")
	res, _ := dataset.DeclareDat(g.reg, g.nodes, 1, make([]float64, g.nodes.Size()), "res")
	cv, _ := dataset.DeclareDat(g.reg, g.cells, 1, make([]float64, g.cells.Size()), "cv")
	wres, _ := dataset.DeclareDat(g.reg, g.nodes, 1, make([]float64, g.nodes.Size()), "wres")

	gather := func(e *Element) {
		s := 0.0
		for k := 0; k < 4; k++ {
			s += F64At(e, 0, k)[0]
		}
		F64(e, 1)[0] = s
	}
	loops := func(ctx context.Context, r *Runner, reg *dataset.Registry) (float64, int64, error) {
		x, res, cv := reg.Dat(x.ID()), reg.Dat(res.ID()), reg.Dat(cv.ID())
		cells, c2n := reg.Set(g.cells.ID()), reg.Map(g.c2n.ID())
		total, count := []float64{0}, []int64{0}
		if err := r.Invoke(ctx, "scatter", cells, scatter, scatterArgs(c2n, x, res, total, count)...); err != nil {
			return 0, 0, err
		}
		err := r.Invoke(ctx, "gather", cells, gather,
			Dat(res).Via(c2n, plan.AllTargets).Read(), Dat(cv).Write())
		if err != nil {
			return 0, 0, err
		}
		// the INC runs the exec halo, which reads cv written by gather on
		// the neighbouring rank
		err = r.Invoke(ctx, "spread", cells, func(e *Element) {
			for k := 0; k < 4; k++ {
				F64At(e, 1, k)[0] += F64(e, 0)[0]
			}
		}, Dat(cv).Read(), Dat(wres).Via(c2n, plan.AllTargets).Inc())
		return total[0], count[0], err
	}

	// the decomposition copies the global dats, so run it before the reference
	const nranks = 3
	totals := make([]float64, nranks)
	counts := make([]int64, nranks)
	meshes := onRanks(t, g, nranks, func(rm *partitions.RankMesh, r *Runner) error {
		var err error
		totals[rm.Rank], counts[rm.Rank], err = loops(ctx, r, rm.Registry)
		if err == nil && r.Exchanger().Stats().Exchanges == 0 {
			err = fmt.Errorf("rank %d never exchanged a halo", rm.Rank)
		}
		return err
	})

	single := newRunner(t, Config{BlockSize: 4, Workers: 2})
	wantTotal, wantCount, err := loops(ctx, single, g.reg)
	require.NoError(t, err)

	execCells := 0
	for rank, rm := range meshes {
		assert.Equal(t, wantTotal, totals[rank], "rank %d", rank)
		assert.Equal(t, wantCount, counts[rank], "rank %d", rank)
		for _, id := range []dataset.DatID{res.ID(), cv.ID(), wres.ID()} {
			global := dataset.Values[float64](g.reg.Dat(id))
			local := rm.Registry.Dat(id)
			v := dataset.Values[float64](local)
			gids := rm.GlobalIndex[local.Set().ID()]
			for l := 0; l < local.Set().Size(); l++ {
				assert.Equal(t, global[gids[l]], v[l], "rank %d %s[%d]", rank, local.Name(), gids[l])
			}
		}
		// the exec halo of cv was refreshed before spread ran over it
		local := rm.Registry.Dat(cv.ID())
		cells := local.Set()
		execCells += cells.ExecSize()
		v := dataset.Values[float64](local)
		gids := rm.GlobalIndex[cells.ID()]
		global := dataset.Values[float64](cv)
		for l := cells.Size(); l < cells.ExecEnd(); l++ {
			assert.Equal(t, global[gids[l]], v[l], "rank %d exec halo cv[%d]", rank, gids[l])
		}
	}
	assert.Positive(t, execCells)
}

func TestInvoke_ExchangeInFlightIsProtocolError(t *testing.T) {
	ctx := testCtx(t)
	g := newQuadGrid(t, 4, 4)
	_, _ = dataset.DeclareDat(g.reg, g.nodes, 1, nodeValues(g.nodes.Size()), "x")

	onRanks(t, g, 2, func(rm *partitions.RankMesh, r *Runner) error {
		x := rm.Registry.Dat(0)
		cells := rm.Registry.Set(g.cells.ID())
		c2n := rm.Registry.Map(g.c2n.ID())

		// reading x twice in one loop exchanges it once
		x.MarkDirty()
		if err := r.Invoke(ctx, "twice", cells, func(*Element) {},
			Dat(x).Via(c2n, 0).Read(), Dat(x).Via(c2n, 2).Read()); err != nil {
			return err
		}
		if n := r.Exchanger().Stats().Exchanges; n != 1 {
			return fmt.Errorf("rank %d: %d exchanges, want 1", rm.Rank, n)
		}

		x.MarkDirty()
		if _, err := r.Exchanger().Exchange(ctx, x, plan.Read); err != nil {
			return err
		}
		err := r.Invoke(ctx, "missing_wait", cells, func(*Element) {}, Dat(x).Via(c2n, 0).Read())
		if !errors.Is(err, dataset.ErrProtocol) {
			return fmt.Errorf("rank %d: got %v, want a protocol error", rm.Rank, err)
		}
		if r.Exchanger().Pending(x) {
			return fmt.Errorf("rank %d: exchange left in flight", rm.Rank)
		}
		return nil
	})
}

func TestParseBackend(t *testing.T) {
	for _, b := range []Backend{Blocks, Lanes} {
		got, err := ParseBackend(b.String())
		require.NoError(t, err)
		assert.Equal(t, b, got)
	}
	_, err := ParseBackend("gpu")
	assert.Error(t, err)
}
