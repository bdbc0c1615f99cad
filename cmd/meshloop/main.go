package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/notargets/MeshLoop/dataset"
	"github.com/notargets/MeshLoop/device"
	"github.com/notargets/MeshLoop/halo"
	"github.com/notargets/MeshLoop/halo/grpccomm"
	"github.com/notargets/MeshLoop/partitions"
	"github.com/notargets/MeshLoop/plan"
	"github.com/notargets/MeshLoop/runner"
	"github.com/rs/zerolog"
)

const usage = `meshloop: smooth a structured quad mesh with unstructured parallel loops

USAGE:
  meshloop [flags]

FLAGS:
  -ranks <n>              Ranks, each run as goroutines in this process (default: 2);
                          taken from the MPI world with -transport mpi
  -nx, -ny <n>            Cells in each direction (default: 64 x 64)
  -steps <n>              Smoothing steps (default: 10)
  -block <n>              Plan block size (default: 128)
  -workers <n>            Workers per rank, 0 for one per CPU (default: 0)
  -lanes <n>              Lanes per block with -backend lanes (default: 4)
  -backend <name>         blocks | lanes (default: blocks)
  -strategy <name>        greedy | dsatur | welsh-powell (default: greedy)
  -transport <name>       local | grpc | mpi (default: local); mpi needs a
                          build with -tags mpi and one process per rank
  -device                 Mirror dats in OCCA device memory
  -log.level <level>      zerolog level (default: info)
  -otel.endpoint <addr>   OTLP collector endpoint
  -otel.service <name>    OpenTelemetry service name (default: meshloop)
`

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		log.Fatal(err)
	}
}

type options struct {
	ranks, nx, ny, steps int
	transport            string
	useDevice            bool
	otelEndpoint         string
	otelService          string
	cfg                  runner.Config

	// the MPI rank of this process; only that rank runs here
	mpi halo.Comm
}

func parse(args []string) (*options, zerolog.Level, error) {
	o := &options{ranks: 2, nx: 64, ny: 64, steps: 10, transport: "local", otelService: "meshloop"}
	backend, strategy, level := "blocks", "greedy", "info"

	fs := flag.NewFlagSet("meshloop", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.IntVar(&o.ranks, "ranks", o.ranks, "ranks")
	fs.IntVar(&o.nx, "nx", o.nx, "cells in x")
	fs.IntVar(&o.ny, "ny", o.ny, "cells in y")
	fs.IntVar(&o.steps, "steps", o.steps, "smoothing steps")
	fs.IntVar(&o.cfg.BlockSize, "block", runner.DefaultBlockSize, "plan block size")
	fs.IntVar(&o.cfg.Workers, "workers", 0, "workers per rank")
	fs.IntVar(&o.cfg.Lanes, "lanes", runner.DefaultLanes, "lanes per block")
	fs.StringVar(&backend, "backend", backend, "blocks | lanes")
	fs.StringVar(&strategy, "strategy", strategy, "coloring strategy")
	fs.StringVar(&o.transport, "transport", o.transport, "local | grpc | mpi")
	fs.BoolVar(&o.useDevice, "device", false, "mirror dats on an OCCA device")
	fs.StringVar(&level, "log.level", level, "log level")
	fs.StringVar(&o.otelEndpoint, "otel.endpoint", "", "OTLP collector endpoint")
	fs.StringVar(&o.otelService, "otel.service", o.otelService, "OpenTelemetry service name")
	if err := fs.Parse(args); err != nil {
		return nil, 0, err
	}
	var err error
	if o.cfg.Backend, err = runner.ParseBackend(backend); err != nil {
		return nil, 0, err
	}
	if o.cfg.Strategy, err = plan.ParseStrategy(strategy); err != nil {
		return nil, 0, err
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, 0, err
	}
	switch {
	case o.ranks < 1:
		return nil, 0, fmt.Errorf("-ranks must be at least 1, got %d", o.ranks)
	case o.nx < 1 || o.ny < 1:
		return nil, 0, fmt.Errorf("mesh must have cells, got %d x %d", o.nx, o.ny)
	case o.transport != "local" && o.transport != "grpc" && o.transport != "mpi":
		return nil, 0, fmt.Errorf("unknown transport %q", o.transport)
	}
	return o, lvl, nil
}

func run(args []string, stderr io.Writer) error {
	o, lvl, err := parse(args)
	if err != nil {
		fmt.Fprint(stderr, usage)
		return err
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.TimeOnly}).
		Level(lvl).With().Timestamp().Logger()

	shutdown, err := setupTracing(o.otelEndpoint, o.otelService)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	if o.transport == "mpi" {
		comm, stop, err := openMPI(logger)
		if err != nil {
			return err
		}
		defer stop()
		o.mpi, o.ranks = comm, comm.Size()
		logger = logger.With().Int("mpi_rank", comm.Rank()).Logger()
	}

	m, err := buildMesh(o.nx, o.ny)
	if err != nil {
		return err
	}
	meshes, err := partitions.Decompose(m.reg,
		partitions.Ownership{m.cells.ID(): partitions.BlockOwnership(m.cells.Size(), o.ranks)},
		o.ranks, partitions.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("decompose: %w", err)
	}
	for _, s := range []*dataset.Set{m.cells, m.nodes, m.faces} {
		st := partitions.Statistics(meshes, s.ID())
		logger.Info().
			Str("set", s.Name()).
			Int("min", st.MinElements).
			Int("max", st.MaxElements).
			Float64("imbalance", st.Imbalance).
			Int("halo", st.HaloElements).
			Float64("core_fraction", st.CoreFraction).
			Msg("partition")
	}

	steps, err := simulate(context.Background(), o, meshes, logger)
	if err != nil {
		return err
	}
	for i, st := range steps {
		logger.Info().Int("step", i).Float64("residual", st.residual).Float64("mass", st.mass).Msg("smoothing")
	}
	return nil
}

type stepResult struct {
	residual float64 // norm of the node displacement
	mass     float64 // total of the diffused cell scalar
}

// simulate runs every rank of meshes concurrently and returns rank 0's steps.
// Under MPI only this process's rank runs and its steps are returned.
func simulate(ctx context.Context, o *options, meshes []*partitions.RankMesh, logger zerolog.Logger) ([]stepResult, error) {
	if o.mpi != nil {
		r := o.mpi.Rank()
		return rank(ctx, o, meshes[r], o.mpi, logger.With().Int("rank", r).Logger())
	}
	comms, closeComms, err := connect(o)
	if err != nil {
		return nil, err
	}
	defer closeComms()

	errs := make([]error, o.ranks)
	steps := make([][]stepResult, o.ranks)
	var wg sync.WaitGroup
	for r := 0; r < o.ranks; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			steps[r], errs[r] = rank(ctx, o, meshes[r], comms[r], logger.With().Int("rank", r).Logger())
		}(r)
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return steps[0], nil
}

// connect creates one comm per rank on the chosen transport
func connect(o *options) ([]halo.Comm, func(), error) {
	comms := make([]halo.Comm, o.ranks)
	if o.transport == "local" {
		for r, c := range halo.NewLocalGroup(o.ranks) {
			comms[r] = c
		}
		return comms, func() {}, nil
	}
	servers := make([]*grpccomm.Comm, 0, o.ranks)
	closeAll := func() {
		for _, c := range servers {
			_ = c.Close()
		}
	}
	addrs := make([]string, o.ranks)
	for r := 0; r < o.ranks; r++ {
		c, err := grpccomm.Listen(r, "127.0.0.1:0")
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		servers = append(servers, c)
		addrs[r] = c.Addr()
		comms[r] = c
	}
	for _, c := range servers {
		if err := c.Dial(addrs); err != nil {
			closeAll()
			return nil, nil, err
		}
	}
	return comms, closeAll, nil
}

// rank runs the smoothing and diffusion steps on one rank
func rank(ctx context.Context, o *options, rm *partitions.RankMesh, comm halo.Comm, logger zerolog.Logger) ([]stepResult, error) {
	r, err := runner.NewRunner(o.cfg, runner.WithMesh(rm), runner.WithComm(comm), runner.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	reg := rm.Registry
	cells, nodes, faces := reg.Set(cellSet), reg.Set(nodeSet), reg.Set(faceSet)
	c2n, f2c := reg.Map(cellToNode), reg.Map(faceToCell)
	x, res, deg := reg.Dat(coordDat), reg.Dat(resDat), reg.Dat(degreeDat)
	q, dq := reg.Dat(qDat), reg.Dat(dqDat)

	if o.useDevice {
		dev, err := device.Open()
		if err != nil {
			return nil, err
		}
		defer dev.Free()
		stager := device.NewStager(dev, device.WithLogger(logger))
		defer stager.Free()
		for _, d := range reg.Dats() {
			if err := d.AttachStaging(stager); err != nil {
				return nil, err
			}
		}
	}

	// node degree, needed to average the cell contributions
	err = r.Invoke(ctx, "degree", cells, func(e *runner.Element) {
		for k := 0; k < 4; k++ {
			runner.ViewAt[int32](e, 0, k)[0]++
		}
	}, runner.Dat(deg).Via(c2n, plan.AllTargets).Inc())
	if err != nil {
		return nil, err
	}

	steps := make([]stepResult, 0, o.steps)
	for step := 0; step < o.steps; step++ {
		err := r.Invoke(ctx, "residual", cells, residual,
			runner.Dat(x).Via(c2n, plan.AllTargets).Read(),
			runner.Dat(res).Via(c2n, plan.AllTargets).Inc())
		if err != nil {
			return nil, err
		}
		sum := []float64{0}
		err = r.Invoke(ctx, "update", nodes, update,
			runner.Dat(x).RW(),
			runner.Dat(res).RW(),
			runner.Dat(deg).Read(),
			runner.Global(sum).Inc())
		if err != nil {
			return nil, err
		}

		err = r.Invoke(ctx, "flux", faces, flux,
			runner.Dat(q).Via(f2c, plan.AllTargets).Read(),
			runner.Dat(dq).Via(f2c, plan.AllTargets).Inc())
		if err != nil {
			return nil, err
		}
		mass := []float64{0}
		err = r.Invoke(ctx, "advance", cells, advance,
			runner.Dat(q).RW(),
			runner.Dat(dq).RW(),
			runner.Global(mass).Inc())
		if err != nil {
			return nil, err
		}
		steps = append(steps, stepResult{residual: math.Sqrt(sum[0]), mass: mass[0]})
	}
	r.LogDiagnostics()
	return steps, nil
}

// flux exchanges a fraction of the scalar difference across a face
func flux(e *runner.Element) {
	q0, q1 := runner.F64At(e, 0, 0)[0], runner.F64At(e, 0, 1)[0]
	f := 0.1 * (q1 - q0)
	runner.F64At(e, 1, 0)[0] += f
	runner.F64At(e, 1, 1)[0] -= f
}

// advance applies the accumulated face fluxes of a cell
func advance(e *runner.Element) {
	q, dq := runner.F64(e, 0), runner.F64(e, 1)
	q[0] += dq[0]
	dq[0] = 0
	runner.F64(e, 2)[0] += q[0]
}

// residual pulls every node of a cell toward the cell centroid
func residual(e *runner.Element) {
	var cx, cy float64
	for k := 0; k < 4; k++ {
		p := runner.F64At(e, 0, k)
		cx += p[0] / 4
		cy += p[1] / 4
	}
	for k := 0; k < 4; k++ {
		p := runner.F64At(e, 0, k)
		r := runner.F64At(e, 1, k)
		r[0] += cx - p[0]
		r[1] += cy - p[1]
	}
}

// update moves interior nodes by their averaged residual. Boundary nodes have
// fewer than four cells and stay put.
func update(e *runner.Element) {
	x := runner.F64(e, 0)
	r := runner.F64(e, 1)
	deg := runner.View[int32](e, 2)[0]
	if deg == 4 {
		dx, dy := 0.5*r[0]/4, 0.5*r[1]/4
		x[0] += dx
		x[1] += dy
		runner.F64(e, 3)[0] += dx*dx + dy*dy
	}
	r[0], r[1] = 0, 0
}
