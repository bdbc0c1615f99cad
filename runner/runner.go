// Package runner executes kernels over the elements of a set, one plan color at
// a time, with the halo exchanges, reductions and bookkeeping that keep every
// rank of a decomposed mesh consistent.
package runner

import (
	"fmt"
	"sync"

	"github.com/notargets/MeshLoop/dataset"
	"github.com/notargets/MeshLoop/halo"
	"github.com/notargets/MeshLoop/partitions"
	"github.com/notargets/MeshLoop/plan"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Backend selects how the elements of a block are executed
type Backend int

const (
	// Blocks runs each block on one worker, elements in order
	Blocks Backend = iota
	// Lanes additionally runs the elements of one sub-color concurrently,
	// staging indirect increments in a per-block scratch
	Lanes
)

func (b Backend) String() string {
	switch b {
	case Blocks:
		return "blocks"
	case Lanes:
		return "lanes"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

// ParseBackend is the inverse of Backend.String
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "blocks":
		return Blocks, nil
	case "lanes":
		return Lanes, nil
	}
	return 0, fmt.Errorf("unknown backend %q", s)
}

const (
	DefaultBlockSize = 128
	DefaultLanes     = 4
)

// Config holds the runtime parameters of one rank
type Config struct {
	Rank      int
	BlockSize int // elements per plan block, DefaultBlockSize when 0
	Workers   int // worker goroutines, one per CPU when 0
	Lanes     int // concurrent elements per block with the Lanes backend
	Backend   Backend
	Strategy  plan.Strategy
	// AbortOnFatal logs consistency, configuration and protocol failures at
	// fatal level, which exits the process
	AbortOnFatal bool
}

// Runner is the runtime context of one rank. Invocations on a Runner must not
// overlap.
type Runner struct {
	cfg       Config
	comm      halo.Comm
	halos     partitions.Halos
	exchanger *halo.Exchanger
	plans     *plan.Cache
	pool      *workerPool
	log       zerolog.Logger
	tracer    trace.Tracer

	// reduceSeq numbers global reductions, identical on every rank in lock step
	reduceSeq int

	mu      sync.Mutex
	records map[string]*KernelRecord
}

// Option configures a Runner
type Option func(*Runner)

// WithComm connects the runner to the other ranks
func WithComm(c halo.Comm) Option {
	return func(r *Runner) { r.comm = c }
}

// WithHalos sets the halo lists of this rank
func WithHalos(h partitions.Halos) Option {
	return func(r *Runner) { r.halos = h }
}

// WithMesh takes the rank and halo lists from a decomposed rank mesh
func WithMesh(rm *partitions.RankMesh) Option {
	return func(r *Runner) {
		r.cfg.Rank = rm.Rank
		r.halos = rm.Halos
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithTracer replaces the tracer of the global otel provider
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// NewRunner validates cfg and starts the worker pool. Close releases it.
func NewRunner(cfg Config, opts ...Option) (*Runner, error) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.Lanes == 0 {
		cfg.Lanes = DefaultLanes
	}
	switch {
	case cfg.BlockSize < 0:
		return nil, dataset.Configurationf(cfg.Rank, "runner", "block size must be positive, got %d", cfg.BlockSize)
	case cfg.Workers < 0:
		return nil, dataset.Configurationf(cfg.Rank, "runner", "worker count must not be negative, got %d", cfg.Workers)
	case cfg.Lanes < 0:
		return nil, dataset.Configurationf(cfg.Rank, "runner", "lane count must not be negative, got %d", cfg.Lanes)
	case cfg.Backend != Blocks && cfg.Backend != Lanes:
		return nil, dataset.Configurationf(cfg.Rank, "runner", "unknown backend %v", cfg.Backend)
	}
	cfg.Workers = parallelDegree(cfg.Workers)

	r := &Runner{
		cfg:     cfg,
		plans:   plan.NewCache(),
		log:     zerolog.Nop(),
		tracer:  otel.Tracer("github.com/notargets/MeshLoop/runner"),
		records: make(map[string]*KernelRecord),
	}
	for _, o := range opts {
		o(r)
	}
	if r.comm != nil && r.comm.Rank() != r.cfg.Rank {
		return nil, dataset.Configurationf(r.cfg.Rank, "runner", "comm belongs to rank %d", r.comm.Rank())
	}
	r.log = r.log.With().Int("rank", r.cfg.Rank).Logger()
	r.exchanger = halo.NewExchanger(r.comm, r.halos, halo.WithLogger(r.log))
	r.pool = newWorkerPool(cfg.Workers)
	r.log.Debug().
		Int("workers", cfg.Workers).
		Int("block_size", cfg.BlockSize).
		Stringer("backend", cfg.Backend).
		Stringer("strategy", cfg.Strategy).
		Msg("runner started")
	return r, nil
}

// Close stops the worker pool
func (r *Runner) Close() {
	r.pool.close()
}

func (r *Runner) Config() Config { return r.cfg }
func (r *Runner) Exchanger() *halo.Exchanger { return r.exchanger }
func (r *Runner) Plans() *plan.Cache { return r.plans }

// fatal terminates the process for unrecoverable errors when configured to
func (r *Runner) fatal(name string, err error) {
	if r.cfg.AbortOnFatal && dataset.IsFatal(err) {
		r.log.Fatal().Err(err).Str("kernel", name).Msg("unrecoverable loop failure")
	}
}
