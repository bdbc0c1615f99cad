//go:build mpi

package mpicomm

import (
	"context"
	"fmt"

	"github.com/notargets/MeshLoop/dataset"
	"github.com/notargets/MeshLoop/halo"
	"github.com/rs/zerolog"
	mpi "github.com/sbromberger/gompi"
)

// Start initialises MPI with thread support, so sends and receives may be
// issued from several goroutines. Call Stop before the process exits.
func Start() { mpi.Start(true) }

// Stop finalises MPI
func Stop() { mpi.Stop() }

// Comm is one rank of the MPI world. It implements halo.Comm and halo.Reducer.
type Comm struct {
	o   *mpi.Communicator
	log zerolog.Logger
}

var (
	_ halo.Comm    = (*Comm)(nil)
	_ halo.Reducer = (*Comm)(nil)
)

// Option configures a Comm
type Option func(*Comm)

// WithLogger sets the transport logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *Comm) { c.log = l }
}

// New wraps the world communicator. MPI must already be started.
func New(opts ...Option) *Comm {
	c := &Comm{o: mpi.NewCommunicator(nil), log: zerolog.Nop()}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Comm) Rank() int { return c.o.Rank() }
func (c *Comm) Size() int { return c.o.Size() }

// Barrier blocks until every rank reaches it
func (c *Comm) Barrier() { c.o.Barrier() }

func (c *Comm) checkTag(tag int) error {
	if tag < 0 || tag > c.o.MaxTag {
		return fmt.Errorf("rank %d: tag %d outside [0,%d]", c.Rank(), tag, c.o.MaxTag)
	}
	return nil
}

// Isend runs a blocking send in the background. Once issued it is not
// cancelled; ctx only bounds Wait.
func (c *Comm) Isend(_ context.Context, dest, tag int, payload []byte) halo.Request {
	r := &request{done: make(chan struct{})}
	if err := c.checkTag(tag); err != nil {
		r.err = err
		close(r.done)
		return r
	}
	if dest < 0 || dest >= c.Size() {
		r.err = fmt.Errorf("send to rank %d outside group of %d", dest, c.Size())
		close(r.done)
		return r
	}
	go func() {
		defer close(r.done)
		c.o.SendBytes(payload, dest, tag)
	}()
	return r
}

// Irecv matches the next message from src with tag in the background and
// copies it into buf on Wait
func (c *Comm) Irecv(_ context.Context, src, tag int, buf []byte) halo.Request {
	r := &recvRequest{request: request{done: make(chan struct{})}, buf: buf}
	if err := c.checkTag(tag); err != nil {
		r.err = err
		close(r.done)
		return r
	}
	go func() {
		defer close(r.done)
		msg, _ := c.o.MrecvBytes(src, tag)
		if len(msg) != len(buf) {
			r.err = fmt.Errorf("rank %d: message from rank %d tag %d has %d bytes, expected %d",
				c.Rank(), src, tag, len(msg), len(buf))
			return
		}
		r.msg = msg
	}()
	return r
}

// ReduceSum sums integer buffers with an MPI all-reduce. Two's complement
// addition wraps the same way in uint64, so int32 and int64 sums are exact.
// Floating point sums are left to the rank ordered reduction, which keeps them
// bit identical from run to run.
func (c *Comm) ReduceSum(ctx context.Context, buf []byte, dt dataset.DataType) (bool, error) {
	var (
		local  []uint64
		unpack func(sum []uint64)
	)
	switch dt {
	case dataset.INT64:
		vals := dataset.AsSlice[int64](buf)
		local = make([]uint64, len(vals))
		for i, v := range vals {
			local[i] = uint64(v)
		}
		unpack = func(sum []uint64) {
			for i, v := range sum {
				vals[i] = int64(v)
			}
		}
	case dataset.INT32:
		vals := dataset.AsSlice[int32](buf)
		local = make([]uint64, len(vals))
		for i, v := range vals {
			local[i] = uint64(int64(v))
		}
		unpack = func(sum []uint64) {
			for i, v := range sum {
				vals[i] = int32(v)
			}
		}
	default:
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(local) == 0 {
		return true, nil
	}
	global := make([]uint64, len(local))
	c.o.AllreduceUint64s(global, local, mpi.OpSum, 0)
	unpack(global)
	c.log.Debug().Int("rank", c.Rank()).Str("type", dt.String()).Int("values", len(local)).Msg("mpi all-reduce")
	return true, nil
}

type request struct {
	done chan struct{}
	err  error
}

func (r *request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type recvRequest struct {
	request
	buf []byte
	msg []byte
}

func (r *recvRequest) Wait(ctx context.Context) error {
	if err := r.request.Wait(ctx); err != nil {
		return err
	}
	copy(r.buf, r.msg)
	return nil
}
