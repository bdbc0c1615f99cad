package halo

import (
	"context"
	"fmt"

	"github.com/notargets/MeshLoop/dataset"
)

// ReduceTagBase keeps reduction tags clear of dat halo tags
const ReduceTagBase = 1 << 30

// Reducer is implemented by transports with a native sum across ranks.
// ReduceSum reports false when it leaves dt to the rank ordered reduction.
type Reducer interface {
	ReduceSum(ctx context.Context, buf []byte, dt dataset.DataType) (bool, error)
}

// AllReduce sums buf, packed values of dt, across every rank of comm. A comm
// that is a Reducer is asked first. Otherwise rank 0 adds the contributions in
// rank order and sends the total back, so every rank ends with bit identical
// values.
func AllReduce(ctx context.Context, comm Comm, tag int, buf []byte, dt dataset.DataType) error {
	if comm == nil || comm.Size() == 1 {
		return nil
	}
	if red, ok := comm.(Reducer); ok {
		done, err := red.ReduceSum(ctx, buf, dt)
		if err != nil {
			return fmt.Errorf("rank %d: reduction: %w", comm.Rank(), err)
		}
		if done {
			return nil
		}
	}
	tag += ReduceTagBase
	if comm.Rank() != 0 {
		if err := comm.Isend(ctx, 0, tag, buf).Wait(ctx); err != nil {
			return fmt.Errorf("rank %d: reduction send: %w", comm.Rank(), err)
		}
		if err := comm.Irecv(ctx, 0, tag, buf).Wait(ctx); err != nil {
			return fmt.Errorf("rank %d: reduction result: %w", comm.Rank(), err)
		}
		return nil
	}

	part := dataset.AlignedBytes(len(buf))
	for src := 1; src < comm.Size(); src++ {
		if err := comm.Irecv(ctx, src, tag, part).Wait(ctx); err != nil {
			return fmt.Errorf("rank 0: reduction from rank %d: %w", src, err)
		}
		dt.AddInto(buf, part)
	}
	reqs := make([]Request, 0, comm.Size()-1)
	for dst := 1; dst < comm.Size(); dst++ {
		reqs = append(reqs, comm.Isend(ctx, dst, tag, buf))
	}
	for _, r := range reqs {
		if err := r.Wait(ctx); err != nil {
			return fmt.Errorf("rank 0: reduction broadcast: %w", err)
		}
	}
	return nil
}
