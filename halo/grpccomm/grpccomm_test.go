package grpccomm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/notargets/MeshLoop/dataset"
	"github.com/notargets/MeshLoop/halo"
	"github.com/notargets/MeshLoop/partitions"
	"github.com/notargets/MeshLoop/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func startGroup(t *testing.T, n int) []*Comm {
	t.Helper()
	comms := make([]*Comm, n)
	addrs := make([]string, n)
	for r := 0; r < n; r++ {
		c, err := Listen(r, "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		comms[r] = c
		addrs[r] = c.Addr()
	}
	for _, c := range comms {
		require.NoError(t, c.Dial(addrs))
	}
	return comms
}

func TestComm_SendRecv(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	comms := startGroup(t, 2)
	assert.Equal(t, 2, comms[0].Size())

	send := comms[0].Isend(ctx, 1, 42, []byte("halo"))
	buf := make([]byte, 4)
	require.NoError(t, comms[1].Irecv(ctx, 0, 42, buf).Wait(ctx))
	require.NoError(t, send.Wait(ctx))
	assert.Equal(t, "halo", string(buf))

	// sends to self short-circuit the network
	require.NoError(t, comms[1].Isend(ctx, 1, 3, []byte{7}).Wait(ctx))
	one := make([]byte, 1)
	require.NoError(t, comms[1].Irecv(ctx, 1, 3, one).Wait(ctx))
	assert.Equal(t, byte(7), one[0])

	assert.Error(t, comms[0].Isend(ctx, 9, 0, nil).Wait(ctx))
}

func TestComm_IssuedSendOutlivesContext(t *testing.T) {
	comms := startGroup(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	send := comms[0].Isend(ctx, 1, 5, []byte("kept"))
	self := comms[1].Isend(ctx, 1, 6, []byte{9})
	cancel()

	wait, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	require.NoError(t, send.Wait(wait))
	require.NoError(t, self.Wait(wait))
	buf := make([]byte, 4)
	require.NoError(t, comms[1].Irecv(wait, 0, 5, buf).Wait(wait))
	assert.Equal(t, "kept", string(buf))
	one := make([]byte, 1)
	require.NoError(t, comms[1].Irecv(wait, 1, 6, one).Wait(wait))
	assert.Equal(t, byte(9), one[0])
}

func TestComm_DeliverRejectsMissingMetadata(t *testing.T) {
	c, err := Listen(0, "127.0.0.1:0")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Deliver(context.Background(), wrapperspb.Bytes(nil))
	assert.Error(t, err)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(mdSource, "1", mdTag, "x"))
	_, err = c.Deliver(ctx, wrapperspb.Bytes(nil))
	assert.ErrorContains(t, err, mdTag)
}

func TestComm_HaloExchangeAndReduce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	reg := dataset.NewRegistry()
	nodes, _ := reg.DeclareSet(8, "nodes")
	cells, _ := reg.DeclareSet(7, "cells")
	var conn []int
	for i := 0; i < 7; i++ {
		conn = append(conn, i, i+1)
	}
	_, err := reg.DeclareMap(cells, nodes, 2, conn, "pcell")
	require.NoError(t, err)
	vals := make([]float64, 8)
	for i := range vals {
		vals[i] = float64(i*i) + 0.5
	}
	_, err = dataset.DeclareDat(reg, nodes, 1, vals, "p")
	require.NoError(t, err)

	meshes, err := partitions.Decompose(reg, partitions.Ownership{nodes.ID(): partitions.BlockOwnership(8, 2)}, 2)
	require.NoError(t, err)
	comms := startGroup(t, 2)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	sums := make([]float64, 2)
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			rm := meshes[r]
			d := rm.Registry.Dat(0)
			v := dataset.Values[float64](d)
			s := d.Set()
			// poison the halo so the exchange has something to fix
			for l := s.Size(); l < s.Total(); l++ {
				v[l] = -1
			}
			d.MarkDirty()
			ex := halo.NewExchanger(comms[r], rm.Halos)
			if _, errs[r] = ex.Exchange(ctx, d, plan.Read); errs[r] != nil {
				return
			}
			if errs[r] = ex.WaitAll(ctx); errs[r] != nil {
				return
			}
			local := []float64{0}
			for l := 0; l < s.Size(); l++ {
				local[0] += v[l]
			}
			errs[r] = halo.AllReduce(ctx, comms[r], 0, dataset.AsBytes(local), dataset.Float64)
			sums[r] = local[0]
		}(r)
	}
	wg.Wait()
	for r := range errs {
		require.NoError(t, errs[r], "rank %d", r)
	}

	want := 0.0
	for _, x := range vals {
		want += x
	}
	assert.Equal(t, []float64{want, want}, sums)
	for _, rm := range meshes {
		v := dataset.Values[float64](rm.Registry.Dat(0))
		for l, g := range rm.GlobalIndex[nodes.ID()] {
			assert.Equal(t, vals[g], v[l], "rank %d node %d", rm.Rank, g)
		}
	}
}
