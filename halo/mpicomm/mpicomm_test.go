//go:build mpi

package mpicomm

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/notargets/MeshLoop/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	Start()
	code := m.Run()
	Stop()
	os.Exit(code)
}

func TestComm_SelfSendRecv(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := New()
	me := c.Rank()

	recv := make([]byte, 4)
	r := c.Irecv(ctx, me, 11, recv)
	require.NoError(t, c.Isend(ctx, me, 11, []byte("halo")).Wait(ctx))
	require.NoError(t, r.Wait(ctx))
	assert.Equal(t, "halo", string(recv))

	short := make([]byte, 2)
	r = c.Irecv(ctx, me, 12, short)
	require.NoError(t, c.Isend(ctx, me, 12, []byte{1, 2, 3}).Wait(ctx))
	assert.ErrorContains(t, r.Wait(ctx), "expected 2")

	assert.Error(t, c.Isend(ctx, c.Size(), 0, nil).Wait(ctx))
	assert.Error(t, c.Isend(ctx, me, -1, nil).Wait(ctx))
}

func TestComm_ReduceSum(t *testing.T) {
	ctx := context.Background()
	c := New()
	n := int64(c.Size())

	counts := []int64{-3, 1 << 40}
	done, err := c.ReduceSum(ctx, dataset.AsBytes(counts), dataset.INT64)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []int64{-3 * n, n << 40}, counts)

	small := []int32{-7}
	done, err = c.ReduceSum(ctx, dataset.AsBytes(small), dataset.INT32)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []int32{-7 * int32(n)}, small)

	done, err = c.ReduceSum(ctx, dataset.AsBytes([]float64{1}), dataset.Float64)
	require.NoError(t, err)
	assert.False(t, done)
}
