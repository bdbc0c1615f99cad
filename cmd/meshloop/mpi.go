//go:build mpi

package main

import (
	"github.com/notargets/MeshLoop/halo"
	"github.com/notargets/MeshLoop/halo/mpicomm"
	"github.com/rs/zerolog"
)

// openMPI starts MPI and returns this process's rank of the world
func openMPI(logger zerolog.Logger) (halo.Comm, func(), error) {
	mpicomm.Start()
	c := mpicomm.New(mpicomm.WithLogger(logger))
	logger.Info().Int("rank", c.Rank()).Int("size", c.Size()).Msg("mpi started")
	return c, func() {
		c.Barrier()
		mpicomm.Stop()
	}, nil
}
