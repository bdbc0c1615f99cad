// Package mpicomm carries halo traffic over MPI. It needs cgo and an MPI
// installation and is only built with the mpi build tag:
//
//	go build -tags mpi ./...
//	mpirun -n 4 meshloop -transport mpi
package mpicomm
