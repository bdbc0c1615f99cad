package main

import (
	"fmt"
	"math"

	"github.com/notargets/MeshLoop/dataset"
	"github.com/notargets/MeshLoop/utils"
)

// Handles of the demo mesh, identical in the global registry and every rank
const (
	nodeSet    dataset.SetID = 0
	cellSet    dataset.SetID = 1
	faceSet    dataset.SetID = 2
	cellToNode dataset.MapID = 0
	faceToCell dataset.MapID = 1
	coordDat   dataset.DatID = 0
	resDat     dataset.DatID = 1
	degreeDat  dataset.DatID = 2
	qDat       dataset.DatID = 3
	dqDat      dataset.DatID = 4
)

var quadFaces = [][]int{{0, 1}, {1, 2}, {2, 3}, {3, 0}}

type mesh struct {
	reg                 *dataset.Registry
	nodes, cells, faces *dataset.Set
}

// buildMesh declares an nx by ny grid of quads with jittered interior nodes,
// the interior faces between them, and a cell scalar that diffuses across
// the faces
func buildMesh(nx, ny int) (*mesh, error) {
	reg := dataset.NewRegistry()
	nodes, err := reg.DeclareSet((nx+1)*(ny+1), "nodes")
	if err != nil {
		return nil, err
	}
	cells, err := reg.DeclareSet(nx*ny, "cells")
	if err != nil {
		return nil, err
	}
	conn := make([]int, 0, 4*nx*ny)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			n0 := j*(nx+1) + i
			conn = append(conn, n0, n0+1, n0+nx+2, n0+nx+1)
		}
	}
	if _, err := reg.DeclareMap(cells, nodes, 4, conn, "cell_nodes"); err != nil {
		return nil, err
	}
	fc, err := utils.NewFaceConnector(conn, 4, quadFaces)
	if err != nil {
		return nil, err
	}
	if err := fc.Verify(); err != nil {
		return nil, fmt.Errorf("face connectivity: %w", err)
	}
	faces, err := reg.DeclareSet(len(fc.Interior), "faces")
	if err != nil {
		return nil, err
	}
	if _, err := reg.DeclareMap(faces, cells, 2, fc.InteriorMap(), "face_cells"); err != nil {
		return nil, err
	}

	xy := make([]float64, 0, 2*nodes.Size())
	for j := 0; j <= ny; j++ {
		for i := 0; i <= nx; i++ {
			x, y := float64(i), float64(j)
			if i > 0 && i < nx && j > 0 && j < ny {
				x += 0.3 * math.Sin(float64(7*i+3*j))
				y += 0.3 * math.Cos(float64(5*i+11*j))
			}
			xy = append(xy, x, y)
		}
	}
	if _, err := dataset.DeclareDat(reg, nodes, 2, xy, "xy"); err != nil {
		return nil, err
	}
	if _, err := dataset.DeclareDat(reg, nodes, 2, []float64(nil), "res"); err != nil {
		return nil, err
	}
	if _, err := dataset.DeclareDat(reg, nodes, 1, []int32(nil), "degree"); err != nil {
		return nil, err
	}

	q := make([]float64, cells.Size())
	for c := range q {
		if (c%nx+c/nx)%2 == 0 {
			q[c] = 1
		}
	}
	if _, err := dataset.DeclareDat(reg, cells, 1, q, "q"); err != nil {
		return nil, err
	}
	if _, err := dataset.DeclareDat(reg, cells, 1, []float64(nil), "dq"); err != nil {
		return nil, err
	}
	return &mesh{reg: reg, nodes: nodes, cells: cells, faces: faces}, nil
}
