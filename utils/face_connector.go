// Package utils derives secondary mesh connectivity from element-to-vertex
// tables.
package utils

import (
	"fmt"
	"sort"
)

// FaceConnector pairs element faces by their vertex sets. Faces seen by two
// elements become interior faces, faces seen by one are boundary faces.
type FaceConnector struct {
	K      int // elements
	Nfaces int // faces per element

	// EToE and EToF give the neighbor element and its local face across every
	// face, flattened as [e*Nfaces+f]. A boundary face points at itself.
	EToE []int
	EToF []int

	// Interior lists each interior face once as an element pair, lower
	// element first, in order of first appearance
	Interior [][2]int
	// Boundary lists unpaired faces as e*Nfaces+f
	Boundary []int
}

// faceKey is the sorted vertex set of a face, unused slots hold -1
type faceKey [4]int

type faceRef struct {
	elem, face int
}

// NewFaceConnector builds face connectivity for K elements with nv vertices
// each. faceVertices lists the local vertices of every face, at most four.
func NewFaceConnector(EToV []int, nv int, faceVertices [][]int) (*FaceConnector, error) {
	if nv <= 0 || len(faceVertices) == 0 {
		return nil, fmt.Errorf("invalid element shape: nv=%d, Nfaces=%d", nv, len(faceVertices))
	}
	if len(EToV)%nv != 0 {
		return nil, fmt.Errorf("EToV length %d is not a multiple of %d vertices", len(EToV), nv)
	}
	for f, fv := range faceVertices {
		if len(fv) == 0 || len(fv) > len(faceKey{}) {
			return nil, fmt.Errorf("face %d has %d vertices", f, len(fv))
		}
		for _, v := range fv {
			if v < 0 || v >= nv {
				return nil, fmt.Errorf("face %d uses local vertex %d of %d", f, v, nv)
			}
		}
	}

	K, Nfaces := len(EToV)/nv, len(faceVertices)
	fc := &FaceConnector{
		K:      K,
		Nfaces: Nfaces,
		EToE:   make([]int, K*Nfaces),
		EToF:   make([]int, K*Nfaces),
	}
	open := make(map[faceKey]faceRef)
	var order []faceKey
	for e := 0; e < K; e++ {
		for f, fv := range faceVertices {
			fc.EToE[e*Nfaces+f] = e
			fc.EToF[e*Nfaces+f] = f

			key := faceKey{-1, -1, -1, -1}
			verts := key[:len(fv)]
			for i, v := range fv {
				verts[i] = EToV[e*nv+v]
			}
			sort.Ints(verts)

			other, found := open[key]
			if !found {
				open[key] = faceRef{e, f}
				order = append(order, key)
				continue
			}
			if other.elem < 0 {
				return nil, fmt.Errorf("face %v of element %d is shared by more than two elements", verts, e)
			}
			fc.EToE[e*Nfaces+f], fc.EToF[e*Nfaces+f] = other.elem, other.face
			fc.EToE[other.elem*Nfaces+other.face], fc.EToF[other.elem*Nfaces+other.face] = e, f
			open[key] = faceRef{-1, -1}
		}
	}

	for _, key := range order {
		ref := open[key]
		if ref.elem >= 0 {
			fc.Boundary = append(fc.Boundary, ref.elem*Nfaces+ref.face)
		}
	}
	for e := 0; e < K; e++ {
		for f := 0; f < Nfaces; f++ {
			if n := fc.EToE[e*Nfaces+f]; n > e {
				fc.Interior = append(fc.Interior, [2]int{e, n})
			}
		}
	}
	return fc, nil
}

// InteriorMap flattens the interior element pairs into arity two map values
func (fc *FaceConnector) InteriorMap() []int {
	vals := make([]int, 0, 2*len(fc.Interior))
	for _, p := range fc.Interior {
		vals = append(vals, p[0], p[1])
	}
	return vals
}

// Verify checks that every element face is accounted for exactly once and
// that neighbor links are reciprocal
func (fc *FaceConnector) Verify() error {
	if got, want := 2*len(fc.Interior)+len(fc.Boundary), fc.K*fc.Nfaces; got != want {
		return fmt.Errorf("conservation error: %d interior and %d boundary faces cover %d element faces, expected %d",
			len(fc.Interior), len(fc.Boundary), got, want)
	}
	for i := range fc.EToE {
		e, f := i/fc.Nfaces, i%fc.Nfaces
		n, nf := fc.EToE[i], fc.EToF[i]
		if n < 0 || n >= fc.K || nf < 0 || nf >= fc.Nfaces {
			return fmt.Errorf("element %d face %d links to element %d face %d", e, f, n, nf)
		}
		if fc.EToE[n*fc.Nfaces+nf] != e || fc.EToF[n*fc.Nfaces+nf] != f {
			return fmt.Errorf("element %d face %d is not linked back from element %d face %d", e, f, n, nf)
		}
	}
	return nil
}
