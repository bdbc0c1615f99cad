package partitions

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/notargets/MeshLoop/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chainMesh builds 6 nodes joined by 5 edges, edge i = (i, i+1)
func chainMesh(t *testing.T) (*dataset.Registry, *dataset.Set, *dataset.Set) {
	t.Helper()
	reg := dataset.NewRegistry()
	nodes, err := reg.DeclareSet(6, "nodes")
	require.NoError(t, err)
	edges, err := reg.DeclareSet(5, "edges")
	require.NoError(t, err)
	var conn []int
	for i := 0; i < 5; i++ {
		conn = append(conn, i, i+1)
	}
	_, err = reg.DeclareMap(edges, nodes, 2, conn, "pedge")
	require.NoError(t, err)
	_, err = dataset.DeclareDat(reg, nodes, 1, []float64{0, 10, 20, 30, 40, 50}, "x")
	require.NoError(t, err)
	return reg, nodes, edges
}

func TestBlockOwnership(t *testing.T) {
	assert.Equal(t, []int{0, 0, 0, 0, 0, 1, 1, 1, 1, 1}, BlockOwnership(10, 2))
	assert.Equal(t, []int{0, 0, 1, 1, 2}, BlockOwnership(5, 3))
	assert.Equal(t, []int{0, 1}, BlockOwnership(2, 4))
	assert.Empty(t, BlockOwnership(0, 3))
}

func TestDeriveOwnership(t *testing.T) {
	reg, nodes, edges := chainMesh(t)
	owners, err := DeriveOwnership(reg, Ownership{nodes.ID(): {0, 0, 0, 1, 1, 1}}, 2)
	require.NoError(t, err)
	// edges follow the owner of their first node
	assert.Equal(t, []int{0, 0, 0, 1, 1}, owners[edges.ID()])

	owners, err = DeriveOwnership(reg, Ownership{edges.ID(): {1, 1, 0, 0, 0}}, 2)
	require.NoError(t, err)
	// nodes follow the first edge that references them
	assert.Equal(t, []int{1, 1, 1, 0, 0, 0}, owners[nodes.ID()])

	_, err = DeriveOwnership(reg, Ownership{nodes.ID(): {0, 0, 0, 1, 1, 7}}, 2)
	assert.ErrorIs(t, err, dataset.ErrConsistency)
	_, err = DeriveOwnership(reg, Ownership{nodes.ID(): {0, 1}}, 2)
	assert.ErrorIs(t, err, dataset.ErrConsistency)
	_, err = DeriveOwnership(reg, nil, 0)
	assert.ErrorIs(t, err, dataset.ErrConfiguration)
}

func TestDecompose_ChainTwoRanks(t *testing.T) {
	reg, nodes, edges := chainMesh(t)
	meshes, err := Decompose(reg, Ownership{nodes.ID(): {0, 0, 0, 1, 1, 1}}, 2)
	require.NoError(t, err)
	require.Len(t, meshes, 2)

	r0, r1 := meshes[0], meshes[1]

	t.Run("Regions", func(t *testing.T) {
		e0 := r0.Registry.Set(edges.ID())
		assert.Equal(t, []int{3, 2, 0, 0}, []int{e0.Size(), e0.CoreSize(), e0.ExecSize(), e0.NonExecSize()})
		n0 := r0.Registry.Set(nodes.ID())
		assert.Equal(t, []int{3, 3, 0, 1}, []int{n0.Size(), n0.CoreSize(), n0.ExecSize(), n0.NonExecSize()})

		e1 := r1.Registry.Set(edges.ID())
		assert.Equal(t, []int{2, 2, 1, 0}, []int{e1.Size(), e1.CoreSize(), e1.ExecSize(), e1.NonExecSize()})
		n1 := r1.Registry.Set(nodes.ID())
		assert.Equal(t, []int{3, 3, 0, 1}, []int{n1.Size(), n1.CoreSize(), n1.ExecSize(), n1.NonExecSize()})
	})

	t.Run("Renumbering", func(t *testing.T) {
		assert.Equal(t, []int{3, 4, 2}, r1.GlobalIndex[edges.ID()])
		assert.Equal(t, []int{3, 4, 5, 2}, r1.GlobalIndex[nodes.ID()])
		m := r1.Registry.Map(0)
		if diff := cmp.Diff([]int{0, 1, 1, 2, 3, 0}, m.Values); diff != "" {
			t.Errorf("local map mismatch (-want +got):\n%s", diff)
		}
		x := r1.Registry.Dat(0)
		assert.Equal(t, []float64{30, 40, 50, 20}, dataset.Values[float64](x))
		assert.False(t, x.Dirty())

		l, ok := r1.Locate(nodes.ID(), 2)
		assert.True(t, ok)
		assert.Equal(t, 3, l)
		_, ok = r1.Locate(nodes.ID(), 0)
		assert.False(t, ok)
	})

	t.Run("HaloLists", func(t *testing.T) {
		nh0 := r0.Halos.For(nodes.ID())
		assert.Equal(t, []int{1}, nh0.ImportNonExec.Ranks)
		assert.Equal(t, []int{0}, nh0.ImportNonExec.List)
		assert.Equal(t, []int{2}, nh0.ExportNonExec.List)
		assert.Equal(t, 0, nh0.ImportExec.Size)

		nh1 := r1.Halos.For(nodes.ID())
		assert.Equal(t, []int{0}, nh1.ExportNonExec.List)

		eh0 := r0.Halos.For(edges.ID())
		assert.Equal(t, []int{1}, eh0.ExportExec.Ranks)
		assert.Equal(t, []int{2}, eh0.ExportExec.List)
		eh1 := r1.Halos.For(edges.ID())
		assert.Equal(t, []int{0}, eh1.ImportExec.Ranks)
		assert.Equal(t, 1, eh1.ImportExec.Size)
	})

	t.Run("Statistics", func(t *testing.T) {
		st := Statistics(meshes, nodes.ID())
		assert.Equal(t, 3, st.MinElements)
		assert.Equal(t, 3, st.MaxElements)
		assert.Equal(t, 2, st.HaloElements)
		assert.InDelta(t, 1.0, st.Imbalance, 1e-12)
		assert.InDelta(t, 1.0, st.CoreFraction, 1e-12)
	})
}

func TestDecompose_HaloValuesMatchOwner(t *testing.T) {
	reg, nodes, _ := chainMesh(t)
	meshes, err := Decompose(reg, Ownership{nodes.ID(): BlockOwnership(6, 3)}, 3)
	require.NoError(t, err)
	global := dataset.Values[float64](reg.Dat(0))
	for _, rm := range meshes {
		local := dataset.Values[float64](rm.Registry.Dat(0))
		for l, g := range rm.GlobalIndex[nodes.ID()] {
			assert.Equal(t, global[g], local[l], "rank %d local %d", rm.Rank, l)
		}
	}
}

func TestValidateSymmetry_DetectsMismatch(t *testing.T) {
	reg, nodes, _ := chainMesh(t)
	meshes, err := Decompose(reg, Ownership{nodes.ID(): {0, 0, 0, 1, 1, 1}}, 2)
	require.NoError(t, err)
	require.NoError(t, ValidateSymmetry(meshes))

	hl := meshes[0].Halos.For(nodes.ID()).ExportNonExec
	hl.Sizes[0]++
	hl.Size++
	hl.List = append(hl.List, 0)
	assert.ErrorIs(t, ValidateSymmetry(meshes), dataset.ErrConsistency)
}

func TestDecompose_RejectsPartitionedInput(t *testing.T) {
	reg := dataset.NewRegistry()
	s, _ := reg.DeclareSet(4, "s")
	require.NoError(t, s.Resize(4, 4, 0, 1))
	_, err := Decompose(reg, nil, 2)
	assert.ErrorIs(t, err, dataset.ErrConsistency)
}
