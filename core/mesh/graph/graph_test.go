package graph

import (
	"math/rand"
	"testing"

	"github.com/nmxmxh/overlay/core/mesh/common"
	"github.com/nmxmxh/overlay/core/mesh/perf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGraph(t *testing.T, local common.PeerID, maxPeers int) *Graph {
	t.Helper()
	g, err := New(local, maxPeers, perf.NewRegistry(nil))
	require.NoError(t, err)
	return g
}

func assertSymmetric(t *testing.T, g *Graph) {
	t.Helper()
	m := g.Matrix()
	for i := range m {
		assert.Zero(t, m[i][i], "self loop at slot %d", i)
		for j := range m {
			assert.Equal(t, m[i][j], m[j][i], "asymmetric at %d,%d", i, j)
		}
	}
}

func TestSymmetryUnderRandomOps(t *testing.T) {
	g := newGraph(t, 1, 16)
	rng := rand.New(rand.NewSource(7))

	for step := 0; step < 2000; step++ {
		a := common.PeerID(rng.Intn(20) + 1)
		b := common.PeerID(rng.Intn(20) + 1)
		switch rng.Intn(3) {
		case 0:
			err := g.AddConnection(a, b)
			if err != nil {
				require.True(t, IsCapacityError(err))
			}
		case 1:
			g.RemoveConnection(a, b)
		case 2:
			g.RemovePeer(a)
		}
		if step%50 == 0 {
			assertSymmetric(t, g)
			assert.Equal(t, common.PeerID(1), g.Peers()[0], "local must stay in slot 0")
		}
	}
	assertSymmetric(t, g)
}

func TestTriangleMST(t *testing.T) {
	g := newGraph(t, 0, 4)
	require.NoError(t, g.AddConnection(0, 1))
	require.NoError(t, g.AddConnection(1, 2))
	require.NoError(t, g.AddConnection(0, 2))

	mst := g.MST()
	assert.Len(t, mst, 2)
	assert.Equal(t, map[common.PeerID]struct{}{1: {}, 2: {}}, g.ReachablePeers())

	assert.Equal(t, []common.PeerID{1, 2}, common.NextSteps(mst, 0))
	for _, e := range mst {
		assert.Equal(t, common.PeerID(0), e.U)
	}
}

func TestChainMSTPointsAwayFromRoot(t *testing.T) {
	g := newGraph(t, 1, 8)
	require.NoError(t, g.AddConnection(1, 2))
	require.NoError(t, g.AddConnection(2, 3))
	require.NoError(t, g.AddConnection(3, 4))

	assert.Equal(t, []common.Edge{{U: 1, V: 2}, {U: 2, V: 3}, {U: 3, V: 4}}, g.MST())
}

func TestDisconnectedComponentExcluded(t *testing.T) {
	g := newGraph(t, 0, 8)
	require.NoError(t, g.AddConnection(0, 1))
	require.NoError(t, g.AddConnection(2, 3))

	assert.Equal(t, map[common.PeerID]struct{}{1: {}}, g.ReachablePeers())
	assert.Equal(t, []common.Edge{{U: 0, V: 1}}, g.MST())
	assert.False(t, g.IsReachable(2))
	assert.Equal(t, 0, g.IsConnectedTo(2))
}

func TestRemovalCompaction(t *testing.T) {
	g := newGraph(t, 0, 8)
	require.NoError(t, g.AddConnection(0, 1))
	require.NoError(t, g.AddConnection(1, 2))
	require.NoError(t, g.AddConnection(2, 3))
	require.NoError(t, g.AddConnection(0, 3))

	g.RemovePeer(1)

	assert.Equal(t, 3, g.Len())
	assert.ElementsMatch(t, []common.PeerID{0, 2, 3}, g.Peers())
	assert.Equal(t, -1, g.IsConnectedTo(1))
	assert.False(t, g.HasConnection(0, 1))
	assert.True(t, g.HasConnection(2, 3))
	assert.True(t, g.HasConnection(0, 3))
	assert.False(t, g.HasConnection(0, 2))

	// Edges of the moved slot follow it.
	assert.Equal(t, map[common.PeerID]struct{}{2: {}, 3: {}}, g.ReachablePeers())
	assertSymmetric(t, g)

	// Freed slot is reusable.
	require.NoError(t, g.AddConnection(0, 9))
	assert.Equal(t, 1, g.IsConnectedTo(9))
}

func TestRemovePeerIgnoresLocalAndUnknown(t *testing.T) {
	g := newGraph(t, 5, 4)
	require.NoError(t, g.AddConnection(5, 6))
	g.RemovePeer(5)
	g.RemovePeer(42)
	assert.Equal(t, []common.PeerID{5, 6}, g.Peers())
	assert.Equal(t, 1, g.IsConnectedTo(6))
}

func TestCapacity(t *testing.T) {
	g := newGraph(t, 1, 3)
	require.NoError(t, g.AddConnection(1, 2))
	require.NoError(t, g.AddConnection(2, 3))

	err := g.AddConnection(3, 4)
	require.Error(t, err)
	assert.True(t, IsCapacityError(err))

	var meshErr *common.MeshError
	require.ErrorAs(t, err, &meshErr)
	assert.Equal(t, common.ErrCodeCapacityExceeded, meshErr.Code)

	// Nothing was inserted.
	assert.Equal(t, 3, g.Len())
	assert.Equal(t, -1, g.IsConnectedTo(4))

	// Existing peers still connect.
	require.NoError(t, g.AddConnection(1, 3))
}

func TestDirtyOnlyOnChange(t *testing.T) {
	g := newGraph(t, 1, 4)
	require.NoError(t, g.AddConnection(1, 2))
	g.MST()
	assert.False(t, g.Dirty())

	require.NoError(t, g.AddConnection(2, 1))
	assert.False(t, g.Dirty(), "re-adding an edge is not a change")

	g.RemoveConnection(1, 3)
	assert.False(t, g.Dirty(), "unknown peer")

	require.NoError(t, g.AddConnection(2, 3))
	assert.True(t, g.Dirty())
	g.MST()

	g.RemoveConnection(1, 3)
	assert.False(t, g.Dirty(), "edge was not set")

	g.RemoveConnection(2, 3)
	assert.True(t, g.Dirty())
}

func TestSelfLoopIgnored(t *testing.T) {
	g := newGraph(t, 1, 4)
	require.NoError(t, g.AddConnection(2, 2))
	assert.Equal(t, 1, g.Len())
}

func TestMSTReturnsCopy(t *testing.T) {
	g := newGraph(t, 1, 4)
	require.NoError(t, g.AddConnection(1, 2))
	mst := g.MST()
	mst[0].V = 99
	reach := g.ReachablePeers()
	delete(reach, 2)

	assert.Equal(t, []common.Edge{{U: 1, V: 2}}, g.MST())
	assert.True(t, g.IsReachable(2))
}

func TestDOT(t *testing.T) {
	g := newGraph(t, 1, 4)
	require.NoError(t, g.AddConnection(1, 2))
	require.NoError(t, g.AddConnection(2, 3))
	require.NoError(t, g.AddConnection(1, 3))

	dot := g.DOT([]common.PeerID{3})
	assert.Contains(t, dot, "graph G {")
	assert.Contains(t, dot, `"1" -- "2" [color=red];`)
	assert.Contains(t, dot, `"1" -- "3" [color=red];`)
	assert.Contains(t, dot, `"2" -- "3";`)
	assert.Contains(t, dot, `"3" [style=filled fillcolor=green];`)

	html := g.MatrixHTML()
	assert.Contains(t, html, "<th>3</th>")
	assert.Contains(t, html, "<td>1</td>")
}

func TestPerfTrackersRecorded(t *testing.T) {
	registry := perf.NewRegistry(nil)
	g, err := New(1, 4, registry)
	require.NoError(t, err)
	require.NoError(t, g.AddConnection(1, 2))
	g.MST()

	avg := registry.AverageTimes()
	assert.Contains(t, avg, "graph:addConnection")
	assert.Contains(t, avg, "graph:mst")
}
