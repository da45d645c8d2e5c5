// Package graph holds the local view of overlay connectivity: a bounded
// undirected graph rooted at the local peer with a lazily recomputed
// spanning tree and reachable set.
package graph

import (
	"errors"
	"fmt"

	"github.com/nmxmxh/overlay/core/mesh/common"
	"github.com/nmxmxh/overlay/core/mesh/perf"
)

// ErrCapacity is returned when an insertion would exceed the configured
// maximum number of peers.
var ErrCapacity = common.NewMeshError(common.ErrCodeCapacityExceeded, "graph capacity exceeded")

// Graph is a dense adjacency arena. Slot 0 always holds the local peer.
// Removal swaps the removed slot with the last one so live slots stay
// contiguous. Not safe for concurrent use.
type Graph struct {
	local    common.PeerID
	capacity int
	perf     *perf.Registry

	slots []common.PeerID
	index map[common.PeerID]int
	adj   []uint8 // capacity*capacity, row major

	dirty     bool
	mst       []common.Edge
	reachable map[common.PeerID]struct{}
}

// New creates a graph containing only local. maxPeers bounds the number of
// vertices, local included. registry may be nil.
func New(local common.PeerID, maxPeers int, registry *perf.Registry) (*Graph, error) {
	if maxPeers < 1 {
		return nil, fmt.Errorf("graph: max peers must be positive, got %d", maxPeers)
	}
	g := &Graph{
		local:    local,
		capacity: maxPeers,
		perf:     registry,
		slots:    make([]common.PeerID, 0, maxPeers),
		index:    make(map[common.PeerID]int, maxPeers),
		adj:      make([]uint8, maxPeers*maxPeers),
		dirty:    true,
	}
	g.slots = append(g.slots, local)
	g.index[local] = 0
	return g, nil
}

func (g *Graph) Local() common.PeerID { return g.local }

func (g *Graph) Capacity() int { return g.capacity }

// Len is the number of known vertices, local included.
func (g *Graph) Len() int { return len(g.slots) }

// Peers lists known vertices in slot order. Slot order is unstable across
// removals.
func (g *Graph) Peers() []common.PeerID {
	out := make([]common.PeerID, len(g.slots))
	copy(out, g.slots)
	return out
}

func (g *Graph) cell(i, j int) *uint8 {
	return &g.adj[i*g.capacity+j]
}

// AddConnection records the undirected edge p1-p2, inserting unknown
// vertices first. On capacity overflow the graph is left unchanged.
func (g *Graph) AddConnection(p1, p2 common.PeerID) error {
	if p1 == p2 {
		return nil
	}

	var err error
	g.perf.Measure("graph:addConnection", func() {
		missing := 0
		if _, ok := g.index[p1]; !ok {
			missing++
		}
		if _, ok := g.index[p2]; !ok {
			missing++
		}
		if len(g.slots)+missing > g.capacity {
			err = common.ErrCapacityExceeded(g.capacity).
				WithContext("peer_a", p1).
				WithContext("peer_b", p2)
			return
		}

		i := g.slotFor(p1)
		j := g.slotFor(p2)
		if *g.cell(i, j) == 0 {
			*g.cell(i, j) = 1
			*g.cell(j, i) = 1
			g.dirty = true
		}
	})
	return err
}

func (g *Graph) slotFor(p common.PeerID) int {
	if i, ok := g.index[p]; ok {
		return i
	}
	i := len(g.slots)
	g.slots = append(g.slots, p)
	g.index[p] = i
	g.dirty = true
	return i
}

// RemoveConnection clears the edge p1-p2. Unknown peers are ignored.
func (g *Graph) RemoveConnection(p1, p2 common.PeerID) {
	g.perf.Measure("graph:removeConnection", func() {
		i, ok := g.index[p1]
		if !ok {
			return
		}
		j, ok := g.index[p2]
		if !ok {
			return
		}
		if *g.cell(i, j) == 1 {
			*g.cell(i, j) = 0
			*g.cell(j, i) = 0
			g.dirty = true
		}
	})
}

// RemovePeer drops p and all its edges. The local peer is never removed.
func (g *Graph) RemovePeer(p common.PeerID) {
	if p == g.local {
		return
	}
	g.perf.Measure("graph:removePeer", func() {
		idx, ok := g.index[p]
		if !ok {
			return
		}
		last := len(g.slots) - 1
		if idx != last {
			moved := g.slots[last]
			for k := 0; k <= last; k++ {
				*g.cell(idx, k) = *g.cell(last, k)
				*g.cell(k, idx) = *g.cell(k, last)
			}
			*g.cell(idx, idx) = 0
			g.slots[idx] = moved
			g.index[moved] = idx
		}
		for k := 0; k <= last; k++ {
			*g.cell(last, k) = 0
			*g.cell(k, last) = 0
		}
		g.slots = g.slots[:last]
		delete(g.index, p)
		g.dirty = true
	})
}

// HasConnection reports whether the edge p1-p2 is set.
func (g *Graph) HasConnection(p1, p2 common.PeerID) bool {
	i, ok := g.index[p1]
	if !ok {
		return false
	}
	j, ok := g.index[p2]
	if !ok {
		return false
	}
	return *g.cell(i, j) == 1
}

// IsConnectedTo returns the edge value between the local peer and p, or -1
// when p is unknown.
func (g *Graph) IsConnectedTo(p common.PeerID) int {
	i, ok := g.index[p]
	if !ok {
		return -1
	}
	return int(*g.cell(0, i))
}

// Dirty reports whether the cached tree is stale.
func (g *Graph) Dirty() bool { return g.dirty }

// MST returns the spanning tree of the local component. Edges point from
// parent to child.
func (g *Graph) MST() []common.Edge {
	g.recompute()
	out := make([]common.Edge, len(g.mst))
	copy(out, g.mst)
	return out
}

// ReachablePeers returns every peer in the spanning tree except the local
// one.
func (g *Graph) ReachablePeers() map[common.PeerID]struct{} {
	g.recompute()
	out := make(map[common.PeerID]struct{}, len(g.reachable))
	for p := range g.reachable {
		out[p] = struct{}{}
	}
	return out
}

// IsReachable reports whether p is in the local component.
func (g *Graph) IsReachable(p common.PeerID) bool {
	g.recompute()
	_, ok := g.reachable[p]
	return ok
}

func (g *Graph) recompute() {
	if !g.dirty {
		return
	}
	g.perf.Measure("graph:mst", func() {
		g.mst, g.reachable = prim(g)
		g.dirty = false
	})
}

// prim runs an O(V^2) minimum-key pass from slot 0 with every edge weighing
// 1. Only the component of slot 0 is covered; ties go to the lowest slot.
func prim(g *Graph) ([]common.Edge, map[common.PeerID]struct{}) {
	const inf = int(^uint(0) >> 1)
	n := len(g.slots)
	key := make([]int, n)
	parent := make([]int, n)
	inTree := make([]bool, n)
	for i := range key {
		key[i] = inf
		parent[i] = -1
	}
	key[0] = 0

	edges := make([]common.Edge, 0, n)
	reachable := make(map[common.PeerID]struct{}, n)

	for range g.slots {
		u := -1
		for v := 0; v < n; v++ {
			if !inTree[v] && key[v] < inf && (u < 0 || key[v] < key[u]) {
				u = v
			}
		}
		if u < 0 {
			break
		}
		inTree[u] = true
		if parent[u] >= 0 {
			edges = append(edges, common.Edge{U: g.slots[parent[u]], V: g.slots[u]})
		}
		if u != 0 {
			reachable[g.slots[u]] = struct{}{}
		}
		for v := 0; v < n; v++ {
			if *g.cell(u, v) == 1 && !inTree[v] && 1 < key[v] {
				key[v] = 1
				parent[v] = u
			}
		}
	}
	return edges, reachable
}

// IsCapacityError reports whether err came from a capacity overflow.
func IsCapacityError(err error) bool {
	return errors.Is(err, ErrCapacity)
}
