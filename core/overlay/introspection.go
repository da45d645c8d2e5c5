package overlay

import (
	"context"
	"sort"

	"github.com/nmxmxh/overlay/core/mesh"
	"github.com/nmxmxh/overlay/core/mesh/common"
	"github.com/nmxmxh/overlay/core/mesh/routing"
	"github.com/nmxmxh/overlay/core/mesh/topology"
)

// Info is a summary of the local view.
type Info struct {
	ID            common.PeerID         `json:"id"`
	KnownPeers    int                   `json:"known_peers"`
	Connected     int                   `json:"connected"`
	Connections   int                   `json:"connections"`
	Reachable     []common.PeerID       `json:"reachable"`
	MST           []common.Edge         `json:"mst"`
	StatusVersion uint64                `json:"status_version"`
	Stats         Stats                 `json:"stats"`
	Gossip        routing.GossipMetrics `json:"gossip"`
	Topology      topology.Metrics      `json:"topology"`
}

// Info snapshots the engine state.
func (e *Engine) Info(ctx context.Context) (Info, error) {
	var info Info
	err := e.do(ctx, func() {
		info = Info{
			ID:            e.local,
			KnownPeers:    len(e.gossip.KnownPeerIDs()),
			Connected:     e.mesh.ConnectedCount(),
			Connections:   e.mesh.ConnectionsCount(),
			Reachable:     sortedSet(e.graph.ReachablePeers()),
			MST:           e.graph.MST(),
			StatusVersion: e.gossip.StatusVersion(),
			Stats:         e.stats,
			Gossip:        e.gossip.Metrics(),
		}
	})
	info.Topology = e.controller.Metrics()
	return info, err
}

func sortedSet(set map[common.PeerID]struct{}) []common.PeerID {
	out := make([]common.PeerID, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ConnectionsReport lists what the engine knows about other peers.
type ConnectionsReport struct {
	KnownPeers  []routing.KnownPeerData `json:"known_peers"`
	Sessions    []mesh.ConnectionInfo   `json:"sessions"`
	Unreachable []common.PeerID         `json:"unreachable"`
}

// Connections reports known peers, sessions and known peers outside the
// spanning tree.
func (e *Engine) Connections(ctx context.Context) (ConnectionsReport, error) {
	var report ConnectionsReport
	err := e.do(ctx, func() {
		report.KnownPeers = e.gossip.KnownPeers()
		report.Sessions = e.mesh.Connections()
		for _, p := range e.gossip.KnownPeerIDs() {
			if !e.graph.IsReachable(p) {
				report.Unreachable = append(report.Unreachable, p)
			}
		}
	})
	return report, err
}

// GraphDOT renders the local graph in Graphviz format with paint
// highlighted.
func (e *Engine) GraphDOT(ctx context.Context, paint []common.PeerID) (string, error) {
	var out string
	err := e.do(ctx, func() { out = e.graph.DOT(paint) })
	return out, err
}

// MatrixHTML renders the adjacency matrix as an HTML table.
func (e *Engine) MatrixHTML(ctx context.Context) (string, error) {
	var out string
	err := e.do(ctx, func() { out = e.graph.MatrixHTML() })
	return out, err
}

// Reachable reports whether p is currently in the local spanning tree.
func (e *Engine) Reachable(ctx context.Context, p common.PeerID) (bool, error) {
	var ok bool
	err := e.do(ctx, func() { ok = e.graph.IsReachable(p) })
	return ok, err
}

// KnownPeerIDs lists peers learned through gossip, in discovery order.
func (e *Engine) KnownPeerIDs(ctx context.Context) ([]common.PeerID, error) {
	var out []common.PeerID
	err := e.do(ctx, func() { out = e.gossip.KnownPeerIDs() })
	return out, err
}
