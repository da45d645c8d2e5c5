package overlay

import (
	"context"

	"github.com/nmxmxh/overlay/core/mesh/common"
)

// network runs controller requests on the engine loop.
type network struct {
	e *Engine
}

func (n *network) CheckConnectionsSanity(ctx context.Context) error {
	return n.e.do(ctx, func() {
		n.e.perf.Measure("mesh:checkConnectionsSanity", n.e.mesh.CheckConnectionsSanity)
	})
}

func (n *network) Counts(ctx context.Context) (connected, total int, err error) {
	err = n.e.do(ctx, func() {
		connected = n.e.mesh.ConnectedCount()
		total = n.e.mesh.ConnectionsCount()
	})
	return connected, total, err
}

func (n *network) Candidates(ctx context.Context) ([]common.PeerID, error) {
	var out []common.PeerID
	err := n.e.do(ctx, func() {
		for _, p := range n.e.gossip.KnownPeerIDs() {
			if !n.e.mesh.HasConnectionsFor(p) {
				out = append(out, p)
			}
		}
	})
	return out, err
}

func (n *network) ConnectedKnownPeers(ctx context.Context) ([]common.PeerID, error) {
	var out []common.PeerID
	err := n.e.do(ctx, func() {
		for _, p := range n.e.gossip.KnownPeerIDs() {
			if n.e.mesh.IsConnectedTo(p) {
				out = append(out, p)
			}
		}
	})
	return out, err
}

func (n *network) ConnectTo(ctx context.Context, peer common.PeerID, reason string) error {
	var cerr error
	if err := n.e.do(ctx, func() { cerr = n.e.mesh.ConnectTo(peer, reason) }); err != nil {
		return err
	}
	return cerr
}

func (n *network) DisconnectFrom(ctx context.Context, peer common.PeerID) error {
	return n.e.do(ctx, func() { n.e.mesh.DisconnectFrom(peer) })
}
