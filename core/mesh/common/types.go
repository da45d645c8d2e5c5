package common

import (
	"fmt"
	"strconv"
)

// PeerID identifies a participant. The relay assigns it on welcome and it
// never changes for the lifetime of the relay session. Zero is never assigned.
type PeerID uint64

func (p PeerID) String() string {
	return strconv.FormatUint(uint64(p), 10)
}

// ParsePeerID parses the decimal form produced by String.
func ParsePeerID(s string) (PeerID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid peer id %q: %w", s, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("invalid peer id %q: zero is reserved", s)
	}
	return PeerID(v), nil
}

// Edge is a directed spanning-tree edge: U is the parent (closer to the
// root that computed the tree) and V the child.
type Edge struct {
	U PeerID `json:"u"`
	V PeerID `json:"v"`
}

// Packet is the application envelope carried over data channels and the
// fallback topic. Edges is the sender's spanning tree at send time and is
// what every relaying peer routes on.
type Packet struct {
	Source  PeerID
	Seq     uint64
	Payload []byte
	Edges   []Edge
}

// UpdateKind discriminates the MeshUpdate variants.
type UpdateKind uint8

const (
	UpdateConnectedTo UpdateKind = iota + 1
	UpdateDisconnectedFrom
	UpdateStatus
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateConnectedTo:
		return "connected_to"
	case UpdateDisconnectedFrom:
		return "disconnected_from"
	case UpdateStatus:
		return "status"
	default:
		return "unknown"
	}
}

// MeshStatus is a full snapshot of the source's sessions.
type MeshStatus struct {
	Version     uint64
	ConnectedTo []PeerID
}

// MeshUpdate is a topology gossip message published on the mesh topic.
// Peer is set for point updates, Status for UpdateStatus.
type MeshUpdate struct {
	Source PeerID
	Kind   UpdateKind
	Peer   PeerID
	Status *MeshStatus
}

// NextSteps returns the children of local in edges, in first-seen order
// and without duplicates.
func NextSteps(edges []Edge, local PeerID) []PeerID {
	var out []PeerID
	seen := make(map[PeerID]struct{})
	for _, e := range edges {
		if e.U != local {
			continue
		}
		if _, ok := seen[e.V]; ok {
			continue
		}
		seen[e.V] = struct{}{}
		out = append(out, e.V)
	}
	return out
}

// ShortID renders an id for log lines.
func ShortID(p PeerID) string {
	return "#" + p.String()
}
