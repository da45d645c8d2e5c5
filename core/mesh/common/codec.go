package common

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the overlay wire envelopes. The layout is protobuf
// compatible:
//
//	message Edge       { uint64 u = 1; uint64 v = 2; }
//	message Packet     { uint64 source = 1; uint64 seq = 2; bytes payload = 3; repeated Edge edges = 4; }
//	message MeshStatus { uint64 version = 1; repeated uint64 connected_to = 2; }
//	message MeshUpdate { uint64 source = 1; oneof data { uint64 connected_to = 2; uint64 disconnected_from = 3; MeshStatus status = 4; } }
const (
	fieldEdgeU = 1
	fieldEdgeV = 2

	fieldPacketSource  = 1
	fieldPacketSeq     = 2
	fieldPacketPayload = 3
	fieldPacketEdges   = 4

	fieldStatusVersion     = 1
	fieldStatusConnectedTo = 2

	fieldUpdateSource           = 1
	fieldUpdateConnectedTo      = 2
	fieldUpdateDisconnectedFrom = 3
	fieldUpdateStatus           = 4
)

var errTruncated = errors.New("truncated message")

// MarshalPacket encodes a packet.
func MarshalPacket(p *Packet) []byte {
	b := make([]byte, 0, len(p.Payload)+len(p.Edges)*6+16)
	b = protowire.AppendTag(b, fieldPacketSource, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Source))
	if p.Seq != 0 {
		b = protowire.AppendTag(b, fieldPacketSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, p.Seq)
	}
	if len(p.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPacketPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Payload)
	}
	for _, e := range p.Edges {
		var eb []byte
		eb = protowire.AppendTag(eb, fieldEdgeU, protowire.VarintType)
		eb = protowire.AppendVarint(eb, uint64(e.U))
		eb = protowire.AppendTag(eb, fieldEdgeV, protowire.VarintType)
		eb = protowire.AppendVarint(eb, uint64(e.V))
		b = protowire.AppendTag(b, fieldPacketEdges, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}
	return b
}

// UnmarshalPacket decodes a packet. The payload aliases data.
func UnmarshalPacket(data []byte) (*Packet, error) {
	p := &Packet{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldPacketSource && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Source = PeerID(v)
			return n, nil
		case num == fieldPacketSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Seq = v
			return n, nil
		case num == fieldPacketPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			p.Payload = v
			return n, nil
		case num == fieldPacketEdges && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			e, err := unmarshalEdge(v)
			if err != nil {
				return 0, err
			}
			p.Edges = append(p.Edges, e)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, ErrInvalidMessage("packet", err)
	}
	return p, nil
}

func unmarshalEdge(data []byte) (Edge, error) {
	var e Edge
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType && (num == fieldEdgeU || num == fieldEdgeV) {
			v, n := protowire.ConsumeVarint(b)
			if num == fieldEdgeU {
				e.U = PeerID(v)
			} else {
				e.V = PeerID(v)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return e, err
}

// MarshalMeshUpdate encodes a topology update.
func MarshalMeshUpdate(u *MeshUpdate) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldUpdateSource, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(u.Source))
	switch u.Kind {
	case UpdateConnectedTo:
		b = protowire.AppendTag(b, fieldUpdateConnectedTo, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(u.Peer))
	case UpdateDisconnectedFrom:
		b = protowire.AppendTag(b, fieldUpdateDisconnectedFrom, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(u.Peer))
	case UpdateStatus:
		var sb []byte
		status := u.Status
		if status == nil {
			status = &MeshStatus{}
		}
		sb = protowire.AppendTag(sb, fieldStatusVersion, protowire.VarintType)
		sb = protowire.AppendVarint(sb, status.Version)
		if len(status.ConnectedTo) > 0 {
			var packed []byte
			for _, p := range status.ConnectedTo {
				packed = protowire.AppendVarint(packed, uint64(p))
			}
			sb = protowire.AppendTag(sb, fieldStatusConnectedTo, protowire.BytesType)
			sb = protowire.AppendBytes(sb, packed)
		}
		b = protowire.AppendTag(b, fieldUpdateStatus, protowire.BytesType)
		b = protowire.AppendBytes(b, sb)
	}
	return b
}

// UnmarshalMeshUpdate decodes a topology update. Messages without a known
// variant are rejected.
func UnmarshalMeshUpdate(data []byte) (*MeshUpdate, error) {
	u := &MeshUpdate{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldUpdateSource && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			u.Source = PeerID(v)
			return n, nil
		case num == fieldUpdateConnectedTo && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			u.Kind, u.Peer, u.Status = UpdateConnectedTo, PeerID(v), nil
			return n, nil
		case num == fieldUpdateDisconnectedFrom && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			u.Kind, u.Peer, u.Status = UpdateDisconnectedFrom, PeerID(v), nil
			return n, nil
		case num == fieldUpdateStatus && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			s, err := unmarshalStatus(v)
			if err != nil {
				return 0, err
			}
			u.Kind, u.Peer, u.Status = UpdateStatus, 0, s
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, ErrInvalidMessage("mesh_update", err)
	}
	if u.Kind == 0 {
		return nil, ErrInvalidMessage("mesh_update", errors.New("missing data"))
	}
	return u, nil
}

func unmarshalStatus(data []byte) (*MeshStatus, error) {
	s := &MeshStatus{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldStatusVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.Version = v
			return n, nil
		case num == fieldStatusConnectedTo && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				s.ConnectedTo = append(s.ConnectedTo, PeerID(v))
				packed = packed[m:]
			}
			return n, nil
		case num == fieldStatusConnectedTo && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.ConnectedTo = append(s.ConnectedTo, PeerID(v))
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return s, err
}

// walkFields iterates the top level fields of a protobuf encoded message.
// fn receives the bytes following the tag and returns how many it consumed.
func walkFields(data []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		if m > len(data) {
			return fmt.Errorf("field %d: %w", num, errTruncated)
		}
		data = data[m:]
	}
	return nil
}
