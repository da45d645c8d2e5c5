package mesh

import (
	"encoding/json"

	"github.com/nmxmxh/overlay/core/mesh/common"
	"github.com/nmxmxh/overlay/core/mesh/relay"
	"github.com/nmxmxh/overlay/core/mesh/transport"
)

// Signaling is the part of a relay session the handshake needs.
type Signaling interface {
	Subscribe(topic string, h relay.Handler) (unsubscribe func(), err error)
	Publish(topics []string, payload []byte) error
}

// candidateMessage is published on "<peer>.candidate". Initiator names the
// side that created the offer so the receiver can pick the right session.
type candidateMessage struct {
	Candidate transport.ICECandidate `json:"candidate"`
	Initiator common.PeerID          `json:"initiator"`
}

func encodeDescription(d transport.SessionDescription) ([]byte, error) {
	return json.Marshal(d)
}

func decodeDescription(body []byte, want string) (transport.SessionDescription, error) {
	var d transport.SessionDescription
	if err := json.Unmarshal(body, &d); err != nil {
		return d, err
	}
	if d.Type != want || d.SDP == "" {
		return d, common.NewMeshError(common.ErrCodeInvalidMessage, "unexpected session description").
			WithContext("type", d.Type).
			WithContext("want", want)
	}
	return d, nil
}
