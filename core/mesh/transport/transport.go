// Package transport abstracts a pairwise peer session: offer/answer
// negotiation, ICE candidate exchange and framed delivery over a reliable
// and an unreliable data channel.
package transport

import (
	"errors"
)

var (
	// ErrChannelNotOpen is returned by Send before the data channel opens
	// or after it closes.
	ErrChannelNotOpen = errors.New("transport: data channel not open")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("transport: session closed")
)

// Data channel labels. Establishment is keyed on the reliable one.
const (
	ReliableChannelLabel   = "data"
	UnreliableChannelLabel = "data.unreliable"
)

// SessionState mirrors the transport's connection state.
type SessionState int

const (
	StateNew SessionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session can no longer carry traffic.
func (s SessionState) Terminal() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}

// SessionDescription is an SDP offer or answer as exchanged over signaling.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a trickled candidate as exchanged over signaling.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Events are invoked from transport goroutines. Implementations must not
// block in them.
type Events struct {
	OnStateChange  func(SessionState)
	OnICECandidate func(ICECandidate)
	OnChannelOpen  func()
	OnChannelClose func()
	OnMessage      func(data []byte, reliable bool)
}

func (e Events) stateChange(s SessionState) {
	if e.OnStateChange != nil {
		e.OnStateChange(s)
	}
}

func (e Events) iceCandidate(c ICECandidate) {
	if e.OnICECandidate != nil {
		e.OnICECandidate(c)
	}
}

func (e Events) channelOpen() {
	if e.OnChannelOpen != nil {
		e.OnChannelOpen()
	}
}

func (e Events) channelClose() {
	if e.OnChannelClose != nil {
		e.OnChannelClose()
	}
}

func (e Events) message(data []byte, reliable bool) {
	if e.OnMessage != nil {
		e.OnMessage(data, reliable)
	}
}

// Session is one negotiated link to a remote peer.
type Session interface {
	// CreateDataChannels opens the reliable and unreliable channels. Only
	// the initiator calls it, before CreateOffer.
	CreateDataChannels() error
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetRemoteDescription(SessionDescription) error
	AddICECandidate(ICECandidate) error
	State() SessionState
	ChannelOpen() bool
	Send(data []byte, reliable bool) error
	Close() error
}

// Factory creates sessions.
type Factory interface {
	NewSession(events Events) (Session, error)
}
