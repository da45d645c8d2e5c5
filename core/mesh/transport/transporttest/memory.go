// Package transporttest provides an in-process transport whose sessions
// connect as soon as offer and answer have been exchanged.
package transporttest

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nmxmxh/overlay/core/mesh/transport"
)

const sdpPrefix = "mem:"

// Network links the sessions of every factory created from it.
type Network struct {
	mu       sync.Mutex
	nextID   int
	sessions map[string]*Session

	created atomic.Int64
	closed  atomic.Int64
}

func NewNetwork() *Network {
	return &Network{sessions: make(map[string]*Session)}
}

// Factory returns a transport.Factory bound to the network.
func (n *Network) Factory() transport.Factory {
	return factory{n}
}

// Created counts sessions ever created.
func (n *Network) Created() int { return int(n.created.Load()) }

// Live counts sessions not yet closed.
func (n *Network) Live() int { return int(n.created.Load() - n.closed.Load()) }

type factory struct{ n *Network }

func (f factory) NewSession(events transport.Events) (transport.Session, error) {
	n := f.n
	n.mu.Lock()
	n.nextID++
	s := &Session{
		net:    n,
		id:     fmt.Sprintf("s%d", n.nextID),
		events: events,
	}
	n.sessions[s.id] = s
	n.mu.Unlock()
	n.created.Add(1)
	return s, nil
}

func (n *Network) lookup(id string) *Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessions[id]
}

func (n *Network) forget(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.sessions, id)
}

// Session is an in-memory transport.Session.
type Session struct {
	net    *Network
	id     string
	events transport.Events

	mu          sync.Mutex
	state       transport.SessionState
	channelOpen bool
	remote      *Session
	candidates  []transport.ICECandidate
	sent        int
}

func (s *Session) CreateDataChannels() error { return nil }

func (s *Session) CreateOffer() (transport.SessionDescription, error) {
	if s.State() == transport.StateClosed {
		return transport.SessionDescription{}, transport.ErrSessionClosed
	}
	s.emitCandidate()
	return transport.SessionDescription{Type: "offer", SDP: sdpPrefix + s.id}, nil
}

func (s *Session) CreateAnswer() (transport.SessionDescription, error) {
	s.mu.Lock()
	remote := s.remote
	s.mu.Unlock()
	if remote == nil {
		return transport.SessionDescription{}, fmt.Errorf("no remote offer")
	}
	s.emitCandidate()
	return transport.SessionDescription{Type: "answer", SDP: sdpPrefix + s.id}, nil
}

func (s *Session) emitCandidate() {
	if s.events.OnICECandidate != nil {
		s.events.OnICECandidate(transport.ICECandidate{Candidate: "candidate:" + s.id})
	}
}

func (s *Session) SetRemoteDescription(desc transport.SessionDescription) error {
	if !strings.HasPrefix(desc.SDP, sdpPrefix) {
		return fmt.Errorf("invalid sdp %q", desc.SDP)
	}
	remote := s.net.lookup(strings.TrimPrefix(desc.SDP, sdpPrefix))
	if remote == nil {
		return fmt.Errorf("unknown session %q", desc.SDP)
	}

	s.mu.Lock()
	if s.state == transport.StateClosed {
		s.mu.Unlock()
		return transport.ErrSessionClosed
	}
	s.remote = remote
	s.mu.Unlock()

	if desc.Type == "answer" {
		remote.mu.Lock()
		remote.remote = s
		remote.mu.Unlock()
		s.connect()
		remote.connect()
	}
	return nil
}

func (s *Session) connect() {
	s.mu.Lock()
	if s.state == transport.StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = transport.StateConnected
	s.channelOpen = true
	s.mu.Unlock()

	if s.events.OnStateChange != nil {
		s.events.OnStateChange(transport.StateConnecting)
		s.events.OnStateChange(transport.StateConnected)
	}
	if s.events.OnChannelOpen != nil {
		s.events.OnChannelOpen()
	}
}

func (s *Session) AddICECandidate(c transport.ICECandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == transport.StateClosed {
		return transport.ErrSessionClosed
	}
	s.candidates = append(s.candidates, c)
	return nil
}

// Candidates returns the remote candidates applied so far.
func (s *Session) Candidates() []transport.ICECandidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.ICECandidate(nil), s.candidates...)
}

func (s *Session) State() transport.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) ChannelOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelOpen
}

// Sent counts successful Send calls.
func (s *Session) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *Session) Send(data []byte, reliable bool) error {
	s.mu.Lock()
	if !s.channelOpen || s.remote == nil {
		s.mu.Unlock()
		return transport.ErrChannelNotOpen
	}
	remote := s.remote
	s.sent++
	s.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	if remote.events.OnMessage != nil {
		remote.events.OnMessage(buf, reliable)
	}
	return nil
}

func (s *Session) Close() error {
	if !s.shutdown() {
		return nil
	}
	s.mu.Lock()
	remote := s.remote
	s.mu.Unlock()
	if remote != nil {
		remote.shutdown()
	}
	return nil
}

// shutdown moves the session to closed and fires its close events once.
func (s *Session) shutdown() bool {
	s.mu.Lock()
	if s.state == transport.StateClosed {
		s.mu.Unlock()
		return false
	}
	wasOpen := s.channelOpen
	s.state = transport.StateClosed
	s.channelOpen = false
	s.mu.Unlock()

	s.net.forget(s.id)
	s.net.closed.Add(1)

	if wasOpen && s.events.OnChannelClose != nil {
		s.events.OnChannelClose()
	}
	if s.events.OnStateChange != nil {
		s.events.OnStateChange(transport.StateClosed)
	}
	return true
}
