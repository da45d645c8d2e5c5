package transport

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"
)

// TURNServer is a relay server with credentials.
type TURNServer struct {
	URL        string `json:"url"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

// Config holds WebRTC session configuration
type Config struct {
	ICEServers  []string     `json:"ice_servers"`
	TURNServers []TURNServer `json:"turn_servers"`
}

// DefaultConfig returns public STUN defaults
func DefaultConfig() Config {
	return Config{
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:global.stun.twilio.com:3478",
		},
	}
}

// ParseTURN parses "turn:host:port?transport=udp|user|credential".
func ParseTURN(s string) (TURNServer, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 || parts[0] == "" {
		return TURNServer{}, fmt.Errorf("invalid turn server %q: want url|username|credential", s)
	}
	return TURNServer{URL: parts[0], Username: parts[1], Credential: parts[2]}, nil
}

// WebRTCFactory creates pion backed sessions.
type WebRTCFactory struct {
	config webrtc.Configuration
	logger *slog.Logger
}

// NewWebRTCFactory builds the pion configuration once for every session.
func NewWebRTCFactory(config Config, logger *slog.Logger) *WebRTCFactory {
	if logger == nil {
		logger = slog.Default()
	}
	if len(config.ICEServers) == 0 && len(config.TURNServers) == 0 {
		config.ICEServers = DefaultConfig().ICEServers
	}
	return &WebRTCFactory{
		config: createWebRTCConfig(config),
		logger: logger.With("component", "transport"),
	}
}

func createWebRTCConfig(config Config) webrtc.Configuration {
	var iceServers []webrtc.ICEServer

	for _, server := range config.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{server},
		})
	}

	for _, server := range config.TURNServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:           []string{server.URL},
			Username:       server.Username,
			Credential:     server.Credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}

	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
		BundlePolicy:       webrtc.BundlePolicyMaxCompat,
		RTCPMuxPolicy:      webrtc.RTCPMuxPolicyRequire,
	}
}

// NewSession implements Factory.
func (f *WebRTCFactory) NewSession(events Events) (Session, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s := &webrtcSession{
		pc:     pc,
		events: events,
		logger: f.logger,
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		events.iceCandidate(ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug("WebRTC connection state changed", "state", state.String())
		events.stateChange(fromPionState(state))
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		s.attach(dc)
	})

	return s, nil
}

func fromPionState(state webrtc.PeerConnectionState) SessionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// webrtcSession wraps a pion peer connection and its two data channels
type webrtcSession struct {
	pc     *webrtc.PeerConnection
	events Events
	logger *slog.Logger

	mu         sync.RWMutex
	reliable   *webrtc.DataChannel
	unreliable *webrtc.DataChannel
}

func (s *webrtcSession) CreateDataChannels() error {
	reliable, err := s.pc.CreateDataChannel(ReliableChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	s.attach(reliable)

	ordered := false
	maxRetransmits := uint16(0)
	unreliable, err := s.pc.CreateDataChannel(UnreliableChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return fmt.Errorf("failed to create unreliable data channel: %w", err)
	}
	s.attach(unreliable)
	return nil
}

func (s *webrtcSession) attach(dc *webrtc.DataChannel) {
	isReliable := dc.Label() == ReliableChannelLabel

	s.mu.Lock()
	switch dc.Label() {
	case ReliableChannelLabel:
		s.reliable = dc
	case UnreliableChannelLabel:
		s.unreliable = dc
	default:
		s.mu.Unlock()
		s.logger.Warn("ignoring unexpected data channel", "label", dc.Label())
		return
	}
	s.mu.Unlock()

	if isReliable {
		dc.OnOpen(s.events.channelOpen)
		dc.OnClose(s.events.channelClose)
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.events.message(msg.Data, isReliable)
	})
}

func (s *webrtcSession) CreateOffer() (SessionDescription, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (s *webrtcSession) CreateAnswer() (SessionDescription, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (s *webrtcSession) SetRemoteDescription(desc SessionDescription) error {
	err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
	if err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (s *webrtcSession) AddICECandidate(c ICECandidate) error {
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (s *webrtcSession) State() SessionState {
	return fromPionState(s.pc.ConnectionState())
}

func (s *webrtcSession) ChannelOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reliable != nil && s.reliable.ReadyState() == webrtc.DataChannelStateOpen
}

// Send prefers the unreliable channel when asked, falling back to the
// reliable one until the unreliable channel opens.
func (s *webrtcSession) Send(data []byte, reliable bool) error {
	s.mu.RLock()
	dc := s.reliable
	if !reliable && s.unreliable != nil && s.unreliable.ReadyState() == webrtc.DataChannelStateOpen {
		dc = s.unreliable
	}
	s.mu.RUnlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return dc.Send(data)
}

func (s *webrtcSession) Close() error {
	return s.pc.Close()
}
