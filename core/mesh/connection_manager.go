// Package mesh manages the pairwise sessions of the local peer: it runs the
// offer/answer/candidate handshake over the relay, tracks one session
// record per peer and direction, and reports when a peer becomes usable or
// goes away.
package mesh

import (
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/nmxmxh/overlay/core/mesh/common"
	"github.com/nmxmxh/overlay/core/mesh/relay"
	"github.com/nmxmxh/overlay/core/mesh/transport"
)

// DefaultConnectTimeout bounds how long a session may take to reach the
// connected state.
const DefaultConnectTimeout = 3500 * time.Millisecond

// Direction says which side created the session.
type Direction int

const (
	Initiated Direction = iota
	Received
)

func (d Direction) String() string {
	if d == Initiated {
		return "initiated"
	}
	return "received"
}

// Poster schedules work on the goroutine that owns the manager.
type Poster interface {
	Post(fn func()) bool
}

// Config holds connection manager settings
type Config struct {
	LocalID        common.PeerID `json:"local_id"`
	MaxConnections int           `json:"max_connections"` // Offers are refused at or above this many sessions
	ConnectTimeout time.Duration `json:"connect_timeout"` // Sessions not connected by then are closed
}

// DefaultConfig returns defaults for the given local id
func DefaultConfig(local common.PeerID) Config {
	return Config{
		LocalID:        local,
		MaxConnections: 6,
		ConnectTimeout: DefaultConnectTimeout,
	}
}

// Events are invoked on the owner goroutine.
type Events struct {
	OnEstablished func(peer common.PeerID)
	OnClosed      func(peer common.PeerID)
	OnPacket      func(from common.PeerID, data []byte, reliable bool)
	// ShouldAcceptOffer can veto an offer after the capacity check.
	ShouldAcceptOffer func(peer common.PeerID) bool
}

type connection struct {
	peer        common.PeerID
	dir         Direction
	session     transport.Session
	createdAt   time.Time
	state       transport.SessionState
	channelOpen bool
	reason      string

	established bool
	closeSent   bool
}

// ConnectionInfo describes one session for introspection.
type ConnectionInfo struct {
	Peer        common.PeerID `json:"peer"`
	Direction   string        `json:"direction"`
	State       string        `json:"state"`
	ChannelOpen bool          `json:"channel_open"`
	Age         time.Duration `json:"age_ns"`
}

// ConnectionManager owns the session records. Except for New, every method
// must run on the goroutine behind the Poster.
type ConnectionManager struct {
	config  Config
	factory transport.Factory
	signal  Signaling
	loop    Poster
	events  Events
	logger  *slog.Logger
	now     func() time.Time

	initiated map[common.PeerID]*connection
	received  map[common.PeerID]*connection

	unsubscribers []func()
	disposed      bool
}

// New creates a manager and subscribes to the local peer's signaling
// topics. Relay handlers only post into loop.
func New(config Config, factory transport.Factory, signal Signaling, loop Poster, events Events, logger *slog.Logger) (*ConnectionManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}

	m := &ConnectionManager{
		config:    config,
		factory:   factory,
		signal:    signal,
		loop:      loop,
		events:    events,
		logger:    logger.With("component", "mesh", "peer_id", config.LocalID.String()),
		now:       time.Now,
		initiated: make(map[common.PeerID]*connection),
		received:  make(map[common.PeerID]*connection),
	}

	handlers := map[string]func(common.PeerID, []byte){
		relay.PeerTopic(config.LocalID, relay.OfferSuffix):     m.HandleOffer,
		relay.PeerTopic(config.LocalID, relay.AnswerSuffix):    m.HandleAnswer,
		relay.PeerTopic(config.LocalID, relay.CandidateSuffix): m.HandleCandidate,
	}
	for topic, handle := range handlers {
		handle := handle
		unsub, err := signal.Subscribe(topic, func(sender common.PeerID, _ string, body []byte) {
			loop.Post(func() { handle(sender, body) })
		})
		if err != nil {
			m.unsubscribeAll()
			return nil, common.WrapError(common.ErrCodeSignalingFailed, "failed to subscribe", err).
				WithContext("topic", topic)
		}
		m.unsubscribers = append(m.unsubscribers, unsub)
	}
	return m, nil
}

func (m *ConnectionManager) unsubscribeAll() {
	for _, unsub := range m.unsubscribers {
		unsub()
	}
	m.unsubscribers = nil
}

func (m *ConnectionManager) table(dir Direction) map[common.PeerID]*connection {
	if dir == Initiated {
		return m.initiated
	}
	return m.received
}

func (m *ConnectionManager) current(c *connection) bool {
	return m.table(c.dir)[c.peer] == c
}

// ConnectTo starts a handshake with peer unless a session in either
// direction already exists.
func (m *ConnectionManager) ConnectTo(peer common.PeerID, reason string) error {
	if m.disposed {
		return common.ErrDisposed("mesh")
	}
	if peer == m.config.LocalID || m.HasConnectionsFor(peer) {
		return nil
	}

	m.logger.Debug("connecting", "remote", peer.String(), "reason", reason)

	c, err := m.newConnection(peer, Initiated)
	if err != nil {
		return common.ErrSignalingFailed(peer, "create_session", err)
	}
	c.reason = reason
	m.initiated[peer] = c

	fail := func(stage string, err error) error {
		m.discard(c)
		return common.ErrSignalingFailed(peer, stage, err)
	}

	if err := c.session.CreateDataChannels(); err != nil {
		return fail("create_data_channel", err)
	}
	offer, err := c.session.CreateOffer()
	if err != nil {
		return fail("create_offer", err)
	}
	body, err := encodeDescription(offer)
	if err != nil {
		return fail("encode_offer", err)
	}
	if err := m.signal.Publish([]string{relay.PeerTopic(peer, relay.OfferSuffix)}, body); err != nil {
		return fail("publish_offer", err)
	}
	return nil
}

func (m *ConnectionManager) newConnection(peer common.PeerID, dir Direction) (*connection, error) {
	c := &connection{
		peer:      peer,
		dir:       dir,
		createdAt: m.now(),
		state:     transport.StateNew,
	}
	initiator := m.config.LocalID
	if dir == Received {
		initiator = peer
	}

	session, err := m.factory.NewSession(transport.Events{
		OnStateChange: func(s transport.SessionState) {
			m.loop.Post(func() { m.onStateChange(c, s) })
		},
		OnICECandidate: func(candidate transport.ICECandidate) {
			m.loop.Post(func() { m.publishCandidate(c, candidate, initiator) })
		},
		OnChannelOpen: func() {
			m.loop.Post(func() { m.onChannelOpen(c) })
		},
		OnChannelClose: func() {
			m.loop.Post(func() { m.onChannelClose(c) })
		},
		OnMessage: func(data []byte, reliable bool) {
			m.loop.Post(func() {
				if !m.disposed && m.events.OnPacket != nil {
					m.events.OnPacket(peer, data, reliable)
				}
			})
		},
	})
	if err != nil {
		return nil, err
	}
	c.session = session
	return c, nil
}

func (m *ConnectionManager) publishCandidate(c *connection, candidate transport.ICECandidate, initiator common.PeerID) {
	if m.disposed || !m.current(c) {
		return
	}
	body, err := json.Marshal(candidateMessage{Candidate: candidate, Initiator: initiator})
	if err != nil {
		m.logger.Error("cannot encode ice candidate", "error", err)
		return
	}
	if err := m.signal.Publish([]string{relay.PeerTopic(c.peer, relay.CandidateSuffix)}, body); err != nil {
		m.logger.Error("cannot publish ice candidate", "remote", c.peer.String(), "error", err)
	}
}

func (m *ConnectionManager) onStateChange(c *connection, s transport.SessionState) {
	if !m.current(c) {
		return
	}
	m.logger.Debug("session state changed",
		"remote", c.peer.String(),
		"direction", c.dir.String(),
		"state", s.String())

	c.state = s
	switch {
	case s == transport.StateNew:
		c.createdAt = m.now()
	case s.Terminal():
		m.remove(c)
	}
}

func (m *ConnectionManager) onChannelOpen(c *connection) {
	if m.disposed || !m.current(c) {
		return
	}
	c.channelOpen = true
	if c.established {
		return
	}
	c.established = true
	m.logger.Info("connection established", "remote", c.peer.String(), "direction", c.dir.String())
	if m.events.OnEstablished != nil {
		m.events.OnEstablished(c.peer)
	}
}

func (m *ConnectionManager) onChannelClose(c *connection) {
	if !m.current(c) {
		return
	}
	c.channelOpen = false
	m.notifyClosed(c)
}

// remove drops the record and reports the peer closed unless the other
// direction still carries it.
func (m *ConnectionManager) remove(c *connection) {
	if !m.current(c) {
		return
	}
	delete(m.table(c.dir), c.peer)
	m.notifyClosed(c)
}

func (m *ConnectionManager) notifyClosed(c *connection) {
	if m.disposed || c.closeSent || m.IsConnectedTo(c.peer) {
		return
	}
	c.closeSent = true
	m.logger.Info("connection closed", "remote", c.peer.String(), "direction", c.dir.String())
	if m.events.OnClosed != nil {
		m.events.OnClosed(c.peer)
	}
}

// discard removes the record and closes its session.
func (m *ConnectionManager) discard(c *connection) {
	m.remove(c)
	if err := c.session.Close(); err != nil {
		m.logger.Debug("session close failed", "remote", c.peer.String(), "error", err)
	}
}

// checkOffer returns an ErrCodeOfferRejected error when an offer from peer
// must be refused.
func (m *ConnectionManager) checkOffer(peer common.PeerID) error {
	if m.disposed {
		return common.ErrOfferRejected(peer, "disposed")
	}
	if m.ConnectionsCount() >= m.config.MaxConnections {
		return common.ErrOfferRejected(peer, "already enough connections").
			WithContext("max_connections", m.config.MaxConnections)
	}
	if m.events.ShouldAcceptOffer != nil && !m.events.ShouldAcceptOffer(peer) {
		return common.ErrOfferRejected(peer, "vetoed")
	}
	return nil
}

// HandleOffer answers an offer published to "<local>.offer".
func (m *ConnectionManager) HandleOffer(sender common.PeerID, body []byte) {
	if sender == m.config.LocalID {
		return
	}
	if err := m.checkOffer(sender); err != nil {
		m.logger.Debug("rejecting offer", "remote", sender.String(), "error", err)
		return
	}

	offer, err := decodeDescription(body, "offer")
	if err != nil {
		m.logger.Warn("dropping malformed offer", "remote", sender.String(), "error", err)
		return
	}

	if old, ok := m.received[sender]; ok {
		m.discard(old)
	}

	c, err := m.newConnection(sender, Received)
	if err != nil {
		m.logger.Error("failed to create session", "remote", sender.String(), "error", err)
		return
	}
	m.received[sender] = c

	fail := func(stage string, err error) {
		m.logger.Error("failed to answer offer", "error", common.ErrSignalingFailed(sender, stage, err))
		m.discard(c)
	}

	if err := c.session.SetRemoteDescription(offer); err != nil {
		fail("set_remote_description", err)
		return
	}
	answer, err := c.session.CreateAnswer()
	if err != nil {
		fail("create_answer", err)
		return
	}
	out, err := encodeDescription(answer)
	if err != nil {
		fail("encode_answer", err)
		return
	}
	if err := m.signal.Publish([]string{relay.PeerTopic(sender, relay.AnswerSuffix)}, out); err != nil {
		fail("publish_answer", err)
	}
}

// HandleAnswer applies an answer to the matching initiated session while it
// is still negotiating.
func (m *ConnectionManager) HandleAnswer(sender common.PeerID, body []byte) {
	if m.disposed {
		return
	}
	c, ok := m.initiated[sender]
	if !ok {
		return
	}
	if c.state != transport.StateNew && c.state != transport.StateConnecting {
		m.logger.Debug("ignoring answer", "remote", sender.String(), "state", c.state.String())
		return
	}

	answer, err := decodeDescription(body, "answer")
	if err != nil {
		m.logger.Warn("dropping malformed answer", "remote", sender.String(), "error", err)
		return
	}
	if err := c.session.SetRemoteDescription(answer); err != nil {
		m.logger.Error("failed to set remote description",
			"error", common.ErrSignalingFailed(sender, "set_remote_description", err))
	}
}

// HandleCandidate applies a trickled candidate to the live session it
// belongs to. Candidates for unknown or finished sessions are dropped.
func (m *ConnectionManager) HandleCandidate(sender common.PeerID, body []byte) {
	if m.disposed {
		return
	}
	var msg candidateMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		m.logger.Warn("dropping malformed candidate", "remote", sender.String(), "error", err)
		return
	}

	dir := Received
	if msg.Initiator == m.config.LocalID {
		dir = Initiated
	}
	c, ok := m.table(dir)[sender]
	if !ok {
		m.logger.Debug("candidate for unknown session", "remote", sender.String(), "direction", dir.String())
		return
	}
	if c.state.Terminal() {
		return
	}
	if err := c.session.AddICECandidate(msg.Candidate); err != nil {
		m.logger.Error("failed to add ice candidate",
			"error", common.ErrSignalingFailed(sender, "add_ice_candidate", err))
	}
}

// DisconnectFrom closes every session with peer.
func (m *ConnectionManager) DisconnectFrom(peer common.PeerID) {
	m.logger.Debug("disconnecting", "remote", peer.String())
	if c, ok := m.initiated[peer]; ok {
		m.discard(c)
	}
	if c, ok := m.received[peer]; ok {
		m.discard(c)
	}
}

// CheckConnectionsSanity resolves duplicate sessions and expires sessions
// stuck in negotiation.
//
// Duplicates are resolved only by the side with the smaller id: it keeps a
// connected initiated session, else a connected received one, else the
// initiated one. The larger side converges when its counterpart session is
// closed by the peer.
func (m *ConnectionManager) CheckConnectionsSanity() {
	if m.disposed {
		return
	}

	for _, peer := range sortedPeers(m.initiated) {
		if m.config.LocalID >= peer {
			continue
		}
		out, ok := m.initiated[peer]
		if !ok {
			continue
		}
		in, ok := m.received[peer]
		if !ok {
			continue
		}
		switch {
		case out.state == transport.StateConnected:
			m.logger.Info("disconnecting duplicated connection", "remote", peer.String(), "closing", Received.String())
			m.discard(in)
		case in.state == transport.StateConnected:
			m.logger.Info("disconnecting duplicated connection", "remote", peer.String(), "closing", Initiated.String())
			m.discard(out)
		default:
			m.logger.Info("disconnecting duplicated connection", "remote", peer.String(), "closing", Received.String())
			m.discard(in)
		}
	}

	now := m.now()
	for _, dir := range []Direction{Initiated, Received} {
		table := m.table(dir)
		for _, peer := range sortedPeers(table) {
			c := table[peer]
			if c.state != transport.StateConnected && now.Sub(c.createdAt) > m.config.ConnectTimeout {
				m.logger.Debug("discarding stalled session",
					"remote", peer.String(),
					"direction", dir.String(),
					"state", c.state.String(),
					"error", common.ErrTimeout("connect", m.config.ConnectTimeout.String()))
				m.discard(c)
			}
		}
	}
}

func sortedPeers(table map[common.PeerID]*connection) []common.PeerID {
	peers := make([]common.PeerID, 0, len(table))
	for p := range table {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// SendPacketToPeer sends over whichever session has an open channel,
// preferring the initiated one. It reports whether the send happened.
func (m *ConnectionManager) SendPacketToPeer(peer common.PeerID, data []byte, reliable bool) bool {
	for _, c := range []*connection{m.initiated[peer], m.received[peer]} {
		if c == nil || !c.channelOpen {
			continue
		}
		if err := c.session.Send(data, reliable); err != nil {
			m.logger.Debug("send failed", "remote", peer.String(), "direction", c.dir.String(), "error", err)
			continue
		}
		return true
	}
	return false
}

func usable(c *connection) bool {
	return c != nil && c.state == transport.StateConnected && c.channelOpen
}

// IsConnectedTo reports whether some session with peer is connected and
// has an open channel.
func (m *ConnectionManager) IsConnectedTo(peer common.PeerID) bool {
	return usable(m.initiated[peer]) || usable(m.received[peer])
}

// HasConnectionsFor reports whether any session with peer exists.
func (m *ConnectionManager) HasConnectionsFor(peer common.PeerID) bool {
	_, in := m.initiated[peer]
	_, out := m.received[peer]
	return in || out
}

// ConnectedCount counts sessions in the connected state.
func (m *ConnectionManager) ConnectedCount() int {
	n := 0
	for _, c := range m.initiated {
		if c.state == transport.StateConnected {
			n++
		}
	}
	for _, c := range m.received {
		if c.state == transport.StateConnected {
			n++
		}
	}
	return n
}

// ConnectionsCount counts sessions in any state.
func (m *ConnectionManager) ConnectionsCount() int {
	return len(m.initiated) + len(m.received)
}

// ConnectedPeerIDs lists every peer with a session, sorted.
func (m *ConnectionManager) ConnectedPeerIDs() []common.PeerID {
	set := make(map[common.PeerID]*connection, len(m.initiated)+len(m.received))
	for p, c := range m.initiated {
		set[p] = c
	}
	for p, c := range m.received {
		set[p] = c
	}
	return sortedPeers(set)
}

// FullyConnectedPeerIDs lists peers with a connected session, sorted and
// without duplicates.
func (m *ConnectionManager) FullyConnectedPeerIDs() []common.PeerID {
	set := make(map[common.PeerID]*connection)
	for p, c := range m.initiated {
		if c.state == transport.StateConnected {
			set[p] = c
		}
	}
	for p, c := range m.received {
		if c.state == transport.StateConnected {
			set[p] = c
		}
	}
	return sortedPeers(set)
}

// Connections describes every session.
func (m *ConnectionManager) Connections() []ConnectionInfo {
	now := m.now()
	out := make([]ConnectionInfo, 0, m.ConnectionsCount())
	for _, dir := range []Direction{Initiated, Received} {
		table := m.table(dir)
		for _, peer := range sortedPeers(table) {
			c := table[peer]
			out = append(out, ConnectionInfo{
				Peer:        peer,
				Direction:   dir.String(),
				State:       c.state.String(),
				ChannelOpen: c.channelOpen,
				Age:         now.Sub(c.createdAt),
			})
		}
	}
	return out
}

// Dispose closes every session and stops signaling. It is idempotent.
func (m *ConnectionManager) Dispose() {
	if m.disposed {
		return
	}
	m.disposed = true
	m.unsubscribeAll()

	for _, table := range []map[common.PeerID]*connection{m.initiated, m.received} {
		for peer, c := range table {
			if err := c.session.Close(); err != nil {
				m.logger.Debug("session close failed", "remote", peer.String(), "error", err)
			}
			delete(table, peer)
		}
	}
}
