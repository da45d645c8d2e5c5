// Package relay is the rendezvous publish/subscribe broker used for
// handshake signaling, topology gossip and last-resort packet delivery. It
// provides a websocket client, the websocket server and an in-memory hub
// with the same semantics.
package relay

import (
	"strings"
	"sync"

	"github.com/nmxmxh/overlay/core/mesh/common"
)

// MeshTopic carries topology gossip for every participant.
const MeshTopic = "mesh"

// Per-peer topic suffixes.
const (
	OfferSuffix     = "offer"
	AnswerSuffix    = "answer"
	CandidateSuffix = "candidate"
	FallbackSuffix  = "fallback"
)

// PeerTopic returns "<peer>.<suffix>".
func PeerTopic(peer common.PeerID, suffix string) string {
	return peer.String() + "." + suffix
}

// Handler receives a message published to a subscribed topic. Handlers run
// on the connection's delivery goroutine and must not block.
type Handler func(sender common.PeerID, topic string, body []byte)

// Conn is a session with the relay.
type Conn interface {
	// ID is the identifier assigned by the relay on welcome.
	ID() common.PeerID
	// Subscribe registers h for topic. The returned function removes it.
	Subscribe(topic string, h Handler) (unsubscribe func(), err error)
	// Publish sends payload to every subscriber of each topic, the
	// publisher included.
	Publish(topics []string, payload []byte) error
	// Done is closed when the relay session ends.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	Close() error
}

// subscriptions tracks handlers per topic for client side fan-out.
type subscriptions struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]Handler
}

func newSubscriptions() *subscriptions {
	return &subscriptions{handlers: make(map[string]map[uint64]Handler)}
}

// add returns the handler id and whether this is the topic's first handler.
func (s *subscriptions) add(topic string, h Handler) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	hs, ok := s.handlers[topic]
	if !ok {
		hs = make(map[uint64]Handler)
		s.handlers[topic] = hs
	}
	hs[s.nextID] = h
	return s.nextID, !ok
}

// remove reports whether the topic has no handlers left.
func (s *subscriptions) remove(topic string, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs, ok := s.handlers[topic]
	if !ok {
		return false
	}
	if _, ok := hs[id]; !ok {
		return false
	}
	delete(hs, id)
	if len(hs) == 0 {
		delete(s.handlers, topic)
		return true
	}
	return false
}

func (s *subscriptions) dispatch(sender common.PeerID, topic string, body []byte) {
	s.mu.RLock()
	hs := make([]Handler, 0, len(s.handlers[topic]))
	for _, h := range s.handlers[topic] {
		hs = append(hs, h)
	}
	s.mu.RUnlock()

	for _, h := range hs {
		h(sender, topic, body)
	}
}

func (s *subscriptions) topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for t := range s.handlers {
		out = append(out, t)
	}
	return out
}

// WithPrefix namespaces every topic of c under "<prefix>." so several
// overlays can share one relay. An empty prefix returns c unchanged.
func WithPrefix(c Conn, prefix string) Conn {
	if prefix == "" {
		return c
	}
	return &prefixedConn{Conn: c, prefix: prefix + "."}
}

type prefixedConn struct {
	Conn
	prefix string
}

func (p *prefixedConn) Subscribe(topic string, h Handler) (func(), error) {
	return p.Conn.Subscribe(p.prefix+topic, func(sender common.PeerID, full string, body []byte) {
		h(sender, strings.TrimPrefix(full, p.prefix), body)
	})
}

func (p *prefixedConn) Publish(topics []string, payload []byte) error {
	full := make([]string, len(topics))
	for i, t := range topics {
		full[i] = p.prefix + t
	}
	return p.Conn.Publish(full, payload)
}
