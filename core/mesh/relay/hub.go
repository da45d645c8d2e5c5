package relay

import (
	"sync"

	"github.com/nmxmxh/overlay/core/mesh/common"
)

// Hub is an in-process broker. Ids are assigned from 1 upwards in connection
// order. Delivery is synchronous on the publisher's goroutine.
type Hub struct {
	mu     sync.RWMutex
	nextID common.PeerID
	topics map[string]map[common.PeerID]func(sender common.PeerID, topic string, body []byte)
	conns  map[common.PeerID]*HubConn

	onPublish func(topic string, subscribers int, size int)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		topics: make(map[string]map[common.PeerID]func(common.PeerID, string, []byte)),
		conns:  make(map[common.PeerID]*HubConn),
	}
}

// Connect registers a new participant.
func (h *Hub) Connect() *HubConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	c := &HubConn{
		hub:  h,
		id:   h.nextID,
		subs: newSubscriptions(),
		done: make(chan struct{}),
	}
	h.conns[c.id] = c
	return c
}

// Len is the number of connected participants.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Subscribers counts the subscribers of topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) subscribe(id common.PeerID, topic string, deliver func(common.PeerID, string, []byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[common.PeerID]func(common.PeerID, string, []byte))
		h.topics[topic] = subs
	}
	subs[id] = deliver
}

func (h *Hub) unsubscribe(id common.PeerID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

func (h *Hub) publish(sender common.PeerID, topics []string, payload []byte) {
	for _, topic := range topics {
		h.mu.RLock()
		targets := make([]func(common.PeerID, string, []byte), 0, len(h.topics[topic]))
		for _, deliver := range h.topics[topic] {
			targets = append(targets, deliver)
		}
		onPublish := h.onPublish
		h.mu.RUnlock()

		if onPublish != nil {
			onPublish(topic, len(targets), len(payload))
		}
		for _, deliver := range targets {
			deliver(sender, topic, payload)
		}
	}
}

func (h *Hub) disconnect(id common.PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, id)
	for topic, subs := range h.topics {
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Drop terminates a participant's session as if the connection was lost.
func (h *Hub) Drop(id common.PeerID) {
	h.mu.RLock()
	c := h.conns[id]
	h.mu.RUnlock()
	if c != nil {
		c.closeWith(ErrConnectionLost)
	}
}

// HubConn is a Conn attached to a Hub.
type HubConn struct {
	hub  *Hub
	id   common.PeerID
	subs *subscriptions

	once sync.Once
	done chan struct{}
	err  error
}

func (c *HubConn) ID() common.PeerID { return c.id }

func (c *HubConn) Subscribe(topic string, h Handler) (func(), error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}
	id, first := c.subs.add(topic, h)
	if first {
		c.hub.subscribe(c.id, topic, c.subs.dispatch)
	}
	return func() {
		if c.subs.remove(topic, id) {
			c.hub.unsubscribe(c.id, topic)
		}
	}, nil
}

func (c *HubConn) Publish(topics []string, payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.hub.publish(c.id, topics, buf)
	return nil
}

func (c *HubConn) Done() <-chan struct{} { return c.done }

func (c *HubConn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *HubConn) Close() error {
	c.closeWith(ErrClosed)
	return nil
}

func (c *HubConn) closeWith(err error) {
	c.once.Do(func() {
		c.err = err
		c.hub.disconnect(c.id)
		close(c.done)
	})
}
