// Package routing propagates topology changes between peers over the
// relay's shared mesh topic and folds them into the local connectivity
// graph.
package routing

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nmxmxh/overlay/core/mesh/common"
	"github.com/nmxmxh/overlay/core/mesh/graph"
	"github.com/nmxmxh/overlay/core/mesh/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

// Publisher sends gossip to the relay.
type Publisher interface {
	Publish(topics []string, payload []byte) error
}

// GossipConfig holds gossip configuration
type GossipConfig struct {
	PublishStatusInterval time.Duration `json:"publish_status_interval"` // Time between full status broadcasts
	RateLimit             struct {
		MessagesPerSecond float64 `json:"messages_per_second"`
		BurstSize         int     `json:"burst_size"`
	} `json:"rate_limit"`
}

// DefaultGossipConfig returns production-ready defaults
func DefaultGossipConfig() GossipConfig {
	config := GossipConfig{
		PublishStatusInterval: 60 * time.Second,
	}
	config.RateLimit.MessagesPerSecond = 50.0
	config.RateLimit.BurstSize = 200
	return config
}

// GossipMetrics tracks gossip traffic
type GossipMetrics struct {
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	StaleStatuses    uint64 `json:"stale_statuses"`
	RateLimited      uint64 `json:"rate_limited"`
	Invalid          uint64 `json:"invalid"`
	PublishFailures  uint64 `json:"publish_failures"`
}

// KnownPeerData is what gossip has learned about a remote peer.
type KnownPeerData struct {
	ID                common.PeerID `json:"id"`
	LastStatusVersion *uint64       `json:"last_status_version,omitempty"`
}

// Coordinator applies and emits mesh updates. It is not safe for
// concurrent use; the overlay engine calls it from its event loop.
type Coordinator struct {
	local     common.PeerID
	graph     *graph.Graph
	publisher Publisher
	connected func() []common.PeerID

	known map[common.PeerID]*KnownPeerData
	order []common.PeerID

	statusVersion uint64

	limiter   *limiter.TokenBucket
	buckets   *store.MemoryStore
	closeOnce sync.Once

	config  GossipConfig
	metrics GossipMetrics
	counter *prometheus.CounterVec
	logger  *slog.Logger
}

// NewCoordinator creates a coordinator for the local peer. connected lists
// the peers reported in full status broadcasts. reg may be nil.
func NewCoordinator(config GossipConfig, g *graph.Graph, publisher Publisher, connected func() []common.PeerID, reg prometheus.Registerer, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rate := int64(config.RateLimit.MessagesPerSecond)
	if rate <= 0 {
		rate = int64(DefaultGossipConfig().RateLimit.MessagesPerSecond)
	}
	burst := int64(config.RateLimit.BurstSize)
	if burst <= 0 {
		burst = rate
	}
	buckets := store.NewMemoryStore(time.Minute)
	tb, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     rate,
			Duration: time.Second,
			Burst:    burst,
		},
		buckets,
	)
	if err != nil {
		buckets.Close()
		return nil, err
	}

	c := &Coordinator{
		local:     g.Local(),
		graph:     g,
		publisher: publisher,
		connected: connected,
		known:     make(map[common.PeerID]*KnownPeerData),
		limiter:   tb,
		buckets:   buckets,
		config:    config,
		logger:    logger.With("component", "gossip", "peer_id", g.Local().String()),
	}

	c.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "overlay_gossip_messages_total",
		Help: "Mesh updates handled, by result",
	}, []string{"result"})
	if reg != nil {
		if err := reg.Register(c.counter); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				c.counter = are.ExistingCollector.(*prometheus.CounterVec)
			} else {
				c.Close()
				return nil, err
			}
		}
	}
	return c, nil
}

func (c *Coordinator) count(result string) {
	c.counter.WithLabelValues(result).Inc()
}

// HandleMeshUpdate applies a message received on the mesh topic. sender is
// the relay-assigned id of the publisher and must match the embedded
// source. Dropped updates are reported with their MeshError code.
func (c *Coordinator) HandleMeshUpdate(sender common.PeerID, body []byte) error {
	update, err := common.UnmarshalMeshUpdate(body)
	if err != nil {
		c.metrics.Invalid++
		c.count("invalid")
		c.logger.Warn("dropping malformed mesh update", "sender", sender.String(), "error", err)
		return common.ErrInvalidMessage("mesh update", err)
	}
	if update.Source == c.local {
		return nil
	}
	if update.Source != sender {
		c.metrics.Invalid++
		c.count("invalid")
		c.logger.Warn("mesh update source does not match sender",
			"sender", sender.String(),
			"source", update.Source.String())
		return common.NewMeshError(common.ErrCodeInvalidMessage, "mesh update source does not match sender").
			WithContext("sender", sender).
			WithContext("source", update.Source)
	}
	if !c.limiter.Allow(sender.String()) {
		c.metrics.RateLimited++
		c.count("rate_limited")
		c.logger.Debug("rate limited mesh update", "sender", sender.String())
		return common.ErrRateLimited(sender)
	}

	c.metrics.MessagesReceived++
	return c.Apply(update)
}

// Apply folds a decoded update into the graph. A status no newer than the
// last one applied from the same source is rejected with ErrCodeStaleUpdate.
func (c *Coordinator) Apply(update *common.MeshUpdate) error {
	source := update.Source
	if source == c.local {
		return nil
	}
	peer := c.register(source)

	switch update.Kind {
	case common.UpdateConnectedTo:
		if update.Peer == c.local {
			c.count("applied")
			return nil
		}
		c.addEdge(source, update.Peer)
	case common.UpdateDisconnectedFrom:
		if update.Peer == c.local {
			c.count("applied")
			return nil
		}
		c.graph.RemoveConnection(source, update.Peer)
	case common.UpdateStatus:
		if err := c.applyStatus(peer, update.Status); err != nil {
			return err
		}
	}
	c.count("applied")
	return nil
}

func (c *Coordinator) applyStatus(peer *KnownPeerData, status *common.MeshStatus) error {
	if status == nil {
		return common.ErrInvalidMessage("mesh status", nil)
	}
	if peer.LastStatusVersion != nil && status.Version <= *peer.LastStatusVersion {
		c.metrics.StaleStatuses++
		c.count("stale")
		c.logger.Debug("ignoring stale status",
			"source", peer.ID.String(),
			"version", status.Version,
			"last", *peer.LastStatusVersion)
		return common.ErrStaleUpdate(peer.ID, status.Version, *peer.LastStatusVersion)
	}

	listed := make(map[common.PeerID]struct{}, len(status.ConnectedTo))
	for _, p := range status.ConnectedTo {
		listed[p] = struct{}{}
	}
	for _, p := range c.order {
		if p == peer.ID {
			continue
		}
		if _, ok := listed[p]; ok {
			c.addEdge(peer.ID, p)
		} else {
			c.graph.RemoveConnection(peer.ID, p)
		}
	}

	v := status.Version
	peer.LastStatusVersion = &v
	return nil
}

func (c *Coordinator) addEdge(p1, p2 common.PeerID) {
	if err := c.graph.AddConnection(p1, p2); err != nil {
		c.logger.Error("cannot record connection", "from", p1.String(), "to", p2.String(), "error", err)
	}
}

func (c *Coordinator) register(p common.PeerID) *KnownPeerData {
	if data, ok := c.known[p]; ok {
		return data
	}
	data := &KnownPeerData{ID: p}
	c.known[p] = data
	c.order = append(c.order, p)
	c.logger.Debug("discovered peer", "remote", p.String())
	return data
}

// OnEstablished records a new local link and announces it.
func (c *Coordinator) OnEstablished(peer common.PeerID) {
	c.statusVersion++
	c.addEdge(c.local, peer)
	c.publish(&common.MeshUpdate{Source: c.local, Kind: common.UpdateConnectedTo, Peer: peer})
}

// OnClosed records a lost local link and announces it.
func (c *Coordinator) OnClosed(peer common.PeerID) {
	c.statusVersion++
	c.graph.RemoveConnection(c.local, peer)
	c.publish(&common.MeshUpdate{Source: c.local, Kind: common.UpdateDisconnectedFrom, Peer: peer})
}

// PublishStatus broadcasts the full list of local links.
func (c *Coordinator) PublishStatus() {
	var peers []common.PeerID
	if c.connected != nil {
		peers = c.connected()
	}
	c.publish(&common.MeshUpdate{
		Source: c.local,
		Kind:   common.UpdateStatus,
		Status: &common.MeshStatus{Version: c.statusVersion, ConnectedTo: peers},
	})
}

func (c *Coordinator) publish(update *common.MeshUpdate) {
	if err := c.publisher.Publish([]string{relay.MeshTopic}, common.MarshalMeshUpdate(update)); err != nil {
		c.metrics.PublishFailures++
		c.logger.Warn("failed to publish mesh update", "kind", update.Kind.String(), "error", err)
		return
	}
	c.metrics.MessagesSent++
}

// StatusVersion is the version of the next status broadcast.
func (c *Coordinator) StatusVersion() uint64 { return c.statusVersion }

// IsKnown reports whether gossip has seen p.
func (c *Coordinator) IsKnown(p common.PeerID) bool {
	_, ok := c.known[p]
	return ok
}

// KnownPeerIDs lists known peers in discovery order.
func (c *Coordinator) KnownPeerIDs() []common.PeerID {
	return append([]common.PeerID(nil), c.order...)
}

// KnownPeers returns copies of the known peer records in discovery order.
func (c *Coordinator) KnownPeers() []KnownPeerData {
	out := make([]KnownPeerData, 0, len(c.order))
	for _, p := range c.order {
		data := *c.known[p]
		if data.LastStatusVersion != nil {
			v := *data.LastStatusVersion
			data.LastStatusVersion = &v
		}
		out = append(out, data)
	}
	return out
}

// Metrics returns a copy of the counters.
func (c *Coordinator) Metrics() GossipMetrics { return c.metrics }

// Close stops the rate limiter's bucket cleanup. It is idempotent.
func (c *Coordinator) Close() {
	c.closeOnce.Do(c.buckets.Close)
}

// Reset forgets every known peer.
func (c *Coordinator) Reset() {
	c.known = make(map[common.PeerID]*KnownPeerData)
	c.order = nil
}
