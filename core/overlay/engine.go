// Package overlay wires the connectivity graph, the connection manager,
// gossip and the topology controller into one engine that broadcasts
// application payloads along the local spanning tree.
package overlay

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/nmxmxh/overlay/core/mesh"
	"github.com/nmxmxh/overlay/core/mesh/common"
	"github.com/nmxmxh/overlay/core/mesh/graph"
	"github.com/nmxmxh/overlay/core/mesh/perf"
	"github.com/nmxmxh/overlay/core/mesh/relay"
	"github.com/nmxmxh/overlay/core/mesh/routing"
	"github.com/nmxmxh/overlay/core/mesh/topology"
	"github.com/nmxmxh/overlay/core/mesh/transport"
	"github.com/nmxmxh/overlay/internal/eventloop"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrDisposed is returned by operations on a disposed engine.
var ErrDisposed = common.ErrDisposed("overlay")

// Config holds engine settings
type Config struct {
	MaxPeers              int                  `json:"max_peers"`
	TargetConnections     int                  `json:"target_connections"`
	MaxConnections        int                  `json:"max_connections"`
	FallbackEnabled       bool                 `json:"fallback_enabled"` // Publish to "<peer>.fallback" for unreachable known peers
	ConnectTimeout        time.Duration        `json:"connect_timeout"`
	UpdateNetworkInterval time.Duration        `json:"update_network_interval"`
	StatusDebounce        time.Duration        `json:"status_debounce"` // Delay before a full status follows local changes
	Gossip                routing.GossipConfig `json:"gossip"`
	Dedup                 struct {
		ExpectedElements  uint    `json:"expected_elements"`
		FalsePositiveRate float64 `json:"false_positive_rate"`
	} `json:"dedup"`
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	config := Config{
		MaxPeers:              100,
		TargetConnections:     4,
		MaxConnections:        6,
		FallbackEnabled:       true,
		ConnectTimeout:        mesh.DefaultConnectTimeout,
		UpdateNetworkInterval: 30 * time.Second,
		StatusDebounce:        500 * time.Millisecond,
		Gossip:                routing.DefaultGossipConfig(),
	}
	config.Dedup.ExpectedElements = 100000
	config.Dedup.FalsePositiveRate = 0.0001
	return config
}

// Events are delivered on a dedicated goroutine, in order. Handlers may call
// back into the engine.
type Events struct {
	OnMessage      func(from common.PeerID, payload []byte)
	OnDisconnected func(err error)
}

// SendResult summarizes one broadcast.
type SendResult struct {
	Seq      uint64 `json:"seq"`
	Direct   int    `json:"direct"`
	Failed   int    `json:"failed"`
	Fallback int    `json:"fallback"`
}

// Engine is one overlay participant. Its state lives on an event loop;
// exported methods are safe for concurrent use unless noted.
type Engine struct {
	config Config
	local  common.PeerID
	conn   relay.Conn
	events Events
	logger *slog.Logger

	loop *eventloop.Loop
	app  *eventloop.Loop

	perf       *perf.Registry
	graph      *graph.Graph
	mesh       *mesh.ConnectionManager
	gossip     *routing.Coordinator
	controller *topology.Controller

	// loop-confined
	seq           uint64
	seen          *bloom.BloomFilter
	seenCount     uint
	statusPending bool
	disposed      bool
	stats         Stats
	unsubscribers []func()

	ctx     context.Context
	cancel  context.CancelFunc
	stops   []func()
	dispose sync.Once
}

// Stats counts packet traffic.
type Stats struct {
	Sent       uint64 `json:"sent"`
	Delivered  uint64 `json:"delivered"`
	Duplicates uint64 `json:"duplicates"`
	Forwarded  uint64 `json:"forwarded"`
	Fallbacks  uint64 `json:"fallbacks"`
	Malformed  uint64 `json:"malformed"`
}

// New starts an engine on an established relay session. The caller keeps
// ownership of conn. reg may be nil.
func New(config Config, conn relay.Conn, factory transport.Factory, reg prometheus.Registerer, events Events, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Dedup.ExpectedElements == 0 || config.Dedup.FalsePositiveRate <= 0 {
		defaults := DefaultConfig()
		config.Dedup = defaults.Dedup
	}
	local := conn.ID()
	logger = logger.With("peer_id", local.String())

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config: config,
		local:  local,
		conn:   conn,
		events: events,
		logger: logger.With("component", "overlay"),
		loop:   eventloop.New(logger),
		app:    eventloop.New(logger),
		perf:   perf.NewRegistry(reg),
		seen:   bloom.NewWithEstimates(config.Dedup.ExpectedElements, config.Dedup.FalsePositiveRate),
		ctx:    ctx,
		cancel: cancel,
	}

	fail := func(err error) (*Engine, error) {
		cancel()
		e.loop.Close()
		e.app.Close()
		return nil, err
	}

	g, err := graph.New(local, config.MaxPeers, e.perf)
	if err != nil {
		return fail(err)
	}
	e.graph = g

	meshConfig := mesh.Config{
		LocalID:        local,
		MaxConnections: config.MaxConnections,
		ConnectTimeout: config.ConnectTimeout,
	}
	e.mesh, err = mesh.New(meshConfig, factory, conn, e.loop, mesh.Events{
		OnEstablished: e.onEstablished,
		OnClosed:      e.onClosed,
		OnPacket:      e.handlePeerPacket,
	}, logger)
	if err != nil {
		return fail(err)
	}

	e.gossip, err = routing.NewCoordinator(config.Gossip, g, conn, e.linkedPeers, reg, logger)
	if err != nil {
		e.mesh.Dispose()
		return fail(err)
	}

	for topic, handle := range map[string]func(common.PeerID, []byte){
		relay.MeshTopic: e.onMeshChanged,
		relay.PeerTopic(local, relay.FallbackSuffix): e.handleFallback,
	} {
		handle := handle
		unsub, err := conn.Subscribe(topic, func(sender common.PeerID, _ string, body []byte) {
			e.loop.Post(func() { handle(sender, body) })
		})
		if err != nil {
			e.unsubscribe()
			e.mesh.Dispose()
			e.gossip.Close()
			return fail(err)
		}
		e.unsubscribers = append(e.unsubscribers, unsub)
	}

	e.controller = topology.New(topology.Config{
		TargetConnections: config.TargetConnections,
		MaxConnections:    config.MaxConnections,
		UpdateInterval:    config.UpdateNetworkInterval,
	}, &network{e}, logger)

	e.loop.Post(e.gossip.PublishStatus)
	if config.Gossip.PublishStatusInterval > 0 {
		e.stops = append(e.stops, e.loop.Every(config.Gossip.PublishStatusInterval, e.gossip.PublishStatus))
	}
	e.stops = append(e.stops, e.controller.Start(ctx))
	e.TriggerUpdate("start")

	go e.watchRelay()

	e.logger.Info("overlay started",
		"max_peers", config.MaxPeers,
		"target_connections", config.TargetConnections,
		"max_connections", config.MaxConnections)
	return e, nil
}

// ID is the relay-assigned id of the local peer.
func (e *Engine) ID() common.PeerID { return e.local }

// Perf exposes the engine's timers.
func (e *Engine) Perf() *perf.Registry { return e.perf }

func (e *Engine) do(ctx context.Context, fn func()) error {
	var disposed bool
	err := e.loop.Do(ctx, func() {
		if e.disposed {
			disposed = true
			return
		}
		fn()
	})
	if errors.Is(err, eventloop.ErrClosed) || disposed {
		return ErrDisposed
	}
	return err
}

// TriggerUpdate runs the topology controller in the background.
func (e *Engine) TriggerUpdate(reason string) {
	go func() {
		if _, err := e.controller.Trigger(e.ctx, reason); err != nil && e.ctx.Err() == nil {
			e.logger.Warn("network update failed", "reason", reason, "error", err)
		}
	}()
}

// linkedPeers lists peers with a usable session.
func (e *Engine) linkedPeers() []common.PeerID {
	var out []common.PeerID
	for _, p := range e.mesh.ConnectedPeerIDs() {
		if e.mesh.IsConnectedTo(p) {
			out = append(out, p)
		}
	}
	return out
}

func (e *Engine) onEstablished(peer common.PeerID) {
	e.perf.Measure("overlay:established", func() { e.gossip.OnEstablished(peer) })
	e.scheduleStatus()
}

func (e *Engine) onClosed(peer common.PeerID) {
	e.perf.Measure("overlay:closed", func() { e.gossip.OnClosed(peer) })
	e.scheduleStatus()
	e.TriggerUpdate("connection closed")
}

// scheduleStatus coalesces a burst of local changes into one status.
func (e *Engine) scheduleStatus() {
	if e.statusPending || e.config.StatusDebounce <= 0 {
		return
	}
	e.statusPending = true
	e.loop.AfterFunc(e.config.StatusDebounce, func() {
		e.statusPending = false
		if !e.disposed {
			e.gossip.PublishStatus()
		}
	})
}

func (e *Engine) onMeshChanged(sender common.PeerID, body []byte) {
	if e.disposed {
		return
	}
	e.perf.Measure("overlay:meshChanged", func() {
		// The coordinator logs and counts dropped updates.
		_ = e.gossip.HandleMeshUpdate(sender, body)
	})
}

// Send broadcasts payload to every reachable peer along the spanning tree
// and, when enabled, through the relay to known peers outside it.
func (e *Engine) Send(ctx context.Context, payload []byte, reliable bool) (SendResult, error) {
	var result SendResult
	err := e.do(ctx, func() { result = e.send(payload, reliable) })
	return result, err
}

func (e *Engine) send(payload []byte, reliable bool) SendResult {
	e.seq++
	edges := e.graph.MST()
	reachable := e.graph.ReachablePeers()

	pkt := &common.Packet{Source: e.local, Seq: e.seq, Payload: payload, Edges: edges}
	data := common.MarshalPacket(pkt)
	e.markSeen(e.local, e.seq)
	e.stats.Sent++

	result := SendResult{Seq: e.seq}
	for _, next := range common.NextSteps(edges, e.local) {
		if e.mesh.SendPacketToPeer(next, data, reliable) {
			result.Direct++
			continue
		}
		result.Failed++
		e.logger.Warn("cannot send packet",
			"error", common.ErrDeliveryFailed(next),
			"mesh_connected", e.mesh.IsConnectedTo(next),
			"graph_connected", e.graph.IsConnectedTo(next))
	}

	if e.config.FallbackEnabled {
		var topics []string
		for _, p := range e.gossip.KnownPeerIDs() {
			if _, ok := reachable[p]; !ok {
				topics = append(topics, relay.PeerTopic(p, relay.FallbackSuffix))
			}
		}
		if len(topics) > 0 {
			if err := e.conn.Publish(topics, data); err != nil {
				e.logger.Warn("fallback publish failed", "peers", len(topics), "error", err)
			} else {
				result.Fallback = len(topics)
				e.stats.Fallbacks += uint64(len(topics))
			}
		}
	}
	return result
}

// handlePeerPacket delivers a packet received over a session and forwards
// it to the local peer's children in the packet's own tree.
func (e *Engine) handlePeerPacket(from common.PeerID, data []byte, reliable bool) {
	if e.disposed {
		return
	}
	pkt, err := common.UnmarshalPacket(data)
	if err != nil {
		e.stats.Malformed++
		e.logger.Warn("dropping malformed packet", "remote", from.String(), "error", err)
		return
	}
	if pkt.Source == e.local {
		return
	}

	e.deliver(pkt)

	for _, next := range common.NextSteps(pkt.Edges, e.local) {
		if next == from || next == pkt.Source {
			continue
		}
		if e.mesh.SendPacketToPeer(next, data, reliable) {
			e.stats.Forwarded++
			continue
		}
		e.logger.Debug("cannot relay packet",
			"remote", next.String(),
			"source", pkt.Source.String(),
			"mesh_connected", e.mesh.IsConnectedTo(next),
			"graph_connected", e.graph.IsConnectedTo(next))
	}
}

func (e *Engine) handleFallback(sender common.PeerID, body []byte) {
	if e.disposed {
		return
	}
	pkt, err := common.UnmarshalPacket(body)
	if err != nil {
		e.stats.Malformed++
		e.logger.Warn("dropping malformed fallback packet", "sender", sender.String(), "error", err)
		return
	}
	if pkt.Source == e.local {
		return
	}
	e.deliver(pkt)
}

func (e *Engine) deliver(pkt *common.Packet) {
	if e.markSeen(pkt.Source, pkt.Seq) {
		e.stats.Duplicates++
		return
	}
	e.stats.Delivered++

	onMessage := e.events.OnMessage
	if onMessage == nil {
		return
	}
	source, payload := pkt.Source, pkt.Payload
	e.app.Post(func() { onMessage(source, payload) })
}

// markSeen records (source, seq) and reports whether it was already there.
func (e *Engine) markSeen(source common.PeerID, seq uint64) bool {
	var key [16]byte
	binary.BigEndian.PutUint64(key[:8], uint64(source))
	binary.BigEndian.PutUint64(key[8:], seq)

	if e.seen.TestAndAdd(key[:]) {
		return true
	}
	e.seenCount++
	if e.seenCount >= e.config.Dedup.ExpectedElements {
		e.seen.ClearAll()
		e.seenCount = 0
		e.logger.Debug("seen filter reset")
	}
	return false
}

func (e *Engine) watchRelay() {
	select {
	case <-e.ctx.Done():
		return
	case <-e.conn.Done():
	}
	err := common.ErrDisconnected(e.conn.Err())
	e.logger.Warn("relay connection lost", "error", err)
	e.shutdown(err)
}

// Dispose stops the engine and closes every session. It is idempotent.
func (e *Engine) Dispose() {
	e.shutdown(nil)
}

func (e *Engine) shutdown(cause error) {
	e.dispose.Do(func() {
		e.cancel()
		for _, stop := range e.stops {
			stop()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.loop.Do(ctx, func() {
			e.disposed = true
			e.unsubscribe()
			e.mesh.Dispose()
			e.gossip.Reset()
		})
		e.loop.Close()
		e.gossip.Close()

		if cause != nil && e.events.OnDisconnected != nil {
			onDisconnected := e.events.OnDisconnected
			e.app.Post(func() { onDisconnected(cause) })
		}
		e.app.Close()
		e.logger.Info("overlay stopped")
	})
}

func (e *Engine) unsubscribe() {
	for _, unsub := range e.unsubscribers {
		unsub()
	}
	e.unsubscribers = nil
}

// Done is closed once the engine has stopped and every event has been
// delivered.
func (e *Engine) Done() <-chan struct{} { return e.app.Done() }
