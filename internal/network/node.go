// Package network runs an overlay engine against a relay and keeps it
// running across relay outages.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nmxmxh/overlay/core/mesh/common"
	"github.com/nmxmxh/overlay/core/mesh/relay"
	"github.com/nmxmxh/overlay/core/mesh/transport"
	"github.com/nmxmxh/overlay/core/overlay"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrNotConnected is returned while no engine is running.
var ErrNotConnected = errors.New("network: not connected to relay")

// Dialer opens a relay session.
type Dialer func(ctx context.Context) (relay.Conn, error)

// RelayDialer dials the websocket relay.
func RelayDialer(config relay.ClientConfig, logger *slog.Logger) Dialer {
	return func(ctx context.Context) (relay.Conn, error) {
		return relay.Dial(ctx, config, logger)
	}
}

// Config holds node runtime settings
type Config struct {
	Overlay        overlay.Config
	Prefix         string        // Topic prefix shared by one overlay group
	InitialBackoff time.Duration // First retry delay after a failed dial
	MaxBackoff     time.Duration
	DialMaxElapsed time.Duration // 0 retries until ctx ends
}

// MessageHandler receives application payloads. It runs on the engine's
// event goroutine and may call back into the node.
type MessageHandler func(from common.PeerID, payload []byte)

// Node owns the relay session and the engine on top of it.
type Node struct {
	config  Config
	dial    Dialer
	factory transport.Factory
	reg     prometheus.Registerer
	handler MessageHandler
	logger  *slog.Logger

	engine   atomic.Pointer[overlay.Engine]
	sessions atomic.Int64

	mu      sync.Mutex
	changed chan struct{}
}

// NewNode creates a node. reg and handler may be nil.
func NewNode(config Config, dial Dialer, factory transport.Factory, reg prometheus.Registerer, handler MessageHandler, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 500 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	return &Node{
		config:  config,
		dial:    dial,
		factory: factory,
		reg:     reg,
		handler: handler,
		logger:  logger.With("component", "node"),
		changed: make(chan struct{}),
	}
}

// Run connects, runs the engine and reconnects whenever the relay session
// ends. It returns nil when ctx is cancelled, or the dial error once
// DialMaxElapsed is exhausted.
func (n *Node) Run(ctx context.Context) error {
	for {
		engine, conn, err := n.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		n.setEngine(engine)

		select {
		case <-ctx.Done():
			n.setEngine(nil)
			engine.Dispose()
			conn.Close()
			n.logger.Info("node stopped", "peer_id", engine.ID().String())
			return nil
		case <-engine.Done():
			n.setEngine(nil)
			conn.Close()
			n.logger.Warn("relay session ended, reconnecting", "peer_id", engine.ID().String())
		}
	}
}

func (n *Node) connect(ctx context.Context) (*overlay.Engine, relay.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.config.InitialBackoff
	b.MaxInterval = n.config.MaxBackoff

	conn, err := backoff.Retry(ctx, func() (relay.Conn, error) {
		return n.dial(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(n.config.DialMaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			n.logger.Warn("relay dial failed", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	engine, err := overlay.New(n.config.Overlay, relay.WithPrefix(conn, n.config.Prefix), n.factory, n.reg, overlay.Events{
		OnMessage: n.handler,
		OnDisconnected: func(err error) {
			n.logger.Warn("overlay disconnected", "error", err)
		},
	}, n.logger)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	n.sessions.Add(1)
	return engine, conn, nil
}

func (n *Node) setEngine(e *overlay.Engine) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.engine.Store(e)
	close(n.changed)
	n.changed = make(chan struct{})
}

// Changed is closed the next time the engine is replaced or removed.
func (n *Node) Changed() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.changed
}

// Engine returns the running engine.
func (n *Node) Engine() (*overlay.Engine, error) {
	if e := n.engine.Load(); e != nil {
		return e, nil
	}
	return nil, ErrNotConnected
}

// Sessions counts relay sessions opened so far.
func (n *Node) Sessions() int { return int(n.sessions.Load()) }

// ID is the current relay-assigned id, or 0 while disconnected.
func (n *Node) ID() common.PeerID {
	if e := n.engine.Load(); e != nil {
		return e.ID()
	}
	return 0
}

// Send broadcasts payload through the current engine.
func (n *Node) Send(ctx context.Context, payload []byte, reliable bool) (overlay.SendResult, error) {
	e, err := n.Engine()
	if err != nil {
		return overlay.SendResult{}, err
	}
	return e.Send(ctx, payload, reliable)
}

// KnownPeerIDs lists peers known to the current engine.
func (n *Node) KnownPeerIDs(ctx context.Context) ([]common.PeerID, error) {
	e, err := n.Engine()
	if err != nil {
		return nil, err
	}
	return e.KnownPeerIDs(ctx)
}
