// Package topology keeps the local peer's degree near a target by opening
// sessions to known peers and dropping surplus ones.
package topology

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/overlay/core/mesh/common"
	"golang.org/x/sync/errgroup"
)

// Network is the view of the overlay the controller acts on. Methods are
// called from the controller's goroutines and must be safe for that.
type Network interface {
	CheckConnectionsSanity(ctx context.Context) error
	// Counts returns sessions in the connected state and sessions in any state.
	Counts(ctx context.Context) (connected, total int, err error)
	// Candidates lists known peers without a session in either direction.
	Candidates(ctx context.Context) ([]common.PeerID, error)
	// ConnectedKnownPeers lists connected peers in discovery order.
	ConnectedKnownPeers(ctx context.Context) ([]common.PeerID, error)
	ConnectTo(ctx context.Context, peer common.PeerID, reason string) error
	DisconnectFrom(ctx context.Context, peer common.PeerID) error
}

// Config holds controller settings
type Config struct {
	TargetConnections int           `json:"target_connections"`
	MaxConnections    int           `json:"max_connections"`
	UpdateInterval    time.Duration `json:"update_interval"`
}

// DefaultConfig returns the default shape
func DefaultConfig() Config {
	return Config{
		TargetConnections: 4,
		MaxConnections:    6,
		UpdateInterval:    30 * time.Second,
	}
}

// Metrics counts controller activity
type Metrics struct {
	Runs        uint64 `json:"runs"`
	Skipped     uint64 `json:"skipped"`
	Connects    uint64 `json:"connects"`
	Disconnects uint64 `json:"disconnects"`
	Failures    uint64 `json:"failures"`
}

// Controller runs the converge-to-target step.
type Controller struct {
	config  Config
	network Network
	logger  *slog.Logger

	randMu sync.Mutex
	rand   *rand.Rand

	updating atomic.Bool

	runs, skipped, connects, disconnects, failures atomic.Uint64
}

// New creates a controller.
func New(config Config, network Network, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if config.UpdateInterval <= 0 {
		config.UpdateInterval = DefaultConfig().UpdateInterval
	}
	return &Controller{
		config:  config,
		network: network,
		logger:  logger.With("component", "topology"),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed makes peer selection reproducible.
func (c *Controller) Seed(seed int64) {
	c.randMu.Lock()
	defer c.randMu.Unlock()
	c.rand = rand.New(rand.NewSource(seed))
}

// Start triggers an update every UpdateInterval until ctx is done or the
// returned function is called.
func (c *Controller) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.config.UpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.Trigger(ctx, "interval"); err != nil && ctx.Err() == nil {
					c.logger.Warn("network update failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Trigger runs one update. When another update is in flight it returns
// false immediately and the request is dropped.
func (c *Controller) Trigger(ctx context.Context, reason string) (bool, error) {
	if !c.updating.CompareAndSwap(false, true) {
		c.skipped.Add(1)
		c.logger.Debug("network update already running", "reason", reason)
		return false, nil
	}
	defer c.updating.Store(false)

	c.runs.Add(1)
	return true, c.update(ctx, reason)
}

func (c *Controller) update(ctx context.Context, reason string) error {
	if err := c.network.CheckConnectionsSanity(ctx); err != nil {
		return err
	}

	connected, total, err := c.network.Counts(ctx)
	if err != nil {
		return err
	}

	needed := min(c.config.TargetConnections-connected, c.config.MaxConnections-total)
	if needed > 0 {
		candidates, err := c.network.Candidates(ctx)
		if err != nil {
			return err
		}
		picked := c.pick(candidates, needed)
		if len(picked) > 0 {
			c.logger.Debug("connecting to peers", "reason", reason, "needed", needed, "peers", len(picked))
		}

		var g errgroup.Group
		for _, peer := range picked {
			peer := peer
			g.Go(func() error {
				if err := c.network.ConnectTo(ctx, peer, "update network: "+reason); err != nil {
					c.failures.Add(1)
					c.logger.Warn("connect failed", "remote", peer.String(), "error", err)
					return nil
				}
				c.connects.Add(1)
				return nil
			})
		}
		_ = g.Wait()

		if connected, _, err = c.network.Counts(ctx); err != nil {
			return err
		}
	}

	excess := connected - c.config.MaxConnections
	if excess > 0 {
		peers, err := c.network.ConnectedKnownPeers(ctx)
		if err != nil {
			return err
		}
		if excess > len(peers) {
			excess = len(peers)
		}
		for _, peer := range peers[:excess] {
			c.logger.Debug("dropping excess connection", "remote", peer.String())
			if err := c.network.DisconnectFrom(ctx, peer); err != nil {
				c.failures.Add(1)
				return err
			}
			c.disconnects.Add(1)
		}
	}
	return nil
}

func (c *Controller) pick(candidates []common.PeerID, k int) []common.PeerID {
	c.randMu.Lock()
	defer c.randMu.Unlock()
	return PickRandom(c.rand, candidates, k)
}

// Updating reports whether an update is in flight.
func (c *Controller) Updating() bool { return c.updating.Load() }

// Metrics returns a snapshot of the counters.
func (c *Controller) Metrics() Metrics {
	return Metrics{
		Runs:        c.runs.Load(),
		Skipped:     c.skipped.Load(),
		Connects:    c.connects.Load(),
		Disconnects: c.disconnects.Load(),
		Failures:    c.failures.Load(),
	}
}

// PickRandom returns k distinct elements of list. When k covers the whole
// list it is returned as is; otherwise list is not modified.
func PickRandom[T any](r *rand.Rand, list []T, k int) []T {
	if k >= len(list) {
		return list
	}
	if k <= 0 {
		return nil
	}
	work := append([]T(nil), list...)
	out := make([]T, 0, k)
	for n := len(work); len(out) < k; n-- {
		i := r.Intn(n)
		work[i], work[n-1] = work[n-1], work[i]
		out = append(out, work[n-1])
	}
	return out
}
