// Command overlay-sim runs many overlay engines in one process over an
// in-memory relay and transport, waits for the mesh to converge and
// load-tests broadcast delivery.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/overlay/core/mesh/common"
	"github.com/nmxmxh/overlay/core/mesh/relay"
	"github.com/nmxmxh/overlay/core/mesh/transport/transporttest"
	"github.com/nmxmxh/overlay/core/overlay"
	"github.com/nmxmxh/overlay/internal/utils"
	"github.com/urfave/cli/v2"
)

type simConfig struct {
	Nodes    int
	Packets  int
	Converge time.Duration
	Drain    time.Duration
	Overlay  overlay.Config
}

type result struct {
	Nodes     int
	Converged bool
	Took      time.Duration
	Sent      int
	Expected  int
	Delivered int64
	Direct    int
	Fallback  int
	Failed    int
}

func (r result) String() string {
	return fmt.Sprintf("nodes=%d converged=%v took=%s sent=%d delivered=%d/%d direct=%d fallback=%d failed=%d",
		r.Nodes, r.Converged, r.Took.Round(time.Millisecond), r.Sent, r.Delivered, r.Expected, r.Direct, r.Fallback, r.Failed)
}

func newApp() *cli.App {
	defaults := overlay.DefaultConfig()
	app := cli.NewApp()
	app.Name = "overlay-sim"
	app.Usage = "run many overlay engines in process and load-test broadcast delivery"
	app.Flags = []cli.Flag{
		&cli.IntFlag{Name: "nodes", Value: 10, Usage: "number of nodes", EnvVars: []string{"OVERLAY_SIM_NODES"}},
		&cli.IntFlag{Name: "packets", Value: 5, Usage: "broadcasts per node", EnvVars: []string{"OVERLAY_SIM_PACKETS"}},
		&cli.DurationFlag{Name: "converge", Value: 30 * time.Second, Usage: "time allowed for every node to reach every other"},
		&cli.DurationFlag{Name: "drain", Value: 2 * time.Second, Usage: "time allowed for deliveries after the last send"},
		&cli.IntFlag{Name: "target", Value: defaults.TargetConnections, Usage: "target connections per node", EnvVars: []string{"OVERLAY_TARGET_CONNECTIONS"}},
		&cli.IntFlag{Name: "max", Value: defaults.MaxConnections, Usage: "max connections per node", EnvVars: []string{"OVERLAY_MAX_CONNECTIONS"}},
		&cli.DurationFlag{Name: "update", Value: time.Second, Usage: "topology update interval", EnvVars: []string{"OVERLAY_UPDATE_NETWORK_INTERVAL"}},
		&cli.StringFlag{Name: "log-level", Value: "warn", Usage: "log level", EnvVars: []string{"OVERLAY_LOG_LEVEL"}},
	}
	app.Action = run
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "overlay-sim:", err)
		os.Exit(1)
	}
}

func simConfigFrom(ctx *cli.Context) simConfig {
	cfg := simConfig{
		Nodes:    ctx.Int("nodes"),
		Packets:  ctx.Int("packets"),
		Converge: ctx.Duration("converge"),
		Drain:    ctx.Duration("drain"),
		Overlay:  overlay.DefaultConfig(),
	}
	cfg.Overlay.TargetConnections = ctx.Int("target")
	cfg.Overlay.MaxConnections = ctx.Int("max")
	cfg.Overlay.UpdateNetworkInterval = ctx.Duration("update")
	cfg.Overlay.Gossip.PublishStatusInterval = time.Second
	cfg.Overlay.StatusDebounce = 50 * time.Millisecond
	return cfg
}

func run(ctx *cli.Context) error {
	logCfg := utils.DefaultLoggerConfig("sim")
	logCfg.Level = ctx.String("log-level")
	logger, closer, err := utils.NewLogger(logCfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	res, err := simulate(ctx.Context, simConfigFrom(ctx), logger)
	if err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}
	fmt.Println(res)
	if !res.Converged || res.Delivered != int64(res.Expected) {
		return cli.Exit(res.String(), 2)
	}
	return nil
}

func simulate(ctx context.Context, cfg simConfig, logger *slog.Logger) (result, error) {
	hub := relay.NewHub()
	net := transporttest.NewNetwork()
	res := result{Nodes: cfg.Nodes}

	var delivered atomic.Int64
	engines := make([]*overlay.Engine, 0, cfg.Nodes)
	defer func() {
		for _, e := range engines {
			e.Dispose()
		}
	}()

	for i := 0; i < cfg.Nodes; i++ {
		e, err := overlay.New(cfg.Overlay, hub.Connect(), net.Factory(), nil, overlay.Events{
			OnMessage: func(common.PeerID, []byte) { delivered.Add(1) },
		}, logger)
		if err != nil {
			return res, fmt.Errorf("node %d: %w", i, err)
		}
		engines = append(engines, e)
	}

	start := time.Now()
	res.Converged = waitConverged(ctx, engines, cfg.Converge)
	res.Took = time.Since(start)
	logger.Info("mesh converged", "converged", res.Converged, "took", res.Took)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, e := range engines {
		for k := 0; k < cfg.Packets; k++ {
			wg.Add(1)
			go func(e *overlay.Engine, k int) {
				defer wg.Done()
				sr, err := e.Send(ctx, []byte(fmt.Sprintf("hello from %s #%d", e.ID(), k)), k%2 == 0)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					res.Failed++
					return
				}
				res.Sent++
				res.Direct += sr.Direct
				res.Fallback += sr.Fallback
				res.Failed += sr.Failed
			}(e, k)
		}
	}
	wg.Wait()

	res.Expected = res.Sent * (cfg.Nodes - 1)
	deadline := time.Now().Add(cfg.Drain)
	for time.Now().Before(deadline) && delivered.Load() < int64(res.Expected) {
		time.Sleep(20 * time.Millisecond)
	}
	res.Delivered = delivered.Load()
	return res, nil
}

// waitConverged polls until every engine reaches all others.
func waitConverged(ctx context.Context, engines []*overlay.Engine, limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if converged(ctx, engines) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

func converged(ctx context.Context, engines []*overlay.Engine) bool {
	for _, e := range engines {
		info, err := e.Info(ctx)
		if err != nil || len(info.Reachable) != len(engines)-1 {
			return false
		}
	}
	return true
}
