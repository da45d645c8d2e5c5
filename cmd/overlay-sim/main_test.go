package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/nmxmxh/overlay/core/overlay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestSimulationDeliversEverything(t *testing.T) {
	cfg := simConfig{
		Nodes:    5,
		Packets:  3,
		Converge: 10 * time.Second,
		Drain:    5 * time.Second,
		Overlay:  overlay.DefaultConfig(),
	}
	cfg.Overlay.TargetConnections = 2
	cfg.Overlay.MaxConnections = 4
	cfg.Overlay.UpdateNetworkInterval = 50 * time.Millisecond
	cfg.Overlay.StatusDebounce = 10 * time.Millisecond
	cfg.Overlay.Gossip.PublishStatusInterval = 50 * time.Millisecond

	res, err := simulate(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	require.True(t, res.Converged, res.String())
	assert.Equal(t, 15, res.Sent)
	assert.Equal(t, 60, res.Expected)
	// Links can still be renegotiated after convergence, so a send may miss
	// a hop, but nothing is ever delivered twice.
	assert.Positive(t, res.Delivered)
	assert.LessOrEqual(t, res.Delivered, int64(res.Expected), res.String())
}

func TestFlags(t *testing.T) {
	var cfg simConfig
	app := newApp()
	app.Action = func(ctx *cli.Context) error {
		cfg = simConfigFrom(ctx)
		return nil
	}
	require.NoError(t, app.Run([]string{"overlay-sim", "--nodes", "4", "--max", "3", "--update", "200ms"}))
	assert.Equal(t, 4, cfg.Nodes)
	assert.Equal(t, 5, cfg.Packets)
	assert.Equal(t, 3, cfg.Overlay.MaxConnections)
	assert.Equal(t, 200*time.Millisecond, cfg.Overlay.UpdateNetworkInterval)
	assert.Equal(t, 30*time.Second, cfg.Converge)
}
