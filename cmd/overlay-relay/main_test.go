package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nmxmxh/overlay/core/mesh/relay"
	"github.com/nmxmxh/overlay/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestRelayRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := relay.DefaultServerConfig()
	cfg.CommitHash = "deadbeef"
	ts := httptest.NewServer(newRouter(relay.NewServer(cfg, reg, nil), reg))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := relay.Dial(ctx, relay.DefaultClientConfig("ws"+strings.TrimPrefix(ts.URL, "http")+"/service"), nil)
	require.NoError(t, err)
	defer c.Close()
	assert.NotZero(t, c.ID())

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"commitHash":"deadbeef"}`, string(body))

	resp, err = http.Post(ts.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(body), "server_connections 1")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRelayFlags(t *testing.T) {
	t.Setenv("OVERLAY_COMMIT_HASH", "fromenv")

	run := func(args ...string) (config.RelayServerConfig, error) {
		var cfg config.RelayServerConfig
		app := newApp()
		app.Action = func(ctx *cli.Context) (err error) {
			cfg, err = loadConfig(ctx)
			return err
		}
		err := app.Run(append([]string{"overlay-relay"}, args...))
		return cfg, err
	}

	cfg, err := run("--addr", ":9100")
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Addr)
	assert.Equal(t, "fromenv", cfg.Server.CommitHash)

	_, err = run("--addr", "")
	assert.ErrorContains(t, err, "relay addr is required")
}
