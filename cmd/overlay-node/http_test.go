package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nmxmxh/overlay/core/mesh/common"
	"github.com/nmxmxh/overlay/core/mesh/relay"
	"github.com/nmxmxh/overlay/core/mesh/transport/transporttest"
	"github.com/nmxmxh/overlay/core/overlay"
	"github.com/nmxmxh/overlay/internal/core"
	"github.com/nmxmxh/overlay/internal/network"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testNode struct {
	node      *network.Node
	processor *core.Processor
	server    *httptest.Server
}

func startTestNode(t *testing.T, hub *relay.Hub, net *transporttest.Network) *testNode {
	t.Helper()
	cfg := overlay.DefaultConfig()
	cfg.UpdateNetworkInterval = 50 * time.Millisecond
	cfg.StatusDebounce = 10 * time.Millisecond
	cfg.Gossip.PublishStatusInterval = 50 * time.Millisecond

	reg := prometheus.NewRegistry()
	var processor *core.Processor
	node := network.NewNode(network.Config{Overlay: cfg, InitialBackoff: time.Millisecond},
		func(context.Context) (relay.Conn, error) { return hub.Connect(), nil },
		net.Factory(), reg, func(from common.PeerID, payload []byte) {
			processor.HandleMessage(from, payload)
		}, nil)
	processor = core.NewProcessor(node, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		node.Run(ctx)
		close(done)
	}()
	server := httptest.NewServer(newAPI(node, processor, reg, slog.Default()))
	t.Cleanup(func() {
		server.Close()
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		_, err := node.Engine()
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)
	return &testNode{node: node, processor: processor, server: server}
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestIntrospectionEndpoints(t *testing.T) {
	hub := relay.NewHub()
	net := transporttest.NewNetwork()
	a := startTestNode(t, hub, net)
	b := startTestNode(t, hub, net)

	require.Eventually(t, func() bool {
		e, err := a.node.Engine()
		if err != nil {
			return false
		}
		ok, err := e.Reachable(context.Background(), b.node.ID())
		return err == nil && ok
	}, 5*time.Second, 10*time.Millisecond)

	status, body := get(t, a.server.URL+"/info")
	require.Equal(t, http.StatusOK, status)
	var info struct {
		ID   common.PeerID `json:"id"`
		Ping string        `json:"ping"`
		Mesh overlay.Info  `json:"mesh"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &info))
	assert.Equal(t, a.node.ID(), info.ID)
	assert.Equal(t, "No ping", info.Ping)
	assert.Equal(t, []common.PeerID{b.node.ID()}, info.Mesh.Reachable)

	status, body = get(t, a.server.URL+"/graph")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "graph G {")

	resp, err := http.Post(a.server.URL+"/view-trace", "application/json",
		strings.NewReader(`{"nodesToPaint":[`+b.node.ID().String()+`]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(a.server.URL+"/view-trace", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	status, _ = get(t, a.server.URL+"/view-trace")
	assert.Equal(t, http.StatusMethodNotAllowed, status)
	status, _ = get(t, a.server.URL+"/nowhere")
	assert.Equal(t, http.StatusNotFound, status)

	status, body = get(t, a.server.URL+"/matrix")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "<table")

	status, body = get(t, a.server.URL+"/connections")
	assert.Equal(t, http.StatusOK, status)
	var conns overlay.ConnectionsReport
	require.NoError(t, json.Unmarshal([]byte(body), &conns))
	assert.Len(t, conns.KnownPeers, 1)
	assert.Empty(t, conns.Unreachable)

	status, body = get(t, a.server.URL+"/performance-trackers")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "{")

	status, body = get(t, a.server.URL+"/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "overlay_gossip_messages_total")
}

func TestTraceReachesPeers(t *testing.T) {
	hub := relay.NewHub()
	net := transporttest.NewNetwork()
	a := startTestNode(t, hub, net)
	b := startTestNode(t, hub, net)

	require.Eventually(t, func() bool {
		ids, err := a.node.KnownPeerIDs(context.Background())
		return err == nil && len(ids) == 1
	}, 5*time.Second, 10*time.Millisecond)

	status, body := get(t, a.server.URL+"/trace")
	require.Equal(t, http.StatusOK, status)
	var resp map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.True(t, strings.HasPrefix(resp["id"], a.node.ID().String()+":"))

	require.Eventually(t, func() bool {
		return b.processor.Trace() == resp["id"]
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProbeCountsResponses(t *testing.T) {
	hub := relay.NewHub()
	net := transporttest.NewNetwork()
	a := startTestNode(t, hub, net)
	startTestNode(t, hub, net)
	startTestNode(t, hub, net)

	require.Eventually(t, func() bool {
		ids, err := a.node.KnownPeerIDs(context.Background())
		return err == nil && len(ids) == 2
	}, 5*time.Second, 10*time.Millisecond)

	nonce, err := a.processor.Ping(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		report, ok := a.processor.Finish(nonce)
		if !ok {
			return false
		}
		if len(report.Missing) == 0 {
			return true
		}
		// Not everyone answered yet; probe again.
		nonce, err = a.processor.Ping(context.Background())
		return false
	}, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, err)
}
