package network

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nmxmxh/overlay/core/mesh/common"
	"github.com/nmxmxh/overlay/core/mesh/relay"
	"github.com/nmxmxh/overlay/core/mesh/transport/transporttest"
	"github.com/nmxmxh/overlay/core/overlay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := overlay.DefaultConfig()
	cfg.TargetConnections = 2
	cfg.UpdateNetworkInterval = 50 * time.Millisecond
	cfg.StatusDebounce = 10 * time.Millisecond
	cfg.Gossip.PublishStatusInterval = 50 * time.Millisecond
	return Config{Overlay: cfg, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func hubDialer(hub *relay.Hub) Dialer {
	return func(context.Context) (relay.Conn, error) { return hub.Connect(), nil }
}

func startNode(t *testing.T, n *Node) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- n.Run(ctx)
		close(errc)
	}()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return cancel, errc
}

func waitEngine(t *testing.T, n *Node) *overlay.Engine {
	t.Helper()
	var e *overlay.Engine
	require.Eventually(t, func() bool {
		var err error
		e, err = n.Engine()
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)
	return e
}

func TestNotConnected(t *testing.T) {
	n := NewNode(testConfig(), hubDialer(relay.NewHub()), transporttest.NewNetwork().Factory(), nil, nil, nil)

	_, err := n.Engine()
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = n.Send(context.Background(), []byte("x"), true)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = n.KnownPeerIDs(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, common.PeerID(0), n.ID())
}

func TestNodesExchangeMessages(t *testing.T) {
	hub := relay.NewHub()
	net := transporttest.NewNetwork()

	var mu sync.Mutex
	var got []string
	a := NewNode(testConfig(), hubDialer(hub), net.Factory(), nil, nil, nil)
	b := NewNode(testConfig(), hubDialer(hub), net.Factory(), nil, func(from common.PeerID, payload []byte) {
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
	}, nil)
	startNode(t, a)
	startNode(t, b)
	ea := waitEngine(t, a)
	eb := waitEngine(t, b)

	require.Eventually(t, func() bool {
		ok, err := ea.Reachable(context.Background(), eb.ID())
		return err == nil && ok
	}, 5*time.Second, 10*time.Millisecond)

	res, err := a.Send(context.Background(), []byte("hello"), true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Direct)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "hello"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReconnectsAfterRelayLoss(t *testing.T) {
	hub := relay.NewHub()
	n := NewNode(testConfig(), hubDialer(hub), transporttest.NewNetwork().Factory(), nil, nil, nil)
	startNode(t, n)

	first := waitEngine(t, n)
	changed := n.Changed()
	hub.Drop(first.ID())

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("engine was not replaced")
	}
	second := waitEngine(t, n)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, 2, n.Sessions())
	assert.Equal(t, second.ID(), n.ID())
}

func TestDialRetriesWithBackoff(t *testing.T) {
	hub := relay.NewHub()
	var attempts atomic.Int32
	dial := func(ctx context.Context) (relay.Conn, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("refused")
		}
		return hub.Connect(), nil
	}
	n := NewNode(testConfig(), dial, transporttest.NewNetwork().Factory(), nil, nil, nil)
	startNode(t, n)

	waitEngine(t, n)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestDialGivesUp(t *testing.T) {
	cfg := testConfig()
	cfg.DialMaxElapsed = 30 * time.Millisecond
	dial := func(ctx context.Context) (relay.Conn, error) { return nil, errors.New("refused") }
	n := NewNode(cfg, dial, transporttest.NewNetwork().Factory(), nil, nil, nil)

	err := n.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestRunStopsOnCancel(t *testing.T) {
	hub := relay.NewHub()
	n := NewNode(testConfig(), hubDialer(hub), transporttest.NewNetwork().Factory(), nil, nil, nil)
	cancel, done := startNode(t, n)
	e := waitEngine(t, n)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	<-e.Done()
	_, err := n.Engine()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, 5*time.Millisecond)
}
