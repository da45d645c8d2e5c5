package overlay

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/nmxmxh/overlay/core/mesh/common"
	"github.com/nmxmxh/overlay/core/mesh/relay"
	"github.com/nmxmxh/overlay/core/mesh/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type inbox struct {
	mu   sync.Mutex
	msgs []string
	errs []error
}

func (b *inbox) add(from common.PeerID, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, from.String()+":"+string(payload))
}

func (b *inbox) get() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.msgs...)
}

type testPeer struct {
	*Engine
	inbox *inbox
	conn  *relay.HubConn
}

// quietConfig never opens sessions on its own.
func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.TargetConnections = 0
	cfg.UpdateNetworkInterval = time.Hour
	cfg.StatusDebounce = 10 * time.Millisecond
	cfg.Gossip.PublishStatusInterval = 50 * time.Millisecond
	return cfg
}

func newPeer(t *testing.T, hub *relay.Hub, net *transporttest.Network, cfg Config) *testPeer {
	t.Helper()
	conn := hub.Connect()
	box := &inbox{}
	e, err := New(cfg, conn, net.Factory(), nil, Events{
		OnMessage: box.add,
		OnDisconnected: func(err error) {
			box.mu.Lock()
			box.errs = append(box.errs, err)
			box.mu.Unlock()
		},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(e.Dispose)
	return &testPeer{Engine: e, inbox: box, conn: conn}
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}

func (p *testPeer) linked(t *testing.T, other common.PeerID) bool {
	var ok bool
	require.NoError(t, p.do(ctx(t), func() { ok = p.mesh.IsConnectedTo(other) }))
	return ok
}

func (p *testPeer) sessions(t *testing.T) int {
	var n int
	require.NoError(t, p.do(ctx(t), func() { n = p.mesh.ConnectionsCount() }))
	return n
}

func (p *testPeer) reachable(t *testing.T, others ...common.PeerID) bool {
	for _, o := range others {
		ok, err := p.Reachable(ctx(t), o)
		require.NoError(t, err)
		if !ok {
			return false
		}
	}
	return true
}

func (p *testPeer) knows(t *testing.T, others ...common.PeerID) bool {
	known, err := p.KnownPeerIDs(ctx(t))
	require.NoError(t, err)
	set := map[common.PeerID]bool{}
	for _, k := range known {
		set[k] = true
	}
	for _, o := range others {
		if !set[o] {
			return false
		}
	}
	return true
}

func connect(t *testing.T, a, b *testPeer) {
	t.Helper()
	require.NoError(t, (&network{a.Engine}).ConnectTo(ctx(t), b.ID(), "test"))
	require.Eventually(t, func() bool { return a.linked(t, b.ID()) && b.linked(t, a.ID()) }, waitFor, tick)
}

func TestStarSendUsesDirectLinksOnly(t *testing.T) {
	hub, net := relay.NewHub(), transporttest.NewNetwork()
	center := newPeer(t, hub, net, quietConfig())
	leaves := []*testPeer{
		newPeer(t, hub, net, quietConfig()),
		newPeer(t, hub, net, quietConfig()),
		newPeer(t, hub, net, quietConfig()),
	}
	for _, leaf := range leaves {
		connect(t, center, leaf)
	}
	ids := []common.PeerID{leaves[0].ID(), leaves[1].ID(), leaves[2].ID()}
	require.Eventually(t, func() bool { return center.reachable(t, ids...) && center.knows(t, ids...) }, waitFor, tick)

	res, err := center.Send(ctx(t), []byte("hello"), true)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Direct)
	assert.Equal(t, 0, res.Fallback)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, uint64(1), res.Seq)

	want := center.ID().String() + ":hello"
	for _, leaf := range leaves {
		leaf := leaf
		assert.Eventually(t, func() bool {
			got := leaf.inbox.get()
			return len(got) == 1 && got[0] == want
		}, waitFor, tick)
	}

	info, err := center.Info(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, ids, info.Reachable)
	assert.Len(t, info.MST, 3)
	assert.Equal(t, uint64(1), info.Stats.Sent)
}

func TestChainForwardsThroughChildren(t *testing.T) {
	hub, net := relay.NewHub(), transporttest.NewNetwork()
	a := newPeer(t, hub, net, quietConfig())
	b := newPeer(t, hub, net, quietConfig())
	c := newPeer(t, hub, net, quietConfig())

	connect(t, a, b)
	connect(t, b, c)
	require.Eventually(t, func() bool { return a.reachable(t, b.ID(), c.ID()) }, waitFor, tick)
	require.False(t, a.linked(t, c.ID()))

	res, err := a.Send(ctx(t), []byte("x"), true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Direct)
	assert.Equal(t, 0, res.Fallback)

	assert.Eventually(t, func() bool { return len(c.inbox.get()) == 1 }, waitFor, tick)
	assert.Eventually(t, func() bool { return len(b.inbox.get()) == 1 }, waitFor, tick)

	info, err := b.Info(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Stats.Forwarded)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{a.ID().String() + ":x"}, c.inbox.get())
}

func TestFallbackReachesUnlinkedPeers(t *testing.T) {
	hub, net := relay.NewHub(), transporttest.NewNetwork()
	a := newPeer(t, hub, net, quietConfig())
	b := newPeer(t, hub, net, quietConfig())
	require.Eventually(t, func() bool { return a.knows(t, b.ID()) }, waitFor, tick)

	res, err := a.Send(ctx(t), []byte("one"), false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Direct)
	assert.Equal(t, 1, res.Fallback)

	_, err = a.Send(ctx(t), []byte("two"), false)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got := b.inbox.get()
		return len(got) == 2 && got[0] == a.ID().String()+":one" && got[1] == a.ID().String()+":two"
	}, waitFor, tick)
}

func TestFallbackDisabled(t *testing.T) {
	hub, net := relay.NewHub(), transporttest.NewNetwork()
	cfg := quietConfig()
	cfg.FallbackEnabled = false
	a := newPeer(t, hub, net, cfg)
	b := newPeer(t, hub, net, quietConfig())
	require.Eventually(t, func() bool { return a.knows(t, b.ID()) }, waitFor, tick)

	res, err := a.Send(ctx(t), []byte("one"), true)
	require.NoError(t, err)
	assert.Equal(t, SendResult{Seq: 1}, res)
}

func TestThreePeersConverge(t *testing.T) {
	hub, net := relay.NewHub(), transporttest.NewNetwork()
	cfg := DefaultConfig()
	cfg.TargetConnections = 2
	cfg.UpdateNetworkInterval = 50 * time.Millisecond
	cfg.StatusDebounce = 10 * time.Millisecond
	cfg.Gossip.PublishStatusInterval = 50 * time.Millisecond

	p1 := newPeer(t, hub, net, cfg)
	p2 := newPeer(t, hub, net, cfg)
	p3 := newPeer(t, hub, net, cfg)
	peers := []*testPeer{p1, p2, p3}

	require.Eventually(t, func() bool {
		for _, p := range peers {
			if p.sessions(t) != 2 {
				return false
			}
			for _, o := range peers {
				if o != p && !p.linked(t, o.ID()) {
					return false
				}
			}
		}
		return p1.reachable(t, p2.ID(), p3.ID())
	}, waitFor, tick)

	info, err := p1.Info(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, []common.PeerID{p2.ID(), p3.ID()}, info.Reachable)
	assert.Len(t, info.MST, 2)

	_, err = p1.Send(ctx(t), []byte("all"), true)
	require.NoError(t, err)

	for _, p := range []*testPeer{p2, p3} {
		p := p
		assert.Eventually(t, func() bool { return len(p.inbox.get()) == 1 }, waitFor, tick)
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{p1.ID().String() + ":all"}, p2.inbox.get())
	assert.Equal(t, []string{p1.ID().String() + ":all"}, p3.inbox.get())
	assert.Empty(t, p1.inbox.get())

	// A triangle's tree is a star around the sender: one copy per peer
	// and nothing to forward.
	for _, p := range []*testPeer{p2, p3} {
		info, err := p.Info(ctx(t))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), info.Stats.Delivered)
		assert.Zero(t, info.Stats.Duplicates)
		assert.Zero(t, info.Stats.Forwarded)
	}
}

func TestDuplicatePacketsDeliveredOnce(t *testing.T) {
	hub, net := relay.NewHub(), transporttest.NewNetwork()
	p := newPeer(t, hub, net, quietConfig())

	data := common.MarshalPacket(&common.Packet{Source: 99, Seq: 7, Payload: []byte("dup")})
	require.NoError(t, p.do(ctx(t), func() {
		p.handleFallback(99, data)
		p.handlePeerPacket(99, data, true)
		p.handleFallback(99, data)
		p.handleFallback(99, []byte{0xff})
		// Our own packets are never delivered back to us.
		p.handleFallback(99, common.MarshalPacket(&common.Packet{Source: p.ID(), Seq: 1}))
	}))

	assert.Eventually(t, func() bool { return len(p.inbox.get()) == 1 }, waitFor, tick)
	info, err := p.Info(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Stats.Delivered)
	assert.Equal(t, uint64(2), info.Stats.Duplicates)
	assert.Equal(t, uint64(1), info.Stats.Malformed)
}

func TestRelayLossDisconnects(t *testing.T) {
	hub, net := relay.NewHub(), transporttest.NewNetwork()
	p := newPeer(t, hub, net, quietConfig())

	hub.Drop(p.ID())

	select {
	case <-p.Done():
	case <-time.After(waitFor):
		t.Fatal("engine did not stop after relay loss")
	}
	p.inbox.mu.Lock()
	errs := append([]error(nil), p.inbox.errs...)
	p.inbox.mu.Unlock()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], relay.ErrConnectionLost)

	assert.True(t, common.IsMeshError(errs[0], common.ErrCodeDisconnected))

	_, err := p.Send(context.Background(), []byte("late"), true)
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestDisposeReleasesGoroutines(t *testing.T) {
	hub, net := relay.NewHub(), transporttest.NewNetwork()
	cycle := func() {
		e, err := New(quietConfig(), hub.Connect(), net.Factory(), nil, Events{}, nil)
		require.NoError(t, err)
		e.Dispose()
		<-e.Done()
	}
	// Warm up lazily started helpers before counting.
	cycle()
	time.Sleep(50 * time.Millisecond)
	before := runtime.NumGoroutine()

	for i := 0; i < 20; i++ {
		cycle()
	}
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, waitFor, tick, "goroutines before=%d now=%d", before, runtime.NumGoroutine())
}

func TestDisposeIsIdempotent(t *testing.T) {
	hub, net := relay.NewHub(), transporttest.NewNetwork()
	a := newPeer(t, hub, net, quietConfig())
	b := newPeer(t, hub, net, quietConfig())
	connect(t, a, b)

	a.Dispose()
	a.Dispose()

	assert.Eventually(t, func() bool { return !b.linked(t, a.ID()) }, waitFor, tick)
	_, err := a.Info(context.Background())
	assert.ErrorIs(t, err, ErrDisposed)

	a.inbox.mu.Lock()
	assert.Empty(t, a.inbox.errs)
	a.inbox.mu.Unlock()
}

func TestIntrospection(t *testing.T) {
	hub, net := relay.NewHub(), transporttest.NewNetwork()
	a := newPeer(t, hub, net, quietConfig())
	b := newPeer(t, hub, net, quietConfig())
	c := newPeer(t, hub, net, quietConfig())
	connect(t, a, b)
	require.Eventually(t, func() bool { return a.knows(t, b.ID(), c.ID()) }, waitFor, tick)

	dot, err := a.GraphDOT(ctx(t), []common.PeerID{b.ID()})
	require.NoError(t, err)
	assert.Contains(t, dot, "graph G {")

	html, err := a.MatrixHTML(ctx(t))
	require.NoError(t, err)
	assert.Contains(t, html, "<table")

	report, err := a.Connections(ctx(t))
	require.NoError(t, err)
	require.Len(t, report.Sessions, 1)
	assert.Equal(t, b.ID(), report.Sessions[0].Peer)
	assert.Contains(t, report.Unreachable, c.ID())
	assert.NotContains(t, report.Unreachable, b.ID())

	assert.NotEmpty(t, a.Perf().AverageTimes())
}
