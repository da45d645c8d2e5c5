package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nmxmxh/overlay/core/mesh/common"
	"github.com/nmxmxh/overlay/core/overlay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	id    common.PeerID
	known []common.PeerID
	err   error

	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) ID() common.PeerID { return f.id }

func (f *fakeSender) Send(_ context.Context, payload []byte, _ bool) (overlay.SendResult, error) {
	if f.err != nil {
		return overlay.SendResult{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, string(payload))
	return overlay.SendResult{Seq: uint64(len(f.sent))}, nil
}

func (f *fakeSender) KnownPeerIDs(context.Context) ([]common.PeerID, error) {
	return f.known, nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestPingAnsweredOnce(t *testing.T) {
	s := &fakeSender{id: 4}
	p := NewProcessor(s, nil)

	p.HandleMessage(1, []byte("ping 77"))
	p.HandleMessage(2, []byte("ping 77"))
	p.HandleMessage(2, []byte("ping nope"))
	p.HandleMessage(2, []byte("ping"))

	assert.Equal(t, []string{"pong 77 4"}, s.messages())
}

func TestAnsweredNoncesSurviveOverflow(t *testing.T) {
	s := &fakeSender{id: 4}
	p := NewProcessor(s, nil)

	for n := 1; n <= maxAnswered+1; n++ {
		p.HandleMessage(1, []byte(fmt.Sprintf("ping %d", n)))
	}
	require.Len(t, s.messages(), maxAnswered+1)
	assert.Equal(t, maxAnswered, p.answered.Len())

	// Only the oldest nonce was evicted; the rest are still answered once.
	for n := 2; n <= maxAnswered+1; n++ {
		p.HandleMessage(2, []byte(fmt.Sprintf("ping %d", n)))
	}
	assert.Len(t, s.messages(), maxAnswered+1)

	p.HandleMessage(2, []byte("ping 1"))
	assert.Len(t, s.messages(), maxAnswered+2)
}

func TestPingReport(t *testing.T) {
	s := &fakeSender{id: 1, known: []common.PeerID{2, 3, 4}}
	p := NewProcessor(s, nil)
	start := time.Unix(1000, 0)
	now := start
	p.now = func() time.Time { return now }

	nonce, err := p.Ping(context.Background())
	require.NoError(t, err)
	require.Len(t, s.messages(), 1)
	assert.Regexp(t, `^ping \d+$`, s.messages()[0])

	now = start.Add(20 * time.Millisecond)
	p.HandleMessage(2, []byte(pong(nonce, 2)))
	now = start.Add(40 * time.Millisecond)
	p.HandleMessage(4, []byte(pong(nonce, 4)))
	p.HandleMessage(4, []byte(pong(nonce, 4)))   // repeated
	p.HandleMessage(9, []byte(pong(nonce, 9)))   // not a target
	p.HandleMessage(3, []byte(pong(nonce+1, 3))) // other probe

	report, ok := p.Finish(nonce)
	require.True(t, ok)
	assert.Equal(t, []time.Duration{20 * time.Millisecond, 40 * time.Millisecond}, report.Responses)
	assert.Equal(t, 30*time.Millisecond, report.AvgDelay)
	assert.Equal(t, []common.PeerID{3}, report.Missing)
	assert.Contains(t, report.String(), "Ping got 2 responses")

	last, ok := p.LastPing()
	require.True(t, ok)
	assert.Equal(t, nonce, last.Nonce)

	_, ok = p.Finish(nonce)
	assert.False(t, ok, "a probe finishes once")
}

func pong(nonce uint32, from common.PeerID) string {
	return fmt.Sprintf("pong %d %s", nonce, from)
}

func TestPingSendFailure(t *testing.T) {
	s := &fakeSender{id: 1, known: []common.PeerID{2}, err: errors.New("down")}
	p := NewProcessor(s, nil)

	_, err := p.Ping(context.Background())
	require.Error(t, err)
	assert.Empty(t, p.pending)
	_, ok := p.LastPing()
	assert.False(t, ok)
}

func TestTrace(t *testing.T) {
	s := &fakeSender{id: 5}
	p := NewProcessor(s, nil)

	trace, err := p.SendTrace(context.Background())
	require.NoError(t, err)
	assert.Regexp(t, `^5:\d+$`, trace)
	assert.Equal(t, []string{"trace " + trace}, s.messages())
	assert.Equal(t, trace, p.Trace())

	p.HandleMessage(2, []byte("trace 2:99"))
	assert.Equal(t, "2:99", p.Trace())

	p.HandleMessage(2, []byte(""))
	p.HandleMessage(2, []byte("hello world"))
	assert.Equal(t, "2:99", p.Trace())
}

func TestRunFinishesProbes(t *testing.T) {
	s := &fakeSender{id: 1, known: []common.PeerID{2}}
	p := NewProcessor(s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, 10*time.Millisecond, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		report, ok := p.LastPing()
		return ok && len(report.Missing) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
