// Package core implements the node's application protocol on top of the
// overlay: ping/pong probes that measure how much of the overlay answers,
// and trace markers used to follow a broadcast through the mesh.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nmxmxh/overlay/core/mesh/common"
	"github.com/nmxmxh/overlay/core/overlay"
)

const (
	kindPing  = "ping"
	kindPong  = "pong"
	kindTrace = "trace"

	// Answered nonces are remembered for answeredTTL; past maxAnswered
	// entries the oldest are evicted first.
	maxAnswered = 4096
	answeredTTL = 10 * time.Minute
)

// Sender is the part of a node the processor needs.
type Sender interface {
	ID() common.PeerID
	Send(ctx context.Context, payload []byte, reliable bool) (overlay.SendResult, error)
	KnownPeerIDs(ctx context.Context) ([]common.PeerID, error)
}

// PingReport summarizes one probe.
type PingReport struct {
	Nonce     uint32          `json:"nonce"`
	SentAt    time.Time       `json:"sent_at"`
	Targets   []common.PeerID `json:"targets"`
	Missing   []common.PeerID `json:"missing"`
	Responses []time.Duration `json:"responses"`
	AvgDelay  time.Duration   `json:"avg_delay"`
}

func (r PingReport) String() string {
	return fmt.Sprintf("Ping got %d responses. Avg delay: %s. Targets: %v, missing: %v",
		len(r.Responses), r.AvgDelay, r.Targets, r.Missing)
}

type pingRequest struct {
	sentAt    time.Time
	targets   []common.PeerID
	missing   map[common.PeerID]struct{}
	responses []time.Duration
}

// Processor answers pings, records pongs and remembers the last trace seen.
type Processor struct {
	sender Sender
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	rand     *rand.Rand
	pending  map[uint32]*pingRequest
	answered *expirable.LRU[uint32, struct{}]
	lastPing *PingReport
	trace    string
}

// NewProcessor creates a processor sending through sender.
func NewProcessor(sender Sender, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		sender:   sender,
		logger:   logger.With("component", "processor"),
		now:      time.Now,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		pending:  make(map[uint32]*pingRequest),
		answered: expirable.NewLRU[uint32, struct{}](maxAnswered, nil, answeredTTL),
	}
}

// HandleMessage processes an application payload from the overlay.
func (p *Processor) HandleMessage(from common.PeerID, payload []byte) {
	fields := strings.Fields(string(payload))
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case kindPing:
		if len(fields) < 2 {
			return
		}
		nonce, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return
		}
		p.answer(uint32(nonce))
	case kindPong:
		if len(fields) < 3 {
			return
		}
		nonce, err1 := strconv.ParseUint(fields[1], 10, 32)
		peer, err2 := common.ParsePeerID(fields[2])
		if err1 != nil || err2 != nil {
			return
		}
		p.recordPong(uint32(nonce), peer)
	case kindTrace:
		if len(fields) < 2 {
			return
		}
		p.mu.Lock()
		p.trace = fields[1]
		p.mu.Unlock()
		p.logger.Debug("trace received", "trace", fields[1], "from", from.String())
	}
}

func (p *Processor) answer(nonce uint32) {
	p.mu.Lock()
	if p.answered.Contains(nonce) {
		p.mu.Unlock()
		return
	}
	p.answered.Add(nonce, struct{}{})
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg := fmt.Sprintf("%s %d %s", kindPong, nonce, p.sender.ID())
	if _, err := p.sender.Send(ctx, []byte(msg), true); err != nil {
		p.logger.Warn("failed to answer ping", "nonce", nonce, "error", err)
	}
}

func (p *Processor) recordPong(nonce uint32, peer common.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.pending[nonce]
	if !ok {
		return
	}
	if _, missing := req.missing[peer]; !missing {
		return
	}
	delete(req.missing, peer)
	req.responses = append(req.responses, p.now().Sub(req.sentAt))
}

// Ping broadcasts a probe to every known peer and returns its nonce.
func (p *Processor) Ping(ctx context.Context) (uint32, error) {
	targets, err := p.sender.KnownPeerIDs(ctx)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	nonce := p.rand.Uint32()
	req := &pingRequest{
		sentAt:  p.now(),
		targets: targets,
		missing: make(map[common.PeerID]struct{}, len(targets)),
	}
	for _, t := range targets {
		req.missing[t] = struct{}{}
	}
	p.pending[nonce] = req
	p.mu.Unlock()

	if _, err := p.sender.Send(ctx, []byte(fmt.Sprintf("%s %d", kindPing, nonce)), true); err != nil {
		p.mu.Lock()
		delete(p.pending, nonce)
		p.mu.Unlock()
		return 0, fmt.Errorf("failed to send ping: %w", err)
	}
	return nonce, nil
}

// Finish closes a probe, stores and returns its report.
func (p *Processor) Finish(nonce uint32) (PingReport, bool) {
	p.mu.Lock()
	req, ok := p.pending[nonce]
	if !ok {
		p.mu.Unlock()
		return PingReport{}, false
	}
	delete(p.pending, nonce)

	report := PingReport{
		Nonce:     nonce,
		SentAt:    req.sentAt,
		Targets:   req.targets,
		Responses: req.responses,
	}
	for peer := range req.missing {
		report.Missing = append(report.Missing, peer)
	}
	sort.Slice(report.Missing, func(i, j int) bool { return report.Missing[i] < report.Missing[j] })
	if len(req.responses) > 0 {
		var total time.Duration
		for _, d := range req.responses {
			total += d
		}
		report.AvgDelay = total / time.Duration(len(req.responses))
	}
	p.lastPing = &report
	p.mu.Unlock()

	p.logger.Info(report.String())
	return report, true
}

// LastPing returns the most recent finished probe.
func (p *Processor) LastPing() (PingReport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastPing == nil {
		return PingReport{}, false
	}
	return *p.lastPing, true
}

// SendTrace broadcasts a fresh trace marker and returns it.
func (p *Processor) SendTrace(ctx context.Context) (string, error) {
	p.mu.Lock()
	trace := fmt.Sprintf("%s:%d", p.sender.ID(), p.rand.Uint32())
	p.trace = trace
	p.mu.Unlock()

	if _, err := p.sender.Send(ctx, []byte(kindTrace+" "+trace), true); err != nil {
		return "", err
	}
	return trace, nil
}

// Trace is the last trace sent or received.
func (p *Processor) Trace() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trace
}

// Run pings every interval and finishes each probe after wait, until ctx
// ends.
func (p *Processor) Run(ctx context.Context, interval, wait time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nonce, err := p.Ping(ctx)
			if err != nil {
				p.logger.Warn("error sending ping message", "error", err)
				continue
			}
			time.AfterFunc(wait, func() { p.Finish(nonce) })
		}
	}
}
