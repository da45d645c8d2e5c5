// Package perf keeps named timers for the hot paths of the overlay: graph
// mutation, spanning-tree recomputation and gossip application.
package perf

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrAlreadyStarted is returned by Start on a running tracker.
	ErrAlreadyStarted = errors.New("perf: timer already started")
	// ErrNotStarted is returned by Stop on an idle tracker.
	ErrNotStarted = errors.New("perf: timer not started")
)

// Tracker measures repeated runs of one named process.
type Tracker struct {
	name     string
	observer prometheus.Observer

	mu        sync.Mutex
	startedAt time.Time
	running   bool
	count     uint64
	total     time.Duration
	max       time.Duration
}

// Start begins a measurement.
func (t *Tracker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return ErrAlreadyStarted
	}
	t.running = true
	t.startedAt = time.Now()
	return nil
}

// Stop ends the running measurement and records it.
func (t *Tracker) Stop() (time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return 0, ErrNotStarted
	}
	elapsed := time.Since(t.startedAt)
	t.running = false
	t.count++
	t.total += elapsed
	if elapsed > t.max {
		t.max = elapsed
	}
	if t.observer != nil {
		t.observer.Observe(elapsed.Seconds())
	}
	return elapsed, nil
}

// AvgTime is the mean duration of completed runs, zero before the first.
func (t *Tracker) AvgTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count == 0 {
		return 0
	}
	return t.total / time.Duration(t.count)
}

func (t *Tracker) Name() string { return t.name }

// Stat is a point-in-time view of a tracker.
type Stat struct {
	Name    string        `json:"name"`
	Count   uint64        `json:"count"`
	AvgTime time.Duration `json:"avg_time_ns"`
	MaxTime time.Duration `json:"max_time_ns"`
}

// Registry hands out trackers by name, creating them on first use.
// A nil *Registry is valid and measures nothing.
type Registry struct {
	mu       sync.Mutex
	trackers map[string]*Tracker
	summary  *prometheus.SummaryVec
}

// NewRegistry creates a registry. When reg is non-nil every tracker also
// feeds the overlay_process_duration_seconds summary.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{trackers: make(map[string]*Tracker)}
	if reg == nil {
		return r
	}

	summary := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name:       "overlay_process_duration_seconds",
		Help:       "Duration of overlay internal processes",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"process"})
	if err := reg.Register(summary); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return r
		}
		existing, ok := are.ExistingCollector.(*prometheus.SummaryVec)
		if !ok {
			return r
		}
		summary = existing
	}
	r.summary = summary
	return r
}

// Tracker returns the tracker for name.
func (r *Registry) Tracker(name string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.trackers[name]
	if !ok {
		t = &Tracker{name: name}
		if r.summary != nil {
			t.observer = r.summary.WithLabelValues(name)
		}
		r.trackers[name] = t
	}
	return t
}

// Measure times fn under name. Nested or concurrent measurement of the same
// name runs fn untimed.
func (r *Registry) Measure(name string, fn func()) {
	if r == nil {
		fn()
		return
	}
	t := r.Tracker(name)
	if err := t.Start(); err != nil {
		fn()
		return
	}
	defer func() { _, _ = t.Stop() }()
	fn()
}

// Snapshot returns every tracker's stats sorted by name.
func (r *Registry) Snapshot() []Stat {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	trackers := make([]*Tracker, 0, len(r.trackers))
	for _, t := range r.trackers {
		trackers = append(trackers, t)
	}
	r.mu.Unlock()

	stats := make([]Stat, 0, len(trackers))
	for _, t := range trackers {
		t.mu.Lock()
		s := Stat{Name: t.name, Count: t.count, MaxTime: t.max}
		if t.count > 0 {
			s.AvgTime = t.total / time.Duration(t.count)
		}
		t.mu.Unlock()
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// AverageTimes maps tracker name to mean duration.
func (r *Registry) AverageTimes() map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, s := range r.Snapshot() {
		out[s.Name] = s.AvgTime
	}
	return out
}
