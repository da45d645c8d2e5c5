package perf

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerMisuse(t *testing.T) {
	r := NewRegistry(nil)
	tr := r.Tracker("graph:addConnection")

	_, err := tr.Stop()
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, tr.Start())
	assert.ErrorIs(t, tr.Start(), ErrAlreadyStarted)

	_, err = tr.Stop()
	require.NoError(t, err)
	assert.Same(t, tr, r.Tracker("graph:addConnection"))
}

func TestAverageTime(t *testing.T) {
	r := NewRegistry(nil)
	assert.Zero(t, r.Tracker("idle").AvgTime())

	for i := 0; i < 3; i++ {
		r.Measure("sleep", func() { time.Sleep(2 * time.Millisecond) })
	}

	stats := r.Snapshot()
	require.Len(t, stats, 2)
	assert.Equal(t, "idle", stats[0].Name)
	assert.Equal(t, "sleep", stats[1].Name)
	assert.Equal(t, uint64(3), stats[1].Count)
	assert.GreaterOrEqual(t, stats[1].AvgTime, 2*time.Millisecond)
	assert.GreaterOrEqual(t, stats[1].MaxTime, stats[1].AvgTime)

	avg := r.AverageTimes()
	assert.Equal(t, stats[1].AvgTime, avg["sleep"])
}

func TestNestedMeasureRunsOnce(t *testing.T) {
	r := NewRegistry(nil)
	calls := 0
	r.Measure("outer", func() {
		r.Measure("outer", func() { calls++ })
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, uint64(1), r.Snapshot()[0].Count)
}

func TestNilRegistry(t *testing.T) {
	var r *Registry
	ran := false
	r.Measure("x", func() { ran = true })
	assert.True(t, ran)
	assert.Nil(t, r.Snapshot())
}

func TestPrometheusSummary(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)
	r.Measure("mst", func() {})
	r.Measure("mst", func() {})

	// A second registry on the same registerer shares the collector.
	r2 := NewRegistry(reg)
	r2.Measure("mst", func() {})

	count, err := testutil.GatherAndCount(reg, "overlay_process_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
