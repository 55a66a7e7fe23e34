package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotComputesAvgAndLast(t *testing.T) {
	c := New()
	c.RecordLatency(10 * time.Millisecond)
	c.RecordLatency(20 * time.Millisecond)
	c.RecordLatency(30 * time.Millisecond)

	s := c.Snapshot()
	require.Equal(t, int64(3), s.Count)
	require.InDelta(t, 20.0, s.AvgMs, 0.001)
	require.InDelta(t, 30.0, s.LastMs, 0.001)
}

func TestSnapshotP95IsAtLeastMedian(t *testing.T) {
	c := New()
	for i := 1; i <= 100; i++ {
		c.RecordLatency(time.Duration(i) * time.Millisecond)
	}
	s := c.Snapshot()
	require.GreaterOrEqual(t, s.P95Ms, s.P50Ms)
	require.InDelta(t, 96.0, s.P95Ms, 1.0)
}

func TestRollingWindowTrimsOldSamples(t *testing.T) {
	c := New()
	for i := 0; i < maxSamples+50; i++ {
		c.RecordLatency(time.Millisecond)
	}
	require.LessOrEqual(t, len(c.latencies), maxSamples)
}

func TestDegradedThresholds(t *testing.T) {
	s := Stats{P95Ms: 600}
	require.True(t, s.Degraded(500, 100, 2048))

	s2 := Stats{P95Ms: 100}
	require.True(t, s2.Degraded(500, 3000, 2048))
	require.False(t, s2.Degraded(500, 100, 2048))
}
