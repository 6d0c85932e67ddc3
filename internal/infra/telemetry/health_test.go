package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHealthTrackerReport(t *testing.T) {
	tracker := NewHealthTracker()
	now := time.Unix(1000, 0)
	tracker.now = func() time.Time { return now }

	beat := tracker.Register("discovery", time.Second)
	require.Equal(t, "degraded", tracker.Report().Status)

	beat.Beat()
	report := tracker.Report()
	require.Equal(t, "ok", report.Status)
	require.Len(t, report.Checks, 1)
	require.Equal(t, "discovery", report.Checks[0].Name)

	now = now.Add(2 * time.Second)
	require.Equal(t, "degraded", tracker.Report().Status)
}

func TestHealthTrackerNil(t *testing.T) {
	var tracker *HealthTracker
	require.Equal(t, "ok", tracker.Report().Status)
	require.Nil(t, tracker.Register("x", time.Second))
	var beat *Heartbeat
	beat.Beat()
}
