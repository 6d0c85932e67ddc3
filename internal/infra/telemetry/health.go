package telemetry

import (
	"sort"
	"sync"
	"time"
)

// HealthReport is the body served on /healthz.
type HealthReport struct {
	Status string        `json:"status"`
	Checks []HealthCheck `json:"checks,omitempty"`
}

type HealthCheck struct {
	Name     string    `json:"name"`
	Status   string    `json:"status"`
	LastBeat time.Time `json:"lastBeat,omitempty"`
}

// HealthTracker aggregates heartbeats from long-running loops.
type HealthTracker struct {
	mu    sync.Mutex
	beats map[string]*Heartbeat
	now   func() time.Time
}

// Heartbeat is owned by one loop. A loop that stops beating for longer than
// its timeout marks the process unhealthy.
type Heartbeat struct {
	tracker *HealthTracker
	name    string
	timeout time.Duration
	last    time.Time
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		beats: make(map[string]*Heartbeat),
		now:   time.Now,
	}
}

func (t *HealthTracker) Register(name string, timeout time.Duration) *Heartbeat {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	beat := &Heartbeat{tracker: t, name: name, timeout: timeout}
	t.beats[name] = beat
	return beat
}

func (h *Heartbeat) Beat() {
	if h == nil || h.tracker == nil {
		return
	}
	h.tracker.mu.Lock()
	h.last = h.tracker.now()
	h.tracker.mu.Unlock()
}

func (t *HealthTracker) Report() HealthReport {
	if t == nil {
		return HealthReport{Status: "ok"}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	report := HealthReport{Status: "ok"}
	names := make([]string, 0, len(t.beats))
	for name := range t.beats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		beat := t.beats[name]
		check := HealthCheck{Name: name, Status: "ok", LastBeat: beat.last}
		if beat.last.IsZero() || (beat.timeout > 0 && now.Sub(beat.last) > beat.timeout) {
			check.Status = "stale"
			report.Status = "degraded"
		}
		report.Checks = append(report.Checks, check)
	}
	return report
}
