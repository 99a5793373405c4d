package web

import (
	"sync"
	"time"

	"tracklink/internal/fuelgauge"
	"tracklink/internal/gps"
	"tracklink/internal/stack"
	"tracklink/internal/tracker"
)

type StackSource interface {
	Snapshot() stack.Snapshot
}

type GPSSource interface {
	Snapshot() gps.Fix
	Stats() gps.Stats
}

type BatterySource interface {
	Read() (fuelgauge.Reading, error)
}

type TrackerSource interface {
	Snapshot() tracker.Snapshot
}

// Status assembles /api/status from whichever components are running.
type Status struct {
	start time.Time

	mu      sync.RWMutex
	stack   StackSource
	gps     GPSSource
	battery BatterySource
	tracker TrackerSource
}

func NewStatus() *Status {
	return &Status{start: time.Now().UTC()}
}

func (s *Status) SetStack(src StackSource) {
	s.mu.Lock()
	s.stack = src
	s.mu.Unlock()
}

func (s *Status) SetGPS(src GPSSource) {
	s.mu.Lock()
	s.gps = src
	s.mu.Unlock()
}

func (s *Status) SetBattery(src BatterySource) {
	s.mu.Lock()
	s.battery = src
	s.mu.Unlock()
}

func (s *Status) SetTracker(src TrackerSource) {
	s.mu.Lock()
	s.tracker = src
	s.mu.Unlock()
}

type StatusSnapshot struct {
	Service      string             `json:"service"`
	NowUTC       string             `json:"now_utc"`
	UptimeSec    int64              `json:"uptime_sec"`
	Stack        *stack.Snapshot    `json:"stack,omitempty"`
	GPS          *gps.Fix           `json:"gps,omitempty"`
	GPSStats     *gps.Stats         `json:"gps_stats,omitempty"`
	Battery      *fuelgauge.Reading `json:"battery,omitempty"`
	BatteryError string             `json:"battery_error,omitempty"`
	Tracker      *tracker.Snapshot  `json:"tracker,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	s.mu.RLock()
	st, g, b, tr := s.stack, s.gps, s.battery, s.tracker
	s.mu.RUnlock()

	snap := StatusSnapshot{
		Service:   "tracklink",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(s.start).Seconds()),
	}
	if st != nil {
		v := st.Snapshot()
		snap.Stack = &v
	}
	if g != nil {
		fix, stats := g.Snapshot(), g.Stats()
		snap.GPS = &fix
		snap.GPSStats = &stats
	}
	if b != nil {
		if r, err := b.Read(); err != nil {
			snap.BatteryError = err.Error()
		} else {
			snap.Battery = &r
		}
	}
	if tr != nil {
		v := tr.Snapshot()
		snap.Tracker = &v
	}
	return snap
}
