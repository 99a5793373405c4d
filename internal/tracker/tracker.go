// Package tracker periodically publishes position and battery telemetry
// while the connectivity stack is ready.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"tracklink/internal/fuelgauge"
	"tracklink/internal/gps"
	"tracklink/internal/metrics"
)

var afterFn = time.After

// Publisher is the subset of the connectivity stack the tracker needs.
// Publish returns a non-negative message id, or -1 on failure.
type Publisher interface {
	IsReady() bool
	Publish(topic string, payload []byte) int
}

type FixSource interface {
	Snapshot() gps.Fix
}

type BatterySource interface {
	Read() (fuelgauge.Reading, error)
}

type Config struct {
	Enable   bool
	DeviceID string
	Topic    string
	Interval time.Duration
}

// Message is the published telemetry document.
type Message struct {
	ID        string             `json:"id"`
	DeviceID  string             `json:"device_id"`
	Seq       uint64             `json:"seq"`
	Timestamp string             `json:"timestamp"`
	GPS       Position           `json:"gps"`
	Battery   *fuelgauge.Reading `json:"battery,omitempty"`
}

type Position struct {
	Valid      bool     `json:"valid"`
	Lat        *float64 `json:"lat,omitempty"`
	Lon        *float64 `json:"lon,omitempty"`
	AltM       *float64 `json:"alt,omitempty"`
	SpeedKmh   *float64 `json:"speed_kmh,omitempty"`
	Satellites *int     `json:"sats,omitempty"`
	HDOP       *float64 `json:"hdop,omitempty"`
}

type Snapshot struct {
	Enabled        bool   `json:"enabled"`
	Published      uint64 `json:"published"`
	Skipped        uint64 `json:"skipped"`
	Failed         uint64 `json:"failed"`
	LastPublishUTC string `json:"last_publish_utc,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

type Option func(*Service)

func WithBattery(b BatterySource) Option {
	return func(s *Service) { s.battery = b }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *log.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

type Service struct {
	cfg     Config
	pub     Publisher
	fix     FixSource
	battery BatterySource
	metrics *metrics.Metrics
	log     *log.Logger
	now     func() time.Time

	mu   sync.RWMutex
	snap Snapshot
	seq  uint64

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config, pub Publisher, fix FixSource, opts ...Option) (*Service, error) {
	if pub == nil {
		return nil, fmt.Errorf("tracker: publisher is nil")
	}
	if cfg.Enable {
		if cfg.DeviceID == "" {
			return nil, fmt.Errorf("tracker: device id is required")
		}
		if cfg.Topic == "" {
			return nil, fmt.Errorf("tracker: topic is required")
		}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	s := &Service{
		cfg:    cfg,
		pub:    pub,
		fix:    fix,
		log:    log.Default(),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.snap.Enabled = cfg.Enable
	return s, nil
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Start runs the publish loop until ctx is done or Close is called.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("tracker: service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Service) run(ctx context.Context) {
	s.log.Info("tracker started", "topic", s.cfg.Topic, "interval", s.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-afterFn(s.cfg.Interval):
			s.PublishOnce()
		}
	}
}

// PublishOnce samples position and battery and publishes one message. It
// reports whether a message was handed to the stack.
func (s *Service) PublishOnce() bool {
	var batt *fuelgauge.Reading
	if s.battery != nil {
		r, err := s.battery.Read()
		if err != nil {
			s.log.Warn("battery read failed", "err", err)
		} else {
			batt = &r
			s.metrics.SetBattery(r.Percent)
		}
	}
	var fix gps.Fix
	if s.fix != nil {
		fix = s.fix.Snapshot()
	}
	s.metrics.SetGPSFix(fix.Valid)

	if !s.pub.IsReady() {
		s.mu.Lock()
		s.snap.Skipped++
		s.mu.Unlock()
		return false
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	payload, err := json.Marshal(s.message(seq, fix, batt))
	if err != nil {
		s.fail(fmt.Sprintf("tracker: encode: %v", err))
		return false
	}
	if id := s.pub.Publish(s.cfg.Topic, payload); id < 0 {
		s.fail("tracker: publish rejected")
		return false
	}

	s.mu.Lock()
	s.snap.Published++
	s.snap.LastPublishUTC = s.now().UTC().Format(time.RFC3339)
	s.snap.LastError = ""
	s.mu.Unlock()
	s.log.Debug("telemetry published", "seq", seq, "bytes", len(payload))
	return true
}

func (s *Service) fail(msg string) {
	s.log.Warn(msg)
	s.mu.Lock()
	s.snap.Failed++
	s.snap.LastError = msg
	s.mu.Unlock()
}

func (s *Service) message(seq uint64, fix gps.Fix, batt *fuelgauge.Reading) Message {
	m := Message{
		ID:        uuid.NewString(),
		DeviceID:  s.cfg.DeviceID,
		Seq:       seq,
		Timestamp: s.now().UTC().Format(time.RFC3339),
		Battery:   batt,
	}
	m.GPS.Valid = fix.Valid
	if fix.Valid {
		lat, lon := fix.Lat, fix.Lon
		m.GPS.Lat = &lat
		m.GPS.Lon = &lon
		m.GPS.AltM = fix.AltM
		m.GPS.SpeedKmh = fix.SpeedKmh
		m.GPS.Satellites = fix.Satellites
		m.GPS.HDOP = fix.HDOP
	}
	return m
}
