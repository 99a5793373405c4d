package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tracklink/internal/ingest"
)

// Metrics holds the tracker's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	commandDuration *prometheus.HistogramVec
	linkState       prometheus.Gauge
	sessionState    prometheus.Gauge
	ready           prometheus.Gauge
	events          *prometheus.CounterVec
	publishes       *prometheus.CounterVec
	battery         prometheus.Gauge
	gpsFix          prometheus.Gauge

	reg prometheus.Registerer
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tracklink_at_command_duration_seconds",
			Help:    "Elapsed time of modem command transactions by outcome.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"outcome"}),
		linkState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracklink_link_state",
			Help: "Link state (0 idle, 1 connecting, 2 connected, 3 disconnecting, 4 error).",
		}),
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracklink_session_state",
			Help: "Session state (0 disconnected, 1 connecting, 2 connected, 3 error).",
		}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracklink_stack_ready",
			Help: "1 while both link and session are connected.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracklink_events_total",
			Help: "Lifecycle events emitted, by kind.",
		}, []string{"kind"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracklink_publish_total",
			Help: "Publish attempts by result.",
		}, []string{"result"}),
		battery: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracklink_battery_percent",
			Help: "Last fuel gauge state of charge.",
		}),
		gpsFix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracklink_gps_fix",
			Help: "1 while the latest positioning fix is valid.",
		}),
		reg: reg,
	}
	reg.MustRegister(m.commandDuration, m.linkState, m.sessionState, m.ready, m.events, m.publishes, m.battery, m.gpsFix)
	return m
}

// RegisterPipeline exposes the ingestion counters, read on every scrape.
func (m *Metrics) RegisterPipeline(stats func() ingest.Stats) {
	if m == nil || stats == nil {
		return
	}
	counter := func(name, help string, get func(ingest.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			return float64(get(stats()))
		})
	}
	m.reg.MustRegister(
		counter("tracklink_ingest_bytes_total", "Bytes captured from the shared transport.",
			func(s ingest.Stats) uint64 { return s.TotalBytes }),
		counter("tracklink_ingest_positioning_packets_total", "Chunks routed to the positioning channel.",
			func(s ingest.Stats) uint64 { return s.PositioningPackets }),
		counter("tracklink_ingest_command_packets_total", "Chunks routed to the command channel.",
			func(s ingest.Stats) uint64 { return s.CommandPackets }),
		counter("tracklink_ingest_parse_errors_total", "Chunks dropped as unclassified.",
			func(s ingest.Stats) uint64 { return s.ParseErrors }),
		counter("tracklink_ingest_overruns_total", "Transfers lost to descriptor pool exhaustion.",
			func(s ingest.Stats) uint64 { return s.Overruns }),
		counter("tracklink_ingest_queue_overflows_total", "Chunks dropped because a channel queue was full.",
			func(s ingest.Stats) uint64 { return s.QueueOverflows }),
	)
}

func (m *Metrics) ObserveCommand(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commandDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) SetStates(link, session int, ready bool) {
	if m == nil {
		return
	}
	m.linkState.Set(float64(link))
	m.sessionState.Set(float64(session))
	m.ready.Set(boolFloat(ready))
}

func (m *Metrics) CountEvent(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

func (m *Metrics) CountPublish(result string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(result).Inc()
}

func (m *Metrics) SetBattery(percent float64) {
	if m == nil {
		return
	}
	m.battery.Set(percent)
}

func (m *Metrics) SetGPSFix(valid bool) {
	if m == nil {
		return
	}
	m.gpsFix.Set(boolFloat(valid))
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
