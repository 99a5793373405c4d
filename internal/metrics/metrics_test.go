package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracklink/internal/ingest"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCommand("ok", 120*time.Millisecond)
	m.ObserveCommand("timeout", 2*time.Second)
	m.SetStates(2, 2, true)
	m.CountEvent("stack_ready")
	m.CountPublish("ok")
	m.CountPublish("not_ready")
	m.SetBattery(87.5)
	m.SetGPSFix(true)

	assert.Equal(t, 2, testutil.CollectAndCount(m.commandDuration))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.linkState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ready))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("stack_ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishes.WithLabelValues("not_ready")))
	assert.Equal(t, 87.5, testutil.ToFloat64(m.battery))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gpsFix))
}

func TestMetrics_PipelineCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	stats := ingest.Stats{TotalBytes: 512, PositioningPackets: 5, CommandPackets: 5, ParseErrors: 1}
	m.RegisterPipeline(func() ingest.Stats { return stats })

	expected := `
# HELP tracklink_ingest_parse_errors_total Chunks dropped as unclassified.
# TYPE tracklink_ingest_parse_errors_total counter
tracklink_ingest_parse_errors_total 1
# HELP tracklink_ingest_positioning_packets_total Chunks routed to the positioning channel.
# TYPE tracklink_ingest_positioning_packets_total counter
tracklink_ingest_positioning_packets_total 5
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"tracklink_ingest_parse_errors_total", "tracklink_ingest_positioning_packets_total"))

	stats.ParseErrors = 3
	count, err := testutil.GatherAndCount(reg, "tracklink_ingest_bytes_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCommand("ok", time.Second)
	m.SetStates(0, 0, false)
	m.CountEvent("x")
	m.CountPublish("x")
	m.SetBattery(1)
	m.SetGPSFix(false)
	m.RegisterPipeline(func() ingest.Stats { return ingest.Stats{} })
}
