package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
serial:
  device: /dev/ttyUSB2
link:
  apn: iot.example
session:
  broker: broker.example.com
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrEq(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Fatalf("error=%q want %q", err.Error(), want)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 115200, cfg.Serial.Baud)
	assert.Equal(t, 4, cfg.Pipeline.Descriptors)
	assert.Equal(t, 4096, cfg.Pipeline.BufferBytes)
	assert.Equal(t, 64, cfg.Pipeline.CommandQueue)
	assert.Equal(t, 256, cfg.Pipeline.PositioningQueue)
	assert.Equal(t, 1, cfg.Link.ContextID)
	assert.Equal(t, 2*time.Second, cfg.Link.CommandTimeout)
	assert.Equal(t, 30*time.Second, cfg.Link.AttachTimeout)
	assert.Equal(t, 3, cfg.Link.MaxRetries)
	assert.Equal(t, 1883, cfg.Session.Port)
	assert.Equal(t, 60*time.Second, cfg.Session.KeepAlive)
	assert.Equal(t, 10*time.Second, cfg.Stack.MonitorInterval)
	assert.Equal(t, time.Second, cfg.Retry.Initial)
	assert.Equal(t, 30*time.Second, cfg.Retry.Max)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
	assert.Equal(t, 1, cfg.FuelGauge.Bus)
	assert.Equal(t, 0x36, cfg.FuelGauge.Addr)
	assert.Empty(t, cfg.HTTP.Listen)
}

func TestLoad_FullFile(t *testing.T) {
	path := writeTempConfig(t, `
log:
  level: DEBUG
  format: json
serial:
  device: /dev/ttyS0
  baud: 921600
pipeline:
  descriptors: 8
  buffer_bytes: 512
link:
  apn: internet
  username: user
  password: pass
  context_id: 2
  command_timeout: 3s
  attach_timeout: 45s
  gnss_enable: true
  power_gpio:
    enable: true
    line: 17
session:
  broker: 10.0.0.5
  port: 8883
  client_id: trk-7
  qos: 1
  retain: true
  keepalive: 30s
stack:
  auto_connect_session: true
  auto_reconnect: true
  monitor_interval: 5s
retry:
  initial: 500ms
  max: 1m
  multiplier: 1.5
fuel_gauge:
  enable: true
tracker:
  enable: true
  interval: 15s
http:
  listen: ":9090"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 921600, cfg.Serial.Baud)
	assert.Equal(t, 2, cfg.Link.ContextID)
	assert.Equal(t, 45*time.Second, cfg.Link.AttachTimeout)
	assert.True(t, cfg.Link.GNSSEnable)
	assert.Equal(t, "gpiochip0", cfg.Link.PowerGPIO.Chip)
	assert.Equal(t, 17, cfg.Link.PowerGPIO.Line)
	assert.Equal(t, 500*time.Millisecond, cfg.Link.PowerGPIO.Pulse)
	assert.Equal(t, 1, cfg.Session.QoS)
	assert.True(t, cfg.Stack.AutoReconnect)
	assert.Equal(t, time.Minute, cfg.Retry.Max)
	assert.Equal(t, "trk-7", cfg.Tracker.DeviceID)
	assert.Equal(t, "tracklink/trk-7/telemetry", cfg.Tracker.Topic)
	assert.Equal(t, 15*time.Second, cfg.Tracker.Interval)
	assert.Equal(t, ":9090", cfg.HTTP.Listen)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeTempConfig(t, minimal+"link_typo: {}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "link_typo")
}

func TestLoad_EmptyFile(t *testing.T) {
	_, err := Load(writeTempConfig(t, ""))
	requireErrEq(t, err, "serial.device is required")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"RequiresAPN", "serial: {device: /dev/x}\nsession: {broker: b}\n", "link.apn is required"},
		{"RequiresBroker", "serial: {device: /dev/x}\nlink: {apn: a}\n", "session.broker is required"},
		{"QoS", minimal + "  qos: 3\n", "session.qos must be 0, 1 or 2"},
		{"Descriptors", minimal + "pipeline: {descriptors: 1}\n", "pipeline.descriptors must be >= 2"},
		{"BufferBytes", minimal + "pipeline: {buffer_bytes: 16}\n", "pipeline.buffer_bytes must be >= 64"},
		{"ContextID", strings.Replace(minimal, "apn: iot.example", "apn: iot.example\n  context_id: 30", 1), "link.context_id must be 1..24"},
		{"PasswordWithoutUser", strings.Replace(minimal, "apn: iot.example", "apn: iot.example\n  password: x", 1), "link.username is required when link.password is set"},
		{"RetryOrder", minimal + "retry: {initial: 10s, max: 1s}\n", "retry.max must be >= retry.initial"},
		{"Multiplier", minimal + "retry: {multiplier: 0.5}\n", "retry.multiplier must be >= 1"},
		{"LogLevel", minimal + "log: {level: loud}\n", "log.level must be one of debug, info, warn, error"},
		{"LogFormat", minimal + "log: {format: xml}\n", "log.format must be 'text' or 'json'"},
		{"TrackerDeviceID", minimal + "tracker: {enable: true}\n", "tracker.device_id is required when tracker.enable is true"},
		{"TrackerWildcard", minimal + "tracker: {enable: true, device_id: d, topic: 'a/#'}\n", "tracker.topic must not contain wildcards"},
		{"FuelGaugeAddr", minimal + "fuel_gauge: {addr: 200}\n", "fuel_gauge.addr must be a 7-bit i2c address"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tc.input))
			requireErrEq(t, err, tc.want)
		})
	}
}

func TestDefaultAndValidate_Nil(t *testing.T) {
	requireErrEq(t, DefaultAndValidate(nil), "config is nil")
}

func TestDecode_ExampleConfig(t *testing.T) {
	f, err := os.Open(filepath.Join("..", "..", "configs", "tracklink.yaml"))
	require.NoError(t, err)
	defer f.Close()

	cfg, err := Decode(f)
	require.NoError(t, err)
	assert.True(t, cfg.Stack.AutoConnectSession)
	assert.True(t, cfg.Tracker.Enable)
}
