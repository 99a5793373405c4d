package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Serial    SerialConfig    `yaml:"serial"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Link      LinkConfig      `yaml:"link"`
	Session   SessionConfig   `yaml:"session"`
	Stack     StackConfig     `yaml:"stack"`
	Retry     RetryConfig     `yaml:"retry"`
	FuelGauge FuelGaugeConfig `yaml:"fuel_gauge"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	HTTP      HTTPConfig      `yaml:"http"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

type SerialConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

type PipelineConfig struct {
	Descriptors      int `yaml:"descriptors"`
	BufferBytes      int `yaml:"buffer_bytes"`
	CommandQueue     int `yaml:"command_queue"`
	PositioningQueue int `yaml:"positioning_queue"`
}

type LinkConfig struct {
	APN            string          `yaml:"apn"`
	Username       string          `yaml:"username"`
	Password       string          `yaml:"password"`
	ContextID      int             `yaml:"context_id"`
	CommandTimeout time.Duration   `yaml:"command_timeout"`
	AttachTimeout  time.Duration   `yaml:"attach_timeout"`
	MaxRetries     int             `yaml:"max_retries"`
	GNSSEnable     bool            `yaml:"gnss_enable"`
	PowerGPIO      PowerGPIOConfig `yaml:"power_gpio"`
}

// PowerGPIOConfig describes the modem PWRKEY line.
type PowerGPIOConfig struct {
	Enable    bool          `yaml:"enable"`
	Chip      string        `yaml:"chip"`
	Line      int           `yaml:"line"`
	Pulse     time.Duration `yaml:"pulse"`
	BootDelay time.Duration `yaml:"boot_delay"`
}

type SessionConfig struct {
	Broker         string        `yaml:"broker"`
	Port           int           `yaml:"port"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	KeepAlive      time.Duration `yaml:"keepalive"`
	CleanSession   bool          `yaml:"clean_session"`
	QoS            int           `yaml:"qos"`
	Retain         bool          `yaml:"retain"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type StackConfig struct {
	AutoConnectSession bool          `yaml:"auto_connect_session"`
	AutoReconnect      bool          `yaml:"auto_reconnect"`
	MonitorInterval    time.Duration `yaml:"monitor_interval"`
}

type RetryConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

type FuelGaugeConfig struct {
	Enable bool `yaml:"enable"`
	Bus    int  `yaml:"bus"`
	Addr   int  `yaml:"addr"`
}

type TrackerConfig struct {
	Enable   bool          `yaml:"enable"`
	DeviceID string        `yaml:"device_id"`
	Topic    string        `yaml:"topic"`
	Interval time.Duration `yaml:"interval"`
}

type HTTPConfig struct {
	// Listen is the status server address. Empty disables the server.
	Listen string `yaml:"listen"`
}

// Load reads path, rejects unknown keys, then applies defaults and
// validation.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return Decode(f)
}

func Decode(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills zero values with defaults and rejects settings
// that cannot work.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("log.format must be 'text' or 'json'")
	}

	cfg.Serial.Device = strings.TrimSpace(cfg.Serial.Device)
	if cfg.Serial.Device == "" {
		return fmt.Errorf("serial.device is required")
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 115200
	}
	if cfg.Serial.Baud < 0 {
		return fmt.Errorf("serial.baud must be > 0")
	}

	if cfg.Pipeline.Descriptors == 0 {
		cfg.Pipeline.Descriptors = 4
	}
	if cfg.Pipeline.Descriptors < 2 {
		return fmt.Errorf("pipeline.descriptors must be >= 2")
	}
	if cfg.Pipeline.BufferBytes == 0 {
		cfg.Pipeline.BufferBytes = 4096
	}
	if cfg.Pipeline.BufferBytes < 64 {
		return fmt.Errorf("pipeline.buffer_bytes must be >= 64")
	}
	if cfg.Pipeline.CommandQueue == 0 {
		cfg.Pipeline.CommandQueue = 64
	}
	if cfg.Pipeline.PositioningQueue == 0 {
		cfg.Pipeline.PositioningQueue = 256
	}
	if cfg.Pipeline.CommandQueue < 0 || cfg.Pipeline.PositioningQueue < 0 {
		return fmt.Errorf("pipeline queue sizes must be > 0")
	}

	cfg.Link.APN = strings.TrimSpace(cfg.Link.APN)
	if cfg.Link.APN == "" {
		return fmt.Errorf("link.apn is required")
	}
	if cfg.Link.Password != "" && cfg.Link.Username == "" {
		return fmt.Errorf("link.username is required when link.password is set")
	}
	if cfg.Link.ContextID == 0 {
		cfg.Link.ContextID = 1
	}
	if cfg.Link.ContextID < 1 || cfg.Link.ContextID > 24 {
		return fmt.Errorf("link.context_id must be 1..24")
	}
	if cfg.Link.CommandTimeout <= 0 {
		cfg.Link.CommandTimeout = 2 * time.Second
	}
	if cfg.Link.AttachTimeout <= 0 {
		cfg.Link.AttachTimeout = 30 * time.Second
	}
	if cfg.Link.MaxRetries == 0 {
		cfg.Link.MaxRetries = 3
	}
	if cfg.Link.MaxRetries < 0 {
		return fmt.Errorf("link.max_retries must be > 0")
	}
	if pg := &cfg.Link.PowerGPIO; pg.Enable {
		if strings.TrimSpace(pg.Chip) == "" {
			pg.Chip = "gpiochip0"
		}
		if pg.Line < 0 {
			return fmt.Errorf("link.power_gpio.line must be >= 0")
		}
		if pg.Pulse <= 0 {
			pg.Pulse = 500 * time.Millisecond
		}
		if pg.BootDelay <= 0 {
			pg.BootDelay = 10 * time.Second
		}
	}

	cfg.Session.Broker = strings.TrimSpace(cfg.Session.Broker)
	if cfg.Session.Broker == "" {
		return fmt.Errorf("session.broker is required")
	}
	if cfg.Session.Port == 0 {
		cfg.Session.Port = 1883
	}
	if cfg.Session.Port < 1 || cfg.Session.Port > 65535 {
		return fmt.Errorf("session.port must be 1..65535")
	}
	if cfg.Session.QoS < 0 || cfg.Session.QoS > 2 {
		return fmt.Errorf("session.qos must be 0, 1 or 2")
	}
	if cfg.Session.KeepAlive <= 0 {
		cfg.Session.KeepAlive = 60 * time.Second
	}
	if cfg.Session.ConnectTimeout <= 0 {
		cfg.Session.ConnectTimeout = 10 * time.Second
	}

	if cfg.Stack.MonitorInterval <= 0 {
		cfg.Stack.MonitorInterval = 10 * time.Second
	}

	if cfg.Retry.Initial <= 0 {
		cfg.Retry.Initial = 1 * time.Second
	}
	if cfg.Retry.Max <= 0 {
		cfg.Retry.Max = 30 * time.Second
	}
	if cfg.Retry.Max < cfg.Retry.Initial {
		return fmt.Errorf("retry.max must be >= retry.initial")
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0, 1)")
	}

	if cfg.FuelGauge.Bus == 0 {
		cfg.FuelGauge.Bus = 1
	}
	if cfg.FuelGauge.Addr == 0 {
		cfg.FuelGauge.Addr = 0x36
	}
	if cfg.FuelGauge.Addr < 0x03 || cfg.FuelGauge.Addr > 0x77 {
		return fmt.Errorf("fuel_gauge.addr must be a 7-bit i2c address")
	}

	if cfg.Tracker.Enable {
		cfg.Tracker.DeviceID = strings.TrimSpace(cfg.Tracker.DeviceID)
		if cfg.Tracker.DeviceID == "" {
			cfg.Tracker.DeviceID = cfg.Session.ClientID
		}
		if cfg.Tracker.DeviceID == "" {
			return fmt.Errorf("tracker.device_id is required when tracker.enable is true")
		}
		if cfg.Tracker.Topic == "" {
			cfg.Tracker.Topic = "tracklink/" + cfg.Tracker.DeviceID + "/telemetry"
		}
		if strings.ContainsAny(cfg.Tracker.Topic, "+#") {
			return fmt.Errorf("tracker.topic must not contain wildcards")
		}
		if cfg.Tracker.Interval <= 0 {
			cfg.Tracker.Interval = 30 * time.Second
		}
	}

	cfg.HTTP.Listen = strings.TrimSpace(cfg.HTTP.Listen)
	return nil
}
