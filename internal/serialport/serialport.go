// Package serialport opens the shared modem UART that carries both the
// positioning sentences and the command traffic.
package serialport

import (
	"fmt"
	"io"
	"strings"
)

const DefaultBaud = 115200

type Config struct {
	Device string
	Baud   int
}

// Open opens the device in raw 8N1 mode. Closing the returned port unblocks
// a pending Read.
func Open(cfg Config) (io.ReadWriteCloser, error) {
	if strings.TrimSpace(cfg.Device) == "" {
		return nil, fmt.Errorf("serialport: device is required")
	}
	if cfg.Baud == 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.Baud < 0 {
		return nil, fmt.Errorf("serialport: invalid baud %d", cfg.Baud)
	}
	p, err := openPort(cfg.Device, cfg.Baud)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", cfg.Device, err)
	}
	return p, nil
}
