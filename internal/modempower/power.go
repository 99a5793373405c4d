// Package modempower presses the modem PWRKEY line through a GPIO.
package modempower

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

type Config struct {
	Chip      string
	Line      int
	Pulse     time.Duration
	BootDelay time.Duration
}

type outputLine interface {
	SetValue(v int) error
	Close() error
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var sleepFn = sleepCtx

// Key drives PWRKEY. The key toggles modem power, so it is pressed only
// until one press has completed; later PowerOn calls return immediately.
type Key struct {
	cfg  Config
	line outputLine
	log  *log.Logger

	mu      sync.Mutex
	pressed bool
}

func Open(cfg Config, logger *log.Logger) (*Key, error) {
	if cfg.Line < 0 {
		return nil, fmt.Errorf("modempower: invalid line %d", cfg.Line)
	}
	if cfg.Pulse <= 0 {
		return nil, errors.New("modempower: pulse must be > 0")
	}
	line, err := openLineFn(cfg.Chip, cfg.Line)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Key{cfg: cfg, line: line, log: logger}, nil
}

// PowerOn presses the key for the configured pulse, releases it, and waits
// the boot delay before returning.
func (k *Key) PowerOn(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.pressed {
		return nil
	}
	if k.line == nil {
		return errors.New("modempower: key closed")
	}

	k.log.Info("pressing modem power key", "chip", k.cfg.Chip, "line", k.cfg.Line, "pulse", k.cfg.Pulse)
	if err := k.line.SetValue(1); err != nil {
		return fmt.Errorf("modempower: assert: %w", err)
	}
	werr := sleepFn(ctx, k.cfg.Pulse)
	if err := k.line.SetValue(0); err != nil {
		return fmt.Errorf("modempower: release: %w", err)
	}
	if werr != nil {
		return werr
	}
	if err := sleepFn(ctx, k.cfg.BootDelay); err != nil {
		return err
	}
	k.pressed = true
	return nil
}

func (k *Key) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.line == nil {
		return nil
	}
	_ = k.line.SetValue(0)
	err := k.line.Close()
	k.line = nil
	return err
}
