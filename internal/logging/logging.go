package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

type Options struct {
	Level  string
	Format string
	Writer io.Writer
}

func ParseLevel(s string) (log.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return log.InfoLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("logging: unknown level %q", s)
	}
}

// New builds the process logger. Timestamps are UTC.
func New(o Options) (*log.Logger, error) {
	lvl, err := ParseLevel(o.Level)
	if err != nil {
		return nil, err
	}
	w := o.Writer
	if w == nil {
		w = os.Stderr
	}

	formatter := log.TextFormatter
	switch strings.ToLower(o.Format) {
	case "", "text":
	case "json":
		formatter = log.JSONFormatter
	default:
		return nil, fmt.Errorf("logging: unknown format %q", o.Format)
	}

	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Formatter:       formatter,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		TimeFunction:    log.NowUTC,
	}), nil
}
