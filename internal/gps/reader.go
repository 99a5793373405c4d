package gps

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

const DefaultStaleAfter = 10 * time.Second

// Source yields positioning chunks, one or more sentences each.
type Source interface {
	Pop(ctx context.Context) ([]byte, error)
}

// Fix is the latest position. Pointer fields are nil until the receiver has
// reported them.
type Fix struct {
	Valid      bool     `json:"valid"`
	Stale      bool     `json:"stale"`
	Lat        float64  `json:"lat"`
	Lon        float64  `json:"lon"`
	AltM       *float64 `json:"alt_m,omitempty"`
	SpeedKmh   *float64 `json:"speed_kmh,omitempty"`
	CourseDeg  *float64 `json:"course_deg,omitempty"`
	FixQuality *int     `json:"fix_quality,omitempty"`
	Satellites *int     `json:"satellites,omitempty"`
	HDOP       *float64 `json:"hdop,omitempty"`
	TimeUTC    string   `json:"time_utc,omitempty"`
	LastFixUTC string   `json:"last_fix_utc,omitempty"`
}

type Stats struct {
	Sentences      uint64 `json:"sentences"`
	ChecksumErrors uint64 `json:"checksum_errors"`
	Unsupported    uint64 `json:"unsupported"`
	LastError      string `json:"last_error,omitempty"`
}

type Option func(*Reader)

func WithLogger(l *log.Logger) Option {
	return func(r *Reader) {
		if l != nil {
			r.log = l
		}
	}
}

// WithFixHook registers fn to run after every sentence that changed the fix.
func WithFixHook(fn func(Fix)) Option {
	return func(r *Reader) { r.onFix = fn }
}

func WithStaleAfter(d time.Duration) Option {
	return func(r *Reader) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

// Reader consumes the positioning channel.
type Reader struct {
	src        Source
	log        *log.Logger
	onFix      func(Fix)
	staleAfter time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	st      nmeaState
	lastErr string

	sentences   atomic.Uint64
	checksumErr atomic.Uint64
	unsupported atomic.Uint64
}

func NewReader(src Source, opts ...Option) *Reader {
	r := &Reader{src: src, log: log.Default(), staleAfter: DefaultStaleAfter, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run pops chunks until ctx is done.
func (r *Reader) Run(ctx context.Context) error {
	r.log.Info("positioning reader started")
	for {
		chunk, err := r.src.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return err
		}
		r.Feed(chunk)
	}
}

// Feed processes one chunk.
func (r *Reader) Feed(chunk []byte) {
	for _, line := range strings.Split(string(chunk), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.feedLine(line)
	}
}

func (r *Reader) feedLine(line string) {
	sent, err := parseNMEASentence(line)
	if err != nil {
		if errors.Is(err, ErrChecksum) {
			r.checksumErr.Add(1)
		} else {
			r.unsupported.Add(1)
		}
		r.mu.Lock()
		r.lastErr = err.Error()
		r.mu.Unlock()
		return
	}
	r.sentences.Add(1)

	r.mu.Lock()
	updated, ok := r.st.apply(r.now().UTC(), sent)
	var fix Fix
	if updated {
		fix = r.fixLocked()
	}
	r.mu.Unlock()

	if !ok {
		r.unsupported.Add(1)
		return
	}
	if updated && r.onFix != nil {
		r.onFix(fix)
	}
}

func (r *Reader) fixLocked() Fix {
	f := r.st.fix()
	if f.Valid && r.now().Sub(r.st.lastFix) > r.staleAfter {
		f.Stale = true
	}
	return f
}

// Snapshot returns the latest fix. A fix older than the stale window is
// reported with Stale set and Valid cleared.
func (r *Reader) Snapshot() Fix {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f := r.fixLocked()
	if f.Stale {
		f.Valid = false
	}
	return f
}

func (r *Reader) Stats() Stats {
	r.mu.RLock()
	lastErr := r.lastErr
	r.mu.RUnlock()
	return Stats{
		Sentences:      r.sentences.Load(),
		ChecksumErrors: r.checksumErr.Load(),
		Unsupported:    r.unsupported.Load(),
		LastError:      lastErr,
	}
}
