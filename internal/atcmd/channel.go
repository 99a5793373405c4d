package atcmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTimeout = 2 * time.Second
	tracerName     = "tracklink/atcmd"
)

var (
	DefaultSuccess = []string{"OK"}
	DefaultFailure = []string{"ERROR", "+CME ERROR", "+CMS ERROR", "NO CARRIER", "BUSY", "NO DIALTONE", "NO ANSWER"}
)

// Source is the command side of the demultiplexed transport.
type Source interface {
	Pop(ctx context.Context) ([]byte, error)
	TryPop() ([]byte, bool)
}

// Request is one command transaction. Empty terminator sets fall back to the
// defaults.
type Request struct {
	Command string
	Timeout time.Duration
	Success []string
	Failure []string
}

type Result struct {
	Command    string
	Response   []byte
	Terminator string
	Elapsed    time.Duration
}

// Lines returns the non-empty response lines with the command echo removed.
func (r Result) Lines() []string {
	var out []string
	for _, line := range strings.Split(string(r.Response), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.EqualFold(line, r.Command) {
			continue
		}
		out = append(out, line)
	}
	return out
}

// Field returns the text after "<prefix>:" on the first matching line.
func (r Result) Field(prefix string) (string, bool) {
	for _, line := range r.Lines() {
		if rest, ok := strings.CutPrefix(line, prefix+":"); ok {
			return strings.TrimSpace(rest), true
		}
	}
	return "", false
}

// Outcome labels used for statistics and the observer hook.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
	OutcomeIOError  = "io_error"
)

// Observer is told about every finished transaction.
type Observer func(outcome string, elapsed time.Duration)

type Option func(*Channel)

func WithLogger(l *log.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.log = l
		}
	}
}

func WithObserver(fn Observer) Option {
	return func(c *Channel) { c.observe = fn }
}

// WithUnsolicitedPrefixes names lines that are unsolicited even when they
// arrive inside a transaction. They are kept out of the response and handed
// to the unsolicited handler once the transaction lock is released.
func WithUnsolicitedPrefixes(prefixes ...string) Option {
	return func(c *Channel) { c.urcPrefixes = append([]string(nil), prefixes...) }
}

// Channel runs command/response transactions over the shared transport.
// Only one transaction is on the wire at a time; concurrent callers queue on
// the transaction lock.
type Channel struct {
	w   io.Writer
	src Source

	txMu sync.Mutex

	mu          sync.Mutex
	stats       stats
	unsolicited func(line string)
	urcPrefixes []string

	observe Observer
	log     *log.Logger
	now     func() time.Time
}

func New(w io.Writer, src Source, opts ...Option) *Channel {
	c := &Channel{w: w, src: src, log: log.Default(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnUnsolicited registers fn for lines that arrive outside a transaction,
// and for prefixed lines caught inside one. fn runs on the goroutine that
// issued the transaction or Poll, after the transaction lock is released, so
// it may issue commands of its own.
func (c *Channel) OnUnsolicited(fn func(line string)) {
	c.mu.Lock()
	c.unsolicited = fn
	c.mu.Unlock()
}

// Execute sends command with the default terminator sets.
func (c *Channel) Execute(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	return c.Do(ctx, Request{Command: command, Timeout: timeout})
}

// Do writes req.Command followed by CRLF and accumulates command-channel
// payloads until a terminator line is seen or the timeout elapses.
func (c *Channel) Do(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Command) == "" {
		return Result{}, fmt.Errorf("atcmd: command is required")
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	if len(req.Success) == 0 {
		req.Success = DefaultSuccess
	}
	if len(req.Failure) == 0 {
		req.Failure = DefaultFailure
	}

	c.txMu.Lock()
	res, urcs, err := c.transact(ctx, req)
	c.txMu.Unlock()

	c.handUnsolicited(urcs)
	return res, err
}

func (c *Channel) transact(ctx context.Context, req Request) (Result, []string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "atcmd.execute",
		trace.WithAttributes(
			attribute.String("at.command", req.Command),
			attribute.Int64("at.timeout_ms", req.Timeout.Milliseconds()),
		))
	defer span.End()

	urcs, _ := c.takeUnsolicited()
	res := Result{Command: req.Command}
	start := c.now()
	if _, err := io.WriteString(c.w, req.Command+"\r\n"); err != nil {
		res.Elapsed = c.now().Sub(start)
		err = fmt.Errorf("atcmd: write %q: %w", req.Command, err)
		c.finish(span, req.Command, OutcomeIOError, res.Elapsed, err)
		return res, urcs, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	for {
		chunk, err := c.src.Pop(waitCtx)
		if err != nil {
			res.Elapsed = c.now().Sub(start)
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = fmt.Errorf("atcmd: %q: %w", req.Command, ctxErr)
				c.finish(span, req.Command, OutcomeCanceled, res.Elapsed, err)
				return res, urcs, err
			}
			terr := &TimeoutError{Command: req.Command, Timeout: req.Timeout, Partial: res.Response}
			c.finish(span, req.Command, OutcomeTimeout, res.Elapsed, terr)
			return res, urcs, terr
		}

		if line, ok := c.matchURC(chunk); ok {
			urcs = append(urcs, line)
			continue
		}
		res.Response = append(res.Response, chunk...)
		if term, ok := matchTerminator(chunk, req.Failure); ok {
			res.Terminator = term
			res.Elapsed = c.now().Sub(start)
			ferr := &FailureError{Command: req.Command, Terminator: term, Response: res.Response}
			c.finish(span, req.Command, OutcomeFailed, res.Elapsed, ferr)
			return res, urcs, ferr
		}
		if term, ok := matchTerminator(chunk, req.Success); ok {
			res.Terminator = term
			res.Elapsed = c.now().Sub(start)
			c.finish(span, req.Command, OutcomeOK, res.Elapsed, nil)
			return res, urcs, nil
		}
	}
}

// matchURC reports whether chunk is a single line carrying one of the
// configured unsolicited prefixes.
func (c *Channel) matchURC(chunk []byte) (string, bool) {
	line := strings.TrimSpace(string(chunk))
	if line == "" || strings.Contains(line, "\n") {
		return "", false
	}
	for _, p := range c.urcPrefixes {
		if strings.HasPrefix(line, p) {
			return line, true
		}
	}
	return "", false
}

func (c *Channel) handUnsolicited(lines []string) {
	if len(lines) == 0 {
		return
	}
	c.mu.Lock()
	fn := c.unsolicited
	c.mu.Unlock()
	for _, line := range lines {
		c.log.Debug("unsolicited", "line", line)
		if fn != nil {
			fn(line)
		}
	}
}

// Poll hands queued lines to the unsolicited handler without sending
// anything. It takes the transaction lock so it never steals a response.
func (c *Channel) Poll() int {
	c.txMu.Lock()
	lines, n := c.takeUnsolicited()
	c.txMu.Unlock()

	c.handUnsolicited(lines)
	return n
}

// takeUnsolicited empties the command queue and returns its lines along with
// the number of payloads consumed.
func (c *Channel) takeUnsolicited() ([]string, int) {
	var lines []string
	n := 0
	for {
		p, ok := c.src.TryPop()
		if !ok {
			return lines, n
		}
		n++
		for _, line := range strings.Split(string(p), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				lines = append(lines, line)
			}
		}
	}
}

func (c *Channel) finish(span trace.Span, command, outcome string, elapsed time.Duration, err error) {
	c.mu.Lock()
	c.stats.record(command, outcome, elapsed)
	c.mu.Unlock()

	span.SetAttributes(attribute.String("at.outcome", outcome), attribute.Int64("at.elapsed_ms", elapsed.Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		c.log.Debug("at command failed", "cmd", command, "outcome", outcome, "elapsed", elapsed, "err", err)
	} else {
		c.log.Debug("at command", "cmd", command, "elapsed", elapsed)
	}
	if c.observe != nil {
		c.observe(outcome, elapsed)
	}
}

// matchTerminator reports the first terminator that starts a line of chunk.
func matchTerminator(chunk []byte, terms []string) (string, bool) {
	for _, line := range strings.Split(string(chunk), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, term := range terms {
			if strings.HasPrefix(line, term) {
				return term, true
			}
		}
	}
	return "", false
}

var (
	ErrTimeout = errors.New("atcmd: timeout")
	ErrFailed  = errors.New("atcmd: command failed")
)

// TimeoutError is returned when no terminator arrived in time.
type TimeoutError struct {
	Command string
	Timeout time.Duration
	Partial []byte
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("atcmd: %q: no terminator within %s", e.Command, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// FailureError is returned when a failure terminator was matched.
type FailureError struct {
	Command    string
	Terminator string
	Response   []byte
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("atcmd: %q: %s", e.Command, lastLine(e.Response, e.Terminator))
}

func (e *FailureError) Is(target error) bool { return target == ErrFailed }

func lastLine(resp []byte, fallback string) string {
	lines := strings.Split(strings.TrimSpace(string(resp)), "\n")
	if l := strings.TrimSpace(lines[len(lines)-1]); l != "" {
		return l
	}
	return fallback
}
