package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tracklink/internal/atcmd"
	"tracklink/internal/event"
	"tracklink/internal/retry"
)

const tracerName = "tracklink/link"

var (
	ErrInvalidState = errors.New("link: invalid state")
	ErrSIMNotReady  = errors.New("link: sim not ready")
	ErrNoAddress    = errors.New("link: no transport address")
	ErrAborted      = errors.New("link: bring-up aborted")
)

// StepError reports which bring-up step failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("link: %s: %v", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// Commander runs one modem command transaction.
type Commander interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (atcmd.Result, error)
}

// PowerController brings the modem out of power-down before bring-up.
type PowerController interface {
	PowerOn(ctx context.Context) error
}

type Config struct {
	APN      string
	Username string
	Password string

	// ContextID is the PDP context used for the data bearer.
	ContextID int

	CommandTimeout time.Duration
	// AttachTimeout applies to network attach and bearer activation.
	AttachTimeout time.Duration
	// MaxRetries bounds modem sync, address polling and consecutive
	// keepalive failures.
	MaxRetries int

	EnableGNSS bool

	Retry retry.Policy
}

func (c *Config) applyDefaults() {
	if c.ContextID <= 0 {
		c.ContextID = 1
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = atcmd.DefaultTimeout
	}
	if c.AttachTimeout <= 0 {
		c.AttachTimeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
}

type Option func(*Machine)

func WithObserver(o event.Observer) Option {
	return func(m *Machine) {
		if o != nil {
			m.observer = o
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.log = l
		}
	}
}

func WithPower(p PowerController) Option {
	return func(m *Machine) { m.power = p }
}

// Machine drives modem attach, bearer activation and address acquisition.
type Machine struct {
	cfg      Config
	cmd      Commander
	power    PowerController
	observer event.Observer
	log      *log.Logger

	mu            sync.RWMutex
	state         State
	addr          string
	lastErr       string
	since         time.Time
	attempts      uint64
	gen           uint64
	checkFailures int
}

type Snapshot struct {
	State     string `json:"state"`
	Address   string `json:"address,omitempty"`
	LastError string `json:"last_error,omitempty"`
	SinceUTC  string `json:"since_utc,omitempty"`
	Attempts  uint64 `json:"attempts"`
}

func New(cfg Config, cmd Commander, opts ...Option) (*Machine, error) {
	if cmd == nil {
		return nil, fmt.Errorf("link: commander is required")
	}
	if strings.TrimSpace(cfg.APN) == "" {
		return nil, fmt.Errorf("link: apn is required")
	}
	cfg.applyDefaults()
	m := &Machine{
		cfg:      cfg,
		cmd:      cmd,
		observer: event.Discard,
		log:      log.Default(),
		state:    Idle,
		since:    time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Machine) Address() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.addr
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{State: m.state.String(), Address: m.addr, LastError: m.lastErr, Attempts: m.attempts}
	if !m.since.IsZero() {
		s.SinceUTC = m.since.Format(time.RFC3339)
	}
	return s
}

// setStateLocked applies a transition. Callers must hold m.mu.
func (m *Machine) setStateLocked(to State) {
	if m.state == to {
		return
	}
	if !CanTransition(m.state, to) {
		m.log.Error("illegal link transition", "from", m.state, "to", to)
		return
	}
	m.log.Debug("link state", "from", m.state, "to", to)
	m.state = to
	m.since = time.Now().UTC()
	if to == Connected || to == Connecting {
		m.lastErr = ""
	}
}

func (m *Machine) emit(kind event.Kind, payload any) {
	m.observer.HandleEvent(event.New(kind, payload))
}

// Start runs the bring-up sequence: modem sync, access-point setup, data
// mode, then address acquisition. It blocks until the link is Connected or
// the attempt fails; a failed attempt leaves the machine in Error and the
// next Start begins again from the first step.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Idle && m.state != Error {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: start in %s", ErrInvalidState, st)
	}
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	m.setStateLocked(Connecting)
	m.gen++
	gen := m.gen
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "link.bringup",
		trace.WithAttributes(attribute.String("link.apn", m.cfg.APN), attribute.Int64("link.attempt", int64(attempt))))
	defer span.End()

	m.log.Info("link bring-up", "apn", m.cfg.APN, "attempt", attempt)
	addr, err := m.bringUp(ctx, span)

	m.mu.Lock()
	if m.gen != gen || m.state != Connecting {
		m.mu.Unlock()
		span.SetStatus(codes.Error, "aborted")
		return ErrAborted
	}
	if err != nil {
		if ctx.Err() != nil {
			m.setStateLocked(Idle)
			m.mu.Unlock()
			span.SetStatus(codes.Error, "canceled")
			return fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
		}
		m.setStateLocked(Error)
		m.lastErr = err.Error()
		m.mu.Unlock()

		span.RecordError(err)
		span.SetStatus(codes.Error, "bring-up failed")
		m.log.Warn("link bring-up failed", "err", err)
		m.emit(event.Error, err)
		return err
	}
	m.addr = addr
	m.checkFailures = 0
	m.setStateLocked(Connected)
	m.mu.Unlock()

	span.SetAttributes(attribute.String("link.address", addr))
	m.log.Info("link connected", "addr", addr)
	m.emit(event.LinkGotTransport, addr)
	m.emit(event.LinkConnected, addr)
	return nil
}

func (m *Machine) bringUp(ctx context.Context, span trace.Span) (string, error) {
	step := func(name string) { span.AddEvent("step", trace.WithAttributes(attribute.String("link.step", name))) }
	exec := func(cmd string) (atcmd.Result, error) { return m.cmd.Execute(ctx, cmd, m.cfg.CommandTimeout) }
	cid := m.cfg.ContextID

	if m.power != nil {
		step("power")
		if err := m.power.PowerOn(ctx); err != nil {
			return "", &StepError{Step: "power", Err: err}
		}
	}

	step("sync")
	err := retry.Do(ctx, m.cfg.Retry, m.cfg.MaxRetries, func(ctx context.Context) error {
		_, err := exec("AT")
		return err
	}, func(attempt int, err error, wait time.Duration) {
		m.log.Debug("modem not responding", "attempt", attempt, "wait", wait, "err", err)
	})
	if err != nil {
		return "", &StepError{Step: "sync", Err: err}
	}

	step("echo")
	if _, err := exec("ATE0"); err != nil {
		return "", &StepError{Step: "echo", Err: err}
	}

	step("sim")
	res, err := exec("AT+CPIN?")
	if err != nil {
		return "", &StepError{Step: "sim", Err: err}
	}
	if v, _ := res.Field("+CPIN"); !strings.EqualFold(v, "READY") {
		return "", &StepError{Step: "sim", Err: fmt.Errorf("%w: %q", ErrSIMNotReady, v)}
	}

	if m.cfg.EnableGNSS {
		step("gnss")
		for _, c := range []string{"AT+CGNSSPWR=1", "AT+CGNSSTST=1"} {
			if _, err := exec(c); err != nil {
				m.log.Warn("gnss enable failed", "cmd", c, "err", err)
			}
		}
	}

	step("apn")
	if _, err := exec(fmt.Sprintf(`AT+CGDCONT=%d,"IP","%s"`, cid, m.cfg.APN)); err != nil {
		return "", &StepError{Step: "apn", Err: err}
	}
	if m.cfg.Username != "" {
		step("auth")
		if _, err := exec(fmt.Sprintf(`AT+CGAUTH=%d,1,"%s","%s"`, cid, m.cfg.Username, m.cfg.Password)); err != nil {
			return "", &StepError{Step: "auth", Err: err}
		}
	}

	step("attach")
	if _, err := m.cmd.Execute(ctx, "AT+CGATT=1", m.cfg.AttachTimeout); err != nil {
		return "", &StepError{Step: "attach", Err: err}
	}
	step("activate")
	if _, err := m.cmd.Execute(ctx, fmt.Sprintf("AT+CGACT=1,%d", cid), m.cfg.AttachTimeout); err != nil {
		return "", &StepError{Step: "activate", Err: err}
	}

	step("address")
	var addr string
	err = retry.Do(ctx, m.cfg.Retry, m.cfg.MaxRetries, func(ctx context.Context) error {
		res, err := exec(fmt.Sprintf("AT+CGPADDR=%d", cid))
		if err != nil {
			return err
		}
		addr = parseAddress(res, cid)
		if addr == "" {
			return ErrNoAddress
		}
		return nil
	}, nil)
	if err != nil {
		return "", &StepError{Step: "address", Err: err}
	}
	return addr, nil
}

// Stop tears the bearer down. An in-flight bring-up is abandoned; stopping
// an idle link is a no-op.
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case Idle, Disconnecting:
		m.mu.Unlock()
		return nil
	case Connecting, Error:
		m.gen++
		m.setStateLocked(Idle)
		m.mu.Unlock()
		m.log.Info("link stopped")
		return nil
	}
	m.setStateLocked(Disconnecting)
	addr := m.addr
	m.mu.Unlock()

	_, err := m.cmd.Execute(ctx, fmt.Sprintf("AT+CGACT=0,%d", m.cfg.ContextID), m.cfg.AttachTimeout)
	if err != nil {
		m.log.Warn("bearer deactivation failed", "err", err)
	}

	m.mu.Lock()
	m.addr = ""
	m.setStateLocked(Idle)
	m.mu.Unlock()

	m.log.Info("link disconnected", "reason", "stop")
	m.emit(event.LinkLostTransport, addr)
	m.emit(event.LinkDisconnected, nil)
	return nil
}

// HandleDisconnect is the transport's disconnect signal. It returns false
// when the link was not Connected.
func (m *Machine) HandleDisconnect(reason string) bool {
	m.mu.Lock()
	if m.state != Connected {
		m.mu.Unlock()
		return false
	}
	addr := m.addr
	m.addr = ""
	m.lastErr = reason
	m.setStateLocked(Idle)
	m.mu.Unlock()

	m.log.Warn("link lost", "reason", reason)
	m.emit(event.LinkLostTransport, addr)
	m.emit(event.LinkDisconnected, errors.New(reason))
	return true
}

// bearerLossURCs are packet-domain reports the modem may interleave with
// any command response.
var bearerLossURCs = []string{
	"+CGEV: NW PDN DEACT",
	"+CGEV: ME PDN DEACT",
	"+CGEV: NW DEACT",
	"+CGEV: ME DEACT",
	"+CGEV: NW DETACH",
	"+CGEV: ME DETACH",
}

var bearerLossPrefixes = append(append([]string(nil), bearerLossURCs...), "NO CARRIER")

// UnsolicitedPrefixes returns the bearer-loss reports that must reach
// HandleUnsolicited even when they arrive inside a transaction. NO CARRIER
// is left out since it also terminates commands.
func UnsolicitedPrefixes() []string {
	return append([]string(nil), bearerLossURCs...)
}

// HandleUnsolicited inspects an unsolicited modem line for bearer loss.
func (m *Machine) HandleUnsolicited(line string) {
	for _, p := range bearerLossPrefixes {
		if strings.HasPrefix(line, p) {
			m.HandleDisconnect(line)
			return
		}
	}
}

// Check probes the bearer. A missing address drops the link immediately;
// transaction failures drop it after MaxRetries consecutive misses.
func (m *Machine) Check(ctx context.Context) error {
	if m.State() != Connected {
		return nil
	}
	res, err := m.cmd.Execute(ctx, fmt.Sprintf("AT+CGPADDR=%d", m.cfg.ContextID), m.cfg.CommandTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		m.mu.Lock()
		m.checkFailures++
		n := m.checkFailures
		m.mu.Unlock()
		if n >= m.cfg.MaxRetries {
			m.HandleDisconnect(fmt.Sprintf("keepalive failed %d times: %v", n, err))
		}
		return err
	}

	addr := parseAddress(res, m.cfg.ContextID)
	m.mu.Lock()
	m.checkFailures = 0
	changed := addr != "" && addr != m.addr && m.state == Connected
	if changed {
		m.addr = addr
	}
	m.mu.Unlock()

	if addr == "" {
		m.HandleDisconnect("transport address lost")
		return ErrNoAddress
	}
	if changed {
		m.log.Info("link address changed", "addr", addr)
		m.emit(event.LinkGotTransport, addr)
	}
	return nil
}

// SignalQuality returns the RSSI in dBm from AT+CSQ.
func (m *Machine) SignalQuality(ctx context.Context) (int, error) {
	res, err := m.cmd.Execute(ctx, "AT+CSQ", m.cfg.CommandTimeout)
	if err != nil {
		return 0, err
	}
	v, ok := res.Field("+CSQ")
	if !ok {
		return 0, fmt.Errorf("link: malformed +CSQ response")
	}
	raw, _, _ := strings.Cut(v, ",")
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("link: parse +CSQ %q: %w", v, err)
	}
	if n == 99 {
		return 0, fmt.Errorf("link: signal unknown")
	}
	return -113 + 2*n, nil
}

// parseAddress extracts the address for cid from +CGPADDR lines.
func parseAddress(res atcmd.Result, cid int) string {
	for _, line := range res.Lines() {
		rest, ok := strings.CutPrefix(line, "+CGPADDR:")
		if !ok {
			continue
		}
		parts := strings.Split(strings.TrimSpace(rest), ",")
		if len(parts) < 2 {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(parts[0])); err != nil || n != cid {
			continue
		}
		addr := strings.Trim(strings.TrimSpace(parts[1]), `"`)
		ip := net.ParseIP(addr)
		if ip == nil || ip.IsUnspecified() {
			return ""
		}
		return ip.String()
	}
	return ""
}
