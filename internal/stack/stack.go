package stack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"tracklink/internal/atcmd"
	"tracklink/internal/event"
	"tracklink/internal/ingest"
	"tracklink/internal/link"
	"tracklink/internal/metrics"
	"tracklink/internal/retry"
	"tracklink/internal/serialport"
	"tracklink/internal/session"
)

var openTransportFn = serialport.Open

const DefaultMonitorInterval = 10 * time.Second

// HardwareError reports that the shared transport could not be opened.
type HardwareError struct {
	Device string
	Err    error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("stack: hardware: %s: %v", e.Device, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }

var ErrClosed = errors.New("stack: closed")

type Config struct {
	Serial   serialport.Config
	Pipeline ingest.Config
	Link     link.Config
	Session  session.Config

	// AutoConnectSession opens the session as soon as the link has a
	// transport address.
	AutoConnectSession bool
	// AutoReconnect restarts the link after it drops or a bring-up fails.
	AutoReconnect bool
	// MonitorInterval is the keepalive period of the monitor loop.
	MonitorInterval time.Duration

	Retry retry.Policy
}

type Option func(*Stack)

// WithTransport supplies an already open transport instead of the serial
// device named in the config.
func WithTransport(rw io.ReadWriteCloser) Option {
	return func(s *Stack) { s.transport = rw }
}

func WithSessionClientFactory(f session.ClientFactory) Option {
	return func(s *Stack) { s.clientFactory = f }
}

func WithLogger(l *log.Logger) Option {
	return func(s *Stack) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Stack) { s.metrics = m }
}

func WithPower(p link.PowerController) Option {
	return func(s *Stack) { s.power = p }
}

// Stack owns the shared transport and sequences link bring-up, session
// establishment and recovery on top of it.
type Stack struct {
	cfg           Config
	log           *log.Logger
	metrics       *metrics.Metrics
	power         link.PowerController
	clientFactory session.ClientFactory

	transport io.ReadWriteCloser
	pipeline  *ingest.Pipeline
	channel   *atcmd.Channel
	link      *link.Machine
	session   *session.Machine

	obsMu    sync.RWMutex
	observer event.Observer

	// evMu guards the pending events. A drain goroutine runs while any are
	// queued and hands them to the observer one at a time in posting order.
	evMu       sync.Mutex
	pending    []event.Event
	delivering bool

	// emitMu orders readiness edge detection across dispatching goroutines.
	emitMu    sync.Mutex
	lastReady bool

	wake chan struct{}

	mu              sync.Mutex
	active          bool
	closed          bool
	pipelineStarted bool
	cancel          context.CancelFunc
	done            chan struct{}
	lastErr         string

	// Monitor-goroutine state.
	linkStarted bool
	linkGate    *retry.Gate
	sessionGate *retry.Gate
}

// New opens the transport and assembles pipeline, command channel, link and
// session. Nothing runs until Start.
func New(cfg Config, opts ...Option) (*Stack, error) {
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	if cfg.Link.Retry == (retry.Policy{}) {
		cfg.Link.Retry = cfg.Retry
	}

	s := &Stack{
		cfg:      cfg,
		log:      log.Default(),
		observer: event.Discard,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.linkGate = retry.NewGate(cfg.Retry)
	s.sessionGate = retry.NewGate(cfg.Retry)

	if s.transport == nil {
		rw, err := openTransportFn(cfg.Serial)
		if err != nil {
			return nil, &HardwareError{Device: cfg.Serial.Device, Err: err}
		}
		s.transport = rw
	}

	fail := func(err error) (*Stack, error) {
		_ = s.transport.Close()
		return nil, err
	}

	p, err := ingest.New(cfg.Pipeline, s.log.WithPrefix("ingest"))
	if err != nil {
		return fail(err)
	}
	s.pipeline = p
	s.metrics.RegisterPipeline(p.Stats)

	s.channel = atcmd.New(s.transport, p.Command(),
		atcmd.WithLogger(s.log.WithPrefix("atcmd")),
		atcmd.WithObserver(s.metrics.ObserveCommand),
		atcmd.WithUnsolicitedPrefixes(link.UnsolicitedPrefixes()...))

	dispatch := event.ObserverFunc(s.dispatch)
	lm, err := link.New(cfg.Link, s.channel,
		link.WithObserver(dispatch),
		link.WithLogger(s.log.WithPrefix("link")),
		link.WithPower(s.power))
	if err != nil {
		return fail(err)
	}
	s.link = lm
	s.channel.OnUnsolicited(lm.HandleUnsolicited)

	sessOpts := []session.Option{
		session.WithObserver(dispatch),
		session.WithLogger(s.log.WithPrefix("session")),
	}
	if s.clientFactory != nil {
		sessOpts = append(sessOpts, session.WithClientFactory(s.clientFactory))
	}
	sm, err := session.New(cfg.Session, sessOpts...)
	if err != nil {
		return fail(err)
	}
	s.session = sm
	s.recordStates()
	return s, nil
}

// Start begins ingestion and launches the monitor, whose first cycle starts
// link bring-up.
func (s *Stack) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.active {
		return nil
	}
	if !s.pipelineStarted {
		// The pipeline outlives individual Start/Stop cycles, so it is not
		// tied to ctx.
		if err := s.pipeline.Start(context.WithoutCancel(ctx), s.transport); err != nil {
			return fmt.Errorf("stack: start pipeline: %w", err)
		}
		s.pipelineStarted = true
	}

	mctx, cancel := context.WithCancel(ctx)
	s.active = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.linkStarted = false
	s.linkGate.Succeeded()
	s.sessionGate.Succeeded()

	go s.monitor(mctx, s.done)
	s.log.Info("stack started", "auto_connect_session", s.cfg.AutoConnectSession, "auto_reconnect", s.cfg.AutoReconnect)
	return nil
}

// Stop tears the session and then the link down and waits for the monitor to
// exit. Calling Stop on a stopped stack is a no-op.
func (s *Stack) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	s.session.Disconnect()
	err := s.link.Stop(ctx)
	<-done

	// The monitor is gone; withdraw the transport it handed out.
	if s.session.HasTransport() {
		s.session.DropTransport()
	}
	s.evaluate()
	s.log.Info("stack stopped")
	return err
}

// Close stops the stack, halts ingestion and releases the transport.
func (s *Stack) Close(ctx context.Context) error {
	err := s.Stop(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return err
	}
	s.closed = true
	started := s.pipelineStarted
	s.mu.Unlock()

	if started {
		// Stopping the engine closes the transport.
		s.pipeline.Stop()
	} else if cerr := s.transport.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (s *Stack) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// IsReady reports whether both link and session are connected.
func (s *Stack) IsReady() bool {
	return s.link.State() == link.Connected && s.session.State() == session.Connected
}

// Publish sends payload with the configured QoS and retain flag. It returns
// the message identifier, or -1 when the stack is not ready or the send
// failed.
func (s *Stack) Publish(topic string, payload []byte) int {
	if !s.IsReady() {
		s.metrics.CountPublish("not_ready")
		return -1
	}
	id, err := s.session.Publish(topic, payload, s.cfg.Session.QoS, s.cfg.Session.Retain)
	if err != nil {
		s.metrics.CountPublish("error")
		s.log.Debug("publish failed", "topic", topic, "err", err)
		return -1
	}
	s.metrics.CountPublish("ok")
	return id
}

// RegisterObserver replaces the event observer. A nil observer discards
// events. Events reach the observer one at a time, in order, on a goroutine
// owned by the stack, so the observer may call back into it, Stop included.
func (s *Stack) RegisterObserver(o event.Observer) {
	if o == nil {
		o = event.Discard
	}
	s.obsMu.Lock()
	s.observer = o
	s.obsMu.Unlock()
}

// Execute runs a diagnostic command transaction on the shared channel.
func (s *Stack) Execute(ctx context.Context, command string, timeout time.Duration) (atcmd.Result, error) {
	return s.channel.Execute(ctx, command, timeout)
}

// Subscribe forwards to the session; inbound messages arrive as SessionData
// events.
func (s *Stack) Subscribe(ctx context.Context, topic string) error {
	_, err := s.session.Subscribe(ctx, topic, s.cfg.Session.QoS)
	return err
}

func (s *Stack) Positioning() *ingest.Queue { return s.pipeline.Positioning() }

func (s *Stack) Pipeline() *ingest.Pipeline { return s.pipeline }

func (s *Stack) dispatch(ev event.Event) {
	if ev.Kind == event.Error || ev.Kind == event.SessionError {
		if err := ev.Err(); err != nil {
			s.mu.Lock()
			s.lastErr = err.Error()
			s.mu.Unlock()
		}
	}
	s.deliver(ev)
	s.evaluate()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Stack) deliver(ev event.Event) {
	if s.post(ev) {
		go s.flush()
	}
}

// post queues ev and reports whether a drain goroutine must be started.
func (s *Stack) post(ev event.Event) bool {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	s.pending = append(s.pending, ev)
	if s.delivering {
		return false
	}
	s.delivering = true
	return true
}

func (s *Stack) flush() {
	s.evMu.Lock()
	for len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		s.evMu.Unlock()

		s.obsMu.RLock()
		o := s.observer
		s.obsMu.RUnlock()
		s.metrics.CountEvent(ev.Kind.String())
		o.HandleEvent(ev)

		s.evMu.Lock()
	}
	s.pending = nil
	s.delivering = false
	s.evMu.Unlock()
}

// evaluate recomputes readiness and emits StackReady on a false to true
// edge. The edge is posted under emitMu so it cannot overtake a teardown
// event whose state change it did not see.
func (s *Stack) evaluate() {
	s.emitMu.Lock()
	ready := s.IsReady()
	edge := ready && !s.lastReady
	s.lastReady = ready
	s.recordStates()
	if edge {
		s.deliver(event.New(event.StackReady, nil))
	}
	s.emitMu.Unlock()

	if edge {
		s.log.Info("stack ready", "addr", s.link.Address())
	}
}

func (s *Stack) recordStates() {
	s.metrics.SetStates(int(s.link.State()), int(s.session.State()), s.IsReady())
}

func (s *Stack) monitor(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	var retryC <-chan time.Time
	run := func(keepalive bool) {
		if d := s.cycle(ctx, keepalive); d > 0 {
			retryC = time.After(d)
		}
	}

	run(false)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			run(false)
		case <-retryC:
			retryC = nil
			run(false)
		case <-ticker.C:
			run(true)
		}
	}
}

// cycle runs one monitor pass and returns how long until a gated retry is
// due, or 0 when none is pending.
func (s *Stack) cycle(ctx context.Context, keepalive bool) time.Duration {
	stopped := func() bool { return ctx.Err() != nil || !s.isActive() }
	if stopped() {
		return 0
	}

	// Bearer-loss lines that arrived between transactions.
	s.channel.Poll()

	ls := s.link.State()
	if ls == link.Connected && keepalive {
		if err := s.link.Check(ctx); err != nil {
			s.log.Debug("keepalive failed", "err", err)
		}
		ls = s.link.State()
	}
	if stopped() {
		return 0
	}

	if ls == link.Connected {
		if !s.session.HasTransport() {
			s.session.SetTransport(session.Transport{LocalAddr: s.link.Address()})
		}
	} else if s.session.HasTransport() {
		s.session.DropTransport()
	}

	s.evaluate()
	if stopped() {
		return 0
	}

	var wait time.Duration
	if ls == link.Connected && s.cfg.AutoConnectSession {
		wait = s.connectSession(ctx)
	}
	if ls == link.Idle || ls == link.Error {
		if d := s.restartLink(ctx); d > 0 && (wait == 0 || d < wait) {
			wait = d
		}
	}
	return wait
}

func (s *Stack) connectSession(ctx context.Context) time.Duration {
	st := s.session.State()
	if st == session.Connected || st == session.Connecting {
		return 0
	}
	if !s.sessionGate.Ready() {
		return s.sessionGate.Wait()
	}
	err := s.session.Connect(ctx)
	switch {
	case err == nil:
		s.sessionGate.Succeeded()
		return 0
	case ctx.Err() != nil, errors.Is(err, session.ErrAborted), errors.Is(err, session.ErrNoTransport):
		return 0
	}
	wait := s.sessionGate.Failed()
	s.log.Warn("session connect failed", "attempt", s.sessionGate.Failures(), "retry_in", wait, "err", err)
	return wait
}

func (s *Stack) restartLink(ctx context.Context) time.Duration {
	first := !s.linkStarted
	if !first && !s.cfg.AutoReconnect {
		return 0
	}
	if !s.linkGate.Ready() {
		return s.linkGate.Wait()
	}
	if !first {
		s.dispatch(event.New(event.LinkReconnecting, s.linkGate.Failures()+1))
	}
	s.linkStarted = true

	err := s.link.Start(ctx)
	switch {
	case err == nil:
		s.linkGate.Succeeded()
		return 0
	case ctx.Err() != nil, errors.Is(err, link.ErrAborted), errors.Is(err, link.ErrInvalidState):
		return 0
	}
	wait := s.linkGate.Failed()
	if s.cfg.AutoReconnect {
		s.log.Warn("link bring-up failed", "attempt", s.linkGate.Failures(), "retry_in", wait, "err", err)
		return wait
	}
	s.log.Error("link bring-up failed", "err", err)
	return 0
}

type Snapshot struct {
	Active    bool             `json:"active"`
	Ready     bool             `json:"ready"`
	Link      link.Snapshot    `json:"link"`
	Session   session.Snapshot `json:"session"`
	Pipeline  ingest.Stats     `json:"pipeline"`
	Commands  atcmd.Stats      `json:"commands"`
	LastError string           `json:"last_error,omitempty"`
}

func (s *Stack) Snapshot() Snapshot {
	s.mu.Lock()
	active, lastErr := s.active, s.lastErr
	s.mu.Unlock()
	return Snapshot{
		Active:    active,
		Ready:     s.IsReady(),
		Link:      s.link.Snapshot(),
		Session:   s.session.Snapshot(),
		Pipeline:  s.pipeline.Stats(),
		Commands:  s.channel.Stats(),
		LastError: lastErr,
	}
}
