package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"tracklink/internal/event"
)

var (
	ErrNotConnected   = errors.New("session: not connected")
	ErrNoTransport    = errors.New("session: transport not available")
	ErrInvalidQoS     = errors.New("session: qos must be 0, 1 or 2")
	ErrInvalidState   = errors.New("session: invalid state")
	ErrAborted        = errors.New("session: connect aborted")
	ErrTransportLost  = errors.New("session: transport lost")
	ErrTopicRequired  = errors.New("session: topic is required")
	ErrBrokerRequired = errors.New("session: broker is required")
)

// OpError is a broker-level failure.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string { return fmt.Sprintf("session: %s: %v", e.Op, e.Err) }

func (e *OpError) Unwrap() error { return e.Err }

type Config struct {
	Broker         string
	Port           int
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	CleanSession   bool
	ConnectTimeout time.Duration
	QoS            byte
	Retain         bool
}

func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 1883
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 60 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ClientID == "" {
		c.ClientID = "tracklink-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
}

// Transport describes the IP path the link made available.
type Transport struct {
	LocalAddr string
}

type Message struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	MessageID uint16
}

type Handlers struct {
	OnMessage        func(Message)
	OnConnectionLost func(error)
}

// Client is the message-bus protocol client for one connection.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()
	Publish(topic string, payload []byte, qos byte, retain bool) (int, error)
	Subscribe(ctx context.Context, topic string, qos byte) (int, error)
	Unsubscribe(ctx context.Context, topic string) (int, error)
}

// ClientFactory builds a client bound to a transport. A new client is built
// for every connect attempt.
type ClientFactory func(cfg Config, t Transport, h Handlers) (Client, error)

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

func WithClientFactory(f ClientFactory) Option {
	return func(m *Machine) {
		if f != nil {
			m.factory = f
		}
	}
}

// Machine owns the session state. It never looks at the link directly; the
// orchestrator tells it when a transport is available.
type Machine struct {
	cfg      Config
	factory  ClientFactory
	observer event.Observer
	log      *log.Logger

	mu        sync.RWMutex
	state     State
	transport *Transport
	client    Client
	lastErr   string
	since     time.Time
	gen       uint64
	connects  uint64

	subMu sync.Mutex
	subs  map[string]byte
}

type Snapshot struct {
	State     string `json:"state"`
	Broker    string `json:"broker"`
	ClientID  string `json:"client_id"`
	Transport bool   `json:"transport"`
	LastError string `json:"last_error,omitempty"`
	SinceUTC  string `json:"since_utc,omitempty"`
	Connects  uint64 `json:"connects"`
}

func New(cfg Config, opts ...Option) (*Machine, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, ErrBrokerRequired
	}
	if cfg.QoS > 2 {
		return nil, ErrInvalidQoS
	}
	cfg.applyDefaults()
	m := &Machine{
		cfg:      cfg,
		factory:  NewPahoClient,
		observer: event.Discard,
		log:      log.Default(),
		state:    Disconnected,
		since:    time.Now().UTC(),
		subs:     map[string]byte{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Machine) Config() Config { return m.cfg }

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Machine) HasTransport() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transport != nil
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		State:     m.state.String(),
		Broker:    fmt.Sprintf("%s:%d", m.cfg.Broker, m.cfg.Port),
		ClientID:  m.cfg.ClientID,
		Transport: m.transport != nil,
		LastError: m.lastErr,
		SinceUTC:  m.since.Format(time.RFC3339),
		Connects:  m.connects,
	}
}

func (m *Machine) setStateLocked(to State) bool {
	if m.state == to {
		return false
	}
	if !CanTransition(m.state, to) {
		m.log.Error("illegal session transition", "from", m.state, "to", to)
		return false
	}
	m.state = to
	m.since = time.Now().UTC()
	if to == Connected || to == Connecting {
		m.lastErr = ""
	}
	return true
}

func (m *Machine) emit(kind event.Kind, payload any) {
	m.observer.HandleEvent(event.New(kind, payload))
}

// SetTransport marks the IP transport as available for the next Connect.
func (m *Machine) SetTransport(t Transport) {
	m.mu.Lock()
	m.transport = &t
	m.mu.Unlock()
	m.log.Debug("session transport available", "local", t.LocalAddr)
}

// DropTransport withdraws the transport and forces the session down. A
// session cannot outlive its transport.
func (m *Machine) DropTransport() {
	m.mu.Lock()
	m.transport = nil
	if m.state == Disconnected {
		m.mu.Unlock()
		return
	}
	client := m.client
	m.client = nil
	m.gen++
	m.setStateLocked(Disconnected)
	m.lastErr = ErrTransportLost.Error()
	m.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	m.log.Warn("session torn down", "reason", "transport lost")
	m.emit(event.SessionDisconnected, ErrTransportLost)
}

// Connect opens the session over the current transport and waits for the
// broker to acknowledge it.
func (m *Machine) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.transport == nil {
		m.mu.Unlock()
		return ErrNoTransport
	}
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	switch m.state {
	case Connected:
		m.mu.Unlock()
		return nil
	case Connecting:
		m.mu.Unlock()
		return fmt.Errorf("%w: connect already in progress", ErrInvalidState)
	}
	m.setStateLocked(Connecting)
	m.gen++
	gen := m.gen
	t := *m.transport
	m.mu.Unlock()

	m.log.Info("session connecting", "broker", m.cfg.Broker, "port", m.cfg.Port, "client_id", m.cfg.ClientID)
	client, err := m.factory(m.cfg, t, Handlers{
		OnMessage:        func(msg Message) { m.onMessage(gen, msg) },
		OnConnectionLost: func(err error) { m.onConnectionLost(gen, err) },
	})
	if err == nil {
		err = client.Connect(ctx)
	}

	m.mu.Lock()
	if m.gen != gen || m.state != Connecting {
		m.mu.Unlock()
		if client != nil && err == nil {
			client.Disconnect()
		}
		return ErrAborted
	}
	if err != nil {
		m.setStateLocked(Error)
		m.lastErr = err.Error()
		m.mu.Unlock()

		oerr := &OpError{Op: "connect", Err: err}
		m.log.Warn("session connect failed", "err", err)
		m.emit(event.SessionError, oerr)
		return oerr
	}
	m.client = client
	m.connects++
	m.setStateLocked(Connected)
	m.mu.Unlock()

	m.log.Info("session connected", "broker", m.cfg.Broker)
	m.emit(event.SessionConnected, nil)
	m.restoreSubscriptions(ctx, client)
	return nil
}

func (m *Machine) restoreSubscriptions(ctx context.Context, client Client) {
	m.subMu.Lock()
	subs := make(map[string]byte, len(m.subs))
	for k, v := range m.subs {
		subs[k] = v
	}
	m.subMu.Unlock()

	for topic, qos := range subs {
		if _, err := client.Subscribe(ctx, topic, qos); err != nil {
			m.log.Warn("resubscribe failed", "topic", topic, "err", err)
		}
	}
}

// Disconnect closes the session. Disconnecting an already disconnected
// session is a no-op.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	if m.state == Disconnected {
		m.mu.Unlock()
		return
	}
	client := m.client
	m.client = nil
	m.gen++
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	m.log.Info("session disconnected")
	m.emit(event.SessionDisconnected, nil)
}

func (m *Machine) onConnectionLost(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen || m.state != Connected {
		m.mu.Unlock()
		return
	}
	m.client = nil
	m.setStateLocked(Disconnected)
	if err != nil {
		m.lastErr = err.Error()
	}
	m.mu.Unlock()

	m.log.Warn("session closed by broker", "err", err)
	m.emit(event.SessionDisconnected, err)
}

func (m *Machine) onMessage(gen uint64, msg Message) {
	m.mu.RLock()
	live := m.gen == gen && m.state == Connected
	m.mu.RUnlock()
	if live {
		m.emit(event.SessionData, msg)
	}
}

// Publish sends payload on topic. It fails immediately unless the session
// is Connected; nothing is buffered.
func (m *Machine) Publish(topic string, payload []byte, qos byte, retain bool) (int, error) {
	if topic == "" {
		return 0, ErrTopicRequired
	}
	if qos > 2 {
		return 0, ErrInvalidQoS
	}
	m.mu.RLock()
	if m.state != Connected {
		m.mu.RUnlock()
		return 0, ErrNotConnected
	}
	client := m.client
	m.mu.RUnlock()

	id, err := client.Publish(topic, payload, qos, retain)
	if err != nil {
		return 0, &OpError{Op: "publish", Err: err}
	}
	return id, nil
}

func (m *Machine) Subscribe(ctx context.Context, topic string, qos byte) (int, error) {
	if topic == "" {
		return 0, ErrTopicRequired
	}
	if qos > 2 {
		return 0, ErrInvalidQoS
	}
	m.mu.RLock()
	if m.state != Connected {
		m.mu.RUnlock()
		return 0, ErrNotConnected
	}
	client := m.client
	m.mu.RUnlock()

	id, err := client.Subscribe(ctx, topic, qos)
	if err != nil {
		return 0, &OpError{Op: "subscribe", Err: err}
	}
	m.subMu.Lock()
	m.subs[topic] = qos
	m.subMu.Unlock()
	return id, nil
}

func (m *Machine) Unsubscribe(ctx context.Context, topic string) (int, error) {
	if topic == "" {
		return 0, ErrTopicRequired
	}
	m.mu.RLock()
	if m.state != Connected {
		m.mu.RUnlock()
		return 0, ErrNotConnected
	}
	client := m.client
	m.mu.RUnlock()

	id, err := client.Unsubscribe(ctx, topic)
	if err != nil {
		return 0, &OpError{Op: "unsubscribe", Err: err}
	}
	m.subMu.Lock()
	delete(m.subs, topic)
	m.subMu.Unlock()
	return id, nil
}
