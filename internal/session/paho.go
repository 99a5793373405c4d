package session

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	disconnectQuiesceMS = 250
	publishWriteTimeout = 5 * time.Second
)

type pahoClient struct {
	c     mqtt.Client
	reqID atomic.Uint32
}

// NewPahoClient builds an MQTT 3.1.1 client. When the transport carries a
// local address the TCP dial is bound to it so traffic leaves over the
// cellular bearer.
func NewPahoClient(cfg Config, t Transport, h Handlers) (Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s", net.JoinHostPort(cfg.Broker, fmt.Sprint(cfg.Port)))).
		SetClientID(cfg.ClientID).
		SetKeepAlive(cfg.KeepAlive).
		SetCleanSession(cfg.CleanSession).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetWriteTimeout(publishWriteTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	if t.LocalAddr != "" {
		ip := net.ParseIP(t.LocalAddr)
		if ip == nil {
			return nil, fmt.Errorf("session: invalid local address %q", t.LocalAddr)
		}
		dialer.LocalAddr = &net.TCPAddr{IP: ip}
	}
	opts.SetDialer(dialer)

	if h.OnMessage != nil {
		opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			h.OnMessage(Message{
				Topic:     msg.Topic(),
				Payload:   msg.Payload(),
				QoS:       msg.Qos(),
				Retained:  msg.Retained(),
				MessageID: msg.MessageID(),
			})
		})
	}
	if h.OnConnectionLost != nil {
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { h.OnConnectionLost(err) })
	}

	return &pahoClient{c: mqtt.NewClient(opts)}, nil
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pahoClient) Connect(ctx context.Context) error {
	return wait(ctx, p.c.Connect())
}

func (p *pahoClient) Disconnect() {
	p.c.Disconnect(disconnectQuiesceMS)
}

// Publish hands the message to the client without waiting for broker
// acknowledgement. The identifier is 0 for QoS 0.
func (p *pahoClient) Publish(topic string, payload []byte, qos byte, retain bool) (int, error) {
	tok := p.c.Publish(topic, qos, retain, payload)
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return 0, err
		}
	default:
	}
	if pt, ok := tok.(*mqtt.PublishToken); ok {
		return int(pt.MessageID()), nil
	}
	return 0, nil
}

func (p *pahoClient) Subscribe(ctx context.Context, topic string, qos byte) (int, error) {
	if err := wait(ctx, p.c.Subscribe(topic, qos, nil)); err != nil {
		return 0, err
	}
	return int(p.reqID.Add(1)), nil
}

func (p *pahoClient) Unsubscribe(ctx context.Context, topic string) (int, error) {
	if err := wait(ctx, p.c.Unsubscribe(topic)); err != nil {
		return 0, err
	}
	return int(p.reqID.Add(1)), nil
}
