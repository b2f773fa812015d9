// Package mqttsink adapts an MQTT v5 broker connection to the session
// package's PublishSink contract (components C7/C11).
package mqttsink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/arelio/slipbridge/internal/config"
)

// Sentinel errors.
var (
	// ErrInvalidArgument is returned through the publish completion when
	// qos is outside {0,1,2}; the broker is never contacted.
	ErrInvalidArgument = errors.New("mqttsink: invalid qos")

	// ErrClientClosed indicates the client has been closed.
	ErrClientClosed = errors.New("mqttsink: client is closed")

	// ErrConnectFailed indicates the initial broker connection failed.
	ErrConnectFailed = errors.New("mqttsink: connect failed")
)

const (
	minReconnectInterval = time.Second
	connectTimeout       = 10 * time.Second
	keepAlive            = uint16(30)
)

// publisher is the narrow surface of *autopaho.ConnectionManager this
// package drives. Tests inject a fake satisfying it in place of a real
// broker connection.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Disconnect(ctx context.Context) error
}

// Client wraps an MQTT v5 broker connection. It satisfies
// session.PublishSink structurally: core/session never imports this
// package or observes broker connectivity state directly.
type Client struct {
	conn   publisher
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// New creates a Client configured from cfg and establishes the initial
// v5 CONNECT. The underlying connection manager auto-reconnects with
// bounded backoff for the life of the Client; the caller never has to
// manage reconnection itself.
func New(cfg config.MQTTConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "mqttsink.client"), slog.String("broker", cfg.URL()))

	brokerURL, err := url.Parse(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("%w: parse broker url %s: %w", ErrConnectFailed, cfg.URL(), err)
	}

	cliCfg := autopaho.ClientConfig{
		ServerUrls:        []*url.URL{brokerURL},
		KeepAlive:         keepAlive,
		ConnectRetryDelay: minReconnectInterval,
		ConnectTimeout:    connectTimeout,
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			logger.Info("connected to broker")
		},
		OnConnectError: func(err error) {
			logger.Warn("connect attempt failed", slog.String("error", err.Error()))
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnClientError: func(err error) {
				logger.Warn("client error", slog.String("error", err.Error()))
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				logger.Warn("server disconnected client", slog.Any("reason_code", d.ReasonCode))
			},
		},
	}

	cm, err := autopaho.NewConnection(context.Background(), cliCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectFailed, cfg.URL(), err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := cm.AwaitConnection(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: timed out waiting for CONNACK: %w", ErrConnectFailed, cfg.URL(), err)
	}

	return &Client{conn: cm, logger: logger}, nil
}

// Publish implements session.PublishSink. completion is invoked exactly
// once: synchronously, before Publish returns, if qos is invalid or the
// client is closed; otherwise from a goroutine once the v5 PUBLISH
// settles at the requested qos (qos 0: handed to the network stack;
// qos 1: PUBACK; qos 2: PUBCOMP), or ctx is cancelled first.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos uint8, retain bool, completion func(error)) {
	if qos > 2 {
		completion(fmt.Errorf("%w: %d", ErrInvalidArgument, qos))
		return
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		completion(ErrClientClosed)
		return
	}
	c.mu.RUnlock()

	go func() {
		_, err := c.conn.Publish(ctx, &paho.Publish{
			QoS:     qos,
			Retain:  retain,
			Topic:   topic,
			Payload: payload,
		})
		completion(err)
	}()
}

// Close disconnects from the broker, sending a v5 DISCONNECT and
// waiting up to quiesce for it to complete. After Close, Publish always
// fails through completion with ErrClientClosed.
func (c *Client) Close(quiesce time.Duration) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), quiesce)
	defer cancel()
	if err := c.conn.Disconnect(ctx); err != nil {
		c.logger.Warn("failed to disconnect cleanly", slog.String("error", err.Error()))
	} else {
		c.logger.Info("disconnected from broker")
	}
	return nil
}
