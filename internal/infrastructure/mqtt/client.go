package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/meshlink-core/internal/infrastructure/config"
)

// MessageHandler receives one inbound publish. paho calls handlers on
// its own goroutines, so they should return quickly. Returned errors are
// logged and otherwise ignored.
type MessageHandler func(topic string, payload []byte) error

// Logger receives handler failures. *logging.Logger satisfies it.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Client is a paho connection to one broker carrying the mesh topic tree.
// Subscriptions survive reconnects. The zero value is a disconnected
// client whose operations fail with ErrNotConnected.
type Client struct {
	conn   pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics
	up     atomic.Bool
	subs   subscriptions

	hookMu       sync.RWMutex
	onConnect    func()
	onDisconnect func(error)

	logMu  sync.RWMutex
	logger Logger
}

// Connect dials the broker once. The client registers a retained
// offline will on its status topic and announces itself online on every
// (re)connect. A refused first dial returns ErrConnectionFailed and
// leaves nothing retrying in the background.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := &Client{cfg: cfg, topics: NewTopics(cfg.TopicPrefix)}

	opts := buildClientOptions(cfg)
	configureLWT(opts, c.topics, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.connected() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.lost(err) })

	c.conn = pahomqtt.NewClient(opts)
	if err := await(c.conn.Connect(), connectTimeout); err != nil {
		c.conn.Disconnect(0)
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, BrokerURL(cfg), err)
	}
	// OnConnect fires asynchronously; publishing straight after Connect
	// must not race it.
	c.up.Store(true)
	return c, nil
}

func (c *Client) connected() {
	c.up.Store(true)
	for _, s := range c.subs.all() {
		c.conn.Subscribe(s.topic, s.qos, c.wrap(s.handler))
	}
	c.announce(statusOnline, "")

	c.hookMu.RLock()
	fn := c.onConnect
	c.hookMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) lost(err error) {
	c.up.Store(false)

	c.hookMu.RLock()
	fn := c.onDisconnect
	c.hookMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// announce publishes the retained status record and returns its token.
func (c *Client) announce(status, reason string) pahomqtt.Token {
	id := c.cfg.Broker.ClientID
	return c.conn.Publish(c.topics.Status(id), byte(c.cfg.QoS), true, statusPayload(id, status, reason))
}

// Close announces a graceful shutdown and disconnects. Safe on a client
// that never connected or is already closed.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if c.IsConnected() {
		c.announce(statusOffline, "graceful_shutdown").WaitTimeout(operationTimeout)
	}
	c.conn.Disconnect(disconnectQuiesceMs)
	c.up.Store(false)
	return nil
}

// HealthCheck fails when the broker link is down or ctx is done.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the broker link is up.
func (c *Client) IsConnected() bool {
	return c.up.Load() && c.conn != nil && c.conn.IsConnected()
}

// Topics returns the topic builder for this client's prefix.
func (c *Client) Topics() Topics {
	return c.topics
}

// SetOnConnect registers a callback for the first connect and every reconnect.
func (c *Client) SetOnConnect(fn func()) {
	c.hookMu.Lock()
	c.onConnect = fn
	c.hookMu.Unlock()
}

// SetOnDisconnect registers a callback for a lost connection.
func (c *Client) SetOnDisconnect(fn func(error)) {
	c.hookMu.Lock()
	c.onDisconnect = fn
	c.hookMu.Unlock()
}

// SetLogger sets where handler errors and panics are reported.
func (c *Client) SetLogger(l Logger) {
	c.logMu.Lock()
	c.logger = l
	c.logMu.Unlock()
}

func (c *Client) log() Logger {
	c.logMu.RLock()
	defer c.logMu.RUnlock()
	return c.logger
}

func (c *Client) wrap(h MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, m pahomqtt.Message) {
		c.dispatch(h, m.Topic(), m.Payload())
	}
}

// dispatch runs h, turning panics and errors into log lines.
func (c *Client) dispatch(h MessageHandler, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			if l := c.log(); l != nil {
				l.Error("mqtt handler panicked", "topic", topic, "panic", r)
			}
		}
	}()
	if err := h(topic, payload); err != nil {
		if l := c.log(); l != nil {
			l.Warn("mqtt handler failed", "topic", topic, "error", err)
		}
	}
}
