// Package messaging provides a NATS client wrapper that lets several relay
// instances share chat traffic. It handles connection lifecycle and keeps
// track of subscriptions for cleanup.
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/whisper/assistchat/internal/logging"
)

// SubjectChat carries encoded message frames between relay instances.
const SubjectChat = "relay.chat"

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
	closed  chan struct{} // closed by the ClosedHandler

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	Subject       string        // chat subject; empty means SubjectChat
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "assistchat-relay",
		Subject:       SubjectChat,
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS and returns a ready client. It returns an
// error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger *zap.Logger) (*NATSClient, error) {
	logger = logging.OrNop(logger).With(zap.String("component", "nats"))
	closed := make(chan struct{})

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
			close(closed)
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}
	logger.Info("connected", zap.String("url", nc.ConnectedUrl()))

	subject := config.Subject
	if subject == "" {
		subject = SubjectChat
	}
	return &NATSClient{
		conn:    nc,
		subject: subject,
		logger:  logger,
		closed:  closed,
		subs:    make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers handler for subject, replacing any earlier
// subscription on the same subject.
func (c *NATSClient) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	old := c.subs[subject]
	c.subs[subject] = sub
	c.mu.Unlock()

	if old != nil {
		_ = old.Unsubscribe()
	}
	return nil
}

// PublishChat publishes an encoded frame on the chat subject.
func (c *NATSClient) PublishChat(data []byte) error {
	return c.Publish(c.subject, data)
}

// SubscribeChat delivers every frame published on the chat subject.
func (c *NATSClient) SubscribeChat(handler func(data []byte)) error {
	return c.Subscribe(c.subject, handler)
}

// Flush round-trips to the server so earlier subscriptions are active.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// drainWait bounds how long Close waits for the drain to finish.
const drainWait = 5 * time.Second

// Close drains all subscriptions and the connection, then waits for the
// connection to close.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("drain subscription", zap.String("subject", subject), zap.Error(err))
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("drain connection", zap.Error(err))
		c.conn.Close()
	}

	select {
	case <-c.closed:
	case <-time.After(drainWait):
		c.conn.Close()
	}
}
