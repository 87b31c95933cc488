package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/uglyemail-go/contracts"
	"github.com/glimte/uglyemail-go/transport"
	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// DialerOption configures the dialer
type DialerOption func(*DialerConfig)

// DialerConfig holds dialer configuration
type DialerConfig struct {
	QueuePrefix string
	Logger      *slog.Logger
}

// WithDialerQueuePrefix sets the request queue prefix
func WithDialerQueuePrefix(prefix string) DialerOption {
	return func(c *DialerConfig) {
		c.QueuePrefix = prefix
	}
}

// WithDialerLogger sets the logger
func WithDialerLogger(logger *slog.Logger) DialerOption {
	return func(c *DialerConfig) {
		c.Logger = logger
	}
}

// Dialer opens channels to a Server through the broker. It implements
// transport.Dialer.
type Dialer struct {
	conn *ConnectionManager
	cfg  *DialerConfig
}

// NewDialer creates a dialer on conn
func NewDialer(conn *ConnectionManager, opts ...DialerOption) *Dialer {
	cfg := &DialerConfig{
		QueuePrefix: DefaultQueuePrefix,
		Logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Dialer{conn: conn, cfg: cfg}
}

// Dial implements transport.Dialer. It fails with transport.ErrNoListener when
// no server has declared the request queue.
func (d *Dialer) Dial(ctx context.Context, name string) (transport.Channel, error) {
	conn, err := d.conn.Connection()
	if err != nil {
		return nil, &contracts.ConnectionError{Op: "dial", Channel: name, Err: err, Timestamp: time.Now()}
	}
	queue := QueueName(d.cfg.QueuePrefix, name)

	// a failed passive declare closes the channel, so probe on a throwaway one
	probe, err := conn.Channel()
	if err != nil {
		return nil, &contracts.ConnectionError{Op: "dial", Channel: name, Err: err, Timestamp: time.Now()}
	}
	if _, err := probe.QueueDeclarePassive(queue, false, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("dial %s: %w", queue, transport.ErrNoListener)
	}
	probe.Close()

	ch, err := conn.Channel()
	if err != nil {
		return nil, &contracts.ConnectionError{Op: "dial", Channel: name, Err: err, Timestamp: time.Now()}
	}
	reply, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}
	deliveries, err := ch.Consume(reply.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume reply queue: %w", err)
	}

	c := &clientChannel{ch: ch, logger: d.cfg.Logger}
	c.session = newSession(name, uuid.NewString(), queue, c.publish, func() { ch.Close() })

	if err := c.publish(ctx, queue, openFrame(c.session.id, reply.Name, name)); err != nil {
		ch.Close()
		return nil, fmt.Errorf("open session: %w", err)
	}

	go c.read(deliveries, ch.NotifyClose(make(chan *amqp091.Error, 1)))
	return c.session, nil
}

// clientChannel owns the broker channel of one dialed session
type clientChannel struct {
	session *session
	ch      *amqp091.Channel
	logger  *slog.Logger
	pubMu   sync.Mutex
}

func (c *clientChannel) publish(ctx context.Context, routingKey string, p amqp091.Publishing) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.ch.PublishWithContext(ctx, "", routingKey, false, false, p)
}

func (c *clientChannel) read(deliveries <-chan amqp091.Delivery, closed <-chan *amqp091.Error) {
	for d := range deliveries {
		f, err := decodeFrame(d)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "session", c.session.id, "error", err)
			continue
		}
		if f.Session != c.session.id {
			continue
		}

		switch f.Type {
		case FrameMessage:
			c.session.deliver(f.Envelope)
		case FrameClose:
			c.session.remoteClosed(reasonError(c.session.name, f.Reason))
			return
		}
	}

	var reason error = ErrConnectionClosed
	if amqpErr, ok := <-closed; ok && amqpErr != nil {
		reason = amqpErr
	}
	c.session.remoteClosed(&contracts.ConnectionError{
		Op:        "read",
		Channel:   c.session.name,
		Err:       reason,
		Timestamp: time.Now(),
	})
}
