package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/uglyemail-go/contracts"
	"github.com/glimte/uglyemail-go/transport"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

const closeTimeout = 5 * time.Second

var ErrServerClosed = errors.New("amqp: server closed")

// ServerOption configures the server
type ServerOption func(*ServerConfig)

// ServerConfig holds server configuration
type ServerConfig struct {
	QueuePrefix   string
	PrefetchCount int
	Logger        *slog.Logger
}

// WithQueuePrefix sets the request queue prefix
func WithQueuePrefix(prefix string) ServerOption {
	return func(c *ServerConfig) {
		c.QueuePrefix = prefix
	}
}

// WithPrefetchCount sets the consumer prefetch
func WithPrefetchCount(count int) ServerOption {
	return func(c *ServerConfig) {
		c.PrefetchCount = count
	}
}

// WithServerLogger sets the logger
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(c *ServerConfig) {
		c.Logger = logger
	}
}

// Server accepts channels dialed through the broker
type Server struct {
	conn   *ConnectionManager
	accept transport.AcceptFunc
	name   string
	queue  string
	cfg    *ServerConfig
	logger *slog.Logger

	mu       sync.Mutex
	ch       *amqp091.Channel
	sessions map[string]*session
	started  bool
	closed   bool

	pubMu sync.Mutex
}

// NewServer creates a server for channels called name
func NewServer(conn *ConnectionManager, name string, accept transport.AcceptFunc, opts ...ServerOption) *Server {
	cfg := &ServerConfig{
		QueuePrefix:   DefaultQueuePrefix,
		PrefetchCount: 32,
		Logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Server{
		conn:     conn,
		accept:   accept,
		name:     name,
		queue:    QueueName(cfg.QueuePrefix, name),
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[string]*session),
	}
}

// Start declares the request queue and begins consuming. After a lost
// connection the server resumes on its own once the manager reconnects.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.conn.AddStateListener(s)
	return s.consume()
}

// ActiveSessions returns the number of open channels
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close closes every session and stops consuming
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	s.conn.RemoveStateListener(s)
	for _, sess := range sessions {
		sess.Close()
	}

	s.mu.Lock()
	ch := s.ch
	s.ch = nil
	s.mu.Unlock()
	if ch != nil {
		return ch.Close()
	}
	return nil
}

// OnConnected implements ConnectionStateListener
func (s *Server) OnConnected() {
	s.mu.Lock()
	resume := s.started && !s.closed && s.ch == nil
	s.mu.Unlock()

	if resume {
		if err := s.consume(); err != nil {
			s.logger.Error("failed to resume consuming", "queue", s.queue, "error", err)
		}
	}
}

// OnDisconnected implements ConnectionStateListener
func (s *Server) OnDisconnected(err error) {}

// OnReconnecting implements ConnectionStateListener
func (s *Server) OnReconnecting(attempt int) {}

func (s *Server) consume() error {
	conn, err := s.conn.Connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return &contracts.ConnectionError{Op: "channel", Channel: s.name, Err: err, Timestamp: time.Now()}
	}

	if err := ch.Qos(s.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return err
	}
	if _, err := ch.QueueDeclare(s.queue, false, false, false, false, nil); err != nil {
		ch.Close()
		return err
	}
	deliveries, err := ch.Consume(s.queue, "", true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return err
	}
	returns := ch.NotifyReturn(make(chan amqp091.Return, s.cfg.PrefetchCount))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ch.Close()
		return ErrServerClosed
	}
	s.ch = ch
	s.mu.Unlock()

	s.logger.Info("consuming channel requests", "queue", s.queue)
	go s.loop(ch, deliveries)
	go s.watchReturns(returns)
	return nil
}

// watchReturns ends sessions whose reply queue is gone. A dialer that dies
// without a close frame loses its exclusive queue, so the next frame
// published to it comes back unroutable.
func (s *Server) watchReturns(returns <-chan amqp091.Return) {
	for r := range returns {
		s.handleReturn(r)
	}
}

func (s *Server) handleReturn(r amqp091.Return) {
	sess := s.session(r.CorrelationId)
	if sess == nil || sess.peer != r.RoutingKey {
		return
	}
	s.logger.Warn("reply queue gone, closing channel",
		"session", r.CorrelationId,
		"queue", r.RoutingKey,
		"code", r.ReplyCode,
		"reason", r.ReplyText)
	sess.remoteClosed(&contracts.ConnectionError{
		Op:        "publish",
		Channel:   s.name,
		Err:       fmt.Errorf("%w: %s", ErrPeerGone, r.ReplyText),
		Timestamp: time.Now(),
	})
}

func (s *Server) loop(ch *amqp091.Channel, deliveries <-chan amqp091.Delivery) {
	for d := range deliveries {
		s.handleDelivery(d)
	}

	s.mu.Lock()
	if s.ch == ch {
		s.ch = nil
	}
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}

	s.logger.Warn("request consumer stopped", "queue", s.queue, "sessions", len(sessions))
	lost := &contracts.ConnectionError{Op: "consume", Channel: s.name, Err: ErrConnectionClosed, Timestamp: time.Now()}
	for _, sess := range sessions {
		sess.remoteClosed(lost)
	}
}

func (s *Server) handleDelivery(d amqp091.Delivery) {
	f, err := decodeFrame(d)
	if err != nil {
		s.logger.Warn("dropping malformed frame", "queue", s.queue, "error", err)
		return
	}

	switch f.Type {
	case FrameOpen:
		s.open(f)
	case FrameMessage:
		if sess := s.session(f.Session); sess != nil {
			sess.deliver(f.Envelope)
		}
	case FrameClose:
		if sess := s.session(f.Session); sess != nil {
			sess.remoteClosed(reasonError(s.name, f.Reason))
		}
	}
}

func (s *Server) open(f *frame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, exists := s.sessions[f.Session]; exists {
		s.mu.Unlock()
		s.logger.Warn("duplicate open frame", "session", f.Session)
		return
	}
	id := f.Session
	sess := newSession(s.name, id, f.ReplyTo, s.publish, func() { s.forget(id) })
	s.sessions[id] = sess
	s.mu.Unlock()

	s.logger.Debug("channel opened", "channel", s.name, "session", id)
	s.accept(sess)
}

func (s *Server) session(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Server) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Server) publish(ctx context.Context, routingKey string, p amqp091.Publishing) error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return ErrConnectionNotReady
	}

	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	return ch.PublishWithContext(ctx, "", routingKey, true, false, p)
}
