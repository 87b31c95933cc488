package amqp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/glimte/uglyemail-go/contracts"
	"github.com/glimte/uglyemail-go/internal/reliability"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

const defaultConnectTimeout = 30 * time.Second

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the broker connection and reconnects it after loss
type ConnectionManager struct {
	url    string
	dial   func(url string) (*amqp091.Connection, error)
	policy reliability.RetryPolicy
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.RWMutex
	conn      *amqp091.Connection
	connected bool
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc

	listenersMu sync.RWMutex
	listeners   []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectPolicy sets the policy used after the connection is lost
func WithReconnectPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.policy = policy
	}
}

// WithClock sets the clock used between reconnect attempts
func WithClock(clk clock.Clock) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.clock = clk
	}
}

// NewConnectionManager creates a connection manager for the broker at url
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:    url,
		dial:   amqp091.Dial,
		policy: reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, reliability.Unlimited),
		clock:  clock.New(),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cm)
	}
	cm.ctx, cm.cancel = context.WithCancel(context.Background())
	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrConnectionClosed
	}
	if cm.connected {
		return nil
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return err
	}
	cm.attachLocked(conn)

	cm.logger.Info("connected to broker", "url", SanitizeURL(cm.url))
	cm.notify(func(l ConnectionStateListener) { l.OnConnected() })
	return nil
}

// Connection returns the current connection
func (cm *ConnectionManager) Connection() (*amqp091.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.connected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	cm.connected = false
	cm.cancel()

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.listeners {
		if l == listener {
			cm.listeners = append(cm.listeners[:i], cm.listeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp091.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	type result struct {
		conn *amqp091.Connection
		err  error
	}
	out := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		out <- result{conn, err}
	}()

	select {
	case r := <-out:
		if r.err != nil {
			return nil, &contracts.ConnectionError{
				Op:        "connect",
				Channel:   SanitizeURL(cm.url),
				Err:       r.err,
				Timestamp: time.Now(),
			}
		}
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-out; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, &contracts.ConnectionError{
			Op:        "connect",
			Channel:   SanitizeURL(cm.url),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
		}
	}
}

func (cm *ConnectionManager) attachLocked(conn *amqp091.Connection) {
	cm.conn = conn
	cm.connected = true
	lost := conn.NotifyClose(make(chan *amqp091.Error, 1))
	go cm.watch(lost)
}

// watch waits for the connection to drop and reconnects
func (cm *ConnectionManager) watch(lost <-chan *amqp091.Error) {
	var reason error
	select {
	case amqpErr, ok := <-lost:
		if ok && amqpErr != nil {
			reason = amqpErr
		}
	case <-cm.ctx.Done():
		return
	}

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.connected = false
	cm.conn = nil
	cm.mu.Unlock()

	if reason != nil {
		cm.logger.Error("connection closed", "error", reason)
	}
	cm.notify(func(l ConnectionStateListener) { l.OnDisconnected(reason) })
	cm.reconnect()
}

func (cm *ConnectionManager) reconnect() {
	start := cm.clock.Now()

	err := reliability.Retry(cm.ctx, cm.policy, func() error {
		cm.mu.Lock()
		defer cm.mu.Unlock()

		if cm.closed {
			return reliability.Permanent(ErrConnectionClosed)
		}

		conn, err := cm.dialContext(cm.ctx)
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err)
			return err
		}
		cm.attachLocked(conn)
		return nil
	},
		reliability.WithClock(cm.clock),
		reliability.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			cm.logger.Info("attempting to reconnect", "attempt", attempt, "delay", delay)
			cm.notify(func(l ConnectionStateListener) { l.OnReconnecting(attempt) })
		}),
	)
	if err != nil {
		cm.logger.Error("giving up on broker connection", "error", err, "duration", cm.clock.Since(start))
		cm.notify(func(l ConnectionStateListener) { l.OnDisconnected(err) })
		return
	}

	cm.logger.Info("successfully reconnected to broker", "duration", cm.clock.Since(start))
	cm.notify(func(l ConnectionStateListener) { l.OnConnected() })
}

func (cm *ConnectionManager) notify(fn func(ConnectionStateListener)) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.listeners {
		go fn(listener)
	}
}
