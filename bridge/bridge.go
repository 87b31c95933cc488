package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/glimte/uglyemail-go/contracts"
	"github.com/glimte/uglyemail-go/internal/reliability"
	"github.com/glimte/uglyemail-go/page"
	"github.com/glimte/uglyemail-go/transport"
)

const (
	// DefaultChannelName names the channel opened to the background process
	DefaultChannelName = "ugly-email"
	// DefaultMaxAttempts bounds reconnection attempts
	DefaultMaxAttempts = 3
	// DefaultRetryInterval is the backoff step between attempts
	DefaultRetryInterval = 1000 * time.Millisecond
)

var (
	ErrAlreadyStarted = errors.New("bridge: already started")
	ErrClosed         = errors.New("bridge: closed")
)

// State of the bridge's channel
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateListener receives channel state change notifications.
// Listeners are called synchronously and must not block.
type StateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int, delay time.Duration)
	OnAbandoned(attempts int)
}

// Bridge relays check traffic between a page window and the background process
type Bridge struct {
	window *page.Window
	dialer transport.Dialer
	name   string
	clock  clock.Clock
	policy reliability.RetryPolicy
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	channel    transport.Channel
	channelSub []contracts.Subscription
	attempts   int
	retryTimer *clock.Timer
	handle     *page.ListenerHandle
	started    bool
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc

	listenersMu sync.RWMutex
	listeners   []StateListener
}

// Option configures the bridge
type Option func(*Config)

// Config holds bridge configuration
type Config struct {
	ChannelName string
	Clock       clock.Clock
	RetryPolicy reliability.RetryPolicy
	Logger      *slog.Logger
}

// WithChannelName sets the channel name
func WithChannelName(name string) Option {
	return func(c *Config) {
		c.ChannelName = name
	}
}

// WithClock sets the clock driving reconnect timers
func WithClock(clk clock.Clock) Option {
	return func(c *Config) {
		c.Clock = clk
	}
}

// WithRetryPolicy replaces the default linear reconnect policy
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(c *Config) {
		c.RetryPolicy = policy
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// New creates a bridge. Nothing happens until Start.
func New(win *page.Window, dialer transport.Dialer, opts ...Option) *Bridge {
	cfg := &Config{
		ChannelName: DefaultChannelName,
		Clock:       clock.New(),
		RetryPolicy: reliability.NewLinearBackoff(DefaultRetryInterval, DefaultMaxAttempts),
		Logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	return &Bridge{
		window: win,
		dialer: dialer,
		name:   cfg.ChannelName,
		clock:  cfg.Clock,
		policy: cfg.RetryPolicy,
		logger: cfg.Logger,
		state:  StateDisconnected,
	}
}

// Start begins listening on the window and opens the channel. A failed first
// connection is not an error: it enters the retry path.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.started = true
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.handle = b.window.AddListener(b.relayIn)
	b.mu.Unlock()

	b.connect()
	return nil
}

// State returns the current channel state
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Attempts returns the reconnect attempts made since the last successful connection
func (b *Bridge) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// AddStateListener adds a channel state listener
func (b *Bridge) AddStateListener(listener StateListener) {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	b.listeners = append(b.listeners, listener)
}

// RemoveStateListener removes a channel state listener
func (b *Bridge) RemoveStateListener(listener StateListener) {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()

	for i, l := range b.listeners {
		if l == listener {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			break
		}
	}
}

// Close stops relaying, cancels any scheduled reconnect and closes the channel
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.retryTimer != nil {
		b.retryTimer.Stop()
		b.retryTimer = nil
	}
	ch := b.detachLocked()
	handle := b.handle
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Unlock()

	b.window.RemoveListener(handle)
	if ch != nil {
		return ch.Close()
	}
	return nil
}

func (b *Bridge) connect() {
	b.mu.Lock()
	if b.closed || b.state == StateAbandoned {
		b.mu.Unlock()
		return
	}
	b.state = StateConnecting
	b.retryTimer = nil
	ctx := b.ctx
	b.mu.Unlock()

	ch, err := b.dialer.Dial(ctx, b.name)

	b.mu.Lock()
	if err != nil {
		b.logger.Error("failed to establish connection", "channel", b.name, "error", err)
		notify := b.retryLocked(&contracts.ConnectionError{
			Op:        "connect",
			Channel:   b.name,
			Attempts:  b.attempts,
			Err:       err,
			Timestamp: b.clock.Now(),
		})
		b.mu.Unlock()
		notify()
		return
	}
	if b.closed {
		b.mu.Unlock()
		ch.Close()
		return
	}

	b.channel = ch
	b.state = StateConnected
	b.attempts = 0
	b.channelSub = []contracts.Subscription{
		ch.OnMessage(b.relayOut),
		ch.OnDisconnect(func(err error) { b.handleDisconnect(ch, err) }),
	}
	b.mu.Unlock()

	b.logger.Info("connected to background", "channel", b.name)
	b.forEachListener(func(l StateListener) { l.OnConnected() })
}

// retryLocked schedules the next attempt or abandons the channel. The
// returned function delivers listener notifications and must be called
// after b.mu is released.
func (b *Bridge) retryLocked(cause error) func() {
	if b.closed || b.state == StateAbandoned {
		return func() {}
	}

	ok, delay := b.policy.ShouldRetry(b.attempts, cause)
	if !ok {
		attempts := b.attempts
		b.state = StateAbandoned
		b.logger.Error("failed to establish connection after maximum retries",
			"channel", b.name,
			"attempts", attempts,
			"error", cause)
		return func() {
			b.forEachListener(func(l StateListener) { l.OnAbandoned(attempts) })
		}
	}

	b.attempts++
	attempt := b.attempts
	b.state = StateDisconnected
	b.retryTimer = b.clock.AfterFunc(delay, b.connect)

	b.logger.Info("scheduling reconnect",
		"channel", b.name,
		"attempt", attempt,
		"maxRetries", b.policy.MaxRetries(),
		"delay", delay)

	return func() {
		b.forEachListener(func(l StateListener) { l.OnReconnecting(attempt, delay) })
	}
}

// detachLocked forgets the current channel and drops its handlers
func (b *Bridge) detachLocked() transport.Channel {
	ch := b.channel
	b.channel = nil
	for _, sub := range b.channelSub {
		sub.Unsubscribe()
	}
	b.channelSub = nil
	return ch
}

func (b *Bridge) handleDisconnect(ch transport.Channel, err error) {
	b.mu.Lock()
	if b.channel != ch {
		b.mu.Unlock()
		return
	}
	b.detachLocked()

	if err != nil {
		b.logger.Error("connection disconnected", "channel", b.name, "error", err)
	}

	notify := b.retryLocked(&contracts.ConnectionError{
		Op:        "disconnect",
		Channel:   b.name,
		Attempts:  b.attempts,
		Err:       err,
		Timestamp: b.clock.Now(),
	})
	b.mu.Unlock()

	b.forEachListener(func(l StateListener) { l.OnDisconnected(err) })
	notify()
}

// relayIn forwards same-origin check requests from the page onto the channel
func (b *Bridge) relayIn(ev page.MessageEvent) {
	if ev.Origin != b.window.Origin() {
		return
	}

	env, err := contracts.Decode(ev.Data)
	if err != nil || env.From != contracts.SourceCheck || env.Kind != contracts.KindRequest {
		return
	}

	b.mu.Lock()
	ch := b.channel
	ctx := b.ctx
	b.mu.Unlock()

	if ch == nil {
		b.logger.Debug("no open channel, dropping request", "id", env.ID)
		return
	}

	if err := ch.Post(ctx, env); err != nil {
		b.logger.Error("failed to send message", "id", env.ID, "error", err)
		b.handleSendFailure(ch, err)
	}
}

func (b *Bridge) handleSendFailure(ch transport.Channel, err error) {
	b.mu.Lock()
	if b.channel != ch {
		b.mu.Unlock()
		return
	}
	b.detachLocked()
	notify := b.retryLocked(&contracts.ConnectionError{
		Op:        "send",
		Channel:   b.name,
		Attempts:  b.attempts,
		Err:       err,
		Timestamp: b.clock.Now(),
	})
	b.mu.Unlock()

	ch.Close()
	b.forEachListener(func(l StateListener) { l.OnDisconnected(err) })
	notify()
}

// relayOut re-emits every channel message into the page as a response
func (b *Bridge) relayOut(env *contracts.Envelope) {
	out := env.Tagged(contracts.SourceResponse)
	if err := b.window.PostMessage(out, b.window.Origin()); err != nil {
		b.logger.Error("failed to relay response into page", "id", env.ID, "error", err)
	}
}

func (b *Bridge) forEachListener(fn func(StateListener)) {
	b.listenersMu.RLock()
	listeners := append([]StateListener(nil), b.listeners...)
	b.listenersMu.RUnlock()

	for _, l := range listeners {
		fn(l)
	}
}
