// Package messenger implements the page-context side of the relay: it asks
// whether a message body contains a tracking pixel and waits, for a bounded
// time, for the answer to come back through the window.
package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/glimte/uglyemail-go/contracts"
	"github.com/glimte/uglyemail-go/page"
	"github.com/google/uuid"
)

// DefaultTimeout is the wait budget of a single check
const DefaultTimeout = 5000 * time.Millisecond

// TeardownPolicy decides what happens to checks still waiting on Close
type TeardownPolicy int

const (
	// TeardownAbandon discards waiting checks without resolving them.
	// A waiting Check then only returns when its own context ends.
	TeardownAbandon TeardownPolicy = iota
	// TeardownReject fails waiting checks with contracts.ErrTornDown
	TeardownReject
)

func (p TeardownPolicy) String() string {
	switch p {
	case TeardownAbandon:
		return "abandon"
	case TeardownReject:
		return "reject"
	default:
		return fmt.Sprintf("TeardownPolicy(%d)", int(p))
	}
}

// ParseTeardownPolicy parses "abandon" or "reject"
func ParseTeardownPolicy(s string) (TeardownPolicy, error) {
	switch s {
	case "abandon", "":
		return TeardownAbandon, nil
	case "reject":
		return TeardownReject, nil
	default:
		return 0, fmt.Errorf("unknown teardown policy %q", s)
	}
}

type result struct {
	pixel   string
	matched bool
	err     error
}

// pendingRequest is removed from the table exactly once; whoever removes it
// owns its completion.
type pendingRequest struct {
	id    string
	done  chan result
	timer *clock.Timer
}

// Messenger issues tracking checks from the page context
type Messenger struct {
	window       *page.Window
	handle       *page.ListenerHandle
	clock        clock.Clock
	timeout      time.Duration
	teardown     TeardownPolicy
	strictErrors bool
	newID        func() string
	logger       *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
}

// Option configures the messenger
type Option func(*Config)

// Config holds messenger configuration
type Config struct {
	Timeout      time.Duration
	Clock        clock.Clock
	Teardown     TeardownPolicy
	StrictErrors bool
	IDGenerator  func() string
	Logger       *slog.Logger
}

// WithTimeout sets the wait budget of each check
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithClock sets the clock driving check timers
func WithClock(clk clock.Clock) Option {
	return func(c *Config) {
		c.Clock = clk
	}
}

// WithTeardownPolicy sets what Close does with waiting checks
func WithTeardownPolicy(policy TeardownPolicy) Option {
	return func(c *Config) {
		c.Teardown = policy
	}
}

// WithStrictErrors makes error responses fail the check with a
// *contracts.ProcessingError instead of resolving it as "no match".
func WithStrictErrors(strict bool) Option {
	return func(c *Config) {
		c.StrictErrors = strict
	}
}

// WithIDGenerator sets the correlation id generator
func WithIDGenerator(fn func() string) Option {
	return func(c *Config) {
		c.IDGenerator = fn
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// New creates a messenger listening on win. Call Close when the page unloads.
func New(win *page.Window, opts ...Option) *Messenger {
	cfg := &Config{
		Timeout:     DefaultTimeout,
		Clock:       clock.New(),
		Teardown:    TeardownAbandon,
		IDGenerator: uuid.NewString,
		Logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	m := &Messenger{
		window:       win,
		clock:        cfg.Clock,
		timeout:      cfg.Timeout,
		teardown:     cfg.Teardown,
		strictErrors: cfg.StrictErrors,
		newID:        cfg.IDGenerator,
		logger:       cfg.Logger,
		pending:      make(map[string]*pendingRequest),
	}
	m.handle = win.AddListener(m.handleMessage)

	return m
}

// Check asks whether body contains a tracking pixel. It returns the matched
// indicator, or matched=false when there is none. A *contracts.TimeoutError
// is returned when no answer arrives within the wait budget.
func (m *Messenger) Check(ctx context.Context, body string) (string, bool, error) {
	return m.CheckWithID(ctx, m.newID(), body)
}

// CheckWithID is Check with a caller supplied correlation id, which must not
// collide with another check in flight.
func (m *Messenger) CheckWithID(ctx context.Context, id, body string) (string, bool, error) {
	if id == "" {
		return "", false, contracts.ErrMissingID
	}

	req, err := m.register(id)
	if err != nil {
		return "", false, err
	}

	env := contracts.NewRequest(id, body).Tagged(contracts.SourceCheck)
	if err := m.window.PostMessage(env, m.window.Origin()); err != nil {
		if m.remove(req) {
			req.timer.Stop()
		}
		return "", false, fmt.Errorf("failed to post check %s: %w", id, err)
	}

	select {
	case res := <-req.done:
		return res.pixel, res.matched, res.err
	case <-ctx.Done():
		if m.remove(req) {
			req.timer.Stop()
			return "", false, ctx.Err()
		}
		// Lost the race to a response or timeout that already completed it.
		select {
		case res := <-req.done:
			return res.pixel, res.matched, res.err
		default:
			return "", false, ctx.Err()
		}
	}
}

// PendingCount returns the number of checks waiting for an answer
func (m *Messenger) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close removes the window listener and discards every waiting check
// according to the teardown policy.
func (m *Messenger) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pending := m.pending
	m.pending = make(map[string]*pendingRequest)
	m.mu.Unlock()

	m.window.RemoveListener(m.handle)

	for _, req := range pending {
		req.timer.Stop()
		if m.teardown == TeardownReject {
			req.done <- result{err: contracts.ErrTornDown}
		}
	}

	if len(pending) > 0 {
		m.logger.Debug("messenger closed with checks in flight",
			"pending", len(pending),
			"policy", m.teardown.String())
	}
	return nil
}

func (m *Messenger) register(id string) (*pendingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, contracts.ErrTornDown
	}
	if _, exists := m.pending[id]; exists {
		return nil, fmt.Errorf("%w: %s", contracts.ErrDuplicateID, id)
	}

	req := &pendingRequest{
		id:   id,
		done: make(chan result, 1),
	}
	req.timer = m.clock.AfterFunc(m.timeout, func() { m.expire(req) })
	m.pending[id] = req

	return req, nil
}

// remove deletes req if it is still the entry for its id
func (m *Messenger) remove(req *pendingRequest) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.pending[req.id]; ok && current == req {
		delete(m.pending, req.id)
		return true
	}
	return false
}

func (m *Messenger) expire(req *pendingRequest) {
	if !m.remove(req) {
		return
	}
	req.done <- result{err: &contracts.TimeoutError{ID: req.id, After: m.timeout}}
}

func (m *Messenger) handleMessage(ev page.MessageEvent) {
	if ev.Origin != m.window.Origin() {
		return
	}

	env, err := contracts.Decode(ev.Data)
	if err != nil || env.From != contracts.SourceResponse || !env.IsReply() {
		return
	}

	m.mu.Lock()
	req, ok := m.pending[env.ID]
	if ok {
		delete(m.pending, env.ID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	req.timer.Stop()
	req.done <- m.resultFor(env)
}

func (m *Messenger) resultFor(env *contracts.Envelope) result {
	if env.Kind == contracts.KindError {
		m.logger.Debug("check answered with an error", "id", env.ID, "error", env.Error)
		if m.strictErrors {
			return result{err: &contracts.ProcessingError{ID: env.ID, Message: env.Error}}
		}
		return result{}
	}

	pixel, matched := env.PixelValue()
	return result{pixel: pixel, matched: matched}
}
