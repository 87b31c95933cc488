package background

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/glimte/uglyemail-go/contracts"
	"github.com/glimte/uglyemail-go/interceptors"
	"github.com/glimte/uglyemail-go/transport"
)

var ErrServiceClosed = errors.New("background: service closed")

// Matcher is the tracker-matching collaborator. Init must be idempotent and
// safe to call before every Match.
type Matcher interface {
	Init(ctx context.Context) error
	Match(body string) (pixel string, matched bool, err error)
}

// session tracks the subscriptions owned by one accepted channel
type session struct {
	ch   transport.Channel
	subs []contracts.Subscription
}

// Service answers check requests arriving on accepted channels
type Service struct {
	matcher   Matcher
	installer *RuleInstaller
	chain     *interceptors.Chain
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[transport.Channel]*session
	closed   bool
}

// Option configures the service
type Option func(*Config)

// Config holds service configuration
type Config struct {
	RuleSet      RuleSet
	Interceptors []interceptors.Interceptor
	Logger       *slog.Logger
}

// WithRuleSet sets the rule set that OnInstalled writes the blocking rule to
func WithRuleSet(rules RuleSet) Option {
	return func(c *Config) {
		c.RuleSet = rules
	}
}

// WithInterceptors wraps request processing, first one outermost
func WithInterceptors(in ...interceptors.Interceptor) Option {
	return func(c *Config) {
		c.Interceptors = append(c.Interceptors, in...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// NewService creates a background service around matcher
func NewService(matcher Matcher, opts ...Option) *Service {
	cfg := &Config{
		Logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		matcher:  matcher,
		chain:    interceptors.NewChain(cfg.Interceptors...),
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[transport.Channel]*session),
	}
	if cfg.RuleSet != nil {
		s.installer = NewRuleInstaller(cfg.RuleSet)
	}
	return s
}

// OnStartup runs when the process starts: it initializes the matcher.
// Failures are logged.
func (s *Service) OnStartup(ctx context.Context) {
	if err := s.matcher.Init(ctx); err != nil {
		s.logger.Error("failed to initialize trackers on startup", "error", err)
	}
}

// OnInstalled runs on first install or update: it initializes the matcher and
// installs the blocking rule. Failures are logged.
func (s *Service) OnInstalled(ctx context.Context) {
	if err := s.install(ctx); err != nil {
		s.logger.Error("failed to initialize service", "error", err)
	}
}

func (s *Service) install(ctx context.Context) error {
	if err := s.matcher.Init(ctx); err != nil {
		return &contracts.InitializationError{Op: "trackers", Attempt: 1, Err: err}
	}
	if s.installer == nil {
		return nil
	}
	if err := s.installer.Install(ctx); err != nil {
		return &contracts.InitializationError{Op: "rules", Attempt: 1, Err: err}
	}
	return nil
}

// Accept takes ownership of a newly opened channel. It has the shape of a
// transport.AcceptFunc.
func (s *Service) Accept(ch transport.Channel) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ch.Close()
		return
	}

	sess := &session{ch: ch}
	s.sessions[ch] = sess
	s.mu.Unlock()

	msgSub := ch.OnMessage(func(env *contracts.Envelope) { s.handleRequest(ch, env) })
	discSub := ch.OnDisconnect(func(err error) { s.handleDisconnect(ch, err) })

	s.mu.Lock()
	if _, ok := s.sessions[ch]; ok {
		sess.subs = []contracts.Subscription{msgSub, discSub}
		s.mu.Unlock()
		s.logger.Debug("channel accepted", "channel", ch.Name())
		return
	}
	s.mu.Unlock()

	// the channel went away while we were subscribing
	msgSub.Unsubscribe()
	discSub.Unsubscribe()
}

// ActiveChannels returns the number of open channels
func (s *Service) ActiveChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close closes every accepted channel and refuses new ones
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := s.sessions
	s.sessions = make(map[transport.Channel]*session)
	s.mu.Unlock()

	s.cancel()

	var errs []error
	for ch, sess := range sessions {
		for _, sub := range sess.subs {
			sub.Unsubscribe()
		}
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) handleRequest(ch transport.Channel, env *contracts.Envelope) {
	if env.Kind != contracts.KindRequest {
		s.logger.Debug("ignoring non-request message", "id", env.ID, "kind", env.Kind)
		return
	}

	ctx := interceptors.WithChannel(s.ctx, ch.Name())
	reply, err := s.chain.Execute(ctx, env, interceptors.RequestHandlerFunc(s.process))
	if err == nil && reply == nil {
		err = &contracts.ProcessingError{ID: env.ID, Message: "no reply"}
	}
	if err != nil {
		s.logger.Error("failed to process message", "id", env.ID, "error", err)
		reply = contracts.NewErrorResponse(env.ID, contracts.ProcessingFailedMessage)
	}

	if err := ch.Post(s.ctx, reply); err != nil {
		s.logger.Error("failed to send reply", "id", env.ID, "channel", ch.Name(), "error", err)
	}
}

func (s *Service) process(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
	if err := s.matcher.Init(ctx); err != nil {
		return nil, &contracts.ProcessingError{ID: env.ID, Message: "init trackers", Err: err}
	}

	pixel, matched, err := s.matcher.Match(env.Body)
	if err != nil {
		return nil, &contracts.ProcessingError{ID: env.ID, Message: "match", Err: err}
	}

	return contracts.NewResponse(env.ID, pixel, matched), nil
}

func (s *Service) handleDisconnect(ch transport.Channel, err error) {
	if err != nil {
		s.logger.Error("port disconnected due to error", "channel", ch.Name(), "error", err)
	}

	s.mu.Lock()
	sess, ok := s.sessions[ch]
	delete(s.sessions, ch)
	s.mu.Unlock()

	if !ok {
		return
	}
	for _, sub := range sess.subs {
		sub.Unsubscribe()
	}
}
