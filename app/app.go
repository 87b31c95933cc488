// Package app runs the page-side scanner: it prepares the store and the
// tracker signatures, reconciles the stored signature version, then keeps
// rescanning the mailbox on a timer and whenever the mailbox reloads.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/glimte/uglyemail-go/contracts"
	"github.com/glimte/uglyemail-go/internal/reliability"
	"github.com/glimte/uglyemail-go/store"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultObserveInterval separates two scans
	DefaultObserveInterval = 2500 * time.Millisecond
	// DefaultErrorInterval follows a failed scan
	DefaultErrorInterval = 5000 * time.Millisecond
	// DefaultInitRetryInterval separates two startup attempts
	DefaultInitRetryInterval = 5000 * time.Millisecond
)

var (
	ErrNotReady = errors.New("app: not initialized")
	ErrClosed   = errors.New("app: closed")
)

// Scanner is the mailbox view the observer drives
type Scanner interface {
	IsInsideEmail() bool
	CheckThread(ctx context.Context) error
	CheckList(ctx context.Context) error
	OnLoad(fn func()) contracts.Subscription
}

// Signatures is the tracker signature database
type Signatures interface {
	Init(ctx context.Context) error
	Version() string
}

// Option configures an App
type Option func(*Config)

// Config holds App options
type Config struct {
	Clock           clock.Clock
	InitRetryPolicy reliability.RetryPolicy
	ObserveInterval time.Duration
	ErrorInterval   time.Duration
	Logger          *slog.Logger
	Closers         []io.Closer
}

// WithClock sets the clock used for timers
func WithClock(clk clock.Clock) Option {
	return func(c *Config) {
		c.Clock = clk
	}
}

// WithInitRetryPolicy sets how failed startups are retried
func WithInitRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(c *Config) {
		c.InitRetryPolicy = policy
	}
}

// WithObserveInterval sets the delay between scans
func WithObserveInterval(d time.Duration) Option {
	return func(c *Config) {
		c.ObserveInterval = d
	}
}

// WithErrorInterval sets the delay after a failed scan
func WithErrorInterval(d time.Duration) Option {
	return func(c *Config) {
		c.ErrorInterval = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithCloser adds a component closed together with the app, such as the
// messenger or the bridge.
func WithCloser(closer io.Closer) Option {
	return func(c *Config) {
		c.Closers = append(c.Closers, closer)
	}
}

// App wires the store, the signatures and the mailbox scanner together
type App struct {
	store   store.Store
	sigs    Signatures
	scanner Scanner

	clock           clock.Clock
	initPolicy      reliability.RetryPolicy
	observeInterval time.Duration
	errorInterval   time.Duration
	closers         []io.Closer
	logger          *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// scanMu serializes scans
	scanMu sync.Mutex

	mu       sync.Mutex
	ready    bool
	closed   bool
	timer    *clock.Timer
	next     time.Time
	scans    int
	lastErr  error
	loadSub  contracts.Subscription
	attempts int
}

// New creates an App
func New(st store.Store, sigs Signatures, scanner Scanner, opts ...Option) *App {
	cfg := &Config{
		Clock:           clock.New(),
		InitRetryPolicy: reliability.NewFixedDelay(DefaultInitRetryInterval, reliability.Unlimited),
		ObserveInterval: DefaultObserveInterval,
		ErrorInterval:   DefaultErrorInterval,
		Logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		store:           st,
		sigs:            sigs,
		scanner:         scanner,
		clock:           cfg.Clock,
		initPolicy:      cfg.InitRetryPolicy,
		observeInterval: cfg.ObserveInterval,
		errorInterval:   cfg.ErrorInterval,
		closers:         cfg.Closers,
		logger:          cfg.Logger.With("component", "app"),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Init prepares the store and the signatures, reconciles the stored version
// and starts the observer. Failed attempts are retried by the init retry
// policy until it gives up or ctx ends. Calling Init on a ready App is a no-op.
func (a *App) Init(ctx context.Context) error {
	a.mu.Lock()
	switch {
	case a.closed:
		a.mu.Unlock()
		return ErrClosed
	case a.ready:
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	err := reliability.Retry(ctx, a.initPolicy, func() error {
		return a.initOnce(ctx)
	},
		reliability.WithClock(a.clock),
		reliability.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			a.logger.Error("failed to initialize",
				"attempt", attempt,
				"retryIn", delay,
				"error", err)
		}),
	)
	if err != nil {
		return err
	}

	a.mu.Lock()
	switch {
	case a.closed:
		a.mu.Unlock()
		return ErrClosed
	case a.ready:
		a.mu.Unlock()
		return nil
	}
	a.ready = true
	a.loadSub = a.scanner.OnLoad(func() { go a.observe() })
	a.mu.Unlock()

	a.logger.Info("initialized", "signatures", a.sigs.Version())
	go a.observe()
	return nil
}

func (a *App) initOnce(ctx context.Context) error {
	a.mu.Lock()
	a.attempts++
	attempt := a.attempts
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.store.Init(gctx); err != nil {
			return &contracts.InitializationError{Op: "store", Attempt: attempt, Err: err}
		}
		return nil
	})
	g.Go(func() error {
		if err := a.sigs.Init(gctx); err != nil {
			return &contracts.InitializationError{Op: "signatures", Attempt: attempt, Err: err}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := a.reconcile(ctx); err != nil {
		return &contracts.InitializationError{Op: "version", Attempt: attempt, Err: err}
	}
	return nil
}

// reconcile stores the signature version on first launch. On a version change
// it upgrades the store and drops untracked records so they get rechecked.
func (a *App) reconcile(ctx context.Context) error {
	version := a.sigs.Version()
	current, err := a.store.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	switch {
	case current == "":
		a.logger.Info("first launch", "version", version)
		return a.store.Setup(ctx, version)
	case current != version:
		if err := a.store.Upgrade(ctx, version); err != nil {
			return err
		}
		flushed, err := a.store.FlushUntracked(ctx)
		if err != nil {
			return err
		}
		a.logger.Info("signatures upgraded",
			"from", current,
			"to", version,
			"flushed", flushed)
	}
	return nil
}

// Ready reports whether Init completed
func (a *App) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready && !a.closed
}

// ScanNow runs a scan immediately and reschedules the observer
func (a *App) ScanNow() error {
	if !a.Ready() {
		return ErrNotReady
	}
	return a.runObserver()
}

// Scans returns how many scans completed
func (a *App) Scans() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scans
}

// NextScan returns when the observer runs next
func (a *App) NextScan() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer == nil {
		return time.Time{}, false
	}
	return a.next, true
}

// LastError returns the error of the latest scan
func (a *App) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

func (a *App) observe() {
	_ = a.runObserver()
}

func (a *App) runObserver() error {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()

	var err error
	if a.scanner.IsInsideEmail() {
		err = a.scanner.CheckThread(a.ctx)
	} else {
		err = a.scanner.CheckList(a.ctx)
	}

	delay := a.observeInterval
	if err != nil {
		a.logger.Error("observer error", "error", err, "retryIn", a.errorInterval)
		delay = a.errorInterval
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.scans++
	a.lastErr = err
	if !a.closed {
		a.timer = a.clock.AfterFunc(delay, a.observe)
		a.next = a.clock.Now().Add(delay)
	}
	return err
}

// Close stops the observer and closes the attached components
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	sub := a.loadSub
	a.loadSub = nil
	a.mu.Unlock()

	a.cancel()
	if sub != nil {
		sub.Unsubscribe()
	}

	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
	}
	return errors.Join(errs...)
}
