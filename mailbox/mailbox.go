// Package mailbox scans a directory of saved messages the way the content
// page scans the mail list: every message not yet recorded is checked for a
// tracking pixel and the result is stored.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/glimte/uglyemail-go/contracts"
	"github.com/glimte/uglyemail-go/store"
)

var (
	ErrNoMessage      = errors.New("mailbox: no such message")
	ErrNotInsideEmail = errors.New("mailbox: no message is open")
)

// Checker asks whether a message body carries a tracking pixel
type Checker interface {
	Check(ctx context.Context, body string) (pixel string, matched bool, err error)
}

// Result is the scan outcome for one message
type Result struct {
	ID    string
	Pixel string
}

// Tracked reports whether a pixel was found
func (r Result) Tracked() bool {
	return r.Pixel != ""
}

// Option configures a Dir
type Option func(*Config)

// Config holds Dir options
type Config struct {
	Extensions []string
	Logger     *slog.Logger
}

// WithExtensions sets the file extensions treated as messages
func WithExtensions(exts ...string) Option {
	return func(c *Config) {
		c.Extensions = exts
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// Dir is a mailbox backed by a directory. The message id is the file name
// without its extension, or the Message-ID header of .eml files.
type Dir struct {
	root    string
	checker Checker
	store   store.Store
	exts    []string
	logger  *slog.Logger

	scanMu sync.Mutex

	mu      sync.Mutex
	opened  string
	results map[string]string
	nextID  uint64
	loads   map[uint64]func()
}

// NewDir creates a mailbox over root
func NewDir(root string, checker Checker, st store.Store, opts ...Option) *Dir {
	cfg := &Config{
		Extensions: []string{".html", ".htm", ".eml"},
		Logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Dir{
		root:    root,
		checker: checker,
		store:   st,
		exts:    cfg.Extensions,
		logger:  cfg.Logger.With("component", "mailbox", "root", root),
		results: make(map[string]string),
		loads:   make(map[uint64]func()),
	}
}

// Open marks a message as the one being read
func (d *Dir) Open(id string) error {
	if _, err := d.find(id); err != nil {
		return err
	}
	d.mu.Lock()
	d.opened = id
	d.mu.Unlock()
	return nil
}

// CloseEmail returns to the list view
func (d *Dir) CloseEmail() {
	d.mu.Lock()
	d.opened = ""
	d.mu.Unlock()
}

// IsInsideEmail reports whether a single message is open
func (d *Dir) IsInsideEmail() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened != ""
}

// OnLoad registers fn to run whenever the mailbox reloads
func (d *Dir) OnLoad(fn func()) contracts.Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.loads[id] = fn

	return contracts.OnceSubscription(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.loads, id)
	})
}

// Reload notifies the load observers, as when new mail arrives
func (d *Dir) Reload() {
	d.mu.Lock()
	ids := make([]uint64, 0, len(d.loads))
	for id := range d.loads {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.loads[id])
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// CheckList checks every message that has no recorded result. A message whose
// check timed out is left unrecorded so the next scan retries it.
func (d *Dir) CheckList(ctx context.Context) error {
	d.scanMu.Lock()
	defer d.scanMu.Unlock()

	messages, err := d.list()
	if err != nil {
		return err
	}

	var errs []error
	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.checkMessage(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CheckThread checks the open message
func (d *Dir) CheckThread(ctx context.Context) error {
	d.scanMu.Lock()
	defer d.scanMu.Unlock()

	d.mu.Lock()
	id := d.opened
	d.mu.Unlock()
	if id == "" {
		return ErrNotInsideEmail
	}

	msg, err := d.find(id)
	if err != nil {
		return err
	}
	return d.checkMessage(ctx, msg)
}

// Results returns every message scanned so far, sorted by id
func (d *Dir) Results() []Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Result, 0, len(d.results))
	for id, pixel := range d.results {
		out = append(out, Result{ID: id, Pixel: pixel})
	}
	slices.SortFunc(out, func(a, b Result) int { return strings.Compare(a.ID, b.ID) })
	return out
}

type message struct {
	id   string
	path string
}

func (d *Dir) checkMessage(ctx context.Context, msg message) error {
	pixel, found, err := d.store.Lookup(ctx, msg.id)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", msg.id, err)
	}
	if found {
		d.remember(msg.id, pixel)
		return nil
	}

	body, err := readBody(msg.path)
	if err != nil {
		return fmt.Errorf("read %s: %w", msg.id, err)
	}

	pixel, matched, err := d.checker.Check(ctx, body)
	switch {
	case errors.Is(err, contracts.ErrTimeout):
		d.logger.Warn("check timed out, will retry", "message", msg.id)
		return nil
	case err != nil:
		return fmt.Errorf("check %s: %w", msg.id, err)
	}
	if !matched {
		pixel = ""
	}

	if err := d.store.Record(ctx, msg.id, pixel); err != nil {
		return fmt.Errorf("record %s: %w", msg.id, err)
	}
	d.remember(msg.id, pixel)

	if matched {
		d.logger.Info("tracking pixel found", "message", msg.id, "pixel", pixel)
	} else {
		d.logger.Debug("message untracked", "message", msg.id)
	}
	return nil
}

func (d *Dir) remember(id, pixel string) {
	d.mu.Lock()
	d.results[id] = pixel
	d.mu.Unlock()
}

func (d *Dir) list() ([]message, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("read mailbox: %w", err)
	}

	var out []message
	for _, e := range entries {
		if e.IsDir() || !d.isMessage(e.Name()) {
			continue
		}
		path := filepath.Join(d.root, e.Name())
		out = append(out, message{id: messageID(path), path: path})
	}
	return out, nil
}

func (d *Dir) find(id string) (message, error) {
	messages, err := d.list()
	if err != nil {
		return message{}, err
	}
	for _, msg := range messages {
		if msg.id == id {
			return msg, nil
		}
	}
	return message{}, fmt.Errorf("%w: %s", ErrNoMessage, id)
}

func (d *Dir) isMessage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return slices.Contains(d.exts, ext)
}

func messageID(path string) string {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))

	if !strings.EqualFold(filepath.Ext(base), ".eml") {
		return name
	}
	f, err := os.Open(path)
	if err != nil {
		return name
	}
	defer f.Close()

	m, err := mail.ReadMessage(f)
	if err != nil {
		return name
	}
	if id := strings.Trim(m.Header.Get("Message-Id"), "<> "); id != "" {
		return id
	}
	return name
}

// readBody returns the file contents, or the body of an .eml message
func readBody(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if !strings.EqualFold(filepath.Ext(path), ".eml") {
		data, err := io.ReadAll(f)
		return string(data), err
	}

	m, err := mail.ReadMessage(f)
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(m.Body)
	return string(data), err
}
