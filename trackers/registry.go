// Package trackers holds the tracker signature database and matches message
// bodies against it.
package trackers

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/glimte/uglyemail-go/internal/reliability"
	"golang.org/x/net/html"
	"gopkg.in/yaml.v3"
)

//go:embed signatures.yaml
var embeddedSignatures []byte

var (
	ErrNotInitialized = errors.New("trackers: not initialized")
	ErrNoVersion      = errors.New("trackers: signature database has no version")
)

// Tracker is one known tracking service
type Tracker struct {
	Name     string   `yaml:"name"`
	Patterns []string `yaml:"patterns"`

	compiled []*regexp.Regexp
}

// Database is the on-disk signature format
type Database struct {
	Version  string    `yaml:"version"`
	Trackers []Tracker `yaml:"trackers"`
}

// Source loads a raw signature database
type Source func(ctx context.Context) ([]byte, error)

// Embedded returns the signature database compiled into the binary
func Embedded() Source {
	return func(ctx context.Context) ([]byte, error) {
		return embeddedSignatures, ctx.Err()
	}
}

// File reads the signature database from path on every load
func File(path string) Source {
	return func(ctx context.Context) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return os.ReadFile(path)
	}
}

// Bytes serves a fixed signature database
func Bytes(data []byte) Source {
	return func(ctx context.Context) ([]byte, error) {
		return data, ctx.Err()
	}
}

// Option configures the registry
type Option func(*Config)

// Config holds registry configuration
type Config struct {
	Source Source
	Logger *slog.Logger
}

// WithSource sets where signatures are loaded from
func WithSource(src Source) Option {
	return func(c *Config) {
		c.Source = src
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// Registry matches bodies against the loaded signatures. Init loads them once;
// a failed Init leaves the registry empty so the next call tries again.
type Registry struct {
	source Source
	logger *slog.Logger

	mu       sync.RWMutex
	loaded   bool
	version  string
	trackers []Tracker
}

// New creates a registry, by default backed by the embedded signatures
func New(opts ...Option) *Registry {
	cfg := &Config{
		Source: Embedded(),
		Logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Registry{
		source: cfg.Source,
		logger: cfg.Logger,
	}
}

// Init loads the signature database. Calls after a successful load return
// immediately. A database that does not parse is a permanent error.
func (r *Registry) Init(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}

	data, err := r.source(ctx)
	if err != nil {
		return fmt.Errorf("load signatures: %w", err)
	}

	db, err := Parse(data)
	if err != nil {
		return reliability.Permanent(err)
	}

	r.version = db.Version
	r.trackers = db.Trackers
	r.loaded = true

	r.logger.Info("tracker signatures loaded", "version", db.Version, "trackers", len(db.Trackers))
	return nil
}

// Version returns the loaded signature version, or "" before Init
func (r *Registry) Version() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Len returns the number of known trackers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.trackers)
}

// Match returns the first image URL in body that belongs to a known tracker
func (r *Registry) Match(body string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.loaded {
		return "", false, ErrNotInitialized
	}

	for _, src := range ImageSources(body) {
		for i := range r.trackers {
			if r.trackers[i].matches(src) {
				return src, true, nil
			}
		}
	}
	return "", false, nil
}

// Identify returns the name of the tracker owning url
func (r *Registry) Identify(url string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.trackers {
		if r.trackers[i].matches(url) {
			return r.trackers[i].Name, true
		}
	}
	return "", false
}

func (t *Tracker) matches(url string) bool {
	for _, re := range t.compiled {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// Parse decodes and compiles a signature database
func Parse(data []byte) (*Database, error) {
	var db Database
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&db); err != nil {
		return nil, fmt.Errorf("parse signatures: %w", err)
	}

	if db.Version == "" {
		return nil, ErrNoVersion
	}

	for i := range db.Trackers {
		t := &db.Trackers[i]
		if t.Name == "" {
			return nil, fmt.Errorf("parse signatures: tracker %d has no name", i)
		}
		for _, p := range t.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("parse signatures: tracker %s: %w", t.Name, err)
			}
			t.compiled = append(t.compiled, re)
		}
	}
	return &db, nil
}

// ImageSources returns the src of every img element in body, in document order
func ImageSources(body string) []string {
	var srcs []string
	z := html.NewTokenizer(strings.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return srcs
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "img" {
				continue
			}
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				if string(key) == "src" && len(val) > 0 {
					srcs = append(srcs, string(val))
				}
			}
		}
	}
}
