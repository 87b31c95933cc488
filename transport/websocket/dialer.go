package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/glimte/uglyemail-go/transport"
	gorilla "github.com/gorilla/websocket"
)

// DialerOption configures the dialer
type DialerOption func(*DialerConfig)

// DialerConfig holds dialer configuration
type DialerConfig struct {
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	Logger           *slog.Logger
}

// WithHeader adds a header to the upgrade request
func WithHeader(key, value string) DialerOption {
	return func(c *DialerConfig) {
		c.Header.Add(key, value)
	}
}

// WithHandshakeTimeout bounds the upgrade handshake
func WithHandshakeTimeout(d time.Duration) DialerOption {
	return func(c *DialerConfig) {
		c.HandshakeTimeout = d
	}
}

// WithDialerPingInterval enables keepalive pings on dialed channels
func WithDialerPingInterval(d time.Duration) DialerOption {
	return func(c *DialerConfig) {
		c.PingInterval = d
	}
}

// WithDialerLogger sets the logger
func WithDialerLogger(logger *slog.Logger) DialerOption {
	return func(c *DialerConfig) {
		c.Logger = logger
	}
}

// Dialer opens channels to a Server. It implements transport.Dialer.
type Dialer struct {
	baseURL string
	dialer  *gorilla.Dialer
	cfg     *DialerConfig
}

// NewDialer creates a dialer for the server at baseURL (ws:// or wss://)
func NewDialer(baseURL string, opts ...DialerOption) *Dialer {
	cfg := &DialerConfig{
		Header:           http.Header{},
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     DefaultWriteTimeout,
		Logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Dialer{
		baseURL: strings.TrimRight(baseURL, "/"),
		dialer: &gorilla.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		cfg: cfg,
	}
}

// Dial implements transport.Dialer
func (d *Dialer) Dial(ctx context.Context, name string) (transport.Channel, error) {
	target := d.baseURL + "/connect/" + url.PathEscape(name)

	ws, resp, err := d.dialer.DialContext(ctx, target, d.cfg.Header)
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusServiceUnavailable {
				return nil, fmt.Errorf("dial %s: %s: %w", target, resp.Status, transport.ErrNoListener)
			}
			return nil, fmt.Errorf("dial %s: %s: %w", target, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	return newConn(name, ws, d.cfg.Logger, d.cfg.WriteTimeout, d.cfg.PingInterval), nil
}
