package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/glimte/uglyemail-go/transport"
	"github.com/go-chi/chi/v5"
	gorilla "github.com/gorilla/websocket"
)

// ServerOption configures the server
type ServerOption func(*ServerConfig)

// ServerConfig holds server configuration
type ServerConfig struct {
	AllowedOrigins []string
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	Logger         *slog.Logger
}

// WithAllowedOrigins accepts upgrades whose Origin header has the same scheme
// and host as one of origins. Requests without an Origin header are always
// accepted.
func WithAllowedOrigins(origins ...string) ServerOption {
	return func(c *ServerConfig) {
		c.AllowedOrigins = append(c.AllowedOrigins, origins...)
	}
}

// WithWriteTimeout bounds frame writes
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(c *ServerConfig) {
		c.WriteTimeout = d
	}
}

// WithPingInterval enables keepalive pings
func WithPingInterval(d time.Duration) ServerOption {
	return func(c *ServerConfig) {
		c.PingInterval = d
	}
}

// WithServerLogger sets the logger
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(c *ServerConfig) {
		c.Logger = logger
	}
}

// Server upgrades HTTP requests to channels and hands them to an acceptor
type Server struct {
	accept   transport.AcceptFunc
	upgrader gorilla.Upgrader
	cfg      *ServerConfig
	logger   *slog.Logger

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

// NewServer creates a server passing every new channel to accept
func NewServer(accept transport.AcceptFunc, opts ...ServerOption) *Server {
	cfg := &ServerConfig{
		WriteTimeout: DefaultWriteTimeout,
		Logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Server{
		accept: accept,
		cfg:    cfg,
		logger: cfg.Logger,
		conns:  make(map[*Conn]struct{}),
	}
	s.upgrader = gorilla.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Get("/connect/{name}", s.HandleConnect)
	router.Get("/status", s.HandleStatus)
	return router
}

// HandleConnect upgrades the request and serves the channel until it closes
func (s *Server) HandleConnect(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "name")
	if name == "" {
		http.Error(w, "channel name required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "channel", name, "error", err)
		return
	}

	conn := newConn(name, ws, s.logger, s.cfg.WriteTimeout, s.cfg.PingInterval)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("channel opened", "channel", name, "remote", req.RemoteAddr)
	s.accept(conn)
	conn.run()

	<-conn.Done()

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.logger.Info("channel closed", "channel", name, "remote", req.RemoteAddr)
}

// HandleStatus reports the number of open channels
func (s *Server) HandleStatus(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"channels": s.ActiveConnections()})
}

// ActiveConnections returns the number of open channels
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close closes every open channel and rejects new ones
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}

func (s *Server) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return slices.ContainsFunc(s.cfg.AllowedOrigins, func(allowed string) bool {
		a, err := url.Parse(allowed)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Scheme, a.Scheme) && strings.EqualFold(u.Host, a.Host)
	})
}
