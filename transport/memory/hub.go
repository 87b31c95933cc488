// Package memory provides in-process duplex channels, the equivalent of
// runtime ports between two contexts of one browser.
package memory

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/glimte/uglyemail-go/contracts"
	"github.com/glimte/uglyemail-go/internal/eventloop"
	"github.com/glimte/uglyemail-go/transport"
)

// Hub connects dialers to the listening background context
type Hub struct {
	mu        sync.RWMutex
	listeners map[uint64]transport.AcceptFunc
	nextID    uint64
	logger    *slog.Logger
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// NewHub creates a hub with no listeners
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		listeners: make(map[uint64]transport.AcceptFunc),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Listen registers fn to receive the background end of every new channel
func (h *Hub) Listen(fn transport.AcceptFunc) contracts.Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	h.listeners[id] = fn

	return contracts.OnceSubscription(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners, id)
	})
}

// Dial opens a channel. Listeners see the remote end before Dial returns.
func (h *Hub) Dial(ctx context.Context, name string) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	accept := h.snapshot()
	if len(accept) == 0 {
		return nil, transport.ErrNoListener
	}

	client, server := Pipe(name)
	for _, fn := range accept {
		fn(server)
	}

	h.logger.Debug("channel opened", "channel", name)
	return client, nil
}

func (h *Hub) snapshot() []transport.AcceptFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]uint64, 0, len(h.listeners))
	for id := range h.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	fns := make([]transport.AcceptFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.listeners[id])
	}
	return fns
}

// Port is one end of an in-process channel
type Port struct {
	name     string
	peer     *Port
	loop     *eventloop.Loop
	handlers transport.Handlers
	mu       sync.Mutex
	closed   bool
}

// Pipe returns two connected ports
func Pipe(name string) (*Port, *Port) {
	a := &Port{name: name, loop: eventloop.New()}
	b := &Port{name: name, loop: eventloop.New()}
	a.peer, b.peer = b, a
	return a, b
}

// Name implements transport.Channel
func (p *Port) Name() string {
	return p.name
}

// Post implements transport.Channel. The envelope is serialized and decoded
// again so neither side can observe the other's copy.
func (p *Port) Post(ctx context.Context, env *contracts.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	data, err := env.Marshal()
	if err != nil {
		return err
	}
	clone, err := contracts.Decode(data)
	if err != nil {
		return err
	}

	if !p.peer.deliver(clone) {
		return transport.ErrClosed
	}
	return nil
}

// OnMessage implements transport.Channel
func (p *Port) OnMessage(fn transport.MessageHandler) contracts.Subscription {
	return p.handlers.OnMessage(fn)
}

// OnDisconnect implements transport.Channel
func (p *Port) OnDisconnect(fn transport.DisconnectHandler) contracts.Subscription {
	return p.handlers.OnDisconnect(fn)
}

// MessageHandlerCount returns the number of message handlers still attached
func (p *Port) MessageHandlerCount() int {
	return p.handlers.MessageHandlerCount()
}

// Close implements transport.Channel
func (p *Port) Close() error {
	return p.CloseWithError(nil)
}

// CloseWithError closes the port and reports err to the remote end as the
// platform disconnect reason.
func (p *Port) CloseWithError(err error) error {
	if !p.shutdown() {
		return nil
	}
	p.peer.remoteClosed(err)
	return nil
}

func (p *Port) deliver(env *contracts.Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	return p.loop.Post(func() { p.handlers.DispatchMessage(env) })
}

func (p *Port) shutdown() bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.closed = true
	p.mu.Unlock()

	p.handlers.MarkClosed()
	p.loop.Close()
	return true
}

func (p *Port) remoteClosed(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.loop.Post(func() {
		p.handlers.DispatchDisconnect(err)
		p.loop.Close()
	})
	p.mu.Unlock()
}
