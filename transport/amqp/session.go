package amqp

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/uglyemail-go/contracts"
	"github.com/glimte/uglyemail-go/internal/eventloop"
	"github.com/glimte/uglyemail-go/transport"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// publishFunc publishes one frame to a routing key on the default exchange
type publishFunc func(ctx context.Context, routingKey string, p amqp091.Publishing) error

// session is one end of a channel. Handlers run on the session's own loop so
// a slow session never holds up another.
type session struct {
	name     string
	id       string
	peer     string
	publish  publishFunc
	onClose  func()
	handlers transport.Handlers
	loop     *eventloop.Loop

	mu     sync.Mutex
	closed bool
}

func newSession(name, id, peer string, publish publishFunc, onClose func()) *session {
	return &session{
		name:    name,
		id:      id,
		peer:    peer,
		publish: publish,
		onClose: onClose,
		loop:    eventloop.New(),
	}
}

// Name implements transport.Channel
func (s *session) Name() string {
	return s.name
}

// Session returns the session id shared by both ends
func (s *session) Session() string {
	return s.id
}

// Post implements transport.Channel
func (s *session) Post(ctx context.Context, env *contracts.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosed() {
		return transport.ErrClosed
	}

	p, err := messageFrame(s.id, env)
	if err != nil {
		return err
	}
	if err := s.publish(ctx, s.peer, p); err != nil {
		return fmt.Errorf("publish to %s: %w", s.peer, err)
	}
	return nil
}

// OnMessage implements transport.Channel
func (s *session) OnMessage(fn transport.MessageHandler) contracts.Subscription {
	return s.handlers.OnMessage(fn)
}

// OnDisconnect implements transport.Channel
func (s *session) OnDisconnect(fn transport.DisconnectHandler) contracts.Subscription {
	return s.handlers.OnDisconnect(fn)
}

// Close implements transport.Channel
func (s *session) Close() error {
	return s.closeWith("")
}

// CloseWithReason closes the channel; the remote end sees reason as the
// disconnect error.
func (s *session) CloseWithReason(reason string) error {
	return s.closeWith(reason)
}

func (s *session) closeWith(reason string) error {
	if !s.shutdown() {
		return nil
	}
	s.handlers.MarkClosed()
	s.loop.Close()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err := s.publish(ctx, s.peer, closeFrame(s.id, reason))

	if s.onClose != nil {
		s.onClose()
	}
	return err
}

func (s *session) shutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) deliver(env *contracts.Envelope) {
	if s.isClosed() {
		return
	}
	s.loop.Post(func() { s.handlers.DispatchMessage(env) })
}

// remoteClosed ends the session because of the peer or the broker
func (s *session) remoteClosed(err error) {
	if !s.shutdown() {
		return
	}
	if s.onClose != nil {
		s.onClose()
	}
	if !s.loop.Post(func() {
		s.handlers.DispatchDisconnect(err)
		s.loop.Close()
	}) {
		s.handlers.DispatchDisconnect(err)
	}
}
