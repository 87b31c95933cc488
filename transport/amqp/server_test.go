package amqp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/uglyemail-go/contracts"
	"github.com/glimte/uglyemail-go/transport"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	routingKey string
	p          amqp091.Publishing
}

// recorder captures frames instead of sending them to a broker
type recorder struct {
	mu     sync.Mutex
	frames []published
	err    error
}

func (r *recorder) publish(ctx context.Context, routingKey string, p amqp091.Publishing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, published{routingKey, p})
	return nil
}

func (r *recorder) all() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.frames...)
}

func TestSession(t *testing.T) {
	t.Run("post publishes a message frame to the peer", func(t *testing.T) {
		rec := &recorder{}
		sess := newSession("ugly-email", "s1", "reply-q", rec.publish, nil)

		require.NoError(t, sess.Post(context.Background(), contracts.NewResponse("abc", "", false)))

		frames := rec.all()
		require.Len(t, frames, 1)
		assert.Equal(t, "reply-q", frames[0].routingKey)
		assert.Equal(t, FrameMessage, frames[0].p.Type)
		assert.Equal(t, "s1", frames[0].p.CorrelationId)
	})

	t.Run("publish failure is returned", func(t *testing.T) {
		rec := &recorder{err: errors.New("channel/connection is not open")}
		sess := newSession("ugly-email", "s1", "reply-q", rec.publish, nil)

		err := sess.Post(context.Background(), contracts.NewRequest("abc", ""))
		assert.ErrorContains(t, err, "not open")
	})

	t.Run("close sends a close frame once", func(t *testing.T) {
		rec := &recorder{}
		closed := 0
		sess := newSession("ugly-email", "s1", "reply-q", rec.publish, func() { closed++ })

		require.NoError(t, sess.CloseWithReason("port closed"))
		require.NoError(t, sess.Close())

		frames := rec.all()
		require.Len(t, frames, 1)
		assert.Equal(t, FrameClose, frames[0].p.Type)
		assert.Equal(t, "port closed", frames[0].p.Headers[HeaderCloseReason])
		assert.Equal(t, 1, closed)
		assert.ErrorIs(t, sess.Post(context.Background(), contracts.NewRequest("x", "")), transport.ErrClosed)
	})

	t.Run("remote close notifies without answering", func(t *testing.T) {
		rec := &recorder{}
		sess := newSession("ugly-email", "s1", "reply-q", rec.publish, nil)

		gone := make(chan error, 2)
		sess.OnDisconnect(func(err error) { gone <- err })
		sess.remoteClosed(errors.New("boom"))
		sess.remoteClosed(errors.New("again"))

		select {
		case err := <-gone:
			assert.EqualError(t, err, "boom")
		case <-time.After(time.Second):
			t.Fatal("not notified")
		}
		assert.Empty(t, rec.all())
		assert.NoError(t, sess.Close())
		assert.Empty(t, rec.all())
	})
}

func newTestServer(accept transport.AcceptFunc) *Server {
	return NewServer(NewConnectionManager("amqp://localhost:5672/"), "ugly-email", accept)
}

func TestServerFrames(t *testing.T) {
	t.Run("open accepts a session and messages reach it", func(t *testing.T) {
		accepted := make(chan transport.Channel, 1)
		s := newTestServer(func(ch transport.Channel) { accepted <- ch })

		s.handleDelivery(delivery(openFrame("s1", "reply-q", "ugly-email")))
		ch := <-accepted
		assert.Equal(t, "ugly-email", ch.Name())
		assert.Equal(t, 1, s.ActiveSessions())

		got := make(chan *contracts.Envelope, 1)
		ch.OnMessage(func(env *contracts.Envelope) { got <- env })

		p, err := messageFrame("s1", contracts.NewRequest("abc", "body"))
		require.NoError(t, err)
		s.handleDelivery(delivery(p))

		select {
		case env := <-got:
			assert.Equal(t, "abc", env.ID)
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	})

	t.Run("close frame with reason disconnects with an error", func(t *testing.T) {
		accepted := make(chan transport.Channel, 1)
		s := newTestServer(func(ch transport.Channel) { accepted <- ch })

		s.handleDelivery(delivery(openFrame("s1", "reply-q", "ugly-email")))
		ch := <-accepted
		gone := make(chan error, 1)
		ch.OnDisconnect(func(err error) { gone <- err })

		s.handleDelivery(delivery(closeFrame("s1", "tab closed")))

		select {
		case err := <-gone:
			assert.ErrorContains(t, err, "tab closed")
		case <-time.After(time.Second):
			t.Fatal("not disconnected")
		}
		assert.Equal(t, 0, s.ActiveSessions())
	})

	t.Run("duplicate opens and unknown sessions are ignored", func(t *testing.T) {
		accepted := make(chan transport.Channel, 2)
		s := newTestServer(func(ch transport.Channel) { accepted <- ch })

		s.handleDelivery(delivery(openFrame("s1", "reply-q", "ugly-email")))
		s.handleDelivery(delivery(openFrame("s1", "reply-q", "ugly-email")))
		s.handleDelivery(delivery(closeFrame("unknown", "")))
		s.handleDelivery(amqp091.Delivery{Type: "bogus", CorrelationId: "s1"})

		assert.Len(t, accepted, 1)
		assert.Equal(t, 1, s.ActiveSessions())
	})

	t.Run("sessions are independent", func(t *testing.T) {
		accepted := make(chan transport.Channel, 2)
		s := newTestServer(func(ch transport.Channel) { accepted <- ch })

		s.handleDelivery(delivery(openFrame("s1", "q1", "ugly-email")))
		s.handleDelivery(delivery(openFrame("s2", "q2", "ugly-email")))
		first, second := <-accepted, <-accepted

		got := make(chan string, 2)
		first.OnMessage(func(env *contracts.Envelope) { got <- "first:" + env.ID })
		second.OnMessage(func(env *contracts.Envelope) { got <- "second:" + env.ID })

		p, _ := messageFrame("s2", contracts.NewRequest("abc", ""))
		s.handleDelivery(delivery(p))

		select {
		case v := <-got:
			assert.Equal(t, "second:abc", v)
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	})

	t.Run("unroutable reply closes the session", func(t *testing.T) {
		accepted := make(chan transport.Channel, 1)
		s := newTestServer(func(ch transport.Channel) { accepted <- ch })

		s.handleDelivery(delivery(openFrame("s1", "reply-q", "ugly-email")))
		ch := <-accepted
		gone := make(chan error, 1)
		ch.OnDisconnect(func(err error) { gone <- err })

		p, err := messageFrame("s1", contracts.NewResponse("abc", "", false))
		require.NoError(t, err)
		s.handleReturn(amqp091.Return{
			ReplyCode:     amqp091.NoRoute,
			ReplyText:     "NO_ROUTE",
			RoutingKey:    "reply-q",
			CorrelationId: p.CorrelationId,
			Type:          p.Type,
		})

		select {
		case err := <-gone:
			assert.ErrorIs(t, err, ErrPeerGone)
		case <-time.After(time.Second):
			t.Fatal("not disconnected")
		}
		assert.Equal(t, 0, s.ActiveSessions())
		assert.ErrorIs(t, ch.Post(context.Background(), contracts.NewResponse("def", "", false)), transport.ErrClosed)
	})

	t.Run("returns for other queues or sessions are ignored", func(t *testing.T) {
		accepted := make(chan transport.Channel, 1)
		s := newTestServer(func(ch transport.Channel) { accepted <- ch })

		s.handleDelivery(delivery(openFrame("s1", "reply-q", "ugly-email")))
		<-accepted

		s.handleReturn(amqp091.Return{ReplyCode: amqp091.NoRoute, RoutingKey: "other-q", CorrelationId: "s1"})
		s.handleReturn(amqp091.Return{ReplyCode: amqp091.NoRoute, RoutingKey: "reply-q", CorrelationId: "unknown"})
		assert.Equal(t, 1, s.ActiveSessions())
	})

	t.Run("start without a connection fails", func(t *testing.T) {
		s := newTestServer(func(transport.Channel) {})
		assert.ErrorIs(t, s.Start(context.Background()), ErrConnectionNotReady)
	})
}
