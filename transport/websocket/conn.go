// Package websocket carries channels over websocket connections: one
// connection per channel, one JSON envelope per text frame.
//
// The server mounts on a chi router at GET /connect/{name}. A close frame
// with a non-normal code, or a broken connection, reaches the other end as a
// disconnect with an error; a normal close frame as a disconnect without one.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/uglyemail-go/contracts"
	"github.com/glimte/uglyemail-go/transport"
	gorilla "github.com/gorilla/websocket"
)

const (
	// DefaultWriteTimeout bounds a single frame write
	DefaultWriteTimeout = 10 * time.Second
	closeGracePeriod    = time.Second
)

// Conn is a transport.Channel over a websocket connection
type Conn struct {
	name   string
	ws     *gorilla.Conn
	logger *slog.Logger

	handlers transport.Handlers
	start    sync.Once
	done     chan struct{}

	writeMu      sync.Mutex
	writeTimeout time.Duration
	pingInterval time.Duration

	mu     sync.Mutex
	closed bool
}

func newConn(name string, ws *gorilla.Conn, logger *slog.Logger, writeTimeout, pingInterval time.Duration) *Conn {
	return &Conn{
		name:         name,
		ws:           ws,
		logger:       logger,
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
	}
}

// Name implements transport.Channel
func (c *Conn) Name() string {
	return c.name
}

// Post implements transport.Channel
func (c *Conn) Post(ctx context.Context, env *contracts.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return transport.ErrClosed
	}

	data, err := env.Marshal()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.ws.SetWriteDeadline(deadline)

	if err := c.ws.WriteMessage(gorilla.TextMessage, data); err != nil {
		if c.isClosed() {
			return transport.ErrClosed
		}
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// OnMessage implements transport.Channel. The first registration starts the
// read loop.
func (c *Conn) OnMessage(fn transport.MessageHandler) contracts.Subscription {
	sub := c.handlers.OnMessage(fn)
	c.run()
	return sub
}

// OnDisconnect implements transport.Channel
func (c *Conn) OnDisconnect(fn transport.DisconnectHandler) contracts.Subscription {
	sub := c.handlers.OnDisconnect(fn)
	c.run()
	return sub
}

// Close implements transport.Channel. It sends a normal close frame.
func (c *Conn) Close() error {
	return c.closeWith(gorilla.CloseNormalClosure, "")
}

// CloseWithReason closes the connection with an internal error close frame;
// the remote end sees reason as the disconnect error.
func (c *Conn) CloseWithReason(reason string) error {
	return c.closeWith(gorilla.CloseInternalServerErr, reason)
}

// Done is closed once the read loop has ended
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) closeWith(code int, text string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.handlers.MarkClosed()

	c.writeMu.Lock()
	msg := gorilla.FormatCloseMessage(code, text)
	err := c.ws.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	c.writeMu.Unlock()
	if err != nil && !errors.Is(err, gorilla.ErrCloseSent) {
		c.logger.Debug("failed to send close frame", "channel", c.name, "error", err)
	}

	return c.ws.Close()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) run() {
	c.start.Do(func() {
		go c.readLoop()
		if c.pingInterval > 0 {
			go c.pingLoop()
		}
	})
}

func (c *Conn) readLoop() {
	defer close(c.done)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.disconnected(err)
			return
		}

		env, err := contracts.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "channel", c.name, "error", err)
			continue
		}
		c.handlers.DispatchMessage(env)
	}
}

func (c *Conn) disconnected(err error) {
	c.mu.Lock()
	local := c.closed
	c.closed = true
	c.mu.Unlock()

	if local {
		return
	}
	c.ws.Close()

	var closeErr *gorilla.CloseError
	if errors.As(err, &closeErr) &&
		(closeErr.Code == gorilla.CloseNormalClosure || closeErr.Code == gorilla.CloseGoingAway) {
		c.handlers.DispatchDisconnect(nil)
		return
	}

	c.logger.Debug("websocket disconnected", "channel", c.name, "error", err)
	c.handlers.DispatchDisconnect(disconnectReason(c.name, err))
}

// disconnectReason turns a close frame's text into the reported error
func disconnectReason(name string, err error) error {
	var closeErr *gorilla.CloseError
	if errors.As(err, &closeErr) && closeErr.Text != "" {
		return &contracts.ConnectionError{
			Op:        "read",
			Channel:   name,
			Err:       errors.New(closeErr.Text),
			Timestamp: time.Now(),
		}
	}
	return &contracts.ConnectionError{Op: "read", Channel: name, Err: err, Timestamp: time.Now()}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(gorilla.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", "channel", c.name, "error", err)
				return
			}
		}
	}
}
