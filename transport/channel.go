// Package transport defines the duplex channel between the content bridge and
// the background process, independent of how the bytes travel.
package transport

import (
	"context"
	"errors"

	"github.com/glimte/uglyemail-go/contracts"
)

var (
	ErrClosed     = errors.New("transport: channel closed")
	ErrNoListener = errors.New("transport: could not establish connection, receiving end does not exist")
)

// MessageHandler receives envelopes arriving on a channel
type MessageHandler func(env *contracts.Envelope)

// DisconnectHandler is called once when the remote end goes away. err carries
// the platform reason, or nil for an orderly close.
type DisconnectHandler func(err error)

// Channel is one end of a long-lived duplex message path.
//
// Handlers for one channel are never called concurrently. Closing a channel
// locally notifies the remote end only; the local disconnect handlers do not
// fire. Registering a disconnect handler on a channel that is already
// disconnected calls it right away.
type Channel interface {
	// Name identifies the feature the channel was opened for
	Name() string

	// Post sends an envelope to the remote end
	Post(ctx context.Context, env *contracts.Envelope) error

	// OnMessage registers a message handler
	OnMessage(fn MessageHandler) contracts.Subscription

	// OnDisconnect registers a disconnect handler
	OnDisconnect(fn DisconnectHandler) contracts.Subscription

	// Close disconnects the channel
	Close() error
}

// Dialer opens channels to the background process
type Dialer interface {
	Dial(ctx context.Context, name string) (Channel, error)
}

// DialerFunc adapts a function to a Dialer
type DialerFunc func(ctx context.Context, name string) (Channel, error)

// Dial calls f
func (f DialerFunc) Dial(ctx context.Context, name string) (Channel, error) {
	return f(ctx, name)
}

// AcceptFunc is invoked with the background end of every new channel
type AcceptFunc func(ch Channel)
