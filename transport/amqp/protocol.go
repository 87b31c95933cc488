package amqp

import (
	"errors"
	"fmt"

	"github.com/glimte/uglyemail-go/contracts"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Frame types
const (
	FrameOpen    = "open"
	FrameMessage = "message"
	FrameClose   = "close"
)

const (
	// DefaultQueuePrefix prefixes request queue names
	DefaultQueuePrefix = "uglyemail.connect."
	// HeaderCloseReason carries the disconnect reason of a close frame
	HeaderCloseReason = "x-close-reason"
	// HeaderChannelName carries the channel name on open frames
	HeaderChannelName = "x-channel-name"

	contentTypeJSON = "application/json"
)

// frame is a decoded delivery
type frame struct {
	Type     string
	Session  string
	ReplyTo  string
	Name     string
	Reason   string
	Envelope *contracts.Envelope
}

// QueueName returns the request queue for a channel name
func QueueName(prefix, name string) string {
	return prefix + name
}

func openFrame(session, replyTo, name string) amqp091.Publishing {
	return amqp091.Publishing{
		Type:          FrameOpen,
		CorrelationId: session,
		ReplyTo:       replyTo,
		Headers:       amqp091.Table{HeaderChannelName: name},
	}
}

func messageFrame(session string, env *contracts.Envelope) (amqp091.Publishing, error) {
	body, err := env.Marshal()
	if err != nil {
		return amqp091.Publishing{}, err
	}
	return amqp091.Publishing{
		Type:          FrameMessage,
		CorrelationId: session,
		ContentType:   contentTypeJSON,
		MessageId:     env.ID,
		Body:          body,
	}, nil
}

func closeFrame(session, reason string) amqp091.Publishing {
	p := amqp091.Publishing{
		Type:          FrameClose,
		CorrelationId: session,
	}
	if reason != "" {
		p.Headers = amqp091.Table{HeaderCloseReason: reason}
	}
	return p
}

func decodeFrame(d amqp091.Delivery) (*frame, error) {
	if d.CorrelationId == "" {
		return nil, ErrMissingSession
	}

	f := &frame{
		Type:    d.Type,
		Session: d.CorrelationId,
		ReplyTo: d.ReplyTo,
	}

	switch d.Type {
	case FrameOpen:
		if d.ReplyTo == "" {
			return nil, fmt.Errorf("open frame for session %s without reply queue", d.CorrelationId)
		}
		if name, ok := d.Headers[HeaderChannelName].(string); ok {
			f.Name = name
		}
	case FrameMessage:
		env, err := contracts.Decode(d.Body)
		if err != nil {
			return nil, err
		}
		f.Envelope = env
	case FrameClose:
		if reason, ok := d.Headers[HeaderCloseReason].(string); ok {
			f.Reason = reason
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, d.Type)
	}
	return f, nil
}

// reasonError converts a close frame reason into a disconnect error
func reasonError(name, reason string) error {
	if reason == "" {
		return nil
	}
	return &contracts.ConnectionError{Op: "close", Channel: name, Err: errors.New(reason)}
}
