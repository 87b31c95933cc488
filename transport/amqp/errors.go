package amqp

import (
	"errors"
	"net/url"
)

var (
	ErrConnectionNotReady = errors.New("amqp: connection not ready")
	ErrConnectionClosed   = errors.New("amqp: connection is closed")
	ErrConnectionTimeout  = errors.New("amqp: connection timeout")
	ErrUnknownFrame       = errors.New("amqp: unknown frame type")
	ErrMissingSession     = errors.New("amqp: frame without session id")
	ErrPeerGone           = errors.New("amqp: reply queue no longer exists")
)

// SanitizeURL hides the password of a broker URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
