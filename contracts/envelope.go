package contracts

import (
	"encoding/json"
	"fmt"
)

// Routing tags used on the in-page hop.
const (
	SourceCheck    = "ugly-email-check"
	SourceResponse = "ugly-email-response"
)

// Kind discriminates the envelope variants
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindError    Kind = "error"
)

// Envelope is the message exchanged between the page messenger, the content
// bridge and the background process.
type Envelope struct {
	Kind  Kind    `json:"kind"`
	From  string  `json:"from,omitempty"`
	ID    string  `json:"id"`
	Body  string  `json:"body,omitempty"`
	Pixel *string `json:"pixel,omitempty"`
	Error string  `json:"error,omitempty"`
}

// NewRequest creates a request envelope
func NewRequest(id, body string) *Envelope {
	return &Envelope{Kind: KindRequest, ID: id, Body: body}
}

// NewResponse creates a response envelope. The pixel is omitted when matched
// is false or the pixel is empty.
func NewResponse(id, pixel string, matched bool) *Envelope {
	env := &Envelope{Kind: KindResponse, ID: id}
	if matched && pixel != "" {
		env.Pixel = &pixel
	}
	return env
}

// NewErrorResponse creates an error envelope
func NewErrorResponse(id, message string) *Envelope {
	return &Envelope{Kind: KindError, ID: id, Error: message}
}

// PixelValue returns the matched pixel, if any. An empty pixel is no match.
func (e *Envelope) PixelValue() (string, bool) {
	if e == nil || e.Pixel == nil || *e.Pixel == "" {
		return "", false
	}
	return *e.Pixel, true
}

// IsReply reports whether the envelope answers a request
func (e *Envelope) IsReply() bool {
	return e.Kind == KindResponse || e.Kind == KindError
}

// Tagged returns a copy of the envelope carrying the given routing tag.
func (e *Envelope) Tagged(from string) *Envelope {
	out := *e
	out.From = from
	if e.Pixel != nil {
		pixel := *e.Pixel
		out.Pixel = &pixel
	}
	return &out
}

// Validate checks that the fields present match the variant named by Kind.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return ErrMissingID
	}

	switch e.Kind {
	case KindRequest:
		if e.Pixel != nil || e.Error != "" {
			return &EnvelopeError{ID: e.ID, Kind: e.Kind, Reason: "request carries reply fields"}
		}
	case KindResponse:
		if e.Body != "" || e.Error != "" {
			return &EnvelopeError{ID: e.ID, Kind: e.Kind, Reason: "response carries body or error"}
		}
	case KindError:
		if e.Error == "" {
			return &EnvelopeError{ID: e.ID, Kind: e.Kind, Reason: "error envelope without error"}
		}
		if e.Body != "" || e.Pixel != nil {
			return &EnvelopeError{ID: e.ID, Kind: e.Kind, Reason: "error envelope carries body or pixel"}
		}
	case "":
		return &EnvelopeError{ID: e.ID, Reason: "missing kind"}
	default:
		return &EnvelopeError{ID: e.ID, Kind: e.Kind, Reason: "unknown kind"}
	}

	switch e.From {
	case "", SourceCheck, SourceResponse:
	default:
		return &EnvelopeError{ID: e.ID, Kind: e.Kind, Reason: fmt.Sprintf("unknown routing tag %q", e.From)}
	}

	return nil
}

// Marshal serializes the envelope after validating it
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and validates an envelope. Anything that is not a well formed
// envelope is rejected with an error wrapping ErrMalformedEnvelope.
func Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedEnvelope)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return &env, nil
}
