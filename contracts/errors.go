package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Envelope errors
	ErrMalformedEnvelope = errors.New("uglyemail: malformed envelope")
	ErrMissingID         = errors.New("uglyemail: envelope id is required")

	// Request errors
	ErrTimeout     = errors.New("uglyemail: message response timeout")
	ErrTornDown    = errors.New("uglyemail: component torn down")
	ErrDuplicateID = errors.New("uglyemail: request id already in flight")

	// Channel errors
	ErrNotConnected     = errors.New("uglyemail: channel not connected")
	ErrRetriesExhausted = errors.New("uglyemail: maximum reconnection attempts exceeded")

	// ProcessingFailedMessage is the error text sent back when matching fails.
	ProcessingFailedMessage = "Failed to process message"
)

// EnvelopeError describes why an envelope was rejected
type EnvelopeError struct {
	ID     string
	Kind   Kind
	Reason string
}

func (e *EnvelopeError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("envelope %s (%s): %s", e.ID, e.Kind, e.Reason)
	}
	return fmt.Sprintf("envelope %s: %s", e.ID, e.Reason)
}

// TimeoutError is returned when no response arrives within the wait budget
type TimeoutError struct {
	ID    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s: no response after %v", e.ID, e.After)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// ConnectionError represents a channel that failed to open or closed unexpectedly
type ConnectionError struct {
	Op        string    // Operation that failed
	Channel   string    // Channel name
	Attempts  int       // Reconnection attempts made so far
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("connection error: %s %s failed after %d attempts: %v", e.Op, e.Channel, e.Attempts, e.Err)
	}
	return fmt.Sprintf("connection error: %s %s failed: %v", e.Op, e.Channel, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProcessingError reports a failure of the tracker matching collaborator
type ProcessingError struct {
	ID      string
	Message string
	Err     error
}

func (e *ProcessingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("processing request %s: %s: %v", e.ID, e.Message, e.Err)
	}
	return fmt.Sprintf("processing request %s: %s", e.ID, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// InitializationError reports a failed startup attempt
type InitializationError struct {
	Op      string
	Attempt int
	Err     error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialization error: %s failed (attempt %d): %v", e.Op, e.Attempt, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}
