// Package page models the browser window shared by the page script and the
// content bridge: a same-origin postMessage bus.
//
// Messages are serialized to JSON when posted and delivered asynchronously,
// in order, on the window's own event loop. Every event carries the origin of
// the context that posted it; receivers are expected to drop events whose
// origin differs from their own.
package page

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/glimte/uglyemail-go/contracts"
	"github.com/glimte/uglyemail-go/internal/eventloop"
)

// AnyOrigin delivers a message regardless of the window's origin
const AnyOrigin = "*"

var (
	ErrWindowClosed = errors.New("page: window closed")
)

// MessageEvent is what a listener receives
type MessageEvent struct {
	Origin string
	Data   json.RawMessage
}

// Listener handles message events
type Listener func(MessageEvent)

// ListenerHandle identifies a registered listener
type ListenerHandle struct {
	id uint64
}

// Window is a same-origin message bus
type Window struct {
	origin    string
	loop      *eventloop.Loop
	logger    *slog.Logger
	mu        sync.RWMutex
	listeners map[uint64]Listener
	nextID    uint64
	closed    bool
}

// WindowOption configures a Window
type WindowOption func(*Window)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) WindowOption {
	return func(w *Window) {
		w.logger = logger
	}
}

// NewWindow creates a window for the given origin, e.g. "https://mail.google.com"
func NewWindow(origin string, opts ...WindowOption) *Window {
	w := &Window{
		origin:    origin,
		loop:      eventloop.New(),
		logger:    slog.Default(),
		listeners: make(map[uint64]Listener),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Origin returns the window's origin
func (w *Window) Origin() string {
	return w.origin
}

// AddListener registers fn and returns the handle needed to remove it
func (w *Window) AddListener(fn Listener) *ListenerHandle {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	w.listeners[w.nextID] = fn
	return &ListenerHandle{id: w.nextID}
}

// RemoveListener unregisters the listener behind h. It reports whether the
// listener was still registered. Once it returns, the listener is not invoked again
// unless it is the listener currently running.
func (w *Window) RemoveListener(h *ListenerHandle) bool {
	if h == nil {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.listeners[h.id]; !ok {
		return false
	}
	delete(w.listeners, h.id)
	return true
}

// ListenerCount returns the number of registered listeners
func (w *Window) ListenerCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.listeners)
}

// PostMessage posts data from a script running in this window.
// The message is dropped unless targetOrigin is AnyOrigin or the window's origin.
func (w *Window) PostMessage(data any, targetOrigin string) error {
	return w.Deliver(w.origin, data, targetOrigin)
}

// Deliver posts data on behalf of another browsing context whose origin is
// senderOrigin, such as an embedded frame.
func (w *Window) Deliver(senderOrigin string, data any, targetOrigin string) error {
	payload, err := encode(data)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	if targetOrigin != AnyOrigin && targetOrigin != w.origin {
		// Target mismatch: the browser drops the message without telling the sender.
		return nil
	}

	ev := MessageEvent{Origin: senderOrigin, Data: payload}
	if !w.loop.Post(func() { w.dispatch(ev) }) {
		return ErrWindowClosed
	}
	return nil
}

// Close stops event delivery and drops all listeners
func (w *Window) Close() {
	w.mu.Lock()
	w.closed = true
	w.listeners = make(map[uint64]Listener)
	w.mu.Unlock()

	w.loop.Close()
}

func (w *Window) dispatch(ev MessageEvent) {
	w.mu.RLock()
	ids := make([]uint64, 0, len(w.listeners))
	for id := range w.listeners {
		ids = append(ids, id)
	}
	w.mu.RUnlock()
	slices.Sort(ids)

	for _, id := range ids {
		w.mu.RLock()
		fn, ok := w.listeners[id]
		w.mu.RUnlock()
		if !ok {
			continue
		}
		w.invoke(fn, ev)
	}
}

func (w *Window) invoke(fn Listener, ev MessageEvent) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("message listener panicked", "panic", r)
		}
	}()
	fn(ev)
}

func encode(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case json.RawMessage:
		return append(json.RawMessage(nil), v...), nil
	case []byte:
		return append(json.RawMessage(nil), v...), nil
	case *contracts.Envelope:
		return v.Marshal()
	default:
		return json.Marshal(v)
	}
}
