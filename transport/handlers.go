package transport

import (
	"slices"
	"sync"

	"github.com/glimte/uglyemail-go/contracts"
)

// Handlers is the observer registry shared by channel implementations.
// Callers serialize DispatchMessage calls; registration is safe from any goroutine.
type Handlers struct {
	mu           sync.Mutex
	nextID       uint64
	messages     map[uint64]MessageHandler
	disconnects  map[uint64]DisconnectHandler
	disconnected bool
	local        bool
	reason       error
}

// OnMessage registers fn
func (h *Handlers) OnMessage(fn MessageHandler) contracts.Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.messages == nil {
		h.messages = make(map[uint64]MessageHandler)
	}
	h.nextID++
	id := h.nextID
	h.messages[id] = fn

	return contracts.OnceSubscription(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.messages, id)
	})
}

// OnDisconnect registers fn. If the channel already disconnected, fn runs on
// a new goroutine with the recorded reason, unless it was closed locally.
func (h *Handlers) OnDisconnect(fn DisconnectHandler) contracts.Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disconnected {
		if !h.local {
			go fn(h.reason)
		}
		return contracts.SubscriptionFunc(func() {})
	}

	if h.disconnects == nil {
		h.disconnects = make(map[uint64]DisconnectHandler)
	}
	h.nextID++
	id := h.nextID
	h.disconnects[id] = fn

	return contracts.OnceSubscription(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.disconnects, id)
	})
}

// MessageHandlerCount returns the number of registered message handlers
func (h *Handlers) MessageHandlerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// DispatchMessage delivers env to every message handler still registered
func (h *Handlers) DispatchMessage(env *contracts.Envelope) {
	for _, fn := range h.snapshotMessages() {
		fn(env)
	}
}

// DispatchDisconnect marks the channel disconnected and notifies the
// disconnect handlers. Only the first call has any effect.
func (h *Handlers) DispatchDisconnect(err error) bool {
	h.mu.Lock()
	if h.disconnected {
		h.mu.Unlock()
		return false
	}
	h.disconnected = true
	h.reason = err

	ids := make([]uint64, 0, len(h.disconnects))
	for id := range h.disconnects {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]DisconnectHandler, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.disconnects[id])
	}
	h.disconnects = nil
	h.messages = nil
	h.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
	return true
}

// MarkClosed records a local close: no handler fires, later registrations
// of disconnect handlers are ignored as well.
func (h *Handlers) MarkClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disconnected {
		return false
	}
	h.disconnected = true
	h.local = true
	h.disconnects = nil
	h.messages = nil
	return true
}

// Disconnected reports whether the channel is gone
func (h *Handlers) Disconnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disconnected
}

func (h *Handlers) snapshotMessages() []MessageHandler {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]uint64, 0, len(h.messages))
	for id := range h.messages {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	fns := make([]MessageHandler, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.messages[id])
	}
	return fns
}
