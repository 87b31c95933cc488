package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/glimte/uglyemail-go/contracts"
	"github.com/stretchr/testify/assert"
)

func TestHandlers(t *testing.T) {
	t.Run("dispatches to registered message handlers", func(t *testing.T) {
		var h Handlers
		var got []string

		sub := h.OnMessage(func(env *contracts.Envelope) { got = append(got, "first:"+env.ID) })
		h.OnMessage(func(env *contracts.Envelope) { got = append(got, "second:"+env.ID) })

		h.DispatchMessage(contracts.NewRequest("a", ""))
		sub.Unsubscribe()
		h.DispatchMessage(contracts.NewRequest("b", ""))

		assert.Equal(t, []string{"first:a", "second:a", "second:b"}, got)
		assert.Equal(t, 1, h.MessageHandlerCount())
	})

	t.Run("disconnect fires once and drops handlers", func(t *testing.T) {
		var h Handlers
		reason := errors.New("port closed")
		calls := 0

		h.OnMessage(func(*contracts.Envelope) {})
		h.OnDisconnect(func(err error) {
			calls++
			assert.Equal(t, reason, err)
		})

		assert.True(t, h.DispatchDisconnect(reason))
		assert.False(t, h.DispatchDisconnect(nil))
		assert.Equal(t, 1, calls)
		assert.Equal(t, 0, h.MessageHandlerCount())
		assert.True(t, h.Disconnected())
	})

	t.Run("late disconnect handler still learns the reason", func(t *testing.T) {
		var h Handlers
		reason := errors.New("gone")
		h.DispatchDisconnect(reason)

		got := make(chan error, 1)
		h.OnDisconnect(func(err error) { got <- err })

		select {
		case err := <-got:
			assert.Equal(t, reason, err)
		case <-time.After(time.Second):
			t.Fatal("late handler not called")
		}
	})

	t.Run("local close notifies nobody", func(t *testing.T) {
		var h Handlers
		called := make(chan struct{}, 2)
		h.OnDisconnect(func(error) { called <- struct{}{} })

		assert.True(t, h.MarkClosed())
		assert.False(t, h.DispatchDisconnect(errors.New("late")))
		h.OnDisconnect(func(error) { called <- struct{}{} })

		time.Sleep(20 * time.Millisecond)
		assert.Len(t, called, 0)
	})
}
