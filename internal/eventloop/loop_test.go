package eventloop

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoop(t *testing.T) {
	t.Run("runs callbacks in posting order", func(t *testing.T) {
		l := New()
		defer l.Close()

		var mu sync.Mutex
		var got []int
		done := make(chan struct{})

		for i := 0; i < 100; i++ {
			i := i
			l.Post(func() {
				mu.Lock()
				got = append(got, i)
				n := len(got)
				mu.Unlock()
				if n == 100 {
					close(done)
				}
			})
		}

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("callbacks did not run")
		}

		for i := range got {
			assert.Equal(t, i, got[i])
		}
	})

	t.Run("callbacks may post further callbacks", func(t *testing.T) {
		l := New()
		defer l.Close()

		done := make(chan struct{})
		l.Post(func() {
			l.Post(func() { close(done) })
		})

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("nested callback did not run")
		}
	})

	t.Run("Post after Close is refused", func(t *testing.T) {
		l := New()
		l.Close()
		l.Wait()

		assert.False(t, l.Post(func() {}))
		l.Close()
	})
}
